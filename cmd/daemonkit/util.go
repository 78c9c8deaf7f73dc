package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/loykin/daemonkit/internal/supervisor"
)

func daemonFrom(a *app, f StartFlags) supervisor.Daemon {
	return supervisor.Daemon{
		ID:          f.ID,
		Command:     f.Command,
		HealthCheck: a.healthCheck(f.HealthCheck),
	}
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
