package detector

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/loykin/daemonkit/internal/process"
)

// DefaultCommandTimeout bounds a CommandDetector probe when Timeout is unset.
const DefaultCommandTimeout = 5 * time.Second

// CommandDetector runs a command that should exit 0 while the daemon is healthy.
type CommandDetector struct {
	Command string
	Env     []string
	Timeout time.Duration
}

func (d CommandDetector) Alive() (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	base := process.BuildCommand(d.Command)
	// #nosec G204
	cmd := exec.CommandContext(ctx, base.Path, base.Args[1:]...)
	if len(d.Env) > 0 {
		cmd.Env = d.Env
	}
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		// non-zero exit code means not alive
		return false, nil
	}
	return false, err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
