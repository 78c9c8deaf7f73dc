package config

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(data), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.PIDDir != "var/run" || c.TmpDir != "var/tmp" || c.ServiceDir != "config/services" {
		t.Fatalf("unexpected dirs: %+v", c)
	}
	if c.CheckDelay != 10*time.Millisecond || c.CheckTimeout != 5*time.Second || c.StopTimeout != 10*time.Second {
		t.Fatalf("unexpected timings: delay=%s timeout=%s stop=%s", c.CheckDelay, c.CheckTimeout, c.StopTimeout)
	}
	sigs, err := c.Signals()
	if err != nil {
		t.Fatalf("Signals: %v", err)
	}
	if len(sigs) != 3 || sigs[0] != syscall.SIGINT || sigs[1] != syscall.SIGTERM || sigs[2] != syscall.SIGKILL {
		t.Fatalf("unexpected default signals: %v", sigs)
	}
	if len(c.ErrorMarkers) == 0 {
		t.Fatalf("default error markers missing")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "app.env", "# comment\nAPP_MODE = prod\n\nEMPTY=\n")
	path := writeFile(t, dir, "daemonkit.toml", `
pid_dir = "/srv/run"
tmp_dir = "/srv/tmp"
check_delay = "50ms"
check_timeout = "2s"
stop_timeout = "3s"
stop_signals = ["TERM", "KILL"]
error_markers = ["Traceback"]
env = ["APP_MODE=dev", "X=1"]
env_files = ["`+envFile+`"]

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/srv/log"
max_size_mb = 5

[history]
dsns = ["sqlite:///srv/history.db"]

[metrics]
enabled = true

[server]
listen = ":9000"

[[daemons]]
id = "mailer"
command = "php bin/mailer.php"

[[daemons]]
id = "indexer"
command = "sleep 1000"
health_check = "test -f /tmp/ready"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.PIDDir != "/srv/run" || c.TmpDir != "/srv/tmp" {
		t.Fatalf("dirs not loaded: %+v", c)
	}
	if c.CheckDelay != 50*time.Millisecond || c.CheckTimeout != 2*time.Second || c.StopTimeout != 3*time.Second {
		t.Fatalf("durations not decoded: %s %s %s", c.CheckDelay, c.CheckTimeout, c.StopTimeout)
	}
	if c.ServiceDir != "config/services" {
		t.Fatalf("unset keys keep defaults, got %q", c.ServiceDir)
	}
	if len(c.ErrorMarkers) != 1 || c.ErrorMarkers[0] != "Traceback" {
		t.Fatalf("markers: %v", c.ErrorMarkers)
	}
	if c.Log.Slog.Level != "debug" || c.Log.Slog.Format != "json" || c.Log.File.Dir != "/srv/log" || c.Log.File.MaxSizeMB != 5 {
		t.Fatalf("log config: %+v", c.Log)
	}
	if len(c.History.DSNs) != 1 || !c.Metrics.Enabled || c.Server.Listen != ":9000" {
		t.Fatalf("history/metrics/server: %+v %+v %+v", c.History, c.Metrics, c.Server)
	}
	if len(c.Daemons) != 2 || c.Daemons[1].ID != "indexer" || c.Daemons[1].HealthCheck == "" {
		t.Fatalf("daemons: %+v", c.Daemons)
	}
	envs, err := c.EnvList()
	if err != nil {
		t.Fatalf("EnvList: %v", err)
	}
	want := []string{"APP_MODE=prod", "EMPTY=", "APP_MODE=dev", "X=1"}
	if strings.Join(envs, ",") != strings.Join(want, ",") {
		t.Fatalf("env order: got %v want %v", envs, want)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DAEMONKIT_PID_DIR", "/override/run")
	t.Setenv("DAEMONKIT_CHECK_TIMEOUT", "3s")
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.PIDDir != "/override/run" || c.CheckTimeout != 3*time.Second {
		t.Fatalf("env overrides not applied: %s %s", c.PIDDir, c.CheckTimeout)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(c *Config){
		"check_delay zero":       func(c *Config) { c.CheckDelay = 0 },
		"check_delay too big":    func(c *Config) { c.CheckDelay = 10 * time.Second },
		"check_timeout too low":  func(c *Config) { c.CheckTimeout = 500 * time.Millisecond },
		"check_timeout too high": func(c *Config) { c.CheckTimeout = 11 * time.Second },
		"stop_timeout":           func(c *Config) { c.StopTimeout = 0 },
		"bad signal":             func(c *Config) { c.StopSignals = []string{"TERM", "NOPE"} },
		"empty pid dir":          func(c *Config) { c.PIDDir = "" },
		"daemon without id":      func(c *Config) { c.Daemons = []DaemonConfig{{Command: "x"}} },
		"daemon without command": func(c *Config) { c.Daemons = []DaemonConfig{{ID: "a"}} },
		"duplicate daemon": func(c *Config) {
			c.Daemons = []DaemonConfig{{ID: "a", Command: "x"}, {ID: "a", Command: "y"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.toml", `check_timeout = "30s"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected range error")
	}
}
