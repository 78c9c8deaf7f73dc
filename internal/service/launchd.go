package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/loykin/daemonkit/internal/service/plist"
)

type LaunchdOptions struct {
	Runner Runner
	Logger *slog.Logger
}

// LaunchdAdapter manages agents through launchctl. Unlike systemctl, every
// failing launchctl invocation is an error.
type LaunchdAdapter struct {
	runner Runner
	log    *slog.Logger
}

func NewLaunchdAdapter(opts LaunchdOptions) *LaunchdAdapter {
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &LaunchdAdapter{runner: runner, log: log.With("backend", string(BackendLaunchd))}
}

func (a *LaunchdAdapter) Backend() Backend { return BackendLaunchd }

func (a *LaunchdAdapter) Supports(path string) bool {
	return readableFile(path, ".plist")
}

func (a *LaunchdAdapter) CreateService(name, path string) (Service, error) {
	cfg, err := plist.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	s := &LaunchdService{Name: name, Path: path, Config: cfg}
	if s.Label() == "" {
		return nil, fmt.Errorf("parse %s: missing Label", path)
	}
	return s, nil
}

// Start loads the agent, replacing a loaded copy, and starts it unless it is
// already running.
func (a *LaunchdAdapter) Start(s Service) (bool, error) {
	ld, err := asLaunchd(s)
	if err != nil {
		return false, err
	}
	log := a.log.With("service", ld.Name, "label", ld.Label())
	loaded, err := a.isLoaded(ld)
	if err != nil {
		return false, err
	}
	if loaded {
		if _, err := a.launchctl("unload", "-w", ld.Path); err != nil {
			return false, err
		}
	}
	if _, err := a.launchctl("load", "-w", ld.Path); err != nil {
		return false, err
	}
	if _, running, err := a.pid(ld); err != nil || running {
		if running {
			log.Info("Service already running.")
		}
		return running, err
	}
	if _, err := a.launchctl("start", ld.Label()); err != nil {
		return false, err
	}
	_, running, err := a.pid(ld)
	log.Info("Service start requested.", "running", running)
	return running, err
}

// Stop stops and unloads the agent. An agent that is not running counts as
// stopped.
func (a *LaunchdAdapter) Stop(s Service) (bool, error) {
	ld, err := asLaunchd(s)
	if err != nil {
		return false, err
	}
	_, running, err := a.pid(ld)
	if err != nil {
		return false, err
	}
	if !running {
		return true, nil
	}
	if _, err := a.launchctl("stop", ld.Label()); err != nil {
		return false, err
	}
	loaded, err := a.isLoaded(ld)
	if err != nil {
		return false, err
	}
	if loaded {
		if _, err := a.launchctl("unload", "-w", ld.Path); err != nil {
			return false, err
		}
	}
	_, running, err = a.pid(ld)
	a.log.Info("Service stop requested.", "service", ld.Name, "stopped", !running)
	return !running, err
}

func (a *LaunchdAdapter) IsRunning(s Service) (bool, error) {
	ld, err := asLaunchd(s)
	if err != nil {
		return false, err
	}
	_, running, err := a.pid(ld)
	return running, err
}

func (a *LaunchdAdapter) PID(s Service) (int, bool, error) {
	ld, err := asLaunchd(s)
	if err != nil {
		return 0, false, err
	}
	return a.pid(ld)
}

// pid reads the first column of the agent's "launchctl list" line, which is
// "-" while the agent is loaded but not running.
func (a *LaunchdAdapter) pid(ld *LaunchdService) (int, bool, error) {
	out, err := a.launchctl("list")
	if err != nil {
		return 0, false, err
	}
	cols := findColumns(out, labelMatcher(ld.Label()))
	if cols == nil {
		return 0, false, nil
	}
	pid, err := strconv.Atoi(cols[0])
	if err != nil || pid <= 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

func (a *LaunchdAdapter) isLoaded(ld *LaunchdService) (bool, error) {
	out, err := a.launchctl("list")
	if err != nil {
		return false, err
	}
	return findColumns(out, labelMatcher(ld.Label())) != nil, nil
}

func (a *LaunchdAdapter) launchctl(args ...string) (string, error) {
	out, err := a.runner.Run(context.Background(), nil, "launchctl", args...)
	if err != nil {
		a.log.Error("launchctl failed.", "args", strings.Join(args, " "), "error", err)
	}
	return out, err
}

func labelMatcher(label string) func([]string) bool {
	return func(f []string) bool { return f[len(f)-1] == label }
}
