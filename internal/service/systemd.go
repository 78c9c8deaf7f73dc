package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/daemonkit/internal/service/unitfile"
)

type SystemdOptions struct {
	// Home defaults to $HOME.
	Home string
	// UID selects the user runtime directory; defaults to the current user.
	UID    int
	Runner Runner
	Logger *slog.Logger
}

// SystemdAdapter manages units through "systemctl --user". Started units are
// copied into ~/.config/systemd/user and removed again when stopped.
type SystemdAdapter struct {
	home   string
	uid    int
	runner Runner
	log    *slog.Logger
}

func NewSystemdAdapter(opts SystemdOptions) (*SystemdAdapter, error) {
	home := opts.Home
	if home == "" {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return nil, ErrNoHomeDir
	}
	uid := opts.UID
	if uid == 0 {
		uid = os.Getuid()
	}
	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SystemdAdapter{home: home, uid: uid, runner: runner, log: log.With("backend", string(BackendSystemd))}, nil
}

func (a *SystemdAdapter) Backend() Backend { return BackendSystemd }

// UnitDir is where started units are installed.
func (a *SystemdAdapter) UnitDir() string {
	return filepath.Join(a.home, ".config", "systemd", "user")
}

func (a *SystemdAdapter) unitPath(s *SystemdService) string {
	return filepath.Join(a.UnitDir(), s.Name+".service")
}

func (a *SystemdAdapter) Supports(path string) bool {
	return readableFile(path, ".service")
}

func (a *SystemdAdapter) CreateService(name, path string) (Service, error) {
	unit, err := unitfile.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &SystemdService{Name: name, Path: path, Config: unit}, nil
}

// Start installs the unit file, reloads the manager, enables the unit and
// starts it unless it is already running.
func (a *SystemdAdapter) Start(s Service) (bool, error) {
	sd, err := asSystemd(s)
	if err != nil {
		return false, err
	}
	log := a.log.With("service", sd.Name)
	if err := a.load(sd); err != nil {
		return false, err
	}
	if !a.isEnabled(sd) {
		if _, err := a.systemctl("enable", sd.Name); err != nil {
			return false, err
		}
	}
	if a.isRunning(sd) {
		log.Info("Service already running.")
		return true, nil
	}
	if _, err := a.systemctl("start", sd.Name); err != nil {
		return false, err
	}
	running := a.isRunning(sd)
	log.Info("Service start requested.", "running", running)
	return running, nil
}

// Stop stops and disables the unit, then uninstalls it.
func (a *SystemdAdapter) Stop(s Service) (bool, error) {
	sd, err := asSystemd(s)
	if err != nil {
		return false, err
	}
	if a.isRunning(sd) {
		if _, err := a.systemctl("stop", sd.Name); err != nil {
			return false, err
		}
	}
	if a.isEnabled(sd) {
		if _, err := a.systemctl("disable", sd.Name); err != nil {
			return false, err
		}
	}
	if err := a.unload(sd); err != nil {
		return false, err
	}
	stopped := !a.isRunning(sd)
	a.log.Info("Service stop requested.", "service", sd.Name, "stopped", stopped)
	return stopped, nil
}

// Reload reinstalls the unit file and reloads the manager configuration.
func (a *SystemdAdapter) Reload(s Service) error {
	sd, err := asSystemd(s)
	if err != nil {
		return err
	}
	if err := a.install(sd); err != nil {
		return err
	}
	_, err = a.systemctl("daemon-reload")
	return err
}

func (a *SystemdAdapter) IsRunning(s Service) (bool, error) {
	sd, err := asSystemd(s)
	if err != nil {
		return false, err
	}
	return a.isRunning(sd), nil
}

// PID returns the MainPID systemd reports for the unit.
func (a *SystemdAdapter) PID(s Service) (int, bool, error) {
	sd, err := asSystemd(s)
	if err != nil {
		return 0, false, err
	}
	out, err := a.systemctl("show", "--property", "MainPID", sd.Name)
	if err != nil {
		return 0, false, err
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "MainPID=")))
	if convErr != nil || pid <= 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

func (a *SystemdAdapter) status(sd *SystemdService) string {
	out, _ := a.systemctl("status", sd.Name)
	return out
}

func (a *SystemdAdapter) isRunning(sd *SystemdService) bool {
	return strings.Contains(a.status(sd), "Active: active (running)")
}

func (a *SystemdAdapter) isLoaded(sd *SystemdService) bool {
	cols := findColumns(a.status(sd), func(f []string) bool { return f[0] == "Loaded:" })
	return len(cols) > 1 && cols[1] == "loaded"
}

func (a *SystemdAdapter) isEnabled(sd *SystemdService) bool {
	out, _ := a.systemctl("list-unit-files", "--type=service", "--all")
	unit := sd.Name + ".service"
	cols := findColumns(out, func(f []string) bool { return f[0] == unit })
	return len(cols) > 1 && cols[1] == "enabled"
}

// load installs a fresh copy of the unit, unloading a previous one first so
// the manager picks up the latest configuration.
func (a *SystemdAdapter) load(sd *SystemdService) error {
	if a.isLoaded(sd) {
		if err := a.unload(sd); err != nil {
			return err
		}
	}
	if err := a.install(sd); err != nil {
		return err
	}
	_, err := a.systemctl("daemon-reload")
	return err
}

func (a *SystemdAdapter) unload(sd *SystemdService) error {
	if !a.isLoaded(sd) {
		return nil
	}
	if err := os.Remove(a.unitPath(sd)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if _, err := a.systemctl("daemon-reload"); err != nil {
		return err
	}
	_, err := a.systemctl("reset-failed")
	return err
}

func (a *SystemdAdapter) install(sd *SystemdService) error {
	if err := os.MkdirAll(a.UnitDir(), 0o750); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	return copyFile(sd.Path, a.unitPath(sd))
}

// systemctl runs "systemctl --user args...". A nonzero exit is not an error:
// status and friends use exit codes to report unit state.
func (a *SystemdAdapter) systemctl(args ...string) (string, error) {
	env := []string{
		fmt.Sprintf("XDG_RUNTIME_DIR=/run/user/%d", a.uid),
		fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/%d/bus", a.uid),
	}
	out, err := a.runner.Run(context.Background(), env, "systemctl", append([]string{"--user"}, args...)...)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		a.log.Error("systemctl failed.", "args", args, "error", err)
		return out, err
	}
	return out, nil
}

func readableFile(path, ext string) bool {
	if filepath.Ext(path) != ext {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return fmt.Errorf("open unit file: %w", err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create unit file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy unit file: %w", err)
	}
	return out.Close()
}
