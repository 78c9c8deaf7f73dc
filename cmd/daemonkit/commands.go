package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/logger"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/runloop"
	"github.com/loykin/daemonkit/internal/server"
)

// errRefused reports an operation that was refused or did not succeed; the
// reason has already been logged.
var errRefused = errors.New("operation did not succeed")

// exitError carries the exit code of a foreground run loop.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// command holds the CLI logic behind the cobra commands.
type command struct {
	out io.Writer
}

func refusedUnless(ok bool) error {
	if !ok {
		return errRefused
	}
	return nil
}

// Start launches one daemon, or every [[daemons]] entry with All.
func (c command) Start(f StartFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	sup, err := a.supervisor(f.Direct)
	if err != nil {
		return err
	}
	if f.All {
		if len(a.cfg.Daemons) == 0 {
			return errors.New("no daemons declared in config")
		}
		return refusedUnless(sup.StartAll(a.daemons()))
	}
	if f.ID == "" || strings.TrimSpace(f.Command) == "" {
		return errors.New("start requires an id and a command, or --all")
	}
	return refusedUnless(sup.StartDaemon(daemonFrom(a, f)))
}

// Stop stops one daemon, or every daemon whose id matches Pattern with All.
func (c command) Stop(f StopFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	signals, err := process.ParseSignals(f.Signals)
	if err != nil {
		return err
	}
	sup, err := a.supervisor(true)
	if err != nil {
		return err
	}
	var ok bool
	if f.All {
		ok, err = sup.StopAll(f.Pattern, f.Timeout, signals)
	} else {
		if f.ID == "" {
			return errors.New("stop requires an id or --all")
		}
		ok, err = sup.Stop(f.ID, f.Timeout, signals)
	}
	if err != nil {
		return err
	}
	return refusedUnless(ok)
}

// Status prints one daemon's status; it fails when the daemon is not running.
func (c command) Status(f StatusFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	sup, err := a.supervisor(true)
	if err != nil {
		return err
	}
	st := sup.Status(f.ID)
	printJSON(c.out, st)
	return refusedUnless(st.Running)
}

// List prints the status of every record in the pid directory.
func (c command) List(f StatusFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	sup, err := a.supervisor(true)
	if err != nil {
		return err
	}
	list, err := sup.List()
	if err != nil {
		return err
	}
	printJSON(c.out, list)
	return nil
}

// Run keeps the command in a foreground loop until stopped. The loop's exit
// code becomes the process exit code, except after a requested stop, which
// exits 0.
func (c command) Run(ctx context.Context, f RunFlags, stdout, stderr io.Writer) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log
	if f.Managed {
		// the supervisor removes the capture file behind stdout once the
		// daemon has started
		stdout, stderr = untilUnlinked(stdout), untilUnlinked(stderr)
		if a.cfg.Log.Slog.Path == "" {
			log = a.cfg.Log.NewSloggerTo(untilUnlinked(os.Stderr))
		}
	}
	loop, err := runloop.New(runloop.Options{
		ID:            f.ID,
		Command:       f.Command,
		PIDDir:        a.cfg.PIDDir,
		WorkDir:       a.cfg.WorkDir,
		Env:           a.env,
		NoAutoRestart: f.NoAutoRestart,
		Managed:       f.Managed,
		MinRuntime:    f.MinRuntime,
		StopTimeout:   a.cfg.StopTimeout,
		Stdout:        stdout,
		Stderr:        stderr,
		LogFiles:      a.cfg.Log,
		History:       a.history,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	code, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	if code != 0 && !loop.StopRequested() {
		return exitError{code: code}
	}
	return nil
}

func untilUnlinked(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok {
		return logger.UntilUnlinked(f)
	}
	return w
}

// ServiceList prints every unit file under the service directory.
func (c command) ServiceList(f ServiceFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	mgr, err := a.services()
	if err != nil {
		return err
	}
	names, err := mgr.Names()
	if err != nil {
		return err
	}
	printJSON(c.out, names)
	return nil
}

// ServiceAction runs start, stop, restart or status for one service. stop
// with All stops every service whose name contains Pattern.
func (c command) ServiceAction(action string, f ServiceFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	mgr, err := a.services()
	if err != nil {
		return err
	}
	var ok bool
	switch {
	case action == "stop" && f.All:
		ok, err = mgr.StopAll(f.Pattern)
	case f.Name == "":
		return fmt.Errorf("service %s requires a name", action)
	case action == "start":
		ok, err = mgr.Start(f.Name)
	case action == "stop":
		ok, err = mgr.Stop(f.Name)
	case action == "restart":
		ok, err = mgr.Restart(f.Name)
	case action == "status":
		pid, running, perr := mgr.PID(f.Name)
		if perr != nil {
			return perr
		}
		printJSON(c.out, map[string]any{"name": f.Name, "running": running, "pid": pid})
		ok = running
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	if err != nil {
		return err
	}
	return refusedUnless(ok)
}

// Serve runs the HTTP API until SIGINT or SIGTERM.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	a, err := loadApp(f.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close()
	sup, err := a.supervisor(false)
	if err != nil {
		return err
	}
	mgr, err := a.services()
	if err != nil {
		a.log.Warn("Service endpoints disabled.", "error", err)
		mgr = nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if mgr != nil {
		go func() {
			if err := mgr.Cache().Watch(ctx); err != nil {
				a.log.Warn("Service directory watch stopped.", "dir", a.cfg.ServiceDir, "error", err)
			}
		}()
	}

	listen := f.Listen
	if listen == "" {
		listen = a.cfg.Server.Listen
	}
	router := server.NewRouter(sup, server.RouterOptions{
		BasePath: a.cfg.Server.BasePath,
		Services: mgr,
		Metrics:  a.cfg.Metrics.Enabled,
		Logger:   a.log,
	})
	srv := server.NewServer(listen, router)
	a.log.Info("HTTP API listening.", "addr", listen, "base_path", a.cfg.Server.BasePath)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
