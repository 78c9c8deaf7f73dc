package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/daemonkit/internal/config"
	"github.com/loykin/daemonkit/internal/detector"
	"github.com/loykin/daemonkit/internal/env"
	"github.com/loykin/daemonkit/internal/history"
	"github.com/loykin/daemonkit/internal/history/factory"
	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/service"
	"github.com/loykin/daemonkit/internal/supervisor"
)

// app bundles what every command derives from the config file.
type app struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
	history    *history.Recorder
	env        *env.Env
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if configPath != "" {
		base := filepath.Dir(configPath)
		cfg.PIDDir = resolvePath(base, cfg.PIDDir)
		cfg.TmpDir = resolvePath(base, cfg.TmpDir)
		cfg.ServiceDir = resolvePath(base, cfg.ServiceDir)
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create tmp_dir %s: %w", cfg.TmpDir, err)
	}

	log := cfg.Log.NewSlogger()
	kvs, err := cfg.EnvList()
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}
	sinks, err := factory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("error opening history: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return &app{
		configPath: configPath,
		cfg:        cfg,
		log:        log,
		history:    history.NewRecorder(log, sinks...),
		env:        env.FromList(kvs),
	}, nil
}

func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		a.log.Warn("Closing history sinks failed.", "error", err)
	}
}

// supervisor builds a Supervisor from the config. direct launches commands
// under /bin/sh instead of a "daemonkit run" loop.
func (a *app) supervisor(direct bool) (*supervisor.Supervisor, error) {
	signals, err := a.cfg.Signals()
	if err != nil {
		return nil, err
	}
	wrap := supervisor.ShellWrap
	if !direct {
		var extra []string
		if a.configPath != "" {
			abs, err := filepath.Abs(a.configPath)
			if err != nil {
				return nil, err
			}
			extra = append(extra, "--config", abs)
		}
		wrap = supervisor.SelfWrap(extra...)
	}
	return supervisor.New(supervisor.Options{
		PIDDir:       a.cfg.PIDDir,
		TmpDir:       a.cfg.TmpDir,
		WorkDir:      a.cfg.WorkDir,
		CheckDelay:   a.cfg.CheckDelay,
		CheckTimeout: a.cfg.CheckTimeout,
		StopTimeout:  a.cfg.StopTimeout,
		StopSignals:  signals,
		ErrorMarkers: a.cfg.ErrorMarkers,
		Env:          a.env,
		Wrap:         wrap,
		History:      a.history,
		Logger:       a.log,
	})
}

// daemons converts the [[daemons]] table.
func (a *app) daemons() []supervisor.Daemon {
	out := make([]supervisor.Daemon, 0, len(a.cfg.Daemons))
	for _, d := range a.cfg.Daemons {
		out = append(out, supervisor.Daemon{
			ID:          d.ID,
			Command:     d.Command,
			HealthCheck: a.healthCheck(d.HealthCheck),
		})
	}
	return out
}

func (a *app) healthCheck(command string) detector.Detector {
	if command == "" {
		return nil
	}
	return detector.CommandDetector{Command: command, Env: a.env.Merge(nil)}
}

func (a *app) services() (*service.Manager, error) {
	return service.NewDefaultManager(a.cfg.ServiceDir, service.ExecRunner{}, a.log)
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
