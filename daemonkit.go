// Package daemonkit exposes the supervisor, run loop and service manager
// for embedding.
package daemonkit

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/daemonkit/internal/config"
	"github.com/loykin/daemonkit/internal/detector"
	"github.com/loykin/daemonkit/internal/history"
	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/runloop"
	iapi "github.com/loykin/daemonkit/internal/server"
	"github.com/loykin/daemonkit/internal/service"
	"github.com/loykin/daemonkit/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = supervisor.Options

type Daemon = supervisor.Daemon

type Status = supervisor.Status

type Supervisor = supervisor.Supervisor

type LoopOptions = runloop.Options

type Loop = runloop.Loop

type ServiceManager = service.Manager

type Config = cfg.Config

type HistorySink = history.Sink

type HealthCheck = detector.Detector

// CommandCheck is a HealthCheck that runs a shell command.
type CommandCheck = detector.CommandDetector

var (
	ShellWrap         = supervisor.ShellWrap
	SelfWrap          = supervisor.SelfWrap
	ErrAlreadyRunning = runloop.ErrAlreadyRunning
)

func New(opts Options) (*Supervisor, error) { return supervisor.New(opts) }

func NewLoop(opts LoopOptions) (*Loop, error) { return runloop.New(opts) }

func NewHistory(sinks ...HistorySink) *history.Recorder { return history.NewRecorder(nil, sinks...) }

// NewServiceManager discovers unit files under dir and drives them through
// launchd on darwin and systemd --user elsewhere.
func NewServiceManager(dir string) (*ServiceManager, error) {
	return service.NewDefaultManager(dir, service.ExecRunner{}, nil)
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the daemon API under basePath.
// services may be nil.
func NewHTTPServer(addr, basePath string, s *Supervisor, services *ServiceManager) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(s, iapi.RouterOptions{BasePath: basePath, Services: services}))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
