package service

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/loykin/daemonkit/internal/metrics"
)

// Manager resolves services by name and drives them through one adapter.
type Manager struct {
	adapter Adapter
	cache   *Cache
	log     *slog.Logger
}

func NewManager(adapter Adapter, cache *Cache, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{adapter: adapter, cache: cache, log: log}
}

// NewDefaultManager picks the adapter of the host platform: launchd on
// darwin, systemd elsewhere.
func NewDefaultManager(dir string, runner Runner, log *slog.Logger) (*Manager, error) {
	var adapter Adapter
	if runtime.GOOS == "darwin" {
		adapter = NewLaunchdAdapter(LaunchdOptions{Runner: runner, Logger: log})
	} else {
		sd, err := NewSystemdAdapter(SystemdOptions{Runner: runner, Logger: log})
		if err != nil {
			return nil, err
		}
		adapter = sd
	}
	return NewManager(adapter, NewCache(dir, adapter, log), log), nil
}

func (m *Manager) Adapter() Adapter { return m.adapter }
func (m *Manager) Cache() *Cache    { return m.cache }

func (m *Manager) Services() (map[string]Service, error) { return m.cache.Services() }
func (m *Manager) Names() ([]string, error)              { return m.cache.Names() }

// Service returns the service called name.
func (m *Manager) Service(name string) (Service, error) {
	services, err := m.cache.Services()
	if err != nil {
		return nil, err
	}
	s, ok := services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServiceNotFound, name)
	}
	return s, nil
}

func (m *Manager) Start(name string) (bool, error) {
	return m.do(name, "start", m.adapter.Start)
}

func (m *Manager) Stop(name string) (bool, error) {
	return m.do(name, "stop", m.adapter.Stop)
}

func (m *Manager) Restart(name string) (bool, error) {
	return m.do(name, "restart", func(s Service) (bool, error) { return Restart(m.adapter, s) })
}

func (m *Manager) IsRunning(name string) (bool, error) {
	s, err := m.Service(name)
	if err != nil {
		return false, err
	}
	return m.adapter.IsRunning(s)
}

// PID returns the main pid of a running service.
func (m *Manager) PID(name string) (int, bool, error) {
	s, err := m.Service(name)
	if err != nil {
		return 0, false, err
	}
	return m.adapter.PID(s)
}

// StopAll stops every service whose name contains pattern; an empty pattern
// matches all. It reports whether every matched stop succeeded.
func (m *Manager) StopAll(pattern string) (bool, error) {
	names, err := m.cache.Names()
	if err != nil {
		return false, err
	}
	all := true
	for _, name := range names {
		if pattern != "" && !strings.Contains(name, pattern) {
			continue
		}
		ok, err := m.Stop(name)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

func (m *Manager) do(name, action string, fn func(Service) (bool, error)) (bool, error) {
	s, err := m.Service(name)
	if err != nil {
		return false, err
	}
	log := m.log.With("service", name, "backend", string(m.adapter.Backend()), "action", action)
	ok, err := fn(s)
	metrics.IncServiceAction(string(m.adapter.Backend()), action, err == nil && ok)
	if err != nil {
		log.Error("Service action failed.", "error", err)
		return false, err
	}
	log.Info("Service action finished.", "ok", ok)
	return ok, nil
}
