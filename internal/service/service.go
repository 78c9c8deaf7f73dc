// Package service maps start, stop and status requests onto the user-level
// service managers of the host: systemd user units and launchd agents.
package service

import (
	"errors"
	"fmt"

	"github.com/loykin/daemonkit/internal/service/unitfile"
)

var (
	ErrWrongBackend    = errors.New("service belongs to another backend")
	ErrServiceNotFound = errors.New("service not found")
	ErrNoHomeDir       = errors.New("could not determine user home directory")
)

type Backend string

const (
	BackendSystemd Backend = "systemd"
	BackendLaunchd Backend = "launchd"
)

// Service is a unit file parsed by the adapter of its backend.
type Service interface {
	ServiceName() string
	FilePath() string
	Backend() Backend
}

// SystemdService is a parsed systemd user unit.
type SystemdService struct {
	Name   string
	Path   string
	Config unitfile.Unit
}

func (s *SystemdService) ServiceName() string { return s.Name }
func (s *SystemdService) FilePath() string    { return s.Path }
func (s *SystemdService) Backend() Backend    { return BackendSystemd }

// LaunchdService is a parsed launchd agent definition.
type LaunchdService struct {
	Name   string
	Path   string
	Config map[string]any
}

func (s *LaunchdService) ServiceName() string { return s.Name }
func (s *LaunchdService) FilePath() string    { return s.Path }
func (s *LaunchdService) Backend() Backend    { return BackendLaunchd }

// Label returns the launchd job label.
func (s *LaunchdService) Label() string {
	l, _ := s.Config["Label"].(string)
	return l
}

// Adapter drives one service manager. Start and Stop report whether the
// service ended up in the requested state; errors are reserved for commands
// that could not be run and services of another backend.
type Adapter interface {
	Backend() Backend
	Supports(path string) bool
	CreateService(name, path string) (Service, error)
	Start(s Service) (bool, error)
	Stop(s Service) (bool, error)
	IsRunning(s Service) (bool, error)
	PID(s Service) (int, bool, error)
}

// Restart stops s and starts it again. Start is not attempted when the stop
// did not succeed.
func Restart(a Adapter, s Service) (bool, error) {
	stopped, err := a.Stop(s)
	if err != nil || !stopped {
		return false, err
	}
	return a.Start(s)
}

func asSystemd(s Service) (*SystemdService, error) {
	sd, ok := s.(*SystemdService)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s service", ErrWrongBackend, s.ServiceName(), s.Backend())
	}
	return sd, nil
}

func asLaunchd(s Service) (*LaunchdService, error) {
	ld, ok := s.(*LaunchdService)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s service", ErrWrongBackend, s.ServiceName(), s.Backend())
	}
	return ld, nil
}
