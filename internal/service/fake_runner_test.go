package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fakeSystemd simulates "systemctl --user" for one user unit directory.
type fakeSystemd struct {
	mu       sync.Mutex
	unitDir  string
	loaded   map[string]bool
	enabled  map[string]bool
	running  map[string]bool
	stubborn map[string]bool // ignore stop
	calls    []string
	envs     [][]string
	fail     error
}

func newFakeSystemd(unitDir string) *fakeSystemd {
	return &fakeSystemd{
		unitDir:  unitDir,
		loaded:   map[string]bool{},
		enabled:  map[string]bool{},
		running:  map[string]bool{},
		stubborn: map[string]bool{},
	}
}

func (f *fakeSystemd) Run(_ context.Context, env []string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	if name != "systemctl" || len(args) == 0 || args[0] != "--user" {
		return "", fmt.Errorf("unexpected command %s %v", name, args)
	}
	args = args[1:]
	f.calls = append(f.calls, strings.Join(args, " "))
	f.envs = append(f.envs, env)
	switch args[0] {
	case "daemon-reload":
		entries, _ := os.ReadDir(f.unitDir)
		f.loaded = map[string]bool{}
		for _, e := range entries {
			f.loaded[strings.TrimSuffix(e.Name(), ".service")] = true
		}
	case "reset-failed":
	case "status":
		unit := args[1]
		var b strings.Builder
		b.WriteString("● " + unit + ".service\n")
		if f.loaded[unit] {
			b.WriteString("     Loaded: loaded (" + filepath.Join(f.unitDir, unit+".service") + "; enabled)\n")
		} else {
			b.WriteString("     Loaded: not-found (Reason: Unit " + unit + ".service not found.)\n")
		}
		if f.running[unit] {
			b.WriteString("     Active: active (running) since Mon 2024-03-04 10:00:00 UTC\n")
		} else {
			b.WriteString("     Active: inactive (dead)\n")
		}
		return b.String(), nil
	case "list-unit-files":
		var b strings.Builder
		b.WriteString("UNIT FILE STATE PRESET\n")
		for unit := range f.loaded {
			state := "disabled"
			if f.enabled[unit] {
				state = "enabled"
			}
			b.WriteString(unit + ".service " + state + " enabled\n")
		}
		return b.String(), nil
	case "enable":
		f.enabled[args[1]] = true
	case "disable":
		f.enabled[args[1]] = false
	case "start":
		if f.loaded[args[1]] {
			f.running[args[1]] = true
		}
	case "stop":
		if !f.stubborn[args[1]] {
			delete(f.running, args[1])
		}
	case "show":
		unit := args[len(args)-1]
		if f.running[unit] {
			return "MainPID=4242\n", nil
		}
		return "MainPID=0\n", nil
	default:
		return "", fmt.Errorf("unexpected systemctl %v", args)
	}
	return "", nil
}

func (f *fakeSystemd) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeLaunchd simulates launchctl for agents addressed by plist path.
type fakeLaunchd struct {
	mu      sync.Mutex
	labels  map[string]string // plist path -> label
	loaded  map[string]bool   // label
	running map[string]bool   // label
	calls   []string
	failOn  string
}

func newFakeLaunchd() *fakeLaunchd {
	return &fakeLaunchd{labels: map[string]string{}, loaded: map[string]bool{}, running: map[string]bool{}}
}

func (f *fakeLaunchd) Run(_ context.Context, _ []string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "launchctl" {
		return "", fmt.Errorf("unexpected command %s", name)
	}
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if f.failOn != "" && strings.HasPrefix(call, f.failOn) {
		return "", errors.New("launchctl: operation failed")
	}
	switch args[0] {
	case "list":
		var b strings.Builder
		b.WriteString("PID\tStatus\tLabel\n")
		b.WriteString("-\t0\tcom.apple.other\n")
		for label := range f.loaded {
			if f.running[label] {
				b.WriteString("4343\t0\t" + label + "\n")
			} else {
				b.WriteString("-\t0\t" + label + "\n")
			}
		}
		return b.String(), nil
	case "load":
		f.loaded[f.labels[args[2]]] = true
	case "unload":
		label := f.labels[args[2]]
		delete(f.loaded, label)
		delete(f.running, label)
	case "start":
		if f.loaded[args[1]] {
			f.running[args[1]] = true
		}
	case "stop":
		delete(f.running, args[1])
	default:
		return "", fmt.Errorf("unexpected launchctl %v", args)
	}
	return "", nil
}

func (f *fakeLaunchd) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
