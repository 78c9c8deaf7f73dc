//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidAlive reports whether pid exists and is not a zombie. EPERM means the
// process exists but belongs to someone else, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie reports whether pid has exited but has not been reaped yet.
func isZombie(pid int) bool {
	if runtime.GOOS == "linux" {
		return isZombieLinux(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	states, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range states {
		if s == gopsproc.Zombie {
			return true
		}
	}
	return false
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// SignalGroup delivers sig to every member of the process group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	return syscall.Kill(-pid, sig)
}

// SignalTree delivers sig to the process group led by pid when pid leads one,
// and to pid alone otherwise.
func SignalTree(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	if LeadsGroup(pid) {
		return syscall.Kill(-pid, sig)
	}
	return syscall.Kill(pid, sig)
}

// LeadsGroup reports whether pid exists and leads its process group.
func LeadsGroup(pid int) bool {
	if pid <= 0 {
		return false
	}
	pgid, err := syscall.Getpgid(pid)
	return err == nil && pgid == pid
}
