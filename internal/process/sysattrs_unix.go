//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// ConfigureDetached starts cmd in a new session so it is detached from the
// controlling terminal and survives the exit of its parent.
func ConfigureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// ConfigureGroup places cmd in its own process group so the whole tree can be
// signalled with SignalGroup. Where supported the child is also killed when
// the process that started it dies.
func ConfigureGroup(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(attr)
	cmd.SysProcAttr = attr
}
