//go:build !linux && !windows

package process

import "syscall"

func setParentDeathSignal(*syscall.SysProcAttr) {}
