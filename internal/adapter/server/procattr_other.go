//go:build !linux && !windows

package server

import "syscall"

// sysProcAttr puts the child in its own process group. Pdeathsig is not
// available on non-Linux platforms; orphans are reaped by pgtap clean.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
