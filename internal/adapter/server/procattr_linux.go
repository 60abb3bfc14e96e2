package server

import "syscall"

// sysProcAttr puts the child in its own process group. Pdeathsig is a
// Linux-only safety net: if the owning process dies unexpectedly, the kernel
// sends SIGTERM to the postmaster, which shuts down its backends.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
