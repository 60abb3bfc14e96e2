//go:build !windows

package server

import (
	"errors"

	"golang.org/x/sys/unix"
)

// interrupt asks the postmaster for a fast shutdown.
func interrupt(pid int) error {
	err := unix.Kill(pid, unix.SIGINT)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// killTree kills the whole process group led by pid.
func killTree(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, unix.SIGKILL)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
