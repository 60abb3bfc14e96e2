package server

import (
	"os/exec"
	"strconv"
)

// interrupt has no console-less equivalent of SIGINT on Windows, so the
// process tree is terminated directly.
func interrupt(pid int) error {
	return killTree(pid)
}

func killTree(pid int) error {
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}
