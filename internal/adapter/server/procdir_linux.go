package server

import (
	"fmt"
	"os"
	"strconv"
)

// checkProcessDir verifies that pid runs in dataDir. The postmaster changes
// into its data directory at startup.
func checkProcessDir(pid int, dataDir string) error {
	cwd, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/cwd")
	if err != nil {
		return fmt.Errorf("read working directory: %w", err)
	}
	if !sameDir(cwd, dataDir) {
		return fmt.Errorf("process runs in %s", cwd)
	}
	return nil
}
