package pgconfig

import (
	"fmt"
	"net"
	"strings"
)

// AllocatePort asks the kernel for a free TCP port on host. The port is
// released again before returning, so a concurrent process may still take it;
// callers retry the start when that happens.
func AllocatePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(DialHost(host), "0"))
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// IsPortConflict reports whether server output shows the port was already bound.
func IsPortConflict(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "address already in use") ||
		strings.Contains(lower, "could not create any tcp/ip sockets")
}
