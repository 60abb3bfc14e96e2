//go:build windows

package testutil

import (
	"testing"

	"github.com/cli-tools/pgtap/internal/domain"
)

// RunFakeIfRequested is a no-op on Windows.
func RunFakeIfRequested() {}

// FakeDistribution skips the test: the fake binaries are shell scripts.
func FakeDistribution(t testing.TB, dir string, p domain.Platform, version string) string {
	t.Skip("fake postgres distribution requires a POSIX shell")
	return ""
}

// FakeBinaries skips the test: the fake binaries are shell scripts.
func FakeBinaries(t testing.TB, dir string) (initdb, postgres string) {
	t.Skip("fake postgres binaries require a POSIX shell")
	return "", ""
}
