//go:build !windows

package testutil

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cli-tools/pgtap/internal/domain"
)

// Environment switches understood by the fake binaries.
const (
	EnvRole            = "PGTAP_FAKE_ROLE"
	EnvInitFail        = "PGTAP_FAKE_INITDB_FAIL"
	EnvStartFail       = "PGTAP_FAKE_POSTGRES_FAIL"
	EnvHang            = "PGTAP_FAKE_POSTGRES_HANG"
	EnvIgnoreInterrupt = "PGTAP_FAKE_IGNORE_SIGINT"
)

// RunFakeIfRequested turns the test binary into a fake initdb or postgres when
// started by one of the wrapper scripts. Call it first thing in TestMain.
func RunFakeIfRequested() {
	switch os.Getenv(EnvRole) {
	case "initdb":
		os.Exit(fakeInitdb(os.Args[1:]))
	case "postgres":
		os.Exit(fakePostgres(os.Args[1:]))
	}
}

func fakeScript(t testing.TB, role string) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	return fmt.Sprintf("#!/bin/sh\n%s=%s exec '%s' \"$@\"\n", EnvRole, role, exe)
}

// FakeDistribution writes postgres-<platform>-<version>.tar.gz into dir whose
// bin/initdb and bin/postgres re-enter the running test binary. The package
// under test must call RunFakeIfRequested from TestMain.
func FakeDistribution(t testing.TB, dir string, p domain.Platform, version string) string {
	t.Helper()
	files := []File{
		{Name: "bin/initdb", Body: fakeScript(t, "initdb"), Mode: 0755},
		{Name: "bin/postgres", Body: fakeScript(t, "postgres"), Mode: 0755},
		{Name: "share/postgresql/postgres.bki", Body: "bki"},
	}
	path := filepath.Join(dir, fmt.Sprintf("postgres-%s-%s.tar.gz", p, version))
	WriteArchive(t, path, domain.FormatTarGZ, files)
	return path
}

// FakeBinaries writes the fake initdb and postgres scripts into dir/bin and
// returns their paths.
func FakeBinaries(t testing.TB, dir string) (initdb, postgres string) {
	t.Helper()
	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0755); err != nil {
		t.Fatal(err)
	}
	initdb = filepath.Join(bin, "initdb")
	postgres = filepath.Join(bin, "postgres")
	for path, role := range map[string]string{initdb: "initdb", postgres: "postgres"} {
		if err := os.WriteFile(path, []byte(fakeScript(t, role)), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return initdb, postgres
}

func flagValue(args []string, short, long string) string {
	for i, a := range args {
		if a == short && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, long+"="); ok {
			return v
		}
	}
	return ""
}

func fakeInitdb(args []string) int {
	if os.Getenv(EnvInitFail) != "" {
		fmt.Fprintln(os.Stderr, "initdb: error: simulated initialization failure")
		return 1
	}
	dataDir := flagValue(args, "-D", "--pgdata")
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "initdb: error: no data directory specified")
		return 1
	}
	if pw := flagValue(args, "", "--pwfile"); pw != "" {
		if _, err := os.Stat(pw); err != nil {
			fmt.Fprintf(os.Stderr, "initdb: error: could not read password file: %v\n", err)
			return 1
		}
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	_ = os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("16\n"), 0600)
	_ = os.WriteFile(filepath.Join(dataDir, "postgresql.conf"), nil, 0600)
	_ = os.WriteFile(filepath.Join(dataDir, "initdb.args"), []byte(strings.Join(args, "\n")), 0600)
	fmt.Println("Success. You can now start the database server.")
	return 0
}

func fakePostgres(args []string) int {
	if os.Getenv(EnvStartFail) != "" {
		fmt.Fprintln(os.Stderr, "FATAL:  simulated startup failure")
		return 1
	}
	dataDir := flagValue(args, "-D", "")
	port := flagValue(args, "-p", "")
	params := map[string]string{}
	for i, a := range args {
		if a == "-c" && i+1 < len(args) {
			if k, v, ok := strings.Cut(args[i+1], "="); ok {
				params[k] = v
			}
		}
	}
	if _, err := os.Stat(filepath.Join(dataDir, "PG_VERSION")); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL:  %q is not a valid data directory\n", dataDir)
		return 1
	}
	if err := os.Chdir(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL:  could not change directory to %q: %v\n", dataDir, err)
		return 1
	}
	sigs := make(chan os.Signal, 1)
	if os.Getenv(EnvIgnoreInterrupt) != "" {
		signal.Ignore(syscall.SIGINT)
		signal.Notify(sigs, syscall.SIGTERM)
	} else {
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	}
	// Written once signal handling is in place so tests can synchronize on it.
	_ = os.WriteFile(filepath.Join(dataDir, "postgres.args"), []byte(strings.Join(args, "\n")), 0600)

	if os.Getenv(EnvHang) != "" {
		<-sigs
		return 0
	}

	var listeners []net.Listener
	if addrs := params["listen_addresses"]; addrs != "" {
		for _, host := range strings.Split(addrs, ",") {
			host = strings.TrimSpace(host)
			if host == "*" {
				host = ""
			}
			l, err := net.Listen("tcp", net.JoinHostPort(host, port))
			if err != nil {
				fmt.Fprintf(os.Stderr, "LOG:  could not bind IPv4 address %q: Address already in use\n", host)
				fmt.Fprintln(os.Stderr, "FATAL:  could not create any TCP/IP sockets")
				return 1
			}
			listeners = append(listeners, l)
		}
	}
	socketDir := params["unix_socket_directories"]
	if socketDir != "" {
		l, err := net.Listen("unix", filepath.Join(socketDir, ".s.PGSQL."+port))
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL:  could not create Unix socket: %v\n", err)
			return 1
		}
		listeners = append(listeners, l)
	}
	for _, l := range listeners {
		go func(l net.Listener) {
			for {
				c, err := l.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}(l)
	}

	pidPath := filepath.Join(dataDir, "postmaster.pid")
	lines := []string{
		strconv.Itoa(os.Getpid()),
		dataDir,
		strconv.FormatInt(time.Now().Unix(), 10),
		port,
		socketDir,
		params["listen_addresses"],
		"0",
		"ready   ",
	}
	_ = os.WriteFile(pidPath, []byte(strings.Join(lines, "\n")+"\n"), 0600)
	fmt.Fprintln(os.Stderr, "LOG:  database system is ready to accept connections")

	<-sigs
	for _, l := range listeners {
		l.Close()
	}
	os.Remove(pidPath)
	fmt.Fprintln(os.Stderr, "LOG:  database system is shut down")
	return 0
}
