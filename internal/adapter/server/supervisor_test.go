package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cli-tools/pgtap/internal/adapter/logger"
	"github.com/cli-tools/pgtap/internal/adapter/pidfile"
	"github.com/cli-tools/pgtap/internal/domain"
	"github.com/cli-tools/pgtap/internal/testutil"
)

func TestMain(m *testing.M) {
	testutil.RunFakeIfRequested()
	os.Exit(m.Run())
}

func newSpec(t *testing.T, env ...string) domain.LaunchSpec {
	t.Helper()
	initdb, postgres := testutil.FakeBinaries(t, t.TempDir())
	root := t.TempDir()
	ws := domain.Workspace{
		ID:      "test",
		Root:    root,
		DataDir: filepath.Join(root, "data"),
		RunDir:  filepath.Join(root, "run"),
		LogFile: filepath.Join(root, "server.log"),
	}
	return domain.LaunchSpec{
		Workspace: ws,
		Init:      domain.Command{Path: initdb, Args: []string{"-D", ws.DataDir, "-U", "postgres"}, Env: env},
		Server:    domain.Command{Path: postgres, Args: []string{"-D", ws.DataDir, "-p", "0", "-c", "listen_addresses="}, Env: env},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func exists(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

func TestInit(t *testing.T) {
	spec := newSpec(t)
	p := NewRunner(logger.Discard()).NewSupervisor(spec)

	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.State() != domain.ProcInitialized {
		t.Errorf("state = %s, want initialized", p.State())
	}
	if _, err := os.Stat(filepath.Join(spec.Workspace.DataDir, "PG_VERSION")); err != nil {
		t.Errorf("data dir not initialized: %v", err)
	}
	log, _ := os.ReadFile(spec.Workspace.LogFile)
	if !strings.Contains(string(log), "Success") {
		t.Errorf("initdb output not logged: %q", log)
	}
	if err := p.Init(context.Background()); err == nil {
		t.Error("second Init should fail")
	}
}

func TestInit_Failure(t *testing.T) {
	spec := newSpec(t, testutil.EnvInitFail+"=1")
	p := NewRunner(logger.Discard()).NewSupervisor(spec)

	err := p.Init(context.Background())
	if !errors.Is(err, domain.ErrInitialization) {
		t.Fatalf("expected InitializationError, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || !strings.Contains(de.Output, "simulated initialization failure") {
		t.Errorf("captured output missing: %+v", de)
	}
	if p.State() != domain.ProcFailed {
		t.Errorf("state = %s, want failed", p.State())
	}
	if err := p.Start(context.Background()); !errors.Is(err, domain.ErrStart) {
		t.Errorf("Start after failed Init should fail, got %v", err)
	}
}

func TestInit_Cancelled(t *testing.T) {
	spec := newSpec(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewRunner(logger.Discard()).NewSupervisor(spec)
	err := p.Init(ctx)
	if !errors.Is(err, domain.ErrInitialization) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled InitializationError, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	spec := newSpec(t)
	p := NewRunner(logger.Discard()).NewSupervisor(spec)
	if err := p.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.PID() <= 0 || p.State() != domain.ProcRunning {
		t.Fatalf("pid %d state %s after Start", p.PID(), p.State())
	}
	waitFor(t, "postmaster.pid", exists(filepath.Join(spec.Workspace.DataDir, "postmaster.pid")))

	if err := p.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if p.State() != domain.ProcStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}
	if p.Err() != nil {
		t.Errorf("clean shutdown reported %v", p.Err())
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	log, _ := os.ReadFile(spec.Workspace.LogFile)
	if !strings.Contains(string(log), "shut down") {
		t.Errorf("server output not logged: %q", log)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	p := NewRunner(logger.Discard()).NewSupervisor(newSpec(t))
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != domain.ProcStopped {
		t.Errorf("state = %s", p.State())
	}
	<-p.Done()
	if err := p.Init(context.Background()); err == nil {
		t.Error("Init after Stop should fail")
	}
}

func TestStart_AfterStopRefused(t *testing.T) {
	p := NewRunner(logger.Discard()).NewSupervisor(newSpec(t))
	if err := p.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, domain.ErrStart) {
		t.Fatalf("Start after Stop: expected StartError, got %v", err)
	}
	if p.PID() != 0 || p.State() != domain.ProcStopped {
		t.Errorf("pid %d state %s", p.PID(), p.State())
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	spec := newSpec(t, testutil.EnvHang+"=1", testutil.EnvIgnoreInterrupt+"=1")
	p := NewRunner(logger.Discard()).NewSupervisor(spec)
	if err := p.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	pid := p.PID()
	waitFor(t, "signal handlers", exists(filepath.Join(spec.Workspace.DataDir, "postgres.args")))

	start := time.Now()
	if err := p.Stop(300 * time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("Stop should have waited for the grace period")
	}
	if pidfile.Alive(pid) {
		t.Error("process should be dead after Stop")
	}
}

func TestServerExitsEarly(t *testing.T) {
	spec := newSpec(t, testutil.EnvStartFail+"=1")
	p := NewRunner(logger.Discard()).NewSupervisor(spec)
	if err := p.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Done not closed after server exit")
	}
	if p.Err() == nil || p.State() != domain.ProcFailed {
		t.Errorf("err %v state %s after unexpected exit", p.Err(), p.State())
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("Stop after exit: %v", err)
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	spec := newSpec(t)
	spec.Server.Path = filepath.Join(t.TempDir(), "missing")
	p := NewRunner(logger.Discard()).NewSupervisor(spec)
	if err := p.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, domain.ErrStart) {
		t.Fatalf("expected StartError, got %v", err)
	}
	if p.State() != domain.ProcFailed {
		t.Errorf("state = %s", p.State())
	}
}

func TestKillOrphan(t *testing.T) {
	spec := newSpec(t)
	r := NewRunner(logger.Discard())
	p := r.NewSupervisor(spec)
	if err := p.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Stop(time.Second) })
	waitFor(t, "postmaster.pid", exists(filepath.Join(spec.Workspace.DataDir, "postmaster.pid")))

	if err := r.KillOrphan(spec.Workspace.DataDir); err != nil {
		t.Fatalf("KillOrphan: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("orphan still running")
	}
}

func TestKillOrphan_NothingRunning(t *testing.T) {
	r := NewRunner(logger.Discard())
	if err := r.KillOrphan(t.TempDir()); err != nil {
		t.Errorf("empty data dir: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "postmaster.pid"), []byte("4194300\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := r.KillOrphan(dir); err != nil {
		t.Errorf("dead pid: %v", err)
	}
}

func TestPostmasterPID(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "postmaster.pid"), []byte("1234\n/data\n"), 0600); err != nil {
		t.Fatal(err)
	}
	pid, recorded, err := readPostmasterPID(dir)
	if err != nil || pid != 1234 || recorded != "/data" {
		t.Errorf("readPostmasterPID = %d, %q, %v", pid, recorded, err)
	}
}

func TestInit_SkippedWithoutCommand(t *testing.T) {
	spec := newSpec(t)
	spec.Init = domain.Command{}
	p := NewRunner(logger.Discard()).NewSupervisor(spec)
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.State() != domain.ProcInitialized {
		t.Errorf("state = %s", p.State())
	}
	if _, err := os.Stat(spec.Workspace.DataDir); !os.IsNotExist(err) {
		t.Error("initdb should not have run")
	}
}
