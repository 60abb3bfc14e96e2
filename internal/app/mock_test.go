package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cli-tools/pgtap/internal/domain"
)

// mockVersions returns a fixed version.
type mockVersions struct {
	version string
	err     error
	calls   int
}

func (m *mockVersions) ResolveVersion(_ context.Context, _ domain.Platform, requested string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if m.version != "" {
		return m.version, nil
	}
	return requested, nil
}

// mockArchives records fetches.
type mockArchives struct {
	err   error
	calls int
}

func (m *mockArchives) Fetch(_ context.Context, p domain.Platform, v string) (domain.Archive, error) {
	m.calls++
	if m.err != nil {
		return domain.Archive{}, m.err
	}
	key, _ := domain.NewCacheKey(p, v)
	return domain.Archive{Key: key, Platform: p, Version: v, Format: domain.FormatTarXZ, Path: "/archives/" + string(key)}, nil
}

// mockExtractor tracks ready keys in memory.
type mockExtractor struct {
	root  string
	ready map[domain.CacheKey]bool
	err   error
	calls int
}

func (m *mockExtractor) IsReady(key domain.CacheKey) bool { return m.ready[key] }

func (m *mockExtractor) EntryRoot(key domain.CacheKey) string {
	return filepath.Join(m.root, string(key), "dist")
}

func (m *mockExtractor) EnsureExtracted(_ context.Context, a domain.Archive) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if m.ready == nil {
		m.ready = map[domain.CacheKey]bool{}
	}
	m.ready[a.Key] = true
	return m.EntryRoot(a.Key), nil
}

func (m *mockExtractor) Entries() ([]domain.CacheEntryInfo, error) {
	var out []domain.CacheEntryInfo
	for k := range m.ready {
		out = append(out, domain.CacheEntryInfo{Key: k, Path: m.EntryRoot(k), State: domain.EntryReady})
	}
	return out, nil
}

// mockWorkspaces creates real directories so log files can be written.
type mockWorkspaces struct {
	base      string
	mu        sync.Mutex
	created   []domain.Workspace
	destroyed []domain.Workspace
	listed    []domain.WorkspaceInfo
	createErr error
	// onCreate runs before each Create, outside the lock.
	onCreate func()
}

func (m *mockWorkspaces) Create() (domain.Workspace, error) {
	if m.onCreate != nil {
		m.onCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.Workspace{}, m.createErr
	}
	id := fmt.Sprintf("ws%d", len(m.created)+1)
	root := filepath.Join(m.base, id)
	ws := domain.Workspace{
		ID:      id,
		Root:    root,
		DataDir: filepath.Join(root, "data"),
		RunDir:  filepath.Join(root, "run"),
		LogFile: filepath.Join(root, "server.log"),
	}
	for _, d := range []string{ws.DataDir, ws.RunDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return domain.Workspace{}, err
		}
	}
	m.created = append(m.created, ws)
	return ws, nil
}

func (m *mockWorkspaces) Destroy(ws domain.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed = append(m.destroyed, ws)
	return os.RemoveAll(ws.Root)
}

func (m *mockWorkspaces) List() ([]domain.WorkspaceInfo, error) { return m.listed, nil }

// supervisorScript configures how the n-th supervisor behaves.
type supervisorScript struct {
	initErr  error
	startErr error
	// exitLog is written to the log file and the process reported exited.
	exitLog string
	// onStart runs before Start.
	onStart func()
}

// mockSupervisor simulates a server process.
type mockSupervisor struct {
	spec   domain.LaunchSpec
	script supervisorScript

	mu       sync.Mutex
	state    domain.SupervisorState
	stops    int
	done     chan struct{}
	doneOnce sync.Once
}

func (m *mockSupervisor) Init(ctx context.Context) error {
	if m.script.initErr != nil {
		m.setState(domain.ProcFailed)
		return m.script.initErr
	}
	m.setState(domain.ProcInitialized)
	return nil
}

func (m *mockSupervisor) Start(ctx context.Context) error {
	if m.script.onStart != nil {
		m.script.onStart()
	}
	if st := m.State(); st != domain.ProcInitialized {
		return domain.Errorf(domain.KindStart, "start postgres", "supervisor is %s", st)
	}
	if m.script.startErr != nil {
		m.setState(domain.ProcFailed)
		return m.script.startErr
	}
	m.setState(domain.ProcRunning)
	if m.script.exitLog != "" {
		os.WriteFile(m.spec.Workspace.LogFile, []byte(m.script.exitLog), 0600)
		m.setState(domain.ProcFailed)
		m.finish()
	}
	return nil
}

func (m *mockSupervisor) Stop(time.Duration) error {
	m.mu.Lock()
	m.stops++
	if m.state != domain.ProcFailed {
		m.state = domain.ProcStopped
	}
	m.mu.Unlock()
	m.finish()
	return nil
}

func (m *mockSupervisor) setState(s domain.SupervisorState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *mockSupervisor) finish() { m.doneOnce.Do(func() { close(m.done) }) }

func (m *mockSupervisor) State() domain.SupervisorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockSupervisor) PID() int              { return 4242 }
func (m *mockSupervisor) Done() <-chan struct{} { return m.done }

func (m *mockSupervisor) Err() error {
	if m.script.exitLog != "" {
		return fmt.Errorf("postgres exited with code 1")
	}
	return nil
}

func (m *mockSupervisor) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// mockRunner hands out scripted supervisors in order.
type mockRunner struct {
	scripts []supervisorScript
	mu      sync.Mutex
	sups    []*mockSupervisor
	orphans []string
}

func (m *mockRunner) NewSupervisor(spec domain.LaunchSpec) domain.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var script supervisorScript
	if n := len(m.sups); n < len(m.scripts) {
		script = m.scripts[n]
	}
	s := &mockSupervisor{spec: spec, script: script, done: make(chan struct{})}
	m.sups = append(m.sups, s)
	return s
}

func (m *mockRunner) KillOrphan(dataDir string) error {
	m.orphans = append(m.orphans, dataDir)
	return nil
}

// mockProbe reports ready unless the process already exited.
type mockProbe struct {
	result domain.ProbeResult
	err    error
	last   domain.Endpoint
	// onAwait runs before the result is reported.
	onAwait func()
}

func (m *mockProbe) AwaitReady(_ context.Context, ep domain.Endpoint, exited <-chan struct{}, _ time.Duration) (domain.ProbeResult, error) {
	m.last = ep
	select {
	case <-exited:
		return domain.ProbeProcessExited, nil
	default:
	}
	if m.onAwait != nil {
		m.onAwait()
	}
	return m.result, m.err
}

// mockTokens returns fixed secrets and sequential names.
type mockTokens struct {
	token string
	mu    sync.Mutex
	n     int
}

func (m *mockTokens) Generate() (string, error) { return m.token, nil }

func (m *mockTokens) Name(n int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	name := fmt.Sprintf("db%0*d", n-2, m.n)
	return name, nil
}

// mockLogger discards everything.
type mockLogger struct{}

func (mockLogger) Debug(string, ...any) {}
func (mockLogger) Info(string, ...any)  {}
func (mockLogger) Warn(string, ...any)  {}
func (mockLogger) Error(string, ...any) {}

// mockMetrics counts observations.
type mockMetrics struct {
	mu                  sync.Mutex
	hits, misses        int
	started, startFails int
	stopped, extracted  int
}

func (m *mockMetrics) CacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func (m *mockMetrics) Extracted(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.extracted++
	}
}

func (m *mockMetrics) Started(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.startFails++
	} else {
		m.started++
	}
}

func (m *mockMetrics) Stopped(error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}
