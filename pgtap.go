package pgtap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cli-tools/pgtap/internal/adapter/archive"
	"github.com/cli-tools/pgtap/internal/adapter/cachedir"
	"github.com/cli-tools/pgtap/internal/adapter/extractor"
	"github.com/cli-tools/pgtap/internal/adapter/logger"
	"github.com/cli-tools/pgtap/internal/adapter/metrics"
	"github.com/cli-tools/pgtap/internal/adapter/platform"
	"github.com/cli-tools/pgtap/internal/adapter/probe"
	"github.com/cli-tools/pgtap/internal/adapter/resolver"
	"github.com/cli-tools/pgtap/internal/adapter/server"
	"github.com/cli-tools/pgtap/internal/adapter/token"
	"github.com/cli-tools/pgtap/internal/adapter/workspace"
	"github.com/cli-tools/pgtap/internal/app"
	"github.com/cli-tools/pgtap/internal/domain"
)

// downloadsDir holds verified archives inside the cache root.
const downloadsDir = ".downloads"

// Manager owns a binary cache and the servers started through it.
type Manager struct {
	svc      *app.Service
	settings *settings
	version  string
	cacheDir string
	workDir  string
	logger   *logger.Logger

	stopSignals func()
}

// NewManager resolves the platform, cache and download sources. Nothing is
// downloaded until the first server is started or Fetch is called.
func NewManager(opts ...Option) (*Manager, error) {
	s := newSettings(opts)
	host := platform.New()

	var (
		plat domain.Platform
		err  error
	)
	if s.platform != "" {
		plat, err = platform.Parse(s.platform)
	} else {
		plat, err = host.DetectPlatform()
	}
	if err != nil {
		return nil, domain.E(domain.KindResolution, "detect platform", err)
	}
	cacheDir, err := host.ResolveCacheDir(s.cacheDir)
	if err != nil {
		return nil, err
	}
	workDir, err := host.ResolveWorkDir(s.workDir)
	if err != nil {
		return nil, err
	}

	log := defaultLogger(s)
	var m *metrics.Metrics
	if s.registerer != nil {
		m = metrics.New(s.registerer)
	}

	resolvers := make([]domain.ArchiveResolver, 0, len(s.archiveDirs)+2)
	for _, dir := range s.archiveDirs {
		resolvers = append(resolvers, resolver.NewDirResolver(dir))
	}
	if s.localMaven {
		local, err := resolver.NewLocalMavenResolver("", log.Named("m2"))
		if err != nil {
			log.Debug("local maven repository unavailable", "err", err)
		} else {
			resolvers = append(resolvers, local)
		}
	}
	if !s.offline {
		resolvers = append(resolvers, resolver.NewMavenResolver(s.mavenURL, nil, log.Named("http")))
	}
	chain := resolver.NewChain(log, resolvers...)

	cache := cachedir.New(cacheDir, cachedir.LockOptions{Timeout: s.lockTimeout}, log.Named("cache"))
	check := s.readinessWith
	if check == nil {
		check = probe.PG()
	}

	svc := app.NewService(app.Deps{
		Platform:   plat,
		Versions:   chain,
		Archives:   archive.NewStore(filepath.Join(cacheDir, downloadsDir), chain, log),
		Extractor:  extractor.NewLockedExtractor(cache, log, m),
		Workspaces: workspace.NewFileStore(workDir),
		Runner:     server.NewRunner(log.Named("server")),
		Probe:      probe.New(check, log),
		Tokens:     token.NewRandomGenerator(),
		Logger:     log,
		Metrics:    m,
	}, s.timeouts)

	mgr := &Manager{
		svc:      svc,
		settings: s,
		version:  host.ResolveVersion(s.version),
		cacheDir: cacheDir,
		workDir:  workDir,
		logger:   log,
	}
	if s.watchSignals {
		mgr.stopSignals = svc.Coordinator().WatchSignals(context.Background())
	}
	return mgr, nil
}

func defaultLogger(s *settings) *logger.Logger {
	if s.logger != nil {
		return logger.Wrap(s.logger)
	}
	level := os.Getenv(logger.EnvLevel)
	if level == "" {
		level = "warn"
	}
	return logger.New(logger.Options{Level: level})
}

// CacheDir returns the shared binary cache root.
func (m *Manager) CacheDir() string { return m.cacheDir }

// WorkDir returns the directory server workspaces are created in.
func (m *Manager) WorkDir() string { return m.workDir }

// Platform returns the distribution classifier in use, e.g. linux-amd64.
func (m *Manager) Platform() string { return m.svc.Platform().String() }

func (m *Manager) request(opts []Option) app.StartRequest {
	s := m.settings.forServer(opts)
	v := s.version
	if v == "" {
		v = m.version
	}
	return app.StartRequest{Version: v, Options: s.options, Customizers: s.customizers, Env: s.env}
}

// Start brings up a new server and waits until it accepts connections.
// opts are applied on top of the manager's per-server options.
func (m *Manager) Start(ctx context.Context, opts ...Option) (*Postgres, error) {
	inst, err := m.svc.Start(ctx, m.request(opts))
	if err != nil {
		return nil, err
	}
	return &Postgres{inst: inst}, nil
}

// Distribution describes a cached binary distribution.
type Distribution struct {
	Version  string
	Platform string
	Root     string
}

// Fetch downloads and extracts a release into the cache without starting a
// server. An empty version means the manager's default.
func (m *Manager) Fetch(ctx context.Context, version string) (Distribution, error) {
	if version == "" {
		version = m.version
	}
	bins, err := m.svc.Provision(ctx, version)
	if err != nil {
		return Distribution{}, err
	}
	return Distribution{Version: bins.Version, Platform: bins.Platform.String(), Root: bins.Root}, nil
}

// CacheEntry is one distribution directory in the cache.
type CacheEntry struct {
	Key   string
	Path  string
	State string
}

// Entries lists the cache.
func (m *Manager) Entries() ([]CacheEntry, error) {
	entries, err := m.svc.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]CacheEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, CacheEntry{Key: e.Key.String(), Path: e.Path, State: e.State.String()})
	}
	return out, nil
}

// Workspace is a server workspace found on disk.
type Workspace struct {
	ID       string
	Root     string
	OwnerPID int
	Alive    bool
	Created  time.Time
}

// Workspaces lists server workspaces in the work directory, including those
// of other processes.
func (m *Manager) Workspaces() ([]Workspace, error) {
	infos, err := m.svc.Workspaces()
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, 0, len(infos))
	for _, wi := range infos {
		out = append(out, Workspace{ID: wi.ID, Root: wi.Root, OwnerPID: wi.OwnerPID, Alive: wi.Alive, Created: wi.Created})
	}
	return out, nil
}

// Clean stops servers whose owning process died and removes their
// workspaces. It returns how many were removed.
func (m *Manager) Clean() (int, error) {
	return m.svc.Clean()
}

// Close stops every server and prepared pool started through the manager.
func (m *Manager) Close() error {
	if m.stopSignals != nil {
		m.stopSignals()
	}
	return m.svc.Close()
}

// Postgres is a running server. Close stops it and deletes its files.
type Postgres struct {
	inst  *app.Instance
	owner *Manager
}

// Start brings up a server with a private Manager that is closed together
// with the server.
func Start(ctx context.Context, opts ...Option) (*Postgres, error) {
	m, err := NewManager(opts...)
	if err != nil {
		return nil, err
	}
	pg, err := m.Start(ctx)
	if err != nil {
		m.Close()
		return nil, err
	}
	pg.owner = m
	return pg, nil
}

// ID names the server's workspace.
func (p *Postgres) ID() string { return p.inst.ID() }

// Host is the TCP host to connect to, or "" when TCP is disabled.
func (p *Postgres) Host() string { return p.inst.Endpoint().Host }

// Port is the server port. It also names the Unix socket.
func (p *Postgres) Port() int { return p.inst.Port() }

// SocketDir is the Unix socket directory, or "" when sockets are disabled.
func (p *Postgres) SocketDir() string { return p.inst.Endpoint().SocketDir }

// DataDir is the server's data directory.
func (p *Postgres) DataDir() string { return p.inst.Workspace().DataDir }

// LogFile receives the server's output.
func (p *Postgres) LogFile() string { return p.inst.Workspace().LogFile }

func (p *Postgres) User() string     { return p.inst.Endpoint().User }
func (p *Postgres) Password() string { return p.inst.Endpoint().Password }
func (p *Postgres) Database() string { return p.inst.Endpoint().Database }

// Version is the exact release running.
func (p *Postgres) Version() string { return p.inst.Binaries().Version }

// PID is the postmaster's process id.
func (p *Postgres) PID() int { return p.inst.PID() }

// DSN returns a postgres:// URL for database, or the default database when
// empty.
func (p *Postgres) DSN(database string) string { return p.inst.DSN(database) }

// Ping connects to the default database and pings it.
func (p *Postgres) Ping(ctx context.Context) error { return p.inst.Ping(ctx) }

// Done is closed when the server process exits.
func (p *Postgres) Done() <-chan struct{} { return p.inst.Done() }

// Close stops the server and removes its workspace. It is safe to call more
// than once.
func (p *Postgres) Close() error {
	err := p.inst.Close()
	if p.owner != nil {
		if cerr := p.owner.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Postgres) String() string {
	return fmt.Sprintf("postgres %s on port %d (%s)", p.Version(), p.Port(), p.ID())
}
