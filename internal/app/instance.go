package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5"

	"github.com/cli-tools/pgtap/internal/adapter/pgconfig"
	"github.com/cli-tools/pgtap/internal/domain"
)

// maxPortAttempts bounds retries when an ephemeral port is taken between
// allocation and bind.
const maxPortAttempts = 3

// logTailSize is how much of the server log is attached to start errors.
const logTailSize = 4096

var errClosedWhileStarting = errors.New("instance closed while starting")

// DataDirCustomizer adjusts the data directory after initdb and before the
// server first starts.
type DataDirCustomizer func(dataDir string) error

// StartRequest describes the instance to bring up.
type StartRequest struct {
	// Version is "", "latest", a major or minor prefix, or an exact version.
	Version string
	// Options is the raw server option map accepted by pgconfig.Parse.
	Options     map[string]any
	Customizers []DataDirCustomizer
	// Env holds extra KEY=value entries for the initdb and postgres processes.
	Env []string
}

// Instance is a running, disposable server. Close stops it and removes its
// workspace; the shared binary cache is left alone.
type Instance struct {
	svc  *Service
	cfg  domain.ServerConfig
	bins domain.Binaries

	mu       sync.Mutex
	state    domain.InstanceState
	ws       domain.Workspace
	sup      domain.Supervisor
	endpoint domain.Endpoint
	started  bool
	// closed is set once teardown has taken the workspace and supervisor.
	// Nothing may be attached afterwards.
	closed bool

	once     sync.Once
	closeErr error
}

// Start brings up a new instance and blocks until it accepts connections.
// Whatever was allocated is torn down again when any stage fails or ctx is
// cancelled. An invalid configuration fails before anything is provisioned.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	begin := time.Now()
	inst, err := s.start(ctx, req)
	s.metrics.Started(time.Since(begin), err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("postgres ready",
		"id", inst.ID(), "port", inst.endpoint.Port, "pid", inst.PID(),
		"version", inst.bins.Version, "elapsed", time.Since(begin).Round(time.Millisecond))
	return inst, nil
}

func (s *Service) start(ctx context.Context, req StartRequest) (*Instance, error) {
	cfg, err := pgconfig.Parse(req.Options)
	if err != nil {
		return nil, err
	}
	if cfg.AuthMethod.NeedsPassword() && cfg.Password == "" {
		if cfg.Password, err = s.tokens.Generate(); err != nil {
			return nil, fmt.Errorf("password: %w", err)
		}
	}

	bins, err := s.Provision(ctx, req.Version)
	if err != nil {
		return nil, err
	}

	inst := &Instance{svc: s, cfg: cfg, bins: bins, state: domain.StateCreated}
	s.coord.register(inst)
	fail := func(err error) (*Instance, error) {
		inst.setState(domain.StateFailed)
		if cerr := inst.teardown(); cerr != nil {
			s.logger.Warn("cleanup after failed start", "err", cerr)
		}
		return nil, err
	}

	ws, err := s.workspaces.Create()
	if err != nil {
		return fail(fmt.Errorf("create workspace: %w", err))
	}
	if !inst.attachWorkspace(ws) {
		if derr := s.workspaces.Destroy(ws); derr != nil {
			s.logger.Warn("remove workspace of closed instance", "id", ws.ID, "err", derr)
		}
		return fail(domain.E(domain.KindStart, "create workspace", errClosedWhileStarting))
	}
	s.logger.Debug("workspace created", "id", ws.ID, "root", ws.Root)

	readiness := cfg.StartTimeout
	if s.timeouts.Readiness > 0 {
		readiness = s.timeouts.Readiness
	}

	for attempt := 1; ; attempt++ {
		port := cfg.Port
		if port == 0 {
			if port, err = pgconfig.AllocatePort(cfg.ListenAddress); err != nil {
				return fail(domain.E(domain.KindStart, "allocate port", err))
			}
		}
		rendered, err := pgconfig.Render(cfg, ws, port)
		if err != nil {
			return fail(err)
		}

		spec := domain.LaunchSpec{
			Workspace: ws,
			Server:    domain.Command{Path: bins.Bin("postgres"), Args: rendered.ServerArgs, Env: req.Env},
		}
		if attempt == 1 {
			inst.setState(domain.StateInitializing)
			for path, data := range rendered.Files {
				if err := os.WriteFile(path, data, 0600); err != nil {
					return fail(domain.E(domain.KindInitialization, "write "+filepath.Base(path), err))
				}
			}
			spec.Init = domain.Command{Path: bins.Bin("initdb"), Args: rendered.InitArgs, Env: req.Env}
		}

		sup := s.runner.NewSupervisor(spec)
		if !inst.attachSupervisor(sup) {
			return fail(domain.E(domain.KindStart, "start postgres", errClosedWhileStarting))
		}
		if err := s.initialize(ctx, sup); err != nil {
			return fail(err)
		}
		if attempt == 1 {
			for _, customize := range req.Customizers {
				if err := customize(ws.DataDir); err != nil {
					return fail(domain.E(domain.KindInitialization, "customize data directory", err))
				}
			}
		}

		inst.setState(domain.StateStarting)
		if err := sup.Start(ctx); err != nil {
			return fail(err)
		}

		ep := pgconfig.EndpointFor(cfg, ws, port)
		res, err := s.probe.AwaitReady(ctx, ep, sup.Done(), readiness)
		if err != nil {
			return fail(fmt.Errorf("await readiness: %w", err))
		}
		switch res {
		case domain.ProbeReady:
			inst.mu.Lock()
			if inst.closed {
				inst.mu.Unlock()
				return fail(domain.E(domain.KindStart, "await readiness", errClosedWhileStarting))
			}
			inst.endpoint = ep
			inst.started = true
			inst.state = domain.StateReady
			inst.mu.Unlock()
			return inst, nil

		case domain.ProbeProcessExited:
			output := tailFile(ws.LogFile, logTailSize)
			if cfg.Port == 0 && attempt < maxPortAttempts && pgconfig.IsPortConflict(output) {
				s.logger.Warn("ephemeral port taken, retrying", "port", port, "attempt", attempt)
				_ = sup.Stop(s.timeouts.StopGrace)
				continue
			}
			cause := sup.Err()
			if cause == nil {
				cause = fmt.Errorf("postgres exited before accepting connections")
			}
			return fail(&domain.Error{Kind: domain.KindStart, Op: "start postgres", Output: output, Err: cause})

		default:
			return fail(&domain.Error{
				Kind:   domain.KindReadinessTimeout,
				Op:     "await readiness",
				Output: tailFile(ws.LogFile, logTailSize),
				Err:    fmt.Errorf("server not ready after %s", readiness),
			})
		}
	}
}

func (s *Service) initialize(ctx context.Context, sup domain.Supervisor) error {
	if s.timeouts.Init > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeouts.Init)
		defer cancel()
	}
	return sup.Init(ctx)
}

// tailFile returns at most n trailing bytes of path.
func tailFile(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, _ := io.ReadAll(f)
	return string(data)
}

func (i *Instance) setState(st domain.InstanceState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.state.Terminal() {
		i.state = st
	}
}

// attachWorkspace records ws unless teardown already ran, in which case the
// caller still owns ws.
func (i *Instance) attachWorkspace(ws domain.Workspace) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.ws = ws
	return true
}

// attachSupervisor replaces the supervisor unless teardown already ran. The
// previous supervisor must already be stopped.
func (i *Instance) attachSupervisor(sup domain.Supervisor) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.sup = sup
	return true
}

// ID identifies the instance and its workspace.
func (i *Instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ws.ID
}

func (i *Instance) State() domain.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Config() domain.ServerConfig { return i.cfg }

func (i *Instance) Binaries() domain.Binaries { return i.bins }

func (i *Instance) Workspace() domain.Workspace {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ws
}

func (i *Instance) Endpoint() domain.Endpoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.endpoint
}

// Port is the TCP port the server listens on, also used in the socket name.
func (i *Instance) Port() int { return i.Endpoint().Port }

// DSN returns a connection URL for database, or the configured database when
// empty. Connect params are included.
func (i *Instance) DSN(database string) string { return i.Endpoint().DSN(database) }

// PID returns the postmaster's process id.
func (i *Instance) PID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sup == nil {
		return 0
	}
	return i.sup.PID()
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed when the server process exits, whether stopped or crashed.
func (i *Instance) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sup == nil {
		return closedChan
	}
	return i.sup.Done()
}

// Ping opens a connection to the configured database and pings it.
func (i *Instance) Ping(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, i.DSN(""))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}

// Close stops the server and removes the workspace. It is safe to call more
// than once; later calls return the first result.
func (i *Instance) Close() error {
	return i.teardown()
}

func (i *Instance) teardown() error {
	i.once.Do(func() {
		i.mu.Lock()
		sup, ws, started := i.sup, i.ws, i.started
		i.closed = true
		if !i.state.Terminal() {
			i.state = domain.StateStopping
		}
		i.mu.Unlock()

		var errs *multierror.Error
		if sup != nil {
			if err := sup.Stop(i.svc.timeouts.StopGrace); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("stop server: %w", err))
			}
		}
		if ws.Root != "" {
			if err := i.svc.workspaces.Destroy(ws); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		i.svc.coord.unregister(i)

		if err := errs.ErrorOrNil(); err != nil {
			i.closeErr = domain.E(domain.KindCleanup, "teardown instance "+ws.ID, err)
		}
		i.setState(domain.StateStopped)
		if started {
			i.svc.metrics.Stopped(i.closeErr)
		}
		i.svc.logger.Debug("instance torn down", "id", ws.ID, "err", i.closeErr)
	})
	return i.closeErr
}
