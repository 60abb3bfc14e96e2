// Package server runs initdb and postgres as supervised child processes.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cli-tools/pgtap/internal/adapter/pidfile"
	"github.com/cli-tools/pgtap/internal/domain"
)

// killWait bounds how long Stop waits for the process to vanish after SIGKILL.
const killWait = 5 * time.Second

// Runner creates process supervisors.
type Runner struct {
	logger domain.Logger
}

// NewRunner creates a runner that manages server process lifecycles.
func NewRunner(logger domain.Logger) *Runner {
	return &Runner{logger: logger}
}

// NewSupervisor returns a supervisor for one server instance.
func (r *Runner) NewSupervisor(spec domain.LaunchSpec) domain.Supervisor {
	return &Process{
		spec:     spec,
		logger:   r.logger,
		done:     make(chan struct{}),
		stopInit: make(chan struct{}),
	}
}

// Process supervises one initdb run followed by one postgres process.
type Process struct {
	spec   domain.LaunchSpec
	logger domain.Logger

	mu       sync.Mutex
	state    domain.SupervisorState
	cmd      *exec.Cmd
	stopping bool
	exitErr  error
	initDone chan struct{}

	// stopInit is closed by Stop to abort a running initdb.
	stopInit chan struct{}

	done      chan struct{}
	closeDone sync.Once
	stopOnce  sync.Once
	stopErr   error
}

func (p *Process) State() domain.SupervisorState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the server's process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *Process) finish() { p.closeDone.Do(func() { close(p.done) }) }

func (p *Process) openLog() (*os.File, error) {
	return os.OpenFile(p.spec.Workspace.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

func (p *Process) command(c domain.Command) *exec.Cmd {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Dir = p.spec.Workspace.Root
	cmd.SysProcAttr = sysProcAttr()
	return cmd
}

// Init runs initdb to completion. Its output goes to the log file and, on a
// non-zero exit, into the returned InitializationError. Cancelling ctx kills
// initdb and everything it spawned. An empty init command skips initdb.
func (p *Process) Init(ctx context.Context) error {
	const op = "initdb"
	p.mu.Lock()
	if p.state != domain.ProcCreated {
		st := p.state
		p.mu.Unlock()
		return domain.Errorf(domain.KindInitialization, op, "supervisor is %s", st)
	}
	p.mu.Unlock()

	fail := func(err error, output string) error {
		p.mu.Lock()
		p.state = domain.ProcFailed
		p.mu.Unlock()
		p.finish()
		return &domain.Error{Kind: domain.KindInitialization, Op: op, Output: output, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail(err, "")
	}
	if p.spec.Init.Path == "" {
		// Data directory was initialized by an earlier supervisor.
		return p.initialized(op)
	}
	logFile, err := p.openLog()
	if err != nil {
		return fail(fmt.Errorf("open log: %w", err), "")
	}
	defer logFile.Close()

	// Stop waits for initDone so the workspace is not removed under initdb.
	initDone := make(chan struct{})
	defer close(initDone)
	p.mu.Lock()
	if p.state != domain.ProcCreated {
		st := p.state
		p.mu.Unlock()
		return domain.Errorf(domain.KindInitialization, op, "supervisor is %s", st)
	}
	p.initDone = initDone
	p.mu.Unlock()

	var out bytes.Buffer
	cmd := p.command(p.spec.Init)
	cmd.Stdout = io.MultiWriter(&out, logFile)
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start initdb: %w", err), "")
	}
	p.logger.Debug("initdb started", "pid", cmd.Process.Pid, "data_dir", p.spec.Workspace.DataDir)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	abort := func(cause error) error {
		if kerr := killTree(cmd.Process.Pid); kerr != nil {
			p.logger.Warn("kill initdb failed", "pid", cmd.Process.Pid, "err", kerr)
		}
		<-waitErr
		return cause
	}
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		err = abort(ctx.Err())
	case <-p.stopInit:
		err = abort(errors.New("stopped"))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("initdb exited with code %d", exitErr.ExitCode())
		}
		return fail(err, out.String())
	}
	return p.initialized(op)
}

// initialized moves a created supervisor on to Start. A supervisor stopped
// while initdb ran stays stopped so it can never spawn postgres.
func (p *Process) initialized(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.ProcCreated {
		return domain.Errorf(domain.KindInitialization, op, "supervisor is %s", p.state)
	}
	p.state = domain.ProcInitialized
	return nil
}

// Start spawns postgres and returns once the process exists. It does not wait
// for readiness. Server output goes to the workspace log file.
func (p *Process) Start(ctx context.Context) error {
	const op = "start postgres"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.ProcInitialized {
		return domain.Errorf(domain.KindStart, op, "supervisor is %s", p.state)
	}

	fail := func(err error) error {
		p.state = domain.ProcFailed
		p.exitErr = err
		p.finish()
		return domain.E(domain.KindStart, op, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	logFile, err := p.openLog()
	if err != nil {
		return fail(fmt.Errorf("open log: %w", err))
	}

	cmd := p.command(p.spec.Server)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fail(err)
	}
	p.cmd = cmd
	p.state = domain.ProcRunning
	p.logger.Info("postgres started", "pid", cmd.Process.Pid, "data_dir", p.spec.Workspace.DataDir)

	go func() {
		err := cmd.Wait()
		logFile.Close()

		p.mu.Lock()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
				err = fmt.Errorf("postgres exited with code %d", exitErr.ExitCode())
			}
		}
		p.exitErr = err
		if p.stopping {
			p.state = domain.ProcStopped
		} else {
			p.state = domain.ProcFailed
			if err == nil {
				p.exitErr = errors.New("postgres exited unexpectedly")
			}
		}
		p.mu.Unlock()
		p.finish()
	}()
	return nil
}

// Stop shuts the server down: SIGINT for a fast shutdown, then after grace the
// whole process group is killed. It is idempotent and safe before Start.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() { p.stopErr = p.stop(grace) })
	return p.stopErr
}

func (p *Process) stop(grace time.Duration) error {
	p.mu.Lock()
	close(p.stopInit)
	if p.state != domain.ProcRunning {
		if p.state != domain.ProcFailed {
			p.state = domain.ProcStopped
		}
		initDone := p.initDone
		p.mu.Unlock()
		if initDone != nil {
			select {
			case <-initDone:
			case <-time.After(killWait):
				return fmt.Errorf("initdb did not exit after kill")
			}
		}
		p.finish()
		return nil
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := interrupt(pid); err != nil {
		p.logger.Warn("interrupt postgres failed", "pid", pid, "err", err)
	}
	select {
	case <-p.done:
		p.logger.Debug("postgres stopped", "pid", pid)
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn("postgres did not stop in time, killing", "pid", pid, "grace", grace)
	if err := killTree(pid); err != nil {
		return fmt.Errorf("kill postgres %d: %w", pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("postgres %d did not exit after kill", pid)
	}
}

// KillOrphan stops a postmaster left running in dataDir by a dead owner. A
// missing or unreadable postmaster.pid means nothing is running. The pid file
// may outlive its server and the pid be reused, so a process is only signalled
// when postmaster.pid names dataDir and, where the platform can tell, the
// process runs in dataDir.
func (r *Runner) KillOrphan(dataDir string) error {
	pid, recorded, err := readPostmasterPID(dataDir)
	if err != nil || pid <= 0 || pid == os.Getpid() {
		return nil
	}
	if !pidfile.Alive(pid) {
		return nil
	}
	if !sameDir(recorded, dataDir) {
		r.logger.Warn("postmaster.pid names another data directory, not stopping", "pid", pid, "data_dir", dataDir, "recorded", recorded)
		return nil
	}
	if err := checkProcessDir(pid, dataDir); err != nil {
		r.logger.Warn("pid no longer belongs to this server, not stopping", "pid", pid, "data_dir", dataDir, "err", err)
		return nil
	}
	r.logger.Info("stopping orphaned postgres", "pid", pid, "data_dir", dataDir)
	if err := interrupt(pid); err != nil {
		return fmt.Errorf("interrupt orphan %d: %w", pid, err)
	}
	deadline := time.Now().Add(killWait)
	for time.Now().Before(deadline) {
		if !pidfile.Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := killTree(pid); err != nil {
		return fmt.Errorf("kill orphan %d: %w", pid, err)
	}
	return nil
}

// readPostmasterPID reads the pid and data directory lines of
// dataDir/postmaster.pid.
func readPostmasterPID(dataDir string) (pid int, recorded string, err error) {
	f, err := os.Open(filepath.Join(dataDir, "postmaster.pid"))
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, "", fmt.Errorf("empty postmaster.pid")
	}
	if pid, err = strconv.Atoi(strings.TrimSpace(sc.Text())); err != nil {
		return 0, "", err
	}
	if sc.Scan() {
		recorded = strings.TrimSpace(sc.Text())
	}
	return pid, recorded, nil
}

// sameDir compares two paths after cleaning and resolving symlinks.
func sameDir(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return resolve(a) == resolve(b)
}

func resolve(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Clean(path)
}
