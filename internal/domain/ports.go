package domain

import (
	"context"
	"time"
)

// ArchiveResolver locates the distribution archive for a platform and version.
type ArchiveResolver interface {
	Name() string
	Resolve(ctx context.Context, p Platform, version string) (*Artifact, error)
}

// VersionResolver turns a version request ("", "latest", "16", "16.2") into a
// concrete published version.
type VersionResolver interface {
	ResolveVersion(ctx context.Context, p Platform, requested string) (string, error)
}

// ArchiveStore fetches and verifies distribution archives, caching them locally.
type ArchiveStore interface {
	Fetch(ctx context.Context, p Platform, version string) (Archive, error)
}

// Lock is a held cache-entry lock.
type Lock interface {
	Release() error
}

// CacheLocker hands out cross-process, per-key locks. Acquiring a key already
// held through ctx returns a nested handle instead of blocking.
type CacheLocker interface {
	Root() string
	PathFor(key CacheKey) string
	Acquire(ctx context.Context, key CacheKey) (context.Context, Lock, error)
}

// Extractor materializes archives into ready cache entries.
type Extractor interface {
	IsReady(key CacheKey) bool
	EntryRoot(key CacheKey) string
	EnsureExtracted(ctx context.Context, archive Archive) (string, error)
	Entries() ([]CacheEntryInfo, error)
}

// WorkspaceAllocator creates and destroys per-instance directories.
type WorkspaceAllocator interface {
	Create() (Workspace, error)
	Destroy(ws Workspace) error
	List() ([]WorkspaceInfo, error)
}

// Supervisor controls one server process through init, run and stop.
type Supervisor interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(grace time.Duration) error
	State() SupervisorState
	PID() int
	// Done is closed once the started server process has exited.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed.
	Err() error
}

// ServerRunner creates supervisors.
type ServerRunner interface {
	NewSupervisor(spec LaunchSpec) Supervisor
	// KillOrphan terminates a server left behind in dataDir by a dead owner.
	KillOrphan(dataDir string) error
}

// ReadinessProbe blocks until the server accepts connections, the process
// exits, or the timeout elapses.
type ReadinessProbe interface {
	AwaitReady(ctx context.Context, ep Endpoint, exited <-chan struct{}, timeout time.Duration) (ProbeResult, error)
}

// TokenGenerator creates cryptographically secure secrets.
type TokenGenerator interface {
	// Generate returns a password.
	Generate() (string, error)
	// Name returns n random lowercase letters.
	Name(n int) (string, error)
}

// Logger provides structured logging with key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics records provisioning and lifecycle observations.
type Metrics interface {
	CacheLookup(hit bool)
	Extracted(d time.Duration, err error)
	Started(d time.Duration, err error)
	Stopped(err error)
}
