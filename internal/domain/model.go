package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
)

// OS is a supported operating system family.
type OS string

const (
	OSLinux   OS = "linux"
	OSDarwin  OS = "darwin"
	OSWindows OS = "windows"
)

// Arch is a supported CPU architecture, spelled the way distributions name it.
type Arch string

const (
	ArchAMD64   Arch = "amd64"
	ArchARM64   Arch = "arm64v8"
	ArchARM32   Arch = "arm32v7"
	ArchI386    Arch = "i386"
	ArchPPC64LE Arch = "ppc64le"
)

// Variant narrows a platform to a libc or distribution flavour.
type Variant string

const (
	VariantNone   Variant = ""
	VariantAlpine Variant = "alpine"
)

// Platform identifies which binary distribution can run on a host.
type Platform struct {
	OS      OS
	Arch    Arch
	Variant Variant
}

// String returns the distribution classifier, e.g. linux-amd64 or linux-amd64-alpine.
func (p Platform) String() string {
	s := string(p.OS) + "-" + string(p.Arch)
	if p.Variant != VariantNone {
		s += "-" + string(p.Variant)
	}
	return s
}

// Validate rejects combinations no distribution exists for.
func (p Platform) Validate() error {
	switch p.OS {
	case OSLinux, OSDarwin, OSWindows:
	default:
		return fmt.Errorf("unsupported operating system %q", p.OS)
	}
	switch p.Arch {
	case ArchAMD64, ArchARM64, ArchARM32, ArchI386, ArchPPC64LE:
	default:
		return fmt.Errorf("unsupported architecture %q", p.Arch)
	}
	if p.Variant != VariantNone && p.OS != OSLinux {
		return fmt.Errorf("variant %q is only valid on linux", p.Variant)
	}
	if p.Variant != VariantNone && p.Variant != VariantAlpine {
		return fmt.Errorf("unsupported variant %q", p.Variant)
	}
	return nil
}

// ExeSuffix is appended to executable names on this platform.
func (p Platform) ExeSuffix() string {
	if p.OS == OSWindows {
		return ".exe"
	}
	return ""
}

// Candidates lists the platforms to try, most specific first. A variant falls
// back to the generic build, and arm64 on macOS and Windows falls back to amd64
// binaries, which run under emulation there.
func (p Platform) Candidates() []Platform {
	out := []Platform{p}
	if p.Variant != VariantNone {
		out = append(out, Platform{OS: p.OS, Arch: p.Arch})
	}
	if p.Arch == ArchARM64 && (p.OS == OSDarwin || p.OS == OSWindows) {
		out = append(out, Platform{OS: p.OS, Arch: ArchAMD64})
	}
	return out
}

// CanonicalVersion normalizes a concrete version so 16.2 and 16.2.0 compare equal.
func CanonicalVersion(v string) (string, error) {
	parsed, err := version.NewVersion(strings.TrimSpace(v))
	if err != nil {
		return "", fmt.Errorf("parse version %q: %w", v, err)
	}
	return parsed.String(), nil
}

// CacheKey names one cache entry. Equal inputs yield equal keys and distinct
// distributions never share one.
type CacheKey string

// NewCacheKey derives the cache key for a platform and version.
func NewCacheKey(p Platform, v string) (CacheKey, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	canon, err := CanonicalVersion(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(p.String() + "\x00" + canon))
	return CacheKey(fmt.Sprintf("%s-%s-%s", p, canon, hex.EncodeToString(sum[:4]))), nil
}

func (k CacheKey) String() string { return string(k) }

// EntryState is the observable state of a cache entry.
type EntryState int

const (
	EntryAbsent EntryState = iota
	EntryExtracting
	EntryReady
	EntryCorrupt
)

func (s EntryState) String() string {
	switch s {
	case EntryAbsent:
		return "absent"
	case EntryExtracting:
		return "extracting"
	case EntryReady:
		return "ready"
	case EntryCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// Format is the container format of a distribution archive.
type Format string

const (
	FormatTarXZ Format = "txz"
	FormatTarGZ Format = "tgz"
	FormatJar   Format = "jar"
)

// FormatFromName guesses the archive format from a file name.
func FormatFromName(name string) (Format, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".txz"), strings.HasSuffix(lower, ".tar.xz"):
		return FormatTarXZ, true
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		return FormatTarGZ, true
	case strings.HasSuffix(lower, ".jar"), strings.HasSuffix(lower, ".zip"):
		return FormatJar, true
	}
	return "", false
}

// Artifact is a resolved distribution stream. SHA256 is empty when the source
// publishes no checksum.
type Artifact struct {
	Platform Platform
	Version  string
	Format   Format
	Source   string
	SHA256   string
	Body     io.ReadCloser
}

// Archive is a verified distribution archive on local disk.
type Archive struct {
	Key      CacheKey
	Platform Platform
	Version  string
	Format   Format
	Path     string
	SHA256   string
}

// Binaries locates an extracted, ready distribution.
type Binaries struct {
	Key      CacheKey
	Platform Platform
	Version  string
	Root     string
}

// Bin returns the path of an executable in the distribution's bin directory.
func (b Binaries) Bin(name string) string {
	return filepath.Join(b.Root, "bin", name+b.Platform.ExeSuffix())
}

// CacheEntryInfo describes a cache entry for listing.
type CacheEntryInfo struct {
	Key   CacheKey
	Path  string
	State EntryState
}

// Workspace is the set of per-instance paths. Nothing in it is shared.
type Workspace struct {
	ID      string
	Root    string
	DataDir string
	RunDir  string
	LogFile string
}

// WorkspaceInfo describes a workspace found on disk and whether its owner lives.
type WorkspaceInfo struct {
	Workspace
	OwnerPID int
	Alive    bool
	Created  time.Time
}

// AuthMethod is a pg_hba authentication method.
type AuthMethod string

const (
	AuthTrust    AuthMethod = "trust"
	AuthPassword AuthMethod = "password"
	AuthMD5      AuthMethod = "md5"
	AuthSCRAM    AuthMethod = "scram-sha-256"
)

// NeedsPassword reports whether the method requires a superuser password.
func (m AuthMethod) NeedsPassword() bool {
	return m != AuthTrust
}

// ServerConfig is the resolved, immutable startup configuration of one instance.
type ServerConfig struct {
	// Port is the TCP port. Zero requests an ephemeral port.
	Port int
	// ListenAddress is the TCP listen address.
	ListenAddress string
	// UnixSocketDir overrides the socket directory. Empty uses the workspace run dir.
	UnixSocketDir     string
	DisableTCP        bool
	DisableUnixSocket bool
	AuthMethod        AuthMethod
	User              string
	Password          string
	Database          string
	Locale            string
	Encoding          string
	// ServerParams are passed to the server verbatim as -c key=value.
	ServerParams map[string]string
	// ConnectParams are appended to every connection string handed out.
	ConnectParams map[string]string
	// StartTimeout bounds how long the server may take to become ready.
	StartTimeout time.Duration
}

// InstanceState is the lifecycle state of a server instance.
type InstanceState int

const (
	StateCreated InstanceState = iota
	StateInitializing
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s InstanceState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s InstanceState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// SupervisorState is the state of the supervised server process.
type SupervisorState int

const (
	ProcCreated SupervisorState = iota
	ProcInitialized
	ProcRunning
	ProcStopped
	ProcFailed
)

func (s SupervisorState) String() string {
	switch s {
	case ProcCreated:
		return "created"
	case ProcInitialized:
		return "initialized"
	case ProcRunning:
		return "running"
	case ProcStopped:
		return "stopped"
	case ProcFailed:
		return "failed"
	}
	return "unknown"
}

// Command is one executable invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// LaunchSpec is everything a supervisor needs to initialize and run a server.
type LaunchSpec struct {
	Workspace Workspace
	Init      Command
	Server    Command
}

// Endpoint is where a started server can be reached.
type Endpoint struct {
	Host      string
	Port      int
	SocketDir string
	DataDir   string
	User      string
	Password  string
	Database  string
	Params    map[string]string
}

// TCP reports whether the endpoint is reached over TCP rather than a socket.
func (e Endpoint) TCP() bool {
	return e.Host != "" && !strings.HasPrefix(e.Host, "/")
}

// DSN returns a postgres:// connection URL for database. An empty database
// uses the endpoint's default. Params are appended as query parameters.
func (e Endpoint) DSN(database string) string {
	if database == "" {
		database = e.Database
	}
	u := url.URL{Scheme: "postgres", Path: "/" + database}
	if e.Password != "" {
		u.User = url.UserPassword(e.User, e.Password)
	} else if e.User != "" {
		u.User = url.User(e.User)
	}
	q := url.Values{}
	for k, v := range e.Params {
		q.Set(k, v)
	}
	if e.TCP() {
		u.Host = net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	} else {
		q.Set("host", e.SocketDir)
		q.Set("port", strconv.Itoa(e.Port))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ProbeResult is the outcome of waiting for readiness.
type ProbeResult int

const (
	ProbeReady ProbeResult = iota
	ProbeTimedOut
	ProbeProcessExited
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeReady:
		return "ready"
	case ProbeTimedOut:
		return "timed out"
	case ProbeProcessExited:
		return "process exited"
	}
	return "unknown"
}
