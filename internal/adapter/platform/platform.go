package platform

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/apparentlymart/go-userdirs/userdirs"
	"github.com/mitchellh/go-homedir"

	"github.com/cli-tools/pgtap/internal/domain"
)

// DefaultVersion is the PostgreSQL release used when none is requested.
const DefaultVersion = "17.2.0"

const (
	EnvCacheDir = "PGTAP_CACHE_DIR"
	EnvWorkDir  = "PGTAP_WORK_DIR"
	EnvVersion  = "PGTAP_VERSION"
)

// Host resolves the running platform and filesystem locations.
type Host struct {
	goos      string
	goarch    string
	osRelease string
}

// New creates a Host describing the current machine.
func New() *Host {
	return &Host{
		goos:      runtime.GOOS,
		goarch:    runtime.GOARCH,
		osRelease: "/etc/os-release",
	}
}

// DetectPlatform returns the distribution platform for this host.
func (h *Host) DetectPlatform() (domain.Platform, error) {
	var p domain.Platform
	switch h.goos {
	case "linux":
		p.OS = domain.OSLinux
	case "darwin":
		p.OS = domain.OSDarwin
	case "windows":
		p.OS = domain.OSWindows
	default:
		return p, fmt.Errorf("unsupported operating system: %s", h.goos)
	}

	arch, err := mapArch(h.goarch)
	if err != nil {
		return p, err
	}
	p.Arch = arch

	if p.OS == domain.OSLinux && h.distroID() == "alpine" {
		p.Variant = domain.VariantAlpine
	}
	return p, nil
}

func mapArch(goarch string) (domain.Arch, error) {
	switch goarch {
	case "amd64":
		return domain.ArchAMD64, nil
	case "arm64":
		return domain.ArchARM64, nil
	case "arm":
		return domain.ArchARM32, nil
	case "386":
		return domain.ArchI386, nil
	case "ppc64le":
		return domain.ArchPPC64LE, nil
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}
}

// distroID reads the ID field of os-release. Missing files yield "".
func (h *Host) distroID() string {
	f, err := os.Open(h.osRelease)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "ID="); ok {
			return strings.ToLower(strings.Trim(v, `"'`))
		}
	}
	return ""
}

// Parse reads a platform classifier such as linux-amd64 or linux-arm64v8-alpine.
func Parse(s string) (domain.Platform, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 2 || len(parts) > 3 {
		return domain.Platform{}, fmt.Errorf("invalid platform %q: expected <os>-<arch>[-<variant>]", s)
	}
	p := domain.Platform{OS: domain.OS(parts[0]), Arch: domain.Arch(parts[1])}
	if len(parts) == 3 {
		p.Variant = domain.Variant(parts[2])
	}
	if err := p.Validate(); err != nil {
		return domain.Platform{}, fmt.Errorf("invalid platform %q: %w", s, err)
	}
	return p, nil
}

// ResolveCacheDir returns the shared cache root, checking flag, env, then the
// per-user cache directory.
func (h *Host) ResolveCacheDir(flagValue string) (string, error) {
	dir := flagValue
	if dir == "" {
		dir = os.Getenv(EnvCacheDir)
	}
	if dir != "" {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			return "", fmt.Errorf("expand cache dir: %w", err)
		}
		return filepath.Clean(expanded), nil
	}
	dirs := userdirs.ForApp("pgtap", "cli-tools", "io.github.cli-tools.pgtap")
	if dirs.CacheDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, ".pgtap", "cache"), nil
	}
	return dirs.CacheDir, nil
}

// ResolveWorkDir returns the base directory for instance workspaces, checking
// flag, env, then the system temp dir.
func (h *Host) ResolveWorkDir(flagValue string) (string, error) {
	dir := flagValue
	if dir == "" {
		dir = os.Getenv(EnvWorkDir)
	}
	if dir == "" {
		return os.TempDir(), nil
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return "", fmt.Errorf("expand work dir: %w", err)
	}
	return filepath.Clean(expanded), nil
}

// ResolveVersion returns the requested version from flag or env. Empty means
// the default release.
func (h *Host) ResolveVersion(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVersion)); v != "" {
		return v
	}
	return DefaultVersion
}
