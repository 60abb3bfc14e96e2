package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cli-tools/pgtap/internal/domain"
)

func writeOSRelease(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "os-release")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDetectPlatform_LinuxGlibc(t *testing.T) {
	h := &Host{goos: "linux", goarch: "amd64", osRelease: writeOSRelease(t, "NAME=\"Debian GNU/Linux\"\nID=debian\n")}
	p, err := h.DetectPlatform()
	if err != nil {
		t.Fatalf("DetectPlatform() error: %v", err)
	}
	if p.String() != "linux-amd64" {
		t.Errorf("expected linux-amd64, got %s", p)
	}
}

func TestDetectPlatform_Alpine(t *testing.T) {
	h := &Host{goos: "linux", goarch: "arm64", osRelease: writeOSRelease(t, "NAME=\"Alpine Linux\"\nID=\"alpine\"\n")}
	p, err := h.DetectPlatform()
	if err != nil {
		t.Fatalf("DetectPlatform() error: %v", err)
	}
	if p.String() != "linux-arm64v8-alpine" {
		t.Errorf("expected linux-arm64v8-alpine, got %s", p)
	}
}

func TestDetectPlatform_MissingOSRelease(t *testing.T) {
	h := &Host{goos: "linux", goarch: "386", osRelease: filepath.Join(t.TempDir(), "absent")}
	p, err := h.DetectPlatform()
	if err != nil {
		t.Fatalf("DetectPlatform() error: %v", err)
	}
	if p.Variant != domain.VariantNone || p.Arch != domain.ArchI386 {
		t.Errorf("unexpected platform %s", p)
	}
}

func TestDetectPlatform_Darwin(t *testing.T) {
	h := &Host{goos: "darwin", goarch: "arm64"}
	p, err := h.DetectPlatform()
	if err != nil {
		t.Fatalf("DetectPlatform() error: %v", err)
	}
	if p.String() != "darwin-arm64v8" {
		t.Errorf("expected darwin-arm64v8, got %s", p)
	}
}

func TestDetectPlatform_Unsupported(t *testing.T) {
	if _, err := (&Host{goos: "plan9", goarch: "amd64"}).DetectPlatform(); err == nil {
		t.Error("expected error for plan9")
	}
	if _, err := (&Host{goos: "linux", goarch: "riscv64"}).DetectPlatform(); err == nil {
		t.Error("expected error for riscv64")
	}
}

func TestParse(t *testing.T) {
	p, err := Parse("linux-ppc64le")
	if err != nil {
		t.Fatal(err)
	}
	if p.OS != domain.OSLinux || p.Arch != domain.ArchPPC64LE {
		t.Errorf("unexpected platform %+v", p)
	}
	if _, err := Parse("linux"); err == nil {
		t.Error("expected error for missing arch")
	}
	if _, err := Parse("windows-amd64-alpine"); err == nil {
		t.Error("expected error for alpine on windows")
	}
}

func TestResolveCacheDir_FlagPriority(t *testing.T) {
	h := New()
	t.Setenv(EnvCacheDir, "/env/dir")

	got, err := h.ResolveCacheDir("/flag/dir")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/flag/dir" {
		t.Errorf("expected /flag/dir, got %s", got)
	}
}

func TestResolveCacheDir_EnvPriority(t *testing.T) {
	h := New()
	t.Setenv(EnvCacheDir, "/env/dir")

	got, err := h.ResolveCacheDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/env/dir" {
		t.Errorf("expected /env/dir, got %s", got)
	}
}

func TestResolveCacheDir_Default(t *testing.T) {
	h := New()
	t.Setenv(EnvCacheDir, "")

	got, err := h.ResolveCacheDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got == "" || !filepath.IsAbs(got) {
		t.Errorf("expected an absolute default cache dir, got %q", got)
	}
}

func TestResolveWorkDir_Default(t *testing.T) {
	h := New()
	t.Setenv(EnvWorkDir, "")

	got, err := h.ResolveWorkDir("")
	if err != nil {
		t.Fatal(err)
	}
	if got != os.TempDir() {
		t.Errorf("expected %s, got %s", os.TempDir(), got)
	}
}

func TestResolveVersion(t *testing.T) {
	h := New()
	t.Setenv(EnvVersion, "")
	if got := h.ResolveVersion(""); got != DefaultVersion {
		t.Errorf("expected default %s, got %s", DefaultVersion, got)
	}

	t.Setenv(EnvVersion, "15")
	if got := h.ResolveVersion(""); got != "15" {
		t.Errorf("expected env value 15, got %s", got)
	}
	if got := h.ResolveVersion("16.2.0"); got != "16.2.0" {
		t.Errorf("expected flag value, got %s", got)
	}
}
