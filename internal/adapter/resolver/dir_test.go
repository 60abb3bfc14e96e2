package resolver

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cli-tools/pgtap/internal/adapter/logger"
	"github.com/cli-tools/pgtap/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDirResolver_Resolve(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "postgres-linux-amd64-16.2.0.tar.gz"), "tgz")
	writeFile(t, filepath.Join(dir, "postgres-linux-amd64-16.2.0.tar.gz.sha256"), "deadbeef\n")

	r := NewDirResolver(dir)
	a, err := r.Resolve(context.Background(), linuxAMD64, "16.2.0")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	defer a.Body.Close()

	if a.Format != domain.FormatTarGZ {
		t.Errorf("format = %q", a.Format)
	}
	if a.SHA256 != "deadbeef" {
		t.Errorf("checksum = %q", a.SHA256)
	}
	data, _ := io.ReadAll(a.Body)
	if string(data) != "tgz" {
		t.Errorf("body = %q", data)
	}
}

func TestDirResolver_Missing(t *testing.T) {
	r := NewDirResolver(t.TempDir())
	_, err := r.Resolve(context.Background(), linuxAMD64, "16.2.0")
	if !errors.Is(err, domain.ErrResolution) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
}

func TestDirResolver_ResolveVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "postgres-linux-amd64-15.6.0.txz"), "")
	writeFile(t, filepath.Join(dir, "postgres-linux-amd64-16.1.0.txz"), "")
	writeFile(t, filepath.Join(dir, "postgres-linux-amd64-16.1.0.txz.sha256"), "")
	writeFile(t, filepath.Join(dir, "postgres-linux-arm64v8-17.0.0.txz"), "")

	r := NewDirResolver(dir)
	got, err := r.ResolveVersion(context.Background(), linuxAMD64, "latest")
	if err != nil {
		t.Fatal(err)
	}
	if got != "16.1.0" {
		t.Errorf("got %q, want 16.1.0", got)
	}
}

func TestChain_FirstSuccessWins(t *testing.T) {
	empty := NewDirResolver(t.TempDir())
	full := t.TempDir()
	writeFile(t, filepath.Join(full, "postgres-linux-amd64-16.2.0.txz"), "xz")

	c := NewChain(logger.Discard(), empty, NewDirResolver(full))
	a, err := c.Resolve(context.Background(), linuxAMD64, "16.2.0")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	a.Body.Close()
	if a.Format != domain.FormatTarXZ {
		t.Errorf("format = %q", a.Format)
	}

	v, err := c.ResolveVersion(context.Background(), linuxAMD64, "16")
	if err != nil || v != "16.2.0" {
		t.Errorf("ResolveVersion = %q, %v", v, err)
	}
}

func TestChain_AllFail(t *testing.T) {
	c := NewChain(logger.Discard(), NewDirResolver(t.TempDir()), NewDirResolver(t.TempDir()))
	_, err := c.Resolve(context.Background(), linuxAMD64, "16.2.0")
	if !errors.Is(err, domain.ErrResolution) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
}
