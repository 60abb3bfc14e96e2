// Package testutil builds distribution archives and a fake PostgreSQL server
// for tests that must not depend on real binaries.
package testutil

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/cli-tools/pgtap/internal/domain"
)

// File is one entry of a test archive. A non-empty Link makes a symlink.
type File struct {
	Name string
	Body string
	Mode int64
	Link string
}

// MinimalDistribution is the smallest file set an extractor accepts.
func MinimalDistribution() []File {
	return []File{
		{Name: "bin/initdb", Body: "#!/bin/sh\nexit 0\n", Mode: 0644},
		{Name: "bin/postgres", Body: "#!/bin/sh\nexit 0\n", Mode: 0644},
		{Name: "lib/libpq.so.5.16", Body: "elf", Mode: 0644},
		{Name: "lib/libpq.so.5", Link: "libpq.so.5.16"},
		{Name: "share/postgresql/postgres.bki", Body: "bki", Mode: 0644},
	}
}

// TarBytes returns an uncompressed tar stream of files.
func TarBytes(t testing.TB, files []File) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	for _, f := range files {
		dir := filepath.ToSlash(filepath.Dir(f.Name))
		if dir != "." && !dirs[dir] {
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
				t.Fatal(err)
			}
		}
		if f.Link != "" {
			if err := tw.WriteHeader(&tar.Header{Name: f.Name, Typeflag: tar.TypeSymlink, Linkname: f.Link}); err != nil {
				t.Fatal(err)
			}
			continue
		}
		mode := f.Mode
		if mode == 0 {
			mode = 0644
		}
		hdr := &tar.Header{Name: f.Name, Typeflag: tar.TypeReg, Mode: mode, Size: int64(len(f.Body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, f.Body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// ArchiveBytes returns files packed in format.
func ArchiveBytes(t testing.TB, format domain.Format, files []File) []byte {
	t.Helper()
	raw := TarBytes(t, files)
	var buf bytes.Buffer
	switch format {
	case domain.FormatTarGZ:
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(raw); err != nil {
			t.Fatal(err)
		}
		if err := gw.Close(); err != nil {
			t.Fatal(err)
		}
	case domain.FormatTarXZ:
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := xw.Write(raw); err != nil {
			t.Fatal(err)
		}
		if err := xw.Close(); err != nil {
			t.Fatal(err)
		}
	case domain.FormatJar:
		inner := ArchiveBytes(t, domain.FormatTarXZ, files)
		zw := zip.NewWriter(&buf)
		if _, err := zw.Create("META-INF/MANIFEST.MF"); err != nil {
			t.Fatal(err)
		}
		w, err := zw.Create("postgres-linux-x86_64.txz")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(inner); err != nil {
			t.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	default:
		t.Fatalf("unsupported format %q", format)
	}
	return buf.Bytes()
}

// WriteArchive writes files packed in format to path and returns its SHA-256.
func WriteArchive(t testing.TB, path string, format domain.Format, files []File) string {
	t.Helper()
	data := ArchiveBytes(t, format, files)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return SHA256(data)
}

// SHA256 returns the hex digest of data.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
