package extractor

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/cli-tools/pgtap/internal/domain"
)

// unpack expands a into dest according to its format.
func unpack(ctx context.Context, a domain.Archive, dest string) error {
	switch a.Format {
	case domain.FormatTarXZ, domain.FormatTarGZ:
		f, err := os.Open(a.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		return untarCompressed(ctx, a.Format, bufio.NewReader(f), dest)
	case domain.FormatJar:
		return unpackJar(ctx, a.Path, dest)
	default:
		return fmt.Errorf("unsupported archive format %q", a.Format)
	}
}

func untarCompressed(ctx context.Context, format domain.Format, r io.Reader, dest string) error {
	switch format {
	case domain.FormatTarXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}
		return untar(ctx, xr, dest)
	case domain.FormatTarGZ:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("open gzip stream: %w", err)
		}
		defer gr.Close()
		return untar(ctx, gr, dest)
	}
	return fmt.Errorf("unsupported compression %q", format)
}

// unpackJar extracts the single .txz bundled inside a distribution jar.
func unpackJar(ctx context.Context, path, dest string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open jar: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		format, ok := domain.FormatFromName(f.Name)
		if !ok || format == domain.FormatJar {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s in jar: %w", f.Name, err)
		}
		err = untarCompressed(ctx, format, bufio.NewReader(rc), dest)
		rc.Close()
		return err
	}
	return errors.New("jar contains no postgres archive")
}

func untar(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, err := within(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()|0600); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("illegal symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if _, err := within(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return fmt.Errorf("illegal symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := within(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Link(src, target); err != nil {
				return err
			}
		}
	}
}

// within joins name onto root and rejects results outside root.
func within(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return target, nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
