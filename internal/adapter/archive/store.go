package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	getter "github.com/hashicorp/go-getter"
	"github.com/hashicorp/go-multierror"

	"github.com/cli-tools/pgtap/internal/domain"
)

var extensions = map[domain.Format]string{
	domain.FormatTarXZ: ".txz",
	domain.FormatTarGZ: ".tar.gz",
	domain.FormatJar:   ".jar",
}

// Store downloads distribution archives through a resolver and keeps verified
// copies in a private download directory.
type Store struct {
	dir      string
	resolver domain.ArchiveResolver
	logger   domain.Logger
}

// NewStore creates a store that caches archives in dir.
func NewStore(dir string, resolver domain.ArchiveResolver, logger domain.Logger) *Store {
	return &Store{dir: dir, resolver: resolver, logger: logger}
}

// Dir returns the download directory.
func (s *Store) Dir() string { return s.dir }

// Fetch returns a verified archive for p and v, trying fallback platforms when
// the exact platform has no published build.
func (s *Store) Fetch(ctx context.Context, p domain.Platform, v string) (domain.Archive, error) {
	var errs *multierror.Error
	for i, cand := range p.Candidates() {
		a, err := s.fetch(ctx, cand, v)
		if err == nil {
			if i > 0 {
				s.logger.Warn("no build for platform, using fallback binaries", "platform", p.String(), "fallback", cand.String())
			}
			return a, nil
		}
		if !errors.Is(err, domain.ErrResolution) || ctx.Err() != nil {
			return domain.Archive{}, err
		}
		errs = multierror.Append(errs, err)
	}
	return domain.Archive{}, domain.E(domain.KindResolution, "fetch", errs.ErrorOrNil())
}

func (s *Store) fetch(ctx context.Context, p domain.Platform, v string) (domain.Archive, error) {
	key, err := domain.NewCacheKey(p, v)
	if err != nil {
		return domain.Archive{}, domain.E(domain.KindResolution, "fetch", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return domain.Archive{}, fmt.Errorf("create download dir: %w", err)
	}

	// Serialize concurrent downloads of the same archive. Losing the race only
	// costs a duplicate download, so this lock never times out on its own.
	fl := flock.New(filepath.Join(s.dir, string(key)+".lock"))
	if _, err := fl.TryLockContext(ctx, 100*time.Millisecond); err != nil {
		return domain.Archive{}, fmt.Errorf("lock download %s: %w", key, err)
	}
	defer fl.Unlock()

	archive := domain.Archive{Key: key, Platform: p, Version: v}
	if cached, ok := s.cached(archive); ok {
		s.logger.Debug("using cached archive", "path", cached.Path)
		return cached, nil
	}

	art, err := s.resolver.Resolve(ctx, p, v)
	if err != nil {
		return domain.Archive{}, err
	}
	defer art.Body.Close()

	ext, ok := extensions[art.Format]
	if !ok {
		return domain.Archive{}, domain.Errorf(domain.KindResolution, "fetch", "unsupported archive format %q from %s", art.Format, art.Source)
	}
	dest := filepath.Join(s.dir, string(key)+ext)

	s.logger.Info("downloading postgres", "version", v, "platform", p.String(), "source", art.Source)

	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return domain.Archive{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	h := sha256.New()
	_, copyErr := getter.Copy(ctx, io.MultiWriter(tmp, h), art.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return domain.Archive{}, domain.Errorf(domain.KindResolution, "fetch", "download %s: %w", art.Source, copyErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return domain.Archive{}, fmt.Errorf("close temp file: %w", closeErr)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if art.SHA256 == "" {
		s.logger.Warn("archive has no published checksum, accepting it unverified", "source", art.Source, "sha256", sum)
	} else if !strings.EqualFold(art.SHA256, sum) {
		os.Remove(tmpPath)
		return domain.Archive{}, domain.Errorf(domain.KindIntegrity, "fetch",
			"archive from %s has incorrect checksum %s (expected %s)", art.Source, sum, art.SHA256)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return domain.Archive{}, fmt.Errorf("rename archive: %w", err)
	}
	if err := os.WriteFile(dest+".sha256", []byte(sum+"\n"), 0644); err != nil {
		return domain.Archive{}, fmt.Errorf("record checksum: %w", err)
	}

	s.logger.Info("download complete", "path", dest)
	archive.Format = art.Format
	archive.Path = dest
	archive.SHA256 = sum
	return archive, nil
}

// cached returns a previously downloaded archive whose contents still match
// the checksum recorded at download time. Mismatching files are discarded.
func (s *Store) cached(a domain.Archive) (domain.Archive, bool) {
	for format, ext := range extensions {
		path := filepath.Join(s.dir, string(a.Key)+ext)
		recorded, err := os.ReadFile(path + ".sha256")
		if err != nil {
			continue
		}
		want := strings.TrimSpace(string(recorded))
		got, err := fileSHA256(path)
		if err != nil || !strings.EqualFold(got, want) {
			s.logger.Warn("discarding corrupt cached archive", "path", path)
			os.Remove(path)
			os.Remove(path + ".sha256")
			continue
		}
		a.Format = format
		a.Path = path
		a.SHA256 = got
		return a, true
	}
	return a, false
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
