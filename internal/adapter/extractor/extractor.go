package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sync/singleflight"

	"github.com/cli-tools/pgtap/internal/domain"
)

const (
	// DistDir holds the extracted distribution inside a cache entry.
	DistDir = "dist"
	// ReadyFile marks a complete entry. It is written last and removed first.
	ReadyFile = "READY"
)

// requiredBinaries must exist in bin/ for an entry to count as ready.
var requiredBinaries = []string{"initdb", "postgres"}

// readyMarker is the content of ReadyFile.
type readyMarker struct {
	Key           string    `toml:"key"`
	Platform      string    `toml:"platform"`
	Version       string    `toml:"version"`
	ArchiveSHA256 string    `toml:"archive_sha256"`
	ExtractedAt   time.Time `toml:"extracted_at"`
	PID           int       `toml:"pid"`
}

// LockedExtractor populates cache entries under the entry's cross-process
// lock. Observers see an entry either absent or completely ready.
type LockedExtractor struct {
	cache   domain.CacheLocker
	logger  domain.Logger
	metrics domain.Metrics
	group   singleflight.Group
}

// NewLockedExtractor creates an extractor over cache.
func NewLockedExtractor(cache domain.CacheLocker, logger domain.Logger, metrics domain.Metrics) *LockedExtractor {
	return &LockedExtractor{cache: cache, logger: logger, metrics: metrics}
}

// EntryRoot returns the distribution root of key's entry.
func (e *LockedExtractor) EntryRoot(key domain.CacheKey) string {
	return filepath.Join(e.cache.PathFor(key), DistDir)
}

// IsReady reports whether key's entry is complete and usable.
func (e *LockedExtractor) IsReady(key domain.CacheKey) bool {
	return e.State(key) == domain.EntryReady
}

// State inspects key's entry without locking.
func (e *LockedExtractor) State(key domain.CacheKey) domain.EntryState {
	entry := e.cache.PathFor(key)
	if _, err := readMarker(filepath.Join(entry, ReadyFile)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return domain.EntryCorrupt
		}
		if _, err := os.Stat(filepath.Join(entry, "lock")); err == nil {
			return domain.EntryExtracting
		}
		return domain.EntryAbsent
	}
	if missing := missingBinaries(filepath.Join(entry, DistDir)); len(missing) > 0 {
		return domain.EntryCorrupt
	}
	return domain.EntryReady
}

// EnsureExtracted returns the distribution root for a.Key, extracting a first
// if needed. Concurrent callers in this process share one attempt; callers in
// other processes wait on the entry lock. Cancelling ctx abandons the wait for
// this caller only: the shared attempt keeps running for the others, bounded
// by the cache lock timeout.
func (e *LockedExtractor) EnsureExtracted(ctx context.Context, a domain.Archive) (string, error) {
	ch := e.group.DoChan(string(a.Key), func() (any, error) {
		return e.ensure(context.WithoutCancel(ctx), a)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("extract %s: %w", a.Key, ctx.Err())
	}
}

func (e *LockedExtractor) ensure(ctx context.Context, a domain.Archive) (root string, err error) {
	root = e.EntryRoot(a.Key)
	if e.IsReady(a.Key) {
		e.metrics.CacheLookup(true)
		return root, nil
	}
	e.metrics.CacheLookup(false)

	lctx, lock, err := e.cache.Acquire(ctx, a.Key)
	if err != nil {
		return "", err
	}
	defer func() {
		if unlockErr := lock.Release(); unlockErr != nil {
			e.logger.Warn("release cache lock", "key", a.Key, "err", unlockErr)
			if err == nil {
				root, err = "", unlockErr
			}
		}
	}()

	entry := e.cache.PathFor(a.Key)
	switch e.State(a.Key) {
	case domain.EntryReady:
		e.logger.Debug("entry populated by another process", "key", a.Key)
		return root, nil
	case domain.EntryCorrupt:
		e.logger.Warn("cache entry corrupt, re-extracting", "key", a.Key)
		if err := os.Remove(filepath.Join(entry, ReadyFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", domain.E(domain.KindExtraction, "extract", err)
		}
	}
	if err := e.sweep(entry); err != nil {
		return "", domain.E(domain.KindExtraction, "extract", err)
	}

	start := time.Now()
	err = e.extract(lctx, a, entry)
	e.metrics.Extracted(time.Since(start), err)
	if err != nil {
		return "", err
	}
	return root, nil
}

// sweep removes leftovers of interrupted attempts: temp dirs and a dist dir
// that never got its ready marker.
func (e *LockedExtractor) sweep(entry string) error {
	temps, _ := filepath.Glob(filepath.Join(entry, ".extract-*"))
	for _, t := range temps {
		e.logger.Debug("removing abandoned extraction", "path", t)
		if err := os.RemoveAll(t); err != nil {
			return err
		}
	}
	return os.RemoveAll(filepath.Join(entry, DistDir))
}

func (e *LockedExtractor) extract(ctx context.Context, a domain.Archive, entry string) error {
	tmpDir, err := os.MkdirTemp(entry, ".extract-*")
	if err != nil {
		return domain.Errorf(domain.KindExtraction, "extract", "create temp dir: %w", err)
	}

	e.logger.Info("extracting postgres", "archive", a.Path, "key", a.Key)

	if err := unpack(ctx, a, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return domain.Errorf(domain.KindExtraction, "extract", "unpack %s: %w", a.Path, err)
	}

	distRoot := findDistRoot(tmpDir)
	if missing := missingBinaries(distRoot); len(missing) > 0 {
		os.RemoveAll(tmpDir)
		return domain.Errorf(domain.KindExtraction, "extract",
			"archive missing bin/%s; corrupt download? delete %s and retry", strings.Join(missing, ", bin/"), a.Path)
	}
	if err := makeExecutable(filepath.Join(distRoot, "bin")); err != nil {
		os.RemoveAll(tmpDir)
		return domain.Errorf(domain.KindExtraction, "extract", "set permissions: %w", err)
	}

	if err := os.Rename(distRoot, filepath.Join(entry, DistDir)); err != nil {
		os.RemoveAll(tmpDir)
		return domain.Errorf(domain.KindExtraction, "extract", "rename extracted dir: %w", err)
	}
	os.RemoveAll(tmpDir)

	marker := readyMarker{
		Key:           string(a.Key),
		Platform:      a.Platform.String(),
		Version:       a.Version,
		ArchiveSHA256: a.SHA256,
		ExtractedAt:   time.Now().UTC(),
		PID:           os.Getpid(),
	}
	if err := writeMarker(filepath.Join(entry, ReadyFile), marker); err != nil {
		os.RemoveAll(filepath.Join(entry, DistDir))
		return domain.Errorf(domain.KindExtraction, "extract", "write ready marker: %w", err)
	}

	e.logger.Info("extraction complete", "path", filepath.Join(entry, DistDir))
	return nil
}

// Entries lists every cache entry under the root.
func (e *LockedExtractor) Entries() ([]domain.CacheEntryInfo, error) {
	dirents, err := os.ReadDir(e.cache.Root())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.CacheEntryInfo
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		key := domain.CacheKey(d.Name())
		out = append(out, domain.CacheEntryInfo{Key: key, Path: e.cache.PathFor(key), State: e.State(key)})
	}
	return out, nil
}

// findDistRoot accepts archives with a single top-level directory, like
// tar --strip-components=1 would.
func findDistRoot(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, "bin")); err == nil {
		return dir
	}
	ents, err := os.ReadDir(dir)
	if err != nil || len(ents) != 1 || !ents[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, ents[0].Name())
}

func missingBinaries(root string) []string {
	var missing []string
	for _, name := range requiredBinaries {
		found := false
		for _, suffix := range []string{"", ".exe"} {
			if info, err := os.Stat(filepath.Join(root, "bin", name+suffix)); err == nil && !info.IsDir() {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}

func makeExecutable(binDir string) error {
	ents, err := os.ReadDir(binDir)
	if err != nil {
		return err
	}
	for _, d := range ents {
		if !d.Type().IsRegular() {
			continue
		}
		if err := os.Chmod(filepath.Join(binDir, d.Name()), 0755); err != nil {
			return err
		}
	}
	return nil
}

func readMarker(path string) (readyMarker, error) {
	var m readyMarker
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return m, err
	}
	if m.Key == "" {
		return m, fmt.Errorf("ready marker %s has no key", path)
	}
	return m, nil
}

func writeMarker(path string, m readyMarker) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ready-*")
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(tmp).Encode(m); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
