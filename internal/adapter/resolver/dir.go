package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cli-tools/pgtap/internal/domain"
)

var dirExtensions = []string{".txz", ".tar.xz", ".tgz", ".tar.gz", ".jar"}

// DirResolver serves archives named postgres-<platform>-<version>.<ext> from a
// local directory. A sibling <file>.sha256 supplies the checksum when present.
type DirResolver struct {
	dir string
}

// NewDirResolver creates a resolver over dir.
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{dir: dir}
}

// Name identifies the resolver in logs and errors.
func (r *DirResolver) Name() string { return "dir " + r.dir }

func (r *DirResolver) prefix(p domain.Platform) string {
	return "postgres-" + p.String() + "-"
}

// Resolve opens the archive for p and v.
func (r *DirResolver) Resolve(_ context.Context, p domain.Platform, v string) (*domain.Artifact, error) {
	for _, ext := range dirExtensions {
		path := filepath.Join(r.dir, r.prefix(p)+v+ext)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, domain.E(domain.KindResolution, r.Name(), err)
		}

		sum, err := readSidecar(path + ".sha256")
		if err != nil {
			f.Close()
			return nil, domain.E(domain.KindResolution, r.Name(), err)
		}
		format, _ := domain.FormatFromName(path)
		return &domain.Artifact{
			Platform: p,
			Version:  v,
			Format:   format,
			Source:   path,
			SHA256:   sum,
			Body:     f,
		}, nil
	}
	return nil, domain.Errorf(domain.KindResolution, r.Name(), "no archive for postgres %s on %s", v, p)
}

// ResolveVersion picks among the versions present in the directory.
func (r *DirResolver) ResolveVersion(_ context.Context, p domain.Platform, requested string) (string, error) {
	if err := ValidateRequest(requested); err != nil {
		return "", domain.E(domain.KindResolution, r.Name(), err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", domain.E(domain.KindResolution, r.Name(), err)
	}

	prefix := r.prefix(p)
	var available []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		for _, ext := range dirExtensions {
			if v, ok := strings.CutSuffix(rest, ext); ok {
				available = append(available, v)
				break
			}
		}
	}
	v, err := SelectVersion(requested, available)
	if err != nil {
		return "", domain.E(domain.KindResolution, r.Name(), err)
	}
	return v, nil
}

func readSidecar(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read checksum: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), nil
}
