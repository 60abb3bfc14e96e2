package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cli-tools/pgtap/internal/adapter/pidfile"
	"github.com/cli-tools/pgtap/internal/domain"
)

const (
	prefix    = "pgtap-"
	ownerFile = "owner"
)

// FileStore allocates per-instance workspaces under a base directory.
type FileStore struct {
	baseDir  string
	attempts int
	backoff  time.Duration
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir, attempts: 5, backoff: 50 * time.Millisecond}
}

// BaseDir returns the directory workspaces are created in.
func (s *FileStore) BaseDir() string { return s.baseDir }

func layout(root, id string) domain.Workspace {
	return domain.Workspace{
		ID:      id,
		Root:    root,
		DataDir: filepath.Join(root, "data"),
		RunDir:  filepath.Join(root, "run"),
		LogFile: filepath.Join(root, "server.log"),
	}
}

// Create makes a fresh workspace owned by this process. The directory name is
// kept short because the socket path under run/ must fit the platform limit.
func (s *FileStore) Create() (domain.Workspace, error) {
	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return domain.Workspace{}, fmt.Errorf("create workspace base: %w", err)
	}

	var root, id string
	for i := 0; ; i++ {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		root = filepath.Join(s.baseDir, prefix+id)
		err := os.Mkdir(root, 0700)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || i >= 3 {
			return domain.Workspace{}, fmt.Errorf("create workspace: %w", err)
		}
	}

	ws := layout(root, id)
	for _, dir := range []string{ws.DataDir, ws.RunDir} {
		if err := os.Mkdir(dir, 0700); err != nil {
			os.RemoveAll(root)
			return domain.Workspace{}, fmt.Errorf("create workspace: %w", err)
		}
	}
	owner, err := pidfile.Current()
	if err == nil {
		err = pidfile.Write(filepath.Join(root, ownerFile), owner)
	}
	if err != nil {
		os.RemoveAll(root)
		return domain.Workspace{}, fmt.Errorf("write workspace owner: %w", err)
	}
	return ws, nil
}

// Destroy removes everything in ws. Each path is retried a few times since a
// just-stopped server may still hold files open; failures on one path do not
// stop removal of the others.
func (s *FileStore) Destroy(ws domain.Workspace) error {
	if ws.Root == "" {
		return nil
	}
	var errs *multierror.Error
	for _, p := range []string{ws.DataDir, ws.RunDir, ws.LogFile, ws.Root} {
		if err := s.removeWithRetry(p); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return domain.E(domain.KindCleanup, "destroy workspace "+ws.ID, err)
	}
	return nil
}

func (s *FileStore) removeWithRetry(path string) error {
	var err error
	for i := 0; i < s.attempts; i++ {
		if err = os.RemoveAll(path); err == nil {
			return nil
		}
		time.Sleep(s.backoff * time.Duration(i+1))
	}
	return fmt.Errorf("remove %s: %w", path, err)
}

// List discovers workspaces by globbing pgtap-* and reports whether their
// owning process is still alive.
func (s *FileStore) List() ([]domain.WorkspaceInfo, error) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, prefix+"*"))
	if err != nil {
		return nil, err
	}

	out := make([]domain.WorkspaceInfo, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.IsDir() {
			continue
		}
		id := strings.TrimPrefix(filepath.Base(m), prefix)
		wi := domain.WorkspaceInfo{Workspace: layout(m, id), Created: info.ModTime()}
		if o, err := pidfile.Read(filepath.Join(m, ownerFile)); err == nil {
			wi.OwnerPID = o.PID
			wi.Alive = !o.SameHost() || pidfile.Alive(o.PID)
		}
		out = append(out, wi)
	}
	return out, nil
}
