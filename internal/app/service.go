package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cli-tools/pgtap/internal/domain"
)

// Timeouts bounds each blocking stage of bringing up an instance. Lock waits
// are bounded by the cache directory's own lock options.
type Timeouts struct {
	// Init bounds initdb. Zero means no limit beyond the caller's context.
	Init time.Duration
	// Readiness overrides the configured start timeout when non-zero.
	Readiness time.Duration
	// StopGrace is how long a fast shutdown may take before the server is killed.
	StopGrace time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Init:      2 * time.Minute,
		StopGrace: 10 * time.Second,
	}
}

// Deps are the adapters a Service orchestrates.
type Deps struct {
	Platform   domain.Platform
	Versions   domain.VersionResolver
	Archives   domain.ArchiveStore
	Extractor  domain.Extractor
	Workspaces domain.WorkspaceAllocator
	Runner     domain.ServerRunner
	Probe      domain.ReadinessProbe
	Tokens     domain.TokenGenerator
	Logger     domain.Logger
	Metrics    domain.Metrics
}

// Service orchestrates provisioning and the lifecycle of server instances.
type Service struct {
	platform   domain.Platform
	versions   domain.VersionResolver
	archives   domain.ArchiveStore
	extractor  domain.Extractor
	workspaces domain.WorkspaceAllocator
	runner     domain.ServerRunner
	probe      domain.ReadinessProbe
	tokens     domain.TokenGenerator
	logger     domain.Logger
	metrics    domain.Metrics
	timeouts   Timeouts

	coord     *Coordinator
	providers providers
}

// NewService creates the application service with all dependencies injected.
func NewService(d Deps, timeouts Timeouts) *Service {
	def := DefaultTimeouts()
	if timeouts.StopGrace <= 0 {
		timeouts.StopGrace = def.StopGrace
	}
	s := &Service{
		platform:   d.Platform,
		versions:   d.Versions,
		archives:   d.Archives,
		extractor:  d.Extractor,
		workspaces: d.Workspaces,
		runner:     d.Runner,
		probe:      d.Probe,
		tokens:     d.Tokens,
		logger:     d.Logger,
		metrics:    d.Metrics,
		timeouts:   timeouts,
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	s.coord = NewCoordinator(d.Logger)
	return s
}

type nopMetrics struct{}

func (nopMetrics) CacheLookup(bool)               {}
func (nopMetrics) Extracted(time.Duration, error) {}
func (nopMetrics) Started(time.Duration, error)   {}
func (nopMetrics) Stopped(error)                  {}

// Platform returns the host platform the service provisions for.
func (s *Service) Platform() domain.Platform { return s.platform }

// Coordinator returns the coordinator tracking this service's instances.
func (s *Service) Coordinator() *Coordinator { return s.coord }

// Provision makes sure a ready binary distribution for the requested version
// exists in the cache and returns it. A ready entry is used without locking or
// network access when the version is exact.
func (s *Service) Provision(ctx context.Context, requested string) (domain.Binaries, error) {
	v, err := s.versions.ResolveVersion(ctx, s.platform, requested)
	if err != nil {
		return domain.Binaries{}, err
	}

	for _, p := range s.platform.Candidates() {
		key, err := domain.NewCacheKey(p, v)
		if err != nil {
			return domain.Binaries{}, domain.E(domain.KindResolution, "provision", err)
		}
		if s.extractor.IsReady(key) {
			s.metrics.CacheLookup(true)
			s.logger.Debug("using cached distribution", "key", key)
			return domain.Binaries{Key: key, Platform: p, Version: v, Root: s.extractor.EntryRoot(key)}, nil
		}
	}
	s.metrics.CacheLookup(false)

	archive, err := s.archives.Fetch(ctx, s.platform, v)
	if err != nil {
		return domain.Binaries{}, err
	}
	root, err := s.extractor.EnsureExtracted(ctx, archive)
	if err != nil {
		return domain.Binaries{}, err
	}
	s.logger.Info("distribution ready", "version", v, "platform", archive.Platform, "path", root)
	return domain.Binaries{Key: archive.Key, Platform: archive.Platform, Version: v, Root: root}, nil
}

// Entries lists the cache entries.
func (s *Service) Entries() ([]domain.CacheEntryInfo, error) {
	return s.extractor.Entries()
}

// Workspaces lists instance workspaces on disk, including ones owned by other
// processes.
func (s *Service) Workspaces() ([]domain.WorkspaceInfo, error) {
	return s.workspaces.List()
}

// orphanMinAge protects workspaces that are still being created by another
// process and have no owner record yet.
const orphanMinAge = time.Minute

// Clean stops servers left behind by dead owners and removes their
// workspaces. It returns the number of workspaces removed.
func (s *Service) Clean() (int, error) {
	infos, err := s.workspaces.List()
	if err != nil {
		return 0, fmt.Errorf("list workspaces: %w", err)
	}

	removed := 0
	var errs []error
	for _, wi := range infos {
		if wi.Alive {
			continue
		}
		if wi.OwnerPID == 0 && time.Since(wi.Created) < orphanMinAge {
			continue
		}
		s.logger.Info("removing orphaned workspace", "id", wi.ID, "owner_pid", wi.OwnerPID)
		if err := s.runner.KillOrphan(wi.DataDir); err != nil {
			s.logger.Error("stop orphaned server failed", "id", wi.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		if err := s.workspaces.Destroy(wi.Workspace); err != nil {
			s.logger.Error("remove orphaned workspace failed", "id", wi.ID, "err", err)
			errs = append(errs, err)
			continue
		}
		removed++
	}
	s.logger.Info("cleanup complete", "removed", removed)
	return removed, errors.Join(errs...)
}

// Close stops prepared-database pipelines and tears down every instance this
// service started.
func (s *Service) Close() error {
	s.providers.mu.Lock()
	open := make([]*PreparedProvider, 0, len(s.providers.m))
	for _, p := range s.providers.m {
		open = append(open, p)
	}
	s.providers.mu.Unlock()

	var errs []error
	for _, p := range open {
		errs = append(errs, p.Close())
	}
	errs = append(errs, s.coord.CloseAll())
	return errors.Join(errs...)
}
