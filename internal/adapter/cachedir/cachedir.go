package cachedir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/cli-tools/pgtap/internal/adapter/pidfile"
	"github.com/cli-tools/pgtap/internal/domain"
)

// LockFile is the name of the owner marker inside a cache entry.
const LockFile = "lock"

// LockOptions tunes lock waiting and stale-lock detection.
type LockOptions struct {
	// Timeout bounds how long Acquire waits for another holder.
	Timeout time.Duration
	// GracePeriod is how old a lock of a dead local process must be before it
	// is reclaimed.
	GracePeriod time.Duration
	// StaleAfter reclaims any lock whose heartbeat stopped this long ago,
	// including locks written on other hosts.
	StaleAfter time.Duration
	// Heartbeat is how often a holder refreshes its lock.
	Heartbeat      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultLockOptions returns the production lock settings.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:        5 * time.Minute,
		GracePeriod:    10 * time.Second,
		StaleAfter:     2 * time.Minute,
		Heartbeat:      15 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

func (o LockOptions) withDefaults() LockOptions {
	d := DefaultLockOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = d.GracePeriod
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = d.Heartbeat
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = d.MaxBackoff
	}
	return o
}

// Directory is the shared on-disk cache root. Entries live at <root>/<key>.
type Directory struct {
	root   string
	opts   LockOptions
	logger domain.Logger
}

// New creates a cache directory rooted at root. Zero option fields take defaults.
func New(root string, opts LockOptions, logger domain.Logger) *Directory {
	return &Directory{root: root, opts: opts.withDefaults(), logger: logger}
}

// Root returns the cache root.
func (d *Directory) Root() string { return d.root }

// PathFor returns the entry directory for key.
func (d *Directory) PathFor(key domain.CacheKey) string {
	return filepath.Join(d.root, string(key))
}

type heldKey struct {
	root string
	key  domain.CacheKey
}

// Held reports whether ctx already carries the lock for key.
func (d *Directory) Held(ctx context.Context, key domain.CacheKey) bool {
	return ctx.Value(heldKey{d.root, key}) != nil
}

var errHeld = errors.New("lock held by another owner")

// Acquire takes the cross-process lock for key, waiting up to the configured
// timeout. The returned context records the hold; acquiring the same key with
// it again returns a nested handle whose Release does nothing.
func (d *Directory) Acquire(ctx context.Context, key domain.CacheKey) (context.Context, domain.Lock, error) {
	if d.Held(ctx, key) {
		return ctx, nestedLock{}, nil
	}

	entry := d.PathFor(key)
	if err := os.MkdirAll(entry, 0755); err != nil {
		return ctx, nil, fmt.Errorf("create cache entry: %w", err)
	}
	path := filepath.Join(entry, LockFile)

	owner, err := pidfile.Current()
	if err != nil {
		return ctx, nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = d.opts.Timeout

	var holder pidfile.Owner
	waiting := false
	op := func() error {
		err := pidfile.Create(path, owner)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return backoff.Permanent(fmt.Errorf("create lock file: %w", err))
		}
		if d.reclaimIfStale(path) {
			if err := pidfile.Create(path, owner); err == nil {
				return nil
			}
		}
		holder, _ = pidfile.Read(path)
		if !waiting {
			waiting = true
			d.logger.Info("waiting for cache lock", "key", key, "holder_pid", holder.PID, "holder_host", holder.Host)
		}
		return errHeld
	}

	start := time.Now()
	err = backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx, nil, fmt.Errorf("acquire cache lock %s: %w", key, ctx.Err())
		}
		if errors.Is(err, errHeld) {
			return ctx, nil, domain.Errorf(domain.KindLockTimeout, "acquire",
				"cache entry %s still locked by pid %d on %q after %s", key, holder.PID, holder.Host, time.Since(start).Round(time.Millisecond))
		}
		return ctx, nil, err
	}
	if waiting {
		d.logger.Info("acquired cache lock", "key", key, "waited", time.Since(start).Round(time.Millisecond))
	}

	l := &fileLock{path: path, owner: owner, logger: d.logger, stop: make(chan struct{}), done: make(chan struct{})}
	go l.heartbeat(d.opts.Heartbeat)
	return context.WithValue(ctx, heldKey{d.root, key}, true), l, nil
}

// reclaimIfStale removes the lock at path when its owner is gone. Reclaiming
// is serialized across processes by a guard file so two waiters cannot both
// remove a lock and both believe they created the next one.
func (d *Directory) reclaimIfStale(path string) bool {
	guard := flock.New(path + ".guard")
	locked, err := guard.TryLock()
	if err != nil || !locked {
		return false
	}
	defer guard.Unlock()

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err != nil {
		return false
	}
	age := time.Since(info.ModTime())

	o, readErr := pidfile.Read(path)
	var reason string
	switch {
	case readErr != nil && age >= d.opts.GracePeriod:
		reason = "unreadable owner record"
	case readErr == nil && o.SameHost() && !pidfile.Alive(o.PID) && age >= d.opts.GracePeriod:
		reason = "owner process exited"
	case age >= d.opts.StaleAfter:
		reason = "heartbeat expired"
	default:
		return false
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("failed to remove stale lock", "path", path, "err", err)
		return false
	}
	d.logger.Warn("reclaimed stale cache lock", "path", path, "pid", o.PID, "host", o.Host, "age", age.Round(time.Millisecond), "reason", reason)
	return true
}

// fileLock is a held lock file kept fresh by a heartbeat goroutine.
type fileLock struct {
	path   string
	owner  pidfile.Owner
	logger domain.Logger

	once sync.Once
	stop chan struct{}
	done chan struct{}
	err  error
}

func (l *fileLock) heartbeat(every time.Duration) {
	defer close(l.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-t.C:
			if err := os.Chtimes(l.path, now, now); err != nil {
				l.logger.Warn("cache lock heartbeat failed", "path", l.path, "err", err)
			}
		}
	}
}

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *fileLock) Release() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		cur, err := pidfile.Read(l.path)
		if errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("release %s: lock file already removed", l.path)
			return
		}
		if err == nil && cur.Nonce != l.owner.Nonce {
			l.err = fmt.Errorf("release %s: lock was reclaimed by pid %d", l.path, cur.PID)
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("release %s: %w", l.path, err)
		}
	})
	return l.err
}

type nestedLock struct{}

func (nestedLock) Release() error { return nil }
