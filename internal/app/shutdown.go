package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/cli-tools/pgtap/internal/domain"
)

// Coordinator tracks live instances so they can be torn down together, for
// example when the process receives a termination signal. Each instance's
// teardown still runs at most once.
type Coordinator struct {
	logger domain.Logger

	mu        sync.Mutex
	instances map[*Instance]struct{}

	// reraise delivers the caught signal again once instances are gone.
	reraise func(os.Signal)
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger domain.Logger) *Coordinator {
	return &Coordinator{
		logger:    logger,
		instances: make(map[*Instance]struct{}),
		reraise:   reraise,
	}
}

func (c *Coordinator) register(i *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[i] = struct{}{}
}

func (c *Coordinator) unregister(i *Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, i)
}

// Active returns the number of instances not yet torn down.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// CloseAll tears down every registered instance concurrently.
func (c *Coordinator) CloseAll() error {
	c.mu.Lock()
	live := make([]*Instance, 0, len(c.instances))
	for i := range c.instances {
		live = append(live, i)
	}
	c.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for _, inst := range live {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.teardown(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}(inst)
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

// WatchSignals tears down all instances when SIGINT or SIGTERM arrives and
// then re-raises the signal so the process exits the way it would have. The
// returned function stops watching. Watching also ends when ctx is done.
func (c *Coordinator) WatchSignals(ctx context.Context) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(stopped) }) }

	go func() {
		defer signal.Stop(ch)
		c.watch(ctx, ch, stopped)
	}()
	return stop
}

func (c *Coordinator) watch(ctx context.Context, ch <-chan os.Signal, stopped <-chan struct{}) {
	select {
	case sig := <-ch:
		c.logger.Warn("signal received, tearing down instances", "signal", sig, "active", c.Active())
		if err := c.CloseAll(); err != nil {
			c.logger.Error("teardown on signal failed", "err", err)
		}
		c.reraise(sig)
	case <-ctx.Done():
	case <-stopped:
	}
}

// reraise restores default handling and sends sig to the current process.
func reraise(sig os.Signal) {
	signal.Reset(sig)
	p, err := os.FindProcess(os.Getpid())
	if err == nil {
		err = p.Signal(sig)
	}
	if err != nil {
		os.Exit(1)
	}
}
