// Package probe decides when a freshly started server accepts connections.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/cli-tools/pgtap/internal/domain"
)

// DefaultInterval is the delay between readiness checks.
const DefaultInterval = 100 * time.Millisecond

// attemptTimeout bounds a single check so a wedged connect cannot eat the
// whole readiness budget.
const attemptTimeout = 2 * time.Second

// Check reports nil once the server behind ep is ready.
type Check func(ctx context.Context, ep domain.Endpoint) error

// Poller runs a Check until it passes, the process exits or time runs out.
type Poller struct {
	check    Check
	interval time.Duration
	logger   domain.Logger
}

// New creates a poller for check.
func New(check Check, logger domain.Logger) *Poller {
	return &Poller{check: check, interval: DefaultInterval, logger: logger}
}

// WithInterval returns a copy of p polling at d.
func (p *Poller) WithInterval(d time.Duration) *Poller {
	cp := *p
	cp.interval = d
	return &cp
}

// AwaitReady polls until ready. A closed exited channel wins over a passing
// check, so a server that died after writing its ready marker is not reported
// ready. Running out of time yields ProbeTimedOut with a nil error;
// cancellation of ctx yields ProbeTimedOut with ctx's error.
func (p *Poller) AwaitReady(ctx context.Context, ep domain.Endpoint, exited <-chan struct{}, timeout time.Duration) (domain.ProbeResult, error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last error
	for attempt := 1; ; attempt++ {
		select {
		case <-exited:
			return domain.ProbeProcessExited, nil
		default:
		}

		actx, cancel := context.WithTimeout(ctx, attemptTimeout)
		last = p.check(actx, ep)
		cancel()
		if last == nil {
			select {
			case <-exited:
				return domain.ProbeProcessExited, nil
			default:
			}
			p.logger.Debug("server ready", "attempts", attempt)
			return domain.ProbeReady, nil
		}

		select {
		case <-exited:
			return domain.ProbeProcessExited, nil
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return domain.ProbeTimedOut, err
			}
			p.logger.Debug("readiness timed out", "attempts", attempt, "last_err", last)
			return domain.ProbeTimedOut, nil
		case <-ticker.C:
		}
	}
}

// All passes only when every check passes.
func All(checks ...Check) Check {
	return func(ctx context.Context, ep domain.Endpoint) error {
		var errs []error
		for _, c := range checks {
			if err := c(ctx, ep); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
