package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/cli-tools/pgtap/internal/domain"
)

// Chain tries resolvers in order; the first success wins.
type Chain struct {
	resolvers []domain.ArchiveResolver
	logger    domain.Logger
}

// NewChain creates a chain over resolvers.
func NewChain(logger domain.Logger, resolvers ...domain.ArchiveResolver) *Chain {
	return &Chain{resolvers: resolvers, logger: logger}
}

// Name identifies the chain in logs and errors.
func (c *Chain) Name() string { return "chain" }

// Resolve returns the first artifact any resolver produces. If all fail the
// individual failures are reported together.
func (c *Chain) Resolve(ctx context.Context, p domain.Platform, v string) (*domain.Artifact, error) {
	var errs *multierror.Error
	for _, r := range c.resolvers {
		a, err := r.Resolve(ctx, p, v)
		if err == nil {
			c.logger.Debug("resolved archive", "resolver", r.Name(), "source", a.Source)
			return a, nil
		}
		if ctx.Err() != nil {
			return nil, domain.E(domain.KindResolution, "resolve", ctx.Err())
		}
		c.logger.Debug("resolver miss", "resolver", r.Name(), "err", err)
		errs = multierror.Append(errs, err)
	}
	if errs == nil {
		return nil, domain.Errorf(domain.KindResolution, "resolve", "no resolvers configured")
	}
	return nil, domain.E(domain.KindResolution, "resolve", fmt.Errorf("postgres %s for %s: %w", v, p, errs.ErrorOrNil()))
}

// ResolveVersion asks each resolver that can list releases, in order.
func (c *Chain) ResolveVersion(ctx context.Context, p domain.Platform, requested string) (string, error) {
	if err := ValidateRequest(requested); err != nil {
		return "", domain.E(domain.KindResolution, "resolve version", err)
	}
	if IsExact(requested) {
		return strings.TrimSpace(requested), nil
	}
	var errs *multierror.Error
	for _, r := range c.resolvers {
		vr, ok := r.(domain.VersionResolver)
		if !ok {
			continue
		}
		v, err := vr.ResolveVersion(ctx, p, requested)
		if err == nil {
			return v, nil
		}
		errs = multierror.Append(errs, err)
	}
	if errs == nil {
		return "", domain.Errorf(domain.KindResolution, "resolve version", "no resolver can list releases for %q", requested)
	}
	return "", domain.E(domain.KindResolution, "resolve version", errs.ErrorOrNil())
}
