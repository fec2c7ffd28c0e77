// Package fallback fetches a dataset from a primary source with a secondary
// source behind it.
//
// Per call:
//
//	start ──▶ primary ──ok──▶ done
//	             │
//	             ├─auth failure, first time──▶ refresh credential ──▶ primary
//	             │
//	             └─any other failure, or second auth failure──▶ secondary ──▶ done
//
// If the secondary fails too, the caller gets a *SourceError carrying both
// causes.
package fallback

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Source fetches a dataset payload.
type Source func(ctx context.Context) ([]byte, error)

// Refresher replaces a rejected credential.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Chain runs the primary/secondary strategy.
type Chain struct {
	refresher      Refresher
	primaryTimeout time.Duration
	logger         *slog.Logger

	primaryOK, retries, secondaryOK, failures atomic.Uint64
}

// Option configures a Chain.
type Option func(*Chain)

// WithPrimaryTimeout bounds each primary attempt.
func WithPrimaryTimeout(d time.Duration) Option {
	return func(c *Chain) {
		c.primaryTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		c.logger = l
	}
}

// New returns a Chain. refresher may be nil, in which case an auth failure
// goes straight to the secondary.
func New(refresher Refresher, opts ...Option) *Chain {
	c := &Chain{
		refresher: refresher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "fallback")
	return c
}

// Fetch returns the primary's payload, or the secondary's. secondary may be
// nil, in which case the primary's error is returned as is.
func (c *Chain) Fetch(ctx context.Context, dataset string, primary, secondary Source) ([]byte, error) {
	data, err := c.callPrimary(ctx, primary)
	if err == nil {
		c.primaryOK.Add(1)
		return data, nil
	}

	if IsAuthFailure(err) && c.refresher != nil && ctx.Err() == nil {
		c.retries.Add(1)
		if rerr := c.refresher.Refresh(ctx); rerr != nil {
			c.logger.Warn("credential refresh failed", "dataset", dataset, "error", rerr)
		} else {
			data, err = c.callPrimary(ctx, primary)
			if err == nil {
				c.primaryOK.Add(1)
				return data, nil
			}
		}
	}

	if secondary == nil {
		c.failures.Add(1)
		return nil, err
	}

	c.logger.Info("primary source failed, using secondary", "dataset", dataset, "error", err)
	data, serr := secondary(ctx)
	if serr != nil {
		c.failures.Add(1)
		return nil, &SourceError{Dataset: dataset, Primary: err, Secondary: serr}
	}
	c.secondaryOK.Add(1)
	return data, nil
}

func (c *Chain) callPrimary(ctx context.Context, primary Source) ([]byte, error) {
	if c.primaryTimeout <= 0 {
		return primary(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, c.primaryTimeout)
	defer cancel()
	return primary(ctx)
}

// Stats is a snapshot of Chain outcomes.
type Stats struct {
	PrimaryOK   uint64 `json:"primary_ok"`
	AuthRetries uint64 `json:"auth_retries"`
	SecondaryOK uint64 `json:"secondary_ok"`
	Failures    uint64 `json:"failures"`
}

func (c *Chain) Stats() Stats {
	return Stats{
		PrimaryOK:   c.primaryOK.Load(),
		AuthRetries: c.retries.Load(),
		SecondaryOK: c.secondaryOK.Load(),
		Failures:    c.failures.Load(),
	}
}
