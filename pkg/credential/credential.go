// Package credential manages secrets presented to the shared cache store and
// the external practice-management API.
//
// A Credential is either static (no expiry) or rotating. Rotating credentials
// are owned by a Manager, which keeps one cached value, refreshes it a fixed
// margin before it expires and makes sure at most one refresh is in flight.
//
// State machine:
//
//	Invalid ──Get/Refresh──▶ Refreshing ──ok──▶ Valid
//	   ▲                          │
//	   └──────────error───────────┘
//	Valid ──Invalidate / near expiry──▶ Refreshing
package credential

import (
	"context"
	"errors"
	"time"
)

// DefaultRefreshMargin is how long before expiry a rotating credential is
// replaced.
const DefaultRefreshMargin = 5 * time.Minute

// ErrNoCredential is returned by a provider that has nothing to present.
var ErrNoCredential = errors.New("credential: no credential available")

// Credential is a secret plus the principal it authenticates as.
type Credential struct {
	Secret    string
	Principal string
	ExpiresAt time.Time // zero for static secrets
}

// Static reports whether the credential never expires.
func (c Credential) Static() bool {
	return c.ExpiresAt.IsZero()
}

// Expired reports whether the credential can no longer be presented.
func (c Credential) Expired(now time.Time) bool {
	return !c.Static() && !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether now is within margin of the expiry.
func (c Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !c.Static() && !now.Before(c.ExpiresAt.Add(-margin))
}

// Provider obtains a fresh credential from its source of truth.
type Provider interface {
	Fetch(ctx context.Context) (Credential, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Credential, error)

func (f ProviderFunc) Fetch(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// StaticProvider presents a fixed secret.
type StaticProvider struct {
	Secret    string
	Principal string
}

func (p StaticProvider) Fetch(context.Context) (Credential, error) {
	if p.Secret == "" {
		return Credential{}, ErrNoCredential
	}
	return Credential{Secret: p.Secret, Principal: p.Principal}, nil
}
