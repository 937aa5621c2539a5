package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CredentialSource exchanges the long-lived refresh credential for a new
// access credential.
type CredentialSource interface {
	Refresh(ctx context.Context) (Credential, error)
}

// CredentialCoordinator owns the only mutable copy of the access credential.
// Every worker calls EnsureFresh before a request; at most one refresh is in
// flight and concurrent callers wait for its result.
type CredentialCoordinator struct {
	source CredentialSource
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current Credential

	flight singleflight.Group
}

// NewCredentialCoordinator creates a coordinator that refreshes credentials
// older than maxAge.
func NewCredentialCoordinator(source CredentialSource, maxAge time.Duration) *CredentialCoordinator {
	return &CredentialCoordinator{
		source: source,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Seed installs a previously issued credential, e.g. one restored from the
// token store at startup. It is used until it ages past maxAge.
func (c *CredentialCoordinator) Seed(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = cred
}

// Current returns the credential without refreshing it.
func (c *CredentialCoordinator) Current() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// EnsureFresh returns a credential younger than maxAge, refreshing if needed.
func (c *CredentialCoordinator) EnsureFresh(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	cred := c.current
	fresh := cred.AccessToken != "" && c.now().Sub(cred.IssuedAt) < c.maxAge
	c.mu.Unlock()

	if fresh {
		return cred, nil
	}
	return c.refresh(ctx, cred.AccessToken)
}

// Invalidate forces a refresh after the API rejected seen. If another
// worker already replaced seen, the newer credential is returned as is.
func (c *CredentialCoordinator) Invalidate(ctx context.Context, seen Credential) (Credential, error) {
	c.mu.Lock()
	cred := c.current
	c.mu.Unlock()

	if cred.AccessToken != "" && cred.AccessToken != seen.AccessToken {
		return cred, nil
	}
	return c.refresh(ctx, seen.AccessToken)
}

// refresh performs one shared refresh. stale is the token the caller saw;
// callers arriving after the refresh landed get the new token directly.
func (c *CredentialCoordinator) refresh(ctx context.Context, stale string) (Credential, error) {
	ch := c.flight.DoChan("refresh", func() (any, error) {
		c.mu.Lock()
		cur := c.current
		c.mu.Unlock()
		if cur.AccessToken != "" && cur.AccessToken != stale && c.now().Sub(cur.IssuedAt) < c.maxAge {
			return cur, nil
		}

		// The shared call outlives any single caller's cancellation.
		cred, err := c.source.Refresh(context.WithoutCancel(ctx))
		if err != nil {
			credentialRefreshes.WithLabelValues("error").Inc()
			return Credential{}, err
		}
		if cred.AccessToken == "" {
			credentialRefreshes.WithLabelValues("error").Inc()
			return Credential{}, errors.New("credential refresh returned empty access token")
		}
		if cred.IssuedAt.IsZero() {
			cred.IssuedAt = c.now()
		}

		c.mu.Lock()
		c.current = cred
		c.mu.Unlock()

		credentialRefreshes.WithLabelValues("ok").Inc()
		slog.Info("access credential refreshed", "realm_id", cred.RealmID)
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// StartRefresher refreshes the credential every interval until ctx is done,
// so long runs never hand workers a token near expiry.
func (c *CredentialCoordinator) StartRefresher(ctx context.Context, interval time.Duration) {
	slog.Info("credential refresher started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("credential refresher stopped")
			return
		case <-ticker.C:
			if _, err := c.refresh(ctx, c.Current().AccessToken); err != nil {
				slog.Error("scheduled credential refresh failed", "error", err)
			}
		}
	}
}
