package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// DefaultTokenURL is the Intuit OAuth2 bearer token endpoint.
const DefaultTokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"

// Config configures a Refresher.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RealmID      string
	// SeedRefreshToken is used when the store holds no token yet.
	SeedRefreshToken string
	// Key identifies the stored token row.
	Key string
	// HTTPClient overrides the client used for the token exchange.
	HTTPClient *http.Client
}

// Refresher implements core.CredentialSource with the OAuth2 refresh_token
// grant. Each exchange rotates the refresh token and the new one is saved
// before the access token is handed out.
type Refresher struct {
	oauth  *oauth2.Config
	store  TokenStore
	key    string
	realm  string
	seed   string
	client *http.Client
	now    func() time.Time

	mu sync.Mutex
}

var _ core.CredentialSource = (*Refresher)(nil)

// NewRefresher creates a Refresher persisting tokens in store.
func NewRefresher(cfg Config, store TokenStore) *Refresher {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	key := cfg.Key
	if key == "" {
		key = "default"
	}
	return &Refresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		store:  store,
		key:    key,
		realm:  cfg.RealmID,
		seed:   cfg.SeedRefreshToken,
		client: cfg.HTTPClient,
		now:    time.Now,
	}
}

// Refresh exchanges the current refresh token for a new access credential.
func (r *Refresher) Refresh(ctx context.Context) (core.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.store.LoadToken(ctx, r.key)
	switch {
	case errors.Is(err, ErrNoToken):
		stored = Token{RefreshToken: r.seed}
	case err != nil:
		return core.Credential{}, fmt.Errorf("load token: %w", err)
	}
	if stored.RefreshToken == "" {
		return core.Credential{}, errors.New("no refresh token stored or configured")
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	tok, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode != "" {
			return core.Credential{}, fmt.Errorf("refresh token exchange: %s: %w", re.ErrorCode, err)
		}
		return core.Credential{}, fmt.Errorf("refresh token exchange: %w", err)
	}

	realm := r.realm
	if realm == "" {
		realm = stored.RealmID
	}
	next := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		RealmID:      realm,
		IssuedAt:     r.now(),
		Expiry:       tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = stored.RefreshToken
	}
	if err := r.store.SaveToken(ctx, r.key, next); err != nil {
		return core.Credential{}, fmt.Errorf("save rotated token: %w", err)
	}

	slog.Info("access token refreshed",
		"realm_id", realm,
		"expires_at", tok.Expiry,
		"refresh_rotated", tok.RefreshToken != "" && tok.RefreshToken != stored.RefreshToken,
	)
	return core.Credential{AccessToken: next.AccessToken, RealmID: realm, IssuedAt: next.IssuedAt}, nil
}

// Restore returns the last stored access credential, if any, so a restart
// can reuse it instead of refreshing immediately.
func (r *Refresher) Restore(ctx context.Context) (core.Credential, bool, error) {
	stored, err := r.store.LoadToken(ctx, r.key)
	if errors.Is(err, ErrNoToken) {
		return core.Credential{}, false, nil
	}
	if err != nil {
		return core.Credential{}, false, fmt.Errorf("load token: %w", err)
	}
	if stored.AccessToken == "" {
		return core.Credential{}, false, nil
	}
	if !stored.Expiry.IsZero() && !r.now().Before(stored.Expiry) {
		return core.Credential{}, false, nil
	}
	realm := r.realm
	if realm == "" {
		realm = stored.RealmID
	}
	return core.Credential{AccessToken: stored.AccessToken, RealmID: realm, IssuedAt: stored.IssuedAt}, true, nil
}
