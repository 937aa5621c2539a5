// Package auth exchanges the long-lived OAuth refresh token for access
// credentials and keeps the rotated refresh token persisted.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNoToken is returned by TokenStore.LoadToken when nothing is stored.
var ErrNoToken = errors.New("no stored token")

// Token is the persisted OAuth state for one company connection.
type Token struct {
	AccessToken  string
	RefreshToken string
	RealmID      string
	IssuedAt     time.Time
	Expiry       time.Time
}

// TokenStore persists Tokens by key. The refresh token rotates on every
// exchange, so SaveToken must be durable before it returns.
type TokenStore interface {
	LoadToken(ctx context.Context, key string) (Token, error)
	SaveToken(ctx context.Context, key string, tok Token) error
}
