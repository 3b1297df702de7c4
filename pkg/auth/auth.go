// Package auth holds the bearer credential used for classifier calls.
//
// The credential is handed over by the dashboard and stored as-is. When it
// is a JWT its expiry is checked locally so an expired token is never sent;
// the signature is not verified here, the classifier does that.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/dtnitsch/pagewarden/pkg/storage"
)

// StoreKey holds the credential.
const StoreKey = "authToken"

var (
	ErrNoCredential = errors.New("no credential")
	ErrExpired      = errors.New("credential expired")
)

type record struct {
	Token string    `json:"token"`
	SetAt time.Time `json:"setAt"`
}

// Credential reads and writes the stored bearer token.
type Credential struct {
	store storage.Store
	now   func() time.Time
}

// New returns a Credential backed by store.
func New(store storage.Store) *Credential {
	return &Credential{store: store, now: time.Now}
}

// SetClock replaces the time source; used by tests.
func (c *Credential) SetClock(now func() time.Time) {
	c.now = now
}

// Token returns the current bearer token. It fails with ErrNoCredential when
// none is stored and ErrExpired when a JWT credential is past its expiry.
func (c *Credential) Token(ctx context.Context) (string, error) {
	rec, err := c.load(ctx)
	if err != nil {
		return "", err
	}
	if exp, ok := ExpiresAt(rec.Token); ok && !exp.After(c.now()) {
		return "", fmt.Errorf("%w at %s", ErrExpired, exp.Format(time.RFC3339))
	}
	return rec.Token, nil
}

// Set stores a new token, replacing any previous one.
func (c *Credential) Set(ctx context.Context, token string) error {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return fmt.Errorf("failed to set credential: empty token")
	}

	rec := &record{Token: token, SetAt: c.now()}
	if err := storage.SetJSON(ctx, c.store, StoreKey, rec); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an absent token is not an error.
func (c *Credential) Clear(ctx context.Context) error {
	if err := c.store.Remove(ctx, StoreKey); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

func (c *Credential) load(ctx context.Context) (*record, error) {
	var rec record
	found, err := storage.GetJSON(ctx, c.store, StoreKey, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if !found || rec.Token == "" {
		return nil, ErrNoCredential
	}
	return &rec, nil
}

// ExpiresAt reports the exp claim of a JWT. Opaque tokens and tokens
// without exp report false.
func ExpiresAt(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
