package sessiontoken

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/store"
)

func TestMintResolve_RoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, 3*time.Hour)
	now := time.Unix(1000, 0)

	token, err := svc.Mint(context.Background(), MintParams{
		RoomCode: "ABC123",
		UserID:   "user-1",
		GameType: "ddf",
	}, now)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(token) == 0 {
		t.Fatal("expected non-empty token")
	}

	resolved, err := svc.Resolve(context.Background(), token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.RoomCode != "ABC123" || resolved.UserID != "user-1" || resolved.GameType != "ddf" {
		t.Fatalf("unexpected resolved token: %+v", resolved)
	}
}

func TestResolve_ExpiredReturnsNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, time.Minute)
	now := time.Unix(1000, 0)

	token, _ := svc.Mint(context.Background(), MintParams{RoomCode: "ABC123", UserID: "user-1"}, now)

	_, err := svc.Resolve(context.Background(), token, now.Add(2*time.Minute))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolve_UnknownTokenReturnsNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, time.Hour)

	_, err := svc.Resolve(context.Background(), "nonexistent", time.Unix(1000, 0))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurge_RemovesExpiredOnly(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, time.Minute)
	now := time.Unix(1000, 0)

	_, _ = svc.Mint(context.Background(), MintParams{RoomCode: "ABC123", UserID: "user-1"}, now)
	removed, err := svc.Purge(context.Background(), now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}
