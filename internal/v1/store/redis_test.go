package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client), mr
}

func TestRedisStore_CreateRoom_DuplicateCodeTaken(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.CreateRoom(ctx, newTestRoom("ABC123"), newTestHost("ABC123")))

	err := s.CreateRoom(ctx, newTestRoom("ABC123"), newTestHost("ABC123"))
	if !errors.Is(err, ErrRoomCodeTaken) {
		t.Fatalf("expected ErrRoomCodeTaken, got %v", err)
	}
}

func TestRedisStore_GetRoom_RoundTrip(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	room := newTestRoom("ABC123")
	require.NoError(t, s.CreateRoom(ctx, room, newTestHost("ABC123")))

	fetched, err := s.GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	if fetched.RoomCode != "ABC123" || fetched.HostID != "host-1" {
		t.Fatalf("unexpected room: %+v", fetched)
	}
}

func TestRedisStore_GetRoom_NotFound(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()

	_, err := s.GetRoom(context.Background(), "NOPE99")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_UpdateRoom_AppliesMutation(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, newTestRoom("ABC123"), newTestHost("ABC123")))

	updated, err := s.UpdateRoom(ctx, "ABC123", func(r *domain.Room) error {
		r.Status = domain.RoomStatusInGame
		return nil
	})
	require.NoError(t, err)
	if updated.Status != domain.RoomStatusInGame {
		t.Fatalf("expected in_game, got %s", updated.Status)
	}

	fetched, err := s.GetRoom(ctx, "ABC123")
	require.NoError(t, err)
	if fetched.Status != domain.RoomStatusInGame {
		t.Fatal("mutation was not persisted")
	}
}

func TestRedisStore_UpdateRoom_NotFound(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()

	_, err := s.UpdateRoom(context.Background(), "NOPE99", func(r *domain.Room) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_ListPublicRooms_FiltersPrivateAndNonLobby(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	pub := newTestRoom("PUB001")
	priv := newTestRoom("PRV001")
	priv.IsPublic = false
	inGame := newTestRoom("GAM001")
	inGame.Status = domain.RoomStatusInGame

	require.NoError(t, s.CreateRoom(ctx, pub, newTestHost("PUB001")))
	require.NoError(t, s.CreateRoom(ctx, priv, newTestHost("PRV001")))
	require.NoError(t, s.CreateRoom(ctx, inGame, newTestHost("GAM001")))

	rooms, err := s.ListPublicRooms(ctx)
	require.NoError(t, err)
	if len(rooms) != 1 || rooms[0].RoomCode != "PUB001" {
		t.Fatalf("expected only PUB001, got %+v", rooms)
	}
}

func TestRedisStore_MemberLifecycle(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, newTestRoom("ABC123"), newTestHost("ABC123")))

	player := domain.Member{RoomCode: "ABC123", UserID: "user-2", Role: domain.RolePlayer}
	require.NoError(t, s.UpsertMember(ctx, player))

	members, err := s.ListMembers(ctx, "ABC123")
	require.NoError(t, err)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	updated, err := s.UpdateMember(ctx, "ABC123", "user-2", func(m *domain.Member) error {
		m.IsReady = true
		return nil
	})
	require.NoError(t, err)
	if !updated.IsReady {
		t.Fatal("expected IsReady true")
	}

	require.NoError(t, s.DeleteMember(ctx, "ABC123", "user-2"))
	if _, err := s.GetMember(ctx, "ABC123", "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRedisStore_SessionTokenLifecycle(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()
	now := time.Now()

	tok := domain.SessionToken{
		Token:     "tok-1",
		RoomCode:  "ABC123",
		UserID:    "host-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, s.MintSessionToken(ctx, tok))

	resolved, err := s.ResolveSessionToken(ctx, "tok-1", now.Add(10*time.Second))
	require.NoError(t, err)
	if resolved.RoomCode != "ABC123" {
		t.Fatalf("unexpected resolved token: %+v", resolved)
	}

	mr.FastForward(2 * time.Minute)
	_, err = s.ResolveSessionToken(ctx, "tok-1", now.Add(2*time.Minute))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired token to resolve as ErrNotFound, got %v", err)
	}
}

func TestRedisStore_PurgeExpiredSessionTokens_ReconcilesIndex(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.MintSessionToken(ctx, domain.SessionToken{Token: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.MintSessionToken(ctx, domain.SessionToken{Token: "dead", ExpiresAt: now.Add(time.Second)}))

	mr.FastForward(2 * time.Second)

	removed, err := s.PurgeExpiredSessionTokens(ctx, now.Add(2*time.Second))
	require.NoError(t, err)
	if removed != 1 {
		t.Fatalf("expected 1 removed (Redis TTL already evicted it), got %d", removed)
	}
}

func TestRedisStore_AppendEvent(t *testing.T) {
	s, mr := newTestRedisStore(t)
	defer mr.Close()

	err := s.AppendEvent(context.Background(), domain.Event{ID: "e1", RoomCode: "ABC123", EventType: "room_created"})
	require.NoError(t, err)
}
