package store

import (
	"context"
	"sync"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
)

// memberKey composes the Member composite key.
type memberKey struct {
	roomCode string
	userID   string
}

// MemoryStore is a single-process, mutex-protected Store. It backs
// single-instance deployments (REDIS_ENABLED=false) and the test suites for
// every package that depends on Store.
type MemoryStore struct {
	mu sync.RWMutex

	rooms   map[string]domain.Room
	members map[memberKey]domain.Member
	tokens  map[string]domain.SessionToken
	events  []domain.Event
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]domain.Room),
		members: make(map[memberKey]domain.Member),
		tokens:  make(map[string]domain.SessionToken),
	}
}

func (s *MemoryStore) RoomCodeExists(_ context.Context, roomCode string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomCode]
	return ok, nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, room domain.Room, host domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.RoomCode]; exists {
		return ErrRoomCodeTaken
	}
	s.rooms[room.RoomCode] = room
	s.members[memberKey{room.RoomCode, host.UserID}] = host
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomCode string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomCode]
	if !ok {
		return domain.Room{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, roomCode string, mutate RoomMutator) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomCode]
	if !ok {
		return domain.Room{}, ErrNotFound
	}
	if err := mutate(&r); err != nil {
		return domain.Room{}, err
	}
	s.rooms[roomCode] = r
	return r, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) ListPublicRooms(ctx context.Context) ([]domain.Room, error) {
	all, err := s.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Room, 0, len(all))
	for _, r := range all {
		if r.IsPublic && r.Status == domain.RoomStatusLobby {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertMember(_ context.Context, member domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey{member.RoomCode, member.UserID}] = member
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, roomCode, userID string) (domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{roomCode, userID}]
	if !ok {
		return domain.Member{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) UpdateMember(_ context.Context, roomCode, userID string, mutate MemberMutator) (domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memberKey{roomCode, userID}
	m, ok := s.members[key]
	if !ok {
		return domain.Member{}, ErrNotFound
	}
	if err := mutate(&m); err != nil {
		return domain.Member{}, err
	}
	s.members[key] = m
	return m, nil
}

func (s *MemoryStore) DeleteMember(_ context.Context, roomCode, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, memberKey{roomCode, userID})
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, roomCode string) ([]domain.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Member, 0)
	for k, m := range s.members {
		if k.roomCode == roomCode {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a snapshot of the appended event log, used by tests.
func (s *MemoryStore) Events() []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) MintSessionToken(_ context.Context, token domain.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Token] = token
	return nil
}

func (s *MemoryStore) ResolveSessionToken(_ context.Context, token string, now time.Time) (domain.SessionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return domain.SessionToken{}, ErrNotFound
	}
	if t.Expired(now) {
		return domain.SessionToken{}, ErrNotFound
	}
	t.LastAccessed = now
	s.tokens[token] = t
	return t, nil
}

func (s *MemoryStore) PurgeExpiredSessionTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, t := range s.tokens {
		if t.Expired(now) {
			delete(s.tokens, k)
			removed++
		}
	}
	return removed, nil
}
