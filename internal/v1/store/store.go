// Package store defines the Store the Lobby Manager, Session Token Service,
// and reapers use for durable state: Rooms, Members, Session Tokens, and the
// append-only Event log. Two implementations exist: an in-memory Store for
// single-instance mode and tests, and a Redis-backed Store for multi-instance
// deployments.
package store

import (
	"context"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
)

// ErrRoomCodeTaken is returned by CreateRoom when the room code already
// exists; callers retry with a freshly generated code.
var ErrRoomCodeTaken = &storeError{"room code already taken"}

// ErrNotFound is returned by lookups that find nothing, distinct from
// domain.Error because the Store has no opinion on whether "not found" is
// a Validation, RoomNotFound, or NotFound kind at the call site.
var ErrNotFound = &storeError{"not found"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }

// RoomMutator inspects and optionally modifies a Room under the Store's
// per-row conditional-update guarantee. Returning an error aborts the
// update and the Store's prior state is left untouched.
type RoomMutator func(*domain.Room) error

// MemberMutator is the Member analogue of RoomMutator.
type MemberMutator func(*domain.Member) error

// Store is the durable persistence boundary. Every method that depends on
// prior state uses a conditional update internally (optimistic concurrency
// keyed on the row's last-known state), so concurrent callers never observe
// a lost update — the Lobby Manager still must serialize its own
// read-decide-write sequence per room via its actor, since a single Store
// call is atomic but a multi-call decision (e.g. "is there room, then
// insert") is not.
type Store interface {
	// RoomCodeExists reports whether a room with this code is already
	// registered, used by the room-code generator's collision retry.
	RoomCodeExists(ctx context.Context, roomCode string) (bool, error)

	// CreateRoom inserts a new Room together with its host Member in one
	// atomic step. Returns ErrRoomCodeTaken if the code collides.
	CreateRoom(ctx context.Context, room domain.Room, host domain.Member) error

	// GetRoom fetches a Room by code. Returns ErrNotFound if absent.
	GetRoom(ctx context.Context, roomCode string) (domain.Room, error)

	// UpdateRoom applies mutate to the current Room under a conditional
	// update and persists the result. Returns ErrNotFound if absent.
	UpdateRoom(ctx context.Context, roomCode string, mutate RoomMutator) (domain.Room, error)

	// ListRooms returns every non-deleted room, used by the periodic
	// reapers. Implementations may page internally; callers treat the
	// result as a point-in-time snapshot.
	ListRooms(ctx context.Context) ([]domain.Room, error)

	// ListPublicRooms returns rooms with IsPublic=true and status=lobby,
	// for the room discovery surface.
	ListPublicRooms(ctx context.Context) ([]domain.Room, error)

	// UpsertMember inserts or replaces a Member row.
	UpsertMember(ctx context.Context, member domain.Member) error

	// GetMember fetches a Member by (roomCode, userID). Returns
	// ErrNotFound if absent.
	GetMember(ctx context.Context, roomCode, userID string) (domain.Member, error)

	// UpdateMember applies mutate to the current Member under a
	// conditional update. Returns ErrNotFound if absent.
	UpdateMember(ctx context.Context, roomCode, userID string, mutate MemberMutator) (domain.Member, error)

	// DeleteMember removes a Member row (explicit leave / kick).
	DeleteMember(ctx context.Context, roomCode, userID string) error

	// ListMembers returns every Member of a room.
	ListMembers(ctx context.Context, roomCode string) ([]domain.Member, error)

	// AppendEvent appends an audit row. Never fails the caller's
	// transition; implementations should log on failure rather than
	// propagate, but the signature still returns error so callers in
	// tests can assert on it.
	AppendEvent(ctx context.Context, event domain.Event) error

	// MintSessionToken inserts a new Session Token row.
	MintSessionToken(ctx context.Context, token domain.SessionToken) error

	// ResolveSessionToken fetches a token and updates LastAccessed in the
	// same call. Returns ErrNotFound if absent or expired.
	ResolveSessionToken(ctx context.Context, token string, now time.Time) (domain.SessionToken, error)

	// PurgeExpiredSessionTokens deletes rows with ExpiresAt < now and
	// returns the count removed.
	PurgeExpiredSessionTokens(ctx context.Context, now time.Time) (int, error)
}
