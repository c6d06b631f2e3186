package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Key layout: each Room and Member is a JSON string value under its own
// key, with secondary sets tracking the membership of a room and the set of
// every room code, so ListRooms/ListMembers never need a KEYS scan.
const (
	roomKeyPrefix     = "gb:room:"
	memberKeyPrefix   = "gb:member:"
	roomMembersPrefix = "gb:room-members:"
	roomIndexKey      = "gb:rooms"
	tokenKeyPrefix    = "gb:token:"
	tokenIndexKey     = "gb:tokens"
	eventListPrefix   = "gb:events:"
)

// RedisStore is the multi-instance Store backed by Redis, used whenever
// REDIS_ENABLED=true. Conditional updates run inside a WATCH/MULTI
// transaction so UpdateRoom/UpdateMember never lose a concurrent write; the
// Lobby Manager's per-room actor is what actually prevents most contention,
// this is the second line of defense for deployments with more than one
// core instance.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore wraps an already-connected Redis client with the same
// circuit-breaker pattern the bus package uses.
func NewRedisStore(client *redis.Client) *RedisStore {
	st := gobreaker.Settings{
		Name:        "redis-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-store").Set(stateVal)
		},
	}
	return &RedisStore{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func roomKey(code string) string   { return roomKeyPrefix + code }
func memberKey(code, uid string) string {
	return memberKeyPrefix + code + ":" + uid
}
func roomMembersKey(code string) string { return roomMembersPrefix + code }
func tokenKey(token string) string      { return tokenKeyPrefix + token }
func eventListKey(code string) string   { return eventListPrefix + code }

func (s *RedisStore) observe(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-store").Inc()
		}
	}
	metrics.StoreOperationsTotal.WithLabelValues(op, status).Inc()
	return res, err
}

func (s *RedisStore) RoomCodeExists(ctx context.Context, roomCode string) (bool, error) {
	res, err := s.observe(ctx, "room_code_exists", func() (interface{}, error) {
		return s.client.Exists(ctx, roomKey(roomCode)).Result()
	})
	if err != nil {
		return false, fmt.Errorf("room code exists: %w", err)
	}
	return res.(int64) > 0, nil
}

func (s *RedisStore) CreateRoom(ctx context.Context, room domain.Room, host domain.Member) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	hostData, err := json.Marshal(host)
	if err != nil {
		return fmt.Errorf("marshal host member: %w", err)
	}

	_, err = s.observe(ctx, "create_room", func() (interface{}, error) {
		return nil, s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, roomKey(room.RoomCode)).Result()
			if err != nil {
				return err
			}
			if exists > 0 {
				return ErrRoomCodeTaken
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, roomKey(room.RoomCode), data, 0)
				p.Set(ctx, memberKey(room.RoomCode, host.UserID), hostData, 0)
				p.SAdd(ctx, roomMembersKey(room.RoomCode), host.UserID)
				p.SAdd(ctx, roomIndexKey, room.RoomCode)
				return nil
			})
			return err
		}, roomKey(room.RoomCode))
	})

	if err == ErrRoomCodeTaken {
		return ErrRoomCodeTaken
	}
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, roomCode string) (domain.Room, error) {
	res, err := s.observe(ctx, "get_room", func() (interface{}, error) {
		return s.client.Get(ctx, roomKey(roomCode)).Result()
	})
	if err == redis.Nil {
		return domain.Room{}, ErrNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}
	var room domain.Room
	if err := json.Unmarshal([]byte(res.(string)), &room); err != nil {
		return domain.Room{}, fmt.Errorf("unmarshal room: %w", err)
	}
	return room, nil
}

func (s *RedisStore) UpdateRoom(ctx context.Context, roomCode string, mutate RoomMutator) (domain.Room, error) {
	var updated domain.Room
	key := roomKey(roomCode)

	_, err := s.observe(ctx, "update_room", func() (interface{}, error) {
		return nil, s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var room domain.Room
			if err := json.Unmarshal([]byte(raw), &room); err != nil {
				return fmt.Errorf("unmarshal room: %w", err)
			}
			if err := mutate(&room); err != nil {
				return err
			}

			data, err := json.Marshal(room)
			if err != nil {
				return fmt.Errorf("marshal room: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = room
			return nil
		}, key)
	})

	if err == ErrNotFound {
		return domain.Room{}, ErrNotFound
	}
	if err != nil {
		return domain.Room{}, err
	}
	return updated, nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]domain.Room, error) {
	res, err := s.observe(ctx, "list_rooms", func() (interface{}, error) {
		return s.client.SMembers(ctx, roomIndexKey).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	codes := res.([]string)
	rooms := make([]domain.Room, 0, len(codes))
	for _, code := range codes {
		room, err := s.GetRoom(ctx, code)
		if err == ErrNotFound {
			continue // index entry outlived the room, e.g. post-reap race
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *RedisStore) ListPublicRooms(ctx context.Context) ([]domain.Room, error) {
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

func (s *RedisStore) UpsertMember(ctx context.Context, member domain.Member) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	_, err = s.observe(ctx, "upsert_member", func() (interface{}, error) {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, memberKey(member.RoomCode, member.UserID), data, 0)
			p.SAdd(ctx, roomMembersKey(member.RoomCode), member.UserID)
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *RedisStore) GetMember(ctx context.Context, roomCode, userID string) (domain.Member, error) {
	res, err := s.observe(ctx, "get_member", func() (interface{}, error) {
		return s.client.Get(ctx, memberKey(roomCode, userID)).Result()
	})
	if err == redis.Nil {
		return domain.Member{}, ErrNotFound
	}
	if err != nil {
		return domain.Member{}, fmt.Errorf("get member: %w", err)
	}
	var m domain.Member
	if err := json.Unmarshal([]byte(res.(string)), &m); err != nil {
		return domain.Member{}, fmt.Errorf("unmarshal member: %w", err)
	}
	return m, nil
}

func (s *RedisStore) UpdateMember(ctx context.Context, roomCode, userID string, mutate MemberMutator) (domain.Member, error) {
	var updated domain.Member
	key := memberKey(roomCode, userID)

	_, err := s.observe(ctx, "update_member", func() (interface{}, error) {
		return nil, s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var m domain.Member
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				return fmt.Errorf("unmarshal member: %w", err)
			}
			if err := mutate(&m); err != nil {
				return err
			}

			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal member: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = m
			return nil
		}, key)
	})

	if err == ErrNotFound {
		return domain.Member{}, ErrNotFound
	}
	if err != nil {
		return domain.Member{}, err
	}
	return updated, nil
}

func (s *RedisStore) DeleteMember(ctx context.Context, roomCode, userID string) error {
	_, err := s.observe(ctx, "delete_member", func() (interface{}, error) {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, memberKey(roomCode, userID))
			p.SRem(ctx, roomMembersKey(roomCode), userID)
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

func (s *RedisStore) ListMembers(ctx context.Context, roomCode string) ([]domain.Member, error) {
	res, err := s.observe(ctx, "list_members", func() (interface{}, error) {
		return s.client.SMembers(ctx, roomMembersKey(roomCode)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	uids := res.([]string)
	members := make([]domain.Member, 0, len(uids))
	for _, uid := range uids {
		m, err := s.GetMember(ctx, roomCode, uid)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.observe(ctx, "append_event", func() (interface{}, error) {
		return nil, s.client.RPush(ctx, eventListKey(event.RoomCode), data).Err()
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisStore) MintSessionToken(ctx context.Context, token domain.SessionToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal session token: %w", err)
	}
	ttl := time.Until(token.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}

	_, err = s.observe(ctx, "mint_session_token", func() (interface{}, error) {
		_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tokenKey(token.Token), data, ttl)
			p.SAdd(ctx, tokenIndexKey, token.Token)
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("mint session token: %w", err)
	}
	return nil
}

func (s *RedisStore) ResolveSessionToken(ctx context.Context, token string, now time.Time) (domain.SessionToken, error) {
	var resolved domain.SessionToken
	key := tokenKey(token)

	_, err := s.observe(ctx, "resolve_session_token", func() (interface{}, error) {
		return nil, s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var t domain.SessionToken
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				return fmt.Errorf("unmarshal session token: %w", err)
			}
			if t.Expired(now) {
				return ErrNotFound
			}
			t.LastAccessed = now

			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal session token: %w", err)
			}
			ttl := tx.TTL(ctx, key).Val()
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, data, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			resolved = t
			return nil
		}, key)
	})

	if err == ErrNotFound {
		return domain.SessionToken{}, ErrNotFound
	}
	if err != nil {
		return domain.SessionToken{}, err
	}
	return resolved, nil
}

// PurgeExpiredSessionTokens reconciles the token index against keys that
// have already fallen out of Redis via TTL expiry, so callers get an
// accurate eviction count for the reaper's metrics even though Redis itself
// did the actual deletion.
func (s *RedisStore) PurgeExpiredSessionTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.observe(ctx, "purge_session_tokens", func() (interface{}, error) {
		return s.client.SMembers(ctx, tokenIndexKey).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("purge session tokens: %w", err)
	}

	removed := 0
	for _, token := range res.([]string) {
		exists, err := s.client.Exists(ctx, tokenKey(token)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			s.client.SRem(ctx, tokenIndexKey, token)
			removed++
			continue
		}

		raw, err := s.client.Get(ctx, tokenKey(token)).Result()
		if err != nil {
			continue
		}
		var t domain.SessionToken
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		if t.Expired(now) {
			s.client.Del(ctx, tokenKey(token))
			s.client.SRem(ctx, tokenIndexKey, token)
			removed++
		}
	}
	return removed, nil
}
