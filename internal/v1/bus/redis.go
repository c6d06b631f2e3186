// Package bus implements the cross-instance event fan-out the Lobby Manager
// and Return Coordinator use to stay consistent when more than one core
// process is running: one Redis pub/sub channel per room, which also carries
// per-user frames, wrapped in a circuit breaker for graceful degradation.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// PubSubPayload is the standardized container for moving lobby events
// between core instances. Per-user delivery (GAME.STARTED, server:return-to-gb)
// rides the same room channel wrapped in a directEnvelope rather than using a
// separate per-user channel; see edge/socket.go's decodeDirectEnvelope.
type PubSubPayload struct {
	RoomCode string          `json:"roomCode"`
	Event    string          `json:"event"`    // e.g. "ROOM.JOINED", "RETURN.SIGNAL"
	Payload  json.RawMessage `json:"payload"`  // the event-specific body
	SenderID string          `json:"senderId"` // CRITICAL: used to prevent echo (infinite loops)
}

// Service handles all interaction with the Redis cluster backing the bus.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis pub/sub", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Publish broadcasts an event to every other instance watching this room,
// including per-user frames wrapped in a directEnvelope by the caller.
func (s *Service) Publish(ctx context.Context, roomCode string, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode, no bus available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		msg := PubSubPayload{
			RoomCode: roomCode,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		channel := fmt.Sprintf("lobby:room:%s", roomCode)
		metrics.BusEventsTotal.WithLabelValues("publish", "room").Inc()
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: dropping publish", "roomCode", roomCode)
			return nil // graceful degradation: drop message, don't crash caller
		}
		slog.Error("redis publish failed", "roomCode", roomCode, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine that listens for events published
// by OTHER instances for the given room.
func (s *Service) Subscribe(ctx context.Context, roomCode string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}

	channel := fmt.Sprintf("lobby:room:%s", roomCode)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return // stop listening once the room closes
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				metrics.BusEventsTotal.WithLabelValues("receive", "room").Inc()
				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity, used by the readiness handler.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// roomOwnersKey is the Redis set tracking which instance IDs currently hold a
// local subscription for roomCode. A room can briefly have more than one
// owner while a member migrates between instances (e.g. during a deploy),
// so this is a set rather than a single value.
func roomOwnersKey(roomCode string) string {
	return fmt.Sprintf("lobby:room-owners:%s", roomCode)
}

// JoinRoomOwners records instanceID as a subscriber of roomCode, called by
// edge.Hub.attachToRoom when it opens the room's bus subscription.
func (s *Service) JoinRoomOwners(ctx context.Context, roomCode, instanceID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	key := roomOwnersKey(roomCode)
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, instanceID).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping JoinRoomOwners", "roomCode", roomCode)
			return nil
		}
		slog.Error("redis JoinRoomOwners failed", "roomCode", roomCode, "instanceID", instanceID, "error", err)
		return fmt.Errorf("failed to record room owner: %w", err)
	}
	return nil
}

// LeaveRoomOwners drops instanceID from roomCode's owner set, called by
// edge.Hub.detachFromRoomLocked when the room's last local connection and
// bus subscription are torn down.
func (s *Service) LeaveRoomOwners(ctx context.Context, roomCode, instanceID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	key := roomOwnersKey(roomCode)
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, instanceID).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping LeaveRoomOwners", "roomCode", roomCode)
			return nil
		}
		slog.Error("redis LeaveRoomOwners failed", "roomCode", roomCode, "instanceID", instanceID, "error", err)
		return fmt.Errorf("failed to remove room owner: %w", err)
	}
	return nil
}

// RoomOwners lists the instance IDs currently subscribed to roomCode, used
// by the readiness/debug surface to spot a room stuck with no owner (every
// instance that had it open crashed without running LeaveRoomOwners).
func (s *Service) RoomOwners(ctx context.Context, roomCode string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	key := roomOwnersKey(roomCode)
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: returning empty room owners", "roomCode", roomCode)
			return nil, nil
		}
		slog.Error("redis RoomOwners failed", "roomCode", roomCode, "error", err)
		return nil, fmt.Errorf("failed to get room owners: %w", err)
	}
	return res.([]string), nil
}
