// Package heartbeat reconciles transport liveness (the Connection
// Registry's last-seen timestamps) with persisted Member.is_connected and
// last_ping, debouncing the DB write side so a client heartbeating every
// 25s doesn't produce a write on every beat.
package heartbeat

import (
	"context"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/ids"
	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/ennuiii/gamebuddies/internal/v1/registry"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"go.uber.org/zap"
)

// Service wires the Connection Registry to the Store.
type Service struct {
	store    store.Store
	registry *registry.Registry
	logger   *zap.Logger

	debounce        time.Duration
	reconcileEvery  time.Duration
	staleThreshold  time.Duration
}

// NewService builds a heartbeat Service. debounce, reconcileEvery, and
// staleThreshold come from Config's HeartbeatDBDebounce, a fixed 30s
// reconciler period per spec section 4.2, and StaleMemberThreshold.
func NewService(st store.Store, reg *registry.Registry, logger *zap.Logger, debounce, reconcileEvery, staleThreshold time.Duration) *Service {
	return &Service{
		store:          st,
		registry:       reg,
		logger:         logger,
		debounce:       debounce,
		reconcileEvery: reconcileEvery,
		staleThreshold: staleThreshold,
	}
}

// Beat records a heartbeat for a connection. The Registry's last-seen
// timestamp is always updated; the Member row is only written when the
// last persisted ping is older than the debounce window.
func (s *Service) Beat(ctx context.Context, connID, userID, roomCode string, now time.Time) error {
	s.registry.Touch(connID, now)

	member, err := s.store.GetMember(ctx, roomCode, userID)
	if err != nil {
		return err
	}
	if now.Sub(member.LastPing) < s.debounce {
		return nil
	}

	_, err = s.store.UpdateMember(ctx, roomCode, userID, func(m *domain.Member) error {
		m.LastPing = now
		m.IsConnected = true
		if m.CurrentLocation == domain.LocationDisconnected {
			m.CurrentLocation = domain.LocationLobby
		}
		return nil
	})
	return err
}

// RunReconciler runs the stale-member sweep on a fixed interval until ctx
// is cancelled. Each tick: every Member row with is_connected=true whose
// last_ping is older than staleThreshold is flipped to disconnected under
// a conditional update (the mutate callback re-checks last_ping, so a
// fresh heartbeat racing with the sweep always wins) and an Event
// stale_member_reaped is appended.
func (s *Service) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reconcileOnce(ctx, now)
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context, now time.Time) {
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		s.logger.Error("heartbeat reconciler: list rooms failed", zap.Error(err))
		return
	}

	cutoff := now.Add(-s.staleThreshold)
	reaped := 0

	for _, room := range rooms {
		members, err := s.store.ListMembers(ctx, room.RoomCode)
		if err != nil {
			s.logger.Error("heartbeat reconciler: list members failed",
				zap.String(string(logging.RoomCodeKey), room.RoomCode), zap.Error(err))
			continue
		}

		for _, member := range members {
			if !member.IsConnected || !member.LastPing.Before(cutoff) {
				continue
			}

			updated, err := s.store.UpdateMember(ctx, room.RoomCode, member.UserID, func(m *domain.Member) error {
				if !m.IsConnected || !m.LastPing.Before(cutoff) {
					return errSkipReconcile // a fresh heartbeat landed between list and update
				}
				m.IsConnected = false
				m.CurrentLocation = domain.LocationDisconnected
				return nil
			})
			if err == errSkipReconcile {
				continue
			}
			if err != nil {
				s.logger.Error("heartbeat reconciler: update member failed",
					zap.String(string(logging.RoomCodeKey), room.RoomCode),
					zap.String(string(logging.UserIDKey), member.UserID), zap.Error(err))
				continue
			}

			_ = s.store.AppendEvent(ctx, domain.Event{
				ID:        ids.New(),
				RoomCode:  room.RoomCode,
				UserID:    updated.UserID,
				EventType: "stale_member_reaped",
				CreatedAt: now,
			})
			reaped++
		}
	}

	metrics.ReaperRunsTotal.WithLabelValues("stale_member").Inc()
	if reaped > 0 {
		metrics.ReaperEvictionsTotal.WithLabelValues("stale_member").Add(float64(reaped))
	}
}

// errSkipReconcile signals the mutator found the member no longer stale
// (a concurrent fresh heartbeat won the race) without treating it as an
// error condition for the caller.
var errSkipReconcile = &skipError{}

type skipError struct{}

func (*skipError) Error() string { return "member no longer stale" }
