// Package reaper runs the periodic sweeps described in spec section 4.6:
// the room reaper (abandon idle/ancient rooms), the session-token purger,
// and the return-coordinator settle sweep. Each sweep is idempotent and
// safe to run concurrently with normal Lobby Manager traffic — it only
// ever applies conditional Store updates.
package reaper

import (
	"context"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/ids"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/ennuiii/gamebuddies/internal/v1/returncoord"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"go.uber.org/zap"
)

// Thresholds bundles the normal and off-peak room reaper thresholds from
// spec section 4.6. Off-peak applies between OffPeakStartHour (inclusive)
// and OffPeakEndHour (exclusive), in UTC.
type Thresholds struct {
	IdleTimeout time.Duration
	MaxAge      time.Duration

	OffPeakIdleTimeout time.Duration
	OffPeakMaxAge      time.Duration
	OffPeakStartHour   int
	OffPeakEndHour     int
}

// DefaultThresholds matches spec section 4.6's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IdleTimeout:        30 * time.Minute,
		MaxAge:             24 * time.Hour,
		OffPeakIdleTimeout: 15 * time.Minute,
		OffPeakMaxAge:      12 * time.Hour,
		OffPeakStartHour:   2,
		OffPeakEndHour:     6,
	}
}

// Service runs the room reaper, the session-token purger, and the
// return-coordinator settle sweep on independent schedules.
type Service struct {
	store   store.Store
	tokens  *sessiontoken.Service
	returns *returncoord.Service
	logger  *zap.Logger

	thresholds        Thresholds
	roomInterval      time.Duration
	tokenPurgeInterval time.Duration
}

// NewService builds a reaper Service.
func NewService(st store.Store, tokens *sessiontoken.Service, returns *returncoord.Service, logger *zap.Logger, thresholds Thresholds, roomInterval, tokenPurgeInterval time.Duration) *Service {
	return &Service{
		store:              st,
		tokens:             tokens,
		returns:            returns,
		logger:             logger,
		thresholds:         thresholds,
		roomInterval:       roomInterval,
		tokenPurgeInterval: tokenPurgeInterval,
	}
}

// RunRoomReaper blocks, running the room-abandonment and return-settle
// sweep every roomInterval until ctx is cancelled.
func (s *Service) RunRoomReaper(ctx context.Context) {
	ticker := time.NewTicker(s.roomInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepRooms(ctx, time.Now()); err != nil {
				s.logger.Error("room reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// RunSessionTokenPurger blocks, purging expired session tokens every
// tokenPurgeInterval until ctx is cancelled.
func (s *Service) RunSessionTokenPurger(ctx context.Context) {
	ticker := time.NewTicker(s.tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.purgeTokens(ctx, time.Now()); err != nil {
				s.logger.Error("session token purger failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) isOffPeak(now time.Time) bool {
	h := now.UTC().Hour()
	return h >= s.thresholds.OffPeakStartHour && h < s.thresholds.OffPeakEndHour
}

// sweepRooms is the room reaper's body, kept separate from RunRoomReaper so
// tests can drive a single pass deterministically.
func (s *Service) sweepRooms(ctx context.Context, now time.Time) error {
	idleTimeout, maxAge := s.thresholds.IdleTimeout, s.thresholds.MaxAge
	if s.isOffPeak(now) {
		idleTimeout, maxAge = s.thresholds.OffPeakIdleTimeout, s.thresholds.OffPeakMaxAge
	}

	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return err
	}

	evicted := 0
	for _, room := range rooms {
		if room.Status == domain.RoomStatusAbandoned || room.Status == domain.RoomStatusFinished {
			continue
		}

		members, listErr := s.store.ListMembers(ctx, room.RoomCode)
		if listErr != nil {
			s.logger.Warn("room reaper: list members failed", zap.String("room_code", room.RoomCode), zap.Error(listErr))
			continue
		}

		anyConnected, anyConnectedInGame := false, false
		for _, m := range members {
			if m.IsConnected {
				anyConnected = true
				if m.CurrentLocation == domain.LocationGame {
					anyConnectedInGame = true
				}
			}
		}
		if anyConnectedInGame {
			continue // protection rule: never reap a room with a connected in-game member
		}

		idle := now.Sub(room.LastActivity)
		age := now.Sub(room.CreatedAt)
		shouldAbandon := (!anyConnected && idle > idleTimeout) || age > maxAge
		if !shouldAbandon {
			continue
		}

		if _, updErr := s.store.UpdateRoom(ctx, room.RoomCode, func(r *domain.Room) error {
			r.Status = domain.RoomStatusAbandoned
			return nil
		}); updErr != nil {
			if updErr == store.ErrNotFound {
				continue
			}
			s.logger.Warn("room reaper: abandon failed", zap.String("room_code", room.RoomCode), zap.Error(updErr))
			continue
		}
		evicted++
		_ = s.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: room.RoomCode, EventType: "room_abandoned", CreatedAt: now})

		if s.returns != nil {
			if clearErr := s.returns.ClearIfSettled(ctx, room.RoomCode, now); clearErr != nil {
				s.logger.Warn("room reaper: clear settled return failed", zap.String("room_code", room.RoomCode), zap.Error(clearErr))
			}
		}
	}

	// Return-settle sweep runs over every still-active room, not only the
	// ones just abandoned above, since a room can have pending_return set
	// while very much alive.
	if s.returns != nil {
		for _, room := range rooms {
			if room.Status == domain.RoomStatusAbandoned || room.Metadata[domain.MetaPendingReturn] != "true" {
				continue
			}
			if clearErr := s.returns.ClearIfSettled(ctx, room.RoomCode, now); clearErr != nil {
				s.logger.Warn("room reaper: clear settled return failed", zap.String("room_code", room.RoomCode), zap.Error(clearErr))
			}
		}
	}

	metrics.ReaperRunsTotal.WithLabelValues("room").Inc()
	metrics.ReaperEvictionsTotal.WithLabelValues("room").Add(float64(evicted))
	_ = s.store.AppendEvent(ctx, domain.Event{ID: ids.New(), EventType: "reaper_run", CreatedAt: now, Payload: map[string]any{"kind": "room", "evicted": evicted}})
	return nil
}

func (s *Service) purgeTokens(ctx context.Context, now time.Time) error {
	count, err := s.tokens.Purge(ctx, now)
	if err != nil {
		return err
	}
	metrics.ReaperRunsTotal.WithLabelValues("session_token").Inc()
	metrics.ReaperEvictionsTotal.WithLabelValues("session_token").Add(float64(count))
	_ = s.store.AppendEvent(ctx, domain.Event{ID: ids.New(), EventType: "reaper_run", CreatedAt: now, Payload: map[string]any{"kind": "session_token", "evicted": count}})
	return nil
}
