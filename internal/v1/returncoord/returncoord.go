// Package returncoord implements the idempotent, race-free return-to-lobby
// coordination described in spec section 4.4: a single pending_return flag
// on the Room, observed by both a push path (the Lobby Manager's socket
// broadcast) and a pull path (external games polling return-status).
package returncoord

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
)

// ErrRoomNotFound is returned when the room does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomNotInGame is returned when Initiate is called against a room that
// isn't currently in_game, per spec section 4.3's state table: only an
// in-progress game can signal a return to the lobby.
var ErrRoomNotInGame = errors.New("room is not in_game")

// Service mints per-member return tokens and tracks the pending_return
// flag stored on the Room's metadata.
type Service struct {
	store       store.Store
	tokens      *sessiontoken.Service
	returnGrace time.Duration
	publicHost  string
}

// NewService builds a return coordinator. publicHost is Config.PublicHost,
// used to build non-streamer return URLs (https://<host>/lobby/{code}).
func NewService(st store.Store, tokens *sessiontoken.Service, returnGrace time.Duration, publicHost string) *Service {
	return &Service{store: st, tokens: tokens, returnGrace: returnGrace, publicHost: publicHost}
}

// ReturnURL builds the URL a member's client should navigate to, per spec
// section 6.2: normal mode points at the room directly, streamer mode
// substitutes the opaque token so the room code never reaches the game
// origin.
func (s *Service) ReturnURL(streamerMode bool, roomCode, token string) string {
	if streamerMode {
		return "https://" + s.publicHost + "/?return=" + token
	}
	return "https://" + s.publicHost + "/lobby/" + roomCode
}

// Initiate sets pending_return on a room and mints one return token per
// current member. A second call while already pending is a no-op
// (alreadyPending=true) so the caller skips re-broadcasting.
func (s *Service) Initiate(ctx context.Context, roomCode string, now time.Time) (room domain.Room, tokensByUser map[string]string, alreadyPending bool, err error) {
	members, err := s.store.ListMembers(ctx, roomCode)
	if err != nil {
		return domain.Room{}, nil, false, err
	}

	tokensByUser = make(map[string]string, len(members))
	room, err = s.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		if r.Metadata[domain.MetaPendingReturn] == "true" {
			alreadyPending = true
			return nil
		}
		if r.Status != domain.RoomStatusInGame {
			return ErrRoomNotInGame
		}

		for _, m := range members {
			tok, mintErr := s.tokens.Mint(ctx, sessiontoken.MintParams{
				RoomCode:     roomCode,
				UserID:       m.UserID,
				StreamerMode: r.StreamerMode,
			}, now)
			if mintErr != nil {
				return mintErr
			}
			tokensByUser[m.UserID] = tok
		}

		encoded, marshalErr := json.Marshal(tokensByUser)
		if marshalErr != nil {
			return marshalErr
		}

		if r.Metadata == nil {
			r.Metadata = map[string]string{}
		}
		r.Metadata[domain.MetaPendingReturn] = "true"
		r.Metadata[domain.MetaReturnInitiatedAt] = now.Format(time.RFC3339Nano)
		r.Metadata[domain.MetaReturnInProgressUntil] = now.Add(s.returnGrace).Format(time.RFC3339Nano)
		r.Metadata[domain.MetaReturnTokens] = string(encoded)
		r.Status = domain.RoomStatusReturning
		return nil
	})

	if err == store.ErrNotFound {
		return domain.Room{}, nil, false, ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, nil, false, err
	}
	if alreadyPending {
		tokensByUser = decodeReturnTokens(room)
	}
	return room, tokensByUser, alreadyPending, nil
}

// PollStatus answers a pull-path poll from an external game: does this
// member have an outstanding return signal, and if so what URL/token
// should it use.
func (s *Service) PollStatus(ctx context.Context, roomCode, userID string, now time.Time) (shouldReturn bool, returnURL, token string, err error) {
	room, err := s.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return false, "", "", ErrRoomNotFound
	}
	if err != nil {
		return false, "", "", err
	}
	if room.Metadata[domain.MetaPendingReturn] != "true" {
		return false, "", "", nil
	}

	tokens := decodeReturnTokens(room)
	token = tokens[userID]
	return true, s.ReturnURL(room.StreamerMode, roomCode, token), token, nil
}

// InGrace reports whether now falls within the room's return-in-progress
// window, per spec section 4.4: a member disconnect observed during this
// window is ignored by the disconnection pipeline.
func (s *Service) InGrace(room domain.Room, now time.Time) bool {
	raw, ok := room.Metadata[domain.MetaReturnInProgressUntil]
	if !ok || raw == "" {
		return false
	}
	until, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return now.Before(until)
}

// ClearIfSettled clears pending_return once every member has rejoined the
// lobby or 5 minutes have elapsed since return_initiated_at, run by the
// room reaper alongside its other periodic sweeps.
func (s *Service) ClearIfSettled(ctx context.Context, roomCode string, now time.Time) error {
	const settleWindow = 5 * time.Minute

	members, err := s.store.ListMembers(ctx, roomCode)
	if err != nil {
		return err
	}

	_, err = s.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		if r.Metadata[domain.MetaPendingReturn] != "true" {
			return nil
		}

		allRejoined := true
		for _, m := range members {
			if m.CurrentLocation != domain.LocationLobby {
				allRejoined = false
				break
			}
		}

		elapsedOut := false
		if raw := r.Metadata[domain.MetaReturnInitiatedAt]; raw != "" {
			if t, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
				elapsedOut = now.Sub(t) >= settleWindow
			}
		}

		if !allRejoined && !elapsedOut {
			return nil
		}

		delete(r.Metadata, domain.MetaPendingReturn)
		delete(r.Metadata, domain.MetaReturnInitiatedAt)
		delete(r.Metadata, domain.MetaReturnInProgressUntil)
		delete(r.Metadata, domain.MetaReturnTokens)
		if r.Status == domain.RoomStatusReturning {
			r.Status = domain.RoomStatusLobby
		}
		return nil
	})
	if err == store.ErrNotFound {
		return nil
	}
	return err
}

// Clear drops any pending_return state on roomCode without touching Status,
// so a caller transitioning the room itself (a fresh start_game per spec
// section 4.4's clearing law) doesn't race ClearIfSettled's own status
// write. A stale pending_return surviving a new game would make the next
// return_to_lobby call look alreadyPending and hand out the old cycle's
// tokens.
func (s *Service) Clear(ctx context.Context, roomCode string) error {
	_, err := s.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		delete(r.Metadata, domain.MetaPendingReturn)
		delete(r.Metadata, domain.MetaReturnInitiatedAt)
		delete(r.Metadata, domain.MetaReturnInProgressUntil)
		delete(r.Metadata, domain.MetaReturnTokens)
		return nil
	})
	if err == store.ErrNotFound {
		return nil
	}
	return err
}

func decodeReturnTokens(room domain.Room) map[string]string {
	raw := room.Metadata[domain.MetaReturnTokens]
	if raw == "" || !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return map[string]string{}
	}
	var tokens map[string]string
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return map[string]string{}
	}
	return tokens
}
