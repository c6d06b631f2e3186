package edge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/lobby"
	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"go.uber.org/zap"
)

type identifyPayload struct {
	UserID string `json:"userId"`
}

type createPayload struct {
	PlayerName   string `json:"playerName"`
	GameType     string `json:"gameType"`
	MaxPlayers   int    `json:"maxPlayers"`
	IsPublic     bool   `json:"isPublic"`
	StreamerMode bool   `json:"streamerMode"`
}

type joinPayload struct {
	RoomCode   string `json:"roomCode"`
	PlayerName string `json:"playerName"`
}

type roomCodePayload struct {
	RoomCode string `json:"roomCode"`
}

type transferHostPayload struct {
	RoomCode       string `json:"roomCode"`
	TargetPlayerID string `json:"targetPlayerId"`
}

type kickPayload struct {
	RoomCode       string `json:"roomCode"`
	TargetPlayerID string `json:"targetPlayerId"`
	Reason         string `json:"reason"`
}

type selectGamePayload struct {
	GameType string            `json:"gameType"`
	Settings map[string]string `json:"settings"`
}

type chatPayload struct {
	Message    string `json:"message"`
	PlayerName string `json:"playerName"`
}

// dispatch routes one inbound frame to the matching Lobby Manager call. A
// connection must USER.IDENTIFY before anything else, per spec section 4.7.
func (h *Hub) dispatch(c *wsClient, env inboundEnvelope) {
	ctx := context.Background()
	now := time.Now()

	if env.Type != "USER.IDENTIFY" && c.userID == "" {
		h.sendError(c, domain.KindUnauthorized, "identify before sending other messages")
		return
	}

	switch env.Type {
	case "USER.IDENTIFY":
		var p identifyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" {
			h.sendError(c, domain.KindValidation, "userId required")
			return
		}
		c.userID = p.UserID

	case "ROOM.CREATE":
		var p createPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(c, domain.KindValidation, "invalid payload")
			return
		}
		room, err := h.manager.Create(ctx, c.userID, c.connID, lobby.CreateOptions{
			DisplayName:  p.PlayerName,
			GameType:     p.GameType,
			MaxPlayers:   p.MaxPlayers,
			IsPublic:     p.IsPublic,
			StreamerMode: p.StreamerMode,
		}, now)
		if err != nil {
			h.sendErrorFromErr(c, err)
			return
		}
		h.attachToRoom(c, room.RoomCode)
		h.sendDirect(c, "ROOM.JOINED", roomSnapshot(room, []domain.Member{{UserID: c.userID, DisplayName: p.PlayerName, Role: domain.RoleHost}}))

	case "ROOM.JOIN":
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomCode == "" {
			h.sendError(c, domain.KindValidation, "roomCode required")
			return
		}
		room, members, err := h.manager.Join(ctx, c.userID, c.connID, strings.ToUpper(p.RoomCode), p.PlayerName, now)
		if err != nil {
			h.sendErrorFromErr(c, err)
			return
		}
		h.attachToRoom(c, room.RoomCode)
		h.sendDirect(c, "ROOM.JOINED", roomSnapshot(room, members))

	case "ROOM.LEAVE":
		var p roomCodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomCode == "" {
			h.sendError(c, domain.KindValidation, "roomCode required")
			return
		}
		if err := h.manager.Leave(ctx, c.userID, c.connID, p.RoomCode, now); err != nil {
			h.sendErrorFromErr(c, err)
			return
		}
		h.mu.Lock()
		h.detachFromRoomLocked(p.RoomCode, c.connID)
		c.roomCode = ""
		h.mu.Unlock()

	case "PLAYER.TOGGLE_READY":
		var p roomCodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomCode == "" {
			h.sendError(c, domain.KindValidation, "roomCode required")
			return
		}
		if _, err := h.manager.ToggleReady(ctx, c.userID, p.RoomCode, now); err != nil {
			h.sendErrorFromErr(c, err)
		}

	case "PLAYER.TRANSFER_HOST":
		var p transferHostPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomCode == "" || p.TargetPlayerID == "" {
			h.sendError(c, domain.KindValidation, "roomCode and targetPlayerId required")
			return
		}
		if _, err := h.manager.TransferHost(ctx, c.userID, p.RoomCode, p.TargetPlayerID, now); err != nil {
			h.sendErrorFromErr(c, err)
		}

	case "PLAYER.KICK":
		var p kickPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomCode == "" || p.TargetPlayerID == "" {
			h.sendError(c, domain.KindValidation, "roomCode and targetPlayerId required")
			return
		}
		if err := h.manager.Kick(ctx, c.userID, p.RoomCode, p.TargetPlayerID, p.Reason, now); err != nil {
			h.sendErrorFromErr(c, err)
		}

	case "GAME.SELECT":
		if c.roomCode == "" {
			h.sendError(c, domain.KindValidation, "not attached to a room")
			return
		}
		var p selectGamePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.GameType == "" {
			h.sendError(c, domain.KindValidation, "gameType required")
			return
		}
		if _, err := h.manager.SelectGame(ctx, c.userID, c.roomCode, p.GameType, p.Settings, now); err != nil {
			h.sendErrorFromErr(c, err)
		}

	case "GAME.START":
		var p roomCodePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RoomCode == "" {
			h.sendError(c, domain.KindValidation, "roomCode required")
			return
		}
		h.handleStartGame(ctx, c, p.RoomCode, now)

	case "CHAT.MESSAGE":
		if c.roomCode == "" {
			h.sendError(c, domain.KindValidation, "not attached to a room")
			return
		}
		var p chatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(c, domain.KindValidation, "invalid payload")
			return
		}
		h.Emit(ctx, c.roomCode, "CHAT.MESSAGE", map[string]any{"playerName": p.PlayerName, "message": p.Message, "userId": c.userID})

	case "CONNECTION.HEARTBEAT":
		if c.roomCode == "" {
			return
		}
		if err := h.heartbeats.Beat(ctx, c.connID, c.userID, c.roomCode, now); err != nil {
			logging.Warn(ctx, "heartbeat write failed", zap.String(string(logging.ConnIDKey), c.connID), zap.Error(err))
		}

	default:
		h.sendError(c, domain.KindValidation, "unknown message type")
	}
}

// handleStartGame mints per-recipient game URLs from the Session Tokens
// StartGame returns, honoring streamer mode's room-code omission. Delivery
// goes through EmitToUser rather than a local-only sendDirect loop, so a
// member attached to a sibling instance still gets their GAME.STARTED frame
// and session token (see DESIGN.md's per-user delivery entry).
func (h *Hub) handleStartGame(ctx context.Context, c *wsClient, roomCode string, now time.Time) {
	result, err := h.manager.StartGame(ctx, c.userID, roomCode, now)
	if err != nil {
		h.sendErrorFromErr(c, err)
		return
	}

	for userID, token := range result.TokensByUser {
		payload := map[string]any{
			"gameUrl":  h.buildGameURL(result.Room, token),
			"gameType": result.Room.CurrentGame,
			"isHost":   userID == result.Room.HostID,
		}
		if !result.Room.StreamerMode {
			payload["roomCode"] = roomCode
		}
		h.EmitToUser(ctx, roomCode, userID, "GAME.STARTED", payload)
	}
}

func (h *Hub) buildGameURL(room domain.Room, token string) string {
	url := strings.ReplaceAll(h.gameURLTemplate, "{gameType}", room.CurrentGame)
	if strings.Contains(url, "?") {
		url += "&session=" + token
	} else {
		url += "?session=" + token
	}
	if !room.StreamerMode {
		url += "&room=" + room.RoomCode
	}
	return url
}

// roomSnapshot builds the ROOM.JOINED payload shared with the HTTP room
// snapshot endpoint.
func roomSnapshot(room domain.Room, members []domain.Member) map[string]any {
	return map[string]any{
		"roomCode":   room.RoomCode,
		"hostId":     room.HostID,
		"status":     room.Status,
		"gameType":   room.CurrentGame,
		"maxPlayers": room.MaxPlayers,
		"isPublic":   room.IsPublic,
		"members":    members,
	}
}
