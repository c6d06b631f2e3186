package edge

import (
	"net/http"
	"strings"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/lobby"
	"github.com/ennuiii/gamebuddies/internal/v1/ratelimit"
	"github.com/ennuiii/gamebuddies/internal/v1/returncoord"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"github.com/gin-gonic/gin"
)

// HTTPHandlers implements spec section 6.2, the HTTP/JSON surface external
// games use to resolve session tokens, signal a return to the lobby, and
// report member status without holding an open lobby socket.
type HTTPHandlers struct {
	store   store.Store
	tokens  *sessiontoken.Service
	returns *returncoord.Service
	manager *lobby.Manager
	hub     *Hub
}

func NewHTTPHandlers(st store.Store, tokens *sessiontoken.Service, returns *returncoord.Service, manager *lobby.Manager, hub *Hub) *HTTPHandlers {
	return &HTTPHandlers{store: st, tokens: tokens, returns: returns, manager: manager, hub: hub}
}

// Register wires the external-game surface onto router. rl and apiKeyHashes
// come from Config; poll-status and the token-resolve endpoint are
// rate-limited but only returnToLobby and the player-status callback
// require the API key.
func (h *HTTPHandlers) Register(router gin.IRouter, rl *ratelimit.RateLimiter, apiKeyHashes []string, skipAPIKeyAuth bool) {
	router.GET("/api/game-sessions/:token", h.getGameSession)

	authed := router.Group("", APIKeyAuth(apiKeyHashes, skipAPIKeyAuth))
	authed.POST("/api/returnToLobby", h.postReturnToLobby)
	authed.POST("/api/v2/rooms/:roomCode/players/:playerId/status", h.postPlayerStatus)

	poll := router.Group("")
	if rl != nil {
		poll.Use(rl.PollStatusMiddleware("playerId"))
	}
	poll.GET("/api/v2/rooms/:roomCode/return-status", h.getReturnStatus)

	router.GET("/api/v2/rooms", h.listPublicRooms)
	router.GET("/api/v2/rooms/:roomCode", h.getRoomSnapshot)
}

func (h *HTTPHandlers) getGameSession(c *gin.Context) {
	token := c.Param("token")
	now := time.Now()

	t, err := h.tokens.Resolve(c.Request.Context(), token, now)
	if err == sessiontoken.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found or expired"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomCode":     t.RoomCode,
		"gameType":     t.GameType,
		"streamerMode": t.StreamerMode,
		"playerId":     t.UserID,
		"metadata":     t.Metadata,
		"expiresAt":    t.ExpiresAt.Format(time.RFC3339),
	})
}

type returnToLobbyRequest struct {
	RoomCode string `json:"roomCode" binding:"required"`
	// IsHost gates the call: only a host-initiated return is honored, since
	// ReturnToLobby's authorization model (manager.go's ReturnToLobby doc
	// comment) is host-or-scoped-API-key, and this surface has no per-key
	// room scope to check (see DESIGN.md's "API key storage" entry).
	IsHost bool `json:"isHost"`
	// ReturnPlayers distinguishes the two in_game exits of spec section 4.3:
	// true (default) returns members to the lobby; false retires the room
	// straight to finished, with no tokens minted and no one expected back.
	ReturnPlayers *bool `json:"returnPlayers"`
}

func (h *HTTPHandlers) postReturnToLobby(c *gin.Context) {
	var req returnToLobbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.IsHost {
		c.JSON(http.StatusForbidden, gin.H{"error": "only a host-initiated return is allowed"})
		return
	}
	now := time.Now()

	if req.ReturnPlayers != nil && !*req.ReturnPlayers {
		if err := h.manager.EndGame(c.Request.Context(), req.RoomCode, now); err != nil {
			if domain.KindOf(err) == domain.KindRoomNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "playersAffected": 0, "returnUrl": "", "pollEndpoint": ""})
		return
	}

	returnURL, playersAffected, _, err := h.manager.ReturnToLobby(c.Request.Context(), req.RoomCode, now)
	if err != nil {
		if domain.KindOf(err) == domain.KindRoomNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"playersAffected": playersAffected,
		"returnUrl":       returnURL,
		"pollEndpoint":    "/api/v2/rooms/" + req.RoomCode + "/return-status",
	})
}

func (h *HTTPHandlers) getReturnStatus(c *gin.Context) {
	roomCode := c.Param("roomCode")
	playerID := c.Query("playerId")
	now := time.Now()

	shouldReturn, returnURL, token, err := h.returns.PollStatus(c.Request.Context(), roomCode, playerID, now)
	if err == returncoord.ErrRoomNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := gin.H{"shouldReturn": shouldReturn, "timestamp": now.Format(time.RFC3339)}
	if shouldReturn {
		resp["returnUrl"] = returnURL
		resp["sessionToken"] = token
	}
	c.JSON(http.StatusOK, resp)
}

type playerStatusRequest struct {
	Status   string            `json:"status" binding:"required"`
	Location string            `json:"location"`
	Metadata map[string]string `json:"metadata"`
}

var statusToLocation = map[string]domain.MemberLocation{
	"in_game":      domain.LocationGame,
	"returning":    domain.LocationLobby,
	"disconnected": domain.LocationDisconnected,
}

func (h *HTTPHandlers) postPlayerStatus(c *gin.Context) {
	roomCode := c.Param("roomCode")
	playerID := c.Param("playerId")

	var req playerStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	location, ok := statusToLocation[strings.ToLower(req.Status)]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	_, err := h.store.UpdateMember(c.Request.Context(), roomCode, playerID, func(m *domain.Member) error {
		m.CurrentLocation = location
		m.IsConnected = location == domain.LocationLobby || location == domain.LocationGame
		m.LastPing = time.Now()
		return nil
	})
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *HTTPHandlers) listPublicRooms(c *gin.Context) {
	rooms, err := h.store.ListPublicRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]gin.H, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, gin.H{
			"roomCode":   r.RoomCode,
			"gameType":   r.CurrentGame,
			"maxPlayers": r.MaxPlayers,
			"status":     r.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (h *HTTPHandlers) getRoomSnapshot(c *gin.Context) {
	roomCode := c.Param("roomCode")
	room, err := h.store.GetRoom(c.Request.Context(), roomCode)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	members, err := h.store.ListMembers(c.Request.Context(), roomCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, roomSnapshot(room, members))
}
