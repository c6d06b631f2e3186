package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/lobby"
	"github.com/ennuiii/gamebuddies/internal/v1/registry"
	"github.com/ennuiii/gamebuddies/internal/v1/returncoord"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHTTPHandlers(t *testing.T) (*HTTPHandlers, *store.MemoryStore, *sessiontoken.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New()
	tokens := sessiontoken.NewService(st, time.Hour)
	returns := returncoord.NewService(st, tokens, 30*time.Second, "gamebuddies.io")
	logger := zaptest.NewLogger(t)
	hub := NewHub(nil, nil, nil, logger, nil, 30, "https://{gameType}.gamebuddies.io")
	manager := lobby.NewManager(st, reg, tokens, returns, hub, logger, lobby.Config{
		MinPlayers: 2, MaxPlayers: 8, MaxSessionAge: 24 * time.Hour,
		HostGrace: 30 * time.Second, RoomCodeAlphabet: "ABCDEFGHJKLMNPQRSTUVWXYZ23456789",
	})
	hub.SetManager(manager)
	return NewHTTPHandlers(st, tokens, returns, manager, hub), st, tokens
}

func seedHTTPRoom(t *testing.T, st *store.MemoryStore, code string) {
	t.Helper()
	room := domain.Room{
		RoomCode:     code,
		HostID:       "host-1",
		Status:       domain.RoomStatusInGame,
		MaxPlayers:   4,
		Metadata:     map[string]string{},
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	host := domain.Member{
		RoomCode: code, UserID: "host-1", Role: domain.RoleHost,
		IsConnected: true, CurrentLocation: domain.LocationGame, JoinedAt: time.Now(),
	}
	require.NoError(t, st.CreateRoom(context.Background(), room, host))
}

func TestGetGameSession_ResolvesMintedToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, tokens := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "ABC123")

	now := time.Now()
	token, err := tokens.Mint(context.Background(), sessiontoken.MintParams{
		RoomCode: "ABC123", UserID: "host-1", GameType: "trivia",
	}, now)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/api/game-sessions/:token", h.getGameSession)

	req, _ := http.NewRequest("GET", "/api/game-sessions/"+token, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ABC123", body["roomCode"])
	assert.Equal(t, "trivia", body["gameType"])
}

func TestGetGameSession_UnknownTokenIs404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newTestHTTPHandlers(t)
	r := gin.New()
	r.GET("/api/game-sessions/:token", h.getGameSession)

	req, _ := http.NewRequest("GET", "/api/game-sessions/nonexistent", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPostReturnToLobby_InitiatesAndReportsPlayersAffected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, _ := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "RET001")

	r := gin.New()
	r.POST("/api/returnToLobby", h.postReturnToLobby)

	body, _ := json.Marshal(map[string]any{"roomCode": "RET001", "isHost": true})
	req, _ := http.NewRequest("POST", "/api/returnToLobby", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, true, out["success"])
	assert.EqualValues(t, 1, out["playersAffected"])
}

func TestPostReturnToLobby_RejectsNonHostCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, _ := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "RET002")

	r := gin.New()
	r.POST("/api/returnToLobby", h.postReturnToLobby)

	body, _ := json.Marshal(map[string]any{"roomCode": "RET002", "isHost": false})
	req, _ := http.NewRequest("POST", "/api/returnToLobby", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestPostReturnToLobby_ReturnPlayersFalseFinishesRoom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, _ := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "RET003")

	r := gin.New()
	r.POST("/api/returnToLobby", h.postReturnToLobby)

	body, _ := json.Marshal(map[string]any{"roomCode": "RET003", "isHost": true, "returnPlayers": false})
	req, _ := http.NewRequest("POST", "/api/returnToLobby", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	room, err := st.GetRoom(context.Background(), "RET003")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusFinished, room.Status)
}

func TestGetReturnStatus_ReflectsPendingReturn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, _ := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "POLL01")

	_, _, _, err := h.returns.Initiate(context.Background(), "POLL01", time.Now())
	require.NoError(t, err)

	r := gin.New()
	r.GET("/api/v2/rooms/:roomCode/return-status", h.getReturnStatus)

	req, _ := http.NewRequest("GET", "/api/v2/rooms/POLL01/return-status?playerId=host-1", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, true, out["shouldReturn"])
	assert.NotEmpty(t, out["sessionToken"])
}

func TestPostPlayerStatus_UpdatesMemberLocation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, _ := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "STAT01")

	r := gin.New()
	r.POST("/api/v2/rooms/:roomCode/players/:playerId/status", h.postPlayerStatus)

	body, _ := json.Marshal(map[string]any{"status": "in_game"})
	req, _ := http.NewRequest("POST", "/api/v2/rooms/STAT01/players/host-1/status", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	member, err := st.GetMember(context.Background(), "STAT01", "host-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LocationGame, member.CurrentLocation)
}

func TestListPublicRooms_OnlyReturnsPublicRooms(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, st, _ := newTestHTTPHandlers(t)
	seedHTTPRoom(t, st, "PUB001")
	seedHTTPRoom(t, st, "PRIV01")
	for _, code := range []string{"PUB001", "PRIV01"} {
		_, err := st.UpdateRoom(context.Background(), code, func(rm *domain.Room) error {
			rm.Status = domain.RoomStatusLobby
			rm.IsPublic = code == "PUB001"
			return nil
		})
		require.NoError(t, err)
	}

	r := gin.New()
	r.GET("/api/v2/rooms", h.listPublicRooms)

	req, _ := http.NewRequest("GET", "/api/v2/rooms", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	rooms := out["rooms"].([]any)
	assert.Len(t, rooms, 1)
	assert.Equal(t, "PUB001", rooms[0].(map[string]any)["roomCode"])
}

func TestGetRoomSnapshot_NotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newTestHTTPHandlers(t)
	r := gin.New()
	r.GET("/api/v2/rooms/:roomCode", h.getRoomSnapshot)

	req, _ := http.NewRequest("GET", "/api/v2/rooms/NOPE99", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}
