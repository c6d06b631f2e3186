package edge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/heartbeat"
	"github.com/ennuiii/gamebuddies/internal/v1/lobby"
	"github.com/ennuiii/gamebuddies/internal/v1/registry"
	"github.com/ennuiii/gamebuddies/internal/v1/returncoord"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T) (*Hub, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New()
	tokens := sessiontoken.NewService(st, time.Hour)
	returns := returncoord.NewService(st, tokens, 30*time.Second, "gamebuddies.io")
	logger := zaptest.NewLogger(t)
	hb := heartbeat.NewService(st, reg, logger, 10*time.Second, 30*time.Second, 5*time.Minute)

	hub := NewHub(nil, hb, nil, logger, nil, 30, "https://{gameType}.gamebuddies.io")
	manager := lobby.NewManager(st, reg, tokens, returns, hub, logger, lobby.Config{
		MinPlayers: 2, MaxPlayers: 8, MaxSessionAge: 24 * time.Hour,
		HostGrace: 30 * time.Second, RoomCodeAlphabet: "ABCDEFGHJKLMNPQRSTUVWXYZ23456789",
	})
	hub.SetManager(manager)
	return hub, st
}

func newTestClient(connID string) *wsClient {
	return &wsClient{connID: connID, send: make(chan []byte, 8)}
}

func drainFrame(t *testing.T, c *wsClient) outboundEnvelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env outboundEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	default:
		t.Fatalf("expected a frame on %s's send channel, found none", c.connID)
		return outboundEnvelope{}
	}
}

func envelope(t *testing.T, msgType string, payload any) inboundEnvelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return inboundEnvelope{Type: msgType, Payload: raw}
}

func TestDispatch_RequiresIdentifyBeforeAnythingElse(t *testing.T) {
	hub, _ := newTestHub(t)
	c := newTestClient("conn-1")

	hub.dispatch(c, envelope(t, "ROOM.CREATE", map[string]any{"playerName": "Ada"}))

	frame := drainFrame(t, c)
	assert.Equal(t, "ERROR", frame.Type)
}

func TestDispatch_CreateRoomAttachesAndConfirms(t *testing.T) {
	hub, _ := newTestHub(t)
	c := newTestClient("conn-1")

	hub.dispatch(c, envelope(t, "USER.IDENTIFY", map[string]any{"userId": "user-1"}))
	hub.dispatch(c, envelope(t, "ROOM.CREATE", map[string]any{"playerName": "Ada", "maxPlayers": 4}))

	frame := drainFrame(t, c)
	assert.Equal(t, "ROOM.JOINED", frame.Type)
	assert.NotEmpty(t, c.roomCode)

	hub.mu.Lock()
	_, attached := hub.roomConns[c.roomCode][c.connID]
	hub.mu.Unlock()
	assert.True(t, attached)
}

func TestDispatch_JoinUnknownRoomReturnsError(t *testing.T) {
	hub, _ := newTestHub(t)
	c := newTestClient("conn-1")

	hub.dispatch(c, envelope(t, "USER.IDENTIFY", map[string]any{"userId": "user-1"}))
	hub.dispatch(c, envelope(t, "ROOM.JOIN", map[string]any{"roomCode": "NOPE99", "playerName": "Ada"}))

	frame := drainFrame(t, c)
	assert.Equal(t, "ERROR", frame.Type)
}

func TestDispatch_StartGameFansOutPerRecipientURLs(t *testing.T) {
	hub, _ := newTestHub(t)
	host := newTestClient("conn-host")
	guest := newTestClient("conn-guest")

	hub.dispatch(host, envelope(t, "USER.IDENTIFY", map[string]any{"userId": "host-1"}))
	hub.dispatch(host, envelope(t, "ROOM.CREATE", map[string]any{"playerName": "Host", "maxPlayers": 4}))
	createFrame := drainFrame(t, host)
	payload := createFrame.Payload.(map[string]any)
	roomCode := payload["roomCode"].(string)

	hub.dispatch(guest, envelope(t, "USER.IDENTIFY", map[string]any{"userId": "guest-1"}))
	hub.dispatch(guest, envelope(t, "ROOM.JOIN", map[string]any{"roomCode": roomCode, "playerName": "Guest"}))
	drainFrame(t, guest) // ROOM.JOINED
	drainFrame(t, host)  // PLAYER.JOINED broadcast to host

	hub.dispatch(host, envelope(t, "GAME.SELECT", map[string]any{"gameType": "trivia"}))
	drainFrame(t, host)  // GAME.SELECTED to self
	drainFrame(t, guest) // GAME.SELECTED to guest

	hub.dispatch(host, envelope(t, "GAME.START", map[string]any{"roomCode": roomCode}))

	hostStart := drainFrame(t, host)
	guestStart := drainFrame(t, guest)
	assert.Equal(t, "GAME.STARTED", hostStart.Type)
	assert.Equal(t, "GAME.STARTED", guestStart.Type)

	hostPayload := hostStart.Payload.(map[string]any)
	guestPayload := guestStart.Payload.(map[string]any)
	assert.Equal(t, true, hostPayload["isHost"])
	assert.Equal(t, false, guestPayload["isHost"])
	assert.NotEqual(t, hostPayload["gameUrl"], guestPayload["gameUrl"])
	assert.Contains(t, hostPayload["gameUrl"], "trivia")
}

func TestBuildGameURL_OmitsRoomUnderStreamerMode(t *testing.T) {
	hub, _ := newTestHub(t)
	room := domain.Room{RoomCode: "ROOM01", CurrentGame: "trivia", StreamerMode: true}
	url := hub.buildGameURL(room, "tok-123")
	assert.NotContains(t, url, "room=")
	assert.Contains(t, url, "session=tok-123")
}
