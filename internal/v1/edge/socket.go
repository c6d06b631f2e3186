// Package edge is the transport adapter of spec section 4.7: it maps an
// inbound WebSocket connection to a user and a room, translates wire
// messages into Lobby Manager calls, and turns Manager/Store events back
// into wire broadcasts. It holds no lobby policy itself.
package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/bus"
	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/heartbeat"
	"github.com/ennuiii/gamebuddies/internal/v1/ids"
	"github.com/ennuiii/gamebuddies/internal/v1/lobby"
	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/ennuiii/gamebuddies/internal/v1/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// inboundEnvelope wraps every client->server frame; Payload is dispatched by
// Type to a specific struct. The wire envelope shape isn't prescribed by the
// message-kind list in spec section 6.1 itself; {type, payload} is the
// convention adopted here and documented in DESIGN.md.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// outboundEnvelope wraps every server->client frame with the per-connection
// ascending seq spec section 6.1 asks for.
type outboundEnvelope struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload"`
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// wsClient is one attached lobby socket connection.
type wsClient struct {
	conn     *websocket.Conn
	connID   string
	userID   string
	roomCode string

	send      chan []byte
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
	seq       uint64
	limiter   *ratelimit.ConnLimiter
}

func (c *wsClient) nextSeq() uint64 {
	return atomic.AddUint64(&c.seq, 1)
}

func (c *wsClient) enqueue(frame outboundEnvelope) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop rather than block the fan-out goroutine.
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// Hub is the local, process-wide registry of attached lobby sockets. It
// implements lobby.EventSink: Manager state transitions arrive here and are
// fanned out to every locally-attached connection for the affected room,
// plus published on the bus for sibling instances.
type Hub struct {
	manager  *lobby.Manager
	heartbeats *heartbeat.Service
	bus      *bus.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader

	instanceID      string
	connMessageRate float64
	gameURLTemplate string

	mu          sync.Mutex
	conns       map[string]*wsClient            // connID -> client
	roomConns   map[string]map[string]*wsClient // roomCode -> connID -> client
	roomCancel  map[string]context.CancelFunc    // roomCode -> bus subscription cancel
}

// NewHub builds the lobby socket transport.
func NewHub(manager *lobby.Manager, heartbeats *heartbeat.Service, busService *bus.Service, logger *zap.Logger, allowedOrigins []string, connMessageRate float64, gameURLTemplate string) *Hub {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return &Hub{
		manager:         manager,
		heartbeats:      heartbeats,
		bus:             busService,
		logger:          logger,
		instanceID:      ids.New(),
		connMessageRate: connMessageRate,
		gameURLTemplate: gameURLTemplate,
		conns:           make(map[string]*wsClient),
		roomConns:       make(map[string]map[string]*wsClient),
		roomCancel:      make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				_, ok := originSet[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// SetManager wires the Lobby Manager into the Hub after construction, which
// breaks the constructor cycle between them: the Manager needs an
// EventSink (the Hub) and the Hub's dispatch needs the Manager. Call this
// once, before ServeWS handles any connection.
func (h *Hub) SetManager(manager *lobby.Manager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manager = manager
}

// ServeWS upgrades the HTTP request to a WebSocket and runs the connection
// until it drops.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:    conn,
		connID:  ids.New(),
		send:    make(chan []byte, sendBufferSize),
		limiter: ratelimit.NewConnLimiter(h.connMessageRate),
	}

	h.mu.Lock()
	h.conns[client.connID] = client
	h.mu.Unlock()
	metrics.IncConnection()

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (h *Hub) readPump(c *wsClient) {
	defer h.handleDisconnect(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			h.sendError(c, domain.KindForbidden, "rate limit exceeded")
			continue
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed frame: drop, never propagate to the room
		}
		h.dispatch(c, env)
	}
}

func (h *Hub) handleDisconnect(c *wsClient) {
	c.conn.Close()
	c.close()

	h.mu.Lock()
	delete(h.conns, c.connID)
	roomCode := c.roomCode
	unsubscribed := false
	if roomCode != "" {
		unsubscribed = h.detachFromRoomLocked(roomCode, c.connID)
	}
	h.mu.Unlock()
	metrics.DecConnection()

	if unsubscribed && h.bus != nil {
		if err := h.bus.LeaveRoomOwners(context.Background(), roomCode, h.instanceID); err != nil {
			logging.Warn(context.Background(), "bus LeaveRoomOwners failed", zap.String(string(logging.RoomCodeKey), roomCode), zap.Error(err))
		}
	}

	ctx := context.Background()
	if err := h.manager.OnDisconnect(ctx, c.connID, time.Now()); err != nil {
		logging.Warn(ctx, "OnDisconnect failed", zap.String(string(logging.ConnIDKey), c.connID), zap.Error(err))
	}
}

// detachFromRoomLocked removes connID from the room's local fan-out set and
// tears down the bus subscription once no local connection remains attached.
// Caller must hold h.mu. Returns true when the room's subscription was torn
// down, so the caller can drop this instance from the room's owner set
// without holding h.mu across a network call.
func (h *Hub) detachFromRoomLocked(roomCode, connID string) bool {
	set, ok := h.roomConns[roomCode]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.roomConns, roomCode)
		if cancel, ok := h.roomCancel[roomCode]; ok {
			cancel()
			delete(h.roomCancel, roomCode)
			return true
		}
	}
	return false
}

func (h *Hub) attachToRoom(c *wsClient, roomCode string) {
	h.mu.Lock()
	unsubscribedPrior := false
	priorRoom := c.roomCode
	if c.roomCode != "" && c.roomCode != roomCode {
		unsubscribedPrior = h.detachFromRoomLocked(c.roomCode, c.connID)
	}
	c.roomCode = roomCode
	set, ok := h.roomConns[roomCode]
	if !ok {
		set = make(map[string]*wsClient)
		h.roomConns[roomCode] = set
	}
	set[c.connID] = c
	_, subscribed := h.roomCancel[roomCode]
	h.mu.Unlock()

	if unsubscribedPrior && h.bus != nil {
		if err := h.bus.LeaveRoomOwners(context.Background(), priorRoom, h.instanceID); err != nil {
			logging.Warn(context.Background(), "bus LeaveRoomOwners failed", zap.String(string(logging.RoomCodeKey), priorRoom), zap.Error(err))
		}
	}

	if !subscribed && h.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.roomCancel[roomCode] = cancel
		h.mu.Unlock()
		if err := h.bus.JoinRoomOwners(context.Background(), roomCode, h.instanceID); err != nil {
			logging.Warn(context.Background(), "bus JoinRoomOwners failed", zap.String(string(logging.RoomCodeKey), roomCode), zap.Error(err))
		}
		h.bus.Subscribe(ctx, roomCode, nil, func(msg bus.PubSubPayload) {
			if msg.SenderID == h.instanceID {
				return // suppress echo of our own publish
			}
			if target, eventType, ok := decodeDirectEnvelope(msg.Event, msg.Payload); ok {
				h.fanOutToUserLocal(roomCode, target, eventType, json.RawMessage(msg.Payload))
				return
			}
			h.fanOutLocal(roomCode, msg.Event, json.RawMessage(msg.Payload))
		})
	}
}

// directEventPrefix marks a bus message that should only be locally
// delivered to one member of the room rather than broadcast to all of it;
// used for per-recipient frames (server:return-to-gb) published over the
// room channel since the bus has no per-user subscription of its own.
const directEventPrefix = "_direct:"

type directEnvelope struct {
	TargetUserID string `json:"targetUserId"`
	Payload      any    `json:"payload"`
}

func decodeDirectEnvelope(eventType string, payload json.RawMessage) (targetUserID, realEventType string, ok bool) {
	if !strings.HasPrefix(eventType, directEventPrefix) {
		return "", "", false
	}
	var env directEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", false
	}
	return env.TargetUserID, strings.TrimPrefix(eventType, directEventPrefix), true
}

// Emit implements lobby.EventSink: fan out to local connections, then
// publish for sibling instances.
func (h *Hub) Emit(ctx context.Context, roomCode string, eventType string, payload any) {
	h.fanOutLocal(roomCode, eventType, payload)
	if h.bus != nil {
		if err := h.bus.Publish(ctx, roomCode, eventType, payload, h.instanceID); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.String(string(logging.RoomCodeKey), roomCode), zap.Error(err))
		}
	}
}

// EmitToUser implements lobby.EventSink: deliver eventType/payload to exactly
// one member's connections within roomCode, locally and across sibling
// instances, instead of broadcasting to the whole room.
func (h *Hub) EmitToUser(ctx context.Context, roomCode, userID, eventType string, payload any) {
	h.fanOutToUserLocal(roomCode, userID, eventType, payload)
	if h.bus != nil {
		wrapped := directEnvelope{TargetUserID: userID, Payload: payload}
		if err := h.bus.Publish(ctx, roomCode, directEventPrefix+eventType, wrapped, h.instanceID); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.String(string(logging.RoomCodeKey), roomCode), zap.Error(err))
		}
	}
}

func (h *Hub) fanOutToUserLocal(roomCode, userID, eventType string, payload any) {
	h.mu.Lock()
	set := h.roomConns[roomCode]
	clients := make([]*wsClient, 0, 1)
	for _, c := range set {
		if c.userID == userID {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(outboundEnvelope{Type: eventType, Seq: c.nextSeq(), Payload: payload})
	}
}

func (h *Hub) fanOutLocal(roomCode, eventType string, payload any) {
	h.mu.Lock()
	set := h.roomConns[roomCode]
	clients := make([]*wsClient, 0, len(set))
	for _, c := range set {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(outboundEnvelope{Type: eventType, Seq: c.nextSeq(), Payload: payload})
	}
}

func (h *Hub) sendDirect(c *wsClient, eventType string, payload any) {
	c.enqueue(outboundEnvelope{Type: eventType, Seq: c.nextSeq(), Payload: payload})
}

func (h *Hub) sendError(c *wsClient, kind domain.Kind, message string) {
	h.sendDirect(c, "ERROR", map[string]any{"code": string(kind), "message": message})
}

func (h *Hub) sendErrorFromErr(c *wsClient, err error) {
	h.sendError(c, domain.KindOf(err), err.Error())
}
