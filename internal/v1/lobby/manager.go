// Package lobby implements the Lobby Manager state machine: the single
// authority for Room and Member transitions. Every mutation to a given
// room is serialized through a per-room lock (see manager.go's lockRoom),
// so two operations on different rooms proceed without coordination while
// operations on the same room never interleave.
package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/ennuiii/gamebuddies/internal/v1/domain"
	"github.com/ennuiii/gamebuddies/internal/v1/ids"
	"github.com/ennuiii/gamebuddies/internal/v1/logging"
	"github.com/ennuiii/gamebuddies/internal/v1/metrics"
	"github.com/ennuiii/gamebuddies/internal/v1/registry"
	"github.com/ennuiii/gamebuddies/internal/v1/returncoord"
	"github.com/ennuiii/gamebuddies/internal/v1/sessiontoken"
	"github.com/ennuiii/gamebuddies/internal/v1/store"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// EventSink receives every state transition after its Store commit, so the
// Edge can fan it out locally and across instances. The Manager never
// touches a transport directly; fan-out happens off the per-room critical
// section per spec section 5.
type EventSink interface {
	Emit(ctx context.Context, roomCode string, eventType string, payload any)
	// EmitToUser delivers eventType/payload to exactly one room member's
	// connections, local or on another instance, instead of the whole room.
	EmitToUser(ctx context.Context, roomCode, userID, eventType string, payload any)
}

// CreateOptions are the caller-supplied fields for Create.
type CreateOptions struct {
	DisplayName  string
	GameType     string
	MaxPlayers   int
	IsPublic     bool
	StreamerMode bool
}

// Manager is the Lobby Manager. Build one with NewManager and share it
// across every Edge connection handler.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	tokens   *sessiontoken.Service
	returns  *returncoord.Service
	sink     EventSink
	logger   *zap.Logger

	minPlayers       int
	maxPlayers       int
	maxSessionAge    time.Duration
	hostGrace        time.Duration
	roomCodeAlphabet string

	mu              sync.Mutex
	roomLocks       map[string]*sync.Mutex
	hostGraceTimers map[string]*time.Timer
}

// Config bundles the tuning knobs NewManager needs from config.Config,
// kept separate so this package doesn't import config directly.
type Config struct {
	MinPlayers       int
	MaxPlayers       int
	MaxSessionAge    time.Duration
	HostGrace        time.Duration
	RoomCodeAlphabet string
}

// NewManager builds a Manager.
func NewManager(st store.Store, reg *registry.Registry, tokens *sessiontoken.Service, returns *returncoord.Service, sink EventSink, logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		store:            st,
		registry:         reg,
		tokens:           tokens,
		returns:          returns,
		sink:             sink,
		logger:           logger,
		minPlayers:       cfg.MinPlayers,
		maxPlayers:       cfg.MaxPlayers,
		maxSessionAge:    cfg.MaxSessionAge,
		hostGrace:        cfg.HostGrace,
		roomCodeAlphabet: cfg.RoomCodeAlphabet,
		roomLocks:        make(map[string]*sync.Mutex),
		hostGraceTimers:  make(map[string]*time.Timer),
	}
}

// lockRoom acquires the per-room critical section, creating its lock on
// first use, and returns the matching unlock function.
func (m *Manager) lockRoom(roomCode string) func() {
	m.mu.Lock()
	l, ok := m.roomLocks[roomCode]
	if !ok {
		l = &sync.Mutex{}
		m.roomLocks[roomCode] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) observe(op string, err error, start time.Time) {
	metrics.LobbyOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LobbyOperationsTotal.WithLabelValues(op, status).Inc()
}

// Create mints a room code, inserts the Room and its host Member, and
// attaches the initiating connection.
func (m *Manager) Create(ctx context.Context, userID, connID string, opts CreateOptions, now time.Time) (room domain.Room, err error) {
	start := time.Now()
	defer func() { m.observe("create", err, start) }()

	maxPlayers := opts.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = m.maxPlayers
	}
	if maxPlayers < m.minPlayers || maxPlayers > m.maxPlayers {
		return domain.Room{}, domain.NewError(domain.KindValidation, "max_players out of range")
	}

	code, err := m.allocateRoomCode(ctx)
	if err != nil {
		return domain.Room{}, err
	}

	room = domain.Room{
		ID:           ids.New(),
		RoomCode:     code,
		HostID:       userID,
		Status:       domain.RoomStatusLobby,
		CurrentGame:  opts.GameType,
		MaxPlayers:   maxPlayers,
		IsPublic:     opts.IsPublic,
		StreamerMode: opts.StreamerMode,
		Metadata:     map[string]string{},
		CreatedAt:    now,
		LastActivity: now,
	}
	host := domain.Member{
		RoomCode:        code,
		UserID:          userID,
		DisplayName:     opts.DisplayName,
		Role:            domain.RoleHost,
		IsConnected:     true,
		CurrentLocation: domain.LocationLobby,
		JoinedAt:        now,
		LastPing:        now,
	}

	unlock := m.lockRoom(code)
	err = m.store.CreateRoom(ctx, room, host)
	unlock()
	if err == store.ErrRoomCodeTaken {
		return domain.Room{}, domain.NewError(domain.KindConflict, "room code collided")
	}
	if err != nil {
		return domain.Room{}, domain.Wrap(domain.KindInternal, "create room", err)
	}

	if attachErr := m.registry.Attach(connID, userID, code, now); attachErr != nil {
		m.logger.Warn("create: connection already attached", zap.String(string(logging.ConnIDKey), connID), zap.Error(attachErr))
	}
	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: code, UserID: userID, EventType: "room_created", CreatedAt: now})
	m.sink.Emit(ctx, code, "ROOM.CREATED", room)
	return room, nil
}

func (m *Manager) allocateRoomCode(ctx context.Context) (string, error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := ids.RoomCode(m.roomCodeAlphabet)
		if err != nil {
			return "", domain.Wrap(domain.KindInternal, "generate room code", err)
		}
		exists, err := m.store.RoomCodeExists(ctx, code)
		if err != nil {
			return "", domain.Wrap(domain.KindInternal, "check room code uniqueness", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", domain.NewError(domain.KindInternal, "could not allocate a unique room code")
}

// Join attaches a connection to a room under a new or rejoining Member
// row. See spec section 4.3 for the full branch table.
func (m *Manager) Join(ctx context.Context, userID, connID, roomCode, displayName string, now time.Time) (room domain.Room, members []domain.Member, err error) {
	start := time.Now()
	defer func() { m.observe("join", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err = m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return domain.Room{}, nil, domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err != nil {
		return domain.Room{}, nil, domain.Wrap(domain.KindInternal, "get room", err)
	}
	if room.Status == domain.RoomStatusAbandoned || room.Status == domain.RoomStatusFinished {
		return domain.Room{}, nil, domain.NewError(domain.KindRoomNotAvailable, "room is no longer available")
	}

	existingMembers, err := m.store.ListMembers(ctx, roomCode)
	if err != nil {
		return domain.Room{}, nil, domain.Wrap(domain.KindInternal, "list members", err)
	}

	connectedNames := set.New[string]()
	connectedCount := 0
	var existing *domain.Member
	for i := range existingMembers {
		mem := existingMembers[i]
		if mem.UserID == userID {
			existing = &existingMembers[i]
		}
		if mem.IsConnected {
			connectedCount++
			if mem.UserID != userID {
				connectedNames.Insert(mem.DisplayName)
			}
		}
	}
	if connectedNames.Has(displayName) {
		return domain.Room{}, nil, domain.NewError(domain.KindDuplicateName, "display name already in use")
	}

	switch {
	case existing == nil:
		if connectedCount >= room.MaxPlayers {
			return domain.Room{}, nil, domain.NewError(domain.KindRoomFull, "room is full")
		}
		newMember := domain.Member{
			RoomCode:        roomCode,
			UserID:          userID,
			DisplayName:     displayName,
			Role:            domain.RolePlayer,
			IsConnected:     true,
			CurrentLocation: domain.LocationLobby,
			JoinedAt:        now,
			LastPing:        now,
		}
		if err = m.store.UpsertMember(ctx, newMember); err != nil {
			return domain.Room{}, nil, domain.Wrap(domain.KindInternal, "upsert member", err)
		}
	case !existing.IsConnected:
		_, err = m.store.UpdateMember(ctx, roomCode, userID, func(mem *domain.Member) error {
			mem.IsConnected = true
			mem.CurrentLocation = domain.LocationLobby
			mem.DisplayName = displayName
			mem.LastPing = now
			return nil
		})
		if err != nil {
			return domain.Room{}, nil, domain.Wrap(domain.KindInternal, "rejoin member", err)
		}
		if userID == room.HostID {
			// The host re-attached before their grace timer fired: cancel it,
			// same cleanup TransferHost does on its own host-change path
			// (spec section 5: grace timers are cancelled by the event that
			// invalidates them).
			m.cancelHostGrace(roomCode)
		}
	case now.Sub(existing.JoinedAt) > m.maxSessionAge:
		return domain.Room{}, nil, domain.NewError(domain.KindSessionExpired, "session exceeds max age")
	default:
		// already connected, within session age: idempotent re-join (e.g. duplicate JOIN frame).
	}

	if attachErr := m.registry.Attach(connID, userID, roomCode, now); attachErr != nil {
		m.logger.Warn("join: connection already attached", zap.String(string(logging.ConnIDKey), connID), zap.Error(attachErr))
	}

	members, err = m.store.ListMembers(ctx, roomCode)
	if err != nil {
		return domain.Room{}, nil, domain.Wrap(domain.KindInternal, "list members after join", err)
	}
	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, UserID: userID, EventType: "member_joined", CreatedAt: now})
	m.sink.Emit(ctx, roomCode, "PLAYER.JOINED", map[string]any{"userId": userID, "displayName": displayName})
	return room, members, nil
}

// Leave removes a Member explicitly (not a transport drop — see
// OnDisconnect for that path) and triggers host succession or room
// abandonment as needed.
func (m *Manager) Leave(ctx context.Context, userID, connID, roomCode string, now time.Time) (err error) {
	start := time.Now()
	defer func() { m.observe("leave", err, start) }()

	m.registry.Detach(connID)

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return nil // already gone, nothing to do
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, "get room", err)
	}

	if err = m.store.DeleteMember(ctx, roomCode, userID); err != nil {
		return domain.Wrap(domain.KindInternal, "delete member", err)
	}
	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, UserID: userID, EventType: "member_left", CreatedAt: now})
	m.sink.Emit(ctx, roomCode, "PLAYER.LEFT", map[string]any{"userId": userID})

	return m.handleMemberGoneLocked(ctx, room, userID, now)
}

// OnDisconnect is the transport-drop counterpart to Leave: the Member row
// survives (flips to disconnected) rather than being deleted, unless the
// disconnect falls inside an active return-grace window, in which case it
// is ignored entirely per spec section 4.4.
func (m *Manager) OnDisconnect(ctx context.Context, connID string, now time.Time) (err error) {
	start := time.Now()
	defer func() { m.observe("on_disconnect", err, start) }()

	userID, roomCode, ok := m.registry.Detach(connID)
	if !ok {
		return nil
	}
	if len(m.registry.Lookup(userID, roomCode)) > 0 {
		return nil // another connection for this user/room is still live
	}

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, "get room", err)
	}
	if m.returns.InGrace(room, now) {
		return nil // transient game<->lobby navigation, not a real departure
	}

	_, err = m.store.UpdateMember(ctx, roomCode, userID, func(mem *domain.Member) error {
		mem.IsConnected = false
		mem.CurrentLocation = domain.LocationDisconnected
		return nil
	})
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, "mark member disconnected", err)
	}
	m.sink.Emit(ctx, roomCode, "PLAYER.DISCONNECTED", map[string]any{"userId": userID})

	return m.handleMemberGoneLocked(ctx, room, userID, now)
}

// handleMemberGoneLocked runs the shared abandonment/host-succession tail
// for both Leave and OnDisconnect. Caller must already hold the room lock.
func (m *Manager) handleMemberGoneLocked(ctx context.Context, room domain.Room, userID string, now time.Time) error {
	members, err := m.store.ListMembers(ctx, room.RoomCode)
	if err != nil {
		return domain.Wrap(domain.KindInternal, "list members", err)
	}

	anyConnected := false
	for _, mem := range members {
		if mem.IsConnected {
			anyConnected = true
			break
		}
	}

	if !anyConnected {
		m.cancelHostGrace(room.RoomCode)
		_, err = m.store.UpdateRoom(ctx, room.RoomCode, func(r *domain.Room) error {
			r.Status = domain.RoomStatusAbandoned
			return nil
		})
		if err != nil {
			return domain.Wrap(domain.KindInternal, "abandon room", err)
		}
		_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: room.RoomCode, EventType: "room_abandoned", CreatedAt: now})
		return nil
	}

	if room.HostID == userID {
		m.scheduleHostGrace(room.RoomCode)
	}
	return nil
}

// scheduleHostGrace starts (or restarts) the 30s host-grace timer for a
// room. If the host re-attaches or an explicit transfer completes before
// it fires, the timer is cancelled.
func (m *Manager) scheduleHostGrace(roomCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.hostGraceTimers[roomCode]; ok {
		t.Stop()
	}
	m.hostGraceTimers[roomCode] = time.AfterFunc(m.hostGrace, func() {
		m.promoteSuccessor(context.Background(), roomCode, time.Now())
	})
}

func (m *Manager) cancelHostGrace(roomCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.hostGraceTimers[roomCode]; ok {
		t.Stop()
		delete(m.hostGraceTimers, roomCode)
	}
}

// promoteSuccessor fires when a host-grace timer expires without the host
// re-attaching: the earliest-joined connected Member becomes host.
func (m *Manager) promoteSuccessor(ctx context.Context, roomCode string, now time.Time) {
	unlock := m.lockRoom(roomCode)
	defer unlock()

	m.mu.Lock()
	delete(m.hostGraceTimers, roomCode)
	m.mu.Unlock()

	room, err := m.store.GetRoom(ctx, roomCode)
	if err != nil {
		return
	}

	hostMember, err := m.store.GetMember(ctx, roomCode, room.HostID)
	if err == nil && hostMember.IsConnected {
		return // host re-attached before the timer fired
	}

	members, err := m.store.ListMembers(ctx, roomCode)
	if err != nil {
		m.logger.Error("promoteSuccessor: list members failed", zap.String(string(logging.RoomCodeKey), roomCode), zap.Error(err))
		return
	}

	var successor *domain.Member
	for i := range members {
		mem := members[i]
		if !mem.IsConnected || mem.UserID == room.HostID {
			continue
		}
		if successor == nil || mem.JoinedAt.Before(successor.JoinedAt) {
			successor = &members[i]
		}
	}
	if successor == nil {
		return // no connected members remain; the room reaper will abandon
	}

	oldHostID := room.HostID
	if _, err = m.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		r.HostID = successor.UserID
		return nil
	}); err != nil {
		m.logger.Error("promoteSuccessor: update room failed", zap.Error(err))
		return
	}
	_, _ = m.store.UpdateMember(ctx, roomCode, successor.UserID, func(mem *domain.Member) error {
		mem.Role = domain.RoleHost
		return nil
	})

	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, UserID: successor.UserID, EventType: "host_transferred", CreatedAt: now})
	m.sink.Emit(ctx, roomCode, "HOST.TRANSFERRED", map[string]any{
		"oldHostId": oldHostID,
		"newHostId": successor.UserID,
		"reason":    "host_grace_expired",
	})
}

// ToggleReady flips a member's is_ready flag.
func (m *Manager) ToggleReady(ctx context.Context, userID, roomCode string, now time.Time) (member domain.Member, err error) {
	start := time.Now()
	defer func() { m.observe("toggle_ready", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	member, err = m.store.UpdateMember(ctx, roomCode, userID, func(mem *domain.Member) error {
		mem.IsReady = !mem.IsReady
		return nil
	})
	if err == store.ErrNotFound {
		return domain.Member{}, domain.NewError(domain.KindUnauthorized, "not a member of this room")
	}
	if err != nil {
		return domain.Member{}, domain.Wrap(domain.KindInternal, "toggle ready", err)
	}
	m.sink.Emit(ctx, roomCode, "PLAYER.READY_CHANGED", map[string]any{"userId": userID, "isReady": member.IsReady})
	return member, nil
}

// SelectGame updates current_game; host-only.
func (m *Manager) SelectGame(ctx context.Context, userID, roomCode, gameID string, settings map[string]string, now time.Time) (room domain.Room, err error) {
	start := time.Now()
	defer func() { m.observe("select_game", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err = m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return domain.Room{}, domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err != nil {
		return domain.Room{}, domain.Wrap(domain.KindInternal, "get room", err)
	}
	if room.HostID != userID {
		return domain.Room{}, domain.NewError(domain.KindUnauthorized, "only the host may select the game")
	}

	room, err = m.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		r.CurrentGame = gameID
		r.LastActivity = now
		return nil
	})
	if err != nil {
		return domain.Room{}, domain.Wrap(domain.KindInternal, "select game", err)
	}
	m.sink.Emit(ctx, roomCode, "GAME.SELECTED", map[string]any{"gameType": gameID, "settings": settings})
	return room, nil
}

// StartGameResult carries the per-member Session Tokens StartGame minted,
// since the Edge must encode each recipient's own token in their copy of
// GAME.STARTED.
type StartGameResult struct {
	Room          domain.Room
	TokensByUser  map[string]string
}

// StartGame mints one Session Token per connected member and transitions
// the room into in_game; host-only, requires current_game set and at
// least min_players connected.
func (m *Manager) StartGame(ctx context.Context, userID, roomCode string, now time.Time) (result StartGameResult, err error) {
	start := time.Now()
	defer func() { m.observe("start_game", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return StartGameResult{}, domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err != nil {
		return StartGameResult{}, domain.Wrap(domain.KindInternal, "get room", err)
	}
	if room.HostID != userID {
		return StartGameResult{}, domain.NewError(domain.KindUnauthorized, "only the host may start the game")
	}
	if room.CurrentGame == "" {
		return StartGameResult{}, domain.NewError(domain.KindValidation, "no game selected")
	}

	members, err := m.store.ListMembers(ctx, roomCode)
	if err != nil {
		return StartGameResult{}, domain.Wrap(domain.KindInternal, "list members", err)
	}

	connected := make([]domain.Member, 0, len(members))
	for _, mem := range members {
		if mem.IsConnected {
			connected = append(connected, mem)
		}
	}
	if len(connected) < m.minPlayers {
		return StartGameResult{}, domain.NewError(domain.KindValidation, "not enough connected players")
	}

	tokensByUser := make(map[string]string, len(connected))
	for _, mem := range connected {
		token, mintErr := m.tokens.Mint(ctx, sessiontoken.MintParams{
			RoomCode:     roomCode,
			UserID:       mem.UserID,
			GameType:     room.CurrentGame,
			StreamerMode: room.StreamerMode,
		}, now)
		if mintErr != nil {
			return StartGameResult{}, domain.Wrap(domain.KindInternal, "mint session token", mintErr)
		}
		tokensByUser[mem.UserID] = token
	}

	room, err = m.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		r.Status = domain.RoomStatusInGame
		r.GameStartedAt = now
		r.LastActivity = now
		return nil
	})
	if err != nil {
		return StartGameResult{}, domain.Wrap(domain.KindInternal, "start game", err)
	}
	// Clear any pending_return left over from a prior return-to-lobby cycle
	// (spec section 4.4's clearing law): otherwise the next return_to_lobby
	// call sees a stale pending_return and hands out last cycle's tokens.
	if err := m.returns.Clear(ctx, roomCode); err != nil {
		return StartGameResult{}, domain.Wrap(domain.KindInternal, "clear pending return", err)
	}

	for _, mem := range connected {
		_, _ = m.store.UpdateMember(ctx, roomCode, mem.UserID, func(m2 *domain.Member) error {
			m2.CurrentLocation = domain.LocationGame
			return nil
		})
	}

	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, UserID: userID, EventType: "game_started", CreatedAt: now})
	// No sink.Emit here: GAME.STARTED carries a per-recipient gameUrl/token
	// (spec section 6.1), so the Edge builds and sends one frame per member
	// itself from TokensByUser instead of a uniform broadcast.
	return StartGameResult{Room: room, TokensByUser: tokensByUser}, nil
}

// EndGame closes out a game that isn't returning players to the lobby: the
// external game reported it ended with returnPlayers=false (spec section
// 4.3's in_game → finished row). Unlike ReturnToLobby, no tokens are
// minted and no member is expected to come back, so this just retires the
// room.
func (m *Manager) EndGame(ctx context.Context, roomCode string, now time.Time) (err error) {
	start := time.Now()
	defer func() { m.observe("end_game", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, "get room", err)
	}
	if room.Status != domain.RoomStatusInGame {
		return domain.NewError(domain.KindRoomNotAvailable, "room is not in_game")
	}

	if _, err = m.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		r.Status = domain.RoomStatusFinished
		r.LastActivity = now
		return nil
	}); err != nil {
		return domain.Wrap(domain.KindInternal, "end game", err)
	}
	if err = m.returns.Clear(ctx, roomCode); err != nil {
		return domain.Wrap(domain.KindInternal, "clear pending return", err)
	}

	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, CreatedAt: now, EventType: "game_finished"})
	m.sink.Emit(ctx, roomCode, "ROOM.FINISHED", map[string]any{"roomCode": roomCode})
	return nil
}

// TransferHost swaps the host role between the current host and a
// connected target member; current-host-only.
func (m *Manager) TransferHost(ctx context.Context, callerID, roomCode, targetUserID string, now time.Time) (room domain.Room, err error) {
	start := time.Now()
	defer func() { m.observe("transfer_host", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err = m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return domain.Room{}, domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err != nil {
		return domain.Room{}, domain.Wrap(domain.KindInternal, "get room", err)
	}
	if room.HostID != callerID {
		return domain.Room{}, domain.NewError(domain.KindUnauthorized, "only the current host may transfer")
	}

	target, err := m.store.GetMember(ctx, roomCode, targetUserID)
	if err == store.ErrNotFound || !target.IsConnected {
		return domain.Room{}, domain.NewError(domain.KindForbidden, "target is not a connected member")
	}
	if err != nil {
		return domain.Room{}, domain.Wrap(domain.KindInternal, "get target member", err)
	}

	room, err = m.store.UpdateRoom(ctx, roomCode, func(r *domain.Room) error {
		r.HostID = targetUserID
		return nil
	})
	if err != nil {
		return domain.Room{}, domain.Wrap(domain.KindInternal, "transfer host", err)
	}
	_, _ = m.store.UpdateMember(ctx, roomCode, targetUserID, func(mem *domain.Member) error { mem.Role = domain.RoleHost; return nil })
	_, _ = m.store.UpdateMember(ctx, roomCode, callerID, func(mem *domain.Member) error { mem.Role = domain.RolePlayer; return nil })
	m.cancelHostGrace(roomCode)

	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, UserID: targetUserID, EventType: "host_transferred", CreatedAt: now})
	m.sink.Emit(ctx, roomCode, "HOST.TRANSFERRED", map[string]any{"oldHostId": callerID, "newHostId": targetUserID, "reason": "host_initiated"})
	return room, nil
}

// Kick removes a target Member; host-only.
func (m *Manager) Kick(ctx context.Context, hostID, roomCode, targetUserID, reason string, now time.Time) (err error) {
	start := time.Now()
	defer func() { m.observe("kick", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, err := m.store.GetRoom(ctx, roomCode)
	if err == store.ErrNotFound {
		return domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, "get room", err)
	}
	if room.HostID != hostID {
		return domain.NewError(domain.KindUnauthorized, "only the host may kick")
	}

	if _, err = m.store.GetMember(ctx, roomCode, targetUserID); err == store.ErrNotFound {
		return domain.NewError(domain.KindForbidden, "kick target is not a member")
	}
	if err != nil {
		return domain.Wrap(domain.KindInternal, "get target member", err)
	}

	if err = m.store.DeleteMember(ctx, roomCode, targetUserID); err != nil {
		return domain.Wrap(domain.KindInternal, "delete member", err)
	}
	_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, UserID: targetUserID, EventType: "member_kicked", CreatedAt: now})
	m.sink.Emit(ctx, roomCode, "PLAYER.KICKED", map[string]any{"userId": targetUserID, "reason": reason})
	return nil
}

// ReturnToLobby sets pending_return and broadcasts server:return-to-gb.
// Authorized callers are the room's host or a game-service API key scoped
// to the room (the Edge enforces the latter before calling this). A second
// call while already pending is a no-op per spec section 4.4's idempotence
// law.
func (m *Manager) ReturnToLobby(ctx context.Context, roomCode string, now time.Time) (returnURL string, playersAffected int, alreadyPending bool, err error) {
	start := time.Now()
	defer func() { m.observe("return_to_lobby", err, start) }()

	unlock := m.lockRoom(roomCode)
	defer unlock()

	room, tokensByUser, alreadyPending, err := m.returns.Initiate(ctx, roomCode, now)
	if err == returncoord.ErrRoomNotFound {
		return "", 0, false, domain.NewError(domain.KindRoomNotFound, "room not found")
	}
	if err == returncoord.ErrRoomNotInGame {
		return "", 0, false, domain.NewError(domain.KindRoomNotAvailable, "room is not in_game")
	}
	if err != nil {
		return "", 0, false, domain.Wrap(domain.KindInternal, "initiate return", err)
	}
	returnURL = m.returns.ReturnURL(room.StreamerMode, roomCode, "")

	if !alreadyPending {
		_ = m.store.AppendEvent(ctx, domain.Event{ID: ids.New(), RoomCode: roomCode, EventType: "return_to_lobby_initiated", CreatedAt: now})
		for userID, token := range tokensByUser {
			payload := map[string]any{"returnUrl": m.returns.ReturnURL(room.StreamerMode, roomCode, token)}
			if !room.StreamerMode {
				payload["roomCode"] = roomCode
			}
			payload["sessionToken"] = token
			m.sink.EmitToUser(ctx, roomCode, userID, "server:return-to-gb", payload)
		}
	}
	return returnURL, len(tokensByUser), alreadyPending, nil
}
