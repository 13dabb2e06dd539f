package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/chat-gateway/internal/config"
	"github.com/mohamedkhairy/chat-gateway/internal/models"
	"github.com/mohamedkhairy/chat-gateway/internal/storage"
	"github.com/mohamedkhairy/chat-gateway/pkg/logger"
)

type pendingConn struct {
	conn  *Connection
	timer *time.Timer
}

// Hub owns the connection lifecycle: handshake, read and write pumps,
// command dispatch and teardown
type Hub struct {
	config      config.GatewayConfig
	registry    *ConnectionRegistry
	members     *MembershipTable
	broadcaster *Broadcaster
	dispatcher  *Dispatcher
	verifier    IdentityVerifier
	presence    *presenceSync

	pending   map[string]*pendingConn
	pendingMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	connectionsTotal atomic.Int64
	startedAt        time.Time
}

// HubStats holds statistics about the hub
type HubStats struct {
	ConnectionsTotal   int64     `json:"connectionsTotal"`
	ConnectionsActive  int64     `json:"connectionsActive"`
	ConnectionsPending int64     `json:"connectionsPending"`
	RoomsActive        int64     `json:"roomsActive"`
	CommandsHandled    int64     `json:"commandsHandled"`
	CommandsFailed     int64     `json:"commandsFailed"`
	EventsDelivered    int64     `json:"eventsDelivered"`
	EventsDropped      int64     `json:"eventsDropped"`
	LastCommandTime    time.Time `json:"lastCommandTime,omitempty"`
	Uptime             string    `json:"uptime"`
}

// NewHub creates a new WebSocket hub. mirror may be nil.
func NewHub(cfg config.GatewayConfig, store storage.MessageStore, verifier IdentityVerifier, mirror PresenceMirror) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewConnectionRegistry()
	members := NewMembershipTable()
	broadcaster := NewBroadcaster(registry)
	dispatcher := NewDispatcher(registry, members, broadcaster, store, cfg.CommandTimeout, cfg.HistoryLimit)
	presence := newPresenceSync(mirror, members, cfg.CommandTimeout)
	dispatcher.presence = presence

	return &Hub{
		config:      cfg,
		registry:    registry,
		members:     members,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		verifier:    verifier,
		presence:    presence,
		pending:     make(map[string]*pendingConn),
		ctx:         ctx,
		cancel:      cancel,
		startedAt:   time.Now(),
	}
}

// Start starts the connection monitor and the presence mirror
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	logger.Info("Starting WebSocket hub",
		logger.Duration("handshake_timeout", h.config.HandshakeTimeout),
		logger.Bool("presence_mirror", h.presence != nil),
	)

	h.wg.Add(1)
	go h.monitorConnections()

	if h.presence != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.presence.run(h.ctx)
		}()
	}

	return nil
}

// Stop closes every connection and waits for the hub goroutines to exit
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	logger.Info("Stopping WebSocket hub")

	for _, conn := range h.registry.GetAll() {
		h.Unregister(conn)
	}
	for _, conn := range h.pendingConnections() {
		h.Unregister(conn)
	}
	h.cancel()
	h.wg.Wait()

	logger.Info("WebSocket hub stopped",
		logger.Int64("connections_served", h.connectionsTotal.Load()),
	)
}

// Accept takes ownership of an upgraded socket. A non-nil identity was
// verified during the HTTP upgrade and is registered immediately; otherwise
// the client must send authenticate within the handshake timeout.
func (h *Hub) Accept(ws *websocket.Conn, identity *models.Identity) (*Connection, error) {
	conn := NewConnection(uuid.New().String(), ws, h.config.SendBufferSize, h.config.SendTimeout)

	if identity != nil {
		if err := h.Register(conn, identity); err != nil {
			conn.Close()
			return nil, err
		}
	} else {
		h.addPending(conn)
	}

	if ws != nil {
		h.wg.Add(2)
		go h.writePump(conn)
		go h.readPump(conn)
	}
	return conn, nil
}

// Register binds identity to conn and admits it to the registry
func (h *Hub) Register(conn *Connection, identity *models.Identity) error {
	conn.cmdMu.Lock()
	defer conn.cmdMu.Unlock()

	if conn.IsClosing() {
		return ErrConnectionClosed
	}
	if _, err := h.registry.Register(conn, identity); err != nil {
		return err
	}

	h.connectionsTotal.Add(1)
	connectionsTotal.Inc()
	connectionsActive.Set(float64(h.registry.Count()))

	logger.Info("Connection registered",
		logger.String("connection_id", conn.ID),
		logger.String("user_id", identity.UserID),
		logger.Int("user_connections", h.registry.CountByUser(identity.UserID)),
		logger.Int("total_connections", h.registry.Count()),
	)
	return nil
}

// Unregister tears a connection down: it leaves every room, the remaining
// members are notified, and the socket is closed. Repeated calls are no-ops.
func (h *Hub) Unregister(conn *Connection) {
	if !conn.markClosing() {
		return
	}

	conn.cmdMu.Lock()
	h.takePending(conn)
	departures := h.dispatcher.Disconnect(conn)
	conn.cmdMu.Unlock()

	conn.Close()
	connectionsActive.Set(float64(h.registry.Count()))

	if !conn.Authenticated() {
		logger.Debug("Unauthenticated connection closed",
			logger.String("connection_id", conn.ID),
		)
		return
	}

	roomsLeft := make([]string, 0, len(departures))
	for _, dep := range departures {
		roomsLeft = append(roomsLeft, dep.RoomID)
	}
	logger.Info("Connection unregistered",
		logger.String("connection_id", conn.ID),
		logger.String("user_id", conn.UserID()),
		logger.Strings("rooms_left", roomsLeft),
		logger.Duration("connected_for", time.Since(conn.CreatedAt())),
		logger.Int("user_connections", h.registry.CountByUser(conn.UserID())),
		logger.Int("total_connections", h.registry.Count()),
	)
}

func (h *Hub) addPending(conn *Connection) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	h.pending[conn.ID] = &pendingConn{
		conn: conn,
		timer: time.AfterFunc(h.config.HandshakeTimeout, func() {
			h.expireHandshake(conn)
		}),
	}
	connectionsPending.Inc()
}

// takePending removes conn from the pending set and reports whether it was there
func (h *Hub) takePending(conn *Connection) bool {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	entry, ok := h.pending[conn.ID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(h.pending, conn.ID)
	connectionsPending.Dec()
	return true
}

func (h *Hub) pendingConnections() []*Connection {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()

	conns := make([]*Connection, 0, len(h.pending))
	for _, entry := range h.pending {
		conns = append(conns, entry.conn)
	}
	return conns
}

func (h *Hub) expireHandshake(conn *Connection) {
	if !h.takePending(conn) {
		return
	}
	handshakeFailures.WithLabelValues("timeout").Inc()
	logger.Info("Handshake timed out",
		logger.String("connection_id", conn.ID),
		logger.Duration("timeout", h.config.HandshakeTimeout),
	)
	conn.SendError(CommandAuthenticate, "", CodeUnauthenticated, "handshake timed out")
	h.terminate(conn)
}

// authenticate handles the first frames of a pending connection
func (h *Hub) authenticate(conn *Connection, msg *ClientMessage) {
	if msg.Type != CommandAuthenticate {
		h.rejectHandshake(conn, msg, "unexpected_command", fmt.Errorf("%w: authenticate first", models.ErrUnauthenticated))
		return
	}

	token, err := decodeID(msg.Data, "token")
	var identity *models.Identity
	if err == nil {
		identity, err = h.verifier.Verify(token)
	}
	if err != nil {
		h.rejectHandshake(conn, msg, "invalid_credential", err)
		return
	}

	if !h.takePending(conn) {
		return
	}
	if err := h.Register(conn, identity); err != nil {
		handshakeFailures.WithLabelValues("register").Inc()
		conn.SendError(CommandAuthenticate, msg.RequestID, ErrorCode(err), errorMessage(err))
		h.terminate(conn)
		return
	}
	conn.SendSuccess(CommandAuthenticate, msg.RequestID, identity)
}

func (h *Hub) rejectHandshake(conn *Connection, msg *ClientMessage, reason string, err error) {
	if !h.takePending(conn) {
		return
	}
	handshakeFailures.WithLabelValues(reason).Inc()
	logger.Info("Handshake rejected",
		logger.ErrorField(err),
		logger.String("connection_id", conn.ID),
		logger.String("reason", reason),
	)
	conn.SendError(msg.Type, msg.RequestID, CodeUnauthenticated, "authentication required")
	h.terminate(conn)
}

// terminate closes conn once its queued frames are written
func (h *Hub) terminate(conn *Connection) {
	if conn.Conn == nil {
		h.Unregister(conn)
		return
	}
	conn.CloseAfterFlush()
}

// HandleMessage routes one decoded client frame
func (h *Hub) HandleMessage(conn *Connection, msg *ClientMessage) {
	if !conn.Authenticated() {
		h.authenticate(conn, msg)
		return
	}
	if err := h.dispatcher.Dispatch(conn, msg); err != nil {
		logger.Debug("Failed to handle client message",
			logger.ErrorField(err),
			logger.String("connection_id", conn.ID),
			logger.String("type", msg.Type),
		)
	}
}

func (h *Hub) write(conn *Connection, messageType int, data []byte) error {
	conn.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	return conn.Conn.WriteMessage(messageType, data)
}

// drain writes every frame already queued on conn
func (h *Hub) drain(conn *Connection) error {
	for {
		select {
		case message := <-conn.Send:
			if err := h.write(conn, websocket.TextMessage, message); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (h *Hub) writePump(conn *Connection) {
	defer h.wg.Done()
	defer h.Unregister(conn)

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")

	for {
		select {
		case <-h.ctx.Done():
			h.write(conn, websocket.CloseMessage, closeFrame)
			return

		case <-conn.Context().Done():
			return

		case <-conn.flush:
			if err := h.drain(conn); err != nil {
				return
			}
			h.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"))
			return

		case message := <-conn.Send:
			if err := h.write(conn, websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (h *Hub) readPump(conn *Connection) {
	defer h.wg.Done()
	defer h.Unregister(conn)

	if h.config.MaxMessageSize > 0 {
		conn.Conn.SetReadLimit(h.config.MaxMessageSize)
	}
	conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.UpdateLastPong()
		conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket error",
					logger.ErrorField(err),
					logger.String("connection_id", conn.ID),
				)
			}
			break
		}
		conn.UpdateLastPong()
		conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			conn.SendError("", "", CodeValidation, "failed to parse message")
			continue
		}

		h.HandleMessage(conn, &clientMsg)
	}
}

// monitorConnections monitors connection health and removes stale connections
func (h *Hub) monitorConnections() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			connections := h.registry.GetAll()
			now := time.Now()
			staleThreshold := h.config.ReadTimeout * 2

			for _, conn := range connections {
				lastPong := conn.GetLastPong()
				if now.Sub(lastPong) > staleThreshold {
					logger.Info("Removing stale connection",
						logger.String("connection_id", conn.ID),
						logger.String("user_id", conn.UserID()),
						logger.Duration("idle_time", now.Sub(lastPong)),
					)
					h.Unregister(conn)
				}
			}
		}
	}
}

// ConnectionCount returns authenticated plus pending connections
func (h *Hub) ConnectionCount() int {
	h.pendingMu.Lock()
	pending := len(h.pending)
	h.pendingMu.Unlock()
	return h.registry.Count() + pending
}

// RoomMembers returns the users present in roomID
func (h *Hub) RoomMembers(roomID string) []string {
	return h.members.MembersOf(roomID)
}

// ActiveRooms returns the ids of rooms with at least one member
func (h *Hub) ActiveRooms() []string {
	return h.members.RoomIDs()
}

// GetStats returns hub statistics
func (h *Hub) GetStats() HubStats {
	h.pendingMu.Lock()
	pending := len(h.pending)
	h.pendingMu.Unlock()

	stats := HubStats{
		ConnectionsTotal:   h.connectionsTotal.Load(),
		ConnectionsActive:  int64(h.registry.Count()),
		ConnectionsPending: int64(pending),
		RoomsActive:        int64(h.members.Rooms()),
		CommandsHandled:    h.dispatcher.handled.Load(),
		CommandsFailed:     h.dispatcher.failed.Load(),
		EventsDelivered:    h.broadcaster.Delivered(),
		EventsDropped:      h.broadcaster.Dropped(),
		Uptime:             time.Since(h.startedAt).Round(time.Second).String(),
	}
	if last := h.dispatcher.lastCommand.Load(); last > 0 {
		stats.LastCommandTime = time.Unix(0, last)
	}
	return stats
}
