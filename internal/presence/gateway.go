// Package presence is the real-time gateway at the heart of the server: it
// maintains the set of live, authenticated WebSocket connections and routes
// agent status events between them with role-based scoping.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callboard-io/callboard/internal/auth"
	"github.com/callboard-io/callboard/pkg/protocol"
)

const writeWait = 10 * time.Second

// TokenVerifier validates a bearer token and returns the caller's identity.
// Satisfied by auth.Provider.
type TokenVerifier interface {
	ValidateToken(ctx context.Context, token string) (*auth.Identity, error)
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Gateway owns the connection registry and all event routing. Construct one
// per process (or per test) and pass it by handle to whichever component
// needs to push live updates; there is no package-level state.
type Gateway struct {
	verifier TokenVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	sendBuffer      int
	pingInterval    time.Duration
	pongWait        time.Duration
	maxMessageBytes int64
	maxConnsPerUser int

	mu          sync.RWMutex
	conns       map[string]*client // conn_id -> client
	connsByUser map[string]int
}

// client is one live, authenticated connection. identity and role are decoded
// from the verified token at upgrade time and never change afterwards.
type client struct {
	id       string
	identity string
	username string
	role     Role
	conn     *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	gone      chan struct{}

	rlMu        sync.Mutex
	msgTokens   float64
	msgLastTime time.Time
}

// Entry is a read-only snapshot of one registry entry.
type Entry struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role"`
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string
	SendBuffer      int           // outbound queue per connection (default 32)
	PingInterval    time.Duration // default 30s
	PongWait        time.Duration // default 60s
	MaxMessageBytes int64         // max inbound message size (default 16KB)
	MaxConnsPerUser int           // default 10
}

// New creates a new Gateway.
func New(v TokenVerifier, logger *slog.Logger, opts Options) *Gateway {
	sendBuffer := opts.SendBuffer
	if sendBuffer == 0 {
		sendBuffer = 32
	}
	pingInterval := opts.PingInterval
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}
	pongWait := opts.PongWait
	if pongWait == 0 {
		pongWait = 60 * time.Second
	}
	maxMsg := opts.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = 16 * 1024
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}

	return &Gateway{
		verifier:        v,
		logger:          logger.With("component", "presence"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		sendBuffer:      sendBuffer,
		pingInterval:    pingInterval,
		pongWait:        pongWait,
		maxMessageBytes: maxMsg,
		maxConnsPerUser: maxConns,
		conns:           make(map[string]*client),
		connsByUser:     make(map[string]int),
	}
}

// HandleWS upgrades an authenticated HTTP request to a live connection.
// The token is validated before any handshake: an unauthenticated caller
// gets a plain 401 on the raw transport and no channel is ever established.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	// JWT in query parameter is required because browsers cannot set custom
	// headers during the WebSocket handshake. Configure access logs to
	// exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := g.verifier.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	role, ok := ParseRole(identity.Role)
	if !ok {
		g.logger.Warn("token carries unknown role", "role", identity.Role, "user", identity.UserID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       uuid.New().String(),
		identity: identity.UserID,
		username: identity.Username,
		role:     role,
		conn:     conn,
		send:     make(chan []byte, g.sendBuffer),
		gone:     make(chan struct{}),
	}

	g.mu.Lock()
	if g.connsByUser[c.identity] >= g.maxConnsPerUser {
		g.mu.Unlock()
		g.logger.Warn("too many connections for user", "user", c.identity, "limit", g.maxConnsPerUser)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		conn.Close()
		return
	}
	g.connsByUser[c.identity]++
	g.conns[c.id] = c
	g.mu.Unlock()

	go g.writePump(c)

	g.logger.Info("client connected", "user", c.identity, "role", c.role, "conn_id", c.id)

	// Announce the agent immediately so dashboards never wait for the
	// agent's application layer to send its own first status update.
	if c.role == RoleAgent {
		g.BroadcastToRoom(RoomSupervisors, protocol.TypeAgentStatusUpdate, protocol.AgentStatusUpdate{
			AgentID: c.identity,
			Status:  protocol.StatusAvailable,
		})
	}

	defer func() {
		c.close()
		g.mu.Lock()
		delete(g.conns, c.id)
		g.connsByUser[c.identity]--
		if g.connsByUser[c.identity] <= 0 {
			delete(g.connsByUser, c.identity)
		}
		g.mu.Unlock()

		// Mirror the connect-time synthesis so dashboards reach a consistent
		// terminal state even on abrupt disconnects.
		if c.role == RoleAgent {
			g.BroadcastToRoom(RoomSupervisors, protocol.TypeAgentStatusUpdate, protocol.AgentStatusUpdate{
				AgentID: c.identity,
				Status:  protocol.StatusOffline,
			})
		}
		g.logger.Info("client disconnected", "user", c.identity, "conn_id", c.id)
	}()

	conn.SetReadLimit(g.maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(g.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.pongWait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("read error", "conn_id", c.id, "error", err)
			return
		}

		if !c.allowMessage() {
			g.logger.Debug("message rate limited", "conn_id", c.id)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			g.logger.Warn("invalid message from client", "conn_id", c.id, "error", err)
			continue
		}

		g.handleMessage(c, env)
	}
}

// handleMessage dispatches one inbound envelope. A bad message never
// terminates an otherwise healthy session.
func (g *Gateway) handleMessage(c *client, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentStatusChange:
		// Role-gated at the gateway: the registry record decides, not the payload.
		if c.role != RoleAgent {
			g.logger.Warn("status change from non-agent connection ignored", "user", c.identity, "role", c.role)
			return
		}

		data, _ := json.Marshal(env.Payload)
		var change protocol.AgentStatusChange
		if err := json.Unmarshal(data, &change); err != nil || change.Status == "" {
			g.logger.Warn("malformed status change", "user", c.identity, "error", err)
			return
		}

		g.BroadcastToRoom(RoomSupervisors, protocol.TypeAgentStatusUpdate, protocol.AgentStatusUpdate{
			AgentID: c.identity,
			Status:  change.Status,
		})

	default:
		g.logger.Warn("unknown message type", "type", env.Type, "user", c.identity)
	}
}

// allowMessage is a per-connection token bucket for inbound messages.
func (c *client) allowMessage() bool {
	const rate = 30.0  // messages per second
	const burst = 50.0 // max burst

	now := time.Now()
	c.rlMu.Lock()
	defer c.rlMu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * rate
	if c.msgTokens > burst {
		c.msgTokens = burst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}

// writePump drains the outbound queue and keeps the connection alive with
// periodic pings. It is the only goroutine that writes to the socket, which
// preserves FIFO order for that connection.
func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.gone:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				g.logger.Debug("write failed", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				g.logger.Debug("ping failed", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// close tears the connection down exactly once. Closing the socket unblocks
// the read loop, which performs the registry removal.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.gone)
		c.conn.Close()
	})
}

// enqueue hands data to the connection's writer. A reader that cannot keep up
// with its bounded queue is disconnected rather than allowed to stall the
// gateway; a connection already going away is skipped silently.
func (g *Gateway) enqueue(c *client, data []byte) {
	select {
	case <-c.gone:
	case c.send <- data:
	default:
		g.logger.Warn("slow consumer, dropping connection", "user", c.identity, "conn_id", c.id)
		c.close()
	}
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	return json.Marshal(protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// BroadcastToRoom delivers an event to every open connection whose role is in
// the room's role set. Delivery per recipient is independent; one slow or
// closed connection never blocks the rest of the fan-out.
func (g *Gateway) BroadcastToRoom(room Room, msgType string, payload any) {
	if g == nil {
		slog.Default().Warn("presence gateway not initialized, dropping broadcast", "room", room, "type", msgType)
		return
	}
	if !room.Known() {
		g.logger.Warn("broadcast to unknown room", "room", room, "type", msgType)
		return
	}

	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		g.logger.Warn("marshal error", "type", msgType, "error", err)
		return
	}

	g.mu.RLock()
	targets := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		if room.Contains(c.role) {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.enqueue(c, data)
	}
}

// SendToUser delivers an event to every open connection authenticated as
// userID. Multiple simultaneous sessions per identity (several browser tabs,
// two devices) all receive the event.
func (g *Gateway) SendToUser(userID, msgType string, payload any) {
	if g == nil {
		slog.Default().Warn("presence gateway not initialized, dropping send", "user", userID, "type", msgType)
		return
	}

	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		g.logger.Warn("marshal error", "type", msgType, "error", err)
		return
	}

	g.mu.RLock()
	targets := make([]*client, 0, 2)
	for _, c := range g.conns {
		if c.identity == userID {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.enqueue(c, data)
	}
}

// Broadcast delivers an event to every open connection regardless of role.
// Used for system-wide announcements.
func (g *Gateway) Broadcast(msgType string, payload any) {
	if g == nil {
		slog.Default().Warn("presence gateway not initialized, dropping broadcast", "type", msgType)
		return
	}

	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		g.logger.Warn("marshal error", "type", msgType, "error", err)
		return
	}

	g.mu.RLock()
	targets := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.enqueue(c, data)
	}
}

// Size returns the number of registered connections.
func (g *Gateway) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Connections returns a snapshot of the registry.
func (g *Gateway) Connections() []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	entries := make([]Entry, 0, len(g.conns))
	for _, c := range g.conns {
		entries = append(entries, Entry{
			ConnID:   c.id,
			UserID:   c.identity,
			Username: c.username,
			Role:     c.role,
		})
	}
	return entries
}
