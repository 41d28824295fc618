package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client wraps one live WebSocket connection. A client belongs to at most one
// user, and only after the connection has identified itself.
type Client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// ID returns the opaque connection handle id.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Send writes a text message to the connection. Writes are serialized with a
// per-client mutex because hub fan-out and the connection's own handler may
// push frames concurrently, and gorilla connections allow one writer at a time.
func (c *Client) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub is the in-memory connection registry: every live connection, plus the
// userID -> connection-set mapping built up by identification. It is a derived
// cache over the durable presence store - rebuilt empty on restart and
// corrected by the stale-presence sweeper, never treated as authoritative.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Client           // all live connections, identified or not
	users      map[int64]map[string]*Client // userID -> connID -> client
	owner      map[string]int64             // reverse index: connID -> userID
	maxPerUser int
}

// NewHub creates a Hub with a per-user connection limit.
func NewHub(maxPerUser int) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = 10
	}
	return &Hub{
		conns:      make(map[string]*Client),
		users:      make(map[int64]map[string]*Client),
		owner:      make(map[string]int64),
		maxPerUser: maxPerUser,
	}
}

// Add registers a new, not-yet-identified connection and returns its client.
func (h *Hub) Add(conn *websocket.Conn) *Client {
	client := &Client{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.conns[client.id] = client
	h.mu.Unlock()

	return client
}

// Attach binds the connection to a user, creating the user's entry if absent.
// A connection that re-identifies as a different user is detached from the
// previous user first, so a handle never appears in two sets at once.
// Returns false if the user is at the connection limit; the connection stays
// registered but unidentified.
func (h *Hub) Attach(client *Client, userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.owner[client.id]; ok {
		if prev == userID {
			return true
		}
		h.detachLocked(client.id, prev)
	}

	userClients, ok := h.users[userID]
	if !ok {
		userClients = make(map[string]*Client)
		h.users[userID] = userClients
	}

	if len(userClients) >= h.maxPerUser {
		log.Warn().Int64("user_id", userID).Int("max", h.maxPerUser).
			Msg("hub: user exceeded max connections, identify rejected")
		return false
	}

	userClients[client.id] = client
	h.owner[client.id] = userID
	return true
}

// detachLocked removes a connection from a user's set. Caller holds h.mu.
func (h *Hub) detachLocked(connID string, userID int64) {
	if userClients, ok := h.users[userID]; ok {
		delete(userClients, connID)
		if len(userClients) == 0 {
			delete(h.users, userID)
		}
	}
	delete(h.owner, connID)
}

// Remove deregisters a connection entirely and closes it. It reports which
// user the connection belonged to (if identified) and whether it was that
// user's last connection. The durable presence record is deliberately left
// untouched: demotion to OFFLINE belongs to the stale-presence sweeper, so a
// page refresh does not flap the user's visible status.
func (h *Hub) Remove(client *Client) (userID int64, wasLast bool, identified bool) {
	if client == nil {
		return 0, false, false
	}

	h.mu.Lock()
	delete(h.conns, client.id)
	if owner, ok := h.owner[client.id]; ok {
		identified = true
		userID = owner
		h.detachLocked(client.id, owner)
		_, stillThere := h.users[owner]
		wasLast = !stillThere
	}
	h.mu.Unlock()

	if client.conn != nil {
		_ = client.conn.Close()
	}
	return userID, wasLast, identified
}

// ClientsFor returns a snapshot of the user's live connections.
func (h *Hub) ClientsFor(userID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userClients := h.users[userID]
	if len(userClients) == 0 {
		return nil
	}

	result := make([]*Client, 0, len(userClients))
	for _, client := range userClients {
		result = append(result, client)
	}
	return result
}

// ActiveConnections returns the number of live connections for a user.
func (h *Hub) ActiveConnections(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.users[userID])
}

// DropUser removes any lingering registry entry for a user without closing
// connections, leaving the affected handles unidentified. The sweeper uses
// this as defensive cleanup for handles that were never removed on disconnect.
func (h *Hub) DropUser(userID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for connID := range h.users[userID] {
		delete(h.owner, connID)
	}
	delete(h.users, userID)
}

// SendToUser fans a message out to every one of the user's connections. A user
// with N open tabs receives the message N times; multi-device delivery is
// intentional.
func (h *Hub) SendToUser(userID int64, msg []byte) {
	for _, client := range h.ClientsFor(userID) {
		if err := client.Send(msg); err != nil {
			log.Warn().Err(err).Int64("user_id", userID).Str("conn_id", client.id).
				Msg("hub: dropped frame on dead connection")
		}
	}
}

// BroadcastAll sends a message to every live connection, identified or not.
func (h *Hub) BroadcastAll(msg []byte) {
	h.broadcast(msg, "")
}

// BroadcastExcept sends a message to every live connection except the given one.
func (h *Hub) BroadcastExcept(exceptConnID string, msg []byte) {
	h.broadcast(msg, exceptConnID)
}

func (h *Hub) broadcast(msg []byte, exceptConnID string) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.conns))
	for _, client := range h.conns {
		if client.id == exceptConnID {
			continue
		}
		snapshot = append(snapshot, client)
	}
	h.mu.RUnlock()

	for _, client := range snapshot {
		if err := client.Send(msg); err != nil {
			log.Warn().Err(err).Str("conn_id", client.id).
				Msg("hub: dropped frame on dead connection")
		}
	}
}
