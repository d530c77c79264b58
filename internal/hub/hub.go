// Package hub tracks live connections per session and fans server events out
// to them. Each connected client gets a bounded outbound queue; a client that
// cannot keep up is dropped rather than allowed to stall the broadcast path.
package hub

import (
	"log"
	"sync"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/metrics"
	"github.com/classcast/livechat/internal/protocol"
)

// DefaultQueueSize is the outbound queue depth used when the manager is
// constructed with a non-positive size.
const DefaultQueueSize = 64

// Client is one connected user in one session. The transport layer drains
// Receive() in its write pump; the hub enqueues into the same channel and
// closes it when the client is removed. The mutex serializes enqueue against
// close: any broadcaster may drop a client while others are mid-send, and a
// send on a closed channel would panic.
type Client struct {
	identity auth.Identity

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a client with a bounded outbound queue.
func NewClient(identity auth.Identity, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Client{
		identity: identity,
		send:     make(chan []byte, queueSize),
	}
}

// Identity returns the authenticated identity bound to this connection.
func (c *Client) Identity() auth.Identity { return c.identity }

// Receive returns the channel of outbound frames for this client. The channel
// is closed when the client is removed from its hub.
func (c *Client) Receive() <-chan []byte { return c.send }

// trySend enqueues data without blocking. It returns false only when the
// queue is full; a client already closed reports true so concurrent
// broadcasters do not run the drop path twice.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub owns the set of connections for a single session.
type Hub struct {
	sessionID string

	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[string]int // connection count per user, for join/leave dedup
}

func newHub(sessionID string) *Hub {
	return &Hub{
		sessionID: sessionID,
		clients:   make(map[*Client]bool),
		byUser:    make(map[string]int),
	}
}

// add registers the client and reports whether this is the user's first
// connection to the session.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	h.byUser[c.identity.UserID]++
	return h.byUser[c.identity.UserID] == 1
}

// remove unregisters the client and reports whether the user has no
// connections left. Returns false for both when the client was not present.
func (h *Hub) remove(c *Client) (wasMember, lastConn bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return false, false
	}
	delete(h.clients, c)
	h.byUser[c.identity.UserID]--
	if h.byUser[c.identity.UserID] <= 0 {
		delete(h.byUser, c.identity.UserID)
		return true, true
	}
	return true, false
}

func (h *Hub) empty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) == 0
}

func (h *Hub) isConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byUser[userID] > 0
}

// snapshot returns the current client set without holding the lock during
// delivery.
func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Manager owns all session hubs and is the single place connections register
// and broadcasts originate.
type Manager struct {
	mu        sync.Mutex
	hubs      map[string]*Hub
	queueSize int
}

// NewManager creates an empty hub manager.
func NewManager(queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		hubs:      make(map[string]*Hub),
		queueSize: queueSize,
	}
}

// QueueSize returns the outbound queue depth for new clients.
func (m *Manager) QueueSize() int { return m.queueSize }

func (m *Manager) hub(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[sessionID]
	if !ok {
		h = newHub(sessionID)
		m.hubs[sessionID] = h
		metrics.SessionsActive.Inc()
	}
	return h
}

func (m *Manager) lookup(sessionID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[sessionID]
}

// deliver enqueues data for one client, dropping the client if its queue is
// full. A drop runs the same teardown as Leave, so remaining clients still
// see user_left and an emptied hub is reaped.
func (m *Manager) deliver(h *Hub, c *Client, data []byte) {
	if c.trySend(data) {
		return
	}
	wasMember, lastConn := h.remove(c)
	if !wasMember {
		return
	}
	c.close()
	metrics.DroppedClients.Inc()
	log.Printf("[hub] dropped slow client user=%s session=%s", c.identity.UserID, h.sessionID)
	m.finishRemoval(h, c, lastConn)
}

// finishRemoval completes a removal that already took the client out of the
// hub: it reaps the hub if empty and announces user_left when the user's last
// connection is gone.
func (m *Manager) finishRemoval(h *Hub, c *Client, lastConn bool) {
	if h.empty() {
		m.mu.Lock()
		if cur, ok := m.hubs[h.sessionID]; ok && cur == h && h.empty() {
			delete(m.hubs, h.sessionID)
			metrics.SessionsActive.Dec()
		}
		m.mu.Unlock()
	}

	if !lastConn {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeUserLeft, protocol.PresenceEvent{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		Role:        string(c.identity.Role),
	})
	if err != nil {
		log.Printf("[hub] encode user_left: %v", err)
		return
	}
	for _, peer := range h.snapshot() {
		m.deliver(h, peer, data)
	}
}

// Join registers a client with the session's hub. The first connection for a
// user announces user_joined to everyone else in the session.
func (m *Manager) Join(sessionID string, c *Client) {
	h := m.hub(sessionID)
	first := h.add(c)
	if !first {
		return
	}
	data, err := protocol.NewServerMessage(protocol.TypeUserJoined, protocol.PresenceEvent{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		Role:        string(c.identity.Role),
	})
	if err != nil {
		log.Printf("[hub] encode user_joined: %v", err)
		return
	}
	for _, peer := range h.snapshot() {
		if peer == c {
			continue
		}
		m.deliver(h, peer, data)
	}
}

// Leave removes a client from the session's hub and closes its queue. The
// user's last connection announces user_left to the remaining clients.
func (m *Manager) Leave(sessionID string, c *Client) {
	h := m.lookup(sessionID)
	if h == nil {
		return
	}
	wasMember, lastConn := h.remove(c)
	if !wasMember {
		return
	}
	c.close()
	m.finishRemoval(h, c, lastConn)
}

// IsConnected reports whether the user has at least one live connection to
// the session.
func (m *Manager) IsConnected(sessionID, userID string) bool {
	h := m.lookup(sessionID)
	return h != nil && h.isConnected(userID)
}

// Broadcast fans data out to every client in the session.
func (m *Manager) Broadcast(sessionID string, data []byte) {
	h := m.lookup(sessionID)
	if h == nil {
		return
	}
	for _, c := range h.snapshot() {
		m.deliver(h, c, data)
	}
}

// BroadcastPrivate delivers data only to the sender, the recipient, and any
// connected instructors.
func (m *Manager) BroadcastPrivate(sessionID, senderID, recipientID string, data []byte) {
	h := m.lookup(sessionID)
	if h == nil {
		return
	}
	for _, c := range h.snapshot() {
		id := c.identity
		if id.UserID == senderID || id.UserID == recipientID || id.IsInstructor() {
			m.deliver(h, c, data)
		}
	}
}

// SendToUser delivers data to all of one user's connections in the session.
func (m *Manager) SendToUser(sessionID, userID string, data []byte) {
	h := m.lookup(sessionID)
	if h == nil {
		return
	}
	for _, c := range h.snapshot() {
		if c.identity.UserID == userID {
			m.deliver(h, c, data)
		}
	}
}
