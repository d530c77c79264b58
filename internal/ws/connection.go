package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/hub"
)

// Connection is one authenticated WebSocket client with its hub registration
// and a write mutex serializing outbound frames.
type Connection struct {
	ID        string        // connection id (UUID)
	SessionID string        // live session the client joined
	Identity  auth.Identity // verified before the upgrade completes
	Conn      net.Conn
	Client    *hub.Client // hub-side bounded outbound queue
	CreatedAt time.Time

	lastActive int64 // unix nanos of the last inbound frame, updated atomically
	writeMu    sync.Mutex
	closeOnce  sync.Once
}

// Touch records inbound activity for heartbeat staleness checks.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns the time of the last inbound frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// WriteMessage sends a WebSocket text frame. The write mutex ensures
// concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { _ = c.Conn.Close() })
}

// ConnectionManager is a thread-safe registry of active connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection by id. Returns true if it was present;
// false means another goroutine already cleaned it up.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	return conns
}
