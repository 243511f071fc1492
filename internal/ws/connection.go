package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection. The ID is the
// broker's volatile connectionId; user identity is bound to it later by a
// register message, not here. A write mutex serializes outbound frames.
type Connection struct {
	ID        string   // connection id (UUID), new on every connect
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for poller lookups
	RemoteIP  string   // client IP, for connect rate limiting
	CreatedAt time.Time

	// lastActive is the UnixNano of the last successful read (data or
	// control frame). Workers write it while the heartbeat reads it, so it
	// is atomic rather than mutex-guarded.
	lastActive atomic.Int64

	writeMu    sync.Mutex
	processing int32 // atomic flag: 1 while a worker is reading this conn
}

// Touch records read activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last successful read.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9). The
// browser answers with a pong automatically.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Manager is a thread-safe registry mapping connection ids and file
// descriptors to Connection objects, with O(1) lookups by both.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewManager creates an empty connection Manager.
func NewManager() *Manager {
	return &Manager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	m.byID[conn.ID] = conn
	m.byFd[conn.Fd] = conn
	m.mu.Unlock()
}

// Remove removes a connection by id, closes the underlying network
// connection, and drops it from both maps. Returns false if the connection
// was already gone, which lets racing cleanup paths (read error vs.
// heartbeat timeout) agree on a single winner.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	conn, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byFd, conn.Fd)
	}
	m.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (m *Manager) Get(id string) *Connection {
	m.mu.RLock()
	conn := m.byID[id]
	m.mu.RUnlock()
	return conn
}

// Has reports whether a connection with the given id is live. Used by the
// broker's queue sweep.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	_, ok := m.byID[id]
	m.mu.RUnlock()
	return ok
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (m *Manager) GetByFd(fd int) *Connection {
	m.mu.RLock()
	conn := m.byFd[fd]
	m.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (m *Manager) GetByConn(c net.Conn) *Connection {
	return m.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.byID)
	m.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate
// without holding the lock.
func (m *Manager) All() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()
	return conns
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are ignored; dead connections are reaped by the event loop or
// the heartbeat.
func (m *Manager) Broadcast(msg []byte) {
	for _, conn := range m.All() {
		_ = conn.WriteMessage(msg)
	}
}
