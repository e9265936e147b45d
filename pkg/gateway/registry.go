package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is one client attached to a session stream
type Connection struct {
	ID          string
	SessionID   string
	Transport   string
	RemoteAddr  string
	ConnectedAt time.Time

	lastEventID atomic.Uint64
	cancel      context.CancelFunc
}

// LastEventID is the id of the last chunk written to this connection
func (c *Connection) LastEventID() uint64 {
	return c.lastEventID.Load()
}

// ConnectionInfo is the admin view of a connection
type ConnectionInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastEventID uint64    `json:"lastEventId"`
}

// ConnectionRegistry tracks attached stream connections
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionRegistry creates an empty registry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
	}
}

// Add registers a connection
func (r *ConnectionRegistry) Add(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID] = conn
}

// Remove drops a connection
func (r *ConnectionRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connID)
}

// Get retrieves a connection by ID
func (r *ConnectionRegistry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[connID]
	return conn, exists
}

// Count returns the number of attached connections
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Viewers returns the number of connections per session id
func (r *ConnectionRegistry) Viewers() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int)
	for _, conn := range r.conns {
		out[conn.SessionID]++
	}
	return out
}

// List returns connection information for all attached clients
func (r *ConnectionRegistry) List() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, ConnectionInfo{
			ID:          conn.ID,
			SessionID:   conn.SessionID,
			Transport:   conn.Transport,
			RemoteAddr:  conn.RemoteAddr,
			ConnectedAt: conn.ConnectedAt,
			LastEventID: conn.LastEventID(),
		})
	}
	return infos
}

// CancelAll ends every attached stream. Producers are unaffected.
func (r *ConnectionRegistry) CancelAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		if conn.cancel != nil {
			conn.cancel()
		}
	}
	return len(r.conns)
}
