package gateway

import (
	"sync"
)

// Registry tracks live connections by user and by connection id. A
// user's second login supersedes the first silently: the old socket is
// left to expire passively but stops receiving room traffic, since
// fan-out resolves users through the byUser map.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Connection
	byConn map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Connection),
		byConn: make(map[string]*Connection),
	}
}

// Register binds a connection, replacing any prior mapping for the
// same user (last-writer-wins).
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byUser[conn.UserID()] = conn
	r.byConn[conn.ID()] = conn
	return nil
}

// Unregister removes a connection. The byUser mapping is only dropped
// when this connection is still the user's current one, so a superseded
// socket's late teardown never removes its successor.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byConn, conn.ID())
	if current, exists := r.byUser[conn.UserID()]; exists && current == conn {
		delete(r.byUser, conn.UserID())
	}
}

// GetUser returns the user's current connection.
func (r *Registry) GetUser(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.byUser[userID]
	return conn, exists
}

// Count reports the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// CloseAll force-closes every tracked connection, used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byConn))
	for _, conn := range r.byConn {
		conns = append(conns, conn)
	}
	r.byUser = make(map[string]*Connection)
	r.byConn = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
