// ABOUTME: Registry maps user identities to their current live connection
// ABOUTME: Enforces one active socket per identity with last-writer-wins replacement

package registry

import (
	"log/slog"
	"sync"
)

// Registry tracks live, authenticated connections. State is purely in-memory;
// it is rebuilt from scratch when clients reconnect after a restart.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // connection ID -> connection
	byIdentity  map[string]string      // identity -> connection ID
	logger      *slog.Logger
}

// NewRegistry creates an empty Registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connections: make(map[string]*Connection),
		byIdentity:  make(map[string]string),
		logger:      logger.With("component", "registry"),
	}
}

// Register tracks a connection and starts its write loop. If the identity
// already has a live connection, it is replaced and closed after the swap so
// the stale socket can no longer deliver.
func (r *Registry) Register(conn *Connection) {
	var previous *Connection

	r.mu.Lock()
	if existingID, ok := r.byIdentity[conn.Identity]; ok {
		if existing := r.connections[existingID]; existing != nil {
			previous = existing
			delete(r.connections, existingID)
		}
	}

	r.connections[conn.ID] = conn
	r.byIdentity[conn.Identity] = conn.ID
	r.mu.Unlock()

	conn.Start()

	if previous != nil {
		previous.Close(4001, "session replaced")
		r.logger.Debug("replaced existing connection",
			"identity", conn.Identity,
			"old_conn_id", previous.ID,
			"new_conn_id", conn.ID)
	}

	r.logger.Debug("connection registered",
		"identity", conn.Identity,
		"conn_id", conn.ID)
}

// Unregister removes a connection if it is still tracked. Idempotent, and a
// no-op when the identity has already been taken over by a newer connection.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	if _, ok := r.connections[conn.ID]; ok {
		delete(r.connections, conn.ID)
		if r.byIdentity[conn.Identity] == conn.ID {
			delete(r.byIdentity, conn.Identity)
		}
	}
	r.mu.Unlock()

	r.logger.Debug("connection unregistered",
		"identity", conn.Identity,
		"conn_id", conn.ID)
}

// CloseAll closes every tracked connection and clears the registry. Used
// during server shutdown; websocket connections are hijacked from the HTTP
// server and won't be closed by its own shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.connections = make(map[string]*Connection)
	r.byIdentity = make(map[string]string)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}

	r.logger.Info("closed all connections", "count", len(conns))
}

// Lookup returns the current connection for an identity, if any.
func (r *Registry) Lookup(identity string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	conn, ok := r.connections[id]
	return conn, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
