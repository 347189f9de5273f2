package collab

import (
	"fmt"
	"sort"
	"sync"
)

// Connection is a live client channel and the identity bound to it.
type Connection struct {
	ID       string
	Identity Identity
	RoomID   string
}

type liveConnection struct {
	Connection
	sink Sink
}

// Registry tracks live connections. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*liveConnection
	byIdentity map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]*liveConnection),
		byIdentity: make(map[string]map[string]struct{}),
	}
}

// Register binds identity to connectionID. sink receives live pushes for the
// connection and may be nil.
func (r *Registry) Register(connectionID string, identity Identity, sink Sink) error {
	if connectionID == "" {
		return fmt.Errorf("register: connection id is required")
	}
	if identity.ID == "" {
		return fmt.Errorf("register %s: identity id is required", connectionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connectionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}
	r.conns[connectionID] = &liveConnection{
		Connection: Connection{ID: connectionID, Identity: identity},
		sink:       sink,
	}
	set := r.byIdentity[identity.ID]
	if set == nil {
		set = make(map[string]struct{})
		r.byIdentity[identity.ID] = set
	}
	set[connectionID] = struct{}{}
	connectionsGauge.Inc()
	return nil
}

// Unregister forgets the connection and returns the rooms it was joined to.
// Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	delete(r.conns, connectionID)
	if set, ok := r.byIdentity[conn.Identity.ID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byIdentity, conn.Identity.ID)
		}
	}
	connectionsGauge.Dec()
	if conn.RoomID == "" {
		return nil
	}
	return []string{conn.RoomID}
}

func (r *Registry) Lookup(connectionID string) (Identity, error) {
	conn, err := r.Get(connectionID)
	if err != nil {
		return Identity{}, err
	}
	return conn.Identity, nil
}

// Get returns a copy of the connection record.
func (r *Registry) Get(connectionID string) (Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return conn.Connection, nil
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsOnline reports whether identityID has at least one live connection.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

// setRoom records roomID on the connection and returns the room it was in.
func (r *Registry) setRoom(connectionID, roomID string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	previous := conn.Connection
	conn.RoomID = roomID
	return previous, nil
}

// clearRoom removes the connection's room pointer and returns the record as
// it was before.
func (r *Registry) clearRoom(connectionID string) (Connection, error) {
	return r.setRoom(connectionID, "")
}

// identityInRoom reports whether any connection of identityID is joined to
// roomID.
func (r *Registry) identityInRoom(identityID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byIdentity[identityID] {
		if r.conns[id].RoomID == roomID {
			return true
		}
	}
	return false
}

type target struct {
	identityID string
	sink       Sink
}

// roomTargets returns the sinks of connections joined to roomID whose
// identity is in identityIDs.
func (r *Registry) roomTargets(roomID string, identityIDs []string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]target, 0, len(identityIDs))
	for _, identityID := range identityIDs {
		for _, id := range sortedKeys(r.byIdentity[identityID]) {
			conn := r.conns[id]
			if conn.RoomID == roomID {
				out = append(out, target{identityID: identityID, sink: conn.sink})
			}
		}
	}
	return out
}

// identityTargets returns the sinks of every connection of identityID.
func (r *Registry) identityTargets(identityID string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := sortedKeys(r.byIdentity[identityID])
	out := make([]target, 0, len(ids))
	for _, id := range ids {
		out = append(out, target{identityID: identityID, sink: r.conns[id].sink})
	}
	return out
}

// allTargets returns the sinks of every live connection.
func (r *Registry) allTargets() []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]target, 0, len(r.conns))
	for _, id := range sortedKeys(r.conns) {
		conn := r.conns[id]
		out = append(out, target{identityID: conn.Identity.ID, sink: conn.sink})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
