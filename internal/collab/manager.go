package collab

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// RoomManager owns the view rooms. Rooms are created on first join and
// dropped when their last member leaves, so a missing room is never an
// error.
type RoomManager struct {
	registry *Registry
	logger   *zap.Logger

	mu    sync.Mutex
	rooms map[string]*ViewRoom
}

func NewRoomManager(registry *Registry, logger *zap.Logger) *RoomManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomManager{
		registry: registry,
		logger:   logger.With(zap.String("component", "rooms")),
		rooms:    make(map[string]*ViewRoom),
	}
}

func (m *RoomManager) Registry() *Registry {
	return m.registry
}

// JoinRoom moves the connection into roomID, leaving any other room first,
// and returns the room's members. The joiner receives a roomSnapshot push
// and the other members a memberJoined push.
func (m *RoomManager) JoinRoom(connectionID, roomID string) ([]Presence, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("join room: room id is required")
	}
	current, err := m.registry.Get(connectionID)
	if err != nil {
		return nil, err
	}
	if current.RoomID != "" && current.RoomID != roomID {
		if err := m.LeaveRoom(connectionID); err != nil {
			return nil, err
		}
	}

	// The registry learns about the room before the room learns about the
	// member, so operations applied after the join always find this
	// connection as a delivery target.
	if _, err := m.registry.setRoom(connectionID, roomID); err != nil {
		return nil, err
	}

	identity := current.Identity
	var members []Presence
	for {
		room := m.acquire(roomID)
		members, err = room.tryJoin(identity)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		break
	}

	m.logger.Debug("member joined",
		zap.String("room_id", roomID),
		zap.String("identity_id", identity.ID),
		zap.String("connection_id", connectionID),
		zap.Int("members", len(members)),
	)

	for _, t := range m.registry.roomTargets(roomID, []string{identity.ID}) {
		push(t.sink, Event{Type: EventRoomSnapshot, RoomID: roomID, Members: members})
	}
	others := make([]string, 0, len(members))
	for _, p := range members {
		if p.Identity.ID != identity.ID {
			others = append(others, p.Identity.ID)
		}
	}
	for _, t := range m.registry.roomTargets(roomID, others) {
		push(t.sink, Event{Type: EventMemberJoined, RoomID: roomID, Identity: identity, Members: members})
	}
	return members, nil
}

// LeaveRoom takes the connection out of its room. It is a no-op when the
// connection is not in a room. The identity keeps its presence while any
// other of its connections is still joined to the same room.
func (m *RoomManager) LeaveRoom(connectionID string) error {
	previous, err := m.registry.clearRoom(connectionID)
	if err != nil {
		return err
	}
	if previous.RoomID == "" {
		return nil
	}
	m.leaveMember(previous.RoomID, previous.Identity.ID)
	return nil
}

func (m *RoomManager) leaveMember(roomID, identityID string) {
	room := m.lookup(roomID)
	if room == nil {
		return
	}
	removed, members, empty := room.leaveIf(identityID, func() bool {
		return m.registry.identityInRoom(identityID, roomID)
	})
	if empty {
		m.reap(roomID, room)
	}
	if !removed {
		return
	}

	m.logger.Debug("member left",
		zap.String("room_id", roomID),
		zap.String("identity_id", identityID),
		zap.Int("members", len(members)),
	)

	if empty {
		return
	}
	recipients := make([]string, 0, len(members))
	for _, p := range members {
		recipients = append(recipients, p.Identity.ID)
	}
	for _, t := range m.registry.roomTargets(roomID, recipients) {
		push(t.sink, Event{Type: EventMemberLeft, RoomID: roomID, IdentityID: identityID, Members: members})
	}
}

// Relay applies op from the connection's room and pushes it to the other
// members. It fails with ErrNotInRoom when the connection has no room. A
// relayed ViewSaved is always attributed to the sender.
func (m *RoomManager) Relay(connectionID string, op Operation) (Delivery, error) {
	conn, err := m.registry.Get(connectionID)
	if err != nil {
		return Delivery{}, err
	}
	if conn.RoomID == "" {
		return Delivery{}, ErrNotInRoom
	}
	room := m.lookup(conn.RoomID)
	if room == nil {
		return Delivery{}, ErrNotInRoom
	}
	if _, ok := op.(ViewSaved); ok {
		op = ViewSaved{SavedBy: conn.Identity.ID}
	}
	delivery, err := room.Apply(conn.Identity.ID, op)
	if err != nil {
		return Delivery{}, err
	}
	m.deliver(delivery)
	return delivery, nil
}

// Announce relays a server-originated operation to every member of roomID
// except from. An unoccupied room yields an empty delivery.
func (m *RoomManager) Announce(roomID string, from Identity, op Operation) Delivery {
	room := m.lookup(roomID)
	if room == nil {
		return Delivery{RoomID: roomID, From: from}
	}
	delivery := room.announce(from, op)
	m.deliver(delivery)
	return delivery
}

// Disconnect is the transport's teardown call: it leaves the room and
// unregisters the connection.
func (m *RoomManager) Disconnect(connectionID string) {
	conn, err := m.registry.Get(connectionID)
	if err != nil {
		return
	}
	if err := m.LeaveRoom(connectionID); err != nil && !errors.Is(err, ErrUnknownConnection) {
		m.logger.Warn("leave on disconnect failed", zap.String("connection_id", connectionID), zap.Error(err))
	}
	for _, roomID := range m.registry.Unregister(connectionID) {
		m.leaveMember(roomID, conn.Identity.ID)
	}
}

// Members returns the presence list of roomID, empty if nobody is there.
func (m *RoomManager) Members(roomID string) []Presence {
	room := m.lookup(roomID)
	if room == nil {
		return []Presence{}
	}
	return room.Members()
}

func (m *RoomManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *RoomManager) deliver(delivery Delivery) {
	var targets []target
	if len(delivery.Recipients) > 0 {
		targets = m.registry.roomTargets(delivery.RoomID, delivery.Recipients)
	}
	for _, op := range delivery.Ops {
		operationsTotal.WithLabelValues(string(op.Kind())).Inc()
		for _, t := range targets {
			if t.identityID == delivery.From.ID {
				continue
			}
			push(t.sink, Event{Type: EventOperation, RoomID: delivery.RoomID, From: delivery.From, Op: op})
		}
	}
}

func (m *RoomManager) acquire(roomID string) *ViewRoom {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if ok && !room.isClosed() {
		return room
	}
	if !ok {
		roomsGauge.Inc()
	}
	room = NewViewRoom(roomID)
	m.rooms[roomID] = room
	return room
}

func (m *RoomManager) lookup(roomID string) *ViewRoom {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

func (m *RoomManager) reap(roomID string, room *ViewRoom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[roomID] == room {
		delete(m.rooms, roomID)
		roomsGauge.Dec()
	}
}
