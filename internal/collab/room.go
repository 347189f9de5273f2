package collab

import (
	"fmt"
	"sort"
	"sync"
)

type member struct {
	identity  Identity
	cursor    *Cursor
	selection map[string]struct{}
	seq       uint64
}

func (m *member) presence() Presence {
	p := Presence{
		Identity:  m.identity,
		Selection: sortedKeys(m.selection),
	}
	if m.cursor != nil {
		cursor := *m.cursor
		p.Cursor = &cursor
	}
	return p
}

// ViewRoom is the live session for one view. The room keeps presence only;
// node and edge state lives in the view store.
type ViewRoom struct {
	id string

	mu      sync.Mutex
	members map[string]*member
	seq     uint64
	closed  bool
}

func NewViewRoom(id string) *ViewRoom {
	return &ViewRoom{
		id:      id,
		members: make(map[string]*member),
	}
}

func (r *ViewRoom) ID() string {
	return r.id
}

// Join adds identity, replacing any earlier presence for the same id, and
// returns the member list.
func (r *ViewRoom) Join(identity Identity) []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(identity)
	return r.snapshotLocked()
}

// tryJoin is Join for the manager: it refuses rooms that were emptied and
// scheduled for removal.
func (r *ViewRoom) tryJoin(identity Identity) ([]Presence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRoomClosed
	}
	r.joinLocked(identity)
	return r.snapshotLocked(), nil
}

func (r *ViewRoom) joinLocked(identity Identity) {
	r.seq++
	r.members[identity.ID] = &member{
		identity:  identity,
		selection: make(map[string]struct{}),
		seq:       r.seq,
	}
}

// Leave removes identityID and reports whether it was a member.
func (r *ViewRoom) Leave(identityID string) bool {
	removed, _, _ := r.leaveIf(identityID, nil)
	return removed
}

// leaveIf removes identityID unless keep reports true. keep runs under the
// room lock so membership checks against the registry cannot interleave
// with a concurrent join. The room closes once it is empty.
func (r *ViewRoom) leaveIf(identityID string, keep func() bool) (removed bool, members []Presence, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[identityID]; ok && (keep == nil || !keep()) {
		delete(r.members, identityID)
		removed = true
	}
	if len(r.members) == 0 {
		r.closed = true
		return removed, nil, true
	}
	return removed, r.snapshotLocked(), false
}

// Apply records op from identityID and returns what to fan out. Cursor and
// selection operations update the sender's presence; every other kind is
// relayed without being retained.
func (r *ViewRoom) Apply(identityID string, op Operation) (Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.members[identityID]
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s is not in room %s", ErrNotInRoom, identityID, r.id)
	}

	switch o := op.(type) {
	case CursorMoved:
		sender.cursor = &Cursor{X: o.X, Y: o.Y}
	case SelectionChanged:
		targets := normalizeSelection(o.TargetIDs)
		sender.selection = make(map[string]struct{}, len(targets))
		for _, id := range targets {
			sender.selection[id] = struct{}{}
		}
		op = SelectionChanged{TargetIDs: targets}
	case nil:
		return Delivery{}, fmt.Errorf("apply in room %s: nil operation", r.id)
	}

	return Delivery{
		RoomID:     r.id,
		From:       sender.identity,
		Ops:        []Operation{op},
		Recipients: r.othersLocked(identityID),
	}, nil
}

// announce relays a server-originated op to every member except excludeID.
func (r *ViewRoom) announce(from Identity, op Operation) Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Delivery{
		RoomID:     r.id,
		From:       from,
		Ops:        []Operation{op},
		Recipients: r.othersLocked(from.ID),
	}
}

// Members returns the current presence list in join order.
func (r *ViewRoom) Members() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *ViewRoom) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *ViewRoom) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *ViewRoom) othersLocked(identityID string) []string {
	others := make([]string, 0, len(r.members))
	for _, m := range r.orderedLocked() {
		if m.identity.ID != identityID {
			others = append(others, m.identity.ID)
		}
	}
	return others
}

func (r *ViewRoom) snapshotLocked() []Presence {
	ordered := r.orderedLocked()
	out := make([]Presence, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, m.presence())
	}
	return out
}

func (r *ViewRoom) orderedLocked() []*member {
	ordered := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}
