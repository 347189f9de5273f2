// Package syncclient is the consumer side of the collaboration protocol: it
// keeps a local copy of a view and its peers, turns local edits into
// operations and applies server pushes without sending anything back.
package syncclient

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"archboard/api/internal/collab"
)

// Sender delivers one operation to the server.
type Sender interface {
	Send(ctx context.Context, op collab.Operation) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op collab.Operation) error

func (f SenderFunc) Send(ctx context.Context, op collab.Operation) error {
	return f(ctx, op)
}

// Client mirrors one view. Local* methods change local state and send
// exactly one operation; Apply changes local state and never sends.
type Client struct {
	self   collab.Identity
	sender Sender

	mu        sync.Mutex
	roomID    string
	nodes     map[string][]byte
	edges     map[string][]byte
	peers     map[string]*collab.Presence
	peerOrder []string
	selection []string
	loading   bool
	pending   []collab.Event
	lastSaved string
}

func New(self collab.Identity, sender Sender) *Client {
	return &Client{
		self:   self,
		sender: sender,
		nodes:  make(map[string][]byte),
		edges:  make(map[string][]byte),
		peers:  make(map[string]*collab.Presence),
	}
}

func (c *Client) Identity() collab.Identity {
	return c.self
}

func (c *Client) LocalCursor(ctx context.Context, x, y float64) error {
	return c.send(ctx, collab.CursorMoved{X: x, Y: y})
}

func (c *Client) LocalUpsertNode(ctx context.Context, nodeID string, payload []byte) error {
	if nodeID == "" {
		return fmt.Errorf("upsert node: node id is required")
	}
	op := collab.NodeUpserted{NodeID: nodeID, Payload: payload}
	c.applyLocal(op)
	return c.send(ctx, op)
}

func (c *Client) LocalUpsertEdge(ctx context.Context, edgeID string, payload []byte) error {
	if edgeID == "" {
		return fmt.Errorf("upsert edge: edge id is required")
	}
	op := collab.EdgeUpserted{EdgeID: edgeID, Payload: payload}
	c.applyLocal(op)
	return c.send(ctx, op)
}

func (c *Client) LocalDeleteNode(ctx context.Context, nodeID string) error {
	op := collab.NodeDeleted{NodeID: nodeID}
	c.applyLocal(op)
	return c.send(ctx, op)
}

func (c *Client) LocalDeleteEdge(ctx context.Context, edgeID string) error {
	op := collab.EdgeDeleted{EdgeID: edgeID}
	c.applyLocal(op)
	return c.send(ctx, op)
}

func (c *Client) LocalSelect(ctx context.Context, targetIDs []string) error {
	c.mu.Lock()
	c.selection = append([]string(nil), targetIDs...)
	c.mu.Unlock()
	return c.send(ctx, collab.SelectionChanged{TargetIDs: targetIDs})
}

func (c *Client) LocalSaved(ctx context.Context) error {
	c.mu.Lock()
	c.lastSaved = c.self.ID
	c.mu.Unlock()
	return c.send(ctx, collab.ViewSaved{SavedBy: c.self.ID})
}

// applyLocal updates local content. During a load the edit is also queued so
// it survives the loaded snapshot.
func (c *Client) applyLocal(op collab.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event := collab.Event{Type: collab.EventOperation, RoomID: c.roomID, From: c.self, Op: op}
	c.applyOperationLocked(event)
	if c.loading {
		c.pending = append(c.pending, event)
	}
}

func (c *Client) send(ctx context.Context, op collab.Operation) error {
	if c.sender == nil {
		return fmt.Errorf("send %s: no sender configured", op.Kind())
	}
	return c.sender.Send(ctx, op)
}

// BeginLoad marks the start of an initial content fetch. Remote operations
// applied until CompleteLoad are held back, and local edits are kept for
// replay.
func (c *Client) BeginLoad() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = true
	c.pending = nil
}

// CompleteLoad replaces local content with the loaded state and replays the
// remote and local edits made since BeginLoad, in the order they happened.
func (c *Client) CompleteLoad(nodes, edges map[string][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[string][]byte, len(nodes))
	for id, payload := range nodes {
		c.nodes[id] = payload
	}
	c.edges = make(map[string][]byte, len(edges))
	for id, payload := range edges {
		c.edges[id] = payload
	}
	pending := c.pending
	c.pending = nil
	c.loading = false
	for _, event := range pending {
		c.applyOperationLocked(event)
	}
}

// Apply folds a server push into local state. Operations attributed to the
// client's own identity are ignored.
func (c *Client) Apply(event collab.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case collab.EventRoomSnapshot:
		c.roomID = event.RoomID
		c.resetPeersLocked(event.Members)
	case collab.EventMemberJoined, collab.EventMemberLeft:
		if event.RoomID != c.roomID {
			return
		}
		c.resetPeersLocked(event.Members)
	case collab.EventOperation:
		if event.From.ID == c.self.ID || event.Op == nil {
			return
		}
		if c.roomID != "" && event.RoomID != c.roomID {
			return
		}
		if c.loading && isContentOp(event.Op) {
			c.pending = append(c.pending, event)
			return
		}
		c.applyOperationLocked(event)
	}
}

func (c *Client) applyOperationLocked(event collab.Event) {
	switch op := event.Op.(type) {
	case collab.NodeUpserted:
		c.nodes[op.NodeID] = op.Payload
	case collab.EdgeUpserted:
		c.edges[op.EdgeID] = op.Payload
	case collab.NodeDeleted:
		delete(c.nodes, op.NodeID)
	case collab.EdgeDeleted:
		delete(c.edges, op.EdgeID)
	case collab.CursorMoved:
		peer := c.peerLocked(event.From)
		peer.Cursor = &collab.Cursor{X: op.X, Y: op.Y}
	case collab.SelectionChanged:
		peer := c.peerLocked(event.From)
		peer.Selection = append([]string(nil), op.TargetIDs...)
	case collab.ViewSaved:
		c.lastSaved = op.SavedBy
	}
}

func (c *Client) resetPeersLocked(members []collab.Presence) {
	previous := c.peers
	c.peers = make(map[string]*collab.Presence, len(members))
	c.peerOrder = c.peerOrder[:0]
	for _, member := range members {
		if member.Identity.ID == c.self.ID {
			continue
		}
		p := member
		if old, ok := previous[member.Identity.ID]; ok && p.Cursor == nil {
			p.Cursor = old.Cursor
		}
		c.peers[member.Identity.ID] = &p
		c.peerOrder = append(c.peerOrder, member.Identity.ID)
	}
}

func (c *Client) peerLocked(identity collab.Identity) *collab.Presence {
	if peer, ok := c.peers[identity.ID]; ok {
		return peer
	}
	peer := &collab.Presence{Identity: identity}
	c.peers[identity.ID] = peer
	c.peerOrder = append(c.peerOrder, identity.ID)
	return peer
}

func isContentOp(op collab.Operation) bool {
	switch op.(type) {
	case collab.NodeUpserted, collab.EdgeUpserted, collab.NodeDeleted, collab.EdgeDeleted:
		return true
	default:
		return false
	}
}

// Node returns the payload of nodeID and whether it exists.
func (c *Client) Node(nodeID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.nodes[nodeID]
	return payload, ok
}

func (c *Client) Edge(edgeID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.edges[edgeID]
	return payload, ok
}

// NodeIDs returns the ids of local nodes, sorted.
func (c *Client) NodeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedIDs(c.nodes)
}

func (c *Client) EdgeIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedIDs(c.edges)
}

// Peers returns the other members of the room in join order.
func (c *Client) Peers() []collab.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]collab.Presence, 0, len(c.peerOrder))
	for _, id := range c.peerOrder {
		peer := *c.peers[id]
		if peer.Cursor != nil {
			cursor := *peer.Cursor
			peer.Cursor = &cursor
		}
		peer.Selection = append([]string(nil), peer.Selection...)
		out = append(out, peer)
	}
	return out
}

// LastSavedBy returns who last saved the view, as far as this client knows.
func (c *Client) LastSavedBy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSaved
}

func sortedIDs(items map[string][]byte) []string {
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
