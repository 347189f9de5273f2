package collab

// OpKind names an operation on the wire and in metrics.
type OpKind string

const (
	OpCursorMoved      OpKind = "cursor"
	OpNodeUpserted     OpKind = "nodeUpsert"
	OpEdgeUpserted     OpKind = "edgeUpsert"
	OpNodeDeleted      OpKind = "nodeDelete"
	OpEdgeDeleted      OpKind = "edgeDelete"
	OpSelectionChanged OpKind = "selection"
	OpViewSaved        OpKind = "viewSaved"
)

// Operation is one relayed real-time event. The set of implementations is
// closed; switch on the concrete type to read its fields.
type Operation interface {
	Kind() OpKind
	operation()
}

type CursorMoved struct {
	X float64
	Y float64
}

// NodeUpserted carries an opaque node payload. The core never parses or
// copies Payload, so recipients must treat it as read-only.
type NodeUpserted struct {
	NodeID  string
	Payload []byte
}

// EdgeUpserted carries an opaque edge payload, read-only like NodeUpserted.
type EdgeUpserted struct {
	EdgeID  string
	Payload []byte
}

type NodeDeleted struct {
	NodeID string
}

type EdgeDeleted struct {
	EdgeID string
}

type SelectionChanged struct {
	TargetIDs []string
}

// ViewSaved announces that the view's content was flushed to storage.
type ViewSaved struct {
	SavedBy string
}

func (CursorMoved) Kind() OpKind      { return OpCursorMoved }
func (NodeUpserted) Kind() OpKind     { return OpNodeUpserted }
func (EdgeUpserted) Kind() OpKind     { return OpEdgeUpserted }
func (NodeDeleted) Kind() OpKind      { return OpNodeDeleted }
func (EdgeDeleted) Kind() OpKind      { return OpEdgeDeleted }
func (SelectionChanged) Kind() OpKind { return OpSelectionChanged }
func (ViewSaved) Kind() OpKind        { return OpViewSaved }

func (CursorMoved) operation()      {}
func (NodeUpserted) operation()     {}
func (EdgeUpserted) operation()     {}
func (NodeDeleted) operation()      {}
func (EdgeDeleted) operation()      {}
func (SelectionChanged) operation() {}
func (ViewSaved) operation()        {}

// normalizeSelection drops blanks and duplicates, keeping first-seen order.
func normalizeSelection(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
