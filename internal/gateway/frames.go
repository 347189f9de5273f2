package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"archboard/api/internal/collab"
)

// Client frame types besides the operation kinds.
const (
	frameJoin        = "join"
	frameLeave       = "leave"
	frameChatSend    = "chatSend"
	frameChatHistory = "chatHistory"
)

// Server-only frame types.
const (
	frameWelcome  = "welcome"
	frameAck      = "ack"
	frameChatSent = "chatSent"
	frameError    = "error"
)

// clientFrame is every field a client may send. Which ones matter depends
// on Type.
type clientFrame struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	RoomID    string   `json:"roomId,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	NodeID    string   `json:"nodeId,omitempty"`
	EdgeID    string   `json:"edgeId,omitempty"`
	Payload   *string  `json:"payload,omitempty"`
	TargetIDs []string `json:"targetIds,omitempty"`
	SavedBy   string   `json:"savedBy,omitempty"`
	ToID      string   `json:"toId,omitempty"`
	Body      string   `json:"body,omitempty"`
	MessageID string   `json:"messageId,omitempty"`
	PeerID    string   `json:"peerId,omitempty"`
}

type serverFrame struct {
	Type         string                `json:"type"`
	ReplyTo      string                `json:"replyTo,omitempty"`
	ConnectionID string                `json:"connectionId,omitempty"`
	RoomID       string                `json:"roomId,omitempty"`
	From         *collab.Identity      `json:"from,omitempty"`
	Identity     *collab.Identity      `json:"identity,omitempty"`
	IdentityID   string                `json:"identityId,omitempty"`
	Members      *[]collab.Presence    `json:"members,omitempty"`
	X            *float64              `json:"x,omitempty"`
	Y            *float64              `json:"y,omitempty"`
	NodeID       string                `json:"nodeId,omitempty"`
	EdgeID       string                `json:"edgeId,omitempty"`
	Payload      *string               `json:"payload,omitempty"`
	TargetIDs    *[]string             `json:"targetIds,omitempty"`
	SavedBy      string                `json:"savedBy,omitempty"`
	Message      *collab.ChatMessage   `json:"message,omitempty"`
	Messages     *[]collab.ChatMessage `json:"messages,omitempty"`
	Notification *collab.Notification  `json:"notification,omitempty"`
	Code         string                `json:"code,omitempty"`
	Error        string                `json:"error,omitempty"`
}

var errBadFrame = errors.New("malformed frame")

func decodeFrame(data []byte) (clientFrame, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	frame.Type = strings.TrimSpace(frame.Type)
	if frame.Type == "" {
		return clientFrame{}, fmt.Errorf("%w: type is required", errBadFrame)
	}
	return frame, nil
}

// decodeOperation turns an operation frame into an Operation. ok is false
// when the frame is not an operation.
func decodeOperation(frame clientFrame) (op collab.Operation, ok bool, err error) {
	switch collab.OpKind(frame.Type) {
	case collab.OpCursorMoved:
		if frame.X == nil || frame.Y == nil {
			return nil, true, fmt.Errorf("%w: cursor requires x and y", errBadFrame)
		}
		return collab.CursorMoved{X: *frame.X, Y: *frame.Y}, true, nil
	case collab.OpNodeUpserted:
		if frame.NodeID == "" {
			return nil, true, fmt.Errorf("%w: nodeUpsert requires nodeId", errBadFrame)
		}
		return collab.NodeUpserted{NodeID: frame.NodeID, Payload: payloadBytes(frame.Payload)}, true, nil
	case collab.OpEdgeUpserted:
		if frame.EdgeID == "" {
			return nil, true, fmt.Errorf("%w: edgeUpsert requires edgeId", errBadFrame)
		}
		return collab.EdgeUpserted{EdgeID: frame.EdgeID, Payload: payloadBytes(frame.Payload)}, true, nil
	case collab.OpNodeDeleted:
		if frame.NodeID == "" {
			return nil, true, fmt.Errorf("%w: nodeDelete requires nodeId", errBadFrame)
		}
		return collab.NodeDeleted{NodeID: frame.NodeID}, true, nil
	case collab.OpEdgeDeleted:
		if frame.EdgeID == "" {
			return nil, true, fmt.Errorf("%w: edgeDelete requires edgeId", errBadFrame)
		}
		return collab.EdgeDeleted{EdgeID: frame.EdgeID}, true, nil
	case collab.OpSelectionChanged:
		return collab.SelectionChanged{TargetIDs: frame.TargetIDs}, true, nil
	case collab.OpViewSaved:
		return collab.ViewSaved{SavedBy: frame.SavedBy}, true, nil
	default:
		return nil, false, nil
	}
}

func payloadBytes(payload *string) []byte {
	if payload == nil {
		return nil
	}
	return []byte(*payload)
}

func payloadString(payload []byte) *string {
	if payload == nil {
		return nil
	}
	s := string(payload)
	return &s
}

// encodeEvent renders a core push as a server frame.
func encodeEvent(event collab.Event) ([]byte, error) {
	frame := serverFrame{Type: string(event.Type), RoomID: event.RoomID}
	switch event.Type {
	case collab.EventRoomSnapshot:
		frame.Members = membersOf(event.Members)
	case collab.EventMemberJoined:
		identity := event.Identity
		frame.Identity = &identity
		frame.Members = membersOf(event.Members)
	case collab.EventMemberLeft:
		frame.IdentityID = event.IdentityID
		frame.Members = membersOf(event.Members)
	case collab.EventOperation:
		if event.Op == nil {
			return nil, fmt.Errorf("encode operation event: nil operation")
		}
		from := event.From
		frame.From = &from
		encodeOperation(&frame, event.Op)
	case collab.EventChatMessage:
		msg := event.Chat
		frame.Message = &msg
	case collab.EventNotification:
		n := event.Notification
		frame.Notification = &n
	default:
		return nil, fmt.Errorf("encode event: unknown type %q", event.Type)
	}
	return json.Marshal(frame)
}

func encodeOperation(frame *serverFrame, op collab.Operation) {
	frame.Type = string(op.Kind())
	switch o := op.(type) {
	case collab.CursorMoved:
		x, y := o.X, o.Y
		frame.X, frame.Y = &x, &y
	case collab.NodeUpserted:
		frame.NodeID = o.NodeID
		frame.Payload = payloadString(o.Payload)
	case collab.EdgeUpserted:
		frame.EdgeID = o.EdgeID
		frame.Payload = payloadString(o.Payload)
	case collab.NodeDeleted:
		frame.NodeID = o.NodeID
	case collab.EdgeDeleted:
		frame.EdgeID = o.EdgeID
	case collab.SelectionChanged:
		targets := o.TargetIDs
		if targets == nil {
			targets = []string{}
		}
		frame.TargetIDs = &targets
	case collab.ViewSaved:
		frame.SavedBy = o.SavedBy
	}
}

func membersOf(members []collab.Presence) *[]collab.Presence {
	if members == nil {
		members = []collab.Presence{}
	}
	return &members
}

func encodeReply(frame serverFrame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		data, _ = json.Marshal(serverFrame{Type: frameError, ReplyTo: frame.ReplyTo, Code: "SERVER_ERROR", Error: "Server error"})
	}
	return data
}
