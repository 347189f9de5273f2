package collab

// EventType tags a server-to-client push.
type EventType string

const (
	EventRoomSnapshot EventType = "roomSnapshot"
	EventMemberJoined EventType = "memberJoined"
	EventMemberLeft   EventType = "memberLeft"
	EventOperation    EventType = "operation"
	EventChatMessage  EventType = "chatMessage"
	EventNotification EventType = "notification"
)

// Event is a push to one live connection. Which fields are set depends on
// Type:
//
//	roomSnapshot   RoomID, Members
//	memberJoined   RoomID, Identity, Members
//	memberLeft     RoomID, IdentityID, Members
//	operation      RoomID, From, Op
//	chatMessage    Chat
//	notification   Notification
type Event struct {
	Type         EventType
	RoomID       string
	From         Identity
	Op           Operation
	Identity     Identity
	IdentityID   string
	Members      []Presence
	Chat         ChatMessage
	Notification Notification
}

// Sink is a connection's outbound queue. Push must not block; it returns
// false when the event was not accepted (queue full or connection closing).
type Sink interface {
	Push(Event) bool
}

// Delivery is the outcome of applying an operation in a room: the ops to
// fan out and the identities that receive them. Recipients never contains
// the sender.
type Delivery struct {
	RoomID     string
	From       Identity
	Ops        []Operation
	Recipients []string
}
