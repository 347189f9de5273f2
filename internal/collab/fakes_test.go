package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	refuse bool
}

func (s *recordingSink) Push(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse {
		return false
	}
	s.events = append(s.events, event)
	return true
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) OfType(eventType EventType) []Event {
	out := make([]Event, 0)
	for _, event := range s.Events() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type fakeChatStore struct {
	mu       sync.Mutex
	messages []ChatMessage

	appendMessageFn     func(context.Context, ChatMessage) (ChatMessage, bool, error)
	queryConversationFn func(context.Context, string, string, int) ([]ChatMessage, error)
}

func (f *fakeChatStore) AppendMessage(ctx context.Context, msg ChatMessage) (ChatMessage, bool, error) {
	if f.appendMessageFn != nil {
		return f.appendMessageFn(ctx, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.messages {
		if existing.MessageID == msg.MessageID {
			return existing, false, nil
		}
	}
	f.messages = append(f.messages, msg)
	return msg, true, nil
}

func (f *fakeChatStore) QueryConversation(ctx context.Context, a, b string, limit int) ([]ChatMessage, error) {
	if f.queryConversationFn != nil {
		return f.queryConversationFn(ctx, a, b, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChatMessage
	for _, msg := range f.messages {
		if (msg.FromID == a && msg.ToID == b) || (msg.FromID == b && msg.ToID == a) {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeNotificationStore struct {
	mu             sync.Mutex
	items          []Notification
	broadcastReads map[string]bool

	appendNotificationFn func(context.Context, Notification) error
}

func (f *fakeNotificationStore) AppendNotification(ctx context.Context, n Notification) error {
	if f.appendNotificationFn != nil {
		return f.appendNotificationFn(ctx, n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, n)
	return nil
}

func (f *fakeNotificationStore) MarkNotificationRead(_ context.Context, recipientID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].NotificationID != id {
			continue
		}
		switch {
		case f.items[i].IsBroadcast():
			f.markBroadcastRead(id, recipientID)
		case f.items[i].RecipientID == recipientID:
			f.items[i].Read = true
		default:
			return fmt.Errorf("%w: %s", ErrUnknownNotification, id)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownNotification, id)
}

func (f *fakeNotificationStore) MarkAllNotificationsRead(_ context.Context, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		switch {
		case f.items[i].IsBroadcast():
			f.markBroadcastRead(f.items[i].NotificationID, recipientID)
		case f.items[i].RecipientID == recipientID:
			f.items[i].Read = true
		}
	}
	return nil
}

func (f *fakeNotificationStore) markBroadcastRead(id, recipientID string) {
	if f.broadcastReads == nil {
		f.broadcastReads = make(map[string]bool)
	}
	f.broadcastReads[id+"/"+recipientID] = true
}

func (f *fakeNotificationStore) QueryNotifications(_ context.Context, recipientID string, limit int) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for i := len(f.items) - 1; i >= 0; i-- {
		n := f.items[i]
		if n.IsBroadcast() {
			n.Read = f.broadcastReads[n.NotificationID+"/"+recipientID]
		} else if n.RecipientID != recipientID {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeNotificationStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

var errStoreDown = errors.New("store down")

func identity(id string) Identity {
	return Identity{ID: id, DisplayName: "User " + id, Color: "#336699"}
}

func memberIDs(members []Presence) []string {
	out := make([]string, 0, len(members))
	for _, p := range members {
		out = append(out, p.Identity.ID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
