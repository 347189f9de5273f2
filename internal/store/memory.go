package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"archboard/api/internal/collab"
)

var errStoreClosed = errors.New("store closed")

// MemoryStore keeps chat history and notifications in process. It backs
// local development when no database is configured.
type MemoryStore struct {
	mu             sync.RWMutex
	messages       []collab.ChatMessage
	messageIndex   map[string]int
	notifications  []collab.Notification
	notifyIndex    map[string]int
	broadcastReads map[string]map[string]struct{} // broadcast id -> readers
	closed         bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messageIndex:   make(map[string]int),
		notifyIndex:    make(map[string]int),
		broadcastReads: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close makes every later call fail. Used to exercise persistence failures.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg collab.ChatMessage) (collab.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return collab.ChatMessage{}, false, errStoreClosed
	}
	if idx, ok := s.messageIndex[msg.MessageID]; ok {
		return s.messages[idx], false, nil
	}
	s.messageIndex[msg.MessageID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg, true, nil
}

func (s *MemoryStore) QueryConversation(_ context.Context, a, b string, limit int) ([]collab.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	items := make([]collab.ChatMessage, 0)
	for _, msg := range s.messages {
		if (msg.FromID == a && msg.ToID == b) || (msg.FromID == b && msg.ToID == a) {
			items = append(items, msg)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SentAt.Equal(items[j].SentAt) {
			return items[i].MessageID < items[j].MessageID
		}
		return items[i].SentAt.Before(items[j].SentAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *MemoryStore) AppendNotification(_ context.Context, n collab.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	if _, ok := s.notifyIndex[n.NotificationID]; ok {
		return fmt.Errorf("insert notification: duplicate id %s", n.NotificationID)
	}
	s.notifyIndex[n.NotificationID] = len(s.notifications)
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, recipientID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	idx, ok := s.notifyIndex[id]
	if !ok {
		return fmt.Errorf("%w: %s", collab.ErrUnknownNotification, id)
	}
	n := &s.notifications[idx]
	switch {
	case n.IsBroadcast():
		s.markBroadcastRead(id, recipientID)
	case n.RecipientID == recipientID:
		n.Read = true
	default:
		return fmt.Errorf("%w: %s", collab.ErrUnknownNotification, id)
	}
	return nil
}

func (s *MemoryStore) MarkAllNotificationsRead(_ context.Context, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	for i := range s.notifications {
		n := &s.notifications[i]
		switch {
		case n.IsBroadcast():
			s.markBroadcastRead(n.NotificationID, recipientID)
		case n.RecipientID == recipientID:
			n.Read = true
		}
	}
	return nil
}

func (s *MemoryStore) markBroadcastRead(id, recipientID string) {
	readers, ok := s.broadcastReads[id]
	if !ok {
		readers = make(map[string]struct{})
		s.broadcastReads[id] = readers
	}
	readers[recipientID] = struct{}{}
}

func (s *MemoryStore) QueryNotifications(_ context.Context, recipientID string, limit int) ([]collab.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	items := make([]collab.Notification, 0)
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if n.RecipientID != recipientID && !n.IsBroadcast() {
			continue
		}
		if n.IsBroadcast() {
			_, n.Read = s.broadcastReads[n.NotificationID][recipientID]
		}
		items = append(items, n)
		if limit > 0 && len(items) == limit {
			break
		}
	}
	return items, nil
}
