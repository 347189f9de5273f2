package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"archboard/api/internal/collab"
)

func TestMemoryStoreAppendMessageDedupesByID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sent := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, created, err := s.AppendMessage(ctx, collab.ChatMessage{MessageID: "m1", FromID: "a", ToID: "b", Body: "hi", SentAt: sent})
	if err != nil || !created {
		t.Fatalf("AppendMessage() = %v, %v; want created", created, err)
	}
	second, created, err := s.AppendMessage(ctx, collab.ChatMessage{MessageID: "m1", FromID: "a", ToID: "b", Body: "hi again", SentAt: sent.Add(time.Second)})
	if err != nil {
		t.Fatalf("AppendMessage() duplicate error = %v", err)
	}
	if created {
		t.Fatal("expected duplicate append to report created=false")
	}
	if second.Body != first.Body || !second.SentAt.Equal(first.SentAt) {
		t.Fatalf("duplicate append should return the stored message, got %+v", second)
	}

	history, err := s.QueryConversation(ctx, "b", "a", 0)
	if err != nil {
		t.Fatalf("QueryConversation() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
}

func TestMemoryStoreConversationOrderAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	messages := []collab.ChatMessage{
		{MessageID: "m3", FromID: "a", ToID: "b", Body: "three", SentAt: base.Add(3 * time.Minute)},
		{MessageID: "m1", FromID: "a", ToID: "b", Body: "one", SentAt: base.Add(1 * time.Minute)},
		{MessageID: "x1", FromID: "a", ToID: "c", Body: "other", SentAt: base.Add(2 * time.Minute)},
		{MessageID: "m2", FromID: "b", ToID: "a", Body: "two", SentAt: base.Add(2 * time.Minute)},
	}
	for _, msg := range messages {
		if _, _, err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage(%s) error = %v", msg.MessageID, err)
		}
	}

	all, err := s.QueryConversation(ctx, "a", "b", 0)
	if err != nil {
		t.Fatalf("QueryConversation() error = %v", err)
	}
	got := ids(all)
	want := []string{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	recent, err := s.QueryConversation(ctx, "a", "b", 2)
	if err != nil {
		t.Fatalf("QueryConversation(limit) error = %v", err)
	}
	if len(recent) != 2 || recent[0].MessageID != "m2" || recent[1].MessageID != "m3" {
		t.Fatalf("expected the two most recent messages oldest first, got %v", ids(recent))
	}
}

func TestMemoryStoreNotificationsReadIsMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, n := range []collab.Notification{
		{NotificationID: "n1", RecipientID: "u1", Kind: "system", Severity: collab.SeverityInfo, CreatedAt: now},
		{NotificationID: "n2", Kind: "broadcast", Severity: collab.SeverityWarning, CreatedAt: now.Add(time.Second)},
		{NotificationID: "n3", RecipientID: "u2", Kind: "system", Severity: collab.SeverityInfo, CreatedAt: now.Add(2 * time.Second)},
	} {
		if err := s.AppendNotification(ctx, n); err != nil {
			t.Fatalf("AppendNotification(%s) error = %v", n.NotificationID, err)
		}
	}

	if err := s.MarkNotificationRead(ctx, "u1", "n1"); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "u1", "n1"); err != nil {
		t.Fatalf("MarkNotificationRead() again error = %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "u1", "n3"); !errors.Is(err, collab.ErrUnknownNotification) {
		t.Fatalf("expected another recipient's notification to be unknown, got %v", err)
	}
	if err := s.MarkNotificationRead(ctx, "u1", "missing"); !errors.Is(err, collab.ErrUnknownNotification) {
		t.Fatalf("expected ErrUnknownNotification, got %v", err)
	}

	items, err := s.QueryNotifications(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("QueryNotifications() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected own + broadcast notifications, got %d", len(items))
	}
	if items[0].NotificationID != "n2" || items[1].NotificationID != "n1" {
		t.Fatalf("expected newest first, got %s, %s", items[0].NotificationID, items[1].NotificationID)
	}
	if !items[1].Read {
		t.Fatal("expected n1 to stay read")
	}
	if items[0].Read {
		t.Fatal("broadcast should still be unread for u1")
	}

	if err := s.MarkAllNotificationsRead(ctx, "u1"); err != nil {
		t.Fatalf("MarkAllNotificationsRead() error = %v", err)
	}
	items, _ = s.QueryNotifications(ctx, "u1", 0)
	for _, item := range items {
		if !item.Read {
			t.Fatalf("expected %s read after mark-all", item.NotificationID)
		}
	}
	others, _ := s.QueryNotifications(ctx, "u2", 0)
	for _, item := range others {
		if item.Read {
			t.Fatalf("u1 marking all read must not change %s for u2", item.NotificationID)
		}
	}
}

func TestMemoryStoreClosedFails(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	ctx := context.Background()
	if _, _, err := s.AppendMessage(ctx, collab.ChatMessage{MessageID: "m1"}); err == nil {
		t.Fatal("expected append on closed store to fail")
	}
	if err := s.Ping(ctx); err == nil {
		t.Fatal("expected ping on closed store to fail")
	}
}

func ids(messages []collab.ChatMessage) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg.MessageID)
	}
	return out
}
