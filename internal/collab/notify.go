package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"archboard/api/internal/util"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// ParseSeverity accepts the closed severity set, case-insensitively.
func ParseSeverity(value string) (Severity, error) {
	severity := Severity(strings.ToLower(strings.TrimSpace(value)))
	if !severity.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, value)
	}
	return severity, nil
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeveritySuccess:
		return true
	default:
		return false
	}
}

// Notification is an asynchronous message for one user, or for everyone
// when RecipientID is empty. Read only ever goes from false to true.
type Notification struct {
	NotificationID string         `json:"notificationId"`
	RecipientID    string         `json:"recipientId,omitempty"`
	Kind           string         `json:"kind"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	CreatedAt      time.Time      `json:"createdAt"`
	Read           bool           `json:"read"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (n Notification) IsBroadcast() bool {
	return n.RecipientID == ""
}

// NotificationStore is the persisted notification log.
type NotificationStore interface {
	AppendNotification(ctx context.Context, n Notification) error
	// MarkNotificationRead marks id read for recipientID. Broadcast read
	// state is kept per recipient. It returns ErrUnknownNotification when id
	// does not exist or is addressed to someone else, and succeeds when the
	// record is already read.
	MarkNotificationRead(ctx context.Context, recipientID, id string) error
	// MarkAllNotificationsRead covers the recipient's records and every
	// broadcast.
	MarkAllNotificationsRead(ctx context.Context, recipientID string) error
	// QueryNotifications returns the recipient's records and all broadcast
	// records, newest first, at most limit. Read on a broadcast reflects
	// recipientID only.
	QueryNotifications(ctx context.Context, recipientID string, limit int) ([]Notification, error)
}

const defaultNotificationKind = "system"

// NotificationFanout persists notifications and pushes them to live
// connections. Offline recipients read the persisted copy later.
type NotificationFanout struct {
	registry  *Registry
	store     NotificationStore
	listLimit int
	logger    *zap.Logger
	now       func() time.Time
}

func NewNotificationFanout(registry *Registry, store NotificationStore, listLimit int, logger *zap.Logger) *NotificationFanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationFanout{
		registry:  registry,
		store:     store,
		listLimit: listLimit,
		logger:    logger.With(zap.String("component", "notifications")),
		now:       time.Now,
	}
}

func (f *NotificationFanout) NotifyUser(ctx context.Context, recipientID, kind string, severity Severity, title, body string, metadata map[string]any) (Notification, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return Notification{}, ErrInvalidRecipient
	}
	n, err := f.build(recipientID, kind, severity, title, body, metadata)
	if err != nil {
		return Notification{}, err
	}
	if err := f.store.AppendNotification(ctx, n); err != nil {
		return Notification{}, persistenceError("append notification", err)
	}
	notificationsTotal.WithLabelValues("user").Inc()

	delivered := 0
	for _, t := range f.registry.identityTargets(recipientID) {
		if push(t.sink, Event{Type: EventNotification, Notification: n}) {
			delivered++
		}
	}
	f.logger.Debug("notification sent",
		zap.String("notification_id", n.NotificationID),
		zap.String("recipient_id", recipientID),
		zap.Int("live_deliveries", delivered),
	)
	return n, nil
}

// Broadcast persists one notification addressed to everyone and pushes it
// once to every live connection. It returns the number of distinct
// identities reached live.
func (f *NotificationFanout) Broadcast(ctx context.Context, kind string, severity Severity, title, body string) (int, error) {
	n, err := f.build("", kind, severity, title, body, nil)
	if err != nil {
		return 0, err
	}
	if err := f.store.AppendNotification(ctx, n); err != nil {
		return 0, persistenceError("append broadcast notification", err)
	}
	notificationsTotal.WithLabelValues("broadcast").Inc()

	reached := make(map[string]struct{})
	for _, t := range f.registry.allTargets() {
		if push(t.sink, Event{Type: EventNotification, Notification: n}) {
			reached[t.identityID] = struct{}{}
		}
	}
	f.logger.Info("broadcast sent",
		zap.String("notification_id", n.NotificationID),
		zap.Int("identities_reached", len(reached)),
	)
	return len(reached), nil
}

// MarkRead marks one notification read for recipientID. Only the
// recipient's own notifications and broadcasts can be marked. Marking a read
// notification again is a no-op.
func (f *NotificationFanout) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	if err := f.store.MarkNotificationRead(ctx, recipientID, notificationID); err != nil {
		if errors.Is(err, ErrUnknownNotification) {
			return err
		}
		return persistenceError("mark notification read", err)
	}
	return nil
}

func (f *NotificationFanout) MarkAllRead(ctx context.Context, recipientID string) error {
	if err := f.store.MarkAllNotificationsRead(ctx, recipientID); err != nil {
		return persistenceError("mark all notifications read", err)
	}
	return nil
}

// List returns what recipientID can see, newest first.
func (f *NotificationFanout) List(ctx context.Context, recipientID string) ([]Notification, error) {
	items, err := f.store.QueryNotifications(ctx, recipientID, f.listLimit)
	if err != nil {
		return nil, persistenceError("query notifications", err)
	}
	if items == nil {
		items = []Notification{}
	}
	return items, nil
}

func (f *NotificationFanout) build(recipientID, kind string, severity Severity, title, body string, metadata map[string]any) (Notification, error) {
	if !severity.Valid() {
		return Notification{}, fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = defaultNotificationKind
	}
	return Notification{
		NotificationID: util.NewID("ntf"),
		RecipientID:    recipientID,
		Kind:           kind,
		Severity:       severity,
		Title:          strings.TrimSpace(title),
		Body:           body,
		CreatedAt:      f.now().UTC(),
		Metadata:       metadata,
	}, nil
}
