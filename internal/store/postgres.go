package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"archboard/api/internal/collab"
)

// PostgresStore persists chat history and notifications.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg collab.ChatMessage) (collab.ChatMessage, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, from_id, to_id, body, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.MessageID, msg.FromID, msg.ToID, msg.Body, msg.SentAt)
	if err != nil {
		return collab.ChatMessage{}, false, fmt.Errorf("insert chat message: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return collab.ChatMessage{}, false, fmt.Errorf("insert chat message: %w", err)
	}
	if inserted == 1 {
		return msg, true, nil
	}

	var existing collab.ChatMessage
	err = s.db.QueryRowContext(ctx, `
		SELECT message_id, from_id, to_id, body, sent_at
		FROM chat_messages
		WHERE message_id = $1
	`, msg.MessageID).Scan(&existing.MessageID, &existing.FromID, &existing.ToID, &existing.Body, &existing.SentAt)
	if err != nil {
		return collab.ChatMessage{}, false, fmt.Errorf("read existing chat message: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) QueryConversation(ctx context.Context, a, b string, limit int) ([]collab.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, from_id, to_id, body, sent_at
		FROM (
			SELECT message_id, from_id, to_id, body, sent_at
			FROM chat_messages
			WHERE (from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)
			ORDER BY sent_at DESC, message_id DESC
			LIMIT $3
		) recent
		ORDER BY sent_at ASC, message_id ASC
	`, a, b, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	items := make([]collab.ChatMessage, 0)
	for rows.Next() {
		var msg collab.ChatMessage
		if err := rows.Scan(&msg.MessageID, &msg.FromID, &msg.ToID, &msg.Body, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AppendNotification(ctx context.Context, n collab.Notification) error {
	metadata, err := marshalMetadata(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (notification_id, recipient_id, kind, severity, title, body, metadata, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, n.NotificationID, nullIfEmpty(n.RecipientID), n.Kind, string(n.Severity), n.Title, n.Body, metadata, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// MarkNotificationRead marks id read for recipientID. A targeted record
// flips its own flag; a broadcast gets a per-recipient row in
// notification_reads. Records addressed to someone else are reported as
// unknown.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT recipient_id FROM notifications WHERE notification_id = $1`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", collab.ErrUnknownNotification, id)
	}
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	if !owner.Valid {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO notification_reads (notification_id, recipient_id)
			VALUES ($1, $2)
			ON CONFLICT (notification_id, recipient_id) DO NOTHING
		`, id, recipientID)
		if err != nil {
			return fmt.Errorf("mark broadcast read: %w", err)
		}
		return nil
	}
	if owner.String != recipientID {
		return fmt.Errorf("%w: %s", collab.ErrUnknownNotification, id)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE notification_id = $1 AND recipient_id = $2 AND read = FALSE
	`, id, recipientID); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, recipientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark all read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE recipient_id = $1 AND read = FALSE
	`, recipientID); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, recipient_id)
		SELECT notification_id, $1 FROM notifications WHERE recipient_id IS NULL
		ON CONFLICT (notification_id, recipient_id) DO NOTHING
	`, recipientID); err != nil {
		return fmt.Errorf("mark all broadcasts read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark all read: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryNotifications(ctx context.Context, recipientID string, limit int) ([]collab.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.notification_id, COALESCE(n.recipient_id, ''), n.kind, n.severity, n.title, n.body, n.metadata, n.created_at,
			n.read OR r.notification_id IS NOT NULL
		FROM notifications n
		LEFT JOIN notification_reads r
			ON r.notification_id = n.notification_id AND r.recipient_id = $1
		WHERE n.recipient_id = $1 OR n.recipient_id IS NULL
		ORDER BY n.created_at DESC, n.notification_id DESC
		LIMIT $2
	`, recipientID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	items := make([]collab.Notification, 0)
	for rows.Next() {
		var (
			n        collab.Notification
			severity string
			metadata []byte
		)
		if err := rows.Scan(&n.NotificationID, &n.RecipientID, &n.Kind, &severity, &n.Title, &n.Body, &metadata, &n.CreatedAt, &n.Read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Severity = collab.Severity(severity)
		if n.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as
// LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal notification metadata: %w", err)
	}
	return string(encoded), nil
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode notification metadata: %w", err)
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}
