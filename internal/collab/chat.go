package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"archboard/api/internal/util"
)

// ChatMessage is one direct message. It never changes once stored.
type ChatMessage struct {
	MessageID string    `json:"messageId"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}

// ChatHistoryStore is the persisted chat log.
type ChatHistoryStore interface {
	// AppendMessage stores msg unless a message with the same id exists, in
	// which case the existing message is returned with created false.
	AppendMessage(ctx context.Context, msg ChatMessage) (stored ChatMessage, created bool, err error)
	// QueryConversation returns messages between a and b in both
	// directions, oldest first, at most limit of the most recent ones.
	QueryConversation(ctx context.Context, a, b string, limit int) ([]ChatMessage, error)
}

// ChatRelay delivers direct messages between identities, independent of
// rooms. Live delivery is at most once; the persisted log is the durable
// path.
type ChatRelay struct {
	registry     *Registry
	store        ChatHistoryStore
	historyLimit int
	logger       *zap.Logger
	now          func() time.Time
}

func NewChatRelay(registry *Registry, store ChatHistoryStore, historyLimit int, logger *zap.Logger) *ChatRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatRelay{
		registry:     registry,
		store:        store,
		historyLimit: historyLimit,
		logger:       logger.With(zap.String("component", "chat")),
		now:          time.Now,
	}
}

// Send persists a message and pushes it to the recipient's live
// connections. messageID may be empty, in which case one is generated. A
// repeated messageID returns the stored message without storing or pushing
// it again.
func (c *ChatRelay) Send(ctx context.Context, fromID, toID, body, messageID string) (ChatMessage, error) {
	fromID = strings.TrimSpace(fromID)
	toID = strings.TrimSpace(toID)
	if fromID == "" || toID == "" {
		return ChatMessage{}, fmt.Errorf("%w: sender and recipient are required", ErrInvalidMessage)
	}
	if strings.TrimSpace(body) == "" {
		return ChatMessage{}, fmt.Errorf("%w: body is required", ErrInvalidMessage)
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		messageID = util.NewID("msg")
	}

	msg := ChatMessage{
		MessageID: messageID,
		FromID:    fromID,
		ToID:      toID,
		Body:      body,
		SentAt:    c.now().UTC(),
	}
	stored, created, err := c.store.AppendMessage(ctx, msg)
	if err != nil {
		return ChatMessage{}, persistenceError("append chat message", err)
	}
	if !created {
		if stored.FromID != fromID || stored.ToID != toID {
			return ChatMessage{}, fmt.Errorf("%w: message id %s is already in use", ErrInvalidMessage, messageID)
		}
		chatMessagesTotal.WithLabelValues("duplicate").Inc()
		return stored, nil
	}
	chatMessagesTotal.WithLabelValues("created").Inc()

	delivered := 0
	for _, t := range c.registry.identityTargets(toID) {
		if push(t.sink, Event{Type: EventChatMessage, Chat: stored}) {
			delivered++
		}
	}
	c.logger.Debug("chat message sent",
		zap.String("message_id", stored.MessageID),
		zap.String("from_id", fromID),
		zap.String("to_id", toID),
		zap.Int("live_deliveries", delivered),
	)
	return stored, nil
}

// History returns the conversation between userA and userB, oldest first.
func (c *ChatRelay) History(ctx context.Context, userA, userB string) ([]ChatMessage, error) {
	messages, err := c.store.QueryConversation(ctx, userA, userB, c.historyLimit)
	if err != nil {
		return nil, persistenceError("query chat history", err)
	}
	if messages == nil {
		messages = []ChatMessage{}
	}
	return messages, nil
}
