package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"archboard/api/internal/auth"
	"archboard/api/internal/collab"
	"archboard/api/internal/config"
	"archboard/api/internal/rbac"
	"archboard/api/internal/util"
	"archboard/api/internal/viewstore"
)

const defaultHistoryLimit = 50

type Session struct {
	Identity  collab.Identity
	Role      rbac.Role
	TokenID   string
	ExpiresAt time.Time
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Session   Session
}

type NotifyInput struct {
	RecipientID string         `json:"recipientId"`
	Kind        string         `json:"kind"`
	Severity    string         `json:"severity"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Metadata    map[string]any `json:"metadata"`
}

type BroadcastInput struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

type pinger interface {
	Ping(context.Context) error
}

// ticketStore issues single-use WebSocket tickets.
type ticketStore interface {
	IssueTicket(ctx context.Context, identity collab.Identity, role string, ttl time.Duration) (string, error)
	Ping(context.Context) error
}

type viewStore interface {
	Save(ctx context.Context, viewID string, content []byte, author string) (viewstore.CommitInfo, bool, error)
	Load(ctx context.Context, viewID string) (viewstore.View, error)
	LoadRevision(ctx context.Context, viewID, hash string) (viewstore.View, error)
	History(ctx context.Context, viewID string, limit int) ([]viewstore.CommitInfo, error)
}

// Deps are the components a Service fronts. Tickets may be nil, in which
// case ticket issuance reports the feature unavailable.
type Deps struct {
	Rooms         *collab.RoomManager
	Chat          *collab.ChatRelay
	Notifications *collab.NotificationFanout
	Views         viewStore
	Store         pinger
	Tickets       ticketStore
	Logger        *zap.Logger
}

type Service struct {
	cfg           config.Config
	rooms         *collab.RoomManager
	chat          *collab.ChatRelay
	notifications *collab.NotificationFanout
	views         viewStore
	store         pinger
	tickets       ticketStore
	logger        *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:           cfg,
		rooms:         deps.Rooms,
		chat:          deps.Chat,
		notifications: deps.Notifications,
		views:         deps.Views,
		store:         deps.Store,
		tickets:       deps.Tickets,
		logger:        logger.With(zap.String("component", "service")),
	}
}

// Readiness pings every backing service. A nil error means the check
// passed.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{}
	if s.store != nil {
		checks["database"] = s.store.Ping(ctx)
	}
	if s.tickets != nil {
		checks["redis"] = s.tickets.Ping(ctx)
	}
	return checks
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Identity: claims.Identity(),
		Role:     rbac.Normalize(claims.Role),
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Login mints an access token for name without checking credentials. It is
// only reachable when dev login is enabled.
func (s *Service) Login(_ context.Context, name, role string) (LoginResult, error) {
	if !s.cfg.DevLogin {
		return LoginResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	name = strings.TrimSpace(name)
	identityID := slugify(name)
	if identityID == "" {
		return LoginResult{}, validationError("name is required")
	}
	if strings.TrimSpace(role) == "" {
		role = string(rbac.RoleEditor)
	}
	identity := collab.Identity{ID: identityID, DisplayName: name, Color: auth.ColorFor(identityID)}
	claims := auth.NewClaims(identity, string(rbac.Normalize(role)), util.NewID("tok"), s.cfg.TokenTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info("dev login", zap.String("identity_id", identityID), zap.String("role", claims.Role))
	return LoginResult{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Session: Session{
			Identity:  identity,
			Role:      rbac.Role(claims.Role),
			TokenID:   claims.ID,
			ExpiresAt: claims.ExpiresAt.Time,
		},
	}, nil
}

// IssueTicket hands out a short-lived single-use ticket for opening a
// WebSocket from a browser, where headers cannot be set.
func (s *Service) IssueTicket(ctx context.Context, session Session) (string, time.Time, error) {
	if s.tickets == nil {
		return "", time.Time{}, domainError(http.StatusServiceUnavailable, "TICKETS_UNAVAILABLE", "WebSocket tickets are not configured", nil)
	}
	ticket, err := s.tickets.IssueTicket(ctx, session.Identity, string(session.Role), s.cfg.TicketTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	return ticket, time.Now().UTC().Add(s.cfg.TicketTTL), nil
}

func (s *Service) ChatHistory(ctx context.Context, session Session, peerID string) ([]collab.ChatMessage, error) {
	if err := s.authorize(session, rbac.ActionChat); err != nil {
		return nil, err
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, validationError("peer id is required")
	}
	return s.chat.History(ctx, session.Identity.ID, peerID)
}

func (s *Service) SendChat(ctx context.Context, session Session, peerID, body, messageID string) (collab.ChatMessage, error) {
	if err := s.authorize(session, rbac.ActionChat); err != nil {
		return collab.ChatMessage{}, err
	}
	return s.chat.Send(ctx, session.Identity.ID, peerID, body, messageID)
}

func (s *Service) Notifications(ctx context.Context, session Session) ([]collab.Notification, error) {
	return s.notifications.List(ctx, session.Identity.ID)
}

// MarkNotificationRead marks one of the caller's notifications, or a
// broadcast, read for the caller. Anyone else's notification is not found.
func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return validationError("notification id is required")
	}
	return s.notifications.MarkRead(ctx, session.Identity.ID, notificationID)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) error {
	return s.notifications.MarkAllRead(ctx, session.Identity.ID)
}

func (s *Service) NotifyUser(ctx context.Context, session Session, input NotifyInput) (collab.Notification, error) {
	if err := s.authorize(session, rbac.ActionNotify); err != nil {
		return collab.Notification{}, err
	}
	severity, err := parseSeverity(input.Severity)
	if err != nil {
		return collab.Notification{}, err
	}
	return s.notifications.NotifyUser(ctx, input.RecipientID, input.Kind, severity, input.Title, input.Body, input.Metadata)
}

// Broadcast returns how many identities were reached live.
func (s *Service) Broadcast(ctx context.Context, session Session, input BroadcastInput) (int, error) {
	if err := s.authorize(session, rbac.ActionBroadcast); err != nil {
		return 0, err
	}
	severity, err := parseSeverity(input.Severity)
	if err != nil {
		return 0, err
	}
	return s.notifications.Broadcast(ctx, input.Kind, severity, input.Title, input.Body)
}

func (s *Service) LoadView(ctx context.Context, session Session, viewID, revision string) (viewstore.View, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return viewstore.View{}, err
	}
	if strings.TrimSpace(revision) != "" {
		return s.views.LoadRevision(ctx, viewID, revision)
	}
	return s.views.Load(ctx, viewID)
}

// SaveView commits content and, when it changed, tells the room so other
// viewers can refresh. The save itself never depends on anyone being in
// the room.
func (s *Service) SaveView(ctx context.Context, session Session, viewID string, content json.RawMessage) (viewstore.CommitInfo, bool, error) {
	if err := s.authorize(session, rbac.ActionWrite); err != nil {
		return viewstore.CommitInfo{}, false, err
	}
	commit, changed, err := s.views.Save(ctx, viewID, content, session.Identity.DisplayName)
	if err != nil {
		return viewstore.CommitInfo{}, false, err
	}
	if changed {
		delivery := s.rooms.Announce(viewID, session.Identity, collab.ViewSaved{SavedBy: session.Identity.ID})
		s.logger.Info("view saved",
			zap.String("view_id", viewID),
			zap.String("commit", commit.Hash),
			zap.String("identity_id", session.Identity.ID),
			zap.Int("notified", len(delivery.Recipients)),
		)
	}
	return commit, changed, nil
}

func (s *Service) ViewHistory(ctx context.Context, session Session, viewID string, limit int) ([]viewstore.CommitInfo, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.views.History(ctx, viewID, limit)
}

// Presence lists who is viewing viewID right now.
func (s *Service) Presence(session Session, viewID string) ([]collab.Presence, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if err := viewstore.ValidateViewID(viewID); err != nil {
		return nil, err
	}
	return s.rooms.Members(viewID), nil
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if rbac.Can(session.Role, action) {
		return nil
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": string(action)})
}

func parseSeverity(value string) (collab.Severity, error) {
	if strings.TrimSpace(value) == "" {
		return collab.SeverityInfo, nil
	}
	return collab.ParseSeverity(value)
}

// slugify turns a display name into an identity id: lower case letters and
// digits, runs of anything else collapsed to one dash.
func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
