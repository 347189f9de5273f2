package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"archboard/api/internal/auth"
	"archboard/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	realtime   http.Handler
	corsOrigin string
	devLogin   bool
	logger     *zap.Logger
}

// NewHTTPServer serves the REST API. realtime, when non-nil, is mounted at
// /ws.
func NewHTTPServer(service *Service, realtime http.Handler, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		realtime:   realtime,
		corsOrigin: corsOrigin,
		devLogin:   service.cfg.DevLogin,
		logger:     logger.With(zap.String("component", "http")),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.realtime != nil {
		router.Handle("/ws", s.realtime).Methods(http.MethodGet)
	}

	if s.devLogin {
		router.HandleFunc("/api/session/login", s.handleLogin).Methods(http.MethodPost)
	}
	router.HandleFunc("/api/session", s.withSession(s.handleSession)).Methods(http.MethodGet)
	router.HandleFunc("/api/session/ticket", s.withSession(s.handleTicket)).Methods(http.MethodPost)

	router.HandleFunc("/api/chat/{peerId}/messages", s.withSession(s.handleChatHistory)).Methods(http.MethodGet)
	router.HandleFunc("/api/chat/{peerId}/messages", s.withSession(s.handleChatSend)).Methods(http.MethodPost)

	router.HandleFunc("/api/notifications", s.withSession(s.handleNotifications)).Methods(http.MethodGet)
	router.HandleFunc("/api/notifications/read-all", s.withSession(s.handleReadAll)).Methods(http.MethodPost)
	router.HandleFunc("/api/notifications/{notificationId}/read", s.withSession(s.handleRead)).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/notifications", s.withSession(s.handleNotify)).Methods(http.MethodPost)
	router.HandleFunc("/api/admin/broadcast", s.withSession(s.handleBroadcast)).Methods(http.MethodPost)

	router.HandleFunc("/api/views/{viewId}/content", s.withSession(s.handleViewContent)).Methods(http.MethodGet)
	router.HandleFunc("/api/views/{viewId}/content", s.withSession(s.handleViewSave)).Methods(http.MethodPut)
	router.HandleFunc("/api/views/{viewId}/history", s.withSession(s.handleViewHistory)).Methods(http.MethodGet)
	router.HandleFunc("/api/views/{viewId}/presence", s.withSession(s.handlePresence)).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return s.withMiddleware(router)
}

type sessionHandler func(http.ResponseWriter, *http.Request, Session)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Readiness(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Login(r.Context(), body.Name, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt,
		"identity":  result.Session.Identity,
		"role":      result.Session.Role,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, _ *http.Request, session Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"identity":      session.Identity,
		"role":          session.Role,
		"expiresAt":     session.ExpiresAt,
	})
}

func (s *HTTPServer) handleTicket(w http.ResponseWriter, r *http.Request, session Session) {
	ticket, expiresAt, err := s.service.IssueTicket(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ticket": ticket, "expiresAt": expiresAt})
}

func (s *HTTPServer) handleChatHistory(w http.ResponseWriter, r *http.Request, session Session) {
	messages, err := s.service.ChatHistory(r.Context(), session, mux.Vars(r)["peerId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleChatSend(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Body      string `json:"body"`
		MessageID string `json:"messageId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.SendChat(r.Context(), session, mux.Vars(r)["peerId"], body.Body, body.MessageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.Notifications(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "unread": unread})
}

func (s *HTTPServer) handleRead(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.MarkNotificationRead(r.Context(), session, mux.Vars(r)["notificationId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReadAll(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.MarkAllNotificationsRead(r.Context(), session); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleNotify(w http.ResponseWriter, r *http.Request, session Session) {
	var body NotifyInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	n, err := s.service.NotifyUser(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"notification": n})
}

func (s *HTTPServer) handleBroadcast(w http.ResponseWriter, r *http.Request, session Session) {
	var body BroadcastInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	delivered, err := s.service.Broadcast(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (s *HTTPServer) handleViewContent(w http.ResponseWriter, r *http.Request, session Session) {
	view, err := s.service.LoadView(r.Context(), session, mux.Vars(r)["viewId"], r.URL.Query().Get("revision"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"viewId":  view.ID,
		"content": json.RawMessage(view.Content),
		"commit":  view.Commit,
	})
}

func (s *HTTPServer) handleViewSave(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Content) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
		return
	}
	commit, changed, err := s.service.SaveView(r.Context(), session, mux.Vars(r)["viewId"], body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commit": commit, "changed": changed})
}

func (s *HTTPServer) handleViewHistory(w http.ResponseWriter, r *http.Request, session Session) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	commits, err := s.service.ViewHistory(r.Context(), session, mux.Vars(r)["viewId"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": commits})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session) {
	members, err := s.service.Presence(session, mux.Vars(r)["viewId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// fail writes err as an error response. Unmapped errors are logged since
// the client only sees a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	return auth.BearerToken(strings.TrimSpace(r.Header.Get("Authorization")))
}
