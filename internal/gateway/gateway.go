// Package gateway adapts the collaboration core to WebSocket connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"archboard/api/internal/auth"
	"archboard/api/internal/collab"
	"archboard/api/internal/util"
)

type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	// RequestTimeout bounds store calls made on behalf of one frame.
	RequestTimeout time.Duration
	CheckOrigin    func(*http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		MaxMessageBytes: 1 << 20,
		RequestTimeout:  5 * time.Second,
	}
}

type Gateway struct {
	manager    *collab.RoomManager
	chat       *collab.ChatRelay
	identities collab.IdentityProvider
	opts       Options
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func New(manager *collab.RoomManager, chat *collab.ChatRelay, identities collab.IdentityProvider, opts Options, logger *zap.Logger) *Gateway {
	defaults := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaults.PongTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		manager:    manager,
		chat:       chat,
		identities: identities,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		logger: logger.With(zap.String("component", "gateway")),
	}
}

// ServeHTTP authenticates the request, upgrades it and serves the
// connection until either side closes it. The token comes from the
// "token" query parameter or a bearer Authorization header.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = auth.BearerToken(strings.TrimSpace(r.Header.Get("Authorization")))
	}
	if token == "" {
		authFailuresTotal.Inc()
		writeHTTPError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}
	identity, err := g.identities.Authenticate(r.Context(), token)
	if err != nil {
		authFailuresTotal.Inc()
		g.logger.Debug("websocket auth failed", zap.Error(err))
		writeHTTPError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := util.NewConnectionID()
	logger := g.logger.With(zap.String("connection_id", connectionID), zap.String("identity_id", identity.ID))
	c := newClient(connectionID, identity, ws, g.opts.SendBuffer, logger)
	// welcome is queued ahead of anything the registry can push.
	c.reply(serverFrame{Type: frameWelcome, ConnectionID: connectionID, Identity: &identity})
	registry := g.manager.Registry()
	if err := registry.Register(connectionID, identity, c); err != nil {
		logger.Error("register connection failed", zap.Error(err))
		_ = ws.Close()
		return
	}
	logger.Info("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(g.opts.WriteTimeout, pingPeriod(g.opts.PongTimeout))
	}()

	g.readPump(r.Context(), c)

	g.manager.Disconnect(connectionID)
	c.close()
	<-writerDone
	logger.Info("connection closed")
}

func (g *Gateway) readPump(ctx context.Context, c *client) {
	c.ws.SetReadLimit(g.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !c.closed() {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(g.opts.PongTimeout))
		g.dispatch(ctx, c, data)
		if c.closed() {
			return
		}
	}
}

// dispatch handles one client frame. Frames of one connection are handled
// in order, so a sender's operations reach every recipient in send order.
func (g *Gateway) dispatch(ctx context.Context, c *client, data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		framesTotal.WithLabelValues("invalid", "error").Inc()
		c.reply(errorFrame("", err))
		return
	}

	if err := g.handle(ctx, c, frame); err != nil {
		framesTotal.WithLabelValues(frameLabel(frame.Type), "error").Inc()
		c.reply(errorFrame(frame.ID, err))
		return
	}
	framesTotal.WithLabelValues(frameLabel(frame.Type), "ok").Inc()
}

func (g *Gateway) handle(ctx context.Context, c *client, frame clientFrame) error {
	op, isOp, err := decodeOperation(frame)
	if err != nil {
		return err
	}
	if isOp {
		if _, err := g.manager.Relay(c.id, op); err != nil {
			return err
		}
		g.ack(c, frame)
		return nil
	}

	switch frame.Type {
	case frameJoin:
		if _, err := g.manager.JoinRoom(c.id, frame.RoomID); err != nil {
			return err
		}
		g.ack(c, frame)
		return nil
	case frameLeave:
		if err := g.manager.LeaveRoom(c.id); err != nil {
			return err
		}
		g.ack(c, frame)
		return nil
	case frameChatSend:
		reqCtx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
		defer cancel()
		msg, err := g.chat.Send(reqCtx, c.identity.ID, frame.ToID, frame.Body, frame.MessageID)
		if err != nil {
			return err
		}
		c.reply(serverFrame{Type: frameChatSent, ReplyTo: frame.ID, Message: &msg})
		return nil
	case frameChatHistory:
		if strings.TrimSpace(frame.PeerID) == "" {
			return fmt.Errorf("%w: chatHistory requires peerId", errBadFrame)
		}
		reqCtx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
		defer cancel()
		messages, err := g.chat.History(reqCtx, c.identity.ID, frame.PeerID)
		if err != nil {
			return err
		}
		c.reply(serverFrame{Type: frameChatHistory, ReplyTo: frame.ID, Messages: &messages})
		return nil
	default:
		return errUnknownFrame
	}
}

// ack confirms a frame that asked for a reply by carrying an id.
func (g *Gateway) ack(c *client, frame clientFrame) {
	if frame.ID == "" {
		return
	}
	c.reply(serverFrame{Type: frameAck, ReplyTo: frame.ID})
}

var errUnknownFrame = errors.New("unknown frame type")

func errorFrame(replyTo string, err error) serverFrame {
	code, message := mapError(err)
	return serverFrame{Type: frameError, ReplyTo: replyTo, Code: code, Error: message}
}

func mapError(err error) (code, message string) {
	switch {
	case errors.Is(err, collab.ErrNotInRoom):
		return "NOT_IN_ROOM", collab.ErrNotInRoom.Error()
	case errors.Is(err, collab.ErrInvalidMessage):
		return "INVALID_MESSAGE", err.Error()
	case errors.Is(err, collab.ErrPersistence):
		return "PERSISTENCE_FAILURE", "Failed to persist, try again"
	case errors.Is(err, errBadFrame):
		return "BAD_FRAME", err.Error()
	case errors.Is(err, errUnknownFrame):
		return "UNKNOWN_TYPE", err.Error()
	case errors.Is(err, collab.ErrUnknownConnection):
		return "UNKNOWN_CONNECTION", "Connection is not registered"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT", "Request timed out"
	default:
		return "BAD_REQUEST", err.Error()
	}
}

func pingPeriod(pongTimeout time.Duration) time.Duration {
	return pongTimeout * 9 / 10
}

func writeHTTPError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "error": message})
}
