package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"archboard/api/internal/app"
	"archboard/api/internal/auth"
	"archboard/api/internal/collab"
	"archboard/api/internal/config"
	"archboard/api/internal/gateway"
	"archboard/api/internal/session"
	"archboard/api/internal/store"
	"archboard/api/internal/viewstore"
)

type backingStore interface {
	collab.ChatHistoryStore
	collab.NotificationStore
	Ping(context.Context) error
}

func newLogger(format string) (*zap.Logger, error) {
	if strings.EqualFold(format, "console") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	ctx := context.Background()

	var data backingStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()
		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		data = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, chat and notifications are kept in memory")
		data = store.NewMemoryStore()
	}

	if err := os.MkdirAll(cfg.ViewsDir, 0o755); err != nil {
		logger.Fatal("failed to create views dir", zap.String("dir", cfg.ViewsDir), zap.Error(err))
	}

	registry := collab.NewRegistry()
	rooms := collab.NewRoomManager(registry, logger)
	chat := collab.NewChatRelay(registry, data, cfg.ChatHistoryLimit, logger)
	notifications := collab.NewNotificationFanout(registry, data, cfg.NotificationLimit, logger)

	identities := auth.Chain{auth.NewTokenProvider([]byte(cfg.JWTSecret))}
	deps := app.Deps{
		Rooms:         rooms,
		Chat:          chat,
		Notifications: notifications,
		Views:         viewstore.New(cfg.ViewsDir),
		Store:         data,
		Logger:        logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		tickets, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer tickets.Close()
		deps.Tickets = tickets
		identities = append(identities, tickets)
		logger.Info("websocket tickets enabled")
	}
	if cfg.DevLogin {
		logger.Warn("dev login is enabled")
	}

	service := app.New(cfg, deps)
	ws := gateway.New(rooms, chat, identities, gateway.Options{
		SendBuffer:      cfg.WSSendBuffer,
		WriteTimeout:    cfg.WSWriteTimeout,
		PongTimeout:     cfg.WSPongTimeout,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		CheckOrigin:     originChecker(cfg.CORSOrigin),
	}, logger)

	httpServer := app.NewHTTPServer(service, ws, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("archboard api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// originChecker accepts any origin for "*" and otherwise only the
// configured one.
func originChecker(corsOrigin string) func(*http.Request) bool {
	if corsOrigin == "" || corsOrigin == "*" {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == corsOrigin
	}
}
