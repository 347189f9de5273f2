package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	TokenTTL      time.Duration
	TicketTTL     time.Duration
	ViewsDir      string
	MigrationsDir string
	CORSOrigin    string
	LogFormat     string
	// DevLogin enables POST /api/session/login, which mints a token for any
	// name. Never enable it in production.
	DevLogin bool
	// Collaboration limits
	ChatHistoryLimit  int
	NotificationLimit int
	// WebSocket transport
	WSSendBuffer      int
	WSWriteTimeout    time.Duration
	WSPongTimeout     time.Duration
	WSMaxMessageBytes int64
}

func Load() Config {
	return Config{
		Addr: getenv("API_ADDR", ":8787"),
		// Empty keeps chat and notifications in memory
		DatabaseURL:   getenv("DATABASE_URL", ""),
		RedisURL:      getenv("REDIS_URL", ""),
		JWTSecret:     getenv("ARCHBOARD_JWT_SECRET", "archboard-dev-secret"),
		TokenTTL:      getenvDuration("ARCHBOARD_TOKEN_TTL_SECONDS", 900*time.Second),
		TicketTTL:     getenvDuration("ARCHBOARD_TICKET_TTL_SECONDS", 30*time.Second),
		ViewsDir:      getenv("ARCHBOARD_VIEWS_DIR", "./data/views"),
		MigrationsDir: getenv("ARCHBOARD_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("ARCHBOARD_CORS_ORIGIN", "*"),
		LogFormat:     getenv("LOG_FORMAT", "json"),
		DevLogin:      getenvBool("ARCHBOARD_DEV_LOGIN", false),

		ChatHistoryLimit:  getenvInt("ARCHBOARD_CHAT_HISTORY_LIMIT", 200),
		NotificationLimit: getenvInt("ARCHBOARD_NOTIFICATION_LIMIT", 100),

		WSSendBuffer:      getenvInt("ARCHBOARD_WS_SEND_BUFFER", 256),
		WSWriteTimeout:    getenvDuration("ARCHBOARD_WS_WRITE_TIMEOUT_SECONDS", 10*time.Second),
		WSPongTimeout:     getenvDuration("ARCHBOARD_WS_PONG_TIMEOUT_SECONDS", 60*time.Second),
		WSMaxMessageBytes: int64(getenvInt("ARCHBOARD_WS_MAX_MESSAGE_BYTES", 1<<20)),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration reads a whole number of seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	seconds := getenvInt(key, -1)
	if seconds < 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
