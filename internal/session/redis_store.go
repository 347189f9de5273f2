// Package session issues single-use WebSocket tickets backed by Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"archboard/api/internal/auth"
	"archboard/api/internal/collab"
)

var ErrTicketNotFound = errors.New("ticket not found or expired")

const defaultTicketTTL = 30 * time.Second

// TicketData holds the identity a ticket was issued for
type TicketData struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore keeps tickets keyed by their hash so a Redis dump never
// contains a usable ticket.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and checks the connection
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "wsticket:",
	}
}

func (s *RedisStore) key(ticket string) string {
	return s.prefix + auth.HashToken(ticket)
}

// IssueTicket stores a ticket for identity that expires after ttl
func (s *RedisStore) IssueTicket(ctx context.Context, identity collab.Identity, role string, ttl time.Duration) (string, error) {
	if identity.ID == "" {
		return "", fmt.Errorf("issue ticket: identity id is required")
	}
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	data := TicketData{
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
		Color:       identity.Color,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal ticket data: %w", err)
	}

	ticket := "tkt_" + uuid.NewString()
	if err := s.client.Set(ctx, s.key(ticket), jsonData, ttl).Err(); err != nil {
		return "", fmt.Errorf("save ticket: %w", err)
	}
	return ticket, nil
}

// Authenticate redeems a ticket. A ticket works once.
func (s *RedisStore) Authenticate(ctx context.Context, ticket string) (collab.Identity, error) {
	data, err := s.redeem(ctx, ticket)
	if err != nil {
		return collab.Identity{}, err
	}
	color := data.Color
	if color == "" {
		color = auth.ColorFor(data.IdentityID)
	}
	return collab.Identity{ID: data.IdentityID, DisplayName: data.DisplayName, Color: color}, nil
}

func (s *RedisStore) redeem(ctx context.Context, ticket string) (TicketData, error) {
	if ticket == "" {
		return TicketData{}, ErrTicketNotFound
	}
	jsonData, err := s.client.GetDel(ctx, s.key(ticket)).Result()
	if errors.Is(err, redis.Nil) {
		return TicketData{}, ErrTicketNotFound
	}
	if err != nil {
		return TicketData{}, fmt.Errorf("redeem ticket: %w", err)
	}

	var data TicketData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return TicketData{}, fmt.Errorf("unmarshal ticket data: %w", err)
	}
	return data, nil
}

// RevokeTicket deletes a ticket that was not redeemed
func (s *RedisStore) RevokeTicket(ctx context.Context, ticket string) error {
	if err := s.client.Del(ctx, s.key(ticket)).Err(); err != nil {
		return fmt.Errorf("revoke ticket: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
