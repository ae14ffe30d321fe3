// Package session keeps server-side records of issued session tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session not found or expired")

// Data is stored per token id.
type Data struct {
	UserID    string    `json:"user_id"`
	Anonymous bool      `json:"anonymous"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps sessions in Redis with a TTL matching the token expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:",
	}
}

func (s *RedisStore) key(tokenID string) string {
	return s.prefix + tokenID
}

// Save records a session until expiresAt. An expiry in the past falls back
// to 30 days.
func (s *RedisStore) Save(ctx context.Context, tokenID string, data Data, expiresAt time.Time) error {
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, tokenID string) (Data, error) {
	raw, err := s.client.Get(ctx, s.key(tokenID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}, ErrNotFound
	}
	if err != nil {
		return Data{}, fmt.Errorf("lookup session: %w", err)
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return data, nil
}

// Revoke deletes a session. Revoking an unknown id is not an error.
func (s *RedisStore) Revoke(ctx context.Context, tokenID string) error {
	if err := s.client.Del(ctx, s.key(tokenID)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
