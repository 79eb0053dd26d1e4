// Package session provides Redis-backed storage for session-scoped data:
// refresh sessions, revoked access tokens, browser-to-backend session links,
// and browser state snapshots.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	refreshPrefix  = "refresh:"
	revokedPrefix  = "revoked:"
	linkPrefix     = "link:"
	snapshotPrefix = "state:"
)

// refreshData holds the data stored for each refresh session.
type refreshData struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps session data in Redis with native TTL expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveRefreshSession stores a refresh session keyed by token hash, expiring
// with the session itself.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, email string, expiresAt time.Time) error {
	data := refreshData{
		Email:     email,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour // Default 30 days
	}

	if err := s.client.Set(ctx, refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}

	return nil
}

// LookupRefreshSession returns the email behind a live refresh session.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	jsonData, err := s.client.Get(ctx, refreshPrefix+tokenHash).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("session not found or expired")
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh session: %w", err)
	}

	var data refreshData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return "", fmt.Errorf("unmarshal session data: %w", err)
	}
	return data.Email, nil
}

// RevokeRefreshSession deletes a refresh session
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAccessToken marks an access token's JTI revoked until the token
// would have expired on its own.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, revokedPrefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	count, err := s.client.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return count > 0, nil
}

// SaveSessionLink remembers the backend session last assigned to a browser.
func (s *RedisStore) SaveSessionLink(ctx context.Context, browserID, sessionID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.client.Set(ctx, linkPrefix+browserID, sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("save session link: %w", err)
	}
	return nil
}

// LookupSessionLink returns "" when the browser has no live link.
func (s *RedisStore) LookupSessionLink(ctx context.Context, browserID string) (string, error) {
	sessionID, err := s.client.Get(ctx, linkPrefix+browserID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session link: %w", err)
	}
	return sessionID, nil
}

func (s *RedisStore) DeleteSessionLink(ctx context.Context, browserID string) error {
	if err := s.client.Del(ctx, linkPrefix+browserID).Err(); err != nil {
		return fmt.Errorf("delete session link: %w", err)
	}
	return nil
}

// SaveStateSnapshot persists the serialized state tree for a browser. The
// snapshot carries no TTL; it lives until reset.
func (s *RedisStore) SaveStateSnapshot(ctx context.Context, browserID string, snapshot []byte) error {
	if err := s.client.Set(ctx, snapshotPrefix+browserID, snapshot, 0).Err(); err != nil {
		return fmt.Errorf("save state snapshot: %w", err)
	}
	return nil
}

// LoadStateSnapshot returns (nil, nil) when the browser has no snapshot.
func (s *RedisStore) LoadStateSnapshot(ctx context.Context, browserID string) ([]byte, error) {
	snapshot, err := s.client.Get(ctx, snapshotPrefix+browserID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *RedisStore) DeleteStateSnapshot(ctx context.Context, browserID string) error {
	if err := s.client.Del(ctx, snapshotPrefix+browserID).Err(); err != nil {
		return fmt.Errorf("delete state snapshot: %w", err)
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
