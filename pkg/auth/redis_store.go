package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key used when none is configured
const DefaultRedisKey = "mcp:credential:default"

// RedisStore keeps the credential in Redis so several processes can share
// one login. A credential without a refresh token expires with its access
// token.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// DialRedisStore connects to addr and verifies the server with PING
func DialRedisStore(ctx context.Context, addr, key string) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(cl, key), nil
}

// Key returns the Redis key holding the credential
func (s *RedisStore) Key() string { return s.key }

// Close closes the Redis client
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Load(ctx context.Context) (*Credential, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

func (s *RedisStore) Save(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return s.Clear(ctx)
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	var ttl time.Duration
	if cred.RefreshToken == "" && !cred.ExpiresAt.IsZero() {
		ttl = time.Until(cred.ExpiresAt)
		if ttl <= 0 {
			return s.Clear(ctx)
		}
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
