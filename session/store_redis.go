package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned when the backing store cannot be reached.
var ErrStoreUnavailable = errors.New("session store unavailable")

const redisDefaultKey = "atrium:session"

// RedisStore persists the descriptor as a single JSON blob under a fixed
// key. With a positive TTL the record self-expires alongside the token.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithRedisKey overrides the storage key (default "atrium:session").
// Useful when several profiles share one Redis database.
func WithRedisKey(key string) RedisOption {
	return func(s *RedisStore) {
		if strings.TrimSpace(key) != "" {
			s.key = key
		}
	}
}

// WithRedisTTL sets an expiry on the persisted record. Zero means no expiry.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore constructs a RedisStore backed by the given client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("session: nil redis client")
	}

	s := &RedisStore{client: client, key: redisDefaultKey}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Load fetches and decodes the persisted descriptor, or (nil, nil) when the
// key is absent.
func (s *RedisStore) Load(ctx context.Context) (*Descriptor, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode persisted session: %w", err)
	}
	return &d, nil
}

// Save encodes and stores the descriptor under the fixed key.
func (s *RedisStore) Save(ctx context.Context, d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Clear removes the persisted record. Clearing an absent key is a no-op.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
