package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// RedisStore implements Store on Redis. Keys expire with their session, so
// Prune has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  clock.PassiveClock
}

type redisRecord struct {
	Payload   Payload   `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRedisStore stores sessions under prefix + "session:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "session:", clock: clock.RealClock{}}
}

// WithClock replaces the time source used for expiry checks.
func (s *RedisStore) WithClock(clk clock.PassiveClock) *RedisStore {
	s.clock = clk
	return s
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var stored redisRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	rec := &Record{
		ID:        id,
		Payload:   stored.Payload,
		ExpiresAt: stored.ExpiresAt,
		CreatedAt: stored.CreatedAt,
	}
	if rec.Expired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	ttl := rec.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return s.Destroy(ctx, rec.ID)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	raw, err := json.Marshal(redisRecord{
		Payload:   rec.Payload,
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: createdAt,
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Prune is a no-op; Redis expires keys itself.
func (s *RedisStore) Prune(context.Context) (int64, error) {
	return 0, nil
}
