package distcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCache(client, "test:")
}

func TestRedisCache_SetGetInvalidate(t *testing.T) {
	mr, cache := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "identity:u1", []byte(`{"user_id":"u1"}`), time.Minute))
	assert.True(t, mr.Exists("test:identity:u1"), "keys are stored under the prefix")

	got, err := cache.Get(ctx, "identity:u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1"}`, string(got))

	require.NoError(t, cache.Invalidate(ctx, "identity:u1"))
	_, err = cache.Get(ctx, "identity:u1")
	assert.ErrorIs(t, err, ErrMiss)

	assert.NoError(t, cache.Invalidate(ctx, "identity:absent"))
}

func TestRedisCache_TTL(t *testing.T) {
	mr, cache := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(61 * time.Second)

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisCache_ServerError(t *testing.T) {
	mr, cache := newTestRedis(t)
	mr.SetError("LOADING redis is loading the dataset")

	ctx := context.Background()

	_, err := cache.Get(ctx, "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMiss))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, cache.Set(ctx, "k", []byte("v"), time.Minute), ErrUnavailable)
	assert.ErrorIs(t, cache.Invalidate(ctx, "k"), ErrUnavailable)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable(nil))

	err := Unavailable(errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "cache unavailable: dial tcp: connection refused", err.Error())

	assert.Equal(t, err, Unavailable(err), "already classified errors pass through")
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.NoError(t, client.Ping(context.Background()).Err())

	_, err = NewClient("not-a-url")
	assert.Error(t, err)
}

type failingCache struct {
	err      error
	panicMsg string
	calls    int
}

func (f *failingCache) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (f *failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (f *failingCache) Invalidate(context.Context, string) error {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.err
}

func TestInvalidator_SwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	cache := &failingCache{err: errors.New("connection refused")}
	inv := NewInvalidator(cache, logger)

	ok := inv.Invalidate(context.Background(), "identity:u1")

	assert.False(t, ok)
	assert.Equal(t, 1, cache.calls)
	assert.Contains(t, buf.String(), "distributed cache invalidation failed")
	assert.Contains(t, buf.String(), "cache unavailable: connection refused")
}

func TestInvalidator_RecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	inv := NewInvalidator(&failingCache{panicMsg: "boom"}, logger)

	var ok bool
	assert.NotPanics(t, func() { ok = inv.Invalidate(context.Background(), "identity:u1") })
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "boom")
}

func TestInvalidator_NilCache(t *testing.T) {
	inv := NewInvalidator(nil, slog.Default())
	assert.True(t, inv.Invalidate(context.Background(), "k"))

	var nilInv *Invalidator
	assert.True(t, nilInv.Invalidate(context.Background(), "k"))
}

func TestInvalidator_Redis(t *testing.T) {
	mr, cache := newTestRedis(t)
	require.NoError(t, mr.Set("test:identity:u1", "x"))

	inv := NewInvalidator(cache, slog.Default(), WithTimeout(time.Second))
	assert.True(t, inv.Invalidate(context.Background(), "identity:u1"))
	assert.False(t, mr.Exists("test:identity:u1"))

	mr.SetError("ERR server unavailable")
	assert.False(t, inv.Invalidate(context.Background(), "identity:u1"))
}
