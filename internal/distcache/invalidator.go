package distcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clanvaro/unigrc/internal/telemetry"
)

const defaultInvalidateTimeout = 2 * time.Second

// Invalidator removes keys from the distributed cache on a best-effort
// basis. It never returns an error and never panics; failures are logged
// and counted.
type Invalidator struct {
	cache   Cache
	logger  *slog.Logger
	metrics *telemetry.IdentityMetrics
	timeout time.Duration
}

// InvalidatorOption configures an Invalidator.
type InvalidatorOption func(*Invalidator)

func WithTimeout(d time.Duration) InvalidatorOption {
	return func(i *Invalidator) {
		if d > 0 {
			i.timeout = d
		}
	}
}

func WithMetrics(m *telemetry.IdentityMetrics) InvalidatorOption {
	return func(i *Invalidator) { i.metrics = m }
}

// NewInvalidator returns an Invalidator. A nil cache yields an Invalidator
// that does nothing, for deployments without a distributed cache.
func NewInvalidator(cache Cache, logger *slog.Logger, opts ...InvalidatorOption) *Invalidator {
	i := &Invalidator{
		cache:   cache,
		logger:  logger,
		timeout: defaultInvalidateTimeout,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invalidate deletes key and reports whether the delete succeeded. The
// call is bounded by the invalidator timeout.
func (i *Invalidator) Invalidate(ctx context.Context, key string) (ok bool) {
	if i == nil || i.cache == nil {
		return true
	}

	defer func() {
		if r := recover(); r != nil {
			i.fail(ctx, key, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	if err := i.cache.Invalidate(ctx, key); err != nil {
		i.fail(ctx, key, err)
		return false
	}
	return true
}

func (i *Invalidator) fail(ctx context.Context, key string, err error) {
	i.logger.WarnContext(ctx, "distributed cache invalidation failed",
		"key", key,
		"error", Unavailable(err),
	)
	i.metrics.RecordInvalidationFailure(ctx)
}
