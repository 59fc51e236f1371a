package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clanvaro/unigrc/internal/distcache"
	"github.com/clanvaro/unigrc/internal/telemetry"
)

// ErrDirectoryUnavailable wraps failures of the user directory other than
// a missing user.
var ErrDirectoryUnavailable = errors.New("user directory unavailable")

// CacheKey is the distributed cache key for a user's identity entry.
func CacheKey(userID string) string {
	return "identity:" + userID
}

// Loader resolves a user's identity data through the local cache, the
// optional distributed cache, and finally the directory.
type Loader struct {
	cache   *Cache
	remote  distcache.Cache
	dir     Directory
	logger  *slog.Logger
	metrics *telemetry.IdentityMetrics
	timeout time.Duration
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRemote enables the distributed second level.
func WithRemote(remote distcache.Cache, timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.remote = remote
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

func WithLoaderMetrics(m *telemetry.IdentityMetrics) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

func NewLoader(cache *Cache, dir Directory, logger *slog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		cache:   cache,
		dir:     dir,
		logger:  logger,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the identity data for userID. Cache failures fall through
// to the directory; only directory errors are returned.
func (l *Loader) Load(ctx context.Context, userID string) (CachedIdentity, error) {
	if entry, ok := l.cache.Get(userID); ok {
		l.metrics.RecordCacheLookup(ctx, "local", true)
		return entry, nil
	}
	l.metrics.RecordCacheLookup(ctx, "local", false)

	if entry, ok := l.loadRemote(ctx, userID); ok {
		l.cache.Put(entry)
		return entry, nil
	}

	user, err := l.dir.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return CachedIdentity{}, err
		}
		return CachedIdentity{}, fmt.Errorf("%w: load user: %v", ErrDirectoryUnavailable, err)
	}
	tenants, err := l.dir.GetUserTenants(ctx, userID)
	if err != nil {
		return CachedIdentity{}, fmt.Errorf("%w: load tenants: %v", ErrDirectoryUnavailable, err)
	}
	perms, err := l.dir.GetUserPermissions(ctx, userID)
	if err != nil {
		return CachedIdentity{}, fmt.Errorf("%w: load permissions: %v", ErrDirectoryUnavailable, err)
	}

	entry := l.cache.Set(userID, *user, tenants, perms)
	l.storeRemote(ctx, entry)
	return entry, nil
}

// Invalidate drops the local entry only.
func (l *Loader) Invalidate(userID string) {
	l.cache.Invalidate(userID)
}

func (l *Loader) loadRemote(ctx context.Context, userID string) (CachedIdentity, bool) {
	if l.remote == nil {
		return CachedIdentity{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	raw, err := l.remote.Get(ctx, CacheKey(userID))
	if err != nil {
		if !errors.Is(err, distcache.ErrMiss) {
			l.logger.WarnContext(ctx, "distributed identity cache read failed", "user_id", userID, "error", distcache.Unavailable(err))
		}
		l.metrics.RecordCacheLookup(ctx, "distributed", false)
		return CachedIdentity{}, false
	}

	var entry CachedIdentity
	if err := json.Unmarshal(raw, &entry); err != nil || entry.UserID != userID {
		l.logger.WarnContext(ctx, "discarding malformed distributed identity entry", "user_id", userID)
		l.metrics.RecordCacheLookup(ctx, "distributed", false)
		return CachedIdentity{}, false
	}
	l.metrics.RecordCacheLookup(ctx, "distributed", true)
	return entry, true
}

func (l *Loader) storeRemote(ctx context.Context, entry CachedIdentity) {
	if l.remote == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		l.logger.WarnContext(ctx, "encode identity entry failed", "user_id", entry.UserID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.remote.Set(ctx, CacheKey(entry.UserID), raw, l.cache.TTL()); err != nil {
		l.logger.WarnContext(ctx, "distributed identity cache write failed", "user_id", entry.UserID, "error", distcache.Unavailable(err))
	}
}
