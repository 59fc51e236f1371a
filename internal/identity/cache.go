package identity

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"k8s.io/utils/clock"
)

const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
	DefaultMaxEntries      = 10000
)

// CachedIdentity is a snapshot of a user's identity data. Callers receive
// copies; mutating one does not affect the cache.
type CachedIdentity struct {
	UserID      string             `json:"user_id"`
	User        UserProfile        `json:"user"`
	Tenants     []TenantMembership `json:"tenants"`
	Permissions []string           `json:"permissions"`
	CachedAt    time.Time          `json:"cached_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

func (c CachedIdentity) clone() CachedIdentity {
	c.Tenants = slices.Clone(c.Tenants)
	c.Permissions = slices.Clone(c.Permissions)
	return c
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock sets the time source. Tests use a fake clock.
func WithClock(clk clock.PassiveClock) CacheOption {
	return func(c *Cache) { c.clock = clk }
}

// WithMaxEntries bounds the cache; the least recently used entry is
// evicted once the bound is reached.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// Cache is a process-local, concurrency-safe TTL cache keyed by user id.
// It is advisory: a miss or an expired entry means "reload", never "deny".
type Cache struct {
	mu         sync.Mutex
	entries    *simplelru.LRU[string, CachedIdentity]
	ttl        time.Duration
	maxEntries int
	clock      clock.PassiveClock
}

// NewCache creates a cache whose entries live for ttl.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache{
		ttl:        ttl,
		maxEntries: DefaultMaxEntries,
		clock:      clock.RealClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	entries, err := simplelru.NewLRU[string, CachedIdentity](c.maxEntries, nil)
	if err != nil {
		// only fails for a non-positive size, which WithMaxEntries rejects
		panic(err)
	}
	c.entries = entries
	return c
}

// TTL returns the lifetime applied by Set.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for userID. An entry past its expiry is removed and
// reported as a miss.
func (c *Cache) Get(userID string) (CachedIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(userID)
	if !ok {
		return CachedIdentity{}, false
	}
	if c.clock.Now().After(entry.ExpiresAt) {
		c.entries.Remove(userID)
		return CachedIdentity{}, false
	}
	return entry.clone(), true
}

// Set stores a fresh entry for userID, replacing any previous one.
func (c *Cache) Set(userID string, user UserProfile, tenants []TenantMembership, permissions []string) CachedIdentity {
	now := c.clock.Now()
	entry := CachedIdentity{
		UserID:      userID,
		User:        user,
		Tenants:     slices.Clone(tenants),
		Permissions: NormalizePermissions(permissions),
		CachedAt:    now,
		ExpiresAt:   now.Add(c.ttl),
	}

	c.mu.Lock()
	c.entries.Add(userID, entry)
	c.mu.Unlock()

	return entry.clone()
}

// Put stores an entry built elsewhere, such as one read from the distributed
// cache. The local expiry never exceeds now+TTL.
func (c *Cache) Put(entry CachedIdentity) {
	now := c.clock.Now()
	if limit := now.Add(c.ttl); entry.ExpiresAt.IsZero() || entry.ExpiresAt.After(limit) {
		entry.ExpiresAt = limit
	}
	if !entry.ExpiresAt.After(now) {
		return
	}

	c.mu.Lock()
	c.entries.Add(entry.UserID, entry.clone())
	c.mu.Unlock()
}

// Invalidate removes userID. Absent keys are a no-op.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	c.entries.Remove(userID)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && now.After(entry.ExpiresAt) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}
