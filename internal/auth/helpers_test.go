package auth

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"github.com/clanvaro/unigrc/internal/distcache"
	"github.com/clanvaro/unigrc/internal/identity"
	"github.com/clanvaro/unigrc/internal/session"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory session.Store with fault injection.
type memStore struct {
	mu         sync.Mutex
	records    map[string]session.Record
	loadErr    error
	saveErr    error
	destroyErr error
	saves      int
	destroys   int

	// onLoad runs before every Load.
	onLoad func()
}

func newMemStore() *memStore {
	return &memStore{records: map[string]session.Record{}}
}

func (s *memStore) put(rec session.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

func (s *memStore) get(id string) (session.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *memStore) Load(_ context.Context, id string) (*session.Record, error) {
	if s.onLoad != nil {
		s.onLoad()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	if rec.Payload.Token != nil {
		tok := *rec.Payload.Token
		rec.Payload.Token = &tok
	}
	return &rec, nil
}

func (s *memStore) Save(_ context.Context, rec *session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *rec
	if rec.Payload.Token != nil {
		tok := *rec.Payload.Token
		cp.Payload.Token = &tok
	}
	s.records[rec.ID] = cp
	return nil
}

func (s *memStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroys++
	if s.destroyErr != nil {
		return s.destroyErr
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) Prune(context.Context) (int64, error) {
	return 0, nil
}

// fakeDirectory is an identity.Directory backed by maps.
type fakeDirectory struct {
	mu          sync.Mutex
	users       map[string]*identity.UserProfile
	tenants     map[string][]identity.TenantMembership
	permissions map[string][]string
	passwords   map[string]string
	err         error
	getCalls    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:       map[string]*identity.UserProfile{},
		tenants:     map[string][]identity.TenantMembership{},
		permissions: map[string][]string{},
		passwords:   map[string]string{},
	}
}

func (d *fakeDirectory) addUser(u identity.UserProfile, tenants ...identity.TenantMembership) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = &u
	d.tenants[u.ID] = tenants
}

func (d *fakeDirectory) GetUser(_ context.Context, id string) (*identity.UserProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.getCalls++
	if d.err != nil {
		return nil, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *fakeDirectory) GetUserByEmail(_ context.Context, email string) (*identity.UserProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (d *fakeDirectory) UpsertUser(_ context.Context, claims identity.ExternalClaims) (*identity.UserProfile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	for _, u := range d.users {
		if u.Email == claims.Email {
			u.DisplayName = claims.DisplayName
			cp := *u
			return &cp, nil
		}
	}
	u := &identity.UserProfile{
		ID:          "user-" + claims.Subject,
		Email:       claims.Email,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
	}
	d.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (d *fakeDirectory) GetUserTenants(_ context.Context, id string) ([]identity.TenantMembership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tenants[id], nil
}

func (d *fakeDirectory) GetUserPermissions(_ context.Context, id string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permissions[id], nil
}

func (d *fakeDirectory) GetPasswordHash(_ context.Context, email string) (string, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			if hash, ok := d.passwords[u.ID]; ok {
				return u.ID, hash, nil
			}
		}
	}
	return "", "", identity.ErrUserNotFound
}

// fakeRefresher returns a fixed result and counts calls. When release is
// set, Refresh blocks until it is closed or its context ends.
type fakeRefresher struct {
	calls    atomic.Int32
	material *session.TokenMaterial
	err      error
	release  chan struct{}
	lastRT   atomic.Value
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*session.TokenMaterial, error) {
	f.calls.Add(1)
	f.lastRT.Store(refreshToken)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.material
	return &cp, nil
}

// fakeRemote is a distcache.Cache that fails or panics on demand.
type fakeRemote struct {
	mu          sync.Mutex
	data        map[string][]byte
	err         error
	panics      bool
	invalidated []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: map[string][]byte{}}
}

func (f *fakeRemote) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return nil, distcache.ErrMiss
}

func (f *fakeRemote) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeRemote) Invalidate(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("redis client exploded")
	}
	f.invalidated = append(f.invalidated, key)
	if f.err != nil {
		return f.err
	}
	delete(f.data, key)
	return nil
}

// fixture wires a resolver and service over fakes sharing one clock.
type fixture struct {
	clk    *testclock.FakeClock
	store  *memStore
	dir    *fakeDirectory
	cache  *identity.Cache
	loader *identity.Loader
	logs   *bytes.Buffer
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:   testclock.NewFakeClock(testNow),
		store: newMemStore(),
		dir:   newFakeDirectory(),
		logs:  &bytes.Buffer{},
	}
	f.logger = slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.cache = identity.NewCache(5*time.Minute, identity.WithClock(f.clk))
	f.loader = identity.NewLoader(f.cache, f.dir, f.logger)
	return f
}

func (f *fixture) resolver(refresher TokenRefresher, cfg ResolverConfig) *Resolver {
	return NewResolver(f.store, f.loader, refresher, cfg, f.logger, WithResolverClock(f.clk))
}

// oauthSession stores an SSO session for userID whose token expires at
// expiresAt and returns its id.
func (f *fixture) oauthSession(userID string, expiresAt time.Time) string {
	id := "sess-" + userID
	f.store.put(session.Record{
		ID: id,
		Payload: session.Payload{
			UserID: userID,
			Method: session.MethodOIDC,
			Token: &session.TokenMaterial{
				AccessToken:  "at-old",
				RefreshToken: "rt-old",
				ExpiresAt:    expiresAt.Unix(),
			},
		},
		ExpiresAt: f.clk.Now().Add(session.DefaultLifetime),
		CreatedAt: f.clk.Now(),
	})
	return id
}

func (f *fixture) localSession(userID, activeTenant string) string {
	id := "local-" + userID
	f.store.put(session.Record{
		ID: id,
		Payload: session.Payload{
			UserID:         userID,
			ActiveTenantID: activeTenant,
			Method:         session.MethodLocal,
		},
		ExpiresAt: f.clk.Now().Add(session.DefaultLifetime),
		CreatedAt: f.clk.Now(),
	})
	return id
}
