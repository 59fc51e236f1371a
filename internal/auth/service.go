package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"k8s.io/utils/clock"

	"github.com/clanvaro/unigrc/internal/distcache"
	"github.com/clanvaro/unigrc/internal/identity"
	"github.com/clanvaro/unigrc/internal/session"
	"github.com/clanvaro/unigrc/internal/tenant"
)

// CredentialStore looks up local password hashes.
type CredentialStore interface {
	// GetPasswordHash returns identity.ErrUserNotFound for unknown emails
	// and for users without a local password.
	GetPasswordHash(ctx context.Context, email string) (userID, hash string, err error)
}

type lastLoginRecorder interface {
	UpdateLastLogin(ctx context.Context, id string) error
}

// Routes are the landing pages chosen after login and logout.
type Routes struct {
	Login          string
	AdminLanding   string
	Onboarding     string
	DefaultLanding string
	NoAccess       string
}

// ServiceConfig tunes a Service.
type ServiceConfig struct {
	Routes            Routes
	SessionLifetime   time.Duration
	LocalLoginEnabled bool
}

// LoginResult is what a successful login hands back to the HTTP layer.
type LoginResult struct {
	// Token is the raw cookie value. Only its hash is stored.
	Token        string
	ExpiresAt    time.Time
	UserID       string
	TenantID     string
	RedirectPath string
}

// Service implements login completion, logout and tenant switching.
type Service struct {
	store       session.Store
	dir         identity.Directory
	creds       CredentialStore
	loader      *identity.Loader
	invalidator *distcache.Invalidator
	cfg         ServiceConfig
	logger      *slog.Logger
	clock       clock.PassiveClock
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithServiceClock(clk clock.PassiveClock) ServiceOption {
	return func(s *Service) { s.clock = clk }
}

// WithCredentials enables local password login.
func WithCredentials(creds CredentialStore) ServiceOption {
	return func(s *Service) { s.creds = creds }
}

func NewService(store session.Store, dir identity.Directory, loader *identity.Loader, invalidator *distcache.Invalidator, cfg ServiceConfig, logger *slog.Logger, opts ...ServiceOption) *Service {
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = session.DefaultLifetime
	}
	s := &Service{
		store:       store,
		dir:         dir,
		loader:      loader,
		invalidator: invalidator,
		cfg:         cfg,
		logger:      logger,
		clock:       clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured landing pages.
func (s *Service) Routes() Routes {
	return s.cfg.Routes
}

// CompleteLogin provisions the user behind an SSO callback and opens a
// session carrying the provider token material.
func (s *Service) CompleteLogin(ctx context.Context, claims identity.ExternalClaims, material *session.TokenMaterial) (*LoginResult, error) {
	if claims.Email == "" && claims.Subject == "" {
		return nil, fmt.Errorf("%w: provider returned neither email nor subject", ErrAuthenticationRequired)
	}
	user, err := s.dir.UpsertUser(ctx, claims)
	switch {
	case errors.Is(err, identity.ErrUserDisabled):
		return nil, fmt.Errorf("%w: %w", ErrAccountDisabled, err)
	case errors.Is(err, identity.ErrIncompleteClaims):
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
	case err != nil:
		return nil, fmt.Errorf("%w: upsert user: %w", ErrSessionStoreFault, err)
	}
	return s.openSession(ctx, user, session.MethodOIDC, material)
}

// LocalLogin verifies an email and password and opens a session without
// provider token material.
func (s *Service) LocalLogin(ctx context.Context, email, password string) (*LoginResult, error) {
	if !s.cfg.LocalLoginEnabled || s.creds == nil {
		return nil, ErrLocalLoginDisabled
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	userID, hash, err := s.creds.GetPasswordHash(ctx, email)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup credentials: %w", ErrSessionStoreFault, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %w", ErrSessionStoreFault, err)
	}
	if rec, ok := s.creds.(lastLoginRecorder); ok {
		if err := rec.UpdateLastLogin(ctx, user.ID); err != nil {
			s.logger.WarnContext(ctx, "failed to record last login", "user_id", user.ID, "error", err)
		}
	}
	return s.openSession(ctx, user, session.MethodLocal, nil)
}

func (s *Service) openSession(ctx context.Context, user *identity.UserProfile, method string, material *session.TokenMaterial) (*LoginResult, error) {
	// memberships may have changed since the entry was cached
	s.loader.Invalidate(user.ID)
	entry, err := s.loader.Load(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: load identity: %w", ErrSessionStoreFault, err)
	}
	tenantID, hasTenant := tenant.Resolve(entry.Tenants)

	token, id, err := session.NewToken()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	rec := &session.Record{
		ID: id,
		Payload: session.Payload{
			UserID:          user.ID,
			ActiveTenantID:  tenantID,
			IsPlatformAdmin: entry.User.IsPlatformAdmin,
			Method:          method,
			Token:           material,
		},
		ExpiresAt: now.Add(s.cfg.SessionLifetime),
		CreatedAt: now,
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: create session: %w", ErrSessionStoreFault, err)
	}

	s.logger.InfoContext(ctx, "session created",
		"user_id", user.ID,
		"method", method,
		"tenant_id", tenantID,
	)

	return &LoginResult{
		Token:        token,
		ExpiresAt:    rec.ExpiresAt,
		UserID:       user.ID,
		TenantID:     tenantID,
		RedirectPath: s.landingPath(entry.User.IsPlatformAdmin, hasTenant),
	}, nil
}

// landingPath picks where a freshly logged in user goes. Admins go to the
// admin area, users without a tenant to onboarding, everyone else to the
// default landing page.
func (s *Service) landingPath(isAdmin, hasTenant bool) string {
	switch {
	case isAdmin:
		return s.cfg.Routes.AdminLanding
	case !hasTenant:
		return s.cfg.Routes.Onboarding
	default:
		return s.cfg.Routes.DefaultLanding
	}
}

// Logout ends the session with store id sessionID. The local identity cache
// entry is dropped first and unconditionally; the distributed entry is
// dropped best-effort. Unknown or empty ids succeed.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	rec, err := s.store.Load(ctx, sessionID)
	switch {
	case err == nil:
		s.loader.Invalidate(rec.Payload.UserID)
		s.invalidator.Invalidate(ctx, identity.CacheKey(rec.Payload.UserID))
	case errors.Is(err, session.ErrNotFound):
	default:
		s.logger.WarnContext(ctx, "logout could not read session", "error", err)
	}

	if err := s.store.Destroy(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: destroy session: %w", ErrSessionStoreFault, err)
	}
	if rec != nil {
		s.logger.InfoContext(ctx, "session destroyed", "user_id", rec.Payload.UserID)
	}
	return nil
}

// Session returns the stored session with id sessionID.
func (s *Service) Session(ctx context.Context, sessionID string) (*session.Record, error) {
	rec, err := s.store.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrAuthenticationRequired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionStoreFault, err)
	}
	return rec, nil
}

// SwitchTenant changes the session's active tenant. The user must be a
// member of tenantID.
func (s *Service) SwitchTenant(ctx context.Context, sessionID, tenantID string) error {
	rec, err := s.store.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return ErrAuthenticationRequired
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionStoreFault, err)
	}

	entry, err := s.loader.Load(ctx, rec.Payload.UserID)
	if err != nil {
		return fmt.Errorf("%w: load identity: %w", ErrSessionStoreFault, err)
	}
	if !identity.HasTenant(entry.Tenants, tenantID) {
		return ErrNotTenantMember
	}

	rec.Payload.ActiveTenantID = tenantID
	if err := s.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionStoreFault, err)
	}
	return nil
}
