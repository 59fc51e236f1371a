// Package auth resolves the caller identity of every request and drives the
// login and logout flows.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/clanvaro/unigrc/internal/identity"
	"github.com/clanvaro/unigrc/internal/session"
	"github.com/clanvaro/unigrc/internal/telemetry"
	"github.com/clanvaro/unigrc/internal/tenant"
)

const (
	// DefaultSlowResolution is the latency above which a resolution is logged.
	DefaultSlowResolution = 500 * time.Millisecond
	// DefaultRefreshTimeout bounds one provider refresh plus its persist.
	DefaultRefreshTimeout = 15 * time.Second
)

// TokenRefresher exchanges a refresh token for new token material.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*session.TokenMaterial, error)
}

// DevIdentity is the placeholder identity served outside production when
// the caller has no usable credential.
type DevIdentity struct {
	UserID          string
	TenantID        string
	IsPlatformAdmin bool
	Permissions     []string
}

// ResolverConfig tunes a Resolver.
type ResolverConfig struct {
	Production     bool
	DevFallback    DevIdentity
	SlowResolution time.Duration
	RefreshTimeout time.Duration
	// Singleflight coalesces concurrent refreshes of one session.
	Singleflight bool
}

// Resolver runs the per-request authentication state machine:
// session load, credential check, optional refresh, identity load, tenant
// selection.
type Resolver struct {
	store     session.Store
	loader    *identity.Loader
	refresher TokenRefresher
	cfg       ResolverConfig
	logger    *slog.Logger
	metrics   *telemetry.IdentityMetrics
	clock     clock.PassiveClock
	refreshes singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

func WithResolverClock(clk clock.PassiveClock) ResolverOption {
	return func(r *Resolver) { r.clock = clk }
}

func WithResolverMetrics(m *telemetry.IdentityMetrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver builds a Resolver. refresher may be nil when SSO is disabled;
// expired provider tokens then always fail to refresh.
func NewResolver(store session.Store, loader *identity.Loader, refresher TokenRefresher, cfg ResolverConfig, logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if cfg.SlowResolution <= 0 {
		cfg.SlowResolution = DefaultSlowResolution
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.DevFallback.UserID == "" {
		cfg.DevFallback.UserID = "dev-user"
	}
	r := &Resolver{
		store:     store,
		loader:    loader,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve determines the identity for the session with store id sessionID
// (empty when the request carried no session cookie).
//
// It returns an identity in the LocalAuthValid, OAuthValid or DevFallback
// state, or an error. Errors matching Rejected end the request with 401;
// ErrSessionStoreFault ends it with 503.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (ResolvedIdentity, error) {
	start := r.clock.Now()
	ctx, span := telemetry.StartSpan(ctx, "identity.Resolve",
		attribute.Bool(telemetry.AttrSessionPresent, sessionID != ""),
	)
	defer span.End()

	id, err := r.resolve(ctx, sessionID)

	outcome := string(id.State)
	switch {
	case Rejected(err):
		outcome = string(StateRejected)
	case err != nil:
		outcome = "error"
		telemetry.RecordError(span, err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrAuthState, outcome))
	if id.UserID != "" {
		span.SetAttributes(
			attribute.String(telemetry.AttrUserID, id.UserID),
			attribute.String(telemetry.AttrTenantID, id.ActiveTenantID),
		)
	}

	elapsed := r.clock.Since(start)
	r.metrics.RecordResolution(ctx, outcome, float64(elapsed.Microseconds())/1000)
	if elapsed > r.cfg.SlowResolution {
		r.logger.WarnContext(ctx, "slow identity resolution",
			"duration_ms", elapsed.Milliseconds(),
			"outcome", outcome,
			"user_id", id.UserID,
		)
	}
	return id, err
}

func (r *Resolver) resolve(ctx context.Context, sessionID string) (ResolvedIdentity, error) {
	if sessionID == "" {
		return r.unauthenticated(ctx, ErrAuthenticationRequired)
	}

	rec, err := r.store.Load(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return r.unauthenticated(ctx, ErrAuthenticationRequired)
	}
	if err != nil {
		return ResolvedIdentity{}, fmt.Errorf("%w: %w", ErrSessionStoreFault, err)
	}
	if rec.Payload.UserID == "" {
		return r.unauthenticated(ctx, ErrAuthenticationRequired)
	}

	state := StateLocalAuthValid
	if tok := rec.Payload.Token; tok != nil {
		state = StateOAuthValid
		if !tok.Valid(r.clock.Now()) {
			r.logger.DebugContext(ctx, ErrCredentialExpiredRecoverable.Error(),
				"user_id", rec.Payload.UserID,
				"expired_at", tok.ExpiresAt,
			)
			material, err := r.refresh(ctx, rec)
			if err != nil {
				if errors.Is(err, ErrSessionStoreFault) {
					return ResolvedIdentity{}, err
				}
				// the caller went away; that says nothing about the session
				if ctx.Err() != nil {
					return ResolvedIdentity{}, ctx.Err()
				}
				r.logger.InfoContext(ctx, "token refresh failed",
					"user_id", rec.Payload.UserID,
					"error", err,
				)
				return r.unauthenticated(ctx, fmt.Errorf("%w: %v", ErrCredentialExpiredUnrecoverable, err))
			}
			rec.Payload.Token = material
		}
	}

	return r.build(ctx, rec, state)
}

// refresh performs at most one refresh for the session and persists the
// new token material before returning it. The exchange and the save run
// detached from the caller's cancellation, bounded by RefreshTimeout; a
// cancelled caller stops waiting but the refresh completes for the others.
func (r *Resolver) refresh(ctx context.Context, rec *session.Record) (*session.TokenMaterial, error) {
	do := func() (*session.TokenMaterial, error) {
		if r.refresher == nil {
			return nil, errors.New("token refresh not configured")
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RefreshTimeout)
		defer cancel()
		ctx, span := telemetry.StartSpan(ctx, "identity.RefreshToken")
		defer span.End()

		material, err := r.refresher.Refresh(ctx, rec.Payload.Token.RefreshToken)
		if err != nil {
			r.metrics.RecordRefresh(ctx, "failure")
			span.SetAttributes(attribute.String(telemetry.AttrRefreshResult, "failure"))
			telemetry.RecordError(span, err)
			return nil, err
		}
		r.metrics.RecordRefresh(ctx, "success")
		span.SetAttributes(attribute.String(telemetry.AttrRefreshResult, "success"))

		updated := *rec
		updated.Payload.Token = material
		if err := r.store.Save(ctx, &updated); err != nil {
			return nil, fmt.Errorf("%w: persist refreshed token: %w", ErrSessionStoreFault, err)
		}
		return material, nil
	}

	if !r.cfg.Singleflight {
		return do()
	}
	ch := r.refreshes.DoChan(rec.ID, func() (any, error) {
		return do()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session.TokenMaterial), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) build(ctx context.Context, rec *session.Record, state State) (ResolvedIdentity, error) {
	entry, err := r.loader.Load(ctx, rec.Payload.UserID)
	if errors.Is(err, identity.ErrUserNotFound) {
		r.logger.InfoContext(ctx, "session references unknown user", "user_id", rec.Payload.UserID)
		if derr := r.store.Destroy(ctx, rec.ID); derr != nil {
			r.logger.WarnContext(ctx, "failed to destroy orphaned session", "error", derr)
		}
		return r.unauthenticated(ctx, ErrAuthenticationRequired)
	}
	if err != nil {
		return ResolvedIdentity{}, fmt.Errorf("%w: %w", ErrSessionStoreFault, err)
	}

	tenantID, _ := tenant.Select(rec.Payload.ActiveTenantID, entry.Tenants)

	id := ResolvedIdentity{
		UserID:          entry.UserID,
		ActiveTenantID:  tenantID,
		IsPlatformAdmin: entry.User.IsPlatformAdmin,
		Permissions:     slices.Clone(entry.Permissions),
		Email:           entry.User.Email,
		DisplayName:     entry.User.DisplayName,
		SessionID:       rec.ID,
		State:           state,
	}
	if rec.Payload.Token != nil {
		id.TokenExpiresAt = rec.Payload.Token.ExpiresAt
	}
	return id, nil
}

// unauthenticated serves the development placeholder outside production
// and rejects with cause in production.
func (r *Resolver) unauthenticated(ctx context.Context, cause error) (ResolvedIdentity, error) {
	if r.cfg.Production {
		return ResolvedIdentity{State: StateRejected}, cause
	}
	r.logger.DebugContext(ctx, "serving development fallback identity", "reason", cause.Error())

	dev := r.cfg.DevFallback
	return ResolvedIdentity{
		UserID:          dev.UserID,
		ActiveTenantID:  dev.TenantID,
		IsPlatformAdmin: dev.IsPlatformAdmin,
		Permissions:     identity.NormalizePermissions(dev.Permissions),
		State:           StateDevFallback,
	}, nil
}
