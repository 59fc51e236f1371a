// Package oidcclient talks to the external OpenID Connect provider: it
// memoizes provider discovery and refreshes access tokens.
package oidcclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	httphelper "github.com/zitadel/oidc/v3/pkg/http"
	"k8s.io/utils/clock"
)

const (
	// DefaultDiscoveryTTL is how long provider metadata is reused.
	DefaultDiscoveryTTL = time.Hour
	// DefaultDiscoveryRetry spaces rediscovery attempts while previous
	// metadata is served after a failure.
	DefaultDiscoveryRetry = time.Minute
)

// ErrNotConfigured is returned when no issuer is configured.
var ErrNotConfigured = errors.New("oidc provider not configured")

// Config describes the relying party registration.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	DiscoveryTTL time.Duration
	// DiscoveryRetry is capped at DiscoveryTTL.
	DiscoveryRetry time.Duration

	// Keys protecting the state and PKCE cookies. Random keys are generated
	// when empty, which invalidates in-flight logins on restart.
	CookieHashKey    []byte
	CookieEncryptKey []byte
	// SecureCookies marks state and PKCE cookies Secure.
	SecureCookies bool

	HTTPClient *http.Client
}

// Builder constructs a relying party. It runs provider discovery.
type Builder func(ctx context.Context) (rp.RelyingParty, error)

// DiscoveryOption configures a Discovery.
type DiscoveryOption func(*Discovery)

func WithClock(clk clock.PassiveClock) DiscoveryOption {
	return func(d *Discovery) { d.clock = clk }
}

// WithBuilder replaces the relying party constructor.
func WithBuilder(b Builder) DiscoveryOption {
	return func(d *Discovery) { d.build = b }
}

// Discovery memoizes the provider's relying party, which carries the
// discovered endpoints, for DiscoveryTTL.
type Discovery struct {
	cfg     Config
	ttl     time.Duration
	retry   time.Duration
	clock   clock.PassiveClock
	build   Builder
	logger  *slog.Logger
	cookies *httphelper.CookieHandler

	mu        sync.Mutex
	current   rp.RelyingParty
	fetchedAt time.Time
}

// NewDiscovery prepares a Discovery. No network call is made until the
// relying party is first requested.
func NewDiscovery(cfg Config, logger *slog.Logger, opts ...DiscoveryOption) (*Discovery, error) {
	if cfg.Issuer == "" {
		return nil, ErrNotConfigured
	}

	hashKey, err := keyOrRandom(cfg.CookieHashKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cookie hash key: %w", err)
	}
	cryptoKey, err := keyOrRandom(cfg.CookieEncryptKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cookie crypto key: %w", err)
	}
	var cookieOpts []httphelper.CookieHandlerOpt
	if !cfg.SecureCookies {
		cookieOpts = append(cookieOpts, httphelper.WithUnsecure())
	}

	d := &Discovery{
		cfg:     cfg,
		ttl:     cfg.DiscoveryTTL,
		retry:   cfg.DiscoveryRetry,
		clock:   clock.RealClock{},
		logger:  logger,
		cookies: httphelper.NewCookieHandler(hashKey, cryptoKey, cookieOpts...),
	}
	if d.ttl <= 0 {
		d.ttl = DefaultDiscoveryTTL
	}
	if d.retry <= 0 {
		d.retry = DefaultDiscoveryRetry
	}
	d.retry = min(d.retry, d.ttl)
	d.build = d.newRelyingParty
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// RelyingParty returns the memoized relying party, running discovery when
// none is cached or the cached one is older than the TTL. If rediscovery
// fails and a previous relying party exists, the previous one is returned
// and discovery is not retried for DiscoveryRetry.
func (d *Discovery) RelyingParty(ctx context.Context) (rp.RelyingParty, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil && d.clock.Since(d.fetchedAt) < d.ttl {
		return d.current, nil
	}
	return d.discoverLocked(ctx)
}

// Refresh forces discovery regardless of the memo age.
func (d *Discovery) Refresh(ctx context.Context) (rp.RelyingParty, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discoverLocked(ctx)
}

func (d *Discovery) discoverLocked(ctx context.Context) (rp.RelyingParty, error) {
	fresh, err := d.build(ctx)
	if err != nil {
		if d.current != nil {
			d.logger.WarnContext(ctx, "oidc discovery failed, keeping previous metadata",
				"issuer", d.cfg.Issuer, "retry_in", d.retry, "error", err)
			// age the memo so it expires again after one retry interval
			d.fetchedAt = d.clock.Now().Add(d.retry - d.ttl)
			return d.current, nil
		}
		return nil, fmt.Errorf("oidc discovery for %s: %w", d.cfg.Issuer, err)
	}
	d.current = fresh
	d.fetchedAt = d.clock.Now()
	return fresh, nil
}

func (d *Discovery) newRelyingParty(ctx context.Context) (rp.RelyingParty, error) {
	options := []rp.Option{
		rp.WithCookieHandler(d.cookies),
		rp.WithVerifierOpts(rp.WithIssuedAtMaxAge(10 * time.Second)),
		rp.WithPKCE(d.cookies),
	}
	if d.cfg.HTTPClient != nil {
		options = append(options, rp.WithHTTPClient(d.cfg.HTTPClient))
	}

	relyingParty, err := rp.NewRelyingPartyOIDC(ctx, d.cfg.Issuer, d.cfg.ClientID, d.cfg.ClientSecret,
		d.cfg.RedirectURI, d.cfg.Scopes, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC relying party: %w", err)
	}
	return relyingParty, nil
}

func keyOrRandom(key []byte) ([]byte, error) {
	if len(key) > 0 {
		return key, nil
	}
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
