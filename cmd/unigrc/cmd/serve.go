package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clanvaro/unigrc/internal/auth"
	"github.com/clanvaro/unigrc/internal/config"
	"github.com/clanvaro/unigrc/internal/db/bunx"
	"github.com/clanvaro/unigrc/internal/distcache"
	"github.com/clanvaro/unigrc/internal/identity"
	"github.com/clanvaro/unigrc/internal/oidcclient"
	"github.com/clanvaro/unigrc/internal/repository"
	"github.com/clanvaro/unigrc/internal/server"
	"github.com/clanvaro/unigrc/internal/session"
	"github.com/clanvaro/unigrc/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the UniGRC API server",
	Long:  `Starts the HTTP server with the login, callback, logout and identity endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		providers, err := telemetry.Init(ctx, cfg.Observability, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
		metrics, err := telemetry.NewIdentityMetrics(nil)
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer bunx.Close(db)
		logger.Info("connected to database", "type", bunx.DetectDatabaseType(cfg.DatabaseURL))

		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close()
		}

		store := newSessionStore(db, rdb)
		users := repository.NewBunUserRepository(db)

		cache := identity.NewCache(cfg.Cache.IdentityTTL, identity.WithMaxEntries(cfg.Cache.MaxEntries))
		go cache.Run(ctx, cfg.Cache.CleanupInterval)

		var remote distcache.Cache
		loaderOpts := []identity.LoaderOption{identity.WithLoaderMetrics(metrics)}
		if cfg.Cache.Distributed {
			remote = distcache.NewRedisCache(rdb, cfg.Redis.KeyPrefix)
			loaderOpts = append(loaderOpts, identity.WithRemote(remote, cfg.Redis.OperationTimeout))
			logger.Info("distributed identity cache enabled")
		}
		loader := identity.NewLoader(cache, users, logger, loaderOpts...)
		invalidator := distcache.NewInvalidator(remote, logger,
			distcache.WithTimeout(cfg.Redis.OperationTimeout),
			distcache.WithMetrics(metrics),
		)

		var discovery *oidcclient.Discovery
		var refresher auth.TokenRefresher
		if cfg.OIDC.Enabled() {
			discovery, err = oidcclient.NewDiscovery(oidcConfig(cfg), logger)
			if err != nil {
				return fmt.Errorf("failed to configure oidc: %w", err)
			}
			refresher = oidcclient.NewRefresher(discovery)
			go func() {
				if _, err := discovery.RelyingParty(ctx); err != nil {
					logger.Warn("initial oidc discovery failed, retrying on first login", "error", err)
				}
			}()
		} else {
			logger.Info("SSO disabled, only local login is available")
		}

		resolver := auth.NewResolver(store, loader, refresher, auth.ResolverConfig{
			Production: cfg.IsProduction(),
			DevFallback: auth.DevIdentity{
				UserID:          cfg.DevFallback.UserID,
				TenantID:        cfg.DevFallback.TenantID,
				IsPlatformAdmin: cfg.DevFallback.IsPlatformAdmin,
				Permissions:     cfg.DevFallback.Permissions,
			},
			SlowResolution: cfg.Auth.SlowResolutionThreshold,
			RefreshTimeout: cfg.Auth.RefreshTimeout,
			Singleflight:   cfg.Auth.RefreshSingleflight,
		}, logger, auth.WithResolverMetrics(metrics))
		if !cfg.IsProduction() {
			logger.Warn("development identity fallback active", "user_id", cfg.DevFallback.UserID)
		}

		svc := auth.NewService(store, users, loader, invalidator, auth.ServiceConfig{
			Routes:            authRoutes(cfg),
			SessionLifetime:   cfg.Session.Lifetime,
			LocalLoginEnabled: cfg.Auth.LocalLoginEnabled,
		}, logger, auth.WithCredentials(users))

		if cfg.Session.Backend == config.SessionBackendSQL {
			go session.NewPruner(store, cfg.Session.PruneInterval, logger).Run(ctx)
		}

		router := server.NewRouter(server.RouterOptions{
			Service:   svc,
			Resolver:  resolver,
			Discovery: discovery,
			Cookies: session.Cookies{
				Name:     cfg.Session.CookieName,
				Lifetime: cfg.Session.Lifetime,
				Secure:   cfg.IsProduction(),
			},
			Logger:         logger,
			SessionBackend: cfg.Session.Backend,
			MetricsHandler: providers.MetricsHandler,
		})

		srv := &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("starting server", "addr", cfg.ServerAddr, "url", cfg.ServerURL, "environment", cfg.Environment)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// SIGHUP drops every cached identity and rediscovers the provider
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)

		for {
			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)

			case sig := <-reload:
				cache.InvalidateAll()
				logger.Info("identity cache cleared", "signal", sig.String())
				if discovery != nil {
					refreshCtx, done := context.WithTimeout(ctx, 10*time.Second)
					if _, err := discovery.Refresh(refreshCtx); err != nil {
						logger.Warn("oidc rediscovery failed", "error", err)
					}
					done()
				}

			case sig := <-shutdown:
				logger.Info("shutting down gracefully", "signal", sig.String())
				cancel()

				shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					_ = srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}
				logger.Info("server stopped")
				return nil
			}
		}
	},
}

func oidcConfig(c *config.Config) oidcclient.Config {
	oc := oidcclient.Config{
		Issuer:         c.OIDC.Issuer,
		ClientID:       c.OIDC.ClientID,
		ClientSecret:   c.OIDC.ClientSecret,
		RedirectURI:    c.OIDC.RedirectURI,
		Scopes:         c.OIDC.Scopes,
		DiscoveryTTL:   c.OIDC.DiscoveryTTL,
		DiscoveryRetry: c.OIDC.DiscoveryRetry,
		SecureCookies:  c.IsProduction(),
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
	}
	if c.OIDC.CookieHashKey != "" {
		oc.CookieHashKey = []byte(c.OIDC.CookieHashKey)
	}
	if c.OIDC.CookieEncryptKey != "" {
		oc.CookieEncryptKey = []byte(c.OIDC.CookieEncryptKey)
	}
	return oc
}

func authRoutes(c *config.Config) auth.Routes {
	return auth.Routes{
		Login:          c.Routes.LoginPath,
		AdminLanding:   c.Routes.AdminLandingPath,
		Onboarding:     c.Routes.OnboardingPath,
		DefaultLanding: c.Routes.DefaultLandingPath,
		NoAccess:       c.Routes.NoAccessPath,
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
