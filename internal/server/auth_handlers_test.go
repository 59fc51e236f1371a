package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/clanvaro/unigrc/internal/auth"
	"github.com/clanvaro/unigrc/internal/db/dbtest"
	"github.com/clanvaro/unigrc/internal/db/models"
	"github.com/clanvaro/unigrc/internal/distcache"
	"github.com/clanvaro/unigrc/internal/identity"
	appmiddleware "github.com/clanvaro/unigrc/internal/middleware"
	"github.com/clanvaro/unigrc/internal/oidcclient"
	"github.com/clanvaro/unigrc/internal/repository"
	"github.com/clanvaro/unigrc/internal/session"
)

const testPassword = "correct horse battery staple"

var testRoutes = auth.Routes{
	Login:          "/auth/login",
	AdminLanding:   "/admin",
	Onboarding:     "/onboarding",
	DefaultLanding: "/dashboard",
	NoAccess:       "/no-access",
}

type testEnv struct {
	t       *testing.T
	handler http.Handler
	svc     *auth.Service
	users   *repository.BunUserRepository
	tenants *repository.BunTenantRepository
	store   *session.BunStore
	cookies session.Cookies
}

func newTestEnv(t *testing.T, discovery *oidcclient.Discovery) *testEnv {
	t.Helper()
	db := dbtest.Open(t)
	logger := slog.Default()

	users := repository.NewBunUserRepository(db)
	store := session.NewBunStore(db)
	loader := identity.NewLoader(identity.NewCache(5*time.Minute), users, logger)
	resolver := auth.NewResolver(store, loader, nil, auth.ResolverConfig{Production: true}, logger)
	svc := auth.NewService(store, users, loader, distcache.NewInvalidator(nil, logger),
		auth.ServiceConfig{Routes: testRoutes, LocalLoginEnabled: true}, logger, auth.WithCredentials(users))
	cookies := session.Cookies{Name: "unigrc.sid"}

	handler := NewRouter(RouterOptions{
		Service:        svc,
		Resolver:       resolver,
		Discovery:      discovery,
		Cookies:        cookies,
		Logger:         logger,
		SessionBackend: "sql",
		UserRoutes: func(r chi.Router) {
			r.Get("/api/onboarding", func(w http.ResponseWriter, r *http.Request) {
				id, _ := auth.IdentityFromContext(r.Context())
				appmiddleware.WriteJSON(w, http.StatusOK, map[string]string{"user_id": id.UserID})
			})
		},
		TenantRoutes: func(r chi.Router) {
			r.Get("/api/risks", func(w http.ResponseWriter, r *http.Request) {
				id, _ := auth.IdentityFromContext(r.Context())
				appmiddleware.WriteJSON(w, http.StatusOK, map[string]string{"tenant_id": id.ActiveTenantID})
			})
		},
	})

	return &testEnv{
		t:       t,
		handler: handler,
		svc:     svc,
		users:   users,
		tenants: repository.NewBunTenantRepository(db),
		store:   store,
		cookies: cookies,
	}
}

// seedUser creates a local user with a password and the given tenants,
// the first of which is active.
func (e *testEnv) seedUser(email string, admin bool, tenantSlugs ...string) *models.User {
	e.t.Helper()
	ctx := context.Background()
	user := &models.User{Email: email, Name: "Test User", IsPlatformAdmin: admin}
	require.NoError(e.t, e.users.Create(ctx, user))

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(e.t, err)
	require.NoError(e.t, e.users.SetPasswordHash(ctx, user.ID, string(hash)))

	for i, slug := range tenantSlugs {
		tn, err := e.tenants.GetBySlug(ctx, slug)
		if err != nil {
			tn = &models.Tenant{Slug: slug, Name: slug}
			require.NoError(e.t, e.tenants.Create(ctx, tn))
		}
		require.NoError(e.t, e.tenants.AddMember(ctx, tn.ID, user.ID, i == 0))
	}
	return user
}

func (e *testEnv) do(method, target string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(email string) *http.Cookie {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/auth/login/local", LocalLoginRequest{Email: email, Password: testPassword}, nil)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return sessionCookie(e.t, rec)
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "unigrc.sid" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, HealthResponse{Status: "ok", OIDCEnabled: false, SessionBackend: "sql"}, body)
}

func TestLocalLogin_Flow(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser("alice@example.com", false, "acme", "globex")

	rec := env.do(http.MethodPost, "/auth/login/local", LocalLoginRequest{Email: "alice@example.com", Password: testPassword}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var login LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&login))
	assert.Equal(t, user.ID, login.UserID)
	assert.Equal(t, "/dashboard", login.RedirectPath)
	assert.NotEmpty(t, login.TenantID)

	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)

	list, err := env.users.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].LastLoginAt, "local login records the login time")

	rec = env.do(http.MethodGet, "/api/auth/whoami", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var who WhoamiResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&who))
	assert.Equal(t, user.ID, who.Identity.UserID)
	assert.Equal(t, auth.StateLocalAuthValid, who.Identity.State)
	assert.Equal(t, login.TenantID, who.Identity.ActiveTenantID)
	require.NotNil(t, who.Session)
	assert.Equal(t, session.MethodLocal, who.Session.Method)

	rec = env.do(http.MethodGet, "/api/risks", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLocalLogin_Rejections(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser("alice@example.com", false)

	rec := env.do(http.MethodPost, "/auth/login/local", LocalLoginRequest{Email: "alice@example.com", Password: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())

	req := httptest.NewRequest(http.MethodPost, "/auth/login/local", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLocalLogin_RedirectTargets(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser("admin@example.com", true, "acme")
	env.seedUser("orphan@example.com", false)

	for email, want := range map[string]string{
		"admin@example.com":  "/admin",
		"orphan@example.com": "/onboarding",
	} {
		rec := env.do(http.MethodPost, "/auth/login/local", LocalLoginRequest{Email: email, Password: testPassword}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var login LoginResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&login))
		assert.Equal(t, want, login.RedirectPath, email)
	}
}

func TestTenantRoutes_RequireTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser("orphan@example.com", false)
	cookie := env.login("orphan@example.com")

	rec := env.do(http.MethodGet, "/api/risks", nil, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_tenant_context")

	rec = env.do(http.MethodGet, "/api/auth/whoami", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code, "whoami does not need a tenant")
}

func TestUserRoutes_RequireIdentityOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.seedUser("onboarding@example.com", false)

	rec := env.do(http.MethodGet, "/api/onboarding", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_required")

	cookie := env.login("onboarding@example.com")
	rec = env.do(http.MethodGet, "/api/onboarding", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, "no tenant is needed")
	assert.Contains(t, rec.Body.String(), user.ID)

	rec = env.do(http.MethodGet, "/api/risks", nil, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogout_Flow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser("alice@example.com", false, "acme")
	cookie := env.login("alice@example.com")

	rec := env.do(http.MethodPost, "/auth/logout", nil, cookie)
	require.Equal(t, http.StatusNoContent, rec.Code)
	cleared := sessionCookie(t, rec)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)

	_, err := env.store.Load(context.Background(), session.HashToken(cookie.Value))
	assert.ErrorIs(t, err, session.ErrNotFound)

	rec = env.do(http.MethodGet, "/api/auth/whoami", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/auth/logout", nil, cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code, "logout is idempotent")

	rec = env.do(http.MethodPost, "/auth/logout", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/auth/logout", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/auth/login", rec.Header().Get("Location"))
}

func TestSwitchTenant(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser("alice@example.com", false, "acme", "globex")
	globex, err := env.tenants.GetBySlug(context.Background(), "globex")
	require.NoError(t, err)
	cookie := env.login("alice@example.com")

	rec := env.do(http.MethodPost, "/api/auth/tenant", SwitchTenantRequest{TenantID: globex.ID}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/risks", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), globex.ID)

	rec = env.do(http.MethodPost, "/api/auth/tenant", SwitchTenantRequest{TenantID: "not-mine"}, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/auth/tenant", SwitchTenantRequest{}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteSSOLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedUser("admin@example.com", true, "acme")

	claims := &oidc.IDTokenClaims{}
	claims.Subject = "idp-sub-1"
	claims.Email = "admin@example.com"
	claims.Name = "Ada Admin"
	claims.Expiration = oidc.FromTime(time.Now().Add(time.Hour))

	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":       "https://idp.example.com",
		"sub":       "idp-sub-1",
		"auth_time": 1790000000,
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	tokens := &oidc.Tokens[*oidc.IDTokenClaims]{
		Token: &oauth2.Token{
			AccessToken:  "at",
			RefreshToken: "rt",
			Expiry:       time.Now().Add(time.Hour),
		},
		IDTokenClaims: claims,
		IDToken:       idToken,
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	rec := httptest.NewRecorder()
	completeSSOLogin(rec, req, tokens, env.svc, env.cookies, slog.Default())

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin", rec.Header().Get("Location"))
	cookie := sessionCookie(t, rec)

	rec = env.do(http.MethodGet, "/api/auth/whoami", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var who WhoamiResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&who))
	assert.Equal(t, auth.StateOAuthValid, who.Identity.State)
	assert.True(t, who.Identity.IsPlatformAdmin)
	require.NotNil(t, who.Session)
	assert.Equal(t, session.MethodOIDC, who.Session.Method)
	assert.Equal(t, "https://idp.example.com", who.Session.Issuer)
	assert.Equal(t, int64(1790000000), who.Session.AuthTime)
}

func TestCompleteSSOLogin_MissingClaims(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	completeSSOLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/callback", nil),
		&oidc.Tokens[*oidc.IDTokenClaims]{Token: &oauth2.Token{AccessToken: "at"}}, env.svc, env.cookies, slog.Default())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSSOLogin_RedirectsToProvider(t *testing.T) {
	var issuer string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		appmiddleware.WriteJSON(w, http.StatusOK, map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"jwks_uri":               issuer + "/keys",
		})
	}))
	t.Cleanup(provider.Close)
	issuer = provider.URL

	discovery, err := oidcclient.NewDiscovery(oidcclient.Config{
		Issuer:       issuer,
		ClientID:     "unigrc",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost:8080/auth/callback",
		Scopes:       []string{oidc.ScopeOpenID},
		HTTPClient:   provider.Client(),
	}, slog.Default())
	require.NoError(t, err)

	env := newTestEnv(t, discovery)
	rec := env.do(http.MethodGet, "/auth/login", nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, issuer+"/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "unigrc", loc.Query().Get("client_id"))
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.NotEmpty(t, loc.Query().Get("code_challenge"))
	assert.NotEmpty(t, rec.Result().Cookies(), "state and PKCE cookies are set")

	rec = env.do(http.MethodGet, "/health", nil, nil)
	assert.Contains(t, rec.Body.String(), `"oidc_enabled":true`)
}

func TestIDTokenDetails_Malformed(t *testing.T) {
	issuer, authTime := idTokenDetails("not-a-jwt")
	assert.Empty(t, issuer)
	assert.Zero(t, authTime)
}
