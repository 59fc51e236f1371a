package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clanvaro/unigrc/internal/auth"
	"github.com/clanvaro/unigrc/internal/session"
)

// IdentityResolver is the part of auth.Resolver the middleware needs.
type IdentityResolver interface {
	Resolve(ctx context.Context, sessionID string) (auth.ResolvedIdentity, error)
}

// ErrorResponse is the JSON body of every auth failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteError writes err as JSON with the status and code auth maps it to.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, auth.HTTPStatus(err), ErrorResponse{Error: auth.ErrorCode(err)})
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WantsHTML reports whether the client is a browser navigating to a page
// rather than an API caller.
func WantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// NewIdentityMiddleware resolves the caller identity of every request and
// attaches it to the context. Rejected requests get 401 (browsers are sent
// to loginPath) and a stale cookie is cleared. Session store faults get 503.
func NewIdentityMiddleware(resolver IdentityResolver, cookies session.Cookies, loginPath string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sessionID, hasCookie := cookies.ID(r)

			id, err := resolver.Resolve(ctx, sessionID)
			if err != nil {
				if auth.Rejected(err) {
					if hasCookie {
						cookies.Clear(w, r)
					}
					if WantsHTML(r) && loginPath != "" {
						http.Redirect(w, r, loginPath, http.StatusFound)
						return
					}
				} else {
					logger.ErrorContext(ctx, "identity resolution failed",
						"method", r.Method,
						"path", r.URL.Path,
						"error", err,
					)
				}
				WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
		})
	}
}

// RequireIdentity rejects requests that reached it without a resolved
// identity.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.IdentityFromContext(r.Context()); !ok {
			WriteError(w, auth.ErrAuthenticationRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireTenant guards tenant scoped routes. It implies RequireIdentity.
// Callers without a tenant context are redirected to noAccessPath, or get
// 403 for API requests.
func RequireTenant(noAccessPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := auth.IdentityFromContext(r.Context())
			if !id.HasTenant() {
				if WantsHTML(r) && noAccessPath != "" {
					http.Redirect(w, r, noAccessPath, http.StatusFound)
					return
				}
				WriteError(w, auth.ErrNoTenantContext)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
