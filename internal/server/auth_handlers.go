package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/clanvaro/unigrc/internal/auth"
	"github.com/clanvaro/unigrc/internal/identity"
	appmiddleware "github.com/clanvaro/unigrc/internal/middleware"
	"github.com/clanvaro/unigrc/internal/oidcclient"
	"github.com/clanvaro/unigrc/internal/session"
)

// HandleSSOLogin starts the authorization code flow. PKCE and state are
// kept in encrypted cookies by the relying party.
func HandleSSOLogin(discovery *oidcclient.Discovery, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := discovery.RelyingParty(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "oidc discovery failed", "error", err)
			appmiddleware.WriteJSON(w, http.StatusBadGateway, appmiddleware.ErrorResponse{
				Error:   "identity_provider_unavailable",
				Message: "identity provider unavailable",
			})
			return
		}
		rp.AuthURLHandler(uuid.NewString, provider).ServeHTTP(w, r)
	}
}

// HandleSSOCallback exchanges the authorization code, provisions the user
// and opens a session, then redirects to the user's landing page.
func HandleSSOCallback(discovery *oidcclient.Discovery, svc *auth.Service, cookies session.Cookies, logger *slog.Logger) http.HandlerFunc {
	onTokens := func(w http.ResponseWriter, r *http.Request, tokens *oidc.Tokens[*oidc.IDTokenClaims], state string, provider rp.RelyingParty) {
		completeSSOLogin(w, r, tokens, svc, cookies, logger)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := discovery.RelyingParty(r.Context())
		if err != nil {
			logger.ErrorContext(r.Context(), "oidc discovery failed", "error", err)
			appmiddleware.WriteJSON(w, http.StatusBadGateway, appmiddleware.ErrorResponse{Error: "identity_provider_unavailable"})
			return
		}
		rp.CodeExchangeHandler(onTokens, provider).ServeHTTP(w, r)
	}
}

func completeSSOLogin(w http.ResponseWriter, r *http.Request, tokens *oidc.Tokens[*oidc.IDTokenClaims], svc *auth.Service, cookies session.Cookies, logger *slog.Logger) {
	ctx := r.Context()
	if tokens == nil || tokens.IDTokenClaims == nil {
		appmiddleware.WriteError(w, auth.ErrAuthenticationRequired)
		return
	}

	material, err := oidcclient.MaterialFromTokens(tokens, "")
	if err != nil {
		logger.WarnContext(ctx, "SSO callback: unusable token response", "error", err)
		appmiddleware.WriteError(w, auth.ErrAuthenticationRequired)
		return
	}

	claims := tokens.IDTokenClaims
	res, err := svc.CompleteLogin(ctx, identity.ExternalClaims{
		Subject:     claims.Subject,
		Email:       claims.Email,
		Username:    claims.PreferredUsername,
		DisplayName: claims.Name,
	}, material)
	if err != nil {
		logger.ErrorContext(ctx, "SSO callback: login failed", "subject", claims.Subject, "error", err)
		appmiddleware.WriteError(w, err)
		return
	}

	cookies.Set(w, r, res.Token, res.ExpiresAt)
	http.Redirect(w, r, res.RedirectPath, http.StatusFound)
}

// LocalLoginRequest is the body of POST /auth/login/local.
type LocalLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by local login.
type LoginResponse struct {
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id,omitempty"`
	RedirectPath string `json:"redirect_path"`
	ExpiresAt    int64  `json:"expires_at"`
}

// HandleLocalLogin authenticates with email and password.
func HandleLocalLogin(svc *auth.Service, cookies session.Cookies, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LocalLoginRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			appmiddleware.WriteJSON(w, http.StatusBadRequest, appmiddleware.ErrorResponse{Error: "invalid_request"})
			return
		}

		res, err := svc.LocalLogin(r.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrSessionStoreFault) {
				logger.ErrorContext(r.Context(), "local login failed", "error", err)
			}
			appmiddleware.WriteError(w, err)
			return
		}

		cookies.Set(w, r, res.Token, res.ExpiresAt)
		appmiddleware.WriteJSON(w, http.StatusOK, LoginResponse{
			UserID:       res.UserID,
			TenantID:     res.TenantID,
			RedirectPath: res.RedirectPath,
			ExpiresAt:    res.ExpiresAt.Unix(),
		})
	}
}

// HandleLogout ends the caller's session. It succeeds without a session.
// The cookie is cleared even when the store is unavailable.
func HandleLogout(svc *auth.Service, cookies session.Cookies, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, _ := cookies.ID(r)
		err := svc.Logout(r.Context(), sessionID)
		cookies.Clear(w, r)
		if err != nil {
			logger.ErrorContext(r.Context(), "logout failed", "error", err)
			appmiddleware.WriteError(w, err)
			return
		}

		if r.Method == http.MethodGet {
			http.Redirect(w, r, svc.Routes().Login, http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// WhoamiResponse is the body of GET /api/auth/whoami.
type WhoamiResponse struct {
	Identity auth.ResolvedIdentity `json:"identity"`
	Session  *SessionInfo          `json:"session,omitempty"`
}

// SessionInfo describes the stored session behind the identity.
type SessionInfo struct {
	Method    string `json:"method"`
	ExpiresAt int64  `json:"expires_at"`
	Issuer    string `json:"issuer,omitempty"`
	AuthTime  int64  `json:"auth_time,omitempty"`
}

// HandleWhoAmI reports the resolved identity. Development fallback
// identities have no session.
func HandleWhoAmI(svc *auth.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			appmiddleware.WriteError(w, auth.ErrAuthenticationRequired)
			return
		}

		resp := WhoamiResponse{Identity: id}
		if id.SessionID != "" {
			rec, err := svc.Session(r.Context(), id.SessionID)
			if err != nil {
				appmiddleware.WriteError(w, err)
				return
			}
			info := &SessionInfo{Method: rec.Payload.Method, ExpiresAt: rec.ExpiresAt.Unix()}
			if tok := rec.Payload.Token; tok != nil && tok.IDToken != "" {
				info.Issuer, info.AuthTime = idTokenDetails(tok.IDToken)
			}
			resp.Session = info
		}
		appmiddleware.WriteJSON(w, http.StatusOK, resp)
	}
}

// idTokenDetails reads display-only claims from an ID token the provider
// already handed to us over TLS. The signature is not checked again.
func idTokenDetails(raw string) (issuer string, authTime int64) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", 0
	}
	issuer, _ = claims.GetIssuer()
	if v, ok := claims["auth_time"].(float64); ok {
		authTime = int64(v)
	}
	return issuer, authTime
}

// SwitchTenantRequest is the body of POST /api/auth/tenant.
type SwitchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

// HandleSwitchTenant changes the active tenant of the caller's session.
func HandleSwitchTenant(svc *auth.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			appmiddleware.WriteError(w, auth.ErrAuthenticationRequired)
			return
		}

		var req SwitchTenantRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.TenantID == "" {
			appmiddleware.WriteJSON(w, http.StatusBadRequest, appmiddleware.ErrorResponse{Error: "invalid_request"})
			return
		}

		if err := svc.SwitchTenant(r.Context(), id.SessionID, req.TenantID); err != nil {
			if errors.Is(err, auth.ErrSessionStoreFault) {
				logger.ErrorContext(r.Context(), "tenant switch failed", "error", err)
			}
			appmiddleware.WriteError(w, err)
			return
		}
		logger.InfoContext(r.Context(), "active tenant switched", "user_id", id.UserID, "tenant_id", req.TenantID)
		appmiddleware.WriteJSON(w, http.StatusOK, SwitchTenantRequest{TenantID: req.TenantID})
	}
}
