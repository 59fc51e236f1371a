package auth

import (
	"errors"
	"net/http"

	"github.com/clanvaro/unigrc/internal/distcache"
)

// Sentinel errors for identity resolution and the login flow.
var (
	// ErrAuthenticationRequired means no valid session was presented.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrCredentialExpiredRecoverable marks an expired provider token that
	// a refresh may recover. It is logged, never returned to clients.
	ErrCredentialExpiredRecoverable = errors.New("credential expired, attempting refresh")

	// ErrCredentialExpiredUnrecoverable means the token expired and the
	// refresh attempt failed. The user must log in again.
	ErrCredentialExpiredUnrecoverable = errors.New("credential expired and refresh failed")

	// ErrNoTenantContext means the user has no tenant membership.
	ErrNoTenantContext = errors.New("no tenant context")

	// ErrCacheUnavailable marks distributed cache failures. It is logged
	// and never propagated.
	ErrCacheUnavailable = distcache.ErrUnavailable

	// ErrSessionStoreFault means durable session or user storage failed.
	ErrSessionStoreFault = errors.New("session store fault")

	// ErrAccountDisabled means the provider authenticated a user whose
	// account has been disabled locally.
	ErrAccountDisabled = errors.New("account disabled")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLocalLoginDisabled = errors.New("local login disabled")
	ErrNotTenantMember    = errors.New("not a member of tenant")
)

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionStoreFault):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAuthenticationRequired),
		errors.Is(err, ErrCredentialExpiredUnrecoverable),
		errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoTenantContext), errors.Is(err, ErrNotTenantMember),
		errors.Is(err, ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrLocalLoginDisabled):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode maps an error to the machine readable code used in JSON bodies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionStoreFault):
		return "session_store_unavailable"
	case errors.Is(err, ErrCredentialExpiredUnrecoverable):
		return "credential_expired"
	case errors.Is(err, ErrAuthenticationRequired):
		return "authentication_required"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrNoTenantContext):
		return "no_tenant_context"
	case errors.Is(err, ErrNotTenantMember):
		return "not_tenant_member"
	case errors.Is(err, ErrLocalLoginDisabled):
		return "local_login_disabled"
	case errors.Is(err, ErrAccountDisabled):
		return "account_disabled"
	default:
		return "internal_error"
	}
}

// Rejected reports whether err ends a resolution in the Rejected state.
func Rejected(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) || errors.Is(err, ErrCredentialExpiredUnrecoverable)
}
