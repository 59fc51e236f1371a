package session

import (
	"net/http"
	"time"
)

// DefaultCookieName is used when the configuration leaves it empty.
const DefaultCookieName = "unigrc.sid"

// Cookies writes and reads the session cookie.
type Cookies struct {
	Name     string
	Lifetime time.Duration
	// Secure marks the cookie Secure; set in production.
	Secure bool
}

func (c Cookies) name() string {
	if c.Name == "" {
		return DefaultCookieName
	}
	return c.Name
}

func (c Cookies) lifetime() time.Duration {
	if c.Lifetime <= 0 {
		return DefaultLifetime
	}
	return c.Lifetime
}

// ExpiresAt is the expiry a session created at now should carry.
func (c Cookies) ExpiresAt(now time.Time) time.Time {
	return now.Add(c.lifetime())
}

// Set writes the session cookie.
func (c Cookies) Set(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(c.lifetime().Seconds()),
		HttpOnly: true,
		Secure:   c.Secure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie on the client.
func (c Cookies) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// Token returns the raw cookie token, if any.
func (c Cookies) Token(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name())
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// ID returns the store id for the request's session cookie.
func (c Cookies) ID(r *http.Request) (string, bool) {
	token, ok := c.Token(r)
	if !ok {
		return "", false
	}
	return HashToken(token), true
}
