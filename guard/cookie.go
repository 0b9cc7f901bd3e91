package guard

import (
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-client/sessions"
)

// DefaultCookieName is the edge cookie carrying the projected access token.
const DefaultCookieName = "app_session"

// CookieConfig describes the edge cookie. The cookie is a one-way projection
// of Session.AccessToken, never an independent source of truth.
type CookieConfig struct {
	Name   string
	Secure bool // set in production deployments
}

// DefaultCookieConfig returns the development cookie settings.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{Name: DefaultCookieName}
}

// Project derives the edge cookie from a session. Every session mutation
// must be re-projected through here before a navigation that depends on the
// guard's decision, or the guard will decide on stale state.
func Project(s *sessions.Session, cfg CookieConfig, now time.Time) *http.Cookie {
	maxAge := 0
	if !s.ExpiresAt.IsZero() {
		maxAge = int(s.ExpiresAt.Sub(now) / time.Second)
	}
	return &http.Cookie{
		Name:     cfg.Name,
		Value:    s.AccessToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

// ClearCookie produces the deletion counterpart of Project, used on logout
// and forced session teardown.
func ClearCookie(cfg CookieConfig) *http.Cookie {
	return &http.Cookie{
		Name:     cfg.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}

// HasToken reports whether the request carries a non-empty edge cookie. The
// guard checks presence only; validation happens downstream.
func HasToken(r *http.Request, cfg CookieConfig) bool {
	cookie, err := r.Cookie(cfg.Name)
	return err == nil && cookie.Value != ""
}
