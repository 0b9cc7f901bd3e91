// Package guard makes coarse allow/redirect decisions for protected routes
// from nothing but the request path and the presence of the edge cookie. It
// never calls the backend and never inspects token validity: a forged but
// present cookie passes the gate and is rejected downstream by the backend.
package guard

import (
	"net/url"
	"strings"
)

// DecisionKind enumerates the guard's possible outcomes.
type DecisionKind int

const (
	Allow DecisionKind = iota
	RedirectToLogin
	RedirectToApp
)

func (k DecisionKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case RedirectToLogin:
		return "redirect_to_login"
	case RedirectToApp:
		return "redirect_to_app"
	default:
		return "unknown"
	}
}

// Decision is the guard's verdict for one navigation. Location is set for
// the redirect kinds.
type Decision struct {
	Kind     DecisionKind
	Location string
}

// Rules configures path classification. The zero value is not usable; start
// from DefaultRules.
type Rules struct {
	// AdminPrefix marks paths the guard bypasses entirely; the admin
	// application layer authenticates those with a backend round trip.
	AdminPrefix string
	// LoginPath is where unauthenticated visitors are sent. The original
	// path is preserved in the NextParam query parameter.
	LoginPath string
	// AppPath is where authenticated visitors are sent away from auth-only
	// and landing pages.
	AppPath string
	// LandingPath is the public landing page.
	LandingPath string
	// AuthOnlyPaths are pages that make no sense for an authenticated
	// visitor (login, signup).
	AuthOnlyPaths []string
	// PublicPaths are reachable without authentication.
	PublicPaths []string
	// NextParam is the query parameter carrying the preserved return target.
	NextParam string
}

// DefaultRules returns the standard route classification.
func DefaultRules() Rules {
	return Rules{
		AdminPrefix:   "/admin",
		LoginPath:     "/login",
		AppPath:       "/dashboard",
		LandingPath:   "/",
		AuthOnlyPaths: []string{"/login", "/signup"},
		PublicPaths:   []string{"/", "/login", "/signup", "/password-reset"},
		NextParam:     "next",
	}
}

// Decide maps (path, cookie presence) to a Decision. It is a pure function:
// the same inputs always yield the same verdict.
func (r Rules) Decide(path string, hasToken bool) Decision {
	if strings.HasPrefix(path, r.AdminPrefix) {
		return Decision{Kind: Allow}
	}

	if !hasToken {
		if r.isPublic(path) {
			return Decision{Kind: Allow}
		}
		return Decision{
			Kind:     RedirectToLogin,
			Location: r.LoginPath + "?" + r.NextParam + "=" + url.QueryEscape(path),
		}
	}

	if r.isAuthOnly(path) || path == r.LandingPath {
		return Decision{Kind: RedirectToApp, Location: r.AppPath}
	}
	return Decision{Kind: Allow}
}

func (r Rules) isPublic(path string) bool {
	for _, p := range r.PublicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func (r Rules) isAuthOnly(path string) bool {
	for _, p := range r.AuthOnlyPaths {
		if path == p {
			return true
		}
	}
	return false
}
