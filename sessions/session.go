package sessions

import "time"

// Role distinguishes the two identity classes the backend issues tokens for.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the principal attached to a session. Identities are immutable
// once issued: a refresh replaces the whole value, it never patches fields.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
}

// Session is the token bundle for the currently active user principal.
// ExpiresAt always comes from the backend-declared TTL at issuance and is
// never extended client-side.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         Identity
}

// Expired reports whether the access token is past its declared expiry.
// Sessions without a declared expiry never report as expired.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AdminSession is the administrator counterpart of Session. It carries no
// refresh token: admin sessions are short-lived and require a full re-login
// on expiry.
type AdminSession struct {
	AccessToken string
	ExpiresAt   time.Time
	Admin       Identity
}

// Expired reports whether the admin access token is past its declared expiry.
func (s *AdminSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ImpersonationRecord tracks an admin temporarily holding a user's session.
// It is always stored together with the admin token it will restore; the
// store commits the pair atomically.
type ImpersonationRecord struct {
	TargetUserID    string
	TargetUserEmail string
	SessionID       string
	ExpiresAt       time.Time
}

// Expired reports whether the impersonation window has closed.
func (r *ImpersonationRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
