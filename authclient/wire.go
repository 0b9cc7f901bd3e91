package authclient

import (
	"time"

	"github.com/jrsteele09/go-auth-client/sessions"
)

// Request and response shapes mirror the backend's JSON API exactly.

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"full_name,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type userPayload struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

type authUserResponse struct {
	User    userPayload    `json:"user"`
	Session sessionPayload `json:"session"`
}

// apiError is the backend's error envelope.
type apiError struct {
	Detail string `json:"detail"`
}

func (u userPayload) identity() sessions.Identity {
	return sessions.Identity{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.FullName,
		Role:        sessions.RoleUser,
	}
}

// expiry resolves the session payload's expiry, preferring the absolute
// expires_at epoch over the relative expires_in window.
func (p sessionPayload) expiry(now time.Time) time.Time {
	if p.ExpiresAt > 0 {
		return time.Unix(p.ExpiresAt, 0)
	}
	if p.ExpiresIn > 0 {
		return now.Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

func (p sessionPayload) session(user sessions.Identity, now time.Time) *sessions.Session {
	return &sessions.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    p.expiry(now),
		User:         user,
	}
}
