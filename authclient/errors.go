package authclient

import "errors"

var (
	// ErrInvalidInput reports a payload rejected before it reached the wire.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials reports a failed email/password login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken reports a registration against an existing account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrConfirmationRequired reports a registration that succeeded but
	// issued no session because the account awaits email confirmation.
	ErrConfirmationRequired = errors.New("email confirmation required")
	// ErrNoSession reports an authenticated operation with nothing stored.
	ErrNoSession = errors.New("no session")
	// ErrTokenExpired reports an access token past its expiry with no way to
	// refresh it.
	ErrTokenExpired = errors.New("token expired")
	// ErrRefreshTokenInvalid reports a refresh token the backend rejected.
	// The stored session is cleared before this surfaces.
	ErrRefreshTokenInvalid = errors.New("refresh token invalid")
	// ErrUnauthorized reports a 401 that survived the refresh-and-retry
	// policy, or any 401 on a call that does not refresh.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden reports a 403, e.g. a non-admin principal on an admin
	// endpoint.
	ErrForbidden = errors.New("forbidden")
)
