// Package authclient implements the stateless HTTP operations against the
// identity backend: register, login, refresh, fetch-current-identity, logout
// and password-reset-request. It owns the single-flight refresh lock and is,
// together with the impersonation broker, the only writer of the credential
// store's user namespace.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const maxResponseBytes = 1 << 20

// Client performs identity backend calls and keeps the credential store's
// user namespace in sync with their outcomes.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      sessions.Store
	log        zerolog.Logger
	validate   *validator.Validate
	nowTime    func() time.Time // injectable for testing

	// refreshGroup coalesces concurrent Refresh calls into one backend
	// request so a refresh token is never redeemed twice concurrently.
	refreshGroup singleflight.Group
}

// Option modifies the Client instance.
type Option func(*Client)

// WithHTTPClient sets the transport used for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Client) {
		c.nowTime = nowFunc
	}
}

// New initializes a Client against baseURL, storing session state in store.
func New(baseURL string, store sessions.Store, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[authclient.New] baseURL is required")
	}
	if store == nil {
		return nil, errors.New("[authclient.New] store is required")
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		log:        zerolog.Nop(),
		validate:   validator.New(),
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Register creates a new account. On success the issued session is stored
// and returned; when the backend requires email confirmation before issuing
// tokens, ErrConfirmationRequired is returned and nothing is stored.
func (c *Client) Register(ctx context.Context, email, password, fullName string) (*sessions.Session, error) {
	req := registerRequest{Email: email, Password: password, FullName: fullName}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	var resp authUserResponse
	status, detail, err := c.doJSON(ctx, http.MethodPost, "/auth/register", "", req, &resp)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(detail), "already"):
		return nil, ErrEmailTaken
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, detail)
	default:
		return nil, fmt.Errorf("register: unexpected status %d: %s", status, detail)
	}

	if resp.Session.AccessToken == "" {
		return nil, ErrConfirmationRequired
	}

	sess := resp.Session.session(resp.User.identity(), c.nowTime())
	if err := c.store.SetSession(sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	c.log.Info().Str("user_id", sess.User.ID).Msg("registered")
	return sess, nil
}

// Login exchanges credentials for a session and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (*sessions.Session, error) {
	req := loginRequest{Email: email, Password: password}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	var resp authUserResponse
	status, detail, err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", req, &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("login: unexpected status %d: %s", status, detail)
	}

	sess := resp.Session.session(resp.User.identity(), c.nowTime())
	if err := c.store.SetSession(sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	c.log.Info().Str("user_id", sess.User.ID).Msg("logged in")
	return sess, nil
}

// Refresh redeems the stored refresh token for a new session. Concurrent
// callers coalesce onto one in-flight backend call and all receive its
// result. A rejected refresh token clears the stored session before
// ErrRefreshTokenInvalid surfaces.
func (c *Client) Refresh(ctx context.Context) (*sessions.Session, error) {
	// The underlying call outlives any individual caller: abandoning the
	// wait must not cancel the exchange for the callers still sharing it.
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refreshOnce(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessions.Session), nil
}

func (c *Client) refreshOnce(ctx context.Context) (*sessions.Session, error) {
	cur, err := c.store.Session()
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNoSession
	}
	if cur.RefreshToken == "" {
		return nil, ErrTokenExpired
	}

	var payload sessionPayload
	status, detail, err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: cur.RefreshToken}, &payload)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		if clearErr := c.store.ClearSession(); clearErr != nil {
			c.log.Error().Err(clearErr).Msg("clear session after rejected refresh")
		}
		return nil, ErrRefreshTokenInvalid
	default:
		return nil, fmt.Errorf("refresh: unexpected status %d: %s", status, detail)
	}

	sess := payload.session(cur.User, c.nowTime())
	if err := c.store.SetSession(sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	c.log.Debug().Time("expires_at", sess.ExpiresAt).Msg("session refreshed")
	return sess, nil
}

// CurrentIdentity validates the stored session against the backend and
// returns the authoritative identity, applying the 401 → refresh → retry-once
// policy. The stored identity is replaced wholesale when the backend's copy
// differs.
func (c *Client) CurrentIdentity(ctx context.Context) (*sessions.Identity, error) {
	var identity *sessions.Identity
	err := c.withRefreshRetry(ctx, func(accessToken string) error {
		fetched, err := c.fetchMe(ctx, accessToken)
		if err != nil {
			return err
		}
		identity = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	cur, err := c.store.Session()
	if err == nil && cur != nil && cur.User != *identity {
		cur.User = *identity
		if err := c.store.SetSession(cur); err != nil {
			c.log.Error().Err(err).Msg("store refreshed identity")
		}
	}
	return identity, nil
}

// withRefreshRetry runs fn with the stored access token. When fn reports
// ErrUnauthorized it performs exactly one Refresh and one retry; a second
// ErrUnauthorized is terminal and clears the stored session.
func (c *Client) withRefreshRetry(ctx context.Context, fn func(accessToken string) error) error {
	cur, err := c.store.Session()
	if err != nil {
		return err
	}
	if cur == nil {
		return ErrNoSession
	}

	err = fn(cur.AccessToken)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	if _, err := c.Refresh(ctx); err != nil {
		return err
	}
	refreshed, err := c.store.Session()
	if err != nil {
		return err
	}
	if refreshed == nil {
		return ErrNoSession
	}

	err = fn(refreshed.AccessToken)
	if errors.Is(err, ErrUnauthorized) {
		if clearErr := c.store.ClearSession(); clearErr != nil {
			c.log.Error().Err(clearErr).Msg("clear session after repeated 401")
		}
	}
	return err
}

func (c *Client) fetchMe(ctx context.Context, accessToken string) (*sessions.Identity, error) {
	var user userPayload
	status, detail, err := c.doJSON(ctx, http.MethodGet, "/auth/me", accessToken, nil, &user)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		identity := user.identity()
		return &identity, nil
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusForbidden:
		return nil, ErrForbidden
	default:
		return nil, fmt.Errorf("fetch identity: unexpected status %d: %s", status, detail)
	}
}

// Logout notifies the backend best-effort and then unconditionally clears
// every credential namespace. Logout always locally succeeds.
func (c *Client) Logout(ctx context.Context) error {
	cur, err := c.store.Session()
	if err == nil && cur != nil && cur.AccessToken != "" {
		if status, _, err := c.doJSON(ctx, http.MethodPost, "/auth/logout", cur.AccessToken, nil, nil); err != nil {
			c.log.Debug().Err(err).Msg("logout notification failed")
		} else if status >= http.StatusBadRequest {
			c.log.Debug().Int("status", status).Msg("logout notification rejected")
		}
	}
	return c.store.ClearAll()
}

// RequestPasswordReset asks the backend to send a reset email. The outcome is
// always reported as success so callers cannot distinguish known from unknown
// addresses.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	req := passwordResetRequest{Email: email}
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	if status, _, err := c.doJSON(ctx, http.MethodPost, "/auth/password/reset", "", req, nil); err != nil {
		c.log.Debug().Err(err).Msg("password reset request failed")
	} else if status >= http.StatusBadRequest {
		c.log.Debug().Int("status", status).Msg("password reset request rejected")
	}
	return nil
}

// doJSON performs one backend call. The returned error covers transport and
// decoding failures only; HTTP status mapping is the caller's concern. detail
// carries the backend's error envelope on non-2xx responses.
func (c *Client) doJSON(ctx context.Context, method, path, bearer string, body, out any) (status int, detail string, err error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, "", fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, "", fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.StatusCode, "", nil
	}

	var envelope apiError
	if json.Unmarshal(data, &envelope) == nil && envelope.Detail != "" {
		return resp.StatusCode, envelope.Detail, nil
	}
	return resp.StatusCode, strings.TrimSpace(string(data)), nil
}
