// Package adminauth manages the administrator identity namespace. Admin
// sessions are higher-sensitivity than user sessions: they carry no refresh
// token, never auto-extend, and any 401 or 403 clears the stored credentials
// immediately so the operator must log in again.
package adminauth

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

	"github.com/jrsteele09/go-auth-client/authclient"
	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/jrsteele09/go-auth-client/token"
	"github.com/rs/zerolog"
)

// Manager performs admin backend calls and owns the credential store's admin
// namespace.
type Manager struct {
	baseURL    string
	httpClient *http.Client
	store      sessions.Store
	log        zerolog.Logger
	nowTime    func() time.Time // injectable for testing
}

// Option modifies the Manager instance.
type Option func(*Manager)

// WithHTTPClient sets the transport used for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = hc
	}
}

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

// New initializes an admin auth manager against baseURL.
func New(baseURL string, store sessions.Store, options ...Option) (*Manager, error) {
	if baseURL == "" {
		return nil, errors.New("[adminauth.New] baseURL is required")
	}
	if store == nil {
		return nil, errors.New("[adminauth.New] store is required")
	}

	m := &Manager{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		log:        zerolog.Nop(),
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

type adminLoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	AdminID     string    `json:"admin_id"`
	Email       string    `json:"email"`
	LastLogin   time.Time `json:"last_login"`
}

// Login authenticates the administrator and stores the resulting session in
// the admin namespace. The login response declares no TTL, so expiry is read
// from the token's exp claim as a local scheduling hint.
func (m *Manager) Login(ctx context.Context, email, password string) (*sessions.AdminSession, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/admin/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /admin/login: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, authclient.ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("admin login: unexpected status %d", resp.StatusCode)
	}

	var payload adminLoginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	adminSession := &sessions.AdminSession{
		AccessToken: payload.AccessToken,
		ExpiresAt:   token.Expiry(payload.AccessToken),
		Admin: sessions.Identity{
			ID:    payload.AdminID,
			Email: payload.Email,
			Role:  sessions.RoleAdmin,
		},
	}
	if err := m.store.SetAdminSession(adminSession); err != nil {
		return nil, fmt.Errorf("store admin session: %w", err)
	}
	m.log.Info().Str("admin_id", payload.AdminID).Msg("admin logged in")
	return adminSession, nil
}

// Logout notifies the backend best-effort and clears the admin namespace
// unconditionally.
func (m *Manager) Logout(ctx context.Context) error {
	cur, err := m.store.AdminSession()
	if err == nil && cur != nil && cur.AccessToken != "" {
		if err := m.notifyLogout(ctx, cur.AccessToken); err != nil {
			m.log.Debug().Err(err).Msg("admin logout notification failed")
		}
	}
	return m.store.ClearAdminSession()
}

func (m *Manager) notifyLogout(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/admin/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// IsAuthenticated reports whether a live admin session is stored. An expired
// session is cleared on sight; there is no silent refresh for admins.
func (m *Manager) IsAuthenticated() bool {
	cur, err := m.store.AdminSession()
	if err != nil || cur == nil {
		return false
	}
	if cur.Expired(m.nowTime()) {
		if err := m.store.ClearAdminSession(); err != nil {
			m.log.Error().Err(err).Msg("clear expired admin session")
		}
		return false
	}
	return true
}

// StoredAdmin returns the stored admin session, or nil when none exists.
func (m *Manager) StoredAdmin() (*sessions.AdminSession, error) {
	return m.store.AdminSession()
}

// HandleAuthFailure applies the admin credential policy to an error from an
// authenticated admin call: 401/403 clears the namespace immediately, with
// no retry and no refresh.
func (m *Manager) HandleAuthFailure(err error) {
	if errors.Is(err, authclient.ErrUnauthorized) || errors.Is(err, authclient.ErrForbidden) {
		if clearErr := m.store.ClearAdminSession(); clearErr != nil {
			m.log.Error().Err(clearErr).Msg("clear admin session after auth failure")
		}
	}
}
