// Package impersonation lets an authenticated administrator temporarily
// assume a user's identity. The broker exchanges the admin credential for a
// scoped user session, parks the admin's own token alongside an
// impersonation record (committed as one atomic pair), and restores it on
// exit. At most one impersonation can be active at a time.
package impersonation

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

var (
	// ErrAdminRequired reports a Start without an active admin session.
	ErrAdminRequired = errors.New("active admin session required")
	// ErrTargetNotFound reports an impersonation target the backend does
	// not know.
	ErrTargetNotFound = errors.New("impersonation target not found")
	// ErrImpersonationExpired reports an impersonation window that closed;
	// the broker has already reverted to the admin session when it surfaces.
	ErrImpersonationExpired = errors.New("impersonation session expired")
)

// State is the broker's lifecycle position, derived from stored state.
type State int

const (
	Inactive State = iota
	Active
	Expired
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Broker issues and retires impersonation sessions.
type Broker struct {
	baseURL    string
	httpClient *http.Client
	store      sessions.Store
	log        zerolog.Logger
	nowTime    func() time.Time // injectable for testing
}

// Option modifies the Broker instance.
type Option func(*Broker)

// WithHTTPClient sets the transport used for backend calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Broker) {
		b.httpClient = hc
	}
}

// WithLogger sets the broker logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) Option {
	return func(b *Broker) {
		b.nowTime = nowFunc
	}
}

// New initializes an impersonation broker against baseURL.
func New(baseURL string, store sessions.Store, options ...Option) (*Broker, error) {
	if baseURL == "" {
		return nil, errors.New("[impersonation.New] baseURL is required")
	}
	if store == nil {
		return nil, errors.New("[impersonation.New] store is required")
	}

	b := &Broker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		log:        zerolog.Nop(),
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b, nil
}

// State derives the lifecycle position from the stored record.
func (b *Broker) State() State {
	rec, _, err := b.store.Impersonation()
	if err != nil || rec == nil {
		return Inactive
	}
	if rec.Expired(b.nowTime()) {
		return Expired
	}
	return Active
}

// Record returns the stored impersonation record, or nil when inactive.
func (b *Broker) Record() (*sessions.ImpersonationRecord, error) {
	rec, _, err := b.store.Impersonation()
	return rec, err
}

type impersonateResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	UserEmail   string `json:"user_email"`
	AdminToken  string `json:"admin_token"`
	SessionID   string `json:"session_id"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Start exchanges the admin credential for a scoped session as targetUserID
// and installs it as the active user session. An already-active
// impersonation is force-exited first, never overwritten, so the parked
// admin token is always the original one. A failed backend call commits
// nothing.
func (b *Broker) Start(ctx context.Context, targetUserID string) (*sessions.Session, error) {
	admin, err := b.store.AdminSession()
	if err != nil {
		return nil, err
	}
	if admin == nil || admin.Expired(b.nowTime()) {
		return nil, ErrAdminRequired
	}

	if rec, _, err := b.store.Impersonation(); err == nil && rec != nil {
		if err := b.Exit(); err != nil {
			return nil, fmt.Errorf("force exit previous impersonation: %w", err)
		}
		// Exit restored the original admin token; re-read it for the
		// exchange.
		admin, err = b.store.AdminSession()
		if err != nil {
			return nil, err
		}
		if admin == nil {
			return nil, ErrAdminRequired
		}
	}

	payload, err := b.issue(ctx, admin.AccessToken, targetUserID)
	if err != nil {
		return nil, err
	}

	rec := &sessions.ImpersonationRecord{
		TargetUserID:    payload.UserID,
		TargetUserEmail: payload.UserEmail,
		SessionID:       payload.SessionID,
		ExpiresAt:       time.Unix(payload.ExpiresAt, 0),
	}
	if err := b.store.SetImpersonation(rec, admin.AccessToken); err != nil {
		return nil, fmt.Errorf("store impersonation record: %w", err)
	}

	sess := &sessions.Session{
		AccessToken: payload.AccessToken,
		ExpiresAt:   rec.ExpiresAt,
		User: sessions.Identity{
			ID:    payload.UserID,
			Email: payload.UserEmail,
			Role:  sessions.RoleUser,
		},
	}
	if err := b.store.SetSession(sess); err != nil {
		// Roll the pair back: either both the record and the session exist,
		// or neither does.
		if rbErr := b.store.ClearImpersonation(); rbErr != nil {
			b.log.Error().Err(rbErr).Msg("roll back impersonation record")
		}
		return nil, fmt.Errorf("store impersonated session: %w", err)
	}

	b.log.Info().
		Str("target_user_id", payload.UserID).
		Str("session_id", payload.SessionID).
		Msg("impersonation started")
	return sess, nil
}

func (b *Broker) issue(ctx context.Context, adminToken, targetUserID string) (*impersonateResponse, error) {
	path := "/admin/users/" + targetUserID + "/impersonate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		// Admin credential policy: clear immediately, no retry.
		if clearErr := b.store.ClearAdminSession(); clearErr != nil {
			b.log.Error().Err(clearErr).Msg("clear admin session after auth failure")
		}
		if resp.StatusCode == http.StatusForbidden {
			return nil, authclient.ErrForbidden
		}
		return nil, authclient.ErrUnauthorized
	case http.StatusNotFound:
		return nil, ErrTargetNotFound
	default:
		return nil, fmt.Errorf("impersonate: unexpected status %d", resp.StatusCode)
	}

	var payload impersonateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &payload, nil
}

// Exit restores the parked admin token and clears the impersonated session.
// Calling Exit while inactive is a no-op.
func (b *Broker) Exit() error {
	rec, originalToken, err := b.store.Impersonation()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	restored := &sessions.AdminSession{
		AccessToken: originalToken,
		ExpiresAt:   token.Expiry(originalToken),
	}
	if admin, err := b.store.AdminSession(); err == nil && admin != nil {
		restored.Admin = admin.Admin
	} else if claims, err := token.Parse(originalToken); err == nil {
		restored.Admin = sessions.Identity{ID: claims.Subject, Email: claims.Email}
	}
	restored.Admin.Role = sessions.RoleAdmin

	// Restore before clearing: an interruption between the writes leaves a
	// stale record behind, and a later Exit re-restores the same token.
	if err := b.store.SetAdminSession(restored); err != nil {
		return fmt.Errorf("restore admin session: %w", err)
	}
	if err := b.store.ClearSession(); err != nil {
		return fmt.Errorf("clear impersonated session: %w", err)
	}
	if err := b.store.ClearImpersonation(); err != nil {
		return fmt.Errorf("clear impersonation record: %w", err)
	}

	b.log.Info().Str("session_id", rec.SessionID).Msg("impersonation ended")
	return nil
}

// CheckExpiry enforces the impersonation window. Past expiry it behaves
// exactly like Exit and reports ErrImpersonationExpired once so the
// application layer can show its notice; subsequent calls are no-ops.
func (b *Broker) CheckExpiry(now time.Time) error {
	rec, _, err := b.store.Impersonation()
	if err != nil {
		return err
	}
	if rec == nil || !rec.Expired(now) {
		return nil
	}
	if err := b.Exit(); err != nil {
		return err
	}
	return ErrImpersonationExpired
}
