// Package sessionctx exposes the current effective identity to application
// code. It is an observer over the credential store: every mutation (login,
// refresh, impersonation start/exit, logout) re-derives the state, and a
// watchdog enforces expiry even when no user action triggers a check. This
// is the only component application code should depend on directly.
package sessionctx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/authclient"
	"github.com/jrsteele09/go-auth-client/impersonation"
	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/rs/zerolog"
)

const defaultWatchInterval = 30 * time.Second

// State is the effective identity snapshot application code renders from.
type State struct {
	Identity        *sessions.Identity
	IsAuthenticated bool
	IsLoading       bool
}

func (s State) equal(other State) bool {
	if s.IsAuthenticated != other.IsAuthenticated || s.IsLoading != other.IsLoading {
		return false
	}
	if (s.Identity == nil) != (other.Identity == nil) {
		return false
	}
	return s.Identity == nil || *s.Identity == *other.Identity
}

// Manager aggregates credential state into an observable State. It holds no
// independent session state beyond that cache.
type Manager struct {
	store  sessions.Store
	client *authclient.Client
	broker *impersonation.Broker // optional
	log    zerolog.Logger

	nowTime       func() time.Time
	watchInterval time.Duration
	onExpired     func()

	mu       sync.Mutex
	state    State
	onChange map[int]func(State)
	nextID   int

	unsubscribe func()
	stopWatch   chan struct{}
}

// Option modifies the Manager instance.
type Option func(*Manager)

// WithBroker lets the watchdog enforce impersonation expiry.
func WithBroker(b *impersonation.Broker) Option {
	return func(m *Manager) {
		m.broker = b
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

// WithWatchInterval sets the watchdog tick. Zero disables the watchdog.
func WithWatchInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.watchInterval = d
	}
}

// WithImpersonationNotice registers the one-time "session ended" notice
// callback fired when the watchdog force-exits an expired impersonation.
func WithImpersonationNotice(fn func()) Option {
	return func(m *Manager) {
		m.onExpired = fn
	}
}

// New initializes a session context over store and client.
func New(store sessions.Store, client *authclient.Client, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("[sessionctx.New] store is required")
	}
	if client == nil {
		return nil, errors.New("[sessionctx.New] client is required")
	}

	m := &Manager{
		store:         store,
		client:        client,
		log:           zerolog.Nop(),
		nowTime:       time.Now,
		watchInterval: defaultWatchInterval,
		state:         State{IsLoading: true},
		onChange:      map[int]func(State){},
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Start reads the stored session, confirms its freshness with the backend
// when one exists, subscribes to store changes and launches the expiry
// watchdog.
func (m *Manager) Start(ctx context.Context) error {
	m.unsubscribe = m.store.Subscribe(func(sessions.Event) {
		m.rederive()
	})

	sess, err := m.store.Session()
	if err != nil {
		return err
	}
	if sess != nil {
		// Confirmation failure is not fatal here: the client has already
		// applied its clear-on-terminal-401 policy to the store, and
		// rederive below reflects whatever survived.
		if _, err := m.client.CurrentIdentity(ctx); err != nil {
			m.log.Debug().Err(err).Msg("session confirmation failed")
		}
	}
	m.rederive()

	if m.watchInterval > 0 {
		m.stopWatch = make(chan struct{})
		go m.watch()
	}
	return nil
}

// Snapshot returns the current effective identity state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers fn for state transitions. The returned function removes
// the registration.
func (m *Manager) OnChange(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.onChange[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.onChange, id)
		m.mu.Unlock()
	}
}

// Logout ends the current session; the store events it produces re-derive
// the state to unauthenticated.
func (m *Manager) Logout(ctx context.Context) error {
	return m.client.Logout(ctx)
}

// Close stops the watchdog and detaches from the store.
func (m *Manager) Close() {
	if m.stopWatch != nil {
		close(m.stopWatch)
		m.stopWatch = nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// rederive recomputes the effective identity from the store and notifies
// observers when it changed.
func (m *Manager) rederive() {
	sess, err := m.store.Session()
	if err != nil {
		m.log.Error().Err(err).Msg("read session")
		return
	}

	next := State{}
	if sess != nil {
		user := sess.User
		next.Identity = &user
		next.IsAuthenticated = true
	}

	m.mu.Lock()
	if m.state.equal(next) {
		m.mu.Unlock()
		return
	}
	m.state = next
	fns := make([]func(State), 0, len(m.onChange))
	for _, fn := range m.onChange {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

func (m *Manager) watch() {
	ticker := time.NewTicker(m.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopWatch:
			return
		case <-ticker.C:
			m.enforceExpiry()
		}
	}
}

// enforceExpiry is the no-user-action expiry path: impersonation windows are
// force-exited and expired sessions refreshed (or torn down when they
// cannot be).
func (m *Manager) enforceExpiry() {
	now := m.nowTime()

	if m.broker != nil {
		switch err := m.broker.CheckExpiry(now); {
		case errors.Is(err, impersonation.ErrImpersonationExpired):
			m.log.Info().Msg("impersonation expired, reverted to admin session")
			if m.onExpired != nil {
				m.onExpired()
			}
			return
		case err != nil:
			m.log.Error().Err(err).Msg("impersonation expiry check")
		}
	}

	sess, err := m.store.Session()
	if err != nil || sess == nil || !sess.Expired(now) {
		return
	}

	if _, err := m.client.Refresh(context.Background()); err != nil {
		m.log.Debug().Err(err).Msg("watchdog refresh failed")
		if errors.Is(err, authclient.ErrTokenExpired) {
			// Expired with no refresh token: nothing left to extend.
			if clearErr := m.store.ClearSession(); clearErr != nil {
				m.log.Error().Err(clearErr).Msg("clear expired session")
			}
		}
	}
}
