package sessionctx_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/adminauth"
	"github.com/jrsteele09/go-auth-client/authclient"
	"github.com/jrsteele09/go-auth-client/impersonation"
	"github.com/jrsteele09/go-auth-client/internal/authtest"
	"github.com/jrsteele09/go-auth-client/sessionctx"
	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/stretchr/testify/require"
)

const (
	testUserEmail    = "john.doe@example.com"
	testUserPassword = "password123"
)

type testFixture struct {
	backend *authtest.Server
	store   *sessions.MemoryStore
	client  *authclient.Client
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	backend := authtest.New()
	t.Cleanup(backend.Close)
	backend.SeedUser(testUserEmail, testUserPassword, "John Doe")

	store := sessions.NewMemoryStore()
	t.Cleanup(store.Close)

	client, err := authclient.New(backend.URL(), store)
	require.NoError(t, err)

	return &testFixture{backend: backend, store: store, client: client}
}

func (f *testFixture) newManager(t *testing.T, options ...sessionctx.Option) *sessionctx.Manager {
	t.Helper()
	manager, err := sessionctx.New(f.store, f.client, options...)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func TestStartWithoutSession(t *testing.T) {
	f := setupTestFixture(t)
	manager := f.newManager(t, sessionctx.WithWatchInterval(0))

	require.NoError(t, manager.Start(context.Background()))

	state := manager.Snapshot()
	require.False(t, state.IsAuthenticated)
	require.False(t, state.IsLoading)
	require.Nil(t, state.Identity)
}

func TestStartConfirmsStoredSession(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.client.Login(context.Background(), testUserEmail, testUserPassword)
	require.NoError(t, err)

	// The stored access token has gone stale; Start must confirm via the
	// backend and come back authenticated through the refresh path.
	f.backend.InvalidateAccessTokens()

	manager := f.newManager(t, sessionctx.WithWatchInterval(0))
	require.NoError(t, manager.Start(context.Background()))

	state := manager.Snapshot()
	require.True(t, state.IsAuthenticated)
	require.Equal(t, testUserEmail, state.Identity.Email)
	require.Equal(t, 1, f.backend.RefreshCalls())
}

func TestStateFollowsStoreEvents(t *testing.T) {
	f := setupTestFixture(t)
	manager := f.newManager(t, sessionctx.WithWatchInterval(0))
	require.NoError(t, manager.Start(context.Background()))

	var (
		mu     sync.Mutex
		states []sessionctx.State
	)
	manager.OnChange(func(s sessionctx.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	_, err := f.client.Login(context.Background(), testUserEmail, testUserPassword)
	require.NoError(t, err)
	require.True(t, manager.Snapshot().IsAuthenticated)

	require.NoError(t, manager.Logout(context.Background()))
	require.False(t, manager.Snapshot().IsAuthenticated)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	require.True(t, states[0].IsAuthenticated)
	require.False(t, states[len(states)-1].IsAuthenticated)
}

func TestWatchdogForcesImpersonationExpiry(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.SeedAdmin("root@example.com", "admin-password-1")
	f.backend.SetImpersonationTTL(-time.Minute) // issued already expired

	adminManager, err := adminauth.New(f.backend.URL(), f.store)
	require.NoError(t, err)
	_, err = adminManager.Login(context.Background(), "root@example.com", "admin-password-1")
	require.NoError(t, err)
	adminBefore, err := f.store.AdminSession()
	require.NoError(t, err)

	broker, err := impersonation.New(f.backend.URL(), f.store)
	require.NoError(t, err)

	target := f.backend.SeedUser("alice@example.com", "password123", "Alice")
	_, err = broker.Start(context.Background(), target.ID)
	require.NoError(t, err)

	noticed := make(chan struct{}, 1)
	manager := f.newManager(t,
		sessionctx.WithBroker(broker),
		sessionctx.WithWatchInterval(10*time.Millisecond),
		sessionctx.WithImpersonationNotice(func() {
			select {
			case noticed <- struct{}{}:
			default:
			}
		}),
	)
	require.NoError(t, manager.Start(context.Background()))

	select {
	case <-noticed:
	case <-time.After(2 * time.Second):
		t.Fatal("impersonation expiry notice never fired")
	}

	require.Eventually(t, func() bool {
		return broker.State() == impersonation.Inactive
	}, 2*time.Second, 10*time.Millisecond)

	admin, err := f.store.AdminSession()
	require.NoError(t, err)
	require.Equal(t, adminBefore.AccessToken, admin.AccessToken)
}

func TestWatchdogRefreshesExpiredSession(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.client.Login(context.Background(), testUserEmail, testUserPassword)
	require.NoError(t, err)

	// Backdate the stored expiry so the watchdog sees an expired session.
	sess, err := f.store.Session()
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.SetSession(sess))

	manager := f.newManager(t, sessionctx.WithWatchInterval(10*time.Millisecond))
	require.NoError(t, manager.Start(context.Background()))

	require.Eventually(t, func() bool {
		current, err := f.store.Session()
		return err == nil && current != nil && current.ExpiresAt.After(time.Now())
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, manager.Snapshot().IsAuthenticated)
}
