package authclient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/authclient"
	"github.com/jrsteele09/go-auth-client/internal/authtest"
	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/stretchr/testify/require"
)

const (
	testUserEmail    = "john.doe@example.com"
	testUserPassword = "password123"
	testUserName     = "John Doe"
)

// testFixture holds all test dependencies
type testFixture struct {
	backend *authtest.Server
	store   *sessions.MemoryStore
	client  *authclient.Client
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	backend := authtest.New()
	t.Cleanup(backend.Close)

	store := sessions.NewMemoryStore()
	t.Cleanup(store.Close)

	client, err := authclient.New(backend.URL(), store)
	require.NoError(t, err)

	return &testFixture{backend: backend, store: store, client: client}
}

func (f *testFixture) login(t *testing.T) *sessions.Session {
	t.Helper()
	f.backend.SeedUser(testUserEmail, testUserPassword, testUserName)
	sess, err := f.client.Login(context.Background(), testUserEmail, testUserPassword)
	require.NoError(t, err)
	return sess
}

func TestLoginStoresSession(t *testing.T) {
	f := setupTestFixture(t)

	sess := f.login(t)
	require.NotEmpty(t, sess.AccessToken)
	require.NotEmpty(t, sess.RefreshToken)
	require.Equal(t, testUserEmail, sess.User.Email)
	require.Equal(t, sessions.RoleUser, sess.User.Role)
	require.True(t, sess.ExpiresAt.After(time.Now()))

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Equal(t, sess.AccessToken, stored.AccessToken)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.SeedUser(testUserEmail, testUserPassword, testUserName)

	_, err := f.client.Login(context.Background(), testUserEmail, "wrong-password")
	require.ErrorIs(t, err, authclient.ErrInvalidCredentials)

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestRegisterStoresSession(t *testing.T) {
	f := setupTestFixture(t)

	sess, err := f.client.Register(context.Background(), testUserEmail, testUserPassword, testUserName)
	require.NoError(t, err)
	require.Equal(t, testUserName, sess.User.DisplayName)

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestRegisterEmailTaken(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.SeedUser(testUserEmail, testUserPassword, testUserName)

	_, err := f.client.Register(context.Background(), testUserEmail, testUserPassword, testUserName)
	require.ErrorIs(t, err, authclient.ErrEmailTaken)
}

func TestRegisterRejectsInvalidInputLocally(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.client.Register(context.Background(), "not-an-email", testUserPassword, testUserName)
	require.ErrorIs(t, err, authclient.ErrInvalidInput)

	_, err = f.client.Register(context.Background(), testUserEmail, "short", testUserName)
	require.ErrorIs(t, err, authclient.ErrInvalidInput)
}

func TestRegisterConfirmationPending(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.SetRequireConfirmation(true)

	_, err := f.client.Register(context.Background(), testUserEmail, testUserPassword, testUserName)
	require.ErrorIs(t, err, authclient.ErrConfirmationRequired)

	// Nothing stored until the account can actually hold a session.
	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestRefreshRotatesSession(t *testing.T) {
	f := setupTestFixture(t)
	old := f.login(t)

	refreshed, err := f.client.Refresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, old.AccessToken, refreshed.AccessToken)
	require.Equal(t, old.User, refreshed.User)

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Equal(t, refreshed.AccessToken, stored.AccessToken)
}

func TestRefreshWithoutSession(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.client.Refresh(context.Background())
	require.ErrorIs(t, err, authclient.ErrNoSession)
}

func TestRefreshInvalidTokenClearsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.backend.SetFailRefresh(true)

	_, err := f.client.Refresh(context.Background())
	require.ErrorIs(t, err, authclient.ErrRefreshTokenInvalid)

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Nil(t, stored)
}

// The central concurrency contract: N concurrent refreshes produce exactly
// one backend call, and every caller receives that call's tokens.
func TestRefreshIsSingleFlight(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.backend.SetRefreshDelay(150 * time.Millisecond)

	const callers = 20
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		mu     sync.Mutex
		tokens = map[string]int{}
		errs   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sess, err := f.client.Refresh(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			tokens[sess.AccessToken]++
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, f.backend.RefreshCalls())
	require.Len(t, tokens, 1)
	for _, n := range tokens {
		require.Equal(t, callers, n)
	}
}

func TestCurrentIdentityRefreshesOnceOn401(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.backend.InvalidateAccessTokens()

	identity, err := f.client.CurrentIdentity(context.Background())
	require.NoError(t, err)
	require.Equal(t, testUserEmail, identity.Email)
	require.Equal(t, 1, f.backend.RefreshCalls())
}

func TestCurrentIdentitySecond401ClearsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.backend.SetFailMe(true)

	_, err := f.client.CurrentIdentity(context.Background())
	require.ErrorIs(t, err, authclient.ErrUnauthorized)
	require.Equal(t, 1, f.backend.RefreshCalls())

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestLogoutClearsEveryNamespaceEvenWhenBackendFails(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	require.NoError(t, f.store.SetAdminSession(&sessions.AdminSession{AccessToken: "admin-token"}))
	require.NoError(t, f.store.SetImpersonation(&sessions.ImpersonationRecord{SessionID: "imp-1"}, "admin-token"))
	f.backend.SetFailLogout(true)

	require.NoError(t, f.client.Logout(context.Background()))

	stored, err := f.store.Session()
	require.NoError(t, err)
	require.Nil(t, stored)

	admin, err := f.store.AdminSession()
	require.NoError(t, err)
	require.Nil(t, admin)

	rec, token, err := f.store.Impersonation()
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Empty(t, token)
}

func TestPasswordResetNeverLeaksExistence(t *testing.T) {
	f := setupTestFixture(t)
	f.backend.SeedUser(testUserEmail, testUserPassword, testUserName)

	require.NoError(t, f.client.RequestPasswordReset(context.Background(), testUserEmail))
	require.NoError(t, f.client.RequestPasswordReset(context.Background(), "nobody@example.com"))
}
