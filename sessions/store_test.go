package sessions_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/sessions"
	"github.com/stretchr/testify/require"
)

func testSession() *sessions.Session {
	return &sessions.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		User: sessions.Identity{
			ID:          "user-1",
			Email:       "john.doe@example.com",
			DisplayName: "John Doe",
			Role:        sessions.RoleUser,
		},
	}
}

func testAdminSession() *sessions.AdminSession {
	return &sessions.AdminSession{
		AccessToken: "admin-access-1",
		ExpiresAt:   time.Now().Add(30 * time.Minute),
		Admin: sessions.Identity{
			ID:    "admin-1",
			Email: "root@example.com",
			Role:  sessions.RoleAdmin,
		},
	}
}

// runs the suite against both store implementations
func forEachStore(t *testing.T, test func(t *testing.T, store sessions.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := sessions.NewMemoryStore()
		defer store.Close()
		test(t, store)
	})

	t.Run("bolt", func(t *testing.T) {
		store, err := sessions.NewBoltStore(filepath.Join(t.TempDir(), "credentials.db"))
		require.NoError(t, err)
		defer store.Close()
		test(t, store)
	})
}

func TestStoreEmptyByDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, store sessions.Store) {
		s, err := store.Session()
		require.NoError(t, err)
		require.Nil(t, s)

		a, err := store.AdminSession()
		require.NoError(t, err)
		require.Nil(t, a)

		rec, token, err := store.Impersonation()
		require.NoError(t, err)
		require.Nil(t, rec)
		require.Empty(t, token)
	})
}

func TestStoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store sessions.Store) {
		want := testSession()
		require.NoError(t, store.SetSession(want))

		got, err := store.Session()
		require.NoError(t, err)
		require.Equal(t, want.AccessToken, got.AccessToken)
		require.Equal(t, want.RefreshToken, got.RefreshToken)
		require.Equal(t, want.User, got.User)

		require.NoError(t, store.ClearSession())
		got, err = store.Session()
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestStoreNamespacesDoNotAlias(t *testing.T) {
	forEachStore(t, func(t *testing.T, store sessions.Store) {
		require.NoError(t, store.SetSession(testSession()))
		require.NoError(t, store.SetAdminSession(testAdminSession()))

		// Clearing the user namespace must leave the admin namespace intact.
		require.NoError(t, store.ClearSession())

		admin, err := store.AdminSession()
		require.NoError(t, err)
		require.NotNil(t, admin)
		require.Equal(t, "admin-access-1", admin.AccessToken)

		s, err := store.Session()
		require.NoError(t, err)
		require.Nil(t, s)
	})
}

func TestStoreImpersonationPairIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, store sessions.Store) {
		rec := &sessions.ImpersonationRecord{
			TargetUserID:    "user-1",
			TargetUserEmail: "john.doe@example.com",
			SessionID:       "imp-1",
			ExpiresAt:       time.Now().Add(2 * time.Hour),
		}
		require.NoError(t, store.SetImpersonation(rec, "admin-access-1"))

		gotRec, gotToken, err := store.Impersonation()
		require.NoError(t, err)
		require.NotNil(t, gotRec)
		require.Equal(t, rec.TargetUserID, gotRec.TargetUserID)
		require.Equal(t, "admin-access-1", gotToken)

		require.NoError(t, store.ClearImpersonation())
		gotRec, gotToken, err = store.Impersonation()
		require.NoError(t, err)
		require.Nil(t, gotRec)
		require.Empty(t, gotToken)
	})
}

func TestStoreClearAllEmptiesEveryNamespace(t *testing.T) {
	forEachStore(t, func(t *testing.T, store sessions.Store) {
		require.NoError(t, store.SetSession(testSession()))
		require.NoError(t, store.SetAdminSession(testAdminSession()))
		require.NoError(t, store.SetImpersonation(&sessions.ImpersonationRecord{SessionID: "imp-1"}, "admin-access-1"))

		require.NoError(t, store.ClearAll())

		s, err := store.Session()
		require.NoError(t, err)
		require.Nil(t, s)

		a, err := store.AdminSession()
		require.NoError(t, err)
		require.Nil(t, a)

		rec, token, err := store.Impersonation()
		require.NoError(t, err)
		require.Nil(t, rec)
		require.Empty(t, token)
	})
}

func TestStoreNotifiesSubscribers(t *testing.T) {
	forEachStore(t, func(t *testing.T, store sessions.Store) {
		var events []sessions.Event
		unsubscribe := store.Subscribe(func(ev sessions.Event) {
			events = append(events, ev)
		})

		require.NoError(t, store.SetSession(testSession()))
		require.NoError(t, store.ClearSession())

		require.Equal(t, []sessions.Event{
			{Namespace: sessions.NamespaceUser, Op: sessions.OpSet},
			{Namespace: sessions.NamespaceUser, Op: sessions.OpClear},
		}, events)

		unsubscribe()
		require.NoError(t, store.SetSession(testSession()))
		require.Len(t, events, 2)
	})
}

func TestStoreBroadcastReachesOtherInstances(t *testing.T) {
	broadcaster := sessions.NewLoopbackBroadcaster()

	tabA := sessions.NewMemoryStore(sessions.WithMemoryBroadcaster(broadcaster))
	defer tabA.Close()
	tabB := sessions.NewMemoryStore(sessions.WithMemoryBroadcaster(broadcaster))
	defer tabB.Close()

	var fromA, fromB []sessions.Event
	tabA.Subscribe(func(ev sessions.Event) { fromA = append(fromA, ev) })
	tabB.Subscribe(func(ev sessions.Event) { fromB = append(fromB, ev) })

	require.NoError(t, tabA.SetSession(testSession()))

	// The writer sees exactly one local notification (its broadcast echo is
	// suppressed); the other tab sees the change signal.
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)
	require.Equal(t, sessions.NamespaceUser, fromB[0].Namespace)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := sessions.NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.SetSession(testSession()))

	first, err := store.Session()
	require.NoError(t, err)
	first.AccessToken = "mutated"

	second, err := store.Session()
	require.NoError(t, err)
	require.Equal(t, "access-1", second.AccessToken)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")

	store, err := sessions.NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SetSession(testSession()))
	require.NoError(t, store.SetImpersonation(&sessions.ImpersonationRecord{SessionID: "imp-1"}, "admin-access-1"))
	require.NoError(t, store.Close())

	reopened, err := sessions.NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	s, err := reopened.Session()
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "access-1", s.AccessToken)

	rec, token, err := reopened.Impersonation()
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "imp-1", rec.SessionID)
	require.Equal(t, "admin-access-1", token)
}
