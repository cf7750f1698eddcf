package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pageperm/api/internal/cache"
	"pageperm/api/internal/config"
	"pageperm/api/internal/observability"
	"pageperm/api/internal/permissions"
	"pageperm/api/internal/store"
)

func newCachedService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	return newCachedServiceWith(t, seedWorkspace())
}

func newCachedServiceWith(t *testing.T, ds DataStore) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	flagCache := cache.NewRedisCacheWithClient(client, time.Minute)
	return newTestService(ds, flagCache), mr
}

// stallingStore pauses the first single-page grant lookup of stallPage after
// reading, until release is closed, and honours context cancellation.
type stallingStore struct {
	*store.MemoryStore
	stallPage string
	reached   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (s *stallingStore) ListGrants(ctx context.Context, pageIDs []string) ([]permissions.Grant, error) {
	grants, err := s.MemoryStore.ListGrants(ctx, pageIDs)
	if s.stallPage != "" && len(pageIDs) == 1 && pageIDs[0] == s.stallPage {
		s.once.Do(func() {
			close(s.reached)
			<-s.release
		})
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return grants, err
}

func TestComputePagePermissions(t *testing.T) {
	ctx := context.Background()
	m := seedWorkspace()
	m.PutGrants(
		permissions.Grant{ID: "g-role", PageID: "root", Level: permissions.LevelEditor, Assignee: permissions.Role("editors"), Origin: permissions.OriginManual},
		permissions.Grant{ID: "g-space", PageID: "root", Level: permissions.LevelView, Assignee: permissions.Space("sp1"), Origin: permissions.OriginManual},
		permissions.Grant{ID: "g-user", PageID: "root", Level: permissions.LevelViewComment, Assignee: permissions.User("alice"), Origin: permissions.OriginManual},
	)
	svc := newTestService(m, nil)

	tests := []struct {
		name string
		user string
		want permissions.Level
	}{
		{name: "admin", user: "admin", want: permissions.LevelFullAccess},
		{name: "role member", user: "bob", want: permissions.LevelEditor},
		{name: "user grant beats space grant", user: "alice", want: permissions.LevelViewComment},
		{name: "outsider", user: "eve", want: permissions.LevelNone},
		{name: "anonymous", user: "", want: permissions.LevelNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			flags, err := svc.ComputePagePermissions(ctx, tc.user, "root")
			require.NoError(t, err)
			assert.Equal(t, permissions.FlagsFor(tc.want), flags)
		})
	}

	_, err := svc.ComputePagePermissions(ctx, "alice", "missing")
	assert.Equal(t, permissions.KindNotFound, permissions.KindOf(err))
}

func TestComputePagePermissions_CacheInvalidatedBySync(t *testing.T) {
	ctx := context.Background()
	svc, mr := newCachedService(t)

	flags, err := svc.ComputePagePermissions(ctx, "alice", "child")
	require.NoError(t, err)
	assert.False(t, flags.Read)
	assert.True(t, mr.Exists("pageperm:flags:child"))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.CacheMissesTotal))

	_, err = svc.ComputePagePermissions(ctx, "alice", "child")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.CacheHitsTotal))

	admin := Session{UserID: "admin"}
	spaceID := "sp1"
	_, err = svc.AddPagePermission(ctx, admin, "root", GrantInput{PermissionLevel: "view", SpaceID: &spaceID})
	require.NoError(t, err)
	assert.False(t, mr.Exists("pageperm:flags:child"))

	flags, err = svc.ComputePagePermissions(ctx, "alice", "child")
	require.NoError(t, err)
	assert.True(t, flags.Read)
}

func TestComputePagePermissions_ConcurrentSyncDoesNotCacheStaleFlags(t *testing.T) {
	ctx := context.Background()
	ds := &stallingStore{
		MemoryStore: seedWorkspace(),
		stallPage:   "child",
		reached:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc, mr := newCachedServiceWith(t, ds)

	type outcome struct {
		flags permissions.Flags
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		flags, err := svc.ComputePagePermissions(ctx, "alice", "child")
		done <- outcome{flags: flags, err: err}
	}()
	<-ds.reached

	spaceID := "sp1"
	_, err := svc.AddPagePermission(ctx, Session{UserID: "admin"}, "root", GrantInput{PermissionLevel: "view", SpaceID: &spaceID})
	require.NoError(t, err)
	close(ds.release)

	stale := <-done
	require.NoError(t, stale.err)
	assert.False(t, stale.flags.Read, "computed from the grants before the sync")
	assert.False(t, mr.Exists("pageperm:flags:child"))

	flags, err := svc.ComputePagePermissions(ctx, "alice", "child")
	require.NoError(t, err)
	assert.True(t, flags.Read)
}

func TestComputePagePermissions_IgnoresLeaderCancellation(t *testing.T) {
	svc := newTestService(&stallingStore{MemoryStore: seedWorkspace()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flags, err := svc.ComputePagePermissions(ctx, "alice", "root")
	require.NoError(t, err)
	assert.False(t, flags.Read)
}

func TestComputePagePermissions_CacheDownFallsBack(t *testing.T) {
	ctx := context.Background()
	svc, mr := newCachedService(t)
	mr.Close()

	flags, err := svc.ComputePagePermissions(ctx, "admin", "root")
	require.NoError(t, err)
	assert.True(t, flags.GrantPermissions)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.CacheErrorsTotal.WithLabelValues("get")))
	assert.Zero(t, testutil.ToFloat64(svc.metrics.CacheErrorsTotal.WithLabelValues("set")), "no write without a generation")
}

func TestAccessiblePageIDs_SkipsDeletedPages(t *testing.T) {
	ctx := context.Background()
	m := seedWorkspace()
	deletedAt := time.Now()
	m.PutPage(store.Page{ID: "trashed", SpaceID: "sp1", Type: store.PageTypePage, ParentID: strPtr("root"), DeletedAt: &deletedAt})
	svc := newTestService(m, nil)

	ids, err := svc.AccessiblePageIDs(ctx, "admin", "sp1")
	require.NoError(t, err)
	assert.Equal(t, []string{"child", "prop-page", "prop-sub", "root"}, ids)
}

func TestRemovePagePermission_RefusesProposalGrants(t *testing.T) {
	ctx := context.Background()
	m := seedWorkspace()
	svc := newTestService(m, nil)
	admin := Session{UserID: "admin"}

	grants, err := svc.SyncProposalPermissions(ctx, admin, "prop1")
	require.NoError(t, err)
	require.NotEmpty(t, grants)

	for _, g := range grants {
		if g.Assignee.IsPublic() {
			continue
		}
		err := svc.RemovePagePermission(ctx, admin, g.ID)
		assert.Equal(t, permissions.KindActionNotPermitted, permissions.KindOf(err), "grant %s", g.ID)
	}
}

func TestUpdateProposalStatus_AnonymousRefused(t *testing.T) {
	svc := newTestService(seedWorkspace(), nil)
	_, err := svc.UpdateProposalStatus(context.Background(), Session{}, "prop1", "discussion")
	assert.Equal(t, permissions.KindActionNotPermitted, permissions.KindOf(err))
}

func TestNew_Defaults(t *testing.T) {
	svc := New(config.Config{}, seedWorkspace(), nil, nil, nil)
	require.NotNil(t, svc.Metrics())
	assert.NoError(t, svc.Ping(context.Background()))

	svc = New(config.Config{}, seedWorkspace(), nil, observability.NewMetrics(nil), quietLogger())
	assert.Nil(t, svc.cache)
}
