package offline

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dinoproject/dinocache/internal/cachestore"
	v2 "github.com/dinoproject/dinocache/internal/datastore/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	mu       sync.Mutex
	versions []string
}

func (c *fakeClaimer) Claim(_ context.Context, version string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, version)
	return 3, nil
}

func newStateStore(t *testing.T) *v2.StateManager {
	t.Helper()
	mgr, err := v2.NewSQLiteManager(v2.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	require.NoError(t, mgr.Initialize())
	return v2.NewStateManager(mgr.DB())
}

func TestRegistry_NoActiveManagerPassesThrough(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	resp, d := r.HandleFetch(t.Context(), get("/"))
	assert.Nil(t, resp)
	assert.Equal(t, DecisionPassthrough, d)
	assert.Equal(t, StateIdle, r.Status().State)

	_, err := r.Activate(t.Context())
	require.ErrorIs(t, err, ErrNoActiveVersion)
}

func TestRegistry_WaitThenSkipWaiting(t *testing.T) {
	t.Parallel()
	store := cachestore.NewMemoryStore()
	claimer := &fakeClaimer{}
	r := NewRegistry(WithClaimer(claimer))

	m := newTestManager(t, "dinoproject-v1", store, newFakeNetwork())
	require.NoError(t, r.Register(t.Context(), m))

	st := r.Status()
	assert.Equal(t, StateWaiting, st.State)
	assert.Equal(t, "dinoproject-v1", st.InstallingVersion)
	assert.Nil(t, r.Active())

	_, d := r.HandleFetch(t.Context(), get("/"))
	assert.Equal(t, DecisionPassthrough, d, "a waiting version does not serve fetches")

	require.NoError(t, r.SkipWaiting(t.Context()))
	st = r.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, "dinoproject-v1", st.ActiveVersion)
	assert.Empty(t, st.InstallingVersion)
	assert.NotNil(t, st.ActivatedAt)
	assert.Same(t, m, r.Active())
	assert.Equal(t, []string{"dinoproject-v1"}, claimer.versions)

	_, d = r.HandleFetch(t.Context(), get("/"))
	assert.Equal(t, DecisionHit, d)

	require.ErrorIs(t, r.SkipWaiting(t.Context()), ErrNothingWaiting)
}

func TestRegistry_SkipWaitingOnRegister(t *testing.T) {
	t.Parallel()
	store := cachestore.NewMemoryStore()
	network := newFakeNetwork()
	r := NewRegistry(WithSkipWaiting(true))

	v1 := newTestManager(t, "dinoproject-v1", store, network)
	require.NoError(t, r.Register(t.Context(), v1))
	assert.Same(t, v1, r.Active())

	v2m := newTestManager(t, "dinoproject-v2", store, network)
	require.NoError(t, r.Register(t.Context(), v2m))
	assert.Same(t, v2m, r.Active())
	assert.True(t, v1.retired.Load(), "superseded manager stops writing")

	keys, err := store.Keys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"dinoproject-v2"}, keys)

	deleted, err := r.Activate(t.Context())
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestRegistry_FailedInstallKeepsPreviousVersion(t *testing.T) {
	t.Parallel()
	store := cachestore.NewMemoryStore()
	network := newFakeNetwork()
	states := newStateStore(t)
	r := NewRegistry(WithSkipWaiting(true), WithStateStore(states))

	v1 := newTestManager(t, "dinoproject-v1", store, network)
	require.NoError(t, r.Register(t.Context(), v1))

	network.setStatus(origin+"/offline.html", http.StatusNotFound)
	v2m := newTestManager(t, "dinoproject-v2", store, network)
	err := r.Register(t.Context(), v2m)
	require.Error(t, err)

	st := r.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, "dinoproject-v1", st.ActiveVersion)
	assert.Empty(t, st.InstallingVersion)
	assert.Contains(t, st.LastError, "/offline.html")
	assert.Same(t, v1, r.Active())

	persisted, err := states.GetState()
	require.NoError(t, err)
	assert.Equal(t, "dinoproject-v1", persisted.ActiveVersion)
	assert.Contains(t, persisted.LastError, "/offline.html")

	keys, err := store.Keys(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"dinoproject-v1"}, keys)
}

func TestRegistry_FailedInstallKeepsWaitingVersion(t *testing.T) {
	t.Parallel()
	store := cachestore.NewMemoryStore()
	network := newFakeNetwork()
	states := newStateStore(t)
	r := NewRegistry(WithStateStore(states))

	v1 := newTestManager(t, "dinoproject-v1", store, network)
	require.NoError(t, r.Register(t.Context(), v1))

	network.setStatus(origin+"/offline.html", http.StatusNotFound)
	require.Error(t, r.Register(t.Context(), newTestManager(t, "dinoproject-v2", store, network)))

	st := r.Status()
	assert.Equal(t, StateWaiting, st.State)
	assert.Equal(t, "dinoproject-v1", st.InstallingVersion)
	assert.Contains(t, st.LastError, "/offline.html")
	assert.Same(t, v1, r.Installing())

	persisted, err := states.GetState()
	require.NoError(t, err)
	assert.Equal(t, "waiting", string(persisted.State))
	assert.Equal(t, "dinoproject-v1", persisted.InstallingVersion)

	require.NoError(t, r.SkipWaiting(t.Context()))
	assert.Same(t, v1, r.Active())
}

func TestRegistry_StatusDuringStalledInstall(t *testing.T) {
	t.Parallel()
	network := newFakeNetwork()
	release := network.block()
	r := NewRegistry()
	m := newTestManager(t, "dinoproject-v1", cachestore.NewMemoryStore(), network)

	done := make(chan error, 1)
	go func() { done <- r.Register(t.Context(), m) }()
	require.Eventually(t, func() bool {
		return network.callCount(origin+"/") > 0
	}, time.Second, 5*time.Millisecond)

	statusc := make(chan Status, 1)
	go func() { statusc <- r.Status() }()
	select {
	case st := <-statusc:
		assert.Equal(t, StateInstalling, st.State)
		assert.Equal(t, "dinoproject-v1", st.InstallingVersion)
	case <-time.After(time.Second):
		close(release)
		<-done
		t.Fatal("Status blocked while precache fetches were pending")
	}
	require.ErrorIs(t, r.SkipWaiting(t.Context()), ErrNothingWaiting)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateWaiting, r.Status().State)
}

func TestRegistry_RegisterActiveVersionIsNoop(t *testing.T) {
	t.Parallel()
	network := newFakeNetwork()
	r := NewRegistry(WithSkipWaiting(true))
	store := cachestore.NewMemoryStore()

	require.NoError(t, r.Register(t.Context(), newTestManager(t, "dinoproject-v1", store, network)))
	calls := network.callCount(origin + "/")

	require.NoError(t, r.Register(t.Context(), newTestManager(t, "dinoproject-v1", store, network)))
	assert.Equal(t, calls, network.callCount(origin+"/"), "no reinstall")
}

func TestRegistry_ResumeAfterRestart(t *testing.T) {
	t.Parallel()
	store := cachestore.NewMemoryStore()
	network := newFakeNetwork()
	states := newStateStore(t)

	first := NewRegistry(WithSkipWaiting(true), WithStateStore(states))
	require.NoError(t, first.Register(t.Context(), newTestManager(t, "dinoproject-v1", store, network)))

	second := NewRegistry(WithStateStore(states))
	ok, err := second.Resume(t.Context(), newTestManager(t, "dinoproject-v1", store, network))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateActive, second.Status().State)

	ok, err = NewRegistry(WithStateStore(states)).Resume(t.Context(), newTestManager(t, "dinoproject-v2", store, network))
	require.NoError(t, err)
	assert.False(t, ok, "a new version needs an install")
}

func TestRegistry_SwapUnderLoad(t *testing.T) {
	t.Parallel()
	store := cachestore.NewMemoryStore()
	network := newFakeNetwork()
	r := NewRegistry(WithSkipWaiting(true))
	require.NoError(t, r.Register(t.Context(), newTestManager(t, "dinoproject-v1", store, network)))

	var stop atomic.Bool
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for !stop.Load() {
				resp, d := r.HandleFetch(t.Context(), get("/encyclopedia"))
				if d != DecisionPassthrough {
					assert.NotNil(t, resp)
				}
			}
		})
	}

	for _, v := range []string{"dinoproject-v2", "dinoproject-v3"} {
		require.NoError(t, r.Register(t.Context(), newTestManager(t, v, store, network)))
	}
	stop.Store(true)
	wg.Wait()
	r.Wait()

	assert.Equal(t, "dinoproject-v3", r.Active().Version())
}
