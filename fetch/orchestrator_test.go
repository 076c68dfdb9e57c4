package fetch_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/estately/go-estate-client/cache"
	"github.com/estately/go-estate-client/fetch"
	"github.com/estately/go-estate-client/kvstore/storefakes"
)

type listing struct {
	ID string `json:"id"`
}

var errFetchFailed = errors.New("fetch failed")

type orchestratorFixture struct {
	store   *storefakes.FakeStore
	service *cache.Service
	now     time.Time
}

func setupOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		store: storefakes.NewFakeStore(),
		now:   time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}

	service, err := cache.NewService(f.store, cache.WithNowTime(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.service = service

	return f
}

func (f *orchestratorFixture) seed(t *testing.T, value listing, ttl time.Duration) {
	t.Helper()
	cache.Set(context.Background(), f.service, cache.KeyPropertyListings, value, ttl, "")
}

// blockingFetcher resolves only once release is closed, so tests control
// the ordering of fetch completion relative to assertions.
type blockingFetcher struct {
	release chan struct{}
	result  listing
	err     error

	lock  sync.Mutex
	calls int
}

func newBlockingFetcher(result listing, err error) *blockingFetcher {
	return &blockingFetcher{release: make(chan struct{}), result: result, err: err}
}

func (bf *blockingFetcher) fetch(_ context.Context) (listing, error) {
	bf.lock.Lock()
	bf.calls++
	bf.lock.Unlock()
	<-bf.release
	return bf.result, bf.err
}

func (bf *blockingFetcher) callCount() int {
	bf.lock.Lock()
	defer bf.lock.Unlock()
	return bf.calls
}

func settled[T any](o *fetch.Orchestrator[T]) func() bool {
	return func() bool {
		snap := o.Snapshot()
		return !snap.IsLoading && !snap.IsRefreshing
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	f := setupOrchestratorFixture(t)

	_, err := fetch.New[listing](nil, cache.KeyPropertyListings, cache.TTLMedium, func(context.Context) (listing, error) { return listing{}, nil })
	require.Error(t, err)

	_, err = fetch.New[listing](f.service, cache.KeyPropertyListings, cache.TTLMedium, nil)
	require.Error(t, err)
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := setupOrchestratorFixture(t)
	f.seed(t, listing{ID: "u1"}, cache.TTLMedium)

	fetcher := newBlockingFetcher(listing{ID: "u1-fresh"}, nil)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	var flipLock sync.Mutex
	var fromCacheFlips int
	lastFromCache := false
	unsubscribe := o.Subscribe(func(snap fetch.Snapshot[listing]) {
		flipLock.Lock()
		defer flipLock.Unlock()
		if snap.IsFromCache != lastFromCache {
			fromCacheFlips++
			lastFromCache = snap.IsFromCache
		}
	})
	defer unsubscribe()

	o.Load(context.Background())

	// Cached value is published before the fetcher resolves.
	snap := o.Snapshot()
	require.NotNil(t, snap.Data)
	require.Equal(t, "u1", snap.Data.ID)
	require.True(t, snap.IsFromCache)
	require.False(t, snap.IsLoading)
	require.NoError(t, snap.Err)

	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	snap = o.Snapshot()
	require.Equal(t, "u1-fresh", snap.Data.ID)
	require.False(t, snap.IsFromCache)
	require.NoError(t, snap.Err)

	flipLock.Lock()
	require.Equal(t, 2, fromCacheFlips) // false -> true -> false, exactly once each way
	flipLock.Unlock()

	// The fresh value was written back to the cache.
	cached, ok := cache.Get[listing](context.Background(), f.service, cache.KeyPropertyListings, "")
	require.True(t, ok)
	require.Equal(t, "u1-fresh", cached.ID)
}

func TestBackgroundRefreshFailureKeepsCachedView(t *testing.T) {
	f := setupOrchestratorFixture(t)
	f.seed(t, listing{ID: "u1"}, cache.TTLMedium)

	fetcher := newBlockingFetcher(listing{}, errFetchFailed)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Load(context.Background())
	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	snap := o.Snapshot()
	require.NotNil(t, snap.Data)
	require.Equal(t, "u1", snap.Data.ID)
	require.True(t, snap.IsFromCache)
	require.NoError(t, snap.Err)
}

func TestColdMissFetchesAndCaches(t *testing.T) {
	f := setupOrchestratorFixture(t)

	fetcher := newBlockingFetcher(listing{ID: "p42"}, nil)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Load(context.Background())

	snap := o.Snapshot()
	require.Nil(t, snap.Data)
	require.True(t, snap.IsLoading)

	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	snap = o.Snapshot()
	require.Equal(t, "p42", snap.Data.ID)
	require.False(t, snap.IsFromCache)
	require.NoError(t, snap.Err)

	cached, ok := cache.Get[listing](context.Background(), f.service, cache.KeyPropertyListings, "")
	require.True(t, ok)
	require.Equal(t, "p42", cached.ID)
}

func TestColdMissFailureWithStaleFallback(t *testing.T) {
	f := setupOrchestratorFixture(t)
	f.seed(t, listing{ID: "u1"}, time.Minute)
	f.now = f.now.Add(2 * time.Minute) // entry is now expired

	fetcher := newBlockingFetcher(listing{}, errFetchFailed)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Load(context.Background())
	require.True(t, o.Snapshot().IsLoading)

	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	snap := o.Snapshot()
	require.NotNil(t, snap.Data)
	require.Equal(t, "u1", snap.Data.ID)
	require.True(t, snap.IsFromCache)
	require.ErrorIs(t, snap.Err, errFetchFailed)
}

// gatedStore blocks reads on demand so tests can observe the orchestrator
// while a store round trip is in progress.
type gatedStore struct {
	*storefakes.FakeStore
	hold atomic.Bool
	gate chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{FakeStore: storefakes.NewFakeStore(), gate: make(chan struct{})}
}

func (gs *gatedStore) Get(ctx context.Context, key string) (string, bool, error) {
	if gs.hold.Load() {
		<-gs.gate
	}
	return gs.FakeStore.Get(ctx, key)
}

func TestStaleFallbackReadDoesNotBlockSnapshot(t *testing.T) {
	store := newGatedStore()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	service, err := cache.NewService(store, cache.WithNowTime(func() time.Time { return now }))
	require.NoError(t, err)

	cache.Set(context.Background(), service, cache.KeyPropertyListings, listing{ID: "u1"}, time.Minute, "")
	now = now.Add(2 * time.Minute) // entry is now expired

	fetchCalled := make(chan struct{})
	fetcher := func(context.Context) (listing, error) {
		store.hold.Store(true)
		close(fetchCalled)
		return listing{}, errFetchFailed
	}
	o, err := fetch.New(service, cache.KeyPropertyListings, cache.TTLMedium, fetcher)
	require.NoError(t, err)

	o.Load(context.Background())
	<-fetchCalled

	// The fallback read is stalled in the store; Snapshot must still return.
	done := make(chan struct{})
	go func() {
		o.Snapshot()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked behind a slow store read")
	}

	close(store.gate)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	snap := o.Snapshot()
	require.NotNil(t, snap.Data)
	require.Equal(t, "u1", snap.Data.ID)
	require.True(t, snap.IsFromCache)
	require.ErrorIs(t, snap.Err, errFetchFailed)
}

func TestColdMissFailureWithoutCache(t *testing.T) {
	f := setupOrchestratorFixture(t)

	fetcher := newBlockingFetcher(listing{}, errFetchFailed)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Load(context.Background())
	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	snap := o.Snapshot()
	require.Nil(t, snap.Data)
	require.ErrorIs(t, snap.Err, errFetchFailed)
}

func TestSecondLoadWhileInFlightIsNoOp(t *testing.T) {
	f := setupOrchestratorFixture(t)

	fetcher := newBlockingFetcher(listing{ID: "p1"}, nil)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Load(context.Background())
	o.Load(context.Background())
	o.Refresh(context.Background(), false)

	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)

	require.Equal(t, 1, fetcher.callCount())
}

func TestForcedRefreshSupersedesInFlightFetch(t *testing.T) {
	f := setupOrchestratorFixture(t)

	slow := newBlockingFetcher(listing{ID: "slow"}, nil)
	forced := newBlockingFetcher(listing{ID: "forced"}, nil)

	var lock sync.Mutex
	var calls int
	next := func(ctx context.Context) (listing, error) {
		lock.Lock()
		calls++
		bf := slow
		if calls > 1 {
			bf = forced
		}
		lock.Unlock()
		return bf.fetch(ctx)
	}

	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, next)
	require.NoError(t, err)

	o.Load(context.Background())
	require.Eventually(t, func() bool { return slow.callCount() == 1 }, time.Second, time.Millisecond)
	o.Refresh(context.Background(), true)

	// Forced result lands first and wins.
	close(forced.release)
	require.Eventually(t, func() bool {
		snap := o.Snapshot()
		return snap.Data != nil && snap.Data.ID == "forced"
	}, time.Second, time.Millisecond)

	// The superseded slow result is dropped on arrival.
	close(slow.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)
	require.Equal(t, "forced", o.Snapshot().Data.ID)
}

func TestForcedRefreshBypassesCacheFirstBranch(t *testing.T) {
	f := setupOrchestratorFixture(t)
	f.seed(t, listing{ID: "u1"}, cache.TTLMedium)

	fetcher := newBlockingFetcher(listing{ID: "u1-fresh"}, nil)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Refresh(context.Background(), true)

	snap := o.Snapshot()
	require.Nil(t, snap.Data) // no cached publish on a forced refresh
	require.True(t, snap.IsRefreshing)

	close(fetcher.release)
	require.Eventually(t, settled(o), time.Second, time.Millisecond)
	require.Equal(t, "u1-fresh", o.Snapshot().Data.ID)
}

func TestCloseDropsLateCompletionButStillCaches(t *testing.T) {
	f := setupOrchestratorFixture(t)

	fetcher := newBlockingFetcher(listing{ID: "late"}, nil)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch)
	require.NoError(t, err)

	o.Load(context.Background())
	o.Close()
	close(fetcher.release)

	require.Eventually(t, func() bool {
		_, ok := cache.Get[listing](context.Background(), f.service, cache.KeyPropertyListings, "")
		return ok
	}, time.Second, time.Millisecond)

	snap := o.Snapshot()
	require.Nil(t, snap.Data)
}

func TestBackgroundRefreshDisabled(t *testing.T) {
	f := setupOrchestratorFixture(t)
	f.seed(t, listing{ID: "u1"}, cache.TTLMedium)

	fetcher := newBlockingFetcher(listing{ID: "u1-fresh"}, nil)
	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium, fetcher.fetch,
		fetch.WithBackgroundRefresh[listing](false))
	require.NoError(t, err)

	o.Load(context.Background())

	snap := o.Snapshot()
	require.Equal(t, "u1", snap.Data.ID)
	require.True(t, snap.IsFromCache)
	require.Equal(t, 0, fetcher.callCount())
}

func TestClearCache(t *testing.T) {
	f := setupOrchestratorFixture(t)
	f.seed(t, listing{ID: "u1"}, cache.TTLMedium)

	o, err := fetch.New(f.service, cache.KeyPropertyListings, cache.TTLMedium,
		func(context.Context) (listing, error) { return listing{}, errFetchFailed },
		fetch.WithBackgroundRefresh[listing](false))
	require.NoError(t, err)

	o.Load(context.Background())
	require.NotNil(t, o.Snapshot().Data)

	require.NoError(t, o.ClearCache(context.Background()))
	require.Nil(t, o.Snapshot().Data)

	_, ok := cache.GetStale[listing](context.Background(), f.service, cache.KeyPropertyListings, "")
	require.False(t, ok)
}

func TestSuffixScopesCacheEntry(t *testing.T) {
	f := setupOrchestratorFixture(t)
	cache.Set(context.Background(), f.service, cache.KeyCommissionSummary, listing{ID: "mine"}, cache.TTLMedium, "user-1")

	o, err := fetch.New(f.service, cache.KeyCommissionSummary, cache.TTLMedium,
		func(context.Context) (listing, error) { return listing{}, errFetchFailed },
		fetch.WithSuffix[listing]("user-1"),
		fetch.WithBackgroundRefresh[listing](false))
	require.NoError(t, err)

	o.Load(context.Background())

	snap := o.Snapshot()
	require.NotNil(t, snap.Data)
	require.Equal(t, "mine", snap.Data.ID)
}
