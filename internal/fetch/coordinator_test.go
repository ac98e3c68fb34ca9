package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/repository/mocks"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(opts ...Option) (*Coordinator, *mocks.RequestRepository, *cache.Store, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := cache.NewStore(cache.WithClock(clk.Now), cache.WithDurations(30*time.Second, 5*time.Minute))
	repo := new(mocks.RequestRepository)
	return New(repo, store, opts...), repo, store, clk
}

func samplePage(ids ...string) domain.RequestPage {
	page := domain.RequestPage{Total: len(ids)}
	for _, id := range ids {
		page.Items = append(page.Items, domain.RentalRequest{ID: id, Status: domain.RequestStatusPending})
	}
	return page
}

func TestCoordinator_CacheHitSkipsNetwork(t *testing.T) {
	c, repo, _, clk := setup()
	ctx := context.Background()
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).Return(samplePage("r1"), nil)

	require.NoError(t, c.Fetch(ctx, domain.CollectionRequests, false))
	repo.AssertNumberOfCalls(t, "FetchRequests", 1)

	t.Run("read at T+10s is a hit", func(t *testing.T) {
		clk.Advance(10 * time.Second)
		require.NoError(t, c.Fetch(ctx, domain.CollectionRequests, false))
		repo.AssertNumberOfCalls(t, "FetchRequests", 1)
	})

	t.Run("read at T+31s refetches", func(t *testing.T) {
		clk.Advance(21 * time.Second)
		require.NoError(t, c.Fetch(ctx, domain.CollectionRequests, false))
		repo.AssertNumberOfCalls(t, "FetchRequests", 2)
	})

	t.Run("manual refresh ignores freshness", func(t *testing.T) {
		require.NoError(t, c.Fetch(ctx, domain.CollectionRequests, true))
		repo.AssertNumberOfCalls(t, "FetchRequests", 3)
	})
}

func TestCoordinator_ConcurrentCallersShareOneRead(t *testing.T) {
	c, repo, store, _ := setup()
	gate := make(chan struct{})
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).
		Run(func(mock.Arguments) { <-gate }).
		Return(samplePage("r1", "r2"), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Fetch(context.Background(), domain.CollectionRequests, false)
		}()
	}

	assert.Eventually(t, c.Loading, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	repo.AssertNumberOfCalls(t, "FetchRequests", 1)
	e, ok := store.Requests()
	require.True(t, ok)
	assert.Equal(t, 2, e.Data.Total)
	assert.False(t, c.Loading())
}

func TestCoordinator_ConcurrentManualCallersShareOneRead(t *testing.T) {
	c, repo, store, clk := setup()
	gate := make(chan struct{})
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).
		Run(func(mock.Arguments) { <-gate }).
		Return(samplePage("r1"), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	fetch := func() {
		defer wg.Done()
		errs <- c.Fetch(context.Background(), domain.CollectionRequests, true)
	}

	wg.Add(1)
	go fetch()
	require.Eventually(t, c.Loading, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		clk.Advance(50 * time.Millisecond)
		wg.Add(1)
		go fetch()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	repo.AssertNumberOfCalls(t, "FetchRequests", 1)
	assert.True(t, store.IsFresh(domain.CollectionRequests))
}

func TestCoordinator_InvalidationDuringReadReadsAgain(t *testing.T) {
	c, repo, store, clk := setup()
	gate := make(chan struct{})
	repo.On("FetchDashboardStats", mock.Anything).
		Run(func(mock.Arguments) { <-gate }).
		Return(domain.DashboardStats{PendingRequests: 2}, nil)

	done := make(chan error, 1)
	go func() { done <- c.Fetch(context.Background(), domain.CollectionStats, false) }()
	require.Eventually(t, c.Loading, time.Second, time.Millisecond)

	clk.Advance(time.Second)
	store.MarkStale(domain.CollectionStats)
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return")
	}
	repo.AssertNumberOfCalls(t, "FetchDashboardStats", 2)
	assert.True(t, store.IsFresh(domain.CollectionStats))
	assert.False(t, store.InvalidatedAfter(domain.CollectionStats, time.Time{}))
}

func TestCoordinator_FailureKeepsPreviousValue(t *testing.T) {
	c, repo, store, clk := setup()
	ctx := context.Background()
	boom := errors.New("connection reset")

	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).Return(samplePage("r1"), nil).Once()
	repo.On("FetchFleet", mock.Anything).Return([]domain.FleetItem{{ID: "f1"}}, nil)
	repo.On("FetchDashboardStats", mock.Anything).Return(domain.DashboardStats{PendingRequests: 1}, nil)
	require.NoError(t, c.FetchAll(ctx, true))
	firstFetch := c.LastFetch()
	assert.Equal(t, clk.Now(), firstFetch)

	clk.Advance(time.Minute)
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).Return(nil, boom).Once()

	err := c.FetchAll(ctx, true)
	require.Error(t, err)

	var ferr *domain.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, domain.CollectionRequests, ferr.Collection)
	assert.ErrorIs(t, err, boom)

	e, _ := store.Requests()
	assert.Equal(t, "r1", e.Data.Items[0].ID, "previous value keeps serving")
	errs := c.Errors()
	assert.Error(t, errs[domain.CollectionRequests])
	assert.NotContains(t, errs, domain.CollectionFleet)
	assert.Len(t, errs, 1)
	repo.AssertNumberOfCalls(t, "FetchFleet", 2)
	repo.AssertNumberOfCalls(t, "FetchDashboardStats", 2)

	t.Run("next success clears the error", func(t *testing.T) {
		repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).Return(samplePage("r1"), nil).Once()
		require.NoError(t, c.Fetch(ctx, domain.CollectionRequests, true))
		assert.Empty(t, c.Errors())
	})
}

func TestCoordinator_StaleEntryRefetches(t *testing.T) {
	c, repo, store, _ := setup()
	ctx := context.Background()
	repo.On("FetchDashboardStats", mock.Anything).Return(domain.DashboardStats{}, nil)

	require.NoError(t, c.Fetch(ctx, domain.CollectionStats, false))
	require.NoError(t, c.Fetch(ctx, domain.CollectionStats, false))
	repo.AssertNumberOfCalls(t, "FetchDashboardStats", 1)

	store.MarkStale(domain.CollectionStats)
	require.NoError(t, c.Fetch(ctx, domain.CollectionStats, false))
	repo.AssertNumberOfCalls(t, "FetchDashboardStats", 2)
	assert.True(t, store.IsFresh(domain.CollectionStats))
}

func TestCoordinator_FilterSwitchDiscardsOldRead(t *testing.T) {
	c, repo, store, _ := setup()
	oldFilters := domain.RequestFilters{RequesterID: "u1"}
	newFilters := domain.RequestFilters{RequesterID: "u2"}
	store.SetFilters(oldFilters)

	gate := make(chan struct{})
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, oldFilters).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			select {
			case <-gate:
			case <-ctx.Done():
			}
		}).
		Return(samplePage("old"), nil)
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, newFilters).Return(samplePage("new"), nil)

	done := make(chan error, 1)
	go func() { done <- c.Fetch(context.Background(), domain.CollectionRequests, false) }()
	require.Eventually(t, c.Loading, time.Second, time.Millisecond)

	store.SetFilters(newFilters)
	c.CancelSuperseded()
	assert.NoError(t, <-done, "superseded reads are dropped silently")

	_, loaded := store.Requests()
	assert.False(t, loaded, "the old result never reaches the store")

	require.NoError(t, c.Fetch(context.Background(), domain.CollectionRequests, false))
	e, _ := store.Requests()
	assert.Equal(t, "new", e.Data.Items[0].ID)
	assert.Equal(t, cache.Fingerprint(newFilters), e.Fingerprint)
	close(gate)
}

func TestCoordinator_DebouncedRequestsCoalesce(t *testing.T) {
	c, repo, _, _ := setup(WithDebounce(20 * time.Millisecond))
	defer c.Stop()
	repo.On("FetchRequests", mock.Anything, 1, DefaultPageSize, domain.RequestFilters{}).Return(samplePage("r1"), nil)
	repo.On("FetchFleet", mock.Anything).Return([]domain.FleetItem{}, nil)
	repo.On("FetchDashboardStats", mock.Anything).Return(domain.DashboardStats{}, nil)

	for i := 0; i < 5; i++ {
		c.Request(i == 2)
	}

	assert.Eventually(t, func() bool {
		return !c.LastFetch().IsZero()
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	repo.AssertNumberOfCalls(t, "FetchRequests", 1)
	repo.AssertNumberOfCalls(t, "FetchFleet", 1)
}

func TestCoordinator_StopCancelsPendingDebounce(t *testing.T) {
	c, repo, _, _ := setup(WithDebounce(20 * time.Millisecond))
	c.Request(true)
	c.Stop()
	time.Sleep(60 * time.Millisecond)
	repo.AssertNotCalled(t, "FetchRequests", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	c.Request(true)
	time.Sleep(40 * time.Millisecond)
	repo.AssertNotCalled(t, "FetchFleet", mock.Anything)
}
