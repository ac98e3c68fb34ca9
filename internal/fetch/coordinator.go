// Package fetch is the only place that reads from the remote store. It keeps at
// most one read per collection in flight, answers from the cache when it can,
// and writes authoritative results back into the cache store.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
	"fleet-dashboard/internal/repository"
)

const (
	DefaultPageSize = 50
	DefaultDebounce = 100 * time.Millisecond
)

// Coordinator serializes reads per collection and fingerprint.
type Coordinator struct {
	repo     repository.DashboardReader
	store    *cache.Store
	pageSize int
	debounce time.Duration
	log      *slog.Logger

	group singleflight.Group

	mu        sync.Mutex
	baseCtx   context.Context
	stop      context.CancelFunc
	errs      map[domain.Collection]error
	lastFetch time.Time
	inflight  map[string]flightInfo

	debMu         sync.Mutex
	timer         *time.Timer
	pendingManual bool
	stopped       bool
}

type flightInfo struct {
	collection  domain.Collection
	fingerprint string
	cancel      context.CancelFunc
}

// flight is the shared result handed to every caller that joined one read.
type flight struct {
	startedAt time.Time
}

type Option func(*Coordinator)

func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.debounce = d
		}
	}
}

func New(repo repository.DashboardReader, store *cache.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		store:    store,
		pageSize: DefaultPageSize,
		debounce: DefaultDebounce,
		log:      logger.WithComponent("fetch"),
		errs:     make(map[domain.Collection]error),
		inflight: make(map[string]flightInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Start()
	return c
}

// Start (re)arms the coordinator after Stop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.stop == nil {
		c.baseCtx, c.stop = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	c.debMu.Lock()
	c.stopped = false
	c.debMu.Unlock()
}

// Stop cancels the pending debounce timer and every read in flight.
func (c *Coordinator) Stop() {
	c.debMu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pendingManual = false
	c.debMu.Unlock()

	c.mu.Lock()
	if c.stop != nil {
		c.stop()
		c.stop = nil
	}
	c.mu.Unlock()
}

// Fetch brings one collection up to date.
//
// A non-manual call returns immediately when the cache holds fresh data for
// the active filters. A manual call always reads and clears stale flags left
// by other sources first. Concurrent callers, manual or not, share the read
// already in flight. Only when the collection was invalidated after that read
// started does the caller read once more.
func (c *Coordinator) Fetch(ctx context.Context, col domain.Collection, manual bool) error {
	if manual {
		c.store.ClearStale(col)
	} else if c.store.IsFresh(col) {
		c.log.Debug("Cache hit", "collection", col)
		return nil
	}

	f, err := c.join(ctx, col)
	if err != nil {
		return err
	}
	if c.store.InvalidatedAfter(col, f.startedAt) {
		c.log.Debug("Read predates an invalidation, reading again", "collection", col)
		_, err = c.join(ctx, col)
	}
	return err
}

// FetchCollections reads the given collections concurrently. A failure in one
// does not cancel or roll back the others; the first error is returned and
// every error is recorded per collection.
func (c *Coordinator) FetchCollections(ctx context.Context, cols []domain.Collection, manual bool) error {
	var g errgroup.Group
	for _, col := range cols {
		col := col
		g.Go(func() error {
			return c.Fetch(ctx, col, manual)
		})
	}
	return g.Wait()
}

// FetchAll refreshes requests, fleet and stats together.
func (c *Coordinator) FetchAll(ctx context.Context, manual bool) error {
	return c.FetchCollections(ctx, domain.AllCollections, manual)
}

// Request schedules a coalesced full refresh. Calls landing within the
// debounce window collapse into one; if any of them was manual, the
// coalesced refresh is manual.
func (c *Coordinator) Request(manual bool) {
	c.debMu.Lock()
	defer c.debMu.Unlock()
	if c.stopped {
		return
	}
	c.pendingManual = c.pendingManual || manual
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flush)
}

func (c *Coordinator) flush() {
	c.debMu.Lock()
	if c.stopped {
		c.debMu.Unlock()
		return
	}
	manual := c.pendingManual
	c.pendingManual = false
	c.timer = nil
	c.debMu.Unlock()

	if err := c.FetchAll(c.context(), manual); err != nil {
		c.log.Debug("Debounced refresh finished with errors", "error", err)
	}
}

// CancelSuperseded cancels reads of the requests collection keyed to a
// fingerprint other than the active one. Their results would be discarded by
// the store anyway.
func (c *Coordinator) CancelSuperseded() {
	active := c.store.ActiveFingerprint(domain.CollectionRequests)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, fi := range c.inflight {
		if fi.collection == domain.CollectionRequests && fi.fingerprint != active {
			c.log.Debug("Cancelling superseded read", "key", key)
			fi.cancel()
		}
	}
}

func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx == nil {
		return context.Background()
	}
	return c.baseCtx
}

func (c *Coordinator) join(ctx context.Context, col domain.Collection) (flight, error) {
	filters, fp := c.store.FilterState()
	if col != domain.CollectionRequests {
		fp = cache.FingerprintFor(col, filters)
	}
	key := string(col) + "|" + fp

	ch := c.group.DoChan(key, func() (any, error) {
		return c.run(col, filters, fp, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return flight{}, res.Err
		}
		return res.Val.(flight), nil
	case <-ctx.Done():
		return flight{}, ctx.Err()
	}
}

// run performs one remote read. It is detached from any single caller's
// context so that callers who joined it are not cut off when the first one
// gives up.
func (c *Coordinator) run(col domain.Collection, filters domain.RequestFilters, fp, key string) (any, error) {
	ctx, cancel := context.WithCancel(c.context())
	c.mu.Lock()
	c.inflight[key] = flightInfo{collection: col, fingerprint: fp, cancel: cancel}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		cancel()
	}()

	f := flight{startedAt: c.store.Now()}
	c.log.Debug("Remote read started", "collection", col, "fingerprint", fp)

	err := c.read(ctx, col, filters, fp, f.startedAt)
	switch {
	case err == nil:
		c.recordSuccess(col)
		return f, nil
	case c.context().Err() != nil:
		return f, err
	case errors.Is(err, errSuperseded) || (ctx.Err() != nil && c.store.ActiveFingerprint(col) != fp):
		c.log.Debug("Discarding read for superseded filters", "collection", col, "fingerprint", fp)
		return f, nil
	default:
		ferr := &domain.FetchError{Collection: col, Err: err}
		c.recordError(col, ferr)
		return f, ferr
	}
}

var errSuperseded = errors.New("filters changed while reading")

func (c *Coordinator) read(ctx context.Context, col domain.Collection, filters domain.RequestFilters, fp string, startedAt time.Time) error {
	switch col {
	case domain.CollectionRequests:
		page, err := c.repo.FetchRequests(ctx, filters.PageOrFirst(), c.pageSize, filters)
		if err != nil {
			return err
		}
		if !c.store.SetRequests(page, fp, startedAt) {
			return errSuperseded
		}
	case domain.CollectionFleet:
		items, err := c.repo.FetchFleet(ctx)
		if err != nil {
			return err
		}
		c.store.SetFleet(items, startedAt)
	case domain.CollectionStats:
		stats, err := c.repo.FetchDashboardStats(ctx)
		if err != nil {
			return err
		}
		c.store.SetStats(stats, startedAt)
	default:
		return &domain.ValidationError{Field: "collection", Message: "unknown collection " + string(col)}
	}
	return nil
}

func (c *Coordinator) recordSuccess(col domain.Collection) {
	c.mu.Lock()
	delete(c.errs, col)
	c.lastFetch = c.store.Now()
	c.mu.Unlock()
}

func (c *Coordinator) recordError(col domain.Collection, err error) {
	c.log.Warn("Remote read failed, serving cached data", "collection", col, "error", err)
	c.mu.Lock()
	c.errs[col] = err
	c.mu.Unlock()
}

// Errors returns a copy of every collection-scoped error.
func (c *Coordinator) Errors() map[domain.Collection]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.Collection]error, len(c.errs))
	for k, v := range c.errs {
		out[k] = v
	}
	return out
}

// LastFetch is the time of the last successful remote read.
func (c *Coordinator) LastFetch() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFetch
}

// Loading reports whether any remote read is in flight.
func (c *Coordinator) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) > 0
}
