// Package cache holds the last known value of each dashboard collection along
// with the metadata needed to decide whether it can be served as is.
package cache

import (
	"sync"
	"time"

	"fleet-dashboard/internal/domain"
)

const (
	DefaultCacheDuration = 30 * time.Second
	DefaultStaleDuration = 5 * time.Minute
)

// Entry wraps one cached collection.
type Entry[T any] struct {
	Data        T
	Timestamp   time.Time
	Stale       bool
	Fingerprint string
}

// Store is the single mutable resource shared by the fetch coordinator, the
// push listener and the mutation executor. Authoritative entries and transient
// overlays are kept apart; reads merge them.
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	cacheDuration time.Duration
	staleDuration time.Duration

	filters  domain.RequestFilters
	requests *Entry[domain.RequestPage]
	fleet    *Entry[[]domain.FleetItem]
	stats    *Entry[domain.DashboardStats]

	// markedAt records when a collection was last invalidated; a fetch that
	// started before that moment cannot clear the stale flag.
	markedAt   map[domain.Collection]time.Time
	tombstones map[domain.Collection]map[string]time.Time
	overlays   []*overlay

	subMu       sync.Mutex
	subscribers []func()
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDurations sets the TTL and the stale threshold. Non-positive values keep
// the defaults.
func WithDurations(cacheDuration, staleDuration time.Duration) Option {
	return func(s *Store) {
		if cacheDuration > 0 {
			s.cacheDuration = cacheDuration
		}
		if staleDuration > 0 {
			s.staleDuration = staleDuration
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		cacheDuration: DefaultCacheDuration,
		staleDuration: DefaultStaleDuration,
		markedAt:      make(map[domain.Collection]time.Time),
		tombstones:    make(map[domain.Collection]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.now() }

// OnChange registers fn to be called after every change visible to readers.
func (s *Store) OnChange(fn func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notify() {
	s.subMu.Lock()
	subs := append([]func(){}, s.subscribers...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *Store) Filters() domain.RequestFilters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters
}

// SetFilters switches the active read filters and reports whether the
// fingerprint changed. A cached page read under other filters stays in place
// but is no longer fresh.
func (s *Store) SetFilters(f domain.RequestFilters) bool {
	s.mu.Lock()
	changed := Fingerprint(f) != Fingerprint(s.filters)
	s.filters = f
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

// FilterState returns the active filters together with their fingerprint,
// read atomically.
func (s *Store) FilterState() (domain.RequestFilters, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters, Fingerprint(s.filters)
}

// ActiveFingerprint is the fingerprint a fetch of c must carry right now.
func (s *Store) ActiveFingerprint(c domain.Collection) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FingerprintFor(c, s.filters)
}

func (s *Store) Requests() (Entry[domain.RequestPage], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.requests == nil {
		return Entry[domain.RequestPage]{}, false
	}
	e := *s.requests
	e.Data = clonePage(e.Data)
	return e, true
}

func (s *Store) Fleet() (Entry[[]domain.FleetItem], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fleet == nil {
		return Entry[[]domain.FleetItem]{}, false
	}
	e := *s.fleet
	e.Data = cloneFleet(e.Data)
	return e, true
}

func (s *Store) Stats() (Entry[domain.DashboardStats], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stats == nil {
		return Entry[domain.DashboardStats]{}, false
	}
	return *s.stats, true
}

// SetRequests stores an authoritative page. It reports false and changes
// nothing when fp no longer matches the active filters, which is how results
// of fetches keyed to an old filter set are ignored.
func (s *Store) SetRequests(page domain.RequestPage, fp string, startedAt time.Time) bool {
	s.mu.Lock()
	if fp != Fingerprint(s.filters) {
		s.mu.Unlock()
		return false
	}
	s.requests = &Entry[domain.RequestPage]{
		Data:        clonePage(page),
		Timestamp:   s.now(),
		Stale:       s.staleAfter(domain.CollectionRequests, startedAt),
		Fingerprint: fp,
	}
	s.settle(domain.CollectionRequests, startedAt)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) SetFleet(items []domain.FleetItem, startedAt time.Time) bool {
	s.mu.Lock()
	s.fleet = &Entry[[]domain.FleetItem]{
		Data:        cloneFleet(items),
		Timestamp:   s.now(),
		Stale:       s.staleAfter(domain.CollectionFleet, startedAt),
		Fingerprint: unfiltered,
	}
	s.settle(domain.CollectionFleet, startedAt)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) SetStats(stats domain.DashboardStats, startedAt time.Time) bool {
	s.mu.Lock()
	s.stats = &Entry[domain.DashboardStats]{
		Data:        stats,
		Timestamp:   s.now(),
		Stale:       s.staleAfter(domain.CollectionStats, startedAt),
		Fingerprint: unfiltered,
	}
	s.settle(domain.CollectionStats, startedAt)
	s.mu.Unlock()
	s.notify()
	return true
}

// staleAfter reports whether an invalidation landed after a fetch that started
// at startedAt. Caller holds s.mu.
func (s *Store) staleAfter(c domain.Collection, startedAt time.Time) bool {
	at, ok := s.markedAt[c]
	if !ok {
		return false
	}
	if startedAt.Before(at) {
		return true
	}
	delete(s.markedAt, c)
	return false
}

// settle drops tombstones and confirmed overlay parts that an authoritative
// read started at startedAt already reflects. Caller holds s.mu.
func (s *Store) settle(c domain.Collection, startedAt time.Time) {
	for id, at := range s.tombstones[c] {
		if !at.After(startedAt) {
			delete(s.tombstones[c], id)
		}
	}
	kept := s.overlays[:0]
	for _, o := range s.overlays {
		if o.confirmed && !o.confirmedAt.After(startedAt) {
			o.patch.drop(c)
		}
		if !o.patch.empty() {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(s.overlays); i++ {
		s.overlays[i] = nil
	}
	s.overlays = kept
}

// MarkStale invalidates the given collections, or all of them when none are
// named.
func (s *Store) MarkStale(cols ...domain.Collection) {
	if len(cols) == 0 {
		cols = domain.AllCollections
	}
	s.mu.Lock()
	now := s.now()
	for _, c := range cols {
		s.markedAt[c] = now
		switch c {
		case domain.CollectionRequests:
			if s.requests != nil {
				s.requests.Stale = true
			}
		case domain.CollectionFleet:
			if s.fleet != nil {
				s.fleet.Stale = true
			}
		case domain.CollectionStats:
			if s.stats != nil {
				s.stats.Stale = true
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

// InvalidatedAfter reports whether c was marked stale after t and no read
// started since then has settled the mark.
func (s *Store) InvalidatedAfter(c domain.Collection, t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.markedAt[c]
	return ok && t.Before(at)
}

// ClearStale drops the stale flag of c so that the next write is treated as
// fully authoritative.
func (s *Store) ClearStale(c domain.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markedAt, c)
	if _, _, ok := s.meta(c); ok {
		s.setStaleFlag(c, false)
	}
}

func (s *Store) setStaleFlag(c domain.Collection, v bool) {
	switch c {
	case domain.CollectionRequests:
		s.requests.Stale = v
	case domain.CollectionFleet:
		s.fleet.Stale = v
	case domain.CollectionStats:
		s.stats.Stale = v
	}
}

// meta returns timestamp, stale flag and fingerprint presence for c. Caller
// holds s.mu.
func (s *Store) meta(c domain.Collection) (time.Time, bool, bool) {
	switch c {
	case domain.CollectionRequests:
		if s.requests != nil {
			return s.requests.Timestamp, s.requests.Stale, true
		}
	case domain.CollectionFleet:
		if s.fleet != nil {
			return s.fleet.Timestamp, s.fleet.Stale, true
		}
	case domain.CollectionStats:
		if s.stats != nil {
			return s.stats.Timestamp, s.stats.Stale, true
		}
	}
	return time.Time{}, false, false
}

func (s *Store) fingerprintOf(c domain.Collection) string {
	switch c {
	case domain.CollectionRequests:
		if s.requests != nil {
			return s.requests.Fingerprint
		}
	case domain.CollectionFleet:
		if s.fleet != nil {
			return s.fleet.Fingerprint
		}
	case domain.CollectionStats:
		if s.stats != nil {
			return s.stats.Fingerprint
		}
	}
	return ""
}

// IsFresh reports whether c can be served without a refetch: younger than the
// cache duration, not invalidated, and read under the active filters.
func (s *Store) IsFresh(c domain.Collection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, stale, ok := s.meta(c)
	if !ok || stale {
		return false
	}
	if s.fingerprintOf(c) != FingerprintFor(c, s.filters) {
		return false
	}
	return s.now().Sub(ts) < s.cacheDuration
}

// IsStale reports whether c is still servable but due for a background
// refresh.
func (s *Store) IsStale(c domain.Collection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, stale, ok := s.meta(c)
	if !ok {
		return false
	}
	return stale || s.now().Sub(ts) > s.staleDuration
}

func clonePage(p domain.RequestPage) domain.RequestPage {
	if p.Items != nil {
		p.Items = append([]domain.RentalRequest(nil), p.Items...)
	}
	return p
}

func cloneFleet(items []domain.FleetItem) []domain.FleetItem {
	if items == nil {
		return nil
	}
	return append([]domain.FleetItem(nil), items...)
}
