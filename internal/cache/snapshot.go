package cache

import (
	"time"

	"fleet-dashboard/internal/domain"
)

// EntryMeta describes one collection in a snapshot.
type EntryMeta struct {
	Loaded    bool      `json:"loaded"`
	Timestamp time.Time `json:"timestamp"`
	Fresh     bool      `json:"fresh"`
	Stale     bool      `json:"stale"`
}

// Snapshot is the read model handed to the UI: authoritative data with every
// pending overlay applied.
type Snapshot struct {
	Requests        domain.RequestPage              `json:"requests"`
	Fleet           []domain.FleetItem              `json:"fleet"`
	Stats           domain.DashboardStats           `json:"stats"`
	Filters         domain.RequestFilters           `json:"filters"`
	Meta            map[domain.Collection]EntryMeta `json:"meta"`
	PendingOverlays int                             `json:"pending_overlays"`
}

// Request returns the request with id from the snapshot.
func (s Snapshot) Request(id string) (domain.RentalRequest, bool) {
	if i := indexRequest(s.Requests.Items, id); i >= 0 {
		return s.Requests.Items[i], true
	}
	return domain.RentalRequest{}, false
}

// FleetItem returns the fleet item with id from the snapshot.
func (s Snapshot) FleetItem(id string) (domain.FleetItem, bool) {
	if i := indexFleet(s.Fleet, id); i >= 0 {
		return s.Fleet[i], true
	}
	return domain.FleetItem{}, false
}

// Snapshot builds the current read model.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Filters:         s.filters,
		Meta:            make(map[domain.Collection]EntryMeta, len(domain.AllCollections)),
		PendingOverlays: len(s.overlays),
	}
	if s.requests != nil {
		snap.Requests = s.overlayRequests(clonePage(s.requests.Data))
	}
	if s.fleet != nil {
		snap.Fleet = s.overlayFleet(cloneFleet(s.fleet.Data))
	}
	if s.stats != nil {
		snap.Stats = s.stats.Data
	}
	now := s.now()
	for _, c := range domain.AllCollections {
		ts, stale, ok := s.meta(c)
		if !ok {
			snap.Meta[c] = EntryMeta{}
			continue
		}
		snap.Meta[c] = EntryMeta{
			Loaded:    true,
			Timestamp: ts,
			Fresh: !stale && now.Sub(ts) < s.cacheDuration &&
				s.fingerprintOf(c) == FingerprintFor(c, s.filters),
			Stale: stale || now.Sub(ts) > s.staleDuration,
		}
	}
	return snap
}
