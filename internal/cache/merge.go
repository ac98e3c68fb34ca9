package cache

import (
	"time"

	"fleet-dashboard/internal/domain"
)

// ChangeKind is the kind of a record-level change reported by the push channel.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// MergeRequest applies a single-record change to the authoritative requests
// entry without a network round trip. It reports false when the change cannot
// be applied locally (nothing cached yet, or an update for a record that is
// not on the cached page) and a refetch is needed instead.
//
// Changes are resolved last-write-wins on the record's own timestamp, so any
// delivery order that preserves each record's history converges to the same
// value.
func (s *Store) MergeRequest(kind ChangeKind, rec domain.RentalRequest, at time.Time) bool {
	s.mu.Lock()
	if s.requests == nil {
		s.mu.Unlock()
		return false
	}
	page := &s.requests.Data
	applied := true
	switch kind {
	case ChangeDelete:
		s.tombstone(domain.CollectionRequests, rec.ID, at)
		before := len(page.Items)
		page.Items = removeRequest(page.Items, rec.ID)
		if len(page.Items) < before && page.Total > 0 {
			page.Total--
		}
	case ChangeInsert, ChangeUpdate:
		if s.buried(domain.CollectionRequests, rec.ID, rec.UpdatedAt) {
			break
		}
		i := indexRequest(page.Items, rec.ID)
		if i >= 0 && page.Items[i].UpdatedAt.After(rec.UpdatedAt) {
			break
		}
		switch {
		case !matches(s.filters, rec):
			if i >= 0 {
				page.Items = removeRequest(page.Items, rec.ID)
				if page.Total > 0 {
					page.Total--
				}
			}
		case i >= 0:
			page.Items[i] = rec
		case kind == ChangeInsert:
			page.Items = append([]domain.RentalRequest{rec}, page.Items...)
			page.Total++
		default:
			applied = false
		}
	default:
		applied = false
	}
	s.mu.Unlock()
	if applied {
		s.notify()
	}
	return applied
}

// MergeFleet is MergeRequest for fleet items.
func (s *Store) MergeFleet(kind ChangeKind, item domain.FleetItem, at time.Time) bool {
	s.mu.Lock()
	if s.fleet == nil {
		s.mu.Unlock()
		return false
	}
	applied := true
	switch kind {
	case ChangeDelete:
		s.tombstone(domain.CollectionFleet, item.ID, at)
		s.fleet.Data = removeFleet(s.fleet.Data, item.ID)
	case ChangeInsert, ChangeUpdate:
		if s.buried(domain.CollectionFleet, item.ID, item.UpdatedAt) {
			break
		}
		i := indexFleet(s.fleet.Data, item.ID)
		switch {
		case i >= 0 && s.fleet.Data[i].UpdatedAt.After(item.UpdatedAt):
		case i >= 0:
			s.fleet.Data[i] = item
		default:
			s.fleet.Data = append([]domain.FleetItem{item}, s.fleet.Data...)
		}
	default:
		applied = false
	}
	s.mu.Unlock()
	if applied {
		s.notify()
	}
	return applied
}

func (s *Store) tombstone(c domain.Collection, id string, at time.Time) {
	if s.tombstones[c] == nil {
		s.tombstones[c] = make(map[string]time.Time)
	}
	if prev, ok := s.tombstones[c][id]; !ok || at.After(prev) {
		s.tombstones[c][id] = at
	}
}

// buried reports whether a delete newer than updatedAt was already seen.
func (s *Store) buried(c domain.Collection, id string, updatedAt time.Time) bool {
	at, ok := s.tombstones[c][id]
	return ok && !updatedAt.After(at)
}

func matches(f domain.RequestFilters, r domain.RentalRequest) bool {
	if f.RequesterID != "" && f.RequesterID != r.RequesterID {
		return false
	}
	if f.EquipmentID != "" && f.EquipmentID != r.EquipmentID {
		return false
	}
	if f.Status != "" && f.Status != r.Status {
		return false
	}
	return true
}

func indexRequest(items []domain.RentalRequest, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// replaceRequest is the replace-by-id primitive shared by authoritative merges
// and overlays. Records that are not present are left out.
func replaceRequest(items []domain.RentalRequest, rec domain.RentalRequest) []domain.RentalRequest {
	if i := indexRequest(items, rec.ID); i >= 0 {
		items[i] = rec
	}
	return items
}

func removeRequest(items []domain.RentalRequest, id string) []domain.RentalRequest {
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

func indexFleet(items []domain.FleetItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func replaceFleet(items []domain.FleetItem, item domain.FleetItem) []domain.FleetItem {
	if i := indexFleet(items, item.ID); i >= 0 {
		items[i] = item
	}
	return items
}

func removeFleet(items []domain.FleetItem, id string) []domain.FleetItem {
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}
