package cache

import (
	"time"

	"fleet-dashboard/internal/domain"
)

// Patch is a transient change laid over the authoritative entries. A nil
// value removes the record with that id from reads.
type Patch struct {
	Requests map[string]*domain.RentalRequest
	Fleet    map[string]*domain.FleetItem
}

// Collections lists the collections the patch touches.
func (p Patch) Collections() []domain.Collection {
	var cols []domain.Collection
	if len(p.Requests) > 0 {
		cols = append(cols, domain.CollectionRequests)
	}
	if len(p.Fleet) > 0 {
		cols = append(cols, domain.CollectionFleet)
	}
	return cols
}

func (p *Patch) drop(c domain.Collection) {
	switch c {
	case domain.CollectionRequests:
		p.Requests = nil
	case domain.CollectionFleet:
		p.Fleet = nil
	}
}

func (p Patch) empty() bool {
	return len(p.Requests) == 0 && len(p.Fleet) == 0
}

type overlay struct {
	id          string
	patch       Patch
	confirmed   bool
	confirmedAt time.Time
}

// ApplyOverlay lays p over the read model under id. Applying the same id
// again replaces the earlier patch instead of stacking on it.
func (s *Store) ApplyOverlay(id string, p Patch) {
	s.mu.Lock()
	replaced := false
	for _, o := range s.overlays {
		if o.id == id {
			o.patch = p
			o.confirmed = false
			replaced = true
			break
		}
	}
	if !replaced {
		s.overlays = append(s.overlays, &overlay{id: id, patch: p})
	}
	s.mu.Unlock()
	s.notify()
}

// ConfirmOverlay marks the overlay as backed by a successful remote call. It
// stays visible until an authoritative read that started after this moment
// lands for each collection it touches.
func (s *Store) ConfirmOverlay(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.overlays {
		if o.id == id {
			o.confirmed = true
			o.confirmedAt = s.now()
			return
		}
	}
}

// DiscardOverlay removes an overlay, reverting reads to the authoritative value.
func (s *Store) DiscardOverlay(id string) {
	s.mu.Lock()
	for i, o := range s.overlays {
		if o.id == id {
			s.overlays = append(s.overlays[:i], s.overlays[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// PendingOverlays returns the number of overlays still laid over reads.
func (s *Store) PendingOverlays() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overlays)
}

func (s *Store) overlayRequests(page domain.RequestPage) domain.RequestPage {
	for _, o := range s.overlays {
		for id, rec := range o.patch.Requests {
			if rec == nil {
				before := len(page.Items)
				page.Items = removeRequest(page.Items, id)
				if len(page.Items) < before && page.Total > 0 {
					page.Total--
				}
				continue
			}
			page.Items = replaceRequest(page.Items, *rec)
		}
	}
	return page
}

func (s *Store) overlayFleet(items []domain.FleetItem) []domain.FleetItem {
	for _, o := range s.overlays {
		for id, item := range o.patch.Fleet {
			if item == nil {
				items = removeFleet(items, id)
				continue
			}
			items = replaceFleet(items, *item)
		}
	}
	return items
}
