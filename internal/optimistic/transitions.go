package optimistic

import (
	"fmt"
	"slices"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
)

// Transition describes what an action does to the read model before the
// remote call confirms it, and which collections it invalidates afterwards.
type Transition struct {
	// Target is the request status the action moves to. Empty for actions
	// that do not change the status.
	Target domain.RequestStatus
	// From lists the statuses the action is allowed from. Empty means any.
	From []domain.RequestStatus
	// Fleet is the status the linked fleet item takes. Empty means untouched.
	Fleet domain.FleetStatus
	// Remove drops the targets from reads.
	Remove bool
	// Invalidates lists the collections refetched once the action succeeds.
	Invalidates []domain.Collection
}

var (
	requestsAndStats = []domain.Collection{domain.CollectionRequests, domain.CollectionStats}
	fleetAndStats    = []domain.Collection{domain.CollectionFleet, domain.CollectionStats}
)

// moveTo builds a status change from the shared lifecycle table.
func moveTo(to domain.RequestStatus) Transition {
	rule := domain.StatusRules[to]
	return Transition{Target: to, From: rule.From, Fleet: rule.Fleet, Invalidates: requestsAndStats}
}

// Transitions is the full set of dashboard actions.
var Transitions = map[domain.ActionType]Transition{
	domain.ActionApprove:     moveTo(domain.RequestStatusApproved),
	domain.ActionDecline:     moveTo(domain.RequestStatusDeclined),
	domain.ActionComplete:    moveTo(domain.RequestStatusCompleted),
	domain.ActionReopen:      moveTo(domain.RequestStatusPending),
	domain.ActionCancel:      moveTo(domain.RequestStatusCancelled),
	domain.ActionDelete:      {Remove: true, Invalidates: requestsAndStats},
	domain.ActionEdit:        {Invalidates: []domain.Collection{domain.CollectionRequests}},
	domain.ActionBulkApprove: moveTo(domain.RequestStatusApproved),
	domain.ActionBulkDecline: moveTo(domain.RequestStatusDeclined),
	domain.ActionBulkDelete:  {Remove: true, Invalidates: requestsAndStats},
	domain.ActionFleetStatus: {Invalidates: fleetAndStats},
	domain.ActionFleetDelete: {Remove: true, Invalidates: fleetAndStats},
}

// Lookup returns the transition for action.
func Lookup(action domain.ActionType) (Transition, error) {
	t, ok := Transitions[action]
	if !ok {
		return Transition{}, &domain.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}
	return t, nil
}

// IsFleetAction reports whether action targets fleet items rather than
// rental requests.
func IsFleetAction(action domain.ActionType) bool {
	return action == domain.ActionFleetStatus || action == domain.ActionFleetDelete
}

// Args carries the action-specific input of a patch.
type Args struct {
	Edit        *domain.RequestEdit
	FleetStatus domain.FleetStatus
}

// PatchFor builds the patch function of action over ids. Targets that are not
// part of the snapshot are left to the remote call and the trailing refresh.
func PatchFor(action domain.ActionType, ids []string, args Args) (PatchFunc, error) {
	t, err := Lookup(action)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &domain.ValidationError{Field: "ids", Message: "at least one target is required"}
	}
	if !action.IsBulk() && len(ids) > 1 {
		return nil, &domain.ValidationError{Field: "ids", Message: fmt.Sprintf("%s takes a single target", action)}
	}

	switch {
	case IsFleetAction(action):
		return fleetPatch(t, ids, args)
	case action == domain.ActionEdit:
		if args.Edit == nil {
			return nil, &domain.ValidationError{Field: "edit", Message: "edit payload is required"}
		}
		if err := args.Edit.Validate(); err != nil {
			return nil, err
		}
		edit := *args.Edit
		return func(snap cache.Snapshot) (cache.Patch, error) {
			p := cache.Patch{Requests: map[string]*domain.RentalRequest{}}
			if rec, ok := snap.Request(ids[0]); ok {
				next := edit.Apply(rec)
				p.Requests[rec.ID] = &next
			}
			return p, nil
		}, nil
	default:
		return requestPatch(action, t, ids), nil
	}
}

func requestPatch(action domain.ActionType, t Transition, ids []string) PatchFunc {
	return func(snap cache.Snapshot) (cache.Patch, error) {
		p := cache.Patch{Requests: map[string]*domain.RentalRequest{}}
		for _, id := range ids {
			rec, ok := snap.Request(id)
			if !ok {
				continue
			}
			if t.Remove {
				p.Requests[id] = nil
				continue
			}
			if len(t.From) > 0 && !slices.Contains(t.From, rec.Status) {
				return cache.Patch{}, &domain.ValidationError{
					Field:   "status",
					Message: fmt.Sprintf("cannot %s request %s in status %s", action, id, rec.Status),
				}
			}
			rec.Status = t.Target
			p.Requests[id] = &rec

			if t.Fleet == "" {
				continue
			}
			if item, ok := snap.FleetItem(rec.EquipmentID); ok {
				item.Status = t.Fleet
				if p.Fleet == nil {
					p.Fleet = map[string]*domain.FleetItem{}
				}
				p.Fleet[item.ID] = &item
			}
		}
		return p, nil
	}
}

func fleetPatch(t Transition, ids []string, args Args) (PatchFunc, error) {
	if !t.Remove && !args.FleetStatus.Valid() {
		return nil, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown fleet status %q", args.FleetStatus)}
	}
	id := ids[0]
	return func(snap cache.Snapshot) (cache.Patch, error) {
		p := cache.Patch{Fleet: map[string]*domain.FleetItem{}}
		item, ok := snap.FleetItem(id)
		if !ok {
			return p, nil
		}
		if t.Remove {
			p.Fleet[id] = nil
			return p, nil
		}
		item.Status = args.FleetStatus
		p.Fleet[id] = &item
		return p, nil
	}, nil
}
