// Package optimistic applies dashboard actions to the read model before the
// remote store confirms them and rolls them back when it does not.
package optimistic

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
)

// PatchFunc derives an overlay from the current read model. Returning an
// error rejects the action before anything is patched or sent.
type PatchFunc func(cache.Snapshot) (cache.Patch, error)

// RemoteCall performs the mutation against the remote store.
type RemoteCall func(ctx context.Context) error

// Refresher refetches invalidated collections after a confirmed action.
type Refresher interface {
	FetchCollections(ctx context.Context, cols []domain.Collection, manual bool) error
}

type ActionStatus string

const (
	StatusApplied    ActionStatus = "applied"
	StatusConfirmed  ActionStatus = "confirmed"
	StatusRolledBack ActionStatus = "rolled_back"
)

// PendingAction records one optimistic action.
type PendingAction struct {
	ID        string            `json:"id"`
	Action    domain.ActionType `json:"action"`
	TargetIDs []string          `json:"target_ids"`
	Status    ActionStatus      `json:"status"`
	AppliedAt time.Time         `json:"applied_at"`
}

// Executor is the single writer of cache overlays.
type Executor struct {
	store     *cache.Store
	refresher Refresher
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[string]PendingAction
}

func NewExecutor(store *cache.Store, r Refresher) *Executor {
	return &Executor{
		store:     store,
		refresher: r,
		log:       logger.WithComponent("optimistic"),
		inflight:  make(map[string]PendingAction),
	}
}

// Execute runs one action:
//  1. patch is laid over the read model before remote is called;
//  2. on success the overlay is confirmed, the action's collections are
//     invalidated and refetched once;
//  3. on failure the overlay is discarded and a *domain.MutationError
//     returned; nothing is invalidated.
//
// Bulk actions pass every id at once and still get one trailing refresh.
func (e *Executor) Execute(ctx context.Context, action domain.ActionType, ids []string, patch PatchFunc, remote RemoteCall) (PendingAction, error) {
	t, err := Lookup(action)
	if err != nil {
		return PendingAction{}, err
	}
	p, err := patch(e.store.Snapshot())
	if err != nil {
		return PendingAction{}, err
	}

	pa := PendingAction{
		ID:        uuid.NewString(),
		Action:    action,
		TargetIDs: append([]string(nil), ids...),
		Status:    StatusApplied,
		AppliedAt: e.store.Now(),
	}
	e.store.ApplyOverlay(pa.ID, p)
	e.track(pa)
	defer e.untrack(pa.ID)
	e.log.Debug("Optimistic patch applied", "action", action, "targets", ids, "pending_id", pa.ID)

	if err := remote(ctx); err != nil {
		e.store.DiscardOverlay(pa.ID)
		pa.Status = StatusRolledBack
		e.log.Warn("Remote mutation failed, patch rolled back", "action", action, "targets", ids, "error", err)
		return pa, &domain.MutationError{Action: action, TargetIDs: pa.TargetIDs, Message: err.Error(), Err: err}
	}

	e.store.ConfirmOverlay(pa.ID)
	pa.Status = StatusConfirmed
	e.store.MarkStale(t.Invalidates...)
	if e.refresher != nil {
		if err := e.refresher.FetchCollections(ctx, t.Invalidates, false); err != nil {
			e.log.Warn("Refresh after mutation failed", "action", action, "error", err)
		}
	}
	e.log.Info("Action confirmed", "action", action, "targets", ids)
	return pa, nil
}

// InFlight lists actions whose remote call has not returned yet, oldest
// first. It returns nil when there are none.
func (e *Executor) InFlight() []PendingAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inflight) == 0 {
		return nil
	}
	out := make([]PendingAction, 0, len(e.inflight))
	for _, pa := range e.inflight {
		out = append(out, pa)
	}
	slices.SortFunc(out, func(a, b PendingAction) int { return a.AppliedAt.Compare(b.AppliedAt) })
	return out
}

func (e *Executor) track(pa PendingAction) {
	e.mu.Lock()
	e.inflight[pa.ID] = pa
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}
