// Package dashboard is the single object the UI talks to. It owns the cache
// store and the components that keep it current, and exposes a snapshot plus
// the refresh and dispatch operations.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleet-dashboard/internal/cache"
	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/fetch"
	"fleet-dashboard/internal/logger"
	"fleet-dashboard/internal/optimistic"
	"fleet-dashboard/internal/poller"
	"fleet-dashboard/internal/push"
	"fleet-dashboard/internal/repository"
	"fleet-dashboard/internal/session"
)

// Session is what the dashboard needs from the session provider.
type Session interface {
	RequireAdmin() (session.Actor, error)
	OnChange(fn func())
}

// Config tunes the synchronization components. Zero values take each
// component's defaults.
type Config struct {
	CacheDuration    time.Duration
	StaleDuration    time.Duration
	Debounce         time.Duration
	PageSize         int
	SubscribeTimeout time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	DegradedInterval time.Duration
	LiveInterval     time.Duration
	Clock            func() time.Time
}

// Command is one dispatched action.
type Command struct {
	Action      domain.ActionType   `json:"action"`
	IDs         []string            `json:"ids"`
	Edit        *domain.RequestEdit `json:"edit,omitempty"`
	FleetStatus domain.FleetStatus  `json:"fleet_status,omitempty"`
}

// State is what the UI renders.
type State struct {
	Data          cache.Snapshot               `json:"data"`
	Loading       bool                         `json:"loading"`
	Errors        map[domain.Collection]string `json:"errors,omitempty"`
	LastFetch     time.Time                    `json:"last_fetch"`
	ChannelStatus push.Status                  `json:"channel_status"`
	ChannelError  string                       `json:"channel_error,omitempty"`
	// Pending lists actions still waiting for the remote store.
	Pending []optimistic.PendingAction `json:"pending,omitempty"`
}

type Dashboard struct {
	repo     repository.RequestRepository
	session  Session
	store    *cache.Store
	coord    *fetch.Coordinator
	listener *push.Listener
	poller   *poller.Scheduler
	executor *optimistic.Executor
	log      *slog.Logger

	mu      sync.Mutex
	mounted bool
	cancel  context.CancelFunc
}

// New wires the dashboard. ch may be nil, in which case polling is the only
// refresh source and the channel status stays degraded.
func New(repo repository.RequestRepository, ch push.Channel, sess Session, cfg Config) *Dashboard {
	storeOpts := []cache.Option{cache.WithDurations(cfg.CacheDuration, cfg.StaleDuration)}
	if cfg.Clock != nil {
		storeOpts = append(storeOpts, cache.WithClock(cfg.Clock))
	}
	store := cache.NewStore(storeOpts...)
	coord := fetch.New(repo, store, fetch.WithPageSize(cfg.PageSize), fetch.WithDebounce(cfg.Debounce))

	d := &Dashboard{
		repo:     repo,
		session:  sess,
		store:    store,
		coord:    coord,
		poller:   poller.New(coord, cfg.DegradedInterval, cfg.LiveInterval),
		executor: optimistic.NewExecutor(store, coord),
		log:      logger.WithComponent("dashboard"),
	}
	if ch != nil {
		d.listener = push.NewListener(ch, store, coord,
			push.WithSubscribeTimeout(cfg.SubscribeTimeout),
			push.WithRetry(cfg.RetryBase, cfg.RetryMax))
		d.listener.OnStatusChange(func(st push.Status) {
			d.poller.SetLive(st == push.StatusLive)
		})
	}
	if sess != nil {
		sess.OnChange(d.actorChanged)
	}
	return d
}

// Store exposes the cache store, mostly to tests and the HTTP adapter.
func (d *Dashboard) Store() *cache.Store { return d.store }

// Mount performs one forced fetch of every collection, then starts the push
// listener and the polling scheduler. Fetch failures are recorded per
// collection and do not fail the mount.
func (d *Dashboard) Mount(ctx context.Context) error {
	d.mu.Lock()
	if d.mounted {
		d.mu.Unlock()
		return nil
	}
	d.mounted = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.mu.Unlock()

	d.coord.Start()
	if err := d.coord.FetchAll(ctx, true); err != nil {
		d.log.Warn("Initial fetch incomplete, serving what loaded", "error", err)
	}
	d.poller.Start(runCtx)
	if d.listener != nil {
		d.listener.Start(runCtx)
	}
	d.log.Info("Dashboard mounted")
	return nil
}

// Unmount stops the listener, the poller, pending debounced refreshes and
// every read in flight.
func (d *Dashboard) Unmount() {
	d.mu.Lock()
	if !d.mounted {
		d.mu.Unlock()
		return
	}
	d.mounted = false
	d.cancel()
	d.mu.Unlock()

	if d.listener != nil {
		d.listener.Stop()
	}
	d.poller.Stop()
	d.coord.Stop()
	d.log.Info("Dashboard unmounted")
}

// State returns the current read model and the health of every source.
// Collections past the stale threshold are still served; reading them
// schedules a background refresh.
func (d *Dashboard) State() State {
	st := State{
		Data:          d.store.Snapshot(),
		Loading:       d.coord.Loading(),
		LastFetch:     d.coord.LastFetch(),
		ChannelStatus: push.StatusDegraded,
		Pending:       d.executor.InFlight(),
	}
	d.refreshStale()
	if errs := d.coord.Errors(); len(errs) > 0 {
		st.Errors = make(map[domain.Collection]string, len(errs))
		for c, err := range errs {
			st.Errors[c] = err.Error()
		}
	}
	if d.listener != nil {
		st.ChannelStatus = d.listener.Status()
		if err := d.listener.Err(); err != nil && st.ChannelStatus != push.StatusLive {
			st.ChannelError = err.Error()
		}
	}
	return st
}

// Refresh schedules a coalesced refresh of every collection.
func (d *Dashboard) Refresh(manual bool) {
	d.coord.Request(manual)
}

// refreshStale asks for a coalesced non-manual refresh when any mounted
// collection is past the stale threshold. Fresh collections are skipped by
// the coordinator.
func (d *Dashboard) refreshStale() {
	d.mu.Lock()
	mounted := d.mounted
	d.mu.Unlock()
	if !mounted {
		return
	}
	for _, c := range domain.AllCollections {
		if d.store.IsStale(c) {
			d.log.Debug("Serving stale data, refreshing in the background", "collection", c)
			d.coord.Request(false)
			return
		}
	}
}

// Dispatch runs one action for the dashboard's own session actor, who must be
// an administrator.
func (d *Dashboard) Dispatch(ctx context.Context, cmd Command) (optimistic.PendingAction, error) {
	if d.session == nil {
		return optimistic.PendingAction{}, domain.ErrUnauthorized
	}
	actor, err := d.session.RequireAdmin()
	if err != nil {
		d.log.Warn("Action rejected", "action", cmd.Action, "actor_id", actor.ID, "error", err)
		return optimistic.PendingAction{}, err
	}
	return d.dispatch(ctx, actor, cmd)
}

// DispatchAs runs one action on behalf of actor, typically the caller of a
// request. The dashboard's own session is left untouched.
func (d *Dashboard) DispatchAs(ctx context.Context, actor session.Actor, cmd Command) (optimistic.PendingAction, error) {
	if err := actor.Authorize(); err != nil {
		d.log.Warn("Action rejected", "action", cmd.Action, "actor_id", actor.ID, "error", err)
		return optimistic.PendingAction{}, err
	}
	return d.dispatch(ctx, actor, cmd)
}

func (d *Dashboard) dispatch(ctx context.Context, actor session.Actor, cmd Command) (optimistic.PendingAction, error) {
	patch, err := optimistic.PatchFor(cmd.Action, cmd.IDs, optimistic.Args{Edit: cmd.Edit, FleetStatus: cmd.FleetStatus})
	if err != nil {
		return optimistic.PendingAction{}, err
	}
	d.log.Info("Dispatching action", "action", cmd.Action, "targets", cmd.IDs, "actor_id", actor.ID)
	return d.executor.Execute(ctx, cmd.Action, cmd.IDs, patch, d.remoteCall(cmd))
}

// SetFilters switches the active request filters. Reads in flight for the
// previous filters are cancelled and the requests collection is read under
// the new ones. Filters are normalized first, so the cache, the fingerprint
// and the remote query all see the same values.
func (d *Dashboard) SetFilters(ctx context.Context, f domain.RequestFilters) error {
	f = f.Normalize()
	if f.Status != "" && !f.Status.Valid() {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	if f.Page < 0 {
		return &domain.ValidationError{Field: "page", Message: "page must not be negative"}
	}
	if !d.store.SetFilters(f) {
		return nil
	}
	d.coord.CancelSuperseded()
	if err := d.coord.Fetch(ctx, domain.CollectionRequests, false); err != nil {
		d.log.Debug("Fetch after filter change failed", "error", err)
	}
	return nil
}

func (d *Dashboard) remoteCall(cmd Command) optimistic.RemoteCall {
	id := ""
	if len(cmd.IDs) > 0 {
		id = cmd.IDs[0]
	}
	return func(ctx context.Context) error {
		switch cmd.Action {
		case domain.ActionApprove:
			return d.repo.Approve(ctx, id)
		case domain.ActionDecline:
			return d.repo.Decline(ctx, id)
		case domain.ActionComplete:
			return d.repo.Complete(ctx, id)
		case domain.ActionReopen:
			return d.repo.Reopen(ctx, id)
		case domain.ActionCancel:
			return d.repo.Cancel(ctx, id)
		case domain.ActionDelete:
			return d.repo.Delete(ctx, id)
		case domain.ActionEdit:
			return d.repo.Update(ctx, id, *cmd.Edit)
		case domain.ActionBulkApprove:
			return d.repo.BulkUpdateStatus(ctx, cmd.IDs, domain.RequestStatusApproved)
		case domain.ActionBulkDecline:
			return d.repo.BulkUpdateStatus(ctx, cmd.IDs, domain.RequestStatusDeclined)
		case domain.ActionBulkDelete:
			return d.repo.BulkDelete(ctx, cmd.IDs)
		case domain.ActionFleetStatus:
			return d.repo.UpdateFleetStatus(ctx, id, cmd.FleetStatus)
		case domain.ActionFleetDelete:
			return d.repo.DeleteFleetItem(ctx, id)
		}
		return fmt.Errorf("no remote call for action %q", cmd.Action)
	}
}

func (d *Dashboard) actorChanged() {
	d.mu.Lock()
	mounted := d.mounted
	d.mu.Unlock()
	if !mounted || d.listener == nil {
		return
	}
	d.listener.Restart()
}
