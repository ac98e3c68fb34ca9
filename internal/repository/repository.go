package repository

import (
	"context"

	"fleet-dashboard/internal/domain"
)

// DashboardReader is the read surface the fetch coordinator depends on.
type DashboardReader interface {
	FetchRequests(ctx context.Context, page, pageSize int, filters domain.RequestFilters) (domain.RequestPage, error)
	FetchFleet(ctx context.Context) ([]domain.FleetItem, error)
	FetchDashboardStats(ctx context.Context) (domain.DashboardStats, error)
}

// RequestMutator holds one remote mutation per dashboard action. Status changes
// that have a fleet side effect update the linked fleet item in the same
// transaction.
type RequestMutator interface {
	Approve(ctx context.Context, id string) error
	Decline(ctx context.Context, id string) error
	Complete(ctx context.Context, id string) error
	Reopen(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Update(ctx context.Context, id string, edit domain.RequestEdit) error
	BulkUpdateStatus(ctx context.Context, ids []string, status domain.RequestStatus) error
	BulkDelete(ctx context.Context, ids []string) error
}

type FleetMutator interface {
	UpdateFleetStatus(ctx context.Context, id string, status domain.FleetStatus) error
	DeleteFleetItem(ctx context.Context, id string) error
}

// RequestRepository is everything the dashboard needs from the remote store.
type RequestRepository interface {
	DashboardReader
	RequestMutator
	FleetMutator
}
