package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"fleet-dashboard/internal/domain"
)

// RequestRepository is a mock for repository.RequestRepository.
type RequestRepository struct {
	mock.Mock
}

func (m *RequestRepository) FetchRequests(ctx context.Context, page, pageSize int, filters domain.RequestFilters) (domain.RequestPage, error) {
	args := m.Called(ctx, page, pageSize, filters)
	if p, ok := args.Get(0).(domain.RequestPage); ok {
		return p, args.Error(1)
	}
	return domain.RequestPage{}, args.Error(1)
}

func (m *RequestRepository) FetchFleet(ctx context.Context) ([]domain.FleetItem, error) {
	args := m.Called(ctx)
	if items, ok := args.Get(0).([]domain.FleetItem); ok {
		return items, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RequestRepository) FetchDashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	args := m.Called(ctx)
	if st, ok := args.Get(0).(domain.DashboardStats); ok {
		return st, args.Error(1)
	}
	return domain.DashboardStats{}, args.Error(1)
}

func (m *RequestRepository) Approve(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RequestRepository) Decline(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RequestRepository) Complete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RequestRepository) Reopen(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RequestRepository) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RequestRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RequestRepository) Update(ctx context.Context, id string, edit domain.RequestEdit) error {
	return m.Called(ctx, id, edit).Error(0)
}

func (m *RequestRepository) BulkUpdateStatus(ctx context.Context, ids []string, status domain.RequestStatus) error {
	return m.Called(ctx, ids, status).Error(0)
}

func (m *RequestRepository) BulkDelete(ctx context.Context, ids []string) error {
	return m.Called(ctx, ids).Error(0)
}

func (m *RequestRepository) UpdateFleetStatus(ctx context.Context, id string, status domain.FleetStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *RequestRepository) DeleteFleetItem(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
