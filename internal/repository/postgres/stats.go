package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
)

type StatsRepository struct {
	db *sql.DB
}

func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// FetchDashboardStats counts requests and fleet items by status.
func (r *StatsRepository) FetchDashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	var st domain.DashboardStats

	requestQuery := `SELECT count(*) FILTER (WHERE status = $1), count(*) FILTER (WHERE status = $2) FROM rental_requests`
	logger.DatabaseCall("FetchDashboardStats", requestQuery)
	if err := r.db.QueryRowContext(ctx, requestQuery,
		string(domain.RequestStatusApproved), string(domain.RequestStatusPending),
	).Scan(&st.ActiveRentals, &st.PendingRequests); err != nil {
		logger.DatabaseResult("FetchDashboardStats", 0, err)
		return domain.DashboardStats{}, fmt.Errorf("count rental requests by status: %w", err)
	}

	fleetQuery := `SELECT count(*) FILTER (WHERE status = $1), count(*) FILTER (WHERE status = $2) FROM fleet_items`
	if err := r.db.QueryRowContext(ctx, fleetQuery,
		string(domain.FleetStatusAvailable), string(domain.FleetStatusInUse),
	).Scan(&st.FleetAvailable, &st.FleetInUse); err != nil {
		logger.DatabaseResult("FetchDashboardStats", 0, err)
		return domain.DashboardStats{}, fmt.Errorf("count fleet items by status: %w", err)
	}
	logger.DatabaseResult("FetchDashboardStats", 2, nil)
	return st, nil
}
