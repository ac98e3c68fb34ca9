package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
)

// foreignKeyViolation is the SQLSTATE of a delete blocked by a referencing row.
const foreignKeyViolation = "23503"

type FleetRepository struct {
	db *sql.DB
}

func NewFleetRepository(db *sql.DB) *FleetRepository {
	return &FleetRepository{db: db}
}

func (r *FleetRepository) FetchFleet(ctx context.Context) ([]domain.FleetItem, error) {
	query := `SELECT id, name, status, metadata, updated_at FROM fleet_items ORDER BY name, id`
	logger.DatabaseCall("FetchFleet", query)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		logger.DatabaseResult("FetchFleet", 0, err)
		return nil, fmt.Errorf("list fleet items: %w", err)
	}
	defer rows.Close()

	items := []domain.FleetItem{}
	for rows.Next() {
		var item domain.FleetItem
		var metadata []byte
		if err := rows.Scan(&item.ID, &item.Name, &item.Status, &metadata, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan fleet item: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("fleet item %s metadata: %w", item.ID, err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fleet items: %w", err)
	}
	logger.DatabaseResult("FetchFleet", int64(len(items)), nil)
	return items, nil
}

func (r *FleetRepository) UpdateFleetStatus(ctx context.Context, id string, status domain.FleetStatus) error {
	if !status.Valid() {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown fleet status %q", status)}
	}
	query := `UPDATE fleet_items SET status = $1, updated_at = now() WHERE id = $2`
	logger.DatabaseCall("UpdateFleetStatus", query, "id", id, "status", status)
	res, err := r.db.ExecContext(ctx, query, string(status), id)
	return expectRow("UpdateFleetStatus", "fleet item", id, res, err)
}

// DeleteFleetItem removes an item no rental request refers to.
func (r *FleetRepository) DeleteFleetItem(ctx context.Context, id string) error {
	query := `DELETE FROM fleet_items WHERE id = $1`
	logger.DatabaseCall("DeleteFleetItem", query, "id", id)
	res, err := r.db.ExecContext(ctx, query, id)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		logger.DatabaseResult("DeleteFleetItem", 0, err)
		return fmt.Errorf("fleet item %s: %w", id, domain.ErrInUse)
	}
	return expectRow("DeleteFleetItem", "fleet item", id, res, err)
}
