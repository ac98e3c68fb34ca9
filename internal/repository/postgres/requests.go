package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"fleet-dashboard/internal/domain"
	"fleet-dashboard/internal/logger"
)

const requestColumns = `id, requester_id, COALESCE(requester_name, ''), equipment_id, start_date, end_date, status, COALESCE(notes, ''), created_at, updated_at`

type RequestRepository struct {
	db *sql.DB
}

func NewRequestRepository(db *sql.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// FetchRequests reads one page of requests matching f, newest first, plus the
// number of matching rows.
func (r *RequestRepository) FetchRequests(ctx context.Context, page, pageSize int, f domain.RequestFilters) (domain.RequestPage, error) {
	if page < 1 {
		page = 1
	}
	var where []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.RequesterID != "" {
		add("requester_id", f.RequesterID)
	}
	if f.EquipmentID != "" {
		add("equipment_id", f.EquipmentID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	from := " FROM rental_requests"
	if len(where) > 0 {
		from += " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT count(*)" + from
	logger.DatabaseCall("FetchRequests", countQuery, "page", page, "page_size", pageSize)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		logger.DatabaseResult("FetchRequests", 0, err)
		return domain.RequestPage{}, fmt.Errorf("count rental requests: %w", err)
	}

	query := fmt.Sprintf("SELECT %s%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		requestColumns, from, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.DatabaseResult("FetchRequests", 0, err)
		return domain.RequestPage{}, fmt.Errorf("list rental requests: %w", err)
	}
	defer rows.Close()

	items := []domain.RentalRequest{}
	for rows.Next() {
		var rec domain.RentalRequest
		if err := rows.Scan(&rec.ID, &rec.RequesterID, &rec.RequesterName, &rec.EquipmentID,
			&rec.StartDate, &rec.EndDate, &rec.Status, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return domain.RequestPage{}, fmt.Errorf("scan rental request: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return domain.RequestPage{}, fmt.Errorf("list rental requests: %w", err)
	}
	logger.DatabaseResult("FetchRequests", int64(len(items)), nil, "total", total)
	return domain.RequestPage{Items: items, Total: total}, nil
}

func (r *RequestRepository) Approve(ctx context.Context, id string) error {
	return r.setStatus(ctx, []string{id}, domain.RequestStatusApproved, true)
}

func (r *RequestRepository) Decline(ctx context.Context, id string) error {
	return r.setStatus(ctx, []string{id}, domain.RequestStatusDeclined, true)
}

func (r *RequestRepository) Complete(ctx context.Context, id string) error {
	return r.setStatus(ctx, []string{id}, domain.RequestStatusCompleted, true)
}

func (r *RequestRepository) Reopen(ctx context.Context, id string) error {
	return r.setStatus(ctx, []string{id}, domain.RequestStatusPending, true)
}

func (r *RequestRepository) Cancel(ctx context.Context, id string) error {
	return r.setStatus(ctx, []string{id}, domain.RequestStatusCancelled, true)
}

// BulkUpdateStatus moves every request in ids that is allowed to reach status.
// Requests in any other status are left alone.
func (r *RequestRepository) BulkUpdateStatus(ctx context.Context, ids []string, status domain.RequestStatus) error {
	if len(ids) == 0 {
		return nil
	}
	return r.setStatus(ctx, ids, status, false)
}

func (r *RequestRepository) setStatus(ctx context.Context, ids []string, to domain.RequestStatus, single bool) error {
	rule, ok := domain.StatusRules[to]
	if !ok {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", to)}
	}
	from := make([]string, len(rule.From))
	for i, st := range rule.From {
		from[i] = string(st)
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `UPDATE rental_requests SET status = $1, updated_at = now()
		          WHERE id = ANY($2) AND status = ANY($3) RETURNING id, equipment_id`
		logger.DatabaseCall("SetRequestStatus", query, "ids", ids, "status", to)
		rows, err := tx.QueryContext(ctx, query, string(to), pq.Array(ids), pq.Array(from))
		if err != nil {
			logger.DatabaseResult("SetRequestStatus", 0, err)
			return fmt.Errorf("update request status: %w", err)
		}
		var equipment []string
		var n int64
		for rows.Next() {
			var id, equipmentID string
			if err := rows.Scan(&id, &equipmentID); err != nil {
				rows.Close()
				return fmt.Errorf("scan updated request: %w", err)
			}
			n++
			equipment = append(equipment, equipmentID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("update request status: %w", err)
		}
		logger.DatabaseResult("SetRequestStatus", n, nil)

		if single && n == 0 {
			return missingOrConflict(ctx, tx, ids[0])
		}
		if rule.Fleet == "" || len(equipment) == 0 {
			return nil
		}
		fleetQuery := `UPDATE fleet_items SET status = $1, updated_at = now() WHERE id = ANY($2)`
		logger.DatabaseCall("SetFleetStatus", fleetQuery, "ids", equipment, "status", rule.Fleet)
		res, err := tx.ExecContext(ctx, fleetQuery, string(rule.Fleet), pq.Array(equipment))
		if err != nil {
			logger.DatabaseResult("SetFleetStatus", 0, err)
			return fmt.Errorf("update fleet status: %w", err)
		}
		affected, _ := res.RowsAffected()
		logger.DatabaseResult("SetFleetStatus", affected, nil)
		return nil
	})
}

// missingOrConflict explains why an update matched no row.
func missingOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rental_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("look up request %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("rental request %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("rental request %s: %w", id, domain.ErrInvalidTransition)
}

func (r *RequestRepository) Update(ctx context.Context, id string, edit domain.RequestEdit) error {
	if err := edit.Validate(); err != nil {
		return err
	}
	query := `UPDATE rental_requests SET requester_id = $1, requester_name = $2, equipment_id = $3,
	          start_date = $4, end_date = $5, notes = $6, updated_at = now() WHERE id = $7`
	logger.DatabaseCall("UpdateRequest", query, "id", id)
	res, err := r.db.ExecContext(ctx, query, edit.RequesterID, edit.RequesterName, edit.EquipmentID,
		edit.StartDate, edit.EndDate, edit.Notes, id)
	return expectRow("UpdateRequest", "rental request", id, res, err)
}

func (r *RequestRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM rental_requests WHERE id = $1`
	logger.DatabaseCall("DeleteRequest", query, "id", id)
	res, err := r.db.ExecContext(ctx, query, id)
	return expectRow("DeleteRequest", "rental request", id, res, err)
}

func (r *RequestRepository) BulkDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM rental_requests WHERE id = ANY($1)`
	logger.DatabaseCall("BulkDeleteRequests", query, "ids", ids)
	res, err := r.db.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		logger.DatabaseResult("BulkDeleteRequests", 0, err)
		return fmt.Errorf("delete rental requests: %w", err)
	}
	n, _ := res.RowsAffected()
	logger.DatabaseResult("BulkDeleteRequests", n, nil)
	return nil
}

// expectRow turns an exec result that touched no row into ErrNotFound.
func expectRow(op, kind, id string, res sql.Result, err error) error {
	if err != nil {
		logger.DatabaseResult(op, 0, err)
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	logger.DatabaseResult(op, n, nil)
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Error("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
