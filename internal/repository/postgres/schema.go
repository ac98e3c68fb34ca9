package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"fleet-dashboard/internal/logger"
)

//go:embed schema.sql
var schema string

// Migrate creates the dashboard tables and the change notification triggers.
// It is safe to run against an existing database.
func Migrate(ctx context.Context, db *sql.DB) error {
	logger.DatabaseCall("Migrate", "schema.sql")
	if _, err := db.ExecContext(ctx, schema); err != nil {
		logger.DatabaseResult("Migrate", 0, err)
		return fmt.Errorf("apply schema: %w", err)
	}
	logger.DatabaseResult("Migrate", 0, nil)
	return nil
}
