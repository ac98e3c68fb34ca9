package postgres

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// Store implements repository.RequestRepository over the rental_requests and
// fleet_items tables.
type Store struct {
	db *sql.DB
	*RequestRepository
	*FleetRepository
	*StatsRepository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:                db,
		RequestRepository: NewRequestRepository(db),
		FleetRepository:   NewFleetRepository(db),
		StatsRepository:   NewStatsRepository(db),
	}
}

// Open connects to dsn and checks the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
