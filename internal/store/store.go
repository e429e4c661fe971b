// Package store persists sync records, connection records, conflicts,
// settings, and agent tokens in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/migrations"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *events.Logger

	now func() time.Time
}

// New opens the database at dbPath and applies pending migrations.
func New(dbPath string, logger *events.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a bounded pool avoids lock churn.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		logger: logger.WithField("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
