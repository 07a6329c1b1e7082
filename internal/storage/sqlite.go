package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:telewindow.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, placeholder: func(int) string { return "?" }}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS points (
			device_id TEXT NOT NULL,
			attribute_key TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (device_id, attribute_key, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			widget_id TEXT NOT NULL,
			state TEXT NOT NULL,
			series INTEGER NOT NULL,
			points INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			dropped_points INTEGER NOT NULL,
			malformed_keys INTEGER NOT NULL,
			unknown_keys INTEGER NOT NULL,
			duplicate_messages INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostics_widget ON diagnostics(widget_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
