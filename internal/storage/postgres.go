package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/telewindow?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, placeholder: func(n int) string { return "$" + strconv.Itoa(n) }}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS points (
			device_id TEXT NOT NULL,
			attribute_key TEXT NOT NULL,
			ts BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (device_id, attribute_key, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			widget_id TEXT NOT NULL,
			state TEXT NOT NULL,
			series INTEGER NOT NULL,
			points INTEGER NOT NULL,
			frames BIGINT NOT NULL,
			dropped_points BIGINT NOT NULL,
			malformed_keys BIGINT NOT NULL,
			unknown_keys BIGINT NOT NULL,
			duplicate_messages BIGINT NOT NULL
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
