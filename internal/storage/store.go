package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"telewindow/internal/config"
	"telewindow/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SavePoints(ctx context.Context, key model.SeriesKey, points []model.Point) error
	LoadRange(ctx context.Context, key model.SeriesKey, startTS, endTS int64) ([]model.Point, error)
	SaveDiagnostics(ctx context.Context, diag model.WidgetDiagnostics) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// baseStore carries the queries both drivers share; placeholder renders
// the n-th (1-based) bind parameter for the driver.
type baseStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) binds(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = b.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// SavePoints upserts raw samples. Points are stored per device and
// attribute; the label is widget presentation and is not persisted.
func (b *baseStore) SavePoints(ctx context.Context, key model.SeriesKey, points []model.Point) error {
	if b.db == nil || key.DeviceID == "" || key.AttributeKey == "" || len(points) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO points (device_id, attribute_key, ts, value) VALUES (`+b.binds(4)+`)
		ON CONFLICT (device_id, attribute_key, ts) DO UPDATE SET value = excluded.value`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		if p.TS < 0 || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		if _, err := stmt.ExecContext(ctx, key.DeviceID, key.AttributeKey, p.TS, p.Value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) LoadRange(ctx context.Context, key model.SeriesKey, startTS, endTS int64) ([]model.Point, error) {
	if b.db == nil {
		return nil, errors.New("storage not initialized")
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT ts, value FROM points
		WHERE device_id = `+b.placeholder(1)+` AND attribute_key = `+b.placeholder(2)+`
		AND ts >= `+b.placeholder(3)+` AND ts <= `+b.placeholder(4)+`
		ORDER BY ts ASC`,
		key.DeviceID, key.AttributeKey, startTS, endTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Point, 0)
	for rows.Next() {
		var p model.Point
		if err := rows.Scan(&p.TS, &p.Value); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveDiagnostics(ctx context.Context, diag model.WidgetDiagnostics) error {
	if b.db == nil || diag.WidgetID == "" {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO diagnostics (ts, widget_id, state, series, points, frames, dropped_points, malformed_keys, unknown_keys, duplicate_messages)
		VALUES (`+b.binds(10)+`)`,
		nowUTC(),
		diag.WidgetID,
		string(diag.State),
		diag.Series,
		diag.Points,
		diag.Frames,
		diag.DroppedPoints,
		diag.MalformedKeys,
		diag.UnknownKeys,
		diag.DuplicateMsgs,
	)
	return err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
