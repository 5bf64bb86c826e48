package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/telhawk-systems/telhawk-ledger/common/database"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository stores events in a single SQLite file. All access goes
// through one connection, so writes are serialized.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository opens (or creates) the database at path. Use ":memory:"
// for a throwaway store.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, storageErr("open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr("ping sqlite database", err)
	}

	return NewSQLiteRepositoryFromDB(db), nil
}

// NewSQLiteRepositoryFromDB wraps an already opened handle.
func NewSQLiteRepositoryFromDB(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB exposes the handle for schema migration.
func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLiteRepository) Close() {
	r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	if err := r.db.PingContext(ctx); err != nil {
		return storageErr("ping sqlite database", err)
	}
	return nil
}

func (r *SQLiteRepository) InsertRaw(ctx context.Context, source *string, payload []byte) (int64, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO raw_events (source, raw_payload, status, created_at)
		VALUES (?, ?, ?, ?)
	`, source, string(payload), models.StatusReceived, r.now())
	if err != nil {
		return 0, storageErr("insert raw event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("read raw event id", err)
	}
	return id, nil
}

func (r *SQLiteRepository) WithinUnit(ctx context.Context, fn func(ctx context.Context, u Unit) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin unit", err)
	}

	rollback := func() error {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return storageErr("rollback unit", rbErr)
		}
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(fmt.Errorf("%w: %v", ErrUnitPanic, p), rollback())
		}
	}()

	if err := fn(ctx, &sqliteUnit{tx: tx, now: r.now}); err != nil {
		return errors.Join(err, rollback())
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit unit", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	return sqliteUpdateRawStatus(ctx, r.db, id, status, errMsg)
}

func (r *SQLiteRepository) GetRaw(ctx context.Context, id int64) (*models.RawSubmission, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var ev models.RawSubmission
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source, raw_payload, status, error_message, created_at
		FROM raw_events
		WHERE id = ?
	`, id).Scan(&ev.ID, &ev.Source, &ev.RawPayload, &ev.Status, &ev.ErrorMessage, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, storageErr("get raw event", err)
	}
	return &ev, nil
}

func (r *SQLiteRepository) ListRaw(ctx context.Context) ([]*models.RawSubmission, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, raw_payload, status, error_message, created_at
		FROM raw_events
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, storageErr("list raw events", err)
	}
	defer rows.Close()

	events := []*models.RawSubmission{}
	for rows.Next() {
		var ev models.RawSubmission
		if err := rows.Scan(&ev.ID, &ev.Source, &ev.RawPayload, &ev.Status, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, storageErr("scan raw event", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate raw events", err)
	}
	return events, nil
}

func (r *SQLiteRepository) ListNormalized(ctx context.Context) ([]*models.NormalizedEvent, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_fingerprint, client_id, metric, amount, "timestamp", created_at
		FROM normalized_events
		ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("list normalized events", err)
	}
	defer rows.Close()

	events := []*models.NormalizedEvent{}
	for rows.Next() {
		var ev models.NormalizedEvent
		if err := rows.Scan(&ev.ID, &ev.Fingerprint, &ev.ClientID, &ev.Metric, &ev.Amount, &ev.Timestamp, &ev.CreatedAt); err != nil {
			return nil, storageErr("scan normalized event", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate normalized events", err)
	}
	return events, nil
}

func (r *SQLiteRepository) Aggregate(ctx context.Context, filter models.AggregateFilter) ([]*models.AggregateRow, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query, args := aggregateQuery(filter, func(int) string { return "?" })
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("aggregate normalized events", err)
	}
	defer rows.Close()

	result := []*models.AggregateRow{}
	for rows.Next() {
		var row models.AggregateRow
		if err := rows.Scan(&row.ClientID, &row.Count, &row.Total); err != nil {
			return nil, storageErr("scan aggregate row", err)
		}
		result = append(result, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate aggregate rows", err)
	}
	return result, nil
}

func (r *SQLiteRepository) ListStaleReceived(ctx context.Context, olderThan time.Time) ([]int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM raw_events
		WHERE status = ? AND created_at < ?
		ORDER BY id
	`, models.StatusReceived, olderThan.UTC())
	if err != nil {
		return nil, storageErr("list stale raw events", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan stale raw event", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate stale raw events", err)
	}
	return ids, nil
}

type sqliteUnit struct {
	tx  *sql.Tx
	now func() time.Time
}

func (u *sqliteUnit) InsertNormalizedIfAbsent(ctx context.Context, ev *models.NormalizedEvent) (bool, error) {
	createdAt := u.now()
	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO normalized_events (event_fingerprint, client_id, metric, amount, "timestamp", created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_fingerprint) DO NOTHING
	`, ev.Fingerprint, ev.ClientID, ev.Metric, ev.Amount, ev.Timestamp, createdAt)
	if err != nil {
		return false, storageErr("insert normalized event", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("read normalized insert result", err)
	}
	if n == 0 {
		return false, nil
	}

	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	ev.CreatedAt = createdAt
	return true, nil
}

func (u *sqliteUnit) UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error {
	return sqliteUpdateRawStatus(ctx, u.tx, id, status, errMsg)
}

func sqliteUpdateRawStatus(ctx context.Context, db sqlExecutor, id int64, status models.Status, errMsg *string) error {
	if err := checkTarget(status); err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE raw_events
		SET status = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, status, errMsg, id, models.StatusReceived)
	if err != nil {
		return storageErr("update raw event status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("read status update result", err)
	}
	if n > 0 {
		return nil
	}

	var current models.Status
	err = db.QueryRowContext(ctx, `SELECT status FROM raw_events WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrRowNotFound, id)
	}
	if err != nil {
		return storageErr("read raw event status", err)
	}
	return fmt.Errorf("%w: id %d is %s", ErrStatusFinal, id, current)
}
