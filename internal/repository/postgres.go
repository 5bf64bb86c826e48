package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-ledger/common/database"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// pgExecutor is satisfied by both the pool and an open transaction.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func NewPostgresRepository(ctx context.Context, connString string, pc PoolConfig) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		config.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		config.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, storageErr("create connection pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storageErr("ping database", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	if err := r.pool.Ping(ctx); err != nil {
		return storageErr("ping database", err)
	}
	return nil
}

func (r *PostgresRepository) InsertRaw(ctx context.Context, source *string, payload []byte) (int64, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO raw_events (source, raw_payload, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`, source, string(payload), models.StatusReceived).Scan(&id)
	if err != nil {
		return 0, storageErr("insert raw event", err)
	}
	return id, nil
}

func (r *PostgresRepository) WithinUnit(ctx context.Context, fn func(ctx context.Context, u Unit) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return storageErr("begin unit", err)
	}

	rollback := func() error {
		rctx, cancel := database.DetachedWriteContext(ctx)
		defer cancel()
		if rbErr := tx.Rollback(rctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return storageErr("rollback unit", rbErr)
		}
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			err = errors.Join(fmt.Errorf("%w: %v", ErrUnitPanic, p), rollback())
		}
	}()

	if err := fn(ctx, &pgUnit{tx: tx}); err != nil {
		return errors.Join(err, rollback())
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit unit", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	return pgUpdateRawStatus(ctx, r.pool, id, status, errMsg)
}

func (r *PostgresRepository) GetRaw(ctx context.Context, id int64) (*models.RawSubmission, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var ev models.RawSubmission
	err := r.pool.QueryRow(ctx, `
		SELECT id, source, raw_payload, status, error_message, created_at
		FROM raw_events
		WHERE id = $1
	`, id).Scan(&ev.ID, &ev.Source, &ev.RawPayload, &ev.Status, &ev.ErrorMessage, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, storageErr("get raw event", err)
	}
	return &ev, nil
}

func (r *PostgresRepository) ListRaw(ctx context.Context) ([]*models.RawSubmission, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
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

func (r *PostgresRepository) ListNormalized(ctx context.Context) ([]*models.NormalizedEvent, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
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

func (r *PostgresRepository) Aggregate(ctx context.Context, filter models.AggregateFilter) ([]*models.AggregateRow, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	query, args := aggregateQuery(filter, func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := r.pool.Query(ctx, query, args...)
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

func (r *PostgresRepository) ListStaleReceived(ctx context.Context, olderThan time.Time) ([]int64, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id FROM raw_events
		WHERE status = $1 AND created_at < $2
		ORDER BY id
	`, models.StatusReceived, olderThan)
	if err != nil {
		return nil, storageErr("list stale raw events", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, storageErr("scan stale raw events", err)
	}
	return ids, nil
}

type pgUnit struct {
	tx pgx.Tx
}

func (u *pgUnit) InsertNormalizedIfAbsent(ctx context.Context, ev *models.NormalizedEvent) (bool, error) {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO normalized_events (event_fingerprint, client_id, metric, amount, "timestamp")
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_fingerprint) DO NOTHING
		RETURNING id, created_at
	`, ev.Fingerprint, ev.ClientID, ev.Metric, ev.Amount, ev.Timestamp).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, storageErr("insert normalized event", err)
	}
	return true, nil
}

func (u *pgUnit) UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error {
	return pgUpdateRawStatus(ctx, u.tx, id, status, errMsg)
}

func pgUpdateRawStatus(ctx context.Context, db pgExecutor, id int64, status models.Status, errMsg *string) error {
	if err := checkTarget(status); err != nil {
		return err
	}

	tag, err := db.Exec(ctx, `
		UPDATE raw_events
		SET status = $2, error_message = $3
		WHERE id = $1 AND status = $4
	`, id, status, errMsg, models.StatusReceived)
	if err != nil {
		return storageErr("update raw event status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current models.Status
	err = db.QueryRow(ctx, `SELECT status FROM raw_events WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrRowNotFound, id)
	}
	if err != nil {
		return storageErr("read raw event status", err)
	}
	return fmt.Errorf("%w: id %d is %s", ErrStatusFinal, id, current)
}
