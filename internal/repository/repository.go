// Package repository is the ledger's event store: raw submissions, normalized
// events and the atomic unit that ties a normalized insert to its status update.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

var (
	// ErrStorageUnavailable wraps every failure to reach or use the backing store.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRowNotFound is returned when a raw submission id does not exist.
	ErrRowNotFound = errors.New("raw event not found")
	// ErrStatusFinal is returned when a raw submission already left RECEIVED.
	ErrStatusFinal = errors.New("raw event already in a terminal status")
	// ErrInvalidStatus is returned for a status update that is not terminal.
	ErrInvalidStatus = errors.New("invalid target status")
	// ErrUnitPanic is returned when the function run inside a unit panics.
	ErrUnitPanic = errors.New("atomic unit panicked")
)

// Repository is implemented by the Postgres and SQLite stores.
type Repository interface {
	// InsertRaw records a submission with status RECEIVED and commits it on its own.
	InsertRaw(ctx context.Context, source *string, payload []byte) (int64, error)

	// WithinUnit runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back on an error or a panic.
	WithinUnit(ctx context.Context, fn func(ctx context.Context, u Unit) error) error

	// UpdateRawStatus moves a RECEIVED submission to a terminal status outside any unit.
	UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error

	GetRaw(ctx context.Context, id int64) (*models.RawSubmission, error)
	ListRaw(ctx context.Context) ([]*models.RawSubmission, error)
	ListNormalized(ctx context.Context) ([]*models.NormalizedEvent, error)
	Aggregate(ctx context.Context, filter models.AggregateFilter) ([]*models.AggregateRow, error)

	// ListStaleReceived returns ids of submissions still RECEIVED and created before olderThan.
	ListStaleReceived(ctx context.Context, olderThan time.Time) ([]int64, error)

	Ping(ctx context.Context) error
	Close()
}

// Unit is the set of writes allowed inside an atomic unit.
type Unit interface {
	// InsertNormalizedIfAbsent stores ev unless its fingerprint already exists.
	// It reports whether a row was written; a duplicate is not an error.
	InsertNormalizedIfAbsent(ctx context.Context, ev *models.NormalizedEvent) (bool, error)
	UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func checkTarget(status models.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	return nil
}

// aggregateQuery builds the grouped aggregation with placeholders produced by ph.
func aggregateQuery(filter models.AggregateFilter, ph func(n int) string) (string, []interface{}) {
	query := `
		SELECT client_id, COUNT(*), CAST(COALESCE(SUM(amount), 0) AS BIGINT)
		FROM normalized_events
		WHERE 1=1`
	var args []interface{}

	if filter.ClientID != "" {
		args = append(args, filter.ClientID)
		query += " AND client_id = " + ph(len(args))
	}
	if filter.RangeApplies() {
		args = append(args, filter.From, filter.To)
		query += ` AND "timestamp" BETWEEN ` + ph(len(args)-1) + " AND " + ph(len(args))
	}

	query += " GROUP BY client_id ORDER BY client_id"
	return query, args
}
