package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-ledger/internal/fingerprint"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/normalizer"
)

func strPtr(s string) *string { return &s }

func normalized(fp, client string, amount int64, ts *string) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Fingerprint: fp,
		ClientID:    client,
		Metric:      "sales",
		Amount:      amount,
		Timestamp:   ts,
	}
}

// commitEvent runs the full success path for one event and returns the raw id.
func commitEvent(t *testing.T, repo Repository, ev *models.NormalizedEvent) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := repo.InsertRaw(ctx, strPtr(ev.ClientID), []byte(`{}`))
	require.NoError(t, err)

	err = repo.WithinUnit(ctx, func(ctx context.Context, u Unit) error {
		if _, err := u.InsertNormalizedIfAbsent(ctx, ev); err != nil {
			return err
		}
		return u.UpdateRawStatus(ctx, id, models.StatusNormalized, nil)
	})
	require.NoError(t, err)
	return id
}

// runRepositoryContract exercises behaviour every backend must share.
// newRepo must return an empty, migrated store.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("InsertRaw stores submission as RECEIVED", func(t *testing.T) {
		repo := newRepo(t)
		payload := []byte(`{"source":"client_A", "payload": {"amount": "1200"}}`)

		id, err := repo.InsertRaw(ctx, strPtr("client_A"), payload)
		require.NoError(t, err)
		assert.Greater(t, id, int64(0))

		got, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		require.NotNil(t, got.Source)
		assert.Equal(t, "client_A", *got.Source)
		assert.Equal(t, string(payload), got.RawPayload)
		assert.Equal(t, models.StatusReceived, got.Status)
		assert.Nil(t, got.ErrorMessage)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("InsertRaw keeps absent source as NULL", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.InsertRaw(ctx, nil, []byte(`[]`))
		require.NoError(t, err)

		got, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got.Source)
	})

	t.Run("GetRaw unknown id", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetRaw(ctx, 999)
		assert.ErrorIs(t, err, ErrRowNotFound)
	})

	t.Run("unit commits insert and status together", func(t *testing.T) {
		repo := newRepo(t)
		ev := normalized("fp-1", "client_A", 1200, strPtr("2024-01-01T00:00:00.000Z"))
		id := commitEvent(t, repo, ev)

		assert.Greater(t, ev.ID, int64(0))

		raw, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNormalized, raw.Status)

		rows, err := repo.ListNormalized(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "fp-1", rows[0].Fingerprint)
		assert.Equal(t, "client_A", rows[0].ClientID)
		assert.Equal(t, "sales", rows[0].Metric)
		assert.Equal(t, int64(1200), rows[0].Amount)
		require.NotNil(t, rows[0].Timestamp)
		assert.Equal(t, "2024-01-01T00:00:00.000Z", *rows[0].Timestamp)
	})

	t.Run("duplicate fingerprint is a no-op", func(t *testing.T) {
		repo := newRepo(t)
		first := commitEvent(t, repo, normalized("fp-dup", "client_A", 5, nil))
		second := commitEvent(t, repo, normalized("fp-dup", "client_A", 5, nil))
		assert.NotEqual(t, first, second)

		var inserted bool
		err := repo.WithinUnit(ctx, func(ctx context.Context, u Unit) error {
			var err error
			inserted, err = u.InsertNormalizedIfAbsent(ctx, normalized("fp-dup", "client_A", 5, nil))
			return err
		})
		require.NoError(t, err)
		assert.False(t, inserted)

		rows, err := repo.ListNormalized(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, 1)

		for _, id := range []int64{first, second} {
			raw, err := repo.GetRaw(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.StatusNormalized, raw.Status)
		}
	})

	t.Run("unit rolls back on error", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.InsertRaw(ctx, strPtr("client_A"), []byte(`{}`))
		require.NoError(t, err)

		boom := errors.New("boom")
		err = repo.WithinUnit(ctx, func(ctx context.Context, u Unit) error {
			inserted, err := u.InsertNormalizedIfAbsent(ctx, normalized("fp-rb", "client_A", 1, nil))
			require.NoError(t, err)
			require.True(t, inserted)
			return boom
		})
		assert.ErrorIs(t, err, boom)

		rows, err := repo.ListNormalized(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)

		raw, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReceived, raw.Status)
	})

	t.Run("unit rolls back on panic", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.WithinUnit(ctx, func(ctx context.Context, u Unit) error {
			_, err := u.InsertNormalizedIfAbsent(ctx, normalized("fp-panic", "client_A", 1, nil))
			require.NoError(t, err)
			panic("unit exploded")
		})
		assert.ErrorIs(t, err, ErrUnitPanic)

		rows, err := repo.ListNormalized(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)

		// The store must still be usable after the panic.
		_, err = repo.InsertRaw(ctx, nil, []byte(`{}`))
		assert.NoError(t, err)
	})

	t.Run("UpdateRawStatus records failure", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.InsertRaw(ctx, nil, []byte(`{}`))
		require.NoError(t, err)

		require.NoError(t, repo.UpdateRawStatus(ctx, id, models.StatusFailed, strPtr("Simulated DB failure")))

		raw, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, raw.Status)
		require.NotNil(t, raw.ErrorMessage)
		assert.Equal(t, "Simulated DB failure", *raw.ErrorMessage)
	})

	t.Run("UpdateRawStatus guards transitions", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.UpdateRawStatus(ctx, 12345, models.StatusFailed, strPtr("x"))
		assert.ErrorIs(t, err, ErrRowNotFound)

		id, err := repo.InsertRaw(ctx, nil, []byte(`{}`))
		require.NoError(t, err)

		err = repo.UpdateRawStatus(ctx, id, models.StatusReceived, nil)
		assert.ErrorIs(t, err, ErrInvalidStatus)

		require.NoError(t, repo.UpdateRawStatus(ctx, id, models.StatusNormalized, nil))
		err = repo.UpdateRawStatus(ctx, id, models.StatusFailed, strPtr("late"))
		assert.ErrorIs(t, err, ErrStatusFinal)

		raw, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNormalized, raw.Status)
	})

	t.Run("ListRaw is newest first", func(t *testing.T) {
		repo := newRepo(t)
		var ids []int64
		for i := 0; i < 3; i++ {
			id, err := repo.InsertRaw(ctx, nil, []byte(`{}`))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		events, err := repo.ListRaw(ctx)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, ids[2], events[0].ID)
		assert.Equal(t, ids[1], events[1].ID)
		assert.Equal(t, ids[0], events[2].ID)
	})

	t.Run("ListRaw on empty store", func(t *testing.T) {
		repo := newRepo(t)
		events, err := repo.ListRaw(ctx)
		require.NoError(t, err)
		assert.NotNil(t, events)
		assert.Empty(t, events)
	})

	t.Run("Aggregate groups by client", func(t *testing.T) {
		repo := newRepo(t)
		commitEvent(t, repo, normalized("a1", "client_A", 100, strPtr("2024-01-01T00:00:00.000Z")))
		commitEvent(t, repo, normalized("a2", "client_A", 200, strPtr("2024-02-01T00:00:00.000Z")))
		commitEvent(t, repo, normalized("b1", "client_B", 50, strPtr("2024-03-01T00:00:00.000Z")))

		rows, err := repo.Aggregate(ctx, models.AggregateFilter{})
		require.NoError(t, err)
		assert.Equal(t, []*models.AggregateRow{
			{ClientID: "client_A", Count: 2, Total: 300},
			{ClientID: "client_B", Count: 1, Total: 50},
		}, rows)

		rows, err = repo.Aggregate(ctx, models.AggregateFilter{ClientID: "client_B"})
		require.NoError(t, err)
		assert.Equal(t, []*models.AggregateRow{{ClientID: "client_B", Count: 1, Total: 50}}, rows)

		rows, err = repo.Aggregate(ctx, models.AggregateFilter{
			From: "2024-01-01T00:00:00.000Z",
			To:   "2024-02-01T00:00:00.000Z",
		})
		require.NoError(t, err)
		assert.Equal(t, []*models.AggregateRow{{ClientID: "client_A", Count: 2, Total: 300}}, rows)

		onlyFrom, err := repo.Aggregate(ctx, models.AggregateFilter{From: "2030-01-01T00:00:00.000Z"})
		require.NoError(t, err)
		all, err := repo.Aggregate(ctx, models.AggregateFilter{})
		require.NoError(t, err)
		assert.Equal(t, all, onlyFrom)

		none, err := repo.Aggregate(ctx, models.AggregateFilter{ClientID: "client_Z"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Aggregate excludes null timestamps from ranges", func(t *testing.T) {
		repo := newRepo(t)
		commitEvent(t, repo, normalized("n1", "client_A", 7, nil))

		rows, err := repo.Aggregate(ctx, models.AggregateFilter{From: "0000", To: "9999"})
		require.NoError(t, err)
		assert.Empty(t, rows)

		rows, err = repo.Aggregate(ctx, models.AggregateFilter{})
		require.NoError(t, err)
		assert.Equal(t, []*models.AggregateRow{{ClientID: "client_A", Count: 1, Total: 7}}, rows)
	})

	t.Run("ListStaleReceived only returns RECEIVED rows", func(t *testing.T) {
		repo := newRepo(t)
		stale, err := repo.InsertRaw(ctx, nil, []byte(`{}`))
		require.NoError(t, err)
		done := commitEvent(t, repo, normalized("s1", "client_A", 1, nil))
		require.NotEqual(t, stale, done)

		ids, err := repo.ListStaleReceived(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []int64{stale}, ids)

		ids, err = repo.ListStaleReceived(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("NUL characters in text fields", func(t *testing.T) {
		repo := newRepo(t)
		req, err := models.ParseIngestRequest([]byte(
			`{"source":"client\u0000_A","payload":{"metric":"sa\u0000les","amount":5,"timestamp":"2024-01-01"}}`))
		require.NoError(t, err)

		id, err := repo.InsertRaw(ctx, req.SourceLabel(), req.Raw)
		require.NoError(t, err)

		ev := normalizer.Normalize(req)
		err = repo.WithinUnit(ctx, func(ctx context.Context, u Unit) error {
			if _, err := u.InsertNormalizedIfAbsent(ctx, models.NewNormalizedEvent(ev, fingerprint.Fingerprint(ev))); err != nil {
				return err
			}
			return u.UpdateRawStatus(ctx, id, models.StatusNormalized, nil)
		})
		require.NoError(t, err)

		raw, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, raw.Source)
		assert.Equal(t, "client_A", *raw.Source)
		assert.Equal(t, string(req.Raw), raw.RawPayload)
		assert.Equal(t, models.StatusNormalized, raw.Status)

		events, err := repo.ListNormalized(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "client_A", events[0].ClientID)
		assert.Equal(t, "sales", events[0].Metric)
	})

	t.Run("concurrent units insert a fingerprint once", func(t *testing.T) {
		repo := newRepo(t)
		const workers = 16
		ev := normalized("fp-race", "client_A", 10, nil)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
			errs     []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := repo.InsertRaw(ctx, strPtr("client_A"), []byte(`{}`))
				if err == nil {
					err = repo.WithinUnit(ctx, func(ctx context.Context, u Unit) error {
						ok, err := u.InsertNormalizedIfAbsent(ctx, ev)
						if err != nil {
							return err
						}
						if ok {
							mu.Lock()
							inserted++
							mu.Unlock()
						}
						return u.UpdateRawStatus(ctx, id, models.StatusNormalized, nil)
					})
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, inserted)

		events, err := repo.ListNormalized(ctx)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		raws, err := repo.ListRaw(ctx)
		require.NoError(t, err)
		require.Len(t, raws, workers)
		for _, r := range raws {
			assert.Equal(t, models.StatusNormalized, r.Status)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		repo := newRepo(t)
		assert.NoError(t, repo.Ping(ctx))
	})
}
