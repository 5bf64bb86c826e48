package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telhawk-ledger/common/logging"
	"github.com/telhawk-systems/telhawk-ledger/common/messaging"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

const sampleBody = `{"source":"client_A","payload":{"metric":"sales","amount":"1200","timestamp":"2024-01-01"}}`

func newTestStore(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.MigrateSQLite(repo.DB()))
	t.Cleanup(repo.Close)
	return repo
}

func newTestService(t *testing.T, repo repository.Repository, cfg Config) (*IngestService, *messaging.MemoryPublisher) {
	t.Helper()
	pub := &messaging.MemoryPublisher{}
	return NewIngestService(repo, cfg, pub, logging.Discard()), pub
}

func parse(t *testing.T, body string) *models.IngestRequest {
	t.Helper()
	req, err := models.ParseIngestRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestIngest_Normal(t *testing.T) {
	repo := newTestStore(t)
	svc, pub := newTestService(t, repo, Config{AllowFaultInjection: true})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.True(t, res.Inserted)
	assert.Len(t, res.Fingerprint, 64)

	raw, err := repo.GetRaw(ctx, res.RawID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNormalized, raw.Status)
	assert.Nil(t, raw.ErrorMessage)
	assert.Equal(t, sampleBody, raw.RawPayload)

	rows, err := repo.ListNormalized(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "client_A", rows[0].ClientID)
	assert.Equal(t, "sales", rows[0].Metric)
	assert.Equal(t, int64(1200), rows[0].Amount)
	require.NotNil(t, rows[0].Timestamp)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", *rows[0].Timestamp)
	assert.Equal(t, res.Fingerprint, rows[0].Fingerprint)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.SubjectEventsNormalized, msgs[0].Subject)

	var outcome Outcome
	require.NoError(t, json.Unmarshal(msgs[0].Data, &outcome))
	assert.Equal(t, res.RawID, outcome.RawID)
	assert.Equal(t, models.StatusNormalized, outcome.Status)
	assert.True(t, outcome.Inserted)
}

func TestIngest_FaultInjection(t *testing.T) {
	repo := newTestStore(t)
	svc, pub := newTestService(t, repo, Config{AllowFaultInjection: true})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{InjectFailure: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInjectedFailure)
	assert.Equal(t, "Simulated DB failure", err.Error())
	assert.Equal(t, StateRolledBack, res.State)
	assert.False(t, res.Inserted)

	raw, err := repo.GetRaw(ctx, res.RawID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, raw.Status)
	require.NotNil(t, raw.ErrorMessage)
	assert.NotEmpty(t, *raw.ErrorMessage)
	assert.Equal(t, "Simulated DB failure", *raw.ErrorMessage)

	rows, err := repo.ListNormalized(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.SubjectEventsFailed, msgs[0].Subject)
}

func TestIngest_FaultInjectionThenRetry(t *testing.T) {
	repo := newTestStore(t)
	svc, _ := newTestService(t, repo, Config{AllowFaultInjection: true})
	ctx := context.Background()

	_, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{InjectFailure: true})
	require.Error(t, err)

	res, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{})
	require.NoError(t, err)
	assert.True(t, res.Inserted, "rolled back insert must not block the retry")

	events, err := repo.ListRaw(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusNormalized, events[0].Status)
	assert.Equal(t, models.StatusFailed, events[1].Status)
}

func TestIngest_FaultInjectionDisabled(t *testing.T) {
	repo := newTestStore(t)
	svc, _ := newTestService(t, repo, Config{AllowFaultInjection: false})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{InjectFailure: true})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)

	raw, err := repo.GetRaw(ctx, res.RawID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNormalized, raw.Status)
}

func TestIngest_Duplicates(t *testing.T) {
	repo := newTestStore(t)
	svc, _ := newTestService(t, repo, Config{})
	ctx := context.Background()

	first, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{})
	require.NoError(t, err)
	// Same normalized tuple, different raw body.
	second, err := svc.Ingest(ctx, parse(t, `{"source":"client_A","payload":{"metric":"sales","amount":1200,"timestamp":"2024-01-01T00:00:00Z"}}`), IngestOptions{})
	require.NoError(t, err)

	assert.True(t, first.Inserted)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.RawID, second.RawID)

	rows, err := repo.ListNormalized(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	for _, id := range []int64{first.RawID, second.RawID} {
		raw, err := repo.GetRaw(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNormalized, raw.Status)
	}

	stats := svc.Stats()
	assert.Equal(t, uint64(2), stats.Committed)
	assert.Equal(t, uint64(1), stats.Duplicates)
}

func TestIngest_MalformedPayloadStillCommits(t *testing.T) {
	repo := newTestStore(t)
	svc, _ := newTestService(t, repo, Config{})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, parse(t, `{"payload":{"amount":"lots","timestamp":"2024/13/40"}}`), IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", res.Event.ClientID)
	assert.Equal(t, "unknown", res.Event.Metric)
	assert.Equal(t, int64(0), res.Event.Amount)
	assert.Nil(t, res.Event.Timestamp)

	raw, err := repo.GetRaw(ctx, res.RawID)
	require.NoError(t, err)
	assert.Nil(t, raw.Source)
	assert.Equal(t, models.StatusNormalized, raw.Status)
}

func TestIngest_AggregateScenario(t *testing.T) {
	repo := newTestStore(t)
	svc, _ := newTestService(t, repo, Config{})
	reporting := NewReportingService(repo)
	ctx := context.Background()

	for _, body := range []string{
		`{"source":"client_A","payload":{"metric":"sales","amount":100,"timestamp":"2024-01-01"}}`,
		`{"source":"client_A","payload":{"metric":"sales","amount":200,"timestamp":"2024-01-02"}}`,
		`{"source":"client_B","payload":{"metric":"sales","amount":50,"timestamp":"2024-01-03"}}`,
	} {
		_, err := svc.Ingest(ctx, parse(t, body), IngestOptions{})
		require.NoError(t, err)
	}

	want := []*models.AggregateRow{
		{ClientID: "client_A", Count: 2, Total: 300},
		{ClientID: "client_B", Count: 1, Total: 50},
	}

	rows, err := reporting.Aggregate(ctx, models.AggregateFilter{})
	require.NoError(t, err)
	assert.Equal(t, want, rows)

	rows, err = reporting.Aggregate(ctx, models.AggregateFilter{From: "2024-01-02"})
	require.NoError(t, err)
	assert.Equal(t, want, rows, "a lone from bound must not filter")

	rows, err = reporting.Aggregate(ctx, models.AggregateFilter{From: "2024-01-02", To: "2024-01-03"})
	require.NoError(t, err)
	assert.Equal(t, []*models.AggregateRow{
		{ClientID: "client_A", Count: 1, Total: 200},
		{ClientID: "client_B", Count: 1, Total: 50},
	}, rows)

	rows, err = reporting.Aggregate(ctx, models.AggregateFilter{ClientID: "client_A", From: "2024-01-01", To: "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, []*models.AggregateRow{{ClientID: "client_A", Count: 1, Total: 100}}, rows)
}

func TestIngest_DuplicateNeverDoubleCounts(t *testing.T) {
	repo := newTestStore(t)
	svc, _ := newTestService(t, repo, Config{})
	reporting := NewReportingService(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{})
		require.NoError(t, err)
	}

	rows, err := reporting.Aggregate(ctx, models.AggregateFilter{})
	require.NoError(t, err)
	assert.Equal(t, []*models.AggregateRow{{ClientID: "client_A", Count: 1, Total: 1200}}, rows)
}

func TestIngest_RawInsertFailure(t *testing.T) {
	repo := newMockRepository()
	svc, pub := newTestService(t, repo, Config{})

	storageErr := errors.Join(repository.ErrStorageUnavailable, errors.New("connection refused"))
	repo.On("InsertRaw", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), storageErr)

	res, err := svc.Ingest(context.Background(), parse(t, sampleBody), IngestOptions{})
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
	assert.Equal(t, StateStarted, res.State)
	assert.Equal(t, int64(0), res.RawID)

	repo.AssertNotCalled(t, "WithinUnit", mock.Anything)
	repo.AssertNotCalled(t, "UpdateRawStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, pub.Messages())
	assert.Equal(t, uint64(1), svc.Stats().RawFailures)
}

func TestIngest_UnitFailureRecordsFailedStatus(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo, Config{})

	insertErr := errors.Join(repository.ErrStorageUnavailable, errors.New("disk full"))
	repo.On("InsertRaw", mock.Anything, mock.Anything, mock.Anything).Return(int64(7), nil)
	repo.On("WithinUnit", mock.Anything).Return(nil)
	repo.Unit.On("InsertNormalizedIfAbsent", mock.Anything, mock.Anything).Return(false, insertErr)
	repo.On("UpdateRawStatus", mock.Anything, int64(7), models.StatusFailed,
		mock.MatchedBy(func(msg *string) bool { return msg != nil && *msg == insertErr.Error() }),
	).Return(nil)

	res, err := svc.Ingest(context.Background(), parse(t, sampleBody), IngestOptions{})
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
	assert.Equal(t, StateRolledBack, res.State)

	repo.AssertExpectations(t)
	repo.Unit.AssertNotCalled(t, "UpdateRawStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_FailedWriteAlsoFails(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo, Config{AllowFaultInjection: true})

	writeErr := errors.New("database is locked")
	repo.On("InsertRaw", mock.Anything, mock.Anything, mock.Anything).Return(int64(3), nil)
	repo.On("WithinUnit", mock.Anything).Return(nil)
	repo.Unit.On("InsertNormalizedIfAbsent", mock.Anything, mock.Anything).Return(true, nil)
	repo.On("UpdateRawStatus", mock.Anything, int64(3), models.StatusFailed, mock.Anything).Return(writeErr)

	res, err := svc.Ingest(context.Background(), parse(t, sampleBody), IngestOptions{InjectFailure: true})
	assert.ErrorIs(t, err, ErrInjectedFailure)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, StateRolledBack, res.State)
}

func TestIngest_FailedWriteSurvivesCancellation(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo, Config{})

	ctx, cancel := context.WithCancel(context.Background())

	repo.On("InsertRaw", mock.Anything, mock.Anything, mock.Anything).Return(int64(9), nil)
	repo.On("WithinUnit", mock.Anything).Return(nil)
	repo.Unit.On("InsertNormalizedIfAbsent", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(false, context.Canceled)
	repo.On("UpdateRawStatus",
		mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }),
		int64(9), models.StatusFailed, mock.Anything,
	).Return(nil)

	_, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	repo.AssertExpectations(t)
}

func TestIngest_BeginFailure(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo, Config{})

	beginErr := errors.Join(repository.ErrStorageUnavailable, errors.New("too many connections"))
	repo.On("InsertRaw", mock.Anything, mock.Anything, mock.Anything).Return(int64(4), nil)
	repo.On("WithinUnit", mock.Anything).Return(beginErr)
	repo.On("UpdateRawStatus", mock.Anything, int64(4), models.StatusFailed, mock.Anything).Return(nil)

	res, err := svc.Ingest(context.Background(), parse(t, sampleBody), IngestOptions{})
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
	assert.Equal(t, StateRolledBack, res.State)
	repo.AssertExpectations(t)
}

func TestIngest_PublishFailureIsIgnored(t *testing.T) {
	repo := newTestStore(t)
	pub := &messaging.MemoryPublisher{Err: errors.New("nats: connection closed")}
	svc := NewIngestService(repo, Config{}, pub, logging.Discard())

	res, err := svc.Ingest(context.Background(), parse(t, sampleBody), IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
}

func TestReconcileStale(t *testing.T) {
	repo := newTestStore(t)
	svc, pub := newTestService(t, repo, Config{})
	ctx := context.Background()

	stuck, err := repo.InsertRaw(ctx, nil, []byte(`{}`))
	require.NoError(t, err)
	done, err := svc.Ingest(ctx, parse(t, sampleBody), IngestOptions{})
	require.NoError(t, err)

	// Nothing is old enough yet.
	n, err := svc.ReconcileStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = svc.ReconcileStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	raw, err := repo.GetRaw(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, raw.Status)
	require.NotNil(t, raw.ErrorMessage)
	assert.Equal(t, InterruptedMessage, *raw.ErrorMessage)

	raw, err = repo.GetRaw(ctx, done.RawID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNormalized, raw.Status)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, messaging.SubjectEventsFailed, msgs[1].Subject)
}

func TestReconcileStale_SkipsRowsFinishedMeanwhile(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo, Config{})

	repo.On("ListStaleReceived", mock.Anything, mock.Anything).Return([]int64{1, 2}, nil)
	repo.On("UpdateRawStatus", mock.Anything, int64(1), models.StatusFailed, mock.Anything).
		Return(repository.ErrStatusFinal)
	repo.On("UpdateRawStatus", mock.Anything, int64(2), models.StatusFailed, mock.Anything).Return(nil)

	n, err := svc.ReconcileStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileStale_ListFailure(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo, Config{})

	repo.On("ListStaleReceived", mock.Anything, mock.Anything).Return(nil, repository.ErrStorageUnavailable)

	_, err := svc.ReconcileStale(context.Background(), time.Minute)
	assert.ErrorIs(t, err, repository.ErrStorageUnavailable)
}

func TestIngest_ConcurrentSameBody(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	// Two handles on one file so writers contend across connections.
	var svcs []*IngestService
	var store *repository.SQLiteRepository
	for i := 0; i < 2; i++ {
		repo, err := repository.NewSQLiteRepository(ctx, path)
		require.NoError(t, err)
		t.Cleanup(repo.Close)
		if i == 0 {
			require.NoError(t, repository.MigrateSQLite(repo.DB()))
			store = repo
		}
		svc, _ := newTestService(t, repo, Config{AllowFaultInjection: true})
		svcs = append(svcs, svc)
	}

	const workers = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		injected int
		other    []error
	)
	for i := 0; i < workers; i++ {
		inject := i%5 == 0
		if inject {
			injected++
		}
		req := parse(t, sampleBody)
		wg.Add(1)
		go func(svc *IngestService, inject bool) {
			defer wg.Done()
			res, err := svc.Ingest(ctx, req, IngestOptions{InjectFailure: inject})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				if res.Inserted {
					inserted++
				}
			case inject && errors.Is(err, ErrInjectedFailure):
			default:
				other = append(other, err)
			}
		}(svcs[i%len(svcs)], inject)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 1, inserted)

	rows, err := store.ListNormalized(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	raws, err := store.ListRaw(ctx)
	require.NoError(t, err)
	require.Len(t, raws, workers)
	counts := map[models.Status]int{}
	for _, r := range raws {
		counts[r.Status]++
	}
	assert.Zero(t, counts[models.StatusReceived])
	assert.Equal(t, injected, counts[models.StatusFailed])
	assert.Equal(t, workers-injected, counts[models.StatusNormalized])
}
