package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/common/database"
	"github.com/telhawk-systems/telhawk-ledger/common/logging"
	"github.com/telhawk-systems/telhawk-ledger/common/messaging"
	"github.com/telhawk-systems/telhawk-ledger/common/middleware"
	"github.com/telhawk-systems/telhawk-ledger/internal/fingerprint"
	"github.com/telhawk-systems/telhawk-ledger/internal/metrics"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/normalizer"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// ErrInjectedFailure is the failure raised when a caller asks for a simulated
// storage fault. Its text is recorded on the raw submission.
var ErrInjectedFailure = errors.New("Simulated DB failure")

// InterruptedMessage is recorded on submissions swept by ReconcileStale.
const InterruptedMessage = "ingest attempt interrupted"

// State tracks how far an ingest attempt got.
type State string

const (
	StateStarted             State = "STARTED"
	StateRawInserted         State = "RAW_INSERTED"
	StateNormalizedAttempted State = "NORMALIZED_ATTEMPTED"
	StateCommitted           State = "COMMITTED"
	StateRolledBack          State = "ROLLED_BACK"
)

// IngestOptions are per-request switches.
type IngestOptions struct {
	// InjectFailure makes the atomic unit fail after the normalized insert.
	InjectFailure bool
}

// IngestResult describes a finished attempt. RawID is zero when the raw
// submission could not be stored.
type IngestResult struct {
	RawID       int64                 `json:"raw_id"`
	Fingerprint string                `json:"fingerprint"`
	Inserted    bool                  `json:"inserted"`
	State       State                 `json:"state"`
	Event       models.CanonicalEvent `json:"event"`
}

// Config holds the ingest pipeline switches.
type Config struct {
	AllowFaultInjection bool
}

// Outcome is published after every attempt that stored a raw submission.
type Outcome struct {
	RawID       int64                  `json:"raw_id"`
	State       State                  `json:"state"`
	Status      models.Status          `json:"status"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Inserted    bool                   `json:"inserted"`
	Event       *models.CanonicalEvent `json:"event,omitempty"`
	Error       string                 `json:"error,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

// Stats is a snapshot of the service counters.
type Stats struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Committed     uint64 `json:"committed"`
	RolledBack    uint64 `json:"rolled_back"`
	Duplicates    uint64 `json:"duplicates"`
	RawFailures   uint64 `json:"raw_failures"`
}

type IngestService struct {
	repo      repository.Repository
	publisher messaging.Publisher
	logger    *logging.Logger
	cfg       Config
	now       func() time.Time

	startedAt   time.Time
	committed   atomic.Uint64
	rolledBack  atomic.Uint64
	duplicates  atomic.Uint64
	rawFailures atomic.Uint64
}

func NewIngestService(repo repository.Repository, cfg Config, publisher messaging.Publisher, logger *logging.Logger) *IngestService {
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		startedAt: time.Now().UTC(),
	}
}

// Ingest runs one attempt: store the raw submission, normalize and fingerprint
// it, then insert the normalized event and mark the submission NORMALIZED in a
// single unit. If the unit fails it is rolled back and the submission is marked
// FAILED by a separate write.
func (s *IngestService) Ingest(ctx context.Context, req *models.IngestRequest, opts IngestOptions) (*IngestResult, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	if req == nil {
		req = &models.IngestRequest{}
	}
	log := s.logger.WithContext(ctx)
	res := &IngestResult{State: StateStarted}

	inject := s.faultRequested(ctx, opts)

	id, err := s.repo.InsertRaw(ctx, req.SourceLabel(), req.Raw)
	if err != nil {
		s.rawFailures.Add(1)
		metrics.StorageErrors.WithLabelValues("insert_raw").Inc()
		metrics.IngestAttemptsTotal.WithLabelValues("raw_insert_failed").Inc()
		log.Error("failed to store raw submission", logging.Error(err))
		return res, err
	}
	res.RawID = id
	res.State = StateRawInserted
	metrics.PayloadBytesTotal.Add(float64(len(req.Raw)))

	res.Event = normalizer.Normalize(req)
	res.Fingerprint = fingerprint.Fingerprint(res.Event)

	err = s.repo.WithinUnit(ctx, func(ctx context.Context, u repository.Unit) error {
		inserted, err := u.InsertNormalizedIfAbsent(ctx, models.NewNormalizedEvent(res.Event, res.Fingerprint))
		res.State = StateNormalizedAttempted
		if err != nil {
			return err
		}
		if inject {
			return ErrInjectedFailure
		}
		res.Inserted = inserted
		return u.UpdateRawStatus(ctx, id, models.StatusNormalized, nil)
	})
	if err != nil {
		res.Inserted = false
		return res, s.recordFailure(ctx, res, err)
	}

	res.State = StateCommitted
	s.committed.Add(1)
	metrics.IngestAttemptsTotal.WithLabelValues(string(StateCommitted)).Inc()
	if !res.Inserted {
		s.duplicates.Add(1)
		metrics.DuplicatesTotal.Inc()
	}

	log.Info("ingest committed",
		logging.RawID(id),
		logging.Fingerprint(res.Fingerprint),
		logging.State(string(res.State)),
		"inserted", res.Inserted,
	)

	event := res.Event
	s.publish(ctx, messaging.SubjectEventsNormalized, &Outcome{
		RawID:       id,
		State:       res.State,
		Status:      models.StatusNormalized,
		Fingerprint: res.Fingerprint,
		Inserted:    res.Inserted,
		Event:       &event,
		OccurredAt:  s.now().UTC(),
	})
	return res, nil
}

// recordFailure marks the raw submission FAILED outside the rolled back unit.
// The write is detached from ctx so a cancelled request still leaves a trace.
func (s *IngestService) recordFailure(ctx context.Context, res *IngestResult, cause error) error {
	log := s.logger.WithContext(ctx)
	res.State = StateRolledBack
	s.rolledBack.Add(1)
	metrics.IngestAttemptsTotal.WithLabelValues(string(StateRolledBack)).Inc()
	if errors.Is(cause, repository.ErrStorageUnavailable) {
		metrics.StorageErrors.WithLabelValues("unit").Inc()
	}

	msg := cause.Error()
	wctx, cancel := database.DetachedWriteContext(ctx)
	defer cancel()

	err := cause
	if ferr := s.repo.UpdateRawStatus(wctx, res.RawID, models.StatusFailed, &msg); ferr != nil {
		metrics.StorageErrors.WithLabelValues("record_failure").Inc()
		log.Error("failed to mark raw submission FAILED",
			logging.RawID(res.RawID),
			logging.Error(ferr),
		)
		err = errors.Join(cause, fmt.Errorf("record failure for raw event %d: %w", res.RawID, ferr))
	}

	log.Warn("ingest rolled back",
		logging.RawID(res.RawID),
		logging.Fingerprint(res.Fingerprint),
		logging.State(string(res.State)),
		logging.Error(cause),
	)

	s.publish(wctx, messaging.SubjectEventsFailed, &Outcome{
		RawID:       res.RawID,
		State:       res.State,
		Status:      models.StatusFailed,
		Fingerprint: res.Fingerprint,
		Error:       msg,
		OccurredAt:  s.now().UTC(),
	})
	return err
}

func (s *IngestService) faultRequested(ctx context.Context, opts IngestOptions) bool {
	if !opts.InjectFailure {
		return false
	}
	if !s.cfg.AllowFaultInjection {
		metrics.FaultInjectionsTotal.WithLabelValues("false").Inc()
		s.logger.WithContext(ctx).Warn("fault injection requested but disabled; ignoring")
		return false
	}
	metrics.FaultInjectionsTotal.WithLabelValues("true").Inc()
	return true
}

// ReconcileStale marks submissions still RECEIVED after olderThan as FAILED.
// Such rows are left behind when the process stops between the raw insert and
// the end of the attempt. It returns the number of rows updated.
func (s *IngestService) ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	ids, err := s.repo.ListStaleReceived(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale submissions: %w", err)
	}

	msg := InterruptedMessage
	count := 0
	for _, id := range ids {
		err := s.repo.UpdateRawStatus(ctx, id, models.StatusFailed, &msg)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrStatusFinal), errors.Is(err, repository.ErrRowNotFound):
			// Finished (or removed) since it was listed.
			continue
		default:
			return count, fmt.Errorf("mark raw event %d failed: %w", id, err)
		}

		count++
		metrics.ReconciledTotal.Inc()
		s.publish(ctx, messaging.SubjectEventsFailed, &Outcome{
			RawID:      id,
			State:      StateRolledBack,
			Status:     models.StatusFailed,
			Error:      msg,
			OccurredAt: s.now().UTC(),
		})
	}

	if count > 0 {
		s.logger.Info("reconciled stale submissions", "count", count, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return count, nil
}

// Stats returns a snapshot of the service counters.
func (s *IngestService) Stats() Stats {
	return Stats{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Committed:     s.committed.Load(),
		RolledBack:    s.rolledBack.Load(),
		Duplicates:    s.duplicates.Load(),
		RawFailures:   s.rawFailures.Load(),
	}
}

func (s *IngestService) publish(ctx context.Context, subject string, outcome *Outcome) {
	metadata := map[string]string{"raw_id": strconv.FormatInt(outcome.RawID, 10)}
	if reqID := middleware.GetRequestID(ctx); reqID != "" {
		metadata["request_id"] = reqID
	}
	if err := messaging.PublishJSON(ctx, s.publisher, subject, outcome, metadata); err != nil {
		metrics.PublishErrors.WithLabelValues(subject).Inc()
		s.logger.WithContext(ctx).Warn("failed to publish ingest outcome",
			"subject", subject,
			logging.RawID(outcome.RawID),
			logging.Error(err),
		)
	}
}
