package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/normalizer"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// ErrInvalidFilter is returned when an aggregation range bound is not a date-time.
var ErrInvalidFilter = errors.New("invalid aggregate filter")

// ReportingService is the read-only view over the store.
type ReportingService struct {
	repo repository.Repository
}

func NewReportingService(repo repository.Repository) *ReportingService {
	return &ReportingService{repo: repo}
}

// ListEvents returns every raw submission, newest first.
func (s *ReportingService) ListEvents(ctx context.Context) ([]*models.RawSubmission, error) {
	return s.repo.ListRaw(ctx)
}

func (s *ReportingService) GetEvent(ctx context.Context, id int64) (*models.RawSubmission, error) {
	return s.repo.GetRaw(ctx, id)
}

func (s *ReportingService) ListNormalized(ctx context.Context) ([]*models.NormalizedEvent, error) {
	return s.repo.ListNormalized(ctx)
}

// Aggregate groups normalized events per client. When both range bounds are
// given they are read with the same rules as event timestamps and compared in
// canonical form; a single bound is ignored.
func (s *ReportingService) Aggregate(ctx context.Context, filter models.AggregateFilter) ([]*models.AggregateRow, error) {
	if filter.RangeApplies() {
		from, ok := normalizer.ParseTime(filter.From)
		if !ok {
			return nil, fmt.Errorf("%w: from %q is not a date-time", ErrInvalidFilter, filter.From)
		}
		to, ok := normalizer.ParseTime(filter.To)
		if !ok {
			return nil, fmt.Errorf("%w: to %q is not a date-time", ErrInvalidFilter, filter.To)
		}
		filter.From = normalizer.FormatTimestamp(from)
		filter.To = normalizer.FormatTimestamp(to)
	}
	return s.repo.Aggregate(ctx, filter)
}
