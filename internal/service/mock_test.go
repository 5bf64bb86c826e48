package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
)

// MockRepository is a mock implementation of repository.Repository.
// WithinUnit runs the callback against Unit unless the expectation returns an error.
type MockRepository struct {
	mock.Mock
	Unit *MockUnit
}

func newMockRepository() *MockRepository {
	return &MockRepository{Unit: &MockUnit{}}
}

func (m *MockRepository) InsertRaw(ctx context.Context, source *string, payload []byte) (int64, error) {
	args := m.Called(ctx, source, payload)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) WithinUnit(ctx context.Context, fn func(ctx context.Context, u repository.Unit) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx, m.Unit)
}

func (m *MockRepository) UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}

func (m *MockRepository) GetRaw(ctx context.Context, id int64) (*models.RawSubmission, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RawSubmission), args.Error(1)
}

func (m *MockRepository) ListRaw(ctx context.Context) ([]*models.RawSubmission, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.RawSubmission), args.Error(1)
}

func (m *MockRepository) ListNormalized(ctx context.Context) ([]*models.NormalizedEvent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.NormalizedEvent), args.Error(1)
}

func (m *MockRepository) Aggregate(ctx context.Context, filter models.AggregateFilter) ([]*models.AggregateRow, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.AggregateRow), args.Error(1)
}

func (m *MockRepository) ListStaleReceived(ctx context.Context, olderThan time.Time) ([]int64, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) Close() {
	m.Called()
}

// MockUnit is a mock implementation of repository.Unit.
type MockUnit struct {
	mock.Mock
}

func (m *MockUnit) InsertNormalizedIfAbsent(ctx context.Context, ev *models.NormalizedEvent) (bool, error) {
	args := m.Called(ctx, ev)
	return args.Bool(0), args.Error(1)
}

func (m *MockUnit) UpdateRawStatus(ctx context.Context, id int64, status models.Status, errMsg *string) error {
	args := m.Called(ctx, id, status, errMsg)
	return args.Error(0)
}
