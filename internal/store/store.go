package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradeingest/internal/model"
)

// ErrRunFinalized is returned when a run record that already has completed_at is written again.
var ErrRunFinalized = errors.New("store: import run already finalized")

var ErrRunNotFound = errors.New("store: import run not found")

type Store interface {
	Migrate(ctx context.Context) error
	// Persist writes one fetch unit's rows in a single transaction. Rows whose natural key already
	// exists are counted as skipped.
	Persist(ctx context.Context, source string, rows []model.CanonicalRow) (PersistResult, error)
	StartRun(ctx context.Context, run *model.ImportRun) error
	FinishRun(ctx context.Context, run *model.ImportRun) error
	RecordUnitFailure(ctx context.Context, failure model.UnitFailure) error
	ListUnitFailures(ctx context.Context, runID uuid.UUID) ([]model.UnitFailure, error)
	ListRuns(ctx context.Context, from, to time.Time) ([]model.ImportRun, error)
	CountFacts(ctx context.Context) (int64, error)
	Close() error
}

type PersistResult struct {
	Inserted int
	Skipped  int
}

func (r PersistResult) Add(other PersistResult) PersistResult {
	return PersistResult{Inserted: r.Inserted + other.Inserted, Skipped: r.Skipped + other.Skipped}
}

// NopStore accepts everything and stores nothing.
type NopStore struct{}

func (s *NopStore) Migrate(ctx context.Context) error {
	return nil
}

func (s *NopStore) Persist(ctx context.Context, source string, rows []model.CanonicalRow) (PersistResult, error) {
	return PersistResult{Inserted: len(rows)}, nil
}

func (s *NopStore) StartRun(ctx context.Context, run *model.ImportRun) error {
	return nil
}

func (s *NopStore) FinishRun(ctx context.Context, run *model.ImportRun) error {
	return nil
}

func (s *NopStore) RecordUnitFailure(ctx context.Context, failure model.UnitFailure) error {
	return nil
}

func (s *NopStore) ListUnitFailures(ctx context.Context, runID uuid.UUID) ([]model.UnitFailure, error) {
	return nil, nil
}

func (s *NopStore) ListRuns(ctx context.Context, from, to time.Time) ([]model.ImportRun, error) {
	return nil, nil
}

func (s *NopStore) CountFacts(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *NopStore) Close() error {
	return nil
}

var _ Store = (*NopStore)(nil)

func JoinScope(reporters []string) string {
	return strings.Join(reporters, ",")
}

func SplitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Split(scope, ",")
}
