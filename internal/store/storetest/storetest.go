// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeingest/internal/model"
	"tradeingest/internal/store"
)

// Opener returns a freshly migrated, empty store.
type Opener func(t *testing.T) store.Store

func Run(t *testing.T, open Opener) {
	t.Run("persist dedups on natural key", func(t *testing.T) { testPersistDedup(t, open(t)) })
	t.Run("persist updates descriptions", func(t *testing.T) { testDescriptions(t, open(t)) })
	t.Run("persist failure leaves no rows", func(t *testing.T) { testPersistFailure(t, open(t)) })
	t.Run("run lifecycle", func(t *testing.T) { testRunLifecycle(t, open(t)) })
	t.Run("migrate is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Migrate(t.Context()))
	})
}

// Row builds a canonical import row for reporter/partner/commodity in period.
func Row(reporter, partner, commodity, period string, value int64) model.CanonicalRow {
	p, err := model.ParsePeriod(period)
	if err != nil {
		panic(err)
	}
	flag := 0
	return model.CanonicalRow{
		Reporter:     model.Dimension{Code: reporter},
		Partner:      model.Dimension{Code: partner},
		Commodity:    model.Dimension{Code: commodity},
		Flow:         model.Dimension{Code: "M", Description: "Import"},
		QuantityUnit: &model.Dimension{Code: "8", Description: "kg"},
		Period:       p,
		NetWeight:    decimal.NewNullDecimal(decimal.NewFromFloat(12.5)),
		TradeValue:   decimal.NewFromInt(value),
		Flag:         &flag,
	}
}

func testPersistDedup(t *testing.T, s store.Store) {
	ctx := t.Context()
	rows := []model.CanonicalRow{
		Row("DEU", "CHN", "850440", "202201", 100),
		Row("DEU", "USA", "850440", "202201", 200),
		Row("DEU", "CHN", "850440", "202201", 999),
	}

	result, err := s.Persist(ctx, "DE:202201:M", rows)
	require.NoError(t, err)
	assert.Equal(t, store.PersistResult{Inserted: 2, Skipped: 1}, result)

	result, err = s.Persist(ctx, "DE:202201:M", rows)
	require.NoError(t, err)
	assert.Equal(t, store.PersistResult{Inserted: 0, Skipped: 3}, result)

	count, err := s.CountFacts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	result, err = s.Persist(ctx, "DE:202202:M", []model.CanonicalRow{Row("DEU", "CHN", "850440", "202202", 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted, "a new period is a new natural key")

	empty, err := s.Persist(ctx, "DE:202203:M", nil)
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func testDescriptions(t *testing.T, s store.Store) {
	ctx := t.Context()

	first := Row("FRA", "CHN", "01", "202201", 1)
	_, err := s.Persist(ctx, "FR:202201:M", []model.CanonicalRow{first})
	require.NoError(t, err)

	second := Row("FRA", "CHN", "02", "202201", 1)
	second.Partner.Description = "China"
	second.Reporter.Description = "France"
	result, err := s.Persist(ctx, "FR:202201:M", []model.CanonicalRow{second})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)

	third := Row("FRA", "CHN", "03", "202201", 1)
	third.QuantityUnit = nil
	third.NetWeight = decimal.NullDecimal{}
	third.Flag = nil
	result, err = s.Persist(ctx, "", []model.CanonicalRow{third})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
}

func testPersistFailure(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.Persist(ctx, "IT:202201:M", []model.CanonicalRow{Row("ITA", "CHN", "01", "202201", 1)})
	require.Error(t, err)

	count, err := s.CountFacts(t.Context())
	require.NoError(t, err)
	assert.Zero(t, count)

	result, err := s.Persist(t.Context(), "IT:202201:M", []model.CanonicalRow{Row("ITA", "CHN", "01", "202201", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted, "dimension cache holds nothing from the failed unit")
}

func testRunLifecycle(t *testing.T, s store.Store) {
	ctx := t.Context()
	start, _ := model.ParsePeriod("202201")
	end, _ := model.ParsePeriod("202203")
	startedAt := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	run := &model.ImportRun{
		RunID:         uuid.New(),
		StartPeriod:   start,
		EndPeriod:     end,
		ReporterScope: []string{"DE", "FR"},
		UnitsTotal:    6,
		StartedAt:     startedAt,
	}
	require.NoError(t, s.StartRun(ctx, run))
	assert.NotZero(t, run.ID)
	assert.Equal(t, model.RunRunning, run.Status)

	require.NoError(t, s.RecordUnitFailure(ctx, model.UnitFailure{
		RunID: run.RunID, UnitKey: "FR:202202:M", Stage: "fetch", Message: "502 bad gateway", FailedAt: startedAt.Add(time.Minute),
	}))

	open, err := s.ListRuns(ctx, startedAt.Add(-time.Hour), startedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.False(t, open[0].Completed(), "an open run has no completed_at")

	completedAt := startedAt.Add(90 * time.Second)
	run.Status = model.RunPartial
	run.Processed, run.Inserted, run.Skipped, run.Rejected = 40, 30, 8, 2
	run.UnitsDone, run.UnitsFailed = 5, 1
	run.APICalls, run.CacheHits = 4, 1
	run.ErrorMessage = "1 unit failed"
	run.CompletedAt = &completedAt
	require.NoError(t, s.FinishRun(ctx, run))

	assert.ErrorIs(t, s.FinishRun(ctx, run), store.ErrRunFinalized)
	assert.ErrorIs(t, s.FinishRun(ctx, &model.ImportRun{RunID: uuid.New(), CompletedAt: &completedAt}), store.ErrRunNotFound)

	runs, err := s.ListRuns(ctx, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, []string{"DE", "FR"}, got.ReporterScope)
	assert.Equal(t, start, got.StartPeriod)
	assert.Equal(t, end, got.EndPeriod)
	assert.Equal(t, model.RunPartial, got.Status)
	assert.Equal(t, 40, got.Processed)
	assert.Equal(t, 30, got.Inserted)
	assert.Equal(t, 8, got.Skipped)
	assert.Equal(t, 2, got.Rejected)
	assert.Equal(t, 6, got.UnitsTotal)
	assert.Equal(t, 5, got.UnitsDone)
	assert.Equal(t, 1, got.UnitsFailed)
	assert.Equal(t, 4, got.APICalls)
	assert.Equal(t, 1, got.CacheHits)
	assert.Equal(t, "1 unit failed", got.ErrorMessage)
	assert.True(t, got.StartedAt.Equal(startedAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completedAt))

	none, err := s.ListRuns(ctx, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, none)

	failures, err := s.ListUnitFailures(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "FR:202202:M", failures[0].UnitKey)
	assert.Equal(t, "fetch", failures[0].Stage)
	assert.Equal(t, "502 bad gateway", failures[0].Message)
	assert.True(t, failures[0].FailedAt.Equal(startedAt.Add(time.Minute)))
}
