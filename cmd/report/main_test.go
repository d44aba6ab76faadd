package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeingest/internal/logger"
	"tradeingest/internal/model"
	"tradeingest/internal/store/sqlite"
)

func TestParseDay(t *testing.T) {
	now := time.Date(2024, 5, 1, 17, 45, 0, 0, time.UTC)

	day, err := parseDay("", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), day)

	day, err = parseDay("2024-04-30", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC), day)

	_, err = parseDay("30/04/2024", now)
	assert.ErrorContains(t, err, "invalid --day")
}

func finishedRun(t *testing.T, st *sqlite.Store, started time.Time, status model.RunStatus, scope []string, mutate func(*model.ImportRun)) *model.ImportRun {
	t.Helper()
	run := &model.ImportRun{
		StartPeriod:   model.Period{Year: 2022, Month: 1},
		EndPeriod:     model.Period{Year: 2022, Month: 3},
		ReporterScope: scope,
		UnitsTotal:    3,
		StartedAt:     started,
	}
	require.NoError(t, st.StartRun(t.Context(), run))
	completed := started.Add(30 * time.Second)
	run.CompletedAt = &completed
	run.Status = status
	if mutate != nil {
		mutate(run)
	}
	require.NoError(t, st.FinishRun(t.Context(), run))
	return run
}

func TestLoadReport(t *testing.T) {
	st, err := sqlite.New(filepath.Join(t.TempDir(), "comtrade.db"), logger.NewWithWriter(t.Output(), slog.LevelDebug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(t.Context()))

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	finishedRun(t, st, day.Add(2*time.Hour), model.RunSuccess, []string{"DE"}, func(r *model.ImportRun) {
		r.UnitsDone = 3
		r.APICalls = 3
		r.Processed = 30
		r.Inserted = 30
	})
	partial := finishedRun(t, st, day.Add(5*time.Hour), model.RunPartial, []string{"DE", "FR"}, func(r *model.ImportRun) {
		r.UnitsDone = 2
		r.UnitsFailed = 1
		r.CacheHits = 2
		r.Processed = 20
		r.Skipped = 20
		r.ErrorMessage = "1 of 3 units failed"
	})
	require.NoError(t, st.RecordUnitFailure(t.Context(), model.UnitFailure{
		RunID:   partial.RunID,
		UnitKey: "FR:202202:M",
		Stage:   "fetch",
		Message: "404 Not Found",
	}))
	finishedRun(t, st, day.Add(-time.Hour), model.RunFailed, []string{"IT"}, nil)

	now := day.Add(23 * time.Hour)
	report, err := loadReport(t.Context(), st, day, now)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", report.Day)
	assert.Equal(t, 2, report.Executions, "runs from the previous day are excluded")
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Partial)
	assert.InDelta(t, 50.0, report.SuccessRate, 0.001)
	assert.InDelta(t, 60.0, report.TotalDurationSeconds, 0.001)
	assert.Equal(t, 3, report.APICalls)
	assert.Equal(t, 2, report.CacheHits)
	assert.Equal(t, 50, report.Processed)
	assert.Equal(t, 30, report.Inserted)
	assert.Equal(t, 20, report.Skipped)
	assert.Equal(t, []string{"DE", "FR"}, report.Reporters)

	require.Len(t, report.Runs, 2)
	require.Len(t, report.Runs[1].Failures, 1)
	assert.Equal(t, failureReport{Unit: "FR:202202:M", Stage: "fetch", Message: "404 Not Found"}, report.Runs[1].Failures[0])

	var text bytes.Buffer
	require.NoError(t, writeText(&text, report))
	assert.Contains(t, text.String(), "Comtrade Data Pipeline - Daily Report 20240501")
	assert.Contains(t, text.String(), "Success Rate: 50.00%")
	assert.Contains(t, text.String(), "Countries Processed: DE, FR")
	assert.Contains(t, text.String(), "  FR:202202:M [fetch] 404 Not Found")
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daily_report_20240501.json")
	report := buildReport(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC), nil, nil)
	require.NoError(t, writeJSON(path, report))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2024-05-01", decoded["day"])
	assert.Equal(t, "2024-05-02T01:00:00Z", decoded["generated_at"])
	assert.EqualValues(t, 0, decoded["executions"])
	assert.Equal(t, []any{}, decoded["reporters"])
}
