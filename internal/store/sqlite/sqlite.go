package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tradeingest/internal/model"
	"tradeingest/internal/store"
)

// timeLayout sorts lexically, which ListRuns relies on.
const timeLayout = "2006-01-02 15:04:05.000000000"

type Store struct {
	db   *sql.DB
	dims *store.DimensionCache
	log  *slog.Logger
}

func New(path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA busy_timeout = 5000;`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	return &Store{db: db, dims: store.NewDimensionCache(), log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return store.RunMigrations(ctx, s.log, s.db, store.DialectSQLite)
}

func (s *Store) Persist(ctx context.Context, source string, rows []model.CanonicalRow) (store.PersistResult, error) {
	if len(rows) == 0 {
		return store.PersistResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.PersistResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	staged, err := store.ResolveDimensions(ctx, dimensionTx{tx: tx}, s.dims, store.CollectDimensions(rows))
	if err != nil {
		return store.PersistResult{}, err
	}

	stmt, err := tx.PrepareContext(ctx, store.FactInsertStatement(store.Question))
	if err != nil {
		return store.PersistResult{}, err
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		args, err := store.FactArgs(row, staged, source)
		if err != nil {
			return store.PersistResult{}, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return store.PersistResult{}, fmt.Errorf("insert fact %s: %w", row.NaturalKey(), err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return store.PersistResult{}, err
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return store.PersistResult{}, err
	}
	s.dims.Merge(staged)

	return store.PersistResult{Inserted: inserted, Skipped: len(rows) - inserted}, nil
}

type dimensionTx struct {
	tx *sql.Tx
}

func (d dimensionTx) QueryDimension(ctx context.Context, t store.Table, code string) (store.CachedDimension, bool, error) {
	var entry store.CachedDimension
	err := d.tx.QueryRowContext(ctx, t.SelectStatement(store.Question), code).Scan(&entry.ID, &entry.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	return entry, true, nil
}

func (d dimensionTx) InsertDimension(ctx context.Context, v store.DimensionValue) error {
	_, err := d.tx.ExecContext(ctx, v.Table.InsertStatement(store.Question), v.Table.InsertArgs(v)...)
	return err
}

func (d dimensionTx) UpdateDimension(ctx context.Context, t store.Table, id int64, description string) error {
	_, err := d.tx.ExecContext(ctx, t.UpdateStatement(store.Question), description, id)
	return err
}

func (s *Store) StartRun(ctx context.Context, run *model.ImportRun) error {
	if run.RunID == uuid.Nil {
		run.RunID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunRunning
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO import_logs (
			run_id, reporter_scope, start_period, end_period, units_total, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID.String(),
		store.JoinScope(run.ReporterScope),
		run.StartPeriod.String(),
		run.EndPeriod.String(),
		run.UnitsTotal,
		string(run.Status),
		run.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: start run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *model.ImportRun) error {
	if run.CompletedAt == nil {
		return fmt.Errorf("sqlite: finish run %s: completed_at is not set", run.RunID)
	}

	var errorMessage any
	if run.ErrorMessage != "" {
		errorMessage = run.ErrorMessage
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE import_logs SET
			records_processed = ?, records_inserted = ?, records_skipped = ?, records_rejected = ?,
			units_total = ?, units_done = ?, units_failed = ?,
			api_calls = ?, cache_hits = ?,
			duration_seconds = ?, status = ?, error_message = ?, completed_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE run_id = ? AND completed_at IS NULL
	`,
		run.Processed, run.Inserted, run.Skipped, run.Rejected,
		run.UnitsTotal, run.UnitsDone, run.UnitsFailed,
		run.APICalls, run.CacheHits,
		run.Duration().Seconds(), string(run.Status), errorMessage, run.CompletedAt.UTC().Format(timeLayout),
		run.RunID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_logs WHERE run_id = ?`, run.RunID.String()).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrRunNotFound
	}
	return store.ErrRunFinalized
}

func (s *Store) RecordUnitFailure(ctx context.Context, failure model.UnitFailure) error {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_unit_failures (run_id, unit_key, stage, message, failed_at)
		VALUES (?, ?, ?, ?, ?)
	`, failure.RunID.String(), failure.UnitKey, failure.Stage, failure.Message, failure.FailedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("sqlite: record unit failure: %w", err)
	}
	return nil
}

func (s *Store) ListUnitFailures(ctx context.Context, runID uuid.UUID) ([]model.UnitFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_key, stage, message, failed_at
		FROM import_unit_failures
		WHERE run_id = ?
		ORDER BY id
	`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []model.UnitFailure
	for rows.Next() {
		failure := model.UnitFailure{RunID: runID}
		var failedAt string
		if err := rows.Scan(&failure.UnitKey, &failure.Stage, &failure.Message, &failedAt); err != nil {
			return nil, err
		}
		if failure.FailedAt, err = time.Parse(timeLayout, failedAt); err != nil {
			return nil, err
		}
		failures = append(failures, failure)
	}
	return failures, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, from, to time.Time) ([]model.ImportRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, reporter_scope, start_period, end_period,
			records_processed, records_inserted, records_skipped, records_rejected,
			units_total, units_done, units_failed, api_calls, cache_hits,
			status, error_message, started_at, completed_at
		FROM import_logs
		WHERE started_at >= ? AND started_at < ?
		ORDER BY started_at, id
	`, from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.ImportRun
	for rows.Next() {
		var (
			run                    model.ImportRun
			runID, scope           string
			startPeriod, endPeriod string
			status                 string
			errorMessage           sql.NullString
			startedAt              string
			completedAt            sql.NullString
		)
		if err := rows.Scan(
			&run.ID, &runID, &scope, &startPeriod, &endPeriod,
			&run.Processed, &run.Inserted, &run.Skipped, &run.Rejected,
			&run.UnitsTotal, &run.UnitsDone, &run.UnitsFailed, &run.APICalls, &run.CacheHits,
			&status, &errorMessage, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		if run.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("sqlite: run %d: %w", run.ID, err)
		}
		if run.StartPeriod, err = model.ParsePeriod(startPeriod); err != nil {
			return nil, fmt.Errorf("sqlite: run %d: %w", run.ID, err)
		}
		if run.EndPeriod, err = model.ParsePeriod(endPeriod); err != nil {
			return nil, fmt.Errorf("sqlite: run %d: %w", run.ID, err)
		}
		if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("sqlite: run %d: %w", run.ID, err)
		}
		if completedAt.Valid {
			completed, err := time.Parse(timeLayout, completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("sqlite: run %d: %w", run.ID, err)
			}
			run.CompletedAt = &completed
		}
		run.ReporterScope = store.SplitScope(scope)
		run.Status = model.RunStatus(status)
		run.ErrorMessage = errorMessage.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) CountFacts(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tariffline_data`).Scan(&count)
	return count, err
}

var _ store.Store = (*Store)(nil)
