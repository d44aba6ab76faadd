package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"tradeingest/internal/model"
	"tradeingest/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
	dims *store.DimensionCache
	log  *slog.Logger
}

// New connects to dsn and pings the server so an unreachable database fails at startup.
func New(ctx context.Context, dsn string, maxConns int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, dims: store.NewDimensionCache(), log: log}, nil
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return store.RunMigrations(ctx, s.log, db, store.DialectPostgres)
}

func (s *Store) Persist(ctx context.Context, source string, rows []model.CanonicalRow) (store.PersistResult, error) {
	if len(rows) == 0 {
		return store.PersistResult{}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.PersistResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	staged, err := store.ResolveDimensions(ctx, dimensionTx{tx: tx}, s.dims, store.CollectDimensions(rows))
	if err != nil {
		return store.PersistResult{}, err
	}

	statement := store.FactInsertStatement(store.Dollar)
	b := &pgx.Batch{}
	for _, row := range rows {
		args, err := store.FactArgs(row, staged, source)
		if err != nil {
			return store.PersistResult{}, err
		}
		b.Queue(statement, args...)
	}

	inserted := 0
	br := tx.SendBatch(ctx, b)
	for _, row := range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return store.PersistResult{}, fmt.Errorf("insert fact %s: %w", row.NaturalKey(), err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return store.PersistResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.PersistResult{}, err
	}
	s.dims.Merge(staged)

	return store.PersistResult{Inserted: inserted, Skipped: len(rows) - inserted}, nil
}

type dimensionTx struct {
	tx pgx.Tx
}

func (d dimensionTx) QueryDimension(ctx context.Context, t store.Table, code string) (store.CachedDimension, bool, error) {
	var entry store.CachedDimension
	err := d.tx.QueryRow(ctx, t.SelectStatement(store.Dollar), code).Scan(&entry.ID, &entry.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	return entry, true, nil
}

func (d dimensionTx) InsertDimension(ctx context.Context, v store.DimensionValue) error {
	_, err := d.tx.Exec(ctx, v.Table.InsertStatement(store.Dollar), v.Table.InsertArgs(v)...)
	return err
}

func (d dimensionTx) UpdateDimension(ctx context.Context, t store.Table, id int64, description string) error {
	_, err := d.tx.Exec(ctx, t.UpdateStatement(store.Dollar), description, id)
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

	err := s.pool.QueryRow(ctx, `
		INSERT INTO import_logs (
			run_id, reporter_scope, start_period, end_period, units_total, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`,
		run.RunID.String(),
		store.JoinScope(run.ReporterScope),
		run.StartPeriod.String(),
		run.EndPeriod.String(),
		run.UnitsTotal,
		string(run.Status),
		run.StartedAt.UTC(),
	).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("postgres: start run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *model.ImportRun) error {
	if run.CompletedAt == nil {
		return fmt.Errorf("postgres: finish run %s: completed_at is not set", run.RunID)
	}

	var errorMessage *string
	if run.ErrorMessage != "" {
		errorMessage = &run.ErrorMessage
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_logs SET
			records_processed = $1, records_inserted = $2, records_skipped = $3, records_rejected = $4,
			units_total = $5, units_done = $6, units_failed = $7,
			api_calls = $8, cache_hits = $9,
			duration_seconds = $10, status = $11, error_message = $12, completed_at = $13
		WHERE run_id = $14 AND completed_at IS NULL
	`,
		run.Processed, run.Inserted, run.Skipped, run.Rejected,
		run.UnitsTotal, run.UnitsDone, run.UnitsFailed,
		run.APICalls, run.CacheHits,
		fmt.Sprintf("%.2f", run.Duration().Seconds()), string(run.Status), errorMessage, run.CompletedAt.UTC(),
		run.RunID.String(),
	)
	if err != nil {
		return fmt.Errorf("postgres: finish run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM import_logs WHERE run_id = $1)`, run.RunID.String()).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrRunNotFound
	}
	return store.ErrRunFinalized
}

func (s *Store) RecordUnitFailure(ctx context.Context, failure model.UnitFailure) error {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_unit_failures (run_id, unit_key, stage, message, failed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, failure.RunID.String(), failure.UnitKey, failure.Stage, failure.Message, failure.FailedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: record unit failure: %w", err)
	}
	return nil
}

func (s *Store) ListUnitFailures(ctx context.Context, runID uuid.UUID) ([]model.UnitFailure, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT unit_key, stage, message, failed_at
		FROM import_unit_failures
		WHERE run_id = $1
		ORDER BY id
	`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []model.UnitFailure
	for rows.Next() {
		failure := model.UnitFailure{RunID: runID}
		if err := rows.Scan(&failure.UnitKey, &failure.Stage, &failure.Message, &failure.FailedAt); err != nil {
			return nil, err
		}
		failure.FailedAt = failure.FailedAt.UTC()
		failures = append(failures, failure)
	}
	return failures, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, from, to time.Time) ([]model.ImportRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id::text, reporter_scope, start_period, end_period,
			records_processed, records_inserted, records_skipped, records_rejected,
			units_total, units_done, units_failed, api_calls, cache_hits,
			status, error_message, started_at, completed_at
		FROM import_logs
		WHERE started_at >= $1 AND started_at < $2
		ORDER BY started_at, id
	`, from.UTC(), to.UTC())
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
			errorMessage           *string
			completedAt            *time.Time
		)
		if err := rows.Scan(
			&run.ID, &runID, &scope, &startPeriod, &endPeriod,
			&run.Processed, &run.Inserted, &run.Skipped, &run.Rejected,
			&run.UnitsTotal, &run.UnitsDone, &run.UnitsFailed, &run.APICalls, &run.CacheHits,
			&status, &errorMessage, &run.StartedAt, &completedAt,
		); err != nil {
			return nil, err
		}

		if run.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("postgres: run %d: %w", run.ID, err)
		}
		if run.StartPeriod, err = model.ParsePeriod(startPeriod); err != nil {
			return nil, fmt.Errorf("postgres: run %d: %w", run.ID, err)
		}
		if run.EndPeriod, err = model.ParsePeriod(endPeriod); err != nil {
			return nil, fmt.Errorf("postgres: run %d: %w", run.ID, err)
		}
		run.StartedAt = run.StartedAt.UTC()
		if completedAt != nil {
			completed := completedAt.UTC()
			run.CompletedAt = &completed
		}
		if errorMessage != nil {
			run.ErrorMessage = *errorMessage
		}
		run.ReporterScope = store.SplitScope(scope)
		run.Status = model.RunStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) CountFacts(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tariffline_data`).Scan(&count)
	return count, err
}

var _ store.Store = (*Store)(nil)
