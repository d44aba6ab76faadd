package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"tradeingest/internal/cache"
	"tradeingest/internal/metrics"
	"tradeingest/internal/model"
	"tradeingest/internal/normalize"
	"tradeingest/internal/planner"
	"tradeingest/internal/providers"
	"tradeingest/internal/store"
)

const defaultMaxDepth = 2

type Config struct {
	Fetcher    providers.Fetcher
	Cache      *cache.Cache
	Store      store.Store
	Subdivider planner.Subdivider
	Workers    int
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

func (cfg *Config) Validate() error {
	if cfg.Fetcher == nil {
		return errors.New("pipeline: fetcher is required")
	}
	if cfg.Store == nil {
		return errors.New("pipeline: store is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Disabled()
	}
	if cfg.Subdivider == nil {
		cfg.Subdivider = planner.ChapterPolicy{MaxDepth: defaultMaxDepth}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

// Request selects the units of one run.
type Request struct {
	Reporters   []string
	Start       model.Period
	End         model.Period
	ResumeAfter *planner.Cursor
}

// Orchestrator drives each planned unit through cache or provider, validation and persistence,
// and keeps the run log.
type Orchestrator struct {
	fetcher    providers.Fetcher
	cache      *cache.Cache
	store      store.Store
	subdivider planner.Subdivider
	workers    int
	clock      clockwork.Clock
	log        *slog.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		fetcher:    cfg.Fetcher,
		cache:      cfg.Cache,
		store:      cfg.Store,
		subdivider: cfg.Subdivider,
		workers:    cfg.Workers,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}, nil
}

type runState struct {
	halted atomic.Bool

	mu          sync.Mutex
	processed   int
	inserted    int
	skipped     int
	rejected    int
	unitsDone   int
	unitsFailed int
	apiCalls    int
	cacheHits   int
}

func (s *runState) add(f func(s *runState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

// Run executes one import run. The returned run is always finalized when err is nil; err is
// reserved for failures of the run log itself.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.ImportRun, error) {
	seq := planner.Plan(req.Reporters, req.Start, req.End)
	if req.ResumeAfter != nil {
		seq = planner.Resume(seq, *req.ResumeAfter)
	}
	total := 0
	for range seq {
		total++
	}

	run := &model.ImportRun{
		RunID:         uuid.New(),
		StartPeriod:   req.Start,
		EndPeriod:     req.End,
		ReporterScope: planner.Reporters(req.Reporters),
		UnitsTotal:    total,
		Status:        model.RunRunning,
		StartedAt:     o.clock.Now().UTC(),
	}
	if err := o.store.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("pipeline: open run log: %w", err)
	}
	o.log.Info("import run started",
		"run_id", run.RunID,
		"reporters", strings.Join(run.ReporterScope, ","),
		"start", req.Start,
		"end", req.End,
		"units", total,
		"workers", o.workers,
	)

	state := &runState{}
	if o.workers > 1 {
		o.runParallel(ctx, run, seq, state)
	} else {
		o.runSequential(ctx, run, seq, state)
	}

	if err := o.finish(ctx, run, state); err != nil {
		return run, err
	}
	return run, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, run *model.ImportRun, seq iter.Seq[model.FetchUnit], state *runState) {
	for unit := range seq {
		if ctx.Err() != nil {
			return
		}
		o.processPlanned(ctx, run, unit, state)
	}
}

// runParallel gives each reporter its own worker. Units of one reporter stay in planner order.
func (o *Orchestrator) runParallel(ctx context.Context, run *model.ImportRun, seq iter.Seq[model.FetchUnit], state *runState) {
	byReporter := make(map[string][]model.FetchUnit)
	var order []string
	for unit := range seq {
		if _, ok := byReporter[unit.Reporter]; !ok {
			order = append(order, unit.Reporter)
		}
		byReporter[unit.Reporter] = append(byReporter[unit.Reporter], unit)
	}

	limit := min(o.workers, len(order), max(o.fetcher.RemainingCalls(), 1))
	o.log.Debug("running reporters concurrently", "reporters", len(order), "limit", limit)

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for _, reporter := range order {
		units := byReporter[reporter]
		g.Go(func() error {
			for _, unit := range units {
				if ctx.Err() != nil {
					return nil
				}
				o.processPlanned(ctx, run, unit, state)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) processPlanned(ctx context.Context, run *model.ImportRun, unit model.FetchUnit, state *runState) {
	o.transition(unit, model.UnitPlanned)
	if err := o.process(ctx, run, unit, state); err != nil {
		state.add(func(s *runState) { s.unitsFailed++ })
		metrics.Units.WithLabelValues(string(model.UnitFailed)).Inc()
		return
	}
	state.add(func(s *runState) { s.unitsDone++ })
	metrics.Units.WithLabelValues(string(model.UnitDone)).Inc()
}

// process runs one unit to DONE or FAILED. A truncated response is replaced by its subdivided
// children, and the unit is done only when every child is.
func (o *Orchestrator) process(ctx context.Context, run *model.ImportRun, unit model.FetchUnit, state *runState) error {
	o.transition(unit, model.UnitFetching)
	body, truncated, err := o.fetch(ctx, unit, state)
	if err != nil {
		return o.fail(ctx, run, unit, StageFetch, err)
	}

	if truncated {
		children, err := o.subdivider.Subdivide(unit)
		switch {
		case err == nil:
			o.log.Info("subdividing truncated unit", "unit", unit.Key(), "children", len(children), "depth", unit.Depth+1)
			var errs []error
			for _, child := range children {
				if err := ctx.Err(); err != nil {
					errs = append(errs, err)
					break
				}
				if err := o.process(ctx, run, child, state); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		case errors.Is(err, planner.ErrMaxDepth):
			o.log.Warn("unit still truncated at maximum subdivision depth, persisting partial payload",
				"unit", unit.Key(), "limit", o.fetcher.RecordLimit())
			o.recordFailure(ctx, run, unit, StageTruncated, "response reached the record limit at maximum subdivision depth")
		default:
			return o.fail(ctx, run, unit, StageFetch, err)
		}
	}

	o.transition(unit, model.UnitValidating)
	result, err := normalize.Normalize(body)
	if err != nil {
		return o.fail(ctx, run, unit, StageValidate, err)
	}
	for _, rejection := range result.Rejected {
		o.log.Debug("record rejected",
			"unit", unit.Key(),
			"index", rejection.Index,
			"reason", rejection.Reason,
			"field", rejection.Field,
			"detail", rejection.Detail,
		)
	}
	state.add(func(s *runState) {
		s.processed += len(result.Accepted) + len(result.Rejected)
		s.rejected += len(result.Rejected)
	})
	metrics.Rows.WithLabelValues("rejected").Add(float64(len(result.Rejected)))

	o.transition(unit, model.UnitPersisting)
	persisted, err := o.store.Persist(ctx, unit.Key(), result.Accepted)
	if err != nil {
		return o.fail(ctx, run, unit, StagePersist, err)
	}
	state.add(func(s *runState) {
		s.inserted += persisted.Inserted
		s.skipped += persisted.Skipped
	})
	metrics.Rows.WithLabelValues("inserted").Add(float64(persisted.Inserted))
	metrics.Rows.WithLabelValues("skipped").Add(float64(persisted.Skipped))

	o.log.Debug("unit state", "unit", unit.Key(), "state", model.UnitDone,
		"accepted", len(result.Accepted), "rejected", len(result.Rejected),
		"inserted", persisted.Inserted, "skipped", persisted.Skipped)
	return nil
}

// fetch serves the unit from cache when possible. Once the provider reports the quota spent, no
// further network fetches are made in this run.
func (o *Orchestrator) fetch(ctx context.Context, unit model.FetchUnit, state *runState) ([]byte, bool, error) {
	key := cache.KeyFor(unit)
	if entry, ok := o.cache.Get(ctx, key); ok {
		records, err := providers.CountRecords(entry.Payload)
		if err == nil {
			state.add(func(s *runState) { s.cacheHits++ })
			o.transition(unit, model.UnitCacheHit)
			return entry.Payload, records >= o.fetcher.RecordLimit(), nil
		}
		o.log.Warn("cached payload unreadable, fetching again", "unit", unit.Key(), "error", err)
	}

	if state.halted.Load() {
		return nil, false, providers.ErrQuotaExhausted
	}
	payload, err := o.fetcher.Fetch(ctx, unit)
	if err != nil {
		if errors.Is(err, providers.ErrQuotaExhausted) && state.halted.CompareAndSwap(false, true) {
			o.log.Warn("quota exhausted, remaining units are served from cache only", "unit", unit.Key())
		}
		return nil, false, err
	}
	state.add(func(s *runState) { s.apiCalls++ })
	o.transition(unit, model.UnitFetched)

	if err := o.cache.Put(ctx, key, payload.Body); err != nil {
		o.log.Warn("cache write failed", "unit", unit.Key(), "error", err)
	}
	return payload.Body, payload.Truncated, nil
}

func (o *Orchestrator) fail(ctx context.Context, run *model.ImportRun, unit model.FetchUnit, stage Stage, err error) error {
	unitErr := &UnitError{Unit: unit, Stage: stage, Err: err}
	o.log.Warn("unit failed", "unit", unit.Key(), "stage", stage, "error", err)
	o.recordFailure(ctx, run, unit, stage, err.Error())
	o.transition(unit, model.UnitFailed)
	return unitErr
}

func (o *Orchestrator) recordFailure(ctx context.Context, run *model.ImportRun, unit model.FetchUnit, stage Stage, message string) {
	err := o.store.RecordUnitFailure(context.WithoutCancel(ctx), model.UnitFailure{
		RunID:    run.RunID,
		UnitKey:  unit.Key(),
		Stage:    string(stage),
		Message:  message,
		FailedAt: o.clock.Now().UTC(),
	})
	if err != nil {
		o.log.Warn("failed to record unit failure", "unit", unit.Key(), "error", err)
	}
}

func (o *Orchestrator) transition(unit model.FetchUnit, state model.UnitState) {
	o.log.Debug("unit state", "unit", unit.Key(), "state", state)
}

// finish writes the run record exactly once, even when ctx is already cancelled.
func (o *Orchestrator) finish(ctx context.Context, run *model.ImportRun, state *runState) error {
	state.mu.Lock()
	run.Processed = state.processed
	run.Inserted = state.inserted
	run.Skipped = state.skipped
	run.Rejected = state.rejected
	run.UnitsDone = state.unitsDone
	run.UnitsFailed = state.unitsFailed
	run.APICalls = state.apiCalls
	run.CacheHits = state.cacheHits
	state.mu.Unlock()

	completedAt := o.clock.Now().UTC()
	run.CompletedAt = &completedAt
	run.Status = DeriveStatus(run.UnitsDone, run.UnitsTotal)
	run.ErrorMessage = errorMessage(run, state.halted.Load(), ctx.Err())

	if err := o.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		return fmt.Errorf("pipeline: finalize run log: %w", err)
	}
	metrics.Runs.WithLabelValues(string(run.Status)).Inc()

	level := slog.LevelInfo
	if run.Status != model.RunSuccess {
		level = slog.LevelWarn
	}
	o.log.Log(ctx, level, "import run finished",
		"run_id", run.RunID,
		"status", run.Status,
		"duration", run.Duration(),
		"units", run.UnitsTotal,
		"done", run.UnitsDone,
		"failed", run.UnitsFailed,
		"processed", run.Processed,
		"inserted", run.Inserted,
		"skipped", run.Skipped,
		"rejected", run.Rejected,
		"api_calls", run.APICalls,
		"cache_hits", run.CacheHits,
	)
	return nil
}

// DeriveStatus is SUCCESS when every planned unit is done, PARTIAL when some are, FAILED otherwise.
func DeriveStatus(done, total int) model.RunStatus {
	switch {
	case total > 0 && done == total:
		return model.RunSuccess
	case done > 0:
		return model.RunPartial
	default:
		return model.RunFailed
	}
}

func errorMessage(run *model.ImportRun, halted bool, ctxErr error) string {
	var parts []string
	if run.UnitsTotal == 0 {
		parts = append(parts, "no fetch units planned")
	}
	if ctxErr != nil {
		parts = append(parts, "run cancelled: "+ctxErr.Error())
	}
	if halted {
		parts = append(parts, "quota exhausted for all credentials")
	}
	if run.UnitsFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d units failed", run.UnitsFailed, run.UnitsTotal))
	}
	return strings.Join(parts, "; ")
}
