package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/flowkit/dispatch"
	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/evaluate"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pool"
	"github.com/kbukum/flowkit/schedule"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

// Config holds the scheduler's tuning knobs.
type Config struct {
	// TickInterval is the pause between scheduling sweeps.
	TickInterval time.Duration
	// MaxRunsPerTick bounds how many non-terminal runs one tick advances.
	MaxRunsPerTick int
	// Parallelism is the global ceiling on simultaneously active instances.
	Parallelism int
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxRunsPerTick <= 0 {
		c.MaxRunsPerTick = 64
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 32
	}
}

// Scheduler drives runs from creation to a terminal state.
type Scheduler struct {
	cfg     Config
	store   store.Store
	graphs  *graph.Registry
	pools   *pool.Pools
	eval    *evaluate.Evaluator
	disp    *dispatch.Dispatcher
	metrics *observability.Metrics
	log     *logger.Logger

	mu        sync.Mutex
	schedules map[string]*schedule.Spec // dag id -> parsed schedule

	startedAt time.Time
	now       func() time.Time
}

// New creates a Scheduler.
func New(cfg Config, st store.Store, graphs *graph.Registry, pools *pool.Pools, disp *dispatch.Dispatcher, metrics *observability.Metrics, log *logger.Logger) *Scheduler {
	cfg.ApplyDefaults()
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		graphs:    graphs,
		pools:     pools,
		eval:      evaluate.New(st, pools),
		disp:      disp,
		metrics:   metrics,
		log:       log.WithComponent("scheduler"),
		schedules: make(map[string]*schedule.Spec),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// SetClock replaces the scheduler's time source and watermark origin. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.startedAt = now()
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", logger.Fields(
		"tick_interval", s.cfg.TickInterval.String(),
		"parallelism", s.cfg.Parallelism,
	))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("tick failed", logger.ErrorFields("tick", err))
				s.metrics.RecordError(ctx, "tick", "scheduler")
			}
		}
	}
}

// Tick performs one scheduling sweep.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, observability.SpanTick)
	defer span.End()

	s.createDueRuns(ctx)

	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		States: []state.RunState{state.RunQueued, state.RunRunning},
		Limit:  s.cfg.MaxRunsPerTick,
	})
	if err != nil {
		return err
	}

	runs = s.promoteQueued(ctx, runs)
	candidates := s.advanceRuns(ctx, runs)
	s.admit(ctx, candidates)

	s.metrics.RecordTick(ctx, s.now().Sub(start))
	return nil
}

// promoteQueued admits queued runs in logical-date order, holding each DAG
// to its max-active-runs ceiling. Backfills and manual triggers may queue an
// unbounded backlog; only this gate moves runs into running. Runs held back
// are withheld from the rest of the tick so their instances stay untouched.
func (s *Scheduler) promoteQueued(ctx context.Context, runs []*store.DagRun) []*store.DagRun {
	running := make(map[string]int)
	admitted := make([]*store.DagRun, 0, len(runs))
	for _, run := range runs {
		if run.State != state.RunQueued {
			admitted = append(admitted, run)
			continue
		}
		g, ok := s.graphs.Get(run.DagID)
		if !ok {
			continue
		}
		n, counted := running[run.DagID]
		if !counted {
			n = s.runningRuns(ctx, run.DagID)
		}
		if n >= g.MaxActiveRuns() {
			running[run.DagID] = n
			continue
		}
		updated, err := s.store.SetRunState(ctx, run.ID, state.RunQueued, state.RunRunning)
		if err != nil {
			// A control action moved the run concurrently; pick it up next tick.
			running[run.DagID] = n
			continue
		}
		running[run.DagID] = n + 1
		admitted = append(admitted, updated)
	}
	return admitted
}

// runningRuns counts a DAG's runs currently in the running state.
func (s *Scheduler) runningRuns(ctx context.Context, dagID string) int {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		DagID:  dagID,
		States: []state.RunState{state.RunRunning},
	})
	if err != nil {
		return 0
	}
	return len(runs)
}

// candidate is one dependency-ready instance waiting for admission.
type candidate struct {
	run    *store.DagRun
	ti     *store.TaskInstance
	weight int
}

// advanceRuns advances each run on its own goroutine and merges the ready
// candidates.
func (s *Scheduler) advanceRuns(ctx context.Context, runs []*store.DagRun) []candidate {
	var (
		mu         sync.Mutex
		candidates []candidate
		wg         sync.WaitGroup
	)
	for _, run := range runs {
		wg.Add(1)
		go func(run *store.DagRun) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic while advancing run", logger.Fields(
						logger.FieldRunID, run.ID,
						logger.FieldDagID, run.DagID,
						"panic", r,
					))
					s.metrics.RecordError(ctx, "panic", "scheduler")
				}
			}()

			ready, err := s.advanceRun(ctx, run)
			if err != nil {
				s.log.Warn("failed to advance run", logger.Fields(
					logger.FieldRunID, run.ID,
					logger.FieldDagID, run.DagID,
					logger.FieldError, err.Error(),
				))
				return
			}
			mu.Lock()
			candidates = append(candidates, ready...)
			mu.Unlock()
		}(run)
	}
	wg.Wait()
	return candidates
}

// advanceRun promotes due retries, enforces timeouts, applies trigger rules,
// and rolls the run up if every instance is terminal. It returns the run's
// dependency-ready instances.
func (s *Scheduler) advanceRun(ctx context.Context, run *store.DagRun) ([]candidate, error) {
	g, ok := s.graphs.Get(run.DagID)
	if !ok {
		// The DAG was unloaded; leave its runs untouched.
		return nil, nil
	}
	if run.State == state.RunQueued {
		// Not admitted under the max-active-runs ceiling yet.
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanRunAdvance)
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrDagID, run.DagID)
	observability.SetSpanAttribute(ctx, observability.AttrRunID, run.ID)

	instances, err := s.store.ListInstances(ctx, store.InstanceFilter{RunID: run.ID})
	if err != nil {
		return nil, err
	}

	paused := s.graphs.IsPaused(run.DagID)
	var ready []candidate
	for i, ti := range instances {
		switch ti.State {
		case state.InstanceUpForRetry:
			promoted, err := s.disp.PromoteRetry(ctx, ti)
			if err != nil {
				continue
			}
			if promoted {
				ti.State = state.InstanceScheduled
			} else {
				continue
			}
		case state.InstanceRunning:
			timedOut, err := s.disp.CheckTimeout(ctx, ti)
			if err == nil && timedOut {
				if refreshed, gerr := s.store.GetInstance(ctx, ti.ID); gerr == nil {
					instances[i] = refreshed
				}
			}
			continue
		case state.InstanceQueued:
			continue
		}
		if ti.State.Terminal() {
			continue
		}

		res, err := s.eval.Evaluate(ctx, g, ti, instances)
		if err != nil {
			s.log.Warn("evaluation failed", logger.Fields(
				logger.FieldInstanceID, ti.ID,
				logger.FieldError, err.Error(),
			))
			continue
		}
		switch res.Outcome {
		case evaluate.Ready:
			if paused {
				continue
			}
			// Dependency-met instances are marked scheduled; dispatch moves
			// them on from there.
			if ti.State == state.InstanceNone {
				marked, err := s.store.SetInstanceState(ctx, ti.ID, state.InstanceNone, state.InstanceScheduled, store.InstanceUpdate{})
				if err != nil {
					continue
				}
				instances[i] = marked
				ti = marked
			}
			task, _ := g.Task(ti.TaskID)
			ready = append(ready, candidate{run: run, ti: ti, weight: task.PriorityWeight})
		case evaluate.Blocked:
			forced, err := s.store.SetInstanceState(ctx, ti.ID, ti.State, res.ForceState, store.InstanceUpdate{})
			if err == nil {
				instances[i] = forced
				s.metrics.RecordInstanceFinished(ctx, ti.DagID, string(res.ForceState))
				s.log.Info("instance blocked",
					logger.InstanceFields(ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex),
					logger.Fields(logger.FieldState, string(res.ForceState), "reason", res.Reason))
			}
		}
	}

	if err := s.rollup(ctx, run, instances); err != nil {
		return ready, err
	}
	return ready, nil
}

// rollup moves a run whose instances are all terminal to its own terminal
// state: failed when any instance failed or was failed by propagation,
// success otherwise.
func (s *Scheduler) rollup(ctx context.Context, run *store.DagRun, instances []*store.TaskInstance) error {
	if run.State.Terminal() {
		return nil
	}
	failed := false
	for _, ti := range instances {
		if !ti.State.Terminal() {
			return nil
		}
		if ti.State == state.InstanceFailed || ti.State == state.InstanceUpstreamFailed {
			failed = true
		}
	}

	final := state.RunSuccess
	if failed {
		final = state.RunFailed
	}
	if _, err := s.store.SetRunState(ctx, run.ID, run.State, final); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition) {
			return nil
		}
		return err
	}
	s.metrics.RecordRunFinished(ctx, run.DagID, string(final))
	s.log.Info("run finished", logger.Fields(
		logger.FieldDagID, run.DagID,
		logger.FieldRunID, run.ID,
		logger.FieldState, string(final),
		logger.FieldLogicalDate, run.LogicalDate,
	))
	return nil
}

// admit dispatches candidates in priority order under the global ceiling.
// Higher PriorityWeight first, then older logical dates.
func (s *Scheduler) admit(ctx context.Context, candidates []candidate) {
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].weight != candidates[j].weight {
			return candidates[i].weight > candidates[j].weight
		}
		if !candidates[i].run.LogicalDate.Equal(candidates[j].run.LogicalDate) {
			return candidates[i].run.LogicalDate.Before(candidates[j].run.LogicalDate)
		}
		return candidates[i].ti.ID < candidates[j].ti.ID
	})

	budget := s.cfg.Parallelism - s.activeInstances(ctx)
	for _, c := range candidates {
		if budget <= 0 {
			break
		}
		if err := s.disp.Dispatch(ctx, c.run, c.ti); err != nil {
			// Full pools and stale instances resolve themselves next tick.
			if apperrors.IsCode(err, apperrors.ErrCodeBackendUnavailable) {
				s.metrics.RecordError(ctx, "backend", "scheduler")
			}
			continue
		}
		s.metrics.RecordDispatch(ctx, c.ti.DagID, c.ti.TaskID, c.ti.Pool)
		budget--
	}
}

// activeInstances counts queued and running instances across all loaded DAGs.
func (s *Scheduler) activeInstances(ctx context.Context) int {
	total := 0
	for _, g := range s.graphs.List() {
		n, err := s.store.CountActiveInstances(ctx, g.ID(), "")
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// createDueRuns materializes scheduled runs for every unpaused DAG whose
// schedule has come due, respecting catchup and max active runs.
func (s *Scheduler) createDueRuns(ctx context.Context) {
	now := s.now()
	for _, g := range s.graphs.List() {
		if g.Schedule() == "" || s.graphs.IsPaused(g.ID()) {
			continue
		}
		spec, err := s.scheduleFor(g)
		if err != nil {
			s.log.Warn("invalid schedule", logger.Fields(
				logger.FieldDagID, g.ID(),
				logger.FieldError, err.Error(),
			))
			continue
		}

		watermark, ok, err := s.store.LatestLogicalDate(ctx, g.ID())
		if err != nil {
			continue
		}
		if !ok {
			watermark = s.startedAt
		}

		for _, due := range spec.DueTimes(watermark, now, g.Catchup()) {
			active, err := s.store.CountActiveRuns(ctx, g.ID())
			if err != nil || active >= g.MaxActiveRuns() {
				break
			}
			if _, err := s.createRun(ctx, g, due, store.RunTypeScheduled, nil); err != nil {
				if !apperrors.IsCode(err, apperrors.ErrCodeAlreadyExists) {
					s.log.Warn("failed to create run", logger.Fields(
						logger.FieldDagID, g.ID(),
						logger.FieldLogicalDate, due,
						logger.FieldError, err.Error(),
					))
				}
			}
		}
	}
}

// createRun persists a run and its full instance expansion.
func (s *Scheduler) createRun(ctx context.Context, g *graph.Graph, logical time.Time, runType store.RunType, conf map[string]any) (*store.DagRun, error) {
	run := &store.DagRun{
		ID:           uuid.NewString(),
		DagID:        g.ID(),
		LogicalDate:  logical,
		State:        state.RunQueued,
		RunType:      runType,
		GraphVersion: g.Version(),
		Conf:         conf,
	}
	var instances []*store.TaskInstance
	for _, task := range g.Tasks() {
		for idx := 0; idx < task.MapWidth; idx++ {
			instances = append(instances, &store.TaskInstance{
				ID:       store.InstanceKey(run.ID, task.ID, idx),
				RunID:    run.ID,
				DagID:    g.ID(),
				TaskID:   task.ID,
				MapIndex: idx,
				State:    state.InstanceNone,
				MaxTries: task.MaxTries(),
				Pool:     task.Pool,
			})
		}
	}
	if err := s.store.CreateRun(ctx, run, instances); err != nil {
		return nil, err
	}
	s.metrics.RecordRunCreated(ctx, g.ID(), string(runType))
	s.log.Info("run created", logger.Fields(
		logger.FieldDagID, g.ID(),
		logger.FieldRunID, run.ID,
		logger.FieldLogicalDate, logical,
		"run_type", string(runType),
	))
	return run, nil
}

// scheduleFor returns the parsed schedule for a graph, caching per DAG id.
// The cache entry is rebuilt when a re-registered DAG changes its expression.
func (s *Scheduler) scheduleFor(g *graph.Graph) (*schedule.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec, ok := s.schedules[g.ID()]; ok && spec.String() == g.Schedule() {
		return spec, nil
	}
	spec, err := schedule.Parse(g.Schedule())
	if err != nil {
		return nil, err
	}
	s.schedules[g.ID()] = spec
	return spec, nil
}
