package dispatch

import (
	"context"
	"math"
	"time"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pool"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

// Outcome is the backend's verdict for a finished try.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Job describes one try handed to the backend.
type Job struct {
	InstanceID string
	DagID      string
	RunID      string
	TaskID     string
	MapIndex   int
	TryNumber  int
	// Timeout is the wall-clock limit for this try (0 = none). The backend
	// should cancel the try's context when it elapses; the dispatcher
	// independently enforces it via CheckTimeout.
	Timeout time.Duration
	// Conf is the run-level configuration passed through to the handler.
	Conf map[string]any
}

// Backend runs tries. Submit must not block on the try itself; the backend
// reports progress through the Reporter it was constructed with.
type Backend interface {
	Submit(ctx context.Context, job Job) error
	// Terminate stops a try best-effort. Termination is advisory: the
	// authoritative state change is the dispatcher's, and a late report from
	// a terminated try loses the compare-and-set.
	Terminate(ctx context.Context, instanceID string) error
}

// Dispatcher owns the instance state machine between scheduled and terminal.
type Dispatcher struct {
	store   store.Store
	pools   *pool.Pools
	graphs  *graph.Registry
	backend Backend
	log     *logger.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Dispatcher.
func New(st store.Store, pools *pool.Pools, graphs *graph.Registry, backend Backend, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		pools:   pools,
		graphs:  graphs,
		backend: backend,
		log:     log.WithComponent("dispatch"),
		now:     time.Now,
	}
}

// SetClock replaces the dispatcher's time source. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch moves a scheduled instance to queued and submits it to the
// backend, taking one pool slot. The slot is held until the try reaches a
// resting state (terminal, up_for_retry, or cancelled). The try itself is
// consumed when the backend starts the try, not here: a backend outage rolls
// the instance back to scheduled with its retry budget untouched, and it is
// simply offered again next tick.
func (d *Dispatcher) Dispatch(ctx context.Context, run *store.DagRun, ti *store.TaskInstance) error {
	ctx, span := observability.StartSpan(ctx, observability.SpanDispatch)
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrDagID, ti.DagID)
	observability.SetSpanAttribute(ctx, observability.AttrTaskID, ti.TaskID)

	g, ok := d.graphs.Get(ti.DagID)
	if !ok {
		return apperrors.NotFound("dag", ti.DagID)
	}
	task, ok := g.Task(ti.TaskID)
	if !ok {
		return apperrors.UnknownTask(ti.DagID, ti.TaskID)
	}

	if !d.pools.Acquire(task.Pool, 1) {
		return apperrors.ResourceUnavailable(task.Pool)
	}

	if _, err := d.store.SetInstanceState(ctx, ti.ID, state.InstanceScheduled, state.InstanceQueued, store.InstanceUpdate{}); err != nil {
		d.pools.Release(task.Pool, 1)
		return err
	}

	job := Job{
		InstanceID: ti.ID,
		DagID:      ti.DagID,
		RunID:      ti.RunID,
		TaskID:     ti.TaskID,
		MapIndex:   ti.MapIndex,
		TryNumber:  ti.TryNumber + 1,
		Timeout:    task.Timeout,
		Conf:       run.Conf,
	}
	if err := d.backend.Submit(ctx, job); err != nil {
		d.requeue(ctx, ti, task, err)
		return apperrors.BackendUnavailable(err)
	}

	d.log.Info("dispatched",
		logger.InstanceFields(ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex),
		logger.Fields(logger.FieldTryNumber, job.TryNumber, logger.FieldPool, task.Pool))
	return nil
}

// requeue rolls a queued instance back to scheduled after a failed
// submission and returns its slot.
func (d *Dispatcher) requeue(ctx context.Context, ti *store.TaskInstance, task graph.Task, cause error) {
	d.pools.Release(task.Pool, 1)
	d.log.Warn("backend submission failed, requeueing",
		logger.InstanceFields(ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex),
		logger.Fields(logger.FieldError, cause.Error()))
	if _, err := d.store.SetInstanceState(ctx, ti.ID, state.InstanceQueued, state.InstanceScheduled, store.InstanceUpdate{}); err != nil {
		d.log.Warn("requeue lost to a concurrent transition",
			logger.Fields(logger.FieldInstanceID, ti.ID, logger.FieldError, err.Error()))
	}
}

// Start records that the backend began executing a try, consuming one try
// from the budget.
func (d *Dispatcher) Start(ctx context.Context, instanceID string) error {
	_, err := d.store.SetInstanceState(ctx, instanceID, state.InstanceQueued, state.InstanceRunning, store.InstanceUpdate{IncrementTry: true})
	return err
}

// Report folds a finished try into the store. A failed try with budget left
// goes to up_for_retry with an exponential backoff deadline; out of budget it
// goes to failed. Reports for instances no longer in flight lose the
// compare-and-set and are discarded.
func (d *Dispatcher) Report(ctx context.Context, instanceID string, outcome Outcome) error {
	ti, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}

	// A backend may fail a job it never started. Promoting it consumes the
	// try the same way a started one would.
	if ti.State == state.InstanceQueued {
		ti, err = d.store.SetInstanceState(ctx, instanceID, state.InstanceQueued, state.InstanceRunning, store.InstanceUpdate{IncrementTry: true})
		if err != nil {
			return err
		}
	}
	if ti.State != state.InstanceRunning {
		return apperrors.InvalidTransition(string(ti.State), string(outcome))
	}

	switch outcome {
	case OutcomeSuccess:
		ti, err = d.store.SetInstanceState(ctx, instanceID, state.InstanceRunning, state.InstanceSuccess, store.InstanceUpdate{})
	case OutcomeFailed:
		ti, err = d.failTry(ctx, ti)
	default:
		return apperrors.InvalidInput("outcome", "unknown outcome "+string(outcome))
	}
	if err != nil {
		return err
	}

	d.releaseSlot(ti)
	d.log.Info("try finished",
		logger.InstanceFields(ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex),
		logger.Fields(logger.FieldState, string(ti.State), logger.FieldTryNumber, ti.TryNumber))
	return nil
}

// failTry routes a failed running try to up_for_retry or failed.
func (d *Dispatcher) failTry(ctx context.Context, ti *store.TaskInstance) (*store.TaskInstance, error) {
	if ti.TryNumber < ti.MaxTries {
		delay := d.backoffDelay(ti)
		next := d.now().Add(delay)
		return d.store.SetInstanceState(ctx, ti.ID, state.InstanceRunning, state.InstanceUpForRetry,
			store.InstanceUpdate{NextRetryAt: &next})
	}

	updated, err := d.store.SetInstanceState(ctx, ti.ID, state.InstanceRunning, state.InstanceFailed, store.InstanceUpdate{})
	if err != nil {
		return nil, err
	}
	exhausted := apperrors.RetryExhausted(ti.TaskID, ti.MaxTries)
	observability.SetSpanError(ctx, exhausted)
	d.log.Warn("retry budget exhausted",
		logger.InstanceFields(ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex),
		logger.Fields(logger.FieldError, exhausted.Error()))
	return updated, nil
}

// backoffDelay computes the delay before the next try after try ti.TryNumber
// failed: RetryDelay * BackoffFactor^(try-1), capped at MaxRetryDelay.
func (d *Dispatcher) backoffDelay(ti *store.TaskInstance) time.Duration {
	task, ok := d.taskOf(ti)
	if !ok {
		return 30 * time.Second
	}
	delay := time.Duration(float64(task.RetryDelay) * math.Pow(task.BackoffFactor, float64(ti.TryNumber-1)))
	if task.MaxRetryDelay > 0 && delay > task.MaxRetryDelay {
		delay = task.MaxRetryDelay
	}
	if delay < 0 {
		// Overflow from a huge exponent.
		delay = task.MaxRetryDelay
		if delay <= 0 {
			delay = task.RetryDelay
		}
	}
	return delay
}

// PromoteRetry re-schedules an up_for_retry instance whose backoff deadline
// has passed. Returns false when the deadline is still in the future.
func (d *Dispatcher) PromoteRetry(ctx context.Context, ti *store.TaskInstance) (bool, error) {
	if ti.State != state.InstanceUpForRetry {
		return false, nil
	}
	if ti.NextRetryAt != nil && d.now().Before(*ti.NextRetryAt) {
		return false, nil
	}
	if _, err := d.store.SetInstanceState(ctx, ti.ID, state.InstanceUpForRetry, state.InstanceScheduled, store.InstanceUpdate{}); err != nil {
		return false, err
	}
	return true, nil
}

// CheckTimeout fails a running try whose wall-clock budget has elapsed. The
// backend is told to stop best-effort; the timeout counts as an ordinary try
// failure so the retry budget applies.
func (d *Dispatcher) CheckTimeout(ctx context.Context, ti *store.TaskInstance) (bool, error) {
	if ti.State != state.InstanceRunning || ti.StartDate == nil {
		return false, nil
	}
	task, ok := d.taskOf(ti)
	if !ok || task.Timeout <= 0 {
		return false, nil
	}
	if d.now().Sub(*ti.StartDate) <= task.Timeout {
		return false, nil
	}

	if err := d.backend.Terminate(ctx, ti.ID); err != nil {
		d.log.Warn("failed to terminate timed out try",
			logger.Fields(logger.FieldInstanceID, ti.ID, logger.FieldError, err.Error()))
	}
	updated, err := d.failTry(ctx, ti)
	if err != nil {
		return false, err
	}
	d.releaseSlot(updated)
	d.log.Warn("try timed out",
		logger.InstanceFields(ti.DagID, ti.RunID, ti.TaskID, ti.MapIndex),
		logger.Fields(logger.FieldState, string(updated.State), logger.FieldTryNumber, updated.TryNumber))
	return true, nil
}

// Cancel forces an instance to cancelled. In-flight tries are terminated
// best-effort and their late reports discarded by the compare-and-set.
func (d *Dispatcher) Cancel(ctx context.Context, ti *store.TaskInstance) error {
	wasActive := ti.State.Active()
	updated, err := d.store.SetInstanceState(ctx, ti.ID, ti.State, state.InstanceCancelled, store.InstanceUpdate{})
	if err != nil {
		return err
	}
	if wasActive {
		if terr := d.backend.Terminate(ctx, ti.ID); terr != nil {
			d.log.Warn("failed to terminate cancelled try",
				logger.Fields(logger.FieldInstanceID, ti.ID, logger.FieldError, terr.Error()))
		}
		d.releaseSlot(updated)
	}
	return nil
}

// Halt stops an active try without deciding its state. Operator overrides
// (mark_success, mark_failed, clear) use it before forcing the record.
func (d *Dispatcher) Halt(ctx context.Context, ti *store.TaskInstance) {
	if !ti.State.Active() {
		return
	}
	if err := d.backend.Terminate(ctx, ti.ID); err != nil {
		d.log.Warn("failed to terminate halted try",
			logger.Fields(logger.FieldInstanceID, ti.ID, logger.FieldError, err.Error()))
	}
	d.releaseSlot(ti)
}

// releaseSlot returns the instance's pool slot after a try came to rest.
func (d *Dispatcher) releaseSlot(ti *store.TaskInstance) {
	name := ti.Pool
	if name == "" {
		name = graph.DefaultPool
	}
	d.pools.Release(name, 1)
}

func (d *Dispatcher) taskOf(ti *store.TaskInstance) (graph.Task, bool) {
	g, ok := d.graphs.Get(ti.DagID)
	if !ok {
		return graph.Task{}, false
	}
	return g.Task(ti.TaskID)
}
