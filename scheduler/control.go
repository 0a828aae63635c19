package scheduler

import (
	"context"
	"time"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

// Control operations. These are the operator's levers; everything here is
// also exposed through the HTTP API.

// TriggerRun creates a manual run outside the schedule. A zero logical date
// means now. Manual triggers work on paused DAGs.
func (s *Scheduler) TriggerRun(ctx context.Context, dagID string, logical time.Time, conf map[string]any) (*store.DagRun, error) {
	g, ok := s.graphs.Get(dagID)
	if !ok {
		return nil, apperrors.NotFound("dag", dagID)
	}
	if logical.IsZero() {
		logical = s.now()
	}
	return s.createRun(ctx, g, logical, store.RunTypeManual, conf)
}

// Backfill creates backfill runs for every schedule interval due in
// (start, end]. Intervals that already have a run are skipped. Works on
// paused DAGs like manual triggers do; the runs only advance once the DAG
// is unpaused.
func (s *Scheduler) Backfill(ctx context.Context, dagID string, start, end time.Time) ([]*store.DagRun, error) {
	g, ok := s.graphs.Get(dagID)
	if !ok {
		return nil, apperrors.NotFound("dag", dagID)
	}
	if g.Schedule() == "" {
		return nil, apperrors.Conflict("dag " + dagID + " has no schedule to backfill")
	}
	if !end.After(start) {
		return nil, apperrors.InvalidInput("end_date", "must be after start_date")
	}

	spec, err := s.scheduleFor(g)
	if err != nil {
		return nil, err
	}

	var created []*store.DagRun
	for _, logical := range spec.DueTimes(start, end, true) {
		run, err := s.createRun(ctx, g, logical, store.RunTypeBackfill, nil)
		if err != nil {
			if apperrors.IsCode(err, apperrors.ErrCodeAlreadyExists) {
				continue
			}
			return created, err
		}
		created = append(created, run)
	}
	s.log.Info("backfill created", logger.Fields(
		logger.FieldDagID, dagID,
		"runs", len(created),
	))
	return created, nil
}

// MarkSuccess forces a non-terminal instance to success. Active tries are
// stopped first; their late reports lose the compare-and-set.
func (s *Scheduler) MarkSuccess(ctx context.Context, instanceID string) (*store.TaskInstance, error) {
	return s.forceTerminal(ctx, instanceID, state.InstanceSuccess)
}

// MarkFailed forces a non-terminal instance to failed, skipping any
// remaining retry budget.
func (s *Scheduler) MarkFailed(ctx context.Context, instanceID string) (*store.TaskInstance, error) {
	return s.forceTerminal(ctx, instanceID, state.InstanceFailed)
}

func (s *Scheduler) forceTerminal(ctx context.Context, instanceID string, final state.InstanceState) (*store.TaskInstance, error) {
	ti, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if ti.State.Terminal() {
		return nil, apperrors.Conflict("instance " + instanceID + " is already terminal")
	}
	s.disp.Halt(ctx, ti)

	updated, err := s.store.ForceInstanceState(ctx, instanceID, final)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordInstanceFinished(ctx, updated.DagID, string(final))
	s.log.Info("instance forced",
		logger.InstanceFields(updated.DagID, updated.RunID, updated.TaskID, updated.MapIndex),
		logger.Fields(logger.FieldState, string(final)))
	return updated, nil
}

// Clear resets an instance to none so it is re-evaluated from scratch with a
// fresh retry budget. Clearing an instance of a finished run reopens the
// run.
func (s *Scheduler) Clear(ctx context.Context, instanceID string) (*store.TaskInstance, error) {
	ti, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	s.disp.Halt(ctx, ti)

	updated, err := s.store.SetInstanceState(ctx, instanceID, ti.State, state.InstanceNone, store.InstanceUpdate{})
	if err != nil {
		return nil, err
	}

	run, err := s.store.GetRunByID(ctx, ti.RunID)
	if err != nil {
		return updated, err
	}
	if run.State.Terminal() {
		if _, err := s.store.ForceRunState(ctx, run.ID, state.RunRunning); err != nil {
			return updated, err
		}
		s.log.Info("run reopened", logger.Fields(
			logger.FieldDagID, run.DagID,
			logger.FieldRunID, run.ID,
		))
	}
	s.log.Info("instance cleared",
		logger.InstanceFields(updated.DagID, updated.RunID, updated.TaskID, updated.MapIndex))
	return updated, nil
}

// CancelRun cancels a non-terminal run and all of its unfinished instances.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) (*store.DagRun, error) {
	run, err := s.store.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return nil, apperrors.Conflict("run " + runID + " is already terminal")
	}

	instances, err := s.store.ListInstances(ctx, store.InstanceFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	for _, ti := range instances {
		// A try may start between the read and the compare-and-set; retry
		// against a fresh read before giving up.
		var cancelErr error
		for attempt := 0; attempt < 3; attempt++ {
			if ti.State.Terminal() {
				cancelErr = nil
				break
			}
			if cancelErr = s.disp.Cancel(ctx, ti); cancelErr == nil {
				break
			}
			if ti, err = s.store.GetInstance(ctx, ti.ID); err != nil {
				cancelErr = err
				break
			}
		}
		if cancelErr != nil {
			s.log.Warn("failed to cancel instance", logger.Fields(
				logger.FieldInstanceID, ti.ID,
				logger.FieldError, cancelErr.Error(),
			))
		}
	}

	updated, err := s.store.SetRunState(ctx, runID, run.State, state.RunCancelled)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordRunFinished(ctx, run.DagID, string(state.RunCancelled))
	s.log.Info("run cancelled", logger.Fields(
		logger.FieldDagID, run.DagID,
		logger.FieldRunID, runID,
	))
	return updated, nil
}

// PauseDag stops run creation and new dispatch for a DAG. In-flight tries
// keep running to completion.
func (s *Scheduler) PauseDag(dagID string) error {
	if err := s.graphs.Pause(dagID); err != nil {
		return err
	}
	s.log.Info("dag paused", logger.Fields(logger.FieldDagID, dagID))
	return nil
}

// UnpauseDag re-enables scheduling for a DAG.
func (s *Scheduler) UnpauseDag(dagID string) error {
	if err := s.graphs.Unpause(dagID); err != nil {
		return err
	}
	s.log.Info("dag unpaused", logger.Fields(logger.FieldDagID, dagID))
	return nil
}
