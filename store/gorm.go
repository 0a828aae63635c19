package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/state"
)

// GormStore is a Store backed by a relational database through GORM.
// Compare-and-set is implemented as a guarded UPDATE (WHERE state = expect),
// so concurrent writers race on the row and exactly one wins.
type GormStore struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// NewGormStore wraps an open GORM handle and migrates the schema.
func NewGormStore(db *gorm.DB, log *logger.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&DagRun{}, &TaskInstance{}); err != nil {
		return nil, apperrors.StoreError(err)
	}
	return &GormStore{
		db:  db,
		log: log.WithComponent("store"),
		now: time.Now,
	}, nil
}

func (s *GormStore) CreateRun(ctx context.Context, run *DagRun, instances []*TaskInstance) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		if len(instances) > 0 {
			if err := tx.Create(instances).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.AlreadyExists("dag_run").
				WithDetail("dag_id", run.DagID).
				WithDetail("logical_date", run.LogicalDate)
		}
		return apperrors.StoreError(err)
	}
	return nil
}

func (s *GormStore) GetRun(ctx context.Context, dagID string, logicalDate time.Time) (*DagRun, error) {
	var run DagRun
	err := s.db.WithContext(ctx).
		Where("dag_id = ? AND logical_date = ?", dagID, logicalDate).
		First(&run).Error
	if err != nil {
		return nil, runLookupError(err, logicalKey(dagID, logicalDate))
	}
	return &run, nil
}

func (s *GormStore) GetRunByID(ctx context.Context, id string) (*DagRun, error) {
	var run DagRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, runLookupError(err, id)
	}
	return &run, nil
}

func runLookupError(err error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound("dag_run", id)
	}
	return apperrors.StoreError(err)
}

func (s *GormStore) ListRuns(ctx context.Context, f RunFilter) ([]*DagRun, error) {
	q := s.db.WithContext(ctx).Model(&DagRun{}).Order("logical_date ASC, dag_id ASC")
	if f.DagID != "" {
		q = q.Where("dag_id = ?", f.DagID)
	}
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.Since != nil {
		q = q.Where("logical_date >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("logical_date < ?", *f.Until)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var runs []*DagRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, apperrors.StoreError(err)
	}
	return runs, nil
}

func (s *GormStore) CountActiveRuns(ctx context.Context, dagID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DagRun{}).
		Where("dag_id = ? AND state IN ?", dagID, []state.RunState{state.RunQueued, state.RunRunning}).
		Count(&n).Error
	if err != nil {
		return 0, apperrors.StoreError(err)
	}
	return int(n), nil
}

func (s *GormStore) LatestLogicalDate(ctx context.Context, dagID string) (time.Time, bool, error) {
	var run DagRun
	err := s.db.WithContext(ctx).
		Where("dag_id = ?", dagID).
		Order("logical_date DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, apperrors.StoreError(err)
	}
	return run.LogicalDate, true, nil
}

func (s *GormStore) SetRunState(ctx context.Context, id string, expect, next state.RunState) (*DagRun, error) {
	if !state.CanTransitionRun(expect, next) {
		return nil, apperrors.InvalidTransition(string(expect), string(next))
	}

	now := s.now()
	updates := map[string]any{"state": next, "updated_at": now}
	if next == state.RunRunning {
		updates["start_date"] = now
	}
	if next.Terminal() {
		updates["end_date"] = now
	}

	res := s.db.WithContext(ctx).Model(&DagRun{}).
		Where("id = ? AND state = ?", id, expect).
		Updates(updates)
	if res.Error != nil {
		return nil, apperrors.StoreError(res.Error)
	}
	if res.RowsAffected == 0 {
		// Either missing or moved on since the caller's read.
		current, err := s.GetRunByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.InvalidTransition(string(current.State), string(next))
	}
	return s.GetRunByID(ctx, id)
}

func (s *GormStore) GetInstance(ctx context.Context, id string) (*TaskInstance, error) {
	var ti TaskInstance
	if err := s.db.WithContext(ctx).First(&ti, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("task_instance", id)
		}
		return nil, apperrors.StoreError(err)
	}
	return &ti, nil
}

func (s *GormStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*TaskInstance, error) {
	q := s.db.WithContext(ctx).Model(&TaskInstance{}).Order("task_id ASC, map_index ASC")
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.DagID != "" {
		q = q.Where("dag_id = ?", f.DagID)
	}
	if f.TaskID != "" {
		q = q.Where("task_id = ?", f.TaskID)
	}
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	var instances []*TaskInstance
	if err := q.Find(&instances).Error; err != nil {
		return nil, apperrors.StoreError(err)
	}
	return instances, nil
}

func (s *GormStore) CountActiveInstances(ctx context.Context, dagID, taskID string) (int, error) {
	q := s.db.WithContext(ctx).Model(&TaskInstance{}).
		Where("dag_id = ? AND state IN ?", dagID, []state.InstanceState{state.InstanceQueued, state.InstanceRunning})
	if taskID != "" {
		q = q.Where("task_id = ?", taskID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, apperrors.StoreError(err)
	}
	return int(n), nil
}

func (s *GormStore) SetInstanceState(ctx context.Context, id string, expect, next state.InstanceState, upd InstanceUpdate) (*TaskInstance, error) {
	if !state.CanTransition(expect, next) {
		return nil, apperrors.InvalidTransition(string(expect), string(next))
	}

	now := s.now()
	updates := map[string]any{
		"state":         next,
		"updated_at":    now,
		"next_retry_at": upd.NextRetryAt,
	}
	if upd.IncrementTry {
		updates["try_number"] = gorm.Expr("try_number + 1")
	}
	switch {
	case next == state.InstanceQueued:
		updates["queued_at"] = now
	case next == state.InstanceRunning:
		updates["start_date"] = now
	case next.Terminal():
		updates["end_date"] = now
	case next == state.InstanceNone:
		updates["try_number"] = 0
		updates["queued_at"] = nil
		updates["start_date"] = nil
		updates["end_date"] = nil
	}

	res := s.db.WithContext(ctx).Model(&TaskInstance{}).
		Where("id = ? AND state = ?", id, expect).
		Updates(updates)
	if res.Error != nil {
		return nil, apperrors.StoreError(res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		s.log.Debug("Stale instance transition discarded", map[string]interface{}{
			logger.FieldInstanceID: id,
			"expect":               string(expect),
			"actual":               string(current.State),
			"next":                 string(next),
		})
		return nil, apperrors.InvalidTransition(string(current.State), string(next))
	}
	return s.GetInstance(ctx, id)
}

func (s *GormStore) ForceInstanceState(ctx context.Context, id string, next state.InstanceState) (*TaskInstance, error) {
	now := s.now()
	updates := map[string]any{
		"state":         next,
		"updated_at":    now,
		"next_retry_at": nil,
	}
	switch {
	case next == state.InstanceQueued:
		updates["queued_at"] = now
	case next == state.InstanceRunning:
		updates["start_date"] = now
	case next.Terminal():
		updates["end_date"] = now
	case next == state.InstanceNone:
		updates["try_number"] = 0
		updates["queued_at"] = nil
		updates["start_date"] = nil
		updates["end_date"] = nil
	}

	res := s.db.WithContext(ctx).Model(&TaskInstance{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return nil, apperrors.StoreError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NotFound("task_instance", id)
	}
	return s.GetInstance(ctx, id)
}

func (s *GormStore) ForceRunState(ctx context.Context, id string, next state.RunState) (*DagRun, error) {
	now := s.now()
	updates := map[string]any{"state": next, "updated_at": now}
	switch {
	case next == state.RunRunning:
		updates["end_date"] = nil
		updates["start_date"] = gorm.Expr("COALESCE(start_date, ?)", now)
	case next.Terminal():
		updates["end_date"] = now
	}

	res := s.db.WithContext(ctx).Model(&DagRun{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return nil, apperrors.StoreError(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NotFound("dag_run", id)
	}
	return s.GetRunByID(ctx, id)
}
