package store

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/state"
)

// MemoryStore is a mutex-guarded in-process Store. It backs tests and
// single-node deployments without a database.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]*DagRun       // run id -> run
	byLogical map[string]string        // dagID + logical -> run id
	instances map[string]*TaskInstance // instance key -> instance

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]*DagRun),
		byLogical: make(map[string]string),
		instances: make(map[string]*TaskInstance),
		now:       time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

func logicalKey(dagID string, logical time.Time) string {
	return dagID + "/" + logical.UTC().Format(time.RFC3339Nano)
}

// CreateRun persists a run together with its expanded task instances.
func (s *MemoryStore) CreateRun(_ context.Context, run *DagRun, instances []*TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logicalKey(run.DagID, run.LogicalDate)
	if _, taken := s.byLogical[key]; taken {
		return apperrors.AlreadyExists("dag_run").
			WithDetail("dag_id", run.DagID).
			WithDetail("logical_date", run.LogicalDate)
	}

	r := *run
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	s.runs[r.ID] = &r
	s.byLogical[key] = r.ID

	for _, ti := range instances {
		cp := *ti
		cp.CreatedAt = r.CreatedAt
		cp.UpdatedAt = r.CreatedAt
		s.instances[cp.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, dagID string, logicalDate time.Time) (*DagRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byLogical[logicalKey(dagID, logicalDate)]
	if !ok {
		return nil, apperrors.NotFound("dag_run", logicalKey(dagID, logicalDate))
	}
	cp := *s.runs[id]
	return &cp, nil
}

func (s *MemoryStore) GetRunByID(_ context.Context, id string) (*DagRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NotFound("dag_run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]*DagRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*DagRun
	for _, run := range s.runs {
		if !matchRun(run, f) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LogicalDate.Equal(out[j].LogicalDate) {
			return out[i].LogicalDate.Before(out[j].LogicalDate)
		}
		return out[i].DagID < out[j].DagID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchRun(run *DagRun, f RunFilter) bool {
	if f.DagID != "" && run.DagID != f.DagID {
		return false
	}
	if f.Since != nil && run.LogicalDate.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !run.LogicalDate.Before(*f.Until) {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if run.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStore) CountActiveRuns(_ context.Context, dagID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, run := range s.runs {
		if run.DagID == dagID && !run.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LatestLogicalDate(_ context.Context, dagID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, run := range s.runs {
		if run.DagID != dagID {
			continue
		}
		if !found || run.LogicalDate.After(latest) {
			latest = run.LogicalDate
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) SetRunState(_ context.Context, id string, expect, next state.RunState) (*DagRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NotFound("dag_run", id)
	}
	if run.State != expect || !state.CanTransitionRun(run.State, next) {
		return nil, apperrors.InvalidTransition(string(run.State), string(next))
	}

	now := s.now()
	run.State = next
	run.UpdatedAt = now
	if next == state.RunRunning && run.StartDate == nil {
		run.StartDate = &now
	}
	if next.Terminal() {
		run.EndDate = &now
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.instances[id]
	if !ok {
		return nil, apperrors.NotFound("task_instance", id)
	}
	cp := *ti
	return &cp, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, f InstanceFilter) ([]*TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TaskInstance
	for _, ti := range s.instances {
		if !matchInstance(ti, f) {
			continue
		}
		cp := *ti
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].MapIndex < out[j].MapIndex
	})
	return out, nil
}

func matchInstance(ti *TaskInstance, f InstanceFilter) bool {
	if f.RunID != "" && ti.RunID != f.RunID {
		return false
	}
	if f.DagID != "" && ti.DagID != f.DagID {
		return false
	}
	if f.TaskID != "" && ti.TaskID != f.TaskID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if ti.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStore) CountActiveInstances(_ context.Context, dagID, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ti := range s.instances {
		if ti.DagID != dagID {
			continue
		}
		if taskID != "" && ti.TaskID != taskID {
			continue
		}
		if ti.State.Active() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetInstanceState(_ context.Context, id string, expect, next state.InstanceState, upd InstanceUpdate) (*TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.instances[id]
	if !ok {
		return nil, apperrors.NotFound("task_instance", id)
	}
	if ti.State != expect || !state.CanTransition(ti.State, next) {
		return nil, apperrors.InvalidTransition(string(ti.State), string(next))
	}

	now := s.now()
	ti.State = next
	ti.UpdatedAt = now
	applyInstanceTimestamps(ti, next, upd, now)
	cp := *ti
	return &cp, nil
}

func (s *MemoryStore) ForceInstanceState(_ context.Context, id string, next state.InstanceState) (*TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti, ok := s.instances[id]
	if !ok {
		return nil, apperrors.NotFound("task_instance", id)
	}
	now := s.now()
	ti.State = next
	ti.UpdatedAt = now
	applyInstanceTimestamps(ti, next, InstanceUpdate{}, now)
	cp := *ti
	return &cp, nil
}

func (s *MemoryStore) ForceRunState(_ context.Context, id string, next state.RunState) (*DagRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NotFound("dag_run", id)
	}
	now := s.now()
	run.State = next
	run.UpdatedAt = now
	switch {
	case next == state.RunRunning:
		run.EndDate = nil
		if run.StartDate == nil {
			run.StartDate = &now
		}
	case next.Terminal():
		run.EndDate = &now
	}
	cp := *run
	return &cp, nil
}
