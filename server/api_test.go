package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/flowkit/dispatch"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/pool"
	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

type apiEnv struct {
	engine  *gin.Engine
	sched   *scheduler.Scheduler
	store   *store.MemoryStore
	graphs  *graph.Registry
	backend *dispatch.LocalBackend
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Nop()
	st := store.NewMemoryStore()
	graphs := graph.NewRegistry()
	pools := pool.New()
	pools.Define(graph.DefaultPool, 32)

	backend := dispatch.NewLocalBackend(log)
	disp := dispatch.New(st, pools, graphs, backend, log)
	backend.Bind(disp)
	sched := scheduler.New(scheduler.Config{}, st, graphs, pools, disp, nil, log)

	g, err := graph.New(graph.Config{
		ID:    "etl",
		Tasks: []graph.Task{{ID: "extract"}, {ID: "load"}},
		Edges: []graph.Edge{{From: "extract", To: "load"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	graphs.Register(g)

	engine := gin.New()
	api := NewAPI(sched, st, graphs, pools, "flowd", "test", StorePingChecker(st))
	api.Register(engine)

	return &apiEnv{engine: engine, sched: sched, store: st, graphs: graphs, backend: backend}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, envelope.Data)
	}
}

func TestTriggerAndInspectRun(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/dags/etl/trigger", `{"logical_date":"2026-03-01T00:00:00Z","conf":{"batch":"42"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var run store.DagRun
	decodeData(t, w, &run)
	if run.DagID != "etl" || run.State != state.RunQueued {
		t.Fatalf("unexpected run: %+v", run)
	}
	if !run.LogicalDate.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("logical date not honored: %s", run.LogicalDate)
	}

	// Same logical date again conflicts.
	w = e.do(t, http.MethodPost, "/api/v1/dags/etl/trigger", `{"logical_date":"2026-03-01T00:00:00Z"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/instances", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var instances []store.TaskInstance
	decodeData(t, w, &instances)
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}

	w = e.do(t, http.MethodGet, "/api/v1/dags/etl/runs?state=queued", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var runs []store.DagRun
	decodeData(t, w, &runs)
	if len(runs) != 1 {
		t.Fatalf("expected 1 queued run, got %d", len(runs))
	}
}

func TestTriggerUnknownDag(t *testing.T) {
	e := newAPIEnv(t)
	if w := e.do(t, http.MethodPost, "/api/v1/dags/ghost/trigger", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/dags/ghost/runs", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestBackfillEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	g, err := graph.New(graph.Config{
		ID:       "hourly",
		Schedule: "@every 1h",
		Tasks:    []graph.Task{{ID: "work"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.graphs.Register(g)

	body := `{"start_date":"2026-03-01T00:00:00Z","end_date":"2026-03-01T03:00:00Z"}`
	w := e.do(t, http.MethodPost, "/api/v1/dags/hourly/backfill", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var runs []store.DagRun
	decodeData(t, w, &runs)
	if len(runs) != 3 {
		t.Fatalf("expected 3 backfill runs, got %d", len(runs))
	}
	for _, run := range runs {
		if run.RunType != store.RunTypeBackfill {
			t.Fatalf("expected backfill run type, got %s", run.RunType)
		}
	}

	// The etl dag has no schedule to backfill.
	if w := e.do(t, http.MethodPost, "/api/v1/dags/etl/backfill", body); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/dags/hourly/backfill", `{"start_date":"2026-03-01T00:00:00Z"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without end_date, got %d", w.Code)
	}
}

func TestListDagsAndPause(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/dags", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var dags []dagView
	decodeData(t, w, &dags)
	if len(dags) != 1 || dags[0].ID != "etl" || dags[0].TaskCount != 2 {
		t.Fatalf("unexpected dag list: %+v", dags)
	}
	if dags[0].Paused {
		t.Fatal("dag must start unpaused")
	}

	if w := e.do(t, http.MethodPost, "/api/v1/dags/etl/pause", ""); w.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/api/v1/dags", "")
	decodeData(t, w, &dags)
	if !dags[0].Paused {
		t.Fatal("expected dag paused")
	}

	if w := e.do(t, http.MethodPost, "/api/v1/dags/etl/unpause", ""); w.Code != http.StatusOK {
		t.Fatalf("unpause: expected 200, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/dags/ghost/pause", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMarkAndClearInstance(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/dags/etl/trigger", "")
	var run store.DagRun
	decodeData(t, w, &run)

	w = e.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/tasks/extract/mark_success", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ti, err := e.store.GetInstance(context.Background(), store.InstanceKey(run.ID, "extract", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ti.State != state.InstanceSuccess {
		t.Fatalf("expected success, got %s", ti.State)
	}

	// A second override on the now-terminal instance conflicts.
	w = e.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/tasks/extract/mark_failed", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	// Clear reopens it.
	w = e.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/tasks/extract/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	ti, _ = e.store.GetInstance(context.Background(), store.InstanceKey(run.ID, "extract", 0))
	if ti.State != state.InstanceNone || ti.TryNumber != 0 {
		t.Fatalf("clear must reset the instance: %+v", ti)
	}

	w = e.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/tasks/extract/mark_success?map_index=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad map_index, got %d", w.Code)
	}
}

func TestCancelRunEndpoint(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/dags/etl/trigger", "")
	var run store.DagRun
	decodeData(t, w, &run)

	w = e.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cancelled store.DagRun
	decodeData(t, w, &cancelled)
	if cancelled.State != state.RunCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}

	if w := e.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", w.Code)
	}
}

func TestHealthzAndPools(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sh struct {
		Service    string `json:"service"`
		Status     string `json:"status"`
		Components []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sh); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if sh.Service != "flowd" || sh.Status != "up" {
		t.Fatalf("unexpected health: %+v", sh)
	}
	if len(sh.Components) != 1 || sh.Components[0].Name != "store" {
		t.Fatalf("expected store component, got %+v", sh.Components)
	}

	w = e.do(t, http.MethodGet, "/api/v1/pools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats []pool.Stat
	decodeData(t, w, &stats)
	if len(stats) == 0 {
		t.Fatal("expected at least the default pool")
	}
}

func TestBadLimitRejected(t *testing.T) {
	e := newAPIEnv(t)
	if w := e.do(t, http.MethodGet, "/api/v1/dags/etl/runs?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
