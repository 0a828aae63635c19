package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pool"
	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

// API wires the scheduler's control operations and the store's read side
// onto HTTP routes.
type API struct {
	sched    *scheduler.Scheduler
	store    store.Store
	graphs   *graph.Registry
	pools    *pool.Pools
	service  string
	version  string
	checkers []observability.HealthChecker
}

// NewAPI creates the control API. Checkers feed the /healthz endpoint.
func NewAPI(sched *scheduler.Scheduler, st store.Store, graphs *graph.Registry, pools *pool.Pools, service, version string, checkers ...observability.HealthChecker) *API {
	return &API{
		sched:    sched,
		store:    st,
		graphs:   graphs,
		pools:    pools,
		service:  service,
		version:  version,
		checkers: checkers,
	}
}

// Register mounts all routes on the engine.
func (a *API) Register(r *gin.Engine) {
	r.GET("/healthz", a.healthz)

	v1 := r.Group("/api/v1")
	v1.GET("/dags", a.listDags)
	v1.GET("/dags/:dag/runs", a.listRuns)
	v1.POST("/dags/:dag/trigger", a.triggerRun)
	v1.POST("/dags/:dag/backfill", a.backfill)
	v1.POST("/dags/:dag/pause", a.pauseDag)
	v1.POST("/dags/:dag/unpause", a.unpauseDag)
	v1.GET("/runs/:run", a.getRun)
	v1.GET("/runs/:run/instances", a.listInstances)
	v1.POST("/runs/:run/cancel", a.cancelRun)
	v1.POST("/runs/:run/tasks/:task/mark_success", a.markInstance(state.InstanceSuccess))
	v1.POST("/runs/:run/tasks/:task/mark_failed", a.markInstance(state.InstanceFailed))
	v1.POST("/runs/:run/tasks/:task/clear", a.clearInstance)
	v1.GET("/pools", a.listPools)
}

func (a *API) healthz(c *gin.Context) {
	sh := observability.NewServiceHealth(a.service, a.version)
	for _, checker := range a.checkers {
		sh.AddComponent(checker.CheckHealth(c.Request.Context()))
	}
	status := http.StatusOK
	if sh.Status == observability.HealthStatusDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, sh)
}

// dagView is the list representation of a registered DAG.
type dagView struct {
	ID            string `json:"id"`
	Schedule      string `json:"schedule,omitempty"`
	Catchup       bool   `json:"catchup"`
	MaxActiveRuns int    `json:"max_active_runs"`
	Concurrency   int    `json:"concurrency,omitempty"`
	Paused        bool   `json:"paused"`
	TaskCount     int    `json:"task_count"`
	GraphVersion  string `json:"graph_version"`
}

func (a *API) listDags(c *gin.Context) {
	graphs := a.graphs.List()
	views := make([]dagView, 0, len(graphs))
	for _, g := range graphs {
		views = append(views, dagView{
			ID:            g.ID(),
			Schedule:      g.Schedule(),
			Catchup:       g.Catchup(),
			MaxActiveRuns: g.MaxActiveRuns(),
			Concurrency:   g.Concurrency(),
			Paused:        a.graphs.IsPaused(g.ID()),
			TaskCount:     g.Len(),
			GraphVersion:  g.Version(),
		})
	}
	RespondList(c, views, len(views))
}

func (a *API) listRuns(c *gin.Context) {
	dagID := c.Param("dag")
	if _, ok := a.graphs.Get(dagID); !ok {
		RespondWithError(c, apperrors.NotFound("dag", dagID))
		return
	}

	f := store.RunFilter{DagID: dagID}
	if raw := c.Query("state"); raw != "" {
		f.States = []state.RunState{state.RunState(raw)}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			RespondWithError(c, apperrors.InvalidInput("limit", "must be a non-negative integer"))
			return
		}
		f.Limit = limit
	}

	runs, err := a.store.ListRuns(c.Request.Context(), f)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondList(c, runs, len(runs))
}

// triggerRequest is the body of POST /dags/:dag/trigger. A zero logical
// date means "now".
type triggerRequest struct {
	LogicalDate time.Time      `json:"logical_date"`
	Conf        map[string]any `json:"conf"`
}

func (a *API) triggerRun(c *gin.Context) {
	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondWithError(c, apperrors.InvalidInput("body", err.Error()))
			return
		}
	}

	run, err := a.sched.TriggerRun(c.Request.Context(), c.Param("dag"), req.LogicalDate, req.Conf)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondCreated(c, run)
}

// backfillRequest bounds the intervals to materialize: (start_date, end_date].
type backfillRequest struct {
	StartDate time.Time `json:"start_date" binding:"required"`
	EndDate   time.Time `json:"end_date" binding:"required"`
}

func (a *API) backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondWithError(c, apperrors.InvalidInput("body", err.Error()))
		return
	}

	runs, err := a.sched.Backfill(c.Request.Context(), c.Param("dag"), req.StartDate, req.EndDate)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondCreated(c, runs)
}

func (a *API) pauseDag(c *gin.Context) {
	if err := a.sched.PauseDag(c.Param("dag")); err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, gin.H{"dag_id": c.Param("dag"), "paused": true})
}

func (a *API) unpauseDag(c *gin.Context) {
	if err := a.sched.UnpauseDag(c.Param("dag")); err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, gin.H{"dag_id": c.Param("dag"), "paused": false})
}

func (a *API) getRun(c *gin.Context) {
	run, err := a.store.GetRunByID(c.Request.Context(), c.Param("run"))
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, run)
}

func (a *API) listInstances(c *gin.Context) {
	runID := c.Param("run")
	if _, err := a.store.GetRunByID(c.Request.Context(), runID); err != nil {
		RespondWithError(c, err)
		return
	}
	instances, err := a.store.ListInstances(c.Request.Context(), store.InstanceFilter{RunID: runID})
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondList(c, instances, len(instances))
}

func (a *API) cancelRun(c *gin.Context) {
	run, err := a.sched.CancelRun(c.Request.Context(), c.Param("run"))
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, run)
}

// markInstance builds the handler for the mark_success / mark_failed
// overrides. The map_index query selects one instance of a mapped task
// (default 0).
func (a *API) markInstance(final state.InstanceState) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.instanceID(c)
		if err != nil {
			RespondWithError(c, err)
			return
		}

		var (
			ti     *store.TaskInstance
			opErr  error
			opName = "mark_failed"
		)
		if final == state.InstanceSuccess {
			opName = "mark_success"
			ti, opErr = a.sched.MarkSuccess(c.Request.Context(), id)
		} else {
			ti, opErr = a.sched.MarkFailed(c.Request.Context(), id)
		}
		if opErr != nil {
			RespondWithError(c, opErr)
			return
		}
		RespondOK(c, gin.H{"operation": opName, "instance": ti})
	}
}

func (a *API) clearInstance(c *gin.Context) {
	id, err := a.instanceID(c)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	ti, err := a.sched.Clear(c.Request.Context(), id)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, gin.H{"operation": "clear", "instance": ti})
}

// instanceID resolves the (run, task, map_index) route triple to the
// instance key, verifying the run exists first so unknown runs get a 404
// instead of a generic instance error.
func (a *API) instanceID(c *gin.Context) (string, error) {
	runID := c.Param("run")
	taskID := c.Param("task")

	mapIndex := 0
	if raw := c.Query("map_index"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			return "", apperrors.InvalidInput("map_index", "must be a non-negative integer")
		}
		mapIndex = idx
	}

	if _, err := a.store.GetRunByID(c.Request.Context(), runID); err != nil {
		return "", err
	}
	return store.InstanceKey(runID, taskID, mapIndex), nil
}

func (a *API) listPools(c *gin.Context) {
	stats := a.pools.Snapshot()
	RespondList(c, stats, len(stats))
}

// StorePingChecker reports store reachability for /healthz. The ping is a
// cheap read through the store interface.
func StorePingChecker(st store.Store) observability.HealthChecker {
	return observability.PingChecker("store", func(ctx context.Context) error {
		_, err := st.ListRuns(ctx, store.RunFilter{Limit: 1})
		return err
	})
}
