// Command flowd runs the workflow scheduler and its control API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbukum/flowkit/config"
	"github.com/kbukum/flowkit/database"
	"github.com/kbukum/flowkit/dispatch"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pool"
	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/server"
	"github.com/kbukum/flowkit/store"
	"github.com/kbukum/flowkit/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := config.LoadConfig("flowd", &cfg); err != nil {
		return err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Init(cfg.Logging)
	log := logger.GetGlobalLogger()
	log.Info("starting flowd", logger.Fields(
		"version", version.Short(),
		"environment", cfg.Environment,
	))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is optional; without it the nil *Metrics no-ops.
	var metrics *observability.Metrics
	if cfg.Observability.Enabled {
		shutdown, m, err := initTelemetry(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdown()
		metrics = m
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	pools := pool.New()
	pools.Define(graph.DefaultPool, 128)
	for _, p := range cfg.Pools {
		pools.Define(p.Name, p.Slots)
	}

	graphs := graph.NewRegistry()
	backend := dispatch.NewLocalBackend(log)
	for _, spec := range cfg.Dags {
		g, err := graph.New(spec.ToGraphConfig())
		if err != nil {
			return fmt.Errorf("dag %q: %w", spec.ID, err)
		}
		graphs.Register(g)
		for _, task := range spec.Tasks {
			backend.Register(spec.ID, task.ID, commandHandler(task.Command))
		}
		log.Info("dag registered", logger.Fields(
			logger.FieldDagID, spec.ID,
			"schedule", spec.Schedule,
			"tasks", len(spec.Tasks),
		))
	}

	disp := dispatch.New(st, pools, graphs, backend, log)
	backend.Bind(disp)
	sched := scheduler.New(cfg.Scheduler.ToScheduler(), st, graphs, pools, disp, metrics, log)

	srv := server.New(cfg.Server, log)
	srv.ApplyMiddleware(cfg.Name, metrics)
	api := server.NewAPI(sched, st, graphs, pools, cfg.Name, version.Short(), server.StorePingChecker(st))
	api.Register(srv.GinEngine())
	if err := srv.Start(ctx); err != nil {
		return err
	}

	go sched.Run(ctx)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn("server stop failed", logger.Fields(logger.FieldError, err.Error()))
	}
	backend.Drain()
	return nil
}

// commandHandler turns a configured command into a task body. An empty
// command is a no-op task that succeeds immediately.
func commandHandler(command []string) dispatch.TaskFunc {
	return func(ctx context.Context, job dispatch.Job) error {
		if len(command) == 0 {
			return nil
		}
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Env = append(os.Environ(),
			"FLOWD_DAG_ID="+job.DagID,
			"FLOWD_RUN_ID="+job.RunID,
			"FLOWD_TASK_ID="+job.TaskID,
			fmt.Sprintf("FLOWD_MAP_INDEX=%d", job.MapIndex),
			fmt.Sprintf("FLOWD_TRY_NUMBER=%d", job.TryNumber),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

// openStore picks the configured store backing.
func openStore(ctx context.Context, cfg Config, log *logger.Logger) (store.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store, runs are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewGormStore(db.GormDB, log)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return st, func() { _ = db.Close() }, nil
}

// initTelemetry starts the OTLP trace and metric exporters and builds the
// scheduler's metric instruments.
func initTelemetry(ctx context.Context, cfg Config) (func(), *observability.Metrics, error) {
	info := version.Get()

	tp, err := observability.InitTracer(ctx, &observability.TracerConfig{
		ServiceName:    cfg.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Observability.Endpoint,
		Insecure:       cfg.Observability.Insecure,
		SampleRate:     cfg.Observability.SampleRate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init tracer: %w", err)
	}

	mp, err := observability.InitMeter(ctx, &observability.MeterConfig{
		ServiceName:    cfg.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Observability.Endpoint,
		Insecure:       cfg.Observability.Insecure,
		Interval:       cfg.Observability.Interval,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init meter: %w", err)
	}

	metrics, err := observability.NewMetrics(observability.Meter("flowd"))
	if err != nil {
		return nil, nil, fmt.Errorf("build metrics: %w", err)
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
	}
	return shutdown, metrics, nil
}
