package main

import (
	"fmt"
	"time"

	"github.com/kbukum/flowkit/config"
	"github.com/kbukum/flowkit/database"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/schedule"
	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/server"
	"github.com/kbukum/flowkit/validation"
)

// Config is the full flowd configuration.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Database      database.Config     `yaml:"database" mapstructure:"database"`
	Scheduler     SchedulerConfig     `yaml:"scheduler" mapstructure:"scheduler"`
	Server        server.Config       `yaml:"server" mapstructure:"server"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Pools         []PoolSpec          `yaml:"pools" mapstructure:"pools"`
	Dags          []DagSpec           `yaml:"dags" mapstructure:"dags"`
}

// StoreConfig selects the run store backing.
type StoreConfig struct {
	// Driver is "sqlite" (durable, via the database section) or "memory".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=sqlite memory"`
}

// SchedulerConfig mirrors scheduler.Config with config tags.
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	MaxRunsPerTick int           `yaml:"max_runs_per_tick" mapstructure:"max_runs_per_tick" validate:"gte=0"`
	Parallelism    int           `yaml:"parallelism" mapstructure:"parallelism" validate:"gte=0"`
}

// ToScheduler converts to the scheduler package's config.
func (c SchedulerConfig) ToScheduler() scheduler.Config {
	return scheduler.Config{
		TickInterval:   c.TickInterval,
		MaxRunsPerTick: c.MaxRunsPerTick,
		Parallelism:    c.Parallelism,
	}
}

// ObservabilityConfig controls OTLP trace and metric export.
type ObservabilityConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string        `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure   bool          `yaml:"insecure" mapstructure:"insecure"`
	SampleRate float64       `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
}

// PoolSpec declares a named resource pool.
type PoolSpec struct {
	Name  string `yaml:"name" mapstructure:"name" validate:"required"`
	Slots int    `yaml:"slots" mapstructure:"slots" validate:"gte=1"`
}

// TaskSpec declares one task of a configured DAG.
type TaskSpec struct {
	ID            string        `yaml:"id" mapstructure:"id" validate:"required"`
	Rule          string        `yaml:"rule" mapstructure:"rule" validate:"omitempty,oneof=all_success all_failed one_success one_failed none_failed always"`
	Retries       int           `yaml:"retries" mapstructure:"retries" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" mapstructure:"backoff_factor" validate:"gte=0"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" mapstructure:"max_retry_delay"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Pool          string        `yaml:"pool" mapstructure:"pool"`
	Priority      int           `yaml:"priority" mapstructure:"priority" validate:"gte=0"`
	MapWidth      int           `yaml:"map_width" mapstructure:"map_width" validate:"gte=0"`
	// Command is the process this task runs. Tasks without a command
	// succeed immediately, which is useful for join points.
	Command []string `yaml:"command" mapstructure:"command"`
}

// EdgeSpec declares a dependency: to waits on from.
type EdgeSpec struct {
	From string `yaml:"from" mapstructure:"from" validate:"required"`
	To   string `yaml:"to" mapstructure:"to" validate:"required"`
}

// DagSpec declares a DAG in the config file.
type DagSpec struct {
	ID            string        `yaml:"id" mapstructure:"id" validate:"required"`
	Schedule      string        `yaml:"schedule" mapstructure:"schedule"`
	Catchup       bool          `yaml:"catchup" mapstructure:"catchup"`
	MaxActiveRuns int           `yaml:"max_active_runs" mapstructure:"max_active_runs" validate:"gte=0"`
	Concurrency   int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0"`
	Paused        bool          `yaml:"paused" mapstructure:"paused"`
	Tasks         []TaskSpec    `yaml:"tasks" mapstructure:"tasks" validate:"min=1,dive"`
	Edges         []EdgeSpec    `yaml:"edges" mapstructure:"edges" validate:"dive"`
}

// ToGraphConfig converts the declaration to the graph package's config.
func (d DagSpec) ToGraphConfig() graph.Config {
	tasks := make([]graph.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		tasks = append(tasks, graph.Task{
			ID:             t.ID,
			Rule:           graph.TriggerRule(t.Rule),
			Retries:        t.Retries,
			RetryDelay:     t.RetryDelay,
			BackoffFactor:  t.BackoffFactor,
			MaxRetryDelay:  t.MaxRetryDelay,
			Concurrency:    t.Concurrency,
			Timeout:        t.Timeout,
			Pool:           t.Pool,
			PriorityWeight: t.Priority,
			MapWidth:       t.MapWidth,
		})
	}
	edges := make([]graph.Edge, 0, len(d.Edges))
	for _, e := range d.Edges {
		edges = append(edges, graph.Edge{From: e.From, To: e.To})
	}
	return graph.Config{
		ID:            d.ID,
		Schedule:      d.Schedule,
		Catchup:       d.Catchup,
		MaxActiveRuns: d.MaxActiveRuns,
		Concurrency:   d.Concurrency,
		Paused:        d.Paused,
		Tasks:         tasks,
		Edges:         edges,
	}
}

// ApplyDefaults fills zero values across all sections.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "flowd"
	}
	c.ServiceConfig.ApplyDefaults()
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	c.Database.ApplyDefaults()
	c.Server.ApplyDefaults()
	if c.Observability.Endpoint == "" {
		c.Observability.Endpoint = "localhost:4318"
	}
	if c.Observability.SampleRate == 0 {
		c.Observability.SampleRate = 1.0
	}
	if c.Observability.Interval <= 0 {
		c.Observability.Interval = 15 * time.Second
	}
}

// Validate checks the whole configuration, including every DAG spec.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := validation.ValidateStruct(c.Store); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if c.Store.Driver == "sqlite" {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	if err := validation.ValidateStruct(c.Scheduler); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := validation.ValidateStruct(c.Observability); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	for _, p := range c.Pools {
		if err := validation.ValidateStruct(p); err != nil {
			return fmt.Errorf("pool %q: %w", p.Name, err)
		}
	}
	for _, d := range c.Dags {
		if err := validation.ValidateStruct(d); err != nil {
			return fmt.Errorf("dag %q: %w", d.ID, err)
		}
		if d.Schedule != "" {
			if _, err := schedule.Parse(d.Schedule); err != nil {
				return fmt.Errorf("dag %q: schedule: %w", d.ID, err)
			}
		}
	}
	return nil
}
