package graph

import (
	"sort"

	"github.com/google/uuid"

	apperrors "github.com/kbukum/flowkit/errors"
)

// Edge declares a dependency: To depends on From.
type Edge struct {
	From string
	To   string
}

// Config describes a graph to be built. Tasks and Edges are copied at
// construction; the caller keeps no handle into the built Graph.
type Config struct {
	// ID identifies the DAG.
	ID string
	// Schedule is a cron expression or "@every <duration>" (empty = manual only).
	Schedule string
	// Catchup backfills every missed interval instead of only the latest.
	Catchup bool
	// MaxActiveRuns bounds simultaneously non-terminal runs (0 = default 16).
	MaxActiveRuns int
	// Concurrency bounds simultaneously active instances across the DAG (0 = unlimited).
	Concurrency int
	// Paused excludes the DAG from run creation and dispatch.
	Paused bool
	Tasks  []Task
	Edges  []Edge
}

// Graph is the immutable model of one DAG version.
type Graph struct {
	id            string
	version       string
	schedule      string
	catchup       bool
	maxActiveRuns int
	concurrency   int
	paused        bool

	tasks map[string]Task
	down  map[string][]string // task -> successors
	up    map[string][]string // task -> predecessors
}

// New builds and validates a Graph. It fails with a CYCLE_DETECTED error if
// the edges contain a cycle, and with UNKNOWN_TASK if an edge references a
// task that was not declared.
func New(cfg Config) (*Graph, error) {
	if cfg.ID == "" {
		return nil, apperrors.MissingField("id")
	}
	if cfg.MaxActiveRuns <= 0 {
		cfg.MaxActiveRuns = 16
	}

	g := &Graph{
		id:            cfg.ID,
		version:       uuid.New().String(),
		schedule:      cfg.Schedule,
		catchup:       cfg.Catchup,
		maxActiveRuns: cfg.MaxActiveRuns,
		concurrency:   cfg.Concurrency,
		paused:        cfg.Paused,
		tasks:         make(map[string]Task, len(cfg.Tasks)),
		down:          make(map[string][]string),
		up:            make(map[string][]string),
	}

	for _, task := range cfg.Tasks {
		if task.ID == "" {
			return nil, apperrors.MissingField("task.id")
		}
		if _, dup := g.tasks[task.ID]; dup {
			return nil, apperrors.AlreadyExists("task").WithDetail("task_id", task.ID)
		}
		if !task.Rule.Valid() && task.Rule != "" {
			return nil, apperrors.InvalidInput("rule", "unknown trigger rule "+string(task.Rule))
		}
		g.tasks[task.ID] = task.normalize()
	}

	for _, e := range cfg.Edges {
		if _, ok := g.tasks[e.From]; !ok {
			return nil, apperrors.UnknownTask(cfg.ID, e.From)
		}
		if _, ok := g.tasks[e.To]; !ok {
			return nil, apperrors.UnknownTask(cfg.ID, e.To)
		}
		g.down[e.From] = append(g.down[e.From], e.To)
		g.up[e.To] = append(g.up[e.To], e.From)
	}

	if path := g.findCycle(); path != nil {
		return nil, apperrors.CycleDetected(cfg.ID, path)
	}

	for id := range g.down {
		sort.Strings(g.down[id])
	}
	for id := range g.up {
		sort.Strings(g.up[id])
	}
	return g, nil
}

// findCycle runs a depth-first traversal with a recursion-stack set and
// returns the cycle path if one exists, nil otherwise.
func (g *Graph) findCycle() []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the recursion stack
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)
		for _, next := range g.down[id] {
			switch colors[next] {
			case gray:
				// Close the loop for the error detail.
				for i, s := range stack {
					if s == next {
						return append(append([]string{}, stack[i:]...), next)
					}
				}
				return []string{next, next}
			case white:
				if path := visit(next); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == white {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// ID returns the DAG identifier.
func (g *Graph) ID() string { return g.id }

// Version returns the id assigned to this construction of the graph.
func (g *Graph) Version() string { return g.version }

// Schedule returns the schedule expression (empty for manual-only DAGs).
func (g *Graph) Schedule() string { return g.schedule }

// Catchup reports whether missed intervals are backfilled.
func (g *Graph) Catchup() bool { return g.catchup }

// MaxActiveRuns returns the ceiling on simultaneously non-terminal runs.
func (g *Graph) MaxActiveRuns() int { return g.maxActiveRuns }

// Concurrency returns the DAG-wide active-instance ceiling (0 = unlimited).
func (g *Graph) Concurrency() int { return g.concurrency }

// Paused reports whether the DAG is excluded from scheduling.
func (g *Graph) Paused() bool { return g.paused }

// Task returns the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all tasks sorted by id.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Successors returns the tasks that depend on the given task, sorted by id.
func (g *Graph) Successors(id string) []Task {
	return g.resolve(g.down[id])
}

// Predecessors returns the tasks the given task depends on, sorted by id.
func (g *Graph) Predecessors(id string) []Task {
	return g.resolve(g.up[id])
}

// Roots returns the tasks with no predecessors, sorted by id.
func (g *Graph) Roots() []Task {
	var out []Task
	for _, t := range g.Tasks() {
		if len(g.up[t.ID]) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Leaves returns the tasks with no successors, sorted by id.
func (g *Graph) Leaves() []Task {
	var out []Task
	for _, t := range g.Tasks() {
		if len(g.down[t.ID]) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

func (g *Graph) resolve(ids []string) []Task {
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.tasks[id])
	}
	return out
}
