package dispatch

import (
	"context"
	"sync"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
)

// Reporter receives lifecycle reports from a backend. The Dispatcher
// implements it.
type Reporter interface {
	Start(ctx context.Context, instanceID string) error
	Report(ctx context.Context, instanceID string, outcome Outcome) error
}

// TaskFunc is the body of a task executed by the LocalBackend. A nil error
// is reported as success, anything else as a failed try.
type TaskFunc func(ctx context.Context, job Job) error

// LocalBackend executes tries as goroutines in the scheduler process.
// Handlers are registered per (dag, task); a submitted job for a task with
// no handler is rejected at submit time.
type LocalBackend struct {
	mu       sync.Mutex
	handlers map[string]TaskFunc
	running  map[string]context.CancelFunc
	reporter Reporter
	log      *logger.Logger
	wg       sync.WaitGroup
}

// NewLocalBackend creates an empty LocalBackend. Bind must be called before
// the first Submit.
func NewLocalBackend(log *logger.Logger) *LocalBackend {
	return &LocalBackend{
		handlers: make(map[string]TaskFunc),
		running:  make(map[string]context.CancelFunc),
		log:      log.WithComponent("backend"),
	}
}

// Bind connects the backend to its reporter. Separate from construction
// because the Dispatcher and the backend reference each other.
func (b *LocalBackend) Bind(r Reporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reporter = r
}

// Register installs the handler for a task.
func (b *LocalBackend) Register(dagID, taskID string, fn TaskFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[handlerKey(dagID, taskID)] = fn
}

// Submit accepts a job and runs it on a fresh goroutine.
func (b *LocalBackend) Submit(_ context.Context, job Job) error {
	b.mu.Lock()
	fn, ok := b.handlers[handlerKey(job.DagID, job.TaskID)]
	reporter := b.reporter
	if ok && reporter != nil {
		// The try outlives the submit call; its context is owned here.
		ctx, cancel := context.WithCancel(context.Background())
		b.running[job.InstanceID] = cancel
		b.wg.Add(1)
		go b.run(ctx, job, fn)
	}
	b.mu.Unlock()

	if !ok {
		return apperrors.UnknownTask(job.DagID, job.TaskID)
	}
	if reporter == nil {
		return apperrors.Internal(nil).WithDetail("reason", "backend has no reporter bound")
	}
	return nil
}

func (b *LocalBackend) run(ctx context.Context, job Job, fn TaskFunc) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.running, job.InstanceID)
		b.mu.Unlock()
	}()

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	if err := b.reporter.Start(context.Background(), job.InstanceID); err != nil {
		// The instance moved on before the try began; do not run the body.
		b.log.Debug("discarding try for stale instance",
			logger.Fields(logger.FieldInstanceID, job.InstanceID, logger.FieldError, err.Error()))
		return
	}

	outcome := OutcomeSuccess
	if err := fn(ctx, job); err != nil {
		outcome = OutcomeFailed
		b.log.Warn("task handler failed",
			logger.InstanceFields(job.DagID, job.RunID, job.TaskID, job.MapIndex),
			logger.Fields(logger.FieldTryNumber, job.TryNumber, logger.FieldError, err.Error()))
	}

	if err := b.reporter.Report(context.Background(), job.InstanceID, outcome); err != nil {
		b.log.Debug("report discarded",
			logger.Fields(logger.FieldInstanceID, job.InstanceID, logger.FieldError, err.Error()))
	}
}

// Terminate cancels the context of an in-flight try. Missing tries are not
// an error; termination is best-effort by contract.
func (b *LocalBackend) Terminate(_ context.Context, instanceID string) error {
	b.mu.Lock()
	cancel, ok := b.running[instanceID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Drain blocks until every in-flight try has finished. Used on shutdown and
// in tests.
func (b *LocalBackend) Drain() {
	b.wg.Wait()
}

func handlerKey(dagID, taskID string) string {
	return dagID + "/" + taskID
}
