// Package executor implements the worker-side task executor: a bounded
// concurrency pool that runs registered task-type handlers and surfaces a
// structured completion back to the worker agent.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/rs/zerolog"
)

// Handler is a pure function over a task's payload: (type, payload) ->
// result | error. Concrete task-type handlers (matrix-multiply, ML
// inference) are out of scope for the core; Handler is the boundary they
// implement against.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Result is the structured outcome of running a task, threaded verbatim
// into the worker agent's /task/update report.
type Result struct {
	TaskID     string
	Generation uint64 // echoes the task's generation at the time it was submitted

	Status        types.TaskStatus // TaskCompleted or TaskFailed
	Output        map[string]any
	Error         string
	ExecutionTime time.Duration
}

// Executor runs task-type handlers with bounded concurrency. Completions
// are delivered on Results() for a dedicated reporter goroutine to drain
// and post to the coordinator, rather than via a callback-on-future.
type Executor struct {
	mu       sync.Mutex
	handlers map[string]Handler
	sem      chan struct{}
	inFlight int

	results chan Result
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New creates an Executor with capacity maxConcurrent and a results
// channel buffered to four times that capacity; delivery blocks only
// once that many results are waiting to be drained.
func New(maxConcurrent int) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Executor{
		handlers: make(map[string]Handler),
		sem:      make(chan struct{}, maxConcurrent),
		results:  make(chan Result, maxConcurrent*4),
		logger:   log.WithComponent("executor"),
	}
}

// Register adds a handler for a task type. Not safe to call concurrently
// with Submit; register all handlers before starting the worker loop.
func (e *Executor) Register(taskType string, h Handler) {
	e.handlers[taskType] = h
}

// CanAccept reports whether the pool has a free slot, gating whether the
// worker agent accepts a piggybacked task or rejects it back to PENDING.
func (e *Executor) CanAccept() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight < cap(e.sem)
}

// Submit runs task's handler in the pool. It blocks only long enough to
// reserve a slot (callers should have just checked CanAccept, so this is
// expected to return immediately) and returns once the handler has been
// launched, not once it has completed; the outcome arrives on Results().
func (e *Executor) Submit(ctx context.Context, task *types.Task) {
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()

	e.sem <- struct{}{}
	e.wg.Add(1)
	go e.run(ctx, task)
}

func (e *Executor) run(ctx context.Context, task *types.Task) {
	defer e.wg.Done()
	defer func() {
		<-e.sem
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	handler, ok := e.handlers[task.Type]
	if !ok {
		e.deliver(task, nil, fmt.Errorf("unknown task type %q", task.Type), time.Duration(0))
		return
	}

	start := time.Now()
	out, err := handler(ctx, task.Payload)
	elapsed := time.Since(start)
	e.deliver(task, out, err, elapsed)
}

func (e *Executor) deliver(task *types.Task, out map[string]any, err error, elapsed time.Duration) {
	res := Result{TaskID: task.ID, Generation: task.Generation, Output: out, ExecutionTime: elapsed}
	if err != nil {
		res.Status = types.TaskFailed
		res.Error = err.Error()
		e.logger.Warn().Str("task_id", task.ID).Str("type", task.Type).Err(err).Msg("task handler failed")
	} else {
		res.Status = types.TaskCompleted
		e.logger.Info().Str("task_id", task.ID).Str("type", task.Type).Dur("execution_time", elapsed).Msg("task handler completed")
	}
	metrics.TaskExecutionDuration.WithLabelValues(task.Type).Observe(elapsed.Seconds())
	e.results <- res
}

// Results returns the channel a reporter goroutine drains to post
// completions back to the coordinator.
func (e *Executor) Results() <-chan Result {
	return e.results
}

// Wait blocks until every submitted handler has finished running,
// draining in-flight work during graceful shutdown.
func (e *Executor) Wait() {
	e.wg.Wait()
}
