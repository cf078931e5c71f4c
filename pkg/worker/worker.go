// Package worker implements the FleetCore worker agent: the process that
// registers with the coordinator, heartbeats, accepts piggybacked tasks,
// runs them through the executor, and reports completion.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/capabilities"
	"github.com/cuemby/fleetcore/pkg/executor"
	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures a worker agent.
type Config struct {
	NodeID            string
	MasterURL         string
	Address           string
	Port              int
	MaxTasks          int
	HeartbeatInterval time.Duration
	MaxWorkers        int
}

// backoff bounds: base and cap for the exponential-with-jitter formula
// used by registration retries; backoffCap is also the fixed sleep of
// the heartbeat failure backoff.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// Worker is the node in the coordinator/worker control-plane protocol.
type Worker struct {
	cfg       Config
	transport *transport
	executor  *executor.Executor
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a worker agent. Call Run to start it.
func New(cfg Config) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = cfg.MaxTasks
	}

	// The executor accepts at most MaxTasks tasks at once, and never more
	// than the MaxWorkers pool size.
	capacity := cfg.MaxWorkers
	if cfg.MaxTasks > 0 && cfg.MaxTasks < capacity {
		capacity = cfg.MaxTasks
	}
	exec := executor.New(capacity)
	executor.RegisterBuiltins(exec)

	return &Worker{
		cfg:       cfg,
		transport: newTransport(cfg.MasterURL),
		executor:  exec,
		logger:    log.WithNodeID(cfg.NodeID),
		stopCh:    make(chan struct{}),
	}
}

// Executor exposes the worker's task executor, so a caller can register
// additional task-type handlers before Run is called.
func (w *Worker) Executor() *executor.Executor { return w.executor }

// Run registers with the coordinator, then drives the heartbeat loop and
// the completion reporter until ctx is cancelled, at which point it drains
// in-flight tasks before returning.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.registerWithBackoff(ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.reportCompletions()

	w.heartbeatLoop(ctx)

	w.logger.Info().Msg("draining in-flight tasks")
	w.executor.Wait()
	close(w.stopCh)
	w.wg.Wait()
	return nil
}

func backoffDelay(attempt int) time.Duration {
	d := float64(backoffBase) * math.Pow(2, float64(attempt))
	if d > float64(backoffCap) {
		d = float64(backoffCap)
	}
	jitter := d * (0.5 + rand.Float64()*0.5) // 50%-100% of the computed delay
	return time.Duration(jitter)
}

func (w *Worker) registerWithBackoff(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		resp, err := w.transport.register(ctx, registerRequest{
			ID:           w.cfg.NodeID,
			Address:      w.cfg.Address,
			Port:         w.cfg.Port,
			Capabilities: capabilities.Detect(ctx),
		})
		if err == nil {
			w.cfg.NodeID = resp.NodeID
			w.logger = log.WithNodeID(w.cfg.NodeID)
			w.logger.Info().Msg("registered with coordinator")
			return nil
		}

		delay := backoffDelay(attempt)
		w.logger.Warn().Err(err).Dur("retry_in", delay).Msg("registration failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// heartbeatLoop beats every HeartbeatInterval until ctx is cancelled.
// Repeated failures (>3 consecutive) enter a 30s backoff sleep before
// resuming; an "unknown node" response triggers re-registration before
// the next beat.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.beat(ctx); err != nil {
				consecutiveFailures++
				w.logger.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("heartbeat failed")
				if errors.Is(err, errNotFound) {
					if regErr := w.registerWithBackoff(ctx); regErr != nil {
						return
					}
					consecutiveFailures = 0
					continue
				}
				if consecutiveFailures > 3 {
					w.logger.Warn().Msg("entering heartbeat backoff")
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffCap):
					}
					consecutiveFailures = 0
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func (w *Worker) beat(ctx context.Context) error {
	resp, err := w.transport.heartbeat(ctx, w.cfg.NodeID)
	if err != nil {
		return err
	}
	if resp.Task == nil {
		return nil
	}
	w.handleDispatchedTask(ctx, resp.Task)
	return nil
}

// handleDispatchedTask accepts a piggybacked task if the executor has
// capacity, or reports REJECTED so the coordinator can detach and
// re-dispatch it rather than leaving it ASSIGNED forever.
func (w *Worker) handleDispatchedTask(ctx context.Context, task *types.Task) {
	if !w.executor.CanAccept() {
		w.logger.Warn().Str("task_id", task.ID).Msg("rejecting dispatched task: executor at capacity")
		if err := w.transport.updateTask(ctx, taskUpdateRequest{
			TaskID:     task.ID,
			Status:     types.TaskRejected,
			NodeID:     w.cfg.NodeID,
			Generation: task.Generation,
		}); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to report rejection")
		}
		return
	}

	if err := w.transport.updateTask(ctx, taskUpdateRequest{
		TaskID:     task.ID,
		Status:     types.TaskRunning,
		NodeID:     w.cfg.NodeID,
		Generation: task.Generation,
	}); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to report running")
	}
	w.executor.Submit(ctx, task)
}

// reportCompletions drains the executor's result channel and posts each
// terminal outcome to the coordinator. It is the dedicated reporter
// goroutine the completion channel replaces callbacks-on-futures with.
// It deliberately does not select on ctx: Run cancels ctx to unblock
// heartbeatLoop, then waits for the executor to drain before closing
// stopCh, and every result the executor produces during that drain must
// still be posted (postCompletion uses its own background context for
// exactly this reason) — reacting to ctx.Done() here would race that
// drain and could drop buffered completions. Once stopCh closes, it
// flushes whatever results are already buffered and returns.
func (w *Worker) reportCompletions() {
	defer w.wg.Done()
	for {
		select {
		case res := <-w.executor.Results():
			w.postCompletion(res)
		case <-w.stopCh:
			for {
				select {
				case res := <-w.executor.Results():
					w.postCompletion(res)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) postCompletion(res executor.Result) {
	updateCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := w.transport.updateTask(updateCtx, taskUpdateRequest{
		TaskID:     res.TaskID,
		Status:     res.Status,
		NodeID:     w.cfg.NodeID,
		Generation: res.Generation,
		Result:     res.Output,
		Error:      res.Error,
	})
	if err != nil {
		w.logger.Error().Err(err).Str("task_id", res.TaskID).Msg("failed to report task completion")
	}
}
