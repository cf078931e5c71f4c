// Package scheduler dispatches pending tasks to available nodes and
// requeues work orphaned by a node going offline.
package scheduler

import (
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/queue"
	"github.com/cuemby/fleetcore/pkg/registry"
	"github.com/rs/zerolog"
)

// defaultTick is how often the scheduler dispatches even without a nudge.
const defaultTick = 5 * time.Second

// Scheduler assigns pending tasks to available nodes by priority and
// capability match, and requeues tasks owned by nodes that go offline.
type Scheduler struct {
	queue    *queue.Queue
	registry *registry.Registry
	logger   zerolog.Logger

	tick   time.Duration
	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler wired to q and r. Call Start to run it.
func New(q *queue.Queue, r *registry.Registry) *Scheduler {
	return &Scheduler{
		queue:    q,
		registry: r,
		logger:   log.WithComponent("scheduler"),
		tick:     defaultTick,
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Wake nudges the scheduler to dispatch immediately instead of waiting for
// the next tick — call this after a task submission or a heartbeat that
// could not piggyback a dispatch itself.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchAll()
		case <-s.wakeCh:
			s.dispatchAll()
		case <-s.stopCh:
			return
		}
	}
}

// dispatchAll sweeps node liveness, requeues orphaned tasks, and assigns
// pending tasks to nodes with spare capacity. Lock order is always
// registry first, then queue, for any combined operation.
func (s *Scheduler) dispatchAll() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration)

	for _, n := range s.registry.Sweep() {
		for _, t := range s.queue.TasksForNode(n.ID) {
			if s.queue.Requeue(t.ID, n.ID) {
				s.logger.Warn().Str("task_id", t.ID).Str("node_id", n.ID).Msg("requeued orphaned task")
			}
		}
	}

	for _, n := range s.registry.ListAvailable() {
		for len(n.CurrentTasks) < s.registry.ConcurrencyLimit() {
			t, err := s.queue.PullFor(n.ID, n.Capabilities)
			if err != nil {
				s.logger.Error().Err(err).Str("node_id", n.ID).Msg("pull for dispatch failed")
				break
			}
			if t == nil {
				break
			}
			if err := s.registry.Attach(n.ID, t.ID); err != nil {
				s.logger.Error().Err(err).Str("node_id", n.ID).Str("task_id", t.ID).Msg("attach failed")
				break
			}
			n.CurrentTasks[t.ID] = struct{}{}
			metrics.DispatchLatency.Observe(t.CreatedAt.Since().Seconds())
			s.logger.Info().Str("task_id", t.ID).Str("node_id", n.ID).Msg("task dispatched")
		}
	}
}
