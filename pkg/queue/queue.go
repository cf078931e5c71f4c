// Package queue implements the task queue: storage, priority ordering,
// capability matching and at-most-once assignment.
//
// The priority index is a github.com/google/btree B-tree keyed by
// (-priority, createdAt, id) instead of the pop-and-reinsert approach a
// container/heap forces (an item has to come off the heap to inspect it,
// and goes back on if it doesn't match) — the B-tree supports in-place
// ascending iteration and O(log n) removal without disturbing the rest
// of the ordering, which is what pullFor's scan-until-match needs.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

// entry is the B-tree element: enough to order tasks without re-reading
// the task map on every comparison.
type entry struct {
	priority  int
	createdAt time.Time
	id        string
}

func less(a, b entry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority // higher priority first
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt) // FIFO among equals
	}
	return a.id < b.id
}

// Queue holds all tasks and exposes priority- and capability-aware pull.
type Queue struct {
	mu     sync.Mutex
	tasks  map[string]*types.Task
	index  *btree.BTreeG[entry] // only PENDING tasks live in the index
	logger zerolog.Logger
}

// New creates an empty task queue.
func New() *Queue {
	return &Queue{
		tasks:  make(map[string]*types.Task),
		index:  btree.NewG(32, less),
		logger: log.WithComponent("queue"),
	}
}

// ErrDuplicateID is returned by Add when a task ID is already present.
type ErrDuplicateID struct{ ID string }

func (e ErrDuplicateID) Error() string { return fmt.Sprintf("task %s already exists", e.ID) }

// ErrNotFound is returned when a task ID is unknown.
type ErrNotFound struct{ ID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("task %s not found", e.ID) }

// ErrIllegalTransition is returned when a status update violates the
// lifecycle table.
type ErrIllegalTransition struct {
	ID       string
	From, To types.TaskStatus
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// ErrStaleUpdate is returned when a status update's node or generation no
// longer matches the task's current assignment — the reporting worker
// held the task before an orphan requeue reassigned it to someone else.
// The caller should discard the update rather than treat it as an error
// worth surfacing to the worker as a retry signal.
type ErrStaleUpdate struct {
	ID     string
	NodeID string
}

func (e ErrStaleUpdate) Error() string {
	return fmt.Sprintf("task %s: stale update from node %s, task has since moved on", e.ID, e.NodeID)
}

// Add inserts a new task with status PENDING.
func (q *Queue) Add(t *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return ErrDuplicateID{ID: t.ID}
	}

	t.Status = types.TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = types.Now()
	}
	q.tasks[t.ID] = t
	q.index.ReplaceOrInsert(entry{priority: t.Priority, createdAt: t.CreatedAt.Time(), id: t.ID})

	q.logger.Info().Str("task_id", t.ID).Str("type", t.Type).Int("priority", t.Priority).Msg("task added")
	metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Inc()
	metrics.TasksSubmittedTotal.WithLabelValues(t.Type).Inc()
	return nil
}

// matches reports whether node satisfies every requirement on the task.
func matches(capabilities map[string]any, requirements map[string]types.Requirement) bool {
	for key, req := range requirements {
		value, ok := capabilities[key]
		if !ok {
			return false
		}
		switch req.Kind {
		case types.RequireNumericMin:
			num, ok := toFloat(value)
			if !ok || num < req.NumericMin {
				return false
			}
		case types.RequireExactBool:
			b, ok := value.(bool)
			if !ok || b != req.Bool {
				return false
			}
		case types.RequireExactString:
			s, ok := value.(string)
			if !ok || s != req.String {
				return false
			}
		case types.RequireMembership:
			s, ok := value.(string)
			if !ok || !contains(req.Set, s) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// PullFor atomically finds the highest-priority PENDING task whose
// requirements are satisfied by nodeCapabilities, and claims it for
// nodeID. Returns (nil, nil) when nothing matches — PullFor never errors.
func (q *Queue) PullFor(nodeID string, nodeCapabilities map[string]any) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var found *entry
	q.index.Ascend(func(e entry) bool {
		t, ok := q.tasks[e.id]
		if !ok || t.Status != types.TaskPending {
			return true // stale index entry, keep scanning
		}
		if matches(nodeCapabilities, t.Requirements) {
			found = &e
			return false
		}
		return true
	})

	if found == nil {
		return nil, nil
	}

	t := q.tasks[found.id]
	q.index.Delete(*found)
	t.Status = types.TaskAssigned
	t.AssignedNode = nodeID
	t.Generation++

	q.logger.Info().Str("task_id", t.ID).Str("node_id", nodeID).Msg("task claimed")
	metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Dec()
	metrics.TasksTotal.WithLabelValues(string(types.TaskAssigned)).Inc()
	return t.Clone(), nil
}

// UpdateStatus applies a status transition, enforcing the lifecycle
// table. nodeID and generation identify which assignment of the task the
// reporting worker believes it holds; when nodeID is non-empty and
// either the task's current owner or its generation has moved on, the
// update is rejected as stale instead of applied. An empty nodeID skips
// the ownership check; /task/update passes an empty nodeID through when
// the request carries no node_id.
// On entry to RUNNING it sets StartedAt; on entry to COMPLETED or FAILED
// it sets CompletedAt and stores result/error. CANCELLED sets CompletedAt
// only when the task was ASSIGNED or RUNNING, and stores no result/error.
func (q *Queue) UpdateStatus(taskID string, next types.TaskStatus, result map[string]any, errMsg string, nodeID string, generation uint64) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound{ID: taskID}
	}
	if nodeID != "" && (t.AssignedNode != nodeID || t.Generation != generation) {
		return nil, ErrStaleUpdate{ID: taskID, NodeID: nodeID}
	}
	if !t.Status.CanTransitionTo(next) {
		return nil, ErrIllegalTransition{ID: taskID, From: t.Status, To: next}
	}

	prev := t.Status
	if prev == types.TaskPending {
		q.index.Delete(entry{priority: t.Priority, createdAt: t.CreatedAt.Time(), id: t.ID})
	}
	t.Status = next
	switch next {
	case types.TaskRunning:
		t.StartedAt = types.Now()
	case types.TaskCompleted, types.TaskFailed:
		t.CompletedAt = types.Now()
		t.Result = result
		t.Error = errMsg
	case types.TaskRejected, types.TaskCancelled:
		if next == types.TaskCancelled && (prev == types.TaskRunning || prev == types.TaskAssigned) {
			t.CompletedAt = types.Now()
		}
	}

	// A rejected task returns to PENDING so the scheduler can re-dispatch it.
	if next == types.TaskRejected {
		t.Status = types.TaskPending
		t.AssignedNode = ""
		q.index.ReplaceOrInsert(entry{priority: t.Priority, createdAt: t.CreatedAt.Time(), id: t.ID})
		metrics.TasksTotal.WithLabelValues(string(types.TaskAssigned)).Dec()
		metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Inc()
		metrics.TasksRejectedTotal.Inc()
	} else {
		metrics.TasksTotal.WithLabelValues(string(prev)).Dec()
		metrics.TasksTotal.WithLabelValues(string(t.Status)).Inc()
	}

	q.logger.Info().Str("task_id", taskID).Str("from", string(prev)).Str("to", string(t.Status)).Msg("task status updated")
	return t.Clone(), nil
}

// Requeue moves an ASSIGNED/RUNNING task back to PENDING without the
// task's owning node reporting it — used when a node goes OFFLINE.
// It is a no-op (returns false) if the task is not currently owned by
// nodeID or is no longer in a requeueable state.
func (q *Queue) Requeue(taskID, nodeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok || t.AssignedNode != nodeID {
		return false
	}
	if t.Status != types.TaskAssigned && t.Status != types.TaskRunning {
		return false
	}

	prev := t.Status
	t.Status = types.TaskPending
	t.AssignedNode = ""
	t.StartedAt = types.UnixTime{}
	q.index.ReplaceOrInsert(entry{priority: t.Priority, createdAt: t.CreatedAt.Time(), id: t.ID})

	metrics.TasksTotal.WithLabelValues(string(prev)).Dec()
	metrics.TasksTotal.WithLabelValues(string(types.TaskPending)).Inc()
	metrics.TasksRequeuedTotal.Inc()
	q.logger.Warn().Str("task_id", taskID).Str("node_id", nodeID).Msg("task requeued after node went offline")
	return true
}

// Get returns a copy of a task by ID.
func (q *Queue) Get(taskID string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrNotFound{ID: taskID}
	}
	return t.Clone(), nil
}

// List returns copies of every known task, in no particular order.
func (q *Queue) List() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// TasksForNode returns copies of tasks currently assigned to nodeID in a
// non-terminal state, used by the scheduler's orphan-requeue sweep.
func (q *Queue) TasksForNode(nodeID string) []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*types.Task
	for _, t := range q.tasks {
		if t.AssignedNode == nodeID && (t.Status == types.TaskAssigned || t.Status == types.TaskRunning) {
			out = append(out, t.Clone())
		}
	}
	return out
}
