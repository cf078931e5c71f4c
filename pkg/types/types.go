// Package types defines the data records shared by the queue, registry,
// scheduler and control plane. Types here are plain records; the locking
// and mutation rules that make them safe to share live in the packages
// that own them (pkg/queue, pkg/registry), not on these structs.
package types

import (
	"strconv"
	"time"
)

// UnixTime marshals as Unix epoch seconds with fractional precision, the
// wire format the control plane uses for every timestamp field, instead
// of time.Time's default RFC 3339 string.
type UnixTime time.Time

// Now returns the current time as a UnixTime.
func Now() UnixTime { return UnixTime(time.Now()) }

// Time returns the underlying time.Time.
func (u UnixTime) Time() time.Time { return time.Time(u) }

// IsZero reports whether u holds the zero time.
func (u UnixTime) IsZero() bool { return time.Time(u).IsZero() }

// Before reports whether u is strictly before other.
func (u UnixTime) Before(other UnixTime) bool { return time.Time(u).Before(time.Time(other)) }

// Since returns the elapsed duration from u to now.
func (u UnixTime) Since() time.Duration { return time.Since(time.Time(u)) }

// MarshalJSON encodes u as Unix epoch seconds, e.g. 1719792000.123456.
func (u UnixTime) MarshalJSON() ([]byte, error) {
	t := time.Time(u)
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)), nil
}

// UnmarshalJSON decodes Unix epoch seconds into u.
func (u *UnixTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*u = UnixTime(time.Time{})
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*u = UnixTime(time.Unix(0, int64(secs*1e9)))
	return nil
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	// TaskRejected is reached when a node that was piggybacked a task
	// cannot run it (executor at capacity). The coordinator detaches the
	// node and returns the task to TaskPending.
	TaskRejected TaskStatus = "rejected"
)

// terminal reports whether a status has no valid outgoing transition.
func (s TaskStatus) terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is legal per the
// PENDING -> ASSIGNED -> RUNNING -> (COMPLETED | FAILED) lifecycle, with
// CANCELLED reachable from any non-terminal state and REJECTED reachable
// only from ASSIGNED (a node declining a just-piggybacked task).
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.terminal() {
		return false
	}
	if next == TaskCancelled {
		return true
	}
	switch s {
	case TaskPending:
		return next == TaskAssigned
	case TaskAssigned:
		return next == TaskRunning || next == TaskRejected
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed
	default:
		return false
	}
}

// RequirementKind selects how a task requirement constrains a capability.
type RequirementKind string

const (
	RequireNumericMin  RequirementKind = "numeric_min"
	RequireExactBool   RequirementKind = "exact_bool"
	RequireExactString RequirementKind = "exact_string"
	RequireMembership  RequirementKind = "membership"
)

// Requirement is a single constraint a task places on a node capability.
// Exactly one of NumericMin/Bool/String/Set is meaningful, selected by Kind.
type Requirement struct {
	Kind RequirementKind `json:"kind"`

	NumericMin float64  `json:"numeric_min,omitempty"`
	Bool       bool     `json:"bool,omitempty"`
	String     string   `json:"string,omitempty"`
	Set        []string `json:"set,omitempty"`
}

// Task is a unit of work routed by Type to a worker-side handler.
type Task struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Payload      map[string]any         `json:"payload"`
	Priority     int                    `json:"priority"`
	Requirements map[string]Requirement `json:"requirements,omitempty"`

	Status       TaskStatus `json:"status"`
	AssignedNode string     `json:"assigned_node,omitempty"`

	CreatedAt   UnixTime `json:"created_at"`
	StartedAt   UnixTime `json:"started_at,omitempty"`
	CompletedAt UnixTime `json:"completed_at,omitempty"`

	Result map[string]any `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Generation is bumped every time the task is (re)claimed by PullFor.
	// It is sent to the worker on dispatch and echoed back on every
	// /task/update so the coordinator can recognize and discard a stale
	// status update from a node that no longer owns the task after an
	// orphan requeue reassigned it to someone else.
	Generation uint64 `json:"generation"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// queue's lock (payload/result maps and the requirements map are shared
// by reference since callers treat them as read-only after submission).
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// NodeStatus is the liveness/availability state of a Node.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeBusy        NodeStatus = "busy"
	NodeMaintenance NodeStatus = "maintenance"
)

// Node is a registered worker.
type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	Capabilities map[string]any `json:"capabilities"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat UnixTime   `json:"last_heartbeat"`
	CreatedAt     UnixTime   `json:"created_at"`

	CurrentTasks   map[string]struct{} `json:"-"`
	TotalCompleted uint64              `json:"total_completed"`
	TotalFailed    uint64              `json:"total_failed"`
}

// Clone returns a copy of the node with its own CurrentTasks set, safe to
// read outside the registry's lock.
func (n *Node) Clone() *Node {
	c := *n
	c.CurrentTasks = make(map[string]struct{}, len(n.CurrentTasks))
	for id := range n.CurrentTasks {
		c.CurrentTasks[id] = struct{}{}
	}
	return &c
}

// NodeView is the JSON-safe read projection of a Node (CurrentTasks as a
// slice instead of a set) used for wire transport and /nodes responses.
type NodeView struct {
	ID             string         `json:"id"`
	Address        string         `json:"address"`
	Port           int            `json:"port"`
	Capabilities   map[string]any `json:"capabilities"`
	Status         NodeStatus     `json:"status"`
	LastHeartbeat  UnixTime       `json:"last_heartbeat"`
	CreatedAt      UnixTime       `json:"created_at"`
	CurrentTasks   []string       `json:"current_tasks"`
	TotalCompleted uint64         `json:"total_completed"`
	TotalFailed    uint64         `json:"total_failed"`
}

// View projects a Node into its wire-safe form.
func (n *Node) View() NodeView {
	tasks := make([]string, 0, len(n.CurrentTasks))
	for id := range n.CurrentTasks {
		tasks = append(tasks, id)
	}
	return NodeView{
		ID:             n.ID,
		Address:        n.Address,
		Port:           n.Port,
		Capabilities:   n.Capabilities,
		Status:         n.Status,
		LastHeartbeat:  n.LastHeartbeat,
		CreatedAt:      n.CreatedAt,
		CurrentTasks:   tasks,
		TotalCompleted: n.TotalCompleted,
		TotalFailed:    n.TotalFailed,
	}
}

// DefaultNodeConcurrencyLimit bounds how many tasks a node may run at once.
const DefaultNodeConcurrencyLimit = 2

// DefaultHeartbeatTimeout is how long a node may go without a heartbeat
// before it is considered OFFLINE.
const DefaultHeartbeatTimeout = 30 * time.Second
