// Package registry tracks registered nodes, their liveness and their
// in-flight task sets.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/fleetcore/pkg/log"
	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a node ID is unknown.
type ErrNotFound struct{ ID string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("node %s not found", e.ID) }

// Registry holds every node the coordinator has seen.
type Registry struct {
	mu               sync.Mutex
	nodes            map[string]*types.Node
	heartbeatTimeout time.Duration
	concurrencyLimit int
	logger           zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTimeout overrides DefaultHeartbeatTimeout.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// WithConcurrencyLimit overrides DefaultNodeConcurrencyLimit.
func WithConcurrencyLimit(n int) Option {
	return func(r *Registry) { r.concurrencyLimit = n }
}

// New creates an empty node registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:            make(map[string]*types.Node),
		heartbeatTimeout: types.DefaultHeartbeatTimeout,
		concurrencyLimit: types.DefaultNodeConcurrencyLimit,
		logger:           log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Descriptor is what a node reports about itself at registration time.
type Descriptor struct {
	ID           string
	Address      string
	Port         int
	Capabilities map[string]any
}

// Register creates a node, or refreshes capabilities and liveness if the
// ID is already known. A re-registration never clears CurrentTasks: the
// worker is the same process reconnecting, not a new one.
func (r *Registry) Register(d Descriptor) *types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := types.Now()
	if n, exists := r.nodes[d.ID]; exists {
		if n.Status == types.NodeOffline {
			metrics.NodesTotal.WithLabelValues(string(types.NodeOffline)).Dec()
			metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Inc()
		}
		n.Capabilities = d.Capabilities
		n.Address = d.Address
		n.Port = d.Port
		n.Status = types.NodeOnline
		n.LastHeartbeat = now
		r.logger.Info().Str("node_id", d.ID).Msg("node re-registered")
		return n.Clone()
	}

	n := &types.Node{
		ID:            d.ID,
		Address:       d.Address,
		Port:          d.Port,
		Capabilities:  d.Capabilities,
		Status:        types.NodeOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		CurrentTasks:  make(map[string]struct{}),
	}
	r.nodes[d.ID] = n
	r.logger.Info().Str("node_id", d.ID).Msg("node registered")
	metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Inc()
	return n.Clone()
}

// Heartbeat refreshes a node's liveness. It returns false if the node is
// unknown, in which case the worker must re-register.
func (r *Registry) Heartbeat(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_node").Inc()
		return false
	}
	n.LastHeartbeat = types.Now()
	if n.Status == types.NodeOffline {
		r.logger.Info().Str("node_id", nodeID).Msg("node back online")
		metrics.NodesTotal.WithLabelValues(string(types.NodeOffline)).Dec()
		metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Inc()
	}
	n.Status = types.NodeOnline
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return true
}

// sweep marks nodes OFFLINE whose last heartbeat is older than the
// configured timeout. Must be called with mu held. Returns the nodes
// that transitioned to OFFLINE in this sweep.
func (r *Registry) sweep() []*types.Node {
	var justWentOffline []*types.Node
	cutoff := types.UnixTime(time.Now().Add(-r.heartbeatTimeout))
	for _, n := range r.nodes {
		if n.Status != types.NodeOffline && n.LastHeartbeat.Before(cutoff) {
			n.Status = types.NodeOffline
			justWentOffline = append(justWentOffline, n.Clone())
			metrics.NodesTotal.WithLabelValues(string(types.NodeOnline)).Dec()
			metrics.NodesTotal.WithLabelValues(string(types.NodeOffline)).Inc()
			r.logger.Warn().Str("node_id", n.ID).Time("last_heartbeat", n.LastHeartbeat.Time()).Msg("node heartbeat lapsed, marking offline")
		}
	}
	return justWentOffline
}

// Sweep runs the liveness sweep and returns nodes that just went OFFLINE,
// for the caller (the scheduler tick) to requeue orphaned tasks for.
func (r *Registry) Sweep() []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweep()
}

// ListAvailable sweeps for lapsed heartbeats, then returns nodes that are
// ONLINE and have spare concurrency capacity.
func (r *Registry) ListAvailable() []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweep()

	var available []*types.Node
	for _, n := range r.nodes {
		if n.Status == types.NodeOnline && len(n.CurrentTasks) < r.concurrencyLimit {
			available = append(available, n.Clone())
		}
	}
	return available
}

// Attach records that taskID is now running on nodeID.
func (r *Registry) Attach(nodeID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNotFound{ID: nodeID}
	}
	n.CurrentTasks[taskID] = struct{}{}
	return nil
}

// Detach removes taskID from nodeID's in-flight set and updates the
// node's completion counters.
func (r *Registry) Detach(nodeID, taskID string, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNotFound{ID: nodeID}
	}
	delete(n.CurrentTasks, taskID)
	if success {
		n.TotalCompleted++
	} else {
		n.TotalFailed++
	}
	return nil
}

// Get returns a copy of a node by ID.
func (r *Registry) Get(nodeID string) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound{ID: nodeID}
	}
	return n.Clone(), nil
}

// List returns copies of every known node.
func (r *Registry) List() []*types.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// ConcurrencyLimit returns the configured per-node concurrency limit.
func (r *Registry) ConcurrencyLimit() int { return r.concurrencyLimit }

// HeartbeatTimeout returns the configured heartbeat timeout.
func (r *Registry) HeartbeatTimeout() time.Duration { return r.heartbeatTimeout }
