package coordinator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/fleetcore/pkg/registry"
	"github.com/cuemby/fleetcore/pkg/types"
)

// submitTaskRequest is the POST /task body.
type submitTaskRequest struct {
	Type         string                       `json:"type"`
	Payload      map[string]any               `json:"payload"`
	Priority     int                          `json:"priority"`
	Requirements map[string]types.Requirement `json:"requirements"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	task := &types.Task{
		ID:           newID("task"),
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Requirements: req.Requirements,
		CreatedAt:    types.Now(),
	}
	if err := s.queue.Add(task); err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}

	if s.scheduler != nil {
		s.scheduler.Wake()
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": task.ID,
		"status":  "submitted",
	})
}

// registerNodeRequest is the POST /node/register body.
type registerNodeRequest struct {
	ID           string         `json:"id"`
	Address      string         `json:"address"`
	Port         int            `json:"port"`
	Capabilities map[string]any `json:"capabilities"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ID == "" {
		req.ID = newID("node")
	}

	node := s.registry.Register(registry.Descriptor{
		ID:           req.ID,
		Address:      req.Address,
		Port:         req.Port,
		Capabilities: req.Capabilities,
	})

	writeJSON(w, http.StatusOK, map[string]string{
		"node_id": node.ID,
		"status":  "registered",
	})
}

// heartbeatRequest is the POST /node/heartbeat body.
type heartbeatRequest struct {
	NodeID string `json:"node_id"`
}

// heartbeatResponse carries at most one piggybacked task.
type heartbeatResponse struct {
	Status string      `json:"status"`
	Task   *types.Task `json:"task,omitempty"`
}

// handleHeartbeat implements the heartbeat-with-piggybacked-dispatch
// protocol, the only channel by which a task reaches a worker. Lock
// order: registry first (Heartbeat, Get), then queue (PullFor),
// then registry again for Attach.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	if !s.registry.Heartbeat(req.NodeID) {
		writeError(w, http.StatusNotFound, "unknown node id")
		return
	}

	node, err := s.registry.Get(req.NodeID)
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}

	if len(node.CurrentTasks) >= s.registry.ConcurrencyLimit() {
		writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok"})
		return
	}

	task, err := s.queue.PullFor(node.ID, node.Capabilities)
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok"})
		return
	}

	if err := s.registry.Attach(node.ID, task.ID); err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok", Task: task})
}

// taskUpdateRequest is the POST /task/update body.
type taskUpdateRequest struct {
	TaskID     string           `json:"task_id"`
	Status     types.TaskStatus `json:"status"`
	NodeID     string           `json:"node_id"`
	Generation uint64           `json:"generation"`
	Result     map[string]any   `json:"result"`
	Error      string           `json:"error"`
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TaskID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "task_id and status are required")
		return
	}

	task, err := s.queue.UpdateStatus(req.TaskID, req.Status, req.Result, req.Error, req.NodeID, req.Generation)
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}

	terminal := req.Status == types.TaskCompleted || req.Status == types.TaskFailed || req.Status == types.TaskCancelled
	if req.NodeID != "" && (terminal || req.Status == types.TaskRejected) {
		if err := s.registry.Detach(req.NodeID, req.TaskID, req.Status == types.TaskCompleted); err != nil {
			s.logger.Warn().Err(err).Str("node_id", req.NodeID).Str("task_id", req.TaskID).Msg("detach after status update failed")
		}
	}

	if s.scheduler != nil && req.Status == types.TaskRejected {
		s.scheduler.Wake()
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "task_status": string(task.Status)})
}

// statusResponse is the GET /status body: a cluster-wide summary.
type statusResponse struct {
	Uptime     float64            `json:"uptime_seconds"`
	TasksByStatus map[string]int  `json:"tasks_by_status"`
	NodesByStatus map[string]int  `json:"nodes_by_status"`
	TotalTasks int                `json:"total_tasks"`
	TotalNodes int                `json:"total_nodes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tasks := s.queue.List()
	nodes := s.registry.List()

	tasksByStatus := make(map[string]int)
	for _, t := range tasks {
		tasksByStatus[string(t.Status)]++
	}
	nodesByStatus := make(map[string]int)
	for _, n := range nodes {
		nodesByStatus[string(n.Status)]++
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:        time.Since(s.startedAt).Seconds(),
		TasksByStatus: tasksByStatus,
		NodesByStatus: nodesByStatus,
		TotalTasks:    len(tasks),
		TotalNodes:    len(nodes),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.List())
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.List()
	views := make([]types.NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, n.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.queue.Get(id)
	if err != nil {
		status, msg := statusFor(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
