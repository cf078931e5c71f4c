package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/fleetcore/pkg/queue"
	"github.com/cuemby/fleetcore/pkg/registry"
	"github.com/cuemby/fleetcore/pkg/scheduler"
	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() (*Server, *httptest.Server) {
	q := queue.New()
	r := registry.New()
	sched := scheduler.New(q, r)
	s := New(q, r, sched)
	return s, httptest.NewServer(s.Handler())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitTaskAndGet(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/task", map[string]any{"type": "echo", "priority": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	submitted := decode[map[string]string](t, resp)
	taskID := submitted["task_id"]
	require.NotEmpty(t, taskID)

	getResp, err := http.Get(srv.URL + "/task/" + taskID)
	require.NoError(t, err)
	task := decode[types.Task](t, getResp)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestSubmitTaskRejectsMissingType(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/task", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterAndHeartbeatDispatch(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	regResp := postJSON(t, srv.URL+"/node/register", map[string]any{
		"address": "10.0.0.5", "port": 9000,
		"capabilities": map[string]any{"cpu_count": 8.0},
	})
	reg := decode[map[string]string](t, regResp)
	nodeID := reg["node_id"]
	require.NotEmpty(t, nodeID)

	submitted := decode[map[string]string](t, postJSON(t, srv.URL+"/task", map[string]any{"type": "echo"}))

	hbResp := postJSON(t, srv.URL+"/node/heartbeat", map[string]string{"node_id": nodeID})
	hb := decode[heartbeatResponse](t, hbResp)
	require.NotNil(t, hb.Task)
	assert.Equal(t, submitted["task_id"], hb.Task.ID)
}

func TestHeartbeatUnknownNodeReturns404(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/node/heartbeat", map[string]string{"node_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskUpdateLifecycleAndDetach(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	postJSON(t, srv.URL+"/node/register", map[string]any{"id": "n1", "address": "a", "port": 1})
	submitted := decode[map[string]string](t, postJSON(t, srv.URL+"/task", map[string]any{"type": "echo"}))
	taskID := submitted["task_id"]

	hb := decode[heartbeatResponse](t, postJSON(t, srv.URL+"/node/heartbeat", map[string]string{"node_id": "n1"}))
	require.NotNil(t, hb.Task)

	runResp := postJSON(t, srv.URL+"/task/update", map[string]any{
		"task_id": taskID, "status": "running", "node_id": "n1", "generation": hb.Task.Generation,
	})
	assert.Equal(t, http.StatusOK, runResp.StatusCode)

	doneResp := postJSON(t, srv.URL+"/task/update", map[string]any{
		"task_id": taskID, "status": "completed", "node_id": "n1", "generation": hb.Task.Generation, "result": map[string]any{"ok": true},
	})
	assert.Equal(t, http.StatusOK, doneResp.StatusCode)

	nodesResp, err := http.Get(srv.URL + "/nodes")
	require.NoError(t, err)
	nodes := decode[[]types.NodeView](t, nodesResp)
	require.Len(t, nodes, 1)
	assert.Empty(t, nodes[0].CurrentTasks)
	assert.Equal(t, uint64(1), nodes[0].TotalCompleted)
}

// TestTaskUpdateFromSupersededNodeReturns409 is the HTTP-level version of
// the orphan-requeue scenario: n1 holds a task, is requeued as if it had
// gone offline, the task is reassigned to n2, and n1's late completion
// report must be rejected instead of overwriting n2's assignment.
func TestTaskUpdateFromSupersededNodeReturns409(t *testing.T) {
	s, srv := newTestServer()
	defer srv.Close()

	postJSON(t, srv.URL+"/node/register", map[string]any{"id": "n1", "address": "a", "port": 1})
	postJSON(t, srv.URL+"/node/register", map[string]any{"id": "n2", "address": "b", "port": 2})
	submitted := decode[map[string]string](t, postJSON(t, srv.URL+"/task", map[string]any{"type": "echo"}))
	taskID := submitted["task_id"]

	hb1 := decode[heartbeatResponse](t, postJSON(t, srv.URL+"/node/heartbeat", map[string]string{"node_id": "n1"}))
	require.NotNil(t, hb1.Task)

	// Simulate the liveness sweep requeuing n1's task and n2 claiming it.
	require.True(t, s.queue.Requeue(taskID, "n1"))
	hb2 := decode[heartbeatResponse](t, postJSON(t, srv.URL+"/node/heartbeat", map[string]string{"node_id": "n2"}))
	require.NotNil(t, hb2.Task)
	require.Equal(t, taskID, hb2.Task.ID)

	resp := postJSON(t, srv.URL+"/task/update", map[string]any{
		"task_id": taskID, "status": "completed", "node_id": "n1", "generation": hb1.Task.Generation,
		"result": map[string]any{"stale": true},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/task/" + taskID)
	require.NoError(t, err)
	task := decode[types.Task](t, getResp)
	assert.Equal(t, "n2", task.AssignedNode, "n2's assignment must survive n1's stale report")
}

func TestTaskUpdateIllegalTransitionReturns400(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	submitted := decode[map[string]string](t, postJSON(t, srv.URL+"/task", map[string]any{"type": "echo"}))

	resp := postJSON(t, srv.URL+"/task/update", map[string]any{"task_id": submitted["task_id"], "status": "completed"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpointSummarizesCounts(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	postJSON(t, srv.URL+"/task", map[string]any{"type": "echo"})
	postJSON(t, srv.URL+"/node/register", map[string]any{"id": "n1", "address": "a", "port": 1})

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	status := decode[statusResponse](t, resp)
	assert.Equal(t, 1, status.TotalTasks)
	assert.Equal(t, 1, status.TotalNodes)
	assert.Equal(t, 1, status.TasksByStatus["pending"])
}
