package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsDuplicateID(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1"}))

	err := q.Add(&types.Task{ID: "t1"})
	require.Error(t, err)
	assert.IsType(t, ErrDuplicateID{}, err)
}

func TestPullForMatchesCapabilities(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{
		ID:   "gpu-task",
		Requirements: map[string]types.Requirement{
			"gpu_available": {Kind: types.RequireExactBool, Bool: true},
		},
	}))

	task, err := q.PullFor("n1", map[string]any{"gpu_available": false})
	require.NoError(t, err)
	assert.Nil(t, task, "no GPU capability should not match")

	task, err = q.PullFor("n1", map[string]any{"gpu_available": true})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, "n1", task.AssignedNode)
}

func TestPullForNumericMinAndMembership(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{
		ID: "t1",
		Requirements: map[string]types.Requirement{
			"cpu_count": {Kind: types.RequireNumericMin, NumericMin: 8},
			"region":    {Kind: types.RequireMembership, Set: []string{"us-east", "us-west"}},
		},
	}))

	task, err := q.PullFor("n1", map[string]any{"cpu_count": 4.0, "region": "us-east"})
	require.NoError(t, err)
	assert.Nil(t, task, "cpu_count below minimum should not match")

	task, err = q.PullFor("n1", map[string]any{"cpu_count": 16.0, "region": "eu-west"})
	require.NoError(t, err)
	assert.Nil(t, task, "region not in membership set should not match")

	task, err = q.PullFor("n1", map[string]any{"cpu_count": 16.0, "region": "us-west"})
	require.NoError(t, err)
	require.NotNil(t, task)
}

func TestPullForMissingCapabilityKeyFailsMatch(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{
		ID: "t1",
		Requirements: map[string]types.Requirement{
			"gpu_available": {Kind: types.RequireExactBool, Bool: true},
		},
	}))

	task, err := q.PullFor("n1", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "low", Priority: 0}))
	require.NoError(t, q.Add(&types.Task{ID: "high", Priority: 10}))

	task, err := q.PullFor("n1", nil)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "high", task.ID)

	task, err = q.PullFor("n1", nil)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "low", task.ID)
}

func TestFIFOAmongEqualPriority(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "first", Priority: 1, CreatedAt: types.UnixTime(time.Unix(100, 0))}))
	require.NoError(t, q.Add(&types.Task{ID: "second", Priority: 1, CreatedAt: types.UnixTime(time.Unix(200, 0))}))

	task, err := q.PullFor("n1", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", task.ID)
}

func TestPullForAtMostOnceUnderConcurrency(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "contested", Priority: 1}))

	var wg sync.WaitGroup
	claims := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task, err := q.PullFor("node", nil)
			if err == nil && task != nil {
				claims <- task.ID
			}
		}(i)
	}
	wg.Wait()
	close(claims)

	count := 0
	for range claims {
		count++
	}
	assert.Equal(t, 1, count, "exactly one caller should claim the task")
}

func TestUpdateStatusEnforcesTransitionTable(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1"}))
	claimed, _ := q.PullFor("n1", nil)

	_, err := q.UpdateStatus("t1", types.TaskCompleted, nil, "", "n1", claimed.Generation)
	require.Error(t, err, "cannot jump straight from ASSIGNED to COMPLETED")
	assert.IsType(t, ErrIllegalTransition{}, err)

	task, err := q.UpdateStatus("t1", types.TaskRunning, nil, "", "n1", claimed.Generation)
	require.NoError(t, err)
	assert.False(t, task.StartedAt.IsZero())

	task, err = q.UpdateStatus("t1", types.TaskCompleted, map[string]any{"ok": true}, "", "n1", claimed.Generation)
	require.NoError(t, err)
	assert.False(t, task.CompletedAt.IsZero())
	assert.Equal(t, map[string]any{"ok": true}, task.Result)

	_, err = q.UpdateStatus("t1", types.TaskFailed, nil, "", "n1", claimed.Generation)
	require.Error(t, err, "terminal states are sinks")
}

func TestUpdateStatusUnknownID(t *testing.T) {
	q := New()
	_, err := q.UpdateStatus("missing", types.TaskRunning, nil, "", "n1", 0)
	require.Error(t, err)
	assert.IsType(t, ErrNotFound{}, err)
}

func TestUpdateStatusRejectsStaleNode(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1"}))
	_, _ = q.PullFor("n1", nil)

	// n1 goes offline, its task is requeued and reassigned to n2.
	require.True(t, q.Requeue("t1", "n1"))
	claimed, err := q.PullFor("n2", nil)
	require.NoError(t, err)
	require.Equal(t, "n2", claimed.AssignedNode)

	// n1 resurfaces and reports completion for an assignment it no
	// longer holds; it must be rejected, not applied to n2's task.
	_, err = q.UpdateStatus("t1", types.TaskCompleted, map[string]any{"stale": true}, "", "n1", 1)
	require.Error(t, err)
	assert.IsType(t, ErrStaleUpdate{}, err)

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, task.Status, "n2's assignment must be untouched")
	assert.Equal(t, "n2", task.AssignedNode)

	// n2's own report, with the current generation, is accepted.
	task, err = q.UpdateStatus("t1", types.TaskRunning, nil, "", "n2", claimed.Generation)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.Status)
}

func TestCancelledReachableFromAnyNonTerminalState(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1"}))

	task, err := q.UpdateStatus("t1", types.TaskCancelled, nil, "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)

	require.NoError(t, q.Add(&types.Task{ID: "t2"}))
	assigned, err := q.PullFor("n1", nil)
	require.NoError(t, err)
	require.NotNil(t, assigned)
	task, err = q.UpdateStatus(assigned.ID, types.TaskCancelled, nil, "", "n1", assigned.Generation)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)

	require.NoError(t, q.Add(&types.Task{ID: "t3"}))
	running, err := q.PullFor("n1", nil)
	require.NoError(t, err)
	require.NotNil(t, running)
	_, err = q.UpdateStatus(running.ID, types.TaskRunning, nil, "", "n1", running.Generation)
	require.NoError(t, err)
	task, err = q.UpdateStatus(running.ID, types.TaskCancelled, nil, "", "n1", running.Generation)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, task.Status)
}

func TestRejectedReturnsTaskToPending(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1", Priority: 5}))
	claimed, err := q.PullFor("n1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	task, err := q.UpdateStatus("t1", types.TaskRejected, nil, "", "n1", claimed.Generation)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Empty(t, task.AssignedNode)

	again, err := q.PullFor("n2", nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "n2", again.AssignedNode)
}

func TestRequeueOnlyAffectsOwningNode(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1"}))
	_, _ = q.PullFor("n1", nil)

	assert.False(t, q.Requeue("t1", "wrong-node"))
	assert.True(t, q.Requeue("t1", "n1"))

	task, err := q.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestTasksForNode(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(&types.Task{ID: "t1"}))
	require.NoError(t, q.Add(&types.Task{ID: "t2"}))
	_, _ = q.PullFor("n1", nil)

	tasks := q.TasksForNode("n1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}
