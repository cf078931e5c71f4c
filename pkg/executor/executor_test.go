package executor

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/fleetcore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoHandlerCompletes(t *testing.T) {
	e := New(2)
	RegisterBuiltins(e)

	e.Submit(context.Background(), &types.Task{ID: "t1", Type: "echo", Payload: map[string]any{"x": 1.0}, Generation: 7})

	select {
	case res := <-e.Results():
		require.Equal(t, "t1", res.TaskID)
		assert.Equal(t, types.TaskCompleted, res.Status)
		assert.Equal(t, uint64(7), res.Generation, "result must echo the submitted task's generation")
		assert.Equal(t, map[string]any{"x": 1.0}, res.Output["echo"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestUnknownTypeFails(t *testing.T) {
	e := New(1)

	e.Submit(context.Background(), &types.Task{ID: "t2", Type: "matrix-multiply"})

	select {
	case res := <-e.Results():
		assert.Equal(t, types.TaskFailed, res.Status)
		assert.Contains(t, res.Error, "unknown task type")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestCanAcceptRespectsCapacity(t *testing.T) {
	e := New(1)
	e.Register("sleep", sleepHandler)

	assert.True(t, e.CanAccept())
	e.Submit(context.Background(), &types.Task{ID: "t3", Type: "sleep", Payload: map[string]any{"duration": 0.2}})

	// Give the handler goroutine a moment to start.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, e.CanAccept())

	<-e.Results()
	assert.True(t, e.CanAccept())
}

func TestWaitDrainsInFlight(t *testing.T) {
	e := New(2)
	RegisterBuiltins(e)

	for i := 0; i < 3; i++ {
		e.Submit(context.Background(), &types.Task{ID: string(rune('a' + i)), Type: "echo"})
	}
	e.Wait()

	for i := 0; i < 3; i++ {
		<-e.Results()
	}
}

func TestSleepHandlerRespectsNegativeDuration(t *testing.T) {
	_, err := sleepHandler(context.Background(), map[string]any{"duration": -1.0})
	require.Error(t, err)
}
