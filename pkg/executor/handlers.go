package executor

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins wires the echo and sleep handlers used by the repo's
// own end-to-end tests and examples. They are illustrative task types,
// not the concrete matrix-multiply/ML-inference handlers the spec keeps
// out of scope.
func RegisterBuiltins(e *Executor) {
	e.Register("echo", echoHandler)
	e.Register("sleep", sleepHandler)
}

// echoHandler returns its payload verbatim under "echo".
func echoHandler(_ context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"echo": payload}, nil
}

// sleepHandler blocks for payload["duration"] seconds (default 0), used
// by latency-sensitive scenarios to exercise dispatch without a real
// workload. It honors context cancellation.
func sleepHandler(ctx context.Context, payload map[string]any) (map[string]any, error) {
	seconds, _ := payload["duration"].(float64)
	if seconds < 0 {
		return nil, fmt.Errorf("duration must be non-negative, got %v", seconds)
	}

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
