package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/fleetcore/pkg/types"
)

// errNotFound is returned by transport methods when the coordinator
// responds 404 (e.g. an unknown node_id on heartbeat), signaling the
// caller must re-register.
var errNotFound = errors.New("not found")

// transport is the worker's HTTP client to the coordinator's control
// plane. Connect/read timeouts match the control-plane's operator-visible
// latency bound.
type transport struct {
	baseURL string
	client  *http.Client
}

func newTransport(baseURL string) *transport {
	return &transport{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
			},
			Timeout: 60 * time.Second,
		},
	}
}

func (t *transport) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, body["error"])
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type registerRequest struct {
	ID           string         `json:"id,omitempty"`
	Address      string         `json:"address"`
	Port         int            `json:"port"`
	Capabilities map[string]any `json:"capabilities"`
}

type registerResponse struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"`
}

func (t *transport) register(ctx context.Context, req registerRequest) (registerResponse, error) {
	var resp registerResponse
	err := t.post(ctx, "/node/register", req, &resp)
	return resp, err
}

type heartbeatRequest struct {
	NodeID string `json:"node_id"`
}

type heartbeatResponse struct {
	Status string      `json:"status"`
	Task   *types.Task `json:"task,omitempty"`
}

func (t *transport) heartbeat(ctx context.Context, nodeID string) (heartbeatResponse, error) {
	var resp heartbeatResponse
	err := t.post(ctx, "/node/heartbeat", heartbeatRequest{NodeID: nodeID}, &resp)
	return resp, err
}

type taskUpdateRequest struct {
	TaskID     string           `json:"task_id"`
	Status     types.TaskStatus `json:"status"`
	NodeID     string           `json:"node_id"`
	Generation uint64           `json:"generation"`
	Result     map[string]any   `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (t *transport) updateTask(ctx context.Context, req taskUpdateRequest) error {
	return t.post(ctx, "/task/update", req, nil)
}
