// Package client is the node agent's HTTP client for the control plane's
// node-facing surface (spec §6): enroll, heartbeat, plan, status report.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ghostplane.io/platform/internal/nodeplan"
)

// Client talks to the control plane on behalf of one node.
type Client struct {
	http    *http.Client
	baseURL string
	nodeID  string
	token   string
}

// New constructs a Client for nodeID against baseURL, authenticating with
// token as a bearer token minted for that node's actor identity.
func New(baseURL, nodeID, token string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		nodeID:  nodeID,
		token:   token,
	}
}

// EnrollRequest is the body of POST /nodes/:node_id/enroll.
type EnrollRequest struct {
	IPv4             *string `json:"ipv4,omitempty"`
	IPv6             *string `json:"ipv6,omitempty"`
	MTU              *int    `json:"mtu,omitempty"`
	VCPUCapacity     int     `json:"vcpu_capacity"`
	MemoryMBCapacity int     `json:"memory_mb_capacity"`
}

// Enroll registers this node's capacity with the control plane.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%s/enroll", c.nodeID), req, nil)
}

// HeartbeatRequest is the body of POST /nodes/:node_id/heartbeat. The
// control plane currently ignores the body's contents, but the node agent
// still sends it so future fields don't require a protocol bump.
type HeartbeatRequest struct {
	InstanceCount int `json:"instance_count"`
}

// Heartbeat sends a liveness ping. The control plane does not wait for a
// projection to catch up, so this call is cheap and safe to retry.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%s/heartbeat", c.nodeID), req, nil)
}

// FetchPlan fetches the current desired-state plan for this node.
func (c *Client) FetchPlan(ctx context.Context) (*nodeplan.Plan, error) {
	var plan nodeplan.Plan
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/nodes/%s/plan", c.nodeID), nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// StatusReport is the body of POST
// /nodes/:node_id/instances/:instance_id/status.
type StatusReport struct {
	InstanceID string  `json:"-"`
	Status     string  `json:"status"`
	BootID     *string `json:"boot_id,omitempty"`
	ReasonCode *string `json:"reason_code,omitempty"`
}

// ReportInstanceStatus reports an instance's current status.
func (c *Client) ReportInstanceStatus(ctx context.Context, r StatusReport) error {
	path := fmt.Sprintf("/v1/nodes/%s/instances/%s/status", c.nodeID, r.InstanceID)
	return c.do(ctx, http.MethodPost, path, r, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}
