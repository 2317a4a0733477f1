package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
)

// Client talks to one Firecracker VMM instance over its Unix socket API.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient builds a Client bound to socketPath. Each microVM gets its
// own Firecracker process and its own socket, so one Client instance
// maps one-to-one to one InstanceActor.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// SocketExists reports whether the jailer has created the API socket yet.
func (c *Client) SocketExists() bool {
	_, err := os.Stat(c.socketPath)
	return err == nil
}

// PutMachineConfig configures vCPU count and memory size.
func (c *Client) PutMachineConfig(ctx context.Context, cfg MachineConfig) error {
	return c.put(ctx, "/machine-config", cfg)
}

// PutBootSource configures the kernel image and boot arguments.
func (c *Client) PutBootSource(ctx context.Context, cfg BootSource) error {
	return c.put(ctx, "/boot-source", cfg)
}

// PutDrive attaches or updates a block device.
func (c *Client) PutDrive(ctx context.Context, cfg DriveConfig) error {
	return c.put(ctx, fmt.Sprintf("/drives/%s", cfg.DriveID), cfg)
}

// PutNetworkInterface attaches or updates a network interface.
func (c *Client) PutNetworkInterface(ctx context.Context, cfg NetworkInterface) error {
	return c.put(ctx, fmt.Sprintf("/network-interfaces/%s", cfg.IfaceID), cfg)
}

// PutVsock configures the guest's vsock device.
func (c *Client) PutVsock(ctx context.Context, cfg VsockConfig) error {
	return c.put(ctx, "/vsock", cfg)
}

// StartInstance boots the configured microVM.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.put(ctx, "/actions", struct {
		ActionType string `json:"action_type"`
	}{ActionType: "InstanceStart"})
}

// SendCtrlAltDel requests a graceful guest shutdown.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.put(ctx, "/actions", struct {
		ActionType string `json:"action_type"`
	}{ActionType: "SendCtrlAltDel"})
}

// InstanceInfo is Firecracker's self-reported VMM state.
type InstanceInfo struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	VMMVersion string `json:"vmm_version"`
}

// GetInstanceInfo fetches the VMM's current state.
func (c *Client) GetInstanceInfo(ctx context.Context) (InstanceInfo, error) {
	var info InstanceInfo
	err := c.get(ctx, "/", &info)
	return info, err
}

// APIError wraps a non-2xx response from the Firecracker API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firecracker API error %d: %s", e.Status, e.Message)
}

func (c *Client) put(ctx context.Context, path string, body any) error {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal firecracker request: %w", err)
	}

	// The socket path is carried by the custom DialContext; the URL's
	// host is a placeholder Firecracker never sees on the wire.
	req, err := http.NewRequestWithContext(ctx, method, "http://firecracker"+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build firecracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("firecracker request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://firecracker"+path, nil)
	if err != nil {
		return fmt.Errorf("build firecracker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("firecracker request GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
