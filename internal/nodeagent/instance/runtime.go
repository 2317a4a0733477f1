// Package instance runs the per-instance microVM lifecycle state machine
// (spec §4.8): allocated -> preparing -> booting -> ready -> draining ->
// stopped, with failed reachable from preparing/booting/ready and
// restart governed by a bounded backoff policy.
package instance

import (
	"context"
	"fmt"
	"time"

	"ghostplane.io/platform/internal/nodeagent/firecracker"
	"ghostplane.io/platform/internal/nodeagent/network"
	"ghostplane.io/platform/internal/nodeplan"
)

// VMHandle identifies one boot of one instance.
type VMHandle struct {
	BootID     string
	InstanceID string
}

// Runtime abstracts VM lifecycle operations so the instance Actor can be
// tested without a real Firecracker/jailer/kernel stack.
type Runtime interface {
	StartVM(ctx context.Context, plan nodeplan.InstancePlan, rootdiskPath string) (VMHandle, error)
	StopVM(ctx context.Context, handle VMHandle) error
	CheckVMHealth(ctx context.Context, handle VMHandle) (bool, error)
}

// FirecrackerRuntime boots real Firecracker microVMs inside jailer
// sandboxes.
type FirecrackerRuntime struct {
	JailerPath      string
	FirecrackerPath string
	ChrootBase      string
	KernelImagePath string
	VsockCIDBase    int
}

// StartVM prepares a jailed sandbox, creates the instance's TAP device,
// configures Firecracker over its API socket, and starts the VM.
func (r *FirecrackerRuntime) StartVM(ctx context.Context, plan nodeplan.InstancePlan, rootdiskPath string) (VMHandle, error) {
	jailerCfg := firecracker.NewJailerConfig(plan.InstanceID, r.JailerPath, r.FirecrackerPath, r.ChrootBase)
	jailerCfg.MemoryLimitBytes = plan.Resources.MemoryBytes
	sandbox := firecracker.NewSandboxManager(jailerCfg)

	paths, err := sandbox.PrepareSandbox()
	if err != nil {
		return VMHandle{}, fmt.Errorf("prepare sandbox: %w", err)
	}
	if err := sandbox.SetupCgroups(); err != nil {
		return VMHandle{}, fmt.Errorf("setup cgroups: %w", err)
	}

	tap, err := network.CreateTap(network.NewTapConfig(plan.InstanceID, plan.OverlayIPv6))
	if err != nil {
		return VMHandle{}, fmt.Errorf("create tap device: %w", err)
	}

	cmd := sandbox.Command()
	if err := cmd.Start(); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("start jailer: %w", err)
	}

	client := firecracker.NewClient(paths.Socket)
	if err := waitForSocket(ctx, client); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("wait for firecracker socket: %w", err)
	}

	if err := client.PutMachineConfig(ctx, firecracker.NewMachineConfig(plan.Resources.CPU, int(plan.Resources.MemoryBytes/(1024*1024)))); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("put machine config: %w", err)
	}
	if err := client.PutBootSource(ctx, firecracker.NewBootSource(r.KernelImagePath)); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("put boot source: %w", err)
	}
	if err := client.PutDrive(ctx, firecracker.RootDisk(rootdiskPath)); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("put root drive: %w", err)
	}
	if err := client.PutNetworkInterface(ctx, firecracker.NewNetworkInterface("eth0", tap.Name(), plan.InstanceID)); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("put network interface: %w", err)
	}
	if err := client.StartInstance(ctx); err != nil {
		_ = tap.Delete()
		return VMHandle{}, fmt.Errorf("start instance: %w", err)
	}

	return VMHandle{BootID: fmt.Sprintf("boot_%d", time.Now().UnixNano()), InstanceID: plan.InstanceID}, nil
}

// StopVM sends a graceful shutdown request to the guest.
func (r *FirecrackerRuntime) StopVM(ctx context.Context, handle VMHandle) error {
	jailerCfg := firecracker.NewJailerConfig(handle.InstanceID, r.JailerPath, r.FirecrackerPath, r.ChrootBase)
	client := firecracker.NewClient(jailerCfg.APISocketPath())
	if err := client.SendCtrlAltDel(ctx); err != nil {
		return fmt.Errorf("send ctrl-alt-del to %s: %w", handle.InstanceID, err)
	}
	return nil
}

// CheckVMHealth reports whether Firecracker still responds on its API
// socket.
func (r *FirecrackerRuntime) CheckVMHealth(ctx context.Context, handle VMHandle) (bool, error) {
	jailerCfg := firecracker.NewJailerConfig(handle.InstanceID, r.JailerPath, r.FirecrackerPath, r.ChrootBase)
	client := firecracker.NewClient(jailerCfg.APISocketPath())
	_, err := client.GetInstanceInfo(ctx)
	return err == nil, nil
}

func waitForSocket(ctx context.Context, client *firecracker.Client) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if client.SocketExists() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("firecracker socket not created within timeout")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}
