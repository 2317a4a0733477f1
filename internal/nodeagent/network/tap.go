// Package network manages host-side TAP devices for microVM networking
// (spec §4.10): one TAP per instance, link-local gateway, proxy NDP for
// the instance's overlay IPv6 address.
package network

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// GatewayIPv6 is the link-local address the guest sees as its gateway.
const GatewayIPv6 = "fe80::1"

// DefaultMTU matches the overlay network's MTU.
const DefaultMTU = 1420

// TapConfig describes the TAP device to create for one instance.
type TapConfig struct {
	InstanceID  string
	OverlayIPv6 string
	GatewayIPv6 string
	MTU         int
}

// NewTapConfig builds a TapConfig with platform defaults.
func NewTapConfig(instanceID, overlayIPv6 string) TapConfig {
	return TapConfig{InstanceID: instanceID, OverlayIPv6: overlayIPv6, GatewayIPv6: GatewayIPv6, MTU: DefaultMTU}
}

// Name returns the TAP device name, truncated to fit IFNAMSIZ (15 bytes).
func (c TapConfig) Name() string {
	suffix := c.InstanceID
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return "tap-" + suffix
}

// TapDevice is a handle to a created TAP device; Delete tears it down.
type TapDevice struct {
	name        string
	instanceID  string
	overlayIPv6 string
}

// Name returns the TAP device's name.
func (d *TapDevice) Name() string { return d.name }

// CreateTap creates and configures a TAP device: brings it up, assigns
// the link-local gateway address, routes the instance's overlay address
// through it, and enables proxy NDP and IPv6 forwarding. Any failure
// after device creation rolls back by deleting the device.
func CreateTap(cfg TapConfig) (*TapDevice, error) {
	name := cfg.Name()
	logger.Info("creating tap device", zap.String("tap", name), zap.String("instance_id", cfg.InstanceID))

	if err := runIP("tuntap", "add", "dev", name, "mode", "tap"); err != nil {
		return nil, fmt.Errorf("create tap %s: %w", name, err)
	}

	if err := runIP("link", "set", "dev", name, "mtu", fmt.Sprintf("%d", cfg.MTU)); err != nil {
		_ = runIP("link", "delete", name)
		return nil, fmt.Errorf("set mtu on %s: %w", name, err)
	}

	if err := runIP("link", "set", "dev", name, "up"); err != nil {
		_ = runIP("link", "delete", name)
		return nil, fmt.Errorf("bring up %s: %w", name, err)
	}

	if err := runIP("-6", "addr", "add", cfg.GatewayIPv6+"/64", "dev", name); err != nil {
		_ = runIP("link", "delete", name)
		return nil, fmt.Errorf("assign gateway address on %s: %w", name, err)
	}

	if err := runIP("-6", "route", "add", cfg.OverlayIPv6+"/128", "dev", name); err != nil {
		_ = runIP("link", "delete", name)
		return nil, fmt.Errorf("route overlay address on %s: %w", name, err)
	}

	if err := runIP("-6", "neigh", "add", "proxy", cfg.OverlayIPv6, "dev", name); err != nil {
		logger.Warn("failed to enable proxy ndp", zap.String("tap", name), zap.Error(err))
	}

	if err := enableIPv6Forwarding(name); err != nil {
		logger.Warn("failed to enable ipv6 forwarding", zap.String("tap", name), zap.Error(err))
	}

	return &TapDevice{name: name, instanceID: cfg.InstanceID, overlayIPv6: cfg.OverlayIPv6}, nil
}

// Delete removes the TAP device and its associated route and proxy NDP
// entry. Missing route/neigh entries are not treated as errors.
func (d *TapDevice) Delete() error {
	_ = runIP("-6", "route", "del", d.overlayIPv6+"/128", "dev", d.name)
	_ = runIP("-6", "neigh", "del", "proxy", d.overlayIPv6, "dev", d.name)

	if err := runIP("link", "delete", d.name); err != nil {
		return fmt.Errorf("delete tap %s: %w", d.name, err)
	}
	return nil
}

// Exists reports whether a TAP device by this name is present.
func Exists(tapName string) bool {
	_, err := os.Stat("/sys/class/net/" + tapName)
	return err == nil
}

func runIP(args ...string) error {
	out, err := exec.Command("ip", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func enableIPv6Forwarding(iface string) error {
	return os.WriteFile(fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/forwarding", iface), []byte("1"), 0o644)
}
