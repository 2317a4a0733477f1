package scheduler

import (
	"crypto/sha256"
	"fmt"
)

// overlayPrefix is the ULA (fc00::/7) block this deployment's instance
// overlay addresses are drawn from.
const overlayPrefix = "fd00:6807"

// deriveOverlayIPv6 computes a stable per-instance address in
// overlayPrefix, deterministic from instance_id so the same instance
// always gets the same address across scheduler restarts. The node
// agent routes this address via the host-side link-local gateway and
// enables proxy-NDP for it (spec §4.9 boot sequence step 1).
func deriveOverlayIPv6(instanceID string) string {
	sum := sha256.Sum256([]byte(instanceID))
	return fmt.Sprintf("%s::%x:%x:%x:%x", overlayPrefix, sum[0:2], sum[2:4], sum[4:6], sum[6:8])
}
