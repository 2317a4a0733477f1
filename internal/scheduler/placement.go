package scheduler

import "sort"

// NodeCandidate is the scheduler's view of a node's placement eligibility
// (spec §4.6 placement policy).
type NodeCandidate struct {
	NodeID        string
	FreeVCPU      int
	FreeMemoryMB  int
	IPv4Available bool
	ExistingCount int // replicas of the same (env_id, process_type) already on this node
}

// PlacementRequest describes the resources a single instance needs.
type PlacementRequest struct {
	VCPU         int
	MemoryMB     int
	IPv4Required bool
}

// PickNode selects the best candidate for a placement request: fewest
// existing replicas of the same (env_id, process_type) first (spread),
// then highest free capacity, then lowest node_id as a deterministic
// tie-break (spec §4.6). Returns false if no candidate has sufficient
// resources.
func PickNode(candidates []NodeCandidate, req PlacementRequest) (NodeCandidate, bool) {
	eligible := make([]NodeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.FreeVCPU < req.VCPU || c.FreeMemoryMB < req.MemoryMB {
			continue
		}
		if req.IPv4Required && !c.IPv4Available {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return NodeCandidate{}, false
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.ExistingCount != b.ExistingCount {
			return a.ExistingCount < b.ExistingCount
		}
		if a.FreeVCPU != b.FreeVCPU {
			return a.FreeVCPU > b.FreeVCPU
		}
		if a.FreeMemoryMB != b.FreeMemoryMB {
			return a.FreeMemoryMB > b.FreeMemoryMB
		}
		return a.NodeID < b.NodeID
	})
	return eligible[0], true
}
