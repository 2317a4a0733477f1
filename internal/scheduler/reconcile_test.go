package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanReconciliation_ScaleUpFromZero(t *testing.T) {
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas: 3,
		ReleaseID:       "rel_a",
	})
	assert.Equal(t, 3, decision.ToAdd)
	assert.Empty(t, decision.ToDrain)
}

func TestPlanReconciliation_AtDesiredCount(t *testing.T) {
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas: 2,
		ReleaseID:       "rel_a",
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true},
			{InstanceID: "inst_2", ReleaseID: "rel_a", NodeActive: true},
		},
	})
	assert.Equal(t, 0, decision.ToAdd)
	assert.Empty(t, decision.ToDrain)
}

func TestPlanReconciliation_ScaleDown(t *testing.T) {
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas: 1,
		ReleaseID:       "rel_a",
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true},
			{InstanceID: "inst_2", ReleaseID: "rel_a", NodeActive: true},
		},
	})
	assert.Equal(t, 0, decision.ToAdd)
	assert.ElementsMatch(t, []string{"inst_2"}, decision.ToDrain)
}

func TestPlanReconciliation_InstanceOnInactiveNodeIsReplaced(t *testing.T) {
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas: 1,
		ReleaseID:       "rel_a",
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: false},
		},
	})
	assert.Equal(t, 1, decision.ToAdd)
	assert.ElementsMatch(t, []string{"inst_1"}, decision.ToDrain, "outside a rolling deploy a dead node's instance is drained in the same pass")
}

func TestPlanReconciliation_NonRollingCutoverDrainsAllOldImmediately(t *testing.T) {
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas: 2,
		ReleaseID:       "rel_b",
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true},
			{InstanceID: "inst_2", ReleaseID: "rel_a", NodeActive: true},
		},
	})
	assert.Equal(t, 2, decision.ToAdd)
	assert.ElementsMatch(t, []string{"inst_1", "inst_2"}, decision.ToDrain)
}

func TestPlanReconciliation_RollingUpdateWithoutReadyReplacementDrainsNothing(t *testing.T) {
	// 3x rel_a rolling to rel_b: the first pass after cutover has no
	// rel_b instance reporting ready yet, so no rel_a instance may
	// drain even though all three are stale (spec §4.6, §8 scenario 4).
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas:   3,
		ReleaseID:         "rel_b",
		RollingInProgress: true,
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_2", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_3", ReleaseID: "rel_a", NodeActive: true, Ready: true},
		},
	})
	assert.Equal(t, 3, decision.ToAdd)
	assert.Empty(t, decision.ToDrain)
}

func TestPlanReconciliation_RollingUpdateCapsDrainAtReadyNewCount(t *testing.T) {
	// Same rollout, a later pass: one rel_b instance has reported ready.
	// Exactly one rel_a instance may drain this pass, never more, so
	// Ready count across both releases never dips below min_available.
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas:   3,
		ReleaseID:         "rel_b",
		RollingInProgress: true,
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_2", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_3", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_4", ReleaseID: "rel_b", NodeActive: true, Ready: true},
		},
	})
	assert.Equal(t, 2, decision.ToAdd)
	assert.Len(t, decision.ToDrain, 1)
}

func TestPlanReconciliation_RollingUpdateIgnoresNotYetReadyNewInstances(t *testing.T) {
	// A rel_b instance exists but hasn't reported ready yet: it must not
	// count toward the drain budget.
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas:   3,
		ReleaseID:         "rel_b",
		RollingInProgress: true,
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_2", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_3", ReleaseID: "rel_a", NodeActive: true, Ready: true},
			{InstanceID: "inst_4", ReleaseID: "rel_b", NodeActive: true, Ready: false},
		},
	})
	assert.Equal(t, 2, decision.ToAdd)
	assert.Empty(t, decision.ToDrain)
}

func TestPlanReconciliation_RollingUpdateSingleReplicaDrainsNothingBeforeReplacementReady(t *testing.T) {
	decision := PlanReconciliation(ReconcileInput{
		DesiredReplicas:   1,
		ReleaseID:         "rel_b",
		RollingInProgress: true,
		Existing: []ExistingInstance{
			{InstanceID: "inst_1", ReleaseID: "rel_a", NodeActive: true},
		},
	})
	assert.Equal(t, 1, decision.ToAdd)
	assert.Empty(t, decision.ToDrain, "min_available stays at 1 for a single-replica rolling update")
}

func TestPickNode_PrefersSpreadThenFreeCapacityThenNodeID(t *testing.T) {
	candidates := []NodeCandidate{
		{NodeID: "node_b", FreeVCPU: 8, FreeMemoryMB: 8192, ExistingCount: 0},
		{NodeID: "node_a", FreeVCPU: 8, FreeMemoryMB: 8192, ExistingCount: 0},
		{NodeID: "node_c", FreeVCPU: 16, FreeMemoryMB: 16384, ExistingCount: 1},
	}
	node, ok := PickNode(candidates, PlacementRequest{VCPU: 1, MemoryMB: 256})
	assert.True(t, ok)
	assert.Equal(t, "node_a", node.NodeID, "tie-break on fewest existing replicas then lowest node_id")
}

func TestPickNode_SkipsInsufficientCapacity(t *testing.T) {
	candidates := []NodeCandidate{
		{NodeID: "node_a", FreeVCPU: 1, FreeMemoryMB: 512},
		{NodeID: "node_b", FreeVCPU: 4, FreeMemoryMB: 4096},
	}
	node, ok := PickNode(candidates, PlacementRequest{VCPU: 2, MemoryMB: 2048})
	assert.True(t, ok)
	assert.Equal(t, "node_b", node.NodeID)
}

func TestPickNode_RequiresIPv4WhenRequested(t *testing.T) {
	candidates := []NodeCandidate{
		{NodeID: "node_a", FreeVCPU: 4, FreeMemoryMB: 4096, IPv4Available: false},
	}
	_, ok := PickNode(candidates, PlacementRequest{VCPU: 1, MemoryMB: 256, IPv4Required: true})
	assert.False(t, ok)
}

func TestPickNode_NoEligibleCandidates(t *testing.T) {
	_, ok := PickNode(nil, PlacementRequest{VCPU: 1, MemoryMB: 256})
	assert.False(t, ok)
}

func TestReconciler_WarmPlanAsync_NoopWithoutPlanWarming(t *testing.T) {
	r := New(nil, nil, nil, DefaultConfig())
	// Must not panic or block when WithPlanWarming was never called.
	r.warmPlanAsync("node_1")
}
