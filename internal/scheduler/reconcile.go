package scheduler

// ExistingInstance is the scheduler's view of one already-allocated
// instance for a given (env_id, process_type), independent of node query
// shape — kept separate from the SQL layer so reconciliation decisions
// are unit-testable without a database (spec §4.6).
type ExistingInstance struct {
	InstanceID string
	ReleaseID  string
	NodeActive bool
	Ready      bool
}

// ReconcileInput is everything PlanReconciliation needs for a single
// (env_id, process_type) pair.
type ReconcileInput struct {
	DesiredReplicas   int
	ReleaseID         string
	Existing          []ExistingInstance
	RollingInProgress bool
}

// ReconcileDecision is the scheduler's output for one (env_id,
// process_type) pair: how many new instances to place, and which
// existing instance IDs to drain this cycle.
type ReconcileDecision struct {
	ToAdd   int
	ToDrain []string
}

// PlanReconciliation implements the per-(env,process_type) loop body from
// spec §4.6, plus the rolling-update min_available guard: when a rolling
// deploy is in flight, at most n-1 of the currently-up instances are ever
// drained in one pass, so the env never dips below min_available while a
// replacement boots. Outside a rolling deploy, a release cutover or a
// scale-down drains every stale/excess instance in the same pass.
func PlanReconciliation(in ReconcileInput) ReconcileDecision {
	active := make([]ExistingInstance, 0, len(in.Existing))
	activeSet := make(map[string]bool, len(in.Existing))
	for _, e := range in.Existing {
		if e.ReleaseID == in.ReleaseID && e.NodeActive {
			active = append(active, e)
			activeSet[e.InstanceID] = true
		}
	}

	toAdd := in.DesiredReplicas - len(active)
	if toAdd < 0 {
		toAdd = 0
	}

	// Candidates are every stale instance (wrong release or dead node)
	// plus any active instances beyond the desired count.
	candidates := make([]ExistingInstance, 0, len(in.Existing))
	for _, e := range in.Existing {
		if !activeSet[e.InstanceID] {
			candidates = append(candidates, e)
		}
	}
	if len(active) > in.DesiredReplicas {
		candidates = append(candidates, active[in.DesiredReplicas:]...)
	}

	drainCount := len(candidates)
	if in.RollingInProgress {
		minAvailable := in.DesiredReplicas
		if minAvailable > 1 {
			minAvailable--
		}

		readyNew := 0
		for _, e := range active {
			if e.Ready {
				readyNew++
			}
		}

		// A stale instance is only safe to drain once a new-release
		// instance has actually reported ready to replace it.
		// loadExisting drops an instance from its next query the instant
		// the drain event commits, well before the VM stops, so a
		// precomputed count-only budget races ahead of real boot state
		// and can walk Ready below min_available across passes (spec
		// §4.6, §8 scenario 4). Cap this pass's drains at the live count
		// of ready new-release instances instead.
		if drainCount > readyNew {
			drainCount = readyNew
		}

		budget := len(in.Existing) - minAvailable
		if budget < 0 {
			budget = 0
		}
		if budget < drainCount {
			drainCount = budget
		}
	}

	ids := make([]string, 0, drainCount)
	for i := 0; i < drainCount; i++ {
		ids = append(ids, candidates[i].InstanceID)
	}
	return ReconcileDecision{ToAdd: toAdd, ToDrain: ids}
}
