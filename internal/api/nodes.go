package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ghostplane.io/platform/internal/event"
)

type enrollNodeRequest struct {
	IPv4             *string `json:"ipv4,omitempty"`
	IPv6             *string `json:"ipv6,omitempty"`
	MTU              *int    `json:"mtu,omitempty"`
	VCPUCapacity     int     `json:"vcpu_capacity" binding:"required"`
	MemoryMBCapacity int     `json:"memory_mb_capacity" binding:"required"`
}

type nodeResponse struct {
	NodeID           string `json:"node_id"`
	State            string `json:"state"`
	VCPUCapacity     int    `json:"vcpu_capacity"`
	MemoryMBCapacity int    `json:"memory_mb_capacity"`
	ResourceVersion  int64  `json:"resource_version"`
}

// EnrollNode handles POST /v1/nodes/:node_id/enroll (endpoint
// "nodes.enroll"). A node agent calls this once on first boot to publish
// its capacity into nodes_view before it starts polling for a plan.
func (h *Handlers) EnrollNode(c *gin.Context) {
	rc := requestContextFrom(c)
	nodeID := c.Param("node_id")

	var req enrollNodeRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	currentSeq, err := h.deps.Events.CurrentSeq(rc.ctx, event.AggregateNode, nodeID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	status, body, err := ExecuteCommand(rc.ctx, h.deps, CommandSpec{
		EndpointName:   "nodes.enroll",
		OrgScope:       "",
		ActorType:      rc.actorType,
		ActorID:        rc.actorID,
		IdempotencyKey: rc.idempotencyKey,
		RequestBody:    req,

		AggregateType: event.AggregateNode,
		AggregateID:   nodeID,
		ExpectedSeq:   currentSeq,
		EventType:     event.TypeNodeEnrolled,
		EventPayload: map[string]any{
			"ipv4": req.IPv4, "ipv6": req.IPv6, "mtu": req.MTU,
			"vcpu_capacity": req.VCPUCapacity, "memory_mb_capacity": req.MemoryMBCapacity,
		},
		Meta: event.Metadata{ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},

		Projection: "nodes",
		BuildResponse: func(ctx context.Context, eventID int64) (int, any, error) {
			var resp nodeResponse
			err := h.deps.Pool.QueryRow(ctx,
				`SELECT node_id, state, vcpu_capacity, memory_mb_capacity, resource_version FROM nodes_view WHERE node_id = $1`, nodeID,
			).Scan(&resp.NodeID, &resp.State, &resp.VCPUCapacity, &resp.MemoryMBCapacity, &resp.ResourceVersion)
			if err != nil {
				return 0, nil, err
			}
			return http.StatusOK, resp, nil
		},
	})
	respondCommand(c, status, body, err)
}

// NodeHeartbeat handles POST /v1/nodes/:node_id/heartbeat (endpoint
// "nodes.heartbeat"). High-frequency; it skips the idempotency store and
// projection wait that mutating commands otherwise use, since a dropped
// or duplicated heartbeat is harmless and the node agent doesn't read the
// response for anything but liveness.
func (h *Handlers) NodeHeartbeat(c *gin.Context) {
	rc := requestContextFrom(c)
	nodeID := c.Param("node_id")

	currentSeq, err := h.deps.Events.CurrentSeq(rc.ctx, event.AggregateNode, nodeID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	_, err = h.deps.Events.Append(rc.ctx, event.AggregateNode, nodeID, currentSeq, event.TypeNodeHeartbeat,
		map[string]any{},
		event.Metadata{ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},
		nil,
	)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}
	respondCommand(c, http.StatusAccepted, gin.H{"status": "ok"}, nil)
}

// GetNodePlan handles GET /v1/nodes/:node_id/plan (endpoint "nodes.get_plan").
// It reads straight off the read models rather than going through
// ExecuteCommand: there's no event to append, just the current
// desired-state document for the node agent to reconcile against.
func (h *Handlers) GetNodePlan(c *gin.Context) {
	nodeID := c.Param("node_id")
	plan, err := h.deps.NodePlans.GetPlan(c.Request.Context(), nodeID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}
	respondCommand(c, http.StatusOK, plan, nil)
}

type reportInstanceStatusRequest struct {
	Status     string  `json:"status" binding:"required"`
	BootID     *string `json:"boot_id,omitempty"`
	ReasonCode *string `json:"reason_code,omitempty"`
}

// ReportInstanceStatus handles POST
// /v1/nodes/:node_id/instances/:instance_id/status (endpoint
// "nodes.report_instance_status"). Like heartbeats, status reports are
// high-frequency polling traffic from the node agent's reporter actor
// (spec §4.11 dedup-by-change) so this bypasses the idempotency store;
// the reporter itself only sends a report when the status actually
// changed.
func (h *Handlers) ReportInstanceStatus(c *gin.Context) {
	rc := requestContextFrom(c)
	instanceID := c.Param("instance_id")

	var req reportInstanceStatusRequest
	if err := bindJSON(c, &req); err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	currentSeq, err := h.deps.Events.CurrentSeq(rc.ctx, event.AggregateInstance, instanceID)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}

	_, err = h.deps.Events.Append(rc.ctx, event.AggregateInstance, instanceID, currentSeq, event.TypeInstanceStatusReported,
		map[string]any{"status": req.Status, "boot_id": req.BootID, "reason_code": req.ReasonCode},
		event.Metadata{ActorType: rc.actorType, ActorID: rc.actorID, RequestID: middlewareRequestID(c)},
		nil,
	)
	if err != nil {
		respondCommand(c, 0, nil, err)
		return
	}
	respondCommand(c, http.StatusAccepted, gin.H{"status": "ok"}, nil)
}
