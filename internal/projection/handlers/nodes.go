package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// NodesHandler applies node.enrolled and node.heartbeat_received into
// nodes_view, which the scheduler's placement policy and the node plan
// endpoint both read from.
type NodesHandler struct{}

func (NodesHandler) Name() string { return "nodes" }

func (NodesHandler) EventTypes() []string {
	return []string{event.TypeNodeEnrolled, event.TypeNodeHeartbeat}
}

type nodeEnrolledPayload struct {
	IPv4             *string `json:"ipv4,omitempty"`
	IPv6             *string `json:"ipv6,omitempty"`
	MTU              *int    `json:"mtu,omitempty"`
	VCPUCapacity     int     `json:"vcpu_capacity"`
	MemoryMBCapacity int     `json:"memory_mb_capacity"`
}

func (NodesHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeNodeEnrolled:
		var p nodeEnrolledPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("nodes handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO nodes_view (node_id, state, ipv4, ipv6, mtu, vcpu_capacity, memory_mb_capacity, resource_version, last_heartbeat_at)
			 VALUES ($1, 'active', $2, $3, $4, $5, $6, 1, now())
			 ON CONFLICT (node_id) DO UPDATE SET
				state = 'active',
				ipv4 = EXCLUDED.ipv4,
				ipv6 = EXCLUDED.ipv6,
				mtu = EXCLUDED.mtu,
				vcpu_capacity = EXCLUDED.vcpu_capacity,
				memory_mb_capacity = EXCLUDED.memory_mb_capacity,
				resource_version = nodes_view.resource_version + 1`,
			e.AggregateID, p.IPv4, p.IPv6, p.MTU, p.VCPUCapacity, p.MemoryMBCapacity,
		)
		return err

	case event.TypeNodeHeartbeat:
		_, err := tx.Exec(ctx,
			`UPDATE nodes_view SET state = 'active', last_heartbeat_at = now(), resource_version = resource_version + 1 WHERE node_id = $1`,
			e.AggregateID,
		)
		return err
	}
	return fmt.Errorf("nodes handler: unexpected event type %s", e.EventType)
}
