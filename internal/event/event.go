// Package event defines the append-only log's envelope shape and the
// dotted event-type vocabulary used for projection dispatch (spec §3, §6).
package event

import (
	"encoding/json"
	"time"
)

// Actor types that may appear as an event's actor_type.
const (
	ActorUser             = "user"
	ActorServicePrincipal = "service_principal"
	ActorSystem           = "system"
	ActorNode             = "node"
)

// Aggregate type names.
const (
	AggregateOrg      = "Org"
	AggregateApp      = "App"
	AggregateEnv      = "Env"
	AggregateRelease  = "Release"
	AggregateDeploy   = "Deploy"
	AggregateRoute    = "Route"
	AggregateInstance = "Instance"
	AggregateNode     = "Node"
	AggregateVolume      = "Volume"
	AggregateSnapshot    = "Snapshot"
	AggregateRestoreJob  = "RestoreJob"
	AggregateExecSession = "ExecSession"
)

// Dotted event-type names dispatched to projection handlers (spec §4.4).
const (
	TypeOrgCreated = "org.created"

	TypeAppCreated = "app.created"
	TypeAppUpdated = "app.updated"
	TypeAppDeleted = "app.deleted"

	TypeEnvCreated              = "env.created"
	TypeEnvDeleted               = "env.deleted"
	TypeEnvDesiredReleaseSet    = "env.desired_release_set"
	TypeEnvScaleSet             = "env.scale_set"
	TypeEnvNetworkingConfigured = "env.networking_configured"

	TypeReleaseCreated = "release.created"

	TypeDeployCreated       = "deploy.created"
	TypeDeployStatusChanged = "deploy.status_changed"

	TypeRouteCreated = "route.created"
	TypeRouteUpdated = "route.updated"
	TypeRouteDeleted = "route.deleted"

	TypeSecretBundleCreated = "secret_bundle.created"
	TypeSecretBundleRotated = "secret_bundle.rotated"

	TypeInstanceAllocated          = "instance.allocated"
	TypeInstanceDesiredStateChanged = "instance.desired_state_changed"
	TypeInstanceStatusReported     = "instance.status_reported"
	TypeInstanceReleased           = "instance.released"

	TypeNodeEnrolled        = "node.enrolled"
	TypeNodeHeartbeat       = "node.heartbeat_received"
	TypeOrgMemberAdded      = "org_member.added"
	TypeOrgMemberRemoved    = "org_member.removed"

	TypeVolumeCreated = "volume.created"
	TypeVolumeDeleted = "volume.deleted"

	TypeVolumeAttached = "volume.attached"
	TypeVolumeDetached = "volume.detached"

	TypeSnapshotCreated       = "snapshot.created"
	TypeSnapshotStatusChanged = "snapshot.status_changed"

	TypeRestoreJobCreated       = "restore_job.created"
	TypeRestoreJobStatusChanged = "restore_job.status_changed"

	TypeExecSessionGranted   = "exec_session.granted"
	TypeExecSessionConnected = "exec_session.connected"
	TypeExecSessionEnded     = "exec_session.ended"
)

// Envelope is the persisted/wire shape of an appended event (spec §3, §6).
type Envelope struct {
	EventID       int64           `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateSeq  int64           `json:"aggregate_seq"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OrgID         *string         `json:"org_id,omitempty"`
	AppID         *string         `json:"app_id,omitempty"`
	EnvID         *string         `json:"env_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ActorType     string          `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	RequestID     string          `json:"request_id"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	CausationID   *string         `json:"causation_id,omitempty"`
}

// Metadata carries the envelope fields the caller supplies to Append; the
// event store fills in EventID, AggregateSeq and OccurredAt.
type Metadata struct {
	OrgID         *string
	AppID         *string
	EnvID         *string
	ActorType     string
	ActorID       string
	RequestID     string
	CorrelationID *string
	CausationID   *string
}

// Guard is an auxiliary uniqueness row inserted in the same transaction as
// the event (spec §4.1) — e.g. a route-hostname reservation. Table and
// Columns/Values must match an existing unique index; a collision surfaces
// as UniqueConflict{Kind}.
type Guard struct {
	Kind    string
	Table   string
	Columns []string
	Values  []any
}
