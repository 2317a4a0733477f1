package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// RoutesHandler applies route.created|updated|deleted, enforcing
// soft-delete and COALESCE-on-present-fields semantics (spec §4.4).
type RoutesHandler struct{}

func (RoutesHandler) Name() string { return "routes" }

func (RoutesHandler) EventTypes() []string {
	return []string{event.TypeRouteCreated, event.TypeRouteUpdated, event.TypeRouteDeleted}
}

type routeEventPayload struct {
	EnvID               string  `json:"env_id"`
	Hostname            *string `json:"hostname,omitempty"`
	ListenPort          *int    `json:"listen_port,omitempty"`
	ProtocolHint        *string `json:"protocol_hint,omitempty"`
	BackendProcessType  *string `json:"backend_process_type,omitempty"`
	BackendPort         *int    `json:"backend_port,omitempty"`
	ProxyProtocol       *string `json:"proxy_protocol,omitempty"`
	IPv4Required        *bool   `json:"ipv4_required,omitempty"`
}

func (RoutesHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeRouteCreated:
		var p routeEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("routes handler: invalid payload for event %d: %w", e.EventID, err)
		}
		protocolHint := stringOr(p.ProtocolHint, "tls_passthrough")
		proxyProtocol := stringOr(p.ProxyProtocol, "off")
		_, err := tx.Exec(ctx,
			`INSERT INTO routes_view (route_id, env_id, hostname, listen_port, protocol_hint, backend_process_type, backend_port, proxy_protocol, ipv4_required, is_deleted, resource_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, 1)
			 ON CONFLICT (route_id) DO UPDATE SET hostname = EXCLUDED.hostname`,
			e.AggregateID, p.EnvID, p.Hostname, p.ListenPort, protocolHint, p.BackendProcessType, p.BackendPort, proxyProtocol, boolOr(p.IPv4Required, false),
		)
		return err

	case event.TypeRouteUpdated:
		var p routeEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("routes handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE routes_view SET
				hostname = COALESCE($2, hostname),
				listen_port = COALESCE($3, listen_port),
				protocol_hint = COALESCE($4, protocol_hint),
				backend_process_type = COALESCE($5, backend_process_type),
				backend_port = COALESCE($6, backend_port),
				proxy_protocol = COALESCE($7, proxy_protocol),
				ipv4_required = COALESCE($8, ipv4_required),
				resource_version = resource_version + 1
			 WHERE route_id = $1`,
			e.AggregateID, p.Hostname, p.ListenPort, p.ProtocolHint, p.BackendProcessType, p.BackendPort, p.ProxyProtocol, p.IPv4Required,
		)
		return err

	case event.TypeRouteDeleted:
		_, err := tx.Exec(ctx,
			`UPDATE routes_view SET is_deleted = true, resource_version = resource_version + 1 WHERE route_id = $1`,
			e.AggregateID,
		)
		return err
	}
	return fmt.Errorf("routes handler: unexpected event type %s", e.EventType)
}

func stringOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

// SecretBundlesHandler applies secret_bundle.created|rotated. Raw secret
// material never reaches the projection — only version IDs and data
// hashes (spec §3, §4.4).
type SecretBundlesHandler struct{}

func (SecretBundlesHandler) Name() string { return "secret_bundles" }

func (SecretBundlesHandler) EventTypes() []string {
	return []string{event.TypeSecretBundleCreated, event.TypeSecretBundleRotated}
}

type secretBundlePayload struct {
	EnvID           string `json:"env_id"`
	Format          string `json:"format"`
	CurrentVersionID string `json:"current_version_id"`
	CurrentDataHash string `json:"current_data_hash"`
}

func (SecretBundlesHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	var p secretBundlePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("secret_bundles handler: invalid payload for event %d: %w", e.EventID, err)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO secret_bundles_view (bundle_id, env_id, format, current_version_id, current_data_hash, resource_version)
		 VALUES ($1, $2, $3, $4, $5, 1)
		 ON CONFLICT (bundle_id) DO UPDATE SET
			current_version_id = EXCLUDED.current_version_id,
			current_data_hash = EXCLUDED.current_data_hash,
			resource_version = secret_bundles_view.resource_version + 1`,
		e.AggregateID, p.EnvID, p.Format, p.CurrentVersionID, p.CurrentDataHash,
	)
	return err
}
