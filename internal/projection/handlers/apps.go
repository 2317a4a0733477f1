package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// AppsHandler applies app.created|updated|deleted (spec §4.4).
type AppsHandler struct{}

func (AppsHandler) Name() string { return "apps" }

func (AppsHandler) EventTypes() []string {
	return []string{event.TypeAppCreated, event.TypeAppUpdated, event.TypeAppDeleted}
}

type appEventPayload struct {
	OrgID       string  `json:"org_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (AppsHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	var p appEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("apps handler: invalid payload for event %d: %w", e.EventID, err)
	}

	switch e.EventType {
	case event.TypeAppCreated:
		_, err := tx.Exec(ctx,
			`INSERT INTO apps_view (app_id, org_id, name, description, is_deleted, resource_version)
			 VALUES ($1, $2, $3, $4, false, 1)
			 ON CONFLICT (app_id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description`,
			e.AggregateID, p.OrgID, p.Name, p.Description,
		)
		return err
	case event.TypeAppUpdated:
		_, err := tx.Exec(ctx,
			`UPDATE apps_view SET
				name = COALESCE($2, name),
				description = COALESCE($3, description),
				resource_version = resource_version + 1
			 WHERE app_id = $1`,
			e.AggregateID, p.Name, p.Description,
		)
		return err
	case event.TypeAppDeleted:
		_, err := tx.Exec(ctx,
			`UPDATE apps_view SET is_deleted = true, resource_version = resource_version + 1 WHERE app_id = $1`,
			e.AggregateID,
		)
		return err
	}
	return fmt.Errorf("apps handler: unexpected event type %s", e.EventType)
}

// EnvsHandler applies env.created|deleted.
type EnvsHandler struct{}

func (EnvsHandler) Name() string { return "envs" }

func (EnvsHandler) EventTypes() []string {
	return []string{event.TypeEnvCreated, event.TypeEnvDeleted}
}

type envCreatedPayload struct {
	OrgID string `json:"org_id"`
	AppID string `json:"app_id"`
	Name  string `json:"name"`
}

func (EnvsHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	switch e.EventType {
	case event.TypeEnvCreated:
		var p envCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("envs handler: invalid payload for event %d: %w", e.EventID, err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO envs_view (env_id, org_id, app_id, name, is_deleted, resource_version)
			 VALUES ($1, $2, $3, $4, false, 1)
			 ON CONFLICT (env_id) DO UPDATE SET name = EXCLUDED.name`,
			e.AggregateID, p.OrgID, p.AppID, p.Name,
		)
		return err
	case event.TypeEnvDeleted:
		_, err := tx.Exec(ctx,
			`UPDATE envs_view SET is_deleted = true, resource_version = resource_version + 1 WHERE env_id = $1`,
			e.AggregateID,
		)
		return err
	}
	return fmt.Errorf("envs handler: unexpected event type %s", e.EventType)
}
