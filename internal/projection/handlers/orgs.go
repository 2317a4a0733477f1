package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ghostplane.io/platform/internal/event"
)

// OrgsHandler projects org.created into orgs_view.
type OrgsHandler struct{}

func (OrgsHandler) Name() string { return "orgs" }

func (OrgsHandler) EventTypes() []string {
	return []string{event.TypeOrgCreated}
}

type orgCreatedPayload struct {
	Name string `json:"name"`
}

func (OrgsHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	var p orgCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("orgs handler: invalid payload for event %d: %w", e.EventID, err)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO orgs_view (org_id, name, resource_version, is_deleted)
		 VALUES ($1, $2, 1, false)
		 ON CONFLICT (org_id) DO UPDATE SET name = EXCLUDED.name`,
		e.AggregateID, p.Name,
	)
	return err
}

// OrgMembersHandler projects org_member.added / org_member.removed into
// org_members_view.
type OrgMembersHandler struct{}

func (OrgMembersHandler) Name() string { return "org_members" }

func (OrgMembersHandler) EventTypes() []string {
	return []string{event.TypeOrgMemberAdded, event.TypeOrgMemberRemoved}
}

type orgMemberPayload struct {
	MemberID string `json:"member_id"`
	OrgID    string `json:"org_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

func (OrgMembersHandler) Apply(ctx context.Context, tx pgx.Tx, e event.Envelope) error {
	var p orgMemberPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return fmt.Errorf("org_members handler: invalid payload for event %d: %w", e.EventID, err)
	}

	switch e.EventType {
	case event.TypeOrgMemberAdded:
		_, err := tx.Exec(ctx,
			`INSERT INTO org_members_view (member_id, org_id, email, role, is_deleted, resource_version)
			 VALUES ($1, $2, $3, $4, false, 1)
			 ON CONFLICT (member_id) DO UPDATE SET role = EXCLUDED.role, is_deleted = false,
				resource_version = org_members_view.resource_version + 1`,
			p.MemberID, p.OrgID, p.Email, p.Role,
		)
		return err
	case event.TypeOrgMemberRemoved:
		_, err := tx.Exec(ctx,
			`UPDATE org_members_view SET is_deleted = true, resource_version = resource_version + 1
			 WHERE member_id = $1`,
			p.MemberID,
		)
		return err
	}
	return fmt.Errorf("org_members handler: unexpected event type %s", e.EventType)
}
