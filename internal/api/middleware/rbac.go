package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ghostplane.io/platform/internal/event"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

// Role is an org membership role resolved from org_members_view.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleReadonly  Role = "readonly"
)

// permittedWrite reports whether role may perform non-admin write
// endpoints (spec §4.5 step 6: owner/admin -> all, developer -> all
// except admin ops, readonly -> GETs only).
func permittedWrite(role Role, adminOnly bool) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleDeveloper:
		return !adminOnly
	default:
		return false
	}
}

// OrgRoleResolver looks up a member's role in an org by email.
type OrgRoleResolver struct {
	pool *pgxpool.Pool
}

func NewOrgRoleResolver(pool *pgxpool.Pool) *OrgRoleResolver {
	return &OrgRoleResolver{pool: pool}
}

// Resolve returns the caller's role in orgID, looked up by email against
// org_members_view (spec §4.5 step 6).
func (r *OrgRoleResolver) Resolve(ctx context.Context, orgID, email string) (Role, error) {
	var role string
	err := r.pool.QueryRow(ctx,
		`SELECT role FROM org_members_view WHERE org_id = $1 AND email = $2 AND is_deleted = false`,
		orgID, email,
	).Scan(&role)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", apperrors.Forbidden(apperrors.CodeForbiddenRole, "not a member of this organization")
		}
		return "", apperrors.Wrap(err, "INTERNAL_ERROR", "role lookup failed", 500)
	}
	return Role(role), nil
}

// RequireOrgRole returns middleware resolving the caller's org role from
// the path param orgParam. Any member may use a non-admin GET; other
// requests are rejected unless permittedWrite allows the role.
func RequireOrgRole(resolver *OrgRoleResolver, orgParam string, adminOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.Param(orgParam)
		email := GetActorEmail(c.Request.Context())

		role, err := resolver.Resolve(c.Request.Context(), orgID, email)
		if err != nil {
			Abort(c, err)
			return
		}

		readOnlyRequest := c.Request.Method == http.MethodGet && !adminOnly
		if !readOnlyRequest && !permittedWrite(role, adminOnly) {
			Abort(c, apperrors.Forbidden(apperrors.CodeForbiddenRole, "role does not permit this operation"))
			return
		}

		c.Set("org_role", string(role))
		c.Next()
	}
}

// RequireNodeActor restricts an endpoint to a bearer token minted for the
// node named by nodeParam: actor_type must be "node" and actor_id must
// match the path segment, so one node agent's token can't poll or report
// status for another node.
func RequireNodeActor(nodeParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param(nodeParam)
		actorType := GetActorType(c.Request.Context())
		actorID := GetActorID(c.Request.Context())

		if actorType != event.ActorNode || actorID != nodeID {
			Abort(c, apperrors.Forbidden(apperrors.CodeForbiddenRole, "token is not authorized for this node"))
			return
		}
		c.Next()
	}
}
