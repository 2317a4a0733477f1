package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"ghostplane.io/platform/internal/api/middleware"
	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

// Handlers holds the dependencies shared by every command/query endpoint.
type Handlers struct {
	deps *Deps
}

// requestContext is the per-request identity extracted in step 1 of the
// command flow (spec §4.5).
type requestContext struct {
	ctx            context.Context
	actorType      string
	actorID        string
	actorEmail     string
	idempotencyKey string
}

func requestContextFrom(c *gin.Context) requestContext {
	ctx := c.Request.Context()
	return requestContext{
		ctx:            ctx,
		actorType:      middleware.GetActorType(ctx),
		actorID:        middleware.GetActorID(ctx),
		actorEmail:     middleware.GetActorEmail(ctx),
		idempotencyKey: c.GetHeader("Idempotency-Key"),
	}
}

// respondCommand renders an ExecuteCommand outcome, routing errors through
// gin's error pipeline so middleware.ErrorHandler can render Problem
// Details.
func respondCommand(c *gin.Context, status int, body any, err error) {
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(status, body)
}

func middlewareRequestID(c *gin.Context) string {
	return middleware.GetRequestID(c.Request.Context())
}

func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField, "malformed request body")
	}
	return nil
}
