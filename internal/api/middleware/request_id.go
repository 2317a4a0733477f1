package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDHeader is the HTTP header carrying the request ID (spec §4.5 step 1).
	RequestIDHeader = "X-Request-ID"

	ctxKeyRequestID contextKey = "request_id"
	ctxKeyActorType contextKey = "actor_type"
	ctxKeyActorID   contextKey = "actor_id"
	ctxKeyEmail     contextKey = "actor_email"
	ctxKeyScopes    contextKey = "actor_scopes"
)

// RequestID injects a generated-or-provided request ID into the context
// and response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxKeyRequestID, rid),
		)
		c.Next()
	}
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// SetActorContext stores the authenticated actor's identity in context.
func SetActorContext(ctx context.Context, actorType, actorID, email string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyActorType, actorType)
	ctx = context.WithValue(ctx, ctxKeyActorID, actorID)
	ctx = context.WithValue(ctx, ctxKeyEmail, email)
	ctx = context.WithValue(ctx, ctxKeyScopes, scopes)
	return ctx
}

func GetActorType(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActorType).(string); ok {
		return v
	}
	return ""
}

func GetActorID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyActorID).(string); ok {
		return v
	}
	return ""
}

func GetActorEmail(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyEmail).(string); ok {
		return v
	}
	return ""
}

func GetActorScopes(ctx context.Context) []string {
	if v, ok := ctx.Value(ctxKeyScopes).([]string); ok {
		return v
	}
	return nil
}
