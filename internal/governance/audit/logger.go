// Package audit implements the audit logging service.
//
// Audit logs are append-only compliance records. Hard-delete is NOT allowed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ghostplane.io/platform/internal/pkg/logger"
)

// Logger writes audit records to the database.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger creates a new audit Logger backed by the shared pool.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}

	_, err := l.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, action, resource_type, resource_id, actor, details)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		generateAuditID(), action, resourceType, resourceID, actor, detailsJSON,
	)
	if err != nil {
		logger.Error("failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// LogCommand records a command-API write: command name, target resource,
// the actor that issued it, and the event_id it appended (spec §4.5).
func (l *Logger) LogCommand(ctx context.Context, command, resourceType, resourceID, actor string, eventID int64) error {
	return l.LogAction(ctx, command, resourceType, resourceID, actor, map[string]interface{}{
		"event_id": eventID,
	})
}

// LogInstanceTransition records an instance state-machine transition
// reported by the node agent's reporter (C11).
func (l *Logger) LogInstanceTransition(ctx context.Context, instanceID, fromStatus, toStatus, actor string) error {
	return l.LogAction(ctx, "instance."+toStatus, "instance", instanceID, actor, map[string]interface{}{
		"from_status": fromStatus,
		"to_status":   toStatus,
	})
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
