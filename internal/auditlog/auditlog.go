package auditlog

import (
	"context"

	"go.uber.org/zap"

	"github.com/ecuworks/tuneportal/internal/adminops"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

// Logger emits structured audit records for ledger operations and
// administrative actions. It implements credits.OperationLogger and
// adminops.AuditLogger.
type Logger struct {
	logger *zap.Logger
}

// New wires a Logger; a nil zap logger degrades to a no-op.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation records one ledger operation.
func (auditLogger *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.String("kind", entry.Kind.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.ExternalReference != "" {
		fields = append(fields, zap.String("external_reference", entry.ExternalReference))
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		auditLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	auditLogger.logger.Info("ledger operation", fields...)
}

// LogAdminAction records one administrative mutation.
func (auditLogger *Logger) LogAdminAction(_ context.Context, action adminops.AdminAction) {
	fields := []zap.Field{
		zap.String("action", action.Action),
		zap.String("actor_user_id", action.ActorUserID),
		zap.String("status", action.Status),
	}
	if action.TargetUserID != "" {
		fields = append(fields, zap.String("target_user_id", action.TargetUserID))
	}
	if action.RequestID != "" {
		fields = append(fields, zap.String("request_id", action.RequestID))
	}
	if action.Priority != 0 {
		fields = append(fields, zap.Int("priority", action.Priority))
	}
	if action.Amount != 0 {
		fields = append(fields, zap.Int64("amount", action.Amount.Int64()))
	}
	if action.Reason != "" {
		fields = append(fields, zap.String("reason", action.Reason))
	}
	if action.NewStatus != "" {
		fields = append(fields, zap.String("new_status", action.NewStatus))
	}
	if action.Error != nil {
		fields = append(fields, zap.Error(action.Error))
		auditLogger.logger.Warn("admin action failed", fields...)
		return
	}
	auditLogger.logger.Info("admin action", fields...)
}
