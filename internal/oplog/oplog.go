// Package oplog adapts rental.OperationLogger onto zap so the core package
// stays free of logging dependencies.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/powerbank/pkg/rental"
	"go.uber.org/zap"
)

// ZapLogger emits one structured log line per rental operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps a zap logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements rental.OperationLogger.
func (adapter *ZapLogger) LogOperation(_ context.Context, entry rental.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
	}
	if entry.BatteryID.String() != "" {
		fields = append(fields, zap.String("battery_id", entry.BatteryID.String()))
	}
	if entry.RentalID.String() != "" {
		fields = append(fields, zap.String("rental_id", entry.RentalID.String()))
	}
	if entry.AmountCents != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.AmountCents.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("rental operation failed", fields...)
		return
	}
	adapter.logger.Info("rental operation", fields...)
}
