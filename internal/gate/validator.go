package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qrgate/qrgate/internal/db/models"
	"github.com/qrgate/qrgate/internal/telemetry"
)

// VisitorStore is the persistence surface the engine needs. The repositories
// package provides the PostgreSQL implementation; tests substitute fakes.
type VisitorStore interface {
	// GetByQRCode returns the pass for a token, or (nil, nil) when no pass
	// carries that token.
	GetByQRCode(ctx context.Context, token string) (*models.Visitor, error)
	// UpdateScanState refreshes the last_status/last_scan cache on a pass.
	// The cache is observability only; decisions never read it.
	UpdateScanState(ctx context.Context, visitorID int64, status string, scannedAt time.Time) error
	// MarkExit conditionally sets exit_time. It reports true when this call
	// performed the transition and false when exit_time was already set.
	MarkExit(ctx context.Context, visitorID int64, exitAt time.Time) (bool, error)
}

// AuditLog is the append-only sink of scan events.
type AuditLog interface {
	Append(ctx context.Context, visitorID *int64, qrCode string, status string, occurredAt time.Time) error
}

// CheckResult is the outcome of a validation scan. Visitor is nil when the
// Status is Invalid.
type CheckResult struct {
	Status    Status
	Visitor   *models.Visitor
	CheckedAt time.Time
}

// PassValidator answers entry checks. Validation is read-only with respect to
// lifecycle state; its only writes are the audit entry and the best-effort
// last-scan cache.
type PassValidator struct {
	store VisitorStore
	audit AuditLog
	clock Clock
}

// NewPassValidator creates a PassValidator
func NewPassValidator(store VisitorStore, audit AuditLog, clock Clock) *PassValidator {
	return &PassValidator{store: store, audit: audit, clock: clock}
}

// Validate decides the status of a presented token at the current instant.
//
// The decision is a pure function of (now, expiry_at, exit_time): an exited
// pass is AlreadyExited regardless of expiry, an unexited pass is Valid
// through its exact expiry instant and Expired one instant later. Every call
// appends one audit entry; an audit write failure fails the scan, because an
// unaudited answer must never reach a checkpoint.
func (v *PassValidator) Validate(ctx context.Context, token string) (*CheckResult, error) {
	now := v.clock.Now()

	visitor, err := v.store.GetByQRCode(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	result := &CheckResult{CheckedAt: now}
	switch {
	case visitor == nil:
		result.Status = StatusInvalid
	case visitor.ExitTime != nil:
		result.Status = StatusAlreadyExited
		result.Visitor = visitor
	case now.After(visitor.ExpiryAt):
		result.Status = StatusExpired
		result.Visitor = visitor
	default:
		result.Status = StatusValid
		result.Visitor = visitor
	}

	var visitorID *int64
	if visitor != nil {
		visitorID = &visitor.ID
	}
	if err := v.audit.Append(ctx, visitorID, token, string(result.Status), now); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}

	// Best effort: a failed cache refresh never changes the answer.
	if visitor != nil {
		if err := v.store.UpdateScanState(ctx, visitor.ID, string(result.Status), now); err != nil {
			slog.Warn("failed to update last-scan cache", "visitor_id", visitor.ID, "error", err)
		}
	}

	telemetry.ScansTotal.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}
