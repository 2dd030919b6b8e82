package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qrgate/qrgate/internal/db/models"
	"github.com/qrgate/qrgate/internal/telemetry"
)

// ExitResult is the outcome of an exit submission.
//
// Outcome is StatusExited on success, StatusInvalid for an unknown token,
// StatusExpired when the pass lapsed before any exit was recorded, and
// StatusAlreadyExited when an exit already exists. AlreadyExited is an
// idempotent read, not a fault: the Visitor snapshot carries the exit time
// set by whichever submission won.
type ExitResult struct {
	Outcome  Status
	Visitor  *models.Visitor
	Duration string // rendered visit length, set only when Outcome is StatusExited
}

// ExitRecorder commits the entry-to-exit transition. It is the only mutating
// path in the engine and the only place needing atomicity stronger than
// read-then-write.
type ExitRecorder struct {
	store VisitorStore
	audit AuditLog
	clock Clock
}

// NewExitRecorder creates an ExitRecorder
func NewExitRecorder(store VisitorStore, audit AuditLog, clock Clock) *ExitRecorder {
	return &ExitRecorder{store: store, audit: audit, clock: clock}
}

// RecordExit records an exit for the pass carrying token, at most once per pass.
//
// The transition itself is a conditional update predicated on exit_time still
// being unset. When two submissions race, exactly one wins; the loser sees
// zero rows updated, re-reads, and reports AlreadyExited with the winner's
// exit time. No in-process locking is involved, so the guarantee holds across
// replicas as well.
//
// Repeated submissions after a recorded exit neither change state nor write
// further audit entries.
func (r *ExitRecorder) RecordExit(ctx context.Context, token string) (*ExitResult, error) {
	now := r.clock.Now()

	visitor, err := r.store.GetByQRCode(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	if visitor == nil {
		if err := r.audit.Append(ctx, nil, token, string(StatusInvalid), now); err != nil {
			return nil, fmt.Errorf("failed to append audit entry: %w", err)
		}
		telemetry.ScansTotal.WithLabelValues(string(StatusInvalid)).Inc()
		return &ExitResult{Outcome: StatusInvalid}, nil
	}

	if visitor.ExitTime != nil {
		return &ExitResult{Outcome: StatusAlreadyExited, Visitor: visitor}, nil
	}

	// An expired pass was once valid for entry but may not log an exit.
	if now.After(visitor.ExpiryAt) {
		if err := r.audit.Append(ctx, &visitor.ID, token, string(StatusExpired), now); err != nil {
			return nil, fmt.Errorf("failed to append audit entry: %w", err)
		}
		telemetry.ScansTotal.WithLabelValues(string(StatusExpired)).Inc()
		return &ExitResult{Outcome: StatusExpired, Visitor: visitor}, nil
	}

	updated, err := r.store.MarkExit(ctx, visitor.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record exit: %w", err)
	}

	if !updated {
		// Lost the race. Re-read so the caller sees the winner's exit time.
		current, err := r.store.GetByQRCode(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read pass after lost exit race: %w", err)
		}
		if current == nil {
			return nil, fmt.Errorf("pass for token vanished during exit")
		}
		slog.Debug("concurrent exit lost compare-and-set race", "visitor_id", visitor.ID)
		return &ExitResult{Outcome: StatusAlreadyExited, Visitor: current}, nil
	}

	if err := r.audit.Append(ctx, &visitor.ID, token, string(StatusExited), now); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}

	exited := string(StatusExited)
	visitor.ExitTime = &now
	visitor.LastStatus = &exited
	visitor.LastScan = &now

	telemetry.ScansTotal.WithLabelValues(exited).Inc()
	return &ExitResult{
		Outcome:  StatusExited,
		Visitor:  visitor,
		Duration: FormatVisitDuration(visitor.CreatedAt, now),
	}, nil
}
