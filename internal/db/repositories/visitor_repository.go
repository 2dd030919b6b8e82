// visitor_repository.go implements VisitorRepository, providing database queries
// for pass creation, token lookup, the conditional exit update, and the
// transactional feed import.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qrgate/qrgate/internal/db/models"
)

// VisitorRepository handles visitor pass database operations
type VisitorRepository struct {
	db *sqlx.DB
}

// NewVisitorRepository creates a new VisitorRepository
func NewVisitorRepository(db *sqlx.DB) *VisitorRepository {
	return &VisitorRepository{db: db}
}

// Create inserts a new visitor pass and fills in its assigned id.
// Returns ErrDuplicateQRCode when the token collides with an existing pass.
func (r *VisitorRepository) Create(ctx context.Context, v *models.Visitor) error {
	query := `
		INSERT INTO visitors (full_name, email, phone, purpose, host, notes, qr_code, created_at, expiry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING visitor_id
	`

	err := r.db.QueryRowContext(ctx, query,
		v.FullName, v.Email, v.Phone, v.Purpose, v.Host, v.Notes,
		v.QRCode, v.CreatedAt, v.ExpiryAt,
	).Scan(&v.ID)

	if err != nil {
		if isUniqueViolation(err, "visitors_qr_code_key") {
			return ErrDuplicateQRCode
		}
		return fmt.Errorf("failed to create visitor: %w", err)
	}

	return nil
}

// GetByQRCode retrieves the pass carrying the given token, or (nil, nil) when
// no pass does.
func (r *VisitorRepository) GetByQRCode(ctx context.Context, token string) (*models.Visitor, error) {
	query := `
		SELECT visitor_id, full_name, email, phone, purpose, host, notes, qr_code,
		       created_at, expiry_at, exit_time, last_status, last_scan
		FROM visitors
		WHERE qr_code = $1
	`

	visitor := &models.Visitor{}
	err := r.db.GetContext(ctx, visitor, query, token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visitor by qr code: %w", err)
	}

	return visitor, nil
}

// GetByID retrieves a pass by its id, or (nil, nil) when it does not exist.
func (r *VisitorRepository) GetByID(ctx context.Context, id int64) (*models.Visitor, error) {
	query := `
		SELECT visitor_id, full_name, email, phone, purpose, host, notes, qr_code,
		       created_at, expiry_at, exit_time, last_status, last_scan
		FROM visitors
		WHERE visitor_id = $1
	`

	visitor := &models.Visitor{}
	err := r.db.GetContext(ctx, visitor, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visitor by id: %w", err)
	}

	return visitor, nil
}

// UpdateScanState refreshes the last_status/last_scan observability cache.
func (r *VisitorRepository) UpdateScanState(ctx context.Context, visitorID int64, status string, scannedAt time.Time) error {
	query := `UPDATE visitors SET last_status = $2, last_scan = $3 WHERE visitor_id = $1`

	if _, err := r.db.ExecContext(ctx, query, visitorID, status, scannedAt); err != nil {
		return fmt.Errorf("failed to update scan state: %w", err)
	}
	return nil
}

// MarkExit sets exit_time only if it is still unset. The IS NULL predicate is
// the compare-and-set that makes concurrent exit scans safe: exactly one
// caller observes a row update, every other caller observes zero rows.
func (r *VisitorRepository) MarkExit(ctx context.Context, visitorID int64, exitAt time.Time) (bool, error) {
	query := `
		UPDATE visitors
		SET exit_time = $2, last_status = 'Exited', last_scan = $2
		WHERE visitor_id = $1 AND exit_time IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, visitorID, exitAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark exit: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return rows == 1, nil
}

// CreateFromFeed inserts a visitor pass and its feed dedup marker in one
// transaction. Both persist or neither does: a crash between the two inserts
// could otherwise permit reimport or silently lose the registration.
//
// Returns ErrEntryAlreadyProcessed when a concurrent reconcile pass imported
// the same entry first, and ErrDuplicateQRCode on a token collision.
func (r *VisitorRepository) CreateFromFeed(ctx context.Context, v *models.Visitor, entryID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin feed import transaction: %w", err)
	}
	defer tx.Rollback()

	insertVisitor := `
		INSERT INTO visitors (full_name, email, phone, purpose, host, notes, qr_code, created_at, expiry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING visitor_id
	`
	err = tx.QueryRowContext(ctx, insertVisitor,
		v.FullName, v.Email, v.Phone, v.Purpose, v.Host, v.Notes,
		v.QRCode, v.CreatedAt, v.ExpiryAt,
	).Scan(&v.ID)
	if err != nil {
		if isUniqueViolation(err, "visitors_qr_code_key") {
			return ErrDuplicateQRCode
		}
		return fmt.Errorf("failed to insert visitor from feed: %w", err)
	}

	insertMarker := `INSERT INTO processed_entries (entry_id, processed_at) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insertMarker, entryID, v.CreatedAt); err != nil {
		if isUniqueViolation(err, "") {
			return ErrEntryAlreadyProcessed
		}
		return fmt.Errorf("failed to insert processed marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feed import: %w", err)
	}

	return nil
}

// IsEntryProcessed reports whether a feed entry already has a dedup marker.
func (r *VisitorRepository) IsEntryProcessed(ctx context.Context, entryID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM processed_entries WHERE entry_id = $1)`

	if err := r.db.GetContext(ctx, &exists, query, entryID); err != nil {
		return false, fmt.Errorf("failed to check processed entry: %w", err)
	}
	return exists, nil
}

// MarkEntryProcessed writes a dedup marker without creating a pass. Used when
// the skip policy retires malformed feed entries instead of reconsidering them
// on every poll.
func (r *VisitorRepository) MarkEntryProcessed(ctx context.Context, entryID int64, at time.Time) error {
	query := `INSERT INTO processed_entries (entry_id, processed_at) VALUES ($1, $2)`

	if _, err := r.db.ExecContext(ctx, query, entryID, at); err != nil {
		if isUniqueViolation(err, "") {
			return ErrEntryAlreadyProcessed
		}
		return fmt.Errorf("failed to mark entry processed: %w", err)
	}
	return nil
}

// List retrieves passes newest first, bounded by limit/offset.
func (r *VisitorRepository) List(ctx context.Context, limit, offset int) ([]*models.Visitor, error) {
	query := `
		SELECT visitor_id, full_name, email, phone, purpose, host, notes, qr_code,
		       created_at, expiry_at, exit_time, last_status, last_scan
		FROM visitors
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	visitors := make([]*models.Visitor, 0)
	if err := r.db.SelectContext(ctx, &visitors, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list visitors: %w", err)
	}
	return visitors, nil
}

// ListExited retrieves passes whose exit was recorded within [from, to],
// oldest exit first. Used by the exit report.
func (r *VisitorRepository) ListExited(ctx context.Context, from, to time.Time) ([]*models.Visitor, error) {
	query := `
		SELECT visitor_id, full_name, email, phone, purpose, host, notes, qr_code,
		       created_at, expiry_at, exit_time, last_status, last_scan
		FROM visitors
		WHERE exit_time IS NOT NULL AND exit_time >= $1 AND exit_time <= $2
		ORDER BY exit_time ASC
	`

	visitors := make([]*models.Visitor, 0)
	if err := r.db.SelectContext(ctx, &visitors, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to list exited visitors: %w", err)
	}
	return visitors, nil
}

// CountInside returns how many visitors have entered but not yet exited.
func (r *VisitorRepository) CountInside(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM visitors WHERE exit_time IS NULL`

	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("failed to count visitors inside: %w", err)
	}
	return count, nil
}
