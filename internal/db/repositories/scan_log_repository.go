// scan_log_repository.go implements ScanLogRepository, the append-only audit
// trail of scans. Rows are inserted and queried, never updated or deleted.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qrgate/qrgate/internal/db/models"
)

// ScanLogRepository handles scan audit log database operations
type ScanLogRepository struct {
	db *sqlx.DB
}

// NewScanLogRepository creates a new ScanLogRepository
func NewScanLogRepository(db *sqlx.DB) *ScanLogRepository {
	return &ScanLogRepository{db: db}
}

// ScanLogFilters narrows List results. Nil fields are ignored.
type ScanLogFilters struct {
	Status    *string
	QRCode    *string
	VisitorID *int64
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// Append writes one audit entry for a scan. visitorID is nil for scans of
// tokens that matched no pass.
func (r *ScanLogRepository) Append(ctx context.Context, visitorID *int64, qrCode, status string, occurredAt time.Time) error {
	query := `
		INSERT INTO scan_logs (visitor_id, qr_code, status, scanned_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := r.db.ExecContext(ctx, query, visitorID, qrCode, status, occurredAt); err != nil {
		return fmt.Errorf("failed to append scan log: %w", err)
	}
	return nil
}

// List retrieves audit entries newest first, joined with the visitor's name
// where one exists.
func (r *ScanLogRepository) List(ctx context.Context, filters ScanLogFilters) ([]*models.ScanLog, error) {
	query := `
		SELECT sl.log_id, sl.visitor_id, sl.qr_code, sl.status, sl.scanned_at, v.full_name
		FROM scan_logs sl
		LEFT JOIN visitors v ON sl.visitor_id = v.visitor_id
		WHERE 1=1
	`

	args := []interface{}{}
	argPos := 1

	if filters.Status != nil {
		query += fmt.Sprintf(" AND sl.status = $%d", argPos)
		args = append(args, *filters.Status)
		argPos++
	}
	if filters.QRCode != nil {
		query += fmt.Sprintf(" AND sl.qr_code = $%d", argPos)
		args = append(args, *filters.QRCode)
		argPos++
	}
	if filters.VisitorID != nil {
		query += fmt.Sprintf(" AND sl.visitor_id = $%d", argPos)
		args = append(args, *filters.VisitorID)
		argPos++
	}
	if filters.Since != nil {
		query += fmt.Sprintf(" AND sl.scanned_at >= $%d", argPos)
		args = append(args, *filters.Since)
		argPos++
	}
	if filters.Until != nil {
		query += fmt.Sprintf(" AND sl.scanned_at <= $%d", argPos)
		args = append(args, *filters.Until)
		argPos++
	}

	query += " ORDER BY sl.scanned_at DESC"

	limit := filters.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)

	logs := make([]*models.ScanLog, 0)
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list scan logs: %w", err)
	}
	return logs, nil
}

// CountByStatus returns how many audit entries carry each status, for the
// operational stats endpoint.
func (r *ScanLogRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	query := `SELECT status, COUNT(*) AS count FROM scan_logs GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count scan logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan log count row: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
