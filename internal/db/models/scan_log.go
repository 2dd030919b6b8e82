// Package models - scan_log.go defines the ScanLog model for the append-only
// audit trail. Every scan writes exactly one row, including scans of tokens
// that never matched a pass.
package models

import "time"

// ScanLog represents one audit log entry for a single QR scan
type ScanLog struct {
	ID        int64     `json:"log_id" db:"log_id"`
	VisitorID *int64    `json:"visitor_id,omitempty" db:"visitor_id"` // Nullable for unknown tokens
	QRCode    string    `json:"qr_code" db:"qr_code"`
	Status    string    `json:"status" db:"status"` // "Valid", "Expired", "Invalid", "Exited"
	ScannedAt time.Time `json:"scanned_at" db:"scanned_at"`
	// Joined fields (not stored in scan_logs table)
	FullName *string `json:"full_name,omitempty" db:"full_name"`
}
