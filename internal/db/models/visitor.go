// Package models defines the database model types for the gate service.
// Each type corresponds to a database table and uses struct tags for both JSON serialization and sqlx row scanning.
// Models are pure data types — business logic belongs in the gate layer, query logic belongs in the repositories layer.
package models

import "time"

// Visitor represents an issued visitor pass and its lifecycle state.
// ExitTime is the single-transition marker: NULL while the visitor is on
// premises (or never arrived), set exactly once when the exit is recorded.
type Visitor struct {
	ID         int64      `json:"visitor_id" db:"visitor_id"`
	FullName   string     `json:"full_name" db:"full_name"`
	Email      string     `json:"email" db:"email"`
	Phone      string     `json:"phone" db:"phone"`
	Purpose    string     `json:"purpose" db:"purpose"`
	Host       string     `json:"host" db:"host"`
	Notes      string     `json:"notes" db:"notes"`
	QRCode     string     `json:"qr_code" db:"qr_code"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiryAt   time.Time  `json:"expiry_at" db:"expiry_at"`
	ExitTime   *time.Time `json:"exit_time,omitempty" db:"exit_time"`
	LastStatus *string    `json:"last_status,omitempty" db:"last_status"` // Outcome of the most recent scan
	LastScan   *time.Time `json:"last_scan,omitempty" db:"last_scan"`
}
