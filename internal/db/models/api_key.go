package models

import "time"

// APIKey represents an API key credential for the operational endpoints
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`                 // Friendly name (e.g., "lobby kiosk")
	KeyHash    string     `json:"-" db:"key_hash"`                // Bcrypt hash of the full key
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`     // First chars for display (e.g., "qrg_abc123")
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}
