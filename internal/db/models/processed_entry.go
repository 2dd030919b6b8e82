package models

import "time"

// ProcessedEntry marks an external feed entry as handled. Its primary key on
// EntryID is what makes feed import exactly-once: a second attempt to insert
// the same id fails and the importing transaction rolls back.
type ProcessedEntry struct {
	EntryID     int64     `json:"entry_id" db:"entry_id"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}
