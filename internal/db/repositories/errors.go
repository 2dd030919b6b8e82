// Package repositories implements PostgreSQL persistence for the gate service
// on top of sqlx. Lookups that find no row return (nil, nil) rather than an
// error; callers decide whether absence is a fault.
package repositories

import (
	"errors"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

var (
	// ErrDuplicateQRCode is returned when an insert collides with an existing
	// QR token. The database uniqueness constraint is the authority; callers
	// answer this by generating a fresh token and retrying.
	ErrDuplicateQRCode = errors.New("qr code already exists")

	// ErrEntryAlreadyProcessed is returned when a feed dedup marker insert
	// collides with an existing marker, meaning another reconcile pass
	// imported the entry first.
	ErrEntryAlreadyProcessed = errors.New("feed entry already processed")
)

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation on the named constraint. An empty constraint matches any.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
