// Package gate implements the visitor pass lifecycle engine: deciding whether
// a presented QR token is valid for entry, committing the single entry-to-exit
// transition under concurrent scans, and appending an audit record for every
// scan attempt.
//
// Business outcomes (Expired, Invalid, AlreadyExited) are ordinary result
// values, never errors. Only storage faults surface as errors from this
// package.
package gate

// Status is the outcome of a single scan, as recorded in the audit log and
// returned to checkpoints.
type Status string

const (
	// StatusValid means the token matched an unexpired pass with no exit recorded.
	StatusValid Status = "Valid"
	// StatusExpired means the token matched a pass whose expiry instant has passed.
	StatusExpired Status = "Expired"
	// StatusInvalid means the token matched no pass at all.
	StatusInvalid Status = "Invalid"
	// StatusExited means an exit was successfully recorded by this scan.
	StatusExited Status = "Exited"
	// StatusAlreadyExited means the pass already has an exit recorded; entry is
	// refused, and a repeated exit submission changes nothing.
	StatusAlreadyExited Status = "AlreadyExited"
)
