package gate

import (
	"time"

	"github.com/qrgate/qrgate/internal/db/models"
)

// Profile carries the free-form registration fields of a new pass. Only
// FullName is required; the engine performs no field-level validation beyond
// that.
type Profile struct {
	FullName string
	Email    string
	Phone    string
	Purpose  string
	Host     string
	Notes    string
}

// NewPass assembles an unsaved visitor record for the given profile: a fresh
// QR token and an expiry window of ttl from now. The caller persists it; a
// duplicate-token insert failure should be answered by generating a new token
// and retrying, not by overwriting the existing pass.
func NewPass(p Profile, now time.Time, ttl time.Duration, tokenBytes int) (*models.Visitor, error) {
	token, err := GenerateToken(tokenBytes)
	if err != nil {
		return nil, err
	}

	return &models.Visitor{
		FullName:  p.FullName,
		Email:     p.Email,
		Phone:     p.Phone,
		Purpose:   p.Purpose,
		Host:      p.Host,
		Notes:     p.Notes,
		QRCode:    token,
		CreatedAt: now,
		ExpiryAt:  now.Add(ttl),
	}, nil
}
