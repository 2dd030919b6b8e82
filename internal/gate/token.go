package gate

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateToken returns a new opaque QR token: n random bytes hex-encoded,
// so the resulting string is 2n characters. Sixteen bytes gives 128 bits of
// entropy, enough that guessing or colliding tokens is infeasible; the
// database uniqueness constraint remains the correctness backstop.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
