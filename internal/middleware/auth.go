// Package middleware provides Gin HTTP middleware for authentication, rate
// limiting, security headers, request IDs, and Prometheus metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any DB work.
// Auth populates the API key identity that handlers and the rate limiter key off.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qrgate/qrgate/internal/auth"
	"github.com/qrgate/qrgate/internal/db/models"
)

// APIKeyStore is the subset of APIKeyRepository the auth middleware needs.
type APIKeyStore interface {
	GetByPrefix(ctx context.Context, keyPrefix string) ([]*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID string) error
}

// AuthMiddleware validates the Authorization header against stored API keys.
//
// We never store the raw key — only its bcrypt hash. The 10-character prefix
// is stored plaintext alongside the hash so we can do a fast indexed DB query
// to narrow the candidate set, then run the expensive bcrypt comparison only
// on those few rows. Without the prefix, every request would require scanning
// the entire api_keys table and running bcrypt on each row.
func AuthMiddleware(apiKeyStore APIKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractAPIKeyFromHeader(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		apiKey, err := authenticateAPIKey(c.Request.Context(), token, apiKeyStore)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Authentication failed",
			})
			return
		}

		if apiKey == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "API key expired",
			})
			return
		}

		// Update last-used timestamp asynchronously. This is intentionally
		// fire-and-forget: last-used tracking is best-effort and a failed
		// update is not a correctness problem. Making it synchronous would add
		// a DB write to every authenticated request. The 5-second timeout
		// prevents leaked goroutines if the DB is temporarily unreachable.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiKeyStore.UpdateLastUsed(ctx, apiKey.ID)
		}()

		c.Set("api_key", apiKey)
		c.Set("api_key_id", apiKey.ID)
		c.Set("api_key_name", apiKey.Name)

		c.Next()
	}
}

// authenticateAPIKey looks up candidate keys by display prefix and validates
// the full key against each bcrypt hash. Revoked keys are excluded by the
// repository query, so a revoked key fails auth the same way an unknown one
// does.
func authenticateAPIKey(ctx context.Context, providedKey string, store APIKeyStore) (*models.APIKey, error) {
	keyPrefix := providedKey
	if len(providedKey) > 10 {
		keyPrefix = providedKey[:10]
	}

	keys, err := store.GetByPrefix(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if auth.ValidateAPIKey(providedKey, key.KeyHash) {
			return key, nil
		}
	}

	return nil, nil
}
