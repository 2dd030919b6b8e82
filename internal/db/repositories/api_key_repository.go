// api_key_repository.go implements APIKeyRepository, providing database queries
// for API key lookup by prefix, creation, revocation, and last-used timestamp
// updates.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qrgate/qrgate/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sqlx.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new API key
func (r *APIKeyRepository) Create(ctx context.Context, apiKey *models.APIKey) error {
	apiKey.ID = uuid.New().String()
	apiKey.CreatedAt = time.Now()

	query := `
		INSERT INTO api_keys (id, name, key_hash, key_prefix, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		apiKey.ID, apiKey.Name, apiKey.KeyHash, apiKey.KeyPrefix,
		apiKey.CreatedAt, apiKey.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetByPrefix retrieves the unrevoked keys sharing a display prefix. The
// prefix narrows the candidate set; the caller still verifies the full key
// against each bcrypt hash.
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, keyPrefix string) ([]*models.APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, created_at, expires_at, last_used_at, revoked_at
		FROM api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC
	`

	keys := make([]*models.APIKey, 0)
	if err := r.db.SelectContext(ctx, &keys, query, keyPrefix); err != nil {
		return nil, fmt.Errorf("failed to get api keys by prefix: %w", err)
	}
	return keys, nil
}

// UpdateLastUsed updates the last_used_at timestamp for an API key
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, keyID, time.Now()); err != nil {
		return fmt.Errorf("failed to update api key last used: %w", err)
	}
	return nil
}

// Revoke marks an API key revoked. Revoked keys stay in the table for audit
// purposes but no longer authenticate.
func (r *APIKeyRepository) Revoke(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, keyID, time.Now()); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

// Count returns the number of unrevoked API keys. Used at startup to decide
// whether a bootstrap key needs to be issued.
func (r *APIKeyRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count api keys: %w", err)
	}
	return count, nil
}

// List retrieves all unrevoked API keys, newest first.
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	query := `
		SELECT id, name, key_hash, key_prefix, created_at, expires_at, last_used_at, revoked_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`

	keys := make([]*models.APIKey, 0)
	if err := r.db.SelectContext(ctx, &keys, query); err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}
