// apikeys.go implements operator API key management: create, list, revoke.
// The raw key is returned exactly once, in the create response; only its
// bcrypt hash is stored.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qrgate/qrgate/internal/auth"
	"github.com/qrgate/qrgate/internal/config"
	"github.com/qrgate/qrgate/internal/db/models"
)

// APIKeyStore is the subset of APIKeyRepository the key handlers need.
type APIKeyStore interface {
	Create(ctx context.Context, apiKey *models.APIKey) error
	List(ctx context.Context) ([]*models.APIKey, error)
	Revoke(ctx context.Context, keyID string) error
}

// APIKeyHandlers handles API key management endpoints.
type APIKeyHandlers struct {
	keys APIKeyStore
	cfg  config.APIKeyConfig
}

// NewAPIKeyHandlers creates the API key handlers.
func NewAPIKeyHandlers(keys APIKeyStore, cfg config.APIKeyConfig) *APIKeyHandlers {
	return &APIKeyHandlers{keys: keys, cfg: cfg}
}

// CreateAPIKeyRequest is the request to create a new API key.
type CreateAPIKeyRequest struct {
	Name      string  `json:"name" binding:"required"`
	ExpiresAt *string `json:"expires_at"` // RFC3339 format
}

// CreateAPIKeyResponse returns the new key. The key field is shown only here.
type CreateAPIKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Key       string     `json:"key"` // Only returned once during creation
	KeyPrefix string     `json:"key_prefix"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// @Summary      Create an API key
// @Tags         APIKeys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  CreateAPIKeyResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Router       /api/v1/admin/apikeys [post]
func (h *APIKeyHandlers) CreateAPIKey(c *gin.Context) {
	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		parsed, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expires_at must be RFC3339"})
			return
		}
		expiresAt = &parsed
	}

	fullKey, keyHash, displayPrefix, err := auth.GenerateAPIKey(h.cfg.Prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate key"})
		return
	}

	apiKey := &models.APIKey{
		Name:      req.Name,
		KeyHash:   keyHash,
		KeyPrefix: displayPrefix,
		ExpiresAt: expiresAt,
	}
	if err := h.keys.Create(c.Request.Context(), apiKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store key"})
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		ID:        apiKey.ID,
		Name:      apiKey.Name,
		Key:       fullKey,
		KeyPrefix: apiKey.KeyPrefix,
		ExpiresAt: apiKey.ExpiresAt,
		CreatedAt: apiKey.CreatedAt,
	})
}

// @Summary      List API keys
// @Tags         APIKeys
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "keys"
// @Router       /api/v1/admin/apikeys [get]
func (h *APIKeyHandlers) ListAPIKeys(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// @Summary      Revoke an API key
// @Tags         APIKeys
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "revoked"
// @Router       /api/v1/admin/apikeys/{id} [delete]
func (h *APIKeyHandlers) RevokeAPIKey(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key id is required"})
		return
	}

	if err := h.keys.Revoke(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": id})
}
