// Package passes implements the pass issuance and checkpoint scan endpoints.
// Scan outcomes (Valid, Expired, Invalid, AlreadyExited) are reported with
// HTTP 200: a denied pass is a successful scan decision, not a transport
// error. Non-2xx codes are reserved for malformed requests and backend
// faults.
package passes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qrgate/qrgate/internal/config"
	"github.com/qrgate/qrgate/internal/db/models"
	"github.com/qrgate/qrgate/internal/db/repositories"
	"github.com/qrgate/qrgate/internal/gate"
	"github.com/qrgate/qrgate/internal/telemetry"
)

// Validator decides the status of a presented token.
type Validator interface {
	Validate(ctx context.Context, token string) (*gate.CheckResult, error)
}

// ExitRecorder commits the entry-to-exit transition for a token.
type ExitRecorder interface {
	RecordExit(ctx context.Context, token string) (*gate.ExitResult, error)
}

// VisitorStore is the subset of VisitorRepository the handlers need.
type VisitorStore interface {
	Create(ctx context.Context, v *models.Visitor) error
	GetByID(ctx context.Context, id int64) (*models.Visitor, error)
}

// Handlers serves pass issuance and gate scan requests.
type Handlers struct {
	visitors  VisitorStore
	validator Validator
	exits     ExitRecorder
	clock     gate.Clock
	cfg       config.PassConfig
}

// NewHandlers creates the pass handlers.
func NewHandlers(visitors VisitorStore, validator Validator, exits ExitRecorder, clock gate.Clock, cfg config.PassConfig) *Handlers {
	return &Handlers{
		visitors:  visitors,
		validator: validator,
		exits:     exits,
		clock:     clock,
		cfg:       cfg,
	}
}

// CreatePassRequest is the issuance request body. Only the name is required;
// the remaining profile fields are stored as given.
type CreatePassRequest struct {
	FullName string `json:"full_name" binding:"required"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Purpose  string `json:"purpose"`
	Host     string `json:"host"`
	Notes    string `json:"notes"`
}

// PassResponse is the issued pass returned to the caller.
type PassResponse struct {
	VisitorID int64     `json:"visitor_id"`
	FullName  string    `json:"full_name"`
	QRCode    string    `json:"qr_code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiryAt  time.Time `json:"expiry_at"`
}

// @Summary      Issue a visitor pass
// @Description  Creates a visitor record with a fresh QR token and a TTL-derived expiry.
// @Tags         Passes
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  PassResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request body"
// @Router       /api/v1/passes [post]
func (h *Handlers) CreatePass(c *gin.Context) {
	var req CreatePassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "full_name is required"})
		return
	}

	profile := gate.Profile{
		FullName: req.FullName,
		Email:    req.Email,
		Phone:    req.Phone,
		Purpose:  req.Purpose,
		Host:     req.Host,
		Notes:    req.Notes,
	}

	visitor, err := h.issue(c.Request.Context(), profile)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue pass"})
		return
	}

	telemetry.PassesIssuedTotal.WithLabelValues("api").Inc()
	c.JSON(http.StatusCreated, PassResponse{
		VisitorID: visitor.ID,
		FullName:  visitor.FullName,
		QRCode:    visitor.QRCode,
		CreatedAt: visitor.CreatedAt,
		ExpiryAt:  visitor.ExpiryAt,
	})
}

// issue builds a pass and inserts it. A duplicate token from the crypto/rand
// space is vanishingly rare but cheap to recover from, so one retry with a
// fresh token is attempted before giving up.
func (h *Handlers) issue(ctx context.Context, profile gate.Profile) (*models.Visitor, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		visitor, err := gate.NewPass(profile, h.clock.Now(), h.cfg.TTL, h.cfg.TokenBytes)
		if err != nil {
			return nil, err
		}
		if err := h.visitors.Create(ctx, visitor); err != nil {
			if errors.Is(err, repositories.ErrDuplicateQRCode) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return visitor, nil
	}
	return nil, lastErr
}

// @Summary      Get a pass
// @Tags         Passes
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  models.Visitor
// @Failure      404  {object}  map[string]interface{}  "Pass not found"
// @Router       /api/v1/passes/{id} [get]
func (h *Handlers) GetPass(c *gin.Context) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid pass id"})
		return
	}

	visitor, err := h.visitors.GetByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load pass"})
		return
	}
	if visitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pass not found"})
		return
	}

	c.JSON(http.StatusOK, visitor)
}

// CheckResponse is the scan decision for an entry check.
type CheckResponse struct {
	Status    gate.Status     `json:"status"`
	Visitor   *models.Visitor `json:"visitor,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}

// @Summary      Check a pass at the gate
// @Description  Decides whether the presented QR token is Valid, Expired, Invalid, or AlreadyExited. Every check is audit-logged.
// @Tags         Gate
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  CheckResponse
// @Failure      400  {object}  map[string]interface{}  "Missing qr parameter"
// @Router       /api/v1/gate/check [get]
func (h *Handlers) Check(c *gin.Context) {
	token := c.Query("qr")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "qr parameter is required"})
		return
	}

	result, err := h.validator.Validate(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Scan could not be recorded"})
		return
	}

	c.JSON(http.StatusOK, CheckResponse{
		Status:    result.Status,
		Visitor:   result.Visitor,
		CheckedAt: result.CheckedAt,
	})
}

// ExitRequest is the exit submission body.
type ExitRequest struct {
	QRCode string `json:"qr_code" binding:"required"`
}

// ExitResponse is the outcome of an exit submission.
type ExitResponse struct {
	Status   gate.Status     `json:"status"`
	Visitor  *models.Visitor `json:"visitor,omitempty"`
	Duration string          `json:"duration,omitempty"`
}

// @Summary      Record an exit
// @Description  Commits the entry-to-exit transition for the pass. Replays and concurrent scans resolve to AlreadyExited with the first exit's timestamp.
// @Tags         Gate
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  ExitResponse
// @Failure      400  {object}  map[string]interface{}  "Missing qr_code"
// @Router       /api/v1/gate/exit [post]
func (h *Handlers) Exit(c *gin.Context) {
	var req ExitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "qr_code is required"})
		return
	}

	result, err := h.exits.RecordExit(c.Request.Context(), req.QRCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Exit could not be recorded"})
		return
	}

	c.JSON(http.StatusOK, ExitResponse{
		Status:   result.Outcome,
		Visitor:  result.Visitor,
		Duration: result.Duration,
	})
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
