// Package ops implements the operator-facing endpoints: visitor listings, the
// exit report, audit log queries, service statistics, API key management, and
// the manual reconcile trigger.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qrgate/qrgate/internal/db/models"
	"github.com/qrgate/qrgate/internal/db/repositories"
	"github.com/qrgate/qrgate/internal/gate"
	"github.com/qrgate/qrgate/internal/jobs"
)

// VisitorStore is the subset of VisitorRepository the ops handlers need.
type VisitorStore interface {
	List(ctx context.Context, limit, offset int) ([]*models.Visitor, error)
	ListExited(ctx context.Context, from, to time.Time) ([]*models.Visitor, error)
	CountInside(ctx context.Context) (int64, error)
}

// AuditLog is the subset of ScanLogRepository the ops handlers need.
type AuditLog interface {
	List(ctx context.Context, filters repositories.ScanLogFilters) ([]*models.ScanLog, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Reconciler triggers an import pass over the registration feed.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, []error)
}

// Handlers serves the operator API.
type Handlers struct {
	visitors   VisitorStore
	audit      AuditLog
	reconciler Reconciler
	clock      gate.Clock
}

// NewHandlers creates the ops handlers. reconciler may be nil when feed
// ingestion is disabled; the trigger endpoint then reports 503.
func NewHandlers(visitors VisitorStore, audit AuditLog, reconciler Reconciler, clock gate.Clock) *Handlers {
	return &Handlers{
		visitors:   visitors,
		audit:      audit,
		reconciler: reconciler,
		clock:      clock,
	}
}

// VisitorListEntry is a visitor row with validity computed at response time.
type VisitorListEntry struct {
	*models.Visitor
	IsExpired bool `json:"is_expired"`
}

// @Summary      List visitors
// @Tags         Visitors
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "visitors, limit, offset"
// @Router       /api/v1/visitors [get]
func (h *Handlers) ListVisitors(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := intQuery(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	visitors, err := h.visitors.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list visitors"})
		return
	}

	now := h.clock.Now()
	entries := make([]VisitorListEntry, 0, len(visitors))
	for _, v := range visitors {
		entries = append(entries, VisitorListEntry{
			Visitor:   v,
			IsExpired: now.After(v.ExpiryAt),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"visitors": entries,
		"limit":    limit,
		"offset":   offset,
	})
}

// ExitReportEntry is one exited visitor with the rendered visit length.
type ExitReportEntry struct {
	VisitorID int64     `json:"visitor_id"`
	FullName  string    `json:"full_name"`
	Purpose   string    `json:"purpose"`
	Host      string    `json:"host"`
	EnteredAt time.Time `json:"entered_at"`
	ExitedAt  time.Time `json:"exited_at"`
	Duration  string    `json:"duration"`
}

// ExitReportSummary aggregates the report window.
type ExitReportSummary struct {
	TotalExited     int64  `json:"total_exited"`
	StillInside     int64  `json:"still_inside"`
	AverageDuration string `json:"average_duration"`
}

// ExitReport is the full report response.
type ExitReport struct {
	From    time.Time         `json:"from"`
	To      time.Time         `json:"to"`
	Entries []ExitReportEntry `json:"entries"`
	Summary ExitReportSummary `json:"summary"`
}

// @Summary      Exit report
// @Description  Lists visitors who exited within the window with per-visit durations and a summary. Defaults to the current day in the gate's zone.
// @Tags         Reports
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  ExitReport
// @Failure      400  {object}  map[string]interface{}  "Invalid date parameter"
// @Router       /api/v1/reports/exits [get]
func (h *Handlers) ExitReport(c *gin.Context) {
	now := h.clock.Now()

	// Default window: the current civil day.
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	to := from.AddDate(0, 0, 1).Add(-time.Nanosecond)

	if raw := c.Query("from"); raw != "" {
		parsed, err := parseDate(raw, now.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date, want YYYY-MM-DD or RFC3339"})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := parseDate(raw, now.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date, want YYYY-MM-DD or RFC3339"})
			return
		}
		// A bare date means the whole day inclusive.
		if len(raw) == len("2006-01-02") {
			parsed = parsed.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		to = parsed
	}

	visitors, err := h.visitors.ListExited(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build exit report"})
		return
	}

	inside, err := h.visitors.CountInside(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build exit report"})
		return
	}

	entries := make([]ExitReportEntry, 0, len(visitors))
	var totalStay time.Duration
	for _, v := range visitors {
		exitedAt := *v.ExitTime
		entries = append(entries, ExitReportEntry{
			VisitorID: v.ID,
			FullName:  v.FullName,
			Purpose:   v.Purpose,
			Host:      v.Host,
			EnteredAt: v.CreatedAt,
			ExitedAt:  exitedAt,
			Duration:  gate.FormatVisitDuration(v.CreatedAt, exitedAt),
		})
		totalStay += exitedAt.Sub(v.CreatedAt)
	}

	summary := ExitReportSummary{
		TotalExited:     int64(len(entries)),
		StillInside:     inside,
		AverageDuration: "Less than a minute",
	}
	if len(entries) > 0 {
		avg := totalStay / time.Duration(len(entries))
		summary.AverageDuration = gate.FormatVisitDuration(now, now.Add(avg))
	}

	c.JSON(http.StatusOK, ExitReport{
		From:    from,
		To:      to,
		Entries: entries,
		Summary: summary,
	})
}

// @Summary      List scan logs
// @Description  Returns audit log entries filtered by status, token, visitor, and time range.
// @Tags         Logs
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "logs"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Router       /api/v1/logs [get]
func (h *Handlers) ListLogs(c *gin.Context) {
	filters := repositories.ScanLogFilters{
		Limit: intQuery(c, "limit", 100),
	}

	if status := c.Query("status"); status != "" {
		filters.Status = &status
	}
	if qr := c.Query("qr"); qr != "" {
		filters.QRCode = &qr
	}
	if raw := c.Query("visitor_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid visitor_id"})
			return
		}
		filters.VisitorID = &id
	}
	if raw := c.Query("since"); raw != "" {
		since, err := parseDate(raw, h.clock.Now().Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid since, want YYYY-MM-DD or RFC3339"})
			return
		}
		filters.Since = &since
	}
	if raw := c.Query("until"); raw != "" {
		until, err := parseDate(raw, h.clock.Now().Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid until, want YYYY-MM-DD or RFC3339"})
			return
		}
		filters.Until = &until
	}

	logs, err := h.audit.List(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list scan logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// ServiceStats is the operator statistics response.
type ServiceStats struct {
	ScansByStatus map[string]int64 `json:"scans_by_status"`
	StillInside   int64            `json:"still_inside"`
	Time          time.Time        `json:"time"`
}

// @Summary      Service statistics
// @Tags         Stats
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  ServiceStats
// @Router       /api/v1/admin/stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	counts, err := h.audit.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load statistics"})
		return
	}

	inside, err := h.visitors.CountInside(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load statistics"})
		return
	}

	c.JSON(http.StatusOK, ServiceStats{
		ScansByStatus: counts,
		StillInside:   inside,
		Time:          h.clock.Now(),
	})
}

// @Summary      Trigger a reconcile pass
// @Description  Runs one import pass over the registration feed immediately. Returns 409 if a pass is already running.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "processed, errors"
// @Failure      409  {object}  map[string]interface{}  "Reconcile already in progress"
// @Failure      503  {object}  map[string]interface{}  "Feed ingestion disabled"
// @Router       /api/v1/admin/reconcile [post]
func (h *Handlers) TriggerReconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Feed ingestion is disabled"})
		return
	}

	processed, errs := h.reconciler.Reconcile(c.Request.Context())
	if len(errs) == 1 && errors.Is(errs[0], jobs.ErrReconcileInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "Reconcile already in progress"})
		return
	}

	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Error())
	}

	c.JSON(http.StatusOK, gin.H{
		"processed": processed,
		"errors":    messages,
	})
}

// intQuery reads an integer query parameter with a fallback.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// parseDate accepts either a bare date (interpreted in the gate's zone) or a
// full RFC3339 timestamp.
func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
