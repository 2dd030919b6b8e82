// Package api wires together all HTTP routes for the gate service.
//
// Route grouping philosophy:
//   - /health, /ready, and /version are unauthenticated so that load
//     balancers and probes work without credentials.
//   - Everything under /api/v1/ requires an API key. Checkpoint devices and
//     operator tooling authenticate the same way; there is no anonymous
//     surface because every scan mutates the audit log.
//   - Scan endpoints get a generous burst-friendly rate limit (a group
//     arriving at a gate produces a scan burst), issuance and operator
//     endpoints get stricter ones.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/qrgate/qrgate/internal/api/ops"
	"github.com/qrgate/qrgate/internal/api/passes"
	"github.com/qrgate/qrgate/internal/config"
	"github.com/qrgate/qrgate/internal/db/repositories"
	"github.com/qrgate/qrgate/internal/feed"
	"github.com/qrgate/qrgate/internal/gate"
	"github.com/qrgate/qrgate/internal/jobs"
	"github.com/qrgate/qrgate/internal/middleware"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	reconciler   *jobs.FeedReconciler
	rateLimiters []*middleware.RateLimiter
	redisClient  *redis.Client
}

// Reconciler exposes the feed reconciler for manual triggers. Nil when feed
// ingestion is disabled.
func (bg *BackgroundServices) Reconciler() *jobs.FeedReconciler {
	return bg.reconciler
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reconciler != nil {
		bg.reconciler.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redisClient != nil {
		if err := bg.redisClient.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Repositories share one sqlx handle over the raw connection pool.
	sqlxDB := sqlx.NewDb(db, "postgres")
	visitorRepo := repositories.NewVisitorRepository(sqlxDB)
	scanLogRepo := repositories.NewScanLogRepository(sqlxDB)
	apiKeyRepo := repositories.NewAPIKeyRepository(sqlxDB)

	clock, err := gate.NewClock(cfg.Passes.Timezone)
	if err != nil {
		log.Fatalf("Failed to load gate timezone %q: %v", cfg.Passes.Timezone, err)
	}

	validator := gate.NewPassValidator(visitorRepo, scanLogRepo, clock)
	recorder := gate.NewExitRecorder(visitorRepo, scanLogRepo, clock)

	bg := &BackgroundServices{}

	// Feed ingestion is optional. When enabled, registrations arriving on the
	// external channel are imported continuously; the reconciler also backs
	// the manual trigger endpoint.
	if cfg.Feed.Enabled {
		client := feed.NewClient(cfg.Feed)

		var limiter feed.PushLimiter
		if cfg.Redis.Enabled {
			bg.redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			limiter = feed.NewRedisLimiter(bg.redisClient, cfg.Feed.ChannelID, cfg.Feed.MinPushInterval)
			log.Printf("Feed push limiter: redis (%s)", cfg.Redis.Addr)
		} else {
			limiter = feed.NewLocalLimiter(cfg.Feed.MinPushInterval)
			log.Println("Feed push limiter: local")
		}

		bg.reconciler = jobs.NewFeedReconciler(client, client, visitorRepo, limiter, clock, cfg.Feed, cfg.Passes)
		bg.reconciler.Start(context.Background())
		log.Printf("Feed reconciler started (polling every %s)", cfg.Feed.PollInterval)
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint (includes redis probe when configured)
	router.GET("/ready", readinessHandler(db, bg.redisClient))

	// API version
	router.GET("/version", versionHandler())

	// Initialize handlers
	passHandlers := passes.NewHandlers(visitorRepo, validator, recorder, clock, cfg.Passes)

	var reconciler ops.Reconciler
	if bg.reconciler != nil {
		reconciler = bg.reconciler
	}
	opsHandlers := ops.NewHandlers(visitorRepo, scanLogRepo, reconciler, clock)
	apiKeyHandlers := ops.NewAPIKeyHandlers(apiKeyRepo, cfg.Auth.APIKeys)

	// Initialize rate limiters
	scanRateLimiter := middleware.NewRateLimiter(middleware.ScanRateLimitConfig())
	issueRateLimiter := middleware.NewRateLimiter(middleware.IssueRateLimitConfig())
	generalRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	bg.rateLimiters = []*middleware.RateLimiter{scanRateLimiter, issueRateLimiter, generalRateLimiter}

	apiV1 := router.Group("/api/v1")
	if cfg.Auth.APIKeys.Enabled {
		apiV1.Use(middleware.AuthMiddleware(apiKeyRepo))
	} else {
		log.Println("WARNING: API key authentication is disabled")
	}
	{
		// Gate scan endpoints — checkpoint devices
		gateGroup := apiV1.Group("/gate")
		gateGroup.Use(middleware.RateLimitMiddleware(scanRateLimiter))
		{
			gateGroup.GET("/check", passHandlers.Check)
			gateGroup.POST("/exit", passHandlers.Exit)
		}

		// Pass issuance
		apiV1.POST("/passes",
			middleware.RateLimitMiddleware(issueRateLimiter),
			passHandlers.CreatePass)
		apiV1.GET("/passes/:id",
			middleware.RateLimitMiddleware(generalRateLimiter),
			passHandlers.GetPass)

		// Operator endpoints
		operatorGroup := apiV1.Group("")
		operatorGroup.Use(middleware.RateLimitMiddleware(generalRateLimiter))
		{
			operatorGroup.GET("/visitors", opsHandlers.ListVisitors)
			operatorGroup.GET("/reports/exits", opsHandlers.ExitReport)
			operatorGroup.GET("/logs", opsHandlers.ListLogs)
			operatorGroup.GET("/admin/stats", opsHandlers.Stats)
			operatorGroup.POST("/admin/reconcile", opsHandlers.TriggerReconcile)

			apiKeysGroup := operatorGroup.Group("/admin/apikeys")
			{
				apiKeysGroup.GET("", apiKeyHandlers.ListAPIKeys)
				apiKeysGroup.POST("", apiKeyHandlers.CreateAPIKey)
				apiKeysGroup.DELETE("/:id", apiKeyHandlers.RevokeAPIKey)
			}
		}
	}

	return router, bg
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database and, when configured, redis.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also pings redis when the
// distributed push limiter is configured, so a readiness gate fails before
// feed pushes would start erroring.
func readinessHandler(db *sql.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if redisClient != nil {
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy"
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"ready":  false,
					"checks": checks,
					"error":  "redis not ready",
				})
				return
			}
			checks["redis"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		// Log the request
		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// reuse the same structured output; slog will emit text format when the global
	// handler is a TextHandler (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
