package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/timebill_backend/config"
	"bitbucket.org/mmdatafocus/timebill_backend/ledger"
	"bitbucket.org/mmdatafocus/timebill_backend/middlewares"
	"bitbucket.org/mmdatafocus/timebill_backend/models"
	"bitbucket.org/mmdatafocus/timebill_backend/utils"
	"bitbucket.org/mmdatafocus/timebill_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

const requestDateLayout = "2006-01-02"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

// ledgerClientOrNil builds the ledger client from the environment. A missing
// configuration is not fatal at startup; billing endpoints return 503 until
// it is provided.
func ledgerClientOrNil(logger *logrus.Logger) workflow.LedgerClient {
	cfg, err := ledger.ConfigFromEnv()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field": "ledgerClientOrNil",
		}).Warn("ledger client disabled (config incomplete): " + err.Error())
		return nil
	}
	client, err := ledger.NewClient(cfg)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field": "ledgerClientOrNil",
		}).Warn("ledger client disabled: " + err.Error())
		return nil
	}
	return client
}

// requestActor attributes the operation to the authenticated user, or to
// "System" for internal callers.
func requestActor(c *gin.Context) string {
	if claim := middlewares.CtxValue(c.Request.Context()); claim != nil && claim.Username != "" {
		return claim.Username
	}
	return "System"
}

func statusForWorkflowErr(err error) int {
	switch {
	case errors.Is(err, workflow.ErrPeriodRequired),
		errors.Is(err, workflow.ErrInvalidPeriod),
		errors.Is(err, workflow.ErrBatchIdRequired),
		errors.Is(err, workflow.ErrNoApprovals),
		errors.Is(err, models.ErrDuplicateStagingRow):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type reconcileHTTPRequest struct {
	PeriodStart string `json:"period_start" binding:"required"`
	PeriodEnd   string `json:"period_end" binding:"required"`
}

func reconcileHandler(client workflow.LedgerClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		if client == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger client is not configured"})
			return
		}

		var req reconcileHTTPRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		periodStart, err := time.Parse(requestDateLayout, req.PeriodStart)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period_start must be a YYYY-MM-DD date"})
			return
		}
		periodEnd, err := time.Parse(requestDateLayout, req.PeriodEnd)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "period_end must be a YYYY-MM-DD date"})
			return
		}

		db := config.GetDB()
		var result *workflow.ReconcileResult
		txErr := db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = workflow.ProcessReconciliationWorkflow(c.Request.Context(), tx, logger, client, workflow.ReconcileRequest{
				PeriodStart: periodStart,
				PeriodEnd:   periodEnd,
				CreatedBy:   requestActor(c),
			})
			return err
		})
		if txErr != nil {
			c.JSON(statusForWorkflowErr(txErr), gin.H{"error": txErr.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type approvalHTTPItem struct {
	StagingRowId int    `json:"staging_row_id" binding:"required"`
	Action       string `json:"action" binding:"required,oneof=create_new update_existing skip"`
}

type executeHTTPRequest struct {
	BatchId   string             `json:"batch_id" binding:"required"`
	Approvals []approvalHTTPItem `json:"approvals" binding:"required,min=1,dive"`
}

func executeHandler(client workflow.LedgerClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		if client == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger client is not configured"})
			return
		}

		var req executeHTTPRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		// Best-effort: one execution per batch at a time. If Redis is down we
		// proceed anyway; staging rows leave the pending state on first
		// execution, so a concurrent second run fails its rows cleanly.
		redisLock := config.GetRedisLock()
		var lock *redislock.Lock
		if redisLock != nil {
			var err error
			lock, err = redisLock.Obtain(c.Request.Context(), "execlock:"+req.BatchId, 5*time.Minute, nil)
			if err == redislock.ErrNotObtained {
				c.JSON(http.StatusConflict, gin.H{"error": "batch is already being executed"})
				return
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":    "executeHandler",
					"batch_id": req.BatchId,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		} else {
			logger.WithFields(logrus.Fields{
				"field":    "executeHandler",
				"batch_id": req.BatchId,
			}).Warn("redis lock not ready; proceeding without redis lock")
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":    "executeHandler",
					"batch_id": req.BatchId,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		approvals := make([]workflow.Approval, 0, len(req.Approvals))
		for _, item := range req.Approvals {
			approvals = append(approvals, workflow.Approval{
				StagingRowId: item.StagingRowId,
				Action:       models.StagingAction(item.Action),
			})
		}

		// No enclosing transaction: each row's result must survive a later
		// row's failure, and external writes cannot be rolled back anyway.
		db := config.GetDB()
		result, err := workflow.ProcessExecutionWorkflow(c.Request.Context(), db.WithContext(c.Request.Context()), logger, client, workflow.ExecuteRequest{
			BatchId:    req.BatchId,
			Approvals:  approvals,
			ExecutedBy: requestActor(c),
		})
		if err != nil {
			c.JSON(statusForWorkflowErr(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type batchRowView struct {
	models.BillingStagingRow
	Lines []models.ComputedLineItem `json:"lines"`
	Diff  *models.ComparisonDiff    `json:"comparison_diff,omitempty"`
}

func batchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		batchId := c.Param("batchId")

		db := config.GetDB()
		rows, err := models.ListStagingRows(db.WithContext(c.Request.Context()), batchId)
		if err != nil {
			config.LogError(logger, "server.go", "batchHandler", "ListStagingRows", batchId, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load batch"})
			return
		}
		if len(rows) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
			return
		}

		views := make([]batchRowView, 0, len(rows))
		for i := range rows {
			lines, err := rows[i].GetLineItems()
			if err != nil {
				config.LogError(logger, "server.go", "batchHandler", "GetLineItems", rows[i].ID, err)
			}
			diff, err := rows[i].GetComparisonDiff()
			if err != nil {
				config.LogError(logger, "server.go", "batchHandler", "GetComparisonDiff", rows[i].ID, err)
			}
			views = append(views, batchRowView{BillingStagingRow: rows[i], Lines: lines, Diff: diff})
		}
		c.JSON(http.StatusOK, gin.H{"batch_id": batchId, "rows": views})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until the DB is ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	ledgerClient := ledgerClientOrNil(logger)

	billing := r.Group("/api/billing", middlewares.RequireAuth())
	billing.POST("/reconcile", reconcileHandler(ledgerClient))
	billing.POST("/execute", executeHandler(ledgerClient))
	billing.GET("/batches/:batchId", batchHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("billing API listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
