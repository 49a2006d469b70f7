package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/app"
	"bitbucket.org/mmdatafocus/nesting_backend/bom"
	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/ingest"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/uploads"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"bitbucket.org/mmdatafocus/nesting_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// current is nil until dependencies are connected; app routes answer 503 until then.
var current atomic.Pointer[app.App]

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(traceMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if current.Load() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		// Deny all when production has no allow-list.
		corsConfig.AllowOrigins = config.SplitAndTrim(allowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Request-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Trace-Id")
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/webhooks/smartsheet", withApp(func(a *app.App) gin.HandlerFunc { return ingest.WebhookHandler(a.Gate) }))
	r.POST("/pubsub/events", withApp(func(a *app.App) gin.HandlerFunc { return a.Consumer.PushHandler() }))

	api := r.Group("/api")
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") && config.RedisEnabled() {
		limit, window := rateLimitFromEnv()
		api.Use(func(c *gin.Context) {
			// Redis connects after listen; skip limiting until it is there.
			if client := config.GetRedisDB(); client != nil {
				NewRateLimiter(client, limit, window).RateLimitMiddleware(c)
				return
			}
			c.Next()
		})
	}
	api.POST("/nesting/uploads", withApp(func(a *app.App) gin.HandlerFunc { return uploads.UploadHandler(a.Uploads) }))

	ops := r.Group("/internal/ops", opsAuth())
	ops.POST("/routing/refresh", withApp(routingRefreshHandler))
	ops.GET("/routing", withApp(routingDumpHandler))
	ops.POST("/mapping/invalidate", withApp(mappingInvalidateHandler))
	ops.GET("/ledger/stuck", withApp(stuckPendingHandler))
	ops.POST("/ledger/republish", withApp(republishHandler))
	ops.GET("/bom/:session/export", withApp(bomExportHandler))
	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	if config.RedisEnabled() {
		config.ConnectRedisWithRetry(sigCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; using DB sequence counter and no BOM lock")
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can hold DDL locks; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			config.LogError(logger, "server.go", "main", "migrating tables", nil, err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	a, err := app.New(sigCtx)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "app"}).Fatal("wiring failed: " + err.Error())
	}
	defer a.Close()
	table := a.Routes.Table(sigCtx)
	current.Store(a)

	logger.WithFields(logrus.Fields{
		"info":   "Connection Established",
		"routes": len(table.Routes()),
	}).Info("listening on :", port)

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// withApp binds a handler to the wired app at request time.
func withApp(build func(a *app.App) gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := current.Load()
		if a == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		build(a)(c)
	}
}

func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if tid := strings.TrimSpace(c.GetHeader("X-Trace-Id")); tid != "" {
			ctx = utils.SetTraceIdInContext(ctx, tid)
		}
		ctx, traceId := utils.EnsureTraceId(ctx)
		if rid := strings.TrimSpace(c.GetHeader("X-Request-Id")); rid != "" {
			ctx = utils.SetRequestIdInContext(ctx, rid)
		}
		c.Header("X-Trace-Id", traceId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// opsAuth requires OPS_TOKEN as a bearer token. Ops routes are closed when it is unset.
func opsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := strings.TrimSpace(os.Getenv("OPS_TOKEN"))
		got := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func routingRefreshHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		table := a.Routes.Refresh(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"routes": table.Routes(), "built_at": table.BuiltAt()}})
	}
}

func routingDumpHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		table := a.Routes.Table(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"routes":      table.Routes(),
			"settings":    table.Settings(),
			"built_at":    table.BuiltAt(),
			"cache_stats": a.Engine.CacheStats(),
		}})
	}
}

func mappingInvalidateHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.Engine.Invalidate()
		c.Status(http.StatusNoContent)
	}
}

func stuckPendingHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		olderThan := config.StuckPendingAfter()
		if v := c.Query("older_than_seconds"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "older_than_seconds must be a positive integer"})
				return
			}
			olderThan = time.Duration(n) * time.Second
		}
		records, err := a.Ledger.FindStuckPending(c.Request.Context(), olderThan, 500)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": records})
	}
}

func republishHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rp := workflow.NewPendingRepublisher(a.Ledger, a.Publisher)
		report, err := rp.RunOnce(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report})
	}
}

func bomExportHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := strings.TrimSpace(c.Param("session"))
		data, n, err := bom.ExportSession(c.Request.Context(), a.Gateway, session)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if n == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no BOM lines for " + session})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.xlsx", session))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			traceId, _ := utils.GetTraceIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{"field": "http", "path": c.FullPath(), "trace_id": traceId}).Error(c.Errors.String())
		}
	}
}

func rateLimitFromEnv() (int64, time.Duration) {
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
	return limit, time.Duration(windowSec) * time.Second
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per client IP in a fixed window.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count == 1 {
		if err := rl.client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}
