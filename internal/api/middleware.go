package api

import (
	"net/http"
	"strings"
	"time"

	"studio/server/internal/auth"
	"studio/server/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID = "trace_id"
	ctxUserID  = "user_id"
	ctxAssetID = "asset_id"
)

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-Id"))
		if traceID == "" {
			traceID = newTraceID()
		}
		c.Set(ctxTraceID, traceID)
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Next()
	}
}

func newTraceID() string {
	if v7, err := uuid.NewV7(); err == nil {
		return v7.String()
	}
	return uuid.NewString()
}

// RequestLogMiddleware logs one line per request. Batch routes add the run
// ID from the path; sequence handlers that target an asset record it with
// markAsset. Server errors log at error level.
func RequestLogMiddleware(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"trace_id", ctxString(c, ctxTraceID),
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if runID := c.Param("run_id"); runID != "" {
			kv = append(kv, "run_id", runID)
		}
		if assetID := ctxString(c, ctxAssetID); assetID != "" {
			kv = append(kv, "asset_id", assetID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("http_request", kv...)
			return
		}
		logger.Info("http_request", kv...)
	}
}

// CORSMiddleware allows the dashboard origins to call the API, resume event
// streams and read the trace header.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Trace-Id", "Last-Event-ID"},
		ExposeHeaders:    []string{"X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// AuthMiddleware admits requests carrying a valid operator access token.
func AuthMiddleware(authSvc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		claims, err := authSvc.ParseAccess(strings.TrimSpace(token))
		if err != nil {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

func markAsset(c *gin.Context, assetID string) {
	c.Set(ctxAssetID, assetID)
}

func ctxString(c *gin.Context, key string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func traceIDFromContext(c *gin.Context) string { return ctxString(c, ctxTraceID) }

func requireJSON(c *gin.Context) bool {
	ct := c.ContentType()
	if ct == "" || strings.Contains(ct, "application/json") {
		return true
	}
	writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", false, nil)
	return false
}
