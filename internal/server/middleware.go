package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vantorre/antigravity-relay/internal/config"
	"github.com/vantorre/antigravity-relay/internal/logging"
	"github.com/vantorre/antigravity-relay/pkg/anthropic"
)

// CORS stamps permissive cross-origin headers and answers preflight.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// BodyLimit caps inbound request bodies. Oversized reads fail inside the
// handlers' bind step.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// APIKeyAuth guards the /v1 routes. When no key is configured the relay is
// open, matching local-use defaults.
func APIKeyAuth(log *logging.Logger, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var provided string
		auth := c.GetHeader("Authorization")
		switch {
		case strings.HasPrefix(auth, "Bearer "):
			provided = strings.TrimPrefix(auth, "Bearer ")
		default:
			provided = c.GetHeader("X-API-Key")
		}

		if provided == "" || provided != cfg.APIKey {
			log.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				anthropic.NewErrorResponse("authentication_error", "Invalid or missing API key"))
			return
		}
		c.Next()
	}
}

// noisyPath reports paths the Claude CLI polls continuously. They are logged
// at debug level only, so routine traffic stays readable.
func noisyPath(path string) bool {
	return path == "/api/event_logging/batch" ||
		strings.HasPrefix(path, "/v1/messages/count_tokens") ||
		strings.HasPrefix(path, "/.well-known/")
}

// RequestLogging logs method, path, status and latency for every request.
func RequestLogging(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start).Milliseconds()

		if noisyPath(path) {
			log.Debug("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
			return
		}
		switch {
		case status >= 500:
			log.Error("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		case status >= 400:
			log.Warn("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		default:
			log.Info("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		}
	}
}

// SilentOK short-circuits Claude CLI housekeeping posts with a flat OK so
// they never reach the relay handlers.
func SilentOK() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/" || c.Request.URL.Path == "/api/event_logging/batch") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
