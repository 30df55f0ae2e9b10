package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/brandvoice/contentops/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ctxCallerID = "caller_id"
	ctxAPIKey   = "api_key"
)

// loggerMiddleware logs HTTP requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.ObserveRequest(route, strconv.Itoa(status))

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if caller := c.GetString(ctxCallerID); caller != "" {
			fields = append(fields, zap.String("caller_id", caller))
		}
		if v, ok := c.Get(ctxAPIKey); ok {
			if key, ok := v.(*models.APIKey); ok {
				fields = append(fields, zap.String("key_name", key.Name))
			}
		}
		s.logger.Info("HTTP Request", fields...)
	}
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range s.cfg.Security.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			}
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Admin-Token")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
			c.Writer.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// apiKeyAuthMiddleware resolves the caller identity from the bearer API key.
// The static config key is a credential for trusted backends: the X-User-ID
// header it sends becomes the admission identity as-is, so whoever holds it
// chooses its own quota bucket. Set security.ignore_user_header to key every
// static-key request by client IP instead. Dynamic keys always map to their
// stored owner.
func (s *Server) apiKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(401, models.NewErrorResponse("Missing Authorization header", "invalid_request_error", "missing_api_key"))
			return
		}

		apiKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		if s.cfg.Security.APIKey != "" && apiKey == s.cfg.Security.APIKey {
			caller := ""
			if !s.cfg.Security.IgnoreUserHeader {
				caller = strings.TrimSpace(c.GetHeader("X-User-ID"))
			}
			if caller == "" {
				caller = "ip:" + c.ClientIP()
			}
			c.Set(ctxCallerID, caller)
			c.Next()
			return
		}

		key, err := s.deps.Keys.Touch(apiKey)
		if key == nil {
			s.logger.Warn("Invalid API key attempt",
				zap.String("key_prefix", maskAPIKey(apiKey)),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(401, models.NewErrorResponse("Invalid API key", "invalid_request_error", "invalid_api_key"))
			return
		}
		if err != nil {
			s.logger.Error("Failed to update key usage", zap.Error(err))
		}

		c.Set(ctxAPIKey, key)
		c.Set(ctxCallerID, key.CallerID())
		c.Next()
	}
}

// adminAuthMiddleware checks admin authentication
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")
		if token == "" || s.cfg.Security.AdminPassword == "" || token != generateToken(s.cfg.Security.AdminPassword) {
			if token != "" {
				s.logger.Warn("Invalid admin token attempt", zap.String("client_ip", c.ClientIP()))
			}
			c.AbortWithStatusJSON(401, gin.H{"error": "Unauthorized"})
			return
		}

		c.Next()
	}
}

// maskAPIKey returns a masked version of the API key for logging
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
