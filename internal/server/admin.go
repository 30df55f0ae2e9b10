package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/brandvoice/contentops/internal/models"
	"github.com/brandvoice/contentops/internal/storage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) adminLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request"})
		return
	}

	if s.cfg.Security.AdminPassword == "" || req.Password != s.cfg.Security.AdminPassword {
		s.logger.Warn("Failed login attempt", zap.String("client_ip", c.ClientIP()))
		c.JSON(401, gin.H{"error": "Invalid password"})
		return
	}

	s.logger.Info("Admin logged in successfully")
	c.JSON(200, gin.H{
		"success": true,
		"token":   generateToken(req.Password),
	})
}

func (s *Server) adminVerify(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if token == "" || token != generateToken(s.cfg.Security.AdminPassword) {
		c.JSON(401, gin.H{"valid": false})
		return
	}
	c.JSON(200, gin.H{"valid": true})
}

// ==================== keys ====================

func (s *Server) listKeys(c *gin.Context) {
	keys, err := s.deps.Keys.List()
	if err != nil {
		s.logger.Error("Failed to list keys", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to list keys"})
		return
	}

	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, gin.H{
			"key":        maskAPIKey(k.Key),
			"name":       k.Name,
			"userId":     k.UserID,
			"createdAt":  k.CreatedAt,
			"lastUsed":   k.LastUsed,
			"usageCount": k.UsageCount,
		})
	}
	c.JSON(200, gin.H{"keys": out})
}

func (s *Server) createKey(c *gin.Context) {
	var req struct {
		Name   string `json:"name" binding:"required"`
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	var value string
	for attempt := 0; attempt < 3 && value == ""; attempt++ {
		secret, err := generateRandomString(32)
		if err != nil {
			c.JSON(500, gin.H{"error": "Failed to generate key"})
			return
		}
		if candidate := "sk-" + secret; !s.deps.Keys.Exists(candidate) {
			value = candidate
		}
	}
	if value == "" {
		c.JSON(500, gin.H{"error": "Failed to generate key"})
		return
	}

	key := &models.APIKey{
		Key:       value,
		Name:      req.Name,
		UserID:    req.UserID,
		CreatedAt: s.now().Unix(),
	}
	if err := s.deps.Keys.Save(key); err != nil {
		s.logger.Error("Failed to save key", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to save key"})
		return
	}

	s.logger.Info("API key created", zap.String("name", key.Name), zap.String("user_id", key.UserID))
	c.JSON(201, key)
}

func (s *Server) deleteKey(c *gin.Context) {
	err := s.deps.Keys.Delete(c.Param("key"))
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		c.JSON(404, gin.H{"error": "Key not found"})
	case err != nil:
		c.JSON(400, gin.H{"error": err.Error()})
	default:
		c.JSON(200, gin.H{"success": true})
	}
}

// ==================== usage ====================

func (s *Server) getRecentUsage(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(503, gin.H{"error": "Usage storage not configured"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(400, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	records, err := s.deps.Usage.Recent(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to load recent usage", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to load recent usage"})
		return
	}
	c.JSON(200, gin.H{"data": records, "count": len(records)})
}

func (s *Server) getPricing(c *gin.Context) {
	c.JSON(200, s.deps.Recorder.Pricing())
}

func (s *Server) getUsageSummary(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(503, gin.H{"error": "Usage storage not configured"})
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 1 || days > 366 {
		c.JSON(400, gin.H{"error": "days must be between 1 and 366"})
		return
	}

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -(days - 1))

	rows, err := s.deps.Usage.Summary(c.Request.Context(), since)
	if err != nil {
		s.logger.Error("Failed to load usage summary", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to load usage summary"})
		return
	}
	totals, err := s.deps.Usage.Totals(c.Request.Context(), since)
	if err != nil {
		s.logger.Error("Failed to load usage totals", zap.Error(err))
		c.JSON(500, gin.H{"error": "Failed to load usage totals"})
		return
	}

	c.JSON(200, gin.H{
		"since":  since.Format("2006-01-02"),
		"days":   days,
		"totals": totals,
		"data":   rows,
	})
}

// ==================== rate limits ====================

func (s *Server) listPolicies(c *gin.Context) {
	out := make([]gin.H, 0)
	for _, p := range s.deps.Policies.All() {
		out = append(out, gin.H{
			"name":     p.Name,
			"limit":    p.Limit,
			"windowMs": p.Window.Milliseconds(),
		})
	}
	c.JSON(200, gin.H{"policies": out})
}

func (s *Server) listWindows(c *gin.Context) {
	if s.deps.Windows == nil {
		c.JSON(200, gin.H{"backend": s.cfg.RateLimit.Backend, "windows": []any{}})
		return
	}

	now := s.now()
	snapshot := s.deps.Windows.Snapshot()
	out := make([]gin.H, 0, len(snapshot))
	for _, w := range snapshot {
		out = append(out, gin.H{
			"key":     w.Key,
			"count":   w.Count,
			"resetAt": w.ResetAt.UnixMilli(),
			"expired": w.Expired(now),
		})
	}
	c.JSON(200, gin.H{"backend": "memory", "windows": out})
}

// ==================== logs and status ====================

func (s *Server) getLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(200, gin.H{"logs": s.deps.Logs.GetRecent(limit)})
}

func (s *Server) clearLogs(c *gin.Context) {
	s.deps.Logs.Clear()
	c.JSON(200, gin.H{"success": true})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := gin.H{
		"uptime":      s.now().Sub(s.started).Round(time.Second).String(),
		"goroutines":  runtime.NumGoroutine(),
		"memoryAlloc": fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
		"backend":     s.cfg.RateLimit.Backend,
	}
	if s.deps.Windows != nil {
		status["windows"] = s.deps.Windows.Len()
	}
	c.JSON(http.StatusOK, status)
}

// ==================== helpers ====================

// generateToken derives the admin session token from the password so it
// survives restarts.
func generateToken(password string) string {
	h := sha256.New()
	h.Write([]byte("contentops-admin-" + password))
	return hex.EncodeToString(h.Sum(nil))
}

func generateRandomString(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b), nil
}
