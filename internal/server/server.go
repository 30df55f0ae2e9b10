package server

import (
	"context"
	"errors"
	"time"

	"github.com/brandvoice/contentops/internal/config"
	"github.com/brandvoice/contentops/internal/llm"
	"github.com/brandvoice/contentops/internal/logger"
	"github.com/brandvoice/contentops/internal/metrics"
	"github.com/brandvoice/contentops/internal/models"
	"github.com/brandvoice/contentops/internal/ratelimit"
	"github.com/brandvoice/contentops/internal/storage"
	"github.com/brandvoice/contentops/internal/usage"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Completer produces chat completions.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Completion, error)
}

// UsageReader serves usage aggregates to the admin API.
type UsageReader interface {
	Summary(ctx context.Context, since time.Time) ([]models.UsageSummary, error)
	Totals(ctx context.Context, since time.Time) (models.UsageTotals, error)
	Recent(ctx context.Context, limit int) ([]models.UsageRecord, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Admitter ratelimit.Admitter
	Policies *ratelimit.PolicySet
	// Windows is the in-memory window store, nil when admission runs in Redis.
	Windows  *ratelimit.MemoryStore
	Recorder *usage.Recorder
	Usage    UsageReader
	Keys     *storage.KeyStore
	LLM      Completer
	Metrics  *metrics.Metrics
	Logs     *logger.LogBuffer
	// Now is the clock used for Retry-After; it must match the admitter's clock.
	Now func() time.Time
}

// Server represents the API server
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	router  *gin.Engine
	deps    Deps
	now     func() time.Time
	started time.Time
}

// New creates a new server instance
func New(cfg *config.Config, log *zap.Logger, deps Deps) (*Server, error) {
	if deps.Admitter == nil || deps.Policies == nil {
		return nil, errors.New("server: admitter and policies are required")
	}
	if deps.Recorder == nil || deps.LLM == nil {
		return nil, errors.New("server: usage recorder and llm client are required")
	}
	if deps.Keys == nil {
		deps.Keys = storage.NewKeyStore(cfg.Storage.KeysDir)
	}
	if deps.Logs == nil {
		deps.Logs = logger.NewLogBuffer(0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	gin.SetMode(cfg.Server.Mode)

	s := &Server{
		cfg:     cfg,
		logger:  log,
		router:  gin.New(),
		deps:    deps,
		now:     now,
		started: now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Router returns the gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggerMiddleware())

	if s.cfg.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ping", s.ping)

	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		s.router.GET(s.cfg.Metrics.Path, gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.router.Group("/v1")
	api.Use(s.apiKeyAuthMiddleware())
	{
		api.POST("/content/generate", s.rateLimitMiddleware(ratelimit.PolicyGenerate), s.generateContent)
		api.POST("/content/bulk", s.rateLimitMiddleware(ratelimit.PolicyBulkGenerate), s.bulkGenerate)
		api.POST("/ai/chat", s.rateLimitMiddleware(ratelimit.PolicyAI), s.chatReply)
		api.POST("/ai/translate", s.rateLimitMiddleware(ratelimit.PolicyAI), s.translate)
	}

	admin := s.router.Group("/admin")
	{
		admin.POST("/login", s.adminLogin)
		admin.GET("/verify", s.adminVerify)

		auth := admin.Group("/")
		auth.Use(s.adminAuthMiddleware())
		{
			auth.GET("/keys", s.listKeys)
			auth.POST("/keys", s.createKey)
			auth.DELETE("/keys/:key", s.deleteKey)

			auth.GET("/usage/summary", s.getUsageSummary)
			auth.GET("/usage/recent", s.getRecentUsage)
			auth.GET("/usage/pricing", s.getPricing)

			auth.GET("/ratelimit/policies", s.listPolicies)
			auth.GET("/ratelimit/windows", s.listWindows)

			auth.GET("/logs", s.getLogs)
			auth.DELETE("/logs", s.clearLogs)

			auth.GET("/status", s.getSystemStatus)
		}
	}
}

// healthCheck reports unhealthy when the usage database is unreachable.
// Admission keeps working without it, so this is a degraded state.
func (s *Server) healthCheck(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(200, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Usage.Ping(ctx); err != nil {
		s.logger.Warn("Usage store health check failed", zap.Error(err))
		c.JSON(503, gin.H{"status": "degraded", "usage_store": "unreachable"})
		return
	}
	c.JSON(200, gin.H{"status": "ok", "usage_store": "ok"})
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}
