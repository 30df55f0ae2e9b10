package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brandvoice/contentops/internal/config"
	"github.com/brandvoice/contentops/internal/llm"
	"github.com/brandvoice/contentops/internal/logger"
	"github.com/brandvoice/contentops/internal/metrics"
	"github.com/brandvoice/contentops/internal/ratelimit"
	"github.com/brandvoice/contentops/internal/server"
	"github.com/brandvoice/contentops/internal/storage"
	"github.com/brandvoice/contentops/internal/usage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the content API server",
	Long:  `Start the HTTP server with admission control, the window janitor and usage metering`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logs := logger.NewLogBuffer(cfg.Logging.BufferSize)
	log, err := logger.New(cfg.Logging, logs)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if err := initDirectories(cfg); err != nil {
		log.Error("Failed to initialize directories", zap.Error(err))
		return err
	}

	log.Info("Starting contentops",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.String("storage_driver", cfg.Storage.Driver),
	)

	if cfg.Security.APIKey != "" {
		log.Info("Config API key is set",
			zap.String("key_prefix", maskAPIKey(cfg.Security.APIKey)))
	} else {
		log.Info("No config API key set, will use dynamic keys only")
	}
	if cfg.LLM.APIKey == "" {
		log.Warn("No LLM API key set, upstream calls will be rejected")
	}

	policies, err := buildPolicies(cfg)
	if err != nil {
		log.Error("Failed to build rate limit policies", zap.Error(err))
		return err
	}
	for _, p := range policies.All() {
		log.Info("Rate limit policy",
			zap.String("policy", p.Name),
			zap.Int("limit", p.Limit),
			zap.Duration("window", p.Window))
	}

	pricing, err := loadPricing(cfg)
	if err != nil {
		log.Error("Failed to load pricing", zap.Error(err))
		return err
	}

	usageStore, err := openUsageStore(cfg)
	if err != nil {
		log.Error("Failed to open usage store", zap.Error(err))
		return err
	}
	defer usageStore.Close()

	m := metrics.New()
	recorder := usage.NewRecorder(usageStore, pricing, log,
		usage.WithObserver(m),
		usage.WithWriteTimeout(cfg.Usage.WriteTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	deps := server.Deps{
		Policies: policies,
		Recorder: recorder,
		Usage:    usageStore,
		Keys:     storage.NewKeyStore(cfg.Storage.KeysDir),
		Metrics:  m,
		Logs:     logs,
	}

	switch cfg.RateLimit.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("Redis not reachable, requests will be admitted until it recovers",
				zap.String("addr", cfg.RateLimit.RedisAddr), zap.Error(err))
		}
		cancel()

		deps.Admitter = ratelimit.NewRedisLimiter(client, cfg.RateLimit.RedisPrefix)
	default:
		windows := ratelimit.NewMemoryStore()
		limiter := ratelimit.NewLimiter(windows)
		m.TrackWindows(windows.Len)

		janitor := ratelimit.NewJanitor(windows, cfg.RateLimit.JanitorInterval, log,
			ratelimit.WithSweepHook(m.ObserveEvictions))
		g.Go(func() error {
			janitor.Run(gctx)
			return nil
		})

		deps.Admitter = limiter
		deps.Windows = windows
		deps.Now = limiter.Now
	}

	deps.LLM = llm.New(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	}, log)

	srv, err := server.New(cfg, log, deps)
	if err != nil {
		log.Error("Failed to create server", zap.Error(err))
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		log.Info("Server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Usage.DrainTimeout)
	defer cancel()
	if err := recorder.Close(drainCtx); err != nil {
		log.Warn("Usage writes still pending at shutdown", zap.Error(err))
	}

	if runErr != nil {
		log.Error("Server stopped with error", zap.Error(runErr))
		return runErr
	}

	log.Info("Server stopped gracefully")
	return nil
}
