package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
	"github.com/agentmesh/controlplane/internal/catalog/tools"
	"github.com/agentmesh/controlplane/internal/config"
	"github.com/agentmesh/controlplane/internal/governance"
	"github.com/agentmesh/controlplane/internal/httpapi"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/ratelimit"
	"github.com/agentmesh/controlplane/internal/store"
	"github.com/agentmesh/controlplane/internal/tracing"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	s, err := openStore(cfg.StoreURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to store", zap.Error(err))
	}
	defer s.Close()

	limiter := ratelimit.New(s, nil, seedBudgets(cfg.RateLimit), logger)
	engine := policy.NewEngine(ctx, policy.NewLoader(s, cfg.Policy.Path, logger), limiter, nil, logger)
	if cfg.Policy.WatchEnabled {
		// Watch blocks until ctx is cancelled.
		go func() {
			if err := engine.Watch(ctx, cfg.Policy.Path); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Policy watch stopped", zap.Error(err))
			}
		}()
	}

	validator := auth.NewValidator(auth.Config{
		ProxyURL:    cfg.Auth.ProxyURL,
		LocalSecret: cfg.Auth.LocalSecret,
		CacheTTL:    cfg.Auth.CacheTTL,
		Timeout:     cfg.Auth.Timeout,
		MaxCached:   cfg.Auth.MaxCached,
	}, nil, logger)

	cat := catalog.New(logger)
	if err := registerTools(cat, cfg, logger); err != nil {
		logger.Fatal("Failed to register tools", zap.Error(err))
	}

	pipeline := governance.NewPipeline(validator, engine, cat, nil, logger)

	mux := http.NewServeMux()
	httpapi.NewToolHandler(pipeline, cat, logger).RegisterRoutes(mux)

	go serveMetrics(cfg.MetricsPort, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("Tool server listening",
			zap.Int("port", cfg.HTTPPort),
			zap.Int("tools", len(cat.List(""))),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func registerTools(cat *catalog.Catalog, cfg *config.Config, logger *zap.Logger) error {
	db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := tools.NewDatabaseTools(db, logger).Register(cat); err != nil {
		return err
	}
	if err := tools.NewDocumentTools(seedDocuments()).Register(cat); err != nil {
		return err
	}
	if err := tools.NewAnalyticsTools(nil).Register(cat); err != nil {
		return err
	}
	return tools.NewSystemTools(nil, version).Register(cat)
}

// seedDocuments is the built-in corpus served until a real document backend
// is wired in.
func seedDocuments() []tools.Document {
	return []tools.Document{
		{
			ID:      "doc_onboarding",
			Title:   "Agent Onboarding Guide",
			Type:    "guide",
			Content: "How to register a worker agent, declare capabilities, and pass health checks.",
			Tags:    []string{"agents", "registration"},
		},
		{
			ID:      "doc_policies",
			Title:   "Access Policy Reference",
			Type:    "reference",
			Content: "Role grants, allow and deny lists, rate limits, and execution restrictions.",
			Tags:    []string{"policy", "security"},
		},
		{
			ID:      "doc_patterns",
			Title:   "Dispatch Patterns",
			Type:    "guide",
			Content: "Simple, sequential, parallel, and loop dispatch with examples.",
			Tags:    []string{"orchestration"},
		},
	}
}

// seedBudgets turns the RATE_LIMIT_* environment defaults into limiter
// budgets for every dimension. The policy document's rate_limits override
// these per dimension on reload.
func seedBudgets(rc config.RateConfig) map[ratelimit.Dimension]ratelimit.Limit {
	if rc.Requests <= 0 || rc.Window <= 0 {
		return nil
	}
	lim := ratelimit.Limit{Requests: rc.Requests, Window: rc.Window, Burst: rc.Burst}
	return map[ratelimit.Dimension]ratelimit.Limit{
		ratelimit.DimensionGlobal: lim,
		ratelimit.DimensionUser:   lim,
		ratelimit.DimensionTool:   lim,
	}
}

func openStore(url string, logger *zap.Logger) (store.Store, error) {
	if url == "" || url == "memory" {
		logger.Warn("Using in-memory store, state will not survive restarts")
		return store.NewMemoryStore(nil), nil
	}
	return store.NewRedisStore(url, logger)
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("Metrics listening", zap.Int("port", port))
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
