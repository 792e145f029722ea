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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/config"
	"github.com/agentmesh/controlplane/internal/httpapi"
	"github.com/agentmesh/controlplane/internal/llm"
	"github.com/agentmesh/controlplane/internal/orchestrator"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/ratelimit"
	"github.com/agentmesh/controlplane/internal/registry"
	"github.com/agentmesh/controlplane/internal/store"
	"github.com/agentmesh/controlplane/internal/tracing"
)

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

	reg := registry.New(s, nil, cfg.Registry.TTL, logger)
	go registry.NewMonitor(reg, cfg.Registry.HeartbeatInterval, logger).Run(ctx)

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

	orch := orchestrator.New(reg, llmClient(cfg, logger), engine, orchestrator.Config{
		DispatchTimeout: cfg.Dispatch.Timeout,
		MaxRetries:      cfg.Dispatch.MaxRetries,
		MaxLoopHops:     cfg.Dispatch.MaxHops,
	}, nil, logger)

	mux := http.NewServeMux()
	httpapi.NewOrchestratorHandler(orch, reg, validator, engine, logger).RegisterRoutes(mux)

	go serveMetrics(cfg.MetricsPort, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("Orchestrator listening", zap.Int("port", cfg.HTTPPort))
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

// llmClient builds the classification client, or nil when no endpoint is
// configured. A nil client forces keyword classification.
func llmClient(cfg *config.Config, logger *zap.Logger) *llm.Client {
	if cfg.LLM.BaseURL == "" {
		logger.Info("No LLM endpoint configured, using keyword classification")
		return nil
	}
	llmCfg := llm.Config{
		Primary: llm.Provider{
			Name:    "primary",
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
		MaxRetries:        cfg.LLM.MaxRetries,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: float64(cfg.LLM.RequestsPerMin) / 60,
	}
	if cfg.LLM.FallbackBaseURL != "" {
		llmCfg.Fallback = &llm.Provider{
			Name:    "fallback",
			BaseURL: cfg.LLM.FallbackBaseURL,
			APIKey:  cfg.LLM.FallbackAPIKey,
			Model:   cfg.LLM.Model,
		}
	}
	return llm.NewClient(llmCfg, logger)
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
