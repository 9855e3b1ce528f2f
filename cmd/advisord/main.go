// Package main provides the entry point for the advisor backend. It wires
// the regime classifier, the promotion pipeline, the risk monitor, and the
// capital allocator behind the operator API, with either PostgreSQL or
// in-memory repositories depending on configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantfolio/advisor-backend/internal/allocation"
	"github.com/quantfolio/advisor-backend/internal/api"
	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/cache"
	"github.com/quantfolio/advisor-backend/internal/config"
	"github.com/quantfolio/advisor-backend/internal/lifecycle"
	"github.com/quantfolio/advisor-backend/internal/marketdata"
	"github.com/quantfolio/advisor-backend/internal/metrics"
	"github.com/quantfolio/advisor-backend/internal/promotion"
	"github.com/quantfolio/advisor-backend/internal/regime"
	"github.com/quantfolio/advisor-backend/internal/risk"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/internal/store/postgres"
	"github.com/quantfolio/advisor-backend/internal/volatility"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

const auditQueueSize = 256

func main() {
	configPath := flag.String("config", "", "Path to config file (optional, env vars apply on top)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting advisor backend",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("postgres", cfg.Database.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repositories. An empty DSN selects the in-memory store.
	var (
		orders      store.OrderReader
		scores      store.ScoreReader
		backtests   store.BacktestReader
		deployments store.DeploymentRepo
		metricRepo  store.MetricRepo
		auditWriter audit.Writer
	)
	if cfg.Database.DSN != "" {
		db, err := postgres.Connect(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()

		pg := postgres.NewStore(db, logger, cfg.Database.QueryTimeout)
		orders, scores, backtests, deployments, metricRepo = pg, pg, pg, pg, pg
		auditWriter = postgres.NewAuditWriter(db, cfg.Database.QueryTimeout)
	} else {
		logger.Warn("No database configured, using in-memory repositories")
		mem := store.NewMemoryStore()
		orders, scores, backtests, deployments, metricRepo = mem, mem, mem, mem, mem
		auditWriter = audit.NewZapWriter(logger)
	}

	auditSink := audit.NewSink(logger, auditWriter, auditQueueSize)
	defer auditSink.Close()

	var ttlCache cache.Cache
	if cfg.Redis.Addr != "" {
		ttlCache = cache.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
	} else {
		ttlCache = cache.NewMemory()
	}

	// Market data feed.
	marketConfig := marketdata.DefaultConfig()
	if cfg.MarketData.RestURL != "" {
		marketConfig.RestURL = cfg.MarketData.RestURL
	}
	if cfg.MarketData.WebsocketURL != "" {
		marketConfig.WSURL = cfg.MarketData.WebsocketURL
	}
	if len(cfg.MarketData.Symbols) > 0 {
		marketConfig.Symbols = cfg.MarketData.Symbols
	}
	marketData := marketdata.NewService(logger, marketConfig)

	volCalculator := volatility.NewCalculator(logger, nil)

	regimeConfig := regime.DefaultConfig()
	regimeConfig.RefreshInterval = cfg.Scheduler.RegimeRefreshInterval
	if len(marketConfig.Symbols) > 0 {
		regimeConfig.Symbol = marketConfig.Symbols[0]
	}
	regimeSvc := regime.NewService(logger, regimeConfig, marketData, volCalculator, ttlCache, auditSink)
	regimeGate := regime.NewGate(logger, regimeSvc)

	lifecycleSvc := lifecycle.NewService(logger, lifecycle.DefaultConfig(), deployments, auditSink)
	promotionSvc := promotion.NewService(logger, promotion.DefaultThresholds(), deployments, metricRepo, regimeSvc, auditSink)
	riskMonitor := risk.NewMonitor(logger, risk.DefaultLimits(), deployments, metricRepo, lifecycleSvc, auditSink)
	allocator := allocation.NewAllocator(logger, allocation.DefaultConfig(), orders, scores, allocation.DefaultPolicy, auditSink)

	appMetrics := metrics.New()
	allocator.SetMetrics(appMetrics)
	promotionSvc.SetMetrics(appMetrics)

	serverDeps := api.Deps{
		Regime:      regimeSvc,
		Gate:        regimeGate,
		Allocator:   allocator,
		Promotion:   promotionSvc,
		Risk:        riskMonitor,
		Lifecycle:   lifecycleSvc,
		Deployments: deployments,
		Scores:      scores,
		Backtests:   backtests,
	}
	if cfg.Server.EnableMetrics {
		serverDeps.MetricsHandler = appMetrics.Handler()
	}
	server := api.NewServer(logger, &cfg.Server, serverDeps)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := marketData.Start(ctx); err != nil {
			logger.Error("Market data service error", zap.Error(err))
		}
	}()

	regimeSvc.Init(ctx)
	appMetrics.SetRegime(string(regimeSvc.GetCompositeRegime()))

	go runRegimeRefresh(ctx, logger, regimeSvc, appMetrics, cfg.Scheduler.RegimeRefreshInterval)
	go runRiskSweep(ctx, logger, riskMonitor, deployments, appMetrics, cfg.Scheduler.RiskCheckInterval)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Advisor backend started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("regime", string(regimeSvc.GetCompositeRegime())),
		zap.Bool("metricsEnabled", cfg.Server.EnableMetrics),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	marketData.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Advisor backend stopped")
}

// runRegimeRefresh re-classifies the market regime on a fixed interval.
func runRegimeRefresh(ctx context.Context, logger *zap.Logger, svc *regime.Service, m *metrics.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Refresh(ctx); err != nil {
				logger.Error("Regime refresh failed", zap.Error(err))
				m.RegimeRefreshesTotal.WithLabelValues("error").Inc()
				continue
			}
			m.RegimeRefreshesTotal.WithLabelValues("ok").Inc()
			m.SetRegime(string(svc.GetCompositeRegime()))
		}
	}
}

// runRiskSweep evaluates every active deployment on a fixed interval and
// auto-demotes breaching ones.
func runRiskSweep(ctx context.Context, logger *zap.Logger, monitor *risk.Monitor, deployments store.DeploymentRepo, m *metrics.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evals, err := monitor.EvaluateAll(ctx)
			if err != nil {
				logger.Error("Risk sweep failed", zap.Error(err))
				continue
			}
			for _, eval := range evals {
				m.RiskEvaluationsTotal.Inc()
				for _, check := range eval.Checks {
					if !check.Passed {
						m.RiskCheckFailures.WithLabelValues(check.Check, string(check.Severity)).Inc()
					}
				}
				if eval.Demoted {
					m.AutoDemotionsTotal.Inc()
				}
			}
			if count, err := deployments.CountByStatus(ctx, types.DeploymentStatusActive); err == nil {
				m.ActiveDeployments.Set(float64(count))
			}
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
