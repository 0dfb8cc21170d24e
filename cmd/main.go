package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/services/aggregator"
	"github.com/dcaflow/dca_service/internal/domain/services/balance"
	"github.com/dcaflow/dca_service/internal/domain/services/dca"
	"github.com/dcaflow/dca_service/internal/domain/services/execution"
	"github.com/dcaflow/dca_service/internal/domain/services/quote"
	"github.com/dcaflow/dca_service/internal/infrastructure/adapters/pricefeed"
	"github.com/dcaflow/dca_service/internal/infrastructure/adapters/walletd"
	"github.com/dcaflow/dca_service/internal/infrastructure/cache"
	"github.com/dcaflow/dca_service/internal/infrastructure/config"
	"github.com/dcaflow/dca_service/internal/infrastructure/database"
	"github.com/dcaflow/dca_service/internal/infrastructure/repositories"
	balance_guard_worker "github.com/dcaflow/dca_service/internal/workers/balance_guard_worker"
	order_scheduler_worker "github.com/dcaflow/dca_service/internal/workers/order_scheduler_worker"
	"github.com/dcaflow/dca_service/pkg/graceful"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting DCA service", zap.String("environment", cfg.Environment))

	// Database
	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// Redis
	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	leases := cache.NewRedisLeaseManager(redisClient.Client(), logger)

	// Aggregator adapters
	var aggregators []aggregator.Aggregator
	if cfg.Aggregators.ZeroEx.Enabled {
		aggregators = append(aggregators, aggregator.NewZeroEx(aggregator.ZeroExConfig{
			APIKey:            cfg.Aggregators.ZeroEx.APIKey,
			BaseURL:           cfg.Aggregators.ZeroEx.BaseURL,
			Priority:          1,
			RequestsPerSecond: cfg.Aggregators.ZeroEx.RatePerSecond,
		}, logger))
	}
	if cfg.Aggregators.OneInch.Enabled {
		aggregators = append(aggregators, aggregator.NewOneInch(aggregator.OneInchConfig{
			APIKey:            cfg.Aggregators.OneInch.APIKey,
			BaseURL:           cfg.Aggregators.OneInch.BaseURL,
			Priority:          2,
			RequestsPerSecond: cfg.Aggregators.OneInch.RatePerSecond,
		}, logger))
	}
	if cfg.Aggregators.Paraswap.Enabled {
		aggregators = append(aggregators, aggregator.NewParaswap(aggregator.ParaswapConfig{
			BaseURL:           cfg.Aggregators.Paraswap.BaseURL,
			ChainID:           cfg.Aggregators.Paraswap.ChainID,
			Priority:          3,
			RequestsPerSecond: cfg.Aggregators.Paraswap.RatePerSecond,
		}, logger))
	}

	breakers := aggregator.NewBreakerRegistry(aggregator.BreakerConfig{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	}, logger)

	// External service clients
	wallet := walletd.NewClient(walletd.Config{
		BaseURL: cfg.Wallet.BaseURL,
		APIKey:  cfg.Wallet.APIKey,
		Timeout: time.Duration(cfg.Wallet.Timeout) * time.Second,
	}, logger)
	oracle := pricefeed.NewClient(pricefeed.Config{
		BaseURL: cfg.PriceFeed.BaseURL,
		APIKey:  cfg.PriceFeed.APIKey,
		Timeout: time.Duration(cfg.PriceFeed.Timeout) * time.Second,
	}, logger)

	// Resolvers and scheduler
	callTimeout := time.Duration(cfg.Resolver.CallTimeout) * time.Second
	quoteResolver := quote.NewResolver(aggregators, breakers, oracle, quote.Config{
		CallTimeout: callTimeout,
	}, logger)

	swapResolver := execution.NewResolver(aggregators, breakers, execution.ResolverConfig{
		CallTimeout:          callTimeout,
		MaxPriceImpact:       decimal.NewFromInt(int64(cfg.Resolver.MaxPriceImpact)),
		SlippageBps:          cfg.Resolver.SlippageBps,
		EmergencySlippageBps: cfg.Resolver.EmergencySlippageBps,
		TrustedAggregator:    cfg.Resolver.TrustedAggregator,
	}, logger)

	orchestrator := execution.NewOrchestrator(execution.DefaultPolicies(), logger)

	orderRepo := repositories.NewDCAOrderRepository(db)
	scheduler := dca.NewService(orderRepo, swapResolver, quoteResolver, wallet, leases, orchestrator, dca.Config{
		LeaseTTL:      time.Duration(cfg.Scheduler.LeaseTTL) * time.Second,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	}, logger)

	guard := balance.NewGuard(orderRepo, wallet, logger)

	// Workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedulerWorker := order_scheduler_worker.NewWorker(scheduler,
		time.Duration(cfg.Scheduler.TickInterval)*time.Second, logger)
	go schedulerWorker.Start(ctx)

	guardWorker := balance_guard_worker.NewWorker(guard, cfg.BalanceGuard.CronSpec, logger)
	if err := guardWorker.Start(); err != nil {
		logger.Fatal("Failed to start balance guard worker", zap.Error(err))
	}

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := database.HealthCheck(db); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics server listening", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Shutdown: workers first, then connections
	shutdown := graceful.NewShutdownManager(logger)
	shutdown.Register("database", graceful.StopperFunc(func() { db.Close() }))
	shutdown.Register("redis", graceful.StopperFunc(func() { redisClient.Close() }))
	if metricsServer != nil {
		shutdown.Register("metrics", graceful.StopperFunc(func() {
			sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer scancel()
			metricsServer.Shutdown(sctx)
		}))
	}
	shutdown.Register("balance_guard", guardWorker)
	shutdown.Register("scheduler", graceful.StopperFunc(func() {
		schedulerWorker.Stop()
		cancel()
	}))

	shutdown.WaitForShutdown()
}

func newLogger(cfg *config.Config) *zap.Logger {
	var logger *zap.Logger
	var err error
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
