package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	// Initialize OpenTelemetry
	tp, err := initTracer(cfg)
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down tracer", zap.Error(err))
		}
	}()

	mp, err := initMetrics(cfg)
	if err != nil {
		logger.Fatal("failed to initialize metrics", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down meter", zap.Error(err))
		}
	}()

	metrics, err := NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	// Initialize database
	dbPool, err := initDB(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer dbPool.Close()

	rdb, err := initRedis(cfg)
	if err != nil {
		logger.Fatal("failed to initialize redis", zap.Error(err))
	}
	defer rdb.Close()

	cipher, err := NewFieldCipherFromBase64(cfg.FieldKey)
	if err != nil {
		logger.Fatal("failed to initialize field cipher", zap.Error(err))
	}

	// Initialize dependencies
	repository := NewLedgerRepository(dbPool, cipher)
	ledgerLocker := NewRedisLocker(rdb, cfg.CachePrefix+LedgerLockNamespace, cfg.LockTTL)
	topUpLocker := NewRedisLocker(rdb, cfg.CachePrefix+TopUpLockNamespace, cfg.LockTTL)
	cache := NewRedisCorrelationCache(rdb, cfg.CachePrefix)
	gateway := NewBkashGateway(cfg.Gateway, logger)

	walletUseCase := NewWalletUseCase(repository, ledgerLocker, logger, metrics)
	orchestrator := NewTopUpOrchestrator(gateway, cache, repository, walletUseCase, topUpLocker, OrchestratorConfig{
		AgreementCallbackURL: cfg.AgreementCallbackURL(),
		PaymentCallbackURL:   cfg.PaymentCallbackURL(),
		CorrelationTTL:       cfg.CorrelationTTL,
		CreditRetries:        cfg.CreditRetries,
		CreditRetryDelay:     cfg.CreditRetryDelay,
	}, logger, metrics)
	handler := NewWalletHandler(walletUseCase, orchestrator, NewPDFStatementRenderer(), cfg.FrontendURL, logger)

	// Setup Gin router
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(Locale())
	handler.RegisterRoutes(r, SessionAuth([]byte(cfg.JWTSecret), logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("wallet service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down wallet service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func initDB(cfg *Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 30
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("connected to wallet database")
			if _, err := pool.Exec(ctx, schemaSQL); err != nil {
				pool.Close()
				return nil, fmt.Errorf("failed to apply schema: %w", err)
			}
			return pool, nil
		}
		logger.Info("waiting for database", zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initRedis(cfg *Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}
