package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"qms/walkin-service/internal/config"
	"qms/walkin-service/internal/httpapi"
	"qms/walkin-service/internal/logging"
	"qms/walkin-service/internal/service"
	"qms/walkin-service/internal/staff"
	"qms/walkin-service/internal/store"
	"qms/walkin-service/internal/store/memory"
	"qms/walkin-service/internal/store/postgres"
	"qms/walkin-service/internal/telemetry"
	"qms/walkin-service/internal/waittime"
)

const serviceName = "walkin-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	err = run(cfg, logger)
	if err != nil {
		logger.Error("service stopped", zap.Error(err))
	}
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run wires the service and blocks until a shutdown signal or a server
// failure. Deferred cleanup always runs before it returns.
func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	var st store.Store
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
	default:
		logger.Warn("using in-memory store; state is lost on restart")
		st = memory.New()
	}

	var cache waittime.Cache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = client.Close() }()
		cache = waittime.NewRedisCache(client, cfg.WaitTimeCacheTTL)
	} else {
		cache = waittime.NewMemoryCache(cfg.WaitTimeCacheTTL, nil)
	}

	averages := waittime.NewResolver(cache, st, waittime.ResolverConfig{
		FallbackMinutes: cfg.DefaultServiceMinutes,
		Lookback:        cfg.AverageLookback,
	}, logger)

	svc := service.New(st, staff.NewView(st, nil), averages, service.Options{
		MaxAttempts:          cfg.JoinMaxAttempts,
		RetryDelay:           cfg.JoinRetryDelay,
		AutoCreateQueue:      cfg.AutoCreateQueue,
		DefaultMaxSize:       cfg.DefaultMaxSize,
		DefaultLateClientCap: cfg.DefaultLateCap,
		Location:             cfg.QueueTimezone,
	}, logger)

	handler := httpapi.NewHandler(svc, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:       cfg.RateLimitPerMinute,
		IPBurst:           cfg.RateLimitBurst,
		LocationPerMinute: cfg.LocationRateLimitPerMinute,
		LocationBurst:     cfg.LocationRateLimitBurst,
	})
	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(limiter.Middleware(handler.Routes())), serviceName)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	var runErr error
	select {
	case <-stop:
	case err := <-serverErr:
		runErr = fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return runErr
}
