package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-lifecycle-engine/internal/client"
	"github.com/pesio-ai/be-lifecycle-engine/internal/consistency"
	"github.com/pesio-ai/be-lifecycle-engine/internal/handler"
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository"
	"github.com/pesio-ai/be-lifecycle-engine/internal/repository/memory"
	"github.com/pesio-ai/be-lifecycle-engine/internal/service"
	"github.com/pesio-ai/be-lifecycle-engine/migrations"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/auth"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/config"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/database"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/logger"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Engine.StoreDriver).
		Msg("Starting Lifecycle Engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize stores
	stores, closeStores := openStores(ctx, cfg, log)
	defer closeStores()

	// Redis threshold cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, thresholds will be read from the store")
		}
		stores.Thresholds = client.NewThresholdCache(rdb, stores.Thresholds, cfg.Redis.CacheTTL, log.Logger)
		log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.CacheTTL).Msg("Threshold cache enabled")
	}

	// NATS event publisher
	var conn client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, lifecycle events disabled")
		} else {
			defer nc.Drain()
			conn = nc
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	events := client.NewEventPublisher(conn, cfg.NATS.SubjectPrefix, log.Logger)

	// Initialize services
	svc := service.NewLifecycleService(stores, events, service.Options{
		Thresholds: thresholdsFrom(cfg.Engine.Thresholds),
		Audit: service.AuditWriterConfig{
			QueueSize:    cfg.Engine.AuditQueueSize,
			Workers:      cfg.Engine.AuditWorkers,
			WriteTimeout: cfg.Engine.AuditTimeout,
		},
		Cascade: service.CascadeConfig{
			Attempts: cfg.Engine.CascadeAttempts,
			Delay:    cfg.Engine.CascadeDelay,
		},
		Read: consistency.Options{
			Name:            "records",
			MaxAttempts:     cfg.Engine.ReadMaxAttempts,
			Delay:           cfg.Engine.ReadDelay,
			MaxWait:         cfg.Engine.ReadMaxWait,
			BreakerFailures: 5,
			BreakerTimeout:  10 * time.Second,
		},
	}, log)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	handler.NewHTTPHandler(svc, log).RegisterRoutes(mux)

	// Apply middleware
	var h http.Handler = mux
	h = auth.Middleware(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS(cfg.Server.AllowedOrigins)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	handler.RegisterLifecycleServer(grpcServer, handler.NewGRPCHandler(svc, log))
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	// Drain queued audit entries before the pools close.
	if err := svc.Flush(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Audit queue not drained before shutdown deadline")
	}
	svc.Close()

	log.Info().Msg("Server stopped")
}

// openStores builds the persistence layer for the configured driver.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (service.Stores, func()) {
	if cfg.Engine.StoreDriver == "memory" {
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		store := memory.New()
		return service.Stores{
			Records:    store.Records(),
			Approvals:  store.Approvals(),
			Activity:   store.Activity(),
			Finance:    store.Finance(),
			Stock:      store.Stock(),
			Thresholds: store.Thresholds(),
		}, func() {}
	}

	primaryCfg := dbConfig(cfg.Database)
	db, err := database.New(ctx, primaryCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(primaryCfg, migrations.FS, log.Logger); err != nil {
			db.Close()
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	replica := db
	if cfg.Replica.Enabled() {
		replica, err = database.New(ctx, dbConfig(cfg.Replica))
		if err != nil {
			db.Close()
			log.Fatal().Err(err).Msg("Failed to connect to read replica")
		}
		log.Info().Str("host", cfg.Replica.Host).Msg("Read replica connection established")
	}

	stores := service.Stores{
		Records:    repository.NewRecordRepository(db, replica),
		Approvals:  repository.NewApprovalRequestRepository(db),
		Activity:   repository.NewActivityLogRepository(db),
		Finance:    repository.NewFinanceRepository(db),
		Stock:      repository.NewStockRepository(db),
		Thresholds: repository.NewThresholdRepository(db),
	}
	return stores, func() {
		if replica != db {
			replica.Close()
		}
		db.Close()
	}
}

func dbConfig(c config.DatabaseConfig) database.Config {
	return database.Config{
		Host:        c.Host,
		Port:        c.Port,
		User:        c.User,
		Password:    c.Password,
		Database:    c.Database,
		SSLMode:     c.SSLMode,
		MaxConns:    c.MaxConns,
		MinConns:    c.MinConns,
		MaxConnTime: c.MaxConnTime,
		MaxIdleTime: c.MaxIdleTime,
		HealthCheck: c.HealthCheck,
	}
}

// thresholdsFrom layers the configured overrides on the built-in thresholds.
func thresholdsFrom(overrides map[string]decimal.Decimal) lifecycle.Thresholds {
	th := make(lifecycle.Thresholds, len(overrides))
	for key, v := range overrides {
		th[lifecycle.EntityType(strings.ToUpper(key))] = v
	}
	return lifecycle.DefaultThresholds().Merge(th)
}
