package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-occupancy/internal/auth"
	"ms-occupancy/internal/bans"
	"ms-occupancy/internal/bans/ban_api"
	bandb "ms-occupancy/internal/bans/db"
	"ms-occupancy/internal/changefeed"
	"ms-occupancy/internal/config"
	"ms-occupancy/internal/database/migrations"
	"ms-occupancy/internal/errorlog"
	"ms-occupancy/internal/kafka"
	"ms-occupancy/internal/logger"
	"ms-occupancy/internal/metrics"
	"ms-occupancy/internal/models"
	"ms-occupancy/internal/occupancy"
	occdb "ms-occupancy/internal/occupancy/db"
	"ms-occupancy/internal/occupancy/occupancy_api"
	rediswrap "ms-occupancy/internal/occupancy/redis"
	"ms-occupancy/internal/scans"
	scandb "ms-occupancy/internal/scans/db"
	"ms-occupancy/internal/scans/scan_api"
	"ms-occupancy/internal/utils"
)

func connectDatabase(cfg config.DatabaseConfig, logger *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := max(cfg.ConnectRetries, 1)

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		sqldb.Close()
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	logger.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

// startChangeFeed picks where committed changes go. With Kafka every instance
// publishes and reads the topic back into its own emitter, so SSE clients see
// writes made on any instance.
func startChangeFeed(ctx context.Context, cfg config.KafkaConfig, emitter *changefeed.Emitter, logger *logger.Logger) (occupancy.Notifier, func()) {
	if !cfg.Enabled {
		logger.Info("KAFKA", "Kafka disabled, change feed is local to this instance")
		return changefeed.NewFanout(emitter), func() {}
	}

	if err := kafka.EnsureTopicsExist(cfg.Brokers, []string{cfg.Topic}, cfg.Partitions, logger); err != nil {
		logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	} else {
		logger.Info("KAFKA", "Required topics ensured successfully")
	}

	producer := kafka.NewProducer(cfg.Brokers, cfg.Topic, logger)
	consumer := kafka.NewConsumer(cfg.Brokers, cfg.Topic, "occupancy-feed-"+uuid.NewString(), logger)
	go consumer.Start(ctx, func(change models.OccupancyChange) {
		emitter.Notify(ctx, change)
	})
	logger.Info("KAFKA", fmt.Sprintf("Change feed publishing to %s", cfg.Topic))

	return changefeed.NewFanout(producer), func() {
		if err := producer.Close(); err != nil {
			logger.Error("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
		if err := consumer.Close(); err != nil {
			logger.Error("KAFKA", fmt.Sprintf("Failed to close consumer: %v", err))
		}
	}
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Occupancy Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bunDB := connectDatabase(cfg.Database, log)
	defer bunDB.Close()

	if cfg.Ledger.AutoMigrate {
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: cfg.Ledger.MigrationsDir, AutoMigrate: true}, log)
		if err := runner.RunMigrations(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		runner.Close()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := auth.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis unavailable, continuing without cache and area locks: %v", err))
		} else {
			redisClient = client
			defer redisClient.Close()
		}
	}

	verifier, err := auth.NewVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.JWTSecret)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to configure token verification: %v", err))
	}

	var authz occupancy.Authorizer = auth.NewScopeAuthorizer(bunDB)
	var locker occupancy.AreaLocker
	if redisClient != nil {
		authz = auth.NewCachedAuthorizer(authz, redisClient, cfg.Redis.AuthzCacheTTL, log)
		if cfg.Redis.AreaLockEnabled {
			locker = rediswrap.NewAreaLock(redisClient, cfg.Redis.LockTTL, cfg.Redis.LockWait, log)
			log.Info("REDIS", "Per-area write lock enabled")
		}
	}

	emitter := changefeed.NewEmitter()
	notifier, closeFeed := startChangeFeed(ctx, cfg.Kafka, emitter, log)
	defer closeFeed()

	reporter := errorlog.NewReporter(bunDB, log)
	defer reporter.Wait()

	banService := bans.NewBanService(&bandb.DB{Bun: bunDB}, authz, log)
	occupancyService := occupancy.NewService(&occdb.DB{Bun: bunDB}, authz, banService, locker, notifier, log)
	occupancyService.DefaultTimezone = cfg.Ledger.DefaultTimezone
	scanService := scans.NewScanService(&scandb.DB{Bun: bunDB}, occupancyService, authz, cfg.Ledger.MinEntryAge, log)

	occupancyHandler := occupancy_api.NewHandler(occupancyService, emitter, reporter, log)
	banHandler := ban_api.NewHandler(banService, log)
	scanHandler := scan_api.NewHandler(scanService, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	// --- Public Routes ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			utils.SendError(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable")
			return
		}
		utils.SendSuccess(w, http.StatusOK, "ok", nil)
	})
	r.Handle("/metrics", promhttp.Handler())

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(metrics.Instrument(log))
		r.Use(auth.Middleware(verifier, log))
		log.Info("AUTH", "JWT middleware applied to protected API routes")

		r.Route("/api", func(r chi.Router) {
			occupancyHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Occupancy routes registered under /api/occupancy")

			banHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Ban routes registered under /api/bans")

			scanHandler.RegisterRoutes(r)
			log.Info("ROUTER", "Scan routes registered under /api/scans")
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Occupancy Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	// Cancelling first ends open SSE streams so Shutdown does not wait on them.
	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Occupancy Service shutdown complete")
	}
}
