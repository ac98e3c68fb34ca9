package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	httpapi "fleet-dashboard/internal/api/http"
	"fleet-dashboard/internal/config"
	"fleet-dashboard/internal/dashboard"
	"fleet-dashboard/internal/logger"
	"fleet-dashboard/internal/push"
	"fleet-dashboard/internal/repository/postgres"
	"fleet-dashboard/internal/session"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.dev.yaml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file loaded before environment overrides")
	once := flag.Bool("once", false, "Fetch every collection once, print the dashboard state and exit")
	relay := flag.Bool("relay", false, "Forward Postgres change notifications to Redis instead of serving the dashboard")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting fleet dashboard...", "log_level", cfg.Log.Level, "log_format", cfg.Log.Format)
	logger.Info("Database configuration", "host", cfg.Database.Host, "port", cfg.Database.Port, "database", cfg.Database.Database, "user", cfg.Database.User)
	logger.Info("Push configuration", "mode", cfg.Push.Mode, "url", cfg.Push.URL, "redis", cfg.Push.RedisAddr)

	// Initialize Database
	db, err := postgres.Open(cfg.GetDatabaseConnectionString())
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	if cfg.Database.Migrate {
		if err := postgres.Migrate(context.Background(), db); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		logger.Info("Database schema applied")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *relay {
		runRelay(ctx, cfg)
		return
	}

	store := postgres.NewStore(db)
	sess := session.NewProvider(session.NewTokenManager(cfg.Auth.JWTSecret), cfg.Auth.AdminRole)
	if cfg.Auth.SessionToken != "" {
		actor, err := sess.SetToken(cfg.Auth.SessionToken)
		if err != nil {
			log.Fatalf("Invalid dashboard session token: %v", err)
		}
		logger.Info("Dashboard session established", "actor_id", actor.ID, "is_admin", actor.IsAdmin)
	} else if cfg.Push.Mode == config.PushWebsocket {
		logger.Warn("No dashboard session token, the notification endpoint may refuse subscriptions")
	}

	// Initialize push channel
	var ch push.Channel
	switch cfg.Push.Mode {
	case config.PushWebsocket:
		ws := push.NewWSChannel(cfg.Push.URL, sess.Token)
		defer ws.Close()
		ch = ws
	case config.PushPostgres:
		pg := push.NewPGChannel(cfg.GetDatabaseConnectionString(), cfg.Push.RetryBase, cfg.Push.RetryMax)
		defer pg.Close()
		ch = pg
	case config.PushRedis:
		rdb := newRedisClient(cfg)
		defer rdb.Close()
		rc := push.NewRedisChannel(rdb)
		defer rc.Close()
		ch = rc
	default:
		logger.Warn("Push channel disabled, polling is the only refresh source")
	}

	dash := dashboard.New(store, ch, sess, dashboard.Config{
		CacheDuration:    cfg.Cache.CacheDuration,
		StaleDuration:    cfg.Cache.StaleDuration,
		Debounce:         cfg.Cache.Debounce,
		PageSize:         cfg.Cache.PageSize,
		SubscribeTimeout: cfg.Push.SubscribeTimeout,
		RetryBase:        cfg.Push.RetryBase,
		RetryMax:         cfg.Push.RetryMax,
		DegradedInterval: cfg.Polling.DegradedInterval,
		LiveInterval:     cfg.Polling.LiveInterval,
	})

	if err := dash.Mount(ctx); err != nil {
		log.Fatalf("Failed to mount dashboard: %v", err)
	}
	defer dash.Unmount()

	if *once {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(dash.State()); err != nil {
			log.Fatalf("Failed to write state: %v", err)
		}
		return
	}

	router := mux.NewRouter()
	httpapi.RegisterDashboardRoutes(router, dash, sess)
	srv := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down fleet dashboard...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}
	logger.Info("Fleet dashboard stopped. Goodbye!")
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Push.RedisAddr,
		Password: cfg.Push.RedisPassword,
	})
}

// runRelay republishes row change notifications from Postgres on Redis so
// dashboards in redis push mode do not each hold a LISTEN connection.
func runRelay(ctx context.Context, cfg *config.Config) {
	if cfg.Push.RedisAddr == "" {
		log.Fatalf("Relay mode requires push.redis_addr")
	}
	rdb := newRedisClient(cfg)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	pg := push.NewPGChannel(cfg.GetDatabaseConnectionString(), cfg.Push.RetryBase, cfg.Push.RetryMax)
	defer pg.Close()

	logger.Info("Relaying change notifications", "redis", cfg.Push.RedisAddr)
	if err := push.NewRelay(pg, rdb).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Relay stopped", "error", err)
		return
	}
	logger.Info("Relay stopped")
}
