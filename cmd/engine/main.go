package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"portal-messaging/internal/config"
	"portal-messaging/internal/database"
	"portal-messaging/internal/engine"
	"portal-messaging/internal/handlers"
	"portal-messaging/internal/logging"
	"portal-messaging/internal/middleware"
	"portal-messaging/internal/utils"
	"portal-messaging/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flagEnv maps command line flags onto the environment keys the config
// loader reads, so flags override the YAML file and .env the same way.
var flagEnv = map[string]string{
	"config":    "CONFIG_FILE",
	"port":      "PORT",
	"host":      "HOST",
	"db-type":   "DB_TYPE",
	"db-url":    "DATABASE_URL",
	"sqlite":    "SQLITE_PATH",
	"log-level": "LOG_LEVEL",
	"debug":     "DEBUG",
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("engine", pflag.ContinueOnError)
	flagSet.String("config", "", "path to a YAML config file")
	flagSet.Int("port", 8080, "HTTP port")
	flagSet.String("host", "0.0.0.0", "HTTP listen address")
	flagSet.String("db-type", "postgres", "persistence backend: postgres, sqlite, mongo or memory")
	flagSet.String("db-url", "", "database connection URI")
	flagSet.String("sqlite", "", "SQLite database file")
	flagSet.String("log-level", "info", "debug, info, warn or error")
	flagSet.Bool("debug", false, "enable the development token endpoint and a default JWT secret")
	noColor := flagSet.Bool("no-color", false, "disable colored log output")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	flagSet.Visit(func(f *pflag.Flag) {
		if key, ok := flagEnv[f.Name]; ok {
			os.Setenv(key, f.Value.String())
		}
	})

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.Setup(cfg.LogLevel, !*noColor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := utils.NewMetricsCollector(registry)

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	db, err := database.Open(openCtx, cfg.Database)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", cfg.Database.Type, err)
	}

	// Initialize actor system
	system := actor.NewActorSystem()
	eng := engine.NewEngine(system, db, metrics, engine.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		PersistTimeout: cfg.Server.PersistTimeout,
		Logger:         logger,
	})

	// A subscription is allowed when the user may read the conversation.
	hub := websocket.NewHub(func(ctx context.Context, userID, conversationID uuid.UUID) error {
		_, err := eng.GetConversation(ctx, conversationID, userID)
		return err
	}, logger)
	hub.Attach(eng.Events())
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	server := handlers.NewServer(cfg, eng, metrics, auth, hub, db)
	server.Gatherer = registry
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	httpServer := &http.Server{
		Addr:              cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           server.Router(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", httpServer.Addr, "database", cfg.Database.Type, "debug", cfg.Debug)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Detach(eng.Events())
	stopHub()
	<-hub.Done()
	eng.Shutdown()
	system.Shutdown()
	if err := db.Close(shutdownCtx); err != nil {
		slog.Warn("database close", "error", err)
	}
	return nil
}
