package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roiko/ev-server/internal/config"
	"github.com/roiko/ev-server/internal/handler"
	"github.com/roiko/ev-server/internal/integration"
	"github.com/roiko/ev-server/internal/session"
	"github.com/roiko/ev-server/internal/station"
	"github.com/roiko/ev-server/internal/storage"
	"github.com/roiko/ev-server/internal/transport"
)

const (
	appName    = "ev-server"
	appVersion = "1.0.0"
)

func main() {
	configPath := flag.String("conf", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Error loading config: %v", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg)
	logger.Info("Starting OCPP server",
		slog.String("version", appVersion),
		slog.String("app", appName))

	// Initialize MongoDB connection
	ctx := context.Background()
	mongoClient, err := storage.NewMongoDBClient(ctx, &cfg.MongoDB, logger)
	if err != nil {
		logger.Error("Failed to connect to MongoDB", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("MongoDB connection established")

	store := storage.NewFacade(mongoClient)
	locks := storage.NewLockService(mongoClient)

	// Deferred-work scheduler for everything kept off the hot path
	scheduler := integration.NewScheduler(16, logger)

	// Integrations. The built-in implementations are replaced by the real
	// pricing/billing/roaming bridges in deployments that carry them.
	var pricer integration.Pricer = integration.NoopPricer{}
	if cfg.Pricing.Enabled {
		pricer = integration.NewSimplePricer(cfg.Pricing.PriceKWH, cfg.Pricing.Currency)
	}
	roaming := integration.NoopRoaming{}
	notifier := integration.NewLogNotifier(logger)
	classifier := integration.ThresholdClassifier{
		WarningSecs: cfg.OCPP.InactivityWarningSecs,
		ErrorSecs:   cfg.OCPP.InactivityErrorSecs,
	}
	cdr := integration.NewCdrDispatcher(roaming, locks, logger)
	smart := integration.NewLockedSmartCharging(integration.NoopSmartCharging{}, locks, logger)

	// Transaction engine
	engine := session.NewEngine(session.EngineDeps{
		Store:      store,
		Pricer:     pricer,
		Biller:     integration.NoopBiller{},
		Roaming:    roaming,
		Cdr:        cdr,
		Smart:      smart,
		Notifier:   notifier,
		Classifier: classifier,
		Scheduler:  scheduler,
		Config:     &cfg.OCPP,
		Logger:     logger,
	})

	// Dispatcher and transports. The JSON transport doubles as the command
	// channel for the post-boot configuration push.
	dispatcher := handler.NewDispatcher(store, nil, engine, logger)
	jsonServer := transport.NewJSONServer(dispatcher, logger)

	// Station registry
	registry := station.NewRegistry(station.RegistryDeps{
		Store:     store,
		Sessions:  engine,
		Templates: station.DefaultTemplateCatalog(),
		Roaming:   roaming,
		Smart:     smart,
		Notifier:  notifier,
		Scheduler: scheduler,
		Commander: jsonServer,
		Config:    &cfg.OCPP,
		Logger:    logger,
	})
	dispatcher.SetRegistry(registry)

	soapServer := transport.NewSOAPServer(dispatcher, logger)

	// Set up HTTP server
	mux := http.NewServeMux()
	jsonServer.Register(mux)
	soapServer.Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := mongoClient.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy","version":"%s"}`, appVersion)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","version":"%s"}`, appVersion)
	})

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting HTTP server", slog.String("address", serverAddr))
		var err error
		if cfg.Server.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed to start", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	logger.Info("OCPP server started", slog.String("address", serverAddr))

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}

	jsonServer.Shutdown()

	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to drain scheduler", slog.String("error", err.Error()))
	}

	if err := mongoClient.Close(shutdownCtx); err != nil {
		logger.Error("Failed to close MongoDB connection", slog.String("error", err.Error()))
	}

	logger.Info("Server stopped")
}

// initLogger initializes the structured logger using slog
func initLogger(cfg *config.Config) *slog.Logger {
	var logFile *os.File
	var err error

	if cfg.Logging.Output != "stdout" {
		logFile, err = os.OpenFile(cfg.Logging.Output, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("error opening log file: ", err)
		}
	}

	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}
	switch cfg.Logging.Level {
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	out := os.Stdout
	if logFile != nil {
		out = logFile
	}

	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
