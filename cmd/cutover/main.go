// Package main provides the Cutover admin API server.
//
// The server exposes runbook registration and activation, manual batch
// control, and the health and metrics endpoints. Batch execution itself
// happens in the scheduler and orchestrator services; this process only
// writes intent (runbooks, manual batches, advance and cancel requests)
// and publishes the resulting control events.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cutover-io/cutover/internal/api"
	"github.com/cutover-io/cutover/internal/api/middleware"
	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "cutover"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Cutover admin API",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	middlewareConfig := middleware.LoadConfig()

	// Rate limiter shutdown is handled by server.shutdown().
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("client_rps", middlewareConfig.ClientRPS),
		slog.Int("client_burst", middlewareConfig.ClientBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	var apiKeyStore storage.APIKeyStore

	authEnabled := config.GetEnvBool("CUTOVER_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("Client authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Client authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set CUTOVER_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	runbookStore, err := storage.NewRunbookStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create runbook store", err)
	}

	batchStore, err := storage.NewBatchStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create batch store", err)
	}

	executionStore, err := storage.NewExecutionStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create execution store", err)
	}

	deferredStore, err := storage.NewDeferredMessageStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create deferred message store", err)
	}

	busConfig := bus.LoadConfig()
	publisher := bus.NewKafkaPublisher(busConfig.Brokers, deferredStore)

	defer func() {
		_ = publisher.Close()
	}()

	logger.Info("Bus publisher initialized",
		slog.Any("brokers", busConfig.Brokers),
		slog.String("control_topic", busConfig.ControlTopic),
		slog.String("jobs_topic", busConfig.JobsTopic),
	)

	// The manual advance and cancel endpoints run through the orchestrator's
	// batch controller. This process only publishes; the orchestrator
	// service consumes, so no subscriber is wired here.
	controller := orchestrator.New(
		orchestrator.LoadConfig(),
		busConfig,
		orchestrator.Stores{Runbooks: runbookStore, Batches: batchStore, Execs: executionStore},
		publisher,
		nil,
	)

	server := api.NewServer(
		serverConfig,
		api.Stores{Runbooks: runbookStore, Batches: batchStore, Execs: executionStore},
		controller,
		apiKeyStore,
		rateLimiter,
	)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Cutover admin API stopped")
}

// fatal logs the error, closes the database connection, and exits. Deferred
// cleanup does not run past os.Exit, so the close is explicit.
func fatal(logger *slog.Logger, dbConn *storage.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = dbConn.Close()

	os.Exit(1)
}
