// Package main provides the Cutover scheduler service.
//
// The scheduler runs the periodic tick under a storage lease: syncing
// member data from runbook sources, detecting batches, evaluating due
// phases, and sweeping poll deadlines. It also runs the deferred-message
// pump that releases poll-check and retry-check messages when they come
// due. Exactly one replica ticks at a time; the others idle on the lease.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/datasource"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/scheduler"
	"github.com/cutover-io/cutover/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "scheduler"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	schedulerConfig := scheduler.LoadConfig()
	busConfig := bus.LoadConfig()
	storageConfig := storage.LoadConfig()

	logger.Info("Starting Cutover scheduler",
		slog.String("service", name),
		slog.String("version", version),
		slog.Duration("tick_interval", schedulerConfig.TickInterval),
		slog.Duration("lease_ttl", schedulerConfig.LeaseTTL),
		slog.String("lease_name", schedulerConfig.LeaseName),
		slog.String("holder", schedulerConfig.Holder),
	)

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

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

	tableStore, err := storage.NewDynamicTableStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create dynamic table store", err)
	}

	leaseStore, err := storage.NewLeaseStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create lease store", err)
	}

	deferredStore, err := storage.NewDeferredMessageStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create deferred message store", err)
	}

	publisher := bus.NewKafkaPublisher(busConfig.Brokers, deferredStore)

	defer func() {
		_ = publisher.Close()
	}()

	logger.Info("Bus publisher initialized",
		slog.Any("brokers", busConfig.Brokers),
		slog.String("control_topic", busConfig.ControlTopic),
		slog.Duration("pump_interval", busConfig.PumpInterval),
	)

	sched := scheduler.New(
		schedulerConfig,
		busConfig,
		scheduler.Stores{
			Runbooks: runbookStore,
			Batches:  batchStore,
			Execs:    executionStore,
			Tables:   tableStore,
			Leases:   leaseStore,
		},
		datasource.NewRegistry(),
		publisher,
	)

	pump := bus.NewDeferredPump(deferredStore, publisher, busConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(3)

	go func() {
		defer wg.Done()

		pump.Run(ctx)
	}()

	go func() {
		defer wg.Done()

		metrics.Serve(ctx, config.GetEnvStr("METRICS_ADDR", ":9091"), logger)
	}()

	go func() {
		defer wg.Done()

		sched.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	logger.Info("Cutover scheduler stopped")
}

// fatal logs the error, closes the database connection, and exits. Deferred
// cleanup does not run past os.Exit, so the close is explicit.
func fatal(logger *slog.Logger, dbConn *storage.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = dbConn.Close()

	os.Exit(1)
}
