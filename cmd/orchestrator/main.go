// Package main provides the Cutover orchestrator service.
//
// The orchestrator consumes the control and results topics: it dispatches
// worker jobs for init and phase steps, applies worker results to the step
// state machine, schedules polls and retries, runs rollback sequences, and
// settles phase and batch completion. Replicas share a consumer group, so
// adding processes splits partitions rather than duplicating work.
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
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/metrics"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "orchestrator"
)

// defaultDedupTTL is how long consumed message ids are remembered. It must
// exceed the longest plausible redelivery window, which Kafka bounds by the
// topic retention.
const defaultDedupTTL = 24 * time.Hour

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

	orchestratorConfig := orchestrator.LoadConfig()
	busConfig := bus.LoadConfig()
	storageConfig := storage.LoadConfig()

	logger.Info("Starting Cutover orchestrator",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("control_group", orchestratorConfig.ControlGroup),
		slog.String("results_group", orchestratorConfig.ResultsGroup),
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

	deferredStore, err := storage.NewDeferredMessageStore(dbConn)
	if err != nil {
		fatal(logger, dbConn, "Failed to create deferred message store", err)
	}

	dedupTTL := config.GetEnvDuration("BUS_DEDUP_TTL", defaultDedupTTL)

	dedupStore, err := storage.NewMessageDedupStore(dbConn, dedupTTL, storageConfig.CleanupInterval)
	if err != nil {
		fatal(logger, dbConn, "Failed to create dedup store", err)
	}

	defer func() {
		_ = dedupStore.Close()
	}()

	// Poll-check and retry-check messages are scheduled in the future; the
	// publisher parks them in the deferred store and the scheduler's pump
	// releases them when due.
	publisher := bus.NewKafkaPublisher(busConfig.Brokers, deferredStore)

	defer func() {
		_ = publisher.Close()
	}()

	subscriber := bus.NewKafkaSubscriber(busConfig.Brokers, dedupStore, busConfig.MaxDeliveries)

	defer func() {
		_ = subscriber.Close()
	}()

	logger.Info("Bus transport initialized",
		slog.Any("brokers", busConfig.Brokers),
		slog.String("control_topic", busConfig.ControlTopic),
		slog.String("jobs_topic", busConfig.JobsTopic),
		slog.String("results_topic", busConfig.ResultsTopic),
		slog.Int("max_deliveries", busConfig.MaxDeliveries),
		slog.Duration("dedup_ttl", dedupTTL),
	)

	orc := orchestrator.New(
		orchestratorConfig,
		busConfig,
		orchestrator.Stores{Runbooks: runbookStore, Batches: batchStore, Execs: executionStore},
		publisher,
		subscriber,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		metrics.Serve(ctx, config.GetEnvStr("METRICS_ADDR", ":9093"), logger)
	}()

	if err := orc.Run(ctx); err != nil {
		logger.Error("Orchestrator stopped on error", slog.String("error", err.Error()))
		stop()
		wg.Wait()
		os.Exit(1)
	}

	stop()
	wg.Wait()

	logger.Info("Cutover orchestrator stopped")
}

// fatal logs the error, closes the database connection, and exits. Deferred
// cleanup does not run past os.Exit, so the close is explicit.
func fatal(logger *slog.Logger, dbConn *storage.Connection, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))

	_ = dbConn.Close()

	os.Exit(1)
}
