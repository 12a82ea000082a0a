// Package orchestrator consumes the control and results channels and drives
// batch executions through their state machines: dispatching worker jobs for
// init and phase steps, applying worker results, advancing per-member step
// chains, running rollback sequences, and settling phase and batch
// completion.
//
// Handlers are idempotent. Every status change is compare-and-set in the
// store, so a redelivered event or a concurrent replica observes zero
// affected rows and backs off without side effects. Handlers return an error
// only for transient store or transport failures, which leaves the message
// unacknowledged for redelivery; malformed payloads are logged and dropped
// because redelivery cannot improve them.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/metrics"
)

// DefaultGroup is the consumer group shared by orchestrator replicas. All
// replicas must use the same group so the bus partitions work between them
// instead of duplicating it.
const DefaultGroup = "cutover-orchestrator"

// Config holds the orchestrator's consumer tuning. The control and results
// subscriptions carry independent group ids so deployments can split them
// across fleets; by default both share DefaultGroup.
type Config struct {
	// ControlGroup is the consumer-group id for the control subscription.
	ControlGroup string

	// ResultsGroup is the consumer-group id for the results subscription.
	ResultsGroup string
}

// LoadConfig reads orchestrator configuration from environment variables,
// falling back to development defaults.
func LoadConfig() *Config {
	return &Config{
		ControlGroup: config.GetEnvStr("ORCHESTRATOR_CONTROL_GROUP", DefaultGroup),
		ResultsGroup: config.GetEnvStr("ORCHESTRATOR_RESULTS_GROUP", DefaultGroup),
	}
}

// Stores bundles the storage dependencies of the orchestrator.
type Stores struct {
	Runbooks RunbookStore
	Batches  BatchStore
	Execs    ExecutionStore
}

// Orchestrator owns the control and results consumers.
type Orchestrator struct {
	cfg          *Config
	busCfg       *bus.Config
	stores       Stores
	publisher    bus.Publisher
	subscriber   bus.Subscriber
	materializer *execution.Materializer
	logger       *slog.Logger
}

// New creates an orchestrator over the given stores, publisher, and
// subscriber.
func New(cfg *Config, busCfg *bus.Config, stores Stores, publisher bus.Publisher, subscriber bus.Subscriber) *Orchestrator {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	return &Orchestrator{
		cfg:          cfg,
		busCfg:       busCfg,
		stores:       stores,
		publisher:    publisher,
		subscriber:   subscriber,
		materializer: execution.NewMaterializer(logger),
		logger:       logger,
	}
}

// Run consumes the control and results channels until the context is
// cancelled. Each subscription blocks on its own goroutine; the first
// subscription failure tears the other down and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)

	go func() {
		errc <- o.subscriber.Subscribe(runCtx, o.busCfg.ControlTopic, o.cfg.ControlGroup, o.HandleControl)
	}()

	go func() {
		errc <- o.subscriber.Subscribe(runCtx, o.busCfg.ResultsTopic, o.cfg.ResultsGroup, o.HandleResult)
	}()

	o.logger.Info("orchestrator started",
		slog.String("control_topic", o.busCfg.ControlTopic),
		slog.String("results_topic", o.busCfg.ResultsTopic),
		slog.String("control_group", o.cfg.ControlGroup),
		slog.String("results_group", o.cfg.ResultsGroup))

	var firstErr error

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}

		cancel()
	}

	o.logger.Info("orchestrator stopped")

	return firstErr
}

// HandleControl routes one control-channel message to its event handler.
// Exported so deployments embedding an in-process bus can register it
// directly.
func (o *Orchestrator) HandleControl(ctx context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeBatchInit:
		return o.handleBatchInit(ctx, msg)
	case bus.TypePhaseDue:
		return o.handlePhaseDue(ctx, msg)
	case bus.TypeMemberAdded:
		return o.handleMemberAdded(ctx, msg)
	case bus.TypeMemberRemoved:
		return o.handleMemberRemoved(ctx, msg)
	case bus.TypePollCheck:
		return o.handlePollCheck(ctx, msg)
	case bus.TypeRetryCheck:
		return o.handleRetryCheck(ctx, msg)
	default:
		o.logger.Warn("unrecognized control message dropped",
			slog.String("message_id", msg.ID),
			slog.String("message_type", string(msg.Type)))

		return nil
	}
}

// HandleResult applies one worker outcome from the results channel.
func (o *Orchestrator) HandleResult(ctx context.Context, msg bus.Message) error {
	if msg.Type != bus.TypeResult {
		o.logger.Warn("unrecognized results message dropped",
			slog.String("message_id", msg.ID),
			slog.String("message_type", string(msg.Type)))

		return nil
	}

	var res bus.Result
	if err := bus.DecodePayload(msg, &res); err != nil {
		o.logger.Warn("undecodable result dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	if !res.Status.IsValid() {
		o.logger.Warn("result with unrecognized status dropped",
			slog.String("job_id", res.JobID),
			slog.String("status", string(res.Status)))

		return nil
	}

	metrics.RecordWorkerResult(string(res.Status))

	if res.CorrelationData.IsInitStep {
		if res.CorrelationData.InitExecutionID == 0 {
			o.logger.Warn("init result without correlation dropped", slog.String("job_id", res.JobID))

			return nil
		}

		return o.applyInitResult(ctx, &res)
	}

	if res.CorrelationData.StepExecutionID == 0 {
		o.logger.Warn("step result without correlation dropped", slog.String("job_id", res.JobID))

		return nil
	}

	return o.applyStepResult(ctx, &res)
}
