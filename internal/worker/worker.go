// Package worker provides the reference runtime for migration step
// functions. A Worker subscribes to the jobs channel, picks out the jobs
// addressed to its worker id, runs the registered function for each, and
// reports the outcome on the results channel.
//
// Retry and rollback decisions live in the orchestrator: the worker runs a
// function exactly once per delivered job and reports what happened. A
// function that cannot take the work right now returns ErrThrottled (bare or
// wrapped), which sets the throttled flag on the failure result so the
// orchestrator retries without consuming the step's retry budget.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/config"
)

// ErrThrottled marks a failure as load shedding rather than a broken step.
var ErrThrottled = errors.New("worker throttled")

// Function is a callable step implementation. It receives the job's
// parameters after placeholder resolution and returns the JSON body recorded
// as the step result; a nil body records a plain boolean success. Polling
// functions return PollPending or PollComplete bodies.
type Function func(ctx context.Context, params map[string]string) (json.RawMessage, error)

// Config holds worker identity and consumer tuning.
type Config struct {
	// WorkerID is the identity jobs are addressed to. It must match the
	// worker_id of the runbook steps this worker serves.
	WorkerID string

	// Group is the consumer-group id for the jobs subscription. Replicas
	// sharing a worker id must share a group so the bus splits partitions
	// between them; distinct worker ids need distinct groups so each sees
	// the full jobs stream.
	Group string
}

// LoadConfig reads worker configuration from environment variables, falling
// back to development defaults.
func LoadConfig() *Config {
	id := config.GetEnvStr("WORKER_ID", "local")

	return &Config{
		WorkerID: id,
		Group:    config.GetEnvStr("WORKER_GROUP", GroupFor(id)),
	}
}

// GroupFor derives the default consumer group for a worker id.
func GroupFor(workerID string) string {
	return "cutover-worker-" + workerID
}

// Worker executes jobs addressed to one worker id.
type Worker struct {
	cfg        *Config
	busCfg     *bus.Config
	publisher  bus.Publisher
	subscriber bus.Subscriber
	logger     *slog.Logger

	mu        sync.RWMutex
	functions map[string]Function
}

// New creates a worker over the given transport.
func New(cfg *Config, busCfg *bus.Config, publisher bus.Publisher, subscriber bus.Subscriber) *Worker {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	return &Worker{
		cfg:        cfg,
		busCfg:     busCfg,
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With(slog.String("worker_id", cfg.WorkerID)),
		functions:  make(map[string]Function),
	}
}

// Register binds a function name to its implementation. Names must be
// unique per worker.
func (w *Worker) Register(name string, fn Function) error {
	if name == "" {
		return errors.New("function name cannot be empty")
	}

	if fn == nil {
		return fmt.Errorf("function %s: implementation cannot be nil", name)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.functions[name]; exists {
		return fmt.Errorf("function %s: already registered", name)
	}

	w.functions[name] = fn

	return nil
}

func (w *Worker) lookup(name string) (Function, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	fn, ok := w.functions[name]

	return fn, ok
}

// Run consumes the jobs channel until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.String("jobs_topic", w.busCfg.JobsTopic),
		slog.String("group", w.cfg.Group))

	err := w.subscriber.Subscribe(ctx, w.busCfg.JobsTopic, w.cfg.Group, w.HandleJob)

	w.logger.Info("worker stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// HandleJob runs one jobs-channel message if it is addressed to this worker.
// Exported so deployments embedding an in-process bus can register it
// directly. Jobs for other worker ids are acknowledged untouched; their
// owner consumes them through its own group.
func (w *Worker) HandleJob(ctx context.Context, msg bus.Message) error {
	if msg.Type != bus.TypeJob {
		w.logger.Warn("unrecognized jobs message dropped",
			slog.String("message_id", msg.ID),
			slog.String("message_type", string(msg.Type)))

		return nil
	}

	var job bus.Job
	if err := bus.DecodePayload(msg, &job); err != nil {
		w.logger.Warn("undecodable job dropped",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))

		return nil
	}

	if job.WorkerID != w.cfg.WorkerID {
		return nil
	}

	res := w.execute(ctx, &job)

	if err := w.publisher.Publish(ctx, w.busCfg.ResultsTopic, bus.NewResultMessage(res)); err != nil {
		return fmt.Errorf("publishing result for job %s: %w", job.JobID, err)
	}

	return nil
}

// execute runs the job's function and shapes the outcome into a result
// envelope. Panics in function code become failure results with the stack
// attached, so one broken step cannot take the consumer loop down.
func (w *Worker) execute(ctx context.Context, job *bus.Job) bus.Result {
	started := time.Now()

	payload, err := w.call(ctx, job)

	res := bus.Result{
		JobID:           job.JobID,
		DurationMs:      time.Since(started).Milliseconds(),
		Timestamp:       time.Now().UTC(),
		CorrelationData: job.CorrelationData,
	}

	if err != nil {
		res.Status = bus.ResultFailure
		res.Error = &bus.WorkerError{
			Message:     err.Error(),
			IsThrottled: errors.Is(err, ErrThrottled),
			Attempts:    1,
		}

		var pe *panicError
		if errors.As(err, &pe) {
			res.Error.StackTrace = pe.stack
		}

		w.logger.Warn("job failed",
			slog.String("job_id", job.JobID),
			slog.String("function", job.FunctionName),
			slog.Bool("throttled", res.Error.IsThrottled),
			slog.String("error", err.Error()))

		return res
	}

	res.Status = bus.ResultSuccess

	if len(payload) > 0 {
		res.ResultType = bus.ResultKindObject
		res.Result = payload
	} else {
		res.ResultType = bus.ResultKindBoolean
		res.Result = json.RawMessage("true")
	}

	w.logger.Info("job completed",
		slog.String("job_id", job.JobID),
		slog.String("function", job.FunctionName),
		slog.Int64("duration_ms", res.DurationMs))

	return res
}

func (w *Worker) call(ctx context.Context, job *bus.Job) (payload json.RawMessage, err error) {
	fn, ok := w.lookup(job.FunctionName)
	if !ok {
		return nil, fmt.Errorf("no function named %s registered on worker %s", job.FunctionName, w.cfg.WorkerID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	return fn(ctx, job.Parameters)
}

// panicError preserves the stack of a recovered function panic for the
// failure result.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("function panicked: %v", e.value)
}

// PollPending is the success body a polling function returns while its work
// is still running. The orchestrator keeps the step polling.
func PollPending() json.RawMessage {
	return json.RawMessage(`{"complete":false}`)
}

// PollComplete wraps data in the success body that finishes a polling step,
// with data recorded as the step result.
func PollComplete(data any) (json.RawMessage, error) {
	body := struct {
		Complete bool `json:"complete"`
		Data     any  `json:"data,omitempty"`
	}{Complete: true, Data: data}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding poll completion: %w", err)
	}

	return raw, nil
}
