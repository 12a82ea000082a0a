package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/bus"
)

// newTestWorker wires a worker to an in-memory bus. Publishing a job message
// runs HandleJob synchronously, so results are observable immediately after
// Publish returns.
func newTestWorker(ctx context.Context, t *testing.T, workerID string) (*Worker, *bus.InMemoryBus, *bus.Config) {
	t.Helper()

	transport := bus.NewInMemoryBus()
	busCfg := &bus.Config{
		ControlTopic: bus.DefaultControlTopic,
		JobsTopic:    bus.DefaultJobsTopic,
		ResultsTopic: bus.DefaultResultsTopic,
	}

	w := New(&Config{WorkerID: workerID, Group: GroupFor(workerID)}, busCfg, transport, transport)
	require.NoError(t, transport.Subscribe(ctx, busCfg.JobsTopic, GroupFor(workerID), w.HandleJob))

	return w, transport, busCfg
}

func paymentsJob(id, function string) bus.Job {
	return bus.Job{
		JobID:        id,
		BatchID:      7,
		WorkerID:     "payments",
		FunctionName: function,
		Parameters:   map[string]string{"account": "acct-9"},
		CorrelationData: bus.CorrelationData{
			StepExecutionID: 31,
			RunbookName:     "payments-cutover",
			RunbookVersion:  2,
		},
	}
}

func publishedResults(t *testing.T, transport *bus.InMemoryBus, busCfg *bus.Config) []bus.Result {
	t.Helper()

	msgs := transport.Published(busCfg.ResultsTopic)

	results := make([]bus.Result, 0, len(msgs))

	for _, msg := range msgs {
		var res bus.Result
		require.NoError(t, bus.DecodePayload(msg, &res))

		results = append(results, res)
	}

	return results
}

func TestWorker_SuccessResultCarriesBody(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "payments")

	var gotParams map[string]string

	require.NoError(t, w.Register("switch_routing", func(_ context.Context, params map[string]string) (json.RawMessage, error) {
		gotParams = params

		return json.RawMessage(`{"routed":"acct-9"}`), nil
	}))

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-1", "switch_routing"))))

	assert.Equal(t, map[string]string{"account": "acct-9"}, gotParams)

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, bus.ResultSuccess, res.Status)
	assert.Equal(t, bus.ResultKindObject, res.ResultType)
	assert.JSONEq(t, `{"routed":"acct-9"}`, string(res.Result))
	assert.Nil(t, res.Error)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
	assert.False(t, res.Timestamp.IsZero())

	// Correlation data comes back untouched so the orchestrator can match
	// the result to its step execution.
	assert.Equal(t, int64(31), res.CorrelationData.StepExecutionID)
	assert.Equal(t, "payments-cutover", res.CorrelationData.RunbookName)
	assert.Equal(t, 2, res.CorrelationData.RunbookVersion)

	msgs := transport.Published(busCfg.ResultsTopic)
	assert.Equal(t, "result-job-1", msgs[0].ID)
	assert.Equal(t, bus.TypeResult, msgs[0].Type)
}

func TestWorker_NilBodyBecomesBooleanSuccess(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "payments")

	require.NoError(t, w.Register("freeze_ledger", func(_ context.Context, _ map[string]string) (json.RawMessage, error) {
		return nil, nil
	}))

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-2", "freeze_ledger"))))

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 1)

	assert.Equal(t, bus.ResultSuccess, results[0].Status)
	assert.Equal(t, bus.ResultKindBoolean, results[0].ResultType)
	assert.Equal(t, "true", string(results[0].Result))
}

func TestWorker_FailureResult(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "payments")

	require.NoError(t, w.Register("switch_routing", func(_ context.Context, _ map[string]string) (json.RawMessage, error) {
		return nil, errors.New("ledger is locked by another migration")
	}))

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-3", "switch_routing"))))

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, bus.ResultFailure, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "ledger is locked by another migration", res.Error.Message)
	assert.False(t, res.Error.IsThrottled)
	assert.Equal(t, 1, res.Error.Attempts)
	assert.Empty(t, res.Error.StackTrace)
	assert.False(t, res.Throttled())
}

func TestWorker_ThrottledErrorSetsFlag(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "payments")

	require.NoError(t, w.Register("switch_routing", func(_ context.Context, _ map[string]string) (json.RawMessage, error) {
		return nil, fmt.Errorf("rate limited upstream: %w", ErrThrottled)
	}))

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-4", "switch_routing"))))

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 1)

	require.NotNil(t, results[0].Error)
	assert.True(t, results[0].Error.IsThrottled)
	assert.True(t, results[0].Throttled())
	assert.Contains(t, results[0].Error.Message, "rate limited upstream")
}

func TestWorker_UnregisteredFunctionFails(t *testing.T) {
	ctx := context.Background()
	_, transport, busCfg := newTestWorker(ctx, t, "payments")

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-5", "mint_tokens"))))

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 1)

	assert.Equal(t, bus.ResultFailure, results[0].Status)
	require.NotNil(t, results[0].Error)
	assert.Contains(t, results[0].Error.Message, "no function named mint_tokens")
	assert.False(t, results[0].Error.IsThrottled)
}

func TestWorker_PanicBecomesFailureWithStack(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "payments")

	require.NoError(t, w.Register("switch_routing", func(_ context.Context, _ map[string]string) (json.RawMessage, error) {
		panic("nil routing table")
	}))

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-6", "switch_routing"))))

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, bus.ResultFailure, res.Status)
	require.NotNil(t, res.Error)
	assert.Contains(t, res.Error.Message, "function panicked: nil routing table")
	assert.NotEmpty(t, res.Error.StackTrace)
}

func TestWorker_IgnoresJobsForOtherWorkers(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "wallet")

	called := false

	require.NoError(t, w.Register("switch_routing", func(_ context.Context, _ map[string]string) (json.RawMessage, error) {
		called = true

		return nil, nil
	}))

	// Addressed to the payments worker, not this one.
	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-7", "switch_routing"))))

	assert.False(t, called)
	assert.Empty(t, publishedResults(t, transport, busCfg))
}

func TestWorker_DropsForeignMessageTypes(t *testing.T) {
	ctx := context.Background()
	_, transport, busCfg := newTestWorker(ctx, t, "payments")

	stray := bus.Message{ID: "stray-1", Type: bus.TypePhaseDue, Payload: []byte(`{}`)}
	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, stray))

	undecodable := bus.Message{ID: "stray-2", Type: bus.TypeJob, Payload: []byte(`{not json`)}
	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, undecodable))

	assert.Empty(t, publishedResults(t, transport, busCfg))
}

func TestWorker_RegisterRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorker(ctx, t, "payments")

	noop := func(_ context.Context, _ map[string]string) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, w.Register("switch_routing", noop))

	err := w.Register("switch_routing", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.Error(t, w.Register("", noop))
	require.Error(t, w.Register("freeze_ledger", nil))
}

func TestWorker_PollBodiesFollowConvention(t *testing.T) {
	ctx := context.Background()
	w, transport, busCfg := newTestWorker(ctx, t, "payments")

	calls := 0

	require.NoError(t, w.Register("verify_balances", func(_ context.Context, _ map[string]string) (json.RawMessage, error) {
		calls++
		if calls < 2 {
			return PollPending(), nil
		}

		return PollComplete(map[string]any{"checked": 4096})
	}))

	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-8", "verify_balances"))))
	require.NoError(t, transport.Publish(ctx, busCfg.JobsTopic, bus.NewJobMessage(paymentsJob("job-9", "verify_balances"))))

	results := publishedResults(t, transport, busCfg)
	require.Len(t, results, 2)

	complete, _, ok := results[0].PollOutcome()
	require.True(t, ok)
	assert.False(t, complete)

	complete, data, ok := results[1].PollOutcome()
	require.True(t, ok)
	assert.True(t, complete)
	assert.JSONEq(t, `{"checked":4096}`, string(data))
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	transport := bus.NewInMemoryBus()
	busCfg := &bus.Config{JobsTopic: bus.DefaultJobsTopic, ResultsTopic: bus.DefaultResultsTopic}
	w := New(&Config{WorkerID: "payments", Group: GroupFor("payments")}, busCfg, transport, transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The in-memory Subscribe returns immediately, so Run comes back once
	// its subscription is registered.
	require.NoError(t, w.Run(ctx))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("WORKER_ID", "")
	t.Setenv("WORKER_GROUP", "")

	cfg := LoadConfig()
	assert.Equal(t, "local", cfg.WorkerID)
	assert.Equal(t, "cutover-worker-local", cfg.Group)

	t.Setenv("WORKER_ID", "edge")

	cfg = LoadConfig()
	assert.Equal(t, "edge", cfg.WorkerID)
	assert.Equal(t, "cutover-worker-edge", cfg.Group)

	t.Setenv("WORKER_GROUP", "edge-fleet-blue")

	cfg = LoadConfig()
	assert.Equal(t, "edge-fleet-blue", cfg.Group)
}
