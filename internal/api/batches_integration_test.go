package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cutover-io/cutover/internal/bus"
	"github.com/cutover-io/cutover/internal/execution"
	"github.com/cutover-io/cutover/internal/orchestrator"
	"github.com/cutover-io/cutover/internal/runbook"
)

// registerAndActivate registers the YAML through the API and activates the
// version it was assigned.
func (h *harness) registerAndActivate(t *testing.T, yamlText string) *execution.Runbook {
	t.Helper()

	def, err := runbook.Parse([]byte(yamlText))
	require.NoError(t, err)

	rr := h.send(t, http.MethodPost, "/api/v1/runbooks", CreateRunbookRequest{Name: def.Name, YAML: yamlText})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	var created execution.Runbook
	decodeJSON(t, rr, &created)

	rr = h.send(t, http.MethodPost,
		fmt.Sprintf("/api/v1/runbooks/%s/versions/%d/activate", created.Name, created.Version), nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	var activated execution.Runbook
	decodeJSON(t, rr, &activated)

	return &activated
}

// publishedJobs decodes every message on the jobs channel, in order.
func (h *harness) publishedJobs(t *testing.T) []bus.Job {
	t.Helper()

	msgs := h.transport.Published(h.busCfg.JobsTopic)
	decoded := make([]bus.Job, 0, len(msgs))

	for _, msg := range msgs {
		var job bus.Job
		require.NoError(t, bus.DecodePayload(msg, &job))

		decoded = append(decoded, job)
	}

	return decoded
}

// reportJobSuccess publishes a successful worker result for the job. The
// subscribed orchestrator handles it before this returns.
func (h *harness) reportJobSuccess(ctx context.Context, t *testing.T, job bus.Job) {
	t.Helper()

	require.NoError(t, h.transport.Publish(ctx, h.busCfg.ResultsTopic, bus.NewResultMessage(bus.Result{
		JobID:           job.JobID,
		Status:          bus.ResultSuccess,
		ResultType:      bus.ResultKindObject,
		Result:          json.RawMessage(`{"ok":true}`),
		DurationMs:      12,
		Timestamp:       time.Now().UTC(),
		CorrelationData: job.CorrelationData,
	})))
}

// completeJobsFrom reports success for every job published at or after the
// index and returns the new high-water mark. A success can make the
// orchestrator dispatch a member's next step synchronously, so the loop
// runs until the jobs channel stops growing.
func (h *harness) completeJobsFrom(ctx context.Context, t *testing.T, from int) int {
	t.Helper()

	for {
		jobs := h.publishedJobs(t)
		if from == len(jobs) {
			return from
		}

		next := len(jobs)
		for _, job := range jobs[from:] {
			h.reportJobSuccess(ctx, t, job)
		}

		from = next
	}
}

const walletRunbookYAML = `
name: wallet-cutover
data_source:
  type: csv
  connection: WALLET_CUTOVER_CSV
  primary_key: user_id
  batch_time: column
  batch_time_column: cutover_at
init:
  - name: provision-tenant
    worker_id: infra
    function: provision_tenant
phases:
  - name: prepare
    offset: T-30m
    steps:
      - name: snapshot-wallet
        worker_id: wallet
        function: snapshot_wallet
        params:
          user: "{{user_id}}"
  - name: cutover
    offset: T-0
    steps:
      - name: switch-routing
        worker_id: edge
        function: switch_routing
        params:
          user: "{{user_id}}"
`

func TestManualBatchLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	h.registerAndActivate(t, walletRunbookYAML)

	// Create the batch with two members.
	rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		RunbookName: "wallet-cutover",
		Members: []BatchMemberRequest{
			{MemberKey: "u1", Data: map[string]any{"user_id": "u1", "region": "eu"}},
			{MemberKey: "u2", Data: map[string]any{"user_id": "u2", "region": "us"}},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	var created CreateBatchResponse
	decodeJSON(t, rr, &created)

	require.NotNil(t, created.Batch)
	assert.True(t, created.Batch.IsManual)
	assert.Nil(t, created.Batch.BatchStartTime, "manual batches have no start time")
	assert.Equal(t, execution.BatchDetected, created.Batch.Status)
	require.NotNil(t, created.Batch.CreatedBy)
	assert.Equal(t, h.clientID, *created.Batch.CreatedBy, "the authenticated client is recorded")
	require.Len(t, created.Members, 2)
	assert.Empty(t, created.ExcludedKeys)

	batchID := created.Batch.ID
	require.NotZero(t, batchID)

	batchPath := fmt.Sprintf("/api/v1/batches/%d", batchID)
	advancePath := batchPath + "/advance"

	// Everything starts pending: no due times, no step rows yet.
	rr = h.send(t, http.MethodGet, batchPath, nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	var detail BatchDetailResponse
	decodeJSON(t, rr, &detail)

	assert.Equal(t, "wallet-cutover", detail.RunbookName)
	assert.Len(t, detail.Members, 2)
	require.Len(t, detail.Phases, 2)

	for _, phase := range detail.Phases {
		assert.Equal(t, execution.PhasePending, phase.Phase.Status)
		assert.Nil(t, phase.Phase.DueAt, "manual phases carry no due time")
		assert.Empty(t, phase.Steps, "step rows materialize at dispatch")
	}

	assert.Equal(t, map[string]int{string(execution.StepPending): 1}, detail.Inits)

	// First advance dispatches the init stage.
	rr = h.send(t, http.MethodPost, advancePath, nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	var outcome orchestrator.AdvanceOutcome
	decodeJSON(t, rr, &outcome)
	assert.Equal(t, orchestrator.AdvanceInitDispatched, outcome.Action)

	jobs := h.publishedJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, "provision_tenant", jobs[0].FunctionName)
	assert.Equal(t, "infra", jobs[0].WorkerID)

	// Advancing past an unfinished init stage is refused.
	rr = h.send(t, http.MethodPost, advancePath, nil)
	problem := verifyProblem(t, rr, http.StatusConflict)
	assert.Contains(t, problem["detail"], "in flight")

	// Init success activates the batch without another advance.
	mark := h.completeJobsFrom(ctx, t, 0)

	fetched, err := h.batches.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, execution.BatchActive, fetched.Status)

	// Second advance dispatches the first phase, in declaration order.
	rr = h.send(t, http.MethodPost, advancePath, nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	decodeJSON(t, rr, &outcome)
	assert.Equal(t, orchestrator.AdvancePhaseDispatched, outcome.Action)
	assert.Equal(t, "prepare", outcome.Phase)

	// One job per member, with the member's data resolved into params.
	jobs = h.publishedJobs(t)
	require.Len(t, jobs, 3)

	users := []string{jobs[1].Parameters["user"], jobs[2].Parameters["user"]}
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
	assert.Equal(t, "snapshot_wallet", jobs[1].FunctionName)

	// The dispatched phase blocks further advancement until it settles.
	rr = h.send(t, http.MethodPost, advancePath, nil)
	verifyProblem(t, rr, http.StatusConflict)

	mark = h.completeJobsFrom(ctx, t, mark)

	// Third advance dispatches the second phase.
	rr = h.send(t, http.MethodPost, advancePath, nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	decodeJSON(t, rr, &outcome)
	assert.Equal(t, orchestrator.AdvancePhaseDispatched, outcome.Action)
	assert.Equal(t, "cutover", outcome.Phase)

	h.completeJobsFrom(ctx, t, mark)

	// The last phase settles the batch without a closing advance.
	fetched, err = h.batches.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, execution.BatchCompleted, fetched.Status)

	rr = h.send(t, http.MethodGet, batchPath, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	decodeJSON(t, rr, &detail)
	assert.Equal(t, execution.BatchCompleted, detail.Batch.Status)
	assert.Equal(t, map[string]int{string(execution.StepCompleted): 1}, detail.Inits)

	for _, phase := range detail.Phases {
		assert.Equal(t, execution.PhaseCompleted, phase.Phase.Status)
		assert.Equal(t, map[string]int{string(execution.StepCompleted): 2}, phase.Steps,
			"one completed step row per member")
	}

	// A settled batch refuses further advancement.
	rr = h.send(t, http.MethodPost, advancePath, nil)
	problem = verifyProblem(t, rr, http.StatusConflict)
	assert.Contains(t, problem["detail"], "terminal")
}

func TestManualBatchMemberExclusionIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	h.registerAndActivate(t, walletRunbookYAML)

	rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		RunbookName: "wallet-cutover",
		Members: []BatchMemberRequest{
			{MemberKey: "u1", Data: map[string]any{"user_id": "u1"}},
			{MemberKey: "u2", Data: map[string]any{"user_id": "u2"}},
		},
	})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	t.Run("members already migrating are excluded", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
			Members: []BatchMemberRequest{
				{MemberKey: "u2", Data: map[string]any{"user_id": "u2"}},
				{MemberKey: "u3", Data: map[string]any{"user_id": "u3"}},
			},
		})
		require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

		var created CreateBatchResponse
		decodeJSON(t, rr, &created)

		assert.Equal(t, []string{"u2"}, created.ExcludedKeys)
		require.Len(t, created.Members, 1)
		assert.Equal(t, "u3", created.Members[0].MemberKey)
	})

	t.Run("a fully excluded batch is refused", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
			Members:     []BatchMemberRequest{{MemberKey: "u1"}},
		})

		problem := verifyProblem(t, rr, http.StatusConflict)
		assert.Contains(t, problem["detail"], "already migrating")
	})
}

func TestManualBatchCancellationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	h.registerAndActivate(t, walletRunbookYAML)

	rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		RunbookName: "wallet-cutover",
		Members:     []BatchMemberRequest{{MemberKey: "u1", Data: map[string]any{"user_id": "u1"}}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	var created CreateBatchResponse
	decodeJSON(t, rr, &created)
	batchID := created.Batch.ID

	batchPath := fmt.Sprintf("/api/v1/batches/%d", batchID)

	// Dispatch the init stage, then cancel mid-flight.
	rr = h.send(t, http.MethodPost, batchPath+"/advance", nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	rr = h.send(t, http.MethodPost, batchPath+"/cancel", CancelBatchRequest{Reason: "wrong maintenance window"})
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())

	var cancelled CancelBatchResponse
	decodeJSON(t, rr, &cancelled)
	assert.Equal(t, batchID, cancelled.BatchID)
	assert.Equal(t, string(execution.BatchFailed), cancelled.Status)

	// The batch is failed and its open init execution cancelled.
	rr = h.send(t, http.MethodGet, batchPath, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var detail BatchDetailResponse
	decodeJSON(t, rr, &detail)
	assert.Equal(t, execution.BatchFailed, detail.Batch.Status)
	assert.Equal(t, map[string]int{string(execution.StepCancelled): 1}, detail.Inits)

	// Terminal batches refuse a second cancel and any advance.
	rr = h.send(t, http.MethodPost, batchPath+"/cancel", nil)
	problem := verifyProblem(t, rr, http.StatusConflict)
	assert.Contains(t, problem["detail"], "terminal")

	rr = h.send(t, http.MethodPost, batchPath+"/advance", nil)
	verifyProblem(t, rr, http.StatusConflict)

	// The failed batch no longer holds its member key, so a follow-up
	// batch can take it. Cancel works without a body too.
	rr = h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		RunbookName: "wallet-cutover",
		Members:     []BatchMemberRequest{{MemberKey: "u1", Data: map[string]any{"user_id": "u1"}}},
	})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	decodeJSON(t, rr, &created)
	assert.Empty(t, created.ExcludedKeys)

	rr = h.send(t, http.MethodPost, fmt.Sprintf("/api/v1/batches/%d/cancel", created.Batch.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, "body: %s", rr.Body.String())
}

func TestManualBatchValidationIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	// Registered but never activated: creation must refuse it.
	rr := h.send(t, http.MethodPost, "/api/v1/runbooks", CreateRunbookRequest{
		Name: "wallet-cutover",
		YAML: walletRunbookYAML,
	})
	require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

	t.Run("unknown runbook", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "ghost-cutover",
			Members:     []BatchMemberRequest{{MemberKey: "u1"}},
		})

		problem := verifyProblem(t, rr, http.StatusNotFound)
		assert.Contains(t, problem["detail"], "no active version")
	})

	t.Run("runbook without an active version", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
			Members:     []BatchMemberRequest{{MemberKey: "u1"}},
		})
		verifyProblem(t, rr, http.StatusNotFound)
	})

	t.Run("missing runbook name", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			Members: []BatchMemberRequest{{MemberKey: "u1"}},
		})

		problem := verifyProblem(t, rr, http.StatusBadRequest)
		assert.Equal(t, "Field 'runbookName' is required", problem["detail"])
	})

	t.Run("empty member list", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
		})

		problem := verifyProblem(t, rr, http.StatusBadRequest)
		assert.Equal(t, "Member array cannot be empty", problem["detail"])
	})

	t.Run("blank member key", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
			Members:     []BatchMemberRequest{{MemberKey: "  "}},
		})

		problem := verifyProblem(t, rr, http.StatusBadRequest)
		assert.Contains(t, problem["detail"], "missing 'memberKey'")
	})

	t.Run("duplicate member key", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
			Members:     []BatchMemberRequest{{MemberKey: "u1"}, {MemberKey: "u1"}},
		})

		problem := verifyProblem(t, rr, http.StatusBadRequest)
		assert.Equal(t, "Duplicate member key: u1", problem["detail"])
	})

	t.Run("non-json content type", func(t *testing.T) {
		rr := h.sendRaw(t, http.MethodPost, "/api/v1/batches", "text/plain", "members=u1")
		verifyProblem(t, rr, http.StatusUnsupportedMediaType)
	})

	t.Run("empty body", func(t *testing.T) {
		rr := h.sendRaw(t, http.MethodPost, "/api/v1/batches", "application/json", "")
		verifyProblem(t, rr, http.StatusBadRequest)
	})

	t.Run("batch lookups validate the id", func(t *testing.T) {
		rr := h.send(t, http.MethodGet, "/api/v1/batches/nope", nil)
		problem := verifyProblem(t, rr, http.StatusBadRequest)
		assert.Equal(t, "Batch id must be a positive integer", problem["detail"])

		rr = h.send(t, http.MethodGet, "/api/v1/batches/999999", nil)
		verifyProblem(t, rr, http.StatusNotFound)

		rr = h.send(t, http.MethodPost, "/api/v1/batches/0/advance", nil)
		verifyProblem(t, rr, http.StatusBadRequest)

		rr = h.send(t, http.MethodPost, "/api/v1/batches/999999/advance", nil)
		verifyProblem(t, rr, http.StatusNotFound)

		rr = h.send(t, http.MethodPost, "/api/v1/batches/999999/cancel", nil)
		verifyProblem(t, rr, http.StatusNotFound)
	})

	t.Run("cancel rejects a malformed body", func(t *testing.T) {
		rr := h.send(t, http.MethodPost, "/api/v1/runbooks/wallet-cutover/versions/1/activate", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		rr = h.send(t, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
			RunbookName: "wallet-cutover",
			Members:     []BatchMemberRequest{{MemberKey: "u9", Data: map[string]any{"user_id": "u9"}}},
		})
		require.Equal(t, http.StatusCreated, rr.Code, "body: %s", rr.Body.String())

		var created CreateBatchResponse
		decodeJSON(t, rr, &created)

		cancelPath := fmt.Sprintf("/api/v1/batches/%d/cancel", created.Batch.ID)

		rr = h.sendRaw(t, http.MethodPost, cancelPath, "application/json", "{oops")
		problem := verifyProblem(t, rr, http.StatusBadRequest)
		assert.Contains(t, problem["detail"], "Invalid JSON")

		rr = h.sendRaw(t, http.MethodPost, cancelPath, "text/plain", "reason=abort")
		verifyProblem(t, rr, http.StatusUnsupportedMediaType)
	})
}

func TestAdvanceRejectsSchedulerBatchIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	h := newHarness(ctx, t)

	rb := h.registerAndActivate(t, walletRunbookYAML)

	// A scheduler-driven batch carries a start time; build one directly.
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	batch := &execution.Batch{
		RunbookID:      rb.ID,
		BatchStartTime: &start,
		Status:         execution.BatchDetected,
	}
	members := []*execution.BatchMember{
		{MemberKey: "u1", DataJSON: `{"user_id":"u1"}`, Status: execution.MemberActive},
	}
	require.NoError(t, h.batches.CreateBatch(ctx, batch, members, nil, nil))

	rr := h.send(t, http.MethodPost, fmt.Sprintf("/api/v1/batches/%d/advance", batch.ID), nil)

	problem := verifyProblem(t, rr, http.StatusConflict)
	assert.Contains(t, problem["detail"], "not manual")
}
