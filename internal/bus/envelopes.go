package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type (
	// BatchInitEvent announces a batch whose init steps should be
	// dispatched.
	BatchInitEvent struct {
		RunbookName    string     `json:"runbookName"`
		RunbookVersion int        `json:"runbookVersion"`
		BatchID        int64      `json:"batchId"`
		BatchStartTime *time.Time `json:"batchStartTime,omitempty"`
		MemberCount    int        `json:"memberCount"`
	}

	// PhaseDueEvent announces a phase execution whose due time has arrived
	// (or that was manually advanced). MemberIDs lists the active members
	// whose step executions were materialized for the phase.
	PhaseDueEvent struct {
		RunbookName      string     `json:"runbookName"`
		RunbookVersion   int        `json:"runbookVersion"`
		BatchID          int64      `json:"batchId"`
		PhaseExecutionID int64      `json:"phaseExecutionId"`
		PhaseName        string     `json:"phaseName"`
		OffsetMinutes    int        `json:"offsetMinutes"`
		DueAt            *time.Time `json:"dueAt,omitempty"`
		MemberIDs        []int64    `json:"memberIds"`
	}

	// MemberEvent announces a member joining or leaving an active batch.
	// The message type distinguishes the two directions.
	MemberEvent struct {
		RunbookName    string `json:"runbookName"`
		RunbookVersion int    `json:"runbookVersion"`
		BatchID        int64  `json:"batchId"`
		BatchMemberID  int64  `json:"batchMemberId"`
		MemberKey      string `json:"memberKey"`
	}

	// PollCheckEvent re-invokes a polling step after its interval.
	// StepExecutionID names an init execution when IsInitStep is set.
	PollCheckEvent struct {
		RunbookName     string `json:"runbookName"`
		RunbookVersion  int    `json:"runbookVersion"`
		BatchID         int64  `json:"batchId"`
		StepExecutionID int64  `json:"stepExecutionId"`
		StepName        string `json:"stepName"`
		PollCount       int    `json:"pollCount"`
		IsInitStep      bool   `json:"isInitStep"`
	}

	// RetryCheckEvent re-dispatches a failed execution after its retry
	// delay. StepExecutionID names an init execution when IsInitStep is
	// set.
	RetryCheckEvent struct {
		StepExecutionID int64  `json:"stepExecutionId"`
		IsInitStep      bool   `json:"isInitStep"`
		RunbookName     string `json:"runbookName"`
		RunbookVersion  int    `json:"runbookVersion"`
		BatchID         int64  `json:"batchId"`
	}

	// Job is a worker invocation. Workers filter the jobs channel on
	// WorkerID, run FunctionName with Parameters, and report the outcome
	// under the same JobID with CorrelationData echoed back.
	Job struct {
		JobID           string            `json:"jobId"`
		BatchID         int64             `json:"batchId"`
		WorkerID        string            `json:"workerId"`
		FunctionName    string            `json:"functionName"`
		Parameters      map[string]string `json:"parameters"`
		CorrelationData CorrelationData   `json:"correlationData"`
	}

	// CorrelationData ties a job (and its result) back to the execution
	// row it was dispatched for.
	CorrelationData struct {
		StepExecutionID int64  `json:"stepExecutionId,omitempty"`
		InitExecutionID int64  `json:"initExecutionId,omitempty"`
		IsInitStep      bool   `json:"isInitStep"`
		RunbookName     string `json:"runbookName"`
		RunbookVersion  int    `json:"runbookVersion"`
	}

	// Result is a worker outcome.
	Result struct {
		JobID           string          `json:"jobId"`
		Status          ResultStatus    `json:"status"`
		ResultType      string          `json:"resultType,omitempty"`
		Result          json.RawMessage `json:"result,omitempty"`
		Error           *WorkerError    `json:"error,omitempty"`
		DurationMs      int64           `json:"durationMs"`
		Timestamp       time.Time       `json:"timestamp"`
		CorrelationData CorrelationData `json:"correlationData"`
	}

	// WorkerError describes a failed job. IsThrottled marks load-shedding
	// refusals, which are retried without consuming the retry budget.
	WorkerError struct {
		Message     string `json:"message"`
		IsThrottled bool   `json:"isThrottled"`
		Attempts    int    `json:"attempts"`
		StackTrace  string `json:"stackTrace,omitempty"`
	}

	// ResultStatus is the worker-reported outcome of a job.
	ResultStatus string
)

const (
	// ResultSuccess reports the job finished successfully.
	ResultSuccess ResultStatus = "Success"

	// ResultFailure reports the job failed.
	ResultFailure ResultStatus = "Failure"
)

// Result body kinds.
const (
	ResultKindBoolean = "Boolean"
	ResultKindObject  = "Object"
)

// IsValid checks if the ResultStatus is a recognized value.
func (s ResultStatus) IsValid() bool {
	return s == ResultSuccess || s == ResultFailure
}

// Succeeded reports whether the result carries a successful status.
func (r *Result) Succeeded() bool {
	return r.Status == ResultSuccess
}

// Throttled reports whether the worker refused the job due to load.
func (r *Result) Throttled() bool {
	return r.Error != nil && r.Error.IsThrottled
}

type pollBody struct {
	Complete *bool           `json:"complete"`
	Data     json.RawMessage `json:"data"`
}

// PollOutcome interprets the polling convention in a success result body:
// {"complete": false} keeps the step polling, {"complete": true, "data": …}
// finishes it with data recorded. ok is false when the body carries no
// complete marker, meaning the step is not a polling step.
func (r *Result) PollOutcome() (complete bool, data json.RawMessage, ok bool) {
	if len(r.Result) == 0 {
		return false, nil, false
	}

	var body pollBody
	if err := json.Unmarshal(r.Result, &body); err != nil || body.Complete == nil {
		return false, nil, false
	}

	return *body.Complete, body.Data, true
}

// NewBatchInitMessage builds the control event for a newly detected batch.
// The id is deterministic per (batch, version) so a rerun of init under a new
// runbook version is a distinct message while crash-replays deduplicate.
func NewBatchInitMessage(ev BatchInitEvent) Message {
	return Message{
		ID:      fmt.Sprintf("batch-init-%d-v%d", ev.BatchID, ev.RunbookVersion),
		Type:    TypeBatchInit,
		Key:     batchKey(ev.BatchID),
		Payload: mustJSON(ev),
	}
}

// NewPhaseDueMessage builds the control event for a due phase execution.
func NewPhaseDueMessage(ev PhaseDueEvent) Message {
	return Message{
		ID:      fmt.Sprintf("phase-due-%d", ev.PhaseExecutionID),
		Type:    TypePhaseDue,
		Key:     batchKey(ev.BatchID),
		Payload: mustJSON(ev),
	}
}

// NewMemberAddedMessage builds the control event for a member joining an
// active batch.
func NewMemberAddedMessage(ev MemberEvent) Message {
	return Message{
		ID:      fmt.Sprintf("member-added-%d", ev.BatchMemberID),
		Type:    TypeMemberAdded,
		Key:     batchKey(ev.BatchID),
		Payload: mustJSON(ev),
	}
}

// NewMemberRemovedMessage builds the control event for a member leaving an
// active batch.
func NewMemberRemovedMessage(ev MemberEvent) Message {
	return Message{
		ID:      fmt.Sprintf("member-removed-%d", ev.BatchMemberID),
		Type:    TypeMemberRemoved,
		Key:     batchKey(ev.BatchID),
		Payload: mustJSON(ev),
	}
}

// NewPollCheckMessage schedules the next poll of an execution at the given
// time. The poll count makes each round a distinct message.
func NewPollCheckMessage(ev PollCheckEvent, at time.Time) Message {
	id := fmt.Sprintf("poll-check-%d-%d", ev.StepExecutionID, ev.PollCount)
	if ev.IsInitStep {
		id = fmt.Sprintf("poll-check-init-%d-%d", ev.StepExecutionID, ev.PollCount)
	}

	return Message{
		ID:          id,
		Type:        TypePollCheck,
		Key:         batchKey(ev.BatchID),
		ScheduledAt: &at,
		Payload:     mustJSON(ev),
	}
}

// NewRetryCheckMessage schedules the re-dispatch of a failed execution at
// the given time. The retry count makes each round a distinct message.
func NewRetryCheckMessage(ev RetryCheckEvent, retryCount int, at time.Time) Message {
	id := fmt.Sprintf("retry-check-%d-%d", ev.StepExecutionID, retryCount)
	if ev.IsInitStep {
		id = fmt.Sprintf("retry-check-init-%d-%d", ev.StepExecutionID, retryCount)
	}

	return Message{
		ID:          id,
		Type:        TypeRetryCheck,
		Key:         batchKey(ev.BatchID),
		ScheduledAt: &at,
		Payload:     mustJSON(ev),
	}
}

// NewJobMessage builds a jobs-channel message. The job id doubles as the
// message id so redelivered dispatches deduplicate, and the worker id keys
// the partition so one worker's jobs stay ordered.
func NewJobMessage(job Job) Message {
	return Message{
		ID:      job.JobID,
		Type:    TypeJob,
		Key:     job.WorkerID,
		Payload: mustJSON(job),
	}
}

// NewResultMessage builds a results-channel message.
func NewResultMessage(res Result) Message {
	return Message{
		ID:      "result-" + res.JobID,
		Type:    TypeResult,
		Key:     res.JobID,
		Payload: mustJSON(res),
	}
}

func batchKey(batchID int64) string {
	return strconv.FormatInt(batchID, 10)
}

// Envelope payloads are plain structs, so marshalling cannot fail.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("bus: marshal envelope: %v", err))
	}

	return data
}
