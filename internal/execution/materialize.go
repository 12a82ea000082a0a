package execution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cutover-io/cutover/internal/runbook"
)

// Materializer expands runbook steps into execution rows. Expansion is
// deterministic: the same definition, batch, and member data always produce
// the same rows, so a replayed handler re-materializes identical state and
// the store's uniqueness keys absorb the duplicates.
//
// Template failures do not abort expansion. The affected step is created
// terminally failed with the resolution error recorded, and the rest of the
// phase proceeds.
type Materializer struct {
	logger *slog.Logger
}

// NewMaterializer creates a Materializer logging through the given logger.
func NewMaterializer(logger *slog.Logger) *Materializer {
	return &Materializer{logger: logger}
}

// PhaseSteps expands every step of the named phase for every active member.
// Members in removed or failed state are skipped.
func (m *Materializer) PhaseSteps(def *runbook.Definition, phaseExec *PhaseExecution, batch *Batch, members []*BatchMember, now time.Time) []*StepExecution {
	var rows []*StepExecution

	for _, member := range members {
		rows = append(rows, m.MemberSteps(def, phaseExec, batch, member, now)...)
	}

	return rows
}

// MemberSteps expands the named phase's steps for a single member. Returns
// nil when the member is not active or the definition no longer carries the
// phase.
func (m *Materializer) MemberSteps(def *runbook.Definition, phaseExec *PhaseExecution, batch *Batch, member *BatchMember, now time.Time) []*StepExecution {
	if member.Status != MemberActive {
		return nil
	}

	phase := def.PhaseByName(phaseExec.PhaseName)
	if phase == nil {
		m.logger.Warn("phase missing from runbook definition, skipping expansion",
			"phase_name", phaseExec.PhaseName,
			"batch_id", batch.ID,
			"runbook_version", phaseExec.RunbookVersion)

		return nil
	}

	data, err := DecodeMemberData(member.DataJSON)
	if err != nil {
		m.logger.Warn("member data unreadable, failing member steps",
			"batch_id", batch.ID,
			"member_key", member.MemberKey,
			"error", err)
	} else {
		data[runbook.ColumnMemberKey] = member.MemberKey
	}

	rows := make([]*StepExecution, 0, len(phase.Steps))

	for i := range phase.Steps {
		step := &phase.Steps[i]
		row := m.stepRow(step, phaseExec, member, i, step.Name, false)

		if err != nil {
			failRow(row, fmt.Sprintf("member data unreadable: %v", err))
		} else {
			m.resolveStepParams(row, step, batch, member, data, now)
		}

		rows = append(rows, row)
	}

	return rows
}

// RollbackSteps expands the named rollback sequence for a single member.
// The sequence must exist in the definition; step names are stored prefixed
// with the sequence name so they cannot collide with the phase's own steps.
func (m *Materializer) RollbackSteps(def *runbook.Definition, phaseExec *PhaseExecution, batch *Batch, member *BatchMember, sequence string, now time.Time) ([]*StepExecution, error) {
	steps := def.Rollback(sequence)
	if steps == nil {
		return nil, fmt.Errorf("rollback sequence %q is not defined", sequence)
	}

	data, err := DecodeMemberData(member.DataJSON)
	if err == nil {
		data[runbook.ColumnMemberKey] = member.MemberKey
	}

	rows := make([]*StepExecution, 0, len(steps))

	for i := range steps {
		step := &steps[i]
		row := m.stepRow(step, phaseExec, member, i, sequence+"/"+step.Name, true)

		if err != nil {
			failRow(row, fmt.Sprintf("member data unreadable: %v", err))
		} else {
			m.resolveStepParams(row, step, batch, member, data, now)
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// InitSteps expands the batch-scoped init steps under the given runbook
// version. Init params are stored as written: init rows are created in the
// same transaction as the batch itself, before an id exists, so template
// resolution happens at dispatch time instead.
func (m *Materializer) InitSteps(def *runbook.Definition, batch *Batch, runbookVersion int) []*InitExecution {
	rows := make([]*InitExecution, 0, len(def.Init))

	for i := range def.Init {
		step := &def.Init[i]

		row := &InitExecution{
			BatchID:        batch.ID,
			StepName:       step.Name,
			StepIndex:      i,
			WorkerID:       step.WorkerID,
			FunctionName:   step.Function,
			ParamsJSON:     encodeParams(step.Params),
			OnFailure:      step.OnFailure,
			RunbookVersion: runbookVersion,
			Status:         StepPending,
		}

		applyInitStepPolicy(row, step)
		rows = append(rows, row)
	}

	return rows
}

func (m *Materializer) stepRow(step *runbook.Step, phaseExec *PhaseExecution, member *BatchMember, index int, storedName string, rollback bool) *StepExecution {
	row := &StepExecution{
		PhaseExecutionID: phaseExec.ID,
		BatchMemberID:    member.ID,
		StepName:         storedName,
		StepIndex:        index,
		WorkerID:         step.WorkerID,
		FunctionName:     step.Function,
		OnFailure:        step.OnFailure,
		Status:           StepPending,
		IsRollbackStep:   rollback,
	}

	applyStepPolicy(row, step)

	return row
}

func (m *Materializer) resolveStepParams(row *StepExecution, step *runbook.Step, batch *Batch, member *BatchMember, data map[string]string, now time.Time) {
	ctx := runbook.TemplateContext{
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		Now:            now,
		MemberData:     data,
	}

	params, err := runbook.ResolveParams(step.Params, ctx)
	if err != nil {
		m.logger.Warn("template resolution failed, failing step",
			"batch_id", batch.ID,
			"member_key", member.MemberKey,
			"step_name", row.StepName,
			"error", err)
		failRow(row, err.Error())

		return
	}

	row.ParamsJSON = encodeParams(params)
}

func applyStepPolicy(row *StepExecution, step *runbook.Step) {
	if step.Poll != nil {
		row.IsPollStep = true
		row.PollIntervalSec = durationSec(step.Poll.Interval)
		row.PollTimeoutSec = durationSec(step.Poll.Timeout)
	}

	row.MaxRetries = copyIntPtr(step.MaxRetries)
	row.RetryIntervalSec = durationSec(step.RetryInterval)
}

func applyInitStepPolicy(row *InitExecution, step *runbook.Step) {
	if step.Poll != nil {
		row.IsPollStep = true
		row.PollIntervalSec = durationSec(step.Poll.Interval)
		row.PollTimeoutSec = durationSec(step.Poll.Timeout)
	}

	row.MaxRetries = copyIntPtr(step.MaxRetries)
	row.RetryIntervalSec = durationSec(step.RetryInterval)
}

func failRow(row *StepExecution, message string) {
	row.Status = StepFailed
	row.ErrorMessage = &message
	row.ParamsJSON = "{}"
}

// DecodeMemberData converts a member's data_json snapshot into the string
// map template resolution works over. Scalars keep their JSON text form
// (numbers unrounded, booleans "true"/"false"), nulls become empty strings,
// and arrays and objects keep their compact JSON encoding.
func DecodeMemberData(dataJSON string) (map[string]string, error) {
	if dataJSON == "" {
		return map[string]string{}, nil
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(dataJSON)))
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode member data: %w", err)
	}

	data := make(map[string]string, len(raw))

	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			data[key] = ""
		case string:
			data[key] = v
		case json.Number:
			data[key] = v.String()
		case bool:
			if v {
				data[key] = "true"
			} else {
				data[key] = "false"
			}
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode member data column %q: %w", key, err)
			}

			data[key] = string(encoded)
		}
	}

	return data, nil
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}

	// A map of plain strings cannot fail to marshal.
	encoded, _ := json.Marshal(params)

	return string(encoded)
}

func durationSec(value string) int {
	sec, err := runbook.ParseStepDuration(value)
	if err != nil {
		return 0
	}

	return sec
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}
