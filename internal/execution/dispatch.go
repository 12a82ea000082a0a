package execution

import (
	"encoding/json"
	"fmt"

	"github.com/cutover-io/cutover/internal/bus"
)

// BuildStepJob builds the worker job envelope for a step execution. The
// correlation data carries the execution id so the worker's result routes
// back to this row.
func BuildStepJob(step *StepExecution, batchID int64, runbookName string, runbookVersion int, jobID string) (bus.Job, error) {
	params, err := DecodeParams(step.ParamsJSON)
	if err != nil {
		return bus.Job{}, fmt.Errorf("step execution %d: %w", step.ID, err)
	}

	return bus.Job{
		JobID:        jobID,
		BatchID:      batchID,
		WorkerID:     step.WorkerID,
		FunctionName: step.FunctionName,
		Parameters:   params,
		CorrelationData: bus.CorrelationData{
			StepExecutionID: step.ID,
			RunbookName:     runbookName,
			RunbookVersion:  runbookVersion,
		},
	}, nil
}

// BuildInitJob builds the worker job envelope for an init execution. Init
// rows store their param templates raw, so the caller resolves them first
// and passes the result in.
func BuildInitJob(init *InitExecution, batchID int64, runbookName string, params map[string]string, jobID string) bus.Job {
	return bus.Job{
		JobID:        jobID,
		BatchID:      batchID,
		WorkerID:     init.WorkerID,
		FunctionName: init.FunctionName,
		Parameters:   params,
		CorrelationData: bus.CorrelationData{
			InitExecutionID: init.ID,
			IsInitStep:      true,
			RunbookName:     runbookName,
			RunbookVersion:  init.RunbookVersion,
		},
	}
}

// DecodeParams unmarshals a stored params_json document.
func DecodeParams(paramsJSON string) (map[string]string, error) {
	if paramsJSON == "" {
		return map[string]string{}, nil
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}

	return params, nil
}
