package execution

import "fmt"

// Job ids are deterministic so the bus deduplicates redelivered dispatches:
// replaying a handler allocates the same id and the second publish is
// dropped. First dispatches and retry re-dispatches use distinct forms so a
// retry is a genuinely new message.

// StepJobID is the job id for the first dispatch of a step execution.
func StepJobID(stepExecutionID int64, retryCount int) string {
	return fmt.Sprintf("step-%d-%d", stepExecutionID, retryCount)
}

// StepRetryJobID is the job id for a retry re-dispatch of a step execution.
func StepRetryJobID(stepExecutionID int64, retryCount int) string {
	return fmt.Sprintf("step-%d-retry-%d", stepExecutionID, retryCount)
}

// StepPollJobID is the job id for one poll round of a polling step.
func StepPollJobID(stepExecutionID int64, pollCount int) string {
	return fmt.Sprintf("step-%d-poll-%d", stepExecutionID, pollCount)
}

// InitJobID is the job id for the first dispatch of an init execution.
func InitJobID(initExecutionID int64, retryCount int) string {
	return fmt.Sprintf("init-%d-%d", initExecutionID, retryCount)
}

// InitRetryJobID is the job id for a retry re-dispatch of an init execution.
func InitRetryJobID(initExecutionID int64, retryCount int) string {
	return fmt.Sprintf("init-%d-retry-%d", initExecutionID, retryCount)
}

// InitPollJobID is the job id for one poll round of a polling init step.
func InitPollJobID(initExecutionID int64, pollCount int) string {
	return fmt.Sprintf("init-%d-poll-%d", initExecutionID, pollCount)
}

// RollbackJobID is the job id for a rollback step dispatch. The member id
// keeps ids distinct when several members of one batch run the same
// sequence.
func RollbackJobID(batchID, memberID int64, stepName string, stepIndex int) string {
	return fmt.Sprintf("rollback-%d-%d-%s-%d", batchID, memberID, stepName, stepIndex)
}
