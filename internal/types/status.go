package types

// Job statuses. Terminal statuses are sticky: no transition leaves them.
const (
	JobStatusQueued              = "queued"
	JobStatusProcessing          = "processing"
	JobStatusCompleted           = "completed"
	JobStatusFailed              = "failed"
	JobStatusCompletedWithErrors = "completed_with_errors"
)

// Task statuses.
const (
	TaskStatusQueued       = "queued"
	TaskStatusProcessing   = "processing"
	TaskStatusCompleted    = "completed"
	TaskStatusFailed       = "failed"
	TaskStatusPendingRetry = "pending_retry"
	TaskStatusCancelled    = "cancelled"
)

func JobStatusTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCompletedWithErrors:
		return true
	default:
		return false
	}
}

func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}
