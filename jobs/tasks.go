package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBatchExecute runs an administrative batch operation.
	TaskBatchExecute = "batch:execute"
	// TaskCleanupExpired sweeps expired role grants and overrides.
	TaskCleanupExpired = "permission:cleanup_expired"
)

// BatchExecutePayload carries a serialized batch operation plus the actor who
// submitted it.
type BatchExecutePayload struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Kind        string          `json:"kind"`
	Operation   json.RawMessage `json:"operation"`
	ActorID     int64           `json:"actor_id"`
	ActorName   string          `json:"actor_name"`
}

// NewBatchExecuteTask constructs an Asynq task for a batch operation.
func NewBatchExecuteTask(payload BatchExecutePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchExecute, data, asynq.MaxRetry(0)), nil
}

// NewCleanupExpiredTask constructs the nightly sweep task.
func NewCleanupExpiredTask() *asynq.Task {
	return asynq.NewTask(TaskCleanupExpired, nil)
}
