package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/queue"
)

// JobTypeExecuteTask is the queue job type the engine consumes
const JobTypeExecuteTask = "task:execute"

// ExecutePayload is the queue job body: identifiers only, the task row is
// the source of truth.
type ExecutePayload struct {
	TaskID         uuid.UUID `json:"task_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
}

// Handler returns the queue handler that drives the executor. Task-level
// retries are explicit re-enqueues decided by the Outcome; the handler only
// returns an error for infrastructure problems the queue should retry on
// its own.
func (e *Executor) Handler(q *queue.Queue) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload ExecutePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed job payload: %w", err)
		}
		if payload.TaskID == uuid.Nil || payload.OrganizationID == uuid.Nil {
			return fmt.Errorf("job payload missing identifiers")
		}

		outcome := e.Execute(ctx, payload.TaskID, payload.OrganizationID)
		if outcome.Retry {
			if _, err := q.Enqueue(ctx, JobTypeExecuteTask, payload, queue.WithDelay(outcome.RetryIn)); err != nil {
				return fmt.Errorf("re-enqueue task %s: %w", payload.TaskID, err)
			}
		}
		return nil
	}
}
