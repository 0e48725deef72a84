package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/engine"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/queue"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
	"github.com/tgsuite/backend/internal/websocket"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrEmptyBulk       = errors.New("bulk request contains no accounts")
)

// Enqueuer is the slice of the job queue the task service needs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...queue.JobOption) (*queue.Job, error)
}

// TaskService creates and tracks automation tasks. Execution itself is the
// engine's job; this layer only validates, persists and enqueues.
type TaskService struct {
	container *Container
	queue     Enqueuer
}

func NewTaskService(c *Container) *TaskService {
	return &TaskService{container: c, queue: c.Queue}
}

type CreateTaskRequest struct {
	AccountID    uuid.UUID              `json:"account_id" binding:"required"`
	Type         models.TaskType        `json:"type" binding:"required"`
	Payload      map[string]interface{} `json:"payload" binding:"required"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
}

type BulkCreateTaskRequest struct {
	AccountIDs   []uuid.UUID            `json:"account_ids" binding:"required"`
	Type         models.TaskType        `json:"type" binding:"required"`
	Payload      map[string]interface{} `json:"payload" binding:"required"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
}

type ListTasksRequest struct {
	Status *models.TaskStatus
	Limit  int
	Offset int
}

type TaskProgress struct {
	TaskID       uuid.UUID         `json:"task_id"`
	Status       models.TaskStatus `json:"status"`
	Progress     int               `json:"progress"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// Create validates the payload against the task type, verifies the account
// belongs to the caller's organization and enqueues the execution job. A
// future ScheduledFor keeps the job parked until its time arrives.
func (s *TaskService) Create(ctx context.Context, orgID, userID uuid.UUID, req *CreateTaskRequest) (*models.AutomationTask, error) {
	if !models.ValidTaskType(req.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, req.Type)
	}
	if _, err := telegram.ActionFromPayload(req.Type, req.Payload); err != nil {
		return nil, err
	}
	if _, err := s.container.Store.GetAccount(ctx, req.AccountID, orgID); err != nil {
		return nil, err
	}

	task := &models.AutomationTask{
		ID:             uuid.New(),
		OrganizationID: orgID,
		AccountID:      req.AccountID,
		UserID:         userID,
		Type:           req.Type,
		Status:         models.TaskPending,
		ScheduledFor:   req.ScheduledFor,
	}
	if err := task.SetPayload(req.Payload); err != nil {
		return nil, err
	}
	if err := s.container.Store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, task, false); err != nil {
		return nil, err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionTaskCreate,
		ResourceType:   audit.ResourceTask,
		ResourceID:     task.ID.String(),
		Result:         audit.ResultSuccess,
		Metadata:       map[string]interface{}{"type": task.Type, "account_id": task.AccountID},
	})
	return task, nil
}

// CreateBulk fans one action out over many accounts. Every account is
// ownership-checked before anything is written; the insert itself is
// all-or-nothing.
func (s *TaskService) CreateBulk(ctx context.Context, orgID, userID uuid.UUID, req *BulkCreateTaskRequest) ([]*models.AutomationTask, error) {
	if len(req.AccountIDs) == 0 {
		return nil, ErrEmptyBulk
	}
	if !models.ValidTaskType(req.Type) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, req.Type)
	}
	if _, err := telegram.ActionFromPayload(req.Type, req.Payload); err != nil {
		return nil, err
	}

	for _, accountID := range req.AccountIDs {
		if _, err := s.container.Store.GetAccount(ctx, accountID, orgID); err != nil {
			return nil, fmt.Errorf("account %s: %w", accountID, err)
		}
	}

	tasks := make([]*models.AutomationTask, 0, len(req.AccountIDs))
	for _, accountID := range req.AccountIDs {
		task := &models.AutomationTask{
			ID:             uuid.New(),
			OrganizationID: orgID,
			AccountID:      accountID,
			UserID:         userID,
			Type:           req.Type,
			Status:         models.TaskPending,
			ScheduledFor:   req.ScheduledFor,
		}
		if err := task.SetPayload(req.Payload); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := s.container.Store.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		if err := s.enqueue(ctx, task, true); err != nil {
			return nil, err
		}
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionTaskCreate,
		ResourceType:   audit.ResourceTask,
		Result:         audit.ResultSuccess,
		Metadata:       map[string]interface{}{"type": req.Type, "count": len(tasks)},
	})
	return tasks, nil
}

func (s *TaskService) enqueue(ctx context.Context, task *models.AutomationTask, bulk bool) error {
	payload := engine.ExecutePayload{TaskID: task.ID, OrganizationID: task.OrganizationID}

	// Retries are the engine's job; a failed delivery must not respawn at
	// the queue layer. The dedupe key guards against the same task being
	// enqueued twice when an API call is replayed.
	opts := []queue.JobOption{
		queue.WithMaxRetries(0),
		queue.WithDeduplication("task:" + task.ID.String()),
	}
	if bulk {
		opts = append(opts, queue.WithPriority(queue.PriorityLow))
	}
	if task.ScheduledFor != nil && task.ScheduledFor.After(time.Now()) {
		opts = append(opts, queue.WithScheduledAt(*task.ScheduledFor))
	}
	_, err := s.queue.Enqueue(ctx, engine.JobTypeExecuteTask, payload, opts...)
	return err
}

func (s *TaskService) Get(ctx context.Context, orgID, taskID uuid.UUID) (*models.AutomationTask, error) {
	return s.container.Store.GetTask(ctx, taskID, orgID)
}

func (s *TaskService) List(ctx context.Context, orgID uuid.UUID, req *ListTasksRequest) ([]models.AutomationTask, error) {
	filter := store.TaskFilter{Limit: req.Limit, Offset: req.Offset, Status: req.Status}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.container.Store.ListTasks(ctx, orgID, filter)
}

// Cancel withdraws a pending task. Anything past pending is already owned
// by the engine and fails with ErrInvalidTransition.
func (s *TaskService) Cancel(ctx context.Context, orgID, userID, taskID uuid.UUID) error {
	if err := s.container.Store.CancelTask(ctx, taskID, orgID); err != nil {
		return err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionTaskCancel,
		ResourceType:   audit.ResourceTask,
		ResourceID:     taskID.String(),
		Result:         audit.ResultSuccess,
	})

	if s.container.WSHub != nil {
		s.container.WSHub.BroadcastTaskUpdate(userID.String(), websocket.TaskStatusUpdate{
			TaskID: taskID.String(),
			Status: string(models.TaskCancelled),
		})
	}
	return nil
}

func (s *TaskService) Progress(ctx context.Context, orgID, taskID uuid.UUID) (*TaskProgress, error) {
	task, err := s.container.Store.GetTask(ctx, taskID, orgID)
	if err != nil {
		return nil, err
	}
	return &TaskProgress{
		TaskID:       task.ID,
		Status:       task.Status,
		Progress:     task.Progress,
		RetryCount:   task.RetryCount,
		ErrorMessage: task.ErrorMessage,
		StartedAt:    task.StartedAt,
		CompletedAt:  task.CompletedAt,
	}, nil
}

func (s *TaskService) Stats(ctx context.Context, orgID uuid.UUID) (map[models.TaskStatus]int64, error) {
	return s.container.Store.CountTasksByStatus(ctx, orgID)
}
