package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
)

func TestTaskCreate(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	account := env.seedAccount(orgID)

	task, err := env.container.Task.Create(context.Background(), orgID, userID, &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskBioUpdate,
		Payload:   map[string]interface{}{"bio": "new bio"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != models.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}

	enq := env.container.Task.queue.(*fakeEnqueuer)
	if enq.count() != 1 {
		t.Errorf("enqueued %d jobs, want 1", enq.count())
	}
	if got := env.sink.byAction(audit.ActionTaskCreate); len(got) != 1 {
		t.Errorf("audit entries = %d, want 1", len(got))
	}
}

func TestTaskCreateRejectsBadPayload(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	account := env.seedAccount(orgID)

	_, err := env.container.Task.Create(context.Background(), orgID, uuid.New(), &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskBioUpdate,
		Payload:   map[string]interface{}{"wrong": "field"},
	})
	if !errors.Is(err, telegram.ErrInvalidPayload) {
		t.Fatalf("err = %v, want ErrInvalidPayload", err)
	}

	tasks, _ := env.store.ListTasks(context.Background(), orgID, store.TaskFilter{Limit: 10})
	if len(tasks) != 0 {
		t.Errorf("persisted %d tasks after rejected payload, want 0", len(tasks))
	}
}

func TestTaskCreateRejectsUnknownType(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	account := env.seedAccount(orgID)

	_, err := env.container.Task.Create(context.Background(), orgID, uuid.New(), &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskType("channel_raid"),
		Payload:   map[string]interface{}{},
	})
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("err = %v, want ErrUnknownTaskType", err)
	}
}

func TestTaskCreateForeignAccount(t *testing.T) {
	env := newTestEnv()
	account := env.seedAccount(uuid.New())
	otherOrg := uuid.New()

	_, err := env.container.Task.Create(context.Background(), otherOrg, uuid.New(), &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskBioUpdate,
		Payload:   map[string]interface{}{"bio": "x"},
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound for foreign account", err)
	}
}

func TestTaskCreateBulkAllOrNothing(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	a1 := env.seedAccount(orgID)
	a2 := env.seedAccount(orgID)

	_, err := env.container.Task.CreateBulk(context.Background(), orgID, uuid.New(), &BulkCreateTaskRequest{
		AccountIDs: []uuid.UUID{a1.ID, a2.ID, uuid.New()},
		Type:       models.TaskMessageSend,
		Payload:    map[string]interface{}{"message": "hi", "peer_id": "@someone"},
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}

	tasks, _ := env.store.ListTasks(context.Background(), orgID, store.TaskFilter{Limit: 10})
	if len(tasks) != 0 {
		t.Errorf("persisted %d tasks after failed bulk, want 0", len(tasks))
	}
	enq := env.container.Task.queue.(*fakeEnqueuer)
	if enq.count() != 0 {
		t.Errorf("enqueued %d jobs after failed bulk, want 0", enq.count())
	}
}

func TestTaskCreateBulk(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	a1 := env.seedAccount(orgID)
	a2 := env.seedAccount(orgID)
	a3 := env.seedAccount(orgID)

	tasks, err := env.container.Task.CreateBulk(context.Background(), orgID, userID, &BulkCreateTaskRequest{
		AccountIDs: []uuid.UUID{a1.ID, a2.ID, a3.ID},
		Type:       models.TaskBioUpdate,
		Payload:    map[string]interface{}{"bio": "fleet update"},
	})
	if err != nil {
		t.Fatalf("CreateBulk: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("created %d tasks, want 3", len(tasks))
	}

	enq := env.container.Task.queue.(*fakeEnqueuer)
	if enq.count() != 3 {
		t.Errorf("enqueued %d jobs, want 3", enq.count())
	}
	if got := env.sink.byAction(audit.ActionTaskCreate); len(got) != 1 {
		t.Errorf("audit entries = %d, want a single bulk entry", len(got))
	}
}

func TestTaskCreateBulkEmpty(t *testing.T) {
	env := newTestEnv()

	_, err := env.container.Task.CreateBulk(context.Background(), uuid.New(), uuid.New(), &BulkCreateTaskRequest{
		AccountIDs: nil,
		Type:       models.TaskBioUpdate,
		Payload:    map[string]interface{}{"bio": "x"},
	})
	if !errors.Is(err, ErrEmptyBulk) {
		t.Fatalf("err = %v, want ErrEmptyBulk", err)
	}
}

func TestTaskCancelPendingOnly(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	account := env.seedAccount(orgID)

	task, err := env.container.Task.Create(context.Background(), orgID, userID, &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskBioUpdate,
		Payload:   map[string]interface{}{"bio": "x"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := env.container.Task.Cancel(context.Background(), orgID, userID, task.ID); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	got, _ := env.store.GetTask(context.Background(), task.ID, orgID)
	if got.Status != models.TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// A second cancel finds the task no longer pending
	err = env.container.Task.Cancel(context.Background(), orgID, userID, task.ID)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("cancel of cancelled task: err = %v, want ErrInvalidTransition", err)
	}
}

func TestTaskCancelRunning(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	account := env.seedAccount(orgID)

	task, err := env.container.Task.Create(context.Background(), orgID, userID, &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskBioUpdate,
		Payload:   map[string]interface{}{"bio": "x"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.store.MarkTaskRunning(context.Background(), task.ID, time.Now()); err != nil {
		t.Fatalf("MarkTaskRunning: %v", err)
	}

	err = env.container.Task.Cancel(context.Background(), orgID, userID, task.ID)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestTaskProgress(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	account := env.seedAccount(orgID)

	task, err := env.container.Task.Create(context.Background(), orgID, uuid.New(), &CreateTaskRequest{
		AccountID: account.ID,
		Type:      models.TaskBioUpdate,
		Payload:   map[string]interface{}{"bio": "x"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	progress, err := env.container.Task.Progress(context.Background(), orgID, task.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if progress.Status != models.TaskPending || progress.RetryCount != 0 {
		t.Errorf("progress = %+v, want pending with zero retries", progress)
	}
}

func TestTaskListFiltersByStatus(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	account := env.seedAccount(orgID)

	for i := 0; i < 3; i++ {
		_, err := env.container.Task.Create(context.Background(), orgID, uuid.New(), &CreateTaskRequest{
			AccountID: account.ID,
			Type:      models.TaskBioUpdate,
			Payload:   map[string]interface{}{"bio": "x"},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	pending := models.TaskPending
	tasks, err := env.container.Task.List(context.Background(), orgID, &ListTasksRequest{Status: &pending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("listed %d pending tasks, want 3", len(tasks))
	}

	running := models.TaskRunning
	tasks, err = env.container.Task.List(context.Background(), orgID, &ListTasksRequest{Status: &running})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("listed %d running tasks, want 0", len(tasks))
	}
}
