package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType is the kind of automation action a task performs
type TaskType string

const (
	TaskProfilePhoto   TaskType = "profile_photo"
	TaskBioUpdate      TaskType = "bio_update"
	TaskUsernameUpdate TaskType = "username_update"
	TaskMediaSend      TaskType = "media_send"
	TaskMessageSend    TaskType = "message_send"
)

// ValidTaskType reports whether t is a known task type
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskProfilePhoto, TaskBioUpdate, TaskUsernameUpdate, TaskMediaSend, TaskMessageSend:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of an automation task.
// pending -> running -> {completed | failed}; cancelled only from pending.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// AutomationTask is one queued automation action against one account.
// Rows are never deleted (audit retention); only the execution engine
// mutates them after creation.
type AutomationTask struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;index" json:"organization_id"`
	AccountID      uuid.UUID `gorm:"type:uuid;not null;index" json:"account_id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null" json:"user_id"`

	Type    TaskType `gorm:"size:30;not null" json:"type"`
	Payload string   `gorm:"type:jsonb;not null" json:"payload"`

	Status       TaskStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`
	Progress     int        `gorm:"not null;default:0" json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PayloadMap decodes the task payload into a key/value map
func (t *AutomationTask) PayloadMap() (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	if t.Payload == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(t.Payload), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// SetPayload encodes a key/value map into the task payload column
func (t *AutomationTask) SetPayload(payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.Payload = string(data)
	return nil
}

// Terminal reports whether the task has reached a final state
func (t *AutomationTask) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}
