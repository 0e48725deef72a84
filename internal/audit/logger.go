// Package audit writes the append-only activity trail. Entries are batched
// in the background; callers that need a guaranteed write use RecordSync.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tgsuite/backend/internal/models"
)

// Action names for the activity trail
const (
	// Task lifecycle
	ActionTaskCreate   = "task_create"
	ActionTaskStart    = "task_start"
	ActionTaskComplete = "task_complete"
	ActionTaskFail     = "task_fail"
	ActionTaskRetry    = "task_retry"
	ActionTaskCancel   = "task_cancel"

	// Account lifecycle
	ActionAccountRegister   = "account_register"
	ActionAccountConnect    = "account_connect"
	ActionAccountDisconnect = "account_disconnect"
	ActionAccountRemove     = "account_remove"

	// Proxy lifecycle
	ActionProxyCreate = "proxy_create"
	ActionProxyTest   = "proxy_test"
	ActionProxyDelete = "proxy_delete"

	// Auth
	ActionLogin    = "login"
	ActionRegister = "register"

	// Maintenance
	ActionJobRun = "job_run"
)

// Results
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// Resource types
const (
	ResourceTask    = "task"
	ResourceAccount = "account"
	ResourceProxy   = "proxy"
	ResourceUser    = "user"
	ResourceJob     = "job"
)

// Entry is one record heading for the activity trail
type Entry struct {
	OrganizationID uuid.UUID
	UserID         *uuid.UUID

	Action       string
	ResourceType string
	ResourceID   string

	Result       string
	ErrorMessage string
	Metadata     interface{}

	IPAddress string
	UserAgent string
}

// Sink is what collaborators depend on; the engine and services never see
// the database behind it.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Logger batches activity records into Postgres
type Logger struct {
	db        *gorm.DB
	batchSize int
	batch     chan *models.ActivityLog
	stop      chan struct{}
	done      chan struct{}
}

// NewLogger creates the audit logger and starts its background writer
func NewLogger(db *gorm.DB) *Logger {
	logger := &Logger{
		db:        db,
		batchSize: 100,
		batch:     make(chan *models.ActivityLog, 1000),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go logger.processBatch()

	return logger
}

func buildRow(entry Entry) *models.ActivityLog {
	row := &models.ActivityLog{
		ID:             uuid.New(),
		OrganizationID: entry.OrganizationID,
		UserID:         entry.UserID,
		Action:         entry.Action,
		ResourceType:   entry.ResourceType,
		ResourceID:     entry.ResourceID,
		Result:         entry.Result,
		ErrorMessage:   entry.ErrorMessage,
		IPAddress:      entry.IPAddress,
		UserAgent:      entry.UserAgent,
		CreatedAt:      time.Now().UTC(),
	}
	if entry.Metadata != nil {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			row.Metadata = string(data)
		}
	}
	return row
}

// Record queues an entry for the batch writer. When the buffer is full the
// entry is written inline rather than dropped.
func (l *Logger) Record(ctx context.Context, entry Entry) {
	row := buildRow(entry)
	select {
	case l.batch <- row:
	default:
		l.db.WithContext(ctx).Create(row)
	}
}

// RecordSync writes the entry immediately
func (l *Logger) RecordSync(ctx context.Context, entry Entry) error {
	return l.db.WithContext(ctx).Create(buildRow(entry)).Error
}

func (l *Logger) processBatch() {
	defer close(l.done)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var batch []*models.ActivityLog

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.db.CreateInBatches(batch, l.batchSize).Error; err != nil {
			// On error, try one by one
			for _, row := range batch {
				l.db.Create(row)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			// Drain whatever is still queued before exiting
			for {
				select {
				case row := <-l.batch:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		case row := <-l.batch:
			batch = append(batch, row)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop flushes pending entries and stops the background writer
func (l *Logger) Stop() {
	close(l.stop)
	<-l.done
}

// QueryParams filters activity listings. OrganizationID is mandatory; the
// trail is never read across tenants.
type QueryParams struct {
	OrganizationID uuid.UUID
	UserID         *uuid.UUID
	Action         string
	ResourceType   string
	Result         string
	StartTime      *time.Time
	EndTime        *time.Time
	Limit          int
	Offset         int
}

// Query lists activity records for one tenant, newest first
func (l *Logger) Query(ctx context.Context, params QueryParams) ([]models.ActivityLog, int64, error) {
	var logs []models.ActivityLog
	var total int64

	query := l.db.WithContext(ctx).Model(&models.ActivityLog{}).
		Where("organization_id = ?", params.OrganizationID)

	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.Action != "" {
		query = query.Where("action = ?", params.Action)
	}
	if params.ResourceType != "" {
		query = query.Where("resource_type = ?", params.ResourceType)
	}
	if params.Result != "" {
		query = query.Where("result = ?", params.Result)
	}
	if params.StartTime != nil {
		query = query.Where("created_at >= ?", *params.StartTime)
	}
	if params.EndTime != nil {
		query = query.Where("created_at <= ?", *params.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	if err := query.Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}

// Cleanup removes records older than the retention window
func (l *Logger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result := l.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ActivityLog{})
	return result.RowsAffected, result.Error
}

var _ Sink = (*Logger)(nil)
