package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tgsuite/backend/internal/models"
)

// GormStore is the Postgres-backed Store implementation
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// --- tasks ---

func (s *GormStore) CreateTask(ctx context.Context, task *models.AutomationTask) error {
	return s.db.WithContext(ctx).Create(task).Error
}

func (s *GormStore) CreateTasks(ctx context.Context, tasks []*models.AutomationTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			if err := tx.Create(task).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) GetTask(ctx context.Context, id, orgID uuid.UUID) (*models.AutomationTask, error) {
	var task models.AutomationTask
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *GormStore) ListTasks(ctx context.Context, orgID uuid.UUID, filter TaskFilter) ([]models.AutomationTask, error) {
	query := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var tasks []models.AutomationTask
	err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&tasks).Error
	return tasks, err
}

func (s *GormStore) CountTasksByStatus(ctx context.Context, orgID uuid.UUID) (map[models.TaskStatus]int64, error) {
	var rows []struct {
		Status models.TaskStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.AutomationTask{}).
		Select("status, count(*) as count").
		Where("organization_id = ?", orgID).
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.TaskStatus]int64)
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (s *GormStore) MarkTaskRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.AutomationTask{}).
		Where("id = ? AND status = ?", id, models.TaskPending).
		Updates(map[string]interface{}{
			"status":     models.TaskRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *GormStore) CompleteTask(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.AutomationTask{}).
		Where("id = ? AND status = ?", id, models.TaskRunning).
		Updates(map[string]interface{}{
			"status":        models.TaskCompleted,
			"completed_at":  completedAt,
			"progress":      100,
			"error_message": "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *GormStore) FailTask(ctx context.Context, id uuid.UUID, errMsg string, completedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.AutomationTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.TaskFailed,
			"completed_at":  completedAt,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *GormStore) RequeueTaskForRetry(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	var retryCount int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.AutomationTask{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":        models.TaskPending,
				"retry_count":   gorm.Expr("retry_count + 1"),
				"error_message": errMsg,
				"started_at":    nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTaskNotFound
		}

		var task models.AutomationTask
		if err := tx.Select("retry_count").First(&task, "id = ?", id).Error; err != nil {
			return err
		}
		retryCount = task.RetryCount
		return nil
	})
	return retryCount, err
}

func (s *GormStore) CancelTask(ctx context.Context, id, orgID uuid.UUID) error {
	// Existence check first so a missing task reports not-found rather
	// than a transition error.
	if _, err := s.GetTask(ctx, id, orgID); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Model(&models.AutomationTask{}).
		Where("id = ? AND organization_id = ? AND status = ?", id, orgID, models.TaskPending).
		Update("status", models.TaskCancelled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *GormStore) FailStaleRunningTasks(ctx context.Context, cutoff time.Time, errMsg string) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.AutomationTask{}).
		Where("status = ? AND started_at < ?", models.TaskRunning, cutoff).
		Updates(map[string]interface{}{
			"status":        models.TaskFailed,
			"error_message": errMsg,
			"completed_at":  time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// --- accounts ---

func (s *GormStore) CreateAccount(ctx context.Context, account *models.TelegramAccount) error {
	return s.db.WithContext(ctx).Create(account).Error
}

func (s *GormStore) GetAccount(ctx context.Context, id, orgID uuid.UUID) (*models.TelegramAccount, error) {
	var account models.TelegramAccount
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *GormStore) ListAccounts(ctx context.Context, orgID uuid.UUID) ([]models.TelegramAccount, error) {
	var accounts []models.TelegramAccount
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Find(&accounts).Error
	return accounts, err
}

func (s *GormStore) ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.TelegramAccount, error) {
	var accounts []models.TelegramAccount
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&accounts).Error
	return accounts, err
}

func (s *GormStore) UpdateAccount(ctx context.Context, account *models.TelegramAccount) error {
	return s.db.WithContext(ctx).Save(account).Error
}

func (s *GormStore) SetAccountStatus(ctx context.Context, id uuid.UUID, status models.AccountStatus) error {
	result := s.db.WithContext(ctx).Model(&models.TelegramAccount{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *GormStore) DeleteAccount(ctx context.Context, id, orgID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		Delete(&models.TelegramAccount{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *GormStore) ConsumeQuota(ctx context.Context, id uuid.UUID, now time.Time) error {
	result := s.db.WithContext(ctx).Model(&models.TelegramAccount{}).
		Where("id = ? AND actions_today < daily_limit", id).
		Updates(map[string]interface{}{
			"actions_today":  gorm.Expr("actions_today + 1"),
			"last_action_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either the account vanished or the quota is spent; distinguish
		// so callers report the right thing.
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.TelegramAccount{}).
			Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrAccountNotFound
		}
		return ErrDailyLimitReached
	}
	return nil
}

func (s *GormStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.TelegramAccount{}).
		Where("actions_today <> 0").
		Update("actions_today", 0)
	return result.RowsAffected, result.Error
}

func (s *GormStore) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.TelegramAccount{}).
		Where("id = ?", id).
		Update("last_active", at).Error
}

// --- proxies ---

func (s *GormStore) CreateProxy(ctx context.Context, proxy *models.Proxy) error {
	return s.db.WithContext(ctx).Create(proxy).Error
}

func (s *GormStore) GetProxy(ctx context.Context, id, orgID uuid.UUID) (*models.Proxy, error) {
	var proxy models.Proxy
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, orgID).
		First(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProxyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &proxy, nil
}

func (s *GormStore) GetProxyByID(ctx context.Context, id uuid.UUID) (*models.Proxy, error) {
	var proxy models.Proxy
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&proxy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProxyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &proxy, nil
}

func (s *GormStore) ListProxies(ctx context.Context, orgID uuid.UUID) ([]models.Proxy, error) {
	var proxies []models.Proxy
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at DESC").
		Find(&proxies).Error
	return proxies, err
}

func (s *GormStore) ListProxiesByStatus(ctx context.Context, status models.ProxyStatus) ([]models.Proxy, error) {
	var proxies []models.Proxy
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&proxies).Error
	return proxies, err
}

func (s *GormStore) UpdateProxy(ctx context.Context, proxy *models.Proxy) error {
	return s.db.WithContext(ctx).Save(proxy).Error
}

func (s *GormStore) DeleteProxy(ctx context.Context, id, orgID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Null the reference on dependent accounts before deleting;
		// accounts survive proxy removal.
		if err := tx.Model(&models.TelegramAccount{}).
			Where("proxy_id = ?", id).
			Update("proxy_id", nil).Error; err != nil {
			return err
		}

		result := tx.Where("id = ? AND organization_id = ?", id, orgID).Delete(&models.Proxy{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrProxyNotFound
		}
		return nil
	})
}
