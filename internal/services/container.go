package services

import (
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/config"
	"github.com/tgsuite/backend/internal/locks"
	"github.com/tgsuite/backend/internal/logger"
	"github.com/tgsuite/backend/internal/queue"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
	"github.com/tgsuite/backend/internal/vault"
	"github.com/tgsuite/backend/internal/websocket"
)

// TaskQueueName is the Redis queue the automation worker consumes
const TaskQueueName = "automation"

// Container holds all service instances
type Container struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	WSHub  *websocket.Hub

	// Shared infrastructure
	Store  store.Store
	Queue  *queue.Queue
	Locker locks.Locker
	Vault  *vault.Vault
	Dialer telegram.Dialer
	Pool   *telegram.ClientPool
	Audit  audit.Sink

	auditLogger *audit.Logger

	// Domain services
	Auth    *AuthService
	Account *AccountService
	Task    *TaskService
	Proxy   *ProxyService
	Billing *BillingService
}

func NewContainer(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, wsHub *websocket.Hub, v *vault.Vault) *Container {
	container := &Container{
		Config: cfg,
		DB:     db,
		Redis:  redisClient,
		WSHub:  wsHub,
		Vault:  v,
	}

	// Infrastructure first, services depend on it
	container.Store = store.NewGormStore(db)
	container.Queue = queue.NewQueue(redisClient, TaskQueueName)
	container.Locker = locks.NewLockManager(redisClient)
	container.Dialer = telegram.NewMTProtoDialer(*logger.Get())
	container.Pool = telegram.NewClientPool(*logger.Get())
	container.auditLogger = audit.NewLogger(db)
	container.Audit = container.auditLogger

	container.Auth = NewAuthService(container)
	container.Account = NewAccountService(container)
	container.Task = NewTaskService(container)
	container.Proxy = NewProxyService(container)
	container.Billing = NewBillingService(container)

	return container
}

// AuditLog exposes the concrete audit logger for query and cleanup; the
// Sink field stays the write-side dependency of the services.
func (c *Container) AuditLog() *audit.Logger {
	return c.auditLogger
}

// Shutdown flushes the audit writer and tears down live Telegram
// connections. Safe to call once during graceful shutdown.
func (c *Container) Shutdown() {
	if c.Pool != nil {
		c.Pool.Shutdown()
	}
	if c.auditLogger != nil {
		c.auditLogger.Stop()
	}
}
