package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountStatus is the lifecycle state of a managed Telegram account
type AccountStatus string

const (
	AccountStatusPending         AccountStatus = "pending"
	AccountStatusActive          AccountStatus = "active"
	AccountStatusInactive        AccountStatus = "inactive"
	AccountStatusBanned          AccountStatus = "banned"
	AccountStatusAuthRequired    AccountStatus = "auth_required"
	AccountStatusConnectionError AccountStatus = "connection_error"
)

// DefaultDailyLimit is the per-account action ceiling for new accounts
const DefaultDailyLimit = 20

// TelegramAccount is a managed Telegram user identity. The session blob is
// stored encrypted and is opaque to everything but the vault.
type TelegramAccount struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;index" json:"organization_id"`

	PhoneNumber      string `gorm:"size:20;not null" json:"phone_number"`
	SessionEncrypted string `gorm:"type:text;not null" json:"-"`
	APIID            int    `gorm:"not null" json:"api_id"`
	APIHash          string `gorm:"size:255;not null" json:"-"`

	// Optional proxy assignment; nulled when the proxy is deleted
	ProxyID *uuid.UUID `gorm:"type:uuid" json:"proxy_id,omitempty"`

	Status    AccountStatus `gorm:"size:30;not null;default:'pending';index" json:"status"`
	Username  string        `gorm:"size:255" json:"username,omitempty"`
	FirstName string        `gorm:"size:255" json:"first_name,omitempty"`
	LastName  string        `gorm:"size:255" json:"last_name,omitempty"`

	// Quota: ActionsToday <= DailyLimit is the admission gate for new task
	// execution, enforced by a conditional update at consume time
	DailyLimit   int `gorm:"not null;default:20" json:"daily_limit"`
	ActionsToday int `gorm:"not null;default:0" json:"actions_today"`

	LastActionAt *time.Time `json:"last_action_at,omitempty"`
	LastActive   *time.Time `json:"last_active,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// QuotaRemaining reports how many actions the account may still perform today
func (a *TelegramAccount) QuotaRemaining() int {
	remaining := a.DailyLimit - a.ActionsToday
	if remaining < 0 {
		return 0
	}
	return remaining
}
