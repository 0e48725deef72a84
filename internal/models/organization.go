package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionTier represents the billing plan of an organization
type SubscriptionTier string

const (
	TierStarter SubscriptionTier = "starter"
	TierPro     SubscriptionTier = "pro"
	TierAgency  SubscriptionTier = "agency"
)

// PlanLimits describes what a subscription tier allows
type PlanLimits struct {
	MaxAccounts         int
	MaxUsers            int
	MaxAutomationPerDay int
}

// PlanLimitsByTier holds the per-tier ceilings. MaxAutomationPerDay is
// advisory at the org level; the enforced ceiling is each account's
// DailyLimit.
var PlanLimitsByTier = map[SubscriptionTier]PlanLimits{
	TierStarter: {MaxAccounts: 5, MaxUsers: 1, MaxAutomationPerDay: 100},
	TierPro:     {MaxAccounts: 50, MaxUsers: 5, MaxAutomationPerDay: 1000},
	TierAgency:  {MaxAccounts: 500, MaxUsers: 25, MaxAutomationPerDay: 10000},
}

type Organization struct {
	ID   uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Name string    `gorm:"size:200;not null" json:"name"`

	// Billing
	Tier                SubscriptionTier `gorm:"size:20;not null;default:'starter'" json:"tier"`
	SubscriptionStatus  string           `gorm:"size:20;default:'trialing'" json:"subscription_status"`
	MaxAccounts         int              `gorm:"default:5" json:"max_accounts"`
	MaxUsers            int              `gorm:"default:1" json:"max_users"`
	MaxAutomationPerDay int              `gorm:"default:100" json:"max_automation_per_day"`

	// Relations
	Users    []User            `gorm:"foreignKey:OrganizationID" json:"users,omitempty"`
	Accounts []TelegramAccount `gorm:"foreignKey:OrganizationID" json:"accounts,omitempty"`
	Proxies  []Proxy           `gorm:"foreignKey:OrganizationID" json:"proxies,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
