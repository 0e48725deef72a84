package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/models"
)

var ErrOrganizationNotFound = errors.New("organization not found")

// BillingService reads plan limits and usage for an organization. The
// per-account DailyLimit is the enforced ceiling; everything here is
// advisory, surfaced so the frontend can warn before the engine refuses.
type BillingService struct {
	container *Container
}

func NewBillingService(c *Container) *BillingService {
	return &BillingService{container: c}
}

type UsageSummary struct {
	Organization  *models.Organization `json:"organization"`
	Limits        models.PlanLimits    `json:"limits"`
	AccountsUsed  int                  `json:"accounts_used"`
	ActionsToday  int                  `json:"actions_today"`
	TasksToday    int64                `json:"tasks_today"`
	AccountsAtMax bool                 `json:"accounts_at_max"`
	ActionsAtMax  bool                 `json:"actions_at_max"`
}

func (s *BillingService) GetOrganization(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	if err := s.container.DB.WithContext(ctx).First(&org, "id = ?", orgID).Error; err != nil {
		return nil, ErrOrganizationNotFound
	}
	return &org, nil
}

// Limits resolves the effective plan ceilings for an organization. Column
// overrides win over the tier defaults so support can bump a single org.
func (s *BillingService) Limits(ctx context.Context, orgID uuid.UUID) (models.PlanLimits, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return models.PlanLimits{}, err
	}
	return effectiveLimits(org), nil
}

func effectiveLimits(org *models.Organization) models.PlanLimits {
	limits, ok := models.PlanLimitsByTier[org.Tier]
	if !ok {
		limits = models.PlanLimitsByTier[models.TierStarter]
	}
	if org.MaxAccounts > 0 {
		limits.MaxAccounts = org.MaxAccounts
	}
	if org.MaxUsers > 0 {
		limits.MaxUsers = org.MaxUsers
	}
	if org.MaxAutomationPerDay > 0 {
		limits.MaxAutomationPerDay = org.MaxAutomationPerDay
	}
	return limits
}

// Usage aggregates today's consumption against the plan ceilings
func (s *BillingService) Usage(ctx context.Context, orgID uuid.UUID) (*UsageSummary, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	limits := effectiveLimits(org)

	accounts, err := s.container.Store.ListAccounts(ctx, orgID)
	if err != nil {
		return nil, err
	}
	actionsToday := 0
	for i := range accounts {
		actionsToday += accounts[i].ActionsToday
	}

	var tasksToday int64
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.container.DB.WithContext(ctx).Model(&models.AutomationTask{}).
		Where("organization_id = ? AND created_at >= ?", orgID, midnight).
		Count(&tasksToday).Error; err != nil {
		return nil, err
	}

	return &UsageSummary{
		Organization:  org,
		Limits:        limits,
		AccountsUsed:  len(accounts),
		ActionsToday:  actionsToday,
		TasksToday:    tasksToday,
		AccountsAtMax: len(accounts) >= limits.MaxAccounts,
		ActionsAtMax:  actionsToday >= limits.MaxAutomationPerDay,
	}, nil
}

// CheckAccountCapacity reports whether the org may register another account
func (s *BillingService) CheckAccountCapacity(ctx context.Context, orgID uuid.UUID) (bool, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return false, err
	}
	limits := effectiveLimits(org)

	accounts, err := s.container.Store.ListAccounts(ctx, orgID)
	if err != nil {
		return false, err
	}
	return len(accounts) < limits.MaxAccounts, nil
}
