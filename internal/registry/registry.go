// Package registry answers the question "may this account run a task right
// now". It owns the eligibility rules and the account status transitions the
// execution engine reports back after talking to Telegram.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/store"
)

// EligibilityReason classifies why an account was refused
type EligibilityReason string

const (
	ReasonNotFound   EligibilityReason = "not_found"
	ReasonNotActive  EligibilityReason = "not_active"
	ReasonDailyLimit EligibilityReason = "daily_limit"
)

// EligibilityError is returned when an account may not execute a task.
// None of its reasons are retryable: retrying cannot change ownership or
// status, and the daily limit only resets at the UTC boundary.
type EligibilityError struct {
	AccountID uuid.UUID
	Reason    EligibilityReason
	Status    models.AccountStatus
}

func (e *EligibilityError) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("account %s not found", e.AccountID)
	case ReasonNotActive:
		return fmt.Sprintf("account %s is %s, not active", e.AccountID, e.Status)
	case ReasonDailyLimit:
		return fmt.Sprintf("account %s reached its daily action limit", e.AccountID)
	}
	return fmt.Sprintf("account %s is not eligible", e.AccountID)
}

// AsEligibilityError unwraps err into an EligibilityError if it is one
func AsEligibilityError(err error) (*EligibilityError, bool) {
	var elig *EligibilityError
	if errors.As(err, &elig) {
		return elig, true
	}
	return nil, false
}

// Registry wraps the account store with eligibility and status policy
type Registry struct {
	accounts store.AccountStore
	log      zerolog.Logger
}

func New(accounts store.AccountStore, log zerolog.Logger) *Registry {
	return &Registry{
		accounts: accounts,
		log:      log.With().Str("component", "registry").Logger(),
	}
}

// CheckEligibility loads the account under the tenant scope and verifies it
// is active with quota remaining. The quota check here is advisory; the
// authoritative guard is the conditional increment at consume time.
func (r *Registry) CheckEligibility(ctx context.Context, accountID, orgID uuid.UUID) (*models.TelegramAccount, error) {
	account, err := r.accounts.GetAccount(ctx, accountID, orgID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, &EligibilityError{AccountID: accountID, Reason: ReasonNotFound}
		}
		return nil, err
	}

	if account.Status != models.AccountStatusActive {
		return nil, &EligibilityError{
			AccountID: accountID,
			Reason:    ReasonNotActive,
			Status:    account.Status,
		}
	}

	if account.QuotaRemaining() == 0 {
		return nil, &EligibilityError{AccountID: accountID, Reason: ReasonDailyLimit}
	}

	return account, nil
}

// MarkAuthRequired flips the account to auth_required after Telegram
// rejected or revoked its session. Tasks against it stop being eligible
// immediately; the operator has to re-authenticate.
func (r *Registry) MarkAuthRequired(ctx context.Context, accountID uuid.UUID) error {
	r.log.Warn().Str("account_id", accountID.String()).Msg("session no longer authorized, marking auth_required")
	return r.accounts.SetAccountStatus(ctx, accountID, models.AccountStatusAuthRequired)
}

// MarkConnectionError records a transport-level failure reaching Telegram
func (r *Registry) MarkConnectionError(ctx context.Context, accountID uuid.UUID) error {
	r.log.Warn().Str("account_id", accountID.String()).Msg("connection failed, marking connection_error")
	return r.accounts.SetAccountStatus(ctx, accountID, models.AccountStatusConnectionError)
}

// MarkBanned records that Telegram deactivated the account
func (r *Registry) MarkBanned(ctx context.Context, accountID uuid.UUID) error {
	r.log.Warn().Str("account_id", accountID.String()).Msg("account deactivated by telegram, marking banned")
	return r.accounts.SetAccountStatus(ctx, accountID, models.AccountStatusBanned)
}

// MarkActive records a verified, authorized connection and stamps
// last_active.
func (r *Registry) MarkActive(ctx context.Context, accountID uuid.UUID) error {
	if err := r.accounts.SetAccountStatus(ctx, accountID, models.AccountStatusActive); err != nil {
		return err
	}
	return r.accounts.TouchLastActive(ctx, accountID, time.Now().UTC())
}
