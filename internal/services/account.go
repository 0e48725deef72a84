package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/telegram"
)

// connectTimeout bounds a user-initiated connect/verify round trip
const connectTimeout = 60 * time.Second

var (
	ErrSessionRequired = errors.New("session data is required")
	ErrPhoneRequired   = errors.New("phone number is required")
	ErrAPICredsMissing = errors.New("api_id and api_hash are required")
)

// AccountService manages the Telegram account inventory of a tenant. The
// session blob is encrypted on the way in and only ever decrypted inside
// the engine or a connect/verify round trip.
type AccountService struct {
	container *Container
}

func NewAccountService(c *Container) *AccountService {
	return &AccountService{container: c}
}

type RegisterAccountRequest struct {
	PhoneNumber string     `json:"phone_number" binding:"required"`
	Session     string     `json:"session" binding:"required"`
	APIID       int        `json:"api_id" binding:"required"`
	APIHash     string     `json:"api_hash" binding:"required"`
	ProxyID     *uuid.UUID `json:"proxy_id,omitempty"`
	DailyLimit  int        `json:"daily_limit,omitempty"`
}

type UpdateAccountRequest struct {
	ProxyID    *uuid.UUID `json:"proxy_id,omitempty"`
	DailyLimit *int       `json:"daily_limit,omitempty"`
}

// ConnectResult reports what a connect/verify round trip found
type ConnectResult struct {
	AccountID uuid.UUID            `json:"account_id"`
	Status    models.AccountStatus `json:"status"`
	Username  string               `json:"username,omitempty"`
	FirstName string               `json:"first_name,omitempty"`
	LastName  string               `json:"last_name,omitempty"`
}

// Register stores a new account with its session encrypted at rest. The
// account starts in pending until a connect/verify round trip confirms the
// session is live.
func (s *AccountService) Register(ctx context.Context, orgID, userID uuid.UUID, req *RegisterAccountRequest) (*models.TelegramAccount, error) {
	if req.PhoneNumber == "" {
		return nil, ErrPhoneRequired
	}
	if req.Session == "" {
		return nil, ErrSessionRequired
	}
	if req.APIID == 0 || req.APIHash == "" {
		return nil, ErrAPICredsMissing
	}
	if req.ProxyID != nil {
		if _, err := s.container.Store.GetProxy(ctx, *req.ProxyID, orgID); err != nil {
			return nil, err
		}
	}

	encrypted, err := s.container.Vault.Encrypt([]byte(req.Session))
	if err != nil {
		return nil, err
	}

	limit := req.DailyLimit
	if limit <= 0 {
		limit = models.DefaultDailyLimit
	}

	account := &models.TelegramAccount{
		ID:               uuid.New(),
		OrganizationID:   orgID,
		PhoneNumber:      req.PhoneNumber,
		SessionEncrypted: encrypted,
		APIID:            req.APIID,
		APIHash:          req.APIHash,
		ProxyID:          req.ProxyID,
		Status:           models.AccountStatusPending,
		DailyLimit:       limit,
	}
	if err := s.container.Store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionAccountRegister,
		ResourceType:   audit.ResourceAccount,
		ResourceID:     account.ID.String(),
		Result:         audit.ResultSuccess,
	})
	return account, nil
}

func (s *AccountService) Get(ctx context.Context, orgID, accountID uuid.UUID) (*models.TelegramAccount, error) {
	return s.container.Store.GetAccount(ctx, accountID, orgID)
}

func (s *AccountService) List(ctx context.Context, orgID uuid.UUID) ([]models.TelegramAccount, error) {
	return s.container.Store.ListAccounts(ctx, orgID)
}

func (s *AccountService) Update(ctx context.Context, orgID, accountID uuid.UUID, req *UpdateAccountRequest) (*models.TelegramAccount, error) {
	account, err := s.container.Store.GetAccount(ctx, accountID, orgID)
	if err != nil {
		return nil, err
	}
	if req.ProxyID != nil {
		if _, err := s.container.Store.GetProxy(ctx, *req.ProxyID, orgID); err != nil {
			return nil, err
		}
		account.ProxyID = req.ProxyID
	}
	if req.DailyLimit != nil && *req.DailyLimit > 0 {
		account.DailyLimit = *req.DailyLimit
	}
	if err := s.container.Store.UpdateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Connect decrypts the session, dials Telegram and reconciles the account
// status with what the wire says. The live client is parked in the pool on
// success.
func (s *AccountService) Connect(ctx context.Context, orgID, userID, accountID uuid.UUID) (*ConnectResult, error) {
	account, err := s.container.Store.GetAccount(ctx, accountID, orgID)
	if err != nil {
		return nil, err
	}

	session, err := s.container.Vault.Decrypt(account.SessionEncrypted)
	if err != nil {
		return nil, err
	}

	var proxyCfg *telegram.ProxyConfig
	if account.ProxyID != nil {
		proxy, err := s.container.Store.GetProxy(ctx, *account.ProxyID, orgID)
		if err != nil {
			return nil, err
		}
		proxyCfg = &telegram.ProxyConfig{
			Protocol: string(proxy.Protocol),
			Addr:     proxy.Addr(),
			Username: proxy.Username,
			Password: proxy.Password,
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	creds := telegram.Credentials{APIID: account.APIID, APIHash: account.APIHash, Phone: account.PhoneNumber}
	client, err := s.container.Dialer.Connect(dialCtx, session, creds, proxyCfg)
	if err != nil {
		s.setStatus(ctx, account.ID, models.AccountStatusConnectionError)
		s.recordConnect(ctx, orgID, userID, accountID, audit.ResultFailed, err)
		return nil, err
	}

	authorized, err := client.IsAuthorized(dialCtx)
	if err != nil || !authorized {
		client.Close()
		s.setStatus(ctx, account.ID, models.AccountStatusAuthRequired)
		s.recordConnect(ctx, orgID, userID, accountID, audit.ResultFailed, err)
		return &ConnectResult{AccountID: account.ID, Status: models.AccountStatusAuthRequired}, nil
	}

	result := &ConnectResult{AccountID: account.ID, Status: models.AccountStatusActive}
	if profile, err := client.Self(dialCtx); err == nil {
		account.Username = profile.Username
		account.FirstName = profile.FirstName
		account.LastName = profile.LastName
		result.Username = profile.Username
		result.FirstName = profile.FirstName
		result.LastName = profile.LastName
	}

	account.Status = models.AccountStatusActive
	if err := s.container.Store.UpdateAccount(ctx, account); err != nil {
		client.Close()
		return nil, err
	}
	s.container.Store.TouchLastActive(ctx, account.ID, time.Now())

	if s.container.Pool != nil {
		if err := s.container.Pool.Put(account.ID, client); err != nil {
			client.Close()
		}
	} else {
		client.Close()
	}

	s.recordConnect(ctx, orgID, userID, accountID, audit.ResultSuccess, nil)
	return result, nil
}

// Disconnect closes any pooled connection and parks the account as
// inactive so the engine refuses new work for it.
func (s *AccountService) Disconnect(ctx context.Context, orgID, userID, accountID uuid.UUID) error {
	account, err := s.container.Store.GetAccount(ctx, accountID, orgID)
	if err != nil {
		return err
	}
	if s.container.Pool != nil {
		s.container.Pool.Remove(account.ID)
	}
	if err := s.container.Store.SetAccountStatus(ctx, account.ID, models.AccountStatusInactive); err != nil {
		return err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionAccountDisconnect,
		ResourceType:   audit.ResourceAccount,
		ResourceID:     accountID.String(),
		Result:         audit.ResultSuccess,
	})
	return nil
}

// Remove deletes the account row. Tasks that reference it survive for the
// audit trail.
func (s *AccountService) Remove(ctx context.Context, orgID, userID, accountID uuid.UUID) error {
	account, err := s.container.Store.GetAccount(ctx, accountID, orgID)
	if err != nil {
		return err
	}
	if s.container.Pool != nil {
		s.container.Pool.Remove(account.ID)
	}
	if err := s.container.Store.DeleteAccount(ctx, account.ID, orgID); err != nil {
		return err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionAccountRemove,
		ResourceType:   audit.ResourceAccount,
		ResourceID:     accountID.String(),
		Result:         audit.ResultSuccess,
	})
	return nil
}

func (s *AccountService) setStatus(ctx context.Context, accountID uuid.UUID, status models.AccountStatus) {
	s.container.Store.SetAccountStatus(ctx, accountID, status)
}

func (s *AccountService) recordConnect(ctx context.Context, orgID, userID, accountID uuid.UUID, result string, cause error) {
	entry := audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionAccountConnect,
		ResourceType:   audit.ResourceAccount,
		ResourceID:     accountID.String(),
		Result:         result,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	s.container.Audit.Record(ctx, entry)
}
