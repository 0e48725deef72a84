package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
)

func TestAccountRegisterEncryptsSession(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()

	account, err := env.container.Account.Register(context.Background(), orgID, userID, &RegisterAccountRequest{
		PhoneNumber: "+15550000001",
		Session:     "1BVtsOHwBu2...",
		APIID:       12345,
		APIHash:     "deadbeef",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if account.Status != models.AccountStatusPending {
		t.Errorf("status = %s, want pending", account.Status)
	}
	if account.DailyLimit != models.DefaultDailyLimit {
		t.Errorf("daily limit = %d, want default %d", account.DailyLimit, models.DefaultDailyLimit)
	}
	if string(account.SessionEncrypted) == "1BVtsOHwBu2..." {
		t.Fatal("session stored in the clear")
	}

	plain, err := env.container.Vault.Decrypt(account.SessionEncrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "1BVtsOHwBu2..." {
		t.Errorf("decrypted session = %q", plain)
	}
}

func TestAccountRegisterValidation(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()

	cases := []struct {
		name string
		req  RegisterAccountRequest
		want error
	}{
		{"missing phone", RegisterAccountRequest{Session: "s", APIID: 1, APIHash: "h"}, ErrPhoneRequired},
		{"missing session", RegisterAccountRequest{PhoneNumber: "+1555", APIID: 1, APIHash: "h"}, ErrSessionRequired},
		{"missing creds", RegisterAccountRequest{PhoneNumber: "+1555", Session: "s"}, ErrAPICredsMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.container.Account.Register(context.Background(), orgID, userID, &tc.req)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAccountRegisterForeignProxy(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()

	proxy := &models.Proxy{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		IP:             "10.0.0.1",
		Port:           1080,
		Protocol:       models.ProxySOCKS5,
		Status:         models.ProxyActive,
	}
	if err := env.store.CreateProxy(context.Background(), proxy); err != nil {
		t.Fatalf("CreateProxy: %v", err)
	}

	_, err := env.container.Account.Register(context.Background(), orgID, uuid.New(), &RegisterAccountRequest{
		PhoneNumber: "+15550000001",
		Session:     "sess",
		APIID:       12345,
		APIHash:     "deadbeef",
		ProxyID:     &proxy.ID,
	})
	if !errors.Is(err, store.ErrProxyNotFound) {
		t.Fatalf("err = %v, want ErrProxyNotFound for foreign proxy", err)
	}
}

func TestAccountConnect(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()

	env.dialer.client.profile = telegram.Profile{
		Username:  "alice_tg",
		FirstName: "Alice",
	}

	account, err := env.container.Account.Register(context.Background(), orgID, userID, &RegisterAccountRequest{
		PhoneNumber: "+15550000001",
		Session:     "sess",
		APIID:       12345,
		APIHash:     "deadbeef",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := env.container.Account.Connect(context.Background(), orgID, userID, account.ID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.Status != models.AccountStatusActive {
		t.Errorf("result status = %s, want active", result.Status)
	}
	if result.Username != "alice_tg" {
		t.Errorf("username = %q, want alice_tg", result.Username)
	}

	got, _ := env.store.GetAccount(context.Background(), account.ID, orgID)
	if got.Status != models.AccountStatusActive {
		t.Errorf("stored status = %s, want active", got.Status)
	}
	if got.Username != "alice_tg" {
		t.Errorf("stored username = %q", got.Username)
	}
}

func TestAccountConnectUnauthorized(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	env.dialer.client.authorized = false

	account, err := env.container.Account.Register(context.Background(), orgID, userID, &RegisterAccountRequest{
		PhoneNumber: "+15550000001",
		Session:     "sess",
		APIID:       12345,
		APIHash:     "deadbeef",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := env.container.Account.Connect(context.Background(), orgID, userID, account.ID)
	if err != nil {
		t.Fatalf("Connect should report auth_required without failing: %v", err)
	}
	if result.Status != models.AccountStatusAuthRequired {
		t.Errorf("result status = %s, want auth_required", result.Status)
	}

	got, _ := env.store.GetAccount(context.Background(), account.ID, orgID)
	if got.Status != models.AccountStatusAuthRequired {
		t.Errorf("stored status = %s, want auth_required", got.Status)
	}
	if env.dialer.client.closeCalls == 0 {
		t.Error("dead session connection was never closed")
	}
}

func TestAccountConnectDialFailure(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	env.dialer.connectErr = errors.New("proxy unreachable")

	account, err := env.container.Account.Register(context.Background(), orgID, userID, &RegisterAccountRequest{
		PhoneNumber: "+15550000001",
		Session:     "sess",
		APIID:       12345,
		APIHash:     "deadbeef",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = env.container.Account.Connect(context.Background(), orgID, userID, account.ID)
	if err == nil {
		t.Fatal("expected connect error")
	}

	got, _ := env.store.GetAccount(context.Background(), account.ID, orgID)
	if got.Status != models.AccountStatusConnectionError {
		t.Errorf("stored status = %s, want connection_error", got.Status)
	}
	if got := env.sink.byAction(audit.ActionAccountConnect); len(got) != 1 || got[0].Result != audit.ResultFailed {
		t.Errorf("audit trail = %+v, want one failed connect entry", got)
	}
}

func TestAccountConnectUsesProxy(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()

	proxy, err := env.container.Proxy.Create(context.Background(), orgID, userID, &CreateProxyRequest{
		IP:       "10.0.0.1",
		Port:     1080,
		Protocol: models.ProxySOCKS5,
		Username: "u",
		Password: "p",
	})
	if err != nil {
		t.Fatalf("Create proxy: %v", err)
	}

	account, err := env.container.Account.Register(context.Background(), orgID, userID, &RegisterAccountRequest{
		PhoneNumber: "+15550000001",
		Session:     "sess",
		APIID:       12345,
		APIHash:     "deadbeef",
		ProxyID:     &proxy.ID,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := env.container.Account.Connect(context.Background(), orgID, userID, account.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if env.dialer.lastProxy == nil {
		t.Fatal("dialer never received the proxy config")
	}
	if env.dialer.lastProxy.Addr != "10.0.0.1:1080" {
		t.Errorf("proxy addr = %q, want 10.0.0.1:1080", env.dialer.lastProxy.Addr)
	}
}

func TestAccountDisconnect(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	account := env.seedAccount(orgID)

	if err := env.container.Account.Disconnect(context.Background(), orgID, userID, account.ID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	got, _ := env.store.GetAccount(context.Background(), account.ID, orgID)
	if got.Status != models.AccountStatusInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}
}

func TestAccountRemove(t *testing.T) {
	env := newTestEnv()
	orgID := uuid.New()
	userID := uuid.New()
	account := env.seedAccount(orgID)

	if err := env.container.Account.Remove(context.Background(), orgID, userID, account.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := env.store.GetAccount(context.Background(), account.ID, orgID); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound after removal", err)
	}
	if got := env.sink.byAction(audit.ActionAccountRemove); len(got) != 1 {
		t.Errorf("audit entries = %d, want 1", len(got))
	}
}

func TestAccountRemoveForeignOrg(t *testing.T) {
	env := newTestEnv()
	account := env.seedAccount(uuid.New())

	err := env.container.Account.Remove(context.Background(), uuid.New(), uuid.New(), account.ID)
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound for foreign org", err)
	}
}
