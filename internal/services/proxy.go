package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	xproxy "golang.org/x/net/proxy"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/models"
)

// probeTimeout bounds one proxy reachability check
const probeTimeout = 10 * time.Second

// probeTarget is what the prober asks the proxy to reach. Telegram's DC2
// front address answers TCP on 443 from everywhere.
const probeTarget = "149.154.167.50:443"

var ErrUnknownProtocol = errors.New("unknown proxy protocol")

// ProxyService manages the tenant proxy inventory
type ProxyService struct {
	container *Container
	prober    *TCPProber
}

func NewProxyService(c *Container) *ProxyService {
	return &ProxyService{container: c, prober: NewTCPProber()}
}

type CreateProxyRequest struct {
	IP       string               `json:"ip" binding:"required"`
	Port     int                  `json:"port" binding:"required"`
	Protocol models.ProxyProtocol `json:"protocol" binding:"required"`
	Username string               `json:"username,omitempty"`
	Password string               `json:"password,omitempty"`
}

type ProxyTestResult struct {
	ProxyID   uuid.UUID          `json:"proxy_id"`
	Status    models.ProxyStatus `json:"status"`
	LatencyMs *int               `json:"latency_ms,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func validProtocol(p models.ProxyProtocol) bool {
	switch p {
	case models.ProxyHTTP, models.ProxyHTTPS, models.ProxySOCKS5:
		return true
	}
	return false
}

func (s *ProxyService) Create(ctx context.Context, orgID, userID uuid.UUID, req *CreateProxyRequest) (*models.Proxy, error) {
	if !validProtocol(req.Protocol) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, req.Protocol)
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %d", req.Port)
	}

	proxy := &models.Proxy{
		ID:             uuid.New(),
		OrganizationID: orgID,
		IP:             req.IP,
		Port:           req.Port,
		Protocol:       req.Protocol,
		Username:       req.Username,
		Password:       req.Password,
		Status:         models.ProxyInactive,
	}
	if err := s.container.Store.CreateProxy(ctx, proxy); err != nil {
		return nil, err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionProxyCreate,
		ResourceType:   audit.ResourceProxy,
		ResourceID:     proxy.ID.String(),
		Result:         audit.ResultSuccess,
	})
	return proxy, nil
}

func (s *ProxyService) Get(ctx context.Context, orgID, proxyID uuid.UUID) (*models.Proxy, error) {
	return s.container.Store.GetProxy(ctx, proxyID, orgID)
}

func (s *ProxyService) List(ctx context.Context, orgID uuid.UUID) ([]models.Proxy, error) {
	return s.container.Store.ListProxies(ctx, orgID)
}

// Test probes the proxy and persists its measured health. A dead proxy
// keeps its row; accounts fall back to direct connections only when the
// proxy is removed outright.
func (s *ProxyService) Test(ctx context.Context, orgID, userID, proxyID uuid.UUID) (*ProxyTestResult, error) {
	proxy, err := s.container.Store.GetProxy(ctx, proxyID, orgID)
	if err != nil {
		return nil, err
	}

	latency, probeErr := s.prober.Test(ctx, proxy)

	now := time.Now()
	proxy.LastTested = &now
	result := &ProxyTestResult{ProxyID: proxy.ID}
	if probeErr != nil {
		proxy.Status = models.ProxyDead
		proxy.LatencyMs = nil
		result.Status = models.ProxyDead
		result.Error = probeErr.Error()
	} else {
		ms := int(latency.Milliseconds())
		proxy.Status = models.ProxyActive
		proxy.LatencyMs = &ms
		result.Status = models.ProxyActive
		result.LatencyMs = &ms
	}
	if err := s.container.Store.UpdateProxy(ctx, proxy); err != nil {
		return nil, err
	}

	auditResult := audit.ResultSuccess
	if probeErr != nil {
		auditResult = audit.ResultFailed
	}
	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionProxyTest,
		ResourceType:   audit.ResourceProxy,
		ResourceID:     proxy.ID.String(),
		Result:         auditResult,
		ErrorMessage:   result.Error,
	})
	return result, nil
}

// Delete removes the proxy; the store nulls proxy_id on dependent accounts
// so they fall back to direct connections.
func (s *ProxyService) Delete(ctx context.Context, orgID, userID, proxyID uuid.UUID) error {
	if err := s.container.Store.DeleteProxy(ctx, proxyID, orgID); err != nil {
		return err
	}

	s.container.Audit.Record(ctx, audit.Entry{
		OrganizationID: orgID,
		UserID:         &userID,
		Action:         audit.ActionProxyDelete,
		ResourceType:   audit.ResourceProxy,
		ResourceID:     proxyID.String(),
		Result:         audit.ResultSuccess,
	})
	return nil
}

// Prober returns the shared latency prober, used by the maintenance sweep
func (s *ProxyService) Prober() *TCPProber {
	return s.prober
}

// TCPProber measures proxy health by completing a connection through the
// proxy to a fixed Telegram front address. SOCKS5 proxies get a full
// handshake; http/https proxies are checked for TCP reachability only.
type TCPProber struct {
	timeout time.Duration
	target  string
}

func NewTCPProber() *TCPProber {
	return &TCPProber{timeout: probeTimeout, target: probeTarget}
}

func (p *TCPProber) Test(ctx context.Context, proxy *models.Proxy) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	var conn net.Conn
	var err error
	switch proxy.Protocol {
	case models.ProxySOCKS5:
		var auth *xproxy.Auth
		if proxy.Username != "" {
			auth = &xproxy.Auth{User: proxy.Username, Password: proxy.Password}
		}
		var dialer xproxy.Dialer
		dialer, err = xproxy.SOCKS5("tcp", proxy.Addr(), auth, &net.Dialer{})
		if err != nil {
			return 0, err
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			conn, err = cd.DialContext(ctx, "tcp", p.target)
		} else {
			conn, err = dialer.Dial("tcp", p.target)
		}
	case models.ProxyHTTP, models.ProxyHTTPS:
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", proxy.Addr())
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownProtocol, proxy.Protocol)
	}
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}
