package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProxyStatus string

const (
	ProxyActive   ProxyStatus = "active"
	ProxyInactive ProxyStatus = "inactive"
	ProxyTesting  ProxyStatus = "testing"
	ProxyDead     ProxyStatus = "dead"
)

type ProxyProtocol string

const (
	ProxyHTTP   ProxyProtocol = "http"
	ProxyHTTPS  ProxyProtocol = "https"
	ProxySOCKS5 ProxyProtocol = "socks5"
)

// Proxy is a tenant-owned outbound proxy. Accounts reference proxies but do
// not own them; deleting a proxy nulls the reference on dependent accounts.
type Proxy struct {
	ID             uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;index" json:"organization_id"`

	IP       string        `gorm:"size:45;not null" json:"ip"`
	Port     int           `gorm:"not null" json:"port"`
	Username string        `gorm:"size:255" json:"username,omitempty"`
	Password string        `gorm:"size:255" json:"-"`
	Protocol ProxyProtocol `gorm:"size:10;not null;default:'http'" json:"protocol"`

	Status     ProxyStatus `gorm:"size:20;not null;default:'inactive'" json:"status"`
	LatencyMs  *int        `json:"latency_ms,omitempty"`
	LastTested *time.Time  `json:"last_tested,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Addr returns the host:port address of the proxy
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}
