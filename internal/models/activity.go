package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityLog is an append-only record of a state-changing action. Rows are
// written by the audit logger and never updated.
type ActivityLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	OrganizationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"organization_id"`
	UserID         *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`

	Action       string `gorm:"size:50;not null;index" json:"action"`
	ResourceType string `gorm:"size:50;not null" json:"resource_type"`
	ResourceID   string `gorm:"size:100" json:"resource_id,omitempty"`

	Result       string `gorm:"size:20;not null" json:"result"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	Metadata     string `gorm:"type:jsonb" json:"metadata,omitempty"`

	IPAddress string `gorm:"size:50" json:"ip_address,omitempty"`
	UserAgent string `gorm:"size:300" json:"user_agent,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
