package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/audit"
	"github.com/tgsuite/backend/internal/auth"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/services"
)

type ActivityHandler struct {
	services *services.Container
}

func NewActivityHandler(s *services.Container) *ActivityHandler {
	return &ActivityHandler{services: s}
}

func (h *ActivityHandler) List(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}

	params := audit.QueryParams{
		OrganizationID: orgID,
		Action:         c.Query("action"),
		ResourceType:   c.Query("resource_type"),
		Result:         c.Query("result"),
	}
	if raw := c.Query("user_id"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			params.UserID = &id
		}
	}

	// Staff and viewers only see their own trail; org-wide history is for
	// admins and owners.
	if claims, ok := auth.GetClaims(c); ok {
		switch claims.Role {
		case string(models.RoleOwner), string(models.RoleAdmin):
		default:
			params.UserID = &userID
		}
	}
	params.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	params.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	logs, total, err := h.services.AuditLog().Query(c.Request.Context(), params)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": logs, "total": total})
}
