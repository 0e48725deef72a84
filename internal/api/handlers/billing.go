package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tgsuite/backend/internal/services"
)

type BillingHandler struct {
	services *services.Container
}

func NewBillingHandler(s *services.Container) *BillingHandler {
	return &BillingHandler{services: s}
}

func (h *BillingHandler) GetOrganization(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	org, err := h.services.Billing.GetOrganization(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, org)
}

func (h *BillingHandler) Usage(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	usage, err := h.services.Billing.Usage(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (h *BillingHandler) Limits(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	limits, err := h.services.Billing.Limits(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}
