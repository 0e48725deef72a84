package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tgsuite/backend/internal/services"
)

type AccountHandler struct {
	services *services.Container
}

func NewAccountHandler(s *services.Container) *AccountHandler {
	return &AccountHandler{services: s}
}

func (h *AccountHandler) List(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	accounts, err := h.services.Account.List(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *AccountHandler) Get(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	account, err := h.services.Account.Get(c.Request.Context(), orgID, accountID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *AccountHandler) Register(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}

	var req services.RegisterAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	allowed, err := h.services.Billing.CheckAccountCapacity(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "account limit reached for plan"})
		return
	}

	account, err := h.services.Account.Register(c.Request.Context(), orgID, userID, &req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (h *AccountHandler) Update(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.services.Account.Update(c.Request.Context(), orgID, accountID, &req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (h *AccountHandler) Connect(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.services.Account.Connect(c.Request.Context(), orgID, userID, accountID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AccountHandler) Disconnect(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.services.Account.Disconnect(c.Request.Context(), orgID, userID, accountID); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account disconnected"})
}

func (h *AccountHandler) Remove(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}
	accountID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.services.Account.Remove(c.Request.Context(), orgID, userID, accountID); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account removed"})
}
