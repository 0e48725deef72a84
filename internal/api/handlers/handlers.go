// Package handlers contains the gin HTTP handlers. Each handler resolves
// the caller's identity from the auth middleware and passes the
// organization id into the service layer; nothing below this package
// trusts a bare resource id.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/auth"
	"github.com/tgsuite/backend/internal/logger"
	"github.com/tgsuite/backend/internal/services"
	"github.com/tgsuite/backend/internal/store"
	"github.com/tgsuite/backend/internal/telegram"
)

// identity pulls the authenticated user and organization out of the
// request context set by the auth middleware.
func identity(c *gin.Context) (userID, orgID uuid.UUID, ok bool) {
	userID, uok := auth.GetUserID(c)
	orgID, ook := auth.GetOrgID(c)
	if !uok || !ook {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return uuid.Nil, uuid.Nil, false
	}
	return userID, orgID, true
}

func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// handleError maps service and store errors onto HTTP statuses
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrProxyNotFound),
		errors.Is(err, services.ErrOrganizationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrDailyLimitReached):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUnknownTaskType),
		errors.Is(err, services.ErrEmptyBulk),
		errors.Is(err, services.ErrUnknownProtocol),
		errors.Is(err, services.ErrSessionRequired),
		errors.Is(err, services.ErrPhoneRequired),
		errors.Is(err, services.ErrAPICredsMissing),
		errors.Is(err, telegram.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrUserDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log := logger.FromContext(c.Request.Context())
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
