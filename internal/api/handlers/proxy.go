package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tgsuite/backend/internal/services"
)

type ProxyHandler struct {
	services *services.Container
}

func NewProxyHandler(s *services.Container) *ProxyHandler {
	return &ProxyHandler{services: s}
}

func (h *ProxyHandler) List(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	proxies, err := h.services.Proxy.List(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": proxies})
}

func (h *ProxyHandler) Get(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}
	proxyID, ok := parseID(c, "id")
	if !ok {
		return
	}

	proxy, err := h.services.Proxy.Get(c.Request.Context(), orgID, proxyID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, proxy)
}

func (h *ProxyHandler) Create(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}

	var req services.CreateProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proxy, err := h.services.Proxy.Create(c.Request.Context(), orgID, userID, &req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proxy)
}

func (h *ProxyHandler) Test(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}
	proxyID, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.services.Proxy.Test(c.Request.Context(), orgID, userID, proxyID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ProxyHandler) Delete(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}
	proxyID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.services.Proxy.Delete(c.Request.Context(), orgID, userID, proxyID); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "proxy deleted"})
}
