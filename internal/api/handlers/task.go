package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/services"
)

type TaskHandler struct {
	services *services.Container
}

func NewTaskHandler(s *services.Container) *TaskHandler {
	return &TaskHandler{services: s}
}

func (h *TaskHandler) Create(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}

	var req services.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.services.Task.Create(c.Request.Context(), orgID, userID, &req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *TaskHandler) CreateBulk(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}

	var req services.BulkCreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tasks, err := h.services.Task.CreateBulk(c.Request.Context(), orgID, userID, &req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *TaskHandler) List(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	req := services.ListTasksRequest{}
	if raw := c.Query("status"); raw != "" {
		status := models.TaskStatus(raw)
		req.Status = &status
	}
	req.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	req.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	tasks, err := h.services.Task.List(c.Request.Context(), orgID, &req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *TaskHandler) Get(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}
	taskID, ok := parseID(c, "id")
	if !ok {
		return
	}

	task, err := h.services.Task.Get(c.Request.Context(), orgID, taskID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	userID, orgID, ok := identity(c)
	if !ok {
		return
	}
	taskID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.services.Task.Cancel(c.Request.Context(), orgID, userID, taskID); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "task cancelled"})
}

func (h *TaskHandler) Progress(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}
	taskID, ok := parseID(c, "id")
	if !ok {
		return
	}

	progress, err := h.services.Task.Progress(c.Request.Context(), orgID, taskID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *TaskHandler) Stats(c *gin.Context) {
	_, orgID, ok := identity(c)
	if !ok {
		return
	}

	stats, err := h.services.Task.Stats(c.Request.Context(), orgID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
