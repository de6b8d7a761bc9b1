package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opsforge/foreman/pkg/models"
	"github.com/opsforge/foreman/pkg/tasks"
)

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	UserID          int64  `json:"user_id" binding:"required"`
	ChatID          int64  `json:"chat_id" binding:"required"`
	MessageThreadID *int64 `json:"message_thread_id"`
	ProjectPath     string `json:"project_path" binding:"required"`
	Prompt          string `json:"prompt" binding:"required"`
	Continue        bool   `json:"continue"`
}

func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.manager.StartTask(c.Request.Context(), tasks.StartRequest{
		UserID:          req.UserID,
		ChatID:          req.ChatID,
		MessageThreadID: req.MessageThreadID,
		ProjectPath:     req.ProjectPath,
		Prompt:          req.Prompt,
		Continue:        req.Continue,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.manager.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listRunning(c *gin.Context) {
	if projectPath := c.Query("project_path"); projectPath != "" {
		task, err := s.manager.RunningForProject(c.Request.Context(), projectPath)
		if err != nil {
			writeError(c, err)
			return
		}
		if task == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no running task for project"})
			return
		}
		c.JSON(http.StatusOK, task)
		return
	}

	running, err := s.manager.ListRunning(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if running == nil {
		running = []*models.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": running, "count": len(running)})
}

func (s *Server) lastFinished(c *gin.Context) {
	projectPath := c.Query("project_path")
	if projectPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_path is required"})
		return
	}
	task, err := s.manager.LastFinished(c.Request.Context(), projectPath)
	if err != nil {
		writeError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no finished task for project"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) stopTask(c *gin.Context) {
	if err := s.manager.StopTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps manager errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var busy *tasks.ProjectBusyError
	var capacity *tasks.CapacityExceededError
	switch {
	case errors.As(err, &busy):
		c.JSON(http.StatusConflict, gin.H{"error": busy.Error(), "task_id": busy.TaskID})
	case errors.As(err, &capacity):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": capacity.Error()})
	case errors.Is(err, tasks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		slog.Error("Unexpected handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
