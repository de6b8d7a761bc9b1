// Package api exposes the task execution core over HTTP. The chat frontend
// and operators drive tasks through these endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsforge/foreman/pkg/database"
	"github.com/opsforge/foreman/pkg/llm"
	"github.com/opsforge/foreman/pkg/metrics"
	"github.com/opsforge/foreman/pkg/tasks"
	"github.com/opsforge/foreman/pkg/version"
)

// Server represents the API server.
type Server struct {
	manager  *tasks.Manager
	dbClient *database.Client
	provider llm.Provider
	recorder *metrics.Recorder
}

// NewServer creates a new API server.
func NewServer(manager *tasks.Manager, dbClient *database.Client, provider llm.Provider, recorder *metrics.Recorder) *Server {
	return &Server{
		manager:  manager,
		dbClient: dbClient,
		provider: provider,
		recorder: recorder,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.recorder.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks/running", s.listRunning)
		v1.GET("/tasks/last", s.lastFinished)
		v1.GET("/tasks/:id", s.getTask)
		v1.POST("/tasks/:id/stop", s.stopTask)
	}
	return r
}

// health reports the core's own readiness: database plus agent CLI. It is
// safe for unauthenticated probes.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK

	if s.dbClient != nil {
		if _, err := database.Health(ctx, s.dbClient.DB()); err != nil {
			checks["database"] = gin.H{"status": "unhealthy", "message": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = gin.H{"status": "healthy"}
		}
	}
	if s.provider != nil {
		if err := s.provider.Healthcheck(ctx); err != nil {
			checks["provider"] = gin.H{"status": "unhealthy", "message": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			checks["provider"] = gin.H{"status": "healthy"}
		}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "version": version.Full(), "checks": checks})
}
