// Package api exposes the control plane's HTTP surface: environment and
// stack management, schedules, notifications, and the agent tunnel
// endpoint.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	activitystore "github.com/dockhand/dockhand/internal/activity/store"
	"github.com/dockhand/dockhand/internal/agent/gateway"
	"github.com/dockhand/dockhand/internal/common/logger"
	envservice "github.com/dockhand/dockhand/internal/environment/service"
	"github.com/dockhand/dockhand/internal/gitops"
	notifservice "github.com/dockhand/dockhand/internal/notifications/service"
	notifstore "github.com/dockhand/dockhand/internal/notifications/store"
	"github.com/dockhand/dockhand/internal/router"
	scanstore "github.com/dockhand/dockhand/internal/scan/store"
	schedstore "github.com/dockhand/dockhand/internal/schedule/store"
	"github.com/dockhand/dockhand/internal/scheduler"
	"github.com/dockhand/dockhand/internal/stack/compose"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
	"github.com/dockhand/dockhand/internal/updater"
)

// Options carries every collaborator the HTTP layer exposes.
type Options struct {
	Environments *envservice.Service
	Router       *router.Router
	Gateway      *gateway.Gateway
	Engine       *compose.Engine
	Stacks       stackstore.Repository
	Schedules    schedstore.Repository
	Scheduler    *scheduler.Scheduler
	Activity     activitystore.Repository
	Scans        scanstore.Repository
	Updater      *updater.Updater
	Syncer       *gitops.Syncer
	Notifier     *notifservice.Notifier
	Providers    notifstore.Repository
}

// Server registers the HTTP routes on a gin engine.
type Server struct {
	opts   Options
	logger *logger.Logger
}

// NewServer creates the HTTP layer.
func NewServer(opts Options, log *logger.Logger) *Server {
	return &Server{opts: opts, logger: log}
}

// RegisterRoutes attaches every endpoint.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	// Agents dial in outside the API prefix.
	r.GET("/agent/ws", s.opts.Gateway.HandleAgentWS)

	r.GET("/health", s.health)

	api := r.Group("/api/v1")
	s.registerEnvironmentRoutes(api)
	s.registerStackRoutes(api)
	s.registerScheduleRoutes(api)
	s.registerNotificationRoutes(api)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"service":          "dockhand",
		"agents_connected": s.opts.Gateway.ConnectionCount(),
	})
}

// CORSMiddleware returns a permissive CORS middleware for the API and
// WebSocket endpoints.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
