package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	activitystore "github.com/dockhand/dockhand/internal/activity/store"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	envstore "github.com/dockhand/dockhand/internal/environment/store"
	"github.com/dockhand/dockhand/internal/scan/models"
)

func (s *Server) registerEnvironmentRoutes(api *gin.RouterGroup) {
	api.GET("/environments", s.listEnvironments)
	api.POST("/environments", s.createEnvironment)
	api.GET("/environments/:id", s.getEnvironment)
	api.PUT("/environments/:id", s.updateEnvironment)
	api.DELETE("/environments/:id", s.deleteEnvironment)

	api.GET("/environments/:id/tokens", s.listTokens)
	api.POST("/environments/:id/tokens", s.issueToken)
	api.POST("/tokens/:tokenId/revoke", s.revokeToken)
	api.DELETE("/tokens/:tokenId", s.deleteToken)

	api.GET("/environments/:id/containers", s.listContainers)
	api.GET("/environments/:id/events", s.listEvents)
	api.GET("/environments/:id/metrics", s.listMetrics)
	api.GET("/environments/:id/pending-updates", s.listPendingUpdates)
	api.POST("/environments/:id/check-updates", s.checkUpdates)
}

func (s *Server) listEnvironments(c *gin.Context) {
	envs, err := s.opts.Environments.List(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

func (s *Server) createEnvironment(c *gin.Context) {
	var env envmodels.Environment
	if err := c.ShouldBindJSON(&env); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Environments.Create(c.Request.Context(), &env); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

func (s *Server) getEnvironment(c *gin.Context) {
	env, err := s.opts.Environments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) updateEnvironment(c *gin.Context) {
	env, err := s.opts.Environments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	if err := c.ShouldBindJSON(env); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	env.ID = c.Param("id")
	if err := s.opts.Environments.Update(c.Request.Context(), env); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) deleteEnvironment(c *gin.Context) {
	if err := s.opts.Environments.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTokens(c *gin.Context) {
	tokens, err := s.opts.Environments.ListTokens(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Name      string     `json:"name"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	plaintext, token, err := s.opts.Environments.IssueToken(c.Request.Context(), c.Param("id"), req.Name, req.ExpiresAt)
	if err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	// The plaintext is shown exactly once; only the hash survives.
	c.JSON(http.StatusCreated, gin.H{"token": token, "plaintext": plaintext})
}

func (s *Server) revokeToken(c *gin.Context) {
	if err := s.opts.Environments.RevokeToken(c.Request.Context(), c.Param("tokenId")); err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteToken(c *gin.Context) {
	if err := s.opts.Environments.DeleteToken(c.Request.Context(), c.Param("tokenId")); err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listContainers(c *gin.Context) {
	ctx := c.Request.Context()
	cli, err := s.opts.Router.ClientFor(ctx, c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	all := c.Query("all") == "true"
	containers, err := cli.ListContainers(ctx, all, nil)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"containers": containers})
}

func (s *Server) listEvents(c *gin.Context) {
	filter := activitystore.EventFilter{
		EnvironmentID: c.Param("id"),
		ContainerID:   c.Query("container_id"),
		Action:        c.Query("action"),
		Limit:         queryInt(c, "limit", 100),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(c, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
		filter.Since = t
	}
	events, err := s.opts.Activity.ListEvents(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) listMetrics(c *gin.Context) {
	since := time.Now().Add(-1 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
		since = t
	}
	metrics, err := s.opts.Activity.ListMetrics(c.Request.Context(), c.Param("id"), since, queryInt(c, "limit", 360))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

func (s *Server) listPendingUpdates(c *gin.Context) {
	pending, err := s.opts.Scans.ListPendingUpdates(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending_updates": pending})
}

// checkUpdates starts an environment-wide update check in the background.
func (s *Server) checkUpdates(c *gin.Context) {
	env, err := s.opts.Environments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	var req struct {
		AutoUpdate bool   `json:"auto_update"`
		Criteria   string `json:"criteria"`
	}
	_ = c.ShouldBindJSON(&req) // empty body means check-only
	criteria := models.CriteriaNever
	if req.Criteria != "" {
		criteria = models.Criteria(req.Criteria)
	}

	// The sweep outlives the request.
	go func() {
		if _, err := s.opts.Updater.CheckEnvironment(context.Background(), env, criteria, req.AutoUpdate, nil); err != nil {
			s.logger.Warn("Environment update check failed",
				zap.String("environment_id", env.ID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envStatus(err error) int {
	if errors.Is(err, envstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
