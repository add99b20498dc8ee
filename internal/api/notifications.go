package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dockhand/dockhand/internal/notifications/models"
	notifstore "github.com/dockhand/dockhand/internal/notifications/store"
)

func (s *Server) registerNotificationRoutes(api *gin.RouterGroup) {
	api.GET("/notification-providers", s.listProviders)
	api.POST("/notification-providers", s.createProvider)
	api.GET("/notification-providers/:providerId", s.getProvider)
	api.PUT("/notification-providers/:providerId", s.updateProvider)
	api.DELETE("/notification-providers/:providerId", s.deleteProvider)

	api.GET("/notification-providers/:providerId/subscriptions", s.listSubscriptions)
	api.PUT("/notification-providers/:providerId/subscriptions", s.replaceSubscriptions)

	api.GET("/notification-events", s.listNotificationEvents)
}

type providerRequest struct {
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Config  map[string]interface{} `json:"config"`
	Enabled bool                   `json:"enabled"`
	Events  []string               `json:"events,omitempty"`
}

func (s *Server) listProviders(c *gin.Context) {
	providers, err := s.opts.Providers.ListProviders(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (s *Server) createProvider(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		respondError(c, http.StatusBadRequest, errors.New("provider name is required"))
		return
	}
	providerType := models.ProviderType(req.Type)
	if err := s.opts.Notifier.Validate(providerType, req.Config); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Notifier.ValidateEvents(req.Events); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	now := time.Now().UTC()
	provider := &models.Provider{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      providerType,
		Config:    req.Config,
		Enabled:   req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx := c.Request.Context()
	if err := s.opts.Providers.CreateProvider(ctx, provider); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	events := req.Events
	if len(events) == 0 {
		events = models.AllEvents()
	}
	if err := s.opts.Providers.ReplaceSubscriptions(ctx, provider.ID, events); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, provider)
}

func (s *Server) getProvider(c *gin.Context) {
	provider, err := s.opts.Providers.GetProvider(c.Request.Context(), c.Param("providerId"))
	if err != nil {
		respondError(c, notifStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, provider)
}

func (s *Server) updateProvider(c *gin.Context) {
	ctx := c.Request.Context()
	provider, err := s.opts.Providers.GetProvider(ctx, c.Param("providerId"))
	if err != nil {
		respondError(c, notifStatus(err), err)
		return
	}
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Name != "" {
		provider.Name = req.Name
	}
	if req.Type != "" {
		provider.Type = models.ProviderType(req.Type)
	}
	if req.Config != nil {
		provider.Config = req.Config
	}
	provider.Enabled = req.Enabled
	provider.UpdatedAt = time.Now().UTC()

	if err := s.opts.Notifier.Validate(provider.Type, provider.Config); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Providers.UpdateProvider(ctx, provider); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if req.Events != nil {
		if err := s.opts.Notifier.ValidateEvents(req.Events); err != nil {
			respondError(c, http.StatusBadRequest, err)
			return
		}
		if err := s.opts.Providers.ReplaceSubscriptions(ctx, provider.ID, req.Events); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}
	c.JSON(http.StatusOK, provider)
}

func (s *Server) deleteProvider(c *gin.Context) {
	if err := s.opts.Providers.DeleteProvider(c.Request.Context(), c.Param("providerId")); err != nil {
		respondError(c, notifStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.opts.Providers.ListSubscriptions(c.Request.Context(), c.Param("providerId"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (s *Server) replaceSubscriptions(c *gin.Context) {
	var req struct {
		Events []string `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Notifier.ValidateEvents(req.Events); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Providers.ReplaceSubscriptions(c.Request.Context(), c.Param("providerId"), req.Events); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listNotificationEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": models.AllEvents()})
}

func notifStatus(err error) int {
	if errors.Is(err, notifstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
