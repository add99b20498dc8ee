package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dockhand/dockhand/internal/schedule/models"
	schedstore "github.com/dockhand/dockhand/internal/schedule/store"
	"github.com/dockhand/dockhand/internal/scheduler"
)

func (s *Server) registerScheduleRoutes(api *gin.RouterGroup) {
	api.GET("/schedules", s.listSchedules)
	api.POST("/schedules", s.createSchedule)
	api.GET("/schedules/:id", s.getSchedule)
	api.PUT("/schedules/:id", s.updateSchedule)
	api.DELETE("/schedules/:id", s.deleteSchedule)
	api.POST("/schedules/:id/run", s.runSchedule)
	api.GET("/schedules/:id/executions", s.listExecutions)
	api.GET("/executions/:executionId", s.getExecution)
	api.POST("/validate-cron", s.validateCron)
}

func (s *Server) listSchedules(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		schedules []*models.Schedule
		err       error
	)
	if envID := c.Query("environment_id"); envID != "" {
		schedules, err = s.opts.Schedules.ListSchedulesForEnvironment(ctx, envID)
	} else {
		schedules, err = s.opts.Schedules.ListSchedules(ctx)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	type scheduleView struct {
		*models.Schedule
		NextRun *time.Time `json:"next_run,omitempty"`
	}
	views := make([]scheduleView, 0, len(schedules))
	for _, sched := range schedules {
		view := scheduleView{Schedule: sched}
		if next, ok := s.opts.Scheduler.NextRun(sched.ID); ok {
			view.NextRun = &next
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"schedules": views})
}

func (s *Server) createSchedule(c *gin.Context) {
	var sched models.Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := validateSchedule(&sched); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if err := s.opts.Schedules.CreateSchedule(c.Request.Context(), &sched); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if err := s.opts.Scheduler.Register(&sched); err != nil {
		s.logger.Warn("Failed to register schedule: " + err.Error())
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) getSchedule(c *gin.Context) {
	sched, err := s.opts.Schedules.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, scheduleStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) updateSchedule(c *gin.Context) {
	sched, err := s.opts.Schedules.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, scheduleStatus(err), err)
		return
	}
	if err := c.ShouldBindJSON(sched); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	sched.ID = c.Param("id")
	if err := validateSchedule(sched); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	sched.UpdatedAt = time.Now().UTC()

	if err := s.opts.Schedules.UpdateSchedule(c.Request.Context(), sched); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	// Register handles the disabled case by unregistering.
	if err := s.opts.Scheduler.Register(sched); err != nil {
		s.logger.Warn("Failed to re-register schedule: " + err.Error())
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if err := s.opts.Schedules.DeleteSchedule(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, scheduleStatus(err), err)
		return
	}
	s.opts.Scheduler.Unregister(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) runSchedule(c *gin.Context) {
	if err := s.opts.Scheduler.TriggerNow(c.Request.Context(), c.Param("id"), models.TriggerManual); err != nil {
		respondError(c, scheduleStatus(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

func (s *Server) listExecutions(c *gin.Context) {
	executions, err := s.opts.Schedules.ListExecutions(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 50))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) getExecution(c *gin.Context) {
	execution, err := s.opts.Schedules.GetExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, scheduleStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, execution)
}

func (s *Server) validateCron(c *gin.Context) {
	var req struct {
		Expression string `json:"expression"`
		Timezone   string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": scheduler.IsValidCron(req.Expression, req.Timezone)})
}

func validateSchedule(sched *models.Schedule) error {
	switch sched.Kind {
	case models.KindContainerUpdate, models.KindGitStackSync:
		if sched.TargetID == "" {
			return errors.New("target_id is required")
		}
		if sched.EnvironmentID == "" && sched.Kind == models.KindContainerUpdate {
			return errors.New("environment_id is required")
		}
	case models.KindEnvUpdateCheck:
		if sched.EnvironmentID == "" {
			return errors.New("environment_id is required")
		}
	case models.KindSystemCleanup:
		// no payload
	default:
		return errors.New("unknown schedule kind")
	}
	if !scheduler.IsValidCron(sched.CronExpression, sched.Timezone) {
		return errors.New("invalid cron expression")
	}
	return nil
}

func scheduleStatus(err error) int {
	if errors.Is(err, schedstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
