package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/stack/compose"
	"github.com/dockhand/dockhand/internal/stack/models"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
)

func (s *Server) registerStackRoutes(api *gin.RouterGroup) {
	api.GET("/environments/:id/stacks", s.listStacks)
	api.POST("/environments/:id/stacks", s.createStack)
	api.GET("/environments/:id/stacks/:name/compose", s.getComposeFile)
	api.PUT("/environments/:id/stacks/:name/compose", s.updateComposeFile)
	api.DELETE("/environments/:id/stacks/:name", s.deleteStack)

	api.POST("/environments/:id/stacks/:name/up", s.stackOp("up"))
	api.POST("/environments/:id/stacks/:name/down", s.stackOp("down"))
	api.POST("/environments/:id/stacks/:name/stop", s.stackOp("stop"))
	api.POST("/environments/:id/stacks/:name/start", s.stackOp("start"))
	api.POST("/environments/:id/stacks/:name/restart", s.stackOp("restart"))
	api.POST("/environments/:id/stacks/:name/pull", s.stackOp("pull"))

	api.GET("/environments/:id/stacks/:name/env", s.listStackEnv)
	api.PUT("/environments/:id/stacks/:name/env", s.replaceStackEnv)

	api.GET("/environments/:id/git-stacks", s.listGitStacks)
	api.POST("/environments/:id/git-stacks", s.createGitStack)
	api.PUT("/git-stacks/:gitStackId", s.updateGitStack)
	api.DELETE("/git-stacks/:gitStackId", s.deleteGitStack)
	api.POST("/git-stacks/:gitStackId/sync", s.syncGitStack)
}

func (s *Server) listStacks(c *gin.Context) {
	env, ok := s.resolveEnv(c)
	if !ok {
		return
	}
	stacks, err := s.opts.Engine.ListStacks(c.Request.Context(), env)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stacks": stacks})
}

func (s *Server) createStack(c *gin.Context) {
	env, ok := s.resolveEnv(c)
	if !ok {
		return
	}
	var req struct {
		Name    string `json:"name"`
		Compose string `json:"compose"`
		Deploy  bool   `json:"deploy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if !models.ValidName(req.Name) {
		respondError(c, http.StatusBadRequest, compose.ErrInvalidStackName)
		return
	}
	ctx := c.Request.Context()
	if err := s.opts.Engine.MaterializeCreate(env.ID, req.Name, req.Compose); err != nil {
		respondError(c, http.StatusConflict, err)
		return
	}
	src := &models.StackSource{
		StackName:     req.Name,
		EnvironmentID: env.ID,
		Source:        models.SourceInternal,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.opts.Stacks.UpsertSource(ctx, src); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	var output string
	if req.Deploy {
		out, err := s.opts.Engine.Up(ctx, env, req.Name, compose.UpOptions{})
		if err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		output = out
	}
	c.JSON(http.StatusCreated, gin.H{"stack_name": req.Name, "output": output})
}

func (s *Server) getComposeFile(c *gin.Context) {
	content, err := s.opts.Engine.ReadComposeFile(c.Param("id"), c.Param("name"))
	if err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"compose": content})
}

func (s *Server) updateComposeFile(c *gin.Context) {
	env, ok := s.resolveEnv(c)
	if !ok {
		return
	}
	name := c.Param("name")
	var req struct {
		Compose string `json:"compose"`
		Deploy  bool   `json:"deploy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()

	// Git-sourced stacks are edited in their repo, not here.
	if src, err := s.opts.Stacks.GetSource(ctx, name, env.ID); err == nil && src.Source == models.SourceGit {
		respondError(c, http.StatusConflict, errors.New("stack is managed by a git repository"))
		return
	}
	if err := s.opts.Engine.MaterializeUpdate(env.ID, name, req.Compose); err != nil {
		respondError(c, http.StatusNotFound, err)
		return
	}

	var output string
	if req.Deploy {
		out, err := s.opts.Engine.Up(ctx, env, name, compose.UpOptions{ForceRecreate: true})
		if err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		output = out
	}
	c.JSON(http.StatusOK, gin.H{"stack_name": name, "output": output})
}

func (s *Server) deleteStack(c *gin.Context) {
	env, ok := s.resolveEnv(c)
	if !ok {
		return
	}
	name := c.Param("name")
	ctx := c.Request.Context()

	if s.opts.Engine.Materialized(env.ID, name) {
		opts := compose.DownOptions{RemoveVolumes: c.Query("volumes") == "true"}
		if _, err := s.opts.Engine.Down(ctx, env, name, opts); err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		if err := s.opts.Engine.RemoveMaterialized(env.ID, name); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	} else {
		// External stack: remove its labeled containers before the rows go.
		if _, err := s.opts.Engine.RemoveAny(ctx, env, name); err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
	}
	if err := s.opts.Stacks.DeleteStackRows(ctx, name, env.ID); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// externalVerb maps a lifecycle verb onto the label-based fallback for
// stacks without a compose file. Down degrades to stop because there is no
// compose file to tear down with.
func externalVerb(verb string) (string, bool) {
	switch verb {
	case "stop", "down":
		return "stop", true
	case "start":
		return "start", true
	case "restart":
		return "restart", true
	default:
		return "", false
	}
}

// stackOp dispatches a lifecycle verb. External stacks have no compose
// file, so lifecycle verbs fall back to per-container operations and
// up/pull are rejected.
func (s *Server) stackOp(verb string) gin.HandlerFunc {
	return func(c *gin.Context) {
		env, ok := s.resolveEnv(c)
		if !ok {
			return
		}
		name := c.Param("name")
		ctx := c.Request.Context()

		kind, err := s.opts.Engine.SourceFor(ctx, env.ID, name)
		if err != nil {
			respondError(c, http.StatusNotFound, err)
			return
		}

		var output string
		if kind == models.SourceExternal {
			fallback, ok := externalVerb(verb)
			if !ok {
				respondError(c, http.StatusConflict, errors.New(verb+" requires a managed compose file"))
				return
			}
			switch fallback {
			case "stop":
				output, err = s.opts.Engine.StopAny(ctx, env, name)
			case "start":
				output, err = s.opts.Engine.StartAny(ctx, env, name)
			case "restart":
				output, err = s.opts.Engine.RestartAny(ctx, env, name)
			}
		} else {
			switch verb {
			case "up":
				output, err = s.opts.Engine.Up(ctx, env, name, compose.UpOptions{ForceRecreate: c.Query("force_recreate") == "true"})
			case "down":
				output, err = s.opts.Engine.Down(ctx, env, name, compose.DownOptions{RemoveVolumes: c.Query("volumes") == "true"})
			case "stop":
				output, err = s.opts.Engine.Stop(ctx, env, name)
			case "start":
				output, err = s.opts.Engine.Start(ctx, env, name)
			case "restart":
				output, err = s.opts.Engine.Restart(ctx, env, name)
			case "pull":
				output, err = s.opts.Engine.Pull(ctx, env, name)
			}
		}
		if err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"output": output})
	}
}

func (s *Server) listStackEnv(c *gin.Context) {
	vars, err := s.opts.Stacks.ListEnvVars(c.Request.Context(), c.Param("name"), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	// Secret values never leave the server.
	for _, v := range vars {
		if v.IsSecret {
			v.Value = ""
		}
	}
	c.JSON(http.StatusOK, gin.H{"env_vars": vars})
}

// replaceStackEnv swaps the whole variable set: anything absent from the
// request is removed.
func (s *Server) replaceStackEnv(c *gin.Context) {
	envID, name := c.Param("id"), c.Param("name")
	var req struct {
		Vars []models.StackEnvVar `json:"env_vars"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()

	existing, err := s.opts.Stacks.ListEnvVars(ctx, name, envID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	keep := make(map[string]bool, len(req.Vars))
	for i := range req.Vars {
		v := req.Vars[i]
		v.StackName = name
		v.EnvironmentID = envID
		keep[v.Key] = true
		if err := s.opts.Stacks.UpsertEnvVar(ctx, &v); err != nil {
			respondError(c, http.StatusInternalServerError, err)
			return
		}
	}
	for _, v := range existing {
		if !keep[v.Key] {
			if err := s.opts.Stacks.DeleteEnvVar(ctx, name, envID, v.Key); err != nil {
				respondError(c, http.StatusInternalServerError, err)
				return
			}
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listGitStacks(c *gin.Context) {
	stacks, err := s.opts.Stacks.ListGitStacks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"git_stacks": stacks})
}

func (s *Server) createGitStack(c *gin.Context) {
	var gs models.GitStack
	if err := c.ShouldBindJSON(&gs); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	gs.EnvironmentID = c.Param("id")
	if err := validateGitStack(&gs); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if gs.ID == "" {
		gs.ID = uuid.NewString()
	}
	if err := s.opts.Stacks.UpsertGitStack(c.Request.Context(), &gs); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusCreated, gs)
}

func (s *Server) updateGitStack(c *gin.Context) {
	gs, err := s.opts.Stacks.GetGitStack(c.Request.Context(), c.Param("gitStackId"))
	if err != nil {
		respondError(c, stackStatus(err), err)
		return
	}
	if err := c.ShouldBindJSON(gs); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	gs.ID = c.Param("gitStackId")
	if err := validateGitStack(gs); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Stacks.UpsertGitStack(c.Request.Context(), gs); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gs)
}

func (s *Server) deleteGitStack(c *gin.Context) {
	if err := s.opts.Stacks.DeleteGitStack(c.Request.Context(), c.Param("gitStackId")); err != nil {
		respondError(c, stackStatus(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) syncGitStack(c *gin.Context) {
	ctx := c.Request.Context()
	gs, err := s.opts.Stacks.GetGitStack(ctx, c.Param("gitStackId"))
	if err != nil {
		respondError(c, stackStatus(err), err)
		return
	}
	env, err := s.opts.Environments.Get(ctx, gs.EnvironmentID)
	if err != nil {
		respondError(c, envStatus(err), err)
		return
	}
	result, err := s.opts.Syncer.Sync(ctx, env, gs)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// resolveEnv loads the :id environment or writes the error response.
func (s *Server) resolveEnv(c *gin.Context) (*envmodels.Environment, bool) {
	env, err := s.opts.Environments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, envStatus(err), err)
		return nil, false
	}
	return env, true
}

func validateGitStack(gs *models.GitStack) error {
	switch {
	case !models.ValidName(gs.StackName):
		return compose.ErrInvalidStackName
	case gs.URL == "":
		return errors.New("repository url is required")
	case gs.Branch == "":
		return errors.New("branch is required")
	case gs.ComposePath == "":
		return errors.New("compose path is required")
	}
	return nil
}

func stackStatus(err error) int {
	if errors.Is(err, stackstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
