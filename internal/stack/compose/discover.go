package compose

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/stack/models"
	stackstore "github.com/dockhand/dockhand/internal/stack/store"
)

// stopTimeout is the per-container grace used by label-based fallback
// operations on external stacks.
const stopTimeout = 10 * time.Second

// ListStacks merges label-discovered stacks with recorded stack sources.
// Stacks found only by label are external; recorded stacks with no running
// containers still appear, as stopped.
func (e *Engine) ListStacks(ctx context.Context, env *envmodels.Environment) ([]*models.Stack, error) {
	client, err := e.router.ClientForEnv(env)
	if err != nil {
		return nil, err
	}
	containers, err := client.ListContainers(ctx, true, nil)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*models.Stack)
	for _, ctr := range containers {
		project := ctr.Labels[models.ProjectLabel]
		if project == "" {
			continue
		}
		stack, ok := byName[project]
		if !ok {
			stack = &models.Stack{
				Name:          project,
				EnvironmentID: env.ID,
				Source:        models.SourceExternal,
			}
			byName[project] = stack
		}
		stack.Containers = append(stack.Containers, models.StackContainer{
			ID:    ctr.ID,
			Name:  ctr.Name,
			Image: ctr.Image,
			State: ctr.State,
		})
	}

	sources, err := e.stacks.ListSources(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		stack, ok := byName[src.StackName]
		if !ok {
			stack = &models.Stack{
				Name:          src.StackName,
				EnvironmentID: env.ID,
			}
			byName[src.StackName] = stack
		}
		stack.Source = src.Source
	}

	out := make([]*models.Stack, 0, len(byName))
	for _, stack := range byName {
		stack.Status = models.AggregateStatus(stack.Containers)
		sort.Slice(stack.Containers, func(i, j int) bool {
			return stack.Containers[i].Name < stack.Containers[j].Name
		})
		out = append(out, stack)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SourceFor returns the recorded provenance of a stack, defaulting to
// external when nothing is recorded.
func (e *Engine) SourceFor(ctx context.Context, environmentID, stackName string) (models.SourceKind, error) {
	src, err := e.stacks.GetSource(ctx, stackName, environmentID)
	if errors.Is(err, stackstore.ErrNotFound) {
		return models.SourceExternal, nil
	}
	if err != nil {
		return "", err
	}
	return src.Source, nil
}

// StopAny stops a stack through compose when a compose file exists,
// otherwise by stopping its labeled containers.
func (e *Engine) StopAny(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	if e.Materialized(env.ID, stackName) || usesTunnel(env) {
		return e.Stop(ctx, env, stackName)
	}
	return e.eachStackContainer(ctx, env, stackName, "stopped", false, func(c containerOp) error {
		return c.stop()
	})
}

// StartAny starts a stack, falling back to per-container starts for
// external stacks.
func (e *Engine) StartAny(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	if e.Materialized(env.ID, stackName) || usesTunnel(env) {
		return e.Start(ctx, env, stackName)
	}
	return e.eachStackContainer(ctx, env, stackName, "started", false, func(c containerOp) error {
		return c.start()
	})
}

// RestartAny restarts a stack, falling back to stop+start per container.
func (e *Engine) RestartAny(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	if e.Materialized(env.ID, stackName) || usesTunnel(env) {
		return e.Restart(ctx, env, stackName)
	}
	return e.eachStackContainer(ctx, env, stackName, "restarted", false, func(c containerOp) error {
		if err := c.stop(); err != nil {
			return err
		}
		return c.start()
	})
}

// RemoveAny force-removes every labeled container of an external stack.
// Zero containers is not an error; the stack may already be gone.
func (e *Engine) RemoveAny(ctx context.Context, env *envmodels.Environment, stackName string) (string, error) {
	return e.eachStackContainer(ctx, env, stackName, "removed", true, func(c containerOp) error {
		return c.remove()
	})
}

type containerOp struct {
	stop   func() error
	start  func() error
	remove func() error
}

// eachStackContainer applies the fallback operation to every container
// carrying the stack's project label, under the stack lock. Containers are
// handled in parallel and every one is attempted; failures are joined.
func (e *Engine) eachStackContainer(ctx context.Context, env *envmodels.Environment, stackName, verb string, allowEmpty bool, op func(containerOp) error) (string, error) {
	if !models.ValidName(stackName) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStackName, stackName)
	}
	release, err := e.locks.Lock(ctx, lockKey(env.ID, stackName))
	if err != nil {
		return "", err
	}
	defer release()

	client, err := e.router.ClientForEnv(env)
	if err != nil {
		return "", err
	}
	containers, err := client.ListContainers(ctx, true, map[string]string{
		models.ProjectLabel: stackName,
	})
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		if allowEmpty {
			return fmt.Sprintf("%s 0 containers", verb), nil
		}
		return "", fmt.Errorf("no containers found for stack %s", stackName)
	}

	ids := make([]string, len(containers))
	for i, ctr := range containers {
		ids[i] = ctr.ID
	}
	err = allSettled(ids, func(id string) error {
		return op(containerOp{
			stop:   func() error { return client.StopContainer(ctx, id, stopTimeout) },
			start:  func() error { return client.StartContainer(ctx, id) },
			remove: func() error { return client.RemoveContainer(ctx, id, true) },
		})
	})
	return fmt.Sprintf("%s %d containers", verb, len(ids)), err
}

// allSettled applies op to every id concurrently and waits for all of
// them, joining the failures.
func allSettled(ids []string, op func(id string) error) error {
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = op(id)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
