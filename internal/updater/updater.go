// Package updater implements the container auto-update pipeline: registry
// digest check, safe-pull with vulnerability gating, and container
// recreation.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/docker"
	envmodels "github.com/dockhand/dockhand/internal/environment/models"
	"github.com/dockhand/dockhand/internal/events/bus"
	"github.com/dockhand/dockhand/internal/registry"
	"github.com/dockhand/dockhand/internal/router"
	"github.com/dockhand/dockhand/internal/scan/models"
	scanstore "github.com/dockhand/dockhand/internal/scan/store"
	"github.com/dockhand/dockhand/internal/updater/scanner"
)

// Skip reasons recorded in execution details.
const (
	SkipReasonLocalImage    = "local_image"
	SkipReasonCheckError    = "registry_check_failed"
	SkipReasonNoUpdate      = "no_update"
	SkipReasonSelfUpdate    = "self_update_refused"
	SkipReasonVulnerability = "vulnerabilities_found"
)

const stopTimeout = 10 * time.Second

// ErrContainerNotFound is returned when the update target no longer exists.
var ErrContainerNotFound = errors.New("container not found")

// logf receives progress lines, typically bound to a journal entry.
type logf func(format string, args ...interface{})

// Updater drives the auto-update pipeline for containers.
type Updater struct {
	rt       *router.Router
	scans    scanstore.Repository
	scanner  *scanner.Runner
	registry *registry.Client
	creds    CredentialSource
	bus      bus.EventBus
	logger   *logger.Logger

	// selfImage is the substring identifying the control plane's own
	// image; containers matching it are never updated from here.
	selfImage string

	// envChecks guards against overlapping sweeps of the same environment.
	envChecks sync.Map
}

// New creates an updater.
func New(rt *router.Router, scans scanstore.Repository, sc *scanner.Runner, reg *registry.Client, creds CredentialSource, eventBus bus.EventBus, selfImage string, log *logger.Logger) *Updater {
	return &Updater{
		rt:        rt,
		scans:     scans,
		scanner:   sc,
		registry:  reg,
		creds:     creds,
		bus:       eventBus,
		selfImage: selfImage,
		logger:    log.WithFields(zap.String("component", "updater")),
	}
}

// UpdateContainer runs the full pipeline for one container. It returns
// applied=true when the container was recreated on a new image; otherwise
// skipReason names why nothing happened. An error means the pipeline
// failed mid-flight.
func (u *Updater) UpdateContainer(ctx context.Context, env *envmodels.Environment, containerID string, criteria models.Criteria, log logf) (applied bool, skipReason string, err error) {
	if log == nil {
		log = func(string, ...interface{}) {}
	}

	cli, err := u.rt.ClientForEnv(env)
	if err != nil {
		return false, "", err
	}

	inspect, err := cli.InspectContainer(ctx, containerID)
	if err != nil {
		return false, "", fmt.Errorf("%w: %s", ErrContainerNotFound, containerID)
	}
	imageName := inspect.Config.Image
	containerName := strings.TrimPrefix(inspect.Name, "/")

	if u.selfImage != "" && strings.Contains(imageName, u.selfImage) {
		log("refusing to update %s: image %s is the control plane itself", containerName, imageName)
		return false, SkipReasonSelfUpdate, nil
	}

	log("checking registry for %s (%s)", containerName, imageName)
	check := u.CheckImage(ctx, cli, imageName)
	switch check.Outcome {
	case CheckLocalImage:
		log("image %s has no registry lineage, skipping", imageName)
		return false, SkipReasonLocalImage, nil
	case CheckError:
		log("registry check failed: %v", check.Err)
		return false, SkipReasonCheckError, nil
	case CheckNoUpdate:
		log("image %s is up to date", imageName)
		return false, SkipReasonNoUpdate, nil
	}
	log("update available for %s: remote digest %s", imageName, check.RemoteDigest)

	// Digest-pinned references cannot be re-tagged, and a scanner of
	// "none" means there is nothing to gate on; both take the simple path.
	safePull := env.VulnerabilityScanner != "" &&
		models.Scanner(env.VulnerabilityScanner) != models.ScannerNone &&
		!check.Ref.Pinned()

	if safePull {
		blocked, err := u.safePull(ctx, cli, env, &inspect, imageName, criteria, log)
		if err != nil {
			return false, "", err
		}
		if blocked {
			u.publishAudit(env.ID, "auto_update_blocked", map[string]interface{}{
				"container_id":   containerID,
				"container_name": containerName,
				"image":          imageName,
				"reason":         SkipReasonVulnerability,
			})
			return false, SkipReasonVulnerability, nil
		}
	} else {
		log("pulling %s", imageName)
		if err := cli.PullImage(ctx, imageName); err != nil {
			return false, "", fmt.Errorf("failed to pull image: %w", err)
		}
	}

	log("recreating container %s", containerName)
	if err := u.recreate(ctx, cli, &inspect, imageName, log); err != nil {
		return false, "", err
	}

	u.publishAudit(env.ID, "auto_update_success", map[string]interface{}{
		"container_id":   containerID,
		"container_name": containerName,
		"image":          imageName,
	})
	return true, "", nil
}

// safePull pulls the new image under a temporary tag, scans it, and applies
// the criteria gate. Returns blocked=true when the update must not proceed;
// in that case the original tag still points at the old image and the new
// image has been removed.
func (u *Updater) safePull(ctx context.Context, cli *docker.Client, env *envmodels.Environment, inspect *types.ContainerJSON, imageName string, criteria models.Criteria, log logf) (blocked bool, err error) {
	oldImageID := inspect.Image
	temp := tempTag(imageName)

	log("pulling %s", imageName)
	if err := cli.PullImage(ctx, imageName); err != nil {
		return false, fmt.Errorf("failed to pull image: %w", err)
	}

	newInspect, err := cli.InspectImage(ctx, imageName)
	if err != nil {
		return false, fmt.Errorf("failed to inspect pulled image: %w", err)
	}
	newImageID := newInspect.ID
	if newImageID == oldImageID {
		// The tag did not actually move; nothing to gate.
		return false, nil
	}

	// The pull moved the tag onto the new content. Put it back on the old
	// image so the running container's lineage stays tag-resolvable, and
	// park the new image under the temporary tag while it is examined.
	if err := cli.TagImage(ctx, oldImageID, imageName); err != nil {
		return false, fmt.Errorf("failed to restore original tag: %w", err)
	}
	if err := cli.TagImage(ctx, newImageID, temp); err != nil {
		return false, fmt.Errorf("failed to apply temporary tag: %w", err)
	}

	log("scanning %s with %s", temp, env.VulnerabilityScanner)
	scan, err := u.scanner.Scan(ctx, cli, models.Scanner(env.VulnerabilityScanner), temp, newImageID)
	if err != nil {
		u.removeQuietly(cli, temp)
		return false, fmt.Errorf("failed to scan image: %w", err)
	}
	if saveErr := u.scans.SaveScan(ctx, scan); saveErr != nil {
		u.logger.Warn("Failed to save scan", zap.Error(saveErr))
	}
	log("scan found critical=%d high=%d medium=%d low=%d",
		scan.Counts.Critical, scan.Counts.High, scan.Counts.Medium, scan.Counts.Low)

	currentTotal, err := u.currentTotal(ctx, cli, env, criteria, oldImageID, log)
	if err != nil {
		u.removeQuietly(cli, temp)
		return false, err
	}

	if criteria.Blocks(scan.Counts, currentTotal) {
		log("update blocked by criteria %q", criteria)
		u.removeQuietly(cli, temp)
		u.removeQuietly(cli, newImageID)
		return true, nil
	}

	// Approved: move the real tag onto the new image and drop the
	// temporary one.
	if err := cli.TagImage(ctx, newImageID, imageName); err != nil {
		return false, fmt.Errorf("failed to tag approved image: %w", err)
	}
	u.removeQuietly(cli, temp)
	return false, nil
}

// currentTotal returns the finding total of the currently-running image,
// scanning it on demand when the criteria needs it and no cached scan
// exists.
func (u *Updater) currentTotal(ctx context.Context, cli *docker.Client, env *envmodels.Environment, criteria models.Criteria, oldImageID string, log logf) (int, error) {
	if criteria != models.CriteriaMoreThanCurrent {
		return 0, nil
	}
	cached, err := u.scans.LatestScan(ctx, env.ID, oldImageID)
	if err == nil {
		return cached.Counts.Total(), nil
	}
	if !errors.Is(err, scanstore.ErrNotFound) {
		return 0, err
	}

	log("no cached scan for current image, scanning %s", oldImageID)
	scan, err := u.scanner.Scan(ctx, cli, models.Scanner(env.VulnerabilityScanner), oldImageID, oldImageID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan current image: %w", err)
	}
	if saveErr := u.scans.SaveScan(ctx, scan); saveErr != nil {
		u.logger.Warn("Failed to save scan", zap.Error(saveErr))
	}
	return scan.Counts.Total(), nil
}

// recreate replaces a container with an identical one on the (now updated)
// image, preserving running state.
func (u *Updater) recreate(ctx context.Context, cli *docker.Client, inspect *types.ContainerJSON, imageName string, log logf) error {
	name := strings.TrimPrefix(inspect.Name, "/")
	wasRunning := inspect.State != nil && inspect.State.Running

	cfg := &container.Config{
		Image:        imageName,
		Env:          inspect.Config.Env,
		Cmd:          inspect.Config.Cmd,
		Entrypoint:   inspect.Config.Entrypoint,
		Labels:       inspect.Config.Labels,
		ExposedPorts: inspect.Config.ExposedPorts,
		WorkingDir:   inspect.Config.WorkingDir,
		User:         inspect.Config.User,
	}
	hostCfg := &container.HostConfig{
		PortBindings:  inspect.HostConfig.PortBindings,
		Binds:         inspect.HostConfig.Binds,
		Mounts:        inspect.HostConfig.Mounts,
		RestartPolicy: inspect.HostConfig.RestartPolicy,
		NetworkMode:   inspect.HostConfig.NetworkMode,
		Privileged:    inspect.HostConfig.Privileged,
		CapAdd:        inspect.HostConfig.CapAdd,
		CapDrop:       inspect.HostConfig.CapDrop,
		ExtraHosts:    inspect.HostConfig.ExtraHosts,
	}
	var netCfg *network.NetworkingConfig
	if inspect.NetworkSettings != nil && len(inspect.NetworkSettings.Networks) > 0 {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: inspect.NetworkSettings.Networks,
		}
	}

	if wasRunning {
		if err := cli.StopContainer(ctx, inspect.ID, stopTimeout); err != nil {
			return fmt.Errorf("failed to stop container: %w", err)
		}
	}
	if err := cli.RemoveContainer(ctx, inspect.ID, true); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	newID, err := cli.CreateContainer(ctx, cfg, hostCfg, netCfg, name)
	if err != nil {
		return fmt.Errorf("failed to create replacement container: %w", err)
	}
	if wasRunning {
		if err := cli.StartContainer(ctx, newID); err != nil {
			return fmt.Errorf("failed to start replacement container: %w", err)
		}
	}
	log("container %s recreated as %s", name, newID[:12])
	return nil
}

// removeQuietly removes an image reference, logging failures instead of
// propagating them: cleanup must not mask the pipeline outcome.
func (u *Updater) removeQuietly(cli *docker.Client, ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cli.RemoveImage(ctx, ref, true); err != nil {
		u.logger.Warn("Failed to remove image", zap.String("ref", ref), zap.Error(err))
	}
}

func (u *Updater) publishAudit(environmentID, eventType string, data map[string]interface{}) {
	data["environment_id"] = environmentID
	event := bus.NewEvent(eventType, "updater", data)
	if err := u.bus.Publish(context.Background(), bus.SubjectAudit, event); err != nil {
		u.logger.Warn("Failed to publish audit event", zap.Error(err))
	}
}

// tempTag derives the transient tag the new image is parked under while it
// is scanned. The tag boundary check keeps registry ports intact.
func tempTag(image string) string {
	if idx := strings.LastIndexByte(image, ':'); idx >= 0 && !strings.ContainsRune(image[idx:], '/') {
		return image + "-pending"
	}
	return image + ":latest-pending"
}
