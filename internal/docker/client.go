// Package docker wraps the Docker SDK with the operations the control plane
// needs against each environment's daemon.
package docker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
)

// ContainerInfo is the summary form used across the control plane.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	ImageID string
	State   string // created, running, paused, restarting, removing, exited, dead
	Status  string // human-readable status
	Labels  map[string]string
	Created time.Time
}

// StackName returns the compose project the container belongs to, if any.
func (ci *ContainerInfo) StackName() string {
	return ci.Labels["com.docker.compose.project"]
}

// Client wraps one environment's daemon connection.
type Client struct {
	cli           *client.Client
	logger        *logger.Logger
	environmentID string
}

// New wraps an SDK client already configured for a transport.
func New(cli *client.Client, environmentID string, log *logger.Logger) *Client {
	return &Client{
		cli:           cli,
		logger:        log.WithEnvironmentID(environmentID),
		environmentID: environmentID,
	}
}

// SDK exposes the underlying client for call sites that need raw access.
func (c *Client) SDK() *client.Client {
	return c.cli
}

// EnvironmentID returns the environment this client is bound to.
func (c *Client) EnvironmentID() string {
	return c.environmentID
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks daemon reachability.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("daemon ping failed: %w", err)
	}
	return nil
}

// Info returns daemon host information (core count, total memory).
func (c *Client) Info(ctx context.Context) (system.Info, error) {
	info, err := c.cli.Info(ctx)
	if err != nil {
		return system.Info{}, fmt.Errorf("failed to get daemon info: %w", err)
	}
	return info, nil
}

// ListContainers lists containers, optionally filtered by label values.
func (c *Client) ListContainers(ctx context.Context, all bool, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			ImageID: ctr.ImageID,
			State:   ctr.State,
			Status:  ctr.Status,
			Labels:  ctr.Labels,
			Created: time.Unix(ctr.Created, 0),
		})
	}
	return infos, nil
}

// InspectContainer returns the full inspect document.
func (c *Client) InspectContainer(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return inspect, nil
}

// Events subscribes to the daemon event stream filtered to container events.
func (c *Client) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("type", string(events.ContainerEventType))
	return c.cli.Events(ctx, events.ListOptions{Filters: filterArgs})
}

// ContainerStats takes one non-streaming stats sample. The daemon includes
// the previous CPU sample, so a usage delta can be computed from a single
// call.
func (c *Client) ContainerStats(ctx context.Context, containerID string) (container.StatsResponse, error) {
	resp, err := c.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return container.StatsResponse{}, fmt.Errorf("failed to get container stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return container.StatsResponse{}, fmt.Errorf("failed to decode container stats for %s: %w", containerID, err)
	}
	return stats, nil
}

// DiskUsage returns daemon disk usage (images, containers, volumes, cache).
func (c *Client) DiskUsage(ctx context.Context) (types.DiskUsage, error) {
	du, err := c.cli.DiskUsage(ctx, types.DiskUsageOptions{})
	if err != nil {
		return types.DiskUsage{}, fmt.Errorf("failed to get disk usage: %w", err)
	}
	return du, nil
}

// PullImage pulls an image, draining progress output.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// TagImage applies a new tag to an existing image.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if err := c.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag image %s as %s: %w", source, target, err)
	}
	return nil
}

// RemoveImage deletes an image reference.
func (c *Client) RemoveImage(ctx context.Context, ref string, force bool) error {
	_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("failed to remove image %s: %w", ref, err)
	}
	return nil
}

// InspectImage returns the image inspect document (ID, RepoDigests).
func (c *Client) InspectImage(ctx context.Context, ref string) (types.ImageInspect, error) {
	inspect, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return types.ImageInspect{}, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect, nil
}

// CreateContainer creates a container from the given configuration.
func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container, waiting at most timeout before SIGKILL.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// RenameContainer renames a container. Used to park the old container while
// its replacement starts.
func (c *Client) RenameContainer(ctx context.Context, containerID, newName string) error {
	if err := c.cli.ContainerRename(ctx, containerID, newName); err != nil {
		return fmt.Errorf("failed to rename container %s: %w", containerID, err)
	}
	return nil
}

// ContainerLogs returns the raw (possibly multiplexed) log stream.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// DemultiplexLogs reads Docker's multiplexed stream format and writes both
// stdout and stderr frames to the writer. Frame layout when Tty=false:
// byte 0 stream type, bytes 4-7 big-endian frame size, then the payload.
func DemultiplexLogs(reader io.Reader, writer io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		streamType := header[0]
		if streamType == 1 || streamType == 2 {
			if _, err := io.CopyN(writer, reader, int64(size)); err != nil {
				return err
			}
			continue
		}
		if _, err := io.CopyN(io.Discard, reader, int64(size)); err != nil {
			return err
		}
	}
}
