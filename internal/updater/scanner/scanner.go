// Package scanner runs vulnerability scanners (grype, trivy) as containers
// against images that live in the target environment's daemon.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/scan/models"
)

const (
	grypeImage = "anchore/grype:latest"
	trivyImage = "aquasec/trivy:latest"

	// Scanner databases persist in a named volume so repeated scans do not
	// redownload them.
	cacheVolume = "dockhand-scan-cache"
	cachePath   = "/cache"

	defaultTimeout = 10 * time.Minute
)

// ErrAllScannersFailed is returned when no scanner produced a result.
var ErrAllScannersFailed = errors.New("all scanners failed")

// Options configure the scanner runner.
type Options struct {
	GrypeArgs  string // CLI template, {image} placeholder
	TrivyArgs  string
	RequireAll bool // scanner "both": fail when either scanner fails
	Timeout    time.Duration
}

// Runner invokes scanner containers and parses their findings.
type Runner struct {
	opts   Options
	logger *logger.Logger

	// Concurrent runs of the same scanner fight over the database lock in
	// the shared cache volume; extra runs get a private subdirectory.
	active map[models.Scanner]*int32
}

// NewRunner creates a scanner runner.
func NewRunner(opts Options, log *logger.Logger) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Runner{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "scanner")),
		active: map[models.Scanner]*int32{
			models.ScannerGrype: new(int32),
			models.ScannerTrivy: new(int32),
		},
	}
}

// Scan runs the configured scanner(s) against imageRef in the environment
// served by cli and returns a merged scan record keyed by imageID.
//
// For scanner "both" a single failing scanner is tolerated and the
// surviving result is used, unless RequireAll is set.
func (r *Runner) Scan(ctx context.Context, cli *docker.Client, which models.Scanner, imageRef, imageID string) (*models.VulnerabilityScan, error) {
	var kinds []models.Scanner
	switch which {
	case models.ScannerGrype, models.ScannerTrivy:
		kinds = []models.Scanner{which}
	case models.ScannerBoth:
		kinds = []models.Scanner{models.ScannerGrype, models.ScannerTrivy}
	default:
		return nil, fmt.Errorf("unknown scanner %q", which)
	}

	start := time.Now()
	var merged models.SeverityCounts
	var succeeded int
	var firstErr error

	for _, kind := range kinds {
		counts, err := r.runOne(ctx, cli, kind, imageRef)
		if err != nil {
			r.logger.Warn("Scanner run failed",
				zap.String("scanner", string(kind)),
				zap.String("image", imageRef),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			if r.opts.RequireAll {
				return nil, fmt.Errorf("scanner %s failed: %w", kind, err)
			}
			continue
		}
		merged = merged.Max(counts)
		succeeded++
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAllScannersFailed, firstErr)
	}

	return &models.VulnerabilityScan{
		ID:            uuid.NewString(),
		EnvironmentID: cli.EnvironmentID(),
		ImageID:       imageID,
		ImageName:     imageRef,
		Scanner:       which,
		ScannedAt:     time.Now().UTC(),
		DurationMS:    time.Since(start).Milliseconds(),
		Counts:        merged,
	}, nil
}

// runOne executes a single scanner container and parses its JSON output.
func (r *Runner) runOne(ctx context.Context, cli *docker.Client, kind models.Scanner, imageRef string) (models.SeverityCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var scannerImage, argTemplate, cacheEnvName string
	switch kind {
	case models.ScannerGrype:
		scannerImage, argTemplate, cacheEnvName = grypeImage, r.opts.GrypeArgs, "GRYPE_DB_CACHE_DIR"
	case models.ScannerTrivy:
		scannerImage, argTemplate, cacheEnvName = trivyImage, r.opts.TrivyArgs, "TRIVY_CACHE_DIR"
	default:
		return models.SeverityCounts{}, fmt.Errorf("unknown scanner %q", kind)
	}

	args := strings.Fields(strings.ReplaceAll(argTemplate, "{image}", imageRef))
	if len(args) == 0 {
		return models.SeverityCounts{}, fmt.Errorf("empty argument template for %s", kind)
	}

	counter := r.active[kind]
	cacheDir := cachePath
	if atomic.AddInt32(counter, 1) > 1 {
		cacheDir = cachePath + "/" + uuid.NewString()[:8]
	}
	defer atomic.AddInt32(counter, -1)

	if err := r.ensureImage(ctx, cli, scannerImage); err != nil {
		return models.SeverityCounts{}, err
	}

	cfg := &container.Config{
		Image: scannerImage,
		Cmd:   args,
		Env:   []string{cacheEnvName + "=" + cacheDir},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{
			"/var/run/docker.sock:/var/run/docker.sock",
			cacheVolume + ":" + cachePath,
		},
		AutoRemove: false,
	}

	name := "dockhand-scan-" + uuid.NewString()[:8]
	id, err := cli.CreateContainer(ctx, cfg, hostCfg, nil, name)
	if err != nil {
		return models.SeverityCounts{}, fmt.Errorf("failed to create scanner container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := cli.RemoveContainer(rmCtx, id, true); err != nil {
			r.logger.Warn("Failed to remove scanner container",
				zap.String("container_id", id), zap.Error(err))
		}
	}()

	if err := cli.StartContainer(ctx, id); err != nil {
		return models.SeverityCounts{}, fmt.Errorf("failed to start scanner container: %w", err)
	}

	statusCh, errCh := cli.SDK().ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return models.SeverityCounts{}, fmt.Errorf("scanner wait failed: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			_, stderr, _ := r.collectOutput(ctx, cli, id)
			return models.SeverityCounts{}, fmt.Errorf("scanner exited with status %d: %s",
				status.StatusCode, truncate(stderr, 512))
		}
	case <-ctx.Done():
		return models.SeverityCounts{}, fmt.Errorf("scanner timed out: %w", ctx.Err())
	}

	stdout, _, err := r.collectOutput(ctx, cli, id)
	if err != nil {
		return models.SeverityCounts{}, err
	}

	switch kind {
	case models.ScannerTrivy:
		return parseTrivy(stdout)
	default:
		return parseGrype(stdout)
	}
}

// ensureImage pulls the scanner image unless it is already present.
func (r *Runner) ensureImage(ctx context.Context, cli *docker.Client, ref string) error {
	if _, err := cli.InspectImage(ctx, ref); err == nil {
		return nil
	}
	if err := cli.PullImage(ctx, ref); err != nil {
		return fmt.Errorf("failed to pull scanner image %s: %w", ref, err)
	}
	return nil
}

// collectOutput demultiplexes the container's log stream.
func (r *Runner) collectOutput(ctx context.Context, cli *docker.Client, containerID string) (stdout, stderr string, err error) {
	reader, err := cli.ContainerLogs(ctx, containerID, false, "all")
	if err != nil {
		return "", "", fmt.Errorf("failed to read scanner output: %w", err)
	}
	defer reader.Close()

	var out, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errBuf, reader); err != nil {
		return "", "", fmt.Errorf("failed to demultiplex scanner output: %w", err)
	}
	return out.String(), errBuf.String(), nil
}

func parseGrype(raw string) (models.SeverityCounts, error) {
	var report struct {
		Matches []struct {
			Vulnerability struct {
				Severity string `json:"severity"`
			} `json:"vulnerability"`
		} `json:"matches"`
	}
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return models.SeverityCounts{}, fmt.Errorf("failed to parse grype output: %w", err)
	}
	var counts models.SeverityCounts
	for _, m := range report.Matches {
		countSeverity(&counts, m.Vulnerability.Severity)
	}
	return counts, nil
}

func parseTrivy(raw string) (models.SeverityCounts, error) {
	var report struct {
		Results []struct {
			Vulnerabilities []struct {
				Severity string `json:"Severity"`
			} `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return models.SeverityCounts{}, fmt.Errorf("failed to parse trivy output: %w", err)
	}
	var counts models.SeverityCounts
	for _, res := range report.Results {
		for _, v := range res.Vulnerabilities {
			countSeverity(&counts, v.Severity)
		}
	}
	return counts, nil
}

func countSeverity(counts *models.SeverityCounts, severity string) {
	switch strings.ToLower(severity) {
	case "critical":
		counts.Critical++
	case "high":
		counts.High++
	case "medium":
		counts.Medium++
	case "low":
		counts.Low++
	case "negligible":
		counts.Negligible++
	default:
		counts.Unknown++
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
