package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dockhand/dockhand/internal/common/logger"
	"github.com/dockhand/dockhand/internal/scan/models"
)

type fakeScanRepo struct {
	pending map[string]*models.PendingContainerUpdate // keyed by container id
	deleted []string
}

func newFakeScanRepo() *fakeScanRepo {
	return &fakeScanRepo{pending: make(map[string]*models.PendingContainerUpdate)}
}

func (r *fakeScanRepo) SaveScan(ctx context.Context, scan *models.VulnerabilityScan) error {
	return nil
}

func (r *fakeScanRepo) LatestScan(ctx context.Context, environmentID, imageID string) (*models.VulnerabilityScan, error) {
	return nil, errors.New("not found")
}

func (r *fakeScanRepo) ListScans(ctx context.Context, environmentID string, limit int) ([]*models.VulnerabilityScan, error) {
	return nil, nil
}

func (r *fakeScanRepo) DeleteScansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeScanRepo) UpsertPendingUpdate(ctx context.Context, p *models.PendingContainerUpdate) error {
	r.pending[p.ContainerID] = p
	return nil
}

func (r *fakeScanRepo) ListPendingUpdates(ctx context.Context, environmentID string) ([]*models.PendingContainerUpdate, error) {
	out := make([]*models.PendingContainerUpdate, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	return out, nil
}

func (r *fakeScanRepo) DeletePendingUpdate(ctx context.Context, environmentID, containerID string) error {
	delete(r.pending, containerID)
	r.deleted = append(r.deleted, containerID)
	return nil
}

func (r *fakeScanRepo) Close() error { return nil }

func pendingRow(envID, containerID string) *models.PendingContainerUpdate {
	return &models.PendingContainerUpdate{
		EnvironmentID: envID,
		ContainerID:   containerID,
		ContainerName: "ctr-" + containerID,
		CurrentImage:  "nginx:1.25",
		CheckedAt:     time.Now().UTC(),
	}
}

func TestReconcilePendingDropsRemovedContainers(t *testing.T) {
	repo := newFakeScanRepo()
	repo.pending["c1"] = pendingRow("env1", "c1")
	repo.pending["c2"] = pendingRow("env1", "c2")
	repo.pending["c3"] = pendingRow("env1", "c3")

	u := &Updater{scans: repo, logger: logger.Default()}

	// c1 is still out of date; c2 was removed from the daemon and c3 was
	// rebuilt locally, so only c1's row survives.
	u.reconcilePending(context.Background(), "env1", map[string]struct{}{"c1": {}})

	if _, ok := repo.pending["c1"]; !ok {
		t.Error("expected the still-pending row to survive")
	}
	if _, ok := repo.pending["c2"]; ok {
		t.Error("expected the removed container's row to be deleted")
	}
	if _, ok := repo.pending["c3"]; ok {
		t.Error("expected the rebuilt container's row to be deleted")
	}
	if len(repo.deleted) != 2 {
		t.Errorf("expected 2 deletions, got %v", repo.deleted)
	}
}

func TestReconcilePendingEmptyKeepClearsEnvironment(t *testing.T) {
	repo := newFakeScanRepo()
	repo.pending["c1"] = pendingRow("env1", "c1")

	u := &Updater{scans: repo, logger: logger.Default()}
	u.reconcilePending(context.Background(), "env1", nil)

	if len(repo.pending) != 0 {
		t.Errorf("expected every row gone, still have %d", len(repo.pending))
	}
}
