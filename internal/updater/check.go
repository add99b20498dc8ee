package updater

import (
	"context"
	"strings"

	"github.com/dockhand/dockhand/internal/docker"
	"github.com/dockhand/dockhand/internal/registry"
)

// CheckOutcome classifies a registry update check.
type CheckOutcome string

const (
	// CheckLocalImage means the image has no registry lineage (built
	// locally, never pushed); there is nothing to compare against.
	CheckLocalImage CheckOutcome = "local-image"
	// CheckError means the registry could not answer; treated as
	// transient, never as a failed execution.
	CheckError CheckOutcome = "error"
	// CheckNoUpdate means the remote digest is already in the local set.
	CheckNoUpdate CheckOutcome = "no-update"
	// CheckUpdateAvailable means the tag moved upstream.
	CheckUpdateAvailable CheckOutcome = "update-available"
)

// CheckResult is the outcome of one image update check.
type CheckResult struct {
	Outcome      CheckOutcome
	Ref          registry.Reference
	RemoteDigest string
	Err          error
}

// CheckImage asks the registry whether a newer image exists behind the
// reference a container was started from.
func (u *Updater) CheckImage(ctx context.Context, cli *docker.Client, imageName string) CheckResult {
	// Containers started from a raw image id have no reference to check.
	if imageName == "" || strings.HasPrefix(imageName, "sha256:") {
		return CheckResult{Outcome: CheckLocalImage}
	}

	ref, err := registry.ParseRef(imageName)
	if err != nil {
		return CheckResult{Outcome: CheckLocalImage, Err: err}
	}

	inspect, err := cli.InspectImage(ctx, imageName)
	if err != nil {
		return CheckResult{Outcome: CheckError, Ref: ref, Err: err}
	}
	if len(inspect.RepoDigests) == 0 {
		return CheckResult{Outcome: CheckLocalImage, Ref: ref}
	}

	creds, err := u.creds.CredentialsFor(ctx, ref.Registry)
	if err != nil {
		return CheckResult{Outcome: CheckError, Ref: ref, Err: err}
	}

	remoteDigest, err := u.registry.RemoteDigest(ctx, ref, creds)
	if err != nil {
		return CheckResult{Outcome: CheckError, Ref: ref, Err: err}
	}

	if registry.UpdateAvailable(ref, inspect.RepoDigests, remoteDigest) {
		return CheckResult{Outcome: CheckUpdateAvailable, Ref: ref, RemoteDigest: remoteDigest}
	}
	return CheckResult{Outcome: CheckNoUpdate, Ref: ref, RemoteDigest: remoteDigest}
}
