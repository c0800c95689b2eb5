package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/registry"
	"github.com/readystack/readystackgo/internal/store"
)

// captureSnapshot durably records a restore point for the deployment's
// current state before a mutating change. Image digests are read from the
// daemon so a later rollback can pull the exact bytes that were running;
// an image with no readable digest is recorded without one and rollback
// falls back to its tag.
func (e *Engine) captureSnapshot(ctx context.Context, api docker.API, d store.Deployment, kind store.SnapshotKind, description string) (store.Snapshot, error) {
	snap := store.Snapshot{
		ID:                uuid.NewString(),
		DeploymentID:      d.ID,
		Kind:              kind,
		CapturedAt:        e.clock.Now().UTC(),
		StackDefinitionID: d.StackDefinitionID,
		TargetVersion:     d.CurrentVersion,
		Description:       description,
	}

	def, err := e.store.GetDefinition(d.StackDefinitionID)
	if err != nil {
		return snap, fmt.Errorf("load definition %s for snapshot: %w", d.StackDefinitionID, err)
	}
	snap.ComposeTemplate = def.ComposeTemplate

	// Variables are stored exactly as the deployment record holds them, so
	// secret values stay sealed at rest. Opening happens only in memory,
	// here for the plan rebuild and again on restore.
	snap.ResolvedVariables = make(map[string]string, len(d.Configuration))
	for k, v := range d.Configuration {
		snap.ResolvedVariables[k] = v
	}
	resolved, err := e.openConfiguration(d.Configuration)
	if err != nil {
		return snap, err
	}

	_, p, err := e.buildPlan(def.ComposeTemplate, resolved)
	if err != nil {
		return snap, fmt.Errorf("rebuild plan for snapshot: %w", err)
	}

	digests := make(map[string]string, len(p.Images))
	for _, image := range p.Images {
		digest, err := api.ImageDigest(ctx, image)
		if err != nil {
			e.log.Warn("no digest recorded for image", "image", image, "deployment", d.ID, "error", err)
			continue
		}
		if registry.IsImageID(digest) {
			e.log.Warn("image has no repo digest, rollback would pull it by tag", "image", image, "deployment", d.ID)
		}
		digests[image] = digest
	}
	snap.ImageDigests = digests

	if err := e.store.SaveSnapshot(snap, e.cfg.SnapshotKeep); err != nil {
		return snap, fmt.Errorf("save snapshot: %w", err)
	}
	e.log.Info("snapshot captured", "deployment", d.ID, "kind", string(kind), "version", snap.TargetVersion)
	return snap, nil
}

// captureEmptySnapshot records the pre-install restore point. There is no
// previous state to return to, so only identity fields are filled.
func (e *Engine) captureEmptySnapshot(d store.Deployment) error {
	snap := store.Snapshot{
		ID:           uuid.NewString(),
		DeploymentID: d.ID,
		Kind:         store.SnapshotPreUpgrade,
		CapturedAt:   e.clock.Now().UTC(),
		Description:  "pre-install (no previous state)",
	}
	if err := e.store.SaveSnapshot(snap, e.cfg.SnapshotKeep); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// CanRollback reports whether a deployment is eligible for rollback: it
// failed during an upgrade and a restorable snapshot of the previous state
// exists.
func (e *Engine) CanRollback(deploymentID string) (bool, error) {
	d, err := e.store.GetDeployment(deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if d.Status != store.StatusFailed || d.LastOperation != store.OpUpgrade {
		return false, nil
	}
	snap, err := e.store.LatestSnapshot(deploymentID, store.SnapshotPreUpgrade)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return snap.ComposeTemplate != "", nil
}
