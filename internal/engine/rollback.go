package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

// RollbackRequest carries the inputs of a stack rollback.
type RollbackRequest struct {
	EnvironmentID string
	DeploymentID  string
	SessionID     string
	AttemptID     string
}

// RollbackStack restores a deployment that failed during an upgrade to the
// state captured before that upgrade. Images are pulled by their recorded
// digests so the restored containers run the exact bytes that ran before.
// Blocks until terminal.
func (e *Engine) RollbackStack(ctx context.Context, req RollbackRequest) error {
	if req.AttemptID == "" {
		req.AttemptID = req.SessionID
	}

	// 1. Load and gate.
	d, err := e.store.GetDeployment(req.DeploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errdefs.NotFound("deployment", req.DeploymentID)
		}
		return err
	}
	if d.EnvironmentID != req.EnvironmentID {
		return errdefs.NotFound("deployment", req.DeploymentID)
	}

	_, repeat, err := e.claim(d.ID, req.AttemptID, req.SessionID, store.OpRollback)
	if err != nil {
		return err
	}
	if repeat {
		e.log.Info("repeat rollback attempt, session already running", "deployment", d.ID, "attempt", req.AttemptID)
		return nil
	}
	defer e.release(d.ID)
	if d.AttemptID == req.AttemptID {
		return errdefs.InvalidState(string(d.Status), "RollbackStack")
	}

	// 2. Eligibility: a failed upgrade with a restorable snapshot.
	if d.Status != store.StatusFailed || d.LastOperation != store.OpUpgrade {
		return errdefs.InvalidState(string(d.Status), "RollbackStack")
	}
	snap, err := e.store.LatestSnapshot(d.ID, store.SnapshotPreUpgrade)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errdefs.NoSnapshot(d.ID)
		}
		return err
	}
	if snap.ComposeTemplate == "" {
		return errdefs.NoSnapshot(d.ID)
	}

	// 3. Rebuild the snapshot's plan.
	values, err := e.openConfiguration(snap.ResolvedVariables)
	if err != nil {
		return err
	}
	_, p, err := e.buildPlan(snap.ComposeTemplate, values)
	if err != nil {
		return fmt.Errorf("rebuild snapshot plan: %w", err)
	}
	api, err := e.daemon(ctx, req.EnvironmentID)
	if err != nil {
		return err
	}

	// 4. Claim the record.
	failedVersion := d.CurrentVersion
	d, err = e.transition(d.ID, []store.DeploymentStatus{store.StatusFailed}, store.StatusRollingBack, "RollbackStack", func(cur *store.Deployment) {
		cur.LastOperation = store.OpRollback
		cur.AttemptID = req.AttemptID
		cur.SessionID = req.SessionID
	})
	if err != nil {
		return err
	}

	e.log.Info("rollback started", "deployment", d.ID, "stack", d.StackName, "from", failedVersion, "to", snap.TargetVersion)
	em := e.newEmitter(req.SessionID, fullWindow)
	e.notifyVersions(ctx, notify.EventRollbackStarted, d, failedVersion, snap.TargetVersion, "")
	start := e.clock.Now()

	err = e.rollback(ctx, api, em, &d, snap, p)
	metrics.OperationDuration.WithLabelValues("rollback").Observe(e.clock.Since(start).Seconds())
	if err != nil {
		e.log.Error("rollback failed", "deployment", d.ID, "stack", d.StackName, "error", err)
		e.markFailed(d.ID, err.Error())
		em.fail(err)
		e.notifyVersions(ctx, notify.EventRollbackFailed, d, failedVersion, snap.TargetVersion, err.Error())
		metrics.OperationsTotal.WithLabelValues("rollback", "failure").Inc()
		return err
	}

	e.log.Info("rollback succeeded", "deployment", d.ID, "stack", d.StackName, "version", snap.TargetVersion)
	metrics.OperationsTotal.WithLabelValues("rollback", "success").Inc()
	em.complete(fmt.Sprintf("stack %s rolled back to %s", d.StackName, snap.TargetVersion))
	e.notifyVersions(ctx, notify.EventRollbackSucceeded, d, failedVersion, snap.TargetVersion, "")
	return nil
}

// rollback drives the restore sequence against a claimed record.
func (e *Engine) rollback(ctx context.Context, api docker.API, em *emitter, d *store.Deployment, snap store.Snapshot, p *plan.Plan) error {
	// 1. Record the failed state for forensics. Failure to capture it must
	// not brick the rollback, so this one is best-effort.
	em.step(progress.PhasePreparing, fmt.Sprintf("rolling back %s to %s", d.StackName, snap.TargetVersion), phasePercent(progress.PhasePreparing, 1, 1))
	if _, err := e.captureSnapshot(ctx, api, *d, store.SnapshotPreRollback, "failed state before rollback"); err != nil {
		e.log.Warn("could not capture pre-rollback snapshot", "deployment", d.ID, "error", err)
	}

	// 2. Pull the previous images, pinned by digest where recorded.
	if err := e.pullImages(ctx, api, em, p.Images, snap.ImageDigests); err != nil {
		return err
	}

	// 3. Networks and volumes may have been lost with the failed upgrade.
	names := buildNameMap(d.StackName, p)
	nets, err := e.ensureNetworks(ctx, api, *d, p, names)
	d.Networks = mergeNames(d.Networks, nets)
	e.persistOwned(d)
	if err != nil {
		return err
	}
	vols, err := e.ensureVolumes(ctx, api, *d, p, names)
	d.Volumes = mergeNames(d.Volumes, vols)
	e.persistOwned(d)
	if err != nil {
		return err
	}

	// 4. Clean slate: the failed upgrade left an unknown mix of old and new
	// containers. Remove everything carrying this deployment's label.
	em.step(progress.PhaseInitializingContainers, "removing failed containers", phasePercent(progress.PhaseInitializingContainers, 0, 1))
	containers, err := e.labeledContainers(ctx, api, d.ID)
	if err != nil {
		return fmt.Errorf("list deployment containers: %w", err)
	}
	for _, c := range containers {
		if err := e.stopAndRemove(ctx, api, c.ID); err != nil {
			return err
		}
	}

	// 5. Recreate every service from the snapshot plan.
	instances, err := e.startServices(ctx, api, em, *d, snap.TargetVersion, p, names)
	d.Services = instances
	e.persistServices(d)
	if err != nil {
		return err
	}

	// 6. Finalize with a health re-check across the restored services.
	em.step(progress.PhaseFinalizing, "verifying restored services", phasePercent(progress.PhaseFinalizing, 0, 1))
	for _, inst := range instances {
		inspect, err := api.InspectContainer(ctx, inst.ContainerID)
		if err != nil || inspect.State == nil || !inspect.State.Running {
			e.log.Warn("restored service not running after rollback", "service", inst.Name, "deployment", d.ID)
		}
	}

	final, err := e.transition(d.ID, []store.DeploymentStatus{store.StatusRollingBack}, store.StatusRunning, "finalize rollback", func(cur *store.Deployment) {
		cur.CurrentVersion = snap.TargetVersion
		if snap.StackDefinitionID != "" {
			cur.StackDefinitionID = snap.StackDefinitionID
		}
		cur.Configuration = snap.ResolvedVariables
	})
	if err != nil {
		return err
	}
	*d = final
	return nil
}
