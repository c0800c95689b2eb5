package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

// DeployRequest carries the inputs of a stack install.
type DeployRequest struct {
	EnvironmentID     string
	StackDefinitionID string
	StackName         string
	Variables         map[string]string
	SessionID         string
	// AttemptID keys idempotent retries; it defaults to the session id.
	AttemptID string
}

// DeployStack installs a stack definition into an environment and blocks
// until the deployment reaches a terminal state. Repeating the call with
// the same attempt id while the install is in-flight returns the existing
// deployment id instead of starting a second install.
func (e *Engine) DeployStack(ctx context.Context, req DeployRequest) (string, error) {
	return e.deployStack(ctx, req, fullWindow)
}

func (e *Engine) deployStack(ctx context.Context, req DeployRequest, win window) (string, error) {
	// 1. Default the attempt key and detect repeats of an earlier call.
	if req.AttemptID == "" {
		req.AttemptID = req.SessionID
	}
	if req.StackName == "" {
		return "", errdefs.Validation("stack name is required")
	}
	if req.SessionID == "" {
		return "", errdefs.Validation("session id is required")
	}
	if existing, err := e.store.FindDeploymentByName(req.EnvironmentID, req.StackName); err == nil {
		if existing.AttemptID == req.AttemptID {
			if existing.Status == store.StatusInstalling {
				e.log.Info("repeat install attempt, returning in-flight deployment", "deployment", existing.ID, "attempt", req.AttemptID)
				return existing.ID, nil
			}
			return "", errdefs.InvalidState(string(existing.Status), "DeployStack")
		}
		return "", errdefs.Validation("stack name %q is already in use in environment %s", req.StackName, req.EnvironmentID)
	}

	// 2. Pre-flight before any record exists, so rejects leave no trace.
	pf, err := e.prepare(req.EnvironmentID, req.StackDefinitionID, req.Variables)
	if err != nil {
		return "", err
	}
	api, err := e.daemon(ctx, req.EnvironmentID)
	if err != nil {
		return "", err
	}

	// 3. Create the record in Installing and claim the operation.
	sealed, err := e.sealConfiguration(pf.def.Variables, pf.resolved)
	if err != nil {
		return "", err
	}
	d := store.Deployment{
		ID:                uuid.NewString(),
		EnvironmentID:     req.EnvironmentID,
		StackDefinitionID: req.StackDefinitionID,
		StackName:         req.StackName,
		Status:            store.StatusInstalling,
		Configuration:     sealed,
		LastOperation:     store.OpInstall,
		AttemptID:         req.AttemptID,
		SessionID:         req.SessionID,
	}
	if err := e.store.CreateDeployment(d); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return "", errdefs.Validation("stack name %q is already in use in environment %s", req.StackName, req.EnvironmentID)
		}
		return "", err
	}
	if _, _, err := e.claim(d.ID, req.AttemptID, req.SessionID, store.OpInstall); err != nil {
		return d.ID, err
	}
	defer e.release(d.ID)

	// 4. Run the install, reporting through the session window.
	e.log.Info("install started", "deployment", d.ID, "stack", d.StackName, "definition", pf.def.Name, "version", pf.def.Version)
	em := e.newEmitter(req.SessionID, win)
	e.notifyEvent(ctx, notify.EventDeployStarted, d, "")
	start := e.clock.Now()

	err = e.install(ctx, api, em, &d, pf)
	metrics.OperationDuration.WithLabelValues("install").Observe(e.clock.Since(start).Seconds())
	if err != nil {
		e.failOperation(ctx, d, em, notify.EventDeployFailed, "install", err)
		return d.ID, err
	}

	e.log.Info("install succeeded", "deployment", d.ID, "stack", d.StackName, "version", d.CurrentVersion)
	metrics.OperationsTotal.WithLabelValues("install", "success").Inc()
	e.saveEnvironmentValues(req.EnvironmentID, pf.def.Variables, pf.resolved)
	em.complete(fmt.Sprintf("stack %s running", d.StackName))
	e.notifyEvent(ctx, notify.EventDeploySucceeded, d, "")
	return d.ID, nil
}

// install drives the install sequence against a freshly created record.
// On nil return the deployment is Running.
func (e *Engine) install(ctx context.Context, api docker.API, em *emitter, d *store.Deployment, pf *preflight) error {
	// 1. Restore point before any mutation. There is no previous state,
	// but capture-before-mutate stays uniform across operations.
	em.step(progress.PhasePreparing, fmt.Sprintf("installing %s %s as %q", pf.def.Name, pf.def.Version, d.StackName), phasePercent(progress.PhasePreparing, 1, 1))
	if err := e.captureEmptySnapshot(*d); err != nil {
		return err
	}

	// 2. Pull every image of the plan.
	if err := e.pullImages(ctx, api, em, pf.plan.Images, nil); err != nil {
		return err
	}

	// 3. Networks and volumes before any container references them.
	// Ownership is persisted as soon as it exists so Remove can clean up
	// after a crash mid-install.
	names := buildNameMap(d.StackName, pf.plan)
	nets, err := e.ensureNetworks(ctx, api, *d, pf.plan, names)
	d.Networks = nets
	e.persistOwned(d)
	if err != nil {
		return err
	}
	vols, err := e.ensureVolumes(ctx, api, *d, pf.plan, names)
	d.Volumes = vols
	e.persistOwned(d)
	if err != nil {
		return err
	}

	// 4. Init containers, strictly ordered.
	if err := e.runInitContainers(ctx, api, em, d, pf.def.Version, pf.plan, names); err != nil {
		return err
	}

	// 5. Services, layer by layer.
	instances, err := e.startServices(ctx, api, em, *d, pf.def.Version, pf.plan, names)
	d.Services = instances
	e.persistServices(d)
	if err != nil {
		return err
	}

	// 6. Finalize.
	em.step(progress.PhaseFinalizing, "finalizing deployment", phasePercent(progress.PhaseFinalizing, 0, 1))
	now := e.clock.Now().UTC()
	final, err := e.transition(d.ID, []store.DeploymentStatus{store.StatusInstalling}, store.StatusRunning, "finalize install", func(cur *store.Deployment) {
		cur.CurrentVersion = pf.def.Version
		cur.DeployedAt = now
	})
	if err != nil {
		return err
	}
	*d = final
	return nil
}

// persistOwned records created networks and volumes on the deployment.
func (e *Engine) persistOwned(d *store.Deployment) {
	networks, volumes := d.Networks, d.Volumes
	if _, err := e.store.UpdateDeployment(d.ID, func(cur *store.Deployment) error {
		cur.Networks = networks
		cur.Volumes = volumes
		return nil
	}); err != nil {
		e.log.Error("failed to persist resource ownership", "deployment", d.ID, "error", err)
	}
}

// persistServices records started service instances on the deployment.
func (e *Engine) persistServices(d *store.Deployment) {
	services := d.Services
	if _, err := e.store.UpdateDeployment(d.ID, func(cur *store.Deployment) error {
		cur.Services = services
		return nil
	}); err != nil {
		e.log.Error("failed to persist service instances", "deployment", d.ID, "error", err)
	}
}

// failOperation persists Failed with the reason, emits the terminal error
// event and fans out the failure notification. Partial containers stay in
// place; the operator decides between rollback and remove.
func (e *Engine) failOperation(ctx context.Context, d store.Deployment, em *emitter, evType notify.EventType, opLabel string, opErr error) {
	e.log.Error("operation failed", "operation", opLabel, "deployment", d.ID, "stack", d.StackName, "error", opErr)
	e.markFailed(d.ID, opErr.Error())
	em.fail(opErr)
	e.notifyEvent(ctx, evType, d, opErr.Error())
	metrics.OperationsTotal.WithLabelValues(opLabel, "failure").Inc()
}
