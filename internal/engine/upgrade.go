package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

// UpgradeRequest carries the inputs of a stack upgrade.
type UpgradeRequest struct {
	EnvironmentID        string
	DeploymentID         string
	NewStackDefinitionID string
	// Variables overlay the values carried over from the current
	// deployment; anything not named keeps its previous value.
	Variables map[string]string
	SessionID string
	AttemptID string
}

// UpgradeStack moves a running deployment to a new stack definition with a
// recreate strategy: only services whose definition changed are replaced,
// the rest keep running. Blocks until terminal. On failure the deployment
// is Failed and eligible for rollback to the snapshot captured before any
// change was made.
func (e *Engine) UpgradeStack(ctx context.Context, req UpgradeRequest) error {
	return e.upgradeStack(ctx, req, fullWindow)
}

func (e *Engine) upgradeStack(ctx context.Context, req UpgradeRequest, win window) error {
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

	_, repeat, err := e.claim(d.ID, req.AttemptID, req.SessionID, store.OpUpgrade)
	if err != nil {
		return err
	}
	if repeat {
		e.log.Info("repeat upgrade attempt, session already running", "deployment", d.ID, "attempt", req.AttemptID)
		return nil
	}
	defer e.release(d.ID)
	if d.AttemptID == req.AttemptID {
		return errdefs.InvalidState(string(d.Status), "UpgradeStack")
	}

	// 2. Pre-flight the new definition with carried-over variables.
	previous, err := e.openConfiguration(d.Configuration)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(previous)+len(req.Variables))
	for k, v := range previous {
		merged[k] = v
	}
	for k, v := range req.Variables {
		merged[k] = v
	}
	pf, err := e.prepare(req.EnvironmentID, req.NewStackDefinitionID, merged)
	if err != nil {
		return err
	}
	api, err := e.daemon(ctx, req.EnvironmentID)
	if err != nil {
		return err
	}

	// 3. Claim the record.
	oldVersion := d.CurrentVersion
	d, err = e.transition(d.ID, []store.DeploymentStatus{store.StatusRunning}, store.StatusUpgrading, "UpgradeStack", func(cur *store.Deployment) {
		cur.LastOperation = store.OpUpgrade
		cur.AttemptID = req.AttemptID
		cur.SessionID = req.SessionID
	})
	if err != nil {
		return err
	}

	e.log.Info("upgrade started", "deployment", d.ID, "stack", d.StackName, "from", oldVersion, "to", pf.def.Version)
	em := e.newEmitter(req.SessionID, win)
	e.notifyVersions(ctx, notify.EventUpgradeStarted, d, oldVersion, pf.def.Version, "")
	start := e.clock.Now()

	err = e.upgrade(ctx, api, em, &d, pf)
	metrics.OperationDuration.WithLabelValues("upgrade").Observe(e.clock.Since(start).Seconds())
	if err != nil {
		e.log.Error("upgrade failed", "deployment", d.ID, "stack", d.StackName, "error", err)
		e.markFailed(d.ID, err.Error())
		em.fail(err)
		e.notifyVersions(ctx, notify.EventUpgradeFailed, d, oldVersion, pf.def.Version, err.Error())
		metrics.OperationsTotal.WithLabelValues("upgrade", "failure").Inc()
		return err
	}

	e.log.Info("upgrade succeeded", "deployment", d.ID, "stack", d.StackName, "version", d.CurrentVersion)
	metrics.OperationsTotal.WithLabelValues("upgrade", "success").Inc()
	e.saveEnvironmentValues(req.EnvironmentID, pf.def.Variables, pf.resolved)
	em.complete(fmt.Sprintf("stack %s upgraded to %s", d.StackName, d.CurrentVersion))
	e.notifyVersions(ctx, notify.EventUpgradeSucceeded, d, oldVersion, d.CurrentVersion, "")
	return nil
}

// upgrade drives the upgrade sequence against a claimed record. On nil
// return the deployment is Running on the new definition.
func (e *Engine) upgrade(ctx context.Context, api docker.API, em *emitter, d *store.Deployment, pf *preflight) error {
	// 1. Durable restore point before any mutation.
	em.step(progress.PhasePreparing, fmt.Sprintf("upgrading %s to %s", d.StackName, pf.def.Version), phasePercent(progress.PhasePreparing, 1, 1))
	snap, err := e.captureSnapshot(ctx, api, *d, store.SnapshotPreUpgrade, "before upgrade to "+pf.def.Version)
	if err != nil {
		return err
	}

	// 2. The previous plan tells which services changed.
	prevValues, err := e.openConfiguration(snap.ResolvedVariables)
	if err != nil {
		return err
	}
	_, prevPlan, err := e.buildPlan(snap.ComposeTemplate, prevValues)
	if err != nil {
		return fmt.Errorf("rebuild previous plan: %w", err)
	}

	// 3. Pull the new plan's images.
	if err := e.pullImages(ctx, api, em, pf.plan.Images, nil); err != nil {
		return err
	}

	// 4. Networks and volumes the new plan adds.
	names := buildNameMap(d.StackName, pf.plan)
	nets, err := e.ensureNetworks(ctx, api, *d, pf.plan, names)
	d.Networks = mergeNames(d.Networks, nets)
	e.persistOwned(d)
	if err != nil {
		return err
	}
	vols, err := e.ensureVolumes(ctx, api, *d, pf.plan, names)
	d.Volumes = mergeNames(d.Volumes, vols)
	e.persistOwned(d)
	if err != nil {
		return err
	}

	// 5. Init containers of the new definition run before any service is
	// touched; migrations must finish while the old containers still work.
	if err := e.runInitContainers(ctx, api, em, d, pf.def.Version, pf.plan, names); err != nil {
		return err
	}

	// 6. Recreate changed services, drop removed ones, keep the rest.
	instances, err := e.recreateServices(ctx, api, em, d, pf, prevPlan, names)
	d.Services = instances
	e.persistServices(d)
	if err != nil {
		return err
	}

	// 7. Finalize: the deployment now points at the new definition.
	em.step(progress.PhaseFinalizing, "finalizing upgrade", phasePercent(progress.PhaseFinalizing, 0, 1))
	sealed, err := e.sealConfiguration(pf.def.Variables, pf.resolved)
	if err != nil {
		return err
	}
	final, err := e.transition(d.ID, []store.DeploymentStatus{store.StatusUpgrading}, store.StatusRunning, "finalize upgrade", func(cur *store.Deployment) {
		cur.StackDefinitionID = pf.def.ID
		cur.CurrentVersion = pf.def.Version
		cur.Configuration = sealed
		cur.UpgradeCount++
	})
	if err != nil {
		return err
	}
	*d = final

	// 8. Replace the active restore point with the now-current state, so
	// the next upgrade rolls back to this one.
	if _, err := e.captureSnapshot(ctx, api, final, store.SnapshotPreUpgrade, "state after upgrade to "+pf.def.Version); err != nil {
		e.log.Warn("could not refresh post-upgrade snapshot", "deployment", d.ID, "error", err)
	}
	return nil
}

// recreateServices stops and replaces every service whose definition
// changed, removes services the new plan no longer declares and leaves the
// rest untouched. Replacements start in the new plan's layer order.
func (e *Engine) recreateServices(ctx context.Context, api docker.API, em *emitter, d *store.Deployment, pf *preflight, prevPlan *plan.Plan, names nameMap) ([]store.ServiceInstance, error) {
	oldInstances := make(map[string]store.ServiceInstance, len(d.Services))
	for _, inst := range d.Services {
		oldInstances[inst.Name] = inst
	}

	recreate := make(map[string]bool)
	newNames := make(map[string]bool, len(pf.plan.Services))
	for i := range pf.plan.Services {
		svc := &pf.plan.Services[i]
		newNames[svc.Name] = true
		prev, existed := prevPlan.Service(svc.Name)
		if !existed || !reflect.DeepEqual(*prev, *svc) {
			recreate[svc.Name] = true
		}
	}

	// Drop services the new definition no longer declares.
	var kept []store.ServiceInstance
	for _, inst := range d.Services {
		if newNames[inst.Name] {
			if !recreate[inst.Name] {
				kept = append(kept, inst)
			}
			continue
		}
		e.log.Info("removing service dropped by upgrade", "service", inst.Name, "deployment", d.ID)
		if inst.ContainerID != "" {
			if err := e.stopAndRemove(ctx, api, inst.ContainerID); err != nil {
				return kept, err
			}
		}
	}

	if len(recreate) == 0 {
		em.step(progress.PhaseStartingServices, "no services changed", phasePercent(progress.PhaseStartingServices, 1, 1))
		return kept, nil
	}

	total := len(recreate)
	var (
		mu        sync.Mutex
		instances = kept
		done      int
	)
	for _, layer := range pf.plan.Layers {
		g, gctx := errgroup.WithContext(ctx)
		for _, svcName := range layer {
			if !recreate[svcName] {
				continue
			}
			svc, ok := pf.plan.Service(svcName)
			if !ok {
				continue
			}
			g.Go(func() error {
				if old, ok := oldInstances[svc.Name]; ok && old.ContainerID != "" {
					if err := e.stopAndRemove(gctx, api, old.ContainerID); err != nil {
						return err
					}
				}
				inst, err := e.startService(gctx, api, *d, pf.def.Version, *svc, names)
				if err != nil {
					return err
				}
				mu.Lock()
				instances = append(instances, inst)
				done++
				n := done
				mu.Unlock()
				em.progress(progress.Event{
					Phase:             progress.PhaseStartingServices,
					Message:           fmt.Sprintf("service %s recreated (%d/%d)", svc.Name, n, total),
					PercentComplete:   phasePercent(progress.PhaseStartingServices, n, total),
					CurrentService:    svc.Name,
					TotalServices:     total,
					CompletedServices: n,
				})
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return instances, err
		}
	}
	return instances, nil
}

// mergeNames unions two name lists preserving first-seen order.
func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
