package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/moby/moby/api/types/container"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

// RemoveRequest carries the inputs of a stack removal.
type RemoveRequest struct {
	EnvironmentID string
	DeploymentID  string
	SessionID     string

	// AttemptID keys idempotent retries; defaults to the session id.
	AttemptID string
}

// RemoveStack stops and deletes a deployment's containers, its owned networks
// and volumes, and finally the record itself. When some containers cannot be
// removed the record stays in Removing and the error names every service that
// is left, so the operation can be retried. Blocks until terminal.
func (e *Engine) RemoveStack(ctx context.Context, req RemoveRequest) error {
	return e.removeStack(ctx, req, fullWindow)
}

func (e *Engine) removeStack(ctx context.Context, req RemoveRequest, win window) error {
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

	_, repeat, err := e.claim(d.ID, req.AttemptID, req.SessionID, store.OpRemove)
	if err != nil {
		return err
	}
	if repeat {
		e.log.Info("repeat remove attempt, session already running", "deployment", d.ID, "attempt", req.AttemptID)
		return nil
	}
	defer e.release(d.ID)
	if d.AttemptID == req.AttemptID {
		return errdefs.InvalidState(string(d.Status), "RemoveStack")
	}

	api, err := e.daemon(ctx, req.EnvironmentID)
	if err != nil {
		return err
	}

	// 2. Claim the record. Removing is in the from set so a removal that
	// failed halfway can be retried.
	d, err = e.transition(d.ID, []store.DeploymentStatus{store.StatusRunning, store.StatusFailed, store.StatusRemoving}, store.StatusRemoving, "RemoveStack", func(cur *store.Deployment) {
		cur.LastOperation = store.OpRemove
		cur.AttemptID = req.AttemptID
		cur.SessionID = req.SessionID
	})
	if err != nil {
		return err
	}

	e.log.Info("remove started", "deployment", d.ID, "stack", d.StackName, "environment", d.EnvironmentID)
	em := e.newEmitter(req.SessionID, win)
	e.notifyEvent(ctx, notify.EventRemoveStarted, d, "")
	start := e.clock.Now()

	leftBehind, err := e.remove(ctx, api, em, d)
	metrics.OperationDuration.WithLabelValues("remove").Observe(e.clock.Since(start).Seconds())
	if err != nil {
		e.log.Error("remove failed", "deployment", d.ID, "stack", d.StackName, "error", err)
		em.fail(err)
		ev := notify.Event{
			Type:          notify.EventRemoveFailed,
			EnvironmentID: d.EnvironmentID,
			DeploymentID:  d.ID,
			StackName:     d.StackName,
			Error:         err.Error(),
			Services:      leftBehind,
			Timestamp:     e.clock.Now(),
		}
		e.notifier.Notify(ctx, ev)
		metrics.OperationsTotal.WithLabelValues("remove", "failure").Inc()
		return err
	}

	e.log.Info("remove succeeded", "deployment", d.ID, "stack", d.StackName)
	metrics.OperationsTotal.WithLabelValues("remove", "success").Inc()
	em.complete(fmt.Sprintf("stack %s removed", d.StackName))
	e.notifyEvent(ctx, notify.EventRemoveSucceeded, d, "")
	return nil
}

// remove tears the deployment down. The record is deleted only after every
// container is gone; failed services are returned so the caller can report
// exactly what is still on the daemon.
func (e *Engine) remove(ctx context.Context, api docker.API, em *emitter, d store.Deployment) ([]string, error) {
	em.step(progress.PhasePreparing, fmt.Sprintf("removing stack %s", d.StackName), phasePercent(progress.PhasePreparing, 1, 1))

	// 1. Stop and remove service containers in reverse start order, so
	// dependents go down before their dependencies. Failures do not stop the
	// sweep; every remaining service is collected and reported together.
	var failed []string
	total := len(d.Services)
	done := 0
	for i := total - 1; i >= 0; i-- {
		svc := d.Services[i]
		if err := e.stopAndRemove(ctx, api, svc.ContainerID); err != nil {
			e.log.Error("failed to remove service container", "deployment", d.ID, "service", svc.Name, "error", err)
			failed = append(failed, svc.Name)
			continue
		}
		done++
		em.progress(progress.Event{
			Phase:             progress.PhaseStartingServices,
			Message:           fmt.Sprintf("removed service %s (%d/%d)", svc.Name, done, total),
			PercentComplete:   phasePercent(progress.PhaseStartingServices, done, total),
			CurrentService:    svc.Name,
			TotalServices:     total,
			CompletedServices: done,
		})
	}

	// 2. Sweep whatever else still carries this deployment's label, such as
	// init containers kept after a failure or strays from a failed upgrade.
	leftovers, err := e.labeledContainers(ctx, api, d.ID)
	if err != nil {
		e.log.Warn("could not list leftover containers", "deployment", d.ID, "error", err)
	}
	known := make(map[string]bool, total)
	for _, svc := range d.Services {
		known[svc.ContainerID] = true
	}
	for _, c := range leftovers {
		if known[c.ID] {
			continue
		}
		if err := e.stopAndRemove(ctx, api, c.ID); err != nil {
			e.log.Error("failed to remove leftover container", "deployment", d.ID, "container", c.ID, "error", err)
			failed = append(failed, leftoverName(c))
		}
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return failed, &errdefs.Error{
			Kind: errdefs.KindInternal,
			Msg:  fmt.Sprintf("failed to remove services: %s", strings.Join(failed, ", ")),
		}
	}

	// 3. Containers are gone. Delete the networks and volumes this
	// deployment created. Shared or external ones were never owned, so they
	// are left alone. A resource that will not delete is logged and skipped
	// rather than keeping the whole stack in Removing.
	em.step(progress.PhaseFinalizing, "removing networks and volumes", phasePercent(progress.PhaseFinalizing, 0, 1))
	for _, name := range d.Networks {
		if err := api.RemoveNetwork(ctx, name); err != nil {
			e.log.Warn("could not remove network", "deployment", d.ID, "network", name, "error", err)
		}
	}
	for _, name := range d.Volumes {
		if err := api.RemoveVolume(ctx, name); err != nil {
			e.log.Warn("could not remove volume", "deployment", d.ID, "volume", name, "error", err)
		}
	}

	// 4. Drop the record, cascading snapshots and health history.
	if err := e.store.DeleteDeployment(d.ID); err != nil {
		return nil, fmt.Errorf("delete deployment record: %w", err)
	}
	return nil, nil
}

// leftoverName labels an unmanaged-by-name container in error reports,
// preferring its service label over a raw id.
func leftoverName(c container.Summary) string {
	if name := c.Labels[plan.LabelService]; name != "" {
		return name
	}
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}
