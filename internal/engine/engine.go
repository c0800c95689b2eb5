// Package engine is the deployment state machine: it installs, upgrades,
// rolls back and removes compose-shaped stacks on Docker environments,
// snapshotting before destructive changes and reporting progress per session.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/config"
	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/registry"
	"github.com/readystack/readystackgo/internal/secrets"
	"github.com/readystack/readystackgo/internal/store"
)

// Daemons resolves the Docker API for an environment. Production wiring
// backs it with the per-environment client manager; tests hand in mocks.
type Daemons interface {
	ClientFor(envID string) (docker.API, error)
}

// Engine executes stack operations. All mutating methods block until the
// operation reaches a terminal state; progress streams on the session bus.
type Engine struct {
	store    *store.Store
	daemons  Daemons
	resolver *registry.Resolver
	box      *secrets.Box
	hub      *progress.Hub
	notifier *notify.Multi
	cfg      *config.Config
	log      *logging.Logger
	clock    clock.Clock

	mu     sync.Mutex
	active map[string]activeOp // deploymentID -> running operation
}

type activeOp struct {
	attemptID string
	sessionID string
	kind      store.OperationKind
}

// New creates an Engine with all dependencies.
func New(s *store.Store, daemons Daemons, resolver *registry.Resolver, box *secrets.Box, hub *progress.Hub, notifier *notify.Multi, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Engine {
	return &Engine{
		store:    s,
		daemons:  daemons,
		resolver: resolver,
		box:      box,
		hub:      hub,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		clock:    clk,
		active:   make(map[string]activeOp),
	}
}

// claim registers an in-process operation for a deployment. The second
// return is true when the same attempt is already running, in which case
// the caller returns the existing session instead of starting over.
func (e *Engine) claim(deploymentID, attemptID, sessionID string, kind store.OperationKind) (activeOp, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[deploymentID]; ok {
		if a.attemptID == attemptID {
			return a, true, nil
		}
		return activeOp{}, false, errdefs.OperationInProgress(deploymentID)
	}
	a := activeOp{attemptID: attemptID, sessionID: sessionID, kind: kind}
	e.active[deploymentID] = a
	return a, false, nil
}

func (e *Engine) release(deploymentID string) {
	e.mu.Lock()
	delete(e.active, deploymentID)
	e.mu.Unlock()
}

// transition runs the store compare-and-set and maps its conflict to the
// operation error taxonomy.
func (e *Engine) transition(id string, from []store.DeploymentStatus, to store.DeploymentStatus, opName string, mutate func(*store.Deployment)) (store.Deployment, error) {
	d, err := e.store.TransitionDeployment(id, from, to, mutate)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Current.InFlight() {
				return d, errdefs.OperationInProgress(id)
			}
			return d, errdefs.InvalidState(string(conflict.Current), opName)
		}
		if errors.Is(err, store.ErrNotFound) {
			return d, errdefs.NotFound("deployment", id)
		}
		return d, err
	}
	return d, nil
}

// markFailed moves an in-flight deployment to Failed and persists the
// reason. Used on fatal operation errors and by the recovery sweep.
func (e *Engine) markFailed(id, reason string) {
	_, err := e.store.UpdateDeployment(id, func(d *store.Deployment) error {
		if !d.Status.InFlight() {
			return &store.ConflictError{DeploymentID: id, Current: d.Status}
		}
		d.Status = store.StatusFailed
		d.LastFailureReason = reason
		return nil
	})
	if err != nil {
		e.log.Error("failed to persist Failed status", "deployment", id, "error", err)
	}
}

// MarkAsFailed flags a stuck in-flight deployment as Failed with an
// operator-supplied reason. Only Installing and Upgrading qualify; the
// running operation loses its final compare-and-set and terminates.
func (e *Engine) MarkAsFailed(ctx context.Context, envID, deploymentID, reason string) error {
	d, err := e.store.GetDeployment(deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errdefs.NotFound("deployment", deploymentID)
		}
		return err
	}
	if d.EnvironmentID != envID {
		return errdefs.NotFound("deployment", deploymentID)
	}

	_, err = e.transition(deploymentID, []store.DeploymentStatus{store.StatusInstalling, store.StatusUpgrading}, store.StatusFailed, "MarkAsFailed", func(d *store.Deployment) {
		d.LastFailureReason = reason
	})
	if err != nil {
		return err
	}
	e.log.Warn("deployment marked as failed", "deployment", deploymentID, "reason", reason)
	return nil
}

// EnterMaintenance flags a deployment as under maintenance so the health
// monitor stops raising attention. Allowed only from normal operation.
func (e *Engine) EnterMaintenance(ctx context.Context, envID, deploymentID string) error {
	_, err := e.store.UpdateDeployment(deploymentID, func(d *store.Deployment) error {
		if d.EnvironmentID != envID {
			return errdefs.NotFound("deployment", deploymentID)
		}
		if d.Status.InFlight() {
			return errdefs.InvalidState(string(d.Status), "EnterMaintenance")
		}
		if d.Maintenance {
			return errdefs.InvalidState("Maintenance", "EnterMaintenance")
		}
		d.Maintenance = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.NotFound("deployment", deploymentID)
	}
	return err
}

// ExitMaintenance returns a deployment to normal operation.
func (e *Engine) ExitMaintenance(ctx context.Context, envID, deploymentID string) error {
	_, err := e.store.UpdateDeployment(deploymentID, func(d *store.Deployment) error {
		if d.EnvironmentID != envID {
			return errdefs.NotFound("deployment", deploymentID)
		}
		if !d.Maintenance {
			return errdefs.InvalidState("Normal", "ExitMaintenance")
		}
		d.Maintenance = false
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return errdefs.NotFound("deployment", deploymentID)
	}
	return err
}

// SubscribeProgress attaches to a session's progress and log stream.
func (e *Engine) SubscribeProgress(sessionID string) *progress.Subscription {
	metrics.ProgressSubscribers.Inc()
	return e.hub.Subscribe(sessionID)
}

// UnsubscribeProgress releases a subscription taken via SubscribeProgress.
func (e *Engine) UnsubscribeProgress(sub *progress.Subscription) {
	metrics.ProgressSubscribers.Dec()
	sub.Cancel()
}

// notifyEvent fans a lifecycle notification out.
func (e *Engine) notifyEvent(ctx context.Context, t notify.EventType, d store.Deployment, errText string) {
	e.notifyVersions(ctx, t, d, "", d.CurrentVersion, errText)
}

// notifyVersions is notifyEvent with explicit version movement, used by
// upgrade and rollback events.
func (e *Engine) notifyVersions(ctx context.Context, t notify.EventType, d store.Deployment, oldVersion, newVersion, errText string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, notify.Event{
		Type:          t,
		EnvironmentID: d.EnvironmentID,
		DeploymentID:  d.ID,
		StackName:     d.StackName,
		OldVersion:    oldVersion,
		NewVersion:    newVersion,
		Error:         errText,
		Timestamp:     e.clock.Now(),
	})
}

// emitter stamps session, timestamp and window-compressed percent onto
// progress events before they reach the hub. It remembers the last phase
// published so a failure event can name the phase it interrupted.
type emitter struct {
	hub     *progress.Hub
	clock   clock.Clock
	session string
	win     window

	mu        sync.Mutex
	lastPhase progress.Phase
}

func (e *Engine) newEmitter(sessionID string, win window) *emitter {
	return &emitter{hub: e.hub, clock: e.clock, session: sessionID, win: win}
}

func (em *emitter) progress(evt progress.Event) {
	em.mu.Lock()
	em.lastPhase = evt.Phase
	em.mu.Unlock()
	evt.SessionID = em.session
	evt.PercentComplete = em.win.scale(evt.PercentComplete)
	evt.Timestamp = em.clock.Now()
	em.hub.PublishProgress(evt)
}

func (em *emitter) phase() progress.Phase {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.lastPhase == "" {
		return progress.PhasePreparing
	}
	return em.lastPhase
}

// step publishes a plain phase event at the given overall percent.
func (em *emitter) step(ph progress.Phase, msg string, pct int) {
	em.progress(progress.Event{Phase: ph, Message: msg, PercentComplete: pct})
}

// logLine relays one container log line onto the session.
func (em *emitter) logLine(containerName, line string) {
	em.hub.PublishLog(progress.LogEntry{
		SessionID:     em.session,
		ContainerName: containerName,
		LogLine:       line,
		Timestamp:     em.clock.Now(),
	})
}

// complete publishes the terminal success event for the session window.
func (em *emitter) complete(msg string) {
	em.progress(progress.Event{
		Phase:           progress.PhaseFinalizing,
		Message:         msg,
		PercentComplete: 100,
		IsComplete:      em.win == fullWindow,
		IsError:         false,
	})
}

// fail publishes the terminal error event for the session window. The hub's
// monotonic clamp keeps the percent at its high-water mark.
func (em *emitter) fail(err error) {
	em.progress(progress.Event{
		Phase:        em.phase(),
		Message:      "operation failed",
		IsComplete:   em.win == fullWindow,
		IsError:      true,
		ErrorMessage: err.Error(),
	})
}
