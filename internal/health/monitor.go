// Package health reconciles observed Docker state into per-deployment
// health samples. One Monitor serves every environment; each environment
// runs its own jittered reconcile loop. Observation never mutates
// deployment records: findings flow into the sample history, onto the
// fanout hub and through the notifier chain instead.
package health

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/config"
	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/logging"
	"github.com/readystack/readystackgo/internal/metrics"
	"github.com/readystack/readystackgo/internal/notify"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

// stabilityWindow is how long a restarted container without a healthcheck
// reports Starting before a steady run counts as Healthy again.
const stabilityWindow = 60 * time.Second

// Daemons resolves the Docker API for an environment.
type Daemons interface {
	ClientFor(envID string) (docker.API, error)
}

// Monitor turns container state into per-stack health. The monitor and the
// deployment engine share the store but never each other's locks; a cycle
// that races an operation simply reports one sample late.
type Monitor struct {
	store    *store.Store
	daemons  Daemons
	hub      *progress.Hub
	notifier *notify.Multi
	cfg      *config.Config
	log      *logging.Logger
	clock    clock.Clock

	mu       sync.Mutex
	inFlight map[string]bool                          // envID -> cycle running
	last     map[string]map[string]store.HealthSample // envID -> deploymentID -> last sample
}

// New creates a Monitor.
func New(s *store.Store, daemons Daemons, hub *progress.Hub, notifier *notify.Multi, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Monitor {
	return &Monitor{
		store:    s,
		daemons:  daemons,
		hub:      hub,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		clock:    clk,
		inFlight: make(map[string]bool),
		last:     make(map[string]map[string]store.HealthSample),
	}
}

// Run drives the reconcile loop for one environment: an immediate first
// cycle, then one cycle per jittered interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, envID string) error {
	m.Reconcile(ctx, envID)
	for {
		select {
		case <-m.clock.After(m.jittered()):
			m.Reconcile(ctx, envID)
		case <-ctx.Done():
			m.log.Info("health monitor stopped", "environment", envID)
			return nil
		}
	}
}

// jittered spreads cycle starts within ±10% of the configured interval so
// environment loops drift apart instead of hitting their daemons in
// lockstep.
func (m *Monitor) jittered() time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(m.cfg.HealthInterval) * f)
}

// Reconcile runs one observation cycle for an environment. Cycles never
// overlap: a cycle that finds the previous one still running skips and
// leaves the work to it.
func (m *Monitor) Reconcile(ctx context.Context, envID string) error {
	if !m.begin(envID) {
		m.log.Warn("health reconcile still running, skipping cycle", "environment", envID)
		metrics.ReconcilesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer m.end(envID)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCycleTimeout)
	defer cancel()

	start := m.clock.Now()
	err := m.reconcileEnv(ctx, envID)
	metrics.ReconcileDuration.Observe(m.clock.Since(start).Seconds())
	if err != nil {
		metrics.ReconcilesTotal.WithLabelValues("error").Inc()
		m.log.Error("health reconcile failed", "environment", envID, "error", err)
		return err
	}
	metrics.ReconcilesTotal.WithLabelValues("success").Inc()
	return nil
}

func (m *Monitor) begin(envID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[envID] {
		return false
	}
	m.inFlight[envID] = true
	return true
}

func (m *Monitor) end(envID string) {
	m.mu.Lock()
	delete(m.inFlight, envID)
	m.mu.Unlock()
}

func (m *Monitor) reconcileEnv(ctx context.Context, envID string) error {
	deployments, err := m.store.ListDeployments(envID)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	live := make(map[string]bool, len(deployments))
	for _, d := range deployments {
		live[d.ID] = true
	}
	m.forgetGone(envID, live)

	if len(deployments) == 0 {
		return nil
	}

	api, err := m.daemons.ClientFor(envID)
	var grouped map[string][]container.Summary
	if err == nil {
		grouped, err = groupManaged(ctx, api)
	}
	if err != nil {
		// The daemon is unreachable. Every deployment reports Unknown
		// without raising attention; deployment records stay untouched.
		for _, d := range deployments {
			if skipSampling(d.Status) {
				continue
			}
			m.record(ctx, d, m.unknownSample(d, err))
		}
		return fmt.Errorf("environment %s: %w", envID, err)
	}

	for _, d := range deployments {
		if skipSampling(d.Status) {
			continue
		}
		m.record(ctx, d, m.buildSample(ctx, api, d, grouped[d.ID]))
	}
	return nil
}

// skipSampling filters operations whose churn makes a sample meaningless.
// Upgrading and RollingBack still sample; their mode suppresses attention.
func skipSampling(s store.DeploymentStatus) bool {
	return s == store.StatusInstalling || s == store.StatusRemoving
}

// groupManaged lists every managed container on the daemon in one call and
// groups the summaries by owning deployment.
func groupManaged(ctx context.Context, api docker.API) (map[string][]container.Summary, error) {
	list, err := api.ListByLabels(ctx, map[string]string{plan.LabelManaged: "true"}, true)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	grouped := make(map[string][]container.Summary)
	for _, c := range list {
		id := c.Labels[plan.LabelDeployment]
		if id == "" {
			continue
		}
		grouped[id] = append(grouped[id], c)
	}
	return grouped, nil
}

// buildSample observes one deployment's recorded services against the
// containers found for it. Identity resolves by recorded container id
// first, then by service label, so a stale leftover sharing the label
// never shadows the container the engine actually started.
func (m *Monitor) buildSample(ctx context.Context, api docker.API, d store.Deployment, observed []container.Summary) store.HealthSample {
	byID := make(map[string]container.Summary, len(observed))
	byService := make(map[string]container.Summary, len(observed))
	for _, c := range observed {
		byID[c.ID] = c
		if svc := c.Labels[plan.LabelService]; svc != "" {
			byService[svc] = c
		}
	}

	services := make([]store.ServiceHealth, 0, len(d.Services))
	for _, inst := range d.Services {
		sum, ok := byID[inst.ContainerID]
		if !ok {
			sum, ok = byService[inst.Name]
		}
		services = append(services, m.observeService(ctx, api, inst, sum, ok))
	}
	return m.assemble(d, services)
}

// observeService inspects one resolved container and classifies it.
func (m *Monitor) observeService(ctx context.Context, api docker.API, inst store.ServiceInstance, sum container.Summary, found bool) store.ServiceHealth {
	if !found {
		return store.ServiceHealth{Name: inst.Name, Status: store.ServiceUnknown, Reason: "container missing"}
	}

	h := store.ServiceHealth{Name: inst.Name, ContainerID: sum.ID, ContainerName: displayName(sum)}
	inspect, err := api.InspectContainer(ctx, sum.ID)
	if err != nil {
		h.Status = store.ServiceUnknown
		h.Reason = fmt.Sprintf("inspect failed: %v", err)
		return h
	}
	h.RestartCount = inspect.RestartCount
	h.Status, h.Reason = m.classify(inspect)
	return h
}

// classify derives a service status from inspected state. A healthcheck,
// when present, is authoritative. Without one the container counts as
// Healthy while it runs, except directly after a restart where it first
// has to prove itself for the stability window.
func (m *Monitor) classify(inspect container.InspectResponse) (store.ServiceStatus, string) {
	state := inspect.State
	if state == nil {
		return store.ServiceUnknown, "no state reported"
	}

	if h := state.Health; h != nil && h.Status != container.NoHealthcheck {
		switch h.Status {
		case container.Healthy:
			return store.ServiceHealthy, ""
		case container.Starting:
			return store.ServiceStarting, "healthcheck starting"
		case container.Unhealthy:
			return store.ServiceUnhealthy, "healthcheck failing"
		default:
			return store.ServiceUnknown, fmt.Sprintf("healthcheck reported %q", h.Status)
		}
	}

	switch {
	case state.Running && !state.Restarting:
		if inspect.RestartCount > 0 && m.within(stabilityWindow, state.StartedAt) {
			return store.ServiceStarting, fmt.Sprintf("restarted %d times, stabilizing", inspect.RestartCount)
		}
		return store.ServiceHealthy, ""
	case state.Restarting:
		return store.ServiceUnhealthy, fmt.Sprintf("restart loop (%d restarts)", inspect.RestartCount)
	case state.Status == container.StateExited:
		return store.ServiceUnhealthy, fmt.Sprintf("exited with code %d", state.ExitCode)
	default:
		return store.ServiceUnhealthy, string(state.Status)
	}
}

// within reports whether a container state timestamp is younger than d.
// Docker serializes these as RFC3339Nano; an unparseable value counts as
// old so a daemon quirk cannot pin a service at Starting forever.
func (m *Monitor) within(d time.Duration, stamp string) bool {
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return false
	}
	return m.clock.Since(t) < d
}

func (m *Monitor) assemble(d store.Deployment, services []store.ServiceHealth) store.HealthSample {
	overall := rollUp(services)
	mode := operationMode(d)
	healthy := 0
	for _, s := range services {
		if s.Status == store.ServiceHealthy {
			healthy++
		}
	}
	return store.HealthSample{
		DeploymentID:      d.ID,
		OverallStatus:     overall,
		OperationMode:     mode,
		Services:          services,
		CapturedAt:        m.clock.Now(),
		RequiresAttention: requiresAttention(overall, mode),
		HealthyCount:      healthy,
		TotalCount:        len(services),
		Message:           fmt.Sprintf("%d/%d services healthy", healthy, len(services)),
	}
}

// unknownSample stands in when the daemon cannot be observed at all.
func (m *Monitor) unknownSample(d store.Deployment, cause error) store.HealthSample {
	return store.HealthSample{
		DeploymentID:  d.ID,
		OverallStatus: store.HealthUnknown,
		OperationMode: operationMode(d),
		CapturedAt:    m.clock.Now(),
		Message:       fmt.Sprintf("docker daemon unreachable: %v", cause),
	}
}

// rollUp folds service statuses into the deployment status: any Unhealthy
// wins, a full set of Healthy services is Healthy, anything between is
// Degraded and an empty set is Unknown.
func rollUp(services []store.ServiceHealth) store.HealthStatus {
	if len(services) == 0 {
		return store.HealthUnknown
	}
	healthy := 0
	unhealthy := false
	for _, s := range services {
		switch s.Status {
		case store.ServiceHealthy:
			healthy++
		case store.ServiceUnhealthy:
			unhealthy = true
		}
	}
	switch {
	case unhealthy:
		return store.HealthUnhealthy
	case healthy == len(services):
		return store.HealthHealthy
	default:
		return store.HealthDegraded
	}
}

// operationMode reads the deployment's current mode. In-flight version
// movement wins over the maintenance flag.
func operationMode(d store.Deployment) store.OperationMode {
	switch {
	case d.Status == store.StatusUpgrading:
		return store.ModeUpgrading
	case d.Status == store.StatusRollingBack:
		return store.ModeRollingBack
	case d.Maintenance:
		return store.ModeMaintenance
	default:
		return store.ModeNormal
	}
}

// requiresAttention gates operator alerts: only a Normal-mode deployment
// that is Unhealthy or Degraded raises one.
func requiresAttention(overall store.HealthStatus, mode store.OperationMode) bool {
	if overall != store.HealthUnhealthy && overall != store.HealthDegraded {
		return false
	}
	return mode == store.ModeNormal
}

// record persists a sample, refreshes the gauge and fans the sample out
// when it differs from the previous one. Attention notifications fire on
// the rising edge only.
func (m *Monitor) record(ctx context.Context, d store.Deployment, sample store.HealthSample) {
	if err := m.store.AppendHealthSample(sample, m.cfg.HealthHistorySize); err != nil {
		m.log.Error("failed to persist health sample", "deployment", d.ID, "error", err)
	}
	metrics.StackHealth.WithLabelValues(d.EnvironmentID, d.ID).Set(metrics.HealthValue(string(sample.OverallStatus)))

	prev, hadPrev := m.swapLast(d.EnvironmentID, d.ID, sample)
	if hadPrev && !changed(prev, sample) {
		return
	}
	m.hub.PublishHealth(d.EnvironmentID, sample)

	if sample.RequiresAttention && (!hadPrev || !prev.RequiresAttention) {
		m.log.Warn("stack requires attention",
			"deployment", d.ID,
			"stack", d.StackName,
			"status", string(sample.OverallStatus),
		)
		m.notifyAttention(ctx, d, sample)
	}
}

func (m *Monitor) swapLast(envID, deploymentID string, sample store.HealthSample) (store.HealthSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDep, ok := m.last[envID]
	if !ok {
		byDep = make(map[string]store.HealthSample)
		m.last[envID] = byDep
	}
	prev, hadPrev := byDep[deploymentID]
	byDep[deploymentID] = sample
	return prev, hadPrev
}

// forgetGone drops cached samples and gauges for deployments that no
// longer exist in the environment.
func (m *Monitor) forgetGone(envID string, live map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.last[envID] {
		if live[id] {
			continue
		}
		delete(m.last[envID], id)
		metrics.StackHealth.DeleteLabelValues(envID, id)
	}
}

// changed reports whether a subscriber would care about the difference
// between two samples. CapturedAt and message wording alone do not count.
func changed(prev, next store.HealthSample) bool {
	if prev.OverallStatus != next.OverallStatus ||
		prev.OperationMode != next.OperationMode ||
		prev.RequiresAttention != next.RequiresAttention ||
		len(prev.Services) != len(next.Services) {
		return true
	}
	for i := range next.Services {
		if prev.Services[i].Name != next.Services[i].Name ||
			prev.Services[i].Status != next.Services[i].Status ||
			prev.Services[i].ContainerID != next.Services[i].ContainerID {
			return true
		}
	}
	return false
}

func (m *Monitor) notifyAttention(ctx context.Context, d store.Deployment, sample store.HealthSample) {
	if m.notifier == nil {
		return
	}
	var ailing []string
	for _, s := range sample.Services {
		if s.Status != store.ServiceHealthy {
			ailing = append(ailing, s.Name)
		}
	}
	m.notifier.Notify(ctx, notify.Event{
		Type:          notify.EventHealthAttention,
		EnvironmentID: d.EnvironmentID,
		DeploymentID:  d.ID,
		StackName:     d.StackName,
		NewVersion:    d.CurrentVersion,
		Error:         sample.Message,
		Services:      ailing,
		Timestamp:     m.clock.Now(),
	})
}

// GetStackHealth returns a deployment's most recent sample. forceRefresh
// observes the daemon now instead of serving history; a deployment with no
// history yet is always observed live.
func (m *Monitor) GetStackHealth(ctx context.Context, envID, deploymentID string, forceRefresh bool) (store.HealthSample, error) {
	d, err := m.store.GetDeployment(deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.HealthSample{}, errdefs.NotFound("deployment", deploymentID)
		}
		return store.HealthSample{}, err
	}
	if d.EnvironmentID != envID {
		return store.HealthSample{}, errdefs.NotFound("deployment", deploymentID)
	}

	if skipSampling(d.Status) {
		// Mid-install and mid-removal there is nothing meaningful to
		// observe; serve history when it exists.
		if sample, err := m.store.LatestHealthSample(deploymentID); err == nil {
			return sample, nil
		}
		return store.HealthSample{
			DeploymentID:  deploymentID,
			OverallStatus: store.HealthUnknown,
			OperationMode: operationMode(d),
			CapturedAt:    m.clock.Now(),
			Message:       fmt.Sprintf("deployment is %s", strings.ToLower(string(d.Status))),
		}, nil
	}

	if !forceRefresh {
		sample, err := m.store.LatestHealthSample(deploymentID)
		if err == nil {
			return sample, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.HealthSample{}, err
		}
	}
	return m.refresh(ctx, d)
}

// refresh observes a single deployment outside the environment cycle.
func (m *Monitor) refresh(ctx context.Context, d store.Deployment) (store.HealthSample, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthCycleTimeout)
	defer cancel()

	var sample store.HealthSample
	api, err := m.daemons.ClientFor(d.EnvironmentID)
	if err == nil {
		var observed []container.Summary
		observed, err = api.ListByLabels(ctx, map[string]string{plan.LabelDeployment: d.ID}, true)
		if err == nil {
			sample = m.buildSample(ctx, api, d, observed)
		}
	}
	if err != nil {
		sample = m.unknownSample(d, err)
	}
	m.record(ctx, d, sample)
	return sample, nil
}

// SubscribeEnvironment streams every sample published for an environment.
// The cancel function releases the subscription and closes the channel.
func (m *Monitor) SubscribeEnvironment(envID string) (<-chan store.HealthSample, func()) {
	return m.hub.SubscribeHealth(progress.EnvTopic(envID))
}

// SubscribeDeployment streams one deployment's samples.
func (m *Monitor) SubscribeDeployment(deploymentID string) (<-chan store.HealthSample, func()) {
	return m.hub.SubscribeHealth(progress.DeploymentTopic(deploymentID))
}

// displayName is the human name of a container for sample detail.
func displayName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}
