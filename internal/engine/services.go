package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"golang.org/x/sync/errgroup"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

const servicePollInterval = 2 * time.Second

// ensureNetworks creates the stack's networks and returns the names this
// deployment now owns. Pre-existing and external networks are attached but
// never owned, so Remove will not touch them.
func (e *Engine) ensureNetworks(ctx context.Context, api docker.API, d store.Deployment, p *plan.Plan, names nameMap) ([]string, error) {
	var owned []string
	for _, n := range p.Networks {
		if n.External {
			continue
		}
		name := names.networks[n.Name]
		labels := resourceLabels(d, n.Labels)
		created, err := api.EnsureNetwork(ctx, name, n.Driver, n.DriverOpts, labels)
		if err != nil {
			return owned, fmt.Errorf("ensure network %s: %w", name, err)
		}
		if created {
			e.log.Info("network created", "network", name, "deployment", d.ID)
			owned = append(owned, name)
		}
	}
	return owned, nil
}

// ensureVolumes creates the stack's named volumes, returning the owned names.
func (e *Engine) ensureVolumes(ctx context.Context, api docker.API, d store.Deployment, p *plan.Plan, names nameMap) ([]string, error) {
	var owned []string
	for _, v := range p.Volumes {
		if v.External {
			continue
		}
		name := names.volumes[v.Name]
		labels := resourceLabels(d, v.Labels)
		created, err := api.EnsureVolume(ctx, name, v.Driver, v.DriverOpts, labels)
		if err != nil {
			return owned, fmt.Errorf("ensure volume %s: %w", name, err)
		}
		if created {
			e.log.Info("volume created", "volume", name, "deployment", d.ID)
			owned = append(owned, name)
		}
	}
	return owned, nil
}

func resourceLabels(d store.Deployment, declared map[string]string) map[string]string {
	labels := make(map[string]string, len(declared)+3)
	for k, v := range declared {
		labels[k] = v
	}
	labels[plan.LabelDeployment] = d.ID
	labels[plan.LabelStack] = d.StackName
	labels[plan.LabelManaged] = "true"
	return labels
}

// startServices creates and starts services layer by layer. Services within
// one layer start in parallel; the next layer begins only once every service
// of the current one is ready. Completed instances are reported even when a
// sibling fails, so the caller can persist what actually exists.
func (e *Engine) startServices(ctx context.Context, api docker.API, em *emitter, d store.Deployment, version string, p *plan.Plan, names nameMap) ([]store.ServiceInstance, error) {
	total := len(p.Services)
	var (
		mu        sync.Mutex
		instances []store.ServiceInstance
	)

	for _, layer := range p.Layers {
		g, gctx := errgroup.WithContext(ctx)
		for _, svcName := range layer {
			svc, ok := p.Service(svcName)
			if !ok {
				continue
			}
			g.Go(func() error {
				inst, err := e.startService(gctx, api, d, version, *svc, names)
				if err != nil {
					return err
				}
				mu.Lock()
				instances = append(instances, inst)
				n := len(instances)
				mu.Unlock()
				em.progress(progress.Event{
					Phase:             progress.PhaseStartingServices,
					Message:           fmt.Sprintf("service %s ready (%d/%d)", svc.Name, n, total),
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

// startService creates one container, starts it and waits for readiness.
func (e *Engine) startService(ctx context.Context, api docker.API, d store.Deployment, version string, svc plan.Service, names nameMap) (store.ServiceInstance, error) {
	name := containerName(d.StackName, svc)
	cfg, hostCfg, netCfg, err := buildContainerSpec(d, version, svc, names)
	if err != nil {
		return store.ServiceInstance{}, errdefs.Validation("%v", err)
	}

	e.log.Info("creating container", "container", name, "image", svc.Image, "deployment", d.ID)
	id, err := api.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		return store.ServiceInstance{}, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := api.StartContainer(ctx, id); err != nil {
		return store.ServiceInstance{}, fmt.Errorf("start container %s: %w", name, err)
	}
	if err := e.waitForService(ctx, api, id, svc); err != nil {
		return store.ServiceInstance{}, err
	}
	return store.ServiceInstance{Name: svc.Name, ContainerID: id, Ports: portStrings(svc.Ports)}, nil
}

// waitForService polls the container until it is ready: Healthy when a
// healthcheck is defined, stable Running otherwise. A container that turns
// unhealthy or exits during startup fails immediately instead of burning
// the remaining budget.
func (e *Engine) waitForService(ctx context.Context, api docker.API, id string, svc plan.Service) error {
	deadline := e.clock.Now().Add(e.cfg.ServiceStartTimeout)
	hasCheck := svc.Healthcheck != nil && !svc.Healthcheck.Disable

	for {
		inspect, err := api.InspectContainer(ctx, id)
		if err != nil {
			return fmt.Errorf("inspect service %s: %w", svc.Name, err)
		}

		if state := inspect.State; state != nil {
			if hasCheck && state.Health != nil {
				switch state.Health.Status {
				case container.Healthy:
					return nil
				case container.Unhealthy:
					return &errdefs.Error{
						Kind:    errdefs.KindStartTimeout,
						Msg:     fmt.Sprintf("service %s reported unhealthy during startup", svc.Name),
						Service: svc.Name,
					}
				}
			}
			if !hasCheck {
				if state.Running && !state.Restarting && inspect.RestartCount == 0 {
					return nil
				}
				if state.Status == container.StateExited {
					return &errdefs.Error{
						Kind:     errdefs.KindStartTimeout,
						Msg:      fmt.Sprintf("service %s exited with code %d during startup", svc.Name, state.ExitCode),
						Service:  svc.Name,
						ExitCode: state.ExitCode,
					}
				}
			}
		}

		if !e.clock.Now().Before(deadline) {
			return errdefs.StartTimeout(svc.Name, e.cfg.ServiceStartTimeout)
		}
		select {
		case <-e.clock.After(servicePollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stopAndRemove stops a container within the grace period, killing it when
// the stop fails, then removes it. A container that is already gone is not
// an error.
func (e *Engine) stopAndRemove(ctx context.Context, api docker.API, id string) error {
	grace := int(e.cfg.StopGrace / time.Second)
	if err := api.StopContainer(ctx, id, grace); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		e.log.Warn("stop failed, killing container", "container", id, "error", err)
		if err := api.KillContainer(ctx, id, "SIGKILL"); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("kill container %s: %w", id, err)
		}
	}
	if err := api.RemoveContainer(ctx, id, false); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// labeledContainers lists every container on the daemon carrying this
// deployment's label, stopped ones included.
func (e *Engine) labeledContainers(ctx context.Context, api docker.API, deploymentID string) ([]container.Summary, error) {
	return api.ListByLabels(ctx, map[string]string{plan.LabelDeployment: deploymentID}, true)
}
