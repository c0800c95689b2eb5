package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/progress"
	"github.com/readystack/readystackgo/internal/store"
)

const (
	initPollInterval = 500 * time.Millisecond
	initLogTail      = 20
)

// runInitContainers executes the plan's init containers strictly in order,
// streaming their logs onto the session. Results are persisted as they
// land so a crash leaves evidence of how far the phase got. A non-zero
// exit aborts or continues per the container's failure policy; the whole
// phase shares one time budget.
func (e *Engine) runInitContainers(ctx context.Context, api docker.API, em *emitter, d *store.Deployment, version string, p *plan.Plan, names nameMap) error {
	total := len(p.Inits)
	if total == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.InitTimeout)
	defer cancel()

	d.InitResults = nil
	for i, init := range p.Inits {
		em.progress(progress.Event{
			Phase:                   progress.PhaseInitializingContainers,
			Message:                 fmt.Sprintf("running init container %s (%d/%d)", init.Name, i+1, total),
			PercentComplete:         phasePercent(progress.PhaseInitializingContainers, i, total),
			CurrentService:          init.Name,
			TotalInitContainers:     total,
			CompletedInitContainers: i,
		})

		result, err := e.runInit(ctx, api, em, *d, version, init, names)
		if err != nil {
			return err
		}
		d.InitResults = append(d.InitResults, result)
		results := d.InitResults
		if _, err := e.store.UpdateDeployment(d.ID, func(cur *store.Deployment) error {
			cur.InitResults = results
			return nil
		}); err != nil {
			e.log.Error("failed to persist init result", "deployment", d.ID, "init", init.Name, "error", err)
		}

		if !result.Succeeded {
			if result.FailurePolicy == plan.FailureAbort {
				return errdefs.InitContainer(init.Name, result.ExitCode)
			}
			e.log.Warn("init container failed, continuing", "init", init.Name, "exit_code", result.ExitCode, "deployment", d.ID)
		}
	}

	em.progress(progress.Event{
		Phase:                   progress.PhaseInitializingContainers,
		Message:                 "init containers complete",
		PercentComplete:         phasePercent(progress.PhaseInitializingContainers, total, total),
		TotalInitContainers:     total,
		CompletedInitContainers: total,
	})
	return nil
}

// runInit runs one init container to completion. The container is removed
// on success and kept for inspection on failure.
func (e *Engine) runInit(ctx context.Context, api docker.API, em *emitter, d store.Deployment, version string, init plan.InitContainer, names nameMap) (store.InitContainerResult, error) {
	result := store.InitContainerResult{Name: init.Name, FailurePolicy: init.FailurePolicy}

	name := containerName(d.StackName, init.Service)
	cfg, hostCfg, netCfg, err := buildContainerSpec(d, version, init.Service, names)
	if err != nil {
		return result, errdefs.Validation("%v", err)
	}
	cfg.Labels[plan.LabelInitOrder] = strconv.Itoa(init.Order)
	cfg.Labels[plan.LabelInitFailurePolicy] = init.FailurePolicy

	e.log.Info("running init container", "container", name, "image", init.Image, "deployment", d.ID)
	id, err := api.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	if err != nil {
		return result, fmt.Errorf("create init container %s: %w", name, err)
	}
	if err := api.StartContainer(ctx, id); err != nil {
		return result, fmt.Errorf("start init container %s: %w", name, err)
	}

	// Stream logs onto the session while the container runs.
	logCtx, stopLogs := context.WithCancel(ctx)
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		if err := api.FollowLogs(logCtx, id, func(line string) { em.logLine(name, line) }); err != nil {
			e.log.Debug("init log stream ended", "init", init.Name, "error", err)
		}
	}()

	exitCode, waitErr := e.waitForExit(ctx, api, id)
	stopLogs()
	<-logDone
	if waitErr != nil {
		return result, fmt.Errorf("init container %s: %w", init.Name, waitErr)
	}

	result.ExitCode = exitCode
	result.Succeeded = exitCode == 0
	result.CompletedAt = e.clock.Now().UTC()
	if tail, err := api.ContainerLogs(ctx, id, initLogTail); err == nil && tail != "" {
		result.LogTail = splitLogLines(tail, initLogTail)
	}

	if result.Succeeded {
		if err := api.RemoveContainer(ctx, id, false); err != nil {
			e.log.Warn("could not remove finished init container", "container", name, "error", err)
		}
	} else {
		// Kept for inspection; Remove cleans it up later.
		e.log.Warn("init container exited non-zero", "init", init.Name, "exit_code", exitCode, "deployment", d.ID)
	}
	return result, nil
}

// waitForExit polls until the container has exited and returns its code.
func (e *Engine) waitForExit(ctx context.Context, api docker.API, id string) (int, error) {
	for {
		inspect, err := api.InspectContainer(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("inspect container: %w", err)
		}
		if state := inspect.State; state != nil && state.Status == container.StateExited {
			return state.ExitCode, nil
		}
		select {
		case <-e.clock.After(initPollInterval):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// splitLogLines trims a raw log blob to at most max trailing lines.
func splitLogLines(raw string, max int) []string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	if len(lines) > max {
		lines = lines[len(lines)-max:]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
