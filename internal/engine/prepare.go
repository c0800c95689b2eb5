package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/readystack/readystackgo/internal/docker"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/plan"
	"github.com/readystack/readystackgo/internal/store"
	"github.com/readystack/readystackgo/internal/variables"
)

// preflight is everything an operation needs before touching Docker or the
// deployment record: the target definition, the effective variable set and
// the validated plan.
type preflight struct {
	env      store.Environment
	def      store.StackDefinition
	resolved map[string]string
	rendered string
	plan     *plan.Plan
}

// prepare loads the environment and definition, resolves variables and
// validates the plan. Nothing is persisted; a failure here leaves no trace.
func (e *Engine) prepare(envID, stackDefID string, userValues map[string]string) (*preflight, error) {
	env, err := e.store.GetEnvironment(envID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errdefs.NotFound("environment", envID)
		}
		return nil, err
	}
	def, err := e.store.GetDefinition(stackDefID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errdefs.NotFound("stack definition", stackDefID)
		}
		return nil, err
	}
	envValues, err := e.store.GetEnvironmentVariables(envID)
	if err != nil {
		return nil, err
	}
	resolved, err := variables.Resolve(def.Variables, envValues, userValues)
	if err != nil {
		return nil, err
	}
	rendered, p, err := e.buildPlan(def.ComposeTemplate, resolved)
	if err != nil {
		return nil, err
	}
	return &preflight{env: env, def: def, resolved: resolved, rendered: rendered, plan: p}, nil
}

// buildPlan renders a compose template and normalizes it into a plan.
func (e *Engine) buildPlan(template string, values map[string]string) (string, *plan.Plan, error) {
	rendered, err := variables.Render(template, values)
	if err != nil {
		return "", nil, err
	}
	p, err := plan.Build(rendered, plan.Options{VolumeAllowList: e.cfg.VolumeAllowList})
	if err != nil {
		return "", nil, err
	}
	return rendered, p, nil
}

// daemon returns the Docker client for an environment, verifying it is
// reachable before the operation mutates anything.
func (e *Engine) daemon(ctx context.Context, envID string) (docker.API, error) {
	api, err := e.daemons.ClientFor(envID)
	if err != nil {
		return nil, errdefs.DockerUnavailable(err)
	}
	if err := api.Ping(ctx); err != nil {
		return nil, errdefs.DockerUnavailable(err)
	}
	return api, nil
}

// sealConfiguration seals secret-kind values before they reach the store.
func (e *Engine) sealConfiguration(declared []store.Variable, resolved map[string]string) (map[string]string, error) {
	secret := make(map[string]bool, len(declared))
	for _, v := range declared {
		if v.Kind == store.VarSecret {
			secret[v.Name] = true
		}
	}
	sealed := make(map[string]string, len(resolved))
	for name, val := range resolved {
		if !secret[name] || val == "" {
			sealed[name] = val
			continue
		}
		enc, err := e.box.Seal(val)
		if err != nil {
			return nil, fmt.Errorf("seal configuration value %s: %w", name, err)
		}
		sealed[name] = enc
	}
	return sealed, nil
}

// saveEnvironmentValues records the effective values of declared non-secret
// variables so later deploys in the environment start from them. Secrets live
// sealed on the deployment record and never enter the shared map; values for
// names the definition does not declare are dropped with them, since a
// carried-over value may be an opened secret from an older schema.
// Best-effort: the operation already succeeded.
func (e *Engine) saveEnvironmentValues(envID string, declared []store.Variable, resolved map[string]string) {
	values := make(map[string]string, len(declared))
	for _, v := range declared {
		if v.Kind == store.VarSecret {
			continue
		}
		if val, ok := resolved[v.Name]; ok && val != "" {
			values[v.Name] = val
		}
	}
	if len(values) == 0 {
		return
	}
	if err := e.store.MergeEnvironmentVariables(envID, values); err != nil {
		e.log.Warn("failed to save environment variables", "environment", envID, "error", err)
	}
}

// openConfiguration unseals stored configuration values for rendering.
// Values written before encryption was enabled pass through unchanged.
func (e *Engine) openConfiguration(stored map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(stored))
	for name, val := range stored {
		plain, err := e.box.Open(val)
		if err != nil {
			return nil, fmt.Errorf("open configuration value %s: %w", name, err)
		}
		out[name] = plain
	}
	return out, nil
}
