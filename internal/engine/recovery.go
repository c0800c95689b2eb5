package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/readystack/readystackgo/internal/store"
)

// RecoverInFlight marks deployments whose operation died with the previous
// process. Any record persisted in an in-flight status is moved to Failed
// with a reason naming the interrupted phase; snapshots are untouched, so a
// deployment that failed mid-upgrade stays eligible for rollback. Returns
// the environments that had affected deployments so the caller can schedule
// an immediate health reconcile for them.
func (e *Engine) RecoverInFlight(ctx context.Context) ([]string, error) {
	all, err := e.store.ListDeployments("")
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}

	envs := make(map[string]bool)
	for _, d := range all {
		if !d.Status.InFlight() {
			continue
		}
		interrupted := d.Status
		_, err := e.store.UpdateDeployment(d.ID, func(cur *store.Deployment) error {
			if !cur.Status.InFlight() {
				return nil
			}
			cur.LastFailureReason = fmt.Sprintf("process terminated during %s", cur.Status)
			cur.Status = store.StatusFailed
			return nil
		})
		if err != nil {
			e.log.Error("could not recover deployment", "deployment", d.ID, "status", interrupted, "error", err)
			continue
		}
		e.log.Warn("marked interrupted operation as failed",
			"deployment", d.ID, "stack", d.StackName, "environment", d.EnvironmentID, "interrupted", interrupted)
		envs[d.EnvironmentID] = true
	}

	out := make([]string, 0, len(envs))
	for envID := range envs {
		out = append(out, envID)
	}
	sort.Strings(out)
	return out, nil
}
