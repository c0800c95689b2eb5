package plan

import (
	"sort"

	"github.com/readystack/readystackgo/internal/errdefs"
)

// topoLayers orders services with Kahn's algorithm, grouping each wave of
// dependency-free nodes into a layer. Services within one layer are
// independent of each other and may be started in parallel; layers are
// strictly sequential. Names inside each layer are sorted for determinism.
func topoLayers(services []Service) ([]string, [][]string, error) {
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)

	for _, svc := range services {
		inDegree[svc.Name] = 0
	}
	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			inDegree[svc.Name]++
			dependents[dep] = append(dependents[dep], svc.Name)
		}
	}

	var current []string
	for name, deg := range inDegree {
		if deg == 0 {
			current = append(current, name)
		}
	}
	sort.Strings(current)

	var order []string
	var layers [][]string
	for len(current) > 0 {
		layers = append(layers, current)
		order = append(order, current...)

		var next []string
		for _, name := range current {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if len(order) != len(services) {
		// Every unprocessed node sits on or behind a cycle; report the
		// lexicographically smallest for a stable message.
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, nil, errdefs.PlanInvalid("dependency cycle at service %q", stuck[0])
	}

	return order, layers, nil
}
