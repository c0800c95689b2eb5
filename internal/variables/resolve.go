package variables

import (
	"sort"
	"strconv"
	"strings"

	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/store"
)

// Resolve builds the effective variable set for a deployment. Precedence,
// lowest first: declared defaults, persisted environment values, caller
// input. Declared kinds are checked and required variables must end up
// non-empty.
func Resolve(declared []store.Variable, envValues, userValues map[string]string) (map[string]string, error) {
	effective := make(map[string]string, len(declared)+len(userValues))
	for _, v := range declared {
		effective[v.Name] = v.DefaultValue
	}
	for _, v := range declared {
		if val, ok := envValues[v.Name]; ok && val != "" {
			effective[v.Name] = val
		}
	}
	for name, val := range userValues {
		effective[name] = val
	}

	var missing []string
	for _, v := range declared {
		val := effective[v.Name]
		if v.IsRequired && val == "" {
			missing = append(missing, v.Name)
			continue
		}
		if val == "" {
			continue
		}
		if err := checkKind(v, val); err != nil {
			return nil, err
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errdefs.Validation("required variables not set: %s", strings.Join(missing, ", "))
	}

	return effective, nil
}

// checkKind validates a non-empty value against the variable's declared kind.
func checkKind(v store.Variable, val string) error {
	switch v.Kind {
	case store.VarBool:
		if _, err := strconv.ParseBool(val); err != nil {
			return errdefs.Validation("variable %s: %q is not a boolean", v.Name, val)
		}
	case store.VarNumber:
		if _, err := strconv.ParseFloat(val, 64); err != nil {
			return errdefs.Validation("variable %s: %q is not a number", v.Name, val)
		}
	case store.VarEnum:
		for _, opt := range v.Options {
			if val == opt {
				return nil
			}
		}
		return errdefs.Validation("variable %s: %q is not one of %s", v.Name, val, strings.Join(v.Options, ", "))
	}
	return nil
}

// SharedNames returns the variable names declared by at least two stacks of
// a product, sorted. Per-stack values for these names are overlaid from the
// product's shared set on deploy.
func SharedNames(stacks [][]store.Variable) []string {
	count := make(map[string]int)
	for _, vars := range stacks {
		seen := make(map[string]bool, len(vars))
		for _, v := range vars {
			if seen[v.Name] {
				continue
			}
			seen[v.Name] = true
			count[v.Name]++
		}
	}

	var shared []string
	for name, n := range count {
		if n >= 2 {
			shared = append(shared, name)
		}
	}
	sort.Strings(shared)
	return shared
}

// OverlayShared applies product-level shared values onto a per-stack value
// map. Per-stack values win over shared ones.
func OverlayShared(stackValues, sharedValues map[string]string, sharedNames []string) map[string]string {
	merged := make(map[string]string, len(stackValues)+len(sharedNames))
	for _, name := range sharedNames {
		if val, ok := sharedValues[name]; ok {
			merged[name] = val
		}
	}
	for name, val := range stackValues {
		merged[name] = val
	}
	return merged
}
