// Package variables renders ${VAR} placeholders in compose templates and
// merges stack defaults, per-environment values and user input into the
// effective variable set for a deployment.
package variables

import (
	"strings"

	"github.com/readystack/readystackgo/internal/errdefs"
)

// Render substitutes placeholders in a template. Recognized forms:
// ${NAME}, ${NAME:-default} and ${NAME:?errorText}. A literal $$ escapes to
// a single $. Substitution is a single pass over the text: substituted
// values are never rescanned. Malformed placeholders are left verbatim.
func Render(template string, values map[string]string) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	for i := 0; i < len(template); {
		c := template[i]
		if c != '$' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(template) && template[i+1] == '$' {
			out.WriteByte('$')
			i += 2
			continue
		}
		if i+1 >= len(template) || template[i+1] != '{' {
			out.WriteByte(c)
			i++
			continue
		}

		end := strings.IndexByte(template[i+2:], '}')
		if end < 0 {
			// Unterminated placeholder; keep the rest as-is.
			out.WriteString(template[i:])
			break
		}
		inner := template[i+2 : i+2+end]

		replaced, err := expand(inner, values)
		if err != nil {
			return "", err
		}
		if replaced == nil {
			// Not a valid placeholder, keep the literal text.
			out.WriteString(template[i : i+2+end+1])
		} else {
			out.WriteString(*replaced)
		}
		i += 2 + end + 1
	}

	return out.String(), nil
}

// expand resolves the inside of one ${...} placeholder. A nil result with
// no error means the text is not a valid placeholder.
func expand(inner string, values map[string]string) (*string, error) {
	name := inner
	op := ""
	arg := ""
	if idx := strings.Index(inner, ":-"); idx >= 0 {
		name, op, arg = inner[:idx], ":-", inner[idx+2:]
	} else if idx := strings.Index(inner, ":?"); idx >= 0 {
		name, op, arg = inner[:idx], ":?", inner[idx+2:]
	}
	if !validName(name) {
		return nil, nil
	}

	val, ok := values[name]
	switch op {
	case ":-":
		if !ok || val == "" {
			return &arg, nil
		}
	case ":?":
		if !ok || val == "" {
			if arg == "" {
				return nil, errdefs.Validation("missing required variable %q", name)
			}
			return nil, errdefs.Validation("missing required variable %q: %s", name, arg)
		}
	}
	return &val, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
