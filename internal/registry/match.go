package registry

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// NormalizeRef canonicalizes an image reference for pattern matching: the
// tag and digest are stripped and the implicit docker.io/library/ prefix is
// expanded, so "nginx:alpine" becomes "docker.io/library/nginx".
func NormalizeRef(imageRef string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", imageRef, err)
	}
	return reference.Domain(named) + "/" + reference.Path(named), nil
}

// MatchPattern reports whether a glob pattern matches a normalized
// reference. Within a segment "*" matches any run of characters except "/";
// a segment consisting of "**" matches one or more whole segments.
func MatchPattern(pattern, normalizedRef string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(normalizedRef, "/"))
}

func matchSegments(pat, ref []string) bool {
	if len(pat) == 0 {
		return len(ref) == 0
	}
	if pat[0] == "**" {
		// One or more segments.
		for skip := 1; skip <= len(ref); skip++ {
			if matchSegments(pat[1:], ref[skip:]) {
				return true
			}
		}
		return false
	}
	if len(ref) == 0 {
		return false
	}
	if !matchSegment(pat[0], ref[0]) {
		return false
	}
	return matchSegments(pat[1:], ref[1:])
}

// matchSegment matches a single pattern segment against a single reference
// segment, treating "*" as a wildcard over non-"/" characters.
func matchSegment(pat, seg string) bool {
	parts := strings.Split(pat, "*")
	if len(parts) == 1 {
		return pat == seg
	}
	if !strings.HasPrefix(seg, parts[0]) {
		return false
	}
	seg = seg[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(seg, parts[i])
		if idx < 0 {
			return false
		}
		seg = seg[idx+len(parts[i]):]
	}
	return strings.HasSuffix(seg, parts[len(parts)-1])
}

// literalCount returns the number of non-wildcard characters in a pattern.
// It drives the specificity ranking: more literals means a closer match.
func literalCount(pattern string) int {
	return len(pattern) - strings.Count(pattern, "*")
}
