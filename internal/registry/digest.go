package registry

import (
	"github.com/distribution/reference"
	digest "github.com/opencontainers/go-digest"
)

// PinnedRef reports whether a recorded image digest is a canonical reference
// ("repo@sha256:hex") that a registry can serve, returning it in familiar
// form. Bare image IDs and malformed references cannot be pulled, so callers
// fall back to the tag for those.
func PinnedRef(recorded string) (string, bool) {
	named, err := reference.ParseNormalizedNamed(recorded)
	if err != nil {
		return "", false
	}
	canonical, ok := named.(reference.Canonical)
	if !ok {
		return "", false
	}
	return reference.FamiliarString(canonical), true
}

// IsImageID reports whether s is a bare content digest, the form the daemon
// uses for image IDs ("sha256:hex"). Such a value names local bytes only;
// no registry can resolve it.
func IsImageID(s string) bool {
	_, err := digest.Parse(s)
	return err == nil
}
