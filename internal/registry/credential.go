// Package registry maps image references to registry credentials. Patterns
// are globs over the normalized reference (host/path, tag and digest
// stripped); the resolver picks the most specific match or falls back to
// the default credential.
package registry

import (
	"strings"
	"time"
)

// Credential holds login data for one or more registries. Secret is sealed
// before it reaches the store and opened only when a pull needs it.
type Credential struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	URL           string    `json:"url,omitempty"`
	Username      string    `json:"username,omitempty"`
	Secret        string    `json:"secret,omitempty"`
	ImagePatterns []string  `json:"image_patterns,omitempty"`
	IsDefault     bool      `json:"is_default,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

// CredentialStore persists registry credentials.
type CredentialStore interface {
	PutCredential(cred Credential) error
	GetCredential(id string) (Credential, error)
	ListCredentials() ([]Credential, error)
	DeleteCredential(id string) error
}

// MaskSecrets returns a copy with secrets masked (first 4 chars + "****").
func MaskSecrets(creds []Credential) []Credential {
	masked := make([]Credential, len(creds))
	for i, c := range creds {
		masked[i] = c
		if len(c.Secret) > 4 {
			masked[i].Secret = c.Secret[:4] + "****"
		} else if c.Secret != "" {
			masked[i].Secret = "****"
		}
	}
	return masked
}

// RestoreSecrets restores masked secrets from existing saved credentials.
// If incoming has a secret ending in "****", the saved secret for that ID
// is preserved.
func RestoreSecrets(incoming, saved []Credential) []Credential {
	savedMap := make(map[string]Credential, len(saved))
	for _, c := range saved {
		savedMap[c.ID] = c
	}
	for i, c := range incoming {
		if strings.HasSuffix(c.Secret, "****") {
			if old, ok := savedMap[c.ID]; ok {
				incoming[i].Secret = old.Secret
			}
		}
	}
	return incoming
}
