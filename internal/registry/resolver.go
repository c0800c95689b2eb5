package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/readystack/readystackgo/internal/secrets"
)

// ResolvedCredential is the credential selected for an image pull, with the
// secret opened for use.
type ResolvedCredential struct {
	CredentialID  string
	Name          string
	Username      string
	Secret        string
	ServerAddress string
}

// EncodedAuth returns the base64 JSON payload Docker expects for
// authenticated pulls (the X-Registry-Auth header format).
func (rc ResolvedCredential) EncodedAuth() (string, error) {
	payload := struct {
		Username      string `json:"username"`
		Password      string `json:"password"`
		ServerAddress string `json:"serveraddress,omitempty"`
	}{
		Username:      rc.Username,
		Password:      rc.Secret,
		ServerAddress: rc.ServerAddress,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal auth config: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Resolver selects credentials for image references.
type Resolver struct {
	creds CredentialStore
	box   *secrets.Box
}

// NewResolver returns a Resolver backed by the given credential store. The
// box opens sealed secrets on demand.
func NewResolver(creds CredentialStore, box *secrets.Box) *Resolver {
	return &Resolver{creds: creds, box: box}
}

type candidate struct {
	cred     Credential
	literals int
	patLen   int
}

// Resolve returns the best matching credential for an image reference, the
// default credential when no pattern matches, or nil when neither exists
// (the caller then pulls unauthenticated). Ranking: most literal characters
// first, then longest pattern, then earliest created.
func (r *Resolver) Resolve(imageRef string) (*ResolvedCredential, error) {
	normalized, err := NormalizeRef(imageRef)
	if err != nil {
		return nil, err
	}

	creds, err := r.creds.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var candidates []candidate
	var fallback *Credential
	for i, c := range creds {
		if c.IsDefault && fallback == nil {
			fallback = &creds[i]
		}
		best := -1
		bestLen := 0
		for _, pat := range c.ImagePatterns {
			if !MatchPattern(pat, normalized) {
				continue
			}
			if lc := literalCount(pat); lc > best || (lc == best && len(pat) > bestLen) {
				best = lc
				bestLen = len(pat)
			}
		}
		if best >= 0 {
			candidates = append(candidates, candidate{cred: c, literals: best, patLen: bestLen})
		}
	}

	if len(candidates) == 0 {
		if fallback == nil {
			return nil, nil
		}
		return r.open(*fallback)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.literals != b.literals {
			return a.literals > b.literals
		}
		if a.patLen != b.patLen {
			return a.patLen > b.patLen
		}
		if !a.cred.CreatedAt.Equal(b.cred.CreatedAt) {
			return a.cred.CreatedAt.Before(b.cred.CreatedAt)
		}
		return a.cred.ID < b.cred.ID
	})
	return r.open(candidates[0].cred)
}

// open unseals the credential's secret for immediate use.
func (r *Resolver) open(c Credential) (*ResolvedCredential, error) {
	secret, err := r.box.Open(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("open secret for credential %s: %w", c.Name, err)
	}
	return &ResolvedCredential{
		CredentialID:  c.ID,
		Name:          c.Name,
		Username:      c.Username,
		Secret:        secret,
		ServerAddress: c.URL,
	}, nil
}
