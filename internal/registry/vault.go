package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/readystack/readystackgo/internal/clock"
	"github.com/readystack/readystackgo/internal/errdefs"
	"github.com/readystack/readystackgo/internal/secrets"
)

// Vault manages credential records: it seals secrets before they reach the
// store and enforces that at most one default credential exists.
type Vault struct {
	store CredentialStore
	box   *secrets.Box
	clock clock.Clock
}

// NewVault returns a Vault over the given credential store.
func NewVault(store CredentialStore, box *secrets.Box, clk clock.Clock) *Vault {
	return &Vault{store: store, box: box, clock: clk}
}

// Add stores a new credential. The secret arrives in plaintext and is
// sealed before persisting. Returns the stored credential with the secret
// masked.
func (v *Vault) Add(cred Credential) (Credential, error) {
	if strings.TrimSpace(cred.Name) == "" {
		return Credential{}, errdefs.Validation("credential name is required")
	}
	if err := v.checkDefault(cred); err != nil {
		return Credential{}, err
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.CreatedAt = v.clock.Now().UTC()

	sealed, err := v.box.Seal(cred.Secret)
	if err != nil {
		return Credential{}, fmt.Errorf("seal credential secret: %w", err)
	}
	cred.Secret = sealed

	if err := v.store.PutCredential(cred); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return maskOne(cred), nil
}

// Update replaces a stored credential. A masked secret (ending in "****")
// keeps the previously stored one; anything else is treated as a new
// plaintext secret and sealed.
func (v *Vault) Update(cred Credential) (Credential, error) {
	existing, err := v.store.GetCredential(cred.ID)
	if err != nil {
		return Credential{}, errdefs.NotFound("credential", cred.ID)
	}
	if strings.TrimSpace(cred.Name) == "" {
		return Credential{}, errdefs.Validation("credential name is required")
	}
	if err := v.checkDefault(cred); err != nil {
		return Credential{}, err
	}
	cred.CreatedAt = existing.CreatedAt

	if strings.HasSuffix(cred.Secret, "****") {
		cred.Secret = existing.Secret
	} else {
		sealed, err := v.box.Seal(cred.Secret)
		if err != nil {
			return Credential{}, fmt.Errorf("seal credential secret: %w", err)
		}
		cred.Secret = sealed
	}

	if err := v.store.PutCredential(cred); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return maskOne(cred), nil
}

// Delete removes a credential by ID.
func (v *Vault) Delete(id string) error {
	if _, err := v.store.GetCredential(id); err != nil {
		return errdefs.NotFound("credential", id)
	}
	return v.store.DeleteCredential(id)
}

// Get returns a single credential with the secret masked.
func (v *Vault) Get(id string) (Credential, error) {
	cred, err := v.store.GetCredential(id)
	if err != nil {
		return Credential{}, errdefs.NotFound("credential", id)
	}
	return maskOne(cred), nil
}

// List returns all credentials with secrets masked.
func (v *Vault) List() ([]Credential, error) {
	creds, err := v.store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return MaskSecrets(creds), nil
}

// checkDefault rejects a credential claiming the default slot when another
// credential already holds it.
func (v *Vault) checkDefault(cred Credential) error {
	if !cred.IsDefault {
		return nil
	}
	existing, err := v.store.ListCredentials()
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	for _, c := range existing {
		if c.IsDefault && c.ID != cred.ID {
			return errdefs.Validation("credential %q is already the default", c.Name)
		}
	}
	return nil
}

func maskOne(c Credential) Credential {
	masked := MaskSecrets([]Credential{c})
	return masked[0]
}
