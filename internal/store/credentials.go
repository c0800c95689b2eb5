package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/readystack/readystackgo/internal/registry"
)

// PutCredential creates or updates a registry credential. The caller is
// responsible for sealing the secret before it reaches the store.
func (s *Store) PutCredential(cred registry.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(cred.ID), data)
	})
}

// GetCredential loads a credential by ID.
func (s *Store) GetCredential(id string) (registry.Credential, error) {
	var cred registry.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &cred)
	})
	return cred, err
}

// ListCredentials returns all stored credentials, secrets still sealed.
func (s *Store) ListCredentials() ([]registry.Credential, error) {
	var creds []registry.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var cred registry.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return nil
			}
			creds = append(creds, cred)
			return nil
		})
	})
	return creds, err
}

// DeleteCredential removes a credential by ID.
func (s *Store) DeleteCredential(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(id))
	})
}
