package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// PutEnvironment creates or updates an environment record.
func (s *Store) PutEnvironment(env Environment) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal environment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).Put([]byte(env.ID), data)
	})
}

// GetEnvironment loads an environment by ID.
func (s *Store) GetEnvironment(id string) (Environment, error) {
	var env Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEnvironments).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &env)
	})
	return env, err
}

// ListEnvironments returns all environments.
func (s *Store) ListEnvironments() ([]Environment, error) {
	var envs []Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
			var env Environment
			if err := json.Unmarshal(v, &env); err != nil {
				return nil // skip malformed records
			}
			envs = append(envs, env)
			return nil
		})
	})
	return envs, err
}

// DeleteEnvironment removes an environment and its stored variables.
func (s *Store) DeleteEnvironment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEnvironments).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketEnvVariables).Delete([]byte(id))
	})
}

// SetEnvironmentVariables replaces the variable map stored for an environment.
func (s *Store) SetEnvironmentVariables(envID string, vars map[string]string) error {
	data, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("marshal environment variables: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvVariables).Put([]byte(envID), data)
	})
}

// MergeEnvironmentVariables overlays vars onto the stored map in one
// transaction, so concurrent deploys in the same environment cannot lose
// each other's values.
func (s *Store) MergeEnvironmentVariables(envID string, vars map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEnvVariables)
		merged := make(map[string]string)
		if v := bkt.Get([]byte(envID)); v != nil {
			if err := json.Unmarshal(v, &merged); err != nil {
				return fmt.Errorf("unmarshal environment variables: %w", err)
			}
		}
		for k, val := range vars {
			merged[k] = val
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal environment variables: %w", err)
		}
		return bkt.Put([]byte(envID), data)
	})
}

// GetEnvironmentVariables loads the variable map for an environment.
// Returns an empty map if none are stored.
func (s *Store) GetEnvironmentVariables(envID string) (map[string]string, error) {
	vars := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEnvVariables).Get([]byte(envID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &vars)
	})
	return vars, err
}
