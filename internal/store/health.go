package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AppendHealthSample stores one reconcile observation and prunes the
// deployment's history down to keep samples. Key format:
// "{deploymentID}::{RFC3339Nano}".
func (s *Store) AppendHealthSample(sample HealthSample, keep int) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal health sample: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		key := []byte(fmt.Sprintf("%s::%s", sample.DeploymentID, sample.CapturedAt.UTC().Format(time.RFC3339Nano)))
		if err := b.Put(key, data); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}

		prefix := []byte(sample.DeploymentID + "::")
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[:len(keys)-keep] {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestHealthSample returns the newest sample for a deployment.
// Returns ErrNotFound if none exists.
func (s *Store) LatestHealthSample(deploymentID string) (HealthSample, error) {
	var sample HealthSample
	found := false
	prefix := []byte(deploymentID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		c := b.Cursor()

		k, v := c.Seek([]byte(deploymentID + "::;"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		if err := json.Unmarshal(v, &sample); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return sample, err
	}
	if !found {
		return sample, ErrNotFound
	}
	return sample, nil
}

// ListHealthSamples returns samples for a deployment, newest first, up to limit.
func (s *Store) ListHealthSamples(deploymentID string, limit int) ([]HealthSample, error) {
	var samples []HealthSample
	prefix := []byte(deploymentID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealth)
		c := b.Cursor()

		k, v := c.Seek([]byte(deploymentID + "::;"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && (limit <= 0 || len(samples) < limit); k, v = c.Prev() {
			var sample HealthSample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue
			}
			samples = append(samples, sample)
		}
		return nil
	})
	return samples, err
}
