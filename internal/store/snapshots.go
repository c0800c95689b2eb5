package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SaveSnapshot stores a rollback snapshot and prunes the deployment's
// history down to keep entries. Key format: "{deploymentID}::{RFC3339Nano}"
// so lexicographic order is chronological.
func (s *Store) SaveSnapshot(snap Snapshot, keep int) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		key := []byte(fmt.Sprintf("%s::%s", snap.DeploymentID, snap.CapturedAt.UTC().Format(time.RFC3339Nano)))
		if err := b.Put(key, data); err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}

		prefix := []byte(snap.DeploymentID + "::")
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
		// Oldest keys sort first; delete everything before the last `keep`.
		for _, k := range keys[:len(keys)-keep] {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestSnapshot returns the most recent snapshot of the given kind for a
// deployment. Returns ErrNotFound if none exists.
func (s *Store) LatestSnapshot(deploymentID string, kind SnapshotKind) (Snapshot, error) {
	var snap Snapshot
	found := false
	prefix := []byte(deploymentID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()

		// Seek past the prefix range, then walk backwards. The range ends
		// at deploymentID + "::;" (';' is one byte after ':' in ASCII).
		k, v := c.Seek([]byte(deploymentID + "::;"))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			var cand Snapshot
			if err := json.Unmarshal(v, &cand); err != nil {
				continue
			}
			if cand.Kind != kind {
				continue
			}
			snap = cand
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return snap, err
	}
	if !found {
		return snap, ErrNotFound
	}
	return snap, nil
}

// ListSnapshots returns all snapshots for a deployment, newest first.
func (s *Store) ListSnapshots(deploymentID string) ([]Snapshot, error) {
	var snaps []Snapshot
	prefix := []byte(deploymentID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reverse to newest first.
	for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
		snaps[i], snaps[j] = snaps[j], snaps[i]
	}
	return snaps, nil
}
