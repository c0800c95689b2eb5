package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

func nameKey(envID, stackName string) []byte {
	return []byte(envID + "::" + stackName)
}

// CreateDeployment stores a new deployment and reserves its stack name
// within the environment. Returns ErrNameTaken if another deployment
// already holds the name.
func (s *Store) CreateDeployment(d Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketDeploymentIdx)
		key := nameKey(d.EnvironmentID, d.StackName)
		if existing := idx.Get(key); existing != nil && string(existing) != d.ID {
			return ErrNameTaken
		}
		if err := idx.Put(key, []byte(d.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).Put([]byte(d.ID), data)
	})
}

// GetDeployment loads a deployment by ID.
func (s *Store) GetDeployment(id string) (Deployment, error) {
	var d Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeployments).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &d)
	})
	return d, err
}

// FindDeploymentByName resolves a stack name within an environment.
func (s *Store) FindDeploymentByName(envID, stackName string) (Deployment, error) {
	var d Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDeploymentIdx).Get(nameKey(envID, stackName))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(bucketDeployments).Get(id)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &d)
	})
	return d, err
}

// ListDeployments returns all deployments, optionally filtered by environment.
func (s *Store) ListDeployments(envID string) ([]Deployment, error) {
	var out []Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var d Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			if envID != "" && d.EnvironmentID != envID {
				return nil
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// PutDeployment overwrites a deployment record without status checks.
func (s *Store) PutDeployment(d Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Put([]byte(d.ID), data)
	})
}

// UpdateDeployment applies fn to the stored record inside a single write
// transaction and persists the result.
func (s *Store) UpdateDeployment(id string, fn func(*Deployment) error) (Deployment, error) {
	var d Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("unmarshal deployment: %w", err)
		}
		if err := fn(&d); err != nil {
			return err
		}
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal deployment: %w", err)
		}
		return b.Put([]byte(id), data)
	})
	return d, err
}

// TransitionDeployment moves a deployment from one of the allowed statuses
// to the target status. The check and the write happen in the same
// transaction, so two concurrent operations cannot both claim the record.
// Returns *ConflictError carrying the current status when the check fails.
func (s *Store) TransitionDeployment(id string, from []DeploymentStatus, to DeploymentStatus, mutate func(*Deployment)) (Deployment, error) {
	return s.UpdateDeployment(id, func(d *Deployment) error {
		allowed := false
		for _, f := range from {
			if d.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return &ConflictError{DeploymentID: id, Current: d.Status}
		}
		d.Status = to
		if mutate != nil {
			mutate(d)
		}
		return nil
	})
}

// DeleteDeployment removes the deployment record, its name reservation and
// all associated snapshots and health samples in one transaction.
func (s *Store) DeleteDeployment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var d Deployment
		if err := json.Unmarshal(v, &d); err != nil {
			return fmt.Errorf("unmarshal deployment: %w", err)
		}
		if err := tx.Bucket(bucketDeploymentIdx).Delete(nameKey(d.EnvironmentID, d.StackName)); err != nil {
			return err
		}
		if err := deletePrefix(tx.Bucket(bucketSnapshots), []byte(id+"::")); err != nil {
			return err
		}
		if err := deletePrefix(tx.Bucket(bucketHealth), []byte(id+"::")); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// deletePrefix removes every key in the bucket starting with prefix.
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		keys = append(keys, keyCopy)
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// PutProductDeployment creates or updates a product deployment record.
func (s *Store) PutProductDeployment(pd ProductDeployment) error {
	data, err := json.Marshal(pd)
	if err != nil {
		return fmt.Errorf("marshal product deployment: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProductDeploys).Put([]byte(pd.ID), data)
	})
}

// GetProductDeployment loads a product deployment by ID.
func (s *Store) GetProductDeployment(id string) (ProductDeployment, error) {
	var pd ProductDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProductDeploys).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &pd)
	})
	return pd, err
}

// ListProductDeployments returns all product deployments, optionally
// filtered by environment.
func (s *Store) ListProductDeployments(envID string) ([]ProductDeployment, error) {
	var out []ProductDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProductDeploys).ForEach(func(k, v []byte) error {
			var pd ProductDeployment
			if err := json.Unmarshal(v, &pd); err != nil {
				return nil
			}
			if envID != "" && pd.EnvironmentID != envID {
				return nil
			}
			out = append(out, pd)
			return nil
		})
	})
	return out, err
}

// DeleteProductDeployment removes a product deployment record.
func (s *Store) DeleteProductDeployment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProductDeploys).Delete([]byte(id))
	})
}
