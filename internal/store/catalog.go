package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// PutSource creates or updates a stack source.
func (s *Store) PutSource(src StackSource) error {
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal source: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).Put([]byte(src.ID), data)
	})
}

// GetSource loads a stack source by ID.
func (s *Store) GetSource(id string) (StackSource, error) {
	var src StackSource
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSources).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &src)
	})
	return src, err
}

// ListSources returns all stack sources.
func (s *Store) ListSources() ([]StackSource, error) {
	var srcs []StackSource
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).ForEach(func(k, v []byte) error {
			var src StackSource
			if err := json.Unmarshal(v, &src); err != nil {
				return nil
			}
			srcs = append(srcs, src)
			return nil
		})
	})
	return srcs, err
}

// DeleteSource removes a source together with its definitions and products.
func (s *Store) DeleteSource(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSources).Delete([]byte(id)); err != nil {
			return err
		}
		if err := deleteBySourceID(tx.Bucket(bucketDefinitions), id); err != nil {
			return err
		}
		return deleteBySourceID(tx.Bucket(bucketProducts), id)
	})
}

// ReplaceSourceCatalog replaces all definitions and products belonging to a
// source in one transaction. A sync publishes immutable definitions, so the
// previous set is dropped wholesale rather than merged.
func (s *Store) ReplaceSourceCatalog(sourceID string, defs []StackDefinition, products []Product) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		db := tx.Bucket(bucketDefinitions)
		if err := deleteBySourceID(db, sourceID); err != nil {
			return err
		}
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("marshal definition %s: %w", def.Name, err)
			}
			if err := db.Put([]byte(def.ID), data); err != nil {
				return err
			}
		}

		pb := tx.Bucket(bucketProducts)
		if err := deleteBySourceID(pb, sourceID); err != nil {
			return err
		}
		for _, p := range products {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal product %s: %w", p.Name, err)
			}
			if err := pb.Put([]byte(p.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteBySourceID removes every record in the bucket whose JSON value
// carries the given source_id.
func deleteBySourceID(b *bolt.Bucket, sourceID string) error {
	var stale [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var rec struct {
			SourceID string `json:"source_id"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		if rec.SourceID == sourceID {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			stale = append(stale, keyCopy)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// GetDefinition loads a stack definition by ID.
func (s *Store) GetDefinition(id string) (StackDefinition, error) {
	var def StackDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDefinitions).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &def)
	})
	return def, err
}

// ListDefinitions returns all stack definitions, optionally filtered by source.
func (s *Store) ListDefinitions(sourceID string) ([]StackDefinition, error) {
	var defs []StackDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).ForEach(func(k, v []byte) error {
			var def StackDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return nil
			}
			if sourceID != "" && def.SourceID != sourceID {
				return nil
			}
			defs = append(defs, def)
			return nil
		})
	})
	return defs, err
}

// GetProduct loads a product by ID.
func (s *Store) GetProduct(id string) (Product, error) {
	var p Product
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketProducts).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &p)
	})
	return p, err
}

// ListProducts returns all products, optionally filtered by source.
func (s *Store) ListProducts(sourceID string) ([]Product, error) {
	var products []Product
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProducts).ForEach(func(k, v []byte) error {
			var p Product
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if sourceID != "" && p.SourceID != sourceID {
				return nil
			}
			products = append(products, p)
			return nil
		})
	})
	return products, err
}
