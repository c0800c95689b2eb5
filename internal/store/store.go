// Package store persists control-plane state in BoltDB: environments,
// registry credentials, the stack catalog, deployments, snapshots and
// health history. Values are JSON; time-ordered buckets use keys with an
// RFC3339Nano suffix so lexicographic order is chronological.
package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEnvironments   = []byte("environments")
	bucketEnvVariables   = []byte("env_variables")
	bucketCredentials    = []byte("registry_credentials")
	bucketSources        = []byte("sources")
	bucketDefinitions    = []byte("stack_definitions")
	bucketProducts       = []byte("products")
	bucketDeployments    = []byte("deployments")
	bucketDeploymentIdx  = []byte("deployment_names")
	bucketProductDeploys = []byte("product_deployments")
	bucketSnapshots      = []byte("snapshots")
	bucketHealth         = []byte("health")
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNameTaken is returned when a stack name is already deployed in the
// target environment.
var ErrNameTaken = errors.New("store: stack name already in use")

// ConflictError reports a failed compare-and-swap on a deployment status.
type ConflictError struct {
	DeploymentID string
	Current      DeploymentStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("deployment %s is %s", e.DeploymentID, e.Current)
}

// Store wraps a BoltDB database for ReadyStackGo persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEnvironments, bucketEnvVariables, bucketCredentials, bucketSources, bucketDefinitions, bucketProducts, bucketDeployments, bucketDeploymentIdx, bucketProductDeploys, bucketSnapshots, bucketHealth} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}
