package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var fileBucket = []byte("files")

// FileState is what the index remembers about one file between runs.
// Comparing it against the live stat result classifies a change as
// created, modified, or removed.
type FileState struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Hash    string    `json:"hash,omitempty"`
}

// Index is the persistent view of the watched tree. It lets the
// connector detect changes that happened while it was not running, and
// avoids re-announcing files it has already reported.
type Index struct {
	db *bolt.DB
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fileBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Get returns the remembered state for path, and whether one exists.
func (ix *Index) Get(path string) (FileState, bool, error) {
	var state FileState
	var found bool
	err := ix.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(fileBucket).Get([]byte(path))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &state)
	})
	return state, found, err
}

// Put records the state for path.
func (ix *Index) Put(path string, state FileState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fileBucket).Put([]byte(path), raw)
	})
}

// Delete forgets path.
func (ix *Index) Delete(path string) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fileBucket).Delete([]byte(path))
	})
}

// All returns every remembered file state keyed by path.
func (ix *Index) All() (map[string]FileState, error) {
	out := make(map[string]FileState)
	err := ix.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(fileBucket).ForEach(func(k, v []byte) error {
			var state FileState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			out[string(k)] = state
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database file lock.
func (ix *Index) Close() error {
	return ix.db.Close()
}
