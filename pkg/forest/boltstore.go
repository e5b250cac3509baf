package forest

import (
	"fmt"
	"path/filepath"

	"github.com/storagehub-net/storagehub/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketTrieNodes = []byte("trie_nodes")

// BoltNodeStore persists trie nodes in BoltDB. Because nodes are
// content-addressed, a single store can back every forest a provider holds:
// its own forest, every bucket sub-forest, and all their historical roots.
type BoltNodeStore struct {
	db *bolt.DB
}

// NewBoltNodeStore opens (or creates) the forest database in dataDir.
func NewBoltNodeStore(dataDir string) (*BoltNodeStore, error) {
	dbPath := filepath.Join(dataDir, "forest.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open forest database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTrieNodes)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltNodeStore{db: db}, nil
}

// Put stores a node under its content address.
func (s *BoltNodeStore) Put(hash types.Hash, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrieNodes)
		if b.Get(hash[:]) != nil {
			return nil
		}
		return b.Put(hash[:], data)
	})
}

// Get returns the node bytes, or nil if absent.
func (s *BoltNodeStore) Get(hash types.Hash) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTrieNodes).Get(hash[:])
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// Close closes the database.
func (s *BoltNodeStore) Close() error {
	return s.db.Close()
}
