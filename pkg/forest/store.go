package forest

import (
	"sync"

	"github.com/storagehub-net/storagehub/pkg/types"
)

// NodeStore is the content-addressed backing store for trie nodes. Get
// returns nil data for an unknown hash.
type NodeStore interface {
	Put(hash types.Hash, data []byte) error
	Get(hash types.Hash) ([]byte, error)
}

// MemStore is an in-memory NodeStore, used by the runtime's working tries
// and by tests.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[types.Hash][]byte
}

// NewMemStore creates an empty in-memory node store.
func NewMemStore() *MemStore {
	return &MemStore{nodes: make(map[types.Hash][]byte)}
}

// Put stores a node under its content address.
func (s *MemStore) Put(hash types.Hash, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[hash]; ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.nodes[hash] = cp
	return nil
}

// Get returns the node bytes, or nil if absent.
func (s *MemStore) Get(hash types.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.nodes[hash]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len returns the number of stored nodes.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
