package txmgr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/storagehub-net/storagehub/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketPendingTxs = []byte("pending_txs")

// State is the durable lifecycle state of an outbound extrinsic.
type State string

const (
	StateSubmitted State = "submitted"
	StateReady     State = "ready"
	StateBroadcast State = "broadcast"
	StateInBlock   State = "in_block"
	StateFinalized State = "finalized"
	StateRetracted State = "retracted"
	StateInvalid   State = "invalid"
	StateUsurped   State = "usurped"
	StateDropped   State = "dropped"
	StateFatal     State = "fatal"
)

// Record is the durable per-(account, nonce) transaction entry. Hash tracks
// the latest submission for the nonce; a re-tip changes the hash but never
// the nonce.
type Record struct {
	Account       types.AccountID `json:"account"`
	Nonce         uint64          `json:"nonce"`
	Hash          types.Hash      `json:"hash"`
	Extrinsic     types.Extrinsic `json:"extrinsic"`
	State         State           `json:"state"`
	Retips        int             `json:"retips"`
	BlockHash     *types.Hash     `json:"block_hash,omitempty"`
	DispatchError string          `json:"dispatch_error,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// terminal reports whether the record needs no further watching.
func (r *Record) terminal() bool {
	switch r.State {
	case StateFinalized, StateDropped, StateFatal, StateInvalid:
		return true
	}
	return false
}

// txStore persists records keyed by (account, nonce).
type txStore struct {
	db *bolt.DB
}

func newTxStore(dataDir string) (*txStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "txmgr.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open txmgr database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPendingTxs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &txStore{db: db}, nil
}

func (s *txStore) Close() error {
	return s.db.Close()
}

func recordKey(account types.AccountID, nonce uint64) []byte {
	key := make([]byte, types.HashLen+8)
	copy(key, account[:])
	binary.BigEndian.PutUint64(key[types.HashLen:], nonce)
	return key
}

func (s *txStore) put(rec *Record) error {
	rec.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPendingTxs).Put(recordKey(rec.Account, rec.Nonce), data)
	})
}

func (s *txStore) get(account types.AccountID, nonce uint64) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPendingTxs).Get(recordKey(account, nonce))
		if data == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

func (s *txStore) delete(account types.AccountID, nonce uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingTxs).Delete(recordKey(account, nonce))
	})
}

// list returns the account's records in nonce order.
func (s *txStore) list(account types.AccountID) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPendingTxs).Cursor()
		for k, v := c.Seek(account[:]); k != nil && len(k) >= types.HashLen && string(k[:types.HashLen]) == string(account[:]); k, v = c.Next() {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
