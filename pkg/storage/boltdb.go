package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/storagehub-net/storagehub/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketParams         = []byte("params")
	bucketAccounts       = []byte("accounts")
	bucketBuckets        = []byte("buckets")
	bucketRequests       = []byte("storage_requests")
	bucketRequestExpiry  = []byte("storage_request_expiry")
	bucketProviders      = []byte("providers")
	bucketFixedStreams   = []byte("fixed_streams")
	bucketDynamicStreams = []byte("dynamic_streams")
	bucketPriceIndex     = []byte("price_index")
	bucketStopStoring    = []byte("stop_storing_requests")
	bucketDeletions      = []byte("pending_deletions")
	bucketCheckpoints    = []byte("checkpoint_queue")
	bucketSeeds          = []byte("seeds")
	bucketCheckpointSets = []byte("checkpoint_sets")

	keyParams     = []byte("current")
	keyPriceIndex = []byte("current")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed runtime state store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "runtime.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketParams,
			bucketAccounts,
			bucketBuckets,
			bucketRequests,
			bucketRequestExpiry,
			bucketProviders,
			bucketFixedStreams,
			bucketDynamicStreams,
			bucketPriceIndex,
			bucketStopStoring,
			bucketDeletions,
			bucketCheckpoints,
			bucketSeeds,
			bucketCheckpointSets,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return tx.Bucket(bucket).Put(key, data)
}

func streamKey(provider types.ProviderID, user types.AccountID) []byte {
	key := make([]byte, 0, 2*types.HashLen)
	key = append(key, provider[:]...)
	key = append(key, user[:]...)
	return key
}

func expiryKey(tick types.Tick, fileKey types.FileKey) []byte {
	key := make([]byte, 8, 8+types.HashLen)
	binary.BigEndian.PutUint64(key, uint64(tick))
	return append(key, fileKey[:]...)
}

// Params returns the runtime parameter table.
func (s *BoltStore) Params() (*types.Params, error) {
	var params *types.Params
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketParams).Get(keyParams)
		if data == nil {
			return fmt.Errorf("runtime params not initialised")
		}
		params = &types.Params{}
		return json.Unmarshal(data, params)
	})
	return params, err
}

// SetParams replaces the runtime parameter table.
func (s *BoltStore) SetParams(params *types.Params) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketParams, keyParams, params)
	})
}

// Account operations
func (s *BoltStore) GetAccount(id types.AccountID) (*types.Account, error) {
	var account *types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get(id[:])
		if data == nil {
			return nil
		}
		account = &types.Account{}
		return json.Unmarshal(data, account)
	})
	return account, err
}

func (s *BoltStore) PutAccount(account *types.Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAccounts, account.ID[:], account)
	})
}

func (s *BoltStore) ListAccounts() ([]*types.Account, error) {
	var accounts []*types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			account := &types.Account{}
			if err := json.Unmarshal(v, account); err != nil {
				return err
			}
			accounts = append(accounts, account)
			return nil
		})
	})
	return accounts, err
}

// Bucket operations
func (s *BoltStore) CreateBucket(bucket *types.Bucket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBuckets).Get(bucket.ID[:]) != nil {
			return fmt.Errorf("bucket %s already exists", types.Hash(bucket.ID).HexString())
		}
		return putJSON(tx, bucketBuckets, bucket.ID[:], bucket)
	})
}

func (s *BoltStore) GetBucket(id types.BucketID) (*types.Bucket, error) {
	var bucket *types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuckets).Get(id[:])
		if data == nil {
			return nil
		}
		bucket = &types.Bucket{}
		return json.Unmarshal(data, bucket)
	})
	return bucket, err
}

func (s *BoltStore) UpdateBucket(bucket *types.Bucket) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketBuckets, bucket.ID[:], bucket)
	})
}

func (s *BoltStore) ListBuckets() ([]*types.Bucket, error) {
	var buckets []*types.Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuckets).ForEach(func(k, v []byte) error {
			bucket := &types.Bucket{}
			if err := json.Unmarshal(v, bucket); err != nil {
				return err
			}
			buckets = append(buckets, bucket)
			return nil
		})
	})
	return buckets, err
}

func (s *BoltStore) ListBucketsByMsp(msp types.ProviderID) ([]*types.Bucket, error) {
	all, err := s.ListBuckets()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Bucket
	for _, b := range all {
		if b.MSP != nil && *b.MSP == msp {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// Storage request operations
func (s *BoltStore) CreateStorageRequest(request *types.StorageRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRequests).Get(request.FileKey[:]) != nil {
			return types.ErrDuplicateRequest
		}
		if err := putJSON(tx, bucketRequests, request.FileKey[:], request); err != nil {
			return err
		}
		return tx.Bucket(bucketRequestExpiry).Put(expiryKey(request.ExpiresAt, request.FileKey), request.FileKey[:])
	})
}

func (s *BoltStore) GetStorageRequest(key types.FileKey) (*types.StorageRequest, error) {
	var request *types.StorageRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get(key[:])
		if data == nil {
			return nil
		}
		request = &types.StorageRequest{}
		return json.Unmarshal(data, request)
	})
	return request, err
}

func (s *BoltStore) UpdateStorageRequest(request *types.StorageRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketRequests, request.FileKey[:], request)
	})
}

func (s *BoltStore) DeleteStorageRequest(key types.FileKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get(key[:])
		if data == nil {
			return nil
		}
		request := &types.StorageRequest{}
		if err := json.Unmarshal(data, request); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequestExpiry).Delete(expiryKey(request.ExpiresAt, key)); err != nil {
			return err
		}
		return tx.Bucket(bucketRequests).Delete(key[:])
	})
}

func (s *BoltStore) ListStorageRequests() ([]*types.StorageRequest, error) {
	var requests []*types.StorageRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			request := &types.StorageRequest{}
			if err := json.Unmarshal(v, request); err != nil {
				return err
			}
			requests = append(requests, request)
			return nil
		})
	})
	return requests, err
}

func (s *BoltStore) ListStorageRequestsExpiringAt(tick types.Tick) ([]*types.StorageRequest, error) {
	var requests []*types.StorageRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequestExpiry).Cursor()
		prefix := make([]byte, 8)
		binary.BigEndian.PutUint64(prefix, uint64(tick))
		reqBucket := tx.Bucket(bucketRequests)
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && binary.BigEndian.Uint64(k[:8]) == uint64(tick); k, v = c.Next() {
			data := reqBucket.Get(v)
			if data == nil {
				continue
			}
			request := &types.StorageRequest{}
			if err := json.Unmarshal(data, request); err != nil {
				return err
			}
			requests = append(requests, request)
		}
		return nil
	})
	return requests, err
}

// Provider operations
func (s *BoltStore) PutProvider(provider *types.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketProviders, provider.ID[:], provider)
	})
}

func (s *BoltStore) GetProvider(id types.ProviderID) (*types.Provider, error) {
	var provider *types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketProviders).Get(id[:])
		if data == nil {
			return nil
		}
		provider = &types.Provider{}
		return json.Unmarshal(data, provider)
	})
	return provider, err
}

func (s *BoltStore) DeleteProvider(id types.ProviderID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).Delete(id[:])
	})
}

func (s *BoltStore) ListProviders() ([]*types.Provider, error) {
	var providers []*types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProviders).ForEach(func(k, v []byte) error {
			provider := &types.Provider{}
			if err := json.Unmarshal(v, provider); err != nil {
				return err
			}
			providers = append(providers, provider)
			return nil
		})
	})
	return providers, err
}

// Fixed-rate stream operations
func (s *BoltStore) PutFixedStream(stream *types.FixedRateStream) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketFixedStreams, streamKey(stream.Provider, stream.User), stream)
	})
}

func (s *BoltStore) GetFixedStream(provider types.ProviderID, user types.AccountID) (*types.FixedRateStream, error) {
	var stream *types.FixedRateStream
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFixedStreams).Get(streamKey(provider, user))
		if data == nil {
			return nil
		}
		stream = &types.FixedRateStream{}
		return json.Unmarshal(data, stream)
	})
	return stream, err
}

func (s *BoltStore) DeleteFixedStream(provider types.ProviderID, user types.AccountID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFixedStreams).Delete(streamKey(provider, user))
	})
}

func (s *BoltStore) ListFixedStreamsByProvider(provider types.ProviderID) ([]*types.FixedRateStream, error) {
	var streams []*types.FixedRateStream
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFixedStreams).Cursor()
		for k, v := c.Seek(provider[:]); k != nil && len(k) >= types.HashLen && string(k[:types.HashLen]) == string(provider[:]); k, v = c.Next() {
			stream := &types.FixedRateStream{}
			if err := json.Unmarshal(v, stream); err != nil {
				return err
			}
			streams = append(streams, stream)
		}
		return nil
	})
	return streams, err
}

// Dynamic-rate stream operations
func (s *BoltStore) PutDynamicStream(stream *types.DynamicRateStream) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDynamicStreams, streamKey(stream.Provider, stream.User), stream)
	})
}

func (s *BoltStore) GetDynamicStream(provider types.ProviderID, user types.AccountID) (*types.DynamicRateStream, error) {
	var stream *types.DynamicRateStream
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDynamicStreams).Get(streamKey(provider, user))
		if data == nil {
			return nil
		}
		stream = &types.DynamicRateStream{}
		return json.Unmarshal(data, stream)
	})
	return stream, err
}

func (s *BoltStore) DeleteDynamicStream(provider types.ProviderID, user types.AccountID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDynamicStreams).Delete(streamKey(provider, user))
	})
}

func (s *BoltStore) ListDynamicStreamsByProvider(provider types.ProviderID) ([]*types.DynamicRateStream, error) {
	var streams []*types.DynamicRateStream
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDynamicStreams).Cursor()
		for k, v := c.Seek(provider[:]); k != nil && len(k) >= types.HashLen && string(k[:types.HashLen]) == string(provider[:]); k, v = c.Next() {
			stream := &types.DynamicRateStream{}
			if err := json.Unmarshal(v, stream); err != nil {
				return err
			}
			streams = append(streams, stream)
		}
		return nil
	})
	return streams, err
}

func (s *BoltStore) ListFixedStreams() ([]*types.FixedRateStream, error) {
	var streams []*types.FixedRateStream
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFixedStreams).ForEach(func(k, v []byte) error {
			stream := &types.FixedRateStream{}
			if err := json.Unmarshal(v, stream); err != nil {
				return err
			}
			streams = append(streams, stream)
			return nil
		})
	})
	return streams, err
}

func (s *BoltStore) ListDynamicStreams() ([]*types.DynamicRateStream, error) {
	var streams []*types.DynamicRateStream
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDynamicStreams).ForEach(func(k, v []byte) error {
			stream := &types.DynamicRateStream{}
			if err := json.Unmarshal(v, stream); err != nil {
				return err
			}
			streams = append(streams, stream)
			return nil
		})
	})
	return streams, err
}

// PriceIndex returns the global dynamic-rate price index.
func (s *BoltStore) PriceIndex() (types.Balance, error) {
	var index types.Balance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPriceIndex).Get(keyPriceIndex)
		if data == nil {
			return nil
		}
		index = types.Balance(binary.BigEndian.Uint64(data))
		return nil
	})
	return index, err
}

// SetPriceIndex replaces the global dynamic-rate price index.
func (s *BoltStore) SetPriceIndex(index types.Balance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var data [8]byte
		binary.BigEndian.PutUint64(data[:], uint64(index))
		return tx.Bucket(bucketPriceIndex).Put(keyPriceIndex, data[:])
	})
}

// Stop storing request operations
func (s *BoltStore) PutStopStoringRequest(req *types.StopStoringRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := append(append([]byte{}, req.Provider[:]...), req.FileKey[:]...)
		return putJSON(tx, bucketStopStoring, key, req)
	})
}

func (s *BoltStore) GetStopStoringRequest(provider types.ProviderID, fileKey types.FileKey) (*types.StopStoringRequest, error) {
	var req *types.StopStoringRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		key := append(append([]byte{}, provider[:]...), fileKey[:]...)
		data := tx.Bucket(bucketStopStoring).Get(key)
		if data == nil {
			return nil
		}
		req = &types.StopStoringRequest{}
		return json.Unmarshal(data, req)
	})
	return req, err
}

func (s *BoltStore) DeleteStopStoringRequest(provider types.ProviderID, fileKey types.FileKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := append(append([]byte{}, provider[:]...), fileKey[:]...)
		return tx.Bucket(bucketStopStoring).Delete(key)
	})
}

// Pending deletion operations
func (s *BoltStore) PutPendingDeletion(del *types.PendingFileDeletion) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDeletions, del.FileKey[:], del)
	})
}

func (s *BoltStore) GetPendingDeletion(key types.FileKey) (*types.PendingFileDeletion, error) {
	var del *types.PendingFileDeletion
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeletions).Get(key[:])
		if data == nil {
			return nil
		}
		del = &types.PendingFileDeletion{}
		return json.Unmarshal(data, del)
	})
	return del, err
}

func (s *BoltStore) DeletePendingDeletion(key types.FileKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeletions).Delete(key[:])
	})
}

func (s *BoltStore) ListPendingDeletions() ([]*types.PendingFileDeletion, error) {
	var dels []*types.PendingFileDeletion
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeletions).ForEach(func(k, v []byte) error {
			del := &types.PendingFileDeletion{}
			if err := json.Unmarshal(v, del); err != nil {
				return err
			}
			dels = append(dels, del)
			return nil
		})
	})
	return dels, err
}

// Seed operations
func (s *BoltStore) PutSeed(tick types.Tick, seed types.Seed) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(tick))
		return tx.Bucket(bucketSeeds).Put(key[:], seed[:])
	})
}

func (s *BoltStore) GetSeed(tick types.Tick) (types.Seed, error) {
	var seed types.Seed
	err := s.db.View(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(tick))
		data := tx.Bucket(bucketSeeds).Get(key[:])
		if data == nil {
			return fmt.Errorf("no seed recorded for tick %d", tick)
		}
		copy(seed[:], data)
		return nil
	})
	return seed, err
}

// Checkpoint set operations
func (s *BoltStore) PutCheckpointSet(tick types.Tick, set []*types.CheckpointChallenge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], uint64(tick))
		return putJSON(tx, bucketCheckpointSets, key[:], set)
	})
}

func (s *BoltStore) LatestCheckpointSetIn(from, to types.Tick) (types.Tick, []*types.CheckpointChallenge, error) {
	var tick types.Tick
	var set []*types.CheckpointChallenge
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpointSets).Cursor()
		var seek [8]byte
		binary.BigEndian.PutUint64(seek[:], uint64(to))
		k, v := c.Seek(seek[:])
		if k == nil {
			k, v = c.Last()
		} else if binary.BigEndian.Uint64(k) > uint64(to) {
			k, v = c.Prev()
		}
		if k == nil {
			return nil
		}
		at := types.Tick(binary.BigEndian.Uint64(k))
		if at <= from || at > to {
			return nil
		}
		tick = at
		return json.Unmarshal(v, &set)
	})
	return tick, set, err
}

// Checkpoint challenge queue operations
func (s *BoltStore) AppendCheckpointChallenge(c *types.CheckpointChallenge) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return putJSON(tx, bucketCheckpoints, key[:], c)
	})
}

func (s *BoltStore) DrainCheckpointChallenges(max uint32) ([]*types.CheckpointChallenge, error) {
	var out []*types.CheckpointChallenge
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		c := b.Cursor()
		var drained [][]byte
		for k, v := c.First(); k != nil && uint32(len(out)) < max; k, v = c.Next() {
			challenge := &types.CheckpointChallenge{}
			if err := json.Unmarshal(v, challenge); err != nil {
				return err
			}
			out = append(out, challenge)
			drained = append(drained, append([]byte{}, k...))
		}
		for _, k := range drained {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
