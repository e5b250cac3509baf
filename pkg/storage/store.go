package storage

import (
	"github.com/storagehub-net/storagehub/pkg/types"
)

// Store defines the interface for runtime state storage.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Parameters
	Params() (*types.Params, error)
	SetParams(params *types.Params) error

	// Accounts
	GetAccount(id types.AccountID) (*types.Account, error)
	PutAccount(account *types.Account) error
	ListAccounts() ([]*types.Account, error)

	// Buckets
	CreateBucket(bucket *types.Bucket) error
	GetBucket(id types.BucketID) (*types.Bucket, error)
	UpdateBucket(bucket *types.Bucket) error
	ListBuckets() ([]*types.Bucket, error)
	ListBucketsByMsp(msp types.ProviderID) ([]*types.Bucket, error)

	// Storage requests
	CreateStorageRequest(request *types.StorageRequest) error
	GetStorageRequest(key types.FileKey) (*types.StorageRequest, error)
	UpdateStorageRequest(request *types.StorageRequest) error
	DeleteStorageRequest(key types.FileKey) error
	ListStorageRequests() ([]*types.StorageRequest, error)
	ListStorageRequestsExpiringAt(tick types.Tick) ([]*types.StorageRequest, error)

	// Providers
	PutProvider(provider *types.Provider) error
	GetProvider(id types.ProviderID) (*types.Provider, error)
	DeleteProvider(id types.ProviderID) error
	ListProviders() ([]*types.Provider, error)

	// Payment streams
	PutFixedStream(stream *types.FixedRateStream) error
	GetFixedStream(provider types.ProviderID, user types.AccountID) (*types.FixedRateStream, error)
	DeleteFixedStream(provider types.ProviderID, user types.AccountID) error
	ListFixedStreamsByProvider(provider types.ProviderID) ([]*types.FixedRateStream, error)
	PutDynamicStream(stream *types.DynamicRateStream) error
	GetDynamicStream(provider types.ProviderID, user types.AccountID) (*types.DynamicRateStream, error)
	DeleteDynamicStream(provider types.ProviderID, user types.AccountID) error
	ListDynamicStreamsByProvider(provider types.ProviderID) ([]*types.DynamicRateStream, error)

	ListFixedStreams() ([]*types.FixedRateStream, error)
	ListDynamicStreams() ([]*types.DynamicRateStream, error)

	// Global payment price index
	PriceIndex() (types.Balance, error)
	SetPriceIndex(index types.Balance) error

	// Challenge seeds per tick
	PutSeed(tick types.Tick, seed types.Seed) error
	GetSeed(tick types.Tick) (types.Seed, error)

	// Emitted checkpoint challenge sets, keyed by the tick they were
	// emitted at
	PutCheckpointSet(tick types.Tick, set []*types.CheckpointChallenge) error
	// LatestCheckpointSetIn returns the newest set emitted in (from, to],
	// with its tick; nil if none.
	LatestCheckpointSetIn(from, to types.Tick) (types.Tick, []*types.CheckpointChallenge, error)

	// Stop storing requests
	PutStopStoringRequest(req *types.StopStoringRequest) error
	GetStopStoringRequest(provider types.ProviderID, key types.FileKey) (*types.StopStoringRequest, error)
	DeleteStopStoringRequest(provider types.ProviderID, key types.FileKey) error

	// Pending file deletions
	PutPendingDeletion(del *types.PendingFileDeletion) error
	GetPendingDeletion(key types.FileKey) (*types.PendingFileDeletion, error)
	DeletePendingDeletion(key types.FileKey) error
	ListPendingDeletions() ([]*types.PendingFileDeletion, error)

	// Checkpoint challenge queue
	AppendCheckpointChallenge(c *types.CheckpointChallenge) error
	DrainCheckpointChallenges(max uint32) ([]*types.CheckpointChallenge, error)

	// Utility
	Close() error
}
