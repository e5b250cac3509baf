package chain

import (
	"context"
	"encoding/binary"

	"github.com/storagehub-net/storagehub/pkg/types"
)

// Header describes one block. The tick usually equals the height but runs
// ahead of it across migration gaps.
type Header struct {
	Height uint64     `json:"height"`
	Tick   types.Tick `json:"tick"`
	Parent types.Hash `json:"parent"`
}

// Block is a produced block with its extrinsics and emitted events. Results
// aligns with Extrinsics: an empty string means successful dispatch.
type Block struct {
	Hash       types.Hash        `json:"hash"`
	Header     Header            `json:"header"`
	Extrinsics []types.Extrinsic `json:"extrinsics"`
	Events     []types.Event     `json:"events"`
	Results    []string          `json:"results,omitempty"`
}

// BlockImported announces a newly imported block. Best reports whether the
// block extends the best chain; non-best imports must not drive forest
// mutations until a reorg makes them best.
type BlockImported struct {
	Hash   types.Hash
	Header Header
	Events []types.Event
	Best   bool
}

// BlockFinalized announces that a block can no longer be reorged away.
type BlockFinalized struct {
	Hash types.Hash
	Tick types.Tick
}

// TxStatusKind enumerates the lifecycle states the host reports for a
// submitted extrinsic.
type TxStatusKind string

const (
	TxReady     TxStatusKind = "ready"
	TxBroadcast TxStatusKind = "broadcast"
	TxInBlock   TxStatusKind = "in_block"
	TxFinalized TxStatusKind = "finalized"
	TxRetracted TxStatusKind = "retracted"
	TxInvalid   TxStatusKind = "invalid"
	TxUsurped   TxStatusKind = "usurped"
	TxDropped   TxStatusKind = "dropped"
)

// TxStatus is one transaction status notification.
type TxStatus struct {
	Kind      TxStatusKind
	BlockHash *types.Hash
	Reason    string
}

// Client is the boundary the provider client consumes from the runtime
// host: extrinsic submission and watching, chain state reads at the current
// best block, chain head queries, and the randomness beacon.
type Client interface {
	// Extrinsics
	SubmitExtrinsic(ctx context.Context, ext *types.Extrinsic) (types.Hash, error)
	PendingExtrinsics(ctx context.Context) ([]*types.Extrinsic, error)
	WatchExtrinsic(ctx context.Context, hash types.Hash) (<-chan TxStatus, error)
	AccountNonce(ctx context.Context, account types.AccountID) (uint64, error)

	// Heads and time
	BestTick(ctx context.Context) (types.Tick, error)
	FinalizedHead(ctx context.Context) (BlockFinalized, error)
	EntropyAt(ctx context.Context, tick types.Tick) ([32]byte, error)

	// State reads at the current best block
	ParamsAt(ctx context.Context) (*types.Params, error)
	ProviderAt(ctx context.Context, id types.ProviderID) (*types.Provider, error)
	StorageRequestAt(ctx context.Context, key types.FileKey) (*types.StorageRequest, error)
	BucketAt(ctx context.Context, id types.BucketID) (*types.Bucket, error)
	StreamUsersAt(ctx context.Context, provider types.ProviderID) ([]types.AccountID, error)
	SeedAt(ctx context.Context, tick types.Tick) (types.Seed, error)
	CheckpointSetIn(ctx context.Context, from, to types.Tick) ([]*types.CheckpointChallenge, error)

	// Notifications
	SubscribeImported() (<-chan BlockImported, func())
	SubscribeFinalized() (<-chan BlockFinalized, func())
}

// HeaderHash derives a block hash from its header fields.
func HeaderHash(h Header) types.Hash {
	buf := make([]byte, 0, 7+8+8+types.HashLen)
	buf = append(buf, []byte("header:")...)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], h.Height)
	buf = append(buf, n[:]...)
	binary.BigEndian.PutUint64(n[:], uint64(h.Tick))
	buf = append(buf, n[:]...)
	buf = append(buf, h.Parent[:]...)
	return types.Hashed(buf)
}
