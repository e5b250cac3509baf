package chain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/storage"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// maxExtrinsicsPerBlock bounds a devnet block; a block at the bound counts
// as full for the spam-protection tracker.
const maxExtrinsicsPerBlock = 32

// Devnet is an embedded single-node chain: a raft log orders blocks of
// extrinsics and the FSM applies them through the runtime, which is what
// makes replaying the log reproduce identical state and events.
type Devnet struct {
	nodeID   string
	bindAddr string
	dataDir  string
	interval time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	fsm       *chainFSM
	runtime *runtime.Runtime
	store   storage.Store
	nodes   *forest.BoltNodeStore

	mu        sync.Mutex
	pool      map[poolKey]*poolEntry
	watchers  map[types.Hash][]chan TxStatus
	statuses  map[types.Hash][]TxStatus
	broker    *notificationBroker
	finalized BlockFinalized

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

type poolKey struct {
	signer types.AccountID
	nonce  uint64
}

type poolEntry struct {
	ext  *types.Extrinsic
	hash types.Hash
}

// Config holds configuration for creating a Devnet
type Config struct {
	NodeID        string
	BindAddr      string
	DataDir       string
	BlockInterval time.Duration
	Params        *types.Params
	Genesis       []runtime.GenesisAccount
}

// NewDevnet creates the embedded chain, initialising genesis state on first
// run and replaying the raft log on restart.
func NewDevnet(cfg *Config) (*Devnet, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime store: %w", err)
	}
	if _, err := store.Params(); err != nil {
		// First run: write genesis.
		if err := runtime.InitGenesis(store, cfg.Params, cfg.Genesis); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to init genesis: %w", err)
		}
	}

	nodes, err := forest.NewBoltNodeStore(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	rt, err := runtime.New(store, nodes)
	if err != nil {
		store.Close()
		nodes.Close()
		return nil, err
	}
	fsm, err := newChainFSM(cfg.DataDir, rt)
	if err != nil {
		store.Close()
		nodes.Close()
		return nil, err
	}

	d := &Devnet{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		interval: cfg.BlockInterval,
		fsm:      fsm,
		runtime:  rt,
		store:    store,
		nodes:    nodes,
		pool:     make(map[poolKey]*poolEntry),
		watchers: make(map[types.Hash][]chan TxStatus),
		statuses: make(map[types.Hash][]TxStatus),
		broker:   newNotificationBroker(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("devnet"),
	}
	if err := d.setupRaft(); err != nil {
		fsm.Close()
		store.Close()
		nodes.Close()
		return nil, err
	}
	return d, nil
}

func (d *Devnet) setupRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(d.nodeID)
	config.LogOutput = os.Stderr
	// The devnet keeps the full log; snapshots stay effectively disabled.
	config.SnapshotThreshold = 1 << 30

	addr := d.bindAddr
	transport, err := raft.NewTCPTransport(addr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(d.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(d.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(d.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, d.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	d.raft = r
	d.transport = transport

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return err
	}
	if !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			}},
		}
		if err := d.raft.BootstrapCluster(configuration).Error(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}
	return nil
}

// Start begins block production once leadership settles.
func (d *Devnet) Start() {
	go d.produceLoop()
}

// WaitReady blocks until the single-node cluster has elected itself leader.
func (d *Devnet) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.raft.State() == raft.Leader {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("devnet did not become leader within %s", timeout)
}

// Stop halts block production and closes the stores.
func (d *Devnet) Stop() error {
	close(d.stopCh)
	<-d.doneCh
	d.broker.closeAll()
	if err := d.raft.Shutdown().Error(); err != nil {
		d.logger.Error().Err(err).Msg("Raft shutdown failed")
	}
	if err := d.transport.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Raft transport close failed")
	}
	d.fsm.Close()
	d.nodes.Close()
	return d.store.Close()
}

// Runtime exposes the embedded runtime for local state queries.
func (d *Devnet) Runtime() *runtime.Runtime {
	return d.runtime
}

func (d *Devnet) produceLoop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info().Str("bind_addr", d.bindAddr).Msg("Devnet block production started")
	for {
		select {
		case <-ticker.C:
			if d.raft.State() != raft.Leader {
				continue
			}
			if err := d.produceBlock(); err != nil {
				d.logger.Error().Err(err).Msg("Block production failed")
			}
		case <-d.stopCh:
			d.logger.Info().Msg("Devnet block production stopped")
			return
		}
	}
}

// collectReady pops the extrinsics eligible for the next block: per-signer
// consecutive nonces starting at the account's expected nonce, ordered by
// tip descending across signers.
func (d *Devnet) collectReady() []types.Extrinsic {
	d.mu.Lock()
	defer d.mu.Unlock()

	bySigner := make(map[types.AccountID][]*poolEntry)
	for _, e := range d.pool {
		bySigner[e.ext.Signer] = append(bySigner[e.ext.Signer], e)
	}

	var ready []*poolEntry
	for signer, entries := range bySigner {
		sort.Slice(entries, func(i, j int) bool { return entries[i].ext.Nonce < entries[j].ext.Nonce })
		next := d.fsm.accountNonce(signer)
		for _, e := range entries {
			if e.ext.Nonce != next {
				break
			}
			ready = append(ready, e)
			next++
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].ext.Tip != ready[j].ext.Tip {
			return ready[i].ext.Tip > ready[j].ext.Tip
		}
		if ready[i].ext.Signer != ready[j].ext.Signer {
			return string(ready[i].ext.Signer[:]) < string(ready[j].ext.Signer[:])
		}
		return ready[i].ext.Nonce < ready[j].ext.Nonce
	})
	if len(ready) > maxExtrinsicsPerBlock {
		ready = ready[:maxExtrinsicsPerBlock]
	}

	out := make([]types.Extrinsic, len(ready))
	for i, e := range ready {
		out[i] = *e.ext
		delete(d.pool, poolKey{signer: e.ext.Signer, nonce: e.ext.Nonce})
	}
	return out
}

func (d *Devnet) produceBlock() error {
	exts := d.collectReady()

	cmd := blockCommand{Extrinsics: exts}
	data, err := json.Marshal(&cmd)
	if err != nil {
		return err
	}
	future := d.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	block, ok := future.Response().(*Block)
	if !ok {
		return fmt.Errorf("unexpected FSM response %T", future.Response())
	}

	// Status notifications for this block's extrinsics.
	for i := range block.Extrinsics {
		hash := block.Extrinsics[i].Hash()
		status := TxStatus{Kind: TxInBlock, BlockHash: &block.Hash}
		if i < len(block.Results) {
			status.Reason = block.Results[i]
		}
		d.notifyTx(hash, status)
	}

	d.broker.publishImported(BlockImported{
		Hash:   block.Hash,
		Header: block.Header,
		Events: block.Events,
		Best:   true,
	})

	// Single-node finality: the parent of the produced block is final.
	if block.Header.Height > 1 {
		parent := d.fsm.blockAt(block.Header.Height - 1)
		if parent != nil {
			fin := BlockFinalized{Hash: parent.Hash, Tick: parent.Header.Tick}
			d.mu.Lock()
			d.finalized = fin
			d.mu.Unlock()
			d.broker.publishFinalized(fin)
			for i := range parent.Extrinsics {
				d.notifyTx(parent.Extrinsics[i].Hash(), TxStatus{Kind: TxFinalized, BlockHash: &parent.Hash})
			}
		}
	}
	return nil
}

func (d *Devnet) notifyTx(hash types.Hash, status TxStatus) {
	d.mu.Lock()
	d.statuses[hash] = append(d.statuses[hash], status)
	watchers := append([]chan TxStatus(nil), d.watchers[hash]...)
	d.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- status:
		default:
		}
	}
}

// SubmitExtrinsic validates the nonce, handles same-nonce replacement by
// tip, and enqueues the extrinsic for the next block.
func (d *Devnet) SubmitExtrinsic(_ context.Context, ext *types.Extrinsic) (types.Hash, error) {
	hash := ext.Hash()
	expected := d.fsm.accountNonce(ext.Signer)
	if ext.Nonce < expected {
		return types.Hash{}, types.ErrNonceOutdated
	}

	d.mu.Lock()
	key := poolKey{signer: ext.Signer, nonce: ext.Nonce}
	if old, ok := d.pool[key]; ok {
		if ext.Tip <= old.ext.Tip {
			d.mu.Unlock()
			return types.Hash{}, types.ErrTxUsurped
		}
		// Higher tip replaces the in-pool transaction at the same nonce.
		oldHash := old.hash
		d.pool[key] = &poolEntry{ext: ext, hash: hash}
		d.mu.Unlock()
		d.notifyTx(oldHash, TxStatus{Kind: TxUsurped, Reason: hash.HexString()})
		d.notifyTx(hash, TxStatus{Kind: TxReady})
		d.notifyTx(hash, TxStatus{Kind: TxBroadcast})
		return hash, nil
	}
	d.pool[key] = &poolEntry{ext: ext, hash: hash}
	d.mu.Unlock()

	d.notifyTx(hash, TxStatus{Kind: TxReady})
	d.notifyTx(hash, TxStatus{Kind: TxBroadcast})
	return hash, nil
}

// PendingExtrinsics lists the pool contents.
func (d *Devnet) PendingExtrinsics(_ context.Context) ([]*types.Extrinsic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Extrinsic, 0, len(d.pool))
	for _, e := range d.pool {
		out = append(out, e.ext)
	}
	return out, nil
}

// WatchExtrinsic streams status transitions, replaying any already recorded.
func (d *Devnet) WatchExtrinsic(_ context.Context, hash types.Hash) (<-chan TxStatus, error) {
	ch := make(chan TxStatus, 16)
	d.mu.Lock()
	history := append([]TxStatus(nil), d.statuses[hash]...)
	d.watchers[hash] = append(d.watchers[hash], ch)
	d.mu.Unlock()
	for _, status := range history {
		ch <- status
	}
	return ch, nil
}

// AccountNonce returns the next expected nonce for the account.
func (d *Devnet) AccountNonce(_ context.Context, account types.AccountID) (uint64, error) {
	return d.fsm.accountNonce(account), nil
}

// BestTick returns the tick of the best (head) block.
func (d *Devnet) BestTick(_ context.Context) (types.Tick, error) {
	return d.fsm.headTick(), nil
}

// FinalizedHead returns the latest finalized block.
func (d *Devnet) FinalizedHead(_ context.Context) (BlockFinalized, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized, nil
}

// EntropyAt is the devnet randomness beacon: deterministic per tick.
func (d *Devnet) EntropyAt(_ context.Context, tick types.Tick) ([32]byte, error) {
	return devnetEntropy(tick), nil
}

func devnetEntropy(tick types.Tick) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(tick))
	return [32]byte(types.Hashed(append([]byte("devnet-entropy:"), buf[:]...)))
}

// ParamsAt reads the runtime parameter table.
func (d *Devnet) ParamsAt(_ context.Context) (*types.Params, error) {
	return d.store.Params()
}

// ProviderAt reads a provider record.
func (d *Devnet) ProviderAt(_ context.Context, id types.ProviderID) (*types.Provider, error) {
	return d.store.GetProvider(id)
}

// StorageRequestAt reads a storage request.
func (d *Devnet) StorageRequestAt(_ context.Context, key types.FileKey) (*types.StorageRequest, error) {
	return d.store.GetStorageRequest(key)
}

// BucketAt reads a bucket record.
func (d *Devnet) BucketAt(_ context.Context, id types.BucketID) (*types.Bucket, error) {
	return d.store.GetBucket(id)
}

// StreamUsersAt lists the users the provider has open payment streams with.
func (d *Devnet) StreamUsersAt(_ context.Context, provider types.ProviderID) ([]types.AccountID, error) {
	seen := make(map[types.AccountID]bool)
	var users []types.AccountID
	fixed, err := d.store.ListFixedStreamsByProvider(provider)
	if err != nil {
		return nil, err
	}
	for _, stream := range fixed {
		if !seen[stream.User] {
			seen[stream.User] = true
			users = append(users, stream.User)
		}
	}
	dynamic, err := d.store.ListDynamicStreamsByProvider(provider)
	if err != nil {
		return nil, err
	}
	for _, stream := range dynamic {
		if !seen[stream.User] {
			seen[stream.User] = true
			users = append(users, stream.User)
		}
	}
	return users, nil
}

// SeedAt reads the challenge seed recorded for a tick.
func (d *Devnet) SeedAt(_ context.Context, tick types.Tick) (types.Seed, error) {
	return d.store.GetSeed(tick)
}

// CheckpointSetIn returns the newest checkpoint set emitted in (from, to].
func (d *Devnet) CheckpointSetIn(_ context.Context, from, to types.Tick) ([]*types.CheckpointChallenge, error) {
	_, set, err := d.store.LatestCheckpointSetIn(from, to)
	return set, err
}

// SubscribeImported subscribes to best-block import notifications.
func (d *Devnet) SubscribeImported() (<-chan BlockImported, func()) {
	return d.broker.subscribeImported()
}

// SubscribeFinalized subscribes to finality notifications.
func (d *Devnet) SubscribeFinalized() (<-chan BlockFinalized, func()) {
	return d.broker.subscribeFinalized()
}

var _ Client = (*Devnet)(nil)
