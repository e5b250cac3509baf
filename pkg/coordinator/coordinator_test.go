package coordinator

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/storagehub-net/storagehub/pkg/chain"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/filestore"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/txmgr"
	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	coordAccount  = types.AccountID(types.Hashed([]byte("coord:account")))
	coordProvider = types.ProviderID(types.Hashed([]byte("coord:provider")))
	fileOwner     = types.AccountID(types.Hashed([]byte("coord:owner")))
	testBucket    = types.BucketID(types.Hashed([]byte("coord:bucket")))
)

// scriptedChain is a chain.Client whose state the test sets directly.
type scriptedChain struct {
	mu       sync.Mutex
	provider *types.Provider
	requests map[types.FileKey]*types.StorageRequest
	seeds    map[types.Tick]types.Seed
	params   *types.Params
	users    []types.AccountID
	subs     []types.Extrinsic
	nonce    uint64
}

func newScriptedChain() *scriptedChain {
	return &scriptedChain{
		requests: make(map[types.FileKey]*types.StorageRequest),
		seeds:    make(map[types.Tick]types.Seed),
		params:   types.DefaultParams(),
	}
}

func (s *scriptedChain) setProviderRoot(root types.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		s.provider = &types.Provider{ID: coordProvider, Kind: types.ProviderBSP, Account: coordAccount, Capacity: 1 << 30}
	}
	s.provider.Root = root
}

func (s *scriptedChain) submissions() []types.Extrinsic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Extrinsic(nil), s.subs...)
}

func (s *scriptedChain) SubmitExtrinsic(_ context.Context, ext *types.Extrinsic) (types.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, *ext)
	s.nonce = ext.Nonce + 1
	return ext.Hash(), nil
}

func (s *scriptedChain) PendingExtrinsics(context.Context) ([]*types.Extrinsic, error) { return nil, nil }

func (s *scriptedChain) WatchExtrinsic(context.Context, types.Hash) (<-chan chain.TxStatus, error) {
	return make(chan chain.TxStatus, 1), nil
}

func (s *scriptedChain) AccountNonce(context.Context, types.AccountID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce, nil
}

func (s *scriptedChain) BestTick(context.Context) (types.Tick, error) { return 0, nil }
func (s *scriptedChain) FinalizedHead(context.Context) (chain.BlockFinalized, error) {
	return chain.BlockFinalized{}, nil
}
func (s *scriptedChain) EntropyAt(context.Context, types.Tick) ([32]byte, error) {
	return [32]byte{}, nil
}
func (s *scriptedChain) ParamsAt(context.Context) (*types.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params, nil
}
func (s *scriptedChain) ProviderAt(context.Context, types.ProviderID) (*types.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider == nil {
		return nil, nil
	}
	cp := *s.provider
	return &cp, nil
}
func (s *scriptedChain) StorageRequestAt(_ context.Context, key types.FileKey) (*types.StorageRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key], nil
}
func (s *scriptedChain) BucketAt(context.Context, types.BucketID) (*types.Bucket, error) {
	return nil, nil
}
func (s *scriptedChain) StreamUsersAt(context.Context, types.ProviderID) ([]types.AccountID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users, nil
}
func (s *scriptedChain) SeedAt(_ context.Context, tick types.Tick) (types.Seed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seed, ok := s.seeds[tick]
	if !ok {
		return types.Seed{}, types.ErrRpcDisconnected
	}
	return seed, nil
}
func (s *scriptedChain) CheckpointSetIn(context.Context, types.Tick, types.Tick) ([]*types.CheckpointChallenge, error) {
	return nil, nil
}
func (s *scriptedChain) SubscribeImported() (<-chan chain.BlockImported, func()) {
	return make(chan chain.BlockImported), func() {}
}
func (s *scriptedChain) SubscribeFinalized() (<-chan chain.BlockFinalized, func()) {
	return make(chan chain.BlockFinalized), func() {}
}

var _ chain.Client = (*scriptedChain)(nil)

type fixture struct {
	t     *testing.T
	chain *scriptedChain
	coord *Coordinator
	files *filestore.Store
	txs   *txmgr.Manager
}

func newFixture(t *testing.T, role types.ProviderKind) *fixture {
	t.Helper()
	dir := t.TempDir()
	sc := newScriptedChain()
	sc.setProviderRoot(forest.EmptyRoot)

	files, err := filestore.New(dir)
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	nodes, err := forest.NewBoltNodeStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { nodes.Close() })

	txs, err := txmgr.New(sc, &txmgr.Config{Account: coordAccount, DataDir: dir, RetryTimeout: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { txs.Close() })

	coord, err := New(&Config{
		Role:           role,
		ProviderID:     coordProvider,
		Account:        coordAccount,
		DataDir:        dir,
		PeerID:         "coord-peer",
		ChargingPeriod: 10,
	}, sc, txs, files, nodes, nil)
	require.NoError(t, err)

	return &fixture{t: t, chain: sc, coord: coord, files: files, txs: txs}
}

// storeFile writes a complete file into the local store and returns its
// metadata and chunk trie.
func (f *fixture) storeFile(name string, size int) (*types.FileMetadata, []byte) {
	f.t.Helper()
	rng := rand.New(rand.NewSource(int64(len(name) + size)))
	data := make([]byte, size)
	rng.Read(data)
	fp, err := chunker.FingerprintOf(bytes.NewReader(data), uint64(size))
	require.NoError(f.t, err)
	meta := &types.FileMetadata{
		Owner:       fileOwner,
		Bucket:      testBucket,
		Location:    []byte(name),
		Size:        uint64(size),
		Fingerprint: fp,
	}
	require.NoError(f.t, f.files.PutFile(meta))
	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(f.t, err)
	for _, c := range chunks {
		require.NoError(f.t, f.files.InsertChunk(meta.Key(), c.Index, c.Data))
	}
	return meta, data
}

func blockAt(height uint64, parent types.Hash, events []types.Event, best bool) chain.BlockImported {
	header := chain.Header{Height: height, Tick: types.Tick(height), Parent: parent}
	return chain.BlockImported{
		Hash:   chain.HeaderHash(header),
		Header: header,
		Events: events,
		Best:   best,
	}
}

func confirmedEvent(key types.FileKey) types.Event {
	provider := coordProvider
	k := key
	return types.Event{Kind: types.EventBspConfirmed, Provider: &provider, FileKey: &k}
}

func deletedEvent(key types.FileKey) types.Event {
	provider := coordProvider
	k := key
	return types.Event{Kind: types.EventFilesDeleted, Provider: &provider, FileKey: &k}
}

func TestBestBlockDrivesLocalForest(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("a.bin", 2048)

	b1 := blockAt(1, types.Hash{}, []types.Event{confirmedEvent(meta.Key())}, true)
	f.chain.setProviderRoot(rootAfterInsert(t, f.coord, meta))
	f.coord.HandleImported(b1)

	ok, err := f.coord.Forest().Contains(meta.Key())
	require.NoError(t, err)
	assert.True(t, ok)

	// The block's snapshot serves consistent reads at that root.
	snap, found := f.coord.SnapshotAt(b1.Hash)
	require.True(t, found)
	ok, err = snap.Contains(meta.Key())
	require.NoError(t, err)
	assert.True(t, ok)
}

// rootAfterInsert precomputes the root the chain would hold after the
// provider stores the file.
func rootAfterInsert(t *testing.T, c *Coordinator, meta *types.FileMetadata) types.Root {
	t.Helper()
	scratch := forest.NewAt(c.nodes, c.forest.Root())
	require.NoError(t, scratch.Insert(meta.Key(), meta.MetadataHash()))
	return scratch.Root()
}

func TestNonBestBlockDoesNotMutateForest(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("a.bin", 2048)

	side := blockAt(1, types.Hash{}, []types.Event{confirmedEvent(meta.Key())}, false)
	f.coord.HandleImported(side)

	ok, err := f.coord.Forest().Contains(meta.Key())
	require.NoError(t, err)
	assert.False(t, ok, "non-best import must not touch the forest")
	assert.Equal(t, forest.EmptyRoot, f.coord.Forest().Root())
}

func TestReorgRewindsForest(t *testing.T) {
	// Invariant: a mutation induced by a reorged-out block is absent from
	// the forest under the new head.
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("a.bin", 2048)

	a := blockAt(1, types.Hash{}, nil, true)
	f.coord.HandleImported(a)
	rootAfterA := f.coord.Forest().Root()

	b := blockAt(2, a.Hash, []types.Event{confirmedEvent(meta.Key())}, true)
	f.chain.setProviderRoot(rootAfterInsert(t, f.coord, meta))
	f.coord.HandleImported(b)

	ok, err := f.coord.Forest().Contains(meta.Key())
	require.NoError(t, err)
	require.True(t, ok)

	// A competing block at the same height becomes best: B is reorged out
	// and its insert must vanish.
	f.chain.setProviderRoot(forest.EmptyRoot)
	cHeader := chain.Header{Height: 2, Tick: 3, Parent: a.Hash}
	cBlock := chain.BlockImported{Hash: chain.HeaderHash(cHeader), Header: cHeader, Best: true}
	f.coord.HandleImported(cBlock)

	ok, err = f.coord.Forest().Contains(meta.Key())
	require.NoError(t, err)
	assert.False(t, ok, "reorged-out mutation must be rewound")
	assert.Equal(t, rootAfterA, f.coord.Forest().Root())
}

func TestParkedBlockAppliesWhenPromoted(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("a.bin", 2048)

	a := blockAt(1, types.Hash{}, nil, true)
	f.coord.HandleImported(a)

	// B arrives off-best and parks; C on top of B promotes the branch.
	b := blockAt(2, a.Hash, []types.Event{confirmedEvent(meta.Key())}, false)
	f.coord.HandleImported(b)
	ok, err := f.coord.Forest().Contains(meta.Key())
	require.NoError(t, err)
	require.False(t, ok)

	f.chain.setProviderRoot(rootAfterInsert(t, f.coord, meta))
	c := blockAt(3, b.Hash, nil, true)
	f.coord.HandleImported(c)

	ok, err = f.coord.Forest().Contains(meta.Key())
	require.NoError(t, err)
	assert.True(t, ok, "parked block effects apply when the branch becomes best")
}

func TestConfirmRetryAfterConcurrentDelete(t *testing.T) {
	// The proof-retry scenario end to end at the client: a confirm built
	// against the pre-delete root fails, the mirror catches up, and the
	// rebuilt confirm verifies against the new root.
	f := newFixture(t, types.ProviderBSP)
	metaA, _ := f.storeFile("a.bin", 2048)
	metaB, _ := f.storeFile("b.bin", 4096)

	issuedAt := types.Tick(1)
	seed := types.Seed(types.Hashed([]byte("seed-1")))
	f.chain.seeds[issuedAt] = seed
	f.chain.requests[metaB.Key()] = &types.StorageRequest{
		FileKey: metaB.Key(), Bucket: testBucket, Location: metaB.Location,
		Size: metaB.Size, Fingerprint: metaB.Fingerprint, Owner: fileOwner,
		BspsRequired: 1, IssuedAt: issuedAt, ExpiresAt: 100,
	}

	// Block 1: file A is already confirmed as ours.
	a := blockAt(1, types.Hash{}, []types.Event{confirmedEvent(metaA.Key())}, true)
	f.chain.setProviderRoot(rootAfterInsert(t, f.coord, metaA))
	f.coord.HandleImported(a)
	rootWithA := f.coord.Forest().Root()

	// B's transfer finishes: a confirm is built against the root holding A.
	f.coord.handleTransferDone(transferResult{fileKey: metaB.Key()})
	subs := f.chain.submissions()
	require.Len(t, subs, 1)
	require.Equal(t, types.OpBspConfirmStoring, subs[0].Call.Op)

	var staleCall runtime.BspConfirmCall
	require.NoError(t, jsonDecode(subs[0].Call.Data, &staleCall))
	require.NoError(t, forest.Verify(rootWithA, []types.FileKey{metaB.Key()}, staleCall.ForestProof),
		"stale proof verifies against the old root")

	// Block 2: A is deleted on-chain before B's confirm lands.
	b := blockAt(2, a.Hash, []types.Event{deletedEvent(metaA.Key())}, true)
	f.chain.setProviderRoot(forest.EmptyRoot)
	f.coord.HandleImported(b)
	require.Equal(t, forest.EmptyRoot, f.coord.Forest().Root())

	// The stale proof no longer verifies on-chain.
	require.Error(t, forest.Verify(forest.EmptyRoot, []types.FileKey{metaB.Key()}, staleCall.ForestProof))

	// The dispatch failure comes back; the coordinator queues a rebuild.
	f.coord.handleTxResult(txmgr.Result{
		Record: txmgr.Record{
			State:     txmgr.StateInBlock,
			Extrinsic: subs[0],
		},
		DispatchError: types.ErrForestProofVerificationFailed.Error(),
	})

	// Next block: the mirror matches the chain root, so the confirm is
	// rebuilt against it.
	c := blockAt(3, b.Hash, nil, true)
	f.coord.HandleImported(c)

	subs = f.chain.submissions()
	require.Len(t, subs, 2, "rebuilt confirm must be submitted")
	var rebuilt runtime.BspConfirmCall
	require.NoError(t, jsonDecode(subs[1].Call.Data, &rebuilt))
	assert.NoError(t, forest.Verify(forest.EmptyRoot, []types.FileKey{metaB.Key()}, rebuilt.ForestProof),
		"rebuilt proof verifies against the moved root")
	assert.NotEqual(t, staleCall.NewRoot, rebuilt.NewRoot)
}

func TestConfirmRetryCap(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("b.bin", 2048)
	seed := types.Seed(types.Hashed([]byte("seed-2")))
	f.chain.seeds[1] = seed
	f.chain.requests[meta.Key()] = &types.StorageRequest{
		FileKey: meta.Key(), Bucket: testBucket, Location: meta.Location,
		Size: meta.Size, Fingerprint: meta.Fingerprint, Owner: fileOwner,
		BspsRequired: 1, IssuedAt: 1, ExpiresAt: 100,
	}

	f.coord.handleTransferDone(transferResult{fileKey: meta.Key()})
	require.Len(t, f.chain.submissions(), 1)

	for i := 0; i < f.coord.cfg.MaxProofRetries+1; i++ {
		subs := f.chain.submissions()
		f.coord.handleTxResult(txmgr.Result{
			Record:        txmgr.Record{State: txmgr.StateInBlock, Extrinsic: subs[len(subs)-1]},
			DispatchError: types.ErrForestProofVerificationFailed.Error(),
		})
		f.coord.processConfirmQueue()
	}

	assert.Empty(t, f.coord.confirmQueue, "job must be abandoned past the retry cap")
}

func TestRecoverySkippedWithoutIndexer(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("a.bin", 2048)

	// The forest claims a file whose chunks are gone.
	require.NoError(t, f.coord.forest.Insert(meta.Key(), meta.MetadataHash()))
	require.NoError(t, f.files.DeleteFile(meta.Key()))

	report := f.coord.RunRecovery(context.Background())
	assert.True(t, report.Skipped, "recovery without an indexer must be skipped, not retried")
	assert.Zero(t, report.Recovered)
}

func TestRecoveryCleanStore(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	meta, _ := f.storeFile("a.bin", 2048)
	require.NoError(t, f.coord.forest.Insert(meta.Key(), meta.MetadataHash()))

	report := f.coord.RunRecovery(context.Background())
	assert.False(t, report.Skipped)
	assert.Zero(t, report.Total, "complete store needs no recovery")
}

func TestChargingDeferredToFinalizedTicks(t *testing.T) {
	f := newFixture(t, types.ProviderBSP)
	f.chain.mu.Lock()
	f.chain.users = []types.AccountID{fileOwner}
	f.chain.mu.Unlock()

	f.coord.HandleFinalized(chain.BlockFinalized{Tick: 10})
	require.Len(t, f.chain.submissions(), 1)
	assert.Equal(t, types.OpChargePaymentStreams, f.chain.submissions()[0].Call.Op)

	// Within the charging period no further charge goes out.
	f.coord.HandleFinalized(chain.BlockFinalized{Tick: 15})
	assert.Len(t, f.chain.submissions(), 1)

	f.coord.HandleFinalized(chain.BlockFinalized{Tick: 20})
	assert.Len(t, f.chain.submissions(), 2)
}
