package txmgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/storagehub-net/storagehub/pkg/chain"
	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = types.AccountID(types.Hashed([]byte("txmgr:test")))

// mockChain implements chain.Client with devnet-like pool semantics under
// test control.
type mockChain struct {
	mu         sync.Mutex
	nonce      uint64
	subs       []types.Extrinsic
	pool       map[uint64]types.Extrinsic // nonce → latest submission
	statuses   map[types.Hash][]chain.TxStatus
	watchers   map[types.Hash][]chan chain.TxStatus
	failSubmit error
}

func newMockChain() *mockChain {
	return &mockChain{
		pool:     make(map[uint64]types.Extrinsic),
		statuses: make(map[types.Hash][]chain.TxStatus),
		watchers: make(map[types.Hash][]chan chain.TxStatus),
	}
}

func (m *mockChain) emit(hash types.Hash, status chain.TxStatus) {
	m.mu.Lock()
	m.statuses[hash] = append(m.statuses[hash], status)
	watchers := append([]chan chain.TxStatus(nil), m.watchers[hash]...)
	m.mu.Unlock()
	for _, ch := range watchers {
		ch <- status
	}
}

func (m *mockChain) SubmitExtrinsic(_ context.Context, ext *types.Extrinsic) (types.Hash, error) {
	m.mu.Lock()
	if m.failSubmit != nil {
		err := m.failSubmit
		m.mu.Unlock()
		return types.Hash{}, err
	}
	hash := ext.Hash()
	if ext.Nonce < m.nonce {
		m.mu.Unlock()
		return types.Hash{}, types.ErrNonceOutdated
	}
	var usurpedHash *types.Hash
	if old, ok := m.pool[ext.Nonce]; ok && old.Hash() != hash {
		if ext.Tip <= old.Tip {
			m.mu.Unlock()
			return types.Hash{}, types.ErrTxUsurped
		}
		oldHash := old.Hash()
		usurpedHash = &oldHash
	}
	m.pool[ext.Nonce] = *ext
	m.subs = append(m.subs, *ext)
	m.mu.Unlock()

	if usurpedHash != nil {
		m.emit(*usurpedHash, chain.TxStatus{Kind: chain.TxUsurped, Reason: hash.HexString()})
	}
	m.emit(hash, chain.TxStatus{Kind: chain.TxReady})
	return hash, nil
}

func (m *mockChain) WatchExtrinsic(_ context.Context, hash types.Hash) (<-chan chain.TxStatus, error) {
	ch := make(chan chain.TxStatus, 32)
	m.mu.Lock()
	for _, status := range m.statuses[hash] {
		ch <- status
	}
	m.watchers[hash] = append(m.watchers[hash], ch)
	m.mu.Unlock()
	return ch, nil
}

func (m *mockChain) AccountNonce(_ context.Context, _ types.AccountID) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *mockChain) dropNonce(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pool, n)
}

func (m *mockChain) setNonce(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce = n
}

func (m *mockChain) submissions() []types.Extrinsic {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Extrinsic(nil), m.subs...)
}

// Unused chain.Client surface.
func (m *mockChain) PendingExtrinsics(context.Context) ([]*types.Extrinsic, error) { return nil, nil }
func (m *mockChain) BestTick(context.Context) (types.Tick, error)                  { return 0, nil }
func (m *mockChain) FinalizedHead(context.Context) (chain.BlockFinalized, error) {
	return chain.BlockFinalized{}, nil
}
func (m *mockChain) EntropyAt(context.Context, types.Tick) ([32]byte, error) {
	return [32]byte{}, nil
}
func (m *mockChain) ParamsAt(context.Context) (*types.Params, error) { return types.DefaultParams(), nil }
func (m *mockChain) ProviderAt(context.Context, types.ProviderID) (*types.Provider, error) {
	return nil, nil
}
func (m *mockChain) StorageRequestAt(context.Context, types.FileKey) (*types.StorageRequest, error) {
	return nil, nil
}
func (m *mockChain) SeedAt(context.Context, types.Tick) (types.Seed, error) {
	return types.Seed{}, nil
}
func (m *mockChain) BucketAt(context.Context, types.BucketID) (*types.Bucket, error) {
	return nil, nil
}
func (m *mockChain) StreamUsersAt(context.Context, types.ProviderID) ([]types.AccountID, error) {
	return nil, nil
}
func (m *mockChain) CheckpointSetIn(context.Context, types.Tick, types.Tick) ([]*types.CheckpointChallenge, error) {
	return nil, nil
}
func (m *mockChain) SubscribeImported() (<-chan chain.BlockImported, func()) {
	ch := make(chan chain.BlockImported)
	return ch, func() {}
}
func (m *mockChain) SubscribeFinalized() (<-chan chain.BlockFinalized, func()) {
	ch := make(chan chain.BlockFinalized)
	return ch, func() {}
}

var _ chain.Client = (*mockChain)(nil)

func remarkCall(t *testing.T, tag string) types.Call {
	t.Helper()
	call, err := types.NewCall(types.OpRemark, map[string]string{"tag": tag})
	require.NoError(t, err)
	return call
}

func newManager(t *testing.T, mock *mockChain, dir string, retry time.Duration) *Manager {
	t.Helper()
	m, err := New(mock, &Config{Account: testAccount, DataDir: dir, RetryTimeout: retry})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitAssignsSequentialNonces(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), time.Hour)

	for i := 0; i < 3; i++ {
		_, err := m.Submit(remarkCall(t, "a"), 0)
		require.NoError(t, err)
	}
	subs := mock.submissions()
	require.Len(t, subs, 3)
	for i, sub := range subs {
		assert.Equal(t, uint64(i), sub.Nonce)
	}
}

func TestRecordPersistedBeforeSubmit(t *testing.T) {
	dir := t.TempDir()
	mock := newMockChain()
	mock.failSubmit = types.ErrRpcDisconnected

	m, err := New(mock, &Config{Account: testAccount, DataDir: dir, RetryTimeout: time.Hour})
	require.NoError(t, err)

	_, err = m.Submit(remarkCall(t, "crashy"), 0)
	require.Error(t, err)

	// The record survived the failed submission.
	pending, err := m.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, StateSubmitted, pending[0].State)
	require.NoError(t, m.Close())

	// A restart resubmits it.
	mock.failSubmit = nil
	m2 := newManager(t, mock, dir, time.Hour)
	_ = m2
	waitFor(t, func() bool { return len(mock.submissions()) == 1 }, "restart did not resubmit")
	assert.Equal(t, uint64(0), mock.submissions()[0].Nonce)
}

func TestUsurpationOnRetryTimeout(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), 50*time.Millisecond)

	hash, err := m.Submit(remarkCall(t, "stuck"), 1)
	require.NoError(t, err)

	// The manager re-tips after the timeout: same nonce, doubled tip, new
	// hash; the chain reports Usurped for the old hash.
	waitFor(t, func() bool { return len(mock.submissions()) >= 2 }, "no re-tip submission")
	subs := mock.submissions()
	assert.Equal(t, subs[0].Nonce, subs[1].Nonce, "nonce must not change on re-tip")
	assert.Equal(t, types.Balance(2), subs[1].Tip)
	assert.NotEqual(t, hash, subs[1].Hash())

	mock.mu.Lock()
	oldStatuses := mock.statuses[hash]
	mock.mu.Unlock()
	var usurped bool
	for _, status := range oldStatuses {
		if status.Kind == chain.TxUsurped {
			usurped = true
		}
	}
	assert.True(t, usurped, "old hash must log Usurped")
}

func TestTipEscalationCeiling(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), 20*time.Millisecond)

	_, err := m.Submit(remarkCall(t, "doomed"), 1)
	require.NoError(t, err)

	// Eventually the escalation ceiling surfaces a fatal result.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-m.Results():
			if res.Record.State == StateFatal {
				assert.GreaterOrEqual(t, res.Record.Retips, maxRetips)
				return
			}
		case <-deadline:
			t.Fatal("no fatal result after escalation ceiling")
		}
	}
}

func TestNonceGapFill(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), time.Hour)

	h0, err := m.Submit(remarkCall(t, "volunteer"), 0)
	require.NoError(t, err)
	_, err = m.Submit(remarkCall(t, "submit-proof"), 0)
	require.NoError(t, err)

	// Nonce 0 is dropped by the pool; the later tx must be reassigned onto
	// the vacated nonce.
	mock.dropNonce(0)
	mock.emit(h0, chain.TxStatus{Kind: chain.TxDropped, Reason: "dropped by pool"})

	waitFor(t, func() bool {
		for _, sub := range mock.submissions() {
			var payload map[string]string
			if sub.Nonce == 0 && sub.Call.Op == types.OpRemark {
				if err := decodeTag(sub, &payload); err == nil && payload["tag"] == "submit-proof" {
					return true
				}
			}
		}
		return false
	}, "later tx did not reuse the vacated nonce")

	// The manager's next outbound tx continues from the compacted sequence.
	_, err = m.Submit(remarkCall(t, "next"), 0)
	require.NoError(t, err)
	subs := mock.submissions()
	last := subs[len(subs)-1]
	assert.Equal(t, uint64(1), last.Nonce)
}

func decodeTag(ext types.Extrinsic, into *map[string]string) error {
	return json.Unmarshal(ext.Call.Data, into)
}

func TestFinalizedCleanup(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), time.Hour)

	hash, err := m.Submit(remarkCall(t, "done"), 0)
	require.NoError(t, err)

	blockHash := types.Hashed([]byte("block-1"))
	mock.emit(hash, chain.TxStatus{Kind: chain.TxInBlock, BlockHash: &blockHash})
	mock.setNonce(1)
	mock.emit(hash, chain.TxStatus{Kind: chain.TxFinalized, BlockHash: &blockHash})

	waitFor(t, func() bool {
		pending, err := m.Pending()
		return err == nil && len(pending) == 0
	}, "finalized record was not cleared")

	rec, err := m.store.get(testAccount, 0)
	require.NoError(t, err)
	assert.Nil(t, rec, "cleanup must delete the record once a higher nonce is final")
}

func TestRetractedResubmits(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), time.Hour)

	hash, err := m.Submit(remarkCall(t, "reorged"), 0)
	require.NoError(t, err)

	blockHash := types.Hashed([]byte("block-a"))
	mock.emit(hash, chain.TxStatus{Kind: chain.TxInBlock, BlockHash: &blockHash})
	mock.emit(hash, chain.TxStatus{Kind: chain.TxRetracted})

	waitFor(t, func() bool { return len(mock.submissions()) >= 2 }, "retracted tx not resubmitted")
	subs := mock.submissions()
	assert.Equal(t, subs[0].Hash(), subs[1].Hash(), "retraction resubmits the identical extrinsic")
}

func TestDispatchErrorSurfaces(t *testing.T) {
	mock := newMockChain()
	m := newManager(t, mock, t.TempDir(), time.Hour)

	hash, err := m.Submit(remarkCall(t, "failing"), 0)
	require.NoError(t, err)

	blockHash := types.Hashed([]byte("block-e"))
	mock.emit(hash, chain.TxStatus{
		Kind:      chain.TxInBlock,
		BlockHash: &blockHash,
		Reason:    types.ErrForestProofVerificationFailed.Error(),
	})

	select {
	case res := <-m.Results():
		assert.Equal(t, StateInBlock, res.Record.State)
		assert.Equal(t, types.ErrForestProofVerificationFailed.Error(), res.DispatchError)
	case <-time.After(5 * time.Second):
		t.Fatal("no in-block result delivered")
	}
}
