package chain

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

var devUser = types.AccountID(types.Hashed([]byte("devnet:user")))

func startDevnet(t *testing.T, dataDir string) *Devnet {
	t.Helper()
	d, err := NewDevnet(&Config{
		NodeID:        "devnet-test",
		BindAddr:      freeAddr(t),
		DataDir:       dataDir,
		BlockInterval: 100 * time.Millisecond,
		Genesis:       []runtime.GenesisAccount{{ID: devUser, Free: 1_000_000}},
	})
	require.NoError(t, err)
	require.NoError(t, d.WaitReady(10*time.Second))
	d.Start()
	return d
}

func remarkExt(t *testing.T, nonce uint64, tip types.Balance) *types.Extrinsic {
	t.Helper()
	call, err := types.NewCall(types.OpRemark, &runtime.RemarkCall{Data: []byte(fmt.Sprintf("n%d", nonce))})
	require.NoError(t, err)
	return &types.Extrinsic{Signer: devUser, Nonce: nonce, Tip: tip, Call: call}
}

func waitStatus(t *testing.T, ch <-chan TxStatus, want TxStatusKind, timeout time.Duration) TxStatus {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case status := <-ch:
			if status.Kind == want {
				return status
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestDevnetProducesAndFinalizesBlocks(t *testing.T) {
	d := startDevnet(t, t.TempDir())
	defer d.Stop()

	ctx := context.Background()
	finCh, cancel := d.SubscribeFinalized()
	defer cancel()

	hash, err := d.SubmitExtrinsic(ctx, remarkExt(t, 0, 0))
	require.NoError(t, err)

	statusCh, err := d.WatchExtrinsic(ctx, hash)
	require.NoError(t, err)

	waitStatus(t, statusCh, TxReady, 5*time.Second)
	inBlock := waitStatus(t, statusCh, TxInBlock, 5*time.Second)
	require.NotNil(t, inBlock.BlockHash)
	assert.Empty(t, inBlock.Reason, "remark must dispatch cleanly")
	waitStatus(t, statusCh, TxFinalized, 5*time.Second)

	select {
	case fin := <-finCh:
		assert.NotZero(t, fin.Tick)
	case <-time.After(5 * time.Second):
		t.Fatal("no finality notification")
	}

	tick, err := d.BestTick(ctx)
	require.NoError(t, err)
	assert.NotZero(t, tick)

	// The seed for every produced tick is recorded.
	_, err = d.SeedAt(ctx, 1)
	assert.NoError(t, err)
}

func TestDevnetNonceSequencing(t *testing.T) {
	d := startDevnet(t, t.TempDir())
	defer d.Stop()
	ctx := context.Background()

	// An outdated nonce is rejected once nonce 0 is consumed.
	h0, err := d.SubmitExtrinsic(ctx, remarkExt(t, 0, 0))
	require.NoError(t, err)
	ch0, err := d.WatchExtrinsic(ctx, h0)
	require.NoError(t, err)
	waitStatus(t, ch0, TxInBlock, 5*time.Second)

	_, err = d.SubmitExtrinsic(ctx, remarkExt(t, 0, 0))
	assert.ErrorIs(t, err, types.ErrNonceOutdated)

	// A gapped nonce parks in the pool and is not included until the gap
	// fills.
	h3, err := d.SubmitExtrinsic(ctx, remarkExt(t, 3, 0))
	require.NoError(t, err)
	ch3, err := d.WatchExtrinsic(ctx, h3)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	nonce, err := d.AccountNonce(ctx, devUser)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce, "gapped tx must not be included")

	for n := uint64(1); n <= 2; n++ {
		_, err := d.SubmitExtrinsic(ctx, remarkExt(t, n, 0))
		require.NoError(t, err)
	}
	waitStatus(t, ch3, TxInBlock, 5*time.Second)
}

func TestDevnetUsurpation(t *testing.T) {
	// Stop block production from racing the replacement by using a long
	// interval.
	d, err := NewDevnet(&Config{
		NodeID:        "devnet-usurp",
		BindAddr:      freeAddr(t),
		DataDir:       t.TempDir(),
		BlockInterval: time.Hour,
		Genesis:       []runtime.GenesisAccount{{ID: devUser, Free: 1_000_000}},
	})
	require.NoError(t, err)
	require.NoError(t, d.WaitReady(10*time.Second))
	d.Start()
	defer d.Stop()
	ctx := context.Background()

	oldHash, err := d.SubmitExtrinsic(ctx, remarkExt(t, 0, 1))
	require.NoError(t, err)
	oldCh, err := d.WatchExtrinsic(ctx, oldHash)
	require.NoError(t, err)

	// Same nonce, tip not higher: rejected.
	_, err = d.SubmitExtrinsic(ctx, remarkExt(t, 0, 1))
	assert.ErrorIs(t, err, types.ErrTxUsurped)

	// Same nonce, higher tip: replaces and usurps the old hash.
	newHash, err := d.SubmitExtrinsic(ctx, remarkExt(t, 0, 10))
	require.NoError(t, err)
	assert.NotEqual(t, oldHash, newHash)

	status := waitStatus(t, oldCh, TxUsurped, 5*time.Second)
	assert.Equal(t, newHash.HexString(), status.Reason)

	pending, err := d.PendingExtrinsics(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.Balance(10), pending[0].Tip)
}

func TestDevnetRestartKeepsHead(t *testing.T) {
	dir := t.TempDir()
	addr := freeAddr(t)

	d, err := NewDevnet(&Config{
		NodeID:        "devnet-restart",
		BindAddr:      addr,
		DataDir:       dir,
		BlockInterval: 100 * time.Millisecond,
		Genesis:       []runtime.GenesisAccount{{ID: devUser, Free: 1_000_000}},
	})
	require.NoError(t, err)
	require.NoError(t, d.WaitReady(10*time.Second))
	d.Start()

	ctx := context.Background()
	hash, err := d.SubmitExtrinsic(ctx, remarkExt(t, 0, 0))
	require.NoError(t, err)
	ch, err := d.WatchExtrinsic(ctx, hash)
	require.NoError(t, err)
	waitStatus(t, ch, TxInBlock, 5*time.Second)

	tickBefore, err := d.BestTick(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Stop())

	// Restart on the same data dir: replay must not re-execute absorbed
	// blocks, and the head must be intact.
	d2, err := NewDevnet(&Config{
		NodeID:        "devnet-restart",
		BindAddr:      addr,
		DataDir:       dir,
		BlockInterval: time.Hour,
		Genesis:       []runtime.GenesisAccount{{ID: devUser, Free: 1_000_000}},
	})
	require.NoError(t, err)
	defer d2.Stop()
	require.NoError(t, d2.WaitReady(10*time.Second))
	d2.Start()

	tickAfter, err := d2.BestTick(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(tickAfter), uint64(tickBefore))

	nonce, err := d2.AccountNonce(ctx, devUser)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce, "consumed nonce survives restart")
}
