package txmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/storagehub-net/storagehub/pkg/chain"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/types"
)

const (
	// maxRetips bounds tip escalation; past it the transaction surfaces as
	// fatal.
	maxRetips = 5
	// retipMultiplier doubles the tip on every escalation.
	retipMultiplier = 2
)

// Result is delivered to the owner whenever a watched transaction reaches a
// state the coordinator reacts to.
type Result struct {
	Record        Record
	DispatchError string
}

// Manager submits and tracks this provider's extrinsics with durable
// per-(account, nonce) state. Submissions happen in nonce order; a crash
// between build and submit cannot lose a transaction because the record is
// persisted first.
type Manager struct {
	chainClient  chain.Client
	account      types.AccountID
	store        *txStore
	retryTimeout time.Duration

	mu        sync.Mutex
	nextNonce uint64
	watching  map[types.Hash]bool

	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	Account      types.AccountID
	DataDir      string
	RetryTimeout time.Duration
}

// New opens the durable store, reconciles the next nonce with the chain,
// and resumes watching any transaction recorded before a restart.
func New(chainClient chain.Client, cfg *Config) (*Manager, error) {
	store, err := newTxStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		chainClient:  chainClient,
		account:      cfg.Account,
		store:        store,
		retryTimeout: cfg.RetryTimeout,
		watching:     make(map[types.Hash]bool),
		results:      make(chan Result, 64),
		ctx:          ctx,
		cancel:       cancel,
		logger:       log.WithComponent("txmgr"),
	}

	chainNonce, err := chainClient.AccountNonce(ctx, cfg.Account)
	if err != nil {
		store.Close()
		cancel()
		return nil, fmt.Errorf("query account nonce: %w", err)
	}
	m.nextNonce = chainNonce

	records, err := store.list(cfg.Account)
	if err != nil {
		store.Close()
		cancel()
		return nil, err
	}
	for _, rec := range records {
		if rec.Nonce >= m.nextNonce {
			m.nextNonce = rec.Nonce + 1
		}
		if rec.terminal() {
			continue
		}
		// A record persisted as Submitted may never have reached the node;
		// resubmission is idempotent on the devnet pool and a no-op when
		// the node already has it.
		if rec.State == StateSubmitted {
			if _, err := chainClient.SubmitExtrinsic(ctx, &rec.Extrinsic); err != nil && !errors.Is(err, types.ErrTxUsurped) {
				m.logger.Warn().Err(err).Uint64("nonce", rec.Nonce).Msg("Resubmission after restart failed")
			}
		}
		m.watch(rec)
	}
	return m, nil
}

// Results delivers in-block and terminal outcomes to the owner.
func (m *Manager) Results() <-chan Result {
	return m.results
}

// Close stops all watchers and closes the store.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return m.store.Close()
}

// Submit assigns the next nonce, durably records the transaction, then
// submits and watches it. Nonce n+1 is never submitted before nonce n is at
// least in the pool.
func (m *Manager) Submit(call types.Call, tip types.Balance) (types.Hash, error) {
	m.mu.Lock()
	nonce := m.nextNonce
	m.nextNonce++
	m.mu.Unlock()

	ext := types.Extrinsic{Signer: m.account, Nonce: nonce, Tip: tip, Call: call}
	rec := &Record{
		Account:   m.account,
		Nonce:     nonce,
		Hash:      ext.Hash(),
		Extrinsic: ext,
		State:     StateSubmitted,
	}
	// Persisted before submission: a crash here is recovered by the
	// restart path above.
	if err := m.store.put(rec); err != nil {
		return types.Hash{}, err
	}
	metrics.ExtrinsicsTotal.WithLabelValues(string(StateSubmitted)).Inc()

	if _, err := m.chainClient.SubmitExtrinsic(m.ctx, &ext); err != nil {
		if errors.Is(err, types.ErrNonceOutdated) {
			rec.State = StateInvalid
			_ = m.store.put(rec)
			return types.Hash{}, err
		}
		// Submission failures other than nonce problems leave the record
		// Submitted; the restart path retries them.
		return types.Hash{}, err
	}
	m.watch(rec)
	return rec.Hash, nil
}

// watch starts (or restarts) the status watcher and retry timer for a
// record.
func (m *Manager) watch(rec *Record) {
	key := rec.Hash
	m.mu.Lock()
	if m.watching[key] {
		m.mu.Unlock()
		return
	}
	m.watching[key] = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.watching, key)
			m.mu.Unlock()
		}()
		m.watchLoop(rec)
	}()
}

func (m *Manager) watchLoop(rec *Record) {
	statusCh, err := m.chainClient.WatchExtrinsic(m.ctx, rec.Hash)
	if err != nil {
		m.logger.Error().Err(err).Uint64("nonce", rec.Nonce).Msg("Failed to watch extrinsic")
		return
	}
	retry := time.NewTimer(m.retryTimeout)
	defer retry.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case status, ok := <-statusCh:
			if !ok {
				return
			}
			done, rewatch := m.handleStatus(rec, status)
			if done {
				return
			}
			if rewatch {
				// The hash changed (re-tip); follow the new hash.
				newCh, err := m.chainClient.WatchExtrinsic(m.ctx, rec.Hash)
				if err != nil {
					m.logger.Error().Err(err).Uint64("nonce", rec.Nonce).Msg("Failed to rewatch extrinsic")
					return
				}
				statusCh = newCh
			}
			if status.Kind == chain.TxInBlock || status.Kind == chain.TxFinalized {
				retry.Stop()
			}
			if status.Kind == chain.TxRetracted {
				retry.Reset(m.retryTimeout)
			}

		case <-retry.C:
			// In-pool past the retry timeout: escalate the tip at the same
			// nonce, producing a Usurped event for the older hash.
			if rec.State == StateInBlock || rec.terminal() {
				continue
			}
			if rec.Retips >= maxRetips {
				rec.State = StateFatal
				_ = m.store.put(rec)
				m.emit(rec, "tip escalation ceiling reached")
				m.logger.Error().Uint64("nonce", rec.Nonce).Msg("Transaction stuck past tip escalation ceiling")
				return
			}
			if err := m.retip(rec); err != nil {
				m.logger.Error().Err(err).Uint64("nonce", rec.Nonce).Msg("Re-tip failed")
			} else {
				newCh, err := m.chainClient.WatchExtrinsic(m.ctx, rec.Hash)
				if err != nil {
					return
				}
				statusCh = newCh
			}
			retry.Reset(m.retryTimeout)
		}
	}
}

// handleStatus applies one status transition. It returns (done, rewatch).
func (m *Manager) handleStatus(rec *Record, status chain.TxStatus) (bool, bool) {
	metrics.ExtrinsicsTotal.WithLabelValues(string(status.Kind)).Inc()
	switch status.Kind {
	case chain.TxReady:
		rec.State = StateReady
		_ = m.store.put(rec)

	case chain.TxBroadcast:
		rec.State = StateBroadcast
		_ = m.store.put(rec)

	case chain.TxInBlock:
		rec.State = StateInBlock
		rec.BlockHash = status.BlockHash
		rec.DispatchError = status.Reason
		_ = m.store.put(rec)
		m.emit(rec, status.Reason)

	case chain.TxFinalized:
		rec.State = StateFinalized
		rec.BlockHash = status.BlockHash
		_ = m.store.put(rec)
		m.emit(rec, rec.DispatchError)
		m.maybeCleanup(rec)
		return true, false

	case chain.TxRetracted:
		// Reorged out: the transport re-enters the pool; record it and
		// keep watching the same hash.
		rec.State = StateRetracted
		_ = m.store.put(rec)
		if _, err := m.chainClient.SubmitExtrinsic(m.ctx, &rec.Extrinsic); err != nil && !errors.Is(err, types.ErrTxUsurped) {
			m.logger.Warn().Err(err).Uint64("nonce", rec.Nonce).Msg("Resubmission after retraction failed")
		}

	case chain.TxUsurped:
		// Another hash took this nonce. If it was our own re-tip the
		// record already tracks the new hash; otherwise surface it.
		if status.Reason == rec.Hash.HexString() {
			return false, false
		}
		if rec.State != StateInBlock {
			rec.State = StateUsurped
			_ = m.store.put(rec)
			m.emit(rec, "usurped by "+status.Reason)
		}
		return true, false

	case chain.TxInvalid, chain.TxDropped:
		rec.State = StateInvalid
		_ = m.store.put(rec)
		m.emit(rec, status.Reason)
		m.fillNonceGap(rec.Nonce)
		return true, false
	}
	return false, false
}

// retip resubmits the same nonce with a strictly higher tip. The nonce
// stays; the chain reports Usurped for the older hash.
func (m *Manager) retip(rec *Record) error {
	newTip := rec.Extrinsic.Tip * retipMultiplier
	if newTip <= rec.Extrinsic.Tip {
		newTip = rec.Extrinsic.Tip + 1
	}
	rec.Extrinsic.Tip = newTip
	rec.Retips++
	oldHash := rec.Hash
	rec.Hash = rec.Extrinsic.Hash()
	rec.State = StateSubmitted
	if err := m.store.put(rec); err != nil {
		return err
	}
	if _, err := m.chainClient.SubmitExtrinsic(m.ctx, &rec.Extrinsic); err != nil {
		return err
	}
	metrics.ExtrinsicRetipsTotal.Inc()
	m.logger.Info().
		Uint64("nonce", rec.Nonce).
		Str("old_hash", oldHash.HexString()).
		Str("new_hash", rec.Hash.HexString()).
		Uint64("tip", uint64(newTip)).
		Msg("Re-tipped stuck transaction")
	return nil
}

// fillNonceGap reassigns queued later transactions onto the vacated nonce,
// preserving their order; transactions that cannot move (already in a
// block) stay put.
func (m *Manager) fillNonceGap(vacated uint64) {
	// watch takes m.mu itself, so reassigned records are watched only after
	// the lock is released.
	var moved []*Record
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		for _, rec := range moved {
			m.watch(rec)
		}
	}()

	records, err := m.store.list(m.account)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list records for gap fill")
		return
	}
	next := vacated
	for _, rec := range records {
		if rec.Nonce <= vacated || rec.terminal() || rec.State == StateInBlock {
			continue
		}
		if err := m.store.delete(m.account, rec.Nonce); err != nil {
			m.logger.Error().Err(err).Uint64("nonce", rec.Nonce).Msg("Failed to delete record during gap fill")
			continue
		}
		rec.Nonce = next
		rec.Extrinsic.Nonce = next
		rec.Hash = rec.Extrinsic.Hash()
		rec.State = StateSubmitted
		if err := m.store.put(rec); err != nil {
			m.logger.Error().Err(err).Uint64("nonce", rec.Nonce).Msg("Failed to persist reassigned record")
			continue
		}
		if _, err := m.chainClient.SubmitExtrinsic(m.ctx, &rec.Extrinsic); err != nil {
			m.logger.Warn().Err(err).Uint64("nonce", rec.Nonce).Msg("Gap-fill resubmission failed")
		}
		moved = append(moved, rec)
		next++
	}
	if next < m.nextNonce {
		m.nextNonce = next
	}
}

// maybeCleanup deletes a finalized record once a later finalized state
// proves a higher account nonce, so no reorg can revive the transaction.
func (m *Manager) maybeCleanup(rec *Record) {
	nonce, err := m.chainClient.AccountNonce(m.ctx, m.account)
	if err != nil {
		return
	}
	if nonce > rec.Nonce {
		if err := m.store.delete(rec.Account, rec.Nonce); err != nil {
			m.logger.Error().Err(err).Uint64("nonce", rec.Nonce).Msg("Cleanup failed")
		}
	}
}

func (m *Manager) emit(rec *Record, dispatchErr string) {
	select {
	case m.results <- Result{Record: *rec, DispatchError: dispatchErr}:
	default:
		m.logger.Warn().Uint64("nonce", rec.Nonce).Msg("Result channel full, dropping notification")
	}
}

// Pending returns the non-terminal records in nonce order.
func (m *Manager) Pending() ([]*Record, error) {
	records, err := m.store.list(m.account)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range records {
		if !rec.terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}
