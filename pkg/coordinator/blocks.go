package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/storagehub-net/storagehub/pkg/chain"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// HandleImported processes one block import notification. Only best-block
// imports drive forest mutations; non-best imports are parked until a reorg
// promotes them.
func (c *Coordinator) HandleImported(n chain.BlockImported) {
	if !n.Best {
		c.side[n.Hash] = n
		c.logger.Debug().Str("hash", n.Hash.HexString()).Msg("Parked non-best block")
		return
	}
	if len(c.journal) > 0 && n.Header.Parent != c.journal[len(c.journal)-1].hash {
		c.handleReorg(n)
		return
	}
	c.applyBlock(n)
	c.afterBlock(n.Header.Tick)
}

// handleReorg rewinds the forest to the fork point using the journaled
// per-block roots, then replays the new branch from parked imports.
func (c *Coordinator) handleReorg(tip chain.BlockImported) {
	metrics.ReorgsTotal.Inc()

	// Collect the new branch back to a journaled ancestor.
	branch := []chain.BlockImported{tip}
	parent := tip.Header.Parent
	for {
		if c.journalIndex(parent) >= 0 || parent.IsZero() {
			break
		}
		blk, ok := c.side[parent]
		if !ok {
			c.logger.Error().
				Str("hash", parent.HexString()).
				Msg("Reorg branch references unknown block, resyncing from chain state")
			c.resyncFromChain()
			return
		}
		branch = append([]chain.BlockImported{blk}, branch...)
		parent = blk.Header.Parent
	}

	// Rewind above the fork point. Every rewound entry restores the roots
	// recorded before that block applied.
	forkIdx := c.journalIndex(parent)
	for i := len(c.journal) - 1; i > forkIdx; i-- {
		entry := c.journal[i]
		c.forest.SetRoot(entry.prevRoot)
		for bucket, root := range entry.prevBucketRoots {
			c.bucketRoots[bucket] = root
		}
		c.logger.Info().
			Str("hash", entry.hash.HexString()).
			Uint64("tick", uint64(entry.tick)).
			Msg("Rewound block during reorg")
	}
	c.journal = c.journal[:forkIdx+1]

	for _, blk := range branch {
		delete(c.side, blk.Hash)
		c.applyBlock(blk)
	}
	c.afterBlock(tip.Header.Tick)
}

func (c *Coordinator) journalIndex(hash types.Hash) int {
	for i := len(c.journal) - 1; i >= 0; i-- {
		if c.journal[i].hash == hash {
			return i
		}
	}
	return -1
}

// resyncFromChain abandons the journal and re-adopts the on-chain root.
// Proofs built from the local mirror remain valid only if the node store
// holds the root's trie; a coordinator that reaches this path re-downloads
// nothing, and journaling starts again with the next best-block import.
func (c *Coordinator) resyncFromChain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	provider, err := c.chain.ProviderAt(ctx, c.cfg.ProviderID)
	if err != nil || provider == nil {
		c.logger.Error().Err(err).Msg("Resync failed, keeping stale forest")
		return
	}
	c.forest.SetRoot(provider.Root)
	c.journal = nil
}

// applyBlock absorbs one best block: it journals the pre-state, applies the
// events that touch this provider's forests, and verifies convergence with
// the on-chain root.
func (c *Coordinator) applyBlock(n chain.BlockImported) {
	entry := journalEntry{
		hash:            n.Hash,
		parent:          n.Header.Parent,
		tick:            n.Header.Tick,
		prevRoot:        c.forest.Root(),
		prevBucketRoots: make(map[types.BucketID]types.Root),
	}

	touched := false
	for i := range n.Events {
		if c.applyEvent(&entry, &n.Events[i]) {
			touched = true
		}
	}

	entry.newRoot = c.forest.Root()
	c.journal = append(c.journal, entry)
	if len(c.journal) > 512 {
		c.journal = c.journal[len(c.journal)-512:]
	}
	c.snapshots.Add(n.Hash, entry.newRoot)
	metrics.BestTick.Set(float64(n.Header.Tick))

	if touched {
		c.verifyConvergence()
	}
}

// applyEvent mutates local state for events about this provider and queues
// work for events that need it. Returns whether the local forest changed.
func (c *Coordinator) applyEvent(entry *journalEntry, ev *types.Event) bool {
	mine := ev.Provider != nil && *ev.Provider == c.cfg.ProviderID
	switch ev.Kind {
	case types.EventStorageRequestIssued:
		c.onStorageRequestIssued(ev)
		return false

	case types.EventBspConfirmed:
		if !mine || ev.FileKey == nil {
			return false
		}
		return c.insertLocal(*ev.FileKey)

	case types.EventMspAccepted:
		if !mine || ev.FileKey == nil {
			return false
		}
		changed := c.insertLocal(*ev.FileKey)
		if ev.Bucket != nil {
			if _, ok := entry.prevBucketRoots[*ev.Bucket]; !ok {
				entry.prevBucketRoots[*ev.Bucket] = c.bucketRoots[*ev.Bucket]
			}
			c.insertBucketLocal(*ev.Bucket, *ev.FileKey)
		}
		return changed

	case types.EventFilesDeleted:
		if !mine || ev.FileKey == nil {
			return false
		}
		c.removeLocal(*ev.FileKey, true)
		return true

	case types.EventMutationsApplied:
		if !mine || len(ev.Data) == 0 {
			return false
		}
		var removed []types.FileKey
		if err := json.Unmarshal(ev.Data, &removed); err != nil {
			c.logger.Error().Err(err).Msg("Malformed mutation event payload")
			return false
		}
		for _, key := range removed {
			c.removeLocal(key, true)
		}
		return len(removed) > 0

	case types.EventBspStopStoringConfirmed:
		if !mine || ev.FileKey == nil {
			return false
		}
		c.removeLocal(*ev.FileKey, true)
		return true
	}
	return false
}

func (c *Coordinator) insertLocal(key types.FileKey) bool {
	meta, err := c.files.GetFile(key)
	if err != nil || meta == nil {
		c.logger.Error().Err(err).
			Str("file_key", types.Hash(key).HexString()).
			Msg("Confirmed file missing from local store")
		return false
	}
	if err := c.forest.Insert(key, meta.MetadataHash()); err != nil {
		c.logger.Error().Err(err).Msg("Local forest insert failed")
		return false
	}
	metrics.FilesStored.Inc()
	return true
}

func (c *Coordinator) insertBucketLocal(bucket types.BucketID, key types.FileKey) {
	meta, err := c.files.GetFile(key)
	if err != nil || meta == nil {
		return
	}
	sub := c.bucketForest(bucket)
	if err := sub.Insert(key, meta.MetadataHash()); err != nil {
		c.logger.Error().Err(err).Msg("Bucket forest insert failed")
		return
	}
	c.bucketRoots[bucket] = sub.Root()
}

func (c *Coordinator) removeLocal(key types.FileKey, dropData bool) {
	if err := c.forest.Remove(key); err != nil {
		c.logger.Debug().Err(err).
			Str("file_key", types.Hash(key).HexString()).
			Msg("Local forest remove skipped")
		return
	}
	metrics.FilesStored.Dec()
	if dropData {
		if err := c.files.DeleteFile(key); err != nil {
			c.logger.Error().Err(err).Msg("Failed to drop file data")
		}
	}
}

// verifyConvergence asserts the local mirror equals the on-chain root.
func (c *Coordinator) verifyConvergence() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	provider, err := c.chain.ProviderAt(ctx, c.cfg.ProviderID)
	if err != nil || provider == nil {
		return
	}
	if provider.Root != c.forest.Root() {
		c.logger.Error().
			Str("local_root", types.Hash(c.forest.Root()).HexString()).
			Str("chain_root", types.Hash(provider.Root).HexString()).
			Msg("Local forest diverged from on-chain root")
	}
}

// afterBlock runs the tick-driven duties once the block's effects are in:
// due volunteers, queued confirm retries, and the proof boundary.
func (c *Coordinator) afterBlock(tick types.Tick) {
	if c.cfg.Role == types.ProviderBSP {
		c.processVolunteerQueue(tick)
	}
	c.processConfirmQueue()
	c.checkProofDuty(tick)
}
