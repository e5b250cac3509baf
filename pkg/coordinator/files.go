package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/storagehub-net/storagehub/pkg/challenge"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/txmgr"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// onStorageRequestIssued decides whether this provider participates in a
// new storage request.
func (c *Coordinator) onStorageRequestIssued(ev *types.Event) {
	if ev.FileKey == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	request, err := c.chain.StorageRequestAt(ctx, *ev.FileKey)
	if err != nil || request == nil {
		return
	}

	switch c.cfg.Role {
	case types.ProviderMSP:
		if request.MSP == nil || *request.MSP != c.cfg.ProviderID {
			return
		}
		c.startMspResponse(request)

	case types.ProviderBSP:
		c.scheduleVolunteer(ctx, request)
	}
}

// startMspResponse fetches the file from the user and answers the request.
func (c *Coordinator) startMspResponse(request *types.StorageRequest) {
	meta := request.Metadata()
	if err := c.files.PutFile(meta); err != nil {
		c.logger.Error().Err(err).Msg("Failed to record expected file")
		return
	}
	if c.transferSrv != nil {
		c.transferSrv.ExpectFile(request.FileKey)
	}
	c.fetchInBackground(request)
}

// scheduleVolunteer computes the earliest volunteer tick for the file. The
// inputs all come from chain state at issuance, so the result cannot be
// moved by producing blocks.
func (c *Coordinator) scheduleVolunteer(ctx context.Context, request *types.StorageRequest) {
	params, err := c.chain.ParamsAt(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read params")
		return
	}
	provider, err := c.chain.ProviderAt(ctx, c.cfg.ProviderID)
	if err != nil || provider == nil {
		return
	}
	if provider.Used+types.StorageDataUnit(request.Size) > provider.Capacity {
		c.logger.Debug().Str("file_key", types.Hash(request.FileKey).HexString()).Msg("Skipping request, no capacity")
		return
	}
	seed, err := c.chain.SeedAt(ctx, request.IssuedAt)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read issuance seed")
		return
	}
	earliest := challenge.EarliestVolunteerTick(params, c.cfg.ProviderID, request.FileKey, seed, provider.ReputationWeight, request.IssuedAt)
	if earliest >= request.ExpiresAt {
		c.logger.Debug().Str("file_key", types.Hash(request.FileKey).HexString()).Msg("Threshold opens past request TTL")
		return
	}
	c.volunteerQueue[request.FileKey] = earliest
	c.logger.Info().
		Str("file_key", types.Hash(request.FileKey).HexString()).
		Uint64("earliest_tick", uint64(earliest)).
		Msg("Volunteer scheduled")
}

// processVolunteerQueue submits volunteers whose threshold has opened.
func (c *Coordinator) processVolunteerQueue(tick types.Tick) {
	for key, earliest := range c.volunteerQueue {
		if tick < earliest {
			continue
		}
		call, err := types.NewCall(types.OpBspVolunteer, &runtime.BspVolunteerCall{FileKey: key})
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to build volunteer call")
			continue
		}
		if _, err := c.txs.Submit(call, 0); err != nil {
			c.logger.Error().Err(err).Msg("Failed to submit volunteer")
			continue
		}
		delete(c.volunteerQueue, key)
	}
}

// handleTxResult reacts to in-block dispatch outcomes of our extrinsics.
func (c *Coordinator) handleTxResult(res txmgr.Result) {
	op := res.Record.Extrinsic.Call.Op
	switch res.Record.State {
	case txmgr.StateInBlock:
		switch op {
		case types.OpBspVolunteer:
			c.onVolunteerResult(res)
		case types.OpBspConfirmStoring:
			c.onConfirmResult(res)
		case types.OpSubmitProof:
			if res.DispatchError != "" {
				metrics.ProofsSubmittedTotal.WithLabelValues("rejected").Inc()
				c.logger.Error().Str("error", res.DispatchError).Msg("Proof rejected")
				// A failed proof frees the boundary for a rebuilt attempt.
				c.lastProofTick = 0
			} else {
				metrics.ProofsSubmittedTotal.WithLabelValues("accepted").Inc()
			}
		}
	case txmgr.StateFatal, txmgr.StateInvalid, txmgr.StateUsurped:
		c.logger.Warn().
			Str("op", string(op)).
			Str("state", string(res.Record.State)).
			Str("error", res.DispatchError).
			Msg("Transaction surfaced without inclusion")
	}
}

func (c *Coordinator) onVolunteerResult(res txmgr.Result) {
	var call runtime.BspVolunteerCall
	if err := jsonDecode(res.Record.Extrinsic.Call.Data, &call); err != nil {
		return
	}
	if res.DispatchError != "" {
		c.logger.Warn().
			Str("file_key", types.Hash(call.FileKey).HexString()).
			Str("error", res.DispatchError).
			Msg("Volunteer rejected")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	request, err := c.chain.StorageRequestAt(ctx, call.FileKey)
	if err != nil || request == nil {
		return
	}
	meta := request.Metadata()
	if err := c.files.PutFile(meta); err != nil {
		c.logger.Error().Err(err).Msg("Failed to record expected file")
		return
	}
	c.fetchInBackground(request)
}

// fetchInBackground downloads the file's chunks from the user's peers and
// reports completion to the run loop.
func (c *Coordinator) fetchInBackground(request *types.StorageRequest) {
	meta := request.Metadata()
	peers := request.UserPeerIDs
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var lastErr error
		for _, peer := range peers {
			addr, ok := c.cfg.Peers[peer]
			if !ok {
				continue
			}
			lastErr = c.transferCli.DownloadFile(context.Background(), addr, meta, c.files)
			if lastErr == nil {
				break
			}
			c.logger.Warn().Err(lastErr).Str("peer_id", peer).Msg("Chunk download failed, trying next peer")
		}
		select {
		case c.transferDone <- transferResult{fileKey: meta.Key(), err: lastErr}:
		case <-c.stopCh:
		}
	}()
}

// handleTransferDone submits the on-chain response once the file landed
// locally.
func (c *Coordinator) handleTransferDone(tr transferResult) {
	if tr.err != nil {
		c.logger.Error().Err(tr.err).
			Str("file_key", types.Hash(tr.fileKey).HexString()).
			Msg("File transfer failed")
		return
	}
	switch c.cfg.Role {
	case types.ProviderMSP:
		c.submitMspAccept(tr.fileKey)
	case types.ProviderBSP:
		c.confirmQueue[tr.fileKey] = &confirmJob{fileKey: tr.fileKey}
		c.processConfirmQueue()
	}
}

func (c *Coordinator) submitMspAccept(fileKey types.FileKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	request, err := c.chain.StorageRequestAt(ctx, fileKey)
	if err != nil || request == nil {
		return
	}
	meta := request.Metadata()

	// The new bucket root is computed over the local sub-forest mirror and
	// recomputed on-chain.
	sub := c.bucketForest(request.Bucket)
	scratch := forest.NewAt(c.nodes, sub.Root())
	if err := scratch.Insert(fileKey, meta.MetadataHash()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to compute new bucket root")
		return
	}
	call, err := types.NewCall(types.OpMspRespondStorageRequests, &runtime.MspRespondCall{
		Responses:      []runtime.MspResponse{{FileKey: fileKey, Accept: true}},
		NewBucketRoots: []runtime.BucketRoot{{Bucket: request.Bucket, Root: scratch.Root()}},
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build msp response")
		return
	}
	if _, err := c.txs.Submit(call, 0); err != nil {
		c.logger.Error().Err(err).Msg("Failed to submit msp response")
	}
}

// bucketForest opens the local mirror of a bucket sub-forest, seeding the
// root from chain state on first touch.
func (c *Coordinator) bucketForest(bucket types.BucketID) *forest.Forest {
	root, ok := c.bucketRoots[bucket]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if b, err := c.chain.BucketAt(ctx, bucket); err == nil && b != nil {
			root = b.Root
		} else {
			root = forest.EmptyRoot
		}
		c.bucketRoots[bucket] = root
	}
	return forest.NewAt(c.nodes, root)
}

// processConfirmQueue builds and submits confirms whose local forest view
// matches the on-chain root. Jobs whose proofs raced a root change wait
// here until the mirror catches up.
func (c *Coordinator) processConfirmQueue() {
	if len(c.confirmQueue) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	provider, err := c.chain.ProviderAt(ctx, c.cfg.ProviderID)
	if err != nil || provider == nil {
		return
	}
	if provider.Root != c.forest.Root() {
		// The mirror has not absorbed the latest root change yet; retry on
		// the next block.
		return
	}

	// Ready jobs batch into one extrinsic: a single forest proof against
	// the current root covers every confirmed key, and one new-root
	// recomputation pass absorbs all inserts.
	params, err := c.chain.ParamsAt(ctx)
	if err != nil {
		return
	}
	var batch []*confirmJob
	for _, job := range c.confirmQueue {
		if job.waiting {
			continue
		}
		batch = append(batch, job)
		if uint32(len(batch)) >= params.MaxBatchConfirmStorageRequests {
			break
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := c.submitConfirms(ctx, batch); err != nil {
		c.logger.Error().Err(err).Int("batch", len(batch)).Msg("Failed to submit confirm batch")
		return
	}
	for _, job := range batch {
		job.waiting = true
	}
}

// submitConfirms assembles one confirm extrinsic for the batch: per-file
// chunk possession proofs plus a single forest proof against the current
// root and the root after all inserts.
func (c *Coordinator) submitConfirms(ctx context.Context, batch []*confirmJob) error {
	call := &runtime.BspConfirmCall{}
	keys := make([]types.FileKey, 0, len(batch))
	scratch := forest.NewAt(c.nodes, c.forest.Root())

	for _, job := range batch {
		request, err := c.chain.StorageRequestAt(ctx, job.fileKey)
		if err != nil {
			return err
		}
		if request == nil {
			delete(c.confirmQueue, job.fileKey)
			continue
		}
		seed, err := c.chain.SeedAt(ctx, request.IssuedAt)
		if err != nil {
			return err
		}
		trie, err := c.files.LoadTrie(job.fileKey)
		if err != nil {
			return err
		}
		indices := challenge.ChunkIndices(seed, job.fileKey, chunker.Count(request.Size), 2)
		chunks, err := c.files.ReadChunks(job.fileKey, indices)
		if err != nil {
			return err
		}
		chunkProof, err := trie.Prove(chunks)
		if err != nil {
			return err
		}
		if err := scratch.Insert(job.fileKey, request.Metadata().MetadataHash()); err != nil {
			return err
		}
		call.Confirmations = append(call.Confirmations, runtime.BspConfirmation{
			FileKey: job.fileKey, ChunkProof: chunkProof,
		})
		keys = append(keys, job.fileKey)
	}
	if len(keys) == 0 {
		return nil
	}

	forestProof, err := c.forest.Prove(keys)
	if err != nil {
		return err
	}
	call.ForestProof = forestProof
	call.NewRoot = scratch.Root()

	payload, err := types.NewCall(types.OpBspConfirmStoring, call)
	if err != nil {
		return err
	}
	_, err = c.txs.Submit(payload, 0)
	return err
}

// onConfirmResult handles a confirm's dispatch outcome, driving the
// proof-retry path when a concurrent root change invalidated it.
func (c *Coordinator) onConfirmResult(res txmgr.Result) {
	var call runtime.BspConfirmCall
	if err := jsonDecode(res.Record.Extrinsic.Call.Data, &call); err != nil {
		return
	}
	for _, conf := range call.Confirmations {
		job := c.confirmQueue[conf.FileKey]
		if job == nil {
			continue
		}
		if res.DispatchError == "" {
			delete(c.confirmQueue, conf.FileKey)
			continue
		}
		if !strings.Contains(res.DispatchError, types.ErrForestProofVerificationFailed.Error()) {
			c.logger.Error().
				Str("file_key", types.Hash(conf.FileKey).HexString()).
				Str("error", res.DispatchError).
				Msg("Confirm rejected")
			delete(c.confirmQueue, conf.FileKey)
			continue
		}
		// Retryable: the root moved under us. Rebuild against the caught-up
		// mirror on a later block, up to the retry cap.
		job.retries++
		job.waiting = false
		if job.retries > c.cfg.MaxProofRetries {
			c.logger.Error().
				Str("file_key", types.Hash(conf.FileKey).HexString()).
				Msg("Confirm abandoned after retry cap")
			delete(c.confirmQueue, conf.FileKey)
			continue
		}
		c.logger.Info().
			Str("file_key", types.Hash(conf.FileKey).HexString()).
			Int("retries", job.retries).
			Msg("Confirm failed against moved root, rebuilding")
	}
}
