package coordinator

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// RecoveryReport summarises a restart reconciliation pass.
type RecoveryReport struct {
	Recovered int
	Failed    int
	Panicked  int
	Total     int
	Skipped   bool
}

// RunRecovery scans the local forest and reconciles it with the file
// store: every key in the forest must have a complete, fingerprint-clean
// chunk set. Missing or corrupt files are re-fetched from peers the
// indexer knows to hold replicas. If the indexer is unavailable the pass
// is skipped with a diagnostic, never retried silently.
func (c *Coordinator) RunRecovery(ctx context.Context) RecoveryReport {
	var report RecoveryReport

	keys, err := c.forest.Keys()
	if err != nil {
		c.logger.Error().Err(err).Msg("Recovery aborted, cannot walk forest")
		report.Skipped = true
		return report
	}
	var needFetch []types.FileKey
	for _, key := range keys {
		if err := c.files.VerifyFile(key); err == nil {
			continue
		}
		needFetch = append(needFetch, key)
	}
	report.Total = len(needFetch)
	if len(needFetch) == 0 {
		return report
	}

	if c.indexer == nil {
		c.logger.Warn().
			Int("missing", len(needFetch)).
			Msg("Indexer unavailable, skipping file recovery")
		report.Skipped = true
		return report
	}

	for _, key := range needFetch {
		outcome := c.recoverOne(ctx, key)
		switch outcome {
		case recoverOK:
			report.Recovered++
		case recoverFailed:
			report.Failed++
		case recoverPanicked:
			report.Panicked++
		}
	}
	return report
}

type recoverOutcome int

const (
	recoverOK recoverOutcome = iota
	recoverFailed
	recoverPanicked
)

func (c *Coordinator) recoverOne(ctx context.Context, key types.FileKey) (outcome recoverOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("file_key", types.Hash(key).HexString()).
				Msg("Recovery panicked for file")
			outcome = recoverPanicked
		}
	}()

	// Transient indexer hiccups are retried with exponential backoff; a
	// persistent outage fails the file rather than retrying silently.
	var peers []PeerAddr
	lookup := func() error {
		var err error
		peers, err = c.indexer.ProvidersFor(ctx, key)
		return err
	}
	if err := backoff.Retry(lookup, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		if errors.Is(err, types.ErrIndexerUnavailable) {
			c.logger.Warn().Err(err).Msg("Indexer unavailable mid-recovery")
		}
		return recoverFailed
	}
	meta, err := c.files.GetFile(key)
	if err != nil || meta == nil {
		// Without local metadata the file cannot be validated;
		// metadataFromPeers does not rebuild it, so the file fails.
		meta = c.metadataFromPeers(ctx, key, peers)
		if meta == nil {
			return recoverFailed
		}
	}
	for _, peer := range peers {
		if err := c.transferCli.DownloadFile(ctx, peer.Addr, meta, c.files); err != nil {
			c.logger.Warn().Err(err).
				Str("peer_id", peer.PeerID).
				Str("file_key", types.Hash(key).HexString()).
				Msg("Recovery download failed, trying next peer")
			continue
		}
		return recoverOK
	}
	return recoverFailed
}

// metadataFromPeers cannot reconstruct full metadata (owner, bucket,
// location) from the wire protocol alone; recovery of a file whose
// metadata record was lost needs the indexer's copy. Returning nil counts
// the file as failed.
func (c *Coordinator) metadataFromPeers(_ context.Context, key types.FileKey, _ []PeerAddr) *types.FileMetadata {
	c.logger.Error().
		Str("file_key", types.Hash(key).HexString()).
		Msg("File metadata lost locally, cannot recover")
	return nil
}
