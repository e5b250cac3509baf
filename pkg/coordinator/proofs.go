package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storagehub-net/storagehub/pkg/challenge"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/runtime"
	"github.com/storagehub-net/storagehub/pkg/types"
)

func jsonDecode(data []byte, into any) error {
	return json.Unmarshal(data, into)
}

// checkProofDuty assembles and submits the provider's proof when the chain
// has reached its next challenge tick.
func (c *Coordinator) checkProofDuty(tick types.Tick) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider, err := c.chain.ProviderAt(ctx, c.cfg.ProviderID)
	if err != nil || provider == nil {
		return
	}
	if provider.NextChallengeDeadline == 0 {
		// Not in the proving rotation yet.
		return
	}
	params, err := c.chain.ParamsAt(ctx)
	if err != nil {
		return
	}
	proofTick := runtime.ChallengeTickFor(params, provider)
	if tick < proofTick || c.lastProofTick == proofTick {
		return
	}
	if tick > proofTick+params.ChallengeTicksTolerance {
		metrics.ChallengesMissedTotal.Inc()
		c.logger.Error().
			Uint64("proof_tick", uint64(proofTick)).
			Uint64("tick", uint64(tick)).
			Msg("Proof window missed")
		return
	}

	call, err := c.AssembleProof(ctx, provider, params, proofTick)
	if err != nil {
		c.logger.Error().Err(err).Msg("Proof assembly failed")
		return
	}
	payload, err := types.NewCall(types.OpSubmitProof, call)
	if err != nil {
		return
	}
	if _, err := c.txs.Submit(payload, 0); err != nil {
		c.logger.Error().Err(err).Msg("Failed to submit proof")
		return
	}
	c.lastProofTick = proofTick
}

// AssembleProof answers the challenges for one proof tick from the local
// mirror: a forest proof over the union of exact matches and neighbours,
// chunk possession proofs for every stored key that was hit, and the
// post-mutation root when checkpoint entries instruct removals.
func (c *Coordinator) AssembleProof(ctx context.Context, provider *types.Provider, params *types.Params, proofTick types.Tick) (*runtime.SubmitProofCall, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProofAssemblyDuration)

	seed, err := c.chain.SeedAt(ctx, proofTick)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	keys := challenge.KeysFor(seed, c.cfg.ProviderID, params.RandomChallengesPerBlock)
	checkpoint, err := c.chain.CheckpointSetIn(ctx, provider.LastTickProven, proofTick)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint set: %w", err)
	}
	for _, cc := range checkpoint {
		keys = append(keys, cc.Key)
	}

	forestProof, err := c.forest.Prove(keys)
	if err != nil {
		return nil, fmt.Errorf("forest proof: %w", err)
	}

	call := &runtime.SubmitProofCall{Tick: proofTick, ForestProof: forestProof}
	for _, key := range forestProof.ExactKeys() {
		meta, err := c.files.GetFile(key)
		if err != nil || meta == nil {
			return nil, fmt.Errorf("challenged file %s not in local store", types.Hash(key).HexString())
		}
		trie, err := c.files.LoadTrie(key)
		if err != nil {
			return nil, err
		}
		indices := challenge.ChunkIndices(seed, key, chunker.Count(meta.Size), 2)
		chunks, err := c.files.ReadChunks(key, indices)
		if err != nil {
			return nil, err
		}
		chunkProof, err := trie.Prove(chunks)
		if err != nil {
			return nil, err
		}
		call.KeyProofs = append(call.KeyProofs, runtime.KeyProof{
			FileKey:    key,
			Metadata:   meta,
			ChunkProof: chunkProof,
		})
	}

	// Honest provers apply checkpoint remove mutations and report the
	// resulting root; the local mirror itself only mutates once the
	// mutation event lands in a block.
	scratch := forest.NewAt(c.nodes, c.forest.Root())
	var removed bool
	for _, cc := range checkpoint {
		if cc.Mutation == nil {
			continue
		}
		ok, err := scratch.Contains(cc.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := scratch.Remove(cc.Key); err != nil {
			return nil, err
		}
		removed = true
	}
	if removed {
		newRoot := scratch.Root()
		call.NewRoot = &newRoot
	}
	return call, nil
}
