package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/storagehub-net/storagehub/pkg/challenge"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// ChallengeTickFor returns the proof tick a provider must answer next: the
// end of the period that opened at its last proven tick.
func ChallengeTickFor(params *types.Params, provider *types.Provider) types.Tick {
	return provider.LastTickProven + challenge.PeriodFor(params, provider.Stake)
}

// ChallengeKeysFor derives the full challenge set a provider must answer for
// a proof tick: the seed-drawn random keys plus any checkpoint set emitted
// since its last proof.
func ChallengeKeysFor(store interface {
	GetSeed(types.Tick) (types.Seed, error)
	LatestCheckpointSetIn(from, to types.Tick) (types.Tick, []*types.CheckpointChallenge, error)
}, params *types.Params, provider *types.Provider, proofTick types.Tick) ([]types.FileKey, []*types.CheckpointChallenge, error) {
	seed, err := store.GetSeed(proofTick)
	if err != nil {
		return nil, nil, err
	}
	keys := challenge.KeysFor(seed, provider.ID, params.RandomChallengesPerBlock)
	_, checkpoint, err := store.LatestCheckpointSetIn(provider.LastTickProven, proofTick)
	if err != nil {
		return nil, nil, err
	}
	for _, cc := range checkpoint {
		keys = append(keys, cc.Key)
	}
	return keys, checkpoint, nil
}

func (c *callContext) submitProof(call *SubmitProofCall) ([]types.Event, error) {
	provider, err := c.providerBySigner(types.ProviderBSP)
	if err != nil {
		// MSPs answer challenges for their bucket forests through the same
		// extrinsic.
		if provider, err = c.providerBySigner(types.ProviderMSP); err != nil {
			return nil, err
		}
	}

	expected := ChallengeTickFor(c.params, provider)
	if call.Tick != expected {
		return nil, fmt.Errorf("proof covers tick %d, expected %d", call.Tick, expected)
	}
	if c.tick < call.Tick {
		return nil, types.ErrProofTooEarly
	}
	if c.tick > call.Tick+c.params.ChallengeTicksTolerance {
		return nil, types.ErrProofTooLate
	}

	keys, checkpoint, err := ChallengeKeysFor(c.store(), c.params, provider, call.Tick)
	if err != nil {
		return nil, err
	}
	if err := forest.Verify(provider.Root, keys, call.ForestProof); err != nil {
		return nil, err
	}

	// Every challenge that landed on a stored key needs a chunk-level
	// possession proof tied to the forest leaf through the metadata hash.
	seed, err := c.store().GetSeed(call.Tick)
	if err != nil {
		return nil, err
	}
	exact := call.ForestProof.ExactKeys()
	byKey := make(map[types.FileKey]*KeyProof, len(call.KeyProofs))
	for i := range call.KeyProofs {
		byKey[call.KeyProofs[i].FileKey] = &call.KeyProofs[i]
	}
	working := c.forestAt(provider.Root)
	for _, key := range exact {
		kp := byKey[key]
		if kp == nil || kp.Metadata == nil {
			return nil, fmt.Errorf("%w: missing key proof for %s", types.ErrFileKeyProofVerificationFailed, types.Hash(key).HexString())
		}
		if kp.Metadata.Key() != key {
			return nil, types.ErrFileKeyProofVerificationFailed
		}
		value, ok, err := working.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok || value != kp.Metadata.MetadataHash() {
			return nil, types.ErrFileKeyProofVerificationFailed
		}
		if err := verifyKeyProof(seed, kp.Metadata, kp.ChunkProof); err != nil {
			return nil, err
		}
	}

	// Checkpoint entries carrying a remove mutation delete proven-present
	// keys from the forest.
	var removed []types.FileKey
	for _, cc := range checkpoint {
		if cc.Mutation == nil {
			continue
		}
		ok, err := working.Contains(cc.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := working.Remove(cc.Key); err != nil {
			return nil, err
		}
		removed = append(removed, cc.Key)
	}
	if len(removed) > 0 {
		if call.NewRoot == nil || working.Root() != *call.NewRoot {
			return nil, fmt.Errorf("%w: recomputed root does not match submitted root", types.ErrForestProofVerificationFailed)
		}
		provider.Root = *call.NewRoot
		for _, key := range removed {
			if kp := byKey[key]; kp != nil && kp.Metadata != nil {
				size := types.StorageDataUnit(kp.Metadata.Size)
				if size > provider.Used {
					provider.Used = 0
				} else {
					provider.Used -= size
				}
			}
		}
	}

	// The deadline rolls forward deterministically from the proven tick,
	// using the period implied by the provider's stake now: a stake change
	// applies from this boundary on.
	provider.LastTickProven = call.Tick
	provider.NextChallengeDeadline = call.Tick + challenge.PeriodFor(c.params, provider.Stake)
	provider.ReputationWeight++
	if err := c.store().PutProvider(provider); err != nil {
		return nil, err
	}
	c.runtime.ledger.Set(provider.ID, provider.NextChallengeDeadline)

	events := []types.Event{}
	ev := c.event(types.EventProofAccepted)
	ev.Provider = &provider.ID
	events = append(events, ev)
	if len(removed) > 0 {
		mv := c.event(types.EventMutationsApplied)
		mv.Provider = &provider.ID
		mv.Data, _ = json.Marshal(removed)
		events = append(events, mv)
	}
	return events, nil
}

// OnTick runs the per-tick protocol duties: recording the challenge seed,
// advancing the payment price index, sweeping expired storage requests,
// emitting checkpoint challenges, and slashing providers past their
// deadline tolerance.
func (r *Runtime) OnTick(tick types.Tick, entropy [32]byte, blockFull bool) ([]types.Event, error) {
	params, err := r.store.Params()
	if err != nil {
		return nil, err
	}
	ctx := &callContext{runtime: r, params: params, tick: tick}
	var events []types.Event

	// New seed for this tick.
	seed := challenge.SeedAt(entropy, tick)
	if err := r.store.PutSeed(tick, seed); err != nil {
		return nil, err
	}
	ev := ctx.event(types.EventNewChallengeSeed)
	ev.Seed = &seed
	events = append(events, ev)

	// The global price index accrues for dynamic-rate streams.
	index, err := r.store.PriceIndex()
	if err != nil {
		return nil, err
	}
	if err := r.store.SetPriceIndex(index + params.DynamicPricePerGigaUnitTick); err != nil {
		return nil, err
	}

	// Expiry sweep: refund the creation deposit minus the expiry penalty.
	expiring, err := r.store.ListStorageRequestsExpiringAt(tick)
	if err != nil {
		return nil, err
	}
	for _, request := range expiring {
		if err := r.store.DeleteStorageRequest(request.FileKey); err != nil {
			return nil, err
		}
		if err := ctx.release(request.Owner, request.DepositHeld, params.StorageRequestExpiryPenalty); err != nil {
			return nil, err
		}
		ev := ctx.event(types.EventStorageRequestExpired)
		ev.FileKey = &request.FileKey
		ev.Account = &request.Owner
		events = append(events, ev)
	}

	// Checkpoint challenges all providers must answer.
	if challenge.CheckpointTick(params, tick) {
		set, err := r.store.DrainCheckpointChallenges(params.MaxCustomChallengesPerBlock)
		if err != nil {
			return nil, err
		}
		if len(set) > 0 {
			if err := r.store.PutCheckpointSet(tick, set); err != nil {
				return nil, err
			}
			ev := ctx.event(types.EventCheckpointChallenges)
			events = append(events, ev)
		}
	}

	// Spam protection: when too few recent blocks had room, deadlines
	// pause instead of slashing honest providers who could not get in.
	r.full.Observe(!blockFull)
	if r.full.Paused(params.MinNotFullBlocksRatio) {
		return events, nil
	}

	for _, id := range r.ledger.Due(tick, params.ChallengeTicksTolerance, params.MaxSlashableProvidersPerTick) {
		provider, err := r.store.GetProvider(id)
		if err != nil {
			return nil, err
		}
		if provider == nil {
			r.ledger.Remove(id)
			continue
		}
		amount := slashAmount(params, provider)
		if amount > provider.Stake {
			amount = provider.Stake
		}
		provider.Stake -= amount
		// The missed period is skipped: the clock restarts at the missed
		// deadline so the next proof covers the following period.
		provider.LastTickProven = provider.NextChallengeDeadline
		provider.NextChallengeDeadline = provider.LastTickProven + challenge.PeriodFor(params, provider.Stake)
		if err := r.store.PutProvider(provider); err != nil {
			return nil, err
		}
		r.ledger.Set(provider.ID, provider.NextChallengeDeadline)

		ev := ctx.event(types.EventProviderSlashed)
		ev.Provider = &provider.ID
		ev.Amount = amount
		events = append(events, ev)
		r.logger.Warn().
			Str("provider_id", types.Hash(provider.ID).HexString()).
			Uint64("amount", uint64(amount)).
			Msg("Provider slashed for missed proof")
	}

	return events, nil
}
