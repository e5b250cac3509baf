package runtime

import (
	"fmt"

	"github.com/storagehub-net/storagehub/pkg/challenge"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/types"
)

func (c *callContext) createBucket(call *CreateBucketCall) ([]types.Event, error) {
	if call.Name == "" {
		return nil, fmt.Errorf("bucket name required")
	}
	id := types.BucketID(types.Hashed(append(c.signer[:], []byte(call.Name)...)))
	if call.MSP != nil {
		msp, err := c.store().GetProvider(*call.MSP)
		if err != nil {
			return nil, err
		}
		if msp == nil || msp.Kind != types.ProviderMSP {
			return nil, types.ErrUnknownMsp
		}
		if msp.ValueProp(call.ValueProp) == nil {
			return nil, fmt.Errorf("unknown value proposition")
		}
	}
	bucket := &types.Bucket{
		ID:        id,
		Owner:     c.signer,
		MSP:       call.MSP,
		ValueProp: call.ValueProp,
		Private:   call.Private,
		Root:      forest.EmptyRoot,
	}
	if err := c.store().CreateBucket(bucket); err != nil {
		return nil, err
	}
	if call.MSP != nil {
		// A zero-size bucket still accrues the fixed floor rate.
		if err := c.openOrRerateFixedStream(bucket); err != nil {
			return nil, err
		}
	}
	ev := c.event(types.EventBucketCreated)
	ev.Bucket = &bucket.ID
	ev.Account = &bucket.Owner
	return []types.Event{ev}, nil
}

func (c *callContext) updateBucketPrivacy(call *UpdateBucketPrivacyCall) ([]types.Event, error) {
	bucket, err := c.store().GetBucket(call.Bucket)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, types.ErrUnknownBucket
	}
	if bucket.Owner != c.signer {
		return nil, types.ErrNotBucketOwner
	}
	bucket.Private = call.Private
	if err := c.store().UpdateBucket(bucket); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *callContext) issueStorageRequest(call *IssueStorageRequestCall) ([]types.Event, error) {
	meta := &types.FileMetadata{
		Owner:       c.signer,
		Bucket:      call.Bucket,
		Location:    call.Location,
		Size:        call.Size,
		Fingerprint: call.Fingerprint,
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if types.StorageDataUnit(call.Size) > c.params.MaxFileSize {
		return nil, types.ErrFileTooLarge
	}
	if len(call.PeerIDs) > types.MaxUserPeerIDs {
		return nil, fmt.Errorf("too many peer ids")
	}
	if call.Replication.Policy == types.ReplicationCustom && call.Replication.Custom > c.params.MaxReplicationTarget {
		return nil, types.ErrReplicationOutOfBounds
	}
	bucket, err := c.store().GetBucket(call.Bucket)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, types.ErrUnknownBucket
	}
	if bucket.Owner != c.signer {
		return nil, types.ErrNotBucketOwner
	}

	fileKey := meta.Key()
	existing, err := c.store().GetStorageRequest(fileKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, types.ErrDuplicateRequest
	}

	deposit := c.params.StorageRequestCreationDeposit
	if err := c.hold(c.signer, deposit); err != nil {
		return nil, err
	}

	request := &types.StorageRequest{
		FileKey:      fileKey,
		Bucket:       call.Bucket,
		Location:     call.Location,
		Size:         call.Size,
		Fingerprint:  call.Fingerprint,
		Owner:        c.signer,
		MSP:          bucket.MSP,
		MspStatus:    types.MspPending,
		BspsRequired: call.Replication.Count(c.params),
		UserPeerIDs:  call.PeerIDs,
		ExpiresAt:    c.tick + c.params.StorageRequestTtl,
		DepositHeld:  deposit,
		IssuedAt:     c.tick,
	}
	if bucket.MSP == nil {
		request.MspStatus = types.MspAccepted
	}
	if err := c.store().CreateStorageRequest(request); err != nil {
		// Roll the deposit back so a failed create leaves no state change.
		_ = c.release(c.signer, deposit, 0)
		return nil, err
	}

	ev := c.event(types.EventStorageRequestIssued)
	ev.FileKey = &request.FileKey
	ev.Bucket = &request.Bucket
	ev.Account = &request.Owner
	return []types.Event{ev}, nil
}

func (c *callContext) revokeStorageRequest(call *RevokeStorageRequestCall) ([]types.Event, error) {
	request, err := c.store().GetStorageRequest(call.FileKey)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, types.ErrUnknownStorageRequest
	}
	if request.Owner != c.signer {
		return nil, types.ErrNotRequestOwner
	}
	if err := c.store().DeleteStorageRequest(call.FileKey); err != nil {
		return nil, err
	}
	if err := c.release(request.Owner, request.DepositHeld, 0); err != nil {
		return nil, err
	}
	ev := c.event(types.EventStorageRequestRevoked)
	ev.FileKey = &request.FileKey
	ev.Account = &request.Owner
	return []types.Event{ev}, nil
}

func (c *callContext) mspRespond(call *MspRespondCall) ([]types.Event, error) {
	if uint32(len(call.Responses)) > c.params.MaxBatchMspRespondStorageRequests {
		return nil, fmt.Errorf("batch exceeds %d responses", c.params.MaxBatchMspRespondStorageRequests)
	}
	msp, err := c.providerBySigner(types.ProviderMSP)
	if err != nil {
		return nil, err
	}

	var events []types.Event
	touched := make(map[types.BucketID]*types.Bucket)

	for _, resp := range call.Responses {
		request, err := c.store().GetStorageRequest(resp.FileKey)
		if err != nil {
			return nil, err
		}
		if request == nil {
			return nil, types.ErrUnknownStorageRequest
		}
		if request.MSP == nil || *request.MSP != msp.ID {
			return nil, types.ErrUnknownMsp
		}
		// Accept and reject for the same (msp, file key) are mutually
		// exclusive and at-most-once.
		if request.MspStatus != types.MspPending {
			return nil, fmt.Errorf("storage request already responded to")
		}

		bucket := touched[request.Bucket]
		if bucket == nil {
			if bucket, err = c.store().GetBucket(request.Bucket); err != nil {
				return nil, err
			}
			if bucket == nil {
				return nil, types.ErrUnknownBucket
			}
			touched[request.Bucket] = bucket
		}

		if resp.Accept {
			if msp.Used+types.StorageDataUnit(request.Size) > msp.Capacity {
				return nil, types.ErrInsufficientCapacity
			}
			sub := c.forestAt(bucket.Root)
			if err := sub.Insert(request.FileKey, request.Metadata().MetadataHash()); err != nil {
				return nil, err
			}
			bucket.Root = sub.Root()
			bucket.Size += request.Size
			// The file also enters the MSP's provider forest, which is
			// what its own challenge proofs run against.
			own := c.forestAt(msp.Root)
			if err := own.Insert(request.FileKey, request.Metadata().MetadataHash()); err != nil {
				return nil, err
			}
			msp.Root = own.Root()
			msp.Used += types.StorageDataUnit(request.Size)
			if msp.NextChallengeDeadline == 0 {
				period := challenge.PeriodFor(c.params, msp.Stake)
				msp.LastTickProven = c.tick
				msp.NextChallengeDeadline = c.tick + period
				c.runtime.ledger.Set(msp.ID, msp.NextChallengeDeadline)
			}
			request.MspStatus = types.MspAccepted

			ev := c.event(types.EventMspAccepted)
			ev.FileKey = &request.FileKey
			ev.Provider = &msp.ID
			ev.Bucket = &bucket.ID
			events = append(events, ev)
		} else {
			request.MspStatus = types.MspRejected
			ev := c.event(types.EventMspRejected)
			ev.FileKey = &request.FileKey
			ev.Provider = &msp.ID
			events = append(events, ev)
		}

		if request.MspStatus == types.MspRejected && request.BspsRequired == 0 {
			// Nothing left to satisfy: the request dies immediately.
			if err := c.store().DeleteStorageRequest(request.FileKey); err != nil {
				return nil, err
			}
			if err := c.release(request.Owner, request.DepositHeld, 0); err != nil {
				return nil, err
			}
			ev := c.event(types.EventStorageRequestRevoked)
			ev.FileKey = &request.FileKey
			events = append(events, ev)
			continue
		}

		if request.Fulfilled() {
			if err := c.fulfil(request, &events); err != nil {
				return nil, err
			}
			continue
		}
		if err := c.store().UpdateStorageRequest(request); err != nil {
			return nil, err
		}
	}

	// Recompute bucket roots against the supplied commitments, then persist
	// bucket and stream changes.
	for _, br := range call.NewBucketRoots {
		bucket := touched[br.Bucket]
		if bucket == nil {
			continue
		}
		if bucket.Root != br.Root {
			return nil, fmt.Errorf("%w: bucket root mismatch", types.ErrForestProofVerificationFailed)
		}
	}
	for _, bucket := range touched {
		if err := c.store().UpdateBucket(bucket); err != nil {
			return nil, err
		}
		if err := c.openOrRerateFixedStream(bucket); err != nil {
			return nil, err
		}
	}
	if err := c.store().PutProvider(msp); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *callContext) bspVolunteer(call *BspVolunteerCall) ([]types.Event, error) {
	bsp, err := c.providerBySigner(types.ProviderBSP)
	if err != nil {
		return nil, err
	}
	request, err := c.store().GetStorageRequest(call.FileKey)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, types.ErrUnknownStorageRequest
	}
	if request.HasVolunteer(bsp.ID) {
		return nil, fmt.Errorf("already volunteered")
	}
	if request.BspsVolunteered >= c.params.MaxReplicationTarget {
		return nil, fmt.Errorf("volunteer cap reached")
	}
	if bsp.Used+types.StorageDataUnit(request.Size) > bsp.Capacity {
		return nil, types.ErrInsufficientCapacity
	}

	// Eligibility is a pure function of chain state at issuance: the seed
	// recorded for the issuance tick, never the current one.
	issuanceSeed, err := c.store().GetSeed(request.IssuedAt)
	if err != nil {
		return nil, err
	}
	earliest := challenge.EarliestVolunteerTick(c.params, bsp.ID, request.FileKey, issuanceSeed, bsp.ReputationWeight, request.IssuedAt)
	if c.tick < earliest {
		return nil, types.ErrVolunteerTooEarly
	}

	request.BspsVolunteered++
	request.Volunteers = append(request.Volunteers, bsp.ID)
	if err := c.store().UpdateStorageRequest(request); err != nil {
		return nil, err
	}

	ev := c.event(types.EventBspVolunteered)
	ev.FileKey = &request.FileKey
	ev.Provider = &bsp.ID
	return []types.Event{ev}, nil
}

func (c *callContext) bspConfirmStoring(call *BspConfirmCall) ([]types.Event, error) {
	if len(call.Confirmations) == 0 {
		return nil, fmt.Errorf("empty confirmation batch")
	}
	if uint32(len(call.Confirmations)) > c.params.MaxBatchConfirmStorageRequests {
		return nil, fmt.Errorf("batch exceeds %d confirmations", c.params.MaxBatchConfirmStorageRequests)
	}
	bsp, err := c.providerBySigner(types.ProviderBSP)
	if err != nil {
		return nil, err
	}

	// One forest proof covers the whole batch: every confirmed key must be
	// proven absent from the provider's forest as of its current root. A
	// concurrent deletion in this block moves the root first and fails the
	// batch here; the provider rebuilds against the new root and retries.
	keys := make([]types.FileKey, len(call.Confirmations))
	for i, conf := range call.Confirmations {
		keys[i] = conf.FileKey
	}
	if err := forest.Verify(bsp.Root, keys, call.ForestProof); err != nil {
		return nil, err
	}
	if len(call.ForestProof.ExactKeys()) != 0 {
		return nil, fmt.Errorf("%w: confirmed key already in forest", types.ErrForestProofVerificationFailed)
	}

	var events []types.Event
	working := c.forestAt(bsp.Root)
	requests := make([]*types.StorageRequest, len(call.Confirmations))

	for i, conf := range call.Confirmations {
		request, err := c.store().GetStorageRequest(conf.FileKey)
		if err != nil {
			return nil, err
		}
		if request == nil {
			return nil, types.ErrUnknownStorageRequest
		}
		if !request.HasVolunteer(bsp.ID) {
			return nil, fmt.Errorf("confirm without volunteer")
		}
		if request.HasConfirmed(bsp.ID) {
			return nil, fmt.Errorf("already confirmed")
		}
		if bsp.Used+types.StorageDataUnit(request.Size) > bsp.Capacity {
			return nil, types.ErrInsufficientCapacity
		}

		// The chunk proof demonstrates possession of the challenged chunks
		// drawn from the issuance seed.
		issuanceSeed, err := c.store().GetSeed(request.IssuedAt)
		if err != nil {
			return nil, err
		}
		if err := verifyKeyProof(issuanceSeed, request.Metadata(), conf.ChunkProof); err != nil {
			return nil, err
		}

		if err := working.Insert(request.FileKey, request.Metadata().MetadataHash()); err != nil {
			return nil, err
		}
		bsp.Used += types.StorageDataUnit(request.Size)
		requests[i] = request
	}

	if working.Root() != call.NewRoot {
		return nil, fmt.Errorf("%w: recomputed root does not match submitted root", types.ErrForestProofVerificationFailed)
	}
	bsp.Root = call.NewRoot

	for _, request := range requests {
		request.BspsConfirmed++
		request.Confirmed = append(request.Confirmed, bsp.ID)

		// The dynamic-rate stream between this BSP and the owner grows by
		// the file size.
		if err := c.growDynamicStream(bsp.ID, request.Owner, types.StorageDataUnit(request.Size)); err != nil {
			return nil, err
		}

		ev := c.event(types.EventBspConfirmed)
		ev.FileKey = &request.FileKey
		ev.Provider = &bsp.ID
		events = append(events, ev)

		if request.Fulfilled() {
			if err := c.fulfil(request, &events); err != nil {
				return nil, err
			}
		} else if err := c.store().UpdateStorageRequest(request); err != nil {
			return nil, err
		}
	}

	if bsp.NextChallengeDeadline == 0 {
		// First confirmed file starts the proving clock.
		period := challenge.PeriodFor(c.params, bsp.Stake)
		bsp.LastTickProven = c.tick
		bsp.NextChallengeDeadline = c.tick + period
		c.runtime.ledger.Set(bsp.ID, bsp.NextChallengeDeadline)
	}
	if err := c.store().PutProvider(bsp); err != nil {
		return nil, err
	}
	return events, nil
}

// fulfil finalises a satisfied request: the record is destroyed and the
// creation deposit returned.
func (c *callContext) fulfil(request *types.StorageRequest, events *[]types.Event) error {
	if err := c.store().DeleteStorageRequest(request.FileKey); err != nil {
		return err
	}
	if err := c.release(request.Owner, request.DepositHeld, 0); err != nil {
		return err
	}
	ev := c.event(types.EventStorageRequestFulfilled)
	ev.FileKey = &request.FileKey
	ev.Account = &request.Owner
	*events = append(*events, ev)
	return nil
}

func (c *callContext) bspRequestStopStoring(call *BspRequestStopStoringCall) ([]types.Event, error) {
	bsp, err := c.providerBySigner(types.ProviderBSP)
	if err != nil {
		return nil, err
	}
	if err := forest.Verify(bsp.Root, []types.FileKey{call.FileKey}, call.InclusionProof); err != nil {
		return nil, err
	}
	if len(call.InclusionProof.ExactKeys()) != 1 {
		return nil, fmt.Errorf("%w: stop storing needs an inclusion witness", types.ErrForestProofVerificationFailed)
	}
	existing, err := c.store().GetStopStoringRequest(bsp.ID, call.FileKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("stop storing already requested")
	}
	req := &types.StopStoringRequest{Provider: bsp.ID, FileKey: call.FileKey, RequestedAt: c.tick}
	if err := c.store().PutStopStoringRequest(req); err != nil {
		return nil, err
	}
	ev := c.event(types.EventBspStopStoringRequested)
	ev.FileKey = &call.FileKey
	ev.Provider = &bsp.ID
	return []types.Event{ev}, nil
}

func (c *callContext) bspConfirmStopStoring(call *BspConfirmStopStoringCall) ([]types.Event, error) {
	bsp, err := c.providerBySigner(types.ProviderBSP)
	if err != nil {
		return nil, err
	}
	pending, err := c.store().GetStopStoringRequest(bsp.ID, call.FileKey)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, fmt.Errorf("no stop storing request pending")
	}
	if c.tick < pending.RequestedAt+c.params.MinWaitForStopStoring {
		return nil, types.ErrStopStoringTooEarly
	}
	if call.Metadata == nil || call.Metadata.Key() != call.FileKey {
		return nil, fmt.Errorf("metadata does not match file key")
	}
	if err := forest.Verify(bsp.Root, []types.FileKey{call.FileKey}, call.InclusionProof); err != nil {
		return nil, err
	}

	working := c.forestAt(bsp.Root)
	value, ok, err := working.Get(call.FileKey)
	if err != nil {
		return nil, err
	}
	if !ok || value != call.Metadata.MetadataHash() {
		return nil, fmt.Errorf("%w: leaf value does not match metadata", types.ErrForestProofVerificationFailed)
	}
	if err := working.Remove(call.FileKey); err != nil {
		return nil, err
	}
	if working.Root() != call.NewRoot {
		return nil, fmt.Errorf("%w: recomputed root does not match submitted root", types.ErrForestProofVerificationFailed)
	}

	// Dropping a file early costs the stop-storing penalty out of stake.
	penalty := c.params.BspStopStoringFilePenalty
	if penalty > bsp.Stake {
		penalty = bsp.Stake
	}
	bsp.Stake -= penalty
	bsp.Root = call.NewRoot
	if types.StorageDataUnit(call.Metadata.Size) > bsp.Used {
		bsp.Used = 0
	} else {
		bsp.Used -= types.StorageDataUnit(call.Metadata.Size)
	}
	if err := c.store().PutProvider(bsp); err != nil {
		return nil, err
	}
	if err := c.store().DeleteStopStoringRequest(bsp.ID, call.FileKey); err != nil {
		return nil, err
	}
	if err := c.shrinkDynamicStream(bsp.ID, call.Metadata.Owner, types.StorageDataUnit(call.Metadata.Size)); err != nil {
		return nil, err
	}

	ev := c.event(types.EventBspStopStoringConfirmed)
	ev.FileKey = &call.FileKey
	ev.Provider = &bsp.ID
	ev.Amount = penalty
	return []types.Event{ev}, nil
}

func (c *callContext) requestDeleteFile(call *RequestDeleteFileCall) ([]types.Event, error) {
	intent := &call.Intention
	if intent.Operation != types.FileOpDelete {
		return nil, fmt.Errorf("unsupported file operation %q", intent.Operation)
	}
	// The extrinsic signature is the authorization: the host verified the
	// signer, and the signer must be the intention's author.
	if intent.Signer != c.signer {
		return nil, types.ErrBadSignature
	}
	bucket, err := c.store().GetBucket(intent.Bucket)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, types.ErrUnknownBucket
	}
	if bucket.Owner != c.signer {
		return nil, types.ErrNotBucketOwner
	}
	del := &types.PendingFileDeletion{
		FileKey:  intent.FileKey,
		Bucket:   intent.Bucket,
		Owner:    c.signer,
		FileSize: call.FileSize,
		QueuedAt: c.tick,
	}
	if err := c.store().PutPendingDeletion(del); err != nil {
		return nil, err
	}
	ev := c.event(types.EventFileDeletionRequested)
	ev.FileKey = &intent.FileKey
	ev.Bucket = &intent.Bucket
	ev.Account = &c.signer
	return []types.Event{ev}, nil
}

func (c *callContext) deleteFiles(call *DeleteFilesCall) ([]types.Event, error) {
	if len(call.FileKeys) == 0 {
		return nil, fmt.Errorf("no file keys to delete")
	}
	provider, err := c.store().GetProvider(call.Provider)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, types.ErrUnknownProvider
	}

	dels := make([]*types.PendingFileDeletion, len(call.FileKeys))
	for i, key := range call.FileKeys {
		del, err := c.store().GetPendingDeletion(key)
		if err != nil {
			return nil, err
		}
		if del == nil {
			return nil, fmt.Errorf("file %s has no pending deletion", types.Hash(key).HexString())
		}
		dels[i] = del
	}

	if err := forest.Verify(provider.Root, call.FileKeys, call.ForestProof); err != nil {
		return nil, err
	}
	if len(call.ForestProof.ExactKeys()) != len(call.FileKeys) {
		return nil, fmt.Errorf("%w: deletion needs inclusion witnesses", types.ErrForestProofVerificationFailed)
	}

	working := c.forestAt(provider.Root)
	for _, key := range call.FileKeys {
		if err := working.Remove(key); err != nil {
			return nil, err
		}
	}
	if working.Root() != call.NewRoot {
		return nil, fmt.Errorf("%w: recomputed root does not match submitted root", types.ErrForestProofVerificationFailed)
	}
	provider.Root = call.NewRoot

	var events []types.Event
	var freed types.StorageDataUnit
	for _, del := range dels {
		freed += types.StorageDataUnit(del.FileSize)
		if provider.Kind == types.ProviderMSP {
			// The MSP mirrors the removal in the bucket sub-forest and the
			// fixed stream re-rates from the shrunken bucket.
			bucket, err := c.store().GetBucket(del.Bucket)
			if err != nil {
				return nil, err
			}
			if bucket != nil && bucket.MSP != nil && *bucket.MSP == provider.ID {
				sub := c.forestAt(bucket.Root)
				if err := sub.Remove(del.FileKey); err == nil {
					bucket.Root = sub.Root()
					if del.FileSize > bucket.Size {
						bucket.Size = 0
					} else {
						bucket.Size -= del.FileSize
					}
					if err := c.store().UpdateBucket(bucket); err != nil {
						return nil, err
					}
					if err := c.openOrRerateFixedStream(bucket); err != nil {
						return nil, err
					}
				}
			}
		} else {
			if err := c.shrinkDynamicStream(provider.ID, del.Owner, types.StorageDataUnit(del.FileSize)); err != nil {
				return nil, err
			}
		}
		if err := c.store().DeletePendingDeletion(del.FileKey); err != nil {
			return nil, err
		}
		ev := c.event(types.EventFilesDeleted)
		ev.FileKey = &del.FileKey
		ev.Provider = &provider.ID
		events = append(events, ev)
	}

	if freed > provider.Used {
		provider.Used = 0
	} else {
		provider.Used -= freed
	}
	if err := c.store().PutProvider(provider); err != nil {
		return nil, err
	}
	return events, nil
}

// verifyKeyProof checks a chunk proof against the metadata's fingerprint for
// the chunk indices the seed selects.
func verifyKeyProof(seed types.Seed, meta *types.FileMetadata, proof *chunker.ChunkProof) error {
	if proof == nil {
		return types.ErrFileKeyProofVerificationFailed
	}
	if proof.Size != meta.Size {
		return types.ErrFileKeyProofVerificationFailed
	}
	want := challenge.ChunkIndices(seed, meta.Key(), chunker.Count(meta.Size), 2)
	have := make(map[uint64]bool, len(proof.Witnesses))
	for _, w := range proof.Witnesses {
		have[w.Index] = true
	}
	for _, idx := range want {
		if !have[idx] {
			return types.ErrFileKeyProofVerificationFailed
		}
	}
	return chunker.VerifyChunkProof(meta.Fingerprint, proof)
}
