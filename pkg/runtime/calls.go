package runtime

import (
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/forest"
	"github.com/storagehub-net/storagehub/pkg/types"
)

// CreateBucketCall opens a new bucket owned by the signer.
type CreateBucketCall struct {
	Name      string            `json:"name"`
	MSP       *types.ProviderID `json:"msp,omitempty"`
	ValueProp types.ValuePropID `json:"value_prop"`
	Private   bool              `json:"private"`
}

// UpdateBucketPrivacyCall toggles a bucket between private and public.
type UpdateBucketPrivacyCall struct {
	Bucket  types.BucketID `json:"bucket"`
	Private bool           `json:"private"`
}

// IssueStorageRequestCall asks the network to store a file.
type IssueStorageRequestCall struct {
	Bucket      types.BucketID          `json:"bucket"`
	Location    []byte                  `json:"location"`
	Size        uint64                  `json:"size"`
	Fingerprint types.Fingerprint       `json:"fingerprint"`
	Replication types.ReplicationTarget `json:"replication"`
	PeerIDs     []string                `json:"peer_ids,omitempty"`
}

// RevokeStorageRequestCall withdraws an open request.
type RevokeStorageRequestCall struct {
	FileKey types.FileKey `json:"file_key"`
}

// MspResponse is one accept/reject decision within a batch.
type MspResponse struct {
	FileKey      types.FileKey `json:"file_key"`
	Accept       bool          `json:"accept"`
	RejectReason string        `json:"reject_reason,omitempty"`
}

// BucketRoot pairs a bucket with its recomputed sub-forest root.
type BucketRoot struct {
	Bucket types.BucketID `json:"bucket"`
	Root   types.Root     `json:"root"`
}

// MspRespondCall batches storage request responses across buckets. Bucket
// roots after the accepted insertions are supplied and recomputed on-chain.
type MspRespondCall struct {
	Responses      []MspResponse `json:"responses"`
	NewBucketRoots []BucketRoot  `json:"new_bucket_roots,omitempty"`
}

// BspVolunteerCall registers the signer's BSP for a file once its threshold
// has opened.
type BspVolunteerCall struct {
	FileKey types.FileKey `json:"file_key"`
}

// BspConfirmation is one file within a confirm-storing batch.
type BspConfirmation struct {
	FileKey    types.FileKey       `json:"file_key"`
	ChunkProof *chunker.ChunkProof `json:"chunk_proof"`
}

// BspConfirmCall confirms storage of a batch of files. A single forest proof
// covers every confirmed key against the provider's pre-insert root; the
// post-insert root is supplied and recomputed on-chain.
type BspConfirmCall struct {
	Confirmations []BspConfirmation `json:"confirmations"`
	ForestProof   *forest.Proof     `json:"forest_proof"`
	NewRoot       types.Root        `json:"new_root"`
}

// BspRequestStopStoringCall opens the stop-storing wait window for a file
// the BSP holds.
type BspRequestStopStoringCall struct {
	FileKey        types.FileKey `json:"file_key"`
	InclusionProof *forest.Proof `json:"inclusion_proof"`
}

// BspConfirmStopStoringCall completes a stop-storing request after the
// minimum wait.
type BspConfirmStopStoringCall struct {
	FileKey        types.FileKey       `json:"file_key"`
	Metadata       *types.FileMetadata `json:"metadata"`
	InclusionProof *forest.Proof       `json:"inclusion_proof"`
	NewRoot        types.Root          `json:"new_root"`
}

// KeyProof bundles the file metadata and chunk proof answering a challenge
// that fell on a stored key. The metadata lets the verifier tie the chunk
// proof's fingerprint to the forest leaf's metadata hash.
type KeyProof struct {
	FileKey    types.FileKey       `json:"file_key"`
	Metadata   *types.FileMetadata `json:"metadata"`
	ChunkProof *chunker.ChunkProof `json:"chunk_proof"`
}

// SubmitProofCall answers the challenges for one proof tick.
type SubmitProofCall struct {
	Tick        types.Tick    `json:"tick"`
	ForestProof *forest.Proof `json:"forest_proof"`
	KeyProofs   []KeyProof    `json:"key_proofs,omitempty"`
	NewRoot     *types.Root   `json:"new_root,omitempty"`
}

// RequestDeleteFileCall queues a signed deletion intention.
type RequestDeleteFileCall struct {
	Intention types.FileOperationIntention `json:"intention"`
	FileSize  uint64                       `json:"file_size"`
}

// DeleteFilesCall removes queued-for-deletion files from one provider's
// forest, authenticated by an inclusion proof against its current root.
type DeleteFilesCall struct {
	Provider    types.ProviderID `json:"provider"`
	FileKeys    []types.FileKey  `json:"file_keys"`
	ForestProof *forest.Proof    `json:"forest_proof"`
	NewRoot     types.Root       `json:"new_root"`
}

// ChargePaymentStreamsCall settles the signer provider's streams with the
// listed users.
type ChargePaymentStreamsCall struct {
	Users []types.AccountID `json:"users"`
}

// ClearInsolventFlagCall settles a user's arrears after the cooldown.
type ClearInsolventFlagCall struct{}

// MspSignUpCall registers the signer as a main storage provider.
type MspSignUpCall struct {
	Capacity   types.StorageDataUnit    `json:"capacity"`
	Deposit    types.Balance            `json:"deposit"`
	ValueProps []types.ValueProposition `json:"value_props"`
	PeerID     string                   `json:"peer_id"`
}

// BspSignUpCall registers the signer as a backup storage provider.
type BspSignUpCall struct {
	Capacity types.StorageDataUnit `json:"capacity"`
	Deposit  types.Balance         `json:"deposit"`
	PeerID   string                `json:"peer_id"`
}

// ProviderSignOffCall deregisters an empty provider and releases its stake.
type ProviderSignOffCall struct {
	Kind types.ProviderKind `json:"kind"`
}

// SetParamsCall replaces the runtime parameter table (governance only).
type SetParamsCall struct {
	Params *types.Params `json:"params"`
}

// QueuePriorityChallengeCall appends a custom checkpoint challenge.
type QueuePriorityChallengeCall struct {
	Key          types.FileKey `json:"key"`
	ShouldRemove bool          `json:"should_remove"`
}

// RemarkCall carries arbitrary bytes and changes no state.
type RemarkCall struct {
	Data []byte `json:"data"`
}
