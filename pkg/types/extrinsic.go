package types

import (
	"encoding/json"
	"fmt"
)

// CallOp names a runtime call. The set mirrors the extrinsics providers and
// users submit.
type CallOp string

const (
	OpCreateBucket             CallOp = "create_bucket"
	OpUpdateBucketPrivacy      CallOp = "update_bucket_privacy"
	OpIssueStorageRequest      CallOp = "issue_storage_request"
	OpRevokeStorageRequest     CallOp = "revoke_storage_request"
	OpMspRespondStorageRequests CallOp = "msp_respond_storage_requests_multiple_buckets"
	OpBspVolunteer             CallOp = "bsp_volunteer"
	OpBspConfirmStoring        CallOp = "bsp_confirm_storing"
	OpBspRequestStopStoring    CallOp = "bsp_request_stop_storing"
	OpBspConfirmStopStoring    CallOp = "bsp_confirm_stop_storing"
	OpSubmitProof              CallOp = "submit_proof"
	OpRequestDeleteFile        CallOp = "request_delete_file"
	OpDeleteFiles              CallOp = "delete_files"
	OpChargePaymentStreams     CallOp = "charge_multiple_users_payment_streams"
	OpClearInsolventFlag       CallOp = "clear_insolvent_flag"
	OpMspSignUp                CallOp = "msp_sign_up"
	OpBspSignUp                CallOp = "bsp_sign_up"
	OpProviderSignOff          CallOp = "provider_sign_off"
	OpSetParams                CallOp = "set_params"
	OpQueuePriorityChallenge   CallOp = "queue_priority_challenge"
	OpRemark                   CallOp = "remark"
)

// Call is the op-tagged payload of an extrinsic, mirroring the command shape
// applied by the chain state machine.
type Call struct {
	Op   CallOp          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewCall marshals payload into an op-tagged call.
func NewCall(op CallOp, payload any) (Call, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Call{}, fmt.Errorf("marshal %s payload: %w", op, err)
	}
	return Call{Op: op, Data: data}, nil
}

// Extrinsic is a signed call with replay protection and priority tip.
type Extrinsic struct {
	Signer AccountID `json:"signer"`
	Nonce  uint64    `json:"nonce"`
	Tip    Balance   `json:"tip"`
	Call   Call      `json:"call"`
}

// Hash identifies the extrinsic. Tip participates so a re-tipped submission
// produces a distinct hash for the same (signer, nonce).
func (e *Extrinsic) Hash() Hash {
	data, _ := json.Marshal(e)
	return Hashed(data)
}

// EventKind names a runtime event.
type EventKind string

const (
	EventBucketCreated          EventKind = "bucket.created"
	EventStorageRequestIssued   EventKind = "storage_request.issued"
	EventStorageRequestFulfilled EventKind = "storage_request.fulfilled"
	EventStorageRequestExpired  EventKind = "storage_request.expired"
	EventStorageRequestRevoked  EventKind = "storage_request.revoked"
	EventMspAccepted            EventKind = "msp.accepted"
	EventMspRejected            EventKind = "msp.rejected"
	EventBspVolunteered         EventKind = "bsp.volunteered"
	EventBspConfirmed           EventKind = "bsp.confirmed"
	EventBspStopStoringRequested EventKind = "bsp.stop_storing_requested"
	EventBspStopStoringConfirmed EventKind = "bsp.stop_storing_confirmed"
	EventProofAccepted          EventKind = "proof.accepted"
	EventNewChallengeSeed       EventKind = "challenge.new_seed"
	EventCheckpointChallenges   EventKind = "challenge.checkpoint"
	EventProviderSlashed        EventKind = "provider.slashed"
	EventProviderSignedUp       EventKind = "provider.signed_up"
	EventProviderSignedOff      EventKind = "provider.signed_off"
	EventMutationsApplied       EventKind = "forest.mutations_applied"
	EventFileDeletionRequested  EventKind = "file.deletion_requested"
	EventFilesDeleted           EventKind = "file.deleted"
	EventUsersCharged           EventKind = "payment.users_charged"
	EventUserWithoutFunds       EventKind = "payment.user_without_funds"
	EventInsolventFlagCleared   EventKind = "payment.insolvent_flag_cleared"
	EventParamsUpdated          EventKind = "governance.params_updated"
)

// Event is emitted by the runtime while applying a block's extrinsics.
type Event struct {
	Kind     EventKind   `json:"kind"`
	Provider *ProviderID `json:"provider,omitempty"`
	Account  *AccountID  `json:"account,omitempty"`
	FileKey  *FileKey    `json:"file_key,omitempty"`
	Bucket   *BucketID   `json:"bucket,omitempty"`
	Tick     Tick        `json:"tick"`
	Amount   Balance     `json:"amount,omitempty"`
	Seed     *Seed       `json:"seed,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
