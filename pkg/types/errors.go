package types

import "errors"

// Validation errors are rejected at entry with no state change.
var (
	ErrEmptyFile              = errors.New("file is empty")
	ErrLocationLength         = errors.New("file location empty or too long")
	ErrUnknownBucket          = errors.New("unknown bucket")
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrUnknownMsp             = errors.New("unknown msp")
	ErrUnknownStorageRequest  = errors.New("unknown storage request")
	ErrDuplicateRequest       = errors.New("storage request already exists for file key")
	ErrReplicationOutOfBounds = errors.New("replication target out of bounds")
	ErrFileTooLarge           = errors.New("file exceeds maximum size")
	ErrNotBucketOwner         = errors.New("caller does not own the bucket")
	ErrNotRequestOwner        = errors.New("caller does not own the storage request")
	ErrBadSignature           = errors.New("invalid file operation signature")
)

// Resource errors.
var (
	ErrInsufficientCapacity = errors.New("insufficient provider capacity")
	ErrInsufficientDeposit  = errors.New("insufficient deposit")
	ErrUserWithoutFunds     = errors.New("user flagged without funds")
)

// Protocol errors. The proof and fingerprint errors are retryable off-chain:
// the coordinator rebuilds against fresh state and resubmits. An unexpected
// download request is not retryable.
var (
	ErrForestProofVerificationFailed  = errors.New("forest proof verification failed")
	ErrFileKeyProofVerificationFailed = errors.New("file key proof verification failed")
	ErrFingerprintMismatch            = errors.New("chunk fingerprint mismatch")
	ErrUnexpectedDownloadRequest      = errors.New("unexpected download request")
)

// Timing errors. Never retried.
var (
	ErrRequestExpired      = errors.New("storage request expired")
	ErrProofTooLate        = errors.New("proof submitted past tolerance")
	ErrProofTooEarly       = errors.New("proof submitted before challenge tick")
	ErrStopStoringTooEarly = errors.New("stop storing requested before minimum wait")
	ErrVolunteerTooEarly   = errors.New("volunteer threshold not yet open")
)

// Concurrency errors, handled by the transaction manager.
var (
	ErrNonceOutdated = errors.New("nonce outdated")
	ErrNonceGap      = errors.New("nonce gap")
	ErrTxUsurped     = errors.New("transaction usurped")
)

// Internal errors, fatal to the affected task.
var (
	ErrRpcDisconnected    = errors.New("rpc disconnected")
	ErrIndexerUnavailable = errors.New("indexer unavailable")
)

// Retryable reports whether the coordinator should rebuild and resubmit after
// seeing err, rather than surface it.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrForestProofVerificationFailed),
		errors.Is(err, ErrFileKeyProofVerificationFailed),
		errors.Is(err, ErrFingerprintMismatch):
		return true
	default:
		return false
	}
}
