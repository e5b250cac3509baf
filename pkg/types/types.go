package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// HashLen is the length in bytes of every protocol hash and identifier.
const HashLen = 32

// MaxLocationLen bounds the opaque path stored with a file.
const MaxLocationLen = 512

// Hash is a 32-byte blake2b digest.
type Hash [HashLen]byte

// Identifier aliases. They are all 32-byte values but are kept as distinct
// types so a bucket id cannot be passed where a file key is expected.
type (
	AccountID   Hash
	ProviderID  Hash
	BucketID    Hash
	FileKey     Hash
	Fingerprint Hash
	Root        Hash
	Seed        Hash
	ValuePropID Hash
)

// Tick is the protocol time unit. It usually equals block height but can run
// ahead of it when migrations skip blocks.
type Tick uint64

// StorageDataUnit measures storage in bytes.
type StorageDataUnit uint64

// Balance is an on-chain token amount.
type Balance uint64

// Hashed returns the blake2b-256 digest of data.
func Hashed(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// HexString renders a hash as 0x-prefixed hex.
func (h Hash) HexString() string {
	return "0x" + hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// IsZero reports whether the root is all zeroes.
func (r Root) IsZero() bool {
	return Hash(r).IsZero()
}

// HashFromHex parses a 0x-prefixed or bare hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != HashLen {
		return Hash{}, fmt.Errorf("expected %d bytes, got %d", HashLen, len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// FileMetadata is the tuple a file key commits to.
type FileMetadata struct {
	Owner       AccountID   `json:"owner"`
	Bucket      BucketID    `json:"bucket"`
	Location    []byte      `json:"location"`
	Size        uint64      `json:"size"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Validate checks the boundary rules for file metadata.
func (m *FileMetadata) Validate() error {
	if m.Size == 0 {
		return ErrEmptyFile
	}
	if len(m.Location) == 0 || len(m.Location) > MaxLocationLen {
		return ErrLocationLength
	}
	return nil
}

// Encode writes the metadata in its deterministic binary layout.
func (m *FileMetadata) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(m.Owner[:])
	buf.Write(m.Bucket[:])
	writeBytes(&buf, m.Location)
	writeU64(&buf, m.Size)
	buf.Write(m.Fingerprint[:])
	return buf.Bytes()
}

// Key derives the file key: H(owner || bucket || location || size ||
// fingerprint). It is a pure function of the metadata fields.
func (m *FileMetadata) Key() FileKey {
	return FileKey(Hashed(m.Encode()))
}

// MetadataHash is the trie value a forest stores under a file key.
func (m *FileMetadata) MetadataHash() Hash {
	return Hashed(append([]byte("file-metadata:"), m.Encode()...))
}

// DecodeFileMetadata reverses Encode.
func DecodeFileMetadata(data []byte) (*FileMetadata, error) {
	r := bytes.NewReader(data)
	var m FileMetadata
	if err := readHash(r, (*Hash)(&m.Owner)); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if err := readHash(r, (*Hash)(&m.Bucket)); err != nil {
		return nil, fmt.Errorf("bucket: %w", err)
	}
	loc, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	if len(loc) > MaxLocationLen {
		return nil, ErrLocationLength
	}
	m.Location = loc
	if m.Size, err = readU64(r); err != nil {
		return nil, fmt.Errorf("size: %w", err)
	}
	if err := readHash(r, (*Hash)(&m.Fingerprint)); err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after file metadata")
	}
	return &m, nil
}

// Bucket groups a user's files under a single MSP.
type Bucket struct {
	ID        BucketID    `json:"id"`
	Owner     AccountID   `json:"owner"`
	MSP       *ProviderID `json:"msp,omitempty"`
	ValueProp ValuePropID `json:"value_prop"`
	Private   bool        `json:"private"`
	Root      Root        `json:"root"`
	Size      uint64      `json:"size"`
}

// MspAcceptance tracks the MSP side of a storage request.
type MspAcceptance string

const (
	MspPending  MspAcceptance = "pending"
	MspAccepted MspAcceptance = "accepted"
	MspRejected MspAcceptance = "rejected"
)

// MaxUserPeerIDs bounds the peer addresses attached to a storage request.
const MaxUserPeerIDs = 5

// StorageRequest is the on-chain record of a pending file placement.
type StorageRequest struct {
	FileKey         FileKey       `json:"file_key"`
	Bucket          BucketID      `json:"bucket"`
	Location        []byte        `json:"location"`
	Size            uint64        `json:"size"`
	Fingerprint     Fingerprint   `json:"fingerprint"`
	Owner           AccountID     `json:"owner"`
	MSP             *ProviderID   `json:"msp,omitempty"`
	MspStatus       MspAcceptance `json:"msp_status"`
	BspsRequired    uint32        `json:"bsps_required"`
	BspsConfirmed   uint32        `json:"bsps_confirmed"`
	BspsVolunteered uint32        `json:"bsps_volunteered"`
	UserPeerIDs     []string      `json:"user_peer_ids,omitempty"`
	ExpiresAt       Tick          `json:"expires_at"`
	DepositHeld     Balance       `json:"deposit_held"`
	IssuedAt        Tick          `json:"issued_at"`
	Volunteers      []ProviderID  `json:"volunteers,omitempty"`
	Confirmed       []ProviderID  `json:"confirmed,omitempty"`
}

// Fulfilled reports whether the request has met its replication and MSP
// acceptance conditions.
func (r *StorageRequest) Fulfilled() bool {
	mspDone := r.MSP == nil || r.MspStatus == MspAccepted
	return mspDone && r.BspsConfirmed >= r.BspsRequired
}

// HasVolunteer reports whether the provider already volunteered.
func (r *StorageRequest) HasVolunteer(id ProviderID) bool {
	for _, v := range r.Volunteers {
		if v == id {
			return true
		}
	}
	return false
}

// HasConfirmed reports whether the provider already confirmed.
func (r *StorageRequest) HasConfirmed(id ProviderID) bool {
	for _, v := range r.Confirmed {
		if v == id {
			return true
		}
	}
	return false
}

// Metadata rebuilds the file metadata committed to by the request.
func (r *StorageRequest) Metadata() *FileMetadata {
	return &FileMetadata{
		Owner:       r.Owner,
		Bucket:      r.Bucket,
		Location:    r.Location,
		Size:        r.Size,
		Fingerprint: r.Fingerprint,
	}
}

// Encode writes the request in its deterministic binary layout.
func (r *StorageRequest) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(r.FileKey[:])
	buf.Write(r.Bucket[:])
	writeBytes(&buf, r.Location)
	writeU64(&buf, r.Size)
	buf.Write(r.Fingerprint[:])
	buf.Write(r.Owner[:])
	if r.MSP != nil {
		buf.WriteByte(1)
		buf.Write(r.MSP[:])
	} else {
		buf.WriteByte(0)
	}
	writeBytes(&buf, []byte(r.MspStatus))
	writeU32(&buf, r.BspsRequired)
	writeU32(&buf, r.BspsConfirmed)
	writeU32(&buf, r.BspsVolunteered)
	writeU32(&buf, uint32(len(r.UserPeerIDs)))
	for _, p := range r.UserPeerIDs {
		writeBytes(&buf, []byte(p))
	}
	writeU64(&buf, uint64(r.ExpiresAt))
	writeU64(&buf, uint64(r.DepositHeld))
	writeU64(&buf, uint64(r.IssuedAt))
	writeU32(&buf, uint32(len(r.Volunteers)))
	for _, v := range r.Volunteers {
		buf.Write(v[:])
	}
	writeU32(&buf, uint32(len(r.Confirmed)))
	for _, v := range r.Confirmed {
		buf.Write(v[:])
	}
	return buf.Bytes()
}

// DecodeStorageRequest reverses Encode.
func DecodeStorageRequest(data []byte) (*StorageRequest, error) {
	r := bytes.NewReader(data)
	var sr StorageRequest
	var err error
	if err = readHash(r, (*Hash)(&sr.FileKey)); err != nil {
		return nil, err
	}
	if err = readHash(r, (*Hash)(&sr.Bucket)); err != nil {
		return nil, err
	}
	if sr.Location, err = readBytes(r); err != nil {
		return nil, err
	}
	if sr.Size, err = readU64(r); err != nil {
		return nil, err
	}
	if err = readHash(r, (*Hash)(&sr.Fingerprint)); err != nil {
		return nil, err
	}
	if err = readHash(r, (*Hash)(&sr.Owner)); err != nil {
		return nil, err
	}
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if flag == 1 {
		var msp ProviderID
		if err = readHash(r, (*Hash)(&msp)); err != nil {
			return nil, err
		}
		sr.MSP = &msp
	}
	status, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	sr.MspStatus = MspAcceptance(status)
	if sr.BspsRequired, err = readU32(r); err != nil {
		return nil, err
	}
	if sr.BspsConfirmed, err = readU32(r); err != nil {
		return nil, err
	}
	if sr.BspsVolunteered, err = readU32(r); err != nil {
		return nil, err
	}
	npeers, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < npeers; i++ {
		p, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		sr.UserPeerIDs = append(sr.UserPeerIDs, string(p))
	}
	var u uint64
	if u, err = readU64(r); err != nil {
		return nil, err
	}
	sr.ExpiresAt = Tick(u)
	if u, err = readU64(r); err != nil {
		return nil, err
	}
	sr.DepositHeld = Balance(u)
	if u, err = readU64(r); err != nil {
		return nil, err
	}
	sr.IssuedAt = Tick(u)
	nvol, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nvol; i++ {
		var v ProviderID
		if err = readHash(r, (*Hash)(&v)); err != nil {
			return nil, err
		}
		sr.Volunteers = append(sr.Volunteers, v)
	}
	nconf, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nconf; i++ {
		var v ProviderID
		if err = readHash(r, (*Hash)(&v)); err != nil {
			return nil, err
		}
		sr.Confirmed = append(sr.Confirmed, v)
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after storage request")
	}
	return &sr, nil
}

// ProviderKind distinguishes main from backup storage providers.
type ProviderKind string

const (
	ProviderMSP ProviderKind = "msp"
	ProviderBSP ProviderKind = "bsp"
)

// ValueProposition is an MSP price point users subscribe buckets to.
type ValueProposition struct {
	ID                   ValuePropID `json:"id"`
	PricePerGigaUnitTick Balance     `json:"price_per_giga_unit_per_tick"`
	BucketDataLimit      uint64      `json:"bucket_data_limit"`
}

// Provider is the on-chain record of an MSP or BSP.
type Provider struct {
	ID                    ProviderID         `json:"id"`
	Kind                  ProviderKind       `json:"kind"`
	Account               AccountID          `json:"account"`
	Capacity              StorageDataUnit    `json:"capacity"`
	Used                  StorageDataUnit    `json:"used"`
	Root                  Root               `json:"root"`
	ReputationWeight      uint32             `json:"reputation_weight"`
	LastTickProven        Tick               `json:"last_tick_proven"`
	NextChallengeDeadline Tick               `json:"next_challenge_deadline"`
	Stake                 Balance            `json:"stake"`
	SignUpTick            Tick               `json:"sign_up_tick"`
	ValueProps            []ValueProposition `json:"value_props,omitempty"`
	PeerID                string             `json:"peer_id,omitempty"`
}

// ValueProp returns the proposition with the given id, if any.
func (p *Provider) ValueProp(id ValuePropID) *ValueProposition {
	for i := range p.ValueProps {
		if p.ValueProps[i].ID == id {
			return &p.ValueProps[i]
		}
	}
	return nil
}

// Account is the minimal ledger record behind an AccountID: a free balance,
// the total held in deposits, and the insolvency flag used by payment
// streams.
type Account struct {
	ID                AccountID `json:"id"`
	Free              Balance   `json:"free"`
	Held              Balance   `json:"held"`
	WithoutFundsSince *Tick     `json:"without_funds_since,omitempty"`
}

// StopStoringRequest is a BSP's pending intent to drop a file.
type StopStoringRequest struct {
	Provider    ProviderID `json:"provider"`
	FileKey     FileKey    `json:"file_key"`
	RequestedAt Tick       `json:"requested_at"`
}

// PendingFileDeletion is a user's signed deletion intention awaiting
// execution against the providers that hold the file.
type PendingFileDeletion struct {
	FileKey   FileKey   `json:"file_key"`
	Bucket    BucketID  `json:"bucket"`
	Owner     AccountID `json:"owner"`
	FileSize  uint64    `json:"file_size"`
	QueuedAt  Tick      `json:"queued_at"`
}

// FixedRateStream accrues rate tokens per tick from user to provider.
type FixedRateStream struct {
	Provider        ProviderID `json:"provider"`
	User            AccountID  `json:"user"`
	Rate            Balance    `json:"rate"`
	LastChargedTick Tick       `json:"last_charged_tick"`
	UserDeposit     Balance    `json:"user_deposit"`
}

// DynamicRateStream accrues against a global price index proportionally to
// the amount of data provided.
type DynamicRateStream struct {
	Provider               ProviderID      `json:"provider"`
	User                   AccountID       `json:"user"`
	AmountProvided         StorageDataUnit `json:"amount_provided"`
	PriceIndexAtLastCharge Balance         `json:"price_index_at_last_charge"`
	UserDeposit            Balance         `json:"user_deposit"`
}

// ReplicationPolicy names the predefined replication levels.
type ReplicationPolicy string

const (
	ReplicationBasic      ReplicationPolicy = "basic"
	ReplicationLow        ReplicationPolicy = "low_security"
	ReplicationHigh       ReplicationPolicy = "high_security"
	ReplicationSuperHigh  ReplicationPolicy = "super_high_security"
	ReplicationUltraHigh  ReplicationPolicy = "ultra_high_security"
	ReplicationCustom     ReplicationPolicy = "custom"
)

// ReplicationTarget selects how many BSPs must confirm a storage request.
type ReplicationTarget struct {
	Policy ReplicationPolicy `json:"policy"`
	Custom uint32            `json:"custom,omitempty"`
}

// Count resolves the target to a BSP count, clamped to MaxReplicationTarget.
func (rt ReplicationTarget) Count(params *Params) uint32 {
	var n uint32
	switch rt.Policy {
	case ReplicationLow:
		n = params.DefaultReplicationTarget / 2
	case ReplicationHigh:
		n = params.DefaultReplicationTarget * 2
	case ReplicationSuperHigh:
		n = params.DefaultReplicationTarget * 3
	case ReplicationUltraHigh:
		n = params.DefaultReplicationTarget * 4
	case ReplicationCustom:
		n = rt.Custom
	default:
		n = params.DefaultReplicationTarget
	}
	if n == 0 {
		n = 1
	}
	if n > params.MaxReplicationTarget {
		n = params.MaxReplicationTarget
	}
	return n
}

// FileOperation names the operations a signed file intention can carry.
type FileOperation string

// FileOpDelete asks the holders of a file to drop it.
const FileOpDelete FileOperation = "delete"

// FileOperationIntention is signed by the file owner and submitted to an MSP.
type FileOperationIntention struct {
	FileKey   FileKey       `json:"file_key"`
	Bucket    BucketID      `json:"bucket"`
	Operation FileOperation `json:"operation"`
	Signer    AccountID     `json:"signer"`
	Signature []byte        `json:"signature"`
}

// SigningPayload is the byte string the owner signs.
func (f *FileOperationIntention) SigningPayload() []byte {
	var buf bytes.Buffer
	buf.Write(f.FileKey[:])
	buf.Write(f.Bucket[:])
	buf.Write([]byte(f.Operation))
	buf.Write(f.Signer[:])
	return buf.Bytes()
}

// TrieRemoveMutation instructs a prover to delete the matched key from its
// forest after answering a checkpoint challenge.
type TrieRemoveMutation struct {
	Key FileKey `json:"key"`
}

// CheckpointChallenge is a protocol-queued challenge all providers answer.
type CheckpointChallenge struct {
	Key      FileKey             `json:"key"`
	Mutation *TrieRemoveMutation `json:"mutation,omitempty"`
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeU32(buf, uint32(len(data)))
	buf.Write(data)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, errors.New("length prefix exceeds remaining data")
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readHash(r *bytes.Reader, h *Hash) error {
	_, err := io.ReadFull(r, h[:])
	return err
}
