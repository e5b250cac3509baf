package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(b byte) AccountID {
	var a AccountID
	a[0] = b
	return a
}

func TestFileKeyIsPureFunction(t *testing.T) {
	m := FileMetadata{
		Owner:       testAccount(1),
		Bucket:      BucketID(Hashed([]byte("bucket"))),
		Location:    []byte("photos/cat.jpg"),
		Size:        2048,
		Fingerprint: Fingerprint(Hashed([]byte("content"))),
	}

	k1 := m.Key()
	k2 := m.Key()
	assert.Equal(t, k1, k2, "file key must be deterministic")

	// Any field change moves the key.
	m2 := m
	m2.Location = []byte("photos/dog.jpg")
	assert.NotEqual(t, k1, m2.Key())

	m3 := m
	m3.Size = 2049
	assert.NotEqual(t, k1, m3.Key())

	m4 := m
	m4.Owner = testAccount(2)
	assert.NotEqual(t, k1, m4.Key())
}

func TestFileMetadataRoundTrip(t *testing.T) {
	m := &FileMetadata{
		Owner:       testAccount(7),
		Bucket:      BucketID(Hashed([]byte("b"))),
		Location:    []byte("a/b/c"),
		Size:        1,
		Fingerprint: Fingerprint(Hashed([]byte("f"))),
	}
	decoded, err := DecodeFileMetadata(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestFileMetadataValidate(t *testing.T) {
	tests := []struct {
		name    string
		meta    FileMetadata
		wantErr error
	}{
		{
			name:    "empty file rejected",
			meta:    FileMetadata{Location: []byte("x"), Size: 0},
			wantErr: ErrEmptyFile,
		},
		{
			name:    "empty location rejected",
			meta:    FileMetadata{Location: nil, Size: 1},
			wantErr: ErrLocationLength,
		},
		{
			name:    "location too long rejected",
			meta:    FileMetadata{Location: make([]byte, MaxLocationLen+1), Size: 1},
			wantErr: ErrLocationLength,
		},
		{
			name: "valid",
			meta: FileMetadata{Location: []byte("x"), Size: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.meta.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStorageRequestRoundTrip(t *testing.T) {
	msp := ProviderID(Hashed([]byte("msp")))
	sr := &StorageRequest{
		FileKey:         FileKey(Hashed([]byte("fk"))),
		Bucket:          BucketID(Hashed([]byte("bucket"))),
		Location:        []byte("dir/file.bin"),
		Size:            4096,
		Fingerprint:     Fingerprint(Hashed([]byte("fp"))),
		Owner:           testAccount(3),
		MSP:             &msp,
		MspStatus:       MspPending,
		BspsRequired:    3,
		BspsConfirmed:   1,
		BspsVolunteered: 2,
		UserPeerIDs:     []string{"peer-a:9000", "peer-b:9000"},
		ExpiresAt:       140,
		DepositHeld:     100,
		IssuedAt:        100,
		Volunteers:      []ProviderID{ProviderID(Hashed([]byte("v1"))), ProviderID(Hashed([]byte("v2")))},
		Confirmed:       []ProviderID{ProviderID(Hashed([]byte("v1")))},
	}

	decoded, err := DecodeStorageRequest(sr.Encode())
	require.NoError(t, err)
	assert.Equal(t, sr, decoded)
}

func TestStorageRequestRoundTripNoMsp(t *testing.T) {
	sr := &StorageRequest{
		FileKey:      FileKey(Hashed([]byte("fk2"))),
		Bucket:       BucketID(Hashed([]byte("bucket"))),
		Location:     []byte("x"),
		Size:         1,
		Fingerprint:  Fingerprint(Hashed([]byte("fp2"))),
		Owner:        testAccount(4),
		MspStatus:    MspAccepted,
		BspsRequired: 1,
		ExpiresAt:    10,
		IssuedAt:     2,
	}
	decoded, err := DecodeStorageRequest(sr.Encode())
	require.NoError(t, err)
	assert.Equal(t, sr, decoded)
	assert.Nil(t, decoded.MSP)
}

func TestDecodeRejectsTruncatedAndTrailing(t *testing.T) {
	sr := &StorageRequest{
		FileKey:      FileKey(Hashed([]byte("fk"))),
		Bucket:       BucketID(Hashed([]byte("b"))),
		Location:     []byte("x"),
		Size:         1,
		Fingerprint:  Fingerprint(Hashed([]byte("f"))),
		Owner:        testAccount(1),
		MspStatus:    MspPending,
		BspsRequired: 1,
	}
	enc := sr.Encode()

	_, err := DecodeStorageRequest(enc[:len(enc)-3])
	assert.Error(t, err)

	_, err = DecodeStorageRequest(append(enc, 0xff))
	assert.Error(t, err)
}

func TestFulfilled(t *testing.T) {
	msp := ProviderID(Hashed([]byte("msp")))

	sr := &StorageRequest{MSP: &msp, MspStatus: MspPending, BspsRequired: 2, BspsConfirmed: 2}
	assert.False(t, sr.Fulfilled(), "pending MSP blocks fulfilment")

	sr.MspStatus = MspAccepted
	assert.True(t, sr.Fulfilled())

	sr.BspsConfirmed = 1
	assert.False(t, sr.Fulfilled())

	// Bucket with no MSP only needs the BSP tally.
	noMsp := &StorageRequest{BspsRequired: 1, BspsConfirmed: 1}
	assert.True(t, noMsp.Fulfilled())
}

func TestReplicationTargetCount(t *testing.T) {
	params := DefaultParams()

	tests := []struct {
		name   string
		target ReplicationTarget
		want   uint32
	}{
		{"basic", ReplicationTarget{Policy: ReplicationBasic}, 3},
		{"low", ReplicationTarget{Policy: ReplicationLow}, 1},
		{"high", ReplicationTarget{Policy: ReplicationHigh}, 6},
		{"super high", ReplicationTarget{Policy: ReplicationSuperHigh}, 9},
		{"ultra high", ReplicationTarget{Policy: ReplicationUltraHigh}, 12},
		{"custom in range", ReplicationTarget{Policy: ReplicationCustom, Custom: 5}, 5},
		{"custom clamped", ReplicationTarget{Policy: ReplicationCustom, Custom: 99}, params.MaxReplicationTarget},
		{"custom zero floors to one", ReplicationTarget{Policy: ReplicationCustom, Custom: 0}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.target.Count(params))
		})
	}
}

func TestExtrinsicHashChangesWithTip(t *testing.T) {
	call, err := NewCall(OpBspVolunteer, map[string]string{"file_key": "k"})
	require.NoError(t, err)

	e1 := &Extrinsic{Signer: testAccount(1), Nonce: 7, Tip: 0, Call: call}
	e2 := &Extrinsic{Signer: testAccount(1), Nonce: 7, Tip: 10, Call: call}
	assert.NotEqual(t, e1.Hash(), e2.Hash(), "re-tipped extrinsic must have a new hash")
}
