package filestore

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta(t *testing.T, size int) (*types.FileMetadata, []byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(size)))
	data := make([]byte, size)
	rng.Read(data)
	fp, err := chunker.FingerprintOf(bytes.NewReader(data), uint64(size))
	require.NoError(t, err)
	return &types.FileMetadata{
		Owner:       types.AccountID(types.Hashed([]byte("owner"))),
		Bucket:      types.BucketID(types.Hashed([]byte("bucket"))),
		Location:    []byte("dir/file.bin"),
		Size:        uint64(size),
		Fingerprint: fp,
	}, data
}

func TestChunkRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	meta, data := testMeta(t, 3*1024+11)
	require.NoError(t, store.PutFile(meta))
	fileKey := meta.Key()

	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)

	// Out-of-order ingestion.
	for i := len(chunks) - 1; i >= 0; i-- {
		require.NoError(t, store.InsertChunk(fileKey, chunks[i].Index, chunks[i].Data))
	}

	ok, err := store.HasAllChunks(fileKey)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetChunk(fileKey, 1)
	require.NoError(t, err)
	assert.Equal(t, chunks[1].Data, got)

	assert.NoError(t, store.VerifyFile(fileKey))
}

func TestInsertChunkValidatesLength(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	meta, _ := testMeta(t, 1500)
	require.NoError(t, store.PutFile(meta))

	err = store.InsertChunk(meta.Key(), 0, make([]byte, 10))
	assert.ErrorIs(t, err, chunker.ErrChunkLength)
}

func TestMissingChunks(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	meta, data := testMeta(t, 4*1024)
	require.NoError(t, store.PutFile(meta))
	fileKey := meta.Key()

	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, store.InsertChunk(fileKey, chunks[2].Index, chunks[2].Data))

	missing, err := store.MissingChunks(fileKey)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 3}, missing)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	meta, data := testMeta(t, 2048)
	require.NoError(t, store.PutFile(meta))
	fileKey := meta.Key()

	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, store.InsertChunk(fileKey, c.Index, c.Data))
	}

	// Overwrite a chunk with same-length garbage.
	bad := make([]byte, len(chunks[0].Data))
	copy(bad, chunks[0].Data)
	bad[0] ^= 0xff
	require.NoError(t, store.InsertChunk(fileKey, 0, bad))

	assert.ErrorIs(t, store.VerifyFile(fileKey), types.ErrFingerprintMismatch)
}

func TestDeleteFileRemovesChunks(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	meta, data := testMeta(t, 2048)
	require.NoError(t, store.PutFile(meta))
	fileKey := meta.Key()
	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, store.InsertChunk(fileKey, c.Index, c.Data))
	}

	require.NoError(t, store.DeleteFile(fileKey))

	gone, err := store.GetFile(fileKey)
	require.NoError(t, err)
	assert.Nil(t, gone)
	chunk, err := store.GetChunk(fileKey, 0)
	require.NoError(t, err)
	assert.Nil(t, chunk)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	meta, data := testMeta(t, 5*1024+3)
	require.NoError(t, store.PutFile(meta))
	fileKey := meta.Key()
	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, store.InsertChunk(fileKey, c.Index, c.Data))
	}
	require.NoError(t, store.Close())

	reopened, err := New(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.NoError(t, reopened.VerifyFile(fileKey))
	trie, err := reopened.LoadTrie(fileKey)
	require.NoError(t, err)
	fp, err := trie.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, meta.Fingerprint, fp)
}
