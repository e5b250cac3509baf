package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/filestore"
	"github.com/storagehub-net/storagehub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile(t *testing.T, size int) (*types.FileMetadata, []byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(size)))
	data := make([]byte, size)
	rng.Read(data)
	fp, err := chunker.FingerprintOf(bytes.NewReader(data), uint64(size))
	require.NoError(t, err)
	return &types.FileMetadata{
		Owner:       types.AccountID(types.Hashed([]byte("owner"))),
		Bucket:      types.BucketID(types.Hashed([]byte("bucket"))),
		Location:    []byte("file.bin"),
		Size:        uint64(size),
		Fingerprint: fp,
	}, data
}

func newStore(t *testing.T) *filestore.Store {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fillStore(t *testing.T, store *filestore.Store, meta *types.FileMetadata, data []byte) {
	t.Helper()
	require.NoError(t, store.PutFile(meta))
	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, store.InsertChunk(meta.Key(), c.Index, c.Data))
	}
}

func startServer(t *testing.T, files *filestore.Store) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", files)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func TestDownloadRoundTrip(t *testing.T) {
	serverStore := newStore(t)
	meta, data := testFile(t, 5*1024+99)
	fillStore(t, serverStore, meta, data)

	srv := startServer(t, serverStore)
	srv.TrustPeer("downloader")

	clientStore := newStore(t)
	client := NewClient("downloader", 10*time.Second, 2)

	require.NoError(t, client.DownloadFile(context.Background(), srv.Addr(), meta, clientStore))

	assert.NoError(t, clientStore.VerifyFile(meta.Key()))
	got, err := clientStore.GetChunk(meta.Key(), 0)
	require.NoError(t, err)
	assert.Equal(t, data[:chunker.ChunkSize], got)
}

func TestDownloadRefusedForUntrustedPeer(t *testing.T) {
	serverStore := newStore(t)
	meta, data := testFile(t, 2048)
	fillStore(t, serverStore, meta, data)

	srv := startServer(t, serverStore)
	// No TrustPeer call: the server must refuse.

	clientStore := newStore(t)
	client := NewClient("stranger", 5*time.Second, 8)

	err := client.DownloadFile(context.Background(), srv.Addr(), meta, clientStore)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ClassRejected, terr.Class)
}

func TestUploadRoundTrip(t *testing.T) {
	meta, data := testFile(t, 3*1024)

	senderStore := newStore(t)
	fillStore(t, senderStore, meta, data)

	receiverStore := newStore(t)
	require.NoError(t, receiverStore.PutFile(meta))

	srv := startServer(t, receiverStore)
	srv.ExpectFile(meta.Key())

	client := NewClient("uploader", 10*time.Second, 8)
	require.NoError(t, client.UploadFile(context.Background(), srv.Addr(), meta.Key(), senderStore))

	assert.NoError(t, receiverStore.VerifyFile(meta.Key()))
}

func TestUploadRejectedForUnexpectedFile(t *testing.T) {
	meta, data := testFile(t, 2048)
	senderStore := newStore(t)
	fillStore(t, senderStore, meta, data)

	receiverStore := newStore(t)
	srv := startServer(t, receiverStore)
	// No ExpectFile call.

	client := NewClient("uploader", 5*time.Second, 8)
	err := client.UploadFile(context.Background(), srv.Addr(), meta.Key(), senderStore)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ClassRejected, terr.Class)
}

func TestUploadFingerprintMismatch(t *testing.T) {
	meta, data := testFile(t, 2048)

	// The sender holds tampered content under the original metadata.
	senderStore := newStore(t)
	require.NoError(t, senderStore.PutFile(meta))
	chunks, err := chunker.Split(bytes.NewReader(data))
	require.NoError(t, err)
	bad := append([]byte(nil), chunks[0].Data...)
	bad[0] ^= 0xff
	require.NoError(t, senderStore.InsertChunk(meta.Key(), 0, bad))
	require.NoError(t, senderStore.InsertChunk(meta.Key(), 1, chunks[1].Data))

	receiverStore := newStore(t)
	require.NoError(t, receiverStore.PutFile(meta))
	srv := startServer(t, receiverStore)
	srv.ExpectFile(meta.Key())

	client := NewClient("uploader", 5*time.Second, 8)
	err = client.UploadFile(context.Background(), srv.Addr(), meta.Key(), senderStore)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ClassMismatch, terr.Class)
}

func TestGetFileInfo(t *testing.T) {
	serverStore := newStore(t)
	meta, data := testFile(t, 4*1024)
	fillStore(t, serverStore, meta, data)

	srv := startServer(t, serverStore)
	client := NewClient("anyone", 5*time.Second, 8)

	info, err := client.GetFileInfo(context.Background(), srv.Addr(), meta.Key())
	require.NoError(t, err)
	assert.Equal(t, meta.Size, info.Size)
	assert.True(t, info.Complete)
	assert.Equal(t, meta.Fingerprint[:], info.Fingerprint)

	// Unknown file: rejected, not unreachable.
	_, err = client.GetFileInfo(context.Background(), srv.Addr(), types.FileKey(types.Hashed([]byte("unknown"))))
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ClassRejected, terr.Class)
}

func TestDownloadUnreachablePeer(t *testing.T) {
	clientStore := newStore(t)
	meta, _ := testFile(t, 1024)
	client := NewClient("downloader", 500*time.Millisecond, 8)

	err := client.DownloadFile(context.Background(), "127.0.0.1:1", meta, clientStore)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ClassUnreachable, terr.Class)
}
