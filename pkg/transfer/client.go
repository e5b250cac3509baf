package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/filestore"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrorClass separates the transfer failure modes callers react to
// differently: an unreachable peer is retried elsewhere, a rejection is
// surfaced, and a content mismatch discards the downloaded data.
type ErrorClass string

const (
	ClassUnreachable ErrorClass = "peer_unreachable"
	ClassRejected    ErrorClass = "peer_rejected"
	ClassMismatch    ErrorClass = "content_mismatch"
)

// Error is a classified transfer failure.
type Error struct {
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(class ErrorClass, err error) *Error {
	metrics.TransferFailuresTotal.WithLabelValues(string(class)).Inc()
	return &Error{Class: class, Err: err}
}

// classifyRPC maps a gRPC failure onto the taxonomy.
func classifyRPC(err error) *Error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return classify(ClassUnreachable, err)
	default:
		return classify(ClassRejected, err)
	}
}

// Client downloads and uploads files over the peer protocol. Every network
// operation carries a deadline.
type Client struct {
	peerID  string
	timeout time.Duration
	window  uint64
	logger  zerolog.Logger
}

// NewClient creates a transfer client identifying as peerID.
func NewClient(peerID string, timeout time.Duration, window uint64) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if window == 0 {
		window = 64
	}
	return &Client{
		peerID:  peerID,
		timeout: timeout,
		window:  window,
		logger:  log.WithComponent("transfer-client"),
	}
}

func (c *Client) dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, classify(ClassUnreachable, err)
	}
	return conn, nil
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = metadata.AppendToOutgoingContext(ctx, peerIDHeader, c.peerID)
	return context.WithTimeout(ctx, c.timeout)
}

// DownloadFile fetches every missing chunk of the file from the peer,
// window by window, then verifies the fingerprint. On mismatch the partial
// data is dropped.
func (c *Client) DownloadFile(ctx context.Context, addr string, meta *types.FileMetadata, files *filestore.Store) error {
	if err := files.PutFile(meta); err != nil {
		return err
	}
	fileKey := meta.Key()
	session := uuid.NewString()

	conn, err := c.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := NewFileTransferClient(conn)

	for {
		missing, err := files.MissingChunks(fileKey)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			break
		}
		// The receiver requests chunks by index; the sender streams up to
		// the configured window per request.
		start := missing[0]
		count := c.window
		if err := c.downloadWindow(ctx, client, fileKey, start, count, files); err != nil {
			c.logger.Debug().Str("session", session).Uint64("start", start).Msg("Download window aborted")
			return err
		}
	}

	if err := files.VerifyFile(fileKey); err != nil {
		if rmErr := files.DeleteFile(fileKey); rmErr != nil {
			c.logger.Error().Err(rmErr).Msg("Failed to drop mismatched file")
		}
		return classify(ClassMismatch, err)
	}
	c.logger.Debug().
		Str("session", session).
		Str("file_key", types.Hash(fileKey).HexString()).
		Str("peer_addr", addr).
		Msg("File download complete")
	return nil
}

func (c *Client) downloadWindow(ctx context.Context, client *FileTransferClient, fileKey types.FileKey, start, count uint64, files *filestore.Store) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	stream, err := client.DownloadChunks(ctx, &DownloadRequest{
		FileKey:    fileKey[:],
		StartIndex: start,
		Count:      count,
	})
	if err != nil {
		return classifyRPC(err)
	}
	received := 0
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return classifyRPC(err)
		}
		if err := files.InsertChunk(fileKey, msg.Index, msg.Data); err != nil {
			return classify(ClassMismatch, err)
		}
		metrics.ChunksTransferredTotal.WithLabelValues("downloaded").Inc()
		received++
	}
	if received == 0 {
		return classify(ClassRejected, fmt.Errorf("peer sent no chunks from index %d", start))
	}
	return nil
}

// UploadFile streams a complete local file to the peer and surfaces the
// receiver's verdict.
func (c *Client) UploadFile(ctx context.Context, addr string, fileKey types.FileKey, files *filestore.Store) error {
	meta, err := files.GetFile(fileKey)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("no metadata for file %s", types.Hash(fileKey).HexString())
	}

	conn, err := c.dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := NewFileTransferClient(conn)

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	stream, err := client.UploadChunks(ctx)
	if err != nil {
		return classifyRPC(err)
	}
	missing, err := files.MissingChunks(fileKey)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("file %s is incomplete locally", types.Hash(fileKey).HexString())
	}
	chunks, err := files.ReadChunks(fileKey, allIndices(chunker.Count(meta.Size)))
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := stream.Send(&ChunkMessage{FileKey: fileKey[:], Index: chunk.Index, Data: chunk.Data}); err != nil {
			return classifyRPC(err)
		}
		metrics.ChunksTransferredTotal.WithLabelValues("uploaded").Inc()
	}
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return classifyRPC(err)
	}
	if !resp.Ok {
		if resp.Error == types.ErrFingerprintMismatch.Error() {
			return classify(ClassMismatch, types.ErrFingerprintMismatch)
		}
		return classify(ClassRejected, errors.New(resp.Error))
	}
	return nil
}

// GetFileInfo queries a peer for a file.
func (c *Client) GetFileInfo(ctx context.Context, addr string, fileKey types.FileKey) (*FileInfoResponse, error) {
	conn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	client := NewFileTransferClient(conn)

	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	resp, err := client.GetFileInfo(ctx, &FileInfoRequest{FileKey: fileKey[:]})
	if err != nil {
		return nil, classifyRPC(err)
	}
	return resp, nil
}

func allIndices(n uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}
