package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/filestore"
	"github.com/storagehub-net/storagehub/pkg/log"
	"github.com/storagehub-net/storagehub/pkg/metrics"
	"github.com/storagehub-net/storagehub/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// peerIDHeader carries the caller's peer identity.
const peerIDHeader = "x-peer-id"

// Server serves a provider's chunks to trusted peers and accepts uploads
// for files the provider has agreed to store.
type Server struct {
	addr  string
	files *filestore.Store
	grpc  *grpc.Server
	lis   net.Listener

	mu       sync.RWMutex
	trusted  map[string]bool
	expected map[types.FileKey]bool

	logger zerolog.Logger
}

// NewServer creates a transfer server over the provider's file store.
func NewServer(addr string, files *filestore.Store) *Server {
	return &Server{
		addr:     addr,
		files:    files,
		grpc:     grpc.NewServer(),
		trusted:  make(map[string]bool),
		expected: make(map[types.FileKey]bool),
		logger:   log.WithComponent("transfer-server"),
	}
}

// TrustPeer allows a peer to download from this provider.
func (s *Server) TrustPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[peerID] = true
}

// ExpectFile marks a file key as accepted for upload.
func (s *Server) ExpectFile(key types.FileKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[key] = true
}

// UnexpectFile clears an upload expectation.
func (s *Server) UnexpectFile(key types.FileKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expected, key)
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	RegisterFileTransferServer(s.grpc, s)
	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("Transfer server stopped")
		}
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Transfer server started")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

// Stop stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func peerFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(peerIDHeader)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// GetFileInfo reports whether this provider holds the file and whether the
// chunk set is complete.
func (s *Server) GetFileInfo(ctx context.Context, req *FileInfoRequest) (*FileInfoResponse, error) {
	raw, err := hash32(req.FileKey)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	fileKey := types.FileKey(raw)
	meta, err := s.files.GetFile(fileKey)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if meta == nil {
		return nil, status.Error(codes.NotFound, "file not held")
	}
	complete, err := s.files.HasAllChunks(fileKey)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &FileInfoResponse{
		FileKey:     req.FileKey,
		Size:        meta.Size,
		Fingerprint: meta.Fingerprint[:],
		Complete:    complete,
	}, nil
}

// DownloadChunks streams the requested range to a trusted peer.
func (s *Server) DownloadChunks(req *DownloadRequest, stream DownloadStream) error {
	peer := peerFromContext(stream.Context())
	s.mu.RLock()
	trusted := s.trusted[peer]
	s.mu.RUnlock()
	if !trusted {
		s.logger.Warn().Str("peer_id", peer).Msg("Received unexpected download request")
		return status.Error(codes.PermissionDenied, "peer not trusted")
	}

	raw, err := hash32(req.FileKey)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	fileKey := types.FileKey(raw)
	meta, err := s.files.GetFile(fileKey)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if meta == nil {
		return status.Error(codes.NotFound, "file not held")
	}

	total := chunker.Count(meta.Size)
	end := total
	if req.Count > 0 && req.StartIndex+req.Count < total {
		end = req.StartIndex + req.Count
	}
	for i := req.StartIndex; i < end; i++ {
		data, err := s.files.GetChunk(fileKey, i)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if data == nil {
			return status.Errorf(codes.NotFound, "chunk %d not held", i)
		}
		if err := stream.Send(&ChunkMessage{FileKey: req.FileKey, Index: i, Data: data}); err != nil {
			return err
		}
		metrics.ChunksTransferredTotal.WithLabelValues("sent").Inc()
	}
	return nil
}

// UploadChunks accepts chunks for an expected file and verifies the
// fingerprint once every chunk is present.
func (s *Server) UploadChunks(stream UploadStream) error {
	var fileKey types.FileKey
	var seen bool
	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		raw, err := hash32(msg.FileKey)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		key := types.FileKey(raw)
		if !seen {
			s.mu.RLock()
			ok := s.expected[key]
			s.mu.RUnlock()
			if !ok {
				s.logger.Warn().Str("file_key", types.Hash(key).HexString()).Msg("Rejected upload for unexpected file")
				return stream.SendAndClose(&UploadResponse{Ok: false, Error: "file not expected"})
			}
			fileKey = key
			seen = true
		} else if key != fileKey {
			return stream.SendAndClose(&UploadResponse{Ok: false, Error: "mixed file keys in upload"})
		}
		if err := s.files.InsertChunk(key, msg.Index, msg.Data); err != nil {
			return stream.SendAndClose(&UploadResponse{Ok: false, Error: err.Error()})
		}
		metrics.ChunksTransferredTotal.WithLabelValues("received").Inc()
	}
	if !seen {
		return stream.SendAndClose(&UploadResponse{Ok: false, Error: "empty upload"})
	}

	complete, err := s.files.HasAllChunks(fileKey)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if !complete {
		// Partial uploads are fine: the sender may stream the remainder in
		// another session.
		return stream.SendAndClose(&UploadResponse{Ok: true})
	}
	if err := s.files.VerifyFile(fileKey); err != nil {
		if errors.Is(err, types.ErrFingerprintMismatch) {
			metrics.TransferFailuresTotal.WithLabelValues("mismatch").Inc()
			return stream.SendAndClose(&UploadResponse{Ok: false, Error: types.ErrFingerprintMismatch.Error()})
		}
		return status.Error(codes.Internal, err.Error())
	}
	meta, err := s.files.GetFile(fileKey)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendAndClose(&UploadResponse{Ok: true, Fingerprint: meta.Fingerprint[:]})
}
