package transfer

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "storagehub.FileTransfer"

// FileTransferServer is the server side of the peer protocol, mirroring
// api/proto/transfer.proto.
type FileTransferServer interface {
	GetFileInfo(ctx context.Context, req *FileInfoRequest) (*FileInfoResponse, error)
	DownloadChunks(req *DownloadRequest, stream DownloadStream) error
	UploadChunks(stream UploadStream) error
}

// DownloadStream is the server-side chunk stream for DownloadChunks.
type DownloadStream interface {
	Send(*ChunkMessage) error
	grpc.ServerStream
}

// UploadStream is the server-side chunk stream for UploadChunks.
type UploadStream interface {
	SendAndClose(*UploadResponse) error
	Recv() (*ChunkMessage, error)
	grpc.ServerStream
}

type downloadStream struct {
	grpc.ServerStream
}

func (s *downloadStream) Send(m *ChunkMessage) error {
	return s.ServerStream.SendMsg(m)
}

type uploadStream struct {
	grpc.ServerStream
}

func (s *uploadStream) SendAndClose(resp *UploadResponse) error {
	return s.ServerStream.SendMsg(resp)
}

func (s *uploadStream) Recv() (*ChunkMessage, error) {
	m := new(ChunkMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func getFileInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FileInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FileTransferServer).GetFileInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetFileInfo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FileTransferServer).GetFileInfo(ctx, req.(*FileInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func downloadChunksHandler(srv any, stream grpc.ServerStream) error {
	req := new(DownloadRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FileTransferServer).DownloadChunks(req, &downloadStream{stream})
}

func uploadChunksHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FileTransferServer).UploadChunks(&uploadStream{stream})
}

// fileTransferServiceDesc wires the service the way generated stubs do.
var fileTransferServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FileTransferServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetFileInfo", Handler: getFileInfoHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "DownloadChunks", Handler: downloadChunksHandler, ServerStreams: true},
		{StreamName: "UploadChunks", Handler: uploadChunksHandler, ClientStreams: true},
	},
	Metadata: "api/proto/transfer.proto",
}

// RegisterFileTransferServer registers the service implementation.
func RegisterFileTransferServer(s *grpc.Server, srv FileTransferServer) {
	s.RegisterService(&fileTransferServiceDesc, srv)
}

// FileTransferClient is the client side of the peer protocol.
type FileTransferClient struct {
	cc *grpc.ClientConn
}

// NewFileTransferClient wraps a client connection.
func NewFileTransferClient(cc *grpc.ClientConn) *FileTransferClient {
	return &FileTransferClient{cc: cc}
}

// GetFileInfo queries a peer for a file's shape.
func (c *FileTransferClient) GetFileInfo(ctx context.Context, req *FileInfoRequest) (*FileInfoResponse, error) {
	out := new(FileInfoResponse)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/GetFileInfo", req, out, CallOption())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadChunksStream is the client-side receive stream.
type DownloadChunksStream struct {
	grpc.ClientStream
}

// Recv reads the next chunk.
func (s *DownloadChunksStream) Recv() (*ChunkMessage, error) {
	m := new(ChunkMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DownloadChunks opens a chunk stream for the requested range.
func (c *FileTransferClient) DownloadChunks(ctx context.Context, req *DownloadRequest) (*DownloadChunksStream, error) {
	stream, err := c.cc.NewStream(ctx, &fileTransferServiceDesc.Streams[0], "/"+serviceName+"/DownloadChunks", CallOption())
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &DownloadChunksStream{stream}, nil
}

// UploadChunksStream is the client-side send stream.
type UploadChunksStream struct {
	grpc.ClientStream
}

// Send pushes one chunk.
func (s *UploadChunksStream) Send(m *ChunkMessage) error {
	return s.ClientStream.SendMsg(m)
}

// CloseAndRecv finishes the upload and reads the receiver's verdict.
func (s *UploadChunksStream) CloseAndRecv() (*UploadResponse, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(UploadResponse)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// UploadChunks opens an upload stream.
func (c *FileTransferClient) UploadChunks(ctx context.Context) (*UploadChunksStream, error) {
	stream, err := c.cc.NewStream(ctx, &fileTransferServiceDesc.Streams[1], "/"+serviceName+"/UploadChunks", CallOption())
	if err != nil {
		return nil, err
	}
	return &UploadChunksStream{stream}, nil
}
