package transfer

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the peer protocol runs over. The
// message shapes are defined in api/proto/transfer.proto; the wire encoding
// is JSON so the repository carries no generated descriptors.
const CodecName = "storagehub-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc encoding.Codec over encoding/json.
type jsonCodec struct{}

func (jsonCodec) Name() string { return CodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CallOption selects the peer codec on client calls.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}

// FileInfoRequest asks whether the peer holds a file.
type FileInfoRequest struct {
	FileKey []byte `json:"file_key"`
}

// FileInfoResponse reports a held file's shape.
type FileInfoResponse struct {
	FileKey     []byte `json:"file_key"`
	Size        uint64 `json:"size"`
	Fingerprint []byte `json:"fingerprint"`
	Complete    bool   `json:"complete"`
}

// DownloadRequest asks for a chunk range by index.
type DownloadRequest struct {
	FileKey    []byte `json:"file_key"`
	StartIndex uint64 `json:"start_index"`
	Count      uint64 `json:"count"`
}

// ChunkMessage carries one chunk and its position.
type ChunkMessage struct {
	FileKey []byte `json:"file_key"`
	Index   uint64 `json:"index"`
	Data    []byte `json:"data"`
}

// UploadResponse closes an upload stream.
type UploadResponse struct {
	Ok          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Fingerprint []byte `json:"fingerprint,omitempty"`
}

func hash32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
