/*
Package transfer implements the peer file-transfer protocol over gRPC:
uploads (user → MSP, user → BSP) and replication downloads (provider →
provider), chunk by chunk.

The service shape lives in api/proto/transfer.proto; messages travel over a
registered JSON codec so the repository carries no generated descriptors.
Three calls exist: GetFileInfo, DownloadChunks (server-stream, windowed),
and UploadChunks (client-stream with a final verdict).

Receivers validate every chunk against (fingerprint, size, chunk_index):
the server checks chunk lengths on insert and recomputes the fingerprint
when the last chunk lands; the download client does the same before
admitting a file to its store. Servers refuse download requests from peers
outside their trust set and log "Received unexpected download request".

Failures carry an ErrorClass (peer_unreachable, peer_rejected, or
content_mismatch) so the coordinator can decide between trying another
replica, surfacing the error, and discarding the data. Every network
operation runs under a deadline.
*/
package transfer
