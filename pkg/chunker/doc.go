/*
Package chunker splits files into fixed 1024-byte chunks and computes the
file fingerprint as the Merkle root over the indexed chunk hashes.

Chunks may be ingested in any order: every leaf hash binds the chunk bytes to
their index, so the fingerprint depends only on the file's bytes and length,
never on arrival order. The final chunk may be shorter than 1024 bytes but
never empty; zero-length files are rejected at construction.

A ChunkProof carries, per challenged chunk, the chunk bytes and a sibling
path. The verifier rehashes the bytes at the claimed index and recomputes the
root, so a single-chunk proof suffices to prove any one chunk's membership.
*/
package chunker
