package chunker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/storagehub-net/storagehub/pkg/types"
)

// ChunkSize is the fixed chunk length. The final chunk of a file may be
// shorter but never empty.
const ChunkSize = 1024

var (
	// ErrChunkOutOfRange is returned for a chunk index past the file end.
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrChunkLength is returned when a chunk's length does not match its
	// position in the file.
	ErrChunkLength = errors.New("chunk length does not match position")
	// ErrIncomplete is returned when a fingerprint is requested before every
	// chunk has been ingested.
	ErrIncomplete = errors.New("file trie is missing chunks")
)

// Chunk is one fixed-size slice of a file.
type Chunk struct {
	Index uint64
	Data  []byte
}

// Count returns the number of chunks a file of the given size splits into.
func Count(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + ChunkSize - 1) / ChunkSize
}

// ChunkLen returns the expected length of the chunk at index for a file of
// the given size.
func ChunkLen(size, index uint64) int {
	n := Count(size)
	if index >= n {
		return 0
	}
	if index == n-1 {
		last := size % ChunkSize
		if last == 0 {
			last = ChunkSize
		}
		return int(last)
	}
	return ChunkSize
}

// Split reads r to completion and returns its chunks in order.
func Split(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	var index uint64
	buf := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunks = append(chunks, Chunk{Index: index, Data: data})
			index++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", index, err)
		}
	}
	if len(chunks) == 0 {
		return nil, types.ErrEmptyFile
	}
	return chunks, nil
}

// leafHash binds a chunk's bytes to its index so chunks cannot be reordered.
func leafHash(index uint64, data []byte) types.Hash {
	buf := make([]byte, 0, 8+len(data)+6)
	buf = append(buf, []byte("chunk:")...)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	buf = append(buf, idx[:]...)
	buf = append(buf, data...)
	return types.Hashed(buf)
}

func nodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 0, 2*types.HashLen+5)
	buf = append(buf, []byte("node:")...)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return types.Hashed(buf)
}

// FileTrie accumulates a file's chunks, in any order, and computes the
// fingerprint as the Merkle root over the indexed chunk hashes.
type FileTrie struct {
	size   uint64
	leaves map[uint64]types.Hash
}

// NewFileTrie creates a trie for a file of the given size.
func NewFileTrie(size uint64) (*FileTrie, error) {
	if size == 0 {
		return nil, types.ErrEmptyFile
	}
	return &FileTrie{
		size:   size,
		leaves: make(map[uint64]types.Hash),
	}, nil
}

// AddChunk ingests one chunk. Chunks may arrive in any order; re-adding an
// index overwrites the previous hash.
func (t *FileTrie) AddChunk(index uint64, data []byte) error {
	if index >= Count(t.size) {
		return ErrChunkOutOfRange
	}
	if len(data) != ChunkLen(t.size, index) {
		return ErrChunkLength
	}
	t.leaves[index] = leafHash(index, data)
	return nil
}

// Complete reports whether every chunk has been ingested.
func (t *FileTrie) Complete() bool {
	return uint64(len(t.leaves)) == Count(t.size)
}

// MissingChunks returns the indices not yet ingested, in order.
func (t *FileTrie) MissingChunks() []uint64 {
	var missing []uint64
	for i := uint64(0); i < Count(t.size); i++ {
		if _, ok := t.leaves[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// levels builds the Merkle tree bottom-up, duplicating the last node of any
// odd-length level.
func (t *FileTrie) levels() ([][]types.Hash, error) {
	if !t.Complete() {
		return nil, ErrIncomplete
	}
	n := Count(t.size)
	level := make([]types.Hash, n)
	for i := uint64(0); i < n; i++ {
		level[i] = t.leaves[i]
	}
	tree := [][]types.Hash{level}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = nodeHash(level[i], level[i+1])
		}
		tree = append(tree, next)
		level = next
	}
	return tree, nil
}

// Fingerprint returns the Merkle root over the file's chunks.
func (t *FileTrie) Fingerprint() (types.Fingerprint, error) {
	tree, err := t.levels()
	if err != nil {
		return types.Fingerprint{}, err
	}
	root := tree[len(tree)-1][0]
	return types.Fingerprint(root), nil
}

// ChunkWitness proves one chunk's inclusion at its index.
type ChunkWitness struct {
	Index uint64       `json:"index"`
	Data  []byte       `json:"data"`
	Path  []types.Hash `json:"path"`
}

// ChunkProof proves a set of chunks against a fingerprint.
type ChunkProof struct {
	Size      uint64         `json:"size"`
	Witnesses []ChunkWitness `json:"witnesses"`
}

// Prove builds a proof for the given chunk indices. The chunk bytes must be
// supplied by the caller; the trie only retains hashes.
func (t *FileTrie) Prove(chunks []Chunk) (*ChunkProof, error) {
	tree, err := t.levels()
	if err != nil {
		return nil, err
	}
	proof := &ChunkProof{Size: t.size}
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, c := range sorted {
		if c.Index >= Count(t.size) {
			return nil, ErrChunkOutOfRange
		}
		if t.leaves[c.Index] != leafHash(c.Index, c.Data) {
			return nil, fmt.Errorf("chunk %d: %w", c.Index, types.ErrFingerprintMismatch)
		}
		w := ChunkWitness{Index: c.Index, Data: append([]byte(nil), c.Data...)}
		idx := int(c.Index)
		for lvl := 0; lvl < len(tree)-1; lvl++ {
			level := tree[lvl]
			if len(level)%2 == 1 {
				level = append(level, level[len(level)-1])
			}
			sib := idx ^ 1
			w.Path = append(w.Path, level[sib])
			idx /= 2
		}
		proof.Witnesses = append(proof.Witnesses, w)
	}
	return proof, nil
}

// VerifyChunkProof checks every witness against the fingerprint. Each
// witness's chunk bytes are rehashed at their index and the root recomputed.
func VerifyChunkProof(fingerprint types.Fingerprint, proof *ChunkProof) error {
	if proof == nil || proof.Size == 0 {
		return types.ErrFileKeyProofVerificationFailed
	}
	depth := treeDepth(Count(proof.Size))
	for _, w := range proof.Witnesses {
		if w.Index >= Count(proof.Size) {
			return types.ErrFileKeyProofVerificationFailed
		}
		if len(w.Data) != ChunkLen(proof.Size, w.Index) {
			return types.ErrFileKeyProofVerificationFailed
		}
		if len(w.Path) != depth {
			return types.ErrFileKeyProofVerificationFailed
		}
		node := leafHash(w.Index, w.Data)
		idx := int(w.Index)
		for _, sib := range w.Path {
			if idx%2 == 0 {
				node = nodeHash(node, sib)
			} else {
				node = nodeHash(sib, node)
			}
			idx /= 2
		}
		if types.Fingerprint(node) != fingerprint {
			return types.ErrFileKeyProofVerificationFailed
		}
	}
	return nil
}

// treeDepth returns the number of levels above the leaves for n chunks.
func treeDepth(n uint64) int {
	depth := 0
	for n > 1 {
		n = (n + 1) / 2
		depth++
	}
	return depth
}

// FingerprintOf computes the fingerprint of a byte stream in one pass.
func FingerprintOf(r io.Reader, size uint64) (types.Fingerprint, error) {
	trie, err := NewFileTrie(size)
	if err != nil {
		return types.Fingerprint{}, err
	}
	chunks, err := Split(r)
	if err != nil {
		return types.Fingerprint{}, err
	}
	for _, c := range chunks {
		if err := trie.AddChunk(c.Index, c.Data); err != nil {
			return types.Fingerprint{}, err
		}
	}
	return trie.Fingerprint()
}
