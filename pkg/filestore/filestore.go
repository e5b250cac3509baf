package filestore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/storagehub-net/storagehub/pkg/chunker"
	"github.com/storagehub-net/storagehub/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketFiles  = []byte("files")
	bucketChunks = []byte("chunks")
)

// Store keeps a provider's file chunks keyed by (file_key, chunk_index) and
// the metadata of every file it holds. Bolt serialises writes; reads run
// concurrently.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) the chunk store in dataDir.
func New(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "files.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open file database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFiles, bucketChunks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func chunkKey(fileKey types.FileKey, index uint64) []byte {
	key := make([]byte, types.HashLen+8)
	copy(key, fileKey[:])
	binary.BigEndian.PutUint64(key[types.HashLen:], index)
	return key
}

// PutFile records a file's metadata. Chunks arrive separately.
func (s *Store) PutFile(meta *types.FileMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		key := meta.Key()
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put(key[:], data)
	})
}

// GetFile returns a file's metadata, or nil if unknown.
func (s *Store) GetFile(fileKey types.FileKey) (*types.FileMetadata, error) {
	var meta *types.FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get(fileKey[:])
		if data == nil {
			return nil
		}
		meta = &types.FileMetadata{}
		return json.Unmarshal(data, meta)
	})
	return meta, err
}

// ListFiles returns every stored file's metadata.
func (s *Store) ListFiles() ([]*types.FileMetadata, error) {
	var files []*types.FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			meta := &types.FileMetadata{}
			if err := json.Unmarshal(v, meta); err != nil {
				return err
			}
			files = append(files, meta)
			return nil
		})
	})
	return files, err
}

// InsertChunk stores one chunk, validating its length against the file's
// metadata.
func (s *Store) InsertChunk(fileKey types.FileKey, index uint64, data []byte) error {
	meta, err := s.GetFile(fileKey)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("no metadata for file %s", types.Hash(fileKey).HexString())
	}
	if len(data) != chunker.ChunkLen(meta.Size, index) {
		return chunker.ErrChunkLength
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put(chunkKey(fileKey, index), data)
	})
}

// GetChunk returns one chunk's bytes, or nil if absent.
func (s *Store) GetChunk(fileKey types.FileKey, index uint64) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(chunkKey(fileKey, index))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// MissingChunks returns the chunk indices not yet stored for the file.
func (s *Store) MissingChunks(fileKey types.FileKey) ([]uint64, error) {
	meta, err := s.GetFile(fileKey)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no metadata for file %s", types.Hash(fileKey).HexString())
	}
	var missing []uint64
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		for i := uint64(0); i < chunker.Count(meta.Size); i++ {
			if b.Get(chunkKey(fileKey, i)) == nil {
				missing = append(missing, i)
			}
		}
		return nil
	})
	return missing, err
}

// HasAllChunks reports whether every chunk of the file is present.
func (s *Store) HasAllChunks(fileKey types.FileKey) (bool, error) {
	missing, err := s.MissingChunks(fileKey)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// LoadTrie rebuilds the file's fingerprint trie from the stored chunks.
func (s *Store) LoadTrie(fileKey types.FileKey) (*chunker.FileTrie, error) {
	meta, err := s.GetFile(fileKey)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("no metadata for file %s", types.Hash(fileKey).HexString())
	}
	trie, err := chunker.NewFileTrie(meta.Size)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < chunker.Count(meta.Size); i++ {
		data, err := s.GetChunk(fileKey, i)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("file %s missing chunk %d", types.Hash(fileKey).HexString(), i)
		}
		if err := trie.AddChunk(i, data); err != nil {
			return nil, err
		}
	}
	return trie, nil
}

// ReadChunks returns the chunks at the given indices.
func (s *Store) ReadChunks(fileKey types.FileKey, indices []uint64) ([]chunker.Chunk, error) {
	chunks := make([]chunker.Chunk, 0, len(indices))
	for _, idx := range indices {
		data, err := s.GetChunk(fileKey, idx)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("file %s missing chunk %d", types.Hash(fileKey).HexString(), idx)
		}
		chunks = append(chunks, chunker.Chunk{Index: idx, Data: data})
	}
	return chunks, nil
}

// VerifyFile recomputes the fingerprint from stored chunks and compares it
// with the metadata's.
func (s *Store) VerifyFile(fileKey types.FileKey) error {
	meta, err := s.GetFile(fileKey)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("no metadata for file %s", types.Hash(fileKey).HexString())
	}
	trie, err := s.LoadTrie(fileKey)
	if err != nil {
		return err
	}
	fp, err := trie.Fingerprint()
	if err != nil {
		return err
	}
	if fp != meta.Fingerprint {
		return types.ErrFingerprintMismatch
	}
	return nil
}

// DeleteFile removes a file's metadata and all its chunks.
func (s *Store) DeleteFile(fileKey types.FileKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		var stale [][]byte
		for k, _ := c.Seek(fileKey[:]); k != nil && len(k) >= types.HashLen && string(k[:types.HashLen]) == string(fileKey[:]); k, _ = c.Next() {
			stale = append(stale, append([]byte{}, k...))
		}
		for _, k := range stale {
			if err := tx.Bucket(bucketChunks).Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFiles).Delete(fileKey[:])
	})
}
