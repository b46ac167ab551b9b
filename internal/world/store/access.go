package store

import (
	"fmt"
	"sort"

	"voxeledit.ai/internal/edit"
)

func (s *ChunkStore) LoadedChunkKeys() []ChunkKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]ChunkKey, 0, len(s.Chunks))
	for k := range s.Chunks {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
}

func (s *ChunkStore) ReadBlock(key ChunkKey, p edit.Pos) (edit.Block, error) {
	if !edit.InChunk(p, s.Gen.Height) {
		return edit.Block{}, fmt.Errorf("read %v %v: %w", key, p, edit.ErrOutOfRange)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch, ok := s.Chunks[key]; ok {
		return ch.Get(p), nil
	}
	wx, y, wz := edit.Join(key, p)
	return s.Gen.BlockAt(wx, y, wz), nil
}

func (s *ChunkStore) WriteBlock(key ChunkKey, p edit.Pos, b edit.Block) error {
	if !edit.InChunk(p, s.Gen.Height) {
		return fmt.Errorf("write %v %v: %w", key, p, edit.ErrOutOfRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrGenChunkLocked(key).Set(p, b)
	return nil
}

// WriteBlocks applies every write for one chunk under a single lock. Positions
// are validated first so that either all writes land or none do.
func (s *ChunkStore) WriteBlocks(key ChunkKey, writes []edit.BlockWrite) error {
	for _, w := range writes {
		if !edit.InChunk(w.Pos, s.Gen.Height) {
			return fmt.Errorf("write %v %v: %w", key, w.Pos, edit.ErrOutOfRange)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.getOrGenChunkLocked(key)
	for _, w := range writes {
		ch.Set(w.Pos, w.Block)
	}
	return nil
}

func (s *ChunkStore) getOrGenChunkLocked(k ChunkKey) *Chunk {
	if ch, ok := s.Chunks[k]; ok {
		return ch
	}
	ch := newChunk(k.CX, k.CZ, s.Gen.Height)
	s.generateChunk(ch)
	ch.dirty = true
	_ = ch.Digest()
	s.Chunks[k] = ch
	return ch
}

// ChunkDigest returns the content digest of a loaded chunk.
func (s *ChunkStore) ChunkDigest(k ChunkKey) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.Chunks[k]
	if !ok {
		return [32]byte{}, false
	}
	return ch.Digest(), true
}
