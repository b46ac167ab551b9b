package store

import (
	"fmt"

	"voxeledit.ai/internal/edit"
	snapv1 "voxeledit.ai/internal/persistence/snapshot"
)

// Export converts the loaded chunks into a world snapshot.
func (s *ChunkStore) Export() snapv1.WorldV1 {
	keys := s.LoadedChunkKeys()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := snapv1.WorldV1{
		Header: snapv1.Header{Version: 1, Kind: snapv1.KindWorld, WorldID: s.WorldID},
		Seed:   s.Gen.Seed,
		Height: s.Gen.Height,
		Layers: append([]uint16(nil), s.Gen.Layers...),
		Chunks: make([]snapv1.ChunkV1, 0, len(keys)),
	}
	for _, k := range keys {
		ch := s.Chunks[k]
		if ch == nil {
			continue
		}
		out.Chunks = append(out.Chunks, snapv1.ChunkV1{
			CX:     k.CX,
			CZ:     k.CZ,
			Height: ch.Height,
			Blocks: append([]uint16(nil), ch.Blocks...),
			Data:   append([]uint8(nil), ch.Data...),
		})
	}
	return out
}

// Import rebuilds a chunk store from a world snapshot.
func Import(gen WorldGen, snap snapv1.WorldV1) (*ChunkStore, error) {
	if snap.Height > 0 {
		gen.Height = snap.Height
	}
	if len(snap.Layers) > 0 {
		gen.Layers = append([]uint16(nil), snap.Layers...)
	}
	gen.Seed = snap.Seed
	s := NewChunkStore(snap.Header.WorldID, gen)
	want := edit.ChunkSize * edit.ChunkSize * s.Gen.Height
	for _, cv := range snap.Chunks {
		if cv.Height != s.Gen.Height {
			return nil, fmt.Errorf("snapshot chunk height mismatch: got %d want %d", cv.Height, s.Gen.Height)
		}
		if len(cv.Blocks) != want || len(cv.Data) != want {
			return nil, fmt.Errorf("snapshot chunk (%d,%d) length mismatch: got %d/%d want %d", cv.CX, cv.CZ, len(cv.Blocks), len(cv.Data), want)
		}
		ch := newChunk(cv.CX, cv.CZ, cv.Height)
		copy(ch.Blocks, cv.Blocks)
		copy(ch.Data, cv.Data)
		s.relightLocked(ch, edit.Box{Max: edit.Pos{X: edit.ChunkSize - 1, Y: ch.Height - 1, Z: edit.ChunkSize - 1}})
		ch.dirty = true
		_ = ch.Digest()
		s.Chunks[ChunkKey{CX: cv.CX, CZ: cv.CZ}] = ch
	}
	return s, nil
}
