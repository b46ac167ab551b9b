package store

import (
	"encoding/hex"
	"sync/atomic"

	"voxeledit.ai/internal/edit"
)

// Relight recomputes the skylight heightmap for the columns covered by box.
// Only the columns are scoped; each column is rescanned from the top.
func (s *ChunkStore) Relight(key ChunkKey, box edit.Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.Chunks[key]
	if !ok {
		return nil
	}
	s.relightLocked(ch, box)
	return nil
}

func (s *ChunkStore) relightLocked(ch *Chunk, box edit.Box) {
	for z := box.Min.Z; z <= box.Max.Z; z++ {
		for x := box.Min.X; x <= box.Max.X; x++ {
			top := int16(0)
			for y := ch.Height - 1; y >= 0; y-- {
				if s.opaque(ch.Blocks[edit.Index(edit.Pos{X: x, Y: y, Z: z})]) {
					top = int16(y + 1)
					break
				}
			}
			col := x + z*edit.ChunkSize
			if ch.HeightMap[col] != top {
				ch.HeightMap[col] = top
				atomic.AddUint64(&s.lightUpdates, 1)
			}
		}
	}
}

func (s *ChunkStore) opaque(id uint16) bool {
	if s.opacity == nil {
		return id != s.Gen.Air
	}
	return s.opacity.IsOpaque(id)
}

// SkyHeight returns one above the highest opaque block of a column.
func (s *ChunkStore) SkyHeight(key ChunkKey, x, z int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.Chunks[key]
	if !ok {
		return 0
	}
	return int(ch.HeightMap[x+z*edit.ChunkSize])
}

func (s *ChunkStore) LightUpdates() uint64 { return atomic.LoadUint64(&s.lightUpdates) }

// NotifyClients stamps the chunk digest on the summary and hands it to the notifier.
func (s *ChunkStore) NotifyClients(key ChunkKey, summary edit.ChunkSummary) error {
	if d, ok := s.ChunkDigest(key); ok {
		summary.Digest = hex.EncodeToString(d[:])
	}
	if summary.WorldID == "" {
		summary.WorldID = s.WorldID
	}
	if s.notifier == nil {
		return nil
	}
	return s.notifier.NotifyChunk(summary)
}
