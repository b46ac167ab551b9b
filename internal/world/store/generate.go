package store

import "voxeledit.ai/internal/edit"

// BlockAt returns the generated block for a world position. It is pure, so
// reads of chunks that were never written need no lock upgrade.
func (g WorldGen) BlockAt(wx, y, wz int) edit.Block {
	if y < 0 || y >= len(g.Layers) {
		return edit.Block{ID: g.Air}
	}
	b := g.Layers[y]
	if g.PocketPermille > 0 && b != g.Air && y > 0 {
		if hash3(g.Seed, wx, y, wz)%1000 < uint64(clampPermille(g.PocketPermille)) {
			b = g.PocketBlock
		}
	}
	return edit.Block{ID: b}
}

func (s *ChunkStore) generateChunk(ch *Chunk) {
	for y := 0; y < ch.Height && y < len(s.Gen.Layers); y++ {
		for z := 0; z < edit.ChunkSize; z++ {
			for x := 0; x < edit.ChunkSize; x++ {
				wx, _, wz := edit.Join(ChunkKey{CX: ch.CX, CZ: ch.CZ}, edit.Pos{X: x, Z: z})
				b := s.Gen.BlockAt(wx, y, wz)
				i := edit.Index(edit.Pos{X: x, Y: y, Z: z})
				ch.Blocks[i] = b.ID
			}
		}
	}
	s.relightLocked(ch, edit.Box{
		Min: edit.Pos{},
		Max: edit.Pos{X: edit.ChunkSize - 1, Y: ch.Height - 1, Z: edit.ChunkSize - 1},
	})
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func clampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}
