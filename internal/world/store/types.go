package store

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"voxeledit.ai/internal/edit"
)

type ChunkKey = edit.ChunkKey

type Chunk struct {
	CX, CZ int
	Height int
	Blocks []uint16 // len = 16*16*Height, indexed by edit.Index
	Data   []uint8
	// HeightMap holds, per column, one above the highest opaque block.
	HeightMap []int16

	dirty bool
	hash  [32]byte
}

func newChunk(cx, cz, height int) *Chunk {
	n := edit.ChunkSize * edit.ChunkSize * height
	return &Chunk{
		CX:        cx,
		CZ:        cz,
		Height:    height,
		Blocks:    make([]uint16, n),
		Data:      make([]uint8, n),
		HeightMap: make([]int16, edit.ChunkSize*edit.ChunkSize),
	}
}

func (c *Chunk) Get(p edit.Pos) edit.Block {
	i := edit.Index(p)
	return edit.Block{ID: c.Blocks[i], Data: c.Data[i]}
}

func (c *Chunk) Set(p edit.Pos, b edit.Block) {
	i := edit.Index(p)
	if c.Blocks[i] == b.ID && c.Data[i] == b.Data {
		return
	}
	c.Blocks[i] = b.ID
	c.Data[i] = b.Data
	c.dirty = true
}

func (c *Chunk) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for i, v := range c.Blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
			h.Write([]byte{c.Data[i]})
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

type WorldGen struct {
	Seed   int64
	Height int

	// Layers lists block ids from y=0 upwards; everything above is Air.
	Layers []uint16
	// Pocket replaces a Layers block with PocketBlock at roughly PocketPermille/1000 of positions.
	PocketBlock    uint16
	PocketPermille int

	Air uint16
}

// Opacity tells relighting which blocks stop skylight.
type Opacity interface {
	IsOpaque(id uint16) bool
}

// Notifier receives combined chunk updates.
type Notifier interface {
	NotifyChunk(summary edit.ChunkSummary) error
}

// ChunkStore is an in-memory world. Reads may run concurrently with each other;
// a write holds the store lock for the whole chunk batch.
type ChunkStore struct {
	WorldID string
	Gen     WorldGen

	mu     sync.RWMutex
	Chunks map[ChunkKey]*Chunk

	opacity  Opacity
	notifier Notifier

	lightUpdates uint64
}

func NewChunkStore(worldID string, gen WorldGen) *ChunkStore {
	if gen.Height <= 0 {
		gen.Height = edit.DefaultHeight
	}
	return &ChunkStore{
		WorldID: worldID,
		Gen:     gen,
		Chunks:  map[ChunkKey]*Chunk{},
	}
}

func (s *ChunkStore) SetOpacity(o Opacity)   { s.opacity = o }
func (s *ChunkStore) SetNotifier(n Notifier) { s.notifier = n }

func (s *ChunkStore) Height() int { return s.Gen.Height }
