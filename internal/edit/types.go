package edit

import "fmt"

// ChunkSize is the horizontal edge length of a region.
const ChunkSize = 16

// DefaultHeight is the vertical extent of a region when none is configured.
const DefaultHeight = 256

type ChunkKey struct {
	CX int
	CZ int
}

func (k ChunkKey) String() string { return fmt.Sprintf("(%d,%d)", k.CX, k.CZ) }

// Pos is a block position local to a chunk.
type Pos struct {
	X, Y, Z int
}

func (p Pos) ToArray() [3]int { return [3]int{p.X, p.Y, p.Z} }

// Block is a stored block value: palette id plus secondary state.
type Block struct {
	ID   uint16
	Data uint8
}

// BlockEdit is one point mutation within a chunk.
type BlockEdit struct {
	Pos  Pos
	Prev Block
	New  Block
}

// Box is an inclusive axis-aligned box in local coordinates.
type Box struct {
	Min Pos
	Max Pos
}

func (b Box) Volume() int {
	return (b.Max.X - b.Min.X + 1) * (b.Max.Y - b.Min.Y + 1) * (b.Max.Z - b.Min.Z + 1)
}

func (b Box) Contains(p Pos) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Index packs a local position into the chunk-local index space (y-major).
func Index(p Pos) int {
	return p.Y<<8 | p.Z<<4 | p.X
}

func PosOf(idx int) Pos {
	return Pos{X: idx & 0xF, Z: (idx >> 4) & 0xF, Y: idx >> 8}
}

// InChunk reports whether p is a valid local position for a chunk of the given height.
func InChunk(p Pos, height int) bool {
	if height <= 0 {
		height = DefaultHeight
	}
	return p.X >= 0 && p.X < ChunkSize && p.Z >= 0 && p.Z < ChunkSize && p.Y >= 0 && p.Y < height
}

// Split converts world block coordinates into a chunk key and local position.
func Split(x, y, z int) (ChunkKey, Pos) {
	return ChunkKey{CX: FloorDiv(x, ChunkSize), CZ: FloorDiv(z, ChunkSize)},
		Pos{X: Mod(x, ChunkSize), Y: y, Z: Mod(z, ChunkSize)}
}

// Join converts a chunk key and local position back into world coordinates.
func Join(k ChunkKey, p Pos) (x, y, z int) {
	return k.CX*ChunkSize + p.X, p.Y, k.CZ*ChunkSize + p.Z
}

func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
