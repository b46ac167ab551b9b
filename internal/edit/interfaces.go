package edit

// WorldStore is the authoritative block store. It is not safe for concurrent
// mutation: only the committing context may call WriteBlock, Relight and NotifyClients.
type WorldStore interface {
	ReadBlock(key ChunkKey, pos Pos) (Block, error)
	WriteBlock(key ChunkKey, pos Pos, b Block) error
	Relight(key ChunkKey, box Box) error
	NotifyClients(key ChunkKey, summary ChunkSummary) error
}

// BatchWriter is implemented by stores that can apply all writes for one chunk
// so that readers never observe a partial commit.
type BatchWriter interface {
	WriteBlocks(key ChunkKey, writes []BlockWrite) error
}

type BlockWrite struct {
	Pos   Pos
	Block Block
}

// MaterialRegistry answers whether a block type carries secondary state.
type MaterialRegistry interface {
	RequiresSecondaryState(id uint16) bool
}

// ChunkSummary is the combined change notification for one committed chunk.
type ChunkSummary struct {
	WorldID string `json:"world_id"`
	CX      int    `json:"cx"`
	CZ      int    `json:"cz"`
	Changed int    `json:"changed"`
	Min     [3]int `json:"min"`
	Max     [3]int `json:"max"`
	Digest  string `json:"digest,omitempty"`
}

// AllData is a registry that keeps secondary state for every material.
type AllData struct{}

func (AllData) RequiresSecondaryState(uint16) bool { return true }
