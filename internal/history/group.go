package history

import (
	"time"

	"voxeledit.ai/internal/edit"
)

// Record pairs the before and after state of one region touched by a flush.
type Record struct {
	SessionID string
	Seq       uint64
	WorldID   string
	Key       edit.ChunkKey
	Before    *edit.Snapshot
	After     *edit.Snapshot
}

// Group is every record produced by one logical operation. Undo and redo act
// on whole groups.
type Group struct {
	SessionID string
	Seq       uint64
	WorldID   string
	CreatedAt time.Time
	Records   []Record
}

func (g *Group) Regions() int { return len(g.Records) }

func (g *Group) Blocks() int {
	n := 0
	for _, r := range g.Records {
		n += r.Before.Len()
	}
	return n
}

func (g *Group) SizeBytes() int {
	n := 0
	for _, r := range g.Records {
		n += r.Before.SizeBytes() + r.After.SizeBytes()
	}
	return n
}

func (g *Group) release() {
	for i := range g.Records {
		g.Records[i].Before = nil
		g.Records[i].After = nil
	}
	g.Records = nil
}
