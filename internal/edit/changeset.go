package edit

// ChangeSet accumulates pending edits for exactly one chunk.
//
// The before snapshot is filled lazily: an index is read from the store the
// first time it is touched in the batch and never again. The after snapshot is
// overwritten on every touch, so it always holds the cumulative result.
type ChangeSet struct {
	key ChunkKey
	reg MaterialRegistry

	before  *Snapshot
	after   *Snapshot
	touched []int

	box      Box
	released bool
}

func NewChangeSet(key ChunkKey, reg MaterialRegistry) *ChangeSet {
	return &ChangeSet{key: key, reg: reg}
}

func (c *ChangeSet) Key() ChunkKey { return c.key }

// Touch records that pos now holds b. read supplies the value currently stored at
// pos and is consulted only on the first touch of pos in this batch.
func (c *ChangeSet) Touch(pos Pos, b Block, read func() (Block, error)) error {
	if c.released {
		return ErrReleased
	}
	if c.after == nil {
		c.after = NewSnapshot()
	}
	idx := Index(pos)
	if _, seen := c.after.IDs[idx]; !seen {
		prev, err := read()
		if err != nil {
			return err
		}
		if c.before == nil {
			c.before = NewSnapshot()
		}
		c.before.Set(idx, prev, c.reg)
		c.grow(pos)
		c.touched = append(c.touched, idx)
	}
	c.after.Set(idx, b, c.reg)
	return nil
}

func (c *ChangeSet) grow(p Pos) {
	if len(c.touched) == 0 {
		c.box = Box{Min: p, Max: p}
		return
	}
	c.box.Min.X = min(c.box.Min.X, p.X)
	c.box.Min.Y = min(c.box.Min.Y, p.Y)
	c.box.Min.Z = min(c.box.Min.Z, p.Z)
	c.box.Max.X = max(c.box.Max.X, p.X)
	c.box.Max.Y = max(c.box.Max.Y, p.Y)
	c.box.Max.Z = max(c.box.Max.Z, p.Z)
}

// BoundingBox returns the smallest box enclosing every touched index.
func (c *ChangeSet) BoundingBox() (Box, bool) {
	if len(c.touched) == 0 {
		return Box{}, false
	}
	return c.box, true
}

// IsDataRequired reports whether blocks of the given type carry secondary state.
func (c *ChangeSet) IsDataRequired(id uint16) bool {
	return c.reg == nil || c.reg.RequiresSecondaryState(id)
}

func (c *ChangeSet) Len() int { return len(c.touched) }

func (c *ChangeSet) Before() *Snapshot { return c.before }
func (c *ChangeSet) After() *Snapshot  { return c.after }

// Edits lists one edit per touched index in first-touch order.
func (c *ChangeSet) Edits() []BlockEdit {
	out := make([]BlockEdit, 0, len(c.touched))
	for _, idx := range c.touched {
		prev, _ := c.before.Get(idx)
		next, _ := c.after.Get(idx)
		out = append(out, BlockEdit{Pos: PosOf(idx), Prev: prev, New: next})
	}
	return out
}

// Writes returns the indices whose final value differs from the captured one.
func (c *ChangeSet) Writes() []BlockWrite {
	var out []BlockWrite
	for _, idx := range c.touched {
		prev, _ := c.before.Get(idx)
		next, _ := c.after.Get(idx)
		if prev == next {
			continue
		}
		out = append(out, BlockWrite{Pos: PosOf(idx), Block: next})
	}
	return out
}

// Batch is the frozen, minimal write list for one chunk. Restore holds the
// prior value of each entry in Writes, in the same order.
type Batch struct {
	Key     ChunkKey
	Box     Box
	Writes  []BlockWrite
	Restore []BlockWrite
}

// Batch freezes the set into a commit batch. ok is false when no touched index
// ends up different from its captured value.
func (c *ChangeSet) Batch() (b Batch, ok bool) {
	b = Batch{Key: c.key, Box: c.box}
	for _, idx := range c.touched {
		prev, _ := c.before.Get(idx)
		next, _ := c.after.Get(idx)
		if prev == next {
			continue
		}
		p := PosOf(idx)
		b.Writes = append(b.Writes, BlockWrite{Pos: p, Block: next})
		b.Restore = append(b.Restore, BlockWrite{Pos: p, Block: prev})
	}
	return b, len(b.Writes) > 0
}

// Dirty reports whether committing the set would change the store.
func (c *ChangeSet) Dirty() bool {
	for _, idx := range c.touched {
		prev, _ := c.before.Get(idx)
		next, _ := c.after.Get(idx)
		if prev != next {
			return true
		}
	}
	return false
}

func (c *ChangeSet) SizeBytes() int {
	return c.before.SizeBytes() + c.after.SizeBytes() + len(c.touched)*8
}

// Release drops both snapshots. The set must not be used afterwards.
func (c *ChangeSet) Release() {
	c.before = nil
	c.after = nil
	c.touched = nil
	c.released = true
}
