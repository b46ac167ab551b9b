package edit

import "sort"

// Snapshot is a sparse copy of chunk state. Only touched indices are stored,
// and secondary state is kept only for materials that have it.
type Snapshot struct {
	IDs  map[int]uint16
	Data map[int]uint8
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		IDs:  map[int]uint16{},
		Data: map[int]uint8{},
	}
}

func (s *Snapshot) Get(idx int) (Block, bool) {
	if s == nil {
		return Block{}, false
	}
	id, ok := s.IDs[idx]
	if !ok {
		return Block{}, false
	}
	return Block{ID: id, Data: s.Data[idx]}, true
}

func (s *Snapshot) Set(idx int, b Block, reg MaterialRegistry) {
	s.IDs[idx] = b.ID
	if b.Data != 0 && (reg == nil || reg.RequiresSecondaryState(b.ID)) {
		s.Data[idx] = b.Data
	} else {
		delete(s.Data, idx)
	}
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.IDs)
}

// Indices returns the stored indices in ascending order.
func (s *Snapshot) Indices() []int {
	if s == nil {
		return nil
	}
	out := make([]int, 0, len(s.IDs))
	for idx := range s.IDs {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		IDs:  make(map[int]uint16, len(s.IDs)),
		Data: make(map[int]uint8, len(s.Data)),
	}
	for k, v := range s.IDs {
		out.IDs[k] = v
	}
	for k, v := range s.Data {
		out.Data[k] = v
	}
	return out
}

// Overlay copies every index of o into s, replacing what s holds there.
func (s *Snapshot) Overlay(o *Snapshot) {
	if o == nil {
		return
	}
	for idx, id := range o.IDs {
		s.IDs[idx] = id
		if d, ok := o.Data[idx]; ok {
			s.Data[idx] = d
		} else {
			delete(s.Data, idx)
		}
	}
}

// Underlay copies the indices of o that s does not hold yet.
func (s *Snapshot) Underlay(o *Snapshot) {
	if o == nil {
		return
	}
	for idx, id := range o.IDs {
		if _, ok := s.IDs[idx]; ok {
			continue
		}
		s.IDs[idx] = id
		if d, ok := o.Data[idx]; ok {
			s.Data[idx] = d
		}
	}
}

func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Len() != o.Len() {
		return false
	}
	if s == nil || o == nil {
		return true
	}
	for idx, id := range s.IDs {
		oid, ok := o.IDs[idx]
		if !ok || oid != id || s.Data[idx] != o.Data[idx] {
			return false
		}
	}
	return true
}

// Blocks returns every stored block as a write, in ascending index order.
func (s *Snapshot) Blocks() []BlockWrite {
	idxs := s.Indices()
	out := make([]BlockWrite, 0, len(idxs))
	for _, idx := range idxs {
		b, _ := s.Get(idx)
		out = append(out, BlockWrite{Pos: PosOf(idx), Block: b})
	}
	return out
}

// SizeBytes is a rough estimate of the heap held by the snapshot.
func (s *Snapshot) SizeBytes() int {
	if s == nil {
		return 0
	}
	// map overhead per entry is dominated by key+value+bucket bookkeeping
	return len(s.IDs)*24 + len(s.Data)*16
}
