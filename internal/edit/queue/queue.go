package queue

import (
	"io"
	"log"
	"runtime"
	"sync"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/metrics"
)

// Admission gates new edits.
type Admission interface {
	IsLimited() bool
}

// Committer is the single-writer side of a world.
type Committer interface {
	SubmitBatch(b edit.Batch) <-chan error
}

// Recorder receives every region a flush committed, then EndGroup once.
type Recorder interface {
	Append(worldID string, key edit.ChunkKey, before, after *edit.Snapshot)
	EndGroup()
}

type Config struct {
	WorldID string
	Height  int

	// FlushWorkers bounds parallel preparation; 0 means GOMAXPROCS.
	FlushWorkers int
	// FlushBatchSizeHint requests an early flush once this many indices are
	// pending across all regions; 0 disables the request.
	FlushBatchSizeHint int
}

// Queue batches block edits for one world into one change-set per chunk.
//
// Change-sets live in an arena of slots addressed by chunk key. Insertion order
// of the keys is the commit order.
type Queue struct {
	cfg     Config
	store   edit.WorldStore
	reg     edit.MaterialRegistry
	exec    Committer
	gov     Admission
	logger  *log.Logger
	metrics *metrics.EditMetrics

	mu      sync.Mutex
	pending map[edit.ChunkKey]int
	slots   []*edit.ChangeSet
	free    []int
	order   []edit.ChunkKey
	touched int

	// inflight holds one channel per chunk whose change-set was taken by a
	// flush and is not committed yet. It is closed when the commit settles.
	inflight map[edit.ChunkKey]chan struct{}

	flushMu  sync.Mutex
	flushReq chan struct{}
}

type Option func(*Queue)

func WithGovernor(a Admission) Option             { return func(q *Queue) { q.gov = a } }
func WithLogger(l *log.Logger) Option             { return func(q *Queue) { q.logger = l } }
func WithMetrics(m *metrics.EditMetrics) Option   { return func(q *Queue) { q.metrics = m } }
func WithRegistry(r edit.MaterialRegistry) Option { return func(q *Queue) { q.reg = r } }

func New(cfg Config, store edit.WorldStore, exec Committer, opts ...Option) *Queue {
	if cfg.Height <= 0 {
		cfg.Height = edit.DefaultHeight
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = runtime.GOMAXPROCS(0)
	}
	q := &Queue{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		reg:      edit.AllData{},
		pending:  map[edit.ChunkKey]int{},
		inflight: map[edit.ChunkKey]chan struct{}{},
		flushReq: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.logger == nil {
		q.logger = log.New(io.Discard, "", 0)
	}
	return q
}

func (q *Queue) WorldID() string { return q.cfg.WorldID }

// FlushRequests signals when pending edits exceed the batch size hint.
func (q *Queue) FlushRequests() <-chan struct{} { return q.flushReq }

// SetBlock records that pos in chunk key should hold b. It fails with
// edit.ErrRejected while the governor reports memory pressure.
func (q *Queue) SetBlock(key edit.ChunkKey, pos edit.Pos, b edit.Block) error {
	if q.gov != nil && q.gov.IsLimited() {
		q.metrics.Edit("rejected")
		return &edit.EditError{Key: key, Pos: pos, Err: edit.ErrRejected}
	}
	return q.set(key, pos, b)
}

// SetBlockBypass is SetBlock without the admission check.
func (q *Queue) SetBlockBypass(key edit.ChunkKey, pos edit.Pos, b edit.Block) error {
	return q.set(key, pos, b)
}

func (q *Queue) set(key edit.ChunkKey, pos edit.Pos, b edit.Block) error {
	if !edit.InChunk(pos, q.cfg.Height) {
		q.metrics.Edit("failed")
		return &edit.EditError{Key: key, Pos: pos, Err: edit.ErrOutOfRange}
	}

	q.mu.Lock()
	cs, created := q.lookupOrCreateLocked(key)
	before := cs.Len()
	err := cs.Touch(pos, b, func() (edit.Block, error) {
		return q.store.ReadBlock(key, pos)
	})
	if err != nil {
		if created {
			q.dropLocked(key)
		}
		q.mu.Unlock()
		q.metrics.Edit("failed")
		return &edit.EditError{Key: key, Pos: pos, Err: err}
	}
	q.touched += cs.Len() - before
	wantFlush := q.cfg.FlushBatchSizeHint > 0 && q.touched >= q.cfg.FlushBatchSizeHint
	regions := len(q.order)
	q.mu.Unlock()

	q.metrics.Edit("accepted")
	if created {
		q.metrics.Pending(q.cfg.WorldID, regions)
	}
	if wantFlush {
		select {
		case q.flushReq <- struct{}{}:
		default:
		}
	}
	return nil
}

// lookupOrCreateLocked returns the live change-set for key. A chunk that is
// still being committed is waited for first so that the new set captures the
// committed state.
func (q *Queue) lookupOrCreateLocked(key edit.ChunkKey) (*edit.ChangeSet, bool) {
	for {
		if h, ok := q.pending[key]; ok {
			return q.slots[h], false
		}
		done, busy := q.inflight[key]
		if !busy {
			break
		}
		q.mu.Unlock()
		<-done
		q.mu.Lock()
	}

	cs := edit.NewChangeSet(key, q.reg)
	var h int
	if n := len(q.free); n > 0 {
		h = q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[h] = cs
	} else {
		h = len(q.slots)
		q.slots = append(q.slots, cs)
	}
	q.pending[key] = h
	q.order = append(q.order, key)
	return cs, true
}

func (q *Queue) dropLocked(key edit.ChunkKey) *edit.ChangeSet {
	h, ok := q.pending[key]
	if !ok {
		return nil
	}
	cs := q.slots[h]
	q.slots[h] = nil
	q.free = append(q.free, h)
	delete(q.pending, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.touched -= cs.Len()
	return cs
}

// Discard drops the pending change-set for key without committing it.
func (q *Queue) Discard(key edit.ChunkKey) bool {
	q.mu.Lock()
	cs := q.dropLocked(key)
	regions := len(q.order)
	q.mu.Unlock()
	if cs == nil {
		return false
	}
	cs.Release()
	q.metrics.Pending(q.cfg.WorldID, regions)
	return true
}

// DiscardAll drops every pending change-set and returns how many were dropped.
func (q *Queue) DiscardAll() int {
	q.mu.Lock()
	sets := q.takeLocked()
	q.mu.Unlock()
	for _, cs := range sets {
		cs.Release()
	}
	q.metrics.Pending(q.cfg.WorldID, 0)
	return len(sets)
}

// takeLocked empties the arena and returns the sets in insertion order.
func (q *Queue) takeLocked() []*edit.ChangeSet {
	out := make([]*edit.ChangeSet, 0, len(q.order))
	for _, k := range q.order {
		out = append(out, q.slots[q.pending[k]])
	}
	q.pending = map[edit.ChunkKey]int{}
	q.slots = nil
	q.free = nil
	q.order = nil
	q.touched = 0
	return out
}

// Pending returns the number of chunks with a live change-set.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// PendingEdits returns the number of distinct touched indices across all chunks.
func (q *Queue) PendingEdits() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.touched
}
