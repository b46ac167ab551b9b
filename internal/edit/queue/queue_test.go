package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/executor"
	"voxeledit.ai/internal/governor"
	"voxeledit.ai/internal/world/store"
)

func newStore() *store.ChunkStore {
	return store.NewChunkStore("w", store.WorldGen{Height: 64, Layers: []uint16{1, 1, 2}})
}

func newQueue(t *testing.T, st edit.WorldStore, cfg Config, opts ...Option) *Queue {
	t.Helper()
	ex := executor.New("w", st, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ex.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	if cfg.WorldID == "" {
		cfg.WorldID = "w"
	}
	if cfg.Height == 0 {
		cfg.Height = 64
	}
	return New(cfg, st, ex, opts...)
}

type memRecorder struct {
	appends []edit.ChunkKey
	groups  int
}

func (r *memRecorder) Append(_ string, key edit.ChunkKey, _, _ *edit.Snapshot) {
	r.appends = append(r.appends, key)
}

func (r *memRecorder) EndGroup() { r.groups++ }

// failingStore rejects batch writes for one chunk.
type failingStore struct {
	*store.ChunkStore
	bad edit.ChunkKey
}

func (s *failingStore) WriteBlocks(key edit.ChunkKey, writes []edit.BlockWrite) error {
	if key == s.bad {
		return errors.New("store refused chunk")
	}
	return s.ChunkStore.WriteBlocks(key, writes)
}

type countingCommitter struct {
	inner Committer
	mu    sync.Mutex
	keys  []edit.ChunkKey
}

func (c *countingCommitter) SubmitBatch(b edit.Batch) <-chan error {
	c.mu.Lock()
	c.keys = append(c.keys, b.Key)
	c.mu.Unlock()
	return c.inner.SubmitBatch(b)
}

func TestScenarioTenThousandEditsFourRegions(t *testing.T) {
	st := store.NewChunkStore("w", store.WorldGen{Height: 256})
	gov := governor.New(governor.Config{ThresholdPercent: -1}, nil, nil, nil)
	q := newQueue(t, st, Config{Height: 256}, WithGovernor(gov))

	for i := 0; i < 10000; i++ {
		key := edit.ChunkKey{CX: i % 4}
		idx := i / 4
		pos := edit.Pos{X: idx % 16, Z: (idx / 16) % 16, Y: idx / 256}
		if err := q.SetBlock(key, pos, edit.Block{ID: 7}); err != nil {
			t.Fatalf("SetBlock %d: %v", i, err)
		}
	}
	if q.Pending() != 4 || q.PendingEdits() != 10000 {
		t.Fatalf("pending=%d edits=%d", q.Pending(), q.PendingEdits())
	}
	rep := q.Flush(context.Background(), nil)
	if rep.Committed != 4 || rep.Skipped != 0 || rep.Failed != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	b, _ := st.ReadBlock(edit.ChunkKey{CX: 3}, edit.Pos{X: 15, Z: 15, Y: 9})
	if b.ID != 7 {
		t.Fatalf("last edit not committed: %+v", b)
	}
	if q.Pending() != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestScenarioDiscardAllBeforeFlush(t *testing.T) {
	st := newStore()
	q := newQueue(t, st, Config{})
	for cx := 0; cx < 3; cx++ {
		if err := q.SetBlock(edit.ChunkKey{CX: cx}, edit.Pos{Y: 10}, edit.Block{ID: 4}); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
	}
	if n := q.DiscardAll(); n != 3 {
		t.Fatalf("DiscardAll dropped %d", n)
	}
	rep := q.Flush(context.Background(), nil)
	if rep.Committed != 0 {
		t.Fatalf("expected nothing committed: %+v", rep)
	}
	if len(st.LoadedChunkKeys()) != 0 {
		t.Fatalf("store changed: %v", st.LoadedChunkKeys())
	}
}

func TestDiscardSingleRegion(t *testing.T) {
	st := newStore()
	q := newQueue(t, st, Config{})
	_ = q.SetBlock(edit.ChunkKey{CX: 0}, edit.Pos{Y: 10}, edit.Block{ID: 4})
	_ = q.SetBlock(edit.ChunkKey{CX: 1}, edit.Pos{Y: 10}, edit.Block{ID: 4})
	if !q.Discard(edit.ChunkKey{CX: 0}) {
		t.Fatalf("Discard returned false")
	}
	if q.Discard(edit.ChunkKey{CX: 9}) {
		t.Fatalf("Discard of unknown region returned true")
	}
	_ = q.SetBlock(edit.ChunkKey{CX: 2}, edit.Pos{Y: 10}, edit.Block{ID: 4})
	rep := q.Flush(context.Background(), nil)
	if rep.Committed != 2 {
		t.Fatalf("expected 2 committed: %+v", rep)
	}
	if rep.Changes[0].Key.CX != 1 || rep.Changes[1].Key.CX != 2 {
		t.Fatalf("insertion order lost: %+v", rep.Changes)
	}
}

func TestBatchingEquivalence(t *testing.T) {
	batched := newStore()
	direct := newStore()
	q := newQueue(t, batched, Config{})
	key := edit.ChunkKey{CX: -2, CZ: 5}

	rng := rand.New(rand.NewSource(42))
	seen := map[edit.Pos]bool{}
	for i := 0; i < 2000; i++ {
		p := edit.Pos{X: rng.Intn(4), Y: rng.Intn(6), Z: rng.Intn(4)}
		b := edit.Block{ID: uint16(rng.Intn(5)), Data: uint8(rng.Intn(3))}
		if err := q.SetBlock(key, p, b); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
		if err := direct.WriteBlock(key, p, b); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
		seen[p] = true
	}
	q.Flush(context.Background(), nil)
	for p := range seen {
		a, _ := batched.ReadBlock(key, p)
		d, _ := direct.ReadBlock(key, p)
		if a != d {
			t.Fatalf("%v: batched %+v direct %+v", p, a, d)
		}
	}
}

func TestFlushSkipsRegionsWithoutNetChange(t *testing.T) {
	st := newStore()
	ex := executor.New("w", st, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ex.Run(ctx) }()
	cc := &countingCommitter{inner: ex}
	q := New(Config{WorldID: "w", Height: 64}, st, cc)

	stone := edit.ChunkKey{CX: 1}
	if err := q.SetBlock(stone, edit.Pos{Y: 0}, edit.Block{ID: 9}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	if err := q.SetBlock(stone, edit.Pos{Y: 0}, edit.Block{ID: 1}); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	_ = q.SetBlock(edit.ChunkKey{CX: 2}, edit.Pos{Y: 20}, edit.Block{ID: 3})

	rec := &memRecorder{}
	rep := q.Flush(context.Background(), rec)
	if rep.Committed != 1 || rep.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(cc.keys) != 1 || cc.keys[0].CX != 2 {
		t.Fatalf("commit invoked for %v", cc.keys)
	}
	if len(rec.appends) != 1 || rec.groups != 1 {
		t.Fatalf("recorder saw appends=%v groups=%d", rec.appends, rec.groups)
	}
	for _, k := range st.LoadedChunkKeys() {
		if k == stone {
			t.Fatalf("no-op region was written")
		}
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	bad := edit.ChunkKey{CX: 1}
	st := &failingStore{ChunkStore: newStore(), bad: bad}
	q := newQueue(t, st, Config{})
	for cx := 0; cx < 3; cx++ {
		_ = q.SetBlock(edit.ChunkKey{CX: cx}, edit.Pos{Y: 30}, edit.Block{ID: 5})
	}
	rec := &memRecorder{}
	rep := q.Flush(context.Background(), rec)
	if rep.Committed != 2 || rep.Failed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	var ce *edit.CommitError
	if len(rep.Failures) != 1 || rep.Failures[0].Key != bad || !errors.As(rep.Failures[0].Err, &ce) {
		t.Fatalf("unexpected failures: %+v", rep.Failures)
	}
	for _, cx := range []int{0, 2} {
		b, _ := st.ReadBlock(edit.ChunkKey{CX: cx}, edit.Pos{Y: 30})
		if b.ID != 5 {
			t.Fatalf("region %d not committed", cx)
		}
	}
	if len(rec.appends) != 2 {
		t.Fatalf("failed region must not be recorded: %v", rec.appends)
	}
}

func TestRejectedWhileLimited(t *testing.T) {
	st := newStore()
	gov := governor.New(governor.Config{ThresholdPercent: 80}, nil, nil, nil)
	q := newQueue(t, st, Config{}, WithGovernor(gov))

	gov.Observe(0.9)
	err := q.SetBlock(edit.ChunkKey{}, edit.Pos{Y: 5}, edit.Block{ID: 1})
	if !errors.Is(err, edit.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if err := q.SetBlockBypass(edit.ChunkKey{}, edit.Pos{Y: 5}, edit.Block{ID: 1}); err != nil {
		t.Fatalf("bypass: %v", err)
	}
	gov.Observe(0.8)
	if err := q.SetBlock(edit.ChunkKey{}, edit.Pos{Y: 6}, edit.Block{ID: 1}); !errors.Is(err, edit.ErrRejected) {
		t.Fatalf("still above low water, got %v", err)
	}
	gov.Observe(0.75)
	if err := q.SetBlock(edit.ChunkKey{}, edit.Pos{Y: 6}, edit.Block{ID: 1}); err != nil {
		t.Fatalf("expected admission after release: %v", err)
	}
}

func TestOutOfRangePosition(t *testing.T) {
	q := newQueue(t, newStore(), Config{})
	err := q.SetBlock(edit.ChunkKey{}, edit.Pos{Y: 64}, edit.Block{ID: 1})
	var ee *edit.EditError
	if !errors.Is(err, edit.ErrOutOfRange) || !errors.As(err, &ee) {
		t.Fatalf("expected out of range EditError, got %v", err)
	}
	if q.Pending() != 0 {
		t.Fatalf("failed edit left a change-set behind")
	}
}

func TestBeforeReflectsPreviousCommit(t *testing.T) {
	st := newStore()
	q := newQueue(t, st, Config{})
	key := edit.ChunkKey{}
	p := edit.Pos{X: 3, Y: 12, Z: 3}

	_ = q.SetBlock(key, p, edit.Block{ID: 4, Data: 1})
	q.Flush(context.Background(), nil)
	_ = q.SetBlock(key, p, edit.Block{ID: 5})
	_ = q.SetBlock(key, p, edit.Block{ID: 6})
	rep := q.Flush(context.Background(), nil)
	if rep.Committed != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	before, _ := rep.Changes[0].Before.Get(edit.Index(p))
	after, _ := rep.Changes[0].After.Get(edit.Index(p))
	if before != (edit.Block{ID: 4, Data: 1}) || after.ID != 6 {
		t.Fatalf("before=%+v after=%+v", before, after)
	}
}

func TestFlushRequestAtHint(t *testing.T) {
	q := newQueue(t, newStore(), Config{FlushBatchSizeHint: 3})
	for x := 0; x < 2; x++ {
		_ = q.SetBlock(edit.ChunkKey{}, edit.Pos{X: x, Y: 10}, edit.Block{ID: 1})
	}
	// Re-touching a position does not grow the batch.
	_ = q.SetBlock(edit.ChunkKey{}, edit.Pos{X: 0, Y: 10}, edit.Block{ID: 2})
	select {
	case <-q.FlushRequests():
		t.Fatalf("flush requested below hint")
	default:
	}
	_ = q.SetBlock(edit.ChunkKey{CZ: 1}, edit.Pos{Y: 10}, edit.Block{ID: 1})
	select {
	case <-q.FlushRequests():
	default:
		t.Fatalf("expected a flush request at the hint")
	}
}

func TestFlushWithCancelledContextKeepsPending(t *testing.T) {
	q := newQueue(t, newStore(), Config{})
	_ = q.SetBlock(edit.ChunkKey{}, edit.Pos{Y: 10}, edit.Block{ID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := q.Flush(ctx, nil)
	if !errors.Is(rep.Err, context.Canceled) || q.Pending() != 1 {
		t.Fatalf("report=%+v pending=%d", rep, q.Pending())
	}
}

func TestConcurrentProducersAndFlushes(t *testing.T) {
	st := newStore()
	q := newQueue(t, st, Config{FlushWorkers: 2})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := edit.ChunkKey{CX: i % 3, CZ: w}
				pos := edit.Pos{X: i % 16, Y: 10 + i/16, Z: w}
				if err := q.SetBlock(key, pos, edit.Block{ID: uint16(w + 1)}); err != nil {
					t.Errorf("SetBlock: %v", err)
					return
				}
			}
		}()
	}
	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
				q.Flush(context.Background(), nil)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-flushed
	q.Flush(context.Background(), nil)

	for w := 0; w < 8; w++ {
		for i := 0; i < 200; i++ {
			key := edit.ChunkKey{CX: i % 3, CZ: w}
			b, _ := st.ReadBlock(key, edit.Pos{X: i % 16, Y: 10 + i/16, Z: w})
			if b.ID != uint16(w+1) {
				t.Fatalf("worker %d edit %d lost: %+v", w, i, b)
			}
		}
	}
}
