package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"voxeledit.ai/internal/catalogs"
	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/governor"
	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/history/archive"
	"voxeledit.ai/internal/world/store"
)

func newStore(id string) *store.ChunkStore {
	return store.NewChunkStore(id, store.WorldGen{Height: 32, Layers: []uint16{1, 1}})
}

func newEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *World) {
	t.Helper()
	e := New(cfg, opts...)
	w, err := e.LoadWorld(newStore("w"))
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, w
}

func blockAt(w *World, x, y, z int) uint16 {
	key, pos := edit.Split(x, y, z)
	b, _ := w.Store().ReadBlock(key, pos)
	return b.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type countingIndex struct {
	mu     sync.Mutex
	groups []uint64
}

func (c *countingIndex) RecordGroup(g *history.Group) {
	c.mu.Lock()
	c.groups = append(c.groups, g.Seq)
	c.mu.Unlock()
}

func (c *countingIndex) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

func TestSessionEditUndoRedoAcrossChunks(t *testing.T) {
	idx := &countingIndex{}
	e, w := newEngine(t, Config{}, WithGroupIndex(idx))
	s, err := e.OpenSession(context.Background(), "w", "")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("session id not generated")
	}

	for x := -8; x < 8; x++ {
		if err := s.SetBlock(x, 5, 3, edit.Block{ID: 4}); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
	}
	rep := s.Flush(context.Background())
	if rep.Committed != 2 || rep.Failed != 0 {
		t.Fatalf("flush: %+v", rep)
	}
	if blockAt(w, -8, 5, 3) != 4 || blockAt(w, 7, 5, 3) != 4 {
		t.Fatalf("edits not applied")
	}
	if g, ok := s.History().PeekUndo(); !ok || g.Regions() != 2 || g.Blocks() != 16 {
		t.Fatalf("expected one group over 2 regions, got %+v", g)
	}
	if idx.count() != 1 {
		t.Fatalf("group not indexed")
	}

	if err := s.Undo(context.Background()); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if blockAt(w, -8, 5, 3) != 0 || blockAt(w, 7, 5, 3) != 0 {
		t.Fatalf("undo did not restore air")
	}
	if err := s.Redo(context.Background()); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if blockAt(w, 0, 5, 3) != 4 {
		t.Fatalf("redo did not re-apply")
	}
	if idx.count() != 1 {
		t.Fatalf("undo/redo must not create groups, indexed %d", idx.count())
	}
}

func TestUndoCommitsPendingEditsFirst(t *testing.T) {
	e, w := newEngine(t, Config{})
	s, _ := e.OpenSession(context.Background(), "w", "s1")

	_ = s.SetBlock(1, 10, 1, edit.Block{ID: 2})
	s.Flush(context.Background())
	_ = s.SetBlock(1, 11, 1, edit.Block{ID: 3})

	if err := s.Undo(context.Background()); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if blockAt(w, 1, 11, 1) != 0 || blockAt(w, 1, 10, 1) != 2 {
		t.Fatalf("undo should revert the pending edit committed as the newest group")
	}
	if s.History().Len() != 2 || s.History().Cursor() != 1 {
		t.Fatalf("len=%d cursor=%d", s.History().Len(), s.History().Cursor())
	}
}

func TestGovernorPressureFlushesAndRejects(t *testing.T) {
	gov := governor.New(governor.Config{ThresholdPercent: 90}, &governor.StaticProvider{}, nil, nil)
	e, w := newEngine(t, Config{}, WithGovernor(gov))
	s, _ := e.OpenSession(context.Background(), "w", "s1")

	_ = s.SetBlock(2, 2, 2, edit.Block{ID: 9})
	if w.Queue().Pending() != 1 {
		t.Fatalf("edit not pending")
	}

	gov.Observe(0.95)
	waitFor(t, "pressure flush", func() bool { return blockAt(w, 2, 2, 2) == 9 && w.Queue().Pending() == 0 })

	err := s.SetBlock(3, 3, 3, edit.Block{ID: 9})
	if !errors.Is(err, edit.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	gov.Observe(0.80)
	if err := s.SetBlock(3, 3, 3, edit.Block{ID: 9}); err != nil {
		t.Fatalf("admission should reopen below low water: %v", err)
	}
}

func TestBatchSizeHintTriggersEarlyFlush(t *testing.T) {
	e, w := newEngine(t, Config{FlushBatchSizeHint: 8})
	s, _ := e.OpenSession(context.Background(), "w", "s1")
	for i := 0; i < 8; i++ {
		if err := s.SetBlock(i, 4, 0, edit.Block{ID: 6}); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
	}
	waitFor(t, "early flush", func() bool { return s.History().Len() == 1 })
	if blockAt(w, 7, 4, 0) != 6 {
		t.Fatalf("early flush did not commit")
	}
}

func TestOperationMergesEarlyFlushes(t *testing.T) {
	idx := &countingIndex{}
	e, w := newEngine(t, Config{FlushBatchSizeHint: 8}, WithGroupIndex(idx))
	ctx := context.Background()
	s, _ := e.OpenSession(ctx, "w", "s1")
	if err := s.BeginOperation(); err != nil {
		t.Fatalf("BeginOperation: %v", err)
	}
	for x := 0; x < 20; x++ {
		if err := s.SetBlock(x, 4, 0, edit.Block{ID: 6}); err != nil {
			t.Fatalf("SetBlock: %v", err)
		}
	}
	waitFor(t, "early flush", func() bool { return blockAt(w, 0, 4, 0) == 6 })
	_ = s.SetBlock(0, 4, 0, edit.Block{ID: 7})
	if rep := s.EndOperation(ctx); rep.Err != nil {
		t.Fatalf("EndOperation: %v", rep.Err)
	}
	if n := s.History().Len(); n != 1 {
		t.Fatalf("operation recorded %d groups", n)
	}
	if idx.count() != 1 {
		t.Fatalf("indexed %d groups", idx.count())
	}
	if blockAt(w, 0, 4, 0) != 7 || blockAt(w, 19, 4, 0) != 6 {
		t.Fatalf("operation not committed")
	}

	if err := s.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	for x := 0; x < 20; x++ {
		if blockAt(w, x, 4, 0) != 0 {
			t.Fatalf("x=%d not reverted", x)
		}
	}
	if err := s.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if blockAt(w, 0, 4, 0) != 7 || blockAt(w, 12, 4, 0) != 6 {
		t.Fatalf("redo did not restore the final state")
	}
}

func TestSessionHistorySurvivesReopen(t *testing.T) {
	arch := archive.NewFileArchive(filepath.Join(t.TempDir(), "history"))
	e, w := newEngine(t, Config{Retention: history.Retention{MaxGroups: 10}}, WithArchive(arch))
	s, _ := e.OpenSession(context.Background(), "w", "alice")
	for i := 0; i < 3; i++ {
		_ = s.SetBlock(0, 10+i, 0, edit.Block{ID: 5})
		s.Flush(context.Background())
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := e.Session("alice"); ok {
		t.Fatalf("closed session still registered")
	}

	s2, err := e.OpenSession(context.Background(), "w", "alice")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.History().Len() != 3 {
		t.Fatalf("expected 3 restored groups, got %d", s2.History().Len())
	}
	if err := s2.Undo(context.Background()); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if blockAt(w, 0, 12, 0) != 0 || blockAt(w, 0, 11, 0) != 5 {
		t.Fatalf("restored undo reverted the wrong group")
	}
}

func TestReopenedHistoryDropsDiscardedRedo(t *testing.T) {
	arch := archive.NewFileArchive(filepath.Join(t.TempDir(), "history"))
	e, w := newEngine(t, Config{}, WithArchive(arch))
	ctx := context.Background()
	s, _ := e.OpenSession(ctx, "w", "bob")
	for i := 0; i < 5; i++ {
		_ = s.SetBlock(0, 10+i, 0, edit.Block{ID: 5})
		s.Flush(ctx)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, _ := e.OpenSession(ctx, "w", "bob")
	if err := s2.Undo(ctx); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	_ = s2.SetBlock(1, 10, 0, edit.Block{ID: 6})
	s2.Flush(ctx)
	if err := s2.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s3, err := e.OpenSession(ctx, "w", "bob")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := s3.History().Len(); n != 5 {
		t.Fatalf("expected 5 groups after reopen, got %d", n)
	}
	for i := 0; i < 2; i++ {
		if err := s3.Undo(ctx); err != nil {
			t.Fatalf("Undo %d: %v", i, err)
		}
	}
	if blockAt(w, 1, 10, 0) != 0 || blockAt(w, 0, 13, 0) != 0 {
		t.Fatalf("undo reverted the wrong groups")
	}
	if err := s3.Redo(ctx); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if blockAt(w, 0, 13, 0) != 5 || blockAt(w, 0, 14, 0) != 0 {
		t.Fatalf("redo replayed a discarded group")
	}
}

func TestWorldLifecycle(t *testing.T) {
	cat, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	e := New(Config{}, WithRegistry(cat))
	if _, err := e.LoadWorld(newStore("a")); err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if _, err := e.LoadWorld(newStore("a")); !errors.Is(err, ErrWorldLoaded) {
		t.Fatalf("expected ErrWorldLoaded, got %v", err)
	}
	if _, err := e.OpenSession(context.Background(), "missing", ""); !errors.Is(err, ErrWorldNotFound) {
		t.Fatalf("expected ErrWorldNotFound, got %v", err)
	}
	s, _ := e.OpenSession(context.Background(), "a", "s1")
	if _, err := e.OpenSession(context.Background(), "a", "s1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	_ = s.SetBlock(0, 20, 0, edit.Block{ID: 3})
	w, _ := e.World("a")
	if err := e.UnloadWorld(context.Background(), "a"); err != nil {
		t.Fatalf("UnloadWorld: %v", err)
	}
	if blockAt(w, 0, 20, 0) != 3 {
		t.Fatalf("unload must commit pending edits")
	}
	if len(e.Sessions()) != 0 || len(e.Worlds()) != 0 {
		t.Fatalf("world or sessions left behind")
	}
	if err := s.SetBlock(0, 21, 0, edit.Block{ID: 3}); err == nil {
		t.Fatalf("closed session accepted an edit")
	}
	if err := e.UnloadWorld(context.Background(), "a"); !errors.Is(err, ErrWorldNotFound) {
		t.Fatalf("expected ErrWorldNotFound, got %v", err)
	}
}

func TestSetRetentionAppliesToOpenSessions(t *testing.T) {
	e, _ := newEngine(t, Config{})
	s, _ := e.OpenSession(context.Background(), "w", "s1")
	for i := 0; i < 4; i++ {
		_ = s.SetBlock(0, 10+i, 0, edit.Block{ID: 5})
		s.Flush(context.Background())
	}
	e.SetRetention(history.Retention{MaxGroups: 2})
	_ = s.SetBlock(0, 20, 0, edit.Block{ID: 5})
	s.Flush(context.Background())
	if s.History().Len() != 2 {
		t.Fatalf("expected 2 groups after retention change, got %d", s.History().Len())
	}
}
