package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"voxeledit.ai/internal/catalogs"
	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/executor"
	"voxeledit.ai/internal/history"
)

var _ executor.CommitLogger = (*SQLiteIndex)(nil)

func TestSQLiteIndexCommitsAndGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		_ = s.WriteCommit(executor.CommitEntry{
			TS: "2026-03-01T00:00:00Z", WorldID: "w", Seq: seq,
			CX: 1, CZ: -2, Changed: int(seq) * 10,
			Min: [3]int{0, 1, 2}, Max: [3]int{3, 4, 5},
		})
	}
	_ = s.WriteCommit(executor.CommitEntry{WorldID: "w", Seq: 4, CX: 0, CZ: 0, Changed: 1})

	before := edit.NewSnapshot()
	after := edit.NewSnapshot()
	before.Set(0, edit.Block{ID: 1}, edit.AllData{})
	after.Set(0, edit.Block{ID: 2}, edit.AllData{})
	s.RecordGroup(&history.Group{
		SessionID: "sess", Seq: 7, WorldID: "w",
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Records:   []history.Record{{Key: edit.ChunkKey{CX: 1, CZ: -2}, Before: before, After: after}},
	})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.WriteCommit(executor.CommitEntry{WorldID: "w", Seq: 99}); err != nil {
		t.Fatalf("write after close must be a no-op: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	commits, err := s.CommitsForChunk(ctx, "w", edit.ChunkKey{CX: 1, CZ: -2})
	if err != nil {
		t.Fatalf("CommitsForChunk: %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(commits))
	}
	if commits[2].Seq != 3 || commits[2].Changed != 30 || commits[2].Max != [3]int{3, 4, 5} {
		t.Fatalf("unexpected row: %+v", commits[2])
	}
	if n, _ := s.CommitCount(ctx, "w"); n != 4 {
		t.Fatalf("expected 4 commits in world, got %d", n)
	}

	groups, err := s.GroupsForSession(ctx, "sess")
	if err != nil {
		t.Fatalf("GroupsForSession: %v", err)
	}
	if len(groups) != 1 || groups[0].Seq != 7 || groups[0].Regions != 1 || groups[0].Blocks != 1 {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	if !groups[0].CreatedAt.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("created_at mismatch: %v", groups[0].CreatedAt)
	}
}

func TestSQLiteIndexCatalog(t *testing.T) {
	cat, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.UpsertCatalog(cat); err != nil {
		t.Fatalf("UpsertCatalog: %v", err)
	}
	d, err := s.CatalogDigest(context.Background(), "blocks_palette")
	if err != nil {
		t.Fatalf("CatalogDigest: %v", err)
	}
	if d != cat.PaletteDigest {
		t.Fatalf("digest %q want %q", d, cat.PaletteDigest)
	}
}

func TestSQLiteIndexStats(t *testing.T) {
	s, err := openSQLite(filepath.Join(t.TempDir(), "index.sqlite"), 8)
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	defer s.Close()
	st := s.Stats()
	if st.QueueCapacity != 8 || st.DropCommitTotal != 0 || st.DropGroupTotal != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	var nilIndex *SQLiteIndex
	if nilIndex.Stats() != (Stats{}) {
		t.Fatalf("nil index stats must be zero")
	}
	_ = nilIndex.WriteCommit(executor.CommitEntry{})
	nilIndex.RecordGroup(&history.Group{})
}
