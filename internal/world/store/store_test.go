package store

import (
	"errors"
	"testing"

	"voxeledit.ai/internal/edit"
	snapv1 "voxeledit.ai/internal/persistence/snapshot"
)

func flatGen() WorldGen {
	return WorldGen{Seed: 7, Height: 16, Layers: []uint16{6, 1, 1, 2}}
}

type captureNotifier struct{ got []edit.ChunkSummary }

func (c *captureNotifier) NotifyChunk(s edit.ChunkSummary) error {
	c.got = append(c.got, s)
	return nil
}

func TestReadUnloadedChunkUsesGenerator(t *testing.T) {
	s := NewChunkStore("w", flatGen())
	b, err := s.ReadBlock(ChunkKey{CX: 3, CZ: -9}, edit.Pos{X: 1, Y: 0, Z: 1})
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if b.ID != 6 {
		t.Fatalf("expected bedrock layer, got %d", b.ID)
	}
	if len(s.LoadedChunkKeys()) != 0 {
		t.Fatalf("reads must not load chunks")
	}
	if _, err := s.ReadBlock(ChunkKey{}, edit.Pos{X: 16}); !errors.Is(err, edit.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestWriteBlocksIsAllOrNothing(t *testing.T) {
	s := NewChunkStore("w", flatGen())
	k := ChunkKey{CX: 0, CZ: 0}
	err := s.WriteBlocks(k, []edit.BlockWrite{
		{Pos: edit.Pos{X: 1, Y: 5, Z: 1}, Block: edit.Block{ID: 9}},
		{Pos: edit.Pos{X: 1, Y: 99, Z: 1}, Block: edit.Block{ID: 9}},
	})
	if err == nil {
		t.Fatalf("expected out of range error")
	}
	b, _ := s.ReadBlock(k, edit.Pos{X: 1, Y: 5, Z: 1})
	if b.ID != 0 {
		t.Fatalf("partial write leaked: %+v", b)
	}

	if err := s.WriteBlocks(k, []edit.BlockWrite{{Pos: edit.Pos{X: 1, Y: 5, Z: 1}, Block: edit.Block{ID: 9, Data: 2}}}); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	b, _ = s.ReadBlock(k, edit.Pos{X: 1, Y: 5, Z: 1})
	if b != (edit.Block{ID: 9, Data: 2}) {
		t.Fatalf("write lost: %+v", b)
	}
}

func TestRelightScopedToBox(t *testing.T) {
	s := NewChunkStore("w", flatGen())
	k := ChunkKey{}
	if err := s.WriteBlock(k, edit.Pos{X: 2, Y: 10, Z: 2}, edit.Block{ID: 1}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := s.WriteBlock(k, edit.Pos{X: 5, Y: 12, Z: 5}, edit.Block{ID: 1}); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if got := s.SkyHeight(k, 2, 2); got != 4 {
		t.Fatalf("height before relight = %d", got)
	}
	box := edit.Box{Min: edit.Pos{X: 2, Y: 10, Z: 2}, Max: edit.Pos{X: 2, Y: 10, Z: 2}}
	if err := s.Relight(k, box); err != nil {
		t.Fatalf("Relight: %v", err)
	}
	if got := s.SkyHeight(k, 2, 2); got != 11 {
		t.Fatalf("height after relight = %d want 11", got)
	}
	if got := s.SkyHeight(k, 5, 5); got != 4 {
		t.Fatalf("column outside box must be untouched, got %d", got)
	}
}

func TestNotifyClientsStampsDigest(t *testing.T) {
	s := NewChunkStore("w", flatGen())
	n := &captureNotifier{}
	s.SetNotifier(n)
	k := ChunkKey{CX: 1, CZ: 1}
	_ = s.WriteBlock(k, edit.Pos{}, edit.Block{ID: 3})
	if err := s.NotifyClients(k, edit.ChunkSummary{CX: 1, CZ: 1, Changed: 1}); err != nil {
		t.Fatalf("NotifyClients: %v", err)
	}
	if len(n.got) != 1 || n.got[0].Digest == "" || n.got[0].WorldID != "w" {
		t.Fatalf("unexpected notification: %+v", n.got)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := NewChunkStore("w", flatGen())
	k := ChunkKey{CX: 1, CZ: -2}
	_ = s.WriteBlock(k, edit.Pos{X: 0, Y: 7, Z: 0}, edit.Block{ID: 3, Data: 4})
	snap := s.Export()
	if len(snap.Chunks) != 1 {
		t.Fatalf("expected 1 exported chunk, got %d", len(snap.Chunks))
	}

	imported, err := Import(WorldGen{}, snap)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	b, _ := imported.ReadBlock(k, edit.Pos{X: 0, Y: 7, Z: 0})
	if b != (edit.Block{ID: 3, Data: 4}) {
		t.Fatalf("imported block mismatch: %+v", b)
	}
	d1, _ := s.ChunkDigest(k)
	d2, _ := imported.ChunkDigest(k)
	if d1 != d2 {
		t.Fatalf("digest mismatch after import")
	}
	if imported.SkyHeight(k, 0, 0) != 8 {
		t.Fatalf("import must relight")
	}
}

func TestImportRejectsInvalidShape(t *testing.T) {
	_, err := Import(WorldGen{}, snapv1.WorldV1{
		Height: 4,
		Chunks: []snapv1.ChunkV1{{Height: 4, Blocks: make([]uint16, 3), Data: make([]uint8, 3)}},
	})
	if err == nil {
		t.Fatalf("expected error for invalid chunk shape")
	}
}
