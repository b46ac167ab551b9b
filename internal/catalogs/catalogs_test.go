package catalogs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadBundledBlocks(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Palette[0] != "AIR" {
		t.Fatalf("AIR must be palette id 0, got %s", c.Palette[0])
	}
	stone, ok := c.Lookup("STONE")
	if !ok {
		t.Fatalf("missing STONE")
	}
	if c.RequiresSecondaryState(stone) {
		t.Fatalf("STONE is uniform and must not require data")
	}
	stairs, _ := c.Lookup("STAIRS")
	if !c.RequiresSecondaryState(stairs) {
		t.Fatalf("STAIRS must require data")
	}
	if !c.IsOpaque(stone) || c.IsOpaque(0) {
		t.Fatalf("opacity flags mismatch")
	}
	if !c.RequiresSecondaryState(60000) {
		t.Fatalf("unknown ids must keep data")
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "blocks.json", `[{"id":"AIR"},{"id":"STONE","light":99}]`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected schema error for light=99")
	}
	writeFile(t, dir, "blocks.json", `[{"id":"AIR"},{"id":"STONE","colour":"grey"}]`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected schema error for unknown property")
	}
}

func TestLoadRequiresAir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "blocks.json", `[{"id":"STONE"}]`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing AIR error")
	}
}

func TestAddFileKeepsExistingSlots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "blocks.json", `[{"id":"AIR","no_data":true},{"id":"STONE","no_data":true}]`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	extra := writeFile(t, dir, "extrablocks.json", `[{"id":"STONE"},{"id":"MARBLE","no_data":true}]`)

	n, err := c.AddFile(extra, false)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied def, got %d", n)
	}
	stone, _ := c.Lookup("STONE")
	if stone != 1 || c.RequiresSecondaryState(stone) {
		t.Fatalf("existing STONE must be untouched without overwrite")
	}
	marble, ok := c.Lookup("MARBLE")
	if !ok || marble != 2 {
		t.Fatalf("MARBLE must append at id 2, got %d ok=%v", marble, ok)
	}

	if _, err := c.AddFile(extra, true); err != nil {
		t.Fatalf("AddFile overwrite: %v", err)
	}
	if !c.RequiresSecondaryState(stone) {
		t.Fatalf("overwrite must replace STONE definition")
	}
	if c.Name(stone) != "STONE" {
		t.Fatalf("palette slot changed")
	}
}
