package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed blocks.schema.json
var blocksSchemaJSON string

type BlockDef struct {
	ID     string `json:"id"`
	Solid  bool   `json:"solid"`
	Opaque bool   `json:"opaque"`
	Light  int    `json:"light,omitempty"`
	// NoData marks materials without addressable sub-state; edits on them
	// store no secondary value.
	NoData bool `json:"no_data,omitempty"`
}

// BlockCatalog is the static material registry. Palette ids are stable for the
// lifetime of the process: AIR is 0, the base file is sorted, extra files append.
type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string

	schema *jsonschema.Schema
}

func Load(configDir string) (*BlockCatalog, error) {
	return LoadFile(filepath.Join(configDir, "blocks.json"))
}

func LoadFile(path string) (*BlockCatalog, error) {
	schema, err := jsonschema.CompileString("blocks.schema.json", blocksSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("blocks schema: %w", err)
	}
	c := &BlockCatalog{
		Index:  map[string]uint16{},
		Defs:   map[string]BlockDef{},
		schema: schema,
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	defs, err := c.decode(filepath.Base(path), raw)
	if err != nil {
		return nil, err
	}
	c.DefsDigest = sha256Hex(raw)

	for _, d := range defs {
		c.Defs[d.ID] = d
	}
	// Ensure AIR exists and is palette id 0.
	if _, ok := c.Defs["AIR"]; !ok {
		return nil, fmt.Errorf("%s: missing AIR", filepath.Base(path))
	}
	ids := make([]string, 0, len(c.Defs))
	for id := range c.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range append([]string{"AIR"}, ids...) {
		c.appendPalette(id)
	}
	return c, nil
}

// AddFile merges extra block definitions. Existing ids keep their palette slot;
// their definition is replaced only when overwrite is set. It returns the number
// of definitions applied.
func (c *BlockCatalog) AddFile(path string, overwrite bool) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	defs, err := c.decode(filepath.Base(path), raw)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range defs {
		if _, exists := c.Defs[d.ID]; exists {
			if !overwrite {
				continue
			}
			c.Defs[d.ID] = d
			n++
			continue
		}
		c.Defs[d.ID] = d
		c.appendPalette(d.ID)
		n++
	}
	c.DefsDigest = sha256Hex(append([]byte(c.DefsDigest), raw...))
	return n, nil
}

func (c *BlockCatalog) decode(name string, raw []byte) ([]BlockDef, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return defs, nil
}

func (c *BlockCatalog) appendPalette(id string) {
	c.Index[id] = uint16(len(c.Palette))
	c.Palette = append(c.Palette, id)
	palJSON, _ := json.Marshal(c.Palette)
	c.PaletteDigest = sha256Hex(palJSON)
}

func (c *BlockCatalog) def(id uint16) (BlockDef, bool) {
	if int(id) >= len(c.Palette) {
		return BlockDef{}, false
	}
	d, ok := c.Defs[c.Palette[id]]
	return d, ok
}

// RequiresSecondaryState is conservative: unknown ids keep their data.
func (c *BlockCatalog) RequiresSecondaryState(id uint16) bool {
	d, ok := c.def(id)
	if !ok {
		return true
	}
	return !d.NoData
}

func (c *BlockCatalog) IsOpaque(id uint16) bool {
	d, ok := c.def(id)
	return ok && d.Opaque
}

func (c *BlockCatalog) Name(id uint16) string {
	if int(id) >= len(c.Palette) {
		return ""
	}
	return c.Palette[id]
}

func (c *BlockCatalog) Lookup(name string) (uint16, bool) {
	id, ok := c.Index[name]
	return id, ok
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
