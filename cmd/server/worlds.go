package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"voxeledit.ai/internal/catalogs"
	"voxeledit.ai/internal/config"
	"voxeledit.ai/internal/engine"
	"voxeledit.ai/internal/persistence/snapshot"
	"voxeledit.ai/internal/world/store"
)

const keepSnapshots = 5

func worldDir(dataDir, worldID string) string {
	return filepath.Join(dataDir, "worlds", worldID)
}

// worldGen builds terrain layers from the block catalog: bedrock, stone, a
// few dirt layers and grass on top, with gravel pockets in the stone.
func worldGen(cfg config.Config, cat *catalogs.BlockCatalog) (store.WorldGen, error) {
	ids := map[string]uint16{}
	for _, name := range []string{"AIR", "BEDROCK", "STONE", "DIRT", "GRASS", "GRAVEL"} {
		id, ok := cat.Lookup(name)
		if !ok {
			return store.WorldGen{}, fmt.Errorf("block catalog is missing %s", name)
		}
		ids[name] = id
	}
	ground := cfg.ChunkHeight / 2
	if ground < 5 {
		ground = cfg.ChunkHeight - 1
	}
	layers := make([]uint16, 0, ground)
	layers = append(layers, ids["BEDROCK"])
	for len(layers) < ground-4 {
		layers = append(layers, ids["STONE"])
	}
	for len(layers) < ground-1 {
		layers = append(layers, ids["DIRT"])
	}
	layers = append(layers, ids["GRASS"])
	return store.WorldGen{
		Seed:           cfg.Seed,
		Height:         cfg.ChunkHeight,
		Layers:         layers,
		PocketBlock:    ids["GRAVEL"],
		PocketPermille: 30,
		Air:            ids["AIR"],
	}, nil
}

// openWorld resumes worldID from its newest snapshot when loadLatest is set
// and one exists; otherwise it starts a freshly generated world.
func openWorld(cfg config.Config, gen store.WorldGen, worldID string, loadLatest bool, logger *log.Logger) (*store.ChunkStore, error) {
	if loadLatest {
		if path := latestSnapshot(worldDir(cfg.DataDir, worldID)); path != "" {
			snap, err := snapshot.ReadWorld(path)
			if err != nil {
				return nil, fmt.Errorf("read snapshot %s: %w", path, err)
			}
			if snap.Header.WorldID != worldID {
				return nil, fmt.Errorf("snapshot world id mismatch: want=%s snap=%s", worldID, snap.Header.WorldID)
			}
			st, err := store.Import(gen, snap)
			if err != nil {
				return nil, fmt.Errorf("import snapshot %s: %w", path, err)
			}
			logger.Printf("world %s resumed from snapshot=%s chunks=%d", worldID, filepath.Base(path), len(snap.Chunks))
			return st, nil
		}
	}
	return store.NewChunkStore(worldID, gen), nil
}

// saveSnapshot writes the committed state of w and keeps the newest few files.
func saveSnapshot(dataDir string, w *engine.World, now time.Time) (string, error) {
	dir := filepath.Join(worldDir(dataDir, w.ID()), "snapshots")
	path := filepath.Join(dir, fmt.Sprintf("%d.snap.zst", now.UnixNano()))
	if err := snapshot.WriteWorld(path, w.Store().Export()); err != nil {
		return "", err
	}
	pruneSnapshots(dir, keepSnapshots)
	return path, nil
}

func snapshotLoop(ctx context.Context, dataDir string, eng *engine.Engine, every time.Duration, logger *log.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, w := range eng.Worlds() {
				if _, err := saveSnapshot(dataDir, w, now); err != nil {
					logger.Printf("snapshot %s: %v", w.ID(), err)
				}
			}
		}
	}
}

func snapshotStamps(dir string) []uint64 {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		ts, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	stamps := snapshotStamps(dir)
	if len(stamps) == 0 {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("%d.snap.zst", stamps[len(stamps)-1]))
}

func pruneSnapshots(dir string, keep int) {
	stamps := snapshotStamps(dir)
	for len(stamps) > keep {
		_ = os.Remove(filepath.Join(dir, fmt.Sprintf("%d.snap.zst", stamps[0])))
		stamps = stamps[1:]
	}
}
