package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"voxeledit.ai/internal/catalogs"
	"voxeledit.ai/internal/config"
	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/engine"
	"voxeledit.ai/internal/governor"
	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/metrics"
	"voxeledit.ai/internal/world/store"
)

type counters struct {
	edits    atomic.Uint64
	rejected atomic.Uint64
	groups   atomic.Uint64
	undos    atomic.Uint64
	redos    atomic.Uint64
	failed   atomic.Uint64
}

func main() {
	var (
		configPath = flag.String("config", "", "edit queue config (yaml, optional)")
		configDir  = flag.String("configs", "./configs", "config directory (blocks.json)")
		sessions   = flag.Int("sessions", 4, "concurrent editing sessions")
		ops        = flag.Int("ops", 100, "cuboid fills per session")
		maxSize    = flag.Int("max_size", 16, "max cuboid edge length")
		spread     = flag.Int("spread", 128, "fills land within [-spread, spread) on x and z")
		undoEvery  = flag.Int("undo_every", 5, "undo then redo every n fills (0 disables)")
		seed       = flag.Int64("seed", 1, "random seed")
		verbose    = flag.Bool("v", false, "log engine activity")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bench] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	cat, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	var fills []uint16
	for _, name := range []string{"STONE", "PLANKS", "GLASS", "WOOL", "STAIRS", "SLAB", "AIR"} {
		if id, ok := cat.Lookup(name); ok {
			fills = append(fills, id)
		}
	}
	if len(fills) == 0 {
		logger.Fatalf("block catalog has no fill blocks")
	}

	engLogger := log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds)
	if !*verbose {
		engLogger = nil
	}
	m := metrics.NewEditMetrics(prometheus.NewRegistry())
	gov := governor.New(cfg.Governor(), governor.NewRuntimeProvider(), engLogger, m)
	eng := engine.New(engine.Config{
		FlushWorkers:       cfg.FlushWorkers,
		FlushBatchSizeHint: cfg.FlushBatchSizeHint,
		Retention:          cfg.Retention(),
	},
		engine.WithRegistry(cat),
		engine.WithGovernor(gov),
		engine.WithMetrics(m),
		engine.WithLogger(engLogger),
	)

	air, _ := cat.Lookup("AIR")
	stone, _ := cat.Lookup("STONE")
	w, err := eng.LoadWorld(store.NewChunkStore("BENCH", store.WorldGen{
		Seed:   *seed,
		Height: cfg.ChunkHeight,
		Layers: []uint16{stone, stone, stone, stone},
		Air:    air,
	}))
	if err != nil {
		logger.Fatalf("load world: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	var c counters
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *sessions; i++ {
		i := i
		g.Go(func() error {
			s, err := eng.OpenSession(ctx, w.ID(), fmt.Sprintf("bench-%d", i))
			if err != nil {
				return err
			}
			defer s.Close(context.Background())
			rng := rand.New(rand.NewSource(*seed + int64(i)))
			for n := 1; n <= *ops; n++ {
				box := randomBox(rng, *maxSize, *spread, w.Store().Height())
				fill := fills[rng.Intn(len(fills))]
				if err := fillBox(s, box, edit.Block{ID: fill}, &c); err != nil {
					return err
				}
				rep := s.Flush(ctx)
				c.failed.Add(uint64(rep.Failed))
				if rep.Committed > 0 {
					c.groups.Add(1)
				}
				if *undoEvery > 0 && n%*undoEvery == 0 {
					if err := s.Undo(ctx); err == nil {
						c.undos.Add(1)
					} else if !errors.Is(err, history.ErrNothingToUndo) {
						return fmt.Errorf("session %s undo: %w", s.ID(), err)
					}
					if err := s.Redo(ctx); err == nil {
						c.redos.Add(1)
					} else if !errors.Is(err, history.ErrNothingToRedo) {
						return fmt.Errorf("session %s redo: %w", s.ID(), err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatalf("bench: %v", err)
	}
	elapsed := time.Since(start)

	if err := eng.Close(context.Background()); err != nil {
		logger.Printf("close: %v", err)
	}
	st := gov.State()
	fmt.Printf("sessions=%d fills=%d elapsed=%s\n", *sessions, *sessions**ops, elapsed.Round(time.Millisecond))
	fmt.Printf("edits=%d rejected=%d edits/s=%.0f\n", c.edits.Load(), c.rejected.Load(), float64(c.edits.Load())/elapsed.Seconds())
	fmt.Printf("groups=%d undos=%d redos=%d failed_regions=%d\n", c.groups.Load(), c.undos.Load(), c.redos.Load(), c.failed.Load())
	fmt.Printf("chunks_loaded=%d memory_used=%.3f limited=%v\n", len(w.Store().LoadedChunkKeys()), st.UsedRatio, st.Limited)
}

func randomBox(rng *rand.Rand, maxSize, spread, height int) edit.Box {
	if maxSize < 1 {
		maxSize = 1
	}
	if spread < 1 {
		spread = 1
	}
	sx, sy, sz := 1+rng.Intn(maxSize), 1+rng.Intn(maxSize), 1+rng.Intn(maxSize)
	if sy > height {
		sy = height
	}
	x := rng.Intn(2*spread) - spread
	z := rng.Intn(2*spread) - spread
	y := rng.Intn(height - sy + 1)
	return edit.Box{
		Min: edit.Pos{X: x, Y: y, Z: z},
		Max: edit.Pos{X: x + sx - 1, Y: y + sy - 1, Z: z + sz - 1},
	}
}

// fillBox sets every position of box in world coordinates. Rejected edits are
// counted and skipped.
func fillBox(s *engine.Session, box edit.Box, b edit.Block, c *counters) error {
	for y := box.Min.Y; y <= box.Max.Y; y++ {
		for z := box.Min.Z; z <= box.Max.Z; z++ {
			for x := box.Min.X; x <= box.Max.X; x++ {
				err := s.SetBlock(x, y, z, b)
				switch {
				case err == nil:
					c.edits.Add(1)
				case errors.Is(err, edit.ErrRejected):
					c.rejected.Add(1)
				default:
					return fmt.Errorf("set (%d,%d,%d): %w", x, y, z, err)
				}
			}
		}
	}
	return nil
}
