package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/history/archive"
	persistlog "voxeledit.ai/internal/persistence/log"
	"voxeledit.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "commits":
			commitsCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "flush":
			flushCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID, "snapshots")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// commitsCmd prints commit log entries as JSON lines, oldest file first.
func commitsCmd(args []string) {
	fs := flag.NewFlagSet("commits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id filter (optional)")
	chunk := fs.String("chunk", "", "chunk filter cx,cz (optional)")
	limit := fs.Int("limit", 0, "print at most n entries (0 = all)")
	_ = fs.Parse(args)

	var key *edit.ChunkKey
	if strings.TrimSpace(*chunk) != "" {
		k, err := parseChunk(*chunk)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -chunk:", err)
			os.Exit(2)
		}
		key = &k
	}

	files, err := commitFiles(filepath.Join(*dataDir, "commits"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "list commit logs:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	printed := 0
	for _, f := range files {
		entries, err := persistlog.ReadCommits(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", f, err)
			os.Exit(1)
		}
		for _, e := range entries {
			if *worldID != "" && e.WorldID != *worldID {
				continue
			}
			if key != nil && (e.CX != key.CX || e.CZ != key.CZ) {
				continue
			}
			_ = enc.Encode(e)
			printed++
			if *limit > 0 && printed >= *limit {
				return
			}
		}
	}
}

func commitFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "commits-") || !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// inspectCmd summarises a world snapshot: header, chunk count and the
// distribution of block ids.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (uses its latest snapshot)")
	snapPath := fs.String("snapshot", "", "path to .snap.zst (overrides -world)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -snapshot")
			os.Exit(2)
		}
		path = latestSnapshot(filepath.Join(*dataDir, "worlds", *worldID))
		if path == "" {
			fmt.Fprintln(os.Stderr, "no snapshots found")
			os.Exit(2)
		}
	}
	snap, err := snapshot.ReadWorld(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	counts := map[uint16]int{}
	for _, ch := range snap.Chunks {
		for _, id := range ch.Blocks {
			counts[id]++
		}
	}
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	fmt.Printf("snapshot v%d world=%s seed=%d height=%d chunks=%d path=%s\n",
		snap.Header.Version, snap.Header.WorldID, snap.Seed, snap.Height, len(snap.Chunks), filepath.Base(path))
	for _, id := range ids {
		fmt.Printf("  block %d: %d\n", id, counts[uint16(id)])
	}
}

// historyCmd lists the archived history groups of one session.
func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	session := fs.String("session", "", "session id (required)")
	backend := fs.String("backend", "file", "history backend: file|badger")
	_ = fs.Parse(args)

	if strings.TrimSpace(*session) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}

	var arch history.Archive
	switch *backend {
	case "file":
		arch = archive.NewFileArchive(filepath.Join(*dataDir, "history"))
	case "badger":
		a, err := archive.OpenBadger(archive.BadgerConfig{Path: filepath.Join(*dataDir, "history-badger")})
		if err != nil {
			fmt.Fprintln(os.Stderr, "open badger:", err)
			os.Exit(1)
		}
		defer a.Close()
		arch = a
	default:
		fmt.Fprintln(os.Stderr, "unknown -backend:", *backend)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	groups, err := arch.Load(ctx, *session)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load:", err)
		os.Exit(1)
	}
	for _, g := range groups {
		fmt.Printf("seq=%d world=%s created=%s regions=%d blocks=%d bytes=%d\n",
			g.Seq, g.WorldID, g.CreatedAt.UTC().Format(time.RFC3339), g.Regions(), g.Blocks(), g.SizeBytes())
	}
}

func parseChunk(s string) (edit.ChunkKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return edit.ChunkKey{}, fmt.Errorf("want cx,cz got %q", s)
	}
	cx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return edit.ChunkKey{}, err
	}
	cz, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return edit.ChunkKey{}, err
	}
	return edit.ChunkKey{CX: cx, CZ: cz}, nil
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTS uint64
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
		if best == "" || ts > bestTS {
			bestTS = ts
			best = filepath.Join(dir, name)
		}
	}
	return best
}
