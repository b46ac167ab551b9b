package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxeledit.ai/internal/persistence/indexdb"
)

// dbCmd queries the sqlite index written by the server:
//
//	db commits -world W -chunk cx,cz
//	db count   -world W
//	db groups  -session S
//	db catalog
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/editqueue.sqlite)")
	worldID := fs.String("world", "", "world id")
	chunk := fs.String("chunk", "", "chunk cx,cz")
	session := fs.String("session", "", "session id")
	_ = fs.Parse(args)

	q := "count"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "editqueue.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	enc := json.NewEncoder(os.Stdout)

	switch q {
	case "commits":
		if *worldID == "" || *chunk == "" {
			fmt.Fprintln(os.Stderr, "commits needs -world and -chunk")
			os.Exit(2)
		}
		key, err := parseChunk(*chunk)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -chunk:", err)
			os.Exit(2)
		}
		rows, err := idx.CommitsForChunk(ctx, *worldID, key)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "count":
		if *worldID == "" {
			fmt.Fprintln(os.Stderr, "count needs -world")
			os.Exit(2)
		}
		n, err := idx.CommitCount(ctx, *worldID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		fmt.Println(n)
	case "groups":
		if *session == "" {
			fmt.Fprintln(os.Stderr, "groups needs -session")
			os.Exit(2)
		}
		rows, err := idx.GroupsForSession(ctx, *session)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "catalog":
		for _, name := range []string{"blocks_palette", "blocks_defs"} {
			d, err := idx.CatalogDigest(ctx, name)
			if err != nil {
				fmt.Fprintln(os.Stderr, "query:", err)
				os.Exit(1)
			}
			fmt.Printf("%s %s\n", name, d)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		os.Exit(2)
	}
}
