package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxeledit.ai/internal/catalogs"
	"voxeledit.ai/internal/edit/executor"
	"voxeledit.ai/internal/history"
)

const defaultQueueSize = 262144

// SQLiteIndex is a queryable secondary index of region commits and history
// groups. Writes are queued and applied by one goroutine; the JSONL commit
// log stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropCommits atomic.Uint64
	dropGroups  atomic.Uint64
}

type reqKind int

const (
	reqCommit reqKind = iota + 1
	reqGroup
)

type req struct {
	kind reqKind

	commit executor.CommitEntry
	group  groupRow
}

type groupRow struct {
	SessionID string
	Seq       uint64
	WorldID   string
	Regions   int
	Blocks    int
	Bytes     int
	CreatedAt string
}

// Stats reports writer backlog and how many rows were dropped because the
// queue was full.
type Stats struct {
	DropCommitTotal uint64
	DropGroupTotal  uint64
	QueueDepth      int
	QueueCapacity   int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueueSize)
}

func openSQLite(path string, queueSize int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commits (
			world_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			changed INTEGER NOT NULL,
			min_x INTEGER NOT NULL,
			min_y INTEGER NOT NULL,
			min_z INTEGER NOT NULL,
			max_x INTEGER NOT NULL,
			max_y INTEGER NOT NULL,
			max_z INTEGER NOT NULL,
			PRIMARY KEY (world_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commits_chunk ON commits(world_id, cx, cz, seq);`,
		`CREATE TABLE IF NOT EXISTS history_groups (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			world_id TEXT NOT NULL,
			regions INTEGER NOT NULL,
			blocks INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_world ON history_groups(world_id, created_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropCommitTotal: s.dropCommits.Load(),
		DropGroupTotal:  s.dropGroups.Load(),
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
	}
}

// WriteCommit queues one region commit. It never blocks the executor.
func (s *SQLiteIndex) WriteCommit(e executor.CommitEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqCommit, commit: e}:
	default:
		s.dropCommits.Add(1)
	}
	return nil
}

// RecordGroup queues a summary row for a sealed history group.
func (s *SQLiteIndex) RecordGroup(g *history.Group) {
	if s == nil || s.closed.Load() || g == nil {
		return
	}
	r := groupRow{
		SessionID: g.SessionID,
		Seq:       g.Seq,
		WorldID:   g.WorldID,
		Regions:   g.Regions(),
		Blocks:    g.Blocks(),
		Bytes:     g.SizeBytes(),
		CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqGroup, group: r}:
	default:
		s.dropGroups.Add(1)
	}
}

// UpsertCatalog stores the block palette and definitions in use so commits can
// be interpreted later without the config directory.
func (s *SQLiteIndex) UpsertCatalog(cat *catalogs.BlockCatalog) error {
	if s == nil || cat == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	palette, err := json.Marshal(cat.Palette)
	if err != nil {
		return err
	}
	defs, err := json.Marshal(cat.Defs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if _, err := stmt.Exec("blocks_palette", cat.PaletteDigest, string(palette), now); err != nil {
		return err
	}
	if _, err := stmt.Exec("blocks_defs", cat.DefsDigest, string(defs), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertCommit, _ := s.db.Prepare(`INSERT OR REPLACE INTO commits(world_id,seq,ts,cx,cz,changed,min_x,min_y,min_z,max_x,max_y,max_z) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertGroup, _ := s.db.Prepare(`INSERT OR REPLACE INTO history_groups(session_id,seq,world_id,regions,blocks,bytes,created_at) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		if insertCommit != nil {
			_ = insertCommit.Close()
		}
		if insertGroup != nil {
			_ = insertGroup.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqCommit:
			c := r.commit
			if insertCommit == nil {
				continue
			}
			if _, err := tx.Stmt(insertCommit).Exec(
				c.WorldID, int64(c.Seq), c.TS,
				c.CX, c.CZ, c.Changed,
				c.Min[0], c.Min[1], c.Min[2],
				c.Max[0], c.Max[1], c.Max[2],
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqGroup:
			g := r.group
			if insertGroup == nil {
				continue
			}
			if _, err := tx.Stmt(insertGroup).Exec(
				g.SessionID, int64(g.Seq), g.WorldID,
				g.Regions, g.Blocks, g.Bytes, g.CreatedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
