package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/persistence/snapshot"
)

// BadgerArchive stores history groups in a badger key space keyed by
// hist/<session>/<seq>. Values use the snapshot stream encoding.
type BadgerArchive struct {
	db       *badger.DB
	ttl      time.Duration
	inMemory bool
	logger   *log.Logger
}

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path     string
	InMemory bool
	// TTL expires stored groups; zero keeps them forever.
	TTL    time.Duration
	Logger *log.Logger
}

func OpenBadger(cfg BadgerConfig) (*BadgerArchive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger archive path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger archive: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &BadgerArchive{db: db, ttl: cfg.TTL, inMemory: cfg.InMemory, logger: logger}, nil
}

func (a *BadgerArchive) Close() error { return a.db.Close() }

func sessionPrefix(sessionID string) []byte {
	return []byte("hist/" + sessionID + "/")
}

func groupKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("hist/%s/%020d", sessionID, seq))
}

func (a *BadgerArchive) Store(ctx context.Context, g *history.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.SessionID == "" {
		return errors.New("group without session id")
	}
	var buf bytes.Buffer
	h := snapshot.Header{Version: 1, Kind: snapshot.KindHistory, WorldID: g.WorldID, Session: g.SessionID, Seq: g.Seq}
	if err := snapshot.Encode(&buf, h, g); err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(groupKey(g.SessionID, g.Seq), buf.Bytes())
		if a.ttl > 0 {
			e = e.WithTTL(a.ttl)
		}
		return txn.SetEntry(e)
	})
}

func (a *BadgerArchive) Load(ctx context.Context, sessionID string) ([]*history.Group, error) {
	var out []*history.Group
	prefix := sessionPrefix(sessionID)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var g history.Group
			err := item.Value(func(v []byte) error {
				h, err := snapshot.Decode(bytes.NewReader(v), &g)
				if err != nil {
					return err
				}
				if h.Kind != snapshot.KindHistory {
					return fmt.Errorf("kind %q is not history", h.Kind)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, &g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the session's groups with fromSeq <= seq < toSeq.
func (a *BadgerArchive) Delete(ctx context.Context, sessionID string, fromSeq, toSeq uint64) error {
	if fromSeq >= toSeq {
		return nil
	}
	prefix := sessionPrefix(sessionID)
	end := groupKey(sessionID, toSeq)
	var keys [][]byte
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(groupKey(sessionID, fromSeq)); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if bytes.Compare(k, end) >= 0 {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// DeleteSession drops every group stored for a session.
func (a *BadgerArchive) DeleteSession(sessionID string) error {
	return a.db.DropPrefix(sessionPrefix(sessionID))
}

// RunGC reclaims value log space until ctx is cancelled.
func (a *BadgerArchive) RunGC(ctx context.Context, interval time.Duration) {
	if a.inMemory {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				a.logger.Printf("badger history gc: %v", err)
			}
		}
	}
}
