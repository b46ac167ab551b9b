package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxeledit.ai/internal/edit/executor"
)

const segmentLayout = "2006-01-02T15"

// CommitLogger writes one JSON line per committed chunk into hourly zstd
// segments under <dataDir>/commits. Each write ends a zstd block so a crash
// loses at most the entry being written.
type CommitLogger struct {
	dir string
	now func() time.Time

	mu      sync.Mutex
	segment string
	f       *os.File
	zw      *zstd.Encoder
	enc     *json.Encoder
}

func NewCommitLogger(dataDir string) *CommitLogger {
	return &CommitLogger{dir: filepath.Join(dataDir, "commits"), now: time.Now}
}

// SegmentPath returns the file holding entries written during the UTC hour of t.
func (l *CommitLogger) SegmentPath(t time.Time) string {
	return filepath.Join(l.dir, "commits-"+t.UTC().Format(segmentLayout)+".jsonl.zst")
}

func (l *CommitLogger) WriteCommit(e executor.CommitEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.SegmentPath(l.now())
	if path != l.segment {
		if err := l.openLocked(path); err != nil {
			return fmt.Errorf("commit log %s: %w", path, err)
		}
	}
	if err := l.enc.Encode(e); err != nil {
		return err
	}
	return l.zw.Flush()
}

func (l *CommitLogger) openLocked(path string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f, l.zw, l.enc, l.segment = f, zw, json.NewEncoder(zw), path
	return nil
}

func (l *CommitLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *CommitLogger) closeLocked() error {
	if l.f == nil {
		return nil
	}
	err := errors.Join(l.zw.Close(), l.f.Close())
	l.f, l.zw, l.enc, l.segment = nil, nil, nil, ""
	return err
}

// ReadCommits decodes every entry of one commit log segment.
func ReadCommits(path string) ([]executor.CommitEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []executor.CommitEntry
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e executor.CommitEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
