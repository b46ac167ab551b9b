package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/persistence/snapshot"
)

// FileArchive keeps one zstd file per history group under
// <dir>/<session>/<seq>.hist.zst.
type FileArchive struct {
	dir string
}

func NewFileArchive(dir string) *FileArchive {
	return &FileArchive{dir: dir}
}

func (a *FileArchive) Dir() string { return a.dir }

func (a *FileArchive) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(a.dir, sessionID), nil
}

func (a *FileArchive) Store(ctx context.Context, g *history.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := a.sessionDir(g.SessionID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%010d.hist.zst", g.Seq))
	h := snapshot.Header{Version: 1, Kind: snapshot.KindHistory, WorldID: g.WorldID, Session: g.SessionID, Seq: g.Seq}
	return snapshot.WriteFile(path, h, g)
}

func (a *FileArchive) Load(ctx context.Context, sessionID string) ([]*history.Group, error) {
	dir, err := a.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.hist.zst"))
	if err != nil {
		return nil, err
	}
	out := make([]*history.Group, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var g history.Group
		h, err := snapshot.ReadFile(p, &g)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if h.Kind != snapshot.KindHistory {
			return nil, fmt.Errorf("read %s: kind %q is not history", p, h.Kind)
		}
		out = append(out, &g)
	}
	return out, nil
}

// Delete removes the session's groups with fromSeq <= seq < toSeq.
func (a *FileArchive) Delete(ctx context.Context, sessionID string, fromSeq, toSeq uint64) error {
	dir, err := a.sessionDir(sessionID)
	if err != nil {
		return err
	}
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".hist.zst") {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(f.Name(), ".hist.zst"), 10, 64)
		if err != nil || seq < fromSeq || seq >= toSeq {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// DeleteOlder removes archived groups last written before now-maxAge and any
// session directory left empty. It returns the number of files removed.
func (a *FileArchive) DeleteOlder(maxAge time.Duration, now time.Time) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-maxAge)
	sessions, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range sessions {
		if !s.IsDir() {
			continue
		}
		dir := filepath.Join(a.dir, s.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return removed, err
		}
		left := len(files)
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".hist.zst") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
					return removed, err
				}
				removed++
				left--
			}
		}
		if left == 0 {
			_ = os.Remove(dir)
		}
	}
	return removed, nil
}
