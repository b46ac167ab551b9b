package indexdb

import (
	"context"
	"time"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/executor"
)

// GroupSummary is the indexed view of a history group.
type GroupSummary struct {
	SessionID string
	Seq       uint64
	WorldID   string
	Regions   int
	Blocks    int
	Bytes     int
	CreatedAt time.Time
}

// CommitsForChunk returns the commits of one region in sequence order. Rows
// still queued in the writer are not visible.
func (s *SQLiteIndex) CommitsForChunk(ctx context.Context, worldID string, key edit.ChunkKey) ([]executor.CommitEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,ts,changed,min_x,min_y,min_z,max_x,max_y,max_z FROM commits
		 WHERE world_id=? AND cx=? AND cz=? ORDER BY seq`,
		worldID, key.CX, key.CZ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []executor.CommitEntry
	for rows.Next() {
		e := executor.CommitEntry{WorldID: worldID, CX: key.CX, CZ: key.CZ}
		var seq int64
		if err := rows.Scan(&seq, &e.TS, &e.Changed,
			&e.Min[0], &e.Min[1], &e.Min[2],
			&e.Max[0], &e.Max[1], &e.Max[2]); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CommitCount returns the number of indexed commits for a world.
func (s *SQLiteIndex) CommitCount(ctx context.Context, worldID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits WHERE world_id=?`, worldID).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) GroupsForSession(ctx context.Context, sessionID string) ([]GroupSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq,world_id,regions,blocks,bytes,created_at FROM history_groups
		 WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupSummary
	for rows.Next() {
		g := GroupSummary{SessionID: sessionID}
		var seq int64
		var created string
		if err := rows.Scan(&seq, &g.WorldID, &g.Regions, &g.Blocks, &g.Bytes, &created); err != nil {
			return nil, err
		}
		g.Seq = uint64(seq)
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CatalogDigest returns the stored digest of a catalog row, or "" if absent.
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT digest FROM catalogs WHERE name=?`, name)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var d string
	if rows.Next() {
		if err := rows.Scan(&d); err != nil {
			return "", err
		}
	}
	return d, rows.Err()
}
