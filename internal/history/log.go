package history

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/queue"
	"voxeledit.ai/internal/metrics"
)

// Retention bounds the history. Zero fields are unbounded.
type Retention struct {
	MaxGroups int
	MaxAge    time.Duration
}

// Archive receives evicted groups and hands them back on restore. Delete
// removes the stored groups of a session with fromSeq <= Seq < toSeq.
type Archive interface {
	Store(ctx context.Context, g *Group) error
	Load(ctx context.Context, sessionID string) ([]*Group, error)
	Delete(ctx context.Context, sessionID string, fromSeq, toSeq uint64) error
}

// seqRange is a half-open range of discarded group seqs.
type seqRange struct{ from, to uint64 }

// Target is where undo and redo replay a group. Replayed edits bypass
// admission and are flushed without recording.
type Target interface {
	WorldID() string
	SetBlockBypass(key edit.ChunkKey, pos edit.Pos, b edit.Block) error
	Discard(key edit.ChunkKey) bool
	Flush(ctx context.Context, rec queue.Recorder) queue.FlushReport
}

// Log is the linear undo history of one editing session.
//
// groups[:cursor] can be undone and groups[cursor:] can be redone. Appending
// a new group while cursor < len(groups) drops the redo future.
type Log struct {
	sessionID string
	retention Retention
	archive   Archive
	logger    *log.Logger
	metrics   *metrics.EditMetrics
	now       func() time.Time

	mu      sync.Mutex
	groups  []*Group
	cursor  int
	open    *Group
	nextSeq uint64
	// stale holds discarded seqs whose archived copies may still exist.
	stale []seqRange
	// holding keeps the open group across EndGroup calls until EndOperation.
	holding bool
}

type Option func(*Log)

func WithArchive(a Archive) Option              { return func(l *Log) { l.archive = a } }
func WithLogger(lg *log.Logger) Option          { return func(l *Log) { l.logger = lg } }
func WithMetrics(m *metrics.EditMetrics) Option { return func(l *Log) { l.metrics = m } }
func WithClock(now func() time.Time) Option     { return func(l *Log) { l.now = now } }

func New(sessionID string, ret Retention, opts ...Option) *Log {
	l := &Log{
		sessionID: sessionID,
		retention: ret,
		now:       time.Now,
		nextSeq:   1,
	}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = log.New(io.Discard, "", 0)
	}
	return l
}

func (l *Log) SessionID() string { return l.sessionID }

// SetRetention changes the bounds; they apply from the next EndGroup or Prune.
func (l *Log) SetRetention(ret Retention) {
	l.mu.Lock()
	l.retention = ret
	l.mu.Unlock()
}

// Append adds one region to the open group, starting a group if needed.
func (l *Log) Append(worldID string, key edit.ChunkKey, before, after *edit.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.open == nil {
		l.truncateLocked()
		l.open = &Group{
			SessionID: l.sessionID,
			Seq:       l.nextSeq,
			WorldID:   worldID,
			CreatedAt: l.now(),
		}
		l.nextSeq++
	}
	for i := range l.open.Records {
		r := &l.open.Records[i]
		if r.Key == key && r.WorldID == worldID {
			// Same region again within one group: keep the first before state.
			// Snapshots are shared with the flush report, so merge into copies.
			r.Before = r.Before.Clone()
			r.Before.Underlay(before)
			r.After = r.After.Clone()
			r.After.Overlay(after)
			return
		}
	}
	l.open.Records = append(l.open.Records, Record{
		SessionID: l.sessionID,
		Seq:       l.open.Seq,
		WorldID:   worldID,
		Key:       key,
		Before:    before,
		After:     after,
	})
}

// BeginOperation makes later flushes extend one group until EndOperation.
func (l *Log) BeginOperation() {
	l.mu.Lock()
	l.holding = true
	l.mu.Unlock()
}

// EndOperation stops holding and seals whatever the operation recorded.
func (l *Log) EndOperation() {
	l.mu.Lock()
	l.holding = false
	l.mu.Unlock()
	l.EndGroup()
}

func (l *Log) InOperation() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holding
}

// EndGroup seals the open group and applies retention. Inside an operation
// the group stays open.
func (l *Log) EndGroup() {
	l.mu.Lock()
	if l.holding {
		l.mu.Unlock()
		return
	}
	g := l.open
	l.open = nil
	if g == nil || len(g.Records) == 0 {
		l.mu.Unlock()
		return
	}
	l.groups = append(l.groups, g)
	l.cursor = len(l.groups)
	evicted := l.evictLocked(l.now())
	stale := l.takeStaleLocked()
	l.mu.Unlock()

	_ = l.dropStale(context.Background(), stale)
	l.archiveEvicted(evicted)
}

// truncateLocked drops the redo future. Its archived copies are removed by
// the next EndGroup or Persist.
func (l *Log) truncateLocked() {
	if l.cursor >= len(l.groups) {
		return
	}
	if l.archive != nil {
		l.stale = append(l.stale, seqRange{from: l.groups[l.cursor].Seq, to: l.nextSeq})
	}
	for _, g := range l.groups[l.cursor:] {
		g.release()
	}
	l.groups = l.groups[:l.cursor]
}

func (l *Log) takeStaleLocked() []seqRange {
	out := l.stale
	l.stale = nil
	return out
}

// dropStale deletes archived copies of discarded groups. Ranges that fail
// are kept for the next attempt.
func (l *Log) dropStale(ctx context.Context, ranges []seqRange) error {
	var (
		errs   []error
		failed []seqRange
	)
	for _, r := range ranges {
		if err := l.archive.Delete(ctx, l.sessionID, r.from, r.to); err != nil {
			perr := &PersistenceError{SessionID: l.sessionID, Seq: r.from, Op: "delete", Err: err}
			l.logger.Printf("%v", perr)
			errs = append(errs, perr)
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		l.mu.Lock()
		l.stale = append(failed, l.stale...)
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}

// evictLocked drops groups from the front until retention holds.
func (l *Log) evictLocked(now time.Time) []*Group {
	n := 0
	for n < len(l.groups) {
		g := l.groups[n]
		overCount := l.retention.MaxGroups > 0 && len(l.groups)-n > l.retention.MaxGroups
		tooOld := l.retention.MaxAge > 0 && now.Sub(g.CreatedAt) > l.retention.MaxAge
		if !overCount && !tooOld {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}
	kept := n
	if l.cursor < n {
		// Undone groups leave without being archived.
		kept = l.cursor
		if l.archive != nil {
			l.stale = append(l.stale, seqRange{from: l.groups[kept].Seq, to: l.groups[n-1].Seq + 1})
		}
		for _, g := range l.groups[kept:n] {
			g.release()
		}
	}
	evicted := append([]*Group(nil), l.groups[:kept]...)
	l.groups = append(l.groups[:0:0], l.groups[n:]...)
	l.cursor -= n
	if l.cursor < 0 {
		l.cursor = 0
	}
	return evicted
}

// archiveEvicted hands evicted groups to the archive. A failed store is
// logged; the group is dropped either way.
func (l *Log) archiveEvicted(groups []*Group) {
	for _, g := range groups {
		failed := false
		if l.archive != nil {
			if err := l.archive.Store(context.Background(), g); err != nil {
				failed = true
				perr := &PersistenceError{SessionID: l.sessionID, Seq: g.Seq, Op: "archive", Err: err}
				l.logger.Printf("%v (group evicted anyway)", perr)
			}
		}
		l.metrics.Evicted(failed)
		g.release()
	}
}

// Prune applies age retention as of now.
func (l *Log) Prune(now time.Time) int {
	l.mu.Lock()
	before := len(l.groups)
	evicted := l.evictLocked(now)
	dropped := before - len(l.groups)
	stale := l.takeStaleLocked()
	l.mu.Unlock()
	_ = l.dropStale(context.Background(), stale)
	l.archiveEvicted(evicted)
	return dropped
}

// Undo replays the before state of the group behind the cursor into t.
func (l *Log) Undo(ctx context.Context, t Target) error {
	err := l.replay(ctx, t, true)
	l.metrics.History("undo", err)
	return err
}

// Redo replays the after state of the group at the cursor into t.
func (l *Log) Redo(ctx context.Context, t Target) error {
	err := l.replay(ctx, t, false)
	l.metrics.History("redo", err)
	return err
}

func (l *Log) replay(ctx context.Context, t Target, undo bool) error {
	op := "redo"
	if undo {
		op = "undo"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var g *Group
	if undo {
		if l.cursor == 0 {
			return ErrNothingToUndo
		}
		g = l.groups[l.cursor-1]
	} else {
		if l.cursor >= len(l.groups) {
			return ErrNothingToRedo
		}
		g = l.groups[l.cursor]
	}

	if t == nil {
		l.logger.Printf("%s session=%s seq=%d: no target to replay into", op, l.sessionID, g.Seq)
		return ErrUnsupportedChangeTarget
	}
	for _, r := range g.Records {
		if r.WorldID != t.WorldID() {
			l.logger.Printf("%s session=%s seq=%d: target world %q does not hold region %v of world %q", op, l.sessionID, g.Seq, t.WorldID(), r.Key, r.WorldID)
			return ErrUnsupportedChangeTarget
		}
	}

	for i, r := range g.Records {
		snap := r.After
		if undo {
			snap = r.Before
		}
		for _, w := range snap.Blocks() {
			if err := t.SetBlockBypass(r.Key, w.Pos, w.Block); err != nil {
				for _, done := range g.Records[:i+1] {
					t.Discard(done.Key)
				}
				return &ReplayError{Op: op, Seq: g.Seq, Failures: 1, Err: err}
			}
		}
	}

	rep := t.Flush(ctx, nil)
	if rep.Err != nil {
		return &ReplayError{Op: op, Seq: g.Seq, Err: rep.Err}
	}
	if rep.Failed > 0 {
		errs := make([]error, 0, len(rep.Failures))
		for _, f := range rep.Failures {
			errs = append(errs, f.Err)
		}
		return &ReplayError{Op: op, Seq: g.Seq, Failures: rep.Failed, Err: errors.Join(errs...)}
	}

	if undo {
		l.cursor--
	} else {
		l.cursor++
	}
	return nil
}

// Restore loads archived groups for this session into an empty log.
func (l *Log) Restore(ctx context.Context) (int, error) {
	if l.archive == nil {
		return 0, nil
	}
	groups, err := l.archive.Load(ctx, l.sessionID)
	if err != nil {
		return 0, &PersistenceError{SessionID: l.sessionID, Op: "load", Err: err}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Seq < groups[j].Seq })

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.groups) > 0 || l.open != nil {
		return 0, errors.New("restore into a non-empty history")
	}
	for _, g := range groups {
		if g.Seq >= l.nextSeq {
			l.nextSeq = g.Seq + 1
		}
	}
	l.groups = groups
	l.cursor = len(groups)
	// Groups outside retention are already archived; drop them quietly.
	for _, g := range l.evictLocked(l.now()) {
		g.release()
	}
	return len(l.groups), nil
}

// Persist stores every undoable group in the archive, typically when the
// session ends. Undone groups are removed from the archive so a restored
// history only holds what the session can undo.
func (l *Log) Persist(ctx context.Context) error {
	if l.archive == nil {
		return nil
	}
	l.mu.Lock()
	groups := append([]*Group(nil), l.groups[:l.cursor]...)
	stale := l.takeStaleLocked()
	if l.cursor < len(l.groups) {
		stale = append(stale, seqRange{from: l.groups[l.cursor].Seq, to: l.nextSeq})
	}
	l.mu.Unlock()

	var errs []error
	if err := l.dropStale(ctx, stale); err != nil {
		errs = append(errs, err)
	}
	for _, g := range groups {
		if err := l.archive.Store(ctx, g); err != nil {
			errs = append(errs, &PersistenceError{SessionID: l.sessionID, Seq: g.Seq, Op: "persist", Err: err})
		}
	}
	return errors.Join(errs...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.groups)
}

func (l *Log) Cursor() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

// PeekUndo returns the group the next Undo would replay.
func (l *Log) PeekUndo() (*Group, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor == 0 {
		return nil, false
	}
	return l.groups[l.cursor-1], true
}

// PeekRedo returns the group the next Redo would replay.
func (l *Log) PeekRedo() (*Group, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursor >= len(l.groups) {
		return nil, false
	}
	return l.groups[l.cursor], true
}

// Clear drops all history without archiving it.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range l.groups {
		g.release()
	}
	l.groups = nil
	l.cursor = 0
	l.open = nil
	l.stale = nil
	l.holding = false
}
