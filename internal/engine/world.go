package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/executor"
	"voxeledit.ai/internal/edit/queue"
	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/world/store"
)

// World is a loaded world: its store, the single committing executor and the
// edit queue in front of it.
type World struct {
	engine *Engine
	store  *store.ChunkStore
	exec   *executor.Executor
	queue  *queue.Queue

	// lastEditor receives groups from flushes no session asked for.
	lastEditor atomic.Pointer[Session]

	// flushMu orders recorded flushes and undo/redo replays.
	flushMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *World) ID() string                   { return w.store.WorldID }
func (w *World) Store() *store.ChunkStore     { return w.store }
func (w *World) Queue() *queue.Queue          { return w.queue }
func (w *World) Executor() *executor.Executor { return w.exec }

// Flush commits pending edits. Groups are recorded for the session that
// edited last, if it is still open.
func (w *World) Flush(ctx context.Context) queue.FlushReport {
	return w.flush(ctx, nil)
}

// flush commits the queue. Groups go to s, or to the last editing session when
// s is nil and that session is still open.
func (w *World) flush(ctx context.Context, s *Session) queue.FlushReport {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	return w.flushLocked(ctx, s)
}

func (w *World) flushLocked(ctx context.Context, s *Session) queue.FlushReport {
	if s == nil {
		s = w.lastEditor.Load()
		if s != nil && s.closed.Load() {
			s = nil
		}
	}
	var rec queue.Recorder
	if s != nil {
		rec = &groupRecorder{log: s.history, index: w.engine.index}
	}
	rep := w.queue.Flush(ctx, rec)
	if rep.Failed > 0 {
		for _, f := range rep.Failures {
			w.engine.logger.Printf("world %s: region %v not committed: %v", w.ID(), f.Key, f.Err)
		}
	}
	return rep
}

func (w *World) serveFlushRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.FlushRequests():
			rep := w.flush(ctx, nil)
			if rep.Err == nil {
				w.engine.logger.Printf("world %s: early flush committed=%d skipped=%d failed=%d", w.ID(), rep.Committed, rep.Skipped, rep.Failed)
			}
		}
	}
}

// groupRecorder forwards to a history log and indexes the sealed group.
type groupRecorder struct {
	log   *history.Log
	index GroupIndex
}

func (r *groupRecorder) Append(worldID string, key edit.ChunkKey, before, after *edit.Snapshot) {
	r.log.Append(worldID, key, before, after)
}

func (r *groupRecorder) EndGroup() { r.seal(r.log.EndGroup) }

// seal runs end and indexes the group it sealed, if any.
func (r *groupRecorder) seal(end func()) {
	prev, _ := r.log.PeekUndo()
	end()
	if r.index == nil {
		return
	}
	if g, ok := r.log.PeekUndo(); ok && g != prev {
		r.index.RecordGroup(g)
	}
}
