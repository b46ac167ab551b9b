package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/queue"
	"voxeledit.ai/internal/history"
)

// Session is one editor working in one world. It owns a linear undo history.
type Session struct {
	id      string
	engine  *Engine
	world   *World
	history *history.Log

	closed atomic.Bool
}

// OpenSession starts a session in a loaded world. An empty id gets a fresh
// uuid; an existing id resumes the archived history of that session.
func (e *Engine) OpenSession(ctx context.Context, worldID, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	e.mu.Lock()
	w, ok := e.worlds[worldID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
	}
	if _, dup := e.sessions[id]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	opts := []history.Option{history.WithLogger(e.logger), history.WithMetrics(e.metrics)}
	if e.archive != nil {
		opts = append(opts, history.WithArchive(e.archive))
	}
	s := &Session{
		id:      id,
		engine:  e,
		world:   w,
		history: history.New(id, e.retention, opts...),
	}
	e.sessions[id] = s
	e.mu.Unlock()

	n, err := s.history.Restore(ctx)
	if err != nil {
		e.logger.Printf("session %s: history not restored: %v", id, err)
	} else if n > 0 {
		e.logger.Printf("session %s: restored %d history groups", id, n)
	}
	return s, nil
}

func (s *Session) ID() string            { return s.id }
func (s *Session) World() *World         { return s.world }
func (s *Session) History() *history.Log { return s.history }

// SetBlock queues b at world coordinates x, y, z.
func (s *Session) SetBlock(x, y, z int, b edit.Block) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	key, pos := edit.Split(x, y, z)
	s.world.lastEditor.Store(s)
	return s.world.queue.SetBlock(key, pos, b)
}

// Flush commits the world's pending edits as one history group of this session.
func (s *Session) Flush(ctx context.Context) queue.FlushReport {
	return s.world.flush(ctx, s)
}

// BeginOperation groups everything committed for this session, including
// flushes triggered by the batch size hint or memory pressure, into a single
// undo group until EndOperation.
func (s *Session) BeginOperation() error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.history.BeginOperation()
	return nil
}

// EndOperation commits pending edits into the operation and seals its group.
func (s *Session) EndOperation(ctx context.Context) queue.FlushReport {
	if s.closed.Load() {
		return queue.FlushReport{Err: errSessionClosed}
	}
	return s.endOperation(ctx)
}

func (s *Session) endOperation(ctx context.Context) queue.FlushReport {
	w := s.world
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	rep := w.flushLocked(ctx, s)
	s.endOperationLocked()
	return rep
}

func (s *Session) endOperationLocked() {
	if !s.history.InOperation() {
		return
	}
	rec := &groupRecorder{log: s.history, index: s.world.engine.index}
	rec.seal(s.history.EndOperation)
}

// Undo commits pending edits, then reverts the newest group.
func (s *Session) Undo(ctx context.Context) error {
	return s.replay(ctx, s.history.Undo)
}

// Redo commits pending edits, then re-applies the newest undone group. A
// pending edit that commits first drops the redo future.
func (s *Session) Redo(ctx context.Context) error {
	return s.replay(ctx, s.history.Redo)
}

func (s *Session) replay(ctx context.Context, op func(context.Context, history.Target) error) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	w := s.world
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	rep := w.flushLocked(ctx, s)
	s.endOperationLocked()
	if rep.Err != nil {
		return rep.Err
	}
	return op(ctx, w.queue)
}

// Close commits pending edits, ends an open operation and hands the undoable
// history to the archive.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	rep := s.endOperation(ctx)
	s.world.lastEditor.CompareAndSwap(s, nil)

	e := s.engine
	e.mu.Lock()
	delete(e.sessions, s.id)
	e.mu.Unlock()

	var errs []error
	if rep.Err != nil {
		errs = append(errs, rep.Err)
	}
	if err := s.history.Persist(ctx); err != nil {
		errs = append(errs, err)
	}
	s.history.Clear()
	return errors.Join(errs...)
}

var errSessionClosed = errors.New("session closed")
