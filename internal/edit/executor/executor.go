package executor

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/metrics"
)

var ErrStopped = errors.New("executor stopped")

// CommitEntry is one line of the per-world commit log.
type CommitEntry struct {
	TS      string `json:"ts"`
	WorldID string `json:"world_id"`
	Seq     uint64 `json:"seq"`
	CX      int    `json:"cx"`
	CZ      int    `json:"cz"`
	Changed int    `json:"changed"`
	Min     [3]int `json:"min"`
	Max     [3]int `json:"max"`
}

type CommitLogger interface {
	WriteCommit(e CommitEntry) error
}

type job struct {
	batch edit.Batch
	res   chan error
}

// Executor is the only goroutine that mutates its world store. Batches are
// committed strictly in submission order.
type Executor struct {
	worldID string
	store   edit.WorldStore
	logger  *log.Logger
	metrics *metrics.EditMetrics

	commitLogs []CommitLogger

	mu      sync.Mutex
	queue   []job
	stopped bool
	wake    chan struct{}

	seq uint64
}

func New(worldID string, store edit.WorldStore, logger *log.Logger, m *metrics.EditMetrics) *Executor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Executor{
		worldID: worldID,
		store:   store,
		logger:  logger,
		metrics: m,
		wake:    make(chan struct{}, 1),
	}
}

// AddCommitLogger registers a sink for commit entries. Call before Run.
func (e *Executor) AddCommitLogger(l CommitLogger) {
	if l != nil {
		e.commitLogs = append(e.commitLogs, l)
	}
}

func (e *Executor) WorldID() string { return e.worldID }

// Run commits queued batches until ctx is cancelled. Batches still queued at
// that point fail with the context error.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopped = true
			rest := e.queue
			e.queue = nil
			e.mu.Unlock()
			for _, j := range rest {
				j.res <- &edit.CommitError{Key: j.batch.Key, Err: ctx.Err()}
			}
			return ctx.Err()
		case <-e.wake:
		}

		e.mu.Lock()
		jobs := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, j := range jobs {
			j.res <- e.commit(j.batch)
		}
	}
}

// SubmitBatch queues a prepared batch. The returned channel yields exactly one value.
func (e *Executor) SubmitBatch(b edit.Batch) <-chan error {
	res := make(chan error, 1)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		res <- &edit.CommitError{Key: b.Key, Err: ErrStopped}
		return res
	}
	e.queue = append(e.queue, job{batch: b, res: res})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return res
}

// Submit freezes cs and queues it without waiting.
func (e *Executor) Submit(cs *edit.ChangeSet) <-chan error {
	b, ok := cs.Batch()
	if !ok {
		res := make(chan error, 1)
		res <- nil
		return res
	}
	return e.SubmitBatch(b)
}

// Commit submits cs and waits for the result.
func (e *Executor) Commit(ctx context.Context, cs *edit.ChangeSet) error {
	select {
	case err := <-e.Submit(cs):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) commit(b edit.Batch) error {
	if len(b.Writes) == 0 {
		return nil
	}
	start := time.Now()
	if err := e.write(b); err != nil {
		e.logger.Printf("commit %s chunk %v failed: %v", e.worldID, b.Key, err)
		return &edit.CommitError{Key: b.Key, Err: err}
	}

	// The blocks are in the store from here on; later failures are reported
	// but do not undo the commit.
	if err := e.store.Relight(b.Key, b.Box); err != nil {
		e.logger.Printf("relight %s chunk %v: %v", e.worldID, b.Key, err)
	}
	summary := edit.ChunkSummary{
		WorldID: e.worldID,
		CX:      b.Key.CX,
		CZ:      b.Key.CZ,
		Changed: len(b.Writes),
		Min:     b.Box.Min.ToArray(),
		Max:     b.Box.Max.ToArray(),
	}
	if err := e.store.NotifyClients(b.Key, summary); err != nil {
		e.logger.Printf("notify %s chunk %v: %v", e.worldID, b.Key, err)
	}

	e.seq++
	entry := CommitEntry{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		WorldID: e.worldID,
		Seq:     e.seq,
		CX:      b.Key.CX,
		CZ:      b.Key.CZ,
		Changed: len(b.Writes),
		Min:     summary.Min,
		Max:     summary.Max,
	}
	for _, l := range e.commitLogs {
		if err := l.WriteCommit(entry); err != nil {
			e.logger.Printf("commit log %s: %v", e.worldID, err)
		}
	}
	e.metrics.Committed(time.Since(start), len(b.Writes))
	return nil
}

func (e *Executor) write(b edit.Batch) error {
	if bw, ok := e.store.(edit.BatchWriter); ok {
		return bw.WriteBlocks(b.Key, b.Writes)
	}
	for i, w := range b.Writes {
		if err := e.store.WriteBlock(b.Key, w.Pos, w.Block); err != nil {
			for j := i - 1; j >= 0; j-- {
				r := b.Restore[j]
				if rerr := e.store.WriteBlock(b.Key, r.Pos, r.Block); rerr != nil {
					e.logger.Printf("rollback %s chunk %v at %v: %v", e.worldID, b.Key, r.Pos, rerr)
				}
			}
			return err
		}
	}
	return nil
}
