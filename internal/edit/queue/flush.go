package queue

import (
	"context"

	"golang.org/x/sync/errgroup"

	"voxeledit.ai/internal/edit"
)

type RegionFailure struct {
	Key edit.ChunkKey
	Err error
}

// Change is one committed region. Ownership of the snapshots passes to the
// caller; the queue keeps no reference.
type Change struct {
	Key    edit.ChunkKey
	Before *edit.Snapshot
	After  *edit.Snapshot
}

type FlushReport struct {
	Committed int
	Skipped   int
	Failed    int
	Failures  []RegionFailure
	Changes   []Change

	// Err is set when the flush did not start; pending sets are untouched then.
	Err error
}

type prepared struct {
	cs    *edit.ChangeSet
	batch edit.Batch
	dirty bool
	res   <-chan error
}

// Flush commits every pending change-set in insertion order. Preparation runs
// on a bounded worker pool; commits go through the executor one at a time. A
// failed region never stops the others. Committed regions are reported to rec
// followed by a single EndGroup. rec may be nil.
func (q *Queue) Flush(ctx context.Context, rec Recorder) FlushReport {
	if err := ctx.Err(); err != nil {
		return FlushReport{Err: err}
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	sets := q.takeLocked()
	for _, cs := range sets {
		q.inflight[cs.Key()] = make(chan struct{})
	}
	q.mu.Unlock()
	q.metrics.Pending(q.cfg.WorldID, 0)

	var rep FlushReport
	if len(sets) == 0 {
		return rep
	}

	// Sets taken from the arena are always committed; ctx no longer applies.
	work := make([]prepared, len(sets))
	var g errgroup.Group
	g.SetLimit(q.cfg.FlushWorkers)
	for i, cs := range sets {
		i, cs := i, cs
		g.Go(func() error {
			b, ok := cs.Batch()
			work[i] = prepared{cs: cs, batch: b, dirty: ok}
			return nil
		})
	}
	_ = g.Wait()

	for i := range work {
		if work[i].dirty {
			work[i].res = q.exec.SubmitBatch(work[i].batch)
		}
	}

	for _, w := range work {
		key := w.cs.Key()
		if !w.dirty {
			rep.Skipped++
			w.cs.Release()
			q.settle(key)
			continue
		}
		if err := <-w.res; err != nil {
			rep.Failed++
			rep.Failures = append(rep.Failures, RegionFailure{Key: key, Err: err})
			w.cs.Release()
			q.settle(key)
			continue
		}
		rep.Committed++
		rep.Changes = append(rep.Changes, Change{Key: key, Before: w.cs.Before(), After: w.cs.After()})
		if rec != nil {
			rec.Append(q.cfg.WorldID, key, w.cs.Before(), w.cs.After())
		}
		q.settle(key)
	}
	if rec != nil && rep.Committed > 0 {
		rec.EndGroup()
	}

	q.metrics.Flushed(q.cfg.WorldID, rep.Committed, rep.Skipped, rep.Failed)
	if rep.Failed > 0 {
		q.logger.Printf("flush %s: committed=%d skipped=%d failed=%d", q.cfg.WorldID, rep.Committed, rep.Skipped, rep.Failed)
	}
	return rep
}

func (q *Queue) settle(key edit.ChunkKey) {
	q.mu.Lock()
	if done, ok := q.inflight[key]; ok {
		close(done)
		delete(q.inflight, key)
	}
	q.mu.Unlock()
}
