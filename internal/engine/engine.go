package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"voxeledit.ai/internal/edit"
	"voxeledit.ai/internal/edit/executor"
	"voxeledit.ai/internal/edit/queue"
	"voxeledit.ai/internal/governor"
	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/metrics"
	"voxeledit.ai/internal/world/store"
)

var (
	ErrWorldLoaded   = errors.New("world already loaded")
	ErrWorldNotFound = errors.New("world not loaded")
	ErrSessionExists = errors.New("session already open")
)

// Registry is the material registry shared by every world.
type Registry interface {
	edit.MaterialRegistry
	store.Opacity
}

// GroupIndex receives a summary of every sealed history group.
type GroupIndex interface {
	RecordGroup(g *history.Group)
}

type Config struct {
	FlushWorkers       int
	FlushBatchSizeHint int
	Retention          history.Retention
	// PruneInterval applies age retention to idle sessions; 0 means one minute.
	PruneInterval time.Duration
}

// Engine is the process-wide editing context: registry, governor, metrics,
// logger and the loaded worlds with their sessions.
type Engine struct {
	cfg      Config
	registry Registry
	gov      *governor.Governor
	metrics  *metrics.EditMetrics
	logger   *log.Logger
	archive  history.Archive
	index    GroupIndex
	notifier store.Notifier
	commits  []executor.CommitLogger

	mu        sync.RWMutex
	worlds    map[string]*World
	sessions  map[string]*Session
	retention history.Retention

	relieving atomic.Bool
}

type Option func(*Engine)

func WithRegistry(r Registry) Option            { return func(e *Engine) { e.registry = r } }
func WithGovernor(g *governor.Governor) Option  { return func(e *Engine) { e.gov = g } }
func WithMetrics(m *metrics.EditMetrics) Option { return func(e *Engine) { e.metrics = m } }
func WithLogger(l *log.Logger) Option           { return func(e *Engine) { e.logger = l } }
func WithArchive(a history.Archive) Option      { return func(e *Engine) { e.archive = a } }
func WithGroupIndex(ix GroupIndex) Option       { return func(e *Engine) { e.index = ix } }
func WithNotifier(n store.Notifier) Option      { return func(e *Engine) { e.notifier = n } }
func WithCommitLogger(l executor.CommitLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.commits = append(e.commits, l)
		}
	}
}

func New(cfg Config, opts ...Option) *Engine {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	e := &Engine{
		cfg:       cfg,
		worlds:    map[string]*World{},
		sessions:  map[string]*Session{},
		retention: cfg.Retention,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = log.New(io.Discard, "", 0)
	}
	if e.gov != nil {
		e.gov.OnLimited(e.relieve)
	}
	return e
}

func (e *Engine) Logger() *log.Logger           { return e.logger }
func (e *Engine) Governor() *governor.Governor  { return e.gov }
func (e *Engine) Metrics() *metrics.EditMetrics { return e.metrics }

// Run polls the governor and prunes aged history until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if e.gov != nil {
		g.Go(func() error {
			if err := e.gov.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				e.prune(now)
			}
		}
	})
	return g.Wait()
}

func (e *Engine) prune(now time.Time) {
	for _, s := range e.Sessions() {
		if n := s.history.Prune(now); n > 0 {
			e.logger.Printf("session %s: pruned %d history groups", s.ID(), n)
		}
	}
}

// SetRetention applies new history bounds to every open session.
func (e *Engine) SetRetention(ret history.Retention) {
	e.mu.Lock()
	e.retention = ret
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.history.SetRetention(ret)
	}
}

// relieve runs when the governor becomes limited: pending edits are committed
// so their snapshots can be released, then memory is returned to the OS.
func (e *Engine) relieve(st governor.State) {
	if !e.relieving.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.relieving.Store(false)
		e.logger.Printf("memory pressure (used=%.3f): flushing all worlds", st.UsedRatio)
		e.FlushAll(context.Background())
		debug.FreeOSMemory()
	}()
}

// FlushAll commits pending edits of every loaded world.
func (e *Engine) FlushAll(ctx context.Context) {
	for _, w := range e.Worlds() {
		w.flush(ctx, nil)
	}
}

// LoadWorld starts the executor and queue for st. They live until UnloadWorld
// or Close.
func (e *Engine) LoadWorld(st *store.ChunkStore) (*World, error) {
	if st == nil || st.WorldID == "" {
		return nil, fmt.Errorf("load world: store without world id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.worlds[st.WorldID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWorldLoaded, st.WorldID)
	}

	if e.registry != nil {
		st.SetOpacity(e.registry)
	}
	if e.notifier != nil {
		st.SetNotifier(e.notifier)
	}
	ex := executor.New(st.WorldID, st, e.logger, e.metrics)
	for _, l := range e.commits {
		ex.AddCommitLogger(l)
	}
	opts := []queue.Option{
		queue.WithLogger(e.logger),
		queue.WithMetrics(e.metrics),
	}
	if e.gov != nil {
		opts = append(opts, queue.WithGovernor(e.gov))
	}
	if e.registry != nil {
		opts = append(opts, queue.WithRegistry(e.registry))
	}
	q := queue.New(queue.Config{
		WorldID:            st.WorldID,
		Height:             st.Height(),
		FlushWorkers:       e.cfg.FlushWorkers,
		FlushBatchSizeHint: e.cfg.FlushBatchSizeHint,
	}, st, ex, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	w := &World{
		engine: e,
		store:  st,
		exec:   ex,
		queue:  q,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = ex.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		w.serveFlushRequests(ctx)
	}()
	go func() {
		wg.Wait()
		close(w.done)
	}()

	e.worlds[st.WorldID] = w
	e.logger.Printf("world %s loaded (height=%d)", st.WorldID, st.Height())
	return w, nil
}

// UnloadWorld commits pending edits, closes the world's sessions and stops its
// executor.
func (e *Engine) UnloadWorld(ctx context.Context, id string) error {
	e.mu.Lock()
	w, ok := e.worlds[id]
	if ok {
		delete(e.worlds, id)
	}
	var sessions []*Session
	for _, s := range e.sessions {
		if s.world == w {
			sessions = append(sessions, s)
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorldNotFound, id)
	}

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rep := w.flush(ctx, nil)
	if rep.Failed > 0 {
		errs = append(errs, fmt.Errorf("unload %s: %d regions failed to commit", id, rep.Failed))
	}
	w.cancel()
	<-w.done
	if n := w.queue.DiscardAll(); n > 0 {
		e.logger.Printf("world %s unloaded with %d uncommitted regions", id, n)
	}
	e.logger.Printf("world %s unloaded", id)
	return errors.Join(errs...)
}

// Close unloads every world.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for _, w := range e.Worlds() {
		if err := e.UnloadWorld(ctx, w.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) World(id string) (*World, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.worlds[id]
	return w, ok
}

// Worlds returns the loaded worlds ordered by id.
func (e *Engine) Worlds() []*World {
	e.mu.RLock()
	out := make([]*World, 0, len(e.worlds))
	for _, w := range e.worlds {
		out = append(out, w)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (e *Engine) Sessions() []*Session {
	e.mu.RLock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}
