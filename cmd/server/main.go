package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxeledit.ai/internal/catalogs"
	"voxeledit.ai/internal/config"
	"voxeledit.ai/internal/engine"
	"voxeledit.ai/internal/governor"
	"voxeledit.ai/internal/history"
	"voxeledit.ai/internal/history/archive"
	"voxeledit.ai/internal/metrics"
	"voxeledit.ai/internal/persistence/indexdb"
	persistlog "voxeledit.ai/internal/persistence/log"
	"voxeledit.ai/internal/transport/ws"
)

func main() {
	var (
		configPath  = flag.String("config", "./configs/editqueue.yaml", "edit queue config (yaml)")
		configDir   = flag.String("configs", "./configs", "config directory (blocks.json)")
		extraBlocks = flag.String("extra_blocks", "", "additional block catalog; existing ids are kept")
		dataDir     = flag.String("data", "", "runtime data directory (overrides data_dir)")
		addr        = flag.String("addr", "", "http listen address (overrides listen)")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite commit/history index")

		snapEvery  = flag.Duration("snapshot_every", 5*time.Minute, "world snapshot interval (0 disables periodic snapshots)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume worlds from their latest snapshot if present")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if s := strings.TrimSpace(*dataDir); s != "" {
		cfg.DataDir = s
		cfg.IndexDB = ""
		cfg.Normalize()
	}
	if s := strings.TrimSpace(*addr); s != "" {
		cfg.Listen = s
	}

	cat, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	if p := strings.TrimSpace(*extraBlocks); p != "" {
		n, err := cat.AddFile(p, false)
		if err != nil {
			logger.Fatalf("load extra blocks: %v", err)
		}
		logger.Printf("extra blocks: %d added from %s", n, p)
	}
	gen, err := worldGen(cfg, cat)
	if err != nil {
		logger.Fatalf("world gen: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewEditMetrics(reg)

	ctx, cancel := signalContext()
	defer cancel()

	gov := governor.New(cfg.Governor(), governor.NewRuntimeProvider(), logger, m)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(cfg.IndexDB)
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalog(cat); err != nil {
			logger.Printf("index: upsert catalog: %v", err)
		}
	}

	arch, closeArchive, err := openArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open history archive: %v", err)
	}
	defer closeArchive()

	hub := ws.NewHub(logger)
	commitLog := persistlog.NewCommitLogger(cfg.DataDir)
	defer commitLog.Close()

	opts := []engine.Option{
		engine.WithRegistry(cat),
		engine.WithGovernor(gov),
		engine.WithMetrics(m),
		engine.WithLogger(logger),
		engine.WithNotifier(hub),
		engine.WithCommitLogger(commitLog),
	}
	if arch != nil {
		opts = append(opts, engine.WithArchive(arch))
	}
	if idx != nil {
		opts = append(opts, engine.WithCommitLogger(idx), engine.WithGroupIndex(idx))
	}
	eng := engine.New(engine.Config{
		FlushWorkers:       cfg.FlushWorkers,
		FlushBatchSizeHint: cfg.FlushBatchSizeHint,
		Retention:          cfg.Retention(),
	}, opts...)

	for _, id := range cfg.Worlds {
		st, err := openWorld(cfg, gen, id, *loadLatest, logger)
		if err != nil {
			logger.Fatalf("world %s: %v", id, err)
		}
		if _, err := eng.LoadWorld(st); err != nil {
			logger.Fatalf("world %s: %v", id, err)
		}
	}
	registerRuntimeMetrics(reg, eng, hub, idx)

	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Printf("engine stopped: %v", err)
		}
	}()
	go snapshotLoop(ctx, cfg.DataDir, eng, *snapEvery, logger)
	go func() {
		err := config.Watch(ctx, *configPath, logger, func(next config.Config) {
			gov.Reconfigure(next.Governor())
			eng.SetRetention(next.Retention())
			logger.Printf("config reloaded: threshold=%.1f%% max_groups=%d max_age=%s",
				next.MemoryThresholdPercent, next.HistoryRetention.MaxGroups, next.HistoryRetention.MaxAge)
		})
		if err != nil && ctx.Err() == nil {
			logger.Printf("config watch: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if cfg.MetricsListen == "" {
		mux.Handle("/metrics", metricsHandler)
	} else {
		go serveMetrics(ctx, cfg.MetricsListen, metricsHandler, logger)
	}

	enableAdminHTTP := envBool("VE_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("VE_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(engineState(eng, hub, idx))
		})
		mux.HandleFunc("/admin/v1/flush", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			out := map[string]any{}
			for _, w := range eng.Worlds() {
				rep := w.Flush(r.Context())
				out[w.ID()] = map[string]int{"committed": rep.Committed, "skipped": rep.Skipped, "failed": rep.Failed}
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "worlds": out})
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			now := time.Now()
			paths := map[string]string{}
			rw.Header().Set("Content-Type", "application/json")
			for _, w := range eng.Worlds() {
				p, err := saveSnapshot(cfg.DataDir, w, now)
				if err != nil {
					rw.WriteHeader(http.StatusServiceUnavailable)
					_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "world_id": w.ID(), "error": err.Error()})
					return
				}
				paths[w.ID()] = p
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "paths": paths})
		})
	} else {
		logger.Printf("admin endpoints disabled (VE_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VE_ENABLE_PPROF_HTTP=false)")
	}

	mux.HandleFunc("/v1/ws", hub.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (worlds=%s data=%s)", cfg.Listen, strings.Join(cfg.Worlds, ","), cfg.DataDir)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Commit what is pending, then write a final snapshot per world.
	ctx3, cancel3 := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel3()
	worlds := eng.Worlds()
	if err := eng.Close(ctx3); err != nil {
		logger.Printf("engine close: %v", err)
	}
	now := time.Now()
	for _, w := range worlds {
		if p, err := saveSnapshot(cfg.DataDir, w, now); err != nil {
			logger.Printf("final snapshot %s: %v", w.ID(), err)
		} else {
			logger.Printf("final snapshot %s: %s", w.ID(), filepath.Base(p))
		}
	}
}

// openArchive returns the history archive selected by history_backend, or nil
// for "none". The returned func releases it.
func openArchive(ctx context.Context, cfg config.Config, logger *log.Logger) (history.Archive, func(), error) {
	switch cfg.HistoryBackend {
	case config.BackendFile:
		a := archive.NewFileArchive(filepath.Join(cfg.DataDir, "history"))
		if n, err := a.DeleteOlder(cfg.HistoryDeleteAfter, time.Now()); err != nil {
			logger.Printf("history cleanup: %v", err)
		} else if n > 0 {
			logger.Printf("history cleanup: removed %d groups older than %s", n, cfg.HistoryDeleteAfter)
		}
		return a, func() {}, nil
	case config.BackendBadger:
		a, err := archive.OpenBadger(archive.BadgerConfig{
			Path:   filepath.Join(cfg.DataDir, "history-badger"),
			TTL:    cfg.HistoryDeleteAfter,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		go a.RunGC(ctx, 10*time.Minute)
		return a, func() { _ = a.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

type worldState struct {
	WorldID       string `json:"world_id"`
	Height        int    `json:"height"`
	PendingChunks int    `json:"pending_chunks"`
	PendingEdits  int    `json:"pending_edits"`
	LoadedChunks  int    `json:"loaded_chunks"`
}

type sessionState struct {
	SessionID string `json:"session_id"`
	WorldID   string `json:"world_id"`
	Groups    int    `json:"groups"`
	Cursor    int    `json:"cursor"`
}

func engineState(eng *engine.Engine, hub *ws.Hub, idx *indexdb.SQLiteIndex) any {
	var worlds []worldState
	for _, w := range eng.Worlds() {
		worlds = append(worlds, worldState{
			WorldID:       w.ID(),
			Height:        w.Store().Height(),
			PendingChunks: w.Queue().Pending(),
			PendingEdits:  w.Queue().PendingEdits(),
			LoadedChunks:  len(w.Store().LoadedChunkKeys()),
		})
	}
	var sessions []sessionState
	for _, s := range eng.Sessions() {
		sessions = append(sessions, sessionState{
			SessionID: s.ID(),
			WorldID:   s.World().ID(),
			Groups:    s.History().Len(),
			Cursor:    s.History().Cursor(),
		})
	}
	var gov *governor.State
	if g := eng.Governor(); g != nil {
		st := g.State()
		gov = &st
	}
	return struct {
		Worlds      []worldState    `json:"worlds"`
		Sessions    []sessionState  `json:"sessions"`
		Governor    *governor.State `json:"governor,omitempty"`
		Subscribers int             `json:"subscribers"`
		Index       indexdb.Stats   `json:"index"`
	}{
		Worlds:      worlds,
		Sessions:    sessions,
		Governor:    gov,
		Subscribers: hub.Subscribers(),
		Index:       idx.Stats(),
	}
}

// registerRuntimeMetrics exposes counters owned by the hub and index writer.
func registerRuntimeMetrics(reg prometheus.Registerer, eng *engine.Engine, hub *ws.Hub, idx *indexdb.SQLiteIndex) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "voxeledit_ws_subscribers",
			Help: "Connected chunk-update subscribers",
		}, func() float64 { return float64(hub.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "voxeledit_ws_updates_sent_total",
			Help: "Chunk updates queued to subscribers",
		}, func() float64 { return float64(hub.Sent()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "voxeledit_ws_updates_dropped_total",
			Help: "Chunk updates dropped for slow subscribers",
		}, func() float64 { return float64(hub.Dropped()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "voxeledit_open_sessions",
			Help: "Open editing sessions",
		}, func() float64 { return float64(len(eng.Sessions())) }),
	)
	if idx == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "voxeledit_index_queue_depth",
			Help: "Rows waiting for the sqlite index writer",
		}, func() float64 { return float64(idx.Stats().QueueDepth) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "voxeledit_index_dropped_commits_total",
			Help: "Commit rows dropped because the index queue was full",
		}, func() float64 { return float64(idx.Stats().DropCommitTotal) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "voxeledit_index_dropped_groups_total",
			Help: "History group rows dropped because the index queue was full",
		}, func() float64 { return float64(idx.Stats().DropGroupTotal) }),
	)
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Printf("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("metrics server: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
