package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voxeledit.ai/internal/governor"
)

func TestLoadBundledConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "editqueue.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MemoryThresholdPercent != 95 || cfg.HistoryBackend != BackendFile {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.HistoryRetention.MaxAge != 24*time.Hour || cfg.MemoryPollInterval != time.Second {
		t.Fatalf("durations not decoded: %+v", cfg.HistoryRetention)
	}
	g := cfg.Governor()
	if g.Disabled() || g.LowWaterMarginPercent != 5 {
		t.Fatalf("governor config: %+v", g)
	}
	if cfg.Retention().MaxGroups != 100 {
		t.Fatalf("retention: %+v", cfg.Retention())
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FlushWorkers != Defaults().FlushWorkers || cfg.IndexDB == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLowWaterMarginZeroIsKept(t *testing.T) {
	cfg, err := Parse([]byte("memory_threshold_percent: 80\nmemory_low_water_margin_percent: 0\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MemoryLowWaterMarginPercent != 0 {
		t.Fatalf("margin rewritten to %v", cfg.MemoryLowWaterMarginPercent)
	}
	st := governor.New(cfg.Governor(), nil, nil, nil).State()
	if st.LowWater != st.Threshold {
		t.Fatalf("low water %v != threshold %v", st.LowWater, st.Threshold)
	}

	cfg, err = Parse([]byte("memory_low_water_margin_percent: -2\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MemoryLowWaterMarginPercent != governor.DefaultLowWaterMarginPercent {
		t.Fatalf("negative margin not defaulted: %v", cfg.MemoryLowWaterMarginPercent)
	}
}

func TestParseDisabledGovernor(t *testing.T) {
	cfg, err := Parse([]byte("memory_threshold_percent: -1\nhistory_backend: NONE\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.GovernorEnabled() || !cfg.Governor().Disabled() {
		t.Fatalf("governor should be disabled")
	}
	if cfg.HistoryBackend != BackendNone {
		t.Fatalf("backend not normalized: %q", cfg.HistoryBackend)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"backend":   "history_backend: s3\n",
		"threshold": "memory_threshold_percent: 150\n",
		"margin":    "memory_threshold_percent: 4\nmemory_low_water_margin_percent: 5\n",
		"height":    "chunk_height: 0\n",
		"retention": "history_retention:\n  max_groups: -1\n",
		"yaml":      "flush_workers: [\n",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseNormalizesWorlds(t *testing.T) {
	cfg, err := Parse([]byte("worlds: [A, ' B ', A, '']\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if strings.Join(cfg.Worlds, ",") != "A,B" {
		t.Fatalf("worlds: %v", cfg.Worlds)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "editqueue.yaml")
	if err := os.WriteFile(path, []byte("memory_threshold_percent: 90\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c Config) { got <- c }) }()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-got:
			if c.MemoryThresholdPercent != 80 {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is registered and sees the change.
			_ = os.WriteFile(path, []byte("memory_threshold_percent: 80\n"), 0o644)
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
