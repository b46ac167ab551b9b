package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxeledit.ai/internal/governor"
	"voxeledit.ai/internal/history"
)

const (
	BackendNone   = "none"
	BackendFile   = "file"
	BackendBadger = "badger"
)

type Config struct {
	// MemoryThresholdPercent below 1 disables the memory governor.
	MemoryThresholdPercent      float64       `yaml:"memory_threshold_percent"`
	// MemoryLowWaterMarginPercent is kept when 0; negative means the default.
	MemoryLowWaterMarginPercent float64       `yaml:"memory_low_water_margin_percent"`
	MemoryPollInterval          time.Duration `yaml:"memory_poll_interval"`

	HistoryRetention Retention `yaml:"history_retention"`
	HistoryBackend   string    `yaml:"history_backend"`
	// HistoryDeleteAfter removes archived groups older than this at startup.
	HistoryDeleteAfter time.Duration `yaml:"history_delete_after"`

	FlushBatchSizeHint int `yaml:"flush_batch_size_hint"`
	FlushWorkers       int `yaml:"flush_workers"`

	DataDir     string `yaml:"data_dir"`
	ChunkHeight int    `yaml:"chunk_height"`
	Seed        int64  `yaml:"seed"`
	IndexDB     string `yaml:"index_db"`

	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`

	Worlds []string `yaml:"worlds"`
}

type Retention struct {
	MaxGroups int           `yaml:"max_groups"`
	MaxAge    time.Duration `yaml:"max_age"`
}

func Defaults() Config {
	return Config{
		MemoryThresholdPercent:      95,
		MemoryLowWaterMarginPercent: 5,
		MemoryPollInterval:          time.Second,
		HistoryRetention:            Retention{MaxGroups: 100},
		HistoryBackend:              BackendFile,
		HistoryDeleteAfter:          14 * 24 * time.Hour,
		FlushBatchSizeHint:          1 << 20,
		FlushWorkers:                4,
		DataDir:                     "./data",
		ChunkHeight:                 64,
		Seed:                        1337,
		Listen:                      ":8080",
		Worlds:                      []string{"OVERWORLD"},
	}
}

// Load reads path over Defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("editqueue.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("editqueue.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.HistoryBackend = strings.ToLower(strings.TrimSpace(c.HistoryBackend))
	if c.HistoryBackend == "" {
		c.HistoryBackend = BackendNone
	}
	// An explicit 0 puts the low-water mark at the threshold.
	if c.MemoryLowWaterMarginPercent < 0 {
		c.MemoryLowWaterMarginPercent = governor.DefaultLowWaterMarginPercent
	}
	if c.MemoryPollInterval <= 0 {
		c.MemoryPollInterval = time.Second
	}
	if c.FlushWorkers <= 0 {
		c.FlushWorkers = 1
	}
	if c.IndexDB == "" && c.DataDir != "" {
		c.IndexDB = c.DataDir + "/index/editqueue.sqlite"
	}
	worlds := c.Worlds[:0]
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		worlds = append(worlds, w)
	}
	c.Worlds = worlds
}

func (c Config) Validate() error {
	var errs []error
	if c.MemoryThresholdPercent > 100 {
		errs = append(errs, fmt.Errorf("memory_threshold_percent %v exceeds 100", c.MemoryThresholdPercent))
	}
	if c.GovernorEnabled() && c.MemoryLowWaterMarginPercent >= c.MemoryThresholdPercent {
		errs = append(errs, fmt.Errorf("memory_low_water_margin_percent %v must be below the threshold", c.MemoryLowWaterMarginPercent))
	}
	if c.HistoryRetention.MaxGroups < 0 || c.HistoryRetention.MaxAge < 0 {
		errs = append(errs, errors.New("history_retention values must not be negative"))
	}
	switch c.HistoryBackend {
	case BackendNone, BackendFile, BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown history_backend %q", c.HistoryBackend))
	}
	if c.HistoryBackend != BackendNone && c.DataDir == "" {
		errs = append(errs, errors.New("history_backend requires data_dir"))
	}
	if c.FlushBatchSizeHint < 0 {
		errs = append(errs, errors.New("flush_batch_size_hint must not be negative"))
	}
	if c.ChunkHeight <= 0 || c.ChunkHeight > 4096 {
		errs = append(errs, fmt.Errorf("chunk_height %d out of range", c.ChunkHeight))
	}
	if len(c.Worlds) == 0 {
		errs = append(errs, errors.New("at least one world is required"))
	}
	return errors.Join(errs...)
}

func (c Config) GovernorEnabled() bool { return c.MemoryThresholdPercent >= 1 }

func (c Config) Governor() governor.Config {
	return governor.Config{
		ThresholdPercent:      c.MemoryThresholdPercent,
		LowWaterMarginPercent: c.MemoryLowWaterMarginPercent,
		PollInterval:          c.MemoryPollInterval,
	}
}

func (c Config) Retention() history.Retention {
	return history.Retention{MaxGroups: c.HistoryRetention.MaxGroups, MaxAge: c.HistoryRetention.MaxAge}
}
