package governor

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voxeledit.ai/internal/metrics"
)

const (
	DefaultLowWaterMarginPercent = 5
	DefaultPollInterval          = time.Second
)

type Config struct {
	// ThresholdPercent below 1 disables the governor.
	ThresholdPercent      float64
	LowWaterMarginPercent float64
	PollInterval          time.Duration
}

func (c Config) Disabled() bool { return c.ThresholdPercent < 1 }

func (c Config) threshold() float64 {
	t := c.ThresholdPercent / 100
	if t > 1 {
		t = 1
	}
	return t
}

func (c Config) lowWater() float64 {
	m := c.LowWaterMarginPercent
	if m < 0 {
		m = 0
	}
	lw := c.threshold() - m/100
	if lw < 0 {
		lw = 0
	}
	return lw
}

// UsageProvider reports process memory usage as a ratio of the available budget.
type UsageProvider interface {
	Install() error
	UsageRatio() (float64, error)
}

type State struct {
	UsedRatio float64
	Threshold float64
	LowWater  float64
	Limited   bool
	Disabled  bool
	UpdatedAt time.Time
}

// Governor decides admission for new edits. State is written only by Observe
// (directly or from Run) and read lock-free.
type Governor struct {
	provider UsageProvider
	logger   *log.Logger
	metrics  *metrics.EditMetrics

	state atomic.Pointer[State]

	// wake is signalled by Reconfigure so a waiting Run sees the change.
	wake chan struct{}

	mu        sync.Mutex
	cfg       Config
	callbacks []func(State)
	degraded  bool
}

func New(cfg Config, p UsageProvider, logger *log.Logger, m *metrics.EditMetrics) *Governor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	g := &Governor{provider: p, logger: logger, metrics: m, cfg: cfg, wake: make(chan struct{}, 1)}
	g.state.Store(&State{
		Threshold: cfg.threshold(),
		LowWater:  cfg.lowWater(),
		Disabled:  cfg.Disabled(),
	})
	return g
}

// IsLimited reports whether new edits should be rejected.
func (g *Governor) IsLimited() bool {
	if g == nil {
		return false
	}
	return g.state.Load().Limited
}

func (g *Governor) State() State { return *g.state.Load() }

// OnLimited registers fn to run each time the governor transitions into the
// limited state. fn runs on the observing goroutine.
func (g *Governor) OnLimited(fn func(State)) {
	g.mu.Lock()
	g.callbacks = append(g.callbacks, fn)
	g.mu.Unlock()
}

// Reconfigure swaps the thresholds. The current limited flag is kept and
// re-evaluated on the next observation.
func (g *Governor) Reconfigure(cfg Config) {
	g.mu.Lock()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = g.cfg.PollInterval
	}
	g.cfg = cfg
	prev := g.state.Load()
	next := *prev
	next.Threshold = cfg.threshold()
	next.LowWater = cfg.lowWater()
	next.Disabled = cfg.Disabled() || g.degraded
	if next.Disabled {
		next.Limited = false
	}
	g.state.Store(&next)
	g.mu.Unlock()
	select {
	case g.wake <- struct{}{}:
	default:
	}
	g.logger.Printf("memory governor reconfigured: threshold=%.2f low_water=%.2f disabled=%v", next.Threshold, next.LowWater, next.Disabled)
}

// Observe feeds one usage sample and returns the resulting state.
func (g *Governor) Observe(ratio float64) State {
	g.mu.Lock()
	prev := g.state.Load()
	next := *prev
	next.UsedRatio = ratio
	next.UpdatedAt = time.Now()
	switch {
	case next.Disabled:
		next.Limited = false
	case !prev.Limited && ratio >= next.Threshold:
		next.Limited = true
	case prev.Limited && ratio <= next.LowWater:
		next.Limited = false
	}
	g.state.Store(&next)
	var fire []func(State)
	if next.Limited && !prev.Limited {
		fire = append(fire, g.callbacks...)
	}
	g.mu.Unlock()

	g.metrics.Memory(ratio, next.Limited)
	if next.Limited != prev.Limited {
		g.logger.Printf("memory governor limited=%v used=%.3f threshold=%.2f low_water=%.2f", next.Limited, ratio, next.Threshold, next.LowWater)
	}
	for _, fn := range fire {
		fn(next)
	}
	return next
}

// Run installs the usage provider and polls it until ctx is cancelled. While
// the threshold disables the governor, Run waits for a Reconfigure that
// enables it. A provider that cannot be installed leaves the governor
// permanently unlimited and Run returns nil.
func (g *Governor) Run(ctx context.Context) error {
	g.mu.Lock()
	degraded := g.degraded
	g.mu.Unlock()
	if degraded {
		return nil
	}
	if g.State().Disabled {
		g.logger.Printf("memory governor disabled (memory_threshold_percent < 1)")
		if err := g.waitEnabled(ctx); err != nil {
			return err
		}
	}
	if g.provider == nil {
		g.degrade(nil)
		return nil
	}
	if err := g.provider.Install(); err != nil {
		g.degrade(err)
		return nil
	}
	g.logger.Printf("memory governor enabled: threshold=%.2f", g.State().Threshold)

	g.mu.Lock()
	interval := g.cfg.PollInterval
	g.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		if g.State().Disabled {
			if err := g.waitEnabled(ctx); err != nil {
				return err
			}
		}
		if ratio, err := g.provider.UsageRatio(); err != nil {
			failures++
			if failures == 1 {
				g.logger.Printf("memory usage sample failed: %v", err)
			}
		} else {
			failures = 0
			g.Observe(ratio)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-g.wake:
		}

		g.mu.Lock()
		if g.cfg.PollInterval != interval {
			interval = g.cfg.PollInterval
			ticker.Reset(interval)
		}
		g.mu.Unlock()
	}
}

// waitEnabled blocks until a Reconfigure enables the governor.
func (g *Governor) waitEnabled(ctx context.Context) error {
	for g.State().Disabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.wake:
		}
	}
	return nil
}

func (g *Governor) degrade(err error) {
	g.mu.Lock()
	if g.degraded {
		g.mu.Unlock()
		return
	}
	g.degraded = true
	next := *g.state.Load()
	next.Disabled = true
	next.Limited = false
	g.state.Store(&next)
	g.mu.Unlock()

	g.logger.Printf("===============================================")
	g.logger.Printf("Failed to install the memory usage hook: %v", err)
	g.logger.Printf("Edits will not be throttled under memory pressure.")
	g.logger.Printf("To silence this, set memory_threshold_percent: -1")
	g.logger.Printf("===============================================")
}
