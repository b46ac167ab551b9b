package governor

import (
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync"
)

const heapMetric = "/memory/classes/heap/objects:bytes"

// RuntimeProvider reports live heap bytes against the Go memory limit, or
// against total system memory when no limit is set.
type RuntimeProvider struct {
	budget  uint64
	samples []metrics.Sample
}

func NewRuntimeProvider() *RuntimeProvider {
	return &RuntimeProvider{samples: []metrics.Sample{{Name: heapMetric}}}
}

func (p *RuntimeProvider) Install() error {
	metrics.Read(p.samples)
	if p.samples[0].Value.Kind() != metrics.KindUint64 {
		return fmt.Errorf("runtime metric %s unsupported", heapMetric)
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		p.budget = uint64(limit)
		return nil
	}
	total, err := totalMemory()
	if err != nil {
		return err
	}
	if total == 0 {
		return errors.New("total system memory reported as zero")
	}
	p.budget = total
	return nil
}

func (p *RuntimeProvider) UsageRatio() (float64, error) {
	if p.budget == 0 {
		return 0, errors.New("provider not installed")
	}
	metrics.Read(p.samples)
	return float64(p.samples[0].Value.Uint64()) / float64(p.budget), nil
}

// StaticProvider returns whatever ratio was last set.
type StaticProvider struct {
	mu         sync.Mutex
	ratio      float64
	InstallErr error
}

func (p *StaticProvider) Set(r float64) {
	p.mu.Lock()
	p.ratio = r
	p.mu.Unlock()
}

func (p *StaticProvider) Install() error { return p.InstallErr }

func (p *StaticProvider) UsageRatio() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ratio, nil
}
