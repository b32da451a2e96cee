package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes one switch stage over the rolling window.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// FallbackCount reports how often a resource fell back within the window's
// lifetime.
type FallbackCount struct {
	Resource string `json:"resource"`
	Count    int    `json:"count"`
}

// StageSnapshot is the payload behind the perf endpoint: per-stage latency
// percentiles, which stages are currently breaching their p95 targets, and
// how often each resource has fallen back.
type StageSnapshot struct {
	GeneratedAt    time.Time       `json:"generated_at"`
	WindowSize     int             `json:"window_size"`
	Stages         []StageStats    `json:"stages"`
	TargetBreaches []string        `json:"target_breaches,omitempty"`
	Fallbacks      []FallbackCount `json:"fallbacks,omitempty"`
}

// stageWindow keeps a fixed-size rolling sample of per-stage switch latencies.
// Cheaper and more immediate than scraping histograms, and it can compare
// against configured targets instead of static bucket bounds.
type stageWindow struct {
	mu         sync.RWMutex
	maxSamples int
	targets    map[string]float64 // stage -> p95 target in ms; 0 = no target
	stages     map[string]*stageBuffer
	fallbacks  map[string]int
}

type stageBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

// defaultStageTargets carries the latency expectations of a switch: resolution
// is a map lookup, loads may touch disk, and a fully cached switch should be
// near-instant. The fast-path target is overridden from configuration.
func defaultStageTargets() map[string]float64 {
	return map[string]float64{
		"resolve":        10,
		"overlay_load":   2000,
		"index_load":     2000,
		"context_switch": 150,
		"switch_total":   3000,
		"switch_cached":  50,
	}
}

func newStageWindow(maxSamples int, targets map[string]float64) *stageWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	w := &stageWindow{
		maxSamples: maxSamples,
		targets:    make(map[string]float64, len(targets)),
		stages:     make(map[string]*stageBuffer),
		fallbacks:  make(map[string]int),
	}
	for stage, ms := range targets {
		w.targets[stage] = ms
	}
	return w
}

// SetTarget overrides the p95 target for one stage. ms <= 0 removes it.
func (w *stageWindow) SetTarget(stage string, ms float64) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if ms <= 0 {
		delete(w.targets, stage)
		return
	}
	w.targets[stage] = ms
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.stages[stage]
	if !ok {
		buf = &stageBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.stages[stage] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *stageWindow) ObserveFallback(resource string) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fallbacks[resource]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		keys = append(keys, stage)
	}
	sort.Strings(keys)

	stages := make([]StageStats, 0, len(keys))
	var breaches []string
	for _, stage := range keys {
		buf := w.stages[stage]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		p95 := quantile(samples, 0.95)
		target := w.targets[stage]

		stages = append(stages, StageStats{
			Stage:       stage,
			Samples:     n,
			LastMS:      round2(buf.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(p95),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: target,
		})
		if target > 0 && p95 > target {
			breaches = append(breaches, stage)
		}
	}

	resources := make([]string, 0, len(w.fallbacks))
	for resource := range w.fallbacks {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	fallbacks := make([]FallbackCount, 0, len(resources))
	for _, resource := range resources {
		fallbacks = append(fallbacks, FallbackCount{
			Resource: resource,
			Count:    w.fallbacks[resource],
		})
	}

	return StageSnapshot{
		GeneratedAt:    time.Now().UTC(),
		WindowSize:     w.maxSamples,
		Stages:         stages,
		TargetBreaches: breaches,
		Fallbacks:      fallbacks,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
