// Package runtime coordinates tenant switches across the overlay cache, the
// vector-index cache and the context store. One Runtime instance is built by
// the process entry point and shared by reference; there is no global state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/switchyard/internal/cache"
	"github.com/ent0n29/switchyard/internal/contextstore"
	"github.com/ent0n29/switchyard/internal/observability"
	"github.com/ent0n29/switchyard/internal/overlay"
	"github.com/ent0n29/switchyard/internal/protocol"
	"github.com/ent0n29/switchyard/internal/tenant"
	"github.com/ent0n29/switchyard/internal/vecindex"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateSwitching State = "switching"
	StateDegraded  State = "degraded"
)

// ResourceState reports how one sub-resource landed after a switch.
type ResourceState string

const (
	ResourceLive     ResourceState = "live"
	ResourceFallback ResourceState = "fallback"
)

var (
	// ErrSwitchFailed means every sub-resource failed; the previous tenant
	// stays active.
	ErrSwitchFailed = errors.New("switch failed for all resources")

	// ErrSuperseded means a newer switch request arrived while this one was in
	// flight; the newer request decides the final active tenant.
	ErrSuperseded = errors.New("switch superseded by a newer request")
)

// SwitchResult enumerates how each sub-resource landed. A fallback is not an
// error: the tenant is active, with reduced capability.
type SwitchResult struct {
	SwitchID string        `json:"switch_id"`
	TenantID tenant.ID     `json:"tenant_id"`
	Overlay  ResourceState `json:"overlay"`
	Index    ResourceState `json:"index"`
	Context  ResourceState `json:"context"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Degraded reports whether any sub-resource fell back.
func (r SwitchResult) Degraded() bool {
	return r.Overlay == ResourceFallback || r.Index == ResourceFallback || r.Context == ResourceFallback
}

// Config sizes the two resource caches and sets switch latency expectations.
type Config struct {
	OverlayCacheBytes   int64
	OverlayCacheEntries int
	IndexCacheBytes     int64
	IndexCacheEntries   int
	LoadTimeout         time.Duration
	EmbeddingDims       int

	// FastPathSLO bounds a fully cached switch. Zero keeps the default
	// switch_cached target.
	FastPathSLO time.Duration
}

// Runtime is the switch coordinator plus the accessors front ends consume.
type Runtime struct {
	registry tenant.Registry
	overlays *cache.Cache[*overlay.Handle]
	indices  *cache.Cache[*vecindex.Handle]
	contexts *contextstore.Store
	metrics  *observability.Metrics

	overlayLoader *overlay.Loader
	indexLoader   *vecindex.Loader
	fastPathSLO   time.Duration

	// switchMu serializes switch critical sections; queued requests run in
	// submission order. Cache metadata locks are independent, so reads of
	// unrelated tenants proceed during a slow load.
	switchMu sync.Mutex

	mu         sync.RWMutex
	active     tenant.ID
	state      State
	lastResult *SwitchResult
	generation uint64
	cancelWait context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]chan protocol.Event
	nextSub int
}

func New(cfg Config, registry tenant.Registry, contexts *contextstore.Store, metrics *observability.Metrics) *Runtime {
	r := &Runtime{
		registry:      registry,
		contexts:      contexts,
		metrics:       metrics,
		overlayLoader: overlay.NewLoader(),
		indexLoader:   vecindex.NewLoader(cfg.EmbeddingDims),
		fastPathSLO:   cfg.FastPathSLO,
		state:         StateIdle,
		subs:          make(map[int]chan protocol.Event),
	}
	if cfg.FastPathSLO > 0 {
		metrics.SetStageTargetP95("switch_cached", cfg.FastPathSLO)
	}
	r.overlays = cache.New[*overlay.Handle](cache.Config{
		Name:        "overlay",
		MaxBytes:    cfg.OverlayCacheBytes,
		MaxEntries:  cfg.OverlayCacheEntries,
		LoadTimeout: cfg.LoadTimeout,
	}, func(id tenant.ID, h *overlay.Handle) error {
		return h.Close()
	}, metrics)
	r.indices = cache.New[*vecindex.Handle](cache.Config{
		Name:        "vecindex",
		MaxBytes:    cfg.IndexCacheBytes,
		MaxEntries:  cfg.IndexCacheEntries,
		LoadTimeout: cfg.LoadTimeout,
	}, func(id tenant.ID, h *vecindex.Handle) error {
		return h.Close()
	}, metrics)
	return r
}

// SwitchProject makes id the active tenant. Sub-resource failures degrade
// individually; the switch only fails outright on a registry miss, a registry
// error, or when overlay, index and context all fail.
func (r *Runtime) SwitchProject(ctx context.Context, id tenant.ID) (SwitchResult, error) {
	resolveStart := time.Now()
	meta, err := r.registry.Resolve(ctx, id)
	r.metrics.ObserveSwitchStage("resolve", time.Since(resolveStart))
	if err != nil {
		r.metrics.ObserveSwitchOutcome("unknown_tenant")
		return SwitchResult{}, err
	}

	// Register this request and cancel the wait of any switch still in
	// flight: its loads finish in the background, but the newest request is
	// the one that decides where the runtime lands.
	r.mu.Lock()
	r.generation++
	gen := r.generation
	if r.cancelWait != nil {
		r.cancelWait()
	}
	waitCtx, cancel := context.WithCancel(ctx)
	r.cancelWait = cancel
	r.mu.Unlock()
	defer cancel()

	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	start := time.Now()
	res := SwitchResult{SwitchID: uuid.NewString(), TenantID: id}
	r.setState(StateSwitching)
	r.publish(protocol.SwitchStarted{
		Type:     protocol.TypeSwitchStarted,
		SwitchID: res.SwitchID,
		TenantID: string(id),
		TSMs:     protocol.NowMs(),
	})
	r.publishStage(res, protocol.StageResolve, "live", "")

	overlayRan, overlayErr := r.loadOverlay(waitCtx, meta, &res)
	indexRan, indexErr := r.loadIndex(waitCtx, meta, &res)

	if overlayErr != nil && indexErr != nil && r.superseded(gen) {
		// Both loads were abandoned because a newer request took over; do not
		// touch the active pointer or the context store.
		r.restoreState()
		r.metrics.ObserveSwitchOutcome("superseded")
		return res, fmt.Errorf("%w: tenant %s", ErrSuperseded, id)
	}

	ctxStart := time.Now()
	contextErr := r.contexts.SwitchTo(id)
	r.metrics.ObserveSwitchStage("context_switch", time.Since(ctxStart))
	if contextErr != nil {
		if overlayErr != nil && indexErr != nil {
			// Total failure: leave the previous tenant fully intact.
			r.restoreState()
			r.metrics.ObserveSwitchOutcome("failed")
			r.publish(protocol.SwitchCompleted{
				Type:       protocol.TypeSwitchCompleted,
				SwitchID:   res.SwitchID,
				TenantID:   string(id),
				Outcome:    "failed",
				DurationMs: time.Since(start).Milliseconds(),
				TSMs:       protocol.NowMs(),
			})
			return res, fmt.Errorf("%w: tenant %s: overlay: %v; index: %v; context: %v",
				ErrSwitchFailed, id, overlayErr, indexErr, contextErr)
		}
		log.Printf("switch %s: context failed for %s, continuing empty: %v", res.SwitchID, id, contextErr)
		r.contexts.ResetTo(id)
		res.Context = ResourceFallback
		res.Warnings = append(res.Warnings, fmt.Sprintf("context unavailable: %v", contextErr))
		r.publishStage(res, protocol.StageContext, "fallback", contextErr.Error())
	} else {
		res.Context = ResourceLive
		r.publishStage(res, protocol.StageContext, "live", "")
	}

	if r.superseded(gen) {
		// A newer request is queued behind us; it will move the pointer again
		// immediately, so this result is advisory only.
		res.Duration = time.Since(start)
		r.restoreState()
		r.metrics.ObserveSwitchOutcome("superseded")
		return res, fmt.Errorf("%w: tenant %s", ErrSuperseded, id)
	}

	res.Duration = time.Since(start)
	r.mu.Lock()
	r.active = id
	if res.Degraded() {
		r.state = StateDegraded
	} else {
		r.state = StateIdle
	}
	r.lastResult = &res
	r.mu.Unlock()

	outcome := "ok"
	if res.Degraded() {
		outcome = "degraded"
	}
	r.metrics.ObserveSwitchOutcome(outcome)
	r.metrics.ObserveSwitchLatency(res.Duration)
	r.metrics.ObserveSwitchStage("switch_total", res.Duration)
	if !overlayRan && !indexRan {
		// Both resources came from cache; this is the fast path the latency
		// targets care about.
		r.metrics.ObserveSwitchStage("switch_cached", res.Duration)
		if r.fastPathSLO > 0 && res.Duration > r.fastPathSLO {
			log.Printf("switch %s: cached switch to %s took %s, over the %s fast-path bound",
				res.SwitchID, id, res.Duration.Round(time.Millisecond), r.fastPathSLO)
		}
	}
	r.publish(protocol.SwitchCompleted{
		Type:       protocol.TypeSwitchCompleted,
		SwitchID:   res.SwitchID,
		TenantID:   string(id),
		Outcome:    outcome,
		DurationMs: res.Duration.Milliseconds(),
		TSMs:       protocol.NowMs(),
	})
	log.Printf("switch %s: tenant %s active (overlay=%s index=%s context=%s) in %s",
		res.SwitchID, id, res.Overlay, res.Index, res.Context, res.Duration.Round(time.Millisecond))
	return res, nil
}

func (r *Runtime) loadOverlay(ctx context.Context, meta tenant.Metadata, res *SwitchResult) (bool, error) {
	start := time.Now()
	ran := false
	_, err := r.overlays.GetOrLoad(ctx, meta.ID, func(loadCtx context.Context) (*overlay.Handle, int64, error) {
		ran = true
		return r.overlayLoader.Load(loadCtx, meta)
	})
	r.metrics.ObserveSwitchStage("overlay_load", time.Since(start))
	if err != nil {
		log.Printf("switch %s: overlay load failed for %s, using base model: %v", res.SwitchID, meta.ID, err)
		r.metrics.ObserveFallback("overlay")
		res.Overlay = ResourceFallback
		res.Warnings = append(res.Warnings, fmt.Sprintf("overlay unavailable, base model only: %v", err))
		r.publishStage(*res, protocol.StageOverlay, "fallback", err.Error())
		return ran, err
	}
	res.Overlay = ResourceLive
	r.publishStage(*res, protocol.StageOverlay, "live", "")
	return ran, nil
}

func (r *Runtime) loadIndex(ctx context.Context, meta tenant.Metadata, res *SwitchResult) (bool, error) {
	start := time.Now()
	ran := false
	_, err := r.indices.GetOrLoad(ctx, meta.ID, func(loadCtx context.Context) (*vecindex.Handle, int64, error) {
		ran = true
		return r.indexLoader.Load(loadCtx, meta)
	})
	r.metrics.ObserveSwitchStage("index_load", time.Since(start))
	if err != nil {
		log.Printf("switch %s: index load failed for %s, search disabled: %v", res.SwitchID, meta.ID, err)
		r.metrics.ObserveFallback("index")
		res.Index = ResourceFallback
		res.Warnings = append(res.Warnings, fmt.Sprintf("index unavailable, search disabled: %v", err))
		r.publishStage(*res, protocol.StageIndex, "fallback", err.Error())
		return ran, err
	}
	res.Index = ResourceLive
	r.publishStage(*res, protocol.StageIndex, "live", "")
	return ran, nil
}

// ActiveTenant returns the tenant the runtime currently serves.
func (r *Runtime) ActiveTenant() (tenant.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.active != ""
}

// GetActiveOverlay returns the active tenant's overlay when it is live in
// cache. ok=false means the base model should be used.
func (r *Runtime) GetActiveOverlay() (*overlay.Handle, bool) {
	id, ok := r.ActiveTenant()
	if !ok {
		return nil, false
	}
	return r.overlays.Get(id)
}

// GetActiveIndex returns the active tenant's vector index when it is live in
// cache. ok=false means search is unavailable.
func (r *Runtime) GetActiveIndex() (*vecindex.Handle, bool) {
	id, ok := r.ActiveTenant()
	if !ok {
		return nil, false
	}
	return r.indices.Get(id)
}

// InvalidateTenant drops a tenant's cached resources, e.g. after it was
// deleted or retrained upstream.
func (r *Runtime) InvalidateTenant(id tenant.ID) {
	r.overlays.Invalidate(id)
	r.indices.Invalidate(id)
}

// AppendMessage records a conversational turn on the active context.
func (r *Runtime) AppendMessage(role contextstore.Role, content string, metadata map[string]string) (contextstore.Message, error) {
	return r.contexts.Append(role, content, metadata)
}

// GetHistory returns the active context's most recent messages.
func (r *Runtime) GetHistory(limit int) []contextstore.Message {
	return r.contexts.History(limit)
}

// State reports the coordinator state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastResult returns the most recent completed switch result.
func (r *Runtime) LastResult() (SwitchResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastResult == nil {
		return SwitchResult{}, false
	}
	return *r.lastResult, true
}

// Subscribe returns a progress event channel. Slow subscribers lose events
// rather than stalling a switch; cancel must be called to release the slot.
func (r *Runtime) Subscribe() (<-chan protocol.Event, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	idx := r.nextSub
	r.nextSub++
	ch := make(chan protocol.Event, 16)
	r.subs[idx] = ch
	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subs[idx]; ok {
			delete(r.subs, idx)
			close(ch)
		}
	}
}

// Close releases every cached resource and persists all contexts.
func (r *Runtime) Close() error {
	r.overlays.Purge()
	r.indices.Purge()
	return r.contexts.Close()
}

func (r *Runtime) publish(ev protocol.Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *Runtime) publishStage(res SwitchResult, stage, outcome, detail string) {
	r.publish(protocol.SwitchStage{
		Type:     protocol.TypeSwitchStage,
		SwitchID: res.SwitchID,
		TenantID: string(res.TenantID),
		Stage:    stage,
		Outcome:  outcome,
		Detail:   detail,
		TSMs:     protocol.NowMs(),
	})
}

func (r *Runtime) superseded(gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation != gen
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// restoreState returns the coordinator to its pre-switch steady state after a
// failed or superseded attempt.
func (r *Runtime) restoreState() {
	r.mu.Lock()
	if r.lastResult != nil && r.lastResult.Degraded() {
		r.state = StateDegraded
	} else {
		r.state = StateIdle
	}
	r.mu.Unlock()
}

// Overlays and Indices expose the caches for health reporting.
func (r *Runtime) Overlays() *cache.Cache[*overlay.Handle] { return r.overlays }
func (r *Runtime) Indices() *cache.Cache[*vecindex.Handle] { return r.indices }
func (r *Runtime) Contexts() *contextstore.Store           { return r.contexts }
