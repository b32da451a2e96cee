package runtime

import (
	"time"

	"github.com/ent0n29/switchyard/internal/cache"
	"github.com/ent0n29/switchyard/internal/tenant"
)

// HealthStatus summarizes how close the runtime is to its memory budgets.
type HealthStatus string

const (
	// HealthHealthy: every budget below 80 percent and no active fallback.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded: a budget in the 80-100 percent band, or the active
	// tenant running on a fallback resource.
	HealthDegraded HealthStatus = "degraded"
	// HealthCritical: a budget exceeded. Eviction should make this state
	// unreachable; seeing it means an accounting bug.
	HealthCritical HealthStatus = "critical"
)

const degradedThreshold = 0.8

// CacheHealth is the budget view of one resource cache.
type CacheHealth struct {
	Name         string            `json:"name"`
	Entries      int               `json:"entries"`
	MaxEntries   int               `json:"max_entries"`
	SizeBytes    int64             `json:"size_bytes"`
	MaxBytes     int64             `json:"max_bytes"`
	BytesPercent float64           `json:"bytes_percent"`
	Residents    []cache.EntryInfo `json:"residents,omitempty"`
}

// HealthReport is the full operator-facing runtime snapshot.
type HealthReport struct {
	Status         HealthStatus  `json:"status"`
	ActiveTenant   tenant.ID     `json:"active_tenant,omitempty"`
	State          State         `json:"state"`
	Overlay        CacheHealth   `json:"overlay"`
	Index          CacheHealth   `json:"index"`
	ContextsCached []tenant.ID   `json:"contexts_cached"`
	ContextBudget  int           `json:"context_budget"`
	LastSwitch     *SwitchResult `json:"last_switch,omitempty"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// HealthMonitor classifies runtime state against the configured budgets.
type HealthMonitor struct {
	rt *Runtime
}

func NewHealthMonitor(rt *Runtime) *HealthMonitor {
	return &HealthMonitor{rt: rt}
}

// Report assembles a point-in-time health snapshot. It never blocks on a
// loader: cache snapshots use a bounded lock wait and degrade to an empty
// resident list.
func (h *HealthMonitor) Report() HealthReport {
	rep := HealthReport{
		State:          h.rt.State(),
		Overlay:        cacheHealth(h.rt.Overlays()),
		Index:          cacheHealth(h.rt.Indices()),
		ContextsCached: h.rt.Contexts().CachedTenants(),
		ContextBudget:  h.rt.Contexts().CacheSize(),
		GeneratedAt:    time.Now().UTC(),
	}
	if id, ok := h.rt.ActiveTenant(); ok {
		rep.ActiveTenant = id
	}
	if last, ok := h.rt.LastResult(); ok {
		rep.LastSwitch = &last
	}
	rep.Status = classify(rep)
	return rep
}

func cacheHealth[V any](c *cache.Cache[V]) CacheHealth {
	ch := CacheHealth{
		Name:       c.Name(),
		Entries:    c.Len(),
		MaxEntries: c.MaxEntries(),
		SizeBytes:  c.SizeBytes(),
		MaxBytes:   c.MaxBytes(),
		Residents:  c.Snapshot(),
	}
	if ch.MaxBytes > 0 {
		ch.BytesPercent = float64(ch.SizeBytes) / float64(ch.MaxBytes) * 100
	}
	return ch
}

func classify(rep HealthReport) HealthStatus {
	for _, ch := range []CacheHealth{rep.Overlay, rep.Index} {
		if ch.SizeBytes > ch.MaxBytes || ch.Entries > ch.MaxEntries {
			return HealthCritical
		}
	}
	if len(rep.ContextsCached) > rep.ContextBudget {
		return HealthCritical
	}

	for _, ch := range []CacheHealth{rep.Overlay, rep.Index} {
		if overThreshold(ch.SizeBytes, ch.MaxBytes) || overThreshold(int64(ch.Entries), int64(ch.MaxEntries)) {
			return HealthDegraded
		}
	}
	if overThreshold(int64(len(rep.ContextsCached)), int64(rep.ContextBudget)) {
		return HealthDegraded
	}
	if rep.LastSwitch != nil && rep.LastSwitch.Degraded() && rep.LastSwitch.TenantID == rep.ActiveTenant {
		return HealthDegraded
	}
	return HealthHealthy
}

func overThreshold(used, budget int64) bool {
	if budget <= 0 {
		return false
	}
	return float64(used) >= float64(budget)*degradedThreshold
}
