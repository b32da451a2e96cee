package runtime

import (
	"context"
	"path/filepath"
	"testing"
)

func TestHealthHealthyAfterLiveSwitch(t *testing.T) {
	env := newTestEnv(t, Config{})
	if _, err := env.rt.SwitchProject(context.Background(), "alpha"); err != nil {
		t.Fatalf("SwitchProject() error = %v", err)
	}

	rep := NewHealthMonitor(env.rt).Report()
	if rep.Status != HealthHealthy {
		t.Fatalf("status = %s, want healthy (report: %+v)", rep.Status, rep)
	}
	if rep.ActiveTenant != "alpha" {
		t.Fatalf("active = %s, want alpha", rep.ActiveTenant)
	}
	if rep.Overlay.Entries != 1 || rep.Index.Entries != 1 {
		t.Fatalf("cache entries = %d/%d, want 1/1", rep.Overlay.Entries, rep.Index.Entries)
	}
	if len(rep.Overlay.Residents) != 1 || rep.Overlay.Residents[0].Key != "alpha" {
		t.Fatalf("overlay residents = %+v", rep.Overlay.Residents)
	}
	if rep.LastSwitch == nil || rep.LastSwitch.TenantID != "alpha" {
		t.Fatalf("last switch = %+v", rep.LastSwitch)
	}
}

func TestHealthDegradedNearEntryBudget(t *testing.T) {
	env := newTestEnv(t, Config{OverlayCacheEntries: 1, IndexCacheEntries: 1})
	if _, err := env.rt.SwitchProject(context.Background(), "alpha"); err != nil {
		t.Fatalf("SwitchProject() error = %v", err)
	}

	rep := NewHealthMonitor(env.rt).Report()
	if rep.Status != HealthDegraded {
		t.Fatalf("status = %s, want degraded at full entry budget", rep.Status)
	}
}

func TestHealthDegradedOnActiveFallback(t *testing.T) {
	env := newTestEnv(t, Config{})
	meta := env.reg.tenants["alpha"]
	meta.OverlayPath = filepath.Join(env.dir, "missing.syov")
	env.reg.tenants["alpha"] = meta

	if _, err := env.rt.SwitchProject(context.Background(), "alpha"); err != nil {
		t.Fatalf("SwitchProject() error = %v", err)
	}

	rep := NewHealthMonitor(env.rt).Report()
	if rep.Status != HealthDegraded {
		t.Fatalf("status = %s, want degraded while active tenant runs on fallback", rep.Status)
	}
}

func TestHealthClassifyCritical(t *testing.T) {
	rep := HealthReport{
		Overlay:       CacheHealth{Name: "overlay", Entries: 2, MaxEntries: 4, SizeBytes: 2048, MaxBytes: 1024},
		Index:         CacheHealth{Name: "vecindex", Entries: 1, MaxEntries: 4, SizeBytes: 10, MaxBytes: 1024},
		ContextBudget: 4,
	}
	if got := classify(rep); got != HealthCritical {
		t.Fatalf("status = %s, want critical when a byte budget is exceeded", got)
	}
}
