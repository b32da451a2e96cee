package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshotPercentiles(t *testing.T) {
	w := newStageWindow(16, nil)
	for i := 1; i <= 10; i++ {
		w.Observe("overlay_load", float64(i*10))
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "overlay_load" || s.Samples != 10 {
		t.Fatalf("unexpected stage stats: %+v", s)
	}
	if s.LastMS != 100 {
		t.Fatalf("LastMS = %v, want 100", s.LastMS)
	}
	if s.AvgMS != 55 {
		t.Fatalf("AvgMS = %v, want 55", s.AvgMS)
	}
	if s.P50MS != 55 {
		t.Fatalf("P50MS = %v, want 55", s.P50MS)
	}
}

func TestStageWindowWrapsAndCountsFallbacks(t *testing.T) {
	w := newStageWindow(4, nil)
	for i := 0; i < 9; i++ {
		w.Observe("switch_total", float64(i))
	}
	w.ObserveFallback("overlay")
	w.ObserveFallback("overlay")
	w.ObserveFallback("index")

	snap := w.Snapshot()
	if snap.Stages[0].Samples != 4 {
		t.Fatalf("Samples = %d, want window size 4", snap.Stages[0].Samples)
	}
	if len(snap.Fallbacks) != 2 {
		t.Fatalf("fallbacks = %+v, want index and overlay", snap.Fallbacks)
	}
	if snap.Fallbacks[0].Resource != "index" || snap.Fallbacks[0].Count != 1 {
		t.Fatalf("fallbacks[0] = %+v", snap.Fallbacks[0])
	}
	if snap.Fallbacks[1].Resource != "overlay" || snap.Fallbacks[1].Count != 2 {
		t.Fatalf("fallbacks[1] = %+v", snap.Fallbacks[1])
	}
	if snap.GeneratedAt.After(time.Now().UTC()) {
		t.Fatalf("GeneratedAt in the future")
	}
}

func TestStageWindowReportsTargetBreaches(t *testing.T) {
	w := newStageWindow(8, map[string]float64{"switch_cached": 50})
	w.Observe("switch_cached", 200)
	w.Observe("switch_cached", 220)
	w.Observe("overlay_load", 500) // no target configured

	snap := w.Snapshot()
	if len(snap.TargetBreaches) != 1 || snap.TargetBreaches[0] != "switch_cached" {
		t.Fatalf("breaches = %v, want just switch_cached", snap.TargetBreaches)
	}
	for _, s := range snap.Stages {
		if s.Stage == "switch_cached" && s.TargetP95MS != 50 {
			t.Fatalf("TargetP95MS = %v, want 50", s.TargetP95MS)
		}
	}
}

func TestStageWindowSetTargetOverridesAndClears(t *testing.T) {
	w := newStageWindow(8, map[string]float64{"switch_cached": 50})
	w.Observe("switch_cached", 200)

	w.SetTarget("switch_cached", 1500)
	snap := w.Snapshot()
	if len(snap.TargetBreaches) != 0 {
		t.Fatalf("breaches = %v, want none under the raised target", snap.TargetBreaches)
	}
	if snap.Stages[0].TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %v, want 1500", snap.Stages[0].TargetP95MS)
	}

	w.SetTarget("switch_cached", 0)
	snap = w.Snapshot()
	if snap.Stages[0].TargetP95MS != 0 {
		t.Fatalf("TargetP95MS = %v, want cleared", snap.Stages[0].TargetP95MS)
	}
}
