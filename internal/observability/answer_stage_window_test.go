package observability

import (
	"testing"
	"time"
)

func TestAnswerStageWindowSnapshot(t *testing.T) {
	w := newAnswerStageWindow(8)
	w.Observe("generate", 500)
	w.Observe("generate", 700)
	w.Observe("generate", 900)
	w.ObserveIndicator("cache_hit")
	w.ObserveIndicator("cache_hit")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "generate" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "generate")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 8000 {
		t.Fatalf("TargetP95MS = %.2f, want 8000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "cache_hit" {
		t.Fatalf("Indicators[0].Name = %q, want %q", snap.Indicators[0].Name, "cache_hit")
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestAnswerStageWindowWrapsOldSamples(t *testing.T) {
	w := newAnswerStageWindow(4)
	for i := 1; i <= 6; i++ {
		w.Observe("retrieve", float64(i*100))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want window size 4", s.Samples)
	}
	if s.LastMS != 600 {
		t.Fatalf("LastMS = %.2f, want 600", s.LastMS)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAnswerStage("total", time.Second)
	m.ObserveAnswerIndicator("cache_hit")
	m.RegisterDispatchInFlight(func() float64 { return 0 })
	if snap := m.SnapshotAnswerStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil Metrics snapshot has stages: %+v", snap.Stages)
	}
}
