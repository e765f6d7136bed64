package observability

import (
	"testing"
	"time"
)

func TestBudgetDefaultsCompliantWhenIdle(t *testing.T) {
	tracker := NewBudgetTracker()

	for _, op := range []string{OpRender, OpEvaluate} {
		status, err := tracker.Status(op)
		if err != nil {
			t.Fatal(err)
		}
		if !status.Compliant {
			t.Fatalf("%s: expected compliance with no samples", op)
		}
		if status.BudgetLeft != 100.0 {
			t.Fatalf("%s: expected full budget, got %.2f", op, status.BudgetLeft)
		}
	}
}

func TestBudgetInCompliance(t *testing.T) {
	tracker := NewBudgetTracker()

	for i := 0; i < 100; i++ {
		tracker.Record(Sample{Operation: OpEvaluate, Latency: 3 * time.Millisecond, Success: true})
	}

	status, err := tracker.Status(OpEvaluate)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Compliant {
		t.Fatalf("expected in compliance: %+v", status)
	}
	if status.SuccessRate != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.SuccessRate)
	}
	if status.Samples != 100 {
		t.Fatalf("expected 100 samples, got %d", status.Samples)
	}
}

func TestBudgetLatencyBreachIsNonCompliant(t *testing.T) {
	tracker := NewBudgetTracker()

	// Every render lands past the 200ms bound.
	for i := 0; i < 50; i++ {
		tracker.Record(Sample{Operation: OpRender, Latency: 400 * time.Millisecond, Success: true})
	}

	status, err := tracker.Status(OpRender)
	if err != nil {
		t.Fatal(err)
	}
	if status.Compliant {
		t.Fatal("expected latency breach to break compliance")
	}
	if status.SuccessRate != 1.0 {
		t.Fatalf("success rate should be unaffected, got %.2f", status.SuccessRate)
	}
}

func TestBudgetBurnRate(t *testing.T) {
	tracker := NewBudgetTracker()
	tracker.SetTarget(BudgetTarget{
		Operation:   "dispatch",
		LatencyP99:  time.Second,
		SuccessRate: 0.99, // 1% error budget
		Window:      time.Hour,
	})

	// 5% error rate burns the budget five times faster than allowed.
	for i := 0; i < 95; i++ {
		tracker.Record(Sample{Operation: "dispatch", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(Sample{Operation: "dispatch", Latency: 10 * time.Millisecond, Success: false})
	}

	status, err := tracker.Status("dispatch")
	if err != nil {
		t.Fatal(err)
	}
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
	if status.BudgetLeft != 0 {
		t.Fatalf("expected exhausted budget, got %.2f", status.BudgetLeft)
	}
}

func TestBudgetWindowExcludesOldSamples(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewBudgetTracker().WithClock(func() time.Time { return now })

	// One old failure outside the hour window, fresh successes inside.
	tracker.Record(Sample{Operation: OpEvaluate, Latency: time.Millisecond, Success: false, At: now.Add(-2 * time.Hour)})
	for i := 0; i < 10; i++ {
		tracker.Record(Sample{Operation: OpEvaluate, Latency: time.Millisecond, Success: true, At: now.Add(-time.Minute)})
	}

	status, err := tracker.Status(OpEvaluate)
	if err != nil {
		t.Fatal(err)
	}
	if status.Samples != 10 {
		t.Fatalf("expected 10 windowed samples, got %d", status.Samples)
	}
	if !status.Compliant {
		t.Fatal("stale failure should not count against the window")
	}
}

func TestBudgetNoTarget(t *testing.T) {
	tracker := NewBudgetTracker()
	if _, err := tracker.Status("nonexistent"); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestBudgetPruneBoundsMemory(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewBudgetTracker().WithClock(func() time.Time { return now })

	for i := 0; i < 3*maxSamplesPerOp; i++ {
		tracker.Record(Sample{Operation: OpEvaluate, Latency: time.Millisecond, Success: true, At: now})
	}

	tracker.mu.Lock()
	n := len(tracker.samples[OpEvaluate])
	tracker.mu.Unlock()
	if n > maxSamplesPerOp+1 {
		t.Fatalf("sample buffer grew to %d", n)
	}
}

func TestBudgetStatuses(t *testing.T) {
	tracker := NewBudgetTracker()
	tracker.Record(Sample{Operation: OpRender, Latency: time.Millisecond, Success: true})

	statuses := tracker.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	// Ordered by operation name: evaluate before render.
	if statuses[0].Operation != OpEvaluate || statuses[1].Operation != OpRender {
		t.Fatalf("unexpected order: %s, %s", statuses[0].Operation, statuses[1].Operation)
	}
}
