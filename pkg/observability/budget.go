package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Operations with built-in budgets.
const (
	// OpRender is the resource rendering path. Its latency bound is a
	// hard product guarantee.
	OpRender = "render"

	// OpEvaluate is the detector evaluation path. Its bound is advisory.
	OpEvaluate = "evaluate"
)

// maxSamplesPerOp bounds the per-operation sample buffer. Samples are
// pruned on write so a long-lived session cannot grow the tracker
// without bound.
const maxSamplesPerOp = 4096

// BudgetTarget defines a latency and success budget for one operation.
type BudgetTarget struct {
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0..1
	Window      time.Duration `json:"window"`
}

// Sample is a single timed operation outcome.
type Sample struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	At        time.Time     `json:"at"`
}

// BudgetStatus reports current compliance for one operation.
type BudgetStatus struct {
	Operation   string  `json:"operation"`
	P99Millis   float64 `json:"p99_ms"`
	SuccessRate float64 `json:"success_rate"`
	Compliant   bool    `json:"compliant"`
	BurnRate    float64 `json:"burn_rate"`   // >1 means the error budget is draining faster than the window allows
	BudgetLeft  float64 `json:"budget_left"` // percentage remaining
	Samples     int     `json:"samples"`
}

// BudgetTracker monitors latency budgets across operations. Safe for
// concurrent use.
type BudgetTracker struct {
	mu      sync.Mutex
	targets map[string]BudgetTarget
	samples map[string][]Sample
	clock   func() time.Time
}

// NewBudgetTracker creates a tracker preloaded with the core's built-in
// targets: rendering at 200ms p99 and evaluation at 50ms p99, both at
// 99.9% success over a one hour window. SetTarget overrides them.
func NewBudgetTracker() *BudgetTracker {
	t := &BudgetTracker{
		targets: make(map[string]BudgetTarget),
		samples: make(map[string][]Sample),
		clock:   time.Now,
	}
	t.SetTarget(BudgetTarget{Operation: OpRender, LatencyP99: 200 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour})
	t.SetTarget(BudgetTarget{Operation: OpEvaluate, LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour})
	return t
}

// WithClock overrides the clock for testing.
func (t *BudgetTracker) WithClock(clock func() time.Time) *BudgetTracker {
	t.clock = clock
	return t
}

// SetTarget sets or replaces the budget for an operation.
func (t *BudgetTracker) SetTarget(target BudgetTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record adds a sample. A zero At is stamped with the tracker's clock.
func (t *BudgetTracker) Record(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.At.IsZero() {
		s.At = t.clock()
	}
	list := append(t.samples[s.Operation], s)
	if len(list) > maxSamplesPerOp {
		list = t.prune(s.Operation, list)
	}
	t.samples[s.Operation] = list
}

// prune drops samples outside the operation's window, then enforces the
// hard cap. Called with the lock held.
func (t *BudgetTracker) prune(op string, list []Sample) []Sample {
	window := time.Hour
	if target, ok := t.targets[op]; ok && target.Window > 0 {
		window = target.Window
	}
	cutoff := t.clock().Add(-window)

	keep := list[:0]
	for _, s := range list {
		if s.At.After(cutoff) {
			keep = append(keep, s)
		}
	}
	if len(keep) > maxSamplesPerOp {
		keep = keep[len(keep)-maxSamplesPerOp:]
	}
	return keep
}

// Status computes current compliance for an operation. An empty window
// is compliant with the full budget left.
func (t *BudgetTracker) Status(operation string) (*BudgetStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no budget for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-target.Window)

	var windowed []Sample
	for _, s := range t.samples[operation] {
		if s.At.After(windowStart) {
			windowed = append(windowed, s)
		}
	}

	if len(windowed) == 0 {
		return &BudgetStatus{
			Operation:  operation,
			Compliant:  true,
			BudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, s := range windowed {
		if s.Success {
			successCount++
		}
		latencies[i] = float64(s.Latency) / float64(time.Millisecond)
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99)/float64(time.Millisecond)
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	}

	return &BudgetStatus{
		Operation:   operation,
		P99Millis:   p99,
		SuccessRate: successRate,
		Compliant:   latencyOK && successOK,
		BurnRate:    burnRate,
		BudgetLeft:  budgetLeft,
		Samples:     len(windowed),
	}, nil
}

// Statuses returns the status of every tracked operation, ordered by
// operation name.
func (t *BudgetTracker) Statuses() []*BudgetStatus {
	t.mu.Lock()
	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Strings(ops)

	out := make([]*BudgetStatus, 0, len(ops))
	for _, op := range ops {
		status, err := t.Status(op)
		if err != nil {
			continue
		}
		out = append(out, status)
	}
	return out
}
