package detector

import (
	"errors"
	"testing"
	"time"

	"github.com/solace-health/solace/core/pkg/contracts"
)

var testBase = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func obs(score int, seq uint64) contracts.AffectObservation {
	return contracts.AffectObservation{
		At:     testBase.Add(time.Duration(seq) * time.Hour),
		Seq:    seq,
		Score:  score,
		Source: contracts.SourceManualEntry,
	}
}

// run threads a score sequence through Evaluate the way a session would,
// returning one classification per observation.
func run(t *testing.T, d *Detector, scores []int) []contracts.RiskClassification {
	t.Helper()
	var (
		history []contracts.AffectObservation
		out     []contracts.RiskClassification
	)
	for i, s := range scores {
		o := obs(s, uint64(i+1))
		c, err := d.Evaluate(history, o)
		if err != nil {
			t.Fatalf("Evaluate(%v, score=%d): %v", scores[:i], s, err)
		}
		out = append(out, c)
		history = append(history, o)
	}
	return out
}

func TestEvaluate_LowScoreIsImmediateCrisis(t *testing.T) {
	d := New()

	// No history at all.
	c, err := d.Evaluate(nil, obs(1, 1))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if c.Level != contracts.RiskCrisis || c.RuleID != RuleLowScoreImmediate {
		t.Fatalf("score 1, empty history: got %s/%s, want CRISIS/%s", c.Level, c.RuleID, RuleLowScoreImmediate)
	}
	if !c.Crisis() {
		t.Fatal("Crisis() = false for a CRISIS classification")
	}

	// A long improving history must not soften the verdict.
	out := run(t, d, []int{8, 9, 9, 10, 2})
	last := out[len(out)-1]
	if last.Level != contracts.RiskCrisis || last.RuleID != RuleLowScoreImmediate {
		t.Fatalf("score 2 after improvement: got %s/%s", last.Level, last.RuleID)
	}
}

func TestEvaluate_DecliningSequence(t *testing.T) {
	d := New()
	out := run(t, d, []int{7, 5, 4})

	want := []struct {
		level contracts.RiskLevel
		rule  string
	}{
		{contracts.RiskNominal, RuleBaseline},
		{contracts.RiskElevated, RuleElevatedBand},
		{contracts.RiskCrisis, RuleDecliningTrend},
	}
	for i, w := range want {
		if out[i].Level != w.level || out[i].RuleID != w.rule {
			t.Errorf("step %d: got %s/%s, want %s/%s", i+1, out[i].Level, out[i].RuleID, w.level, w.rule)
		}
	}
}

func TestEvaluate_TrendNeedsThreePoints(t *testing.T) {
	d := New()

	// Two declining points reach Elevated at most.
	out := run(t, d, []int{9, 5})
	if got := out[1]; got.Level != contracts.RiskElevated || got.RuleID == RuleDecliningTrend {
		t.Fatalf("two-point decline: got %s/%s, want ELEVATED without %s", got.Level, got.RuleID, RuleDecliningTrend)
	}
}

func TestEvaluate_TrendRequiresStrictDecrease(t *testing.T) {
	d := New()

	cases := []struct {
		name   string
		scores []int
		level  contracts.RiskLevel
		rule   string
	}{
		{"plateau breaks the trend", []int{6, 4, 4}, contracts.RiskElevated, RuleElevatedBand},
		{"rebound breaks the trend", []int{6, 3, 4}, contracts.RiskElevated, RuleElevatedBand},
		{"strict decrease fires", []int{6, 5, 4}, contracts.RiskCrisis, RuleDecliningTrend},
		{"newest above ceiling does not fire", []int{8, 7, 6}, contracts.RiskNominal, RuleBaseline},
		{"only the last three matter", []int{2, 9, 6, 5, 4}, contracts.RiskCrisis, RuleDecliningTrend},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := run(t, d, tc.scores)
			got := out[len(out)-1]
			if got.Level != tc.level || got.RuleID != tc.rule {
				t.Fatalf("%v: got %s/%s, want %s/%s", tc.scores, got.Level, got.RuleID, tc.level, tc.rule)
			}
		})
	}
}

func TestEvaluate_ElevatedBand(t *testing.T) {
	d := New()

	for _, score := range []int{3, 4} {
		c, err := d.Evaluate(nil, obs(score, 1))
		if err != nil {
			t.Fatalf("Evaluate(score=%d): %v", score, err)
		}
		if c.Level != contracts.RiskElevated || c.RuleID != RuleElevatedBand {
			t.Errorf("score %d: got %s/%s, want ELEVATED/%s", score, c.Level, c.RuleID, RuleElevatedBand)
		}
	}
}

func TestEvaluate_LowShareOfRecentWindow(t *testing.T) {
	d := New()

	// Three of the last five at or below 4 flags Elevated even though the
	// incoming score itself is high.
	out := run(t, d, []int{4, 4, 8, 4, 8})
	got := out[len(out)-1]
	if got.Level != contracts.RiskElevated || got.RuleID != RuleElevatedBand {
		t.Fatalf("low window share: got %s/%s, want ELEVATED/%s", got.Level, got.RuleID, RuleElevatedBand)
	}

	// Exactly half is not a majority.
	out = run(t, d, []int{4, 9, 4, 9})
	if got := out[len(out)-1]; got.Level != contracts.RiskNominal {
		t.Fatalf("half-low window: got %s/%s, want NOMINAL", got.Level, got.RuleID)
	}

	// Low scores older than the window are forgotten.
	out = run(t, d, []int{4, 4, 4, 8, 9, 8, 9, 8})
	if got := out[len(out)-1]; got.Level != contracts.RiskNominal {
		t.Fatalf("aged-out lows: got %s/%s, want NOMINAL", got.Level, got.RuleID)
	}
}

func TestEvaluate_EarlyDecline(t *testing.T) {
	d := New()

	cases := []struct {
		name   string
		scores []int
		level  contracts.RiskLevel
	}{
		{"sharp drop to mid-scale", []int{7, 5}, contracts.RiskElevated},
		{"sharp drop still high", []int{10, 8}, contracts.RiskNominal},
		{"shallow drop", []int{6, 5}, contracts.RiskNominal},
		{"single point", []int{6}, contracts.RiskNominal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := run(t, d, tc.scores)
			if got := out[len(out)-1]; got.Level != tc.level {
				t.Fatalf("%v: got %s/%s, want %s", tc.scores, got.Level, got.RuleID, tc.level)
			}
		})
	}
}

func TestEvaluate_BaselineCarriesRuleAndConfidence(t *testing.T) {
	d := New()
	c, err := d.Evaluate(nil, obs(8, 1))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if c.Level != contracts.RiskNominal || c.RuleID != RuleBaseline {
		t.Fatalf("got %s/%s, want NOMINAL/%s", c.Level, c.RuleID, RuleBaseline)
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		t.Fatalf("confidence %v outside (0,1]", c.Confidence)
	}
}

func TestEvaluate_EvaluatedAtIsObservationTime(t *testing.T) {
	d := New()
	o := obs(8, 7)
	c, err := d.Evaluate(nil, o)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !c.EvaluatedAt.Equal(o.At) {
		t.Fatalf("EvaluatedAt = %v, want observation time %v", c.EvaluatedAt, o.At)
	}
}

func TestEvaluate_RejectsInvalidObservations(t *testing.T) {
	d := New()

	cases := []struct {
		name string
		obs  contracts.AffectObservation
	}{
		{"score below range", obs(0, 1)},
		{"score above range", obs(11, 1)},
		{"unknown source", func() contracts.AffectObservation {
			o := obs(5, 1)
			o.Source = "clipboard-import"
			return o
		}()},
		{"unknown emotion tag", func() contracts.AffectObservation {
			o := obs(5, 1)
			o.Emotions = []contracts.EmotionTag{contracts.EmotionSad, "furious"}
			return o
		}()},
		{"zero timestamp", func() contracts.AffectObservation {
			o := obs(5, 1)
			o.At = time.Time{}
			return o
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Evaluate(nil, tc.obs)
			if !errors.Is(err, ErrInvalidObservation) {
				t.Fatalf("got %v, want ErrInvalidObservation", err)
			}
		})
	}
}

func TestEvaluate_ValidEmotionsAccepted(t *testing.T) {
	d := New()
	o := obs(8, 1)
	o.Emotions = []contracts.EmotionTag{contracts.EmotionCalm, contracts.EmotionGrateful}
	o.FreeTextPresent = true
	o.Source = contracts.SourceScheduledCheckIn
	if _, err := d.Evaluate(nil, o); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
}
