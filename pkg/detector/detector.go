// Package detector evaluates crisis signals from mood observations.
//
// Evaluation is a pure function over the observation history: no clock,
// no I/O, no randomness. The same inputs always produce the same
// classification, which is what makes the detector testable offline and
// safe to re-run during replay.
//
// Rules run in fixed priority order and the first match wins; the order
// itself breaks ties toward the more severe classification. Thresholds
// are compiled in and not tunable at runtime.
package detector

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/solace-health/solace/core/pkg/contracts"
)

// ErrInvalidObservation is returned for any contract violation on the
// incoming observation: out-of-range score, unknown source or emotion
// tag, or a missing timestamp. The evaluation is aborted and the caller
// re-prompts; nothing is clamped or guessed.
var ErrInvalidObservation = errors.New("detector: invalid observation")

// Rule identifiers carried on classifications. They are stable strings:
// the transition log stores them.
const (
	RuleLowScoreImmediate = "low-score-immediate"
	RuleDecliningTrend    = "declining-trend"
	RuleElevatedBand      = "elevated-band"
	RuleBaseline          = "baseline"
)

// Per-rule confidence. Informational only; nothing downstream may
// branch on these values.
const (
	confidenceLowScore = 0.95
	confidenceTrend    = 0.90
	confidenceElevated = 0.75
	confidenceBaseline = 0.60
)

const (
	// trendWindow is the number of points rule 2 needs before it can
	// fire. Shorter sequences disable the rule entirely.
	trendWindow = 3

	// lowShareWindow is the look-back for the low-score share clause.
	lowShareWindow = 5

	// lowScoreCeiling is the score at or below which an observation
	// counts as "low" for the trend and share clauses.
	lowScoreCeiling = 4

	// earlyDeclineFloor is the minimum two-point drop that flags a
	// decline before rule 2 has enough data.
	earlyDeclineFloor = 2

	// earlyDeclineCeiling bounds the newer score of an early decline:
	// a drop that lands above mid-scale is mood variance, not a signal.
	earlyDeclineCeiling = 5
)

// Detector classifies observations against their history.
type Detector struct {
	validate *validator.Validate
}

// New builds a Detector.
func New() *Detector {
	return &Detector{validate: validator.New()}
}

// Evaluate classifies the incoming observation in the context of the
// session's history. History must be ordered oldest to newest; the
// session maintains that ordering by sequence number.
//
// The returned classification's EvaluatedAt is the observation's own
// timestamp, keeping the function clock-free.
func (d *Detector) Evaluate(history []contracts.AffectObservation, obs contracts.AffectObservation) (contracts.RiskClassification, error) {
	if err := d.validateObservation(obs); err != nil {
		return contracts.RiskClassification{}, err
	}

	scores := make([]int, 0, len(history)+1)
	for _, h := range history {
		scores = append(scores, h.Score)
	}
	scores = append(scores, obs.Score)

	classify := func(level contracts.RiskLevel, ruleID string, confidence float64) contracts.RiskClassification {
		return contracts.RiskClassification{
			Level:       level,
			RuleID:      ruleID,
			Confidence:  confidence,
			EvaluatedAt: obs.At,
		}
	}

	// Rule 1: immediate threshold.
	if obs.Score <= 2 {
		return classify(contracts.RiskCrisis, RuleLowScoreImmediate, confidenceLowScore), nil
	}

	// Rule 2: sustained decline. Needs three points; fewer disables the
	// rule rather than defaulting to Crisis.
	if decliningTrend(scores) {
		return classify(contracts.RiskCrisis, RuleDecliningTrend, confidenceTrend), nil
	}

	// Rule 3: elevated band. A low absolute score, a mostly-low recent
	// window, or a sharp two-point decline that is still too short for
	// rule 2.
	if obs.Score >= 3 && obs.Score <= 4 {
		return classify(contracts.RiskElevated, RuleElevatedBand, confidenceElevated), nil
	}
	if lowShare(scores) {
		return classify(contracts.RiskElevated, RuleElevatedBand, confidenceElevated), nil
	}
	if earlyDecline(scores) {
		return classify(contracts.RiskElevated, RuleElevatedBand, confidenceElevated), nil
	}

	return classify(contracts.RiskNominal, RuleBaseline, confidenceBaseline), nil
}

func (d *Detector) validateObservation(obs contracts.AffectObservation) error {
	if err := d.validate.Struct(obs); err != nil {
		return fmt.Errorf("detector: %v: %w", err, ErrInvalidObservation)
	}
	if obs.At.IsZero() {
		return fmt.Errorf("detector: missing observation timestamp: %w", ErrInvalidObservation)
	}
	for _, tag := range obs.Emotions {
		if !tag.Valid() {
			return fmt.Errorf("detector: unknown emotion tag %q: %w", tag, ErrInvalidObservation)
		}
	}
	return nil
}

// decliningTrend reports whether the last trendWindow scores are
// strictly decreasing chronologically and the newest is low.
func decliningTrend(scores []int) bool {
	if len(scores) < trendWindow {
		return false
	}
	tail := scores[len(scores)-trendWindow:]
	for i := 1; i < len(tail); i++ {
		if tail[i] >= tail[i-1] {
			return false
		}
	}
	return tail[len(tail)-1] <= lowScoreCeiling
}

// lowShare reports whether strictly more than half of the recent window
// is at or below the low-score ceiling.
func lowShare(scores []int) bool {
	window := len(scores)
	if window > lowShareWindow {
		window = lowShareWindow
	}
	tail := scores[len(scores)-window:]

	low := 0
	for _, s := range tail {
		if s <= lowScoreCeiling {
			low++
		}
	}
	return low*2 > window
}

// earlyDecline reports a final pair dropping by at least
// earlyDeclineFloor and landing at or below earlyDeclineCeiling, the
// two-point precursor of rule 2's three-point trend.
func earlyDecline(scores []int) bool {
	if len(scores) < 2 {
		return false
	}
	prev, last := scores[len(scores)-2], scores[len(scores)-1]
	return prev-last >= earlyDeclineFloor && last <= earlyDeclineCeiling
}
