//go:build property
// +build property

package detector_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solace-health/solace/core/pkg/contracts"
	"github.com/solace-health/solace/core/pkg/detector"
)

func observations(scores []int) []contracts.AffectObservation {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	out := make([]contracts.AffectObservation, len(scores))
	for i, s := range scores {
		out[i] = contracts.AffectObservation{
			At:     base.Add(time.Duration(i) * time.Hour),
			Seq:    uint64(i + 1),
			Score:  s,
			Source: contracts.SourceManualEntry,
		}
	}
	return out
}

func TestDetectorProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	d := detector.New()
	properties := gopter.NewProperties(params)

	properties.Property("score at or below 2 is always a crisis", prop.ForAll(
		func(history []int, score int) bool {
			seq := observations(append(history, score))
			obs := seq[len(seq)-1]
			c, err := d.Evaluate(seq[:len(seq)-1], obs)
			if err != nil {
				return false
			}
			return c.Level == contracts.RiskCrisis && c.RuleID == detector.RuleLowScoreImmediate
		},
		gen.SliceOf(gen.IntRange(1, 10)),
		gen.IntRange(1, 2),
	))

	properties.Property("fewer than three points never flag a declining trend", prop.ForAll(
		func(first, second int) bool {
			seq := observations([]int{first, second})
			for i, obs := range seq {
				c, err := d.Evaluate(seq[:i], obs)
				if err != nil {
					return false
				}
				if c.RuleID == detector.RuleDecliningTrend {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 10),
	))

	properties.Property("evaluation is deterministic", prop.ForAll(
		func(history []int, score int) bool {
			seq := observations(append(history, score))
			obs := seq[len(seq)-1]
			a, errA := d.Evaluate(seq[:len(seq)-1], obs)
			b, errB := d.Evaluate(seq[:len(seq)-1], obs)
			if errA != nil || errB != nil {
				return false
			}
			return a == b
		},
		gen.SliceOf(gen.IntRange(1, 10)),
		gen.IntRange(1, 10),
	))

	properties.Property("every valid observation gets a level and a rule", prop.ForAll(
		func(history []int, score int) bool {
			seq := observations(append(history, score))
			obs := seq[len(seq)-1]
			c, err := d.Evaluate(seq[:len(seq)-1], obs)
			if err != nil {
				return false
			}
			return c.Level.Valid() && c.RuleID != "" && c.EvaluatedAt.Equal(obs.At)
		},
		gen.SliceOf(gen.IntRange(1, 10)),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
