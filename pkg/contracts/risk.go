package contracts

import "time"

// RiskLevel is the detector's verdict for one observation in context.
type RiskLevel string

const (
	RiskNominal  RiskLevel = "NOMINAL"
	RiskElevated RiskLevel = "ELEVATED"
	RiskCrisis   RiskLevel = "CRISIS"
)

// Severity orders levels for comparison: Nominal < Elevated < Crisis.
// Unknown levels sort below Nominal.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskNominal:
		return 1
	case RiskElevated:
		return 2
	case RiskCrisis:
		return 3
	}
	return 0
}

// Valid reports whether the level is one of the three defined verdicts.
func (r RiskLevel) Valid() bool {
	return r.Severity() > 0
}

// RiskClassification is the full result of evaluating one observation.
// It is ephemeral: it feeds the state machine and the outbound snapshot
// but is never persisted on its own.
//
// Confidence is informational only. No transition, dispatch, or timeout
// decision may branch on it; it exists so the UI can soften or sharpen
// its presentation.
type RiskClassification struct {
	Level       RiskLevel `json:"level"`
	RuleID      string    `json:"rule_id"`
	Confidence  float64   `json:"confidence"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Crisis reports whether the classification demands immediate escalation.
func (c RiskClassification) Crisis() bool {
	return c.Level == RiskCrisis
}
