package observability

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/solace-health/solace/core/pkg/contracts"
)

// Solace semantic convention attributes. Session and user identifiers
// are deliberately absent: attribute values must stay low-cardinality
// and free of anything linkable to a person.
var (
	AttrRiskLevel = attribute.Key("solace.risk.level")
	AttrRuleID    = attribute.Key("solace.risk.rule_id")

	AttrStateFrom = attribute.Key("solace.transition.from")
	AttrStateTo   = attribute.Key("solace.transition.to")
	AttrCause     = attribute.Key("solace.transition.cause")

	AttrChannel = attribute.Key("solace.dispatch.channel")
	AttrOutcome = attribute.Key("solace.dispatch.outcome")
)

// ClassificationAttrs builds attributes for a risk classification.
func ClassificationAttrs(c contracts.RiskClassification) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRiskLevel.String(string(c.Level)),
		AttrRuleID.String(c.RuleID),
	}
}

// TransitionAttrs builds attributes for a state transition.
func TransitionAttrs(from, to contracts.CrisisState, cause contracts.TransitionCause) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStateFrom.String(string(from)),
		AttrStateTo.String(string(to)),
		AttrCause.String(string(cause)),
	}
}

// DispatchAttrs builds attributes for a settled dispatch attempt.
func DispatchAttrs(channel contracts.DispatchChannel, success bool) []attribute.KeyValue {
	outcome := "failed"
	if success {
		outcome = "confirmed"
	}
	return []attribute.KeyValue{
		AttrChannel.String(string(channel)),
		AttrOutcome.String(outcome),
	}
}
