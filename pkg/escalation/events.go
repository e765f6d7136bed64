package escalation

import (
	"github.com/solace-health/solace/core/pkg/contracts"
)

// Event is one input to the transition table. Events enter the machine
// through a single serialized queue; the table itself never sees two at
// once.
type Event interface {
	event()
}

// EventClassification carries a fresh detector verdict.
type EventClassification struct {
	Classification contracts.RiskClassification
}

// EventRequestProfessional is the user asking for a professional handoff.
type EventRequestProfessional struct{}

// EventRequestEmergency is the user asking for the emergency network.
type EventRequestEmergency struct{}

// EventConfirmResolved is the user confirming the episode is over.
type EventConfirmResolved struct{}

// EventDispatchReport is a dispatch outcome re-entering the queue. The
// machine ignores reports whose intent id is no longer armed; a late
// success never rewrites a state the user has already moved past.
type EventDispatchReport struct {
	Result contracts.DispatchResult
}

// EventDeadlineElapsed is the armed dispatch deadline firing.
type EventDeadlineElapsed struct {
	AttemptID string
}

func (EventClassification) event()      {}
func (EventRequestProfessional) event() {}
func (EventRequestEmergency) event()    {}
func (EventConfirmResolved) event()     {}
func (EventDispatchReport) event()      {}
func (EventDeadlineElapsed) event()     {}

// Step is one persisted state transition. A single event can produce more
// than one step (the Resolved re-entry applies cycle-reset and the fresh
// crisis transition back to back).
type Step struct {
	From   contracts.CrisisState
	To     contracts.CrisisState
	Cause  contracts.TransitionCause
	RuleID string
}

// Effect is one instruction to the machine runtime. Effects are executed
// strictly in slice order, which is how persist-before-dispatch is
// enforced: Apply never emits an EffectDispatch ahead of its
// EffectPersist.
type Effect interface {
	effect()
}

// EffectPersist appends one transition to the durable log.
type EffectPersist struct {
	Step Step
}

// EffectDispatch starts one outbound attempt on the given channel.
type EffectDispatch struct {
	Channel contracts.DispatchChannel
	Urgency contracts.DispatchUrgency
}

// EffectArmDeadline starts the fallback timer for the attempt begun by
// the preceding EffectDispatch.
type EffectArmDeadline struct{}

// EffectDisarmDeadline settles the armed attempt; later reports or timer
// fires for it are stale.
type EffectDisarmDeadline struct{}

// EffectAdvisory surfaces an advisory-only notice. Advisories are not
// escalations and are never persisted to the transition log.
type EffectAdvisory struct {
	Classification contracts.RiskClassification
}

// EffectLoadResources makes the offline resource bundle visible on the
// outbound snapshot.
type EffectLoadResources struct{}

func (EffectPersist) effect()        {}
func (EffectDispatch) effect()       {}
func (EffectArmDeadline) effect()    {}
func (EffectDisarmDeadline) effect() {}
func (EffectAdvisory) effect()       {}
func (EffectLoadResources) effect()  {}
