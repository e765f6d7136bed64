package escalation

import (
	"errors"
	"fmt"

	"github.com/solace-health/solace/core/pkg/contracts"
)

var (
	// ErrTransitionUnavailable rejects an event the current state has no
	// edge for. The state is left untouched.
	ErrTransitionUnavailable = errors.New("escalation: transition unavailable")

	// ErrInvalidEvent rejects an event that is malformed regardless of
	// state.
	ErrInvalidEvent = errors.New("escalation: invalid event")
)

// Apply is the transition table: pure, synchronous, no I/O. It returns
// the state after the event and the ordered effects the runtime must
// execute. An error means the event was rejected and nothing changed.
//
// The shape of the table:
//
//	Idle         --crisis-->  SelfHelp        (persist, load resources)
//	Idle         --elevated-> Idle            (advisory only)
//	SelfHelp     --user-->    ProfessionalRequested (persist, dispatch, arm)
//	ProfRequested --ok-->     ProfessionalConnected (persist)
//	ProfRequested --fail/timeout--> SelfHelp  (persist, resources stay up)
//	SelfHelp|ProfRequested|ProfConnected --user--> EmergencyEscalated
//	any non-terminal --user--> Resolved
//	Resolved     --crisis-->  Idle, then SelfHelp (fresh cycle)
//	Resolved     --elevated-> Idle             (fresh cycle, advisory)
func Apply(state contracts.CrisisState, ev Event) (contracts.CrisisState, []Effect, error) {
	if !state.Valid() {
		return state, nil, fmt.Errorf("escalation: state %q: %w", state, ErrInvalidEvent)
	}

	switch e := ev.(type) {
	case EventClassification:
		return applyClassification(state, e.Classification)
	case EventRequestProfessional:
		return applyRequestProfessional(state)
	case EventRequestEmergency:
		return applyRequestEmergency(state)
	case EventConfirmResolved:
		return applyConfirmResolved(state)
	case EventDispatchReport:
		return applyDispatchReport(state, e.Result)
	case EventDeadlineElapsed:
		return applyDeadlineElapsed(state)
	default:
		return state, nil, fmt.Errorf("escalation: event %T: %w", ev, ErrInvalidEvent)
	}
}

func applyClassification(state contracts.CrisisState, c contracts.RiskClassification) (contracts.CrisisState, []Effect, error) {
	if !c.Level.Valid() {
		return state, nil, fmt.Errorf("escalation: classification level %q: %w", c.Level, ErrInvalidEvent)
	}

	switch state {
	case contracts.StateIdle:
		switch c.Level {
		case contracts.RiskCrisis:
			step := Step{From: contracts.StateIdle, To: contracts.StateSelfHelp, Cause: contracts.CauseClassification, RuleID: c.RuleID}
			return contracts.StateSelfHelp, []Effect{EffectPersist{Step: step}, EffectLoadResources{}}, nil
		case contracts.RiskElevated:
			// Advisory only. Not a transition, never logged as an
			// escalation.
			return state, []Effect{EffectAdvisory{Classification: c}}, nil
		}
		return state, nil, nil

	case contracts.StateSelfHelp:
		if c.Level == contracts.RiskCrisis {
			// Already in self-help; keep the bundle in front of the user.
			return state, []Effect{EffectLoadResources{}}, nil
		}
		return state, nil, nil

	case contracts.StateProfessionalRequested, contracts.StateProfessionalConnected, contracts.StateEmergencyEscalated:
		// Observations keep flowing while escalated, but classifications
		// never move an escalated session on their own.
		return state, nil, nil

	case contracts.StateResolved:
		switch c.Level {
		case contracts.RiskCrisis:
			reset := Step{From: contracts.StateResolved, To: contracts.StateIdle, Cause: contracts.CauseCycleReset}
			crisis := Step{From: contracts.StateIdle, To: contracts.StateSelfHelp, Cause: contracts.CauseClassification, RuleID: c.RuleID}
			return contracts.StateSelfHelp, []Effect{
				EffectPersist{Step: reset},
				EffectPersist{Step: crisis},
				EffectLoadResources{},
			}, nil
		case contracts.RiskElevated:
			reset := Step{From: contracts.StateResolved, To: contracts.StateIdle, Cause: contracts.CauseCycleReset}
			return contracts.StateIdle, []Effect{
				EffectPersist{Step: reset},
				EffectAdvisory{Classification: c},
			}, nil
		}
		// Nominal is not a triggering event; Resolved stays closed.
		return state, nil, nil
	}
	return state, nil, nil
}

func applyRequestProfessional(state contracts.CrisisState) (contracts.CrisisState, []Effect, error) {
	if state != contracts.StateSelfHelp {
		return state, nil, fmt.Errorf("escalation: professional handoff from %s: %w", state, ErrTransitionUnavailable)
	}
	step := Step{From: contracts.StateSelfHelp, To: contracts.StateProfessionalRequested, Cause: contracts.CauseUserRequest}
	return contracts.StateProfessionalRequested, []Effect{
		EffectPersist{Step: step},
		EffectDispatch{Channel: contracts.ChannelProfessional, Urgency: contracts.UrgencyElevated},
		EffectArmDeadline{},
	}, nil
}

func applyRequestEmergency(state contracts.CrisisState) (contracts.CrisisState, []Effect, error) {
	switch state {
	case contracts.StateSelfHelp, contracts.StateProfessionalRequested, contracts.StateProfessionalConnected:
	default:
		return state, nil, fmt.Errorf("escalation: emergency escalation from %s: %w", state, ErrTransitionUnavailable)
	}

	var effects []Effect
	if state == contracts.StateProfessionalRequested {
		// The pending professional attempt is abandoned, not awaited.
		effects = append(effects, EffectDisarmDeadline{})
	}
	step := Step{From: state, To: contracts.StateEmergencyEscalated, Cause: contracts.CauseUserRequest}
	effects = append(effects,
		EffectPersist{Step: step},
		EffectDispatch{Channel: contracts.ChannelEmergencyNetwork, Urgency: contracts.UrgencyCritical},
	)
	return contracts.StateEmergencyEscalated, effects, nil
}

func applyConfirmResolved(state contracts.CrisisState) (contracts.CrisisState, []Effect, error) {
	if state.Terminal() {
		return state, nil, fmt.Errorf("escalation: already resolved: %w", ErrTransitionUnavailable)
	}

	var effects []Effect
	if state == contracts.StateProfessionalRequested {
		effects = append(effects, EffectDisarmDeadline{})
	}
	step := Step{From: state, To: contracts.StateResolved, Cause: contracts.CauseUserResolved}
	effects = append(effects, EffectPersist{Step: step})
	return contracts.StateResolved, effects, nil
}

func applyDispatchReport(state contracts.CrisisState, result contracts.DispatchResult) (contracts.CrisisState, []Effect, error) {
	if state != contracts.StateProfessionalRequested {
		return state, nil, fmt.Errorf("escalation: dispatch report in %s: %w", state, ErrTransitionUnavailable)
	}

	if result.Success {
		step := Step{From: state, To: contracts.StateProfessionalConnected, Cause: contracts.CauseDispatchConfirmed}
		return contracts.StateProfessionalConnected, []Effect{
			EffectDisarmDeadline{},
			EffectPersist{Step: step},
		}, nil
	}

	// Failure falls back to SelfHelp, never to Idle: the user keeps the
	// resources and the option to retry or go to emergency.
	step := Step{From: state, To: contracts.StateSelfHelp, Cause: contracts.CauseDispatchFailed}
	return contracts.StateSelfHelp, []Effect{
		EffectDisarmDeadline{},
		EffectPersist{Step: step},
		EffectLoadResources{},
	}, nil
}

func applyDeadlineElapsed(state contracts.CrisisState) (contracts.CrisisState, []Effect, error) {
	if state != contracts.StateProfessionalRequested {
		return state, nil, fmt.Errorf("escalation: deadline elapsed in %s: %w", state, ErrTransitionUnavailable)
	}
	step := Step{From: state, To: contracts.StateSelfHelp, Cause: contracts.CauseDeadlineElapsed}
	return contracts.StateSelfHelp, []Effect{
		EffectDisarmDeadline{},
		EffectPersist{Step: step},
		EffectLoadResources{},
	}, nil
}
