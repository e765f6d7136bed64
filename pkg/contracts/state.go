package contracts

import "time"

// CrisisState is the escalation state of one user session. Exactly one
// state exists per session at any moment; all movement between states goes
// through the escalation machine's transition table.
type CrisisState string

const (
	StateIdle                  CrisisState = "IDLE"
	StateSelfHelp              CrisisState = "SELF_HELP"
	StateProfessionalRequested CrisisState = "PROFESSIONAL_REQUESTED"
	StateProfessionalConnected CrisisState = "PROFESSIONAL_CONNECTED"
	StateEmergencyEscalated    CrisisState = "EMERGENCY_ESCALATED"
	StateResolved              CrisisState = "RESOLVED"
)

// Valid reports whether the state is part of the modeled lifecycle.
func (s CrisisState) Valid() bool {
	switch s {
	case StateIdle, StateSelfHelp, StateProfessionalRequested,
		StateProfessionalConnected, StateEmergencyEscalated, StateResolved:
		return true
	}
	return false
}

// Terminal reports whether the state ends the current escalation cycle.
// Resolved is terminal for the cycle, not the session: a later crisis
// signal re-enters the lifecycle through Idle.
func (s CrisisState) Terminal() bool {
	return s == StateResolved
}

// Escalated reports whether the session has outgrown self-help, meaning a
// human channel is requested, connected, or emergency-engaged.
func (s CrisisState) Escalated() bool {
	switch s {
	case StateProfessionalRequested, StateProfessionalConnected, StateEmergencyEscalated:
		return true
	}
	return false
}

// TransitionCause names the event that produced a transition. Causes are
// part of the durable audit record, so renaming one is a schema change.
type TransitionCause string

const (
	CauseClassification    TransitionCause = "classification"
	CauseUserRequest       TransitionCause = "user-request"
	CauseDispatchConfirmed TransitionCause = "dispatch-confirmed"
	CauseDispatchFailed    TransitionCause = "dispatch-failed"
	CauseDeadlineElapsed   TransitionCause = "deadline-elapsed"
	CauseUserResolved      TransitionCause = "user-resolved"
	CauseCycleReset        TransitionCause = "cycle-reset"
)

// TransitionRecord is one immutable entry in a session's append-only
// transition log. Seq is assigned by the log and dense from 1; PrevHash and
// EntryHash chain entries so replay can detect tampering or loss.
//
// EntryHash covers the canonical form of every field except EntryHash
// itself. The first entry carries the genesis sentinel in PrevHash.
type TransitionRecord struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	From      CrisisState     `json:"from"`
	To        CrisisState     `json:"to"`
	Cause     TransitionCause `json:"cause"`
	RuleID    string          `json:"rule_id,omitempty"`
	IntentID  string          `json:"intent_id,omitempty"`
	At        time.Time       `json:"at"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
}
