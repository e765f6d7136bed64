package contracts

import "time"

// StateSnapshot is the outbound view the UI renders after every applied
// event. It is a value copy: mutating a snapshot has no effect on the
// session.
//
// Classification is the result that produced the snapshot, when one did.
// Advisory carries a transient elevated-risk notice that suggests support
// without entering the escalation lifecycle. Resources is populated in
// every state that grants resource access.
type StateSnapshot struct {
	SessionID      string              `json:"session_id"`
	State          CrisisState         `json:"state"`
	Classification *RiskClassification `json:"classification,omitempty"`
	Advisory       *RiskClassification `json:"advisory,omitempty"`
	Resources      *ResourceBundle     `json:"resources,omitempty"`
	At             time.Time           `json:"at"`
}
