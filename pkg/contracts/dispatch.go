package contracts

import "time"

// DispatchChannel is the target of an outbound help request. The transport
// behind each channel lives outside the core; the core only chooses the
// channel and tracks the outcome.
type DispatchChannel string

const (
	ChannelProfessional     DispatchChannel = "professional"
	ChannelEmergencyNetwork DispatchChannel = "emergency-network"
	ChannelBuddy            DispatchChannel = "buddy"
)

// Valid reports whether the channel is one of the modeled targets.
func (c DispatchChannel) Valid() bool {
	switch c {
	case ChannelProfessional, ChannelEmergencyNetwork, ChannelBuddy:
		return true
	}
	return false
}

// DispatchUrgency is derived from the escalation state that issued the
// intent. It is advisory routing metadata for the transport, never a
// substitute for the channel.
type DispatchUrgency string

const (
	UrgencyRoutine  DispatchUrgency = "routine"
	UrgencyElevated DispatchUrgency = "elevated"
	UrgencyCritical DispatchUrgency = "critical"
)

// DispatchIntent is the request handed across the dispatcher boundary.
// PayloadRef is an opaque reference the receiving service resolves through
// its own authorized channel; raw observation content never crosses here.
//
// Deadline is absolute. A dispatcher that cannot confirm by Deadline is
// treated as failed regardless of what happens later.
type DispatchIntent struct {
	IntentID   string          `json:"intent_id"`
	SessionID  string          `json:"session_id"`
	Urgency    DispatchUrgency `json:"urgency"`
	Target     DispatchChannel `json:"target"`
	PayloadRef string          `json:"payload_ref"`
	Deadline   time.Time       `json:"deadline"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DispatchResult reports the outcome of one dispatch attempt. Success
// means the channel explicitly confirmed receipt; absence of an error is
// never inferred as delivery.
type DispatchResult struct {
	IntentID    string          `json:"intent_id"`
	Success     bool            `json:"success"`
	ChannelUsed DispatchChannel `json:"channel_used"`
	Latency     time.Duration   `json:"latency_ms"`
}

// IntentPayloadRef builds the opaque reference a dispatcher resolves out
// of band. It carries ids only, never observation or journal content.
func IntentPayloadRef(sessionID, intentID string) string {
	return "solace://sessions/" + sessionID + "/intents/" + intentID
}
