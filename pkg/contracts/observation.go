// Package contracts defines the shared domain types of the crisis core:
// observations, risk classifications, escalation states, transition records,
// encrypted envelopes, and dispatch intents. Behavior packages depend on
// these types; this package depends on nothing but the standard library.
package contracts

import "time"

// ObservationSource identifies how an observation entered the system.
type ObservationSource string

const (
	SourceManualEntry      ObservationSource = "manual-entry"
	SourceScheduledCheckIn ObservationSource = "scheduled-check-in"
)

// Valid reports whether the source is one of the known entry paths.
func (s ObservationSource) Valid() bool {
	switch s {
	case SourceManualEntry, SourceScheduledCheckIn:
		return true
	}
	return false
}

// EmotionTag is one element of the closed emotion vocabulary users can
// attach to a check-in. The detector treats tags as opaque; they exist so
// the UI can render history without free text.
type EmotionTag string

const (
	EmotionAnxious     EmotionTag = "anxious"
	EmotionSad         EmotionTag = "sad"
	EmotionAngry       EmotionTag = "angry"
	EmotionNumb        EmotionTag = "numb"
	EmotionHopeless    EmotionTag = "hopeless"
	EmotionOverwhelmed EmotionTag = "overwhelmed"
	EmotionLonely      EmotionTag = "lonely"
	EmotionCalm        EmotionTag = "calm"
	EmotionHopeful     EmotionTag = "hopeful"
	EmotionGrateful    EmotionTag = "grateful"
)

var knownEmotions = map[EmotionTag]struct{}{
	EmotionAnxious:     {},
	EmotionSad:         {},
	EmotionAngry:       {},
	EmotionNumb:        {},
	EmotionHopeless:    {},
	EmotionOverwhelmed: {},
	EmotionLonely:      {},
	EmotionCalm:        {},
	EmotionHopeful:     {},
	EmotionGrateful:    {},
}

// Valid reports whether the tag belongs to the closed vocabulary.
func (e EmotionTag) Valid() bool {
	_, ok := knownEmotions[e]
	return ok
}

// AffectObservation is a single self-reported mood check-in. Immutable once
// created; corrections are new observations. Free text never travels with
// the observation. FreeTextPresent only records that the user wrote some,
// so journaling content stays out of every downstream path.
//
// Seq is assigned by the owning session and is strictly monotonic within
// it; ordering decisions use Seq, never wall-clock At.
type AffectObservation struct {
	At              time.Time         `json:"at"`
	Seq             uint64            `json:"seq"`
	Score           int               `json:"score" validate:"min=1,max=10"`
	Emotions        []EmotionTag      `json:"emotions,omitempty"`
	FreeTextPresent bool              `json:"free_text_present"`
	Source          ObservationSource `json:"source" validate:"oneof=manual-entry scheduled-check-in"`
}
