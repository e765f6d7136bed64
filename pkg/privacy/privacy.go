// Package privacy enforces the outbound content boundary of the crisis
// core.
//
// The rule is simple: identifiers cross the boundary, content does not.
// A dispatch intent references the session and intent that need help;
// the responder's backend resolves what it is authorized to see. Mood
// scores, emotion sequences, and anything the user wrote stay inside
// the encrypted store. This package supplies the checks the gateway
// applies to every outbound intent and the scrubbing tools the
// embedding application uses on text it handles near the core.
package privacy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/solace-health/solace/core/pkg/contracts"
)

// ErrContentLeak flags an outbound artifact carrying user content.
var ErrContentLeak = errors.New("privacy: outbound content leak")

// payloadRefPattern is the only shape an intent's payload reference may
// take: scheme, session id, intent id, nothing else.
var payloadRefPattern = regexp.MustCompile(`^solace://sessions/[0-9A-Za-z-]+/intents/[0-9A-Za-z-]+$`)

// restrictedKeys name payload fields that imply journaled or observed
// content. Compared after lowercasing.
var restrictedKeys = []string{
	"content",
	"free_text",
	"history",
	"journal",
	"message",
	"note",
	"notes",
	"observation",
	"observations",
	"score",
	"text",
	"transcript",
}

// Scrubber redacts contact-like substrings from text. Safe for
// concurrent use.
type Scrubber struct {
	email *regexp.Regexp
	phone *regexp.Regexp
}

// NewScrubber builds a Scrubber.
func NewScrubber() *Scrubber {
	return &Scrubber{
		email: regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		phone: regexp.MustCompile(`\+?[0-9][0-9 ().-]{6,}[0-9]`),
	}
}

// Scrub normalizes text to NFKC and redacts email addresses and phone
// numbers. Compatibility normalization runs first so a fullwidth at
// sign cannot smuggle an address past the pattern. Hotline short codes
// are too short to match the phone pattern and pass through.
func (s *Scrubber) Scrub(text string) string {
	text = norm.NFKC.String(text)
	text = s.email.ReplaceAllString(text, "[redacted-email]")
	text = s.phone.ReplaceAllString(text, "[redacted-number]")
	return text
}

// ValidatePayload reports whether an outbound payload map is free of
// content leaks: no restricted keys, no values with sentence shape.
// Violations name the offending key, never the value.
func (s *Scrubber) ValidatePayload(data map[string]any) (bool, []string) {
	var violations []string
	for key, value := range data {
		lower := strings.ToLower(key)
		for _, restricted := range restrictedKeys {
			if lower == restricted {
				violations = append(violations, "restricted key: "+key)
			}
		}
		if text, ok := value.(string); ok && looksLikeFreeText(text) {
			violations = append(violations, "free text under key: "+key)
		}
	}
	if len(violations) > 0 {
		sort.Strings(violations)
		return false, violations
	}
	return true, nil
}

// looksLikeFreeText flags strings with sentence shape. Identifiers,
// enum values, locales, and region names have at most a couple of
// spaces; four words or more reads as prose.
func looksLikeFreeText(v string) bool {
	return strings.Count(strings.TrimSpace(v), " ") >= 3
}

// CheckIntent verifies a dispatch intent carries identifiers only. The
// payload reference must be the opaque reference for exactly this
// session and intent. The offending value is deliberately absent from
// the error.
func CheckIntent(intent contracts.DispatchIntent) error {
	if !payloadRefPattern.MatchString(intent.PayloadRef) {
		return fmt.Errorf("privacy: intent %s: payload ref is not an opaque reference: %w", intent.IntentID, ErrContentLeak)
	}
	if want := contracts.IntentPayloadRef(intent.SessionID, intent.IntentID); intent.PayloadRef != want {
		return fmt.Errorf("privacy: intent %s: payload ref does not match its identifiers: %w", intent.IntentID, ErrContentLeak)
	}
	return nil
}

// CollapseEmotions reduces a tag sequence to counts. An outbound
// summary may say how often a tag occurred, never in what order.
func CollapseEmotions(tags []contracts.EmotionTag) map[contracts.EmotionTag]int {
	if len(tags) == 0 {
		return nil
	}
	counts := make(map[contracts.EmotionTag]int, len(tags))
	for _, tag := range tags {
		counts[tag]++
	}
	return counts
}
