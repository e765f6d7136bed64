package observability

import (
	"sort"
	"time"

	"github.com/solace-health/solace/core/pkg/contracts"
)

// TimelineEntry is one transition viewed as part of an episode's story.
// Dwell is the time the session spent in From before this transition;
// the first entry's dwell is zero because the log does not record when
// the session went idle.
type TimelineEntry struct {
	Seq      uint64                    `json:"seq"`
	From     contracts.CrisisState     `json:"from"`
	To       contracts.CrisisState     `json:"to"`
	Cause    contracts.TransitionCause `json:"cause"`
	RuleID   string                    `json:"rule_id,omitempty"`
	IntentID string                    `json:"intent_id,omitempty"`
	At       time.Time                 `json:"at"`
	Dwell    time.Duration             `json:"dwell"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	Cause  contracts.TransitionCause `json:"cause,omitempty"`
	After  *time.Time                `json:"after,omitempty"`
	Before *time.Time                `json:"before,omitempty"`
	Limit  int                       `json:"limit,omitempty"`
}

// Timeline is a session's transition log arranged for review. It is a
// value: build it from the log when needed and discard it.
type Timeline struct {
	SessionID string          `json:"session_id"`
	Entries   []TimelineEntry `json:"entries"`
}

// BuildTimeline arranges transition records into a timeline. Records
// are reordered by sequence number if needed; the input is not
// modified.
func BuildTimeline(recs []contracts.TransitionRecord) Timeline {
	if len(recs) == 0 {
		return Timeline{}
	}

	ordered := make([]contracts.TransitionRecord, len(recs))
	copy(ordered, recs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	t := Timeline{
		SessionID: ordered[0].SessionID,
		Entries:   make([]TimelineEntry, len(ordered)),
	}
	for i, rec := range ordered {
		entry := TimelineEntry{
			Seq:      rec.Seq,
			From:     rec.From,
			To:       rec.To,
			Cause:    rec.Cause,
			RuleID:   rec.RuleID,
			IntentID: rec.IntentID,
			At:       rec.At,
		}
		if i > 0 {
			entry.Dwell = rec.At.Sub(ordered[i-1].At)
		}
		t.Entries[i] = entry
	}
	return t
}

// Episodes splits the timeline into escalation cycles. A cycle-reset
// entry starts a new segment; it belongs to the episode it opens, not
// the one it follows.
func (t Timeline) Episodes() [][]TimelineEntry {
	if len(t.Entries) == 0 {
		return nil
	}

	var episodes [][]TimelineEntry
	var current []TimelineEntry
	for _, e := range t.Entries {
		if e.Cause == contracts.CauseCycleReset && len(current) > 0 {
			episodes = append(episodes, current)
			current = nil
		}
		current = append(current, e)
	}
	if len(current) > 0 {
		episodes = append(episodes, current)
	}
	return episodes
}

// Query retrieves entries matching the query, in log order.
func (t Timeline) Query(q TimelineQuery) []TimelineEntry {
	var results []TimelineEntry
	for _, e := range t.Entries {
		if q.Cause != "" && e.Cause != q.Cause {
			continue
		}
		if q.After != nil && e.At.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.At.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Duration is the span from the first recorded transition to the last.
func (t Timeline) Duration() time.Duration {
	if len(t.Entries) < 2 {
		return 0
	}
	return t.Entries[len(t.Entries)-1].At.Sub(t.Entries[0].At)
}
