package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solace-health/solace/core/pkg/config"
	"github.com/solace-health/solace/core/pkg/contracts"
	"github.com/solace-health/solace/core/pkg/detector"
	"github.com/solace-health/solace/core/pkg/dispatch"
	"github.com/solace-health/solace/core/pkg/escalation"
	"github.com/solace-health/solace/core/pkg/keyring"
	"github.com/solace-health/solace/core/pkg/observability"
	"github.com/solace-health/solace/core/pkg/resources"
	"github.com/solace-health/solace/core/pkg/vault"
)

var (
	// ErrUnsupportedChannel is returned for escalation targets the core
	// does not model.
	ErrUnsupportedChannel = errors.New("session: unsupported dispatch channel")

	// ErrNoActiveEpisode is returned for a buddy notification when the
	// session has no crisis episode in progress.
	ErrNoActiveEpisode = errors.New("session: no active episode")
)

// Session is the inbound surface for one user. All state mutation flows
// through the escalation machine's serialized queue; the session itself
// only guards the rolling observation history.
type Session struct {
	userID    string
	sessionID string
	cfg       config.Config

	kr      *keyring.Keyring
	store   *vault.SQLiteStore
	det     *detector.Detector
	machine *escalation.Machine
	catalog *resources.Catalog
	gateway *dispatch.Gateway
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	budgets *observability.BudgetTracker

	mu     sync.Mutex
	closed bool
	detach func()
}

// SessionID returns the stable session identifier the transition log is
// keyed by.
func (s *Session) SessionID() string { return s.sessionID }

// SubmitObservation validates and classifies one mood check-in against
// the rolling history, persists the extended history, and feeds the
// classification to the escalation machine. The classification is
// returned either way; a failed history write degrades durability, never
// detection.
func (s *Session) SubmitObservation(ctx context.Context, obs contracts.AffectObservation) (contracts.RiskClassification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contracts.RiskClassification{}, ErrClosed
	}

	history := s.loadHistory(ctx)

	obs.Seq = 1
	if n := len(history); n > 0 {
		obs.Seq = history[n-1].Seq + 1
	}
	if obs.At.IsZero() {
		obs.At = s.clock()
	}

	start := time.Now()
	classification, err := s.det.Evaluate(history, obs)
	elapsed := time.Since(start)
	s.budgets.Record(observability.Sample{
		Operation: observability.OpEvaluate,
		Latency:   elapsed,
		Success:   err == nil,
		At:        s.clock(),
	})
	if err != nil {
		return contracts.RiskClassification{}, err
	}
	s.metrics.ObservationEvaluated(ctx, classification, elapsed)

	history = append(history, obs)
	if len(history) > s.cfg.HistoryLimit {
		history = history[len(history)-s.cfg.HistoryLimit:]
	}
	s.storeHistory(ctx, history)

	if err := s.submit(ctx, escalation.EventClassification{Classification: classification}); err != nil {
		return classification, fmt.Errorf("session: apply classification: %w", err)
	}
	return classification, nil
}

// submit forwards an event to the machine, folding its closed sentinel
// into the session's.
func (s *Session) submit(ctx context.Context, ev escalation.Event) error {
	err := s.machine.Submit(ctx, ev)
	if errors.Is(err, escalation.ErrMachineClosed) {
		return ErrClosed
	}
	return err
}

// loadHistory reads the rolling history, degrading to empty on storage
// failure so detection keeps working while the disk does not.
func (s *Session) loadHistory(ctx context.Context) []contracts.AffectObservation {
	data, _, err := s.store.Read(ctx, historyKey(s.userID))
	if errors.Is(err, vault.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Error("history read failed; evaluating against empty history", "err", err)
		return nil
	}

	var history []contracts.AffectObservation
	if err := json.Unmarshal(data, &history); err != nil {
		s.logger.Error("history decode failed; evaluating against empty history", "err", err)
		return nil
	}
	return history
}

func (s *Session) storeHistory(ctx context.Context, history []contracts.AffectObservation) {
	payload, err := json.Marshal(history)
	if err != nil {
		s.logger.Error("history encode failed", "err", err)
		return
	}
	if _, err := s.store.Write(ctx, historyKey(s.userID), payload); err != nil {
		s.logger.Error("history write failed; in-memory evaluation unaffected", "err", err)
	}
}

// RequestEscalation routes a user-initiated help request. Professional
// and emergency targets drive the state machine; a buddy notification is
// dispatched directly and never changes state.
func (s *Session) RequestEscalation(ctx context.Context, target contracts.DispatchChannel) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	switch target {
	case contracts.ChannelProfessional:
		return s.submit(ctx, escalation.EventRequestProfessional{})
	case contracts.ChannelEmergencyNetwork:
		return s.submit(ctx, escalation.EventRequestEmergency{})
	case contracts.ChannelBuddy:
		return s.notifyBuddy(ctx)
	default:
		return fmt.Errorf("session: channel %q: %w", target, ErrUnsupportedChannel)
	}
}

// notifyBuddy pings a trusted contact during an active episode. There is
// no transition to persist and no deadline fallback; the outcome is
// logged when it arrives.
func (s *Session) notifyBuddy(ctx context.Context) error {
	state := s.machine.State()
	if state == contracts.StateIdle || state.Terminal() {
		return fmt.Errorf("session: buddy notify in %s: %w", state, ErrNoActiveEpisode)
	}

	now := s.clock()
	intentID := uuid.New().String()
	intent := contracts.DispatchIntent{
		IntentID:   intentID,
		SessionID:  s.sessionID,
		Urgency:    contracts.UrgencyRoutine,
		Target:     contracts.ChannelBuddy,
		PayloadRef: contracts.IntentPayloadRef(s.sessionID, intentID),
		Deadline:   now.Add(s.cfg.DispatchDeadline),
		CreatedAt:  now,
	}
	logger := s.logger
	return s.gateway.Send(ctx, intent, func(r contracts.DispatchResult) {
		logger.Info("buddy notification settled", "intent_id", r.IntentID, "success", r.Success)
	})
}

// ConfirmResolved records the user closing the episode.
func (s *Session) ConfirmResolved(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.submit(ctx, escalation.EventConfirmResolved{})
}

// Snapshot returns the latest outbound state.
func (s *Session) Snapshot() contracts.StateSnapshot {
	return s.machine.Snapshot()
}

// State returns the current escalation state.
func (s *Session) State() contracts.CrisisState {
	return s.machine.State()
}

// Subscribe registers a snapshot listener; see escalation.Machine.
func (s *Session) Subscribe() (<-chan contracts.StateSnapshot, func()) {
	return s.machine.Subscribe()
}

// EmergencyResources returns the offline bundle for the configured
// locale. No error, no context, no I/O: this path must survive every
// other component failing.
func (s *Session) EmergencyResources() contracts.ResourceBundle {
	start := time.Now()
	bundle := s.catalog.ForLocale(s.cfg.Locale)
	elapsed := time.Since(start)

	s.budgets.Record(observability.Sample{
		Operation: observability.OpRender,
		Latency:   elapsed,
		Success:   true,
		At:        s.clock(),
	})
	s.metrics.ResourcesRendered(context.Background(), elapsed)
	return bundle
}

// Timeline builds the episode review model from the session's durable
// transition log.
func (s *Session) Timeline(ctx context.Context) (observability.Timeline, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return observability.Timeline{}, ErrClosed
	}

	recs, err := s.store.Transitions(ctx, s.sessionID)
	if err != nil {
		return observability.Timeline{}, fmt.Errorf("session: load timeline: %w", err)
	}
	return observability.BuildTimeline(recs), nil
}

// PurgeAll erases the user's durable data: observation history, session
// metadata, and the full transition log. The live in-memory state is
// untouched; erasure is a storage operation, not a transition.
func (s *Session) PurgeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := errors.Join(
		s.store.Purge(ctx, historyKey(s.userID)),
		s.store.Purge(ctx, metaKey(s.userID)),
		s.store.PurgeSession(ctx, s.sessionID),
	)
	if err != nil {
		return fmt.Errorf("session: purge: %w", err)
	}
	s.logger.Info("user data purged")
	return nil
}

// Close tears down the machine and destroys the session's key material.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.detach != nil {
		s.detach()
	}
	s.machine.Close()
	s.kr.Close()
	s.metrics.SessionClosed(context.Background())
	return s.store.Close()
}

// teardown is Close without the manager detach, used while the manager
// itself is closing.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.machine.Close()
	s.kr.Close()
	s.metrics.SessionClosed(context.Background())
	_ = s.store.Close()
}
