// Package escalation owns the per-session crisis state.
//
// The transition table (Apply) is pure; the Machine serializes events
// through a single goroutine so no two transitions are ever in progress
// at once, persists every transition before starting its dispatch side
// effect, and publishes a snapshot after every applied event. A vault
// write failure is logged and the in-memory state stays authoritative:
// the user is never cut off from resources because persistence is
// failing.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/solace-health/solace/core/pkg/contracts"
	"github.com/solace-health/solace/core/pkg/observability"
)

// ErrMachineClosed is returned by Submit after Close.
var ErrMachineClosed = errors.New("escalation: machine closed")

const (
	// DefaultDispatchDeadline bounds how long a dispatch attempt may stay
	// unconfirmed before the machine falls back.
	DefaultDispatchDeadline = 5 * time.Second

	// DefaultAdvisoryInterval is the minimum spacing between advisory
	// notices.
	DefaultAdvisoryInterval = 5 * time.Minute

	eventQueueDepth = 64
)

// Appender persists transition records. *vault.SQLiteStore satisfies it.
type Appender interface {
	AppendTransition(ctx context.Context, rec contracts.TransitionRecord) (contracts.TransitionRecord, error)
}

// Sender starts outbound dispatch attempts. *dispatch.Gateway satisfies
// it.
type Sender interface {
	Send(ctx context.Context, intent contracts.DispatchIntent, report func(contracts.DispatchResult)) error
}

type submission struct {
	ev    Event
	reply chan error
}

// resumeEvent replays recovered in-flight work through the queue so it
// is serialized like everything else.
type resumeEvent struct {
	rec *contracts.TransitionRecord
}

func (resumeEvent) event() {}

// Machine runs one session's escalation lifecycle.
type Machine struct {
	sessionID string
	store     Appender
	sender    Sender
	resolve   func() contracts.ResourceBundle

	deadline time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	advisory *rate.Limiter
	metrics  *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc

	events    chan submission
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the loop goroutine.
	state          contracts.CrisisState
	classification *contracts.RiskClassification
	advisoryNote   *contracts.RiskClassification
	bundle         *contracts.ResourceBundle
	armedIntentID  string
	timer          *time.Timer

	snapMu   sync.RWMutex
	lastSnap contracts.StateSnapshot

	subMu   sync.Mutex
	subs    map[int]chan contracts.StateSnapshot
	nextSub int
}

// Option adjusts machine construction.
type Option func(*Machine)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithDispatchDeadline replaces the default dispatch deadline.
func WithDispatchDeadline(d time.Duration) Option {
	return func(m *Machine) { m.deadline = d }
}

// WithAdvisoryInterval replaces the advisory spacing. Zero or negative
// disables the limit.
func WithAdvisoryInterval(d time.Duration) Option {
	return func(m *Machine) {
		m.advisory = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithMetrics attaches instrumentation. A nil Metrics records nothing.
func WithMetrics(mx *observability.Metrics) Option {
	return func(m *Machine) { m.metrics = mx }
}

// NewMachine builds and starts a machine for one session. initial is the
// replayed state from the vault; pass StateIdle (or empty) for a fresh
// session. The resolve func supplies the offline bundle and must never
// block.
func NewMachine(sessionID string, initial contracts.CrisisState, store Appender, sender Sender, resolve func() contracts.ResourceBundle, opts ...Option) *Machine {
	if !initial.Valid() {
		initial = contracts.StateIdle
	}
	m := &Machine{
		sessionID: sessionID,
		store:     store,
		sender:    sender,
		resolve:   resolve,
		deadline:  DefaultDispatchDeadline,
		clock:     time.Now,
		logger:    slog.Default().With("component", "escalation", "session_id", sessionID),
		advisory:  rate.NewLimiter(rate.Every(DefaultAdvisoryInterval), 1),
		events:    make(chan submission, eventQueueDepth),
		done:      make(chan struct{}),
		subs:      make(map[int]chan contracts.StateSnapshot),
		state:     initial,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())

	// A recovered active session keeps its resources visible from the
	// first snapshot.
	if initial != contracts.StateIdle && !initial.Terminal() {
		b := m.resolve()
		m.bundle = &b
	}
	m.lastSnap = contracts.StateSnapshot{
		SessionID: sessionID,
		State:     initial,
		Resources: m.bundle,
		At:        m.clock(),
	}

	m.wg.Add(1)
	go m.loop()
	return m
}

// Submit queues one event and waits for it to be applied. The error is
// the table's verdict: ErrTransitionUnavailable leaves the state
// untouched. Events from internal sources (dispatch reports, deadline
// timers) bypass Submit and carry no reply.
func (m *Machine) Submit(ctx context.Context, ev Event) error {
	if ev == nil {
		return fmt.Errorf("escalation: nil event: %w", ErrInvalidEvent)
	}
	reply := make(chan error, 1)
	select {
	case m.events <- submission{ev: ev, reply: reply}:
	case <-m.done:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrMachineClosed
	case <-ctx.Done():
		// The event stays queued and will still be applied in order.
		return ctx.Err()
	}
}

// Resume re-establishes in-flight work after a restart: a recovered
// ProfessionalRequested with time left re-issues its dispatch under the
// original intent id; one past its deadline falls back to SelfHelp
// before the session is handed out. Safe to call with nil for a fresh
// log.
func (m *Machine) Resume(ctx context.Context, last *contracts.TransitionRecord) error {
	if last == nil {
		return nil
	}
	return m.Submit(ctx, resumeEvent{rec: last})
}

// Snapshot returns the latest published snapshot.
func (m *Machine) Snapshot() contracts.StateSnapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.lastSnap
}

// State returns the current state.
func (m *Machine) State() contracts.CrisisState {
	return m.Snapshot().State
}

// Subscribe registers a snapshot listener. The channel holds the latest
// snapshot only: a slow subscriber skips intermediate states but always
// sees the newest one. The cancel func unregisters and closes the
// channel.
func (m *Machine) Subscribe() (<-chan contracts.StateSnapshot, func()) {
	ch := make(chan contracts.StateSnapshot, 1)
	select {
	case <-m.done:
		close(ch)
		return ch, func() {}
	default:
	}

	// Register and seed under subMu so no publish can slip a newer
	// snapshot into the channel before the seed lands.
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.Snapshot()
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close stops the queue, cancels in-flight persistence, and closes every
// subscriber channel. Idempotent.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.cancel()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.subMu.Lock()
		for id, ch := range m.subs {
			delete(m.subs, id)
			close(ch)
		}
		m.subMu.Unlock()
	})
}

func (m *Machine) loop() {
	defer m.wg.Done()
	for {
		select {
		case sub := <-m.events:
			err := m.handle(sub.ev)
			if sub.reply != nil {
				sub.reply <- err
			}
		case <-m.done:
			for {
				select {
				case sub := <-m.events:
					if sub.reply != nil {
						sub.reply <- ErrMachineClosed
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue feeds internally generated events back into the queue.
func (m *Machine) enqueue(ev Event) {
	select {
	case m.events <- submission{ev: ev}:
	case <-m.done:
	}
}

func (m *Machine) handle(ev Event) error {
	switch e := ev.(type) {
	case EventDispatchReport:
		// Only the armed attempt can settle the state. Everything else
		// (late reports, emergency confirmations) is recorded and dropped.
		if e.Result.IntentID == "" || e.Result.IntentID != m.armedIntentID {
			m.logger.Info("dispatch report outside armed attempt",
				"intent_id", e.Result.IntentID, "state", string(m.state), "success", e.Result.Success)
			return nil
		}
	case EventDeadlineElapsed:
		if e.AttemptID != m.armedIntentID {
			return nil
		}
	case resumeEvent:
		return m.resume(e.rec)
	}
	return m.applyEvent(ev)
}

func (m *Machine) applyEvent(ev Event) error {
	next, effects, err := Apply(m.state, ev)
	if err != nil {
		return err
	}

	settledID := m.armedIntentID
	var mintedID string
	for _, ef := range effects {
		if _, ok := ef.(EffectDispatch); ok {
			mintedID = uuid.New().String()
			break
		}
	}

	for _, ef := range effects {
		switch ef := ef.(type) {
		case EffectDisarmDeadline:
			m.disarm()
		case EffectPersist:
			m.advisoryNote = nil
			m.persist(ef.Step, mintedID, settledID)
		case EffectDispatch:
			m.startDispatch(ef.Channel, ef.Urgency, mintedID)
		case EffectArmDeadline:
			m.armFor(mintedID, m.deadline)
		case EffectAdvisory:
			m.noteAdvisory(ef.Classification)
		case EffectLoadResources:
			b := m.resolve()
			m.bundle = &b
		}
	}

	if ce, ok := ev.(EventClassification); ok {
		c := ce.Classification
		m.classification = &c
	}
	m.state = next
	m.publish()
	return nil
}

// persist appends one transition. The record carries the intent id the
// step relates to: a user-request step that starts an attempt carries
// the minted id, a settling step carries the id it settles.
func (m *Machine) persist(step Step, mintedID, settledID string) {
	rec := contracts.TransitionRecord{
		SessionID: m.sessionID,
		From:      step.From,
		To:        step.To,
		Cause:     step.Cause,
		RuleID:    step.RuleID,
		At:        m.clock(),
	}
	switch step.Cause {
	case contracts.CauseUserRequest:
		if step.To == contracts.StateProfessionalRequested || step.To == contracts.StateEmergencyEscalated {
			rec.IntentID = mintedID
		}
	case contracts.CauseDispatchConfirmed, contracts.CauseDispatchFailed, contracts.CauseDeadlineElapsed:
		rec.IntentID = settledID
	}

	if _, err := m.store.AppendTransition(m.baseCtx, rec); err != nil {
		// In-memory state stays authoritative for this session; the user
		// is not blocked on a failing disk.
		m.logger.Error("transition persist failed",
			"from", string(rec.From), "to", string(rec.To),
			"cause", string(rec.Cause), "err", err)
	}
	m.metrics.TransitionApplied(m.baseCtx, step.From, step.To, step.Cause)
}

func (m *Machine) startDispatch(channel contracts.DispatchChannel, urgency contracts.DispatchUrgency, intentID string) {
	now := m.clock()
	intent := contracts.DispatchIntent{
		IntentID:   intentID,
		SessionID:  m.sessionID,
		Urgency:    urgency,
		Target:     channel,
		PayloadRef: contracts.IntentPayloadRef(m.sessionID, intentID),
		Deadline:   now.Add(m.deadline),
		CreatedAt:  now,
	}
	m.send(intent)
}

func (m *Machine) send(intent contracts.DispatchIntent) {
	err := m.sender.Send(m.baseCtx, intent, func(r contracts.DispatchResult) {
		m.enqueue(EventDispatchReport{Result: r})
	})
	if err != nil {
		// For a professional attempt the armed deadline still walks the
		// user back to SelfHelp; nothing retries automatically.
		m.logger.Error("dispatch start failed",
			"intent_id", intent.IntentID, "channel", string(intent.Target), "err", err)
	}
}

func (m *Machine) armFor(intentID string, d time.Duration) {
	m.disarm()
	m.armedIntentID = intentID
	m.timer = time.AfterFunc(d, func() {
		m.enqueue(EventDeadlineElapsed{AttemptID: intentID})
	})
}

func (m *Machine) disarm() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.armedIntentID = ""
}

func (m *Machine) noteAdvisory(c contracts.RiskClassification) {
	if !m.advisory.Allow() {
		m.logger.Debug("advisory suppressed by rate limit", "rule_id", c.RuleID)
		return
	}
	note := c
	m.advisoryNote = &note
}

func (m *Machine) resume(rec *contracts.TransitionRecord) error {
	if rec == nil {
		return nil
	}
	now := m.clock()
	deadline := rec.At.Add(m.deadline)

	switch m.state {
	case contracts.StateProfessionalRequested:
		if rec.IntentID == "" {
			m.logger.Warn("recovered dispatch without intent id; treating as elapsed")
			m.armedIntentID = "recovered"
			return m.applyEvent(EventDeadlineElapsed{AttemptID: "recovered"})
		}
		if now.Before(deadline) {
			m.logger.Info("re-issuing recovered dispatch",
				"intent_id", rec.IntentID, "remaining", deadline.Sub(now))
			m.armFor(rec.IntentID, deadline.Sub(now))
			m.send(contracts.DispatchIntent{
				IntentID:   rec.IntentID,
				SessionID:  m.sessionID,
				Urgency:    contracts.UrgencyElevated,
				Target:     contracts.ChannelProfessional,
				PayloadRef: contracts.IntentPayloadRef(m.sessionID, rec.IntentID),
				Deadline:   deadline,
				CreatedAt:  rec.At,
			})
			m.publish()
			return nil
		}
		m.armedIntentID = rec.IntentID
		return m.applyEvent(EventDeadlineElapsed{AttemptID: rec.IntentID})

	case contracts.StateEmergencyEscalated:
		if rec.IntentID != "" && now.Before(deadline) {
			m.logger.Info("re-issuing recovered emergency dispatch", "intent_id", rec.IntentID)
			m.send(contracts.DispatchIntent{
				IntentID:   rec.IntentID,
				SessionID:  m.sessionID,
				Urgency:    contracts.UrgencyCritical,
				Target:     contracts.ChannelEmergencyNetwork,
				PayloadRef: contracts.IntentPayloadRef(m.sessionID, rec.IntentID),
				Deadline:   deadline,
				CreatedAt:  rec.At,
			})
		}
		m.publish()
		return nil
	}
	return nil
}

// publish stores the snapshot and offers it to every subscriber without
// blocking: a full channel is drained of its stale snapshot first, so
// subscribers always end up holding the newest state.
func (m *Machine) publish() {
	snap := contracts.StateSnapshot{
		SessionID:      m.sessionID,
		State:          m.state,
		Classification: m.classification,
		Advisory:       m.advisoryNote,
		Resources:      m.bundle,
		At:             m.clock(),
	}
	m.snapMu.Lock()
	m.lastSnap = snap
	m.snapMu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
