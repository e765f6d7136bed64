// Package dispatch is the outbound boundary of the crisis core.
//
// The core never performs network I/O. The embedding application
// implements Dispatcher; the Gateway wraps it with the trust rules the
// escalation machine relies on: an attempt is only a success when the
// dispatcher explicitly confirms one, every attempt carries a hard
// deadline, and a completion that arrives after its deadline is logged
// and dropped rather than applied. The machine's own deadline timer is
// the single source of timeout transitions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/solace-health/solace/core/pkg/contracts"
	"github.com/solace-health/solace/core/pkg/observability"
	"github.com/solace-health/solace/core/pkg/privacy"
)

var (
	// ErrInvalidIntent rejects a malformed intent before any attempt.
	ErrInvalidIntent = errors.New("dispatch: invalid intent")

	// ErrDispatchFailed classifies an attempt the dispatcher reported
	// as failed or errored before its deadline.
	ErrDispatchFailed = errors.New("dispatch: attempt failed")

	// ErrDeadlineElapsed classifies an attempt cut off by its deadline.
	ErrDeadlineElapsed = errors.New("dispatch: deadline elapsed")

	// ErrChannelUnavailable classifies an attempt refused by the open
	// circuit on the professional channel.
	ErrChannelUnavailable = errors.New("dispatch: channel unavailable")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("dispatch: gateway closed")
)

// DefaultDeadline applies when an intent carries no deadline of its own.
const DefaultDeadline = 5 * time.Second

// breakerTrip is the consecutive-failure count that opens the
// professional channel's circuit.
const breakerTrip = 3

// Dispatcher hands a crisis handoff to the outside world. Implementations
// live in the embedding application. They must honor ctx cancellation and
// must only set Success on an explicit confirmation from the far side;
// "sent" is not "delivered".
type Dispatcher interface {
	Dispatch(ctx context.Context, intent contracts.DispatchIntent) (contracts.DispatchResult, error)
}

// Gateway runs dispatch attempts against the application's Dispatcher.
//
// Attempts are asynchronous: Send returns once the attempt is accepted
// and the outcome is delivered to the report callback. The professional
// channel runs through a circuit breaker so a known-dead channel fails
// fast instead of burning the full deadline; the emergency channel is
// always attempted.
type Gateway struct {
	dispatcher Dispatcher
	breaker    *gobreaker.CircuitBreaker
	deadline   time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option adjusts gateway construction.
type Option func(*Gateway)

// WithDeadline replaces the default attempt deadline.
func WithDeadline(d time.Duration) Option {
	return func(g *Gateway) { g.deadline = d }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics attaches instrumentation. A nil Metrics records nothing.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a Gateway around the application's dispatcher.
func New(d Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		dispatcher: d,
		deadline:   DefaultDeadline,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.baseCtx, g.cancel = context.WithCancel(context.Background())
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "professional-dispatch",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("dispatch circuit state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Send starts one dispatch attempt and returns immediately. The outcome
// reaches report exactly once, unless the attempt outlives its deadline,
// in which case the completion is dropped and only the log sees it.
//
// The report callback runs on the attempt's goroutine; it must hand off
// to a queue rather than block.
func (g *Gateway) Send(ctx context.Context, intent contracts.DispatchIntent, report func(contracts.DispatchResult)) error {
	if err := g.baseCtx.Err(); err != nil {
		return ErrClosed
	}
	if intent.IntentID == "" {
		return fmt.Errorf("dispatch: missing intent id: %w", ErrInvalidIntent)
	}
	if !intent.Target.Valid() {
		return fmt.Errorf("dispatch: unknown channel %q: %w", intent.Target, ErrInvalidIntent)
	}
	// Nothing resembling user content crosses this boundary.
	if err := privacy.CheckIntent(intent); err != nil {
		return fmt.Errorf("dispatch: refuse intent %s: %w", intent.IntentID, err)
	}

	deadline := intent.Deadline
	if deadline.IsZero() {
		deadline = g.clock().Add(g.deadline)
	}

	g.wg.Add(1)
	go g.attempt(ctx, intent, deadline, report)
	return nil
}

func (g *Gateway) attempt(ctx context.Context, intent contracts.DispatchIntent, deadline time.Time, report func(contracts.DispatchResult)) {
	defer g.wg.Done()

	dctx, dcancel := context.WithDeadline(ctx, deadline)
	defer dcancel()
	stop := context.AfterFunc(g.baseCtx, dcancel)
	defer stop()

	start := g.clock()
	result, err := g.execute(dctx, intent)
	latency := g.clock().Sub(start)

	result.IntentID = intent.IntentID
	result.Latency = latency
	if result.ChannelUsed == "" {
		result.ChannelUsed = intent.Target
	}
	if err != nil {
		result.Success = false
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		g.logger.Warn("dispatch attempt hit deadline",
			"intent_id", intent.IntentID, "channel", intent.Target,
			"latency", latency, "err", ErrDeadlineElapsed)
		g.metrics.DispatchSettled(g.baseCtx, intent.Target, false)
		return
	}
	if g.clock().After(deadline) {
		g.logger.Warn("late dispatch completion dropped",
			"intent_id", intent.IntentID, "channel", intent.Target,
			"latency", latency, "success", result.Success)
		g.metrics.DispatchSettled(g.baseCtx, intent.Target, false)
		return
	}

	if err != nil {
		class := ErrDispatchFailed
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			class = ErrChannelUnavailable
		}
		g.logger.Warn("dispatch attempt failed",
			"intent_id", intent.IntentID, "channel", intent.Target,
			"latency", latency, "class", class, "err", err)
	}

	g.metrics.DispatchSettled(g.baseCtx, intent.Target, result.Success)
	if report != nil {
		report(result)
	}
}

// execute routes the professional channel through the breaker. Emergency
// attempts always reach the dispatcher: refusing one because earlier
// professional attempts failed would be exactly backwards.
func (g *Gateway) execute(ctx context.Context, intent contracts.DispatchIntent) (contracts.DispatchResult, error) {
	if intent.Target != contracts.ChannelProfessional {
		return g.dispatcher.Dispatch(ctx, intent)
	}
	out, err := g.breaker.Execute(func() (any, error) {
		res, err := g.dispatcher.Dispatch(ctx, intent)
		if err == nil && !res.Success {
			// Unconfirmed counts against the channel.
			return res, ErrDispatchFailed
		}
		return res, err
	})
	res, _ := out.(contracts.DispatchResult)
	return res, err
}

// Close stops new sends, cancels in-flight attempts, and waits for their
// goroutines to drain.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}
