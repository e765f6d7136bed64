// Package session wires the crisis core together and owns the lifecycle:
// key custody, vault access, detector, escalation machine, and dispatch
// all hang off one Session per user. The Manager is constructed once per
// process; everything underneath shares its database handle, resource
// catalog, and dispatch gateway.
package session

import (
	"context"
	"database/sql"
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
	// ErrClosed is returned by operations on a closed manager or session.
	ErrClosed = errors.New("session: closed")

	// ErrSessionOpen is returned when Open is called for a user whose
	// session is already live. The existing handle stays valid; a second
	// secret is never checked against it.
	ErrSessionOpen = errors.New("session: already open for user")
)

// storage key layout: envelopes are keyed by user, the transition log by
// the stable session id stored in the user's metadata envelope.
func historyKey(userID string) string { return "users/" + userID + "/history" }
func metaKey(userID string) string    { return "users/" + userID + "/meta" }

// sessionMeta is the plaintext of the user's metadata envelope. It pins
// the session id across restarts so the transition log replays into the
// same session.
type sessionMeta struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager opens and tracks sessions. One per process.
type Manager struct {
	cfg     config.Config
	catalog *resources.Catalog
	gateway *dispatch.Gateway
	det     *detector.Detector
	db      *sql.DB
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
	budgets *observability.BudgetTracker

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics replaces the default instrument set, which records against
// the global OpenTelemetry provider.
func WithMetrics(mx *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// NewManager validates the configuration, opens the vault database, and
// builds the shared catalog and dispatch gateway. The dispatcher is the
// external transport boundary; the core never talks to a network itself.
func NewManager(cfg config.Config, dispatcher dispatch.Dispatcher, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "session"),
		budgets:  observability.NewBudgetTracker(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		mx, err := observability.NewMetrics(nil)
		if err != nil {
			return nil, fmt.Errorf("session: build instruments: %w", err)
		}
		m.metrics = mx
	}

	catalog, err := resources.New()
	if err != nil {
		return nil, fmt.Errorf("session: build resource catalog: %w", err)
	}
	m.catalog = catalog

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("session: open database %q: %w", cfg.DBPath, err)
	}
	m.db = db
	m.det = detector.New()
	m.gateway = dispatch.New(dispatcher,
		dispatch.WithDeadline(cfg.DispatchDeadline),
		dispatch.WithClock(m.clock),
		dispatch.WithLogger(m.logger),
		dispatch.WithMetrics(m.metrics))
	return m, nil
}

// Open establishes the session for one user: derives the keyring from the
// session secret, replays the transition log into the machine state, and
// resumes any in-flight dispatch before the handle is returned. The
// secret is held only in locked memory and never persisted.
func (m *Manager) Open(ctx context.Context, userID string, sessionSecret []byte) (*Session, error) {
	if userID == "" {
		return nil, errors.New("session: empty user id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, live := m.sessions[userID]; live {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: user %q: %w", userID, ErrSessionOpen)
	}
	m.mu.Unlock()

	kr, err := keyring.New(sessionSecret)
	if err != nil {
		return nil, err
	}

	store, err := vault.NewSQLiteStore(m.db, kr, vault.WithClock(m.clock))
	if err != nil {
		kr.Close()
		return nil, err
	}

	s, err := m.establish(ctx, userID, kr, store)
	if err != nil {
		kr.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.teardown()
		return nil, ErrClosed
	}
	if _, live := m.sessions[userID]; live {
		m.mu.Unlock()
		s.teardown()
		return nil, fmt.Errorf("session: user %q: %w", userID, ErrSessionOpen)
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	m.metrics.SessionOpened(ctx)
	return s, nil
}

// establish performs the recovery sequence against the vault.
func (m *Manager) establish(ctx context.Context, userID string, kr *keyring.Keyring, store *vault.SQLiteStore) (*Session, error) {
	// Envelopes sealed before a rotation need their key versions back.
	maxVer, err := store.MaxKeyVersion(ctx)
	if err != nil {
		return nil, err
	}
	if err := kr.EnsureVersion(maxVer); err != nil {
		return nil, err
	}

	meta, err := m.loadMeta(ctx, store, userID)
	if err != nil {
		return nil, err
	}

	replayed, err := store.Replay(ctx, meta.SessionID)
	if err != nil {
		// A broken chain is tampering or corruption; refusing to open is
		// the explicit failure the audit trail requires.
		return nil, fmt.Errorf("session: replay %s: %w", meta.SessionID, err)
	}

	if removed, err := store.PurgeExpired(ctx, m.cfg.Retention()); err != nil {
		m.logger.Warn("retention sweep failed", "err", err)
	} else if removed > 0 {
		m.logger.Info("retention sweep", "rows_removed", removed)
	}

	logger := m.logger.With("session_id", meta.SessionID)
	machine := escalation.NewMachine(meta.SessionID, replayed.State, store, m.gateway,
		func() contracts.ResourceBundle { return m.catalog.ForLocale(m.cfg.Locale) },
		escalation.WithDispatchDeadline(m.cfg.DispatchDeadline),
		escalation.WithAdvisoryInterval(m.cfg.AdvisoryInterval),
		escalation.WithClock(m.clock),
		escalation.WithLogger(logger),
		escalation.WithMetrics(m.metrics))

	if err := machine.Resume(ctx, replayed.Last); err != nil {
		machine.Close()
		return nil, fmt.Errorf("session: resume %s: %w", meta.SessionID, err)
	}

	s := &Session{
		userID:    userID,
		sessionID: meta.SessionID,
		cfg:       m.cfg,
		kr:        kr,
		store:     store,
		det:       m.det,
		machine:   machine,
		catalog:   m.catalog,
		gateway:   m.gateway,
		clock:     m.clock,
		logger:    logger,
		metrics:   m.metrics,
		budgets:   m.budgets,
		detach:    func() { m.forget(userID) },
	}
	return s, nil
}

// loadMeta reads the user's metadata envelope, minting it on first open.
func (m *Manager) loadMeta(ctx context.Context, store *vault.SQLiteStore, userID string) (sessionMeta, error) {
	data, _, err := store.Read(ctx, metaKey(userID))
	switch {
	case err == nil:
		var meta sessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return sessionMeta{}, fmt.Errorf("session: decode metadata: %w", err)
		}
		if meta.SessionID == "" {
			return sessionMeta{}, errors.New("session: metadata missing session id")
		}
		return meta, nil

	case errors.Is(err, vault.ErrNotFound):
		meta := sessionMeta{
			SessionID: uuid.New().String(),
			UserID:    userID,
			CreatedAt: m.clock(),
		}
		payload, err := json.Marshal(meta)
		if err != nil {
			return sessionMeta{}, fmt.Errorf("session: encode metadata: %w", err)
		}
		if _, err := store.Write(ctx, metaKey(userID), payload); err != nil {
			return sessionMeta{}, err
		}
		return meta, nil

	default:
		return sessionMeta{}, err
	}
}

func (m *Manager) forget(userID string) {
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
}

// Budgets reports current latency budget compliance across every
// session this manager has served.
func (m *Manager) Budgets() []*observability.BudgetStatus {
	return m.budgets.Statuses()
}

// Close tears down every live session, the dispatch gateway, and the
// database. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range open {
		s.teardown()
	}
	m.gateway.Close()
	return m.db.Close()
}
