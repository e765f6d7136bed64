// Package vault is the encrypted durable store of the crisis core. It
// persists observation history and session metadata as versioned encrypted
// envelopes and keeps each session's transition log as an append-only,
// hash-chained sequence. Both live in a local SQLite database and both are
// opaque without the session keyring.
//
// Plaintext never reaches a SQL parameter: every payload passes through
// the keyring before the database sees it, and the transition hash chain
// lives inside the encrypted payload so even link structure leaks nothing.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solace-health/solace/core/pkg/contracts"
)

var (
	// ErrNotFound is returned when no envelope exists for a key. An empty
	// transition log is not an error; it replays to the idle state.
	ErrNotFound = errors.New("vault: not found")

	// ErrStorageIO wraps database failures. Callers treat it as an
	// infrastructure fault: state already in memory stays authoritative.
	ErrStorageIO = errors.New("vault: storage io failure")

	// ErrChainBroken is returned when a transition log fails
	// verification: a hash mismatch, a gap, or a state discontinuity.
	ErrChainBroken = errors.New("vault: transition chain broken")

	// ErrSchemaAhead is returned when an envelope was written by a newer
	// major schema than this build understands.
	ErrSchemaAhead = errors.New("vault: envelope schema ahead of this build")
)

// CurrentSchemaVersion is stamped on every envelope written by this
// build. Major bumps require a registered migration to stay readable.
const CurrentSchemaVersion = "1.0.0"

// Sealer is the key custody surface the vault needs. *keyring.Keyring
// implements it; tests substitute a fixed-key fake.
type Sealer interface {
	Seal(plaintext []byte) (ciphertext, nonce []byte, version int, err error)
	Open(ciphertext, nonce []byte, version int) ([]byte, error)
}

// ReplayResult is the outcome of folding a session's transition log.
type ReplayResult struct {
	// State is the reconstructed machine state, StateIdle for an empty log.
	State contracts.CrisisState
	// LastSeq is the highest applied sequence, zero for an empty log.
	LastSeq uint64
	// Last is the final record, nil for an empty log.
	Last *contracts.TransitionRecord
}

// Store is the persistence surface the rest of the core programs
// against. SQLiteStore is the shipped implementation.
type Store interface {
	// Write seals plaintext under the active key and persists it as a new
	// generation of the key's envelope. The prior generation is superseded
	// atomically, never modified.
	Write(ctx context.Context, key string, plaintext []byte) (contracts.EncryptedEnvelope, error)

	// Read opens the newest generation for the key. Missing keys return
	// ErrNotFound; an unopenable key version surfaces the keyring error.
	Read(ctx context.Context, key string) ([]byte, contracts.EncryptedEnvelope, error)

	// Purge removes every generation stored under the key.
	Purge(ctx context.Context, key string) error

	// PurgeExpired removes envelopes and transition records written
	// before the retention cutoff, returning the number of rows removed.
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)

	// AppendTransition chains and persists a transition record. Seq,
	// PrevHash, and EntryHash are assigned here; the completed record is
	// returned. The log is single-writer per session.
	AppendTransition(ctx context.Context, rec contracts.TransitionRecord) (contracts.TransitionRecord, error)

	// Transitions returns a session's records in sequence order.
	Transitions(ctx context.Context, sessionID string) ([]contracts.TransitionRecord, error)

	// VerifyChain walks a session's log and checks every hash link.
	VerifyChain(ctx context.Context, sessionID string) error

	// Replay verifies the log and folds it into the current state.
	Replay(ctx context.Context, sessionID string) (ReplayResult, error)

	// PurgeSession removes a session's entire transition log.
	PurgeSession(ctx context.Context, sessionID string) error

	// MaxKeyVersion reports the highest key version any stored row was
	// sealed under, so recovery can re-derive rotated keys.
	MaxKeyVersion(ctx context.Context) (int, error)

	// Close releases the underlying database if this store owns it.
	Close() error
}

// ioErr wraps a database failure so callers can match ErrStorageIO while
// the cause stays visible in the message.
func ioErr(op string, err error) error {
	return fmt.Errorf("vault: %s: %w: %v", op, ErrStorageIO, err)
}

// ctxErr distinguishes caller cancellation from storage failure.
func ctxErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("vault: %s: %w", op, ctx.Err())
	}
	return ioErr(op, err)
}
