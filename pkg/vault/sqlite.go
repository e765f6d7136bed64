package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/solace-health/solace/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC encoding of RFC 3339 with nanoseconds.
// Unlike RFC3339Nano it never drops trailing zeros, so string comparison
// in SQL agrees with time order and retention cutoffs stay correct.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on a local SQLite database.
//
// Writes are serialized through one mutex: the core's single-writer
// model makes contention impossible in practice, and it keeps generation
// and sequence assignment race-free without relying on database locking
// behavior.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
	clock  func() time.Time
	ownsDB bool

	mu    sync.Mutex
	heads map[string]chainHead

	migMu      sync.RWMutex
	migrations map[uint64]MigrationFunc
}

// chainHead caches the tail of a session's transition log so appends
// don't re-read the database on every event.
type chainHead struct {
	seq  uint64
	hash string
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.clock = clock
	}
}

// NewSQLiteStore builds a store on an existing database handle and
// applies the schema. The caller keeps ownership of db.
func NewSQLiteStore(db *sql.DB, sealer Sealer, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:         db,
		sealer:     sealer,
		clock:      time.Now,
		heads:      make(map[string]chainHead),
		migrations: make(map[uint64]MigrationFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (creating if needed) the database at path and builds a
// store that owns the handle.
func Open(path string, sealer Sealer, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("vault: open %q: %w", path, err)
	}
	s, err := NewSQLiteStore(db, sealer, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS envelopes (
		key            TEXT    NOT NULL,
		generation     INTEGER NOT NULL,
		ciphertext     BLOB    NOT NULL,
		nonce          BLOB    NOT NULL,
		key_version    INTEGER NOT NULL,
		schema_version TEXT    NOT NULL,
		written_at     TEXT    NOT NULL,
		PRIMARY KEY (key, generation)
	);
	CREATE TABLE IF NOT EXISTS transitions (
		session_id     TEXT    NOT NULL,
		seq            INTEGER NOT NULL,
		ciphertext     BLOB    NOT NULL,
		nonce          BLOB    NOT NULL,
		key_version    INTEGER NOT NULL,
		schema_version TEXT    NOT NULL,
		written_at     TEXT    NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return ioErr("migrate", err)
	}
	return nil
}

// Write seals plaintext and inserts it as the next generation for the
// key. The select-then-insert runs in one transaction so a crash between
// the two leaves the prior generation untouched.
func (s *SQLiteStore) Write(ctx context.Context, key string, plaintext []byte) (contracts.EncryptedEnvelope, error) {
	if key == "" {
		return contracts.EncryptedEnvelope{}, errors.New("vault: write: empty key")
	}

	ciphertext, nonce, version, err := s.sealer.Seal(plaintext)
	if err != nil {
		return contracts.EncryptedEnvelope{}, fmt.Errorf("vault: write %q: %w", key, err)
	}

	env := contracts.EncryptedEnvelope{
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		KeyVersion:    version,
		SchemaVersion: CurrentSchemaVersion,
		WrittenAt:     s.clock().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.EncryptedEnvelope{}, ctxErr(ctx, "write: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var generation uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(generation), 0) FROM envelopes WHERE key = ?`, key)
	if err := row.Scan(&generation); err != nil {
		return contracts.EncryptedEnvelope{}, ctxErr(ctx, "write: generation", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO envelopes (key, generation, ciphertext, nonce, key_version, schema_version, written_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, generation+1, env.Ciphertext, env.Nonce, env.KeyVersion, env.SchemaVersion,
		env.WrittenAt.Format(timeLayout),
	)
	if err != nil {
		return contracts.EncryptedEnvelope{}, ctxErr(ctx, "write: insert", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.EncryptedEnvelope{}, ctxErr(ctx, "write: commit", err)
	}

	return env, nil
}

// Read opens the newest generation stored under the key.
func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, contracts.EncryptedEnvelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce, key_version, schema_version, written_at
		 FROM envelopes WHERE key = ? ORDER BY generation DESC LIMIT 1`, key)

	var (
		ciphertext    []byte
		nonce         []byte
		keyVersion    int
		schemaVersion string
		writtenAt     string
	)
	if err := row.Scan(&ciphertext, &nonce, &keyVersion, &schemaVersion, &writtenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.EncryptedEnvelope{}, fmt.Errorf("vault: read %q: %w", key, ErrNotFound)
		}
		return nil, contracts.EncryptedEnvelope{}, ctxErr(ctx, "read", err)
	}

	plaintext, err := s.sealer.Open(ciphertext, nonce, keyVersion)
	if err != nil {
		return nil, contracts.EncryptedEnvelope{}, fmt.Errorf("vault: read %q: %w", key, err)
	}
	plaintext, err = s.upgradePayload(plaintext, schemaVersion)
	if err != nil {
		return nil, contracts.EncryptedEnvelope{}, err
	}

	env := contracts.EncryptedEnvelope{
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		KeyVersion:    keyVersion,
		SchemaVersion: schemaVersion,
		WrittenAt:     parseTime(writtenAt),
	}
	return plaintext, env, nil
}

// Purge removes every generation stored under the key.
func (s *SQLiteStore) Purge(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE key = ?`, key); err != nil {
		return ctxErr(ctx, "purge", err)
	}
	return nil
}

// PurgeExpired deletes envelopes and transition records written before
// the retention cutoff. A value not rewritten for the whole window
// expires entirely; active values stay fresh because every write stamps
// a new generation.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock().Add(-retention).UTC().Format(timeLayout)

	var total int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE written_at < ?`, cutoff)
	if err != nil {
		return 0, ctxErr(ctx, "purge expired: envelopes", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM transitions WHERE written_at < ?`, cutoff)
	if err != nil {
		return total, ctxErr(ctx, "purge expired: transitions", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	// Cached chain tails may now point at purged rows.
	s.mu.Lock()
	s.heads = make(map[string]chainHead)
	s.mu.Unlock()

	return total, nil
}

// MaxKeyVersion returns the highest key version referenced by any stored
// envelope or transition, zero when nothing is stored. Session recovery
// uses it to re-derive rotated keys before the first read.
func (s *SQLiteStore) MaxKeyVersion(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT MAX(key_version) FROM envelopes), 0),
		        COALESCE((SELECT MAX(key_version) FROM transitions), 0)`)
	var envMax, trMax int
	if err := row.Scan(&envMax, &trMax); err != nil {
		return 0, ctxErr(ctx, "max key version", err)
	}
	if trMax > envMax {
		return trMax, nil
	}
	return envMax, nil
}

// Close releases the database handle if this store opened it.
func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return ioErr("close", err)
	}
	return nil
}

// parseTime decodes a stored timestamp, tolerating the RFC 3339 forms
// earlier builds wrote.
func parseTime(value string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
