package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/solace-health/solace/core/pkg/contracts"
)

// AppendTransition assigns the next sequence and hash-chain links, seals
// the record, and inserts it. The completed record is returned so the
// caller can hold the assigned Seq and EntryHash.
func (s *SQLiteStore) AppendTransition(ctx context.Context, rec contracts.TransitionRecord) (contracts.TransitionRecord, error) {
	if rec.SessionID == "" {
		return contracts.TransitionRecord{}, errors.New("vault: append transition: empty session id")
	}
	if !rec.From.Valid() || !rec.To.Valid() {
		return contracts.TransitionRecord{}, fmt.Errorf("vault: append transition: invalid states %q->%q", rec.From, rec.To)
	}
	if rec.At.IsZero() {
		rec.At = s.clock().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.head(ctx, rec.SessionID)
	if err != nil {
		return contracts.TransitionRecord{}, err
	}

	rec.Seq = head.seq + 1
	rec.PrevHash = head.hash
	rec.EntryHash, err = entryHash(rec)
	if err != nil {
		return contracts.TransitionRecord{}, err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return contracts.TransitionRecord{}, fmt.Errorf("vault: marshal transition: %w", err)
	}
	ciphertext, nonce, version, err := s.sealer.Seal(payload)
	if err != nil {
		return contracts.TransitionRecord{}, fmt.Errorf("vault: append transition: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transitions (session_id, seq, ciphertext, nonce, key_version, schema_version, written_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Seq, ciphertext, nonce, version, CurrentSchemaVersion,
		s.clock().UTC().Format(timeLayout),
	)
	if err != nil {
		// The cached tail may be stale (another writer, a purge). Drop it
		// so the next append re-reads the database.
		delete(s.heads, rec.SessionID)
		return contracts.TransitionRecord{}, ctxErr(ctx, "append transition", err)
	}

	s.heads[rec.SessionID] = chainHead{seq: rec.Seq, hash: rec.EntryHash}
	return rec, nil
}

// head returns the cached chain tail for a session, loading it from the
// database on first use. Callers must hold s.mu.
func (s *SQLiteStore) head(ctx context.Context, sessionID string) (chainHead, error) {
	if h, ok := s.heads[sessionID]; ok {
		return h, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce, key_version, schema_version
		 FROM transitions WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)

	var (
		ciphertext    []byte
		nonce         []byte
		keyVersion    int
		schemaVersion string
	)
	if err := row.Scan(&ciphertext, &nonce, &keyVersion, &schemaVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h := chainHead{seq: 0, hash: GenesisHash}
			s.heads[sessionID] = h
			return h, nil
		}
		return chainHead{}, ctxErr(ctx, "load chain head", err)
	}

	rec, err := s.decodeRecord(ciphertext, nonce, keyVersion, schemaVersion)
	if err != nil {
		return chainHead{}, err
	}

	h := chainHead{seq: rec.Seq, hash: rec.EntryHash}
	s.heads[sessionID] = h
	return h, nil
}

// Transitions returns the session's records in sequence order. An
// unknown session yields an empty slice.
func (s *SQLiteStore) Transitions(ctx context.Context, sessionID string) ([]contracts.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ciphertext, nonce, key_version, schema_version
		 FROM transitions WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, ctxErr(ctx, "transitions", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []contracts.TransitionRecord
	for rows.Next() {
		var (
			ciphertext    []byte
			nonce         []byte
			keyVersion    int
			schemaVersion string
		)
		if err := rows.Scan(&ciphertext, &nonce, &keyVersion, &schemaVersion); err != nil {
			return nil, ctxErr(ctx, "transitions: scan", err)
		}
		rec, err := s.decodeRecord(ciphertext, nonce, keyVersion, schemaVersion)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ctxErr(ctx, "transitions", err)
	}
	return recs, nil
}

// VerifyChain checks every hash link and state handoff in the session's
// log.
func (s *SQLiteStore) VerifyChain(ctx context.Context, sessionID string) error {
	recs, err := s.Transitions(ctx, sessionID)
	if err != nil {
		return err
	}
	return verifyChain(recs)
}

// Replay verifies the session's log and folds it into the current
// machine state. An empty log replays to Idle. A log still rooted at
// sequence 1 must begin from Idle; a log whose prefix was removed by
// retention resumes from its first surviving record.
func (s *SQLiteStore) Replay(ctx context.Context, sessionID string) (ReplayResult, error) {
	recs, err := s.Transitions(ctx, sessionID)
	if err != nil {
		return ReplayResult{}, err
	}
	if len(recs) == 0 {
		return ReplayResult{State: contracts.StateIdle}, nil
	}
	if err := verifyChain(recs); err != nil {
		return ReplayResult{}, err
	}
	if recs[0].Seq == 1 && recs[0].From != contracts.StateIdle {
		return ReplayResult{}, fmt.Errorf("vault: replay: log starts from %s, want %s: %w",
			recs[0].From, contracts.StateIdle, ErrChainBroken)
	}

	last := recs[len(recs)-1]
	return ReplayResult{
		State:   last.To,
		LastSeq: last.Seq,
		Last:    &last,
	}, nil
}

// PurgeSession removes a session's entire transition log.
func (s *SQLiteStore) PurgeSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE session_id = ?`, sessionID); err != nil {
		return ctxErr(ctx, "purge session", err)
	}
	s.mu.Lock()
	delete(s.heads, sessionID)
	s.mu.Unlock()
	return nil
}

// decodeRecord opens and unmarshals one stored transition row.
func (s *SQLiteStore) decodeRecord(ciphertext, nonce []byte, keyVersion int, schemaVersion string) (contracts.TransitionRecord, error) {
	payload, err := s.sealer.Open(ciphertext, nonce, keyVersion)
	if err != nil {
		return contracts.TransitionRecord{}, fmt.Errorf("vault: open transition: %w", err)
	}
	payload, err = s.upgradePayload(payload, schemaVersion)
	if err != nil {
		return contracts.TransitionRecord{}, err
	}

	var rec contracts.TransitionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return contracts.TransitionRecord{}, fmt.Errorf("vault: unmarshal transition: %w", err)
	}
	return rec, nil
}
