package contracts

import "time"

// EncryptedEnvelope is the unit of durable persistence. Everything the
// vault writes (observation history, session metadata, transition
// payloads) travels inside one. Ciphertext is AES-256-GCM output; Nonce
// is the per-write GCM nonce; KeyVersion selects the session key that
// sealed it.
//
// Envelopes are superseded, never mutated: a rewrite of the same logical
// key produces a new envelope and the old one remains intact until it is
// purged by retention.
type EncryptedEnvelope struct {
	Ciphertext    []byte    `json:"ciphertext"`
	Nonce         []byte    `json:"nonce"`
	KeyVersion    int       `json:"key_version"`
	SchemaVersion string    `json:"schema_version"`
	WrittenAt     time.Time `json:"written_at"`
}

// Empty reports whether the envelope carries no sealed payload.
func (e EncryptedEnvelope) Empty() bool {
	return len(e.Ciphertext) == 0
}
