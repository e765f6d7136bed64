// Package keyring holds the encryption keys for one user session.
//
// Keys are derived from a session secret with HKDF-SHA256 and never leave
// the package: callers hand plaintext to Seal and ciphertext to Open, and
// key material itself stays inside mlocked buffers until Close destroys
// it. Nothing here ever touches disk; re-deriving after a restart
// requires the user to re-present the same secret, which is what makes a
// stolen database useless on its own.
//
// Derivation is deterministic per (secret, version), so rotation inside a
// session keeps every previously written envelope openable.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyUnavailable is returned when the key version needed to open an
// envelope is not present: wrong secret, rotated-away ring, or a ring
// that has been closed. It signals re-authentication, not data loss.
var ErrKeyUnavailable = errors.New("keyring: key unavailable")

// MinSecretLen is the minimum accepted session secret length. The secret
// is key material, not a password; the authenticating shell stretches
// user credentials before handing it over.
const MinSecretLen = 32

const keyLen = 32 // AES-256

// hkdfSalt separates this module's derivations from any other use of the
// same session secret.
var hkdfSalt = []byte("solace-crisis-core")

// Keyring derives and custodies versioned AES-256-GCM keys for one
// session. Safe for concurrent use.
type Keyring struct {
	mu     sync.RWMutex
	secret *memguard.LockedBuffer
	keys   map[int]*memguard.LockedBuffer
	active int
	closed bool
}

// New builds a keyring from a session secret and derives key version 1.
// The keyring takes custody of the secret: the caller's slice is wiped as
// a side effect and must not be reused.
func New(sessionSecret []byte) (*Keyring, error) {
	if len(sessionSecret) < MinSecretLen {
		return nil, fmt.Errorf("keyring: session secret must be at least %d bytes, got %d", MinSecretLen, len(sessionSecret))
	}

	k := &Keyring{
		keys:   make(map[int]*memguard.LockedBuffer),
		active: 1,
		// NewBufferFromBytes wipes the source slice.
		secret: memguard.NewBufferFromBytes(sessionSecret),
	}

	key, err := k.derive(1)
	if err != nil {
		k.secret.Destroy()
		return nil, err
	}
	k.keys[1] = key

	return k, nil
}

// Seal encrypts plaintext with the active key and a fresh nonce.
func (k *Keyring) Seal(plaintext []byte) (ciphertext, nonce []byte, version int, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, nil, 0, fmt.Errorf("keyring: seal: %w", ErrKeyUnavailable)
	}

	gcm, err := k.aead(k.active)
	if err != nil {
		return nil, nil, 0, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, 0, fmt.Errorf("keyring: nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, k.active, nil
}

// Open decrypts ciphertext sealed under the given key version. Unknown
// versions and closed rings return ErrKeyUnavailable; a failed
// authentication tag is a distinct error, because it means the data was
// altered rather than the key lost.
func (k *Keyring) Open(ciphertext, nonce []byte, version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.closed {
		return nil, fmt.Errorf("keyring: open: %w", ErrKeyUnavailable)
	}
	if _, ok := k.keys[version]; !ok {
		return nil, fmt.Errorf("keyring: open v%d: %w", version, ErrKeyUnavailable)
	}

	gcm, err := k.aead(version)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("keyring: open v%d: nonce length %d (need %d)", version, len(nonce), gcm.NonceSize())
	}

	pt, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keyring: open v%d: %w", version, err)
	}
	return pt, nil
}

// EnsureVersion derives every key version up to v that is not yet
// present, raising the active version to v if it is higher. Recovery
// uses this after a restart: a fresh ring only knows version 1, and the
// stored envelopes say how far the previous process had rotated.
func (k *Keyring) EnsureVersion(v int) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return fmt.Errorf("keyring: ensure v%d: %w", v, ErrKeyUnavailable)
	}

	for version := 1; version <= v; version++ {
		if _, ok := k.keys[version]; ok {
			continue
		}
		key, err := k.derive(version)
		if err != nil {
			return err
		}
		k.keys[version] = key
	}
	if v > k.active {
		k.active = v
	}
	return nil
}

// Rotate derives the next key version and makes it active. Previously
// derived versions stay available for Open until the ring closes.
func (k *Keyring) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return 0, fmt.Errorf("keyring: rotate: %w", ErrKeyUnavailable)
	}

	next := k.active + 1
	key, err := k.derive(next)
	if err != nil {
		return 0, err
	}
	k.keys[next] = key
	k.active = next

	return next, nil
}

// ActiveVersion returns the version Seal currently encrypts under.
func (k *Keyring) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Close destroys every derived key and the session secret. All versions
// become unavailable; the ring cannot be reused. Safe to call twice.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return
	}
	for _, buf := range k.keys {
		buf.Destroy()
	}
	k.secret.Destroy()
	k.closed = true
}

// derive produces the 32-byte key for a version from the session secret.
// Callers must hold at least a read lock.
func (k *Keyring) derive(version int) (*memguard.LockedBuffer, error) {
	info := fmt.Sprintf("solace-vault-v%d", version)
	r := hkdf.New(sha256.New, k.secret.Bytes(), hkdfSalt, []byte(info))

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("keyring: derive v%d: %w", version, err)
	}
	return memguard.NewBufferFromBytes(key), nil
}

// aead builds the AES-256-GCM instance for a stored version. Callers must
// hold at least a read lock and have checked the version exists.
func (k *Keyring) aead(version int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.keys[version].Bytes())
	if err != nil {
		return nil, fmt.Errorf("keyring: aes cipher v%d: %w", version, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyring: gcm v%d: %w", version, err)
	}
	return gcm, nil
}
