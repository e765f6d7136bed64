package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/solace-health/solace/core/pkg/keyring"
)

// fixedSecret returns the deterministic session secret tests share, so a
// "restarted" store can rebuild the same keys.
func fixedSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(0x42 + i)
	}
	return secret
}

func testRing(t *testing.T) *keyring.Keyring {
	t.Helper()
	ring, err := keyring.New(fixedSecret())
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	t.Cleanup(ring.Close)
	return ring
}

func testStore(t *testing.T, ring *keyring.Keyring, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vault.db"), ring, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteRead_RoundTrip(t *testing.T) {
	s := testStore(t, testRing(t))
	ctx := context.Background()

	payload := []byte(`{"scores":[6,5,4]}`)
	env, err := s.Write(ctx, "user-1/history", payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if env.KeyVersion != 1 {
		t.Errorf("KeyVersion = %d, want 1", env.KeyVersion)
	}
	if env.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", env.SchemaVersion, CurrentSchemaVersion)
	}
	if bytes.Contains(env.Ciphertext, payload) {
		t.Error("ciphertext contains plaintext")
	}

	got, readEnv, err := s.Read(ctx, "user-1/history")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round-trip = %q, want %q", got, payload)
	}
	if readEnv.KeyVersion != env.KeyVersion {
		t.Errorf("read KeyVersion = %d, want %d", readEnv.KeyVersion, env.KeyVersion)
	}
}

func TestRead_Missing(t *testing.T) {
	s := testStore(t, testRing(t))

	_, _, err := s.Read(context.Background(), "user-1/absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read missing key: err = %v, want ErrNotFound", err)
	}
}

func TestWrite_SupersedesPriorGeneration(t *testing.T) {
	s := testStore(t, testRing(t))
	ctx := context.Background()

	if _, err := s.Write(ctx, "user-1/history", []byte("old")); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if _, err := s.Write(ctx, "user-1/history", []byte("new")); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	got, _, err := s.Read(ctx, "user-1/history")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Read = %q, want newest generation", got)
	}

	// The superseded generation stays on disk until retention removes it.
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM envelopes WHERE key = ?`, "user-1/history")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count generations: %v", err)
	}
	if count != 2 {
		t.Errorf("stored generations = %d, want 2", count)
	}
}

func TestPurge_RemovesEveryGeneration(t *testing.T) {
	s := testStore(t, testRing(t))
	ctx := context.Background()

	if _, err := s.Write(ctx, "user-1/history", []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := s.Write(ctx, "user-1/history", []byte("b")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Purge(ctx, "user-1/history"); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if _, _, err := s.Read(ctx, "user-1/history"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read after Purge: err = %v, want ErrNotFound", err)
	}
}

func TestPurgeExpired_RetentionWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	s := testStore(t, testRing(t), WithClock(clock))
	ctx := context.Background()

	if _, err := s.Write(ctx, "user-1/stale", []byte("forgotten")); err != nil {
		t.Fatalf("Write stale: %v", err)
	}

	now = now.AddDate(0, 0, 40)
	if _, err := s.Write(ctx, "user-1/fresh", []byte("kept")); err != nil {
		t.Fatalf("Write fresh: %v", err)
	}

	removed, err := s.PurgeExpired(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, _, err := s.Read(ctx, "user-1/stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale value should be purged, err = %v", err)
	}
	if _, _, err := s.Read(ctx, "user-1/fresh"); err != nil {
		t.Errorf("fresh value should survive: %v", err)
	}
}

func TestRead_AfterRotation(t *testing.T) {
	ring := testRing(t)
	s := testStore(t, ring)
	ctx := context.Background()

	if _, err := s.Write(ctx, "user-1/before", []byte("v1 data")); err != nil {
		t.Fatalf("Write before rotate: %v", err)
	}
	if _, err := ring.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	env, err := s.Write(ctx, "user-1/after", []byte("v2 data"))
	if err != nil {
		t.Fatalf("Write after rotate: %v", err)
	}
	if env.KeyVersion != 2 {
		t.Errorf("post-rotation KeyVersion = %d, want 2", env.KeyVersion)
	}

	for key, want := range map[string]string{
		"user-1/before": "v1 data",
		"user-1/after":  "v2 data",
	} {
		got, _, err := s.Read(ctx, key)
		if err != nil {
			t.Fatalf("Read %q: %v", key, err)
		}
		if string(got) != want {
			t.Errorf("Read %q = %q, want %q", key, got, want)
		}
	}
}

func TestRead_RotatedKeyNeedsEnsureVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")
	ctx := context.Background()

	ring1, err := keyring.New(fixedSecret())
	if err != nil {
		t.Fatalf("keyring.New: %v", err)
	}
	s1, err := Open(path, ring1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ring1.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := s1.Write(ctx, "user-1/history", []byte("rotated")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ring1.Close()

	// Restarted process: fresh ring from the same secret knows only v1.
	ring2, err := keyring.New(fixedSecret())
	if err != nil {
		t.Fatalf("keyring.New restart: %v", err)
	}
	defer ring2.Close()
	s2, err := Open(path, ring2)
	if err != nil {
		t.Fatalf("Open restart: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if _, _, err := s2.Read(ctx, "user-1/history"); !errors.Is(err, keyring.ErrKeyUnavailable) {
		t.Fatalf("Read before EnsureVersion: err = %v, want ErrKeyUnavailable", err)
	}

	maxV, err := s2.MaxKeyVersion(ctx)
	if err != nil {
		t.Fatalf("MaxKeyVersion: %v", err)
	}
	if maxV != 2 {
		t.Fatalf("MaxKeyVersion = %d, want 2", maxV)
	}
	if err := ring2.EnsureVersion(maxV); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}

	got, _, err := s2.Read(ctx, "user-1/history")
	if err != nil {
		t.Fatalf("Read after EnsureVersion: %v", err)
	}
	if string(got) != "rotated" {
		t.Errorf("payload = %q", got)
	}
}

func TestUpgradePayload_MigratesOldMajor(t *testing.T) {
	ring := testRing(t)
	s := testStore(t, ring)
	ctx := context.Background()

	// Simulate a row written by a 0.x build.
	ciphertext, nonce, version, err := ring.Seal([]byte(`{"legacy":true}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes (key, generation, ciphertext, nonce, key_version, schema_version, written_at)
		 VALUES (?, 1, ?, ?, ?, '0.9.0', ?)`,
		"user-1/old", ciphertext, nonce, version, time.Now().UTC().Format(timeLayout))
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	if _, _, err := s.Read(ctx, "user-1/old"); err == nil {
		t.Fatal("Read without a registered migration should fail")
	}

	s.RegisterMigration(0, func(payload []byte) ([]byte, error) {
		return []byte(`{"migrated":true}`), nil
	})

	got, _, err := s.Read(ctx, "user-1/old")
	if err != nil {
		t.Fatalf("Read migrated: %v", err)
	}
	if string(got) != `{"migrated":true}` {
		t.Errorf("migrated payload = %q", got)
	}
}

func TestUpgradePayload_RejectsFutureMajor(t *testing.T) {
	ring := testRing(t)
	s := testStore(t, ring)
	ctx := context.Background()

	ciphertext, nonce, version, err := ring.Seal([]byte(`{}`))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO envelopes (key, generation, ciphertext, nonce, key_version, schema_version, written_at)
		 VALUES (?, 1, ?, ?, ?, '2.0.0', ?)`,
		"user-1/future", ciphertext, nonce, version, time.Now().UTC().Format(timeLayout))
	if err != nil {
		t.Fatalf("insert future row: %v", err)
	}

	if _, _, err := s.Read(ctx, "user-1/future"); !errors.Is(err, ErrSchemaAhead) {
		t.Fatalf("Read future schema: err = %v, want ErrSchemaAhead", err)
	}
}
