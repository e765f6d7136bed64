package vault

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MigrationFunc rewrites a decrypted payload from one major schema to the
// next. Migrations run on plaintext, after the envelope is opened and
// before the caller sees the bytes.
type MigrationFunc func(payload []byte) ([]byte, error)

// RegisterMigration installs the migration that lifts payloads written
// at fromMajor to fromMajor+1. Reads of older envelopes apply the chain
// of registered migrations up to the current major; a missing link makes
// those envelopes unreadable, so shipping a major bump without its
// migration is a release error.
func (s *SQLiteStore) RegisterMigration(fromMajor uint64, fn MigrationFunc) {
	s.migMu.Lock()
	defer s.migMu.Unlock()
	s.migrations[fromMajor] = fn
}

// upgradePayload brings a decrypted payload to the current schema.
// Same-major payloads pass through untouched; minor and patch drift is
// readable by construction.
func (s *SQLiteStore) upgradePayload(payload []byte, schemaVersion string) ([]byte, error) {
	written, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("vault: parse schema version %q: %w", schemaVersion, err)
	}
	current := semver.MustParse(CurrentSchemaVersion)

	if written.Major() > current.Major() {
		return nil, fmt.Errorf("vault: envelope schema %s, build supports %s: %w",
			schemaVersion, CurrentSchemaVersion, ErrSchemaAhead)
	}

	s.migMu.RLock()
	defer s.migMu.RUnlock()
	for major := written.Major(); major < current.Major(); major++ {
		fn, ok := s.migrations[major]
		if !ok {
			return nil, fmt.Errorf("vault: no migration from schema major %d", major)
		}
		if payload, err = fn(payload); err != nil {
			return nil, fmt.Errorf("vault: migrate schema major %d: %w", major, err)
		}
	}
	return payload, nil
}
