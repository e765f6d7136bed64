package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/solace-health/solace/core/pkg/contracts"
)

// GenesisHash is the PrevHash of the first record in every session log.
const GenesisHash = "genesis"

// entryHash computes the content hash of a transition record over its
// RFC 8785 canonical JSON form, excluding the EntryHash field itself.
// Canonicalization keeps the hash independent of map ordering and
// encoder quirks, so a record re-marshaled after a round-trip through
// the vault still verifies.
func entryHash(rec contracts.TransitionRecord) (string, error) {
	rec.EntryHash = ""

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("vault: marshal transition: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("vault: canonicalize transition: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// verifyRecord recomputes a record's hash and checks it against the
// stored EntryHash.
func verifyRecord(rec contracts.TransitionRecord) error {
	want, err := entryHash(rec)
	if err != nil {
		return err
	}
	if rec.EntryHash != want {
		return fmt.Errorf("vault: seq %d: hash mismatch: %w", rec.Seq, ErrChainBroken)
	}
	return nil
}

// verifyChain checks link integrity across an ordered slice of records:
// dense sequence numbers, each PrevHash matching the prior EntryHash,
// and each record's own hash. A log whose oldest entries were removed by
// retention starts mid-chain; the genesis sentinel is only required when
// the log still begins at sequence 1.
func verifyChain(recs []contracts.TransitionRecord) error {
	for i, rec := range recs {
		if err := verifyRecord(rec); err != nil {
			return err
		}

		if i == 0 {
			if rec.Seq == 1 && rec.PrevHash != GenesisHash {
				return fmt.Errorf("vault: seq 1: prev hash %q, want genesis: %w", rec.PrevHash, ErrChainBroken)
			}
			continue
		}

		prev := recs[i-1]
		if rec.Seq != prev.Seq+1 {
			return fmt.Errorf("vault: gap after seq %d: %w", prev.Seq, ErrChainBroken)
		}
		if rec.PrevHash != prev.EntryHash {
			return fmt.Errorf("vault: seq %d: prev hash mismatch: %w", rec.Seq, ErrChainBroken)
		}
		if rec.From != prev.To {
			return fmt.Errorf("vault: seq %d: state discontinuity %s->%s after %s: %w",
				rec.Seq, rec.From, rec.To, prev.To, ErrChainBroken)
		}
	}
	return nil
}
