package importer

import (
	"crypto/sha256"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
)

// seedIdempotencyKey derives a stable, content-independent idempotency
// key for a seed event from (campaign, category, stable id). Seed events
// are keyed by object identity rather than payload: the importer's own
// per-run idempotent-skip/collision checks already guarantee that two
// occurrences of the same stable_id carry identical canonical content
// within one run, and re-running the same package must resolve to the
// same ledger row regardless of incidental payload differences (field
// reordering, re-serialization) across runs.
func seedIdempotencyKey(campaignID int64, category, stableID string) hashing.IdempotencyKey {
	var buf []byte
	buf = append(buf, []byte(category)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(stableID)...)
	buf = append(buf, 0)
	buf = append(buf, byte(campaignID), byte(campaignID>>8), byte(campaignID>>16), byte(campaignID>>24))
	sum := sha256.Sum256(buf)
	var key hashing.IdempotencyKey
	copy(key[:], sum[:16])
	return key
}

func entityIdempotencyKey(campaignID int64, stableID string) hashing.IdempotencyKey {
	return seedIdempotencyKey(campaignID, "entity", stableID)
}

func edgeIdempotencyKey(campaignID int64, stableID string) hashing.IdempotencyKey {
	return seedIdempotencyKey(campaignID, "edge", stableID)
}

func ontologyIdempotencyKey(campaignID int64, category, stableID string) hashing.IdempotencyKey {
	return seedIdempotencyKey(campaignID, category, stableID)
}

func loreIdempotencyKey(campaignID int64, chunkID string) hashing.IdempotencyKey {
	return seedIdempotencyKey(campaignID, "lore", chunkID)
}

func manifestIdempotencyKey(campaignID int64, packageID string) hashing.IdempotencyKey {
	return seedIdempotencyKey(campaignID, "manifest", packageID)
}
