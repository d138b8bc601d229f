// Package ledger defines the core data model of the event ledger:
// campaigns, scenes, events, and the per-campaign invariants the append
// coordinator and verifier depend on.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
)

// Campaign is the isolation boundary for ordinals and hash chains. All
// events carry a campaign id; ordinals and hash chains never cross it.
type Campaign struct {
	ID          int64
	DisplayName string
}

// Scene is a sub-context within a campaign (e.g. a channel). Events carry
// a scene id but ordinals remain per-campaign, not per-scene.
type Scene struct {
	ID         int64
	CampaignID int64
	ChannelID  string // unique per scene
}

// Event is the central ledger entity. World time currently equals the
// replay ordinal; wall time is observational only and never participates
// in any hash.
type Event struct {
	EventID            int64
	CampaignID         int64
	SceneID            *int64
	ReplayOrdinal       int64
	EventType          string
	EventSchemaVersion int
	WorldTime          int64
	WallTimeUTC        time.Time
	PrevEventHash      hashing.PayloadHash
	PayloadHash        hashing.PayloadHash
	IdempotencyKey     hashing.IdempotencyKey
	ActorID            *string
	PlanID             *string
	ExecutionRequestID *string
	ApprovedBy         *string
	Payload            interface{}
	MigratorAppliedFrom *int64
}

// ImportLog is a per-phase audit-trail row produced by the importer.
// Sequence numbers are dense per import run.
type ImportLog struct {
	RunID      string
	Phase      string
	Sequence   int64
	StableID   string
	FileHash   string
	Action     ImportAction
	Metadata   map[string]interface{}
}

// ImportAction tags the effect an ImportLog entry recorded.
type ImportAction string

const (
	ActionValidated        ImportAction = "validated"
	ActionCreated          ImportAction = "created"
	ActionSkippedIdempotent ImportAction = "skipped_idempotent"
	ActionCompleted        ImportAction = "completed"
)

// CoreEventTypes enumerates the non-seed event types the projection folds
// and idempotent execution contract recognize (spec §6).
var CoreEventTypes = []string{
	"apply_damage",
	"heal",
	"condition.applied",
	"condition.removed",
	"condition.cleared",
	"initiative.set",
	"initiative.update",
	"initiative.remove",
	"check.performed",
	"tool.execute",
}

// SeedEventTypes enumerates the event types the importer emits.
var SeedEventTypes = []string{
	"seed.manifest.validated",
	"seed.entity_created",
	"seed.edge_created",
	"seed.tag_registered",
	"seed.affordance_registered",
	"seed.content_chunk_ingested",
	"seed.import.complete",
}

// Errors matching spec §7's storage-invariant taxonomy. These indicate a
// missing critical section or an external write outside the coordinator.
// The append coordinator retries ErrOrdinalDuplicate once from a fresh
// tail read and then surfaces it; ErrOrdinalGap is never retried.
var (
	ErrOrdinalGap       = errors.New("ledger: ordinal gap detected")
	ErrOrdinalDuplicate = errors.New("ledger: ordinal duplicate detected")
)

// HashChainMismatchError reports the exact position and hashes involved
// in a broken link, per spec §4.4/§7.
type HashChainMismatchError struct {
	Ordinal  int64
	Expected hashing.PayloadHash
	Actual   hashing.PayloadHash
}

func (e *HashChainMismatchError) Error() string {
	return fmt.Sprintf("ledger: hash chain mismatch at ordinal %d: expected %x, got %x",
		e.Ordinal, e.Expected[:4], e.Actual[:4])
}

// IdempotencyConflict signals a uniqueness violation on (campaign_id,
// idempotency_key) during insert. It is non-fatal inside the append
// coordinator — it triggers the idempotent-reuse path — but is a real
// error everywhere else.
type IdempotencyConflict struct {
	CampaignID int64
	Key        hashing.IdempotencyKey
}

func (e *IdempotencyConflict) Error() string {
	return fmt.Sprintf("ledger: idempotency conflict for campaign %d key %x", e.CampaignID, e.Key[:4])
}

// ValidateDenseOrdinals checks that ordinals, once sorted, form the
// integer interval [0, n-1] with no gaps or duplicates.
func ValidateDenseOrdinals(ordinals []int64) error {
	sorted := make([]int64, len(ordinals))
	copy(sorted, ordinals)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	for i, ord := range sorted {
		want := int64(i)
		switch {
		case ord > want:
			return fmt.Errorf("%w: expected ordinal %d, found %d", ErrOrdinalGap, want, ord)
		case ord < want:
			return fmt.Errorf("%w: ordinal %d appears more than once", ErrOrdinalDuplicate, ord)
		}
	}
	return nil
}
