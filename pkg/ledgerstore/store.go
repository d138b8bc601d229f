// Package ledgerstore defines the storage contract the append coordinator
// and verifier depend on, plus an in-memory and a database/sql-backed
// implementation (Postgres via lib/pq, SQLite via modernc.org/sqlite).
package ledgerstore

import (
	"context"
	"errors"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("ledgerstore: not found")

// Store is the storage contract backing the append coordinator, verifier,
// and projection folds. Implementations must enforce
// UNIQUE(campaign_id, replay_ordinal) and UNIQUE(campaign_id,
// idempotency_key) — the uniqueness constraint is the arbiter for
// concurrent retry storms, per spec §9.
type Store interface {
	// Head returns the highest-ordinal event for campaignID, or
	// ErrNotFound if the campaign has no events yet.
	Head(ctx context.Context, campaignID int64) (*ledger.Event, error)

	// Insert persists ev. If an event with the same (campaign_id,
	// idempotency_key) already exists, Insert returns
	// *ledger.IdempotencyConflict and does not modify ev.EventID.
	// If an event with the same (campaign_id, replay_ordinal) already
	// exists, Insert returns ledger.ErrOrdinalDuplicate.
	Insert(ctx context.Context, ev *ledger.Event) error

	// GetByIdempotencyKey fetches the winning row for a given
	// (campaign_id, idempotency_key) pair, used by the idempotent-reuse
	// path after an IdempotencyConflict.
	GetByIdempotencyKey(ctx context.Context, campaignID int64, key hashing.IdempotencyKey) (*ledger.Event, error)

	// ListByCampaign returns every event for campaignID. Order is not
	// guaranteed; callers that need ordinal order must sort (the
	// verifier does this defensively per spec §4.4).
	ListByCampaign(ctx context.Context, campaignID int64) ([]*ledger.Event, error)

	// AppendImportLog persists a single ImportLog row.
	AppendImportLog(ctx context.Context, entry *ledger.ImportLog) error

	// ListImportLog returns every ImportLog row for a given run id, in
	// insertion order.
	ListImportLog(ctx context.Context, runID string) ([]*ledger.ImportLog, error)
}

// TransactionalStore is implemented by stores that can run a sequence of
// operations atomically, so the importer can roll back every event and
// ImportLog row from a failed run in one step (spec §4.6, §8 rollback
// cleanliness property).
type TransactionalStore interface {
	Store
	// WithTransaction runs fn against a scoped Store; if fn returns an
	// error, every write performed through that scoped Store is rolled
	// back and the original error is returned unwrapped-visible via
	// errors.Is/As.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
