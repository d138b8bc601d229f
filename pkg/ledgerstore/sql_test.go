package ledgerstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

func TestSQLStoreHeadReturnsNotFoundOnEmptyResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(db, "postgres")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + eventColumns + " FROM events WHERE campaign_id = $1 ORDER BY replay_ordinal DESC LIMIT 1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = store.Head(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreHeadReturnsLatestEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(db, "postgres")
	require.NoError(t, err)

	prevHash := hashing.GenesisHash
	payloadHash := hashing.PayloadHash{1}
	idemKey := hashing.IdempotencyKey{2}

	rows := sqlmock.NewRows([]string{
		"event_id", "campaign_id", "scene_id", "replay_ordinal", "event_type", "event_schema_version",
		"world_time", "wall_time_utc", "prev_event_hash", "payload_hash", "idempotency_key",
		"actor_id", "plan_id", "execution_request_id", "approved_by", "payload", "migrator_applied_from",
	}).AddRow(
		int64(1), int64(1), nil, int64(0), "tool.execute", 1,
		int64(0), time.Now().UTC(), prevHash[:], payloadHash[:], idemKey[:],
		nil, nil, nil, nil, `{"sides":20}`, nil,
	)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + eventColumns + " FROM events WHERE campaign_id = $1 ORDER BY replay_ordinal DESC LIMIT 1")).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	ev, err := store.Head(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.EventID)
	assert.Equal(t, "tool.execute", ev.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreInsertClassifiesIdempotencyConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(db, "postgres")
	require.NoError(t, err)

	ev := &ledger.Event{
		CampaignID:    1,
		ReplayOrdinal: 0,
		EventType:     "tool.execute",
		Payload:       map[string]interface{}{"sides": 20},
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(assertableConstraintError{column: "idempotency_key"})

	err = store.Insert(context.Background(), ev)
	var conflict *ledger.IdempotencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.CampaignID)
}

func TestSQLStoreInsertClassifiesOrdinalDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(db, "postgres")
	require.NoError(t, err)

	ev := &ledger.Event{
		CampaignID:    1,
		ReplayOrdinal: 0,
		EventType:     "tool.execute",
		Payload:       map[string]interface{}{"sides": 20},
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(assertableConstraintError{column: "replay_ordinal"})

	err = store.Insert(context.Background(), ev)
	assert.ErrorIs(t, err, ledger.ErrOrdinalDuplicate)
}

func TestSQLStoreAppendAndListImportLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(db, "postgres")
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO import_log")).
		WithArgs("run-1", "manifest", int64(0), "pkg-1", "deadbeef", string(ledger.ActionValidated), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.AppendImportLog(context.Background(), &ledger.ImportLog{
		RunID:    "run-1",
		Phase:    "manifest",
		Sequence: 0,
		StableID: "pkg-1",
		FileHash: "deadbeef",
		Action:   ledger.ActionValidated,
	})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"run_id", "phase", "sequence", "stable_id", "file_hash", "action", "metadata"}).
		AddRow("run-1", "manifest", int64(0), "pkg-1", "deadbeef", string(ledger.ActionValidated), "")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT run_id, phase, sequence, stable_id, file_hash, action, metadata")).
		WithArgs("run-1").
		WillReturnRows(rows)

	entries, err := store.ListImportLog(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ActionValidated, entries[0].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// assertableConstraintError mimics the substring-bearing error text
// lib/pq and modernc.org/sqlite both produce for a unique-constraint
// violation, which classifyInsertError matches on.
type assertableConstraintError struct {
	column string
}

func (e assertableConstraintError) Error() string {
	return "pq: duplicate key value violates unique constraint \"events_" + e.column + "_key\""
}
