package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// SchemaTables is the DDL for the events and import_log tables. It is
// written in SQLite's dialect (INTEGER PRIMARY KEY AUTOINCREMENT, BLOB
// columns), which Postgres does not accept as written; no Postgres variant
// of the table DDL is provided. The storage-level trigger enforcing dense
// ordinals (spec §6: "raising on any attempted insert that is not exactly
// COALESCE(MAX(replay_ordinal), -1) + 1") is not part of this constant:
// it is a BEFORE INSERT trigger in SchemaSQLiteTrigger and
// SchemaPostgresTrigger, since the two dialects' trigger syntax differs.
const SchemaTables = `
CREATE TABLE IF NOT EXISTS events (
	event_id             INTEGER PRIMARY KEY AUTOINCREMENT,
	campaign_id          BIGINT NOT NULL,
	scene_id             BIGINT,
	replay_ordinal       BIGINT NOT NULL,
	event_type           TEXT NOT NULL,
	event_schema_version INTEGER NOT NULL,
	world_time           BIGINT NOT NULL,
	wall_time_utc        TIMESTAMP NOT NULL,
	prev_event_hash      BLOB NOT NULL,
	payload_hash         BLOB NOT NULL,
	idempotency_key      BLOB NOT NULL,
	actor_id             TEXT,
	plan_id              TEXT,
	execution_request_id TEXT,
	approved_by          TEXT,
	payload              TEXT NOT NULL,
	migrator_applied_from BIGINT,
	UNIQUE(campaign_id, replay_ordinal),
	UNIQUE(campaign_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS import_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	phase       TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	stable_id   TEXT NOT NULL,
	file_hash   TEXT NOT NULL,
	action      TEXT NOT NULL,
	metadata    TEXT,
	UNIQUE(run_id, sequence)
);
`

// SchemaSQLiteTrigger enforces dense per-campaign ordinals at the storage
// layer for SQLite, raising if an insert's replay_ordinal is not exactly
// one past the campaign's current maximum (spec §6).
const SchemaSQLiteTrigger = `
CREATE TRIGGER IF NOT EXISTS trg_dense_ordinal
BEFORE INSERT ON events
FOR EACH ROW
WHEN NEW.replay_ordinal <> (
	SELECT COALESCE(MAX(replay_ordinal), -1) + 1 FROM events WHERE campaign_id = NEW.campaign_id
)
BEGIN
	SELECT RAISE(ABORT, 'ledger: non-dense replay_ordinal insert');
END;
`

// SchemaPostgresTrigger is the Postgres equivalent, implemented as a
// PL/pgSQL function plus a BEFORE INSERT trigger.
const SchemaPostgresTrigger = `
CREATE OR REPLACE FUNCTION enforce_dense_ordinal() RETURNS trigger AS $$
DECLARE
	expected BIGINT;
BEGIN
	SELECT COALESCE(MAX(replay_ordinal), -1) + 1 INTO expected FROM events WHERE campaign_id = NEW.campaign_id;
	IF NEW.replay_ordinal <> expected THEN
		RAISE EXCEPTION 'ledger: non-dense replay_ordinal insert (got %, expected %)', NEW.replay_ordinal, expected;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_dense_ordinal ON events;
CREATE TRIGGER trg_dense_ordinal
BEFORE INSERT ON events
FOR EACH ROW EXECUTE FUNCTION enforce_dense_ordinal();
`

// SQLStore is a database/sql-backed Store, working against either
// Postgres (lib/pq) or SQLite (modernc.org/sqlite) depending on which
// driver was used to open db. It mirrors the query shapes of the
// teacher's PostgresLedger/SQLLedger: select the tail row by descending
// ordinal, insert with a uniqueness constraint as the retry-storm
// arbiter, and classify the resulting error rather than pre-checking.
// dbExecutor is satisfied by both *sql.DB and *sql.Tx, letting SQLStore's
// query methods run unchanged whether or not they're inside a
// WithTransaction scope.
type dbExecutor interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type SQLStore struct {
	db     dbExecutor
	driver string // "postgres" or "sqlite"
	rawDB  *sql.DB // non-nil only on the top-level (non-transaction-scoped) store
}

// NewSQLStore wraps an already-opened *sql.DB. driver must be "postgres"
// or "sqlite" and must match the driver db was opened with, since
// placeholder syntax ($1 vs ?) and unique-violation error shapes differ.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("ledgerstore: unsupported driver %q", driver)
	}
	return &SQLStore{db: db, driver: driver, rawDB: db}, nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Head(ctx context.Context, campaignID int64) (*ledger.Event, error) {
	q := fmt.Sprintf(`SELECT %s FROM events WHERE campaign_id = %s ORDER BY replay_ordinal DESC LIMIT 1`,
		eventColumns, s.placeholder(1))
	row := s.db.QueryRowContext(ctx, q, campaignID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

func (s *SQLStore) Insert(ctx context.Context, ev *ledger.Event) error {
	payloadBytes, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("ledgerstore: marshal payload: %w", err)
	}

	cols := []string{
		"campaign_id", "scene_id", "replay_ordinal", "event_type", "event_schema_version",
		"world_time", "wall_time_utc", "prev_event_hash", "payload_hash", "idempotency_key",
		"actor_id", "plan_id", "execution_request_id", "approved_by", "payload", "migrator_applied_from",
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = s.placeholder(i + 1)
	}
	q := fmt.Sprintf(`INSERT INTO events (%s) VALUES (%s)`,
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	args := []interface{}{
		ev.CampaignID, ev.SceneID, ev.ReplayOrdinal, ev.EventType, ev.EventSchemaVersion,
		ev.WorldTime, ev.WallTimeUTC, ev.PrevEventHash[:], ev.PayloadHash[:], ev.IdempotencyKey[:],
		ev.ActorID, ev.PlanID, ev.ExecutionRequestID, ev.ApprovedBy, string(payloadBytes), ev.MigratorAppliedFrom,
	}

	if s.driver == "postgres" {
		q += " RETURNING event_id"
		var id int64
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
			return classifyInsertError(err, ev)
		}
		ev.EventID = id
		return nil
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return classifyInsertError(err, ev)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ledgerstore: last insert id: %w", err)
	}
	ev.EventID = id
	return nil
}

// classifyInsertError distinguishes an idempotency-key uniqueness
// violation (recoverable as idempotent reuse, per spec §4.3 step 6) from
// an ordinal uniqueness violation (a critical-section bug, per step 7)
// from any other storage error. Driver error text differs between lib/pq
// and modernc.org/sqlite, so this matches on the column name embedded in
// the constraint violation message rather than a driver-specific type.
func classifyInsertError(err error, ev *ledger.Event) error {
	msg := err.Error()
	if strings.Contains(msg, "idempotency_key") {
		return &ledger.IdempotencyConflict{CampaignID: ev.CampaignID, Key: ev.IdempotencyKey}
	}
	if strings.Contains(msg, "replay_ordinal") {
		return ledger.ErrOrdinalDuplicate
	}
	return fmt.Errorf("ledgerstore: insert failed: %w", err)
}

func (s *SQLStore) GetByIdempotencyKey(ctx context.Context, campaignID int64, key hashing.IdempotencyKey) (*ledger.Event, error) {
	q := fmt.Sprintf(`SELECT %s FROM events WHERE campaign_id = %s AND idempotency_key = %s`,
		eventColumns, s.placeholder(1), s.placeholder(2))
	row := s.db.QueryRowContext(ctx, q, campaignID, key[:])
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ev, err
}

func (s *SQLStore) ListByCampaign(ctx context.Context, campaignID int64) ([]*ledger.Event, error) {
	q := fmt.Sprintf(`SELECT %s FROM events WHERE campaign_id = %s ORDER BY replay_ordinal ASC`,
		eventColumns, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: list by campaign: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendImportLog(ctx context.Context, entry *ledger.ImportLog) error {
	metaBytes, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("ledgerstore: marshal import log metadata: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO import_log (run_id, phase, sequence, stable_id, file_hash, action, metadata)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7))
	_, err = s.db.ExecContext(ctx, q, entry.RunID, entry.Phase, entry.Sequence, entry.StableID,
		entry.FileHash, string(entry.Action), string(metaBytes))
	if err != nil {
		return fmt.Errorf("ledgerstore: append import log: %w", err)
	}
	return nil
}

func (s *SQLStore) ListImportLog(ctx context.Context, runID string) ([]*ledger.ImportLog, error) {
	q := fmt.Sprintf(`SELECT run_id, phase, sequence, stable_id, file_hash, action, metadata
		FROM import_log WHERE run_id = %s ORDER BY sequence ASC`, s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: list import log: %w", err)
	}
	defer rows.Close()

	var out []*ledger.ImportLog
	for rows.Next() {
		var entry ledger.ImportLog
		var action, metaJSON string
		if err := rows.Scan(&entry.RunID, &entry.Phase, &entry.Sequence, &entry.StableID,
			&entry.FileHash, &action, &metaJSON); err != nil {
			return nil, fmt.Errorf("ledgerstore: scan import log: %w", err)
		}
		entry.Action = ledger.ImportAction(action)
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("ledgerstore: unmarshal import log metadata: %w", err)
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

const eventColumns = `event_id, campaign_id, scene_id, replay_ordinal, event_type, event_schema_version,
	world_time, wall_time_utc, prev_event_hash, payload_hash, idempotency_key,
	actor_id, plan_id, execution_request_id, approved_by, payload, migrator_applied_from`

// rowScanner abstracts over *sql.Row and *sql.Rows so scanEvent can serve
// both single-row and multi-row callers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row *sql.Row) (*ledger.Event, error) {
	return scanEventCommon(row)
}

func scanEventRows(rows *sql.Rows) (*ledger.Event, error) {
	return scanEventCommon(rows)
}

func scanEventCommon(rs rowScanner) (*ledger.Event, error) {
	var ev ledger.Event
	var prevHash, payloadHash, idemKey []byte
	var payloadJSON string
	var wallTime time.Time

	err := rs.Scan(
		&ev.EventID, &ev.CampaignID, &ev.SceneID, &ev.ReplayOrdinal, &ev.EventType, &ev.EventSchemaVersion,
		&ev.WorldTime, &wallTime, &prevHash, &payloadHash, &idemKey,
		&ev.ActorID, &ev.PlanID, &ev.ExecutionRequestID, &ev.ApprovedBy, &payloadJSON, &ev.MigratorAppliedFrom,
	)
	if err != nil {
		return nil, err
	}

	ev.WallTimeUTC = wallTime
	copy(ev.PrevEventHash[:], prevHash)
	copy(ev.PayloadHash[:], payloadHash)
	copy(ev.IdempotencyKey[:], idemKey)

	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return nil, fmt.Errorf("ledgerstore: unmarshal payload: %w", err)
	}
	return &ev, nil
}

// WithTransaction runs fn inside a single database transaction, exposing
// a transaction-scoped Store so every Insert/AppendImportLog performed by
// fn commits or rolls back together (spec §4.6, §8 rollback-cleanliness).
func (s *SQLStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if s.rawDB == nil {
		return fmt.Errorf("ledgerstore: WithTransaction called on an already-scoped store")
	}
	sqlTx, err := s.rawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledgerstore: begin transaction: %w", err)
	}
	scoped := &SQLStore{db: sqlTx, driver: s.driver}

	if err := fn(ctx, scoped); err != nil {
		if rerr := sqlTx.Rollback(); rerr != nil {
			return fmt.Errorf("ledgerstore: rollback after %v failed: %w", err, rerr)
		}
		return err
	}
	return sqlTx.Commit()
}
