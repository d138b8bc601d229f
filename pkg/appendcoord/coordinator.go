// Package appendcoord implements the event append coordinator (spec
// §4.3): a single logical append operation, executed under a
// per-campaign critical section, that computes the idempotency key and
// hash-chain link, inserts the event, and resolves concurrent retry
// storms by treating the storage layer's uniqueness constraint as the
// arbiter (spec §9).
package appendcoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledgerstore"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/metrics"
)

// Provenance carries the optional attribution fields an Event records,
// plus the tool/ruleset identifiers that feed the idempotency key
// (spec §4.2).
type Provenance struct {
	ActorID            *string
	PlanID             *string
	ExecutionRequestID *string
	ApprovedBy         *string
	ToolName           string
	RulesetVersion     string

	// IdempotencyKey, if non-nil, is used as-is instead of being
	// derived from PlanID/ToolName/RulesetVersion/payload. Callers that
	// already computed a key (e.g. the importer, which derives it from
	// each seed object's identity rather than a live tool invocation)
	// set this.
	IdempotencyKey *hashing.IdempotencyKey
}

// Coordinator is the single entry point through which events are
// appended to the ledger.
type Coordinator struct {
	store   ledgerstore.Store
	locker  Locker
	clock   func() time.Time
	metrics *metrics.Recorder
	logger  *slog.Logger
	backoff BackoffPolicy
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithBackoffPolicy overrides DefaultBackoffPolicy.
func WithBackoffPolicy(p BackoffPolicy) Option {
	return func(c *Coordinator) { c.backoff = p }
}

// WithMetrics attaches a metrics.Recorder; without one, counters are
// simply not recorded.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New constructs a Coordinator. locker defaults to an InProcessLocker if
// nil, suitable for single-process deployments and tests.
func New(store ledgerstore.Store, locker Locker, opts ...Option) *Coordinator {
	if locker == nil {
		locker = NewInProcessLocker()
	}
	c := &Coordinator{
		store:   store,
		locker:  locker,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
		backoff: DefaultBackoffPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithStore returns a shallow copy of c bound to a different store,
// keeping the same locker, clock, metrics, logger, and backoff policy.
// The importer uses this to run every phase's appends through a single
// transaction-scoped store while still serializing on the same
// per-campaign critical section as the rest of the process.
func (c *Coordinator) WithStore(store ledgerstore.Store) *Coordinator {
	clone := *c
	clone.store = store
	return &clone
}

// Append executes the algorithm of spec §4.3 under campaignID's critical
// section: resolve the idempotency key, read the tail, compute the hash
// chain link and payload hash, insert, and resolve either kind of
// uniqueness violation per the documented recovery policy.
func (c *Coordinator) Append(ctx context.Context, campaignID int64, sceneID *int64, eventType string, payload interface{}, prov Provenance) (*ledger.Event, error) {
	ev, _, err := c.AppendDetailed(ctx, campaignID, sceneID, eventType, payload, prov)
	return ev, err
}

// AppendDetailed is Append, additionally reporting whether the returned
// event was an idempotent reuse of a prior insert rather than a fresh
// one. The importer phases use this to decide their own
// skipped_idempotent-vs-ingested bookkeeping across repeated runs.
func (c *Coordinator) AppendDetailed(ctx context.Context, campaignID int64, sceneID *int64, eventType string, payload interface{}, prov Provenance) (*ledger.Event, bool, error) {
	start := c.clock()

	idemKey, err := c.resolveIdempotencyKey(campaignID, eventType, payload, prov)
	if err != nil {
		return nil, false, fmt.Errorf("appendcoord: resolve idempotency key: %w", err)
	}

	unlock, err := c.locker.Lock(ctx, campaignID)
	if err != nil {
		return nil, false, fmt.Errorf("appendcoord: acquire campaign lock: %w", err)
	}
	defer unlock()

	ev, reused, err := c.appendLocked(ctx, campaignID, sceneID, eventType, payload, prov, idemKey)
	latencyMs := float64(c.clock().Sub(start).Milliseconds())

	if err != nil {
		return nil, false, err
	}

	if c.metrics != nil {
		c.metrics.AppendLatencyMs(ctx, latencyMs)
	}

	if reused {
		c.logger.InfoContext(ctx, "event.idempotent_reuse",
			slog.Int64("campaign_id", campaignID),
			slog.String("event_type", eventType),
			slog.Int64("ordinal", ev.ReplayOrdinal),
		)
	} else {
		c.logger.InfoContext(ctx, "event.applied",
			slog.Int64("campaign_id", campaignID),
			slog.Int64("ordinal", ev.ReplayOrdinal),
			slog.String("event_type", eventType),
			slog.String("payload_hash_prefix", hexPrefix(ev.PayloadHash[:])),
			slog.Float64("latency_ms", latencyMs),
		)
	}
	return ev, reused, nil
}

// appendLocked performs steps 2-8 of spec §4.3, assuming the caller
// already holds the per-campaign critical section.
func (c *Coordinator) appendLocked(ctx context.Context, campaignID int64, sceneID *int64, eventType string, payload interface{}, prov Provenance, idemKey hashing.IdempotencyKey) (*ledger.Event, bool, error) {
	var ordinalRetried bool

	for attempt := 0; ; attempt++ {
		ordinal, prevHash, err := c.resolveTailLink(ctx, campaignID)
		if err != nil {
			if isTransientStorageError(err) && attempt+1 < c.backoff.MaxAttempts {
				c.sleepBackoff(ctx, campaignID, idemKey, attempt)
				continue
			}
			return nil, false, fmt.Errorf("appendcoord: resolve tail: %w", err)
		}

		payloadHash, err := hashing.HashPayload(payload)
		if err != nil {
			return nil, false, fmt.Errorf("appendcoord: hash payload: %w", err)
		}

		ev := &ledger.Event{
			CampaignID:          campaignID,
			SceneID:              sceneID,
			ReplayOrdinal:        ordinal,
			EventType:            eventType,
			EventSchemaVersion:   1,
			WorldTime:            ordinal,
			WallTimeUTC:          c.clock(),
			PrevEventHash:        prevHash,
			PayloadHash:          payloadHash,
			IdempotencyKey:       idemKey,
			ActorID:              prov.ActorID,
			PlanID:               prov.PlanID,
			ExecutionRequestID:   prov.ExecutionRequestID,
			ApprovedBy:           prov.ApprovedBy,
			Payload:              payload,
		}

		err = c.store.Insert(ctx, ev)
		switch {
		case err == nil:
			if c.metrics != nil {
				c.metrics.EventApplied(ctx)
			}
			return ev, false, nil

		case isIdempotencyConflict(err):
			existing, ferr := c.store.GetByIdempotencyKey(ctx, campaignID, idemKey)
			if ferr != nil {
				if c.metrics != nil {
					c.metrics.EventConflict(ctx)
				}
				return nil, false, fmt.Errorf("appendcoord: idempotency conflict but reuse fetch failed: %w", ferr)
			}
			if c.metrics != nil {
				c.metrics.EventIdempotentReuse(ctx)
			}
			return existing, true, nil

		case errors.Is(err, ledger.ErrOrdinalDuplicate):
			// Step 7: the critical section should make this impossible.
			// Retry exactly once from the tail read, then surface.
			if !ordinalRetried {
				ordinalRetried = true
				continue
			}
			return nil, false, fmt.Errorf("appendcoord: ordinal duplicate persisted after retry: %w", err)

		case isTransientStorageError(err) && attempt+1 < c.backoff.MaxAttempts:
			c.sleepBackoff(ctx, campaignID, idemKey, attempt)
			continue

		default:
			return nil, false, fmt.Errorf("appendcoord: insert failed: %w", err)
		}
	}
}

func (c *Coordinator) resolveTailLink(ctx context.Context, campaignID int64) (ordinal int64, prevHash hashing.PayloadHash, err error) {
	head, err := c.store.Head(ctx, campaignID)
	if errors.Is(err, ledgerstore.ErrNotFound) {
		return 0, hashing.GenesisHash, nil
	}
	if err != nil {
		return 0, hashing.PayloadHash{}, err
	}
	return head.ReplayOrdinal + 1, head.PayloadHash, nil
}

func (c *Coordinator) resolveIdempotencyKey(campaignID int64, eventType string, payload interface{}, prov Provenance) (hashing.IdempotencyKey, error) {
	if prov.IdempotencyKey != nil {
		return *prov.IdempotencyKey, nil
	}
	planID := ""
	if prov.PlanID != nil {
		planID = *prov.PlanID
	}
	return hashing.IdempotencyKeyV2(hashing.IdempotencyComponentsV2{
		PlanID:         planID,
		CampaignID:     strconv.FormatInt(campaignID, 10),
		EventType:      eventType,
		ToolName:       prov.ToolName,
		RulesetVersion: prov.RulesetVersion,
		ArgsJSON:       payload,
	})
}

func (c *Coordinator) sleepBackoff(ctx context.Context, campaignID int64, idemKey hashing.IdempotencyKey, attempt int) {
	delay := computeBackoff(backoffInputs{
		CampaignID:        campaignID,
		IdempotencyKeyHex: hexPrefix(idemKey[:]),
		AttemptIndex:      attempt,
	}, c.backoff)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isIdempotencyConflict(err error) bool {
	var conflict *ledger.IdempotencyConflict
	return errors.As(err, &conflict)
}

// isTransientStorageError classifies deadlock/busy conditions as
// retryable per spec §5. Driver error text differs between lib/pq and
// modernc.org/sqlite, so this matches on substrings rather than a
// driver-specific error type.
func isTransientStorageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"deadlock", "database is locked", "busy", "could not serialize access", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func hexPrefix(b []byte) string {
	n := len(b)
	if n > 4 {
		n = 4
	}
	const hextable = "0123456789abcdef"
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = hextable[b[i]>>4]
		out[i*2+1] = hextable[b[i]&0x0f]
	}
	return string(out)
}
