// Package metrics registers the counters and histograms spec §6 requires
// against an OpenTelemetry metric.Meter, grounded on
// core/pkg/observability/observability.go's provider wiring but scoped
// down to metrics only (no trace exporters — this is a library, not a
// deployed service with its own export pipeline).
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Recorder is the narrow surface the ledger core depends on; production
// code constructs one from a real otel Meter, tests can use a no-op or a
// manually-driven test double implementing the same interface indirectly
// through Recorder's exported methods.
type Recorder struct {
	eventsApplied         metric.Int64Counter
	eventsIdempotentReuse metric.Int64Counter
	eventsConflict        metric.Int64Counter
	eventsHashMismatch    metric.Int64Counter
	appendLatencyMs       metric.Float64Histogram

	importerEntitiesIngested         metric.Int64Counter
	importerEntitiesSkippedIdempotent metric.Int64Counter
	importerEntitiesCollisions       metric.Int64Counter
	importerEdgesIngested            metric.Int64Counter
	importerEdgesSkippedIdempotent   metric.Int64Counter
	importerEdgesCollision           metric.Int64Counter
	importerTagsParsed               metric.Int64Counter
	importerTagsRegistered           metric.Int64Counter
	importerTagsSkippedIdempotent    metric.Int64Counter
	importerAffordancesParsed        metric.Int64Counter
	importerAffordancesRegistered    metric.Int64Counter
	importerChunksIngested           metric.Int64Counter
	importerChunksSkippedIdempotent  metric.Int64Counter
	importerLoreCollisions           metric.Int64Counter
	importerIdempotent                metric.Int64Counter
	importerCollision                 metric.Int64Counter
	importerRollback                  metric.Int64Counter
	importerDurationMs                metric.Float64Histogram

	meter metric.Meter
}

// New constructs a Recorder backed by meter, registering every instrument
// spec §6 names. It returns an error rather than panicking so callers can
// decide how to treat a misconfigured meter.
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{meter: meter}
	var err error

	if r.eventsApplied, err = meter.Int64Counter("events.applied"); err != nil {
		return nil, fmt.Errorf("metrics: events.applied: %w", err)
	}
	if r.eventsIdempotentReuse, err = meter.Int64Counter("events.idempotent_reuse"); err != nil {
		return nil, fmt.Errorf("metrics: events.idempotent_reuse: %w", err)
	}
	if r.eventsConflict, err = meter.Int64Counter("events.conflict"); err != nil {
		return nil, fmt.Errorf("metrics: events.conflict: %w", err)
	}
	if r.eventsHashMismatch, err = meter.Int64Counter("events.hash_mismatch"); err != nil {
		return nil, fmt.Errorf("metrics: events.hash_mismatch: %w", err)
	}
	if r.appendLatencyMs, err = meter.Float64Histogram("event.apply.latency_ms"); err != nil {
		return nil, fmt.Errorf("metrics: event.apply.latency_ms: %w", err)
	}

	if r.importerEntitiesIngested, err = meter.Int64Counter("importer.entities.ingested"); err != nil {
		return nil, fmt.Errorf("metrics: importer.entities.ingested: %w", err)
	}
	if r.importerEntitiesSkippedIdempotent, err = meter.Int64Counter("importer.entities.skipped_idempotent"); err != nil {
		return nil, fmt.Errorf("metrics: importer.entities.skipped_idempotent: %w", err)
	}
	if r.importerEntitiesCollisions, err = meter.Int64Counter("importer.entities.collisions"); err != nil {
		return nil, fmt.Errorf("metrics: importer.entities.collisions: %w", err)
	}
	if r.importerEdgesIngested, err = meter.Int64Counter("importer.edges.ingested"); err != nil {
		return nil, fmt.Errorf("metrics: importer.edges.ingested: %w", err)
	}
	if r.importerEdgesSkippedIdempotent, err = meter.Int64Counter("importer.edges.skipped_idempotent"); err != nil {
		return nil, fmt.Errorf("metrics: importer.edges.skipped_idempotent: %w", err)
	}
	if r.importerEdgesCollision, err = meter.Int64Counter("importer.edges.collision"); err != nil {
		return nil, fmt.Errorf("metrics: importer.edges.collision: %w", err)
	}
	if r.importerTagsParsed, err = meter.Int64Counter("importer.tags.parsed"); err != nil {
		return nil, fmt.Errorf("metrics: importer.tags.parsed: %w", err)
	}
	if r.importerTagsRegistered, err = meter.Int64Counter("importer.tags.registered"); err != nil {
		return nil, fmt.Errorf("metrics: importer.tags.registered: %w", err)
	}
	if r.importerTagsSkippedIdempotent, err = meter.Int64Counter("importer.tags.skipped_idempotent"); err != nil {
		return nil, fmt.Errorf("metrics: importer.tags.skipped_idempotent: %w", err)
	}
	if r.importerAffordancesParsed, err = meter.Int64Counter("importer.affordances.parsed"); err != nil {
		return nil, fmt.Errorf("metrics: importer.affordances.parsed: %w", err)
	}
	if r.importerAffordancesRegistered, err = meter.Int64Counter("importer.affordances.registered"); err != nil {
		return nil, fmt.Errorf("metrics: importer.affordances.registered: %w", err)
	}
	if r.importerChunksIngested, err = meter.Int64Counter("importer.chunks.ingested"); err != nil {
		return nil, fmt.Errorf("metrics: importer.chunks.ingested: %w", err)
	}
	if r.importerChunksSkippedIdempotent, err = meter.Int64Counter("importer.chunks.skipped_idempotent"); err != nil {
		return nil, fmt.Errorf("metrics: importer.chunks.skipped_idempotent: %w", err)
	}
	if r.importerLoreCollisions, err = meter.Int64Counter("importer.lore.collisions"); err != nil {
		return nil, fmt.Errorf("metrics: importer.lore.collisions: %w", err)
	}
	if r.importerIdempotent, err = meter.Int64Counter("importer.idempotent"); err != nil {
		return nil, fmt.Errorf("metrics: importer.idempotent: %w", err)
	}
	if r.importerCollision, err = meter.Int64Counter("importer.collision"); err != nil {
		return nil, fmt.Errorf("metrics: importer.collision: %w", err)
	}
	if r.importerRollback, err = meter.Int64Counter("importer.rollback"); err != nil {
		return nil, fmt.Errorf("metrics: importer.rollback: %w", err)
	}
	if r.importerDurationMs, err = meter.Float64Histogram("importer.duration_ms"); err != nil {
		return nil, fmt.Errorf("metrics: importer.duration_ms: %w", err)
	}

	return r, nil
}

func (r *Recorder) EventApplied(ctx context.Context)          { r.eventsApplied.Add(ctx, 1) }
func (r *Recorder) EventIdempotentReuse(ctx context.Context)  { r.eventsIdempotentReuse.Add(ctx, 1) }
func (r *Recorder) EventConflict(ctx context.Context)         { r.eventsConflict.Add(ctx, 1) }
func (r *Recorder) EventHashMismatch(ctx context.Context)     { r.eventsHashMismatch.Add(ctx, 1) }
func (r *Recorder) AppendLatencyMs(ctx context.Context, ms float64) {
	r.appendLatencyMs.Record(ctx, ms)
}

func (r *Recorder) ImporterEntityIngested(ctx context.Context)          { r.importerEntitiesIngested.Add(ctx, 1) }
func (r *Recorder) ImporterEntitySkippedIdempotent(ctx context.Context) { r.importerEntitiesSkippedIdempotent.Add(ctx, 1) }
func (r *Recorder) ImporterEntityCollision(ctx context.Context)         { r.importerEntitiesCollisions.Add(ctx, 1) }
func (r *Recorder) ImporterEdgeIngested(ctx context.Context)            { r.importerEdgesIngested.Add(ctx, 1) }
func (r *Recorder) ImporterEdgeSkippedIdempotent(ctx context.Context)   { r.importerEdgesSkippedIdempotent.Add(ctx, 1) }
func (r *Recorder) ImporterEdgeCollision(ctx context.Context)           { r.importerEdgesCollision.Add(ctx, 1) }
func (r *Recorder) ImporterTagParsed(ctx context.Context)               { r.importerTagsParsed.Add(ctx, 1) }
func (r *Recorder) ImporterTagRegistered(ctx context.Context)           { r.importerTagsRegistered.Add(ctx, 1) }
func (r *Recorder) ImporterTagSkippedIdempotent(ctx context.Context)    { r.importerTagsSkippedIdempotent.Add(ctx, 1) }
func (r *Recorder) ImporterAffordanceParsed(ctx context.Context)        { r.importerAffordancesParsed.Add(ctx, 1) }
func (r *Recorder) ImporterAffordanceRegistered(ctx context.Context)    { r.importerAffordancesRegistered.Add(ctx, 1) }
func (r *Recorder) ImporterChunkIngested(ctx context.Context)           { r.importerChunksIngested.Add(ctx, 1) }
func (r *Recorder) ImporterChunkSkippedIdempotent(ctx context.Context)  { r.importerChunksSkippedIdempotent.Add(ctx, 1) }
func (r *Recorder) ImporterLoreCollision(ctx context.Context)           { r.importerLoreCollisions.Add(ctx, 1) }
func (r *Recorder) ImporterIdempotent(ctx context.Context)              { r.importerIdempotent.Add(ctx, 1) }
func (r *Recorder) ImporterCollision(ctx context.Context)               { r.importerCollision.Add(ctx, 1) }

// ImporterRollback increments both the blanket importer.rollback counter
// and the phase-scoped importer.rollback.<phase> counter (spec §6/§8).
// The phase-scoped counter is registered lazily against meter, or against
// the Meter the Recorder was built from when meter is nil; the phase set
// is small and fixed but this keeps New() from needing to know it up front.
func (r *Recorder) ImporterRollback(ctx context.Context, phase string, meter metric.Meter) {
	r.importerRollback.Add(ctx, 1)
	if meter == nil {
		meter = r.meter
	}
	if meter == nil {
		return
	}
	phaseCounter, err := meter.Int64Counter("importer.rollback." + phase)
	if err == nil {
		phaseCounter.Add(ctx, 1)
	}
}

func (r *Recorder) ImporterDurationMs(ctx context.Context, ms float64) {
	r.importerDurationMs.Record(ctx, ms)
}
