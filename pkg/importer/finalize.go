package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/canonical"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// FinalizeResult is the summary payload recorded on seed.import.complete.
type FinalizeResult struct {
	PackageID        string  `json:"package_id"`
	ManifestHash     string  `json:"manifest_hash"`
	EntityCount      int     `json:"entity_count"`
	EdgeCount        int     `json:"edge_count"`
	TagCount         int     `json:"tag_count"`
	AffordanceCount  int     `json:"affordance_count"`
	ChunkCount       int     `json:"chunk_count"`
	StateDigest      string  `json:"state_digest"`
	ImportDurationMs float64 `json:"import_duration_ms"`
}

// runFinalizePhase implements spec §4.6f: verify the run's ImportLog
// sequence is gap-free, compute the state digest over every registered
// object, and emit seed.import.complete.
func runFinalizePhase(ctx context.Context, cctx *Context, manifestResult *ManifestResult, entityCount, edgeCount, tagCount, affordanceCount, chunkCount int, durationMs float64) (*FinalizeResult, error) {
	if err := validateImportLogSequence(ctx, cctx); err != nil {
		return nil, err
	}

	stateDigest, err := computeStateDigest(cctx.components)
	if err != nil {
		return nil, fmt.Errorf("importer: compute state digest: %w", err)
	}

	result := &FinalizeResult{
		PackageID:        manifestResult.Manifest.PackageID,
		ManifestHash:     hex.EncodeToString(manifestResult.ManifestHash[:]),
		EntityCount:      entityCount,
		EdgeCount:        edgeCount,
		TagCount:         tagCount,
		AffordanceCount:  affordanceCount,
		ChunkCount:       chunkCount,
		StateDigest:      stateDigest,
		ImportDurationMs: durationMs,
	}

	if _, err := cctx.Coordinator.Append(ctx, cctx.CampaignID, nil, "seed.import.complete", toMap(result), appendcoord.Provenance{}); err != nil {
		return nil, fmt.Errorf("importer: emit seed.import.complete: %w", err)
	}

	if err := cctx.recordLog(ctx, "finalize", manifestResult.Manifest.PackageID, stateDigest, ledger.ActionCompleted, map[string]interface{}{
		"state_digest": stateDigest,
	}); err != nil {
		return nil, err
	}

	if cctx.Metrics != nil {
		cctx.Metrics.ImporterDurationMs(ctx, durationMs)
	}

	return result, nil
}

// validateImportLogSequence confirms this run's ImportLog sequence
// numbers form the dense interval [0, n-1] with no gaps.
func validateImportLogSequence(ctx context.Context, cctx *Context) error {
	entries, err := cctx.Store.ListImportLog(ctx, cctx.RunID)
	if err != nil {
		return fmt.Errorf("importer: list import log: %w", err)
	}
	seqs := make([]int64, len(entries))
	for i, e := range entries {
		seqs[i] = e.Sequence
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		if s != int64(i) {
			if cctx.Logger != nil {
				cctx.Logger.ErrorContext(ctx, "import_log_sequence_gap_detected",
					slog.Int64("campaign_id", cctx.CampaignID),
					slog.String("run_id", cctx.RunID),
					slog.Int("expected_sequence", i),
					slog.Int64("found_sequence", s),
				)
			}
			return &ImporterError{Phase: "finalize", Reason: "import_log_sequence_gap_detected"}
		}
	}
	return nil
}

// computeStateDigest is SHA-256 of the canonical bytes of
// {state_components: [...]}, where components are sorted by
// (phase, stable_id, content_hash) for determinism independent of
// processing order.
func computeStateDigest(components []StateComponent) (string, error) {
	sorted := append([]StateComponent(nil), components...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Phase != sorted[j].Phase {
			return sorted[i].Phase < sorted[j].Phase
		}
		if sorted[i].StableID != sorted[j].StableID {
			return sorted[i].StableID < sorted[j].StableID
		}
		return sorted[i].ContentHash < sorted[j].ContentHash
	})

	list := make([]interface{}, len(sorted))
	for i, c := range sorted {
		list[i] = map[string]interface{}{
			"phase":        c.Phase,
			"stable_id":    c.StableID,
			"content_hash": c.ContentHash,
		}
	}

	payload := map[string]interface{}{"state_components": list}
	b, err := canonical.Encode(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
