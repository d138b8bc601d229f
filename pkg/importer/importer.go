package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/importer/schema"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledgerstore"
)

// Run executes every importer phase (spec §4.6) against rootDir inside a
// single transaction scope. On success it returns the finalization
// result; on any phase failure the transaction is rolled back in full
// (events and ImportLog rows alike) and the original error is returned.
func Run(ctx context.Context, rootDir string, cctx *Context) (*FinalizeResult, error) {
	ts, ok := cctx.Store.(ledgerstore.TransactionalStore)
	if !ok {
		return nil, fmt.Errorf("importer: store does not support transactions")
	}

	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("importer: build schema registry: %w", err)
	}

	startedAt := cctx.now()
	var result *FinalizeResult

	txErr := ts.WithTransaction(ctx, func(ctx context.Context, tx ledgerstore.Store) error {
		scoped := *cctx
		scoped.Store = tx
		scoped.Coordinator = cctx.Coordinator.WithStore(tx)

		manifestResult, err := runManifestPhase(ctx, &scoped, rootDir, registry)
		if err != nil {
			return failPhase(ctx, cctx, "manifest", err)
		}

		entityResult, err := runEntityPhase(ctx, &scoped, rootDir, registry)
		if err != nil {
			return failPhase(ctx, cctx, "entity", err)
		}

		edgeCount, err := runEdgePhase(ctx, &scoped, rootDir, registry, entityResult.Entities)
		if err != nil {
			return failPhase(ctx, cctx, "edge", err)
		}

		tagCount, affordanceCount, err := runOntologyPhase(ctx, &scoped, rootDir, registry)
		if err != nil {
			return failPhase(ctx, cctx, "ontology", err)
		}

		chunkCount, err := runLorePhase(ctx, &scoped, rootDir)
		if err != nil {
			return failPhase(ctx, cctx, "lore", err)
		}

		durationMs := float64(scoped.now().Sub(startedAt).Milliseconds())
		finalized, err := runFinalizePhase(ctx, &scoped, manifestResult, entityResult.Count, edgeCount, tagCount, affordanceCount, chunkCount, durationMs)
		if err != nil {
			return failPhase(ctx, cctx, "finalize", err)
		}

		result = finalized
		return nil
	})

	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

// failPhase records the structured rollback log and phase-scoped rollback
// counter spec §4.6/§8 require on any phase failure, then passes err
// through unchanged so the transaction rolls back.
func failPhase(ctx context.Context, cctx *Context, phase string, err error) error {
	if cctx.Logger != nil {
		cctx.Logger.ErrorContext(ctx, "import_rollback",
			slog.Int64("campaign_id", cctx.CampaignID),
			slog.String("run_id", cctx.RunID),
			slog.String("phase", phase),
			slog.String("outcome", "rolled_back"),
			slog.String("error", err.Error()),
		)
	}
	if cctx.Metrics != nil {
		cctx.Metrics.ImporterRollback(ctx, phase, nil)
	}
	return err
}
