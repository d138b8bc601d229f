// Command ledger-import runs the content importer (spec §4.6) against a
// package directory, wiring the ledger core's storage, append
// coordinator, and metrics the same way apps/helm-node wires its kernel
// subsystems.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/config"
	importerpkg "github.com/crashtestbrandt/adventorator-ledger/pkg/importer"
	ledgermetrics "github.com/crashtestbrandt/adventorator-ledger/pkg/metrics"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledgerstore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ledger-import", flag.ContinueOnError)
	campaignID := fs.Int64("campaign", 0, "campaign id to import into")
	packageDir := fs.String("package", "", "path to the package root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *packageDir == "" {
		fmt.Fprintln(os.Stderr, "usage: ledger-import -campaign=<id> -package=<dir>")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	cfg := config.Load()

	db, err := sql.Open(driverName(cfg.LedgerBackend), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[ledger-import] open database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[ledger-import] ping database: %v", err)
	}

	store, err := ledgerstore.NewSQLStore(db, cfg.LedgerBackend)
	if err != nil {
		log.Fatalf("[ledger-import] init store: %v", err)
	}

	meterProvider := metric.NewMeterProvider()
	defer func() { _ = meterProvider.Shutdown(ctx) }()
	recorder, err := ledgermetrics.New(meterProvider.Meter("adventorator-ledger"))
	if err != nil {
		log.Fatalf("[ledger-import] init metrics: %v", err)
	}

	coordinator := appendcoord.New(store, nil,
		appendcoord.WithMetrics(recorder),
		appendcoord.WithLogger(logger),
	)

	cctx := &importerpkg.Context{
		CampaignID:  *campaignID,
		RunID:       newRunID(),
		Coordinator: coordinator,
		Store:       store,
		Metrics:     recorder,
		Logger:      logger,
		Flags: importerpkg.Flags{
			ImporterEnabled:   cfg.FeaturesImporter,
			EntitiesEnabled:   cfg.FeaturesImporterEntities,
			EdgesEnabled:      cfg.FeaturesImporterEdges,
			EmbeddingsEnabled: cfg.FeaturesImporterEmbeddings,
		},
	}

	result, err := importerpkg.Run(ctx, *packageDir, cctx)
	if err != nil {
		logger.Error("import failed", "error", err)
		return 1
	}

	logger.Info("import complete",
		"package_id", result.PackageID,
		"state_digest", result.StateDigest,
		"entity_count", result.EntityCount,
		"edge_count", result.EdgeCount,
		"tag_count", result.TagCount,
		"affordance_count", result.AffordanceCount,
		"chunk_count", result.ChunkCount,
		"duration_ms", result.ImportDurationMs,
	)
	return 0
}

func driverName(backend string) string {
	if backend == "sqlite" {
		return "sqlite"
	}
	return "postgres"
}

func newRunID() string {
	return uuid.NewString()
}
