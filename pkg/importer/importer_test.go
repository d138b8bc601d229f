package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledgerstore"
	ledgermetrics "github.com/crashtestbrandt/adventorator-ledger/pkg/metrics"
)

// idLike returns a 26-character, all-digit ULID-shaped identifier. Every
// digit is a valid Crockford base32 symbol, so it satisfies both the
// pattern the schemas enforce and ulid.Parse.
func idLike(n int) string {
	return fmt.Sprintf("%026d", n)
}

// packageFixture describes the stable_ids written into a test package
// directory, so test bodies can reference them without re-deriving.
type packageFixture struct {
	RootDir    string
	PackageID  string
	LocationID string
	NPCID      string
	EdgeID     string
}

// writeTestPackage lays out a minimal but complete package-on-disk tree
// (spec §6) under t.TempDir(): one manifest, two entities, one edge, one
// tag, one affordance, and one lore file. content_index hashes are
// computed from the actual written bytes so the manifest phase's
// recomputation always matches.
func writeTestPackage(t *testing.T, overridePackageID string) packageFixture {
	t.Helper()
	root := t.TempDir()

	fx := packageFixture{
		RootDir:    root,
		PackageID:  overridePackageID,
		LocationID: idLike(101),
		NPCID:      idLike(102),
		EdgeID:     idLike(103),
	}
	if fx.PackageID == "" {
		fx.PackageID = idLike(1)
	}

	mustMkdir(t, filepath.Join(root, "entities"))
	mustMkdir(t, filepath.Join(root, "edges"))
	mustMkdir(t, filepath.Join(root, "ontologies", "tags"))
	mustMkdir(t, filepath.Join(root, "ontologies", "affordances"))
	mustMkdir(t, filepath.Join(root, "lore"))

	locationPath := filepath.Join(root, "entities", "location.json")
	mustWriteJSON(t, locationPath, map[string]interface{}{
		"stable_id":   fx.LocationID,
		"kind":        "location",
		"name":        "Sunken Chapel",
		"tags":        []string{},
		"affordances": []string{},
	})

	npcPath := filepath.Join(root, "entities", "npc.json")
	mustWriteJSON(t, npcPath, map[string]interface{}{
		"stable_id":   fx.NPCID,
		"kind":        "npc",
		"name":        "Old Keeper",
		"tags":        []string{"age:old"},
		"affordances": []string{"talk"},
	})

	edgePath := filepath.Join(root, "edges", "located_in.json")
	mustWriteJSON(t, edgePath, map[string]interface{}{
		"stable_id":  fx.EdgeID,
		"type":       "located_in",
		"src_ref":    fx.NPCID,
		"dst_ref":    fx.LocationID,
		"attributes": map[string]interface{}{},
	})

	tagPath := filepath.Join(root, "ontologies", "tags", "sneaky.json")
	mustWriteJSON(t, tagPath, map[string]interface{}{
		"stable_id": "tag.sneaky",
		"slug":      "sneaky",
		"synonyms":  []string{"stealthy", "quiet"},
	})

	affordancePath := filepath.Join(root, "ontologies", "affordances", "lockpick.json")
	mustWriteJSON(t, affordancePath, map[string]interface{}{
		"stable_id": "aff.lockpick",
		"slug":      "lockpick",
	})

	lorePath := filepath.Join(root, "lore", "intro.md")
	loreContent := "---\n" +
		"chunk_id: INTRO\n" +
		"title: Introduction\n" +
		"audience: Player\n" +
		"tags:\n" +
		"  - region:coast\n" +
		"embedding_hint: \"\"\n" +
		"provenance: \"\"\n" +
		"---\n" +
		"The chapel has stood above the tideline for three hundred years, and " +
		"the keeper has never once left its grounds unattended.\n"
	mustWriteFile(t, lorePath, []byte(loreContent))

	manifest := map[string]interface{}{
		"package_id":            fx.PackageID,
		"schema_version":        1,
		"engine_contract_range": ">=1.0.0,<2.0.0",
		"ruleset_version":       "1.0.0",
		"content_index": map[string]string{
			"entities/location.json":              hashFileForTest(t, locationPath),
			"entities/npc.json":                   hashFileForTest(t, npcPath),
			"edges/located_in.json":                hashFileForTest(t, edgePath),
			"ontologies/tags/sneaky.json":          hashFileForTest(t, tagPath),
			"ontologies/affordances/lockpick.json": hashFileForTest(t, affordancePath),
			"lore/intro.md":                        hashFileForTest(t, lorePath),
		},
	}
	mustWriteJSON(t, filepath.Join(root, "package.manifest.json"), manifest)

	return fx
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
}

func mustWriteFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func mustWriteJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	raw, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	mustWriteFile(t, path, raw)
}

func hashFileForTest(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// newTestContext builds a Context over a fresh in-memory store, wired
// with a real metrics.Recorder (backed by an otel SDK meter provider
// with no exporters, same as apps/ledger-import/main.go) and a discard
// logger so test output stays quiet.
func newTestContext(t *testing.T, campaignID int64, runID string) (*Context, ledgerstore.Store) {
	t.Helper()
	store := ledgerstore.NewMemory()

	meterProvider := metric.NewMeterProvider()
	recorder, err := ledgermetrics.New(meterProvider.Meter("importer-test"))
	require.NoError(t, err)

	coordinator := appendcoord.New(store, nil,
		appendcoord.WithMetrics(recorder),
		appendcoord.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	cctx := &Context{
		CampaignID: campaignID,
		RunID:      runID,
		Coordinator: coordinator,
		Store:       store,
		Metrics:     recorder,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Flags: Flags{
			ImporterEnabled:   true,
			EntitiesEnabled:   true,
			EdgesEnabled:      true,
			EmbeddingsEnabled: false,
		},
	}
	return cctx, store
}

func TestRun_FullPipelineSucceeds(t *testing.T) {
	fx := writeTestPackage(t, "")
	cctx, store := newTestContext(t, 1, "run-1")

	result, err := Run(context.Background(), fx.RootDir, cctx)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, fx.PackageID, result.PackageID)
	assert.Equal(t, 2, result.EntityCount)
	assert.Equal(t, 1, result.EdgeCount)
	assert.Equal(t, 1, result.TagCount)
	assert.Equal(t, 1, result.AffordanceCount)
	assert.Equal(t, 1, result.ChunkCount)
	assert.NotEmpty(t, result.StateDigest)
	assert.NotEmpty(t, result.ManifestHash)

	events, err := store.ListByCampaign(context.Background(), 1)
	require.NoError(t, err)
	// manifest + 2 entities + 1 edge + 1 tag + 1 affordance + 1 lore chunk + finalize
	assert.Len(t, events, 8)

	logEntries, err := store.ListImportLog(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, logEntries, 8)
}

// TestRun_IdempotentReplay covers spec §8 scenario 8: re-running the same
// package against the same campaign must produce zero new seed events
// (at most the finalize completion event, whose payload carries the run's
// duration and so may or may not match the first run's), identical
// per-phase counts, and an identical state digest.
func TestRun_IdempotentReplay(t *testing.T) {
	fx := writeTestPackage(t, "")

	cctx1, store := newTestContext(t, 7, "run-a")
	first, err := Run(context.Background(), fx.RootDir, cctx1)
	require.NoError(t, err)

	eventsAfterFirst, err := store.ListByCampaign(context.Background(), 7)
	require.NoError(t, err)

	cctx2 := &Context{
		CampaignID:  7,
		RunID:       "run-b",
		Coordinator: cctx1.Coordinator,
		Store:       store,
		Metrics:     cctx1.Metrics,
		Logger:      cctx1.Logger,
		Flags:       cctx1.Flags,
	}
	second, err := Run(context.Background(), fx.RootDir, cctx2)
	require.NoError(t, err)

	assert.Equal(t, first.StateDigest, second.StateDigest)
	assert.Equal(t, first.EntityCount, second.EntityCount)
	assert.Equal(t, first.EdgeCount, second.EdgeCount)
	assert.Equal(t, first.TagCount, second.TagCount)
	assert.Equal(t, first.AffordanceCount, second.AffordanceCount)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)

	eventsAfterSecond, err := store.ListByCampaign(context.Background(), 7)
	require.NoError(t, err)
	// Every seed event reuses its idempotency key. The finalize
	// completion event's payload includes import_duration_ms, so it may
	// or may not collide with the first run's depending on timing; either
	// way no more than one new event can appear.
	assert.GreaterOrEqual(t, len(eventsAfterSecond), len(eventsAfterFirst))
	assert.LessOrEqual(t, len(eventsAfterSecond), len(eventsAfterFirst)+1)
}

// TestRun_EntityCollisionRollsBack covers spec §8's importer rollback
// scenario: two entity files sharing a stable_id with differing
// canonical content must abort the run, leave no ledger rows behind, and
// report the failure as an EntityCollisionError.
func TestRun_EntityCollisionRollsBack(t *testing.T) {
	fx := writeTestPackage(t, "")

	// Introduce a second entity file reusing the location's stable_id
	// with a different name, so the two files' canonical hashes differ.
	mustWriteJSON(t, filepath.Join(fx.RootDir, "entities", "location_dup.json"), map[string]interface{}{
		"stable_id":   fx.LocationID,
		"kind":        "location",
		"name":        "Drowned Chapel",
		"tags":        []string{},
		"affordances": []string{},
	})

	cctx, store := newTestContext(t, 3, "run-collide")
	_, err := Run(context.Background(), fx.RootDir, cctx)
	require.Error(t, err)

	var collision *EntityCollisionError
	assert.ErrorAs(t, err, &collision)
	if collision != nil {
		assert.Equal(t, fx.LocationID, collision.StableID)
	}

	events, listErr := store.ListByCampaign(context.Background(), 3)
	require.NoError(t, listErr)
	assert.Empty(t, events, "failed run must leave no events behind")

	logEntries, listErr := store.ListImportLog(context.Background(), "run-collide")
	require.NoError(t, listErr)
	assert.Empty(t, logEntries, "failed run must leave no import log rows behind")
}

// TestRun_LoreChunkCollisionRollsBack exercises the same rollback
// contract for the lore phase, via two files racing for one chunk_id.
func TestRun_LoreChunkCollisionRollsBack(t *testing.T) {
	fx := writeTestPackage(t, "")

	dupContent := "---\n" +
		"chunk_id: INTRO\n" +
		"title: Introduction Redux\n" +
		"audience: Player\n" +
		"tags:\n" +
		"  - region:coast\n" +
		"embedding_hint: \"\"\n" +
		"provenance: \"\"\n" +
		"---\n" +
		"A wholly different account of the chapel's history occupies this file.\n"
	mustWriteFile(t, filepath.Join(fx.RootDir, "lore", "intro_dup.md"), []byte(dupContent))

	cctx, store := newTestContext(t, 4, "run-lore-collide")
	_, err := Run(context.Background(), fx.RootDir, cctx)
	require.Error(t, err)

	var collision *LoreCollisionError
	assert.ErrorAs(t, err, &collision)

	events, listErr := store.ListByCampaign(context.Background(), 4)
	require.NoError(t, listErr)
	assert.Empty(t, events)
}

// TestRun_MissingContentIndexFile covers the manifest phase's failure
// mode when content_index names a file that was never written to disk.
func TestRun_MissingContentIndexFile(t *testing.T) {
	fx := writeTestPackage(t, "")

	raw, err := os.ReadFile(filepath.Join(fx.RootDir, "package.manifest.json"))
	require.NoError(t, err)
	var manifest map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	manifest["content_index"].(map[string]interface{})["entities/missing.json"] = strings.Repeat("0", 64)
	mustWriteJSON(t, filepath.Join(fx.RootDir, "package.manifest.json"), manifest)

	cctx, store := newTestContext(t, 5, "run-missing-file")
	_, err = Run(context.Background(), fx.RootDir, cctx)
	require.Error(t, err)

	var manifestErr *ManifestValidationError
	assert.ErrorAs(t, err, &manifestErr)

	events, listErr := store.ListByCampaign(context.Background(), 5)
	require.NoError(t, listErr)
	assert.Empty(t, events)
}

// TestRun_MalformedEngineContractRange covers manifest rejection of an
// engine_contract_range that is not a parseable semver constraint.
func TestRun_MalformedEngineContractRange(t *testing.T) {
	fx := writeTestPackage(t, "")

	raw, err := os.ReadFile(filepath.Join(fx.RootDir, "package.manifest.json"))
	require.NoError(t, err)
	var manifest map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &manifest))
	manifest["engine_contract_range"] = "not a constraint"
	mustWriteJSON(t, filepath.Join(fx.RootDir, "package.manifest.json"), manifest)

	cctx, store := newTestContext(t, 7, "run-bad-range")
	_, err = Run(context.Background(), fx.RootDir, cctx)
	require.Error(t, err)

	var manifestErr *ManifestValidationError
	assert.ErrorAs(t, err, &manifestErr)

	events, listErr := store.ListByCampaign(context.Background(), 7)
	require.NoError(t, listErr)
	assert.Empty(t, events)
}

// TestRun_ImporterDisabledRefusesAllPhases covers the feature-flag gate:
// a disabled master flag must fail before any phase runs, not partway
// through.
func TestRun_ImporterDisabledRefusesAllPhases(t *testing.T) {
	fx := writeTestPackage(t, "")
	cctx, store := newTestContext(t, 6, "run-disabled")
	cctx.Flags.ImporterEnabled = false

	_, err := Run(context.Background(), fx.RootDir, cctx)
	require.Error(t, err)

	var importerErr *ImporterError
	require.ErrorAs(t, err, &importerErr)
	assert.Equal(t, "manifest", importerErr.Phase)

	events, listErr := store.ListByCampaign(context.Background(), 6)
	require.NoError(t, listErr)
	assert.Empty(t, events)
}
