package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/canonical"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/importer/schema"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// Entity mirrors one file under entities/ (spec §4.6b).
type Entity struct {
	StableID    string   `json:"stable_id"`
	Kind        string   `json:"kind"`
	Name        string   `json:"name"`
	Tags        []string `json:"tags"`
	Affordances []string `json:"affordances"`
}

// categoryOrder fixes the deterministic emission order for entity kinds:
// locations before npcs before items, then factions, vehicles and hazards.
var categoryOrder = map[string]int{
	"location": 0,
	"npc":      1,
	"item":     2,
	"faction":  3,
	"vehicle":  4,
	"hazard":   5,
}

// EntityPhaseResult reports the unique entities accepted in this run,
// keyed by stable_id, for use by the edge phase's reference resolution.
type EntityPhaseResult struct {
	Entities map[string]Entity
	Count    int
}

func runEntityPhase(ctx context.Context, cctx *Context, rootDir string, registry *schema.Registry) (*EntityPhaseResult, error) {
	if err := cctx.requireFeature("entities", &cctx.Flags.EntitiesEnabled); err != nil {
		return nil, err
	}

	dir := filepath.Join(rootDir, "entities")
	paths, err := sortedJSONFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("importer: list entity files: %w", err)
	}

	byStableID := make(map[string]Entity)
	byStableIDHash := make(map[string]string)

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &ManifestValidationError{Reason: fmt.Sprintf("read entity file %s: %v", path, err)}
		}
		var ent Entity
		if err := json.Unmarshal(raw, &ent); err != nil {
			return nil, &ManifestValidationError{Reason: fmt.Sprintf("parse entity file %s: %v", path, err)}
		}
		if err := registry.Validate(schema.Entity, ent); err != nil {
			return nil, &ManifestValidationError{Reason: fmt.Sprintf("entity %s schema: %v", path, err)}
		}

		contentHash, err := canonicalHashHex(ent)
		if err != nil {
			return nil, fmt.Errorf("importer: hash entity %s: %w", path, err)
		}

		if existingHash, seen := byStableIDHash[ent.StableID]; seen {
			if existingHash == contentHash {
				if cctx.Metrics != nil {
					cctx.Metrics.ImporterEntitySkippedIdempotent(ctx)
				}
				if err := cctx.recordLog(ctx, "entity", ent.StableID, contentHash, "skipped_idempotent", nil); err != nil {
					return nil, err
				}
				continue
			}
			if cctx.Metrics != nil {
				cctx.Metrics.ImporterEntityCollision(ctx)
			}
			return nil, &EntityCollisionError{StableID: ent.StableID}
		}

		byStableID[ent.StableID] = ent
		byStableIDHash[ent.StableID] = contentHash
	}

	ordered := make([]Entity, 0, len(byStableID))
	for _, ent := range byStableID {
		ordered = append(ordered, ent)
	}
	sort.Slice(ordered, func(i, j int) bool {
		oi, oj := categoryRank(ordered[i].Kind), categoryRank(ordered[j].Kind)
		if oi != oj {
			return oi < oj
		}
		return ordered[i].StableID < ordered[j].StableID
	})

	for _, ent := range ordered {
		key := entityIdempotencyKey(cctx.CampaignID, ent.StableID)
		_, reused, err := cctx.Coordinator.AppendDetailed(ctx, cctx.CampaignID, nil, "seed.entity_created", toMap(ent), appendcoord.Provenance{IdempotencyKey: &key})
		if err != nil {
			return nil, fmt.Errorf("importer: emit seed.entity_created for %s: %w", ent.StableID, err)
		}
		action := ledger.ActionCreated
		if reused {
			action = ledger.ActionSkippedIdempotent
			if cctx.Metrics != nil {
				cctx.Metrics.ImporterEntitySkippedIdempotent(ctx)
			}
		} else if cctx.Metrics != nil {
			cctx.Metrics.ImporterEntityIngested(ctx)
		}
		if err := cctx.recordLog(ctx, "entity", ent.StableID, byStableIDHash[ent.StableID], action, nil); err != nil {
			return nil, err
		}
		cctx.addComponent("entity", ent.StableID, byStableIDHash[ent.StableID])
	}

	return &EntityPhaseResult{Entities: byStableID, Count: len(byStableID)}, nil
}

func categoryRank(kind string) int {
	if r, ok := categoryOrder[kind]; ok {
		return r
	}
	return len(categoryOrder) + 1
}

func sortedJSONFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func canonicalHashHex(v interface{}) (string, error) {
	b, err := canonical.Encode(toMap(v))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
