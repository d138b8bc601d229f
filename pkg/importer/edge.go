package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/importer/schema"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// EdgeValidity is the optional temporal window an edge holds for.
type EdgeValidity struct {
	StartEventID *int64 `json:"start_event_id,omitempty"`
	EndEventID   *int64 `json:"end_event_id,omitempty"`
}

// Edge mirrors one file under edges/ (spec §4.6c).
type Edge struct {
	StableID   string                 `json:"stable_id"`
	Type       string                 `json:"type"`
	SrcRef     string                 `json:"src_ref"`
	DstRef     string                 `json:"dst_ref"`
	Attributes map[string]interface{} `json:"attributes"`
	Validity   *EdgeValidity          `json:"validity,omitempty"`
}

// edgeRequiredAttributes pins the schema-driven attribute subset each
// edge type requires (spec §4.6c: "each type requires a specific subset
// of attributes").
var edgeRequiredAttributes = map[string][]string{
	"located_in":  {},
	"owned_by":    {"since"},
	"allied_with": {"strength"},
	"hostile_to":  {"reason"},
	"contains":    {},
	"leads_to":    {"distance"},
}

func runEdgePhase(ctx context.Context, cctx *Context, rootDir string, registry *schema.Registry, entities map[string]Entity) (int, error) {
	if err := cctx.requireFeature("edges", &cctx.Flags.EdgesEnabled); err != nil {
		return 0, err
	}

	dir := filepath.Join(rootDir, "edges")
	paths, err := sortedJSONFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("importer: list edge files: %w", err)
	}

	byStableID := make(map[string]Edge)
	byStableIDHash := make(map[string]string)

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("read edge file %s: %v", path, err)}
		}
		var edge Edge
		if err := json.Unmarshal(raw, &edge); err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("parse edge file %s: %v", path, err)}
		}
		if err := registry.Validate(schema.Edge, edge); err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("edge %s schema: %v", path, err)}
		}
		if _, ok := entities[edge.SrcRef]; !ok {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("edge %s: src_ref %q does not resolve to a known entity", edge.StableID, edge.SrcRef)}
		}
		if _, ok := entities[edge.DstRef]; !ok {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("edge %s: dst_ref %q does not resolve to a known entity", edge.StableID, edge.DstRef)}
		}
		required, ok := edgeRequiredAttributes[edge.Type]
		if !ok {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("edge %s: type %q is not in the permitted taxonomy", edge.StableID, edge.Type)}
		}
		for _, attr := range required {
			if _, ok := edge.Attributes[attr]; !ok {
				return 0, &ManifestValidationError{Reason: fmt.Sprintf("edge %s: type %q requires attribute %q", edge.StableID, edge.Type, attr)}
			}
		}
		if edge.Validity != nil && edge.Validity.StartEventID != nil && edge.Validity.EndEventID != nil {
			if *edge.Validity.EndEventID < *edge.Validity.StartEventID {
				return 0, &ManifestValidationError{Reason: fmt.Sprintf("edge %s: validity.end_event_id precedes start_event_id", edge.StableID)}
			}
		}

		contentHash, err := canonicalHashHex(edge)
		if err != nil {
			return 0, fmt.Errorf("importer: hash edge %s: %w", path, err)
		}

		if existingHash, seen := byStableIDHash[edge.StableID]; seen {
			if existingHash == contentHash {
				if cctx.Metrics != nil {
					cctx.Metrics.ImporterEdgeSkippedIdempotent(ctx)
				}
				if err := cctx.recordLog(ctx, "edge", edge.StableID, contentHash, "skipped_idempotent", nil); err != nil {
					return 0, err
				}
				continue
			}
			if cctx.Metrics != nil {
				cctx.Metrics.ImporterEdgeCollision(ctx)
			}
			return 0, &EdgeCollisionError{StableID: edge.StableID}
		}

		byStableID[edge.StableID] = edge
		byStableIDHash[edge.StableID] = contentHash
	}

	ordered := make([]Edge, 0, len(byStableID))
	for _, e := range byStableID {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StableID < ordered[j].StableID })

	for _, edge := range ordered {
		key := edgeIdempotencyKey(cctx.CampaignID, edge.StableID)
		_, reused, err := cctx.Coordinator.AppendDetailed(ctx, cctx.CampaignID, nil, "seed.edge_created", toMap(edge), appendcoord.Provenance{IdempotencyKey: &key})
		if err != nil {
			return 0, fmt.Errorf("importer: emit seed.edge_created for %s: %w", edge.StableID, err)
		}
		action := ledger.ActionCreated
		if reused {
			action = ledger.ActionSkippedIdempotent
			if cctx.Metrics != nil {
				cctx.Metrics.ImporterEdgeSkippedIdempotent(ctx)
			}
		} else if cctx.Metrics != nil {
			cctx.Metrics.ImporterEdgeIngested(ctx)
		}
		if err := cctx.recordLog(ctx, "edge", edge.StableID, byStableIDHash[edge.StableID], action, nil); err != nil {
			return 0, err
		}
		cctx.addComponent("edge", edge.StableID, byStableIDHash[edge.StableID])
	}

	return len(byStableID), nil
}
