package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/importer/schema"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

// OntologyEntry mirrors one tag or affordance definition under
// ontologies/ (spec §4.6d).
type OntologyEntry struct {
	StableID string   `json:"stable_id"`
	Slug     string   `json:"slug"`
	Synonyms []string `json:"synonyms,omitempty"`
}

const (
	ontologyCategoryTag        = "tag"
	ontologyCategoryAffordance = "affordance"
)

// runOntologyPhase implements spec §4.6d: every file under
// ontologies/tags/ is validated against tag.v1, every file under
// ontologies/affordances/ against affordance.v1. Slugs and synonyms are
// only lowercased and trimmed before comparison; separators are not
// rewritten, so a slug that is not already in kebab/dotted form (e.g. one
// containing spaces or underscores) fails the schemas' slug pattern.
func runOntologyPhase(ctx context.Context, cctx *Context, rootDir string, registry *schema.Registry) (tagCount, affordanceCount int, err error) {
	if err := cctx.requireFeature("ontology", nil); err != nil {
		return 0, 0, err
	}

	tagCount, err = runOntologyCategory(ctx, cctx, rootDir, registry, ontologyCategoryTag, "tags", schema.Tag, "seed.tag_registered")
	if err != nil {
		return 0, 0, err
	}
	affordanceCount, err = runOntologyCategory(ctx, cctx, rootDir, registry, ontologyCategoryAffordance, "affordances", schema.Affordance, "seed.affordance_registered")
	if err != nil {
		return 0, 0, err
	}
	return tagCount, affordanceCount, nil
}

func runOntologyCategory(ctx context.Context, cctx *Context, rootDir string, registry *schema.Registry, category, subdir string, schemaName schema.Name, eventType string) (int, error) {
	dir := filepath.Join(rootDir, "ontologies", subdir)
	paths, err := sortedJSONFiles(dir)
	if err != nil {
		return 0, fmt.Errorf("importer: list %s files: %w", category, err)
	}

	byStableID := make(map[string]OntologyEntry)
	byStableIDHash := make(map[string]string)

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("read %s file %s: %v", category, path, err)}
		}
		var entry OntologyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("parse %s file %s: %v", category, path, err)}
		}

		entry.Slug = normalizeSlug(entry.Slug)
		synonyms := make([]string, 0, len(entry.Synonyms))
		seen := make(map[string]bool, len(entry.Synonyms))
		for _, syn := range entry.Synonyms {
			norm := normalizeSlug(syn)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			synonyms = append(synonyms, norm)
		}
		sort.Strings(synonyms)
		entry.Synonyms = synonyms

		if err := registry.Validate(schemaName, entry); err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("%s %s schema: %v", category, path, err)}
		}

		contentHash, err := canonicalHashHex(entry)
		if err != nil {
			return 0, fmt.Errorf("importer: hash %s %s: %w", category, path, err)
		}

		if cctx.Metrics != nil {
			if category == ontologyCategoryTag {
				cctx.Metrics.ImporterTagParsed(ctx)
			} else {
				cctx.Metrics.ImporterAffordanceParsed(ctx)
			}
		}

		if existingHash, ok := byStableIDHash[entry.StableID]; ok {
			if existingHash == contentHash {
				if cctx.Metrics != nil && category == ontologyCategoryTag {
					cctx.Metrics.ImporterTagSkippedIdempotent(ctx)
				}
				if err := cctx.recordLog(ctx, category, entry.StableID, contentHash, "skipped_idempotent", nil); err != nil {
					return 0, err
				}
				continue
			}
			return 0, &OntologyConflictError{ID: entry.StableID}
		}

		byStableID[entry.StableID] = entry
		byStableIDHash[entry.StableID] = contentHash
	}

	ordered := make([]OntologyEntry, 0, len(byStableID))
	for _, e := range byStableID {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StableID < ordered[j].StableID })

	for _, entry := range ordered {
		key := ontologyIdempotencyKey(cctx.CampaignID, category, entry.StableID)
		_, reused, err := cctx.Coordinator.AppendDetailed(ctx, cctx.CampaignID, nil, eventType, toMap(entry), appendcoord.Provenance{IdempotencyKey: &key})
		if err != nil {
			return 0, fmt.Errorf("importer: emit %s for %s: %w", eventType, entry.StableID, err)
		}
		action := ledger.ActionCreated
		if reused {
			action = ledger.ActionSkippedIdempotent
			if cctx.Metrics != nil && category == ontologyCategoryTag {
				cctx.Metrics.ImporterTagSkippedIdempotent(ctx)
			}
		} else if cctx.Metrics != nil {
			if category == ontologyCategoryTag {
				cctx.Metrics.ImporterTagRegistered(ctx)
			} else {
				cctx.Metrics.ImporterAffordanceRegistered(ctx)
			}
		}
		if err := cctx.recordLog(ctx, category, entry.StableID, byStableIDHash[entry.StableID], action, nil); err != nil {
			return 0, err
		}
		cctx.addComponent(category, entry.StableID, byStableIDHash[entry.StableID])
	}

	return len(byStableID), nil
}

// normalizeSlug lowercases and trims a slug. It does not rewrite other
// characters into the dotted/kebab form tag.v1 and affordance.v1 enforce.
func normalizeSlug(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
