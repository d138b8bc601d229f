package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/canonical"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/importer/lore"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
)

var (
	loreChunkIDPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]*[A-Z0-9]$`)
	loreTagPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z0-9_-]+$`)
)

var loreAudiences = map[string]bool{
	"Player":  true,
	"GM-Only": true,
	"Teen":    true,
	"Adult":   true,
}

// LoreChunk is one persisted, hashed unit produced by the lore phase.
type LoreChunk struct {
	ChunkID       string   `json:"chunk_id"`
	Title         string   `json:"title"`
	Audience      string   `json:"audience"`
	Tags          []string `json:"tags"`
	Content       string   `json:"content"`
	ChunkIndex    int      `json:"chunk_index"`
	EmbeddingHint string   `json:"embedding_hint,omitempty"`
}

// runLorePhase implements spec §4.6e: Markdown files under lore/ are
// parsed for YAML front matter, their body NFC-normalized and split via
// pkg/importer/lore, then each resulting chunk is hashed and emitted as
// seed.content_chunk_ingested.
func runLorePhase(ctx context.Context, cctx *Context, rootDir string) (int, error) {
	if err := cctx.requireFeature("lore", nil); err != nil {
		return 0, err
	}

	dir := filepath.Join(rootDir, "lore")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("importer: list lore files: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	byChunkID := make(map[string]LoreChunk)
	byChunkIDHash := make(map[string]string)
	var orderedIDs []string

	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("read lore file %s: %v", path, err)}
		}
		fm, body, err := lore.ParseFrontMatter(raw)
		if err != nil {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("lore file %s: %v", path, err)}
		}
		if !loreChunkIDPattern.MatchString(fm.ChunkID) {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("lore file %s: chunk_id %q invalid", path, fm.ChunkID)}
		}
		if !loreAudiences[fm.Audience] {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("lore file %s: audience %q invalid", path, fm.Audience)}
		}
		for _, tag := range fm.Tags {
			if !loreTagPattern.MatchString(tag) {
				return 0, &ManifestValidationError{Reason: fmt.Sprintf("lore file %s: tag %q invalid", path, tag)}
			}
		}
		if len(fm.EmbeddingHint) > 128 {
			return 0, &ManifestValidationError{Reason: fmt.Sprintf("lore file %s: embedding_hint exceeds 128 chars", path)}
		}

		normalizedBody := norm.NFC.String(body)
		sections := lore.Split(normalizedBody, lore.DefaultBudgetChars, lore.DefaultMinChunkChars)

		sortedTags := append([]string(nil), fm.Tags...)
		sort.Strings(sortedTags)

		for idx, content := range sections {
			chunkID := fmt.Sprintf("%s-%03d", fm.ChunkID, idx)
			chunk := LoreChunk{
				ChunkID:    chunkID,
				Title:      fm.Title,
				Audience:   fm.Audience,
				Tags:       sortedTags,
				Content:    content,
				ChunkIndex: idx,
			}
			if cctx.Flags.EmbeddingsEnabled {
				chunk.EmbeddingHint = fm.EmbeddingHint
			}

			contentHash, err := loreChunkHash(chunk, cctx.Flags.EmbeddingsEnabled)
			if err != nil {
				return 0, fmt.Errorf("importer: hash lore chunk %s: %w", chunkID, err)
			}

			if existingHash, seen := byChunkIDHash[chunkID]; seen {
				if existingHash == contentHash {
					if cctx.Metrics != nil {
						cctx.Metrics.ImporterChunkSkippedIdempotent(ctx)
					}
					if err := cctx.recordLog(ctx, "lore", chunkID, contentHash, "skipped_idempotent", nil); err != nil {
						return 0, err
					}
					continue
				}
				if cctx.Metrics != nil {
					cctx.Metrics.ImporterLoreCollision(ctx)
				}
				return 0, &LoreCollisionError{ChunkID: chunkID}
			}

			byChunkID[chunkID] = chunk
			byChunkIDHash[chunkID] = contentHash
			orderedIDs = append(orderedIDs, chunkID)
		}
	}

	sort.Strings(orderedIDs)
	for _, chunkID := range orderedIDs {
		chunk := byChunkID[chunkID]
		key := loreIdempotencyKey(cctx.CampaignID, chunkID)
		_, reused, err := cctx.Coordinator.AppendDetailed(ctx, cctx.CampaignID, nil, "seed.content_chunk_ingested", toMap(chunk), appendcoord.Provenance{IdempotencyKey: &key})
		if err != nil {
			return 0, fmt.Errorf("importer: emit seed.content_chunk_ingested for %s: %w", chunkID, err)
		}
		action := ledger.ActionCreated
		if reused {
			action = ledger.ActionSkippedIdempotent
			if cctx.Metrics != nil {
				cctx.Metrics.ImporterChunkSkippedIdempotent(ctx)
			}
		} else if cctx.Metrics != nil {
			cctx.Metrics.ImporterChunkIngested(ctx)
		}
		if err := cctx.recordLog(ctx, "lore", chunkID, byChunkIDHash[chunkID], action, nil); err != nil {
			return 0, err
		}
		cctx.addComponent("lore", chunkID, byChunkIDHash[chunkID])
	}

	return len(byChunkID), nil
}

// loreChunkHash computes the content_hash over {chunk_id, title, audience,
// tags, content, chunk_index}, adding embedding_hint only when the
// embeddings feature flag was enabled at ingestion time (spec §4.6e, §9
// open question on retroactive hash stability).
func loreChunkHash(chunk LoreChunk, embeddingsEnabled bool) (string, error) {
	payload := map[string]interface{}{
		"chunk_id":    chunk.ChunkID,
		"title":       chunk.Title,
		"audience":    chunk.Audience,
		"tags":        chunk.Tags,
		"content":     chunk.Content,
		"chunk_index": chunk.ChunkIndex,
	}
	if embeddingsEnabled {
		payload["embedding_hint"] = chunk.EmbeddingHint
	}
	b, err := canonical.Encode(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
