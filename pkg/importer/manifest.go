package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/appendcoord"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/hashing"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/importer/schema"
	"github.com/crashtestbrandt/adventorator-ledger/pkg/ledger"
	"github.com/oklog/ulid"
)

// Manifest mirrors the external, hashed package manifest (spec §3).
type Manifest struct {
	PackageID           string            `json:"package_id"`
	SchemaVersion        int               `json:"schema_version"`
	EngineContractRange  string            `json:"engine_contract_range"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	ContentIndex         map[string]string `json:"content_index"`
	RulesetVersion       string            `json:"ruleset_version"`
	RecommendedFlags     map[string]bool   `json:"recommended_flags,omitempty"`
	Signatures           []string          `json:"signatures,omitempty"`
}

var ulidPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// ManifestResult carries the loaded manifest and its canonical hash,
// used by later phases to stamp provenance.
type ManifestResult struct {
	Manifest     Manifest
	ManifestHash [32]byte
}

// runManifestPhase implements spec §4.6(a): parse, schema-validate,
// recompute every content_index hash, reject path traversal, compute the
// manifest hash, and emit seed.manifest.validated.
func runManifestPhase(ctx context.Context, cctx *Context, rootDir string, registry *schema.Registry) (*ManifestResult, error) {
	if err := cctx.requireFeature("manifest", nil); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(rootDir, "package.manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestValidationError{Reason: fmt.Sprintf("read manifest: %v", err)}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ManifestValidationError{Reason: fmt.Sprintf("parse manifest json: %v", err)}
	}

	if err := registry.Validate(schema.Manifest, m); err != nil {
		return nil, &ManifestValidationError{Reason: err.Error()}
	}
	if !ulidPattern.MatchString(m.PackageID) {
		return nil, &ManifestValidationError{Reason: fmt.Sprintf("package_id %q is not ULID-shaped", m.PackageID)}
	}
	if _, err := ulid.Parse(m.PackageID); err != nil {
		return nil, &ManifestValidationError{Reason: fmt.Sprintf("package_id %q failed ULID parse: %v", m.PackageID, err)}
	}
	if _, err := semver.NewConstraint(m.EngineContractRange); err != nil {
		return nil, &ManifestValidationError{Reason: fmt.Sprintf("engine_contract_range %q is not a valid constraint: %v", m.EngineContractRange, err)}
	}

	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("importer: resolve package root: %w", err)
	}

	for relPath, expectedHex := range m.ContentIndex {
		resolved, err := resolveWithinRoot(absRoot, relPath)
		if err != nil {
			return nil, err
		}
		actual, err := hashFile(resolved)
		if err != nil {
			return nil, &ManifestValidationError{Reason: fmt.Sprintf("content_index entry %q: %v", relPath, err)}
		}
		if !strings.EqualFold(actual, expectedHex) {
			return nil, &ManifestValidationError{Reason: fmt.Sprintf("content_index hash mismatch for %q: expected %s, got %s", relPath, expectedHex, actual)}
		}
	}

	manifestHash, err := computeManifestHash(m)
	if err != nil {
		return nil, fmt.Errorf("importer: compute manifest hash: %w", err)
	}

	key := manifestIdempotencyKey(cctx.CampaignID, m.PackageID)
	prov := appendcoord.Provenance{IdempotencyKey: &key}
	_, reused, err := cctx.Coordinator.AppendDetailed(ctx, cctx.CampaignID, nil, "seed.manifest.validated", toMap(m), prov)
	if err != nil {
		return nil, fmt.Errorf("importer: emit seed.manifest.validated: %w", err)
	}

	action := ledger.ActionValidated
	if reused {
		action = ledger.ActionSkippedIdempotent
	}
	if err := cctx.recordLog(ctx, "manifest", m.PackageID, hex.EncodeToString(manifestHash[:]), action, map[string]interface{}{
		"package_id":    m.PackageID,
		"manifest_hash": hex.EncodeToString(manifestHash[:]),
	}); err != nil {
		return nil, err
	}
	cctx.addComponent("manifest", m.PackageID, hex.EncodeToString(manifestHash[:]))

	return &ManifestResult{Manifest: m, ManifestHash: manifestHash}, nil
}

// resolveWithinRoot joins root and relPath and rejects any result that
// escapes root, including via ".." segments or symlinks (spec §6's
// "any resolved path escaping the root is a fatal security violation").
func resolveWithinRoot(absRoot, relPath string) (string, error) {
	joined := filepath.Join(absRoot, relPath)
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		// File may not exist yet when only checking shape; fall back to
		// the lexically-cleaned join so a missing-file error can surface
		// from the caller's subsequent os.ReadFile instead of masking it
		// here as a security violation.
		resolved = joined
	}
	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || strings.HasPrefix(rel, "..") || rel == ".." {
		return "", &SecurityViolationError{Path: relPath}
	}
	return resolved, nil
}

func hashFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// computeManifestHash is the canonical hash of the manifest object after
// null elision and NFC normalization (spec §3).
func computeManifestHash(m Manifest) ([32]byte, error) {
	h, err := hashing.HashPayload(toMap(m))
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(h), nil
}

// toMap round-trips v through encoding/json so canonical.Encode sees a
// plain map[string]interface{} rather than a struct, matching how
// payloads arrive after being read back from storage.
func toMap(v interface{}) map[string]interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}
