package importer

import "fmt"

// ManifestValidationError covers every way the manifest phase can fail:
// schema violations, content-index hash mismatches, missing files, and
// path-traversal attempts (spec §4.6a).
type ManifestValidationError struct {
	Reason string
}

func (e *ManifestValidationError) Error() string {
	return fmt.Sprintf("importer: manifest validation failed: %s", e.Reason)
}

// SecurityViolationError is raised immediately, without further phase
// processing, whenever a resolved content path escapes the package root.
type SecurityViolationError struct {
	Path string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("importer: security violation: path %q escapes package root", e.Path)
}

// EntityCollisionError fires when two entities share a stable_id with
// differing canonical content (spec §4.6b).
type EntityCollisionError struct {
	StableID string
}

func (e *EntityCollisionError) Error() string {
	return fmt.Sprintf("importer: entity collision for stable_id %s", e.StableID)
}

// EdgeCollisionError mirrors EntityCollisionError for the edge phase.
type EdgeCollisionError struct {
	StableID string
}

func (e *EdgeCollisionError) Error() string {
	return fmt.Sprintf("importer: edge collision for stable_id %s", e.StableID)
}

// OntologyConflictError fires when two tag/affordance definitions share
// an id with different canonical forms (spec §4.6d).
type OntologyConflictError struct {
	ID string
}

func (e *OntologyConflictError) Error() string {
	return fmt.Sprintf("importer: ontology conflict for id %s", e.ID)
}

// LoreCollisionError fires when two lore chunks share a chunk_id with
// differing content (spec §4.6e).
type LoreCollisionError struct {
	ChunkID string
}

func (e *LoreCollisionError) Error() string {
	return fmt.Sprintf("importer: lore chunk collision for chunk_id %s", e.ChunkID)
}

// ImporterError is the generic phase-level wrapper for sequence gaps,
// feature-flag refusals, and other failures that don't fit a more
// specific type (spec §7).
type ImporterError struct {
	Phase  string
	Reason string
}

func (e *ImporterError) Error() string {
	return fmt.Sprintf("importer: phase %s: %s", e.Phase, e.Reason)
}
