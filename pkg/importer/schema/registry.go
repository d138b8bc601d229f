// Package schema compiles and validates the JSON-Schema documents that
// govern every importer phase: manifest, entity, edge, tag, and
// affordance. Grounded on the teacher's direct dependency on
// santhosh-tekuri/jsonschema/v5.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Name identifies one of the fixed schema documents the importer
// validates against.
type Name string

const (
	Manifest   Name = "manifest.v1"
	Entity     Name = "entity.v1"
	Edge       Name = "edge.v1"
	Tag        Name = "tag.v1"
	Affordance Name = "affordance.v1"
)

// Registry holds one compiled *jsonschema.Schema per Name.
type Registry struct {
	compiled map[Name]*jsonschema.Schema
}

// NewRegistry compiles every built-in schema document. A compile failure
// here indicates a bug in the embedded schema text, not bad input, so it
// is treated as a fatal construction error.
func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	docs := map[Name]string{
		Manifest:   manifestSchemaJSON,
		Entity:     entitySchemaJSON,
		Edge:       edgeSchemaJSON,
		Tag:        tagSchemaJSON,
		Affordance: affordanceSchemaJSON,
	}

	for name, doc := range docs {
		url := string(name) + ".json"
		if err := compiler.AddResource(url, bytes.NewReader([]byte(doc))); err != nil {
			return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
		}
	}

	r := &Registry{compiled: make(map[Name]*jsonschema.Schema, len(docs))}
	for name := range docs {
		url := string(name) + ".json"
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", name, err)
		}
		r.compiled[name] = compiled
	}
	return r, nil
}

// Validate checks value (any JSON-marshalable Go value) against the
// named schema, returning a descriptive error on the first violation.
func (r *Registry) Validate(name Name, value interface{}) error {
	schema, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("schema: unknown schema %s", name)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("schema: marshal value for validation: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("schema: decode value for validation: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("schema: %s validation failed: %w", name, err)
	}
	return nil
}

const manifestSchemaJSON = `{
	"type": "object",
	"required": ["package_id", "schema_version", "engine_contract_range", "content_index", "ruleset_version"],
	"properties": {
		"package_id": {"type": "string", "pattern": "^[0-9A-HJKMNP-TV-Z]{26}$"},
		"schema_version": {"type": "integer", "minimum": 1},
		"engine_contract_range": {"type": "string", "minLength": 1},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"content_index": {"type": "object", "additionalProperties": {"type": "string"}},
		"ruleset_version": {"type": "string", "minLength": 1},
		"recommended_flags": {"type": "object"},
		"signatures": {"type": "array", "items": {"type": "string"}}
	}
}`

const entitySchemaJSON = `{
	"type": "object",
	"required": ["stable_id", "kind", "name", "tags", "affordances"],
	"properties": {
		"stable_id": {"type": "string", "pattern": "^[0-9A-HJKMNP-TV-Z]{26}$"},
		"kind": {"type": "string", "enum": ["npc", "location", "item", "faction", "vehicle", "hazard"]},
		"name": {"type": "string", "minLength": 1},
		"tags": {"type": "array", "items": {"type": "string"}},
		"affordances": {"type": "array", "items": {"type": "string"}}
	}
}`

const edgeSchemaJSON = `{
	"type": "object",
	"required": ["stable_id", "type", "src_ref", "dst_ref", "attributes"],
	"properties": {
		"stable_id": {"type": "string", "pattern": "^[0-9A-HJKMNP-TV-Z]{26}$"},
		"type": {"type": "string", "enum": ["located_in", "owned_by", "allied_with", "hostile_to", "contains", "leads_to"]},
		"src_ref": {"type": "string"},
		"dst_ref": {"type": "string"},
		"attributes": {"type": "object"},
		"validity": {
			"type": "object",
			"properties": {
				"start_event_id": {"type": "integer"},
				"end_event_id": {"type": "integer"}
			}
		}
	}
}`

const tagSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["stable_id", "slug"],
	"properties": {
		"stable_id": {"type": "string"},
		"slug": {"type": "string", "pattern": "^[a-z0-9]+(?:[.-][a-z0-9]+)*$"},
		"synonyms": {"type": "array", "items": {"type": "string"}}
	}
}`

const affordanceSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["stable_id", "slug"],
	"properties": {
		"stable_id": {"type": "string"},
		"slug": {"type": "string", "pattern": "^[a-z0-9]+(?:[.-][a-z0-9]+)*$"},
		"synonyms": {"type": "array", "items": {"type": "string"}}
	}
}`
