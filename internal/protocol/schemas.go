package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request bodies are validated against these schemas before any handler
// logic runs; malformed requests never touch storage. The fragments below
// are spliced textually, so they carry no $refs of their own.

const vec3Schema = `{
  "type": "object",
  "required": ["x", "y", "z"],
  "properties": {"x": {"type": "number"}, "y": {"type": "number"}, "z": {"type": "number"}}
}`

const boundsSchema = `{
  "type": "object",
  "required": ["min", "max"],
  "properties": {"min": ` + vec3Schema + `, "max": ` + vec3Schema + `}
}`

const changeSchema = `{
  "type": "object",
  "required": ["object_id", "version"],
  "properties": {
    "object_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "object_type": {"type": "string", "maxLength": 64},
    "version": {"type": "integer", "minimum": 1},
    "position": ` + vec3Schema + `,
    "bounds": ` + boundsSchema + `,
    "payload": {"type": "object"},
    "delete": {"type": "boolean"}
  }
}`

const createChannelSchema = `{
  "type": "object",
  "required": ["region_id", "kind", "holder_id"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "kind": {"type": "string", "minLength": 1, "maxLength": 64},
    "holder_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "policy": {"enum": ["reject_and_alert", "accept_and_alert", "reject_silent"]},
    "initial_snapshot": {"type": "array", "items": ` + changeSchema + `}
  }
}`

const publishSchema = `{
  "type": "object",
  "required": ["region_id", "kind", "token", "changes"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "token": {"type": "string", "minLength": 1},
    "changes": {"type": "array", "minItems": 1, "items": ` + changeSchema + `}
  }
}`

const queryPointSchema = `{
  "type": "object",
  "required": ["region_id", "position"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "position": ` + vec3Schema + `,
    "radius": {"type": "number", "minimum": 0},
    "kinds": {"type": "array", "items": {"type": "string"}}
  }
}`

const queryBoundsSchema = `{
  "type": "object",
  "required": ["region_id", "bounds"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "bounds": ` + boundsSchema + `,
    "kinds": {"type": "array", "items": {"type": "string"}},
    "max_objects": {"type": "integer", "minimum": 1}
  }
}`

const queryTypeSchema = `{
  "type": "object",
  "required": ["region_id", "object_type"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "object_type": {"type": "string", "minLength": 1},
    "bounds": ` + boundsSchema + `
  }
}`

const affordanceQuerySchema = `{
  "type": "object",
  "required": ["region_id"],
  "properties": {
    "region_id": {"type": "string", "minLength": 1},
    "affordance_type": {"type": "string"},
    "definition": {"type": "object"},
    "bounds": ` + boundsSchema + `,
    "capabilities": {
      "type": "object",
      "properties": {
        "size_class": {"enum": ["small", "medium", "large"]},
        "height": {"type": "number", "minimum": 0},
        "movement_modes": {"type": "array", "items": {"type": "string"}},
        "perception_range": {"type": "number", "minimum": 0},
        "stealth_rating": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "freshness": {"enum": ["fresh", "cached", "aggressive_cache"]},
    "max_age_seconds": {"type": "integer", "minimum": 0},
    "min_score": {"type": "number", "minimum": 0, "maximum": 1},
    "max_results": {"type": "integer", "minimum": 1}
  }
}`

const batchSchema = `{
  "type": "object",
  "required": ["type", "changes"],
  "properties": {
    "type": {"const": "BATCH"},
    "changes": {"type": "array", "minItems": 1, "items": ` + changeSchema + `}
  }
}`

var (
	CreateChannelSchema   = mustCompile("create_channel.json", createChannelSchema)
	PublishSchema         = mustCompile("publish.json", publishSchema)
	QueryPointSchema      = mustCompile("query_point.json", queryPointSchema)
	QueryBoundsSchema     = mustCompile("query_bounds.json", queryBoundsSchema)
	QueryTypeSchema       = mustCompile("query_type.json", queryTypeSchema)
	AffordanceQuerySchema = mustCompile("affordance_query.json", affordanceQuerySchema)
	BatchSchema           = mustCompile("batch.json", batchSchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// ValidateJSON checks raw bytes against a schema. The extra decode is the
// price of schema validation on arbitrary documents; request bodies are small.
func ValidateJSON(s *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return s.Validate(v)
}
