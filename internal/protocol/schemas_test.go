package protocol

import (
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	valid := func(s *jsonschema.Schema, raw string) {
		t.Helper()
		if err := ValidateJSON(s, []byte(raw)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}
	invalid := func(s *jsonschema.Schema, raw string) {
		t.Helper()
		if err := ValidateJSON(s, []byte(raw)); err == nil {
			t.Fatalf("expected validation failure for %s", raw)
		}
	}

	valid(CreateChannelSchema, `{
	  "region_id": "R1",
	  "kind": "hazards",
	  "holder_id": "sim-7",
	  "policy": "reject_and_alert"
	}`)
	invalid(CreateChannelSchema, `{"region_id":"R1","kind":"hazards"}`)
	invalid(CreateChannelSchema, `{"region_id":"R1","kind":"hazards","holder_id":"a","policy":"nope"}`)

	valid(PublishSchema, `{
	  "region_id": "R1",
	  "kind": "hazards",
	  "token": "tok",
	  "changes": [
	    {"object_id": "O1", "object_type": "fire", "version": 3,
	     "position": {"x": 10, "y": 0, "z": 10},
	     "payload": {"intensity": 0.8}}
	  ]
	}`)
	invalid(PublishSchema, `{"region_id":"R1","kind":"hazards","token":"tok","changes":[]}`)
	invalid(PublishSchema, `{"region_id":"R1","kind":"hazards","token":"tok","changes":[{"object_id":"O1","version":0}]}`)

	valid(QueryPointSchema, `{"region_id":"R1","position":{"x":1,"y":0,"z":2},"radius":5}`)
	invalid(QueryPointSchema, `{"region_id":"R1","position":{"x":1,"y":0}}`)

	valid(QueryBoundsSchema, `{
	  "region_id": "R1",
	  "bounds": {"min": {"x":0,"y":0,"z":0}, "max": {"x":10,"y":5,"z":10}},
	  "max_objects": 5
	}`)
	invalid(QueryBoundsSchema, `{"region_id":"R1","bounds":{"min":{"x":0,"y":0,"z":0},"max":{"x":1,"y":1,"z":1}},"max_objects":0}`)

	valid(QueryTypeSchema, `{"region_id":"R1","object_type":"boulder_cluster"}`)

	valid(AffordanceQuerySchema, `{
	  "region_id": "R1",
	  "affordance_type": "ambush",
	  "capabilities": {"size_class": "large", "stealth_rating": 0.4},
	  "freshness": "cached",
	  "min_score": 0.2,
	  "max_results": 10
	}`)
	invalid(AffordanceQuerySchema, `{"region_id":"R1","freshness":"eventually"}`)
	invalid(AffordanceQuerySchema, `{"region_id":"R1","min_score":1.5}`)

	valid(BatchSchema, `{"type":"BATCH","changes":[{"object_id":"O1","version":1}]}`)
	invalid(BatchSchema, `{"type":"BATCH","changes":[]}`)
}
