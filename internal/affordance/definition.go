// Package affordance ranks candidate locations for an action: generate
// candidates, test each against ordered criteria, combine scores, select.
// Definitions come from the YAML catalog or inline with a query.
package affordance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"worldplane.dev/internal/geo"
)

// Generator kinds.
const (
	GenObjects  = "objects"
	GenGrid     = "grid"
	GenRing     = "ring"
	GenExplicit = "explicit"
)

// Test types.
const (
	TestDistance     = "distance"
	TestProperty     = "property"
	TestSightline    = "sightline"
	TestReachability = "reachability"
)

// Score modes. gate_only keeps required tests out of the weighted aggregate;
// contribute folds them in like any other test.
const (
	ScoreGateOnly   = "gate_only"
	ScoreContribute = "contribute"
)

type Definition struct {
	Name      string     `yaml:"name" json:"name"`
	Generator Generator  `yaml:"generator" json:"generator"`
	Tests     []TestSpec `yaml:"tests" json:"tests"`
	// ScoreMode overrides the engine default for this definition only.
	ScoreMode string `yaml:"score_mode,omitempty" json:"score_mode,omitempty"`
}

type Generator struct {
	Kind string `yaml:"kind" json:"kind"`

	// objects
	ObjectTypes []string `yaml:"object_types,omitempty" json:"object_types,omitempty"`

	// grid
	Spacing float64 `yaml:"spacing,omitempty" json:"spacing,omitempty"`

	// ring
	Center         *geo.Vec3 `yaml:"center,omitempty" json:"center,omitempty"`
	Rings          int       `yaml:"rings,omitempty" json:"rings,omitempty"`
	RingStep       float64   `yaml:"ring_step,omitempty" json:"ring_step,omitempty"`
	SamplesPerRing int       `yaml:"samples_per_ring,omitempty" json:"samples_per_ring,omitempty"`

	// explicit
	Points []geo.Vec3 `yaml:"points,omitempty" json:"points,omitempty"`
}

// TestSpec is one criterion. Weight and Required/Threshold drive scoring;
// the remaining fields parameterize the test type, and some are rescaled by
// the actor's capability profile before evaluation.
type TestSpec struct {
	Name      string  `yaml:"name" json:"name"`
	Type      string  `yaml:"type" json:"type"`
	Weight    float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
	Required  bool    `yaml:"required,omitempty" json:"required,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// distance, sightline: what to measure against.
	TargetTypes []string `yaml:"target_types,omitempty" json:"target_types,omitempty"`

	// distance: full score at Ideal or closer, falling to zero at MaxDist.
	Ideal   float64 `yaml:"ideal,omitempty" json:"ideal,omitempty"`
	MaxDist float64 `yaml:"max_dist,omitempty" json:"max_dist,omitempty"`
	// UsePerception widens MaxDist to the actor's perception range.
	UsePerception bool `yaml:"use_perception,omitempty" json:"use_perception,omitempty"`

	// property: payload lookup on the candidate's source object.
	Path   string   `yaml:"path,omitempty" json:"path,omitempty"`
	Min    *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Equals string   `yaml:"equals,omitempty" json:"equals,omitempty"`
	// ScaleWithSize raises Min for bigger actors, so e.g. qualifying cover
	// must be taller for a large body than a medium one.
	ScaleWithSize bool `yaml:"scale_with_size,omitempty" json:"scale_with_size,omitempty"`

	// sightline: obstruction proxy along candidate -> nearest target.
	BlockerTypes []string `yaml:"blocker_types,omitempty" json:"blocker_types,omitempty"`
	// Invert rewards obstruction (concealment) instead of clearance.
	Invert bool `yaml:"invert,omitempty" json:"invert,omitempty"`

	// reachability: climb height tolerated without a movement mode.
	MaxClimb float64 `yaml:"max_climb,omitempty" json:"max_climb,omitempty"`
}

func (d *Definition) Validate() error {
	switch d.Generator.Kind {
	case GenObjects:
		if len(d.Generator.ObjectTypes) == 0 {
			return fmt.Errorf("generator objects: object_types required")
		}
	case GenGrid, GenRing:
	case GenExplicit:
		if len(d.Generator.Points) == 0 {
			return fmt.Errorf("generator explicit: points required")
		}
	default:
		return fmt.Errorf("unknown generator kind %q", d.Generator.Kind)
	}
	if len(d.Tests) == 0 {
		return fmt.Errorf("at least one test required")
	}
	for i, t := range d.Tests {
		switch t.Type {
		case TestDistance:
			if len(t.TargetTypes) == 0 {
				return fmt.Errorf("test %d (%s): target_types required", i, t.Name)
			}
		case TestProperty:
			if t.Path == "" {
				return fmt.Errorf("test %d (%s): path required", i, t.Name)
			}
		case TestSightline, TestReachability:
		default:
			return fmt.Errorf("test %d (%s): unknown type %q", i, t.Name, t.Type)
		}
		if t.Weight < 0 {
			return fmt.Errorf("test %d (%s): negative weight", i, t.Name)
		}
		if t.Threshold < 0 || t.Threshold > 1 {
			return fmt.Errorf("test %d (%s): threshold outside [0,1]", i, t.Name)
		}
	}
	switch d.ScoreMode {
	case "", ScoreGateOnly, ScoreContribute:
	default:
		return fmt.Errorf("unknown score_mode %q", d.ScoreMode)
	}
	return nil
}

// Digest identifies a definition's content, for cache keys and the catalog
// listing.
func (d *Definition) Digest() string {
	raw, _ := json.Marshal(d)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// FromJSON parses an inline custom definition from a query body.
func FromJSON(raw json.RawMessage) (Definition, error) {
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("definition: %w", err)
	}
	if d.Name == "" {
		d.Name = "custom"
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// FromYAML parses one catalog file.
func FromYAML(raw []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("definition: %w", err)
	}
	if d.Name == "" {
		return d, fmt.Errorf("definition: name required")
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
