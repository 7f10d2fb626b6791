package store

import (
	"encoding/json"
	"strings"
	"time"

	"worldplane.dev/internal/geo"
)

// Object is one versioned spatial fact. Payload stays schema-less; only the
// indexed subset (type, position, bounds) is typed.
type Object struct {
	ID         string
	Kind       string
	ObjectType string
	Version    uint64
	Position   *geo.Vec3
	Bounds     *geo.Bounds
	Payload    json.RawMessage

	UpdatedAt time.Time
	UpdatedBy string

	// Tombstone state. A deleted object keeps its row until the retention
	// window passes so late subscribers still observe the deletion.
	Deleted   bool
	DeletedAt time.Time

	// ExpiresAt is set for ephemeral kinds only.
	ExpiresAt time.Time
}

// Anchor is the position queries index the object by: its own position, or
// the bounds center when only bounds are set.
func (o *Object) Anchor() (geo.Vec3, bool) {
	if o.Position != nil {
		return *o.Position, true
	}
	if o.Bounds != nil {
		return o.Bounds.Center(), true
	}
	return geo.Vec3{}, false
}

func (o *Object) expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Doc wraps a schema-less payload behind property lookup, so affordance tests
// never poke at raw JSON themselves. Lookup paths use dots ("cover.height").
type Doc struct {
	fields map[string]any
}

func ParseDoc(raw json.RawMessage) Doc {
	var d Doc
	if len(raw) == 0 {
		return d
	}
	_ = json.Unmarshal(raw, &d.fields)
	return d
}

func (d Doc) Lookup(path string) (any, bool) {
	if d.fields == nil || path == "" {
		return nil, false
	}
	cur := any(d.fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (d Doc) Num(path string) (float64, bool) {
	v, ok := d.Lookup(path)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (d Doc) Str(path string) (string, bool) {
	v, ok := d.Lookup(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (d Doc) Bool(path string) (bool, bool) {
	v, ok := d.Lookup(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
