package affordance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

func writeDef(t *testing.T, dir, file, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", file, err)
	}
}

const ambushYAML = `name: ambush
generator:
  kind: objects
  object_types: [boulder_cluster]
tests:
  - name: has_cover
    type: property
    path: cover.height
    min: 1.5
    scale_with_size: true
    required: true
    threshold: 0.1
  - name: near_trail
    type: distance
    target_types: [trail]
    ideal: 5
    max_dist: 60
    weight: 2
`

func testEngine(t *testing.T, cfg Config) (*Engine, *Catalog) {
	t.Helper()
	dir := t.TempDir()
	writeDef(t, dir, "ambush.yaml", ambushYAML)
	cat, err := NewCatalog(dir, 0, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(cat.Close)
	e := NewEngine(cfg, seedAmbushRegion(t), cat, nil)
	t.Cleanup(e.Close)
	return e, cat
}

func TestQueryByCatalogType(t *testing.T) {
	e, _ := testEngine(t, Config{})
	resp, rej := e.Query(context.Background(), protocol.AffordanceQueryReq{
		RegionID:       "R1",
		AffordanceType: "ambush",
		Bounds:         region(0, 0, 100, 100),
	})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if len(resp.Locations) != 2 {
		t.Fatalf("want 2 ranked spots, got %d", len(resp.Locations))
	}
	if resp.Metadata.Cache != "miss" || resp.Metadata.Epoch == 0 {
		t.Fatalf("bad metadata: %+v", resp.Metadata)
	}
}

func TestQueryUnknownTypeRejected(t *testing.T) {
	e, _ := testEngine(t, Config{})
	_, rej := e.Query(context.Background(), protocol.AffordanceQueryReq{RegionID: "R1", AffordanceType: "nope"})
	if rej == nil || rej.Code != protocol.ErrNotFound {
		t.Fatalf("want E_NOT_FOUND, got %+v", rej)
	}
}

func TestQueryInlineDefinition(t *testing.T) {
	e, _ := testEngine(t, Config{})
	def, _ := json.Marshal(Definition{
		Name:      "spots",
		Generator: Generator{Kind: GenExplicit, Points: []geo.Vec3{{X: 10, Z: 10}}},
		Tests:     []TestSpec{{Name: "near", Type: TestDistance, TargetTypes: []string{"trail"}, Ideal: 5, MaxDist: 60}},
	})
	resp, rej := e.Query(context.Background(), protocol.AffordanceQueryReq{
		RegionID: "R1", Definition: def, Bounds: region(0, 0, 100, 100),
	})
	if rej != nil || len(resp.Locations) != 1 {
		t.Fatalf("inline definition failed: %+v %+v", resp, rej)
	}
}

func TestCachedTierStableWithinMaxAge(t *testing.T) {
	e, _ := testEngine(t, Config{})
	req := protocol.AffordanceQueryReq{
		RegionID: "R1", AffordanceType: "ambush",
		Bounds: region(0, 0, 100, 100), Freshness: protocol.FreshnessCached, MaxAgeSeconds: 60,
	}
	first, rej := e.Query(context.Background(), req)
	if rej != nil {
		t.Fatalf("first: %+v", rej)
	}
	second, rej := e.Query(context.Background(), req)
	if rej != nil {
		t.Fatalf("second: %+v", rej)
	}
	if second.Metadata.Cache != "hit" {
		t.Fatalf("second query should hit, got %s", second.Metadata.Cache)
	}
	if len(first.Locations) != len(second.Locations) {
		t.Fatalf("identical queries must agree: %d vs %d", len(first.Locations), len(second.Locations))
	}
	for i := range first.Locations {
		if first.Locations[i].Score != second.Locations[i].Score {
			t.Fatalf("scores drifted at %d", i)
		}
	}
}

func TestCachedTierRecomputesOnEpochAdvance(t *testing.T) {
	e, _ := testEngine(t, Config{})
	req := protocol.AffordanceQueryReq{
		RegionID: "R1", AffordanceType: "ambush",
		Bounds: region(0, 0, 100, 100), Freshness: protocol.FreshnessCached, MaxAgeSeconds: 600,
	}
	e.Query(context.Background(), req)

	// Any applied write advances the region epoch and invalidates the entry.
	e.store.Put("R1", seedExtraBoulder())
	resp, _ := e.Query(context.Background(), req)
	if resp.Metadata.Cache != "miss" {
		t.Fatalf("epoch advance must force recompute, got %s", resp.Metadata.Cache)
	}
	if len(resp.Locations) != 3 {
		t.Fatalf("recompute should see the new boulder, got %d", len(resp.Locations))
	}
}

func TestAggressiveTierServesStaleAndRefreshes(t *testing.T) {
	e, _ := testEngine(t, Config{})
	req := protocol.AffordanceQueryReq{
		RegionID: "R1", AffordanceType: "ambush",
		Bounds: region(0, 0, 100, 100), Freshness: protocol.FreshnessAggressive, MaxAgeSeconds: 600,
	}
	first, _ := e.Query(context.Background(), req)
	if first.Metadata.Cache != "miss" {
		t.Fatalf("cold aggressive query computes: %s", first.Metadata.Cache)
	}

	e.store.Put("R1", seedExtraBoulder())

	stale, _ := e.Query(context.Background(), req)
	if stale.Metadata.Cache != "stale_hit" {
		t.Fatalf("aggressive query must serve the stale entry, got %s", stale.Metadata.Cache)
	}
	if len(stale.Locations) != 2 {
		t.Fatalf("stale entry predates the new boulder, got %d", len(stale.Locations))
	}

	// The background refresh lands the recomputed ranking.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, _ := e.Query(context.Background(), req)
		if resp.Metadata.Cache == "hit" && len(resp.Locations) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("refresh never landed: %+v", resp.Metadata)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFreshDeadlineYieldsPartial(t *testing.T) {
	e, _ := testEngine(t, Config{FreshDeadline: time.Nanosecond})
	resp, rej := e.Query(context.Background(), protocol.AffordanceQueryReq{
		RegionID: "R1", AffordanceType: "ambush", Bounds: region(0, 0, 100, 100),
	})
	if rej != nil {
		t.Fatalf("deadline must degrade, not fail: %+v", rej)
	}
	if !resp.Metadata.Partial {
		t.Fatalf("expired budget should mark the result partial")
	}
}

func TestPartialResultNeverServedFromCache(t *testing.T) {
	e, _ := testEngine(t, Config{FreshDeadline: time.Nanosecond})
	req := protocol.AffordanceQueryReq{
		RegionID: "R1", AffordanceType: "ambush", Bounds: region(0, 0, 100, 100),
	}
	fresh, rej := e.Query(context.Background(), req)
	if rej != nil {
		t.Fatalf("fresh query: %+v", rej)
	}
	if !fresh.Metadata.Partial {
		t.Fatalf("expired budget should mark the result partial")
	}

	// The truncated ranking must not have been cached; the cached tier
	// recomputes instead of presenting it as a complete hit.
	req.Freshness = protocol.FreshnessCached
	req.MaxAgeSeconds = 600
	cached, rej := e.Query(context.Background(), req)
	if rej != nil {
		t.Fatalf("cached query: %+v", rej)
	}
	if cached.Metadata.Cache != "miss" {
		t.Fatalf("cached tier served a truncated ranking: %s", cached.Metadata.Cache)
	}
	if cached.Metadata.Partial {
		t.Fatalf("recompute off the request context should complete")
	}
	if len(cached.Locations) != 2 {
		t.Fatalf("complete ranking expected, got %d", len(cached.Locations))
	}
}

func TestQueryValidation(t *testing.T) {
	e, _ := testEngine(t, Config{})
	cases := []protocol.AffordanceQueryReq{
		{AffordanceType: "ambush"}, // missing region
		{RegionID: "R1"},           // neither type nor definition
		{RegionID: "R1", AffordanceType: "ambush", Freshness: "warm"},
		{RegionID: "R1", AffordanceType: "ambush", MinScore: 1.5},
		{RegionID: "R1", AffordanceType: "ambush",
			Bounds: &geo.Bounds{Min: geo.Vec3{X: 5}, Max: geo.Vec3{X: -5}}},
		{RegionID: "R1", AffordanceType: "ambush",
			Bounds: &geo.Bounds{Min: geo.Vec3{X: -1e12, Z: -1e12}, Max: geo.Vec3{X: 1e12, Z: 1e12}}},
	}
	for i, req := range cases {
		if _, rej := e.Query(context.Background(), req); rej == nil {
			t.Fatalf("case %d should reject", i)
		}
	}
}

func seedExtraBoulder() store.Object {
	return store.Object{
		ID: "B4", Kind: "poi", ObjectType: "boulder_cluster", Version: 1,
		Position: &geo.Vec3{X: 40, Z: 40},
		Payload:  []byte(`{"cover":{"height":2.2}}`),
	}
}
