package query

import (
	"fmt"
	"testing"
	"time"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

func seeded(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := store.New(store.Config{DefaultCellSize: 32})
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 8; i++ {
		st.Put("R1", store.Object{
			ID: fmt.Sprintf("O%d", i), Kind: "poi", ObjectType: "rock", Version: 1,
			Position:  &geo.Vec3{X: float64(i * 10), Z: float64(i * 10)},
			UpdatedAt: now, UpdatedBy: "sim-A",
		})
	}
	return New(st, 5), st
}

func TestPointQuery(t *testing.T) {
	s, _ := seeded(t)
	resp, rej := s.Point(protocol.QueryPointReq{RegionID: "R1", Position: geo.Vec3{X: 10, Z: 10}, Radius: 12})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if len(resp.Objects) != 2 {
		t.Fatalf("want O0 and O1, got %d objects", len(resp.Objects))
	}
	if resp.Epoch == 0 {
		t.Fatalf("epoch missing")
	}
	if resp.Objects[0].LastUpdatedBy != "sim-A" {
		t.Fatalf("view lost provenance: %+v", resp.Objects[0])
	}
}

func TestBoundsQueryTruncatesAtServiceCap(t *testing.T) {
	s, _ := seeded(t)
	resp, rej := s.Bounds(protocol.QueryBoundsReq{
		RegionID:   "R1",
		Bounds:     geo.Bounds{Min: geo.Vec3{X: -1, Y: -1, Z: -1}, Max: geo.Vec3{X: 200, Y: 1, Z: 200}},
		MaxObjects: 100, // above the service cap of 5
	})
	if rej != nil {
		t.Fatalf("rejected: %+v", rej)
	}
	if len(resp.Objects) != 5 || !resp.Truncated {
		t.Fatalf("want 5 truncated, got %d truncated=%v", len(resp.Objects), resp.Truncated)
	}
}

func TestInvalidBoundsRejected(t *testing.T) {
	s, _ := seeded(t)
	_, rej := s.Bounds(protocol.QueryBoundsReq{
		RegionID: "R1",
		Bounds:   geo.Bounds{Min: geo.Vec3{X: 10}, Max: geo.Vec3{X: -10}},
	})
	if rej == nil || rej.Code != protocol.ErrBadRequest {
		t.Fatalf("inverted bounds must reject, got %+v", rej)
	}
}

func TestOversizedQueriesRejected(t *testing.T) {
	s, _ := seeded(t)
	wide := geo.Bounds{Min: geo.Vec3{X: -1e12, Y: -1e12, Z: -1e12}, Max: geo.Vec3{X: 1e12, Y: 1e12, Z: 1e12}}

	// A schema-valid request with planet-sized extents must bounce before it
	// touches the index.
	_, rej := s.Bounds(protocol.QueryBoundsReq{RegionID: "R1", Bounds: wide})
	if rej == nil || rej.Code != protocol.ErrBadRequest {
		t.Fatalf("oversized bounds must reject, got %+v", rej)
	}
	_, rej = s.Point(protocol.QueryPointReq{RegionID: "R1", Position: geo.Vec3{}, Radius: 1e12})
	if rej == nil || rej.Code != protocol.ErrBadRequest {
		t.Fatalf("oversized radius must reject, got %+v", rej)
	}
	_, rej = s.ByType(protocol.QueryTypeReq{RegionID: "R1", ObjectType: "rock", Bounds: &wide})
	if rej == nil || rej.Code != protocol.ErrBadRequest {
		t.Fatalf("oversized type clip must reject, got %+v", rej)
	}
}

func TestByTypeQuery(t *testing.T) {
	s, st := seeded(t)
	st.Put("R1", store.Object{ID: "T1", Kind: "poi", ObjectType: "tree", Version: 1,
		Position: &geo.Vec3{X: 5, Z: 5}})
	resp, rej := s.ByType(protocol.QueryTypeReq{RegionID: "R1", ObjectType: "tree"})
	if rej != nil || len(resp.Objects) != 1 {
		t.Fatalf("want the one tree, got %+v %+v", resp, rej)
	}
	_, rej = s.ByType(protocol.QueryTypeReq{RegionID: "R1"})
	if rej == nil {
		t.Fatalf("missing object_type must reject")
	}
}

func TestGetMissingObject(t *testing.T) {
	s, _ := seeded(t)
	if _, rej := s.Get("R1", "nope"); rej == nil || rej.Code != protocol.ErrNotFound {
		t.Fatalf("want E_NOT_FOUND, got %+v", rej)
	}
	if v, rej := s.Get("R1", "O3"); rej != nil || v.ObjectID != "O3" {
		t.Fatalf("get O3: %+v %+v", v, rej)
	}
}
