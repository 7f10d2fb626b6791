// Package query answers read traffic against the object store. It validates
// request shapes, applies result caps and converts stored objects to their
// wire views; all spatial work stays in the store's index.
package query

import (
	"fmt"
	"time"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

// DefaultMaxObjects caps a bounds query that does not set its own limit.
const DefaultMaxObjects = 256

type Service struct {
	store *store.Store
	max   int
}

func New(st *store.Store, maxObjects int) *Service {
	if maxObjects <= 0 {
		maxObjects = DefaultMaxObjects
	}
	return &Service{store: st, max: maxObjects}
}

// Point returns objects whose bounds contain the position, or whose anchor
// lies within radius of it.
func (s *Service) Point(req protocol.QueryPointReq) (protocol.QueryResp, *protocol.ErrRejection) {
	if req.RegionID == "" {
		return protocol.QueryResp{}, badReq("region_id required")
	}
	if req.Radius < 0 {
		return protocol.QueryResp{}, badReq("radius must be >= 0")
	}
	if req.Radius > geo.MaxExtent {
		return protocol.QueryResp{}, badReq(fmt.Sprintf("radius exceeds limit %d", int(geo.MaxExtent)))
	}
	objs := s.store.QueryPoint(req.RegionID, req.Position, req.Radius, req.Kinds)
	return s.resp(req.RegionID, objs, false), nil
}

// Bounds returns objects intersecting the box, deterministically truncated
// at the limit.
func (s *Service) Bounds(req protocol.QueryBoundsReq) (protocol.QueryResp, *protocol.ErrRejection) {
	if req.RegionID == "" {
		return protocol.QueryResp{}, badReq("region_id required")
	}
	if !req.Bounds.Valid() {
		return protocol.QueryResp{}, badReq("bounds min must not exceed max")
	}
	if req.Bounds.MaxEdge() > geo.MaxExtent {
		return protocol.QueryResp{}, badReq(fmt.Sprintf("bounds edge exceeds limit %d", int(geo.MaxExtent)))
	}
	limit := req.MaxObjects
	if limit <= 0 || limit > s.max {
		limit = s.max
	}
	objs, truncated := s.store.QueryBounds(req.RegionID, req.Bounds, req.Kinds, limit)
	return s.resp(req.RegionID, objs, truncated), nil
}

// ByType returns every live object of one type, optionally clipped to a box.
func (s *Service) ByType(req protocol.QueryTypeReq) (protocol.QueryResp, *protocol.ErrRejection) {
	if req.RegionID == "" {
		return protocol.QueryResp{}, badReq("region_id required")
	}
	if req.ObjectType == "" {
		return protocol.QueryResp{}, badReq("object_type required")
	}
	if req.Bounds != nil && !req.Bounds.Valid() {
		return protocol.QueryResp{}, badReq("bounds min must not exceed max")
	}
	if req.Bounds != nil && req.Bounds.MaxEdge() > geo.MaxExtent {
		return protocol.QueryResp{}, badReq(fmt.Sprintf("bounds edge exceeds limit %d", int(geo.MaxExtent)))
	}
	objs := s.store.QueryByType(req.RegionID, req.ObjectType, req.Bounds)
	truncated := false
	if len(objs) > s.max {
		objs = objs[:s.max]
		truncated = true
	}
	return s.resp(req.RegionID, objs, truncated), nil
}

// Get looks up a single object by id.
func (s *Service) Get(regionID, objectID string) (protocol.ObjectView, *protocol.ErrRejection) {
	obj, ok := s.store.Get(regionID, objectID)
	if !ok {
		return protocol.ObjectView{}, &protocol.ErrRejection{Code: protocol.ErrNotFound, Message: "no object " + objectID + " in " + regionID}
	}
	return View(obj), nil
}

func (s *Service) resp(regionID string, objs []store.Object, truncated bool) protocol.QueryResp {
	out := protocol.QueryResp{
		Objects:   make([]protocol.ObjectView, 0, len(objs)),
		Truncated: truncated,
		Epoch:     s.store.Epoch(regionID),
	}
	for _, o := range objs {
		out.Objects = append(out.Objects, View(o))
	}
	return out
}

// View converts a stored object to its wire shape.
func View(o store.Object) protocol.ObjectView {
	return protocol.ObjectView{
		ObjectID:      o.ID,
		Kind:          o.Kind,
		ObjectType:    o.ObjectType,
		Version:       o.Version,
		Position:      o.Position,
		Bounds:        o.Bounds,
		Payload:       o.Payload,
		LastUpdatedAt: o.UpdatedAt.UTC().Format(time.RFC3339Nano),
		LastUpdatedBy: o.UpdatedBy,
	}
}

func badReq(msg string) *protocol.ErrRejection {
	return &protocol.ErrRejection{Code: protocol.ErrBadRequest, Message: msg}
}
