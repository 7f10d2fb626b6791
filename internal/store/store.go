// Package store holds the in-memory object store and its spatial/type
// indices. All three structures mutate together under one region lock, so a
// reader never observes an object without its index entries.
package store

import (
	"sort"
	"sync"
	"time"

	"worldplane.dev/internal/geo"
)

type Config struct {
	DefaultCellSize    float64
	CellSizes          map[string]float64 // per-kind override
	TombstoneRetention time.Duration
	EphemeralTTL       map[string]time.Duration // kind -> ttl
}

type Store struct {
	cfg Config

	mu      sync.RWMutex
	regions map[string]*region
}

type region struct {
	mu      sync.RWMutex
	objects map[string]*Object
	cells   map[cellKey]map[string]struct{}
	byType  map[string]map[string]struct{}
	kinds   map[string]int
	epoch   uint64
}

type cellKey struct {
	kind string
	cell geo.Cell
}

func New(cfg Config) *Store {
	if cfg.DefaultCellSize <= 0 {
		cfg.DefaultCellSize = 32
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = 5 * time.Minute
	}
	return &Store{cfg: cfg, regions: make(map[string]*region)}
}

func (s *Store) cellSize(kind string) float64 {
	if sz, ok := s.cfg.CellSizes[kind]; ok && sz > 0 {
		return sz
	}
	return s.cfg.DefaultCellSize
}

func (s *Store) region(id string, create bool) *region {
	s.mu.RLock()
	r := s.regions[id]
	s.mu.RUnlock()
	if r != nil || !create {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r = s.regions[id]; r == nil {
		r = &region{
			objects: make(map[string]*Object),
			cells:   make(map[cellKey]map[string]struct{}),
			byType:  make(map[string]map[string]struct{}),
		}
		s.regions[id] = r
	}
	return r
}

// Put upserts the object. A version at or below the stored one (live or
// tombstoned) is a silent no-op regardless of arrival order. On success the
// region epoch advances and both indices are updated in the same critical
// section. created reports whether the object was previously unknown (or
// tombstoned), which decides the broadcast action.
func (s *Store) Put(regionID string, obj Object) (applied, created bool, epoch uint64) {
	r := s.region(regionID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.objects[obj.ID]
	if prev != nil && obj.Version <= prev.Version {
		return false, false, r.epoch
	}
	created = prev == nil || prev.Deleted
	if ttl, ok := s.cfg.EphemeralTTL[obj.Kind]; ok && obj.ExpiresAt.IsZero() {
		obj.ExpiresAt = obj.UpdatedAt.Add(ttl)
	}
	if prev != nil {
		r.unindex(prev, s.cellSize(prev.Kind))
	}
	stored := obj
	r.objects[obj.ID] = &stored
	r.index(&stored, s.cellSize(stored.Kind))
	r.epoch++
	return true, created, r.epoch
}

// Delete tombstones the object. The tombstone keeps the incoming version so a
// late lower-versioned put cannot resurrect it.
func (s *Store) Delete(regionID, objectID string, version uint64, by string, at time.Time) (applied bool, epoch uint64) {
	r := s.region(regionID, true)
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.objects[objectID]
	if prev != nil && version <= prev.Version {
		return false, r.epoch
	}
	var tomb Object
	if prev != nil {
		tomb = *prev
		r.unindex(prev, s.cellSize(prev.Kind))
	} else {
		tomb = Object{ID: objectID}
	}
	tomb.Version = version
	tomb.Deleted = true
	tomb.DeletedAt = at
	tomb.UpdatedAt = at
	tomb.UpdatedBy = by
	r.objects[objectID] = &tomb
	r.epoch++
	return true, r.epoch
}

func (s *Store) Get(regionID, objectID string) (Object, bool) {
	r := s.region(regionID, false)
	if r == nil {
		return Object{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	o := r.objects[objectID]
	if o == nil || o.Deleted || o.expired(time.Now()) {
		return Object{}, false
	}
	return *o, true
}

func (s *Store) Epoch(regionID string) uint64 {
	r := s.region(regionID, false)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Restore loads a persisted object without advancing the epoch; used only
// while rebuilding state on boot.
func (s *Store) Restore(regionID string, obj Object) {
	r := s.region(regionID, true)
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := obj
	r.objects[obj.ID] = &stored
	if !stored.Deleted {
		r.index(&stored, s.cellSize(stored.Kind))
	}
}

// SetEpoch resumes the persisted epoch high-water mark on boot.
func (s *Store) SetEpoch(regionID string, epoch uint64) {
	r := s.region(regionID, true)
	r.mu.Lock()
	if epoch > r.epoch {
		r.epoch = epoch
	}
	r.mu.Unlock()
}

// Objects dumps every stored object in the region, tombstones included, in
// id order. Snapshot export uses it; queries never do.
func (s *Store) Objects(regionID string) []Object {
	r := s.region(regionID, false)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Object, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, *o)
	}
	r.mu.RUnlock()
	sortByID(out)
	return out
}

func (s *Store) Regions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.regions))
	for id := range s.regions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// QueryPoint returns live objects whose anchor lies within radius of pos
// (radius 0 means exact cell proximity is not enough; we still compare true
// distance, so 0 matches only objects at the point or whose bounds contain it).
func (s *Store) QueryPoint(regionID string, pos geo.Vec3, radius float64, kinds []string) []Object {
	r := s.region(regionID, false)
	if r == nil {
		return nil
	}
	now := time.Now()
	kindSet := toSet(kinds)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Object
	seen := make(map[string]struct{})
	scan := func(kind string) {
		size := s.cellSize(kind)
		for _, cell := range geo.CellsOverlapping(geo.BoundsAround(pos, radius), size) {
			for id := range r.cells[cellKey{kind: kind, cell: cell}] {
				if _, dup := seen[id]; dup {
					continue
				}
				o := r.objects[id]
				if o == nil || o.Deleted || o.expired(now) {
					continue
				}
				if !pointMatch(o, pos, radius) {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, *o)
			}
		}
	}
	if len(kindSet) > 0 {
		for kind := range kindSet {
			scan(kind)
		}
	} else {
		for kind := range r.kindsLocked() {
			scan(kind)
		}
	}
	sortByID(out)
	return out
}

// QueryBounds returns live objects intersecting the box, truncated
// deterministically: objects sort by id before the limit applies, so repeated
// identical calls return the identical set.
func (s *Store) QueryBounds(regionID string, bounds geo.Bounds, kinds []string, limit int) (objs []Object, truncated bool) {
	r := s.region(regionID, false)
	if r == nil {
		return nil, false
	}
	now := time.Now()
	kindSet := toSet(kinds)

	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	scan := func(kind string) {
		size := s.cellSize(kind)
		for _, cell := range geo.CellsOverlapping(bounds, size) {
			for id := range r.cells[cellKey{kind: kind, cell: cell}] {
				if _, dup := seen[id]; dup {
					continue
				}
				o := r.objects[id]
				if o == nil || o.Deleted || o.expired(now) {
					continue
				}
				if !boundsMatch(o, bounds) {
					continue
				}
				seen[id] = struct{}{}
				objs = append(objs, *o)
			}
		}
	}
	if len(kindSet) > 0 {
		for kind := range kindSet {
			scan(kind)
		}
	} else {
		for kind := range r.kindsLocked() {
			scan(kind)
		}
	}
	sortByID(objs)
	if limit > 0 && len(objs) > limit {
		return objs[:limit], true
	}
	return objs, false
}

// QueryByType returns live objects of one objectType, optionally clipped to
// bounds.
func (s *Store) QueryByType(regionID, objectType string, bounds *geo.Bounds) []Object {
	r := s.region(regionID, false)
	if r == nil {
		return nil
	}
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Object
	for id := range r.byType[objectType] {
		o := r.objects[id]
		if o == nil || o.Deleted || o.expired(now) {
			continue
		}
		if bounds != nil && !boundsMatch(o, *bounds) {
			continue
		}
		out = append(out, *o)
	}
	sortByID(out)
	return out
}

// Sweep reclaims tombstones past retention and drops expired ephemeral
// objects. Expiry bumps the epoch (readers must notice); tombstone
// reclamation does not.
func (s *Store) Sweep(now time.Time) (reclaimed, expired int) {
	s.mu.RLock()
	regions := make([]*region, 0, len(s.regions))
	for _, r := range s.regions {
		regions = append(regions, r)
	}
	s.mu.RUnlock()

	for _, r := range regions {
		r.mu.Lock()
		for id, o := range r.objects {
			switch {
			case o.Deleted && now.Sub(o.DeletedAt) > s.cfg.TombstoneRetention:
				delete(r.objects, id)
				reclaimed++
			case !o.Deleted && o.expired(now):
				r.unindex(o, s.cellSize(o.Kind))
				delete(r.objects, id)
				r.epoch++
				expired++
			}
		}
		r.mu.Unlock()
	}
	return reclaimed, expired
}

type Stats struct {
	Regions    int
	Objects    int
	Tombstones int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Regions: len(s.regions)}
	for _, r := range s.regions {
		r.mu.RLock()
		for _, o := range r.objects {
			if o.Deleted {
				st.Tombstones++
			} else {
				st.Objects++
			}
		}
		r.mu.RUnlock()
	}
	return st
}

func pointMatch(o *Object, pos geo.Vec3, radius float64) bool {
	if o.Bounds != nil && o.Bounds.Contains(pos) {
		return true
	}
	anchor, ok := o.Anchor()
	if !ok {
		return false
	}
	return anchor.Dist(pos) <= radius
}

func boundsMatch(o *Object, b geo.Bounds) bool {
	if o.Bounds != nil {
		return o.Bounds.Intersects(b)
	}
	anchor, ok := o.Anchor()
	return ok && b.Contains(anchor)
}

func toSet(ss []string) map[string]struct{} {
	if len(ss) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func sortByID(objs []Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].ID < objs[j].ID })
}
