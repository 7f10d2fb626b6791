package store

import "worldplane.dev/internal/geo"

// Index maintenance. Callers hold the region write lock.

func (r *region) index(o *Object, cellSize float64) {
	for _, cell := range o.cellsFor(cellSize) {
		key := cellKey{kind: o.Kind, cell: cell}
		set := r.cells[key]
		if set == nil {
			set = make(map[string]struct{})
			r.cells[key] = set
		}
		set[o.ID] = struct{}{}
	}
	if o.ObjectType != "" {
		set := r.byType[o.ObjectType]
		if set == nil {
			set = make(map[string]struct{})
			r.byType[o.ObjectType] = set
		}
		set[o.ID] = struct{}{}
	}
	r.bumpKind(o.Kind, 1)
}

func (r *region) unindex(o *Object, cellSize float64) {
	if o.Deleted {
		return
	}
	for _, cell := range o.cellsFor(cellSize) {
		key := cellKey{kind: o.Kind, cell: cell}
		if set := r.cells[key]; set != nil {
			delete(set, o.ID)
			if len(set) == 0 {
				delete(r.cells, key)
			}
		}
	}
	if o.ObjectType != "" {
		if set := r.byType[o.ObjectType]; set != nil {
			delete(set, o.ID)
			if len(set) == 0 {
				delete(r.byType, o.ObjectType)
			}
		}
	}
	r.bumpKind(o.Kind, -1)
}

// cellsFor lists every cell the object occupies: all cells its bounds touch,
// or the single cell of its anchor.
func (o *Object) cellsFor(cellSize float64) []geo.Cell {
	if o.Bounds != nil {
		return geo.CellsOverlapping(*o.Bounds, cellSize)
	}
	if o.Position != nil {
		return []geo.Cell{geo.CellOf(*o.Position, cellSize)}
	}
	return nil
}

func (r *region) bumpKind(kind string, delta int) {
	if r.kinds == nil {
		r.kinds = make(map[string]int)
	}
	r.kinds[kind] += delta
	if r.kinds[kind] <= 0 {
		delete(r.kinds, kind)
	}
}

func (r *region) kindsLocked() map[string]int { return r.kinds }
