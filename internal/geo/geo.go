// Package geo holds the small spatial vocabulary shared by the store, the
// query service and the affordance engine: positions, axis-aligned bounds and
// the cell-bucket math behind the spatial index.
package geo

import "math"

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Dist(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// DistXZ ignores the vertical axis; most placement tests care about ground
// distance, not altitude.
func (v Vec3) DistXZ(o Vec3) float64 {
	dx, dz := v.X-o.X, v.Z-o.Z
	return math.Sqrt(dx*dx + dz*dz)
}

// Bounds is an axis-aligned box. Min/Max are inclusive.
type Bounds struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

func (b Bounds) Valid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

func (b Bounds) Contains(p Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func (b Bounds) Intersects(o Bounds) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

func (b Bounds) Center() Vec3 {
	return Vec3{
		X: (b.Min.X + b.Max.X) / 2,
		Y: (b.Min.Y + b.Max.Y) / 2,
		Z: (b.Min.Z + b.Max.Z) / 2,
	}
}

// Size returns the edge lengths of the box.
func (b Bounds) Size() Vec3 {
	return Vec3{X: b.Max.X - b.Min.X, Y: b.Max.Y - b.Min.Y, Z: b.Max.Z - b.Min.Z}
}

// MaxEdge returns the longest edge of the box.
func (b Bounds) MaxEdge() float64 {
	s := b.Size()
	return math.Max(s.X, math.Max(s.Y, s.Z))
}

// BoundsAround builds a cube of the given radius centered on p.
func BoundsAround(p Vec3, radius float64) Bounds {
	r := Vec3{radius, radius, radius}
	return Bounds{Min: Vec3{p.X - r.X, p.Y - r.Y, p.Z - r.Z}, Max: p.Add(r)}
}

// Cell identifies one bucket of the fixed-size spatial grid. Y is folded into
// the bucket deliberately: regions are shallow, so 2D buckets keep queries
// cheap without losing vertical objects.
type Cell struct {
	CX int
	CZ int
}

func CellOf(p Vec3, cellSize float64) Cell {
	if cellSize <= 0 {
		cellSize = 1
	}
	return Cell{
		CX: int(math.Floor(p.X / cellSize)),
		CZ: int(math.Floor(p.Z / cellSize)),
	}
}

// MaxExtent is the widest edge a stored bounds or query box may span, and
// the largest accepted query radius. Requests beyond it are rejected before
// they reach the spatial index.
const MaxExtent = 1 << 20

// MaxCellsPerBox caps how many cells one box may enumerate. API-level
// extent checks keep well-formed traffic under the cap; a box that still
// exceeds it keeps only the cells nearest its low corner.
const MaxCellsPerBox = 4096

// CellsOverlapping enumerates every cell a box touches, up to
// MaxCellsPerBox.
func CellsOverlapping(b Bounds, cellSize float64) []Cell {
	lo := CellOf(b.Min, cellSize)
	hi := CellOf(b.Max, cellSize)
	nx := int64(hi.CX) - int64(lo.CX) + 1
	nz := int64(hi.CZ) - int64(lo.CZ) + 1
	if nx < 1 {
		nx = 1
	}
	if nz < 1 {
		nz = 1
	}
	if nx > MaxCellsPerBox {
		nx = MaxCellsPerBox
	}
	if nx*nz > MaxCellsPerBox {
		nz = MaxCellsPerBox / nx
	}
	cells := make([]Cell, 0, nx*nz)
	for ix := int64(0); ix < nx; ix++ {
		for iz := int64(0); iz < nz; iz++ {
			cells = append(cells, Cell{CX: lo.CX + int(ix), CZ: lo.CZ + int(iz)})
		}
	}
	return cells
}
