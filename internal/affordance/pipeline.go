package affordance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"worldplane.dev/internal/geo"
	"worldplane.dev/internal/metrics"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

type candidate struct {
	pos       geo.Vec3
	bounds    *geo.Bounds
	objectIDs []string
	doc       store.Doc
	features  map[string]float64
	score     float64
}

// result is the ranked list before per-request selection (minScore and
// maxResults apply at read time, so one computation serves many cuts).
type result struct {
	locations []protocol.AffordanceLocation
	dropped   int
	partial   bool
	epoch     uint64
}

// evalEnv caches the spatial context shared by every candidate of one run.
type evalEnv struct {
	store    *store.Store
	regionID string
	bounds   *geo.Bounds
	caps     *protocol.Capabilities
	focus    geo.Vec3 // reference point for sightline targets without types

	targets  map[string][]geo.Vec3
	blockers map[string][]blocker
}

type blocker struct {
	pos    geo.Vec3
	radius float64
}

// compute runs generate -> test -> score for one definition. The context
// deadline applies per candidate: on expiry the survivors scored so far are
// ranked and returned as a partial result.
func compute(ctx context.Context, st *store.Store, def Definition, regionID string, bounds *geo.Bounds, caps *protocol.Capabilities, scoreMode string, maxGrid int) result {
	env := &evalEnv{
		store:    st,
		regionID: regionID,
		bounds:   bounds,
		caps:     caps,
		targets:  map[string][]geo.Vec3{},
		blockers: map[string][]blocker{},
	}
	if bounds != nil {
		env.focus = bounds.Center()
	}
	if def.ScoreMode != "" {
		scoreMode = def.ScoreMode
	}

	cands, dropped := generate(env, def.Generator, maxGrid)

	res := result{epoch: st.Epoch(regionID), dropped: dropped}
	var survivors []candidate
	for i := range cands {
		if ctx.Err() != nil {
			res.partial = true
			break
		}
		c := &cands[i]
		alive, err := evaluate(env, def.Tests, c, scoreMode)
		if err != nil {
			res.dropped++
			metrics.AffordanceCandidatesDropped.Inc()
			continue
		}
		if alive {
			survivors = append(survivors, *c)
		}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		// Stable geometry tie-break keeps repeated queries identical.
		a, b := survivors[i].pos, survivors[j].pos
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Z < b.Z
	})

	res.locations = make([]protocol.AffordanceLocation, 0, len(survivors))
	for _, c := range survivors {
		res.locations = append(res.locations, protocol.AffordanceLocation{
			Position:  c.pos,
			Bounds:    c.bounds,
			Score:     c.score,
			Features:  c.features,
			ObjectIDs: c.objectIDs,
		})
	}
	return res
}

// selectTop applies the caller's cut to a ranked list.
func selectTop(locs []protocol.AffordanceLocation, minScore float64, maxResults int) []protocol.AffordanceLocation {
	out := make([]protocol.AffordanceLocation, 0, len(locs))
	for _, l := range locs {
		if l.Score < minScore {
			continue
		}
		out = append(out, l)
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
	}
	return out
}

// --- generate ---

func generate(env *evalEnv, g Generator, maxGrid int) (cands []candidate, dropped int) {
	switch g.Kind {
	case GenObjects:
		for _, typ := range g.ObjectTypes {
			for _, o := range env.store.QueryByType(env.regionID, typ, env.bounds) {
				anchor, ok := o.Anchor()
				if !ok {
					dropped++
					metrics.AffordanceCandidatesDropped.Inc()
					continue
				}
				cands = append(cands, candidate{
					pos:       anchor,
					bounds:    o.Bounds,
					objectIDs: []string{o.ID},
					doc:       store.ParseDoc(o.Payload),
				})
			}
		}
	case GenGrid:
		if env.bounds == nil {
			return nil, 0
		}
		spacing := g.Spacing
		if spacing <= 0 {
			spacing = 8
		}
		b := *env.bounds
		y := b.Min.Y
		nx := gridSteps(b.Min.X, b.Max.X, spacing)
		nz := gridSteps(b.Min.Z, b.Max.Z, spacing)
		total := nx * nz
		limit := total
		if maxGrid > 0 && limit > maxGrid {
			limit = maxGrid
			dropped = total - maxGrid
		}
		// Flat walk in x-major order; work is bounded by the cap, never by
		// the box extent.
		for i := 0; i < limit; i++ {
			cands = append(cands, candidate{pos: geo.Vec3{
				X: b.Min.X + float64(i/nz)*spacing,
				Y: y,
				Z: b.Min.Z + float64(i%nz)*spacing,
			}})
		}
	case GenRing:
		center := env.focus
		if g.Center != nil {
			center = *g.Center
		}
		rings := g.Rings
		if rings <= 0 {
			rings = 3
		}
		step := g.RingStep
		if step <= 0 {
			step = 10
		}
		samples := g.SamplesPerRing
		if samples <= 0 {
			samples = 8
		}
		for r := 1; r <= rings; r++ {
			radius := float64(r) * step
			for s := 0; s < samples; s++ {
				a := 2 * math.Pi * float64(s) / float64(samples)
				cands = append(cands, candidate{pos: geo.Vec3{
					X: center.X + radius*math.Cos(a),
					Y: center.Y,
					Z: center.Z + radius*math.Sin(a),
				}})
			}
		}
	case GenExplicit:
		for _, p := range g.Points {
			cands = append(cands, candidate{pos: p})
		}
	}
	return cands, dropped
}

// gridSteps counts sample points along one axis, clamped so the grid size
// stays representable even for degenerate spacing.
func gridSteps(lo, hi, spacing float64) int {
	const maxSteps = 1 << 20
	n := math.Floor((hi-lo)/spacing) + 1
	if n < 0 || math.IsNaN(n) {
		return 0
	}
	if n > maxSteps {
		return maxSteps
	}
	return int(n)
}

// --- test & score ---

// evaluate runs the ordered test list over one candidate. alive is false
// when a required test misses its threshold; err drops the candidate
// without failing the query.
func evaluate(env *evalEnv, tests []TestSpec, c *candidate, scoreMode string) (alive bool, err error) {
	c.features = make(map[string]float64, len(tests))
	var sum, weight float64
	for _, t := range tests {
		s, err := evalTest(env, t, c)
		if err != nil {
			return false, err
		}
		s = clamp01(s)
		c.features[t.Name] = s
		if t.Required && s < t.Threshold {
			return false, nil
		}
		if !t.Required || scoreMode == ScoreContribute {
			w := t.Weight
			if w <= 0 {
				w = 1
			}
			sum += s * w
			weight += w
		}
	}
	if weight > 0 {
		c.score = clamp01(sum / weight)
	} else {
		// Pure gate definition: surviving every required test is the win.
		c.score = 1
	}
	return true, nil
}

func evalTest(env *evalEnv, t TestSpec, c *candidate) (float64, error) {
	switch t.Type {
	case TestDistance:
		return evalDistance(env, t, c)
	case TestProperty:
		return evalProperty(env, t, c)
	case TestSightline:
		return evalSightline(env, t, c)
	case TestReachability:
		return evalReachability(env, t, c)
	}
	return 0, fmt.Errorf("unknown test type %q", t.Type)
}

// evalDistance scores proximity to the nearest object of the target types:
// full score inside Ideal, linear falloff to zero at MaxDist.
func evalDistance(env *evalEnv, t TestSpec, c *candidate) (float64, error) {
	targets := env.targetPositions(t.TargetTypes)
	if len(targets) == 0 {
		return 0, nil
	}
	best := math.Inf(1)
	for _, p := range targets {
		if d := c.pos.Dist(p); d < best {
			best = d
		}
	}
	ideal, maxDist := t.Ideal, t.MaxDist
	if t.UsePerception && env.caps != nil && env.caps.PerceptionRange > maxDist {
		maxDist = env.caps.PerceptionRange
	}
	if maxDist <= ideal {
		if best <= ideal {
			return 1, nil
		}
		return 0, nil
	}
	if best <= ideal {
		return 1, nil
	}
	if best >= maxDist {
		return 0, nil
	}
	return 1 - (best-ideal)/(maxDist-ideal), nil
}

// evalProperty reads a payload field of the candidate's source object.
// Numeric ranges map linearly above the minimum; ScaleWithSize raises the
// minimum for bigger bodies so qualifying cover grows with the actor.
func evalProperty(env *evalEnv, t TestSpec, c *candidate) (float64, error) {
	if t.Equals != "" {
		s, ok := c.doc.Str(t.Path)
		if !ok {
			return 0, nil
		}
		if s == t.Equals {
			return 1, nil
		}
		return 0, nil
	}
	v, ok := c.doc.Num(t.Path)
	if !ok {
		if b, okb := c.doc.Bool(t.Path); okb {
			if b {
				return 1, nil
			}
			return 0, nil
		}
		return 0, nil
	}
	min, max := t.Min, t.Max
	var lo float64
	if min != nil {
		lo = *min
		if t.ScaleWithSize {
			lo *= sizeFactor(env.caps)
		}
		if v < lo {
			return 0, nil
		}
	}
	if max != nil {
		if v > *max {
			return 0, nil
		}
		if min != nil && *max > lo {
			return (v - lo) / (*max - lo), nil
		}
	}
	if min != nil && lo > 0 {
		// No ceiling: saturate at twice the minimum.
		return math.Min(v/(2*lo), 1), nil
	}
	return 1, nil
}

// evalSightline is an obstruction proxy: count blockers near the segment
// from the candidate to the nearest target (or the query focus). Clear
// lines score high; Invert rewards concealment instead, and a stealthy
// actor supplies part of its own.
func evalSightline(env *evalEnv, t TestSpec, c *candidate) (float64, error) {
	target := env.focus
	if len(t.TargetTypes) > 0 {
		targets := env.targetPositions(t.TargetTypes)
		if len(targets) == 0 {
			return 0, nil
		}
		best := math.Inf(1)
		for _, p := range targets {
			if d := c.pos.Dist(p); d < best {
				best, target = d, p
			}
		}
	}
	obstructions := 0
	for _, b := range env.blockerSet(t.BlockerTypes) {
		if segmentDistXZ(c.pos, target, b.pos) <= b.radius {
			obstructions++
		}
	}
	clear := 1 / (1 + float64(obstructions))
	if !t.Invert {
		return clear, nil
	}
	concealment := 1 - clear
	if env.caps != nil && env.caps.StealthRating > concealment {
		concealment = env.caps.StealthRating
	}
	return concealment, nil
}

// evalReachability checks whether the actor's movement modes get it to the
// candidate's height above the query floor.
func evalReachability(env *evalEnv, t TestSpec, c *candidate) (float64, error) {
	floor := 0.0
	if env.bounds != nil {
		floor = env.bounds.Min.Y
	}
	climb := c.pos.Y - floor
	maxClimb := t.MaxClimb
	if maxClimb <= 0 {
		maxClimb = 2
	}
	if climb <= maxClimb {
		return 1, nil
	}
	if env.caps != nil {
		for _, m := range env.caps.MovementModes {
			switch m {
			case "fly":
				return 1, nil
			case "climb":
				return 0.7, nil
			}
		}
	}
	return 0, nil
}

func (env *evalEnv) targetPositions(types []string) []geo.Vec3 {
	key := strings.Join(types, ",")
	if ps, ok := env.targets[key]; ok {
		return ps
	}
	var ps []geo.Vec3
	for _, typ := range types {
		for _, o := range env.store.QueryByType(env.regionID, typ, env.bounds) {
			if p, ok := o.Anchor(); ok {
				ps = append(ps, p)
			}
		}
	}
	env.targets[key] = ps
	return ps
}

func (env *evalEnv) blockerSet(types []string) []blocker {
	key := strings.Join(types, ",")
	if bs, ok := env.blockers[key]; ok {
		return bs
	}
	var bs []blocker
	for _, typ := range types {
		for _, o := range env.store.QueryByType(env.regionID, typ, env.bounds) {
			p, ok := o.Anchor()
			if !ok {
				continue
			}
			r := 1.5
			if o.Bounds != nil {
				sz := o.Bounds.Size()
				r = math.Max(sz.X, sz.Z) / 2
			}
			bs = append(bs, blocker{pos: p, radius: r})
		}
	}
	env.blockers[key] = bs
	return bs
}

// segmentDistXZ is the point-to-segment distance in the ground plane.
func segmentDistXZ(a, b, p geo.Vec3) float64 {
	ax, az := a.X, a.Z
	dx, dz := b.X-ax, b.Z-az
	lenSq := dx*dx + dz*dz
	tt := 0.0
	if lenSq > 0 {
		tt = ((p.X-ax)*dx + (p.Z-az)*dz) / lenSq
		tt = math.Max(0, math.Min(1, tt))
	}
	cx, cz := ax+tt*dx, az+tt*dz
	ddx, ddz := p.X-cx, p.Z-cz
	return math.Sqrt(ddx*ddx + ddz*ddz)
}

func sizeFactor(caps *protocol.Capabilities) float64 {
	if caps == nil {
		return 1
	}
	switch caps.SizeClass {
	case "small":
		return 0.75
	case "large":
		return 1.5
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
