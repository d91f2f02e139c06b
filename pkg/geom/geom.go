// Package geom provides the rectangle, point and transform arithmetic shared
// by the plane-assignment and damage-tracking paths. It has no dependency on
// any other package in this module.
package geom

import "math"

// Point is an integer point in physical output space.
type Point struct {
	X, Y int32
}

// Size is an integer width/height pair.
type Size struct {
	W, H int32
}

// Rect is an axis-aligned integer rectangle in physical output space,
// expressed as a location plus a size. A Rect with zero Size is empty.
type Rect struct {
	Loc  Point
	Size Size
}

// RectF is a floating-point rectangle, used for source rectangles in
// buffer-local coordinates.
type RectF struct {
	X, Y, W, H float64
}

func (r Rect) Empty() bool { return r.Size.W <= 0 || r.Size.H <= 0 }

func (r Rect) Right() int32  { return r.Loc.X + r.Size.W }
func (r Rect) Bottom() int32 { return r.Loc.Y + r.Size.H }

// Intersect returns the overlapping region of r and o, or an empty Rect if
// they do not overlap.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max32(r.Loc.X, o.Loc.X)
	y0 := max32(r.Loc.Y, o.Loc.Y)
	x1 := min32(r.Right(), o.Right())
	y1 := min32(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{Point{x0, y0}, Size{x1 - x0, y1 - y0}}
}

// Overlaps reports whether r and o share any area.
func (r Rect) Overlaps(o Rect) bool {
	return !r.Intersect(o).Empty()
}

// Contains reports whether r fully covers o.
func (r Rect) Contains(o Rect) bool {
	return o.Loc.X >= r.Loc.X && o.Loc.Y >= r.Loc.Y && o.Right() <= r.Right() && o.Bottom() <= r.Bottom()
}

// Area returns the rectangle's area; empty rectangles have area 0.
func (r Rect) Area() int64 {
	if r.Empty() {
		return 0
	}
	return int64(r.Size.W) * int64(r.Size.H)
}

// Subtract returns the set of rectangles covering r minus its overlap with
// o. Used by Pass 1 visibility pruning to subtract accumulated opaque
// regions from an element's clip. The result is not guaranteed minimal, only
// correct and non-overlapping with o.
func (r Rect) Subtract(o Rect) []Rect {
	overlap := r.Intersect(o)
	if overlap.Empty() {
		return []Rect{r}
	}
	var out []Rect
	// top strip
	if overlap.Loc.Y > r.Loc.Y {
		out = append(out, Rect{r.Loc, Size{r.Size.W, overlap.Loc.Y - r.Loc.Y}})
	}
	// bottom strip
	if overlap.Bottom() < r.Bottom() {
		out = append(out, Rect{Point{r.Loc.X, overlap.Bottom()}, Size{r.Size.W, r.Bottom() - overlap.Bottom()}})
	}
	// left strip (within the overlap's vertical span)
	if overlap.Loc.X > r.Loc.X {
		out = append(out, Rect{Point{r.Loc.X, overlap.Loc.Y}, Size{overlap.Loc.X - r.Loc.X, overlap.Size.H}})
	}
	// right strip (within the overlap's vertical span)
	if overlap.Right() < r.Right() {
		out = append(out, Rect{Point{overlap.Right(), overlap.Loc.Y}, Size{r.Right() - overlap.Right(), overlap.Size.H}})
	}
	return out
}

// SubtractAll subtracts every rectangle in others from r, in order.
func SubtractAll(r Rect, others []Rect) []Rect {
	remaining := []Rect{r}
	for _, o := range others {
		var next []Rect
		for _, piece := range remaining {
			next = append(next, piece.Subtract(o)...)
		}
		remaining = next
		if len(remaining) == 0 {
			break
		}
	}
	return remaining
}

// TotalArea sums the area of a set of rectangles, without deduplicating
// overlaps (callers of this package keep the sets disjoint already).
func TotalArea(rects []Rect) int64 {
	var total int64
	for _, r := range rects {
		total += r.Area()
	}
	return total
}

// Transform is one of the eight members of the dihedral group of the
// square: the four rotations and their mirrored counterparts. It matches
// the buffer/output transform enum used throughout the Wayland and KMS
// planes-of-glass stack.
type Transform uint8

const (
	TransformNormal Transform = iota
	Transform90
	Transform180
	Transform270
	TransformFlipped
	TransformFlipped90
	TransformFlipped180
	TransformFlipped270
)

// transformTable implements composition (self × other) of the dihedral
// group D4, i.e. "apply other, then self" in output space. Built once from
// the transform's definition (rotation angle + flip bit) rather than
// hand-enumerated, so it can't silently drift from the enum above.
var transformTable [8][8]Transform

func init() {
	angle := func(t Transform) int { return int(t) % 4 }
	flipped := func(t Transform) bool { return t >= TransformFlipped }
	make := func(a int, f bool) Transform {
		a = ((a % 4) + 4) % 4
		if f {
			return Transform(4 + a)
		}
		return Transform(a)
	}
	for a := Transform(0); a < 8; a++ {
		for b := Transform(0); b < 8; b++ {
			// Composing two reflections (or none) cancels the flip;
			// composing exactly one flips the result, and a flip also
			// reverses the sense in which the second rotation is applied.
			fa, fb := flipped(a), flipped(b)
			resultFlip := fa != fb
			rot := angle(a)
			if fa {
				rot -= angle(b)
			} else {
				rot += angle(b)
			}
			transformTable[a][b] = make(rot, resultFlip)
		}
	}
}

// Compose returns the transform equivalent to applying other and then t
// (t × other), per the dihedral-group table in §6 "Transform conventions".
func (t Transform) Compose(other Transform) Transform {
	return transformTable[t][other]
}

// Invert returns the transform that undoes t.
func (t Transform) Invert() Transform {
	for cand := Transform(0); cand < 8; cand++ {
		if t.Compose(cand) == TransformNormal {
			return cand
		}
	}
	return TransformNormal // unreachable: the table is a group
}

// TransformSize returns the size that results from applying t to a
// size in the untransformed space (swapping W/H for the 90/270 members).
func (t Transform) TransformSize(s Size) Size {
	switch t {
	case Transform90, Transform270, TransformFlipped90, TransformFlipped270:
		return Size{s.H, s.W}
	default:
		return s
	}
}

// TransformPointIn maps p, a point within a region of size `within`
// (pre-transform), into the transformed space.
func (t Transform) TransformPointIn(p Point, within Size) Point {
	x, y := float64(p.X), float64(p.Y)
	w, h := float64(within.W), float64(within.H)
	switch t {
	case TransformNormal:
		return Point{int32(x), int32(y)}
	case Transform90:
		return Point{int32(h - y), int32(x)}
	case Transform180:
		return Point{int32(w - x), int32(h - y)}
	case Transform270:
		return Point{int32(y), int32(w - x)}
	case TransformFlipped:
		return Point{int32(w - x), int32(y)}
	case TransformFlipped90:
		return Point{int32(h - y), int32(w - x)}
	case TransformFlipped180:
		return Point{int32(x), int32(h - y)}
	case TransformFlipped270:
		return Point{int32(y), int32(x)}
	default:
		return p
	}
}

// Scale is a uniform or anisotropic output scale factor.
type Scale struct {
	X, Y float64
}

// IsUnit reports whether the scale is 1.0 in both axes.
func (s Scale) IsUnit() bool {
	return feq(s.X, 1) && feq(s.Y, 1)
}

func feq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
