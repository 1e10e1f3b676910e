package spatial

import (
	"math"

	"github.com/aukilabs/hagall-common/messages/dagazpb"
)

// Box is an axis-aligned bounding volume. A valid box has finite corners
// with Min <= Max componentwise.
type Box struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

func NewBox(min, max Vec3) Box {
	return Box{Min: min, Max: max}
}

// NewBoxFromCenter creates a box from its center and half-extents.
func NewBoxFromCenter(center, extents Vec3) Box {
	return Box{
		Min: Sub(center, extents),
		Max: Add(center, extents),
	}
}

// EmptyBox returns the identity element for Union.
func EmptyBox() Box {
	inf := math.Inf(1)
	return Box{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

func (b Box) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

func (b Box) Valid() bool {
	return b.Min.IsFinite() && b.Max.IsFinite() && b.Min.LesserOrEqualThan(b.Max)
}

func (b Box) Center() Vec3 {
	return Mul(Add(b.Min, b.Max), 0.5)
}

// Extents returns the half-extents of the box.
func (b Box) Extents() Vec3 {
	return Mul(Sub(b.Max, b.Min), 0.5)
}

func (b Box) Size() Vec3 {
	return Sub(b.Max, b.Min)
}

func (b Box) Volume() float64 {
	if b.IsEmpty() {
		return 0
	}
	s := b.Size()
	return s.X * s.Y * s.Z
}

// Margin is the sum of the edge lengths along each axis. It separates
// candidates when volumes degenerate to zero (flat or point boxes).
func (b Box) Margin() float64 {
	if b.IsEmpty() {
		return 0
	}
	s := b.Size()
	return s.X + s.Y + s.Z
}

// Intersects reports whether the boxes overlap. Touching faces count.
func (b Box) Intersects(o Box) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

func (b Box) Contains(o Box) bool {
	return b.Min.LesserOrEqualThan(o.Min) && b.Max.GreaterOrEqualThan(o.Max)
}

func (b Box) ContainsPoint(p Vec3) bool {
	return b.Min.LesserOrEqualThan(p) && b.Max.GreaterOrEqualThan(p)
}

func (b Box) Union(o Box) Box {
	return Box{
		Min: Min(b.Min, o.Min),
		Max: Max(b.Max, o.Max),
	}
}

func (b Box) Intersection(o Box) (Box, bool) {
	i := Box{
		Min: Max(b.Min, o.Min),
		Max: Min(b.Max, o.Max),
	}
	if i.IsEmpty() {
		return Box{}, false
	}
	return i, true
}

// Expand grows the box by d on every side.
func (b Box) Expand(d float64) Box {
	e := Vec3{d, d, d}
	return Box{
		Min: Sub(b.Min, e),
		Max: Add(b.Max, e),
	}
}

// Enlargement is the volume the box gains when it is extended to cover o.
func (b Box) Enlargement(o Box) float64 {
	return b.Union(o).Volume() - b.Volume()
}

// DistanceTo returns the distance from p to the closest point of the box, 0
// when p is inside.
func (b Box) DistanceTo(p Vec3) float64 {
	closest := Max(b.Min, Min(p, b.Max))
	return Distance(p, closest)
}

func NewBoxFromProtobuf(q *dagazpb.Quad) Box {
	if q == nil {
		return Box{}
	}
	return NewBoxFromCenter(NewVec3FromProtobuf(q.Center), NewVec3FromProtobuf(q.Extents))
}

// ToProtobuf exports the box as a center/half-extents quad. mergeCount
// carries how many chunks were coalesced into the box.
func (b Box) ToProtobuf(mergeCount uint32) *dagazpb.Quad {
	return &dagazpb.Quad{
		Center:     b.Center().ToProtobuf(),
		Extents:    b.Extents().ToProtobuf(),
		MergeCount: mergeCount,
	}
}
