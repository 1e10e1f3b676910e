package spatial

import (
	"math"

	"github.com/aukilabs/hagall-common/messages/dagazpb"
)

func EqualWithEpsilon(a float64, b float64, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}

// Vec3 is a point or a direction in model space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func NewVec3(x, y, z float64) Vec3 {
	return Vec3{x, y, z}
}

func (v1 Vec3) EqualWithEpsilon(v2 Vec3, epsilon float64) bool {
	return math.Abs(v1.X-v2.X) <= epsilon &&
		math.Abs(v1.Y-v2.Y) <= epsilon &&
		math.Abs(v1.Z-v2.Z) <= epsilon
}

func (v1 Vec3) Equal(v2 Vec3) bool {
	return v1.X == v2.X && v1.Y == v2.Y && v1.Z == v2.Z
}

func (v1 Vec3) LesserOrEqualThan(v2 Vec3) bool {
	return v1.X <= v2.X && v1.Y <= v2.Y && v1.Z <= v2.Z
}

func (v1 Vec3) GreaterOrEqualThan(v2 Vec3) bool {
	return v1.X >= v2.X && v1.Y >= v2.Y && v1.Z >= v2.Z
}

// IsFinite reports whether no component is NaN or infinite.
func (v Vec3) IsFinite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func Add(a Vec3, b Vec3) Vec3 {
	return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func Sub(a Vec3, b Vec3) Vec3 {
	return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func Mul(a Vec3, s float64) Vec3 {
	return Vec3{a.X * s, a.Y * s, a.Z * s}
}

// Min returns the componentwise minimum of a and b.
func Min(a Vec3, b Vec3) Vec3 {
	return Vec3{math.Min(a.X, b.X), math.Min(a.Y, b.Y), math.Min(a.Z, b.Z)}
}

// Max returns the componentwise maximum of a and b.
func Max(a Vec3, b Vec3) Vec3 {
	return Vec3{math.Max(a.X, b.X), math.Max(a.Y, b.Y), math.Max(a.Z, b.Z)}
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func Distance(a Vec3, b Vec3) float64 {
	return Sub(a, b).Length()
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func NewVec3FromProtobuf(point *dagazpb.Point) Vec3 {
	if point == nil {
		return Vec3{}
	}
	return Vec3{
		X: float64(point.X),
		Y: float64(point.Y),
		Z: float64(point.Z),
	}
}

func (v Vec3) ToProtobuf() *dagazpb.Point {
	return &dagazpb.Point{
		X: float32(v.X),
		Y: float32(v.Y),
		Z: float32(v.Z),
	}
}
