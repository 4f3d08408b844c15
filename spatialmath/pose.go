package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: a rotation followed by a translation. Applied to a point p it
// yields Orientation*p + Point.
type Pose struct {
	Point       r3.Vector
	Orientation quat.Number
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// NewPose builds a pose from a translation and a rotation quaternion. The quaternion is normalized.
func NewPose(pt r3.Vector, q quat.Number) Pose {
	return Pose{Point: pt, Orientation: Normalize(q)}
}

// NewPoseFromPoint builds a pure translation.
func NewPoseFromPoint(pt r3.Vector) Pose {
	return Pose{Point: pt, Orientation: quat.Number{Real: 1}}
}

// NewPoseFromOrientation builds a pure rotation.
func NewPoseFromOrientation(q quat.Number) Pose {
	return Pose{Orientation: Normalize(q)}
}

// Transform applies the pose to a point.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	return QuatRotate(p.Orientation, pt).Add(p.Point)
}

// Compose returns a*b, i.e. the pose b expressed in the frame in which a is expressed.
func Compose(a, b Pose) Pose {
	return Pose{
		Point:       a.Transform(b.Point),
		Orientation: Normalize(quat.Mul(a.Orientation, b.Orientation)),
	}
}

// PoseInverse returns the inverse transform of p.
func PoseInverse(p Pose) Pose {
	inv := quat.Conj(p.Orientation)
	return Pose{
		Point:       QuatRotate(inv, p.Point).Mul(-1),
		Orientation: inv,
	}
}

// PoseBetween returns the pose of b expressed in the frame of a: inverse(a) * b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// PoseAlmostEqual reports whether two poses agree to within tol in translation (absolute, per
// axis) and within tol radians in rotation.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	d := a.Point.Sub(b.Point)
	if math.Abs(d.X) > tol || math.Abs(d.Y) > tol || math.Abs(d.Z) > tol {
		return false
	}
	return AngleBetween(a.Orientation, b.Orientation) <= tol
}

func (p Pose) String() string {
	return fmt.Sprintf("{X:%.5f Y:%.5f Z:%.5f W:%.5f QX:%.5f QY:%.5f QZ:%.5f}",
		p.Point.X, p.Point.Y, p.Point.Z,
		p.Orientation.Real, p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag)
}
