// Package spatialmath defines the rigid-body math shared by the pose graph: poses, quaternions,
// and the yaw/pitch/roll convention of the upstream odometry estimator.
package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

const (
	radToDeg = 180 / math.Pi
	degToRad = math.Pi / 180
)

// Norm returns the norm of the quaternion, i.e. the sqrt of the squares of the imaginary parts.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// Normalize returns q scaled to unit length. A zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// QuatRotate rotates v by the unit quaternion q.
func QuatRotate(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// QuaternionAlmostEqual is an equality test for quaternions that treats q and -q as equal.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	same := math.Abs(a.Real-b.Real) < tol && math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol && math.Abs(a.Kmag-b.Kmag) < tol
	if same {
		return true
	}
	b = Flip(b)
	return math.Abs(a.Real-b.Real) < tol && math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol && math.Abs(a.Kmag-b.Kmag) < tol
}

// RotationMatrix converts a unit quaternion to a 3x3 rotation matrix.
func RotationMatrix(q quat.Number) mgl64.Mat3 {
	q = Normalize(q)
	return mgl64.Quat{W: q.Real, V: mgl64.Vec3{q.Imag, q.Jmag, q.Kmag}}.Mat4().Mat3()
}

// RotationMatrixToQuat converts a 3x3 rotation matrix to a unit quaternion with a non-negative
// real part.
func RotationMatrixToQuat(m mgl64.Mat3) quat.Number {
	mq := mgl64.Mat4ToQuat(m.Mat4())
	q := Normalize(quat.Number{Real: mq.W, Imag: mq.V[0], Jmag: mq.V[1], Kmag: mq.V[2]})
	if q.Real < 0 {
		q = Flip(q)
	}
	return q
}

// AngleBetween returns the angle in radians of the rotation taking a to b.
func AngleBetween(a, b quat.Number) float64 {
	return QuatToR3AA(quat.Mul(quat.Conj(a), b)).Norm()
}
