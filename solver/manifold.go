package solver

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/spatialmath"
)

// A Manifold describes how a parameter block is updated by a step computed in its tangent space.
type Manifold interface {
	AmbientSize() int
	TangentSize() int
	// Plus writes x ⊞ delta into xPlusDelta. x and xPlusDelta have AmbientSize elements, delta has
	// TangentSize elements.
	Plus(x, delta, xPlusDelta []float64)
}

// EuclideanManifold is the usual vector space update.
type EuclideanManifold struct {
	Size int
}

// AmbientSize implements Manifold.
func (m EuclideanManifold) AmbientSize() int { return m.Size }

// TangentSize implements Manifold.
func (m EuclideanManifold) TangentSize() int { return m.Size }

// Plus implements Manifold.
func (m EuclideanManifold) Plus(x, delta, xPlusDelta []float64) {
	for i := range x {
		xPlusDelta[i] = x[i] + delta[i]
	}
}

// AngleManifold is a single angle in degrees, kept within [-180, 180].
type AngleManifold struct{}

// AmbientSize implements Manifold.
func (AngleManifold) AmbientSize() int { return 1 }

// TangentSize implements Manifold.
func (AngleManifold) TangentSize() int { return 1 }

// Plus implements Manifold.
func (AngleManifold) Plus(x, delta, xPlusDelta []float64) {
	xPlusDelta[0] = spatialmath.NormalizeAngleDegrees(x[0] + delta[0])
}

// QuaternionManifold is a unit quaternion stored as (w, x, y, z). A tangent step delta is applied
// on the left as the quaternion (cos|delta|, sin|delta| * delta/|delta|).
type QuaternionManifold struct{}

// AmbientSize implements Manifold.
func (QuaternionManifold) AmbientSize() int { return 4 }

// TangentSize implements Manifold.
func (QuaternionManifold) TangentSize() int { return 3 }

// Plus implements Manifold.
func (QuaternionManifold) Plus(x, delta, xPlusDelta []float64) {
	step := spatialmath.R3ToR4(r3.Vector{X: 2 * delta[0], Y: 2 * delta[1], Z: 2 * delta[2]}).ToQuat()
	q := quat.Mul(step, quat.Number{Real: x[0], Imag: x[1], Jmag: x[2], Kmag: x[3]})
	xPlusDelta[0], xPlusDelta[1], xPlusDelta[2], xPlusDelta[3] = q.Real, q.Imag, q.Jmag, q.Kmag
}
