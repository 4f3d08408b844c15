package posegraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/spatialmath"
)

// Drift is the rigid correction from odometry poses to world poses estimated by the last
// optimization. In yaw-only mode the rotation is always about +Z.
type Drift struct {
	yawOnly    bool
	correction spatialmath.Pose
}

// NewDrift returns the identity correction.
func NewDrift(yawOnly bool) Drift {
	return Drift{yawOnly: yawOnly, correction: spatialmath.NewZeroPose()}
}

// Reset sets the correction back to identity.
func (d *Drift) Reset() {
	d.correction = spatialmath.NewZeroPose()
}

// Update derives the correction c such that c * vio == world. In yaw-only mode only the yaw
// difference is kept and the translation absorbs the rest.
func (d *Drift) Update(world, vio spatialmath.Pose) {
	var rot quat.Number
	if d.yawOnly {
		rot = spatialmath.YawRotation(spatialmath.Yaw(world.Orientation) - spatialmath.Yaw(vio.Orientation))
	} else {
		rot = spatialmath.Normalize(quat.Mul(world.Orientation, quat.Conj(vio.Orientation)))
	}
	d.correction = spatialmath.Pose{
		Point:       world.Point.Sub(spatialmath.QuatRotate(rot, vio.Point)),
		Orientation: rot,
	}
}

// Conjugate re-expresses the correction after every odometry pose was moved by shift.
func (d *Drift) Conjugate(shift spatialmath.Pose) {
	d.correction = spatialmath.Compose(spatialmath.Compose(shift, d.correction), spatialmath.PoseInverse(shift))
}

// Apply returns the world pose corresponding to an odometry pose.
func (d Drift) Apply(vio spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(d.correction, vio)
}

// Correction returns the current correction.
func (d Drift) Correction() spatialmath.Pose { return d.correction }

// Translation is the translational part of the correction.
func (d Drift) Translation() r3.Vector { return d.correction.Point }

// Yaw is the yaw of the correction in radians.
func (d Drift) Yaw() float64 { return spatialmath.Yaw(d.correction.Orientation) }
