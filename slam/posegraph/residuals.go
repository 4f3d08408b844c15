package posegraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/spatialmath"
)

// Parameter block sizes of one pose in each mode.
var (
	fourDoFBlocks = []int{1, 3, 1, 3}
	sixDoFBlocks  = []int{4, 3, 4, 3}
)

// fourDoFError ties pose j to pose i. Parameters are yaw_i (degrees), t_i, yaw_j (degrees), t_j.
// Pitch and roll of pose i are constants in radians.
type fourDoFError struct {
	translation r3.Vector
	// yaw is the relative yaw in degrees.
	yaw         float64
	pitch, roll float64
	// yawScale weights the yaw residual against the translation residual.
	yawScale float64
}

func (e *fourDoFError) NumResiduals() int           { return 4 }
func (e *fourDoFError) ParameterBlockSizes() []int { return fourDoFBlocks }

func (e *fourDoFError) Evaluate(params [][]float64, residuals []float64) bool {
	yawI, ti, yawJ, tj := params[0][0], params[1], params[2][0], params[3]
	qi := spatialmath.YPR{Yaw: spatialmath.DegToRad(yawI), Pitch: e.pitch, Roll: e.roll}.Quaternion()
	d := r3.Vector{X: tj[0] - ti[0], Y: tj[1] - ti[1], Z: tj[2] - ti[2]}
	local := spatialmath.QuatRotate(quat.Conj(qi), d)
	residuals[0] = local.X - e.translation.X
	residuals[1] = local.Y - e.translation.Y
	residuals[2] = local.Z - e.translation.Z
	residuals[3] = spatialmath.NormalizeAngleDegrees(yawJ-yawI-e.yaw) * e.yawScale
	return true
}

// relativePoseError ties pose j to pose i in full 6-DoF. Parameters are q_i (wxyz), t_i, q_j, t_j.
// Translation residuals are divided by translationStd and rotation residuals, twice the vector
// part of the rotation error, by rotationStd.
type relativePoseError struct {
	translation    r3.Vector
	rotation       quat.Number
	translationStd float64
	rotationStd    float64
}

func (e *relativePoseError) NumResiduals() int           { return 6 }
func (e *relativePoseError) ParameterBlockSizes() []int { return sixDoFBlocks }

func (e *relativePoseError) Evaluate(params [][]float64, residuals []float64) bool {
	qi := quatFrom(params[0])
	qj := quatFrom(params[2])
	ti, tj := params[1], params[3]
	d := r3.Vector{X: tj[0] - ti[0], Y: tj[1] - ti[1], Z: tj[2] - ti[2]}
	local := spatialmath.QuatRotate(quat.Conj(qi), d)
	residuals[0] = (local.X - e.translation.X) / e.translationStd
	residuals[1] = (local.Y - e.translation.Y) / e.translationStd
	residuals[2] = (local.Z - e.translation.Z) / e.translationStd

	qij := quat.Mul(quat.Conj(qi), qj)
	qErr := quat.Mul(quat.Conj(e.rotation), qij)
	residuals[3] = 2 * qErr.Imag / e.rotationStd
	residuals[4] = 2 * qErr.Jmag / e.rotationStd
	residuals[5] = 2 * qErr.Kmag / e.rotationStd
	return true
}

func quatFrom(values []float64) quat.Number {
	return quat.Number{Real: values[0], Imag: values[1], Jmag: values[2], Kmag: values[3]}
}
