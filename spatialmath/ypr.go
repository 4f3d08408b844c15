package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// YPR holds intrinsic Z-Y-X Euler angles in radians: the rotation is Rz(Yaw) * Ry(Pitch) * Rx(Roll).
// This is the convention of the odometry front-end, whose roll and pitch are observable from
// gravity while yaw drifts.
type YPR struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// QuatToYPR decomposes a unit quaternion into yaw, pitch and roll.
func QuatToYPR(q quat.Number) YPR {
	m := RotationMatrix(q)
	// n, o and a are the first, second and third columns of the rotation matrix.
	n := m.Col(0)
	o := m.Col(1)
	a := m.Col(2)

	y := math.Atan2(n[1], n[0])
	p := math.Atan2(-n[2], n[0]*math.Cos(y)+n[1]*math.Sin(y))
	r := math.Atan2(a[0]*math.Sin(y)-a[1]*math.Cos(y), -o[0]*math.Sin(y)+o[1]*math.Cos(y))
	return YPR{Yaw: y, Pitch: p, Roll: r}
}

// Quaternion composes the angles back into a unit quaternion.
func (e YPR) Quaternion() quat.Number {
	qz := (&R4AA{Theta: e.Yaw, RZ: 1}).ToQuat()
	qy := (&R4AA{Theta: e.Pitch, RY: 1}).ToQuat()
	qx := (&R4AA{Theta: e.Roll, RX: 1}).ToQuat()
	return quat.Mul(quat.Mul(qz, qy), qx)
}

// Degrees returns the angles converted to degrees as (yaw, pitch, roll).
func (e YPR) Degrees() r3.Vector {
	return r3.Vector{X: e.Yaw * radToDeg, Y: e.Pitch * radToDeg, Z: e.Roll * radToDeg}
}

// YawRotation returns a pure rotation about +Z by yaw radians.
func YawRotation(yaw float64) quat.Number {
	return YPR{Yaw: yaw}.Quaternion()
}

// Yaw returns the yaw component of q in radians.
func Yaw(q quat.Number) float64 {
	return QuatToYPR(q).Yaw
}

// NormalizeAngle wraps an angle in radians into (-pi, pi].
func NormalizeAngle(angle float64) float64 {
	for angle > math.Pi {
		angle -= 2 * math.Pi
	}
	for angle <= -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}

// NormalizeAngleDegrees wraps an angle in degrees into [-180, 180].
func NormalizeAngleDegrees(angle float64) float64 {
	if angle > 180 {
		return angle - 360
	}
	if angle < -180 {
		return angle + 360
	}
	return angle
}

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 {
	return rad * radToDeg
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 {
	return deg * degToRad
}
