package keyframe

import (
	"context"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/spatialmath"
)

// LoopInfo is the relative pose of a keyframe with respect to its loop target: translation xyz,
// rotation quaternion wxyz and the relative yaw in degrees.
type LoopInfo [8]float64

// NewLoopInfo packs a relative pose and its yaw into a LoopInfo.
func NewLoopInfo(relative spatialmath.Pose, relativeYawDeg float64) LoopInfo {
	q := relative.Orientation
	return LoopInfo{
		relative.Point.X, relative.Point.Y, relative.Point.Z,
		q.Real, q.Imag, q.Jmag, q.Kmag,
		relativeYawDeg,
	}
}

// RelativeTranslation is the position of the keyframe expressed in the loop target's frame.
func (li LoopInfo) RelativeTranslation() r3.Vector {
	return r3.Vector{X: li[0], Y: li[1], Z: li[2]}
}

// RelativeRotation is the orientation of the keyframe expressed in the loop target's frame.
func (li LoopInfo) RelativeRotation() quat.Number {
	return spatialmath.Normalize(quat.Number{Real: li[3], Imag: li[4], Jmag: li[5], Kmag: li[6]})
}

// RelativePose combines RelativeTranslation and RelativeRotation.
func (li LoopInfo) RelativePose() spatialmath.Pose {
	return spatialmath.Pose{Point: li.RelativeTranslation(), Orientation: li.RelativeRotation()}
}

// RelativeYaw returns the relative yaw in degrees.
func (li LoopInfo) RelativeYaw() float64 {
	return li[7]
}

// LoopConstraint is the outcome of a successful geometric verification.
type LoopConstraint struct {
	// Relative is the pose of the current keyframe in the candidate's frame.
	Relative spatialmath.Pose
	// Inliers is the number of correspondences supporting Relative, when known.
	Inliers int
}

// A LoopVerifier checks whether a candidate keyframe really observes the same place as the current
// keyframe and, if so, estimates their relative pose. A rejection is (LoopConstraint{}, false, nil);
// errors are reserved for failures of the verifier itself.
type LoopVerifier interface {
	VerifyLoop(ctx context.Context, current, candidate *KeyFrame) (LoopConstraint, bool, error)
}

// VerifierFunc adapts a function to a LoopVerifier.
type VerifierFunc func(ctx context.Context, current, candidate *KeyFrame) (LoopConstraint, bool, error)

// VerifyLoop calls f.
func (f VerifierFunc) VerifyLoop(ctx context.Context, current, candidate *KeyFrame) (LoopConstraint, bool, error) {
	return f(ctx, current, candidate)
}

// RejectAll is a LoopVerifier that rejects every candidate. It is used when no geometric verifier is
// configured, so only externally supplied loop links are accepted.
var RejectAll = VerifierFunc(func(ctx context.Context, current, candidate *KeyFrame) (LoopConstraint, bool, error) {
	return LoopConstraint{}, false, nil
})
