// Package keyframe defines the atomic unit of the pose graph: a sampled frame with its odometry
// and corrected poses, its visual features, and at most one verified loop link.
package keyframe

import (
	"image"

	"github.com/pkg/errors"

	"go.viam.com/loopfusion/spatialmath"
	"go.viam.com/loopfusion/vision/keypoints"
)

// NoLoop is the loop index of a keyframe without a loop link.
const NoLoop = -1

// ErrNotFound is returned when no keyframe has the requested index.
var ErrNotFound = errors.New("keyframe not found")

// KeyFrame is a selected camera frame. Index is assigned by the pose graph at registration and
// never reused. VIO is the odometry pose in the session's odometry frame (after alignment);
// World is the corrected pose published to consumers.
type KeyFrame struct {
	Index     int
	Sequence  int
	Timestamp float64

	VIO   spatialmath.Pose
	World spatialmath.Pose

	KeyPoints   keypoints.KeyPoints
	Descriptors keypoints.Descriptors
	// Image is only kept when debug images are enabled.
	Image image.Image

	LoopIndex int
	Loop      LoopInfo
}

// New creates an unregistered keyframe. Its world pose starts equal to its odometry pose.
func New(
	timestamp float64,
	sequence int,
	vio spatialmath.Pose,
	kps keypoints.KeyPoints,
	descs keypoints.Descriptors,
) *KeyFrame {
	return &KeyFrame{
		Index:       -1,
		Sequence:    sequence,
		Timestamp:   timestamp,
		VIO:         vio,
		World:       vio,
		KeyPoints:   kps,
		Descriptors: descs,
		LoopIndex:   NoLoop,
	}
}

// HasLoop reports whether the keyframe carries a loop link.
func (kf *KeyFrame) HasLoop() bool {
	return kf.LoopIndex != NoLoop
}

// SetLoop records the verified loop link to the keyframe with index loopIndex.
func (kf *KeyFrame) SetLoop(loopIndex int, info LoopInfo) {
	kf.LoopIndex = loopIndex
	kf.Loop = info
}

// Validate checks the invariants a keyframe must satisfy before registration.
func (kf *KeyFrame) Validate() error {
	if len(kf.KeyPoints) != len(kf.Descriptors) {
		return errors.Errorf("keyframe has %d keypoints but %d descriptors", len(kf.KeyPoints), len(kf.Descriptors))
	}
	if kf.Sequence < 0 {
		return errors.Errorf("keyframe sequence must be non-negative, got %d", kf.Sequence)
	}
	return nil
}

// Clone returns a copy that can be handed out of the graph. Perception payload is read-only after
// registration and is shared.
func (kf *KeyFrame) Clone() *KeyFrame {
	cp := *kf
	return &cp
}
