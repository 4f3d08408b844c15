// Package keypoints contains the perception payload carried by a keyframe: 2D keypoints in pixel
// and normalized camera coordinates, packed binary descriptors, and descriptor matching.
package keypoints

import (
	"github.com/golang/geo/r2"
)

// KeyPoint is a detected image feature. Pixel is in image coordinates, Normalized is on the
// z=1 plane of the camera after undistortion.
type KeyPoint struct {
	Pixel      r2.Point
	Normalized r2.Point
}

// KeyPoints is a set of keypoints.
type KeyPoints []KeyPoint

// NewKeyPoint builds a keypoint from pixel and normalized coordinates.
func NewKeyPoint(u, v, x, y float64) KeyPoint {
	return KeyPoint{Pixel: r2.Point{X: u, Y: v}, Normalized: r2.Point{X: x, Y: y}}
}

