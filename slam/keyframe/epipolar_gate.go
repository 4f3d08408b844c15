package keyframe

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/vision/keypoints"
	"go.viam.com/loopfusion/vision/odometry"
)

// EpipolarGate is a LoopVerifier that fits the epipolar geometry of the descriptor matches between
// the two keyframes with RANSAC and rejects candidates with fewer than MinInliers consistent
// matches before handing the rest to Next.
type EpipolarGate struct {
	MinInliers int
	Matching   keypoints.MatchingConfig
	Ransac     odometry.RansacConfig
	Next       LoopVerifier
	Logger     logging.Logger
}

// NewEpipolarGate wraps next with an epipolar consistency check on normalized keypoint
// coordinates.
func NewEpipolarGate(minInliers int, next LoopVerifier, logger logging.Logger) *EpipolarGate {
	if minInliers <= 0 {
		minInliers = DefaultMinMatches
	}
	return &EpipolarGate{
		MinInliers: minInliers,
		Matching:   keypoints.MatchingConfig{DoCrossCheck: true, MaxDist: 80},
		Ransac:     odometry.DefaultRansacConfig(),
		Next:       next,
		Logger:     logger,
	}
}

// VerifyLoop implements LoopVerifier.
func (g *EpipolarGate) VerifyLoop(ctx context.Context, current, candidate *KeyFrame) (LoopConstraint, bool, error) {
	matches, err := keypoints.MatchKeypoints(current.Descriptors, candidate.Descriptors, &g.Matching)
	if err != nil {
		return LoopConstraint{}, false, errors.Wrapf(err, "matching keyframe %d against %d", current.Index, candidate.Index)
	}
	if len(matches.Indices) < g.MinInliers {
		g.reject(current, candidate, len(matches.Indices), 0)
		return LoopConstraint{}, false, nil
	}

	pts1 := make([]r2.Point, len(matches.Indices))
	pts2 := make([]r2.Point, len(matches.Indices))
	for i, m := range matches.Indices {
		if m.Idx1 >= len(current.KeyPoints) || m.Idx2 >= len(candidate.KeyPoints) {
			return LoopConstraint{}, false, errors.Errorf("keyframes %d and %d have fewer keypoints than descriptors",
				current.Index, candidate.Index)
		}
		pts1[i] = current.KeyPoints[m.Idx1].Normalized
		pts2[i] = candidate.KeyPoints[m.Idx2].Normalized
	}
	inliers, _, err := odometry.EpipolarInliers(pts1, pts2, g.Ransac)
	if err != nil {
		g.reject(current, candidate, len(matches.Indices), 0)
		return LoopConstraint{}, false, nil //nolint:nilerr
	}
	if count := odometry.CountInliers(inliers); count < g.MinInliers {
		g.reject(current, candidate, len(matches.Indices), count)
		return LoopConstraint{}, false, nil
	}
	return g.Next.VerifyLoop(ctx, current, candidate)
}

func (g *EpipolarGate) reject(current, candidate *KeyFrame, matches, inliers int) {
	if g.Logger == nil {
		return
	}
	g.Logger.Debugw("loop candidate fails epipolar check",
		"index", current.Index, "loop_index", candidate.Index, "matches", matches, "inliers", inliers)
}
