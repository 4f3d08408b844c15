package keyframe

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/vision/keypoints"
)

// DefaultMinMatches is the number of cross-checked descriptor matches below which a candidate
// cannot yield a reliable relative pose.
const DefaultMinMatches = 25

// MatchGate is a LoopVerifier that rejects candidates sharing too few descriptor matches with the
// current keyframe before handing the rest to Next.
type MatchGate struct {
	MinMatches int
	Matching   keypoints.MatchingConfig
	Next       LoopVerifier
	Logger     logging.Logger
}

// NewMatchGate wraps next with a cross-checked match count gate.
func NewMatchGate(minMatches int, next LoopVerifier, logger logging.Logger) *MatchGate {
	if minMatches <= 0 {
		minMatches = DefaultMinMatches
	}
	return &MatchGate{
		MinMatches: minMatches,
		Matching:   keypoints.MatchingConfig{DoCrossCheck: true, MaxDist: 80},
		Next:       next,
		Logger:     logger,
	}
}

// VerifyLoop implements LoopVerifier.
func (g *MatchGate) VerifyLoop(ctx context.Context, current, candidate *KeyFrame) (LoopConstraint, bool, error) {
	matches, err := keypoints.MatchKeypoints(current.Descriptors, candidate.Descriptors, &g.Matching)
	if err != nil {
		return LoopConstraint{}, false, errors.Wrapf(err, "matching keyframe %d against %d", current.Index, candidate.Index)
	}
	if len(matches.Indices) < g.MinMatches {
		if g.Logger != nil {
			g.Logger.Debugw("too few matches for loop candidate",
				"index", current.Index, "loop_index", candidate.Index, "matches", len(matches.Indices))
		}
		return LoopConstraint{}, false, nil
	}
	return g.Next.VerifyLoop(ctx, current, candidate)
}
