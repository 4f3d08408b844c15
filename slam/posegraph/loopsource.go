package posegraph

import (
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/spatialmath"
)

// LoopSourceKind says where the loop candidate of a registration comes from.
type LoopSourceKind int

const (
	// LoopNone registers the keyframe without looking for a loop. Its descriptors are still
	// inserted into the place recognizer.
	LoopNone LoopSourceKind = iota
	// LoopHint uses an externally supplied candidate.
	LoopHint
	// LoopDetect queries the place recognizer for a candidate.
	LoopDetect
)

func (k LoopSourceKind) String() string {
	switch k {
	case LoopNone:
		return "none"
	case LoopHint:
		return "hint"
	case LoopDetect:
		return "detect"
	}
	return "unknown"
}

// LoopSource is the loop handling requested for one registration.
type LoopSource struct {
	Kind LoopSourceKind
	// Index is the candidate of a LoopHint.
	Index int
	// Relative, when set on a LoopHint, is trusted as the verified pose of the new keyframe in the
	// candidate's frame and the verifier is skipped.
	Relative *spatialmath.Pose
}

// NoLoopSource registers without loop handling.
func NoLoopSource() LoopSource {
	return LoopSource{Kind: LoopNone, Index: keyframe.NoLoop}
}

// DetectLoopSource registers with place recognition.
func DetectLoopSource() LoopSource {
	return LoopSource{Kind: LoopDetect, Index: keyframe.NoLoop}
}

// HintLoopSource proposes index as the loop candidate; the verifier decides.
func HintLoopSource(index int) LoopSource {
	return LoopSource{Kind: LoopHint, Index: index}
}

// VerifiedLoopSource links to index with an already verified relative pose.
func VerifiedLoopSource(index int, relative spatialmath.Pose) LoopSource {
	return LoopSource{Kind: LoopHint, Index: index, Relative: &relative}
}
