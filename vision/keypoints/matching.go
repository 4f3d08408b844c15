package keypoints

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	DoCrossCheck bool `json:"do_cross_check"`
	MaxDist      int  `json:"max_dist"`
}

// DescriptorMatch contains the index of a match in the first and second set of descriptors.
type DescriptorMatch struct {
	Idx1 int
	Idx2 int
	Dist int
}

// DescriptorMatches contains the descriptors and their matches, sorted by increasing distance.
type DescriptorMatches struct {
	Indices      []DescriptorMatch
	Descriptors1 Descriptors
	Descriptors2 Descriptors
}

func argMinPerRow(distances [][]int) []int {
	out := make([]int, len(distances))
	for i, row := range distances {
		best := -1
		for j, d := range row {
			if best == -1 || d < row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

func transpose(distances [][]int, cols int) [][]int {
	out := make([][]int, cols)
	for j := range out {
		out[j] = make([]int, len(distances))
		for i := range distances {
			out[j][i] = distances[i][j]
		}
	}
	return out
}

// MatchKeypoints takes 2 sets of descriptors and performs brute force matching. Each descriptor of
// the first set is matched with its nearest neighbor in the second set; the cross check keeps only
// mutual nearest neighbors and MaxDist, when positive, drops matches at or above that distance.
func MatchKeypoints(desc1, desc2 Descriptors, cfg *MatchingConfig) (*DescriptorMatches, error) {
	if len(desc1) == 0 || len(desc2) == 0 {
		return &DescriptorMatches{Descriptors1: desc1, Descriptors2: desc2}, nil
	}
	distances, err := DescriptorsHammingDistance(desc1, desc2)
	if err != nil {
		return nil, errors.Wrap(err, "cannot match descriptors")
	}
	indices2 := argMinPerRow(distances)
	var matches1 []int
	if cfg.DoCrossCheck {
		matches1 = argMinPerRow(transpose(distances, len(desc2)))
	}

	matches := make([]DescriptorMatch, 0, len(desc1))
	for i, j := range indices2 {
		if cfg.DoCrossCheck && matches1[j] != i {
			continue
		}
		if cfg.MaxDist > 0 && distances[i][j] >= cfg.MaxDist {
			continue
		}
		matches = append(matches, DescriptorMatch{Idx1: i, Idx2: j, Dist: distances[i][j]})
	}

	dists := make([]float64, len(matches))
	for i, m := range matches {
		dists[i] = float64(m.Dist)
	}
	sortedIndices := make([]int, len(matches))
	floats.Argsort(dists, sortedIndices)
	sorted := make([]DescriptorMatch, len(matches))
	for i, idx := range sortedIndices {
		sorted[i] = matches[idx]
	}

	return &DescriptorMatches{sorted, desc1, desc2}, nil
}

// GetMatchingKeyPoints takes the matches and the keypoints and returns the corresponding keypoints that are matched.
func GetMatchingKeyPoints(matches *DescriptorMatches, kps1, kps2 KeyPoints) (KeyPoints, KeyPoints, error) {
	matchedKps1 := make(KeyPoints, len(matches.Indices))
	matchedKps2 := make(KeyPoints, len(matches.Indices))
	for i, match := range matches.Indices {
		if match.Idx1 >= len(kps1) {
			return nil, nil, errors.New("there are more matches than keypoints in first set")
		}
		if match.Idx2 >= len(kps2) {
			return nil, nil, errors.New("there are more matches than keypoints in second set")
		}
		matchedKps1[i] = kps1[match.Idx1]
		matchedKps2[i] = kps2[match.Idx2]
	}
	return matchedKps1, matchedKps2, nil
}
