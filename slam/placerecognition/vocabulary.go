// Package placerecognition finds previously visited places from binary feature descriptors. A
// hierarchical vocabulary quantizes descriptors into visual words; a Database keeps the
// bag-of-words vector of every inserted keyframe in an inverted file; a Recognizer applies the loop
// candidate policy on top of Database queries.
package placerecognition

import (
	"context"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"go.viam.com/loopfusion/vision/keypoints"
)

// ErrEmptyVocabulary is returned when a vocabulary without words is used or produced.
var ErrEmptyVocabulary = errors.New("vocabulary has no words")

// WordID identifies a leaf of the vocabulary tree.
type WordID uint32

// BowVector is an L1-normalized tf-idf weighted bag of words.
type BowVector map[WordID]float64

type vocabNode struct {
	parent     int
	children   []int
	descriptor keypoints.Descriptor
	weight     float64
	word       int
}

// Vocabulary is a tree of binary descriptor cluster centers. Leaves are visual words, each weighted
// by its inverse document frequency in the training set.
type Vocabulary struct {
	branching       int
	depth           int
	descriptorWords int
	// nodes[0] is the root and carries no descriptor.
	nodes []vocabNode
	words []int
}

// Branching is the number of children per tree node.
func (v *Vocabulary) Branching() int { return v.branching }

// Depth is the number of levels below the root.
func (v *Vocabulary) Depth() int { return v.depth }

// Size is the number of words.
func (v *Vocabulary) Size() int { return len(v.words) }

// DescriptorWords is the number of 64 bit words in the descriptors the vocabulary was trained on.
func (v *Vocabulary) DescriptorWords() int { return v.descriptorWords }

// Weight returns the idf weight of a word.
func (v *Vocabulary) Weight(w WordID) float64 {
	if int(w) >= len(v.words) {
		return 0
	}
	return v.nodes[v.words[w]].weight
}

// Word quantizes one descriptor and returns its word and the word's weight.
func (v *Vocabulary) Word(d keypoints.Descriptor) (WordID, float64, error) {
	if len(v.words) == 0 {
		return 0, 0, ErrEmptyVocabulary
	}
	if len(d) != v.descriptorWords {
		return 0, 0, errors.Errorf("descriptor has %d words, vocabulary expects %d", len(d), v.descriptorWords)
	}
	id := 0
	for len(v.nodes[id].children) > 0 {
		best, bestDist := -1, math.MaxInt
		for _, child := range v.nodes[id].children {
			dist, err := keypoints.HammingDistance(d, v.nodes[child].descriptor)
			if err != nil {
				return 0, 0, err
			}
			if dist < bestDist {
				best, bestDist = child, dist
			}
		}
		id = best
	}
	leaf := v.nodes[id]
	return WordID(leaf.word), leaf.weight, nil
}

// Transform converts the descriptors of one image into its bag-of-words vector. Words with zero
// weight are left out.
func (v *Vocabulary) Transform(descs keypoints.Descriptors) (BowVector, error) {
	bow := BowVector{}
	for _, d := range descs {
		w, weight, err := v.Word(d)
		if err != nil {
			return nil, err
		}
		if weight > 0 {
			bow[w] += weight
		}
	}
	bow.normalize()
	return bow, nil
}

func (bow BowVector) normalize() {
	sum := 0.
	for _, value := range bow {
		sum += math.Abs(value)
	}
	if sum == 0 {
		return
	}
	for w := range bow {
		bow[w] /= sum
	}
}

// ScoreL1 returns the similarity of two normalized vectors, 1 - |a-b|/2, in [0, 1].
func ScoreL1(a, b BowVector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	score := 0.
	for w, va := range a {
		vb, ok := b[w]
		if !ok {
			continue
		}
		score += math.Abs(va) + math.Abs(vb) - math.Abs(va-vb)
	}
	return 0.5 * score
}

// TrainOptions configures vocabulary training.
type TrainOptions struct {
	Branching int
	Depth     int
	// MaxIterations bounds the k-majority iterations per node.
	MaxIterations int
	Seed          int64
}

// DefaultTrainOptions returns a 10 way, 6 level tree.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Branching: 10, Depth: 6, MaxIterations: 20, Seed: 1}
}

type trainer struct {
	opts  TrainOptions
	rng   *rand.Rand
	descs keypoints.Descriptors
	voc   *Vocabulary
}

// TrainVocabulary clusters the descriptors of a set of training images into a vocabulary tree by
// hierarchical k-majority clustering and weights the resulting words by their inverse document
// frequency across the images.
func TrainVocabulary(ctx context.Context, images []keypoints.Descriptors, opts TrainOptions) (*Vocabulary, error) {
	if opts.Branching < 2 {
		return nil, errors.Errorf("vocabulary branching must be at least 2, got %d", opts.Branching)
	}
	if opts.Depth < 1 {
		return nil, errors.Errorf("vocabulary depth must be at least 1, got %d", opts.Depth)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultTrainOptions().MaxIterations
	}

	var all keypoints.Descriptors
	for _, img := range images {
		all = append(all, img...)
	}
	if len(all) == 0 {
		return nil, ErrEmptyVocabulary
	}
	words := len(all[0])
	for i, d := range all {
		if len(d) != words || words == 0 {
			return nil, errors.Errorf("training descriptor %d has %d words, expected %d", i, len(d), words)
		}
	}

	t := &trainer{
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)), //nolint:gosec
		descs: all,
		voc: &Vocabulary{
			branching:       opts.Branching,
			depth:           opts.Depth,
			descriptorWords: words,
			nodes:           []vocabNode{{parent: -1, word: -1}},
		},
	}
	members := make([]int, len(all))
	for i := range members {
		members[i] = i
	}
	if err := t.cluster(ctx, 0, members, 0); err != nil {
		return nil, err
	}
	t.voc.assignWords()

	// idf: log(N / n_i), n_i being the number of images containing word i.
	occurrences := make([]int, len(t.voc.words))
	for _, img := range images {
		seen := map[WordID]bool{}
		for _, d := range img {
			w, _, err := t.voc.Word(d)
			if err != nil {
				return nil, err
			}
			seen[w] = true
		}
		for w := range seen {
			occurrences[w]++
		}
	}
	n := float64(len(images))
	for w, count := range occurrences {
		weight := 0.
		if count > 0 {
			weight = math.Log(n / float64(count))
		}
		t.voc.nodes[t.voc.words[w]].weight = weight
	}
	return t.voc, nil
}

func (t *trainer) cluster(ctx context.Context, parent int, members []int, level int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var centers keypoints.Descriptors
	var groups [][]int
	if len(members) <= t.opts.Branching {
		for _, m := range members {
			centers = append(centers, t.descs[m].Clone())
			groups = append(groups, []int{m})
		}
	} else {
		centers, groups = t.kMajority(members)
	}

	for i, center := range centers {
		id := len(t.voc.nodes)
		t.voc.nodes = append(t.voc.nodes, vocabNode{parent: parent, descriptor: center, word: -1})
		t.voc.nodes[parent].children = append(t.voc.nodes[parent].children, id)
		if level+1 < t.opts.Depth && len(groups[i]) > 1 {
			if err := t.cluster(ctx, id, groups[i], level+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// kMajority clusters members around k centers seeded with k-means++. A center is the bitwise
// majority of its cluster.
func (t *trainer) kMajority(members []int) (keypoints.Descriptors, [][]int) {
	k := t.opts.Branching
	centers := keypoints.Descriptors{t.descs[members[t.rng.Intn(len(members))]].Clone()}
	minDist := make([]float64, len(members))
	for i := range minDist {
		minDist[i] = math.Inf(1)
	}
	for len(centers) < k {
		last := centers[len(centers)-1]
		total := 0.
		for i, m := range members {
			dist, _ := keypoints.HammingDistance(t.descs[m], last)
			d := float64(dist)
			if d*d < minDist[i] {
				minDist[i] = d * d
			}
			total += minDist[i]
		}
		if total == 0 {
			break
		}
		target := t.rng.Float64() * total
		pick := len(members) - 1
		for i := range members {
			target -= minDist[i]
			if target <= 0 {
				pick = i
				break
			}
		}
		centers = append(centers, t.descs[members[pick]].Clone())
	}

	assignment := make([]int, len(members))
	for i := range assignment {
		assignment[i] = -1
	}
	var groups [][]int
	for iter := 0; iter < t.opts.MaxIterations; iter++ {
		changed := false
		groups = make([][]int, len(centers))
		for i, m := range members {
			best, bestDist := 0, math.MaxInt
			for c, center := range centers {
				dist, _ := keypoints.HammingDistance(t.descs[m], center)
				if dist < bestDist {
					best, bestDist = c, dist
				}
			}
			if assignment[i] != best {
				assignment[i] = best
				changed = true
			}
			groups[best] = append(groups[best], m)
		}
		if !changed {
			break
		}
		for c, group := range groups {
			if len(group) > 0 {
				centers[c] = t.majority(group)
			}
		}
	}

	outCenters := make(keypoints.Descriptors, 0, len(centers))
	outGroups := make([][]int, 0, len(centers))
	for c, group := range groups {
		if len(group) > 0 {
			outCenters = append(outCenters, centers[c])
			outGroups = append(outGroups, group)
		}
	}
	return outCenters, outGroups
}

func (t *trainer) majority(group []int) keypoints.Descriptor {
	words := len(t.descs[group[0]])
	counts := make([]int, 64*words)
	for _, m := range group {
		d := t.descs[m]
		for b := range counts {
			if d.Bit(b) {
				counts[b]++
			}
		}
	}
	out := make(keypoints.Descriptor, words)
	for b, count := range counts {
		if 2*count > len(group) {
			out.SetBit(b, true)
		}
	}
	return out
}

// assignWords numbers the leaves in node order.
func (v *Vocabulary) assignWords() {
	v.words = v.words[:0]
	for id := 1; id < len(v.nodes); id++ {
		if len(v.nodes[id].children) == 0 {
			v.nodes[id].word = len(v.words)
			v.words = append(v.words, id)
		}
	}
}
