package placerecognition

import (
	"context"
	"image"
	"sync"

	"github.com/samber/lo"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
)

// Policy decides which query results count as a loop.
type Policy struct {
	// SearchMargin excludes the most recent keyframes: only entries with index at most
	// index - SearchMargin are searched.
	SearchMargin int
	// MinIndex is the index a keyframe must exceed before any loop is declared.
	MinIndex int
	// TopScore is the score the best result must exceed for the query to be considered at all.
	TopScore float64
	// CandidateScore is the score a lower ranked result must exceed to be a loop candidate.
	CandidateScore float64
	MaxResults     int
}

// DefaultPolicy returns the policy tuned for BRIEF descriptors on a 10^6 word vocabulary.
func DefaultPolicy() Policy {
	return Policy{
		SearchMargin:   50,
		MinIndex:       50,
		TopScore:       0.05,
		CandidateScore: 0.015,
		MaxResults:     4,
	}
}

// Recognizer detects loop candidates. Every detection queries the database before inserting the
// keyframe, so a keyframe never matches itself.
type Recognizer struct {
	db     *Database
	policy Policy
	images *ImagePool
	logger logging.Logger

	mu         sync.Mutex
	loopResult image.Image
}

// NewRecognizer returns a recognizer over a fresh database. images may be nil, which disables
// debug rendering.
func NewRecognizer(voc *Vocabulary, policy Policy, images *ImagePool, logger logging.Logger) *Recognizer {
	return &Recognizer{
		db:     NewDatabase(voc),
		policy: policy,
		images: images,
		logger: logger,
	}
}

// Database returns the underlying database.
func (r *Recognizer) Database() *Database { return r.db }

// Images returns the debug image pool, or nil.
func (r *Recognizer) Images() *ImagePool { return r.images }

// Add inserts a keyframe without querying.
func (r *Recognizer) Add(kf *keyframe.KeyFrame) error {
	if err := r.db.Add(kf.Index, kf.Descriptors); err != nil {
		return err
	}
	if r.images != nil {
		r.images.Add(kf.Index, kf.Image)
	}
	return nil
}

// DetectLoop queries the database with the keyframe, inserts it, and returns the index of the
// oldest acceptable candidate. No candidate is not an error.
func (r *Recognizer) DetectLoop(ctx context.Context, kf *keyframe.KeyFrame) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return keyframe.NoLoop, false, err
	}
	bow, err := r.db.Vocabulary().Transform(kf.Descriptors)
	if err != nil {
		return keyframe.NoLoop, false, err
	}
	results := r.db.QueryVector(bow, r.policy.MaxResults, kf.Index-r.policy.SearchMargin)
	if err := r.db.AddVector(kf.Index, bow); err != nil {
		return keyframe.NoLoop, false, err
	}
	if r.images != nil {
		r.images.Add(kf.Index, kf.Image)
		mosaic := r.images.LoopResult(kf.Index, results, r.policy.CandidateScore)
		r.mu.Lock()
		r.loopResult = mosaic
		r.mu.Unlock()
	}

	candidate, ok := r.policy.pick(kf.Index, results)
	if ok {
		r.logger.Debugw("loop candidate", "index", kf.Index, "candidate", candidate, "results", results.String())
	}
	return candidate, ok, nil
}

// LoopResult returns the debug rendering of the last detection, or nil.
func (r *Recognizer) LoopResult() image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopResult
}

// pick applies the policy to the results of querying with the keyframe at index.
func (p Policy) pick(index int, results Results) (int, bool) {
	if len(results) == 0 || results[0].Score <= p.TopScore {
		return keyframe.NoLoop, false
	}
	survivors := lo.Filter(results[1:], func(res Result, _ int) bool {
		return res.Score > p.CandidateScore
	})
	if len(survivors) == 0 || index <= p.MinIndex {
		return keyframe.NoLoop, false
	}
	oldest := lo.MinBy(append(Results{results[0]}, survivors...), func(a, b Result) bool {
		return a.ID < b.ID
	})
	return oldest.ID, true
}
