package posegraph

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/trajectory"
	"go.viam.com/loopfusion/solver"
	"go.viam.com/loopfusion/spatialmath"
	"go.viam.com/loopfusion/vision/keypoints"
)

// exactOptions solves loops with plain least squares and enough iterations to converge.
func exactOptions(mode Mode) Options {
	opts := DefaultOptions()
	opts.Mode = mode
	opts.LoopLoss = nil
	opts.Solver.MaxIterations = 50
	return opts
}

func newKeyFrame(seq int, vio spatialmath.Pose) *keyframe.KeyFrame {
	return keyframe.New(1000+float64(seq), seq, vio, nil, nil)
}

// outAndBack is a path along +X that turns around at frame 32, so frame 60 is back where frame 5
// was.
func outAndBack(k int) r3.Vector {
	if k <= 32 {
		return r3.Vector{X: 0.1 * float64(k)}
	}
	return r3.Vector{X: 0.1 * float64(65-k)}
}

// driftingVIO adds 1cm of lateral drift per frame to outAndBack.
func driftingVIO(k int) spatialmath.Pose {
	pt := outAndBack(k)
	pt.Y = 0.01 * float64(k)
	return spatialmath.NewPoseFromPoint(pt)
}

// registerDriftLoop registers frames 0 to 59 and a frame 60 forced to close a loop on frame 5.
func registerDriftLoop(t *testing.T, g *Graph) {
	t.Helper()
	ctx := context.Background()
	for k := 0; k < 60; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	// The true relative pose of frame 60 in frame 5 is the identity.
	err := g.Register(ctx, newKeyFrame(1, driftingVIO(60)), VerifiedLoopSource(5, spatialmath.NewZeroPose()))
	test.That(t, err, test.ShouldBeNil)
}

// secondVIO is a straight path of a second session that starts in its own odometry frame,
// rotated and far away from the first.
func secondVIO(k int) spatialmath.Pose {
	offset := spatialmath.NewPose(r3.Vector{X: 100, Y: 50}, spatialmath.YawRotation(0.3))
	return spatialmath.Compose(offset, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.1 * float64(k)}))
}

// crossSessionLoop is where frame 21 of registerTwoSessions sees itself from frame 2.
var crossSessionLoop = spatialmath.NewPose(r3.Vector{X: 0.05}, spatialmath.YawRotation(0.02))

// registerTwoSessions registers frames 0 to 9 in session 1, frames 10 to 19 in session 2 and a
// frame 20 closing an exact loop on frame 12, inside session 2.
func registerTwoSessions(t *testing.T, register func(kf *keyframe.KeyFrame, src LoopSource) error) {
	t.Helper()
	for k := 0; k < 10; k++ {
		test.That(t, register(newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	for k := 0; k < 10; k++ {
		test.That(t, register(newKeyFrame(2, secondVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	relative := spatialmath.PoseBetween(secondVIO(2), secondVIO(10))
	test.That(t, register(newKeyFrame(2, secondVIO(10)), VerifiedLoopSource(12, relative)), test.ShouldBeNil)
}

func worldOf(t *testing.T, g *Graph, index int) spatialmath.Pose {
	t.Helper()
	kf, err := g.Get(index)
	test.That(t, err, test.ShouldBeNil)
	return kf.World
}

func TestRegisterAssignsIndices(t *testing.T) {
	latest := &trajectory.Latest{}
	g := NewGraph(DefaultOptions(), Dependencies{Publisher: latest}, logging.NewTestLogger(t))

	for k := 0; k < 5; k++ {
		kf := newKeyFrame(1, driftingVIO(k))
		kf.Index = 42
		test.That(t, g.Register(context.Background(), kf, NoLoopSource()), test.ShouldBeNil)
		test.That(t, kf.Index, test.ShouldEqual, k)
		test.That(t, kf.HasLoop(), test.ShouldBeFalse)
	}
	test.That(t, g.Len(), test.ShouldEqual, 5)
	test.That(t, g.Session(), test.ShouldEqual, 1)
	test.That(t, g.Horizon(), test.ShouldEqual, keyframe.NoLoop)
	_, pending := g.Pending()
	test.That(t, pending, test.ShouldBeFalse)

	snap, count := latest.Get()
	test.That(t, count, test.ShouldEqual, 5)
	test.That(t, snap.Event, test.ShouldEqual, trajectory.EventRegistered)
	test.That(t, snap.Latest.Index, test.ShouldEqual, 4)
	test.That(t, snap.Entries, test.ShouldHaveLength, 5)

	_, err := g.Get(9)
	test.That(t, errors.Is(err, keyframe.ErrNotFound), test.ShouldBeTrue)

	bad := newKeyFrame(1, spatialmath.NewZeroPose())
	bad.Descriptors = make(keypoints.Descriptors, 1)
	test.That(t, g.Register(context.Background(), bad, NoLoopSource()), test.ShouldNotBeNil)
	test.That(t, g.Len(), test.ShouldEqual, 5)
}

func TestSessionsMoveForward(t *testing.T) {
	g := NewGraph(DefaultOptions(), Dependencies{}, logging.NewTestLogger(t))
	ctx := context.Background()
	test.That(t, g.Register(ctx, newKeyFrame(2, spatialmath.NewZeroPose()), NoLoopSource()), test.ShouldBeNil)
	err := g.Register(ctx, newKeyFrame(1, spatialmath.NewZeroPose()), NoLoopSource())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "session 1")
}

func TestWorldFollowsDrift(t *testing.T) {
	g := NewGraph(DefaultOptions(), Dependencies{}, logging.NewTestLogger(t))
	g.drift.Update(
		spatialmath.NewPose(r3.Vector{X: 1, Y: 1}, spatialmath.YawRotation(math.Pi/2)),
		spatialmath.NewZeroPose(),
	)
	kf := newKeyFrame(0, spatialmath.NewPoseFromPoint(r3.Vector{X: 1}))
	test.That(t, g.Register(context.Background(), kf, NoLoopSource()), test.ShouldBeNil)
	test.That(t, kf.World.Point.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, kf.World.Point.Y, test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, spatialmath.Yaw(kf.World.Orientation), test.ShouldAlmostEqual, math.Pi/2, 1e-9)
	test.That(t, kf.VIO.Point.X, test.ShouldAlmostEqual, 1, 1e-9)
}

func TestLoopHintValidation(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	g := NewGraph(DefaultOptions(), Dependencies{}, logger)
	ctx := context.Background()
	for k := 0; k < 3; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}

	// A hint at the frame itself or in the future is ignored.
	kf := newKeyFrame(1, driftingVIO(3))
	test.That(t, g.Register(ctx, kf, VerifiedLoopSource(3, spatialmath.NewZeroPose())), test.ShouldBeNil)
	test.That(t, kf.HasLoop(), test.ShouldBeFalse)
	test.That(t, observed.FilterMessage("ignoring loop hint").Len(), test.ShouldEqual, 1)

	// Without a verifier an unverified hint is rejected.
	kf = newKeyFrame(1, driftingVIO(4))
	test.That(t, g.Register(ctx, kf, HintLoopSource(1)), test.ShouldBeNil)
	test.That(t, kf.HasLoop(), test.ShouldBeFalse)
	test.That(t, g.Horizon(), test.ShouldEqual, keyframe.NoLoop)
}

func TestVerifierOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	relative := spatialmath.NewPose(r3.Vector{X: 0.2}, spatialmath.YawRotation(0.1))
	verdict := func(ctx context.Context, current, candidate *keyframe.KeyFrame) (keyframe.LoopConstraint, bool, error) {
		switch candidate.Index {
		case 0:
			return keyframe.LoopConstraint{Relative: relative, Inliers: 40}, true, nil
		case 1:
			return keyframe.LoopConstraint{}, false, nil
		default:
			return keyframe.LoopConstraint{}, false, errors.New("pnp failed")
		}
	}
	logger, observed := logging.NewObservedTestLogger(t)
	g := NewGraph(DefaultOptions(), Dependencies{Verifier: keyframe.VerifierFunc(verdict), Metrics: metrics}, logger)
	ctx := context.Background()
	for k := 0; k < 3; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}

	accepted := newKeyFrame(1, driftingVIO(3))
	test.That(t, g.Register(ctx, accepted, HintLoopSource(0)), test.ShouldBeNil)
	test.That(t, accepted.LoopIndex, test.ShouldEqual, 0)
	test.That(t, spatialmath.PoseAlmostEqual(accepted.Loop.RelativePose(), relative, 1e-9), test.ShouldBeTrue)
	test.That(t, accepted.Loop.RelativeYaw(), test.ShouldAlmostEqual, spatialmath.RadToDeg(0.1), 1e-9)
	pending, ok := g.Pending()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pending, test.ShouldEqual, 3)

	rejected := newKeyFrame(1, driftingVIO(4))
	test.That(t, g.Register(ctx, rejected, HintLoopSource(1)), test.ShouldBeNil)
	test.That(t, rejected.HasLoop(), test.ShouldBeFalse)

	failed := newKeyFrame(1, driftingVIO(5))
	test.That(t, g.Register(ctx, failed, HintLoopSource(2)), test.ShouldBeNil)
	test.That(t, failed.HasLoop(), test.ShouldBeFalse)
	test.That(t, observed.FilterMessage("loop verification failed").Len(), test.ShouldEqual, 1)

	pending, _ = g.Pending()
	test.That(t, pending, test.ShouldEqual, 3)
	test.That(t, g.Horizon(), test.ShouldEqual, 0)

	test.That(t, testutil.ToFloat64(metrics.keyframes), test.ShouldEqual, 6)
	test.That(t, testutil.ToFloat64(metrics.loops.WithLabelValues("hint")), test.ShouldEqual, 1)
	test.That(t, testutil.ToFloat64(metrics.loopRejections), test.ShouldEqual, 2)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	cancelVerify := func(ctx context.Context, current, candidate *keyframe.KeyFrame) (keyframe.LoopConstraint, bool, error) {
		return keyframe.LoopConstraint{}, false, ctx.Err()
	}
	g.verifier = keyframe.VerifierFunc(cancelVerify)
	err := g.Register(canceled, newKeyFrame(1, driftingVIO(6)), HintLoopSource(0))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

type fakeRecognizer struct {
	added     []int
	queried   []int
	candidate map[int]int
	// err fails every call before anything is inserted.
	err error
}

func (r *fakeRecognizer) DetectLoop(ctx context.Context, kf *keyframe.KeyFrame) (int, bool, error) {
	if r.err != nil {
		return keyframe.NoLoop, false, r.err
	}
	r.queried = append(r.queried, kf.Index)
	r.added = append(r.added, kf.Index)
	c, ok := r.candidate[kf.Index]
	if !ok {
		return keyframe.NoLoop, false, nil
	}
	return c, true, nil
}

func (r *fakeRecognizer) Add(kf *keyframe.KeyFrame) error {
	if r.err != nil {
		return r.err
	}
	r.added = append(r.added, kf.Index)
	return nil
}

func TestDetectUsesRecognizer(t *testing.T) {
	rec := &fakeRecognizer{candidate: map[int]int{3: 1}}
	accept := func(ctx context.Context, current, candidate *keyframe.KeyFrame) (keyframe.LoopConstraint, bool, error) {
		return keyframe.LoopConstraint{Relative: spatialmath.NewZeroPose()}, true, nil
	}
	g := NewGraph(DefaultOptions(), Dependencies{Recognizer: rec, Verifier: keyframe.VerifierFunc(accept)},
		logging.NewTestLogger(t))
	ctx := context.Background()

	test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(0)), NoLoopSource()), test.ShouldBeNil)
	test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(1)), HintLoopSource(0)), test.ShouldBeNil)
	test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(2)), DetectLoopSource()), test.ShouldBeNil)
	kf := newKeyFrame(1, driftingVIO(3))
	test.That(t, g.Register(ctx, kf, DetectLoopSource()), test.ShouldBeNil)

	test.That(t, rec.added, test.ShouldResemble, []int{0, 1, 2, 3})
	test.That(t, rec.queried, test.ShouldResemble, []int{2, 3})
	test.That(t, kf.LoopIndex, test.ShouldEqual, 1)
	test.That(t, g.Horizon(), test.ShouldEqual, 0)
}

func TestRegisterFailureKeepsIndices(t *testing.T) {
	rec := &fakeRecognizer{}
	verify := func(ctx context.Context, current, candidate *keyframe.KeyFrame) (keyframe.LoopConstraint, bool, error) {
		return keyframe.LoopConstraint{}, false, ctx.Err()
	}
	g := NewGraph(DefaultOptions(), Dependencies{Recognizer: rec, Verifier: keyframe.VerifierFunc(verify)},
		logging.NewTestLogger(t))
	ctx := context.Background()
	for k := 0; k < 2; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}

	rec.err = errors.New("vocabulary not loaded")
	kf := newKeyFrame(1, driftingVIO(2))
	err := g.Register(ctx, kf, DetectLoopSource())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, rec.err), test.ShouldBeTrue)
	test.That(t, g.Len(), test.ShouldEqual, 2)
	err = g.Register(ctx, newKeyFrame(1, driftingVIO(2)), NoLoopSource())
	test.That(t, errors.Is(err, rec.err), test.ShouldBeTrue)

	// The same keyframe can be registered again and gets the index nobody took.
	rec.err = nil
	test.That(t, g.Register(ctx, kf, DetectLoopSource()), test.ShouldBeNil)
	test.That(t, kf.Index, test.ShouldEqual, 2)
	test.That(t, kf.VIO, test.ShouldResemble, driftingVIO(2))

	// A keyframe the recognizer already holds stays registered when verification is cancelled.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	cut := newKeyFrame(1, driftingVIO(3))
	err = g.Register(canceled, cut, HintLoopSource(0))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, cut.HasLoop(), test.ShouldBeFalse)
	test.That(t, g.Len(), test.ShouldEqual, 4)
	_, pending := g.Pending()
	test.That(t, pending, test.ShouldBeFalse)

	next := newKeyFrame(1, driftingVIO(4))
	test.That(t, g.Register(ctx, next, HintLoopSource(0)), test.ShouldBeNil)
	test.That(t, next.Index, test.ShouldEqual, 4)
	test.That(t, rec.added, test.ShouldResemble, []int{0, 1, 2, 3, 4})
	for i, kf := range g.KeyFrames() {
		test.That(t, kf.Index, test.ShouldEqual, i)
	}
}

func TestHorizonOnlyDecreases(t *testing.T) {
	g := NewGraph(DefaultOptions(), Dependencies{}, logging.NewTestLogger(t))
	ctx := context.Background()
	for k := 0; k < 20; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	for _, target := range []int{10, 12, 4, 8} {
		next := g.Len()
		err := g.Register(ctx, newKeyFrame(1, driftingVIO(next)), VerifiedLoopSource(target, spatialmath.NewZeroPose()))
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, g.Horizon(), test.ShouldEqual, 4)
	pending, _ := g.Pending()
	test.That(t, pending, test.ShouldEqual, 23)
}

// stretchedVIO walks along +X with odometry that overestimates every step by 10%.
func stretchedVIO(k int) spatialmath.Pose {
	return spatialmath.NewPoseFromPoint(r3.Vector{X: 0.11 * float64(k)})
}

// closedLoopX solves the window of a loop from frame last to frame anchor on a stretched path, whose
// true length is loopLength, as a linear least squares problem along X. It returns the optimal X
// of every frame after anchor.
func closedLoopX(t *testing.T, anchor, last, edges int, loopLength float64) []float64 {
	t.Helper()
	n := last - anchor
	var rows [][]float64
	var b []float64
	edge := func(from, to int, measured float64) {
		row := make([]float64, n)
		rhs := measured
		if to > anchor {
			row[to-anchor-1] = 1
		}
		if from > anchor {
			row[from-anchor-1] = -1
		} else {
			rhs += stretchedVIO(anchor).Point.X
		}
		rows = append(rows, row)
		b = append(b, rhs)
	}
	for k := anchor + 1; k <= last; k++ {
		for j := 1; j <= edges && k-j >= anchor; j++ {
			edge(k-j, k, 0.11*float64(j))
		}
	}
	edge(anchor, last, loopLength)

	a := mat.NewDense(len(rows), n, nil)
	for i, row := range rows {
		a.SetRow(i, row)
	}
	var x mat.VecDense
	test.That(t, x.SolveVec(a, mat.NewVecDense(len(b), b)), test.ShouldBeNil)
	out := make([]float64, n)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out
}

func TestOptimizeCorrectsDrift(t *testing.T) {
	latest := &trajectory.Latest{}
	opts := exactOptions(Mode4DoF)
	g := NewGraph(opts, Dependencies{Publisher: latest}, logging.NewTestLogger(t))
	ctx := context.Background()
	for k := 0; k < 60; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, stretchedVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	// Frame 60 really is 5.5m past frame 5; odometry says 6.05m.
	loop := spatialmath.NewPoseFromPoint(r3.Vector{X: 5.5})
	test.That(t, g.Register(ctx, newKeyFrame(1, stretchedVIO(60)), VerifiedLoopSource(5, loop)), test.ShouldBeNil)

	before := make([]spatialmath.Pose, g.Len())
	for i, kf := range g.KeyFrames() {
		before[i] = kf.World
	}

	ran, err := g.Optimize(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran, test.ShouldBeTrue)
	snap, _ := latest.Get()
	test.That(t, snap.Event, test.ShouldEqual, trajectory.EventOptimized)

	// Every frame of the window lands on the least squares optimum.
	want := closedLoopX(t, 5, 60, opts.SequentialEdges, 5.5)
	for k := 6; k <= 60; k++ {
		got := worldOf(t, g, k)
		test.That(t, got.Point.X, test.ShouldAlmostEqual, want[k-6], 1e-4)
		test.That(t, got.Point.Y, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, got.Point.Z, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, spatialmath.Yaw(got.Orientation), test.ShouldAlmostEqual, 0, 1e-9)
	}
	after60 := worldOf(t, g, 60)
	initialErr := before[60].Point.X - before[5].Point.X - 5.5
	test.That(t, initialErr, test.ShouldAlmostEqual, 0.55, 1e-9)
	// The loop edge is one of many, so it pulls frame 60 only part of the way.
	test.That(t, after60.Point.X-before[5].Point.X-5.5, test.ShouldBeBetween, 0.1*initialErr, 0.5*initialErr)

	// The anchor and everything older than the horizon keep their poses.
	for k := 0; k <= 5; k++ {
		test.That(t, worldOf(t, g, k), test.ShouldResemble, before[k])
	}

	// The drift maps frame 60's odometry onto its optimized pose and carries later frames.
	drift := g.Drift()
	test.That(t, spatialmath.PoseAlmostEqual(drift.Apply(stretchedVIO(60)), after60, 1e-9), test.ShouldBeTrue)
	shift60 := after60.Point.Sub(before[60].Point)
	later := newKeyFrame(1, stretchedVIO(61))
	test.That(t, g.Register(ctx, later, NoLoopSource()), test.ShouldBeNil)
	test.That(t, later.World.Point.Sub(later.VIO.Point).Sub(shift60).Norm(), test.ShouldBeLessThan, 1e-9)

	ran, err = g.Optimize(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ran, test.ShouldBeFalse)
}

func TestOptimizeRobustLoss(t *testing.T) {
	opts := DefaultOptions()
	opts.Solver.MaxIterations = 20
	g := NewGraph(opts, Dependencies{}, logging.NewTestLogger(t))
	registerDriftLoop(t, g)
	anchor := worldOf(t, g, 5)

	_, err := g.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	finalErr := worldOf(t, g, 60).Point.Distance(anchor.Point)
	test.That(t, finalErr, test.ShouldBeLessThan, 0.54)
	test.That(t, worldOf(t, g, 5), test.ShouldResemble, anchor)
}

func TestOptimizeSixDoF(t *testing.T) {
	g := NewGraph(exactOptions(Mode6DoF), Dependencies{}, logging.NewTestLogger(t))
	registerDriftLoop(t, g)
	anchor := worldOf(t, g, 5)

	_, err := g.Optimize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	finalErr := worldOf(t, g, 60).Point.Distance(anchor.Point)
	test.That(t, finalErr, test.ShouldBeLessThan, 0.5*0.55)
	test.That(t, worldOf(t, g, 5), test.ShouldResemble, anchor)
	test.That(t, spatialmath.Norm(worldOf(t, g, 60).Orientation), test.ShouldAlmostEqual, 1, 1e-9)
}

func TestTakeWindow(t *testing.T) {
	g := NewGraph(DefaultOptions(), Dependencies{}, logging.NewTestLogger(t))
	w, err := g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldBeNil)

	registerDriftLoop(t, g)
	w, err = g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Requested, test.ShouldEqual, 60)
	test.That(t, w.Horizon, test.ShouldEqual, 5)
	test.That(t, w.Len(), test.ShouldEqual, 56)
	test.That(t, w.Dropped, test.ShouldEqual, 0)
	test.That(t, w.nodes[0].fixed, test.ShouldBeTrue)
	test.That(t, w.nodes[1].fixed, test.ShouldBeFalse)
	test.That(t, w.nodes[55].loopTarget, test.ShouldEqual, 0)
	test.That(t, w.sequentialPredecessors(0), test.ShouldBeEmpty)
	test.That(t, w.sequentialPredecessors(10), test.ShouldResemble, []int{9, 8, 7, 6})

	// The request was consumed.
	w, err = g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w, test.ShouldBeNil)
}

func TestSequentialEdgesStayInSession(t *testing.T) {
	g := NewGraph(DefaultOptions(), Dependencies{}, logging.NewTestLogger(t))
	ctx := context.Background()
	for k := 0; k < 3; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	for k := 0; k < 3; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(2, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}
	err := g.Register(ctx, newKeyFrame(2, driftingVIO(3)), VerifiedLoopSource(0, spatialmath.NewZeroPose()))
	test.That(t, err, test.ShouldBeNil)

	w, err := g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Len(), test.ShouldEqual, 7)
	test.That(t, w.sequentialPredecessors(3), test.ShouldBeEmpty)
	test.That(t, w.sequentialPredecessors(6), test.ShouldResemble, []int{5, 4, 3})

	snap := g.Snapshot(trajectory.EventOptimized, nil)
	for _, e := range snap.Edges {
		from, _ := snap.Lookup(e.From)
		to, _ := snap.Lookup(e.To)
		if e.Kind == trajectory.SequentialEdge {
			test.That(t, from.Sequence, test.ShouldEqual, to.Sequence)
		}
	}
	loops := 0
	for _, e := range snap.Edges {
		if e.Kind == trajectory.LoopEdge {
			loops++
			test.That(t, e, test.ShouldResemble, trajectory.Edge{From: 6, To: 0, Kind: trajectory.LoopEdge})
		}
	}
	test.That(t, loops, test.ShouldEqual, 1)
}

func TestSessionAlignment(t *testing.T) {
	g := NewGraph(exactOptions(Mode4DoF), Dependencies{}, logging.NewTestLogger(t))
	ctx := context.Background()
	for k := 0; k < 10; k++ {
		test.That(t, g.Register(ctx, newKeyFrame(1, driftingVIO(k)), NoLoopSource()), test.ShouldBeNil)
	}

	var second []*keyframe.KeyFrame
	for k := 0; k < 5; k++ {
		kf := newKeyFrame(2, secondVIO(k))
		test.That(t, g.Register(ctx, kf, NoLoopSource()), test.ShouldBeNil)
		second = append(second, kf)
	}
	test.That(t, g.Aligned(2), test.ShouldBeFalse)
	original := make([]spatialmath.Pose, len(second))
	for i, kf := range second {
		original[i] = kf.VIO
		test.That(t, kf.World, test.ShouldResemble, kf.VIO)
	}

	relative := spatialmath.NewPose(r3.Vector{X: 0.05}, spatialmath.YawRotation(0.02))
	loopFrame := newKeyFrame(2, secondVIO(5))
	test.That(t, g.Register(ctx, loopFrame, VerifiedLoopSource(2, relative)), test.ShouldBeNil)
	test.That(t, g.Aligned(2), test.ShouldBeTrue)

	target := spatialmath.Compose(driftingVIO(2), relative)
	test.That(t, spatialmath.PoseAlmostEqual(loopFrame.VIO, target, 1e-9), test.ShouldBeTrue)

	// Every earlier frame of the session moved by the same rigid transform.
	shift := spatialmath.Compose(loopFrame.VIO, spatialmath.PoseInverse(secondVIO(5)))
	for i, kf := range second {
		want := spatialmath.Compose(shift, original[i])
		test.That(t, spatialmath.PoseAlmostEqual(kf.VIO, want, 1e-9), test.ShouldBeTrue)
		test.That(t, spatialmath.PoseAlmostEqual(kf.World, want, 1e-9), test.ShouldBeTrue)
	}
	// The first session did not move.
	first, err := g.Get(3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first.VIO, test.ShouldResemble, driftingVIO(3))

	// Later registrations are moved by the session alignment.
	next := newKeyFrame(2, secondVIO(6))
	test.That(t, g.Register(ctx, next, NoLoopSource()), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(next.VIO, spatialmath.Compose(shift, secondVIO(6)), 1e-9), test.ShouldBeTrue)

	// Another loop of the same session links but does not shift anything again.
	aligned := make([]spatialmath.Pose, len(second))
	for i, kf := range second {
		aligned[i] = kf.VIO
	}
	other := newKeyFrame(2, secondVIO(7))
	skewed := spatialmath.NewPose(r3.Vector{X: 1, Y: -1}, spatialmath.YawRotation(0.5))
	test.That(t, g.Register(ctx, other, VerifiedLoopSource(6, skewed)), test.ShouldBeNil)
	test.That(t, other.LoopIndex, test.ShouldEqual, 6)
	for i, kf := range second {
		test.That(t, kf.VIO, test.ShouldResemble, aligned[i])
	}

	_, err = g.Optimize(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, worldOf(t, g, 2), test.ShouldResemble, driftingVIO(2))
}

func TestApplyResultAfterAlignment(t *testing.T) {
	g := NewGraph(exactOptions(Mode4DoF), Dependencies{}, logging.NewTestLogger(t))
	ctx := context.Background()
	registerTwoSessions(t, func(kf *keyframe.KeyFrame, src LoopSource) error { return g.Register(ctx, kf, src) })

	w, err := g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Horizon, test.ShouldEqual, 12)

	// The first loop across sessions closes while the window is out being solved.
	loopFrame := newKeyFrame(2, secondVIO(11))
	test.That(t, g.Register(ctx, loopFrame, VerifiedLoopSource(2, crossSessionLoop)), test.ShouldBeNil)
	test.That(t, g.Aligned(2), test.ShouldBeTrue)
	aligned := map[int]spatialmath.Pose{}
	for k := 10; k <= 21; k++ {
		aligned[k] = worldOf(t, g, k)
	}
	test.That(t, aligned[15].Point.Distance(secondVIO(5).Point), test.ShouldBeGreaterThan, 10)

	res, err := w.Solve(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Indices, test.ShouldResemble, []int{13, 14, 15, 16, 17, 18, 19, 20})
	test.That(t, g.ApplyResult(ctx, res), test.ShouldBeNil)

	// The window was already consistent, so the solve must not undo the alignment.
	for k := 10; k <= 21; k++ {
		test.That(t, spatialmath.PoseAlmostEqual(worldOf(t, g, k), aligned[k], 1e-6), test.ShouldBeTrue)
	}
	target := spatialmath.Compose(driftingVIO(2), crossSessionLoop)
	test.That(t, spatialmath.PoseAlmostEqual(loopFrame.World, target, 1e-6), test.ShouldBeTrue)
	drift := g.Drift()
	test.That(t, drift.Translation().Norm(), test.ShouldBeLessThan, 1e-6)

	next := newKeyFrame(2, secondVIO(12))
	test.That(t, g.Register(ctx, next, NoLoopSource()), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(next.World, next.VIO, 1e-6), test.ShouldBeTrue)
	test.That(t, next.World.Point.Distance(target.Point), test.ShouldBeLessThan, 0.2)

	// The loop of frame 21 is still waiting, over the whole aligned session.
	w, err = g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Requested, test.ShouldEqual, 21)
	test.That(t, w.Horizon, test.ShouldEqual, 2)
}

func TestApplyResultAfterNewSession(t *testing.T) {
	g := NewGraph(exactOptions(Mode4DoF), Dependencies{}, logging.NewTestLogger(t))
	ctx := context.Background()
	registerDriftLoop(t, g)

	w, err := g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	fresh := newKeyFrame(2, secondVIO(0))
	test.That(t, g.Register(ctx, fresh, NoLoopSource()), test.ShouldBeNil)

	res, err := w.Solve(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g.ApplyResult(ctx, res), test.ShouldBeNil)

	// Session 1 is corrected, the new session keeps its own identity drift.
	test.That(t, worldOf(t, g, 60).Point.Distance(driftingVIO(60).Point), test.ShouldBeGreaterThan, 0.2)
	test.That(t, spatialmath.PoseAlmostEqual(fresh.World, secondVIO(0), 1e-9), test.ShouldBeTrue)
	drift := g.Drift()
	test.That(t, spatialmath.PoseAlmostEqual(drift.Correction(), spatialmath.NewZeroPose(), 1e-9), test.ShouldBeTrue)

	next := newKeyFrame(2, secondVIO(1))
	test.That(t, g.Register(ctx, next, NoLoopSource()), test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(next.World, secondVIO(1), 1e-9), test.ShouldBeTrue)
}

func TestLoadIntoBaseSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	rec := &fakeRecognizer{}
	latest := &trajectory.Latest{}
	opts := exactOptions(Mode4DoF)
	opts.LoadPublishEvery = 5
	logger := logging.NewTestLogger(t)
	g := NewGraph(opts, Dependencies{Recognizer: rec, Publisher: latest, Metrics: metrics}, logger)

	var saved []*keyframe.KeyFrame
	for k := 10; k < 22; k++ {
		kf := newKeyFrame(3, driftingVIO(k))
		kf.Index = k
		saved = append(saved, kf)
	}
	// Frame 15 links to a keyframe that was not saved.
	saved[5].SetLoop(3, keyframe.NewLoopInfo(spatialmath.NewZeroPose(), 0))
	saved[8].SetLoop(12, keyframe.NewLoopInfo(spatialmath.NewZeroPose(), 0))

	ctx := context.Background()
	test.That(t, g.Load(ctx, saved), test.ShouldBeNil)
	test.That(t, g.Len(), test.ShouldEqual, 12)
	test.That(t, g.Horizon(), test.ShouldEqual, 3)
	_, pending := g.Pending()
	test.That(t, pending, test.ShouldBeFalse)
	test.That(t, rec.queried, test.ShouldBeEmpty)
	test.That(t, rec.added, test.ShouldHaveLength, 12)
	_, count := latest.Get()
	test.That(t, count, test.ShouldEqual, 3)
	for _, kf := range g.KeyFrames() {
		test.That(t, kf.Sequence, test.ShouldEqual, trajectory.BaseSession)
	}
	test.That(t, g.Load(ctx, saved), test.ShouldNotBeNil)

	// Live registration continues after the loaded indices.
	kf := newKeyFrame(1, driftingVIO(22))
	test.That(t, g.Register(ctx, kf, VerifiedLoopSource(20, spatialmath.NewZeroPose())), test.ShouldBeNil)
	test.That(t, kf.Index, test.ShouldEqual, 22)
	test.That(t, g.Aligned(1), test.ShouldBeTrue)

	w, err := g.TakeWindow()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Len(), test.ShouldEqual, 13)
	test.That(t, w.Dropped, test.ShouldEqual, 1)
	test.That(t, testutil.ToFloat64(metrics.droppedLoopEdges), test.ShouldEqual, 1)
	for _, node := range w.nodes[:12] {
		test.That(t, node.fixed, test.ShouldBeTrue)
	}

	res, err := w.Solve(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Indices, test.ShouldResemble, []int{22})
	test.That(t, g.ApplyResult(ctx, res), test.ShouldBeNil)
	test.That(t, testutil.ToFloat64(metrics.optimizations), test.ShouldEqual, 1)
}

func TestLoadRejectsDecreasingIndices(t *testing.T) {
	g := NewGraph(DefaultOptions(), Dependencies{}, logging.NewTestLogger(t))
	a := newKeyFrame(0, spatialmath.NewZeroPose())
	a.Index = 4
	b := newKeyFrame(0, spatialmath.NewZeroPose())
	b.Index = 4
	err := g.Load(context.Background(), []*keyframe.KeyFrame{a, b})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolveCancelled(t *testing.T) {
	g := NewGraph(exactOptions(Mode4DoF), Dependencies{}, logging.NewTestLogger(t))
	registerDriftLoop(t, g)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran, err := g.Optimize(ctx)
	test.That(t, ran, test.ShouldBeTrue)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, worldOf(t, g, 60).Point, test.ShouldResemble, driftingVIO(60).Point)
}

func TestModeFor(t *testing.T) {
	test.That(t, ModeFor(true), test.ShouldEqual, Mode4DoF)
	test.That(t, ModeFor(false), test.ShouldEqual, Mode6DoF)
	test.That(t, Mode6DoF.String(), test.ShouldEqual, "6dof")
	test.That(t, DefaultOptions().LoopLoss, test.ShouldResemble, solver.HuberLoss{A: 0.1})
}
