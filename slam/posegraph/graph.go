// Package posegraph maintains the keyframe pose graph: registration with loop detection and
// verification, session alignment, drift correction, and 4-DoF or 6-DoF optimization over the
// window of keyframes touched by loops.
package posegraph

import (
	"context"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/trajectory"
	"go.viam.com/loopfusion/solver"
	"go.viam.com/loopfusion/spatialmath"
)

// Mode selects the pose parameterization used by the optimizer.
type Mode int

const (
	// Mode4DoF optimizes position and yaw, trusting roll and pitch from an inertial front-end.
	Mode4DoF Mode = iota
	// Mode6DoF optimizes position and full rotation.
	Mode6DoF
)

// ModeFor returns Mode4DoF when inertial measurements are fused upstream.
func ModeFor(useIMU bool) Mode {
	if useIMU {
		return Mode4DoF
	}
	return Mode6DoF
}

func (m Mode) String() string {
	if m == Mode4DoF {
		return "4dof"
	}
	return "6dof"
}

// Options configures a Graph.
type Options struct {
	Mode Mode
	// SequentialEdges is how many preceding keyframes each keyframe is tied to by odometry edges.
	SequentialEdges int
	Solver          solver.Options
	// LoopLoss robustifies loop edges. Nil means plain least squares.
	LoopLoss solver.LossFunction

	// Shift is the display offset published with every snapshot.
	Shift               r3.Vector
	ShowSequentialEdges bool
	ShowLoopEdges       bool
	// LoadPublishEvery publishes a snapshot every that many loaded keyframes.
	LoadPublishEvery int
}

// DefaultOptions returns a 4-DoF graph with four odometry edges per keyframe, a five iteration
// solve and a 0.1 Huber loss on loop edges.
func DefaultOptions() Options {
	solverOpts := solver.DefaultOptions()
	solverOpts.MaxIterations = 5
	return Options{
		Mode:                Mode4DoF,
		SequentialEdges:     4,
		Solver:              solverOpts,
		LoopLoss:            solver.HuberLoss{A: 0.1},
		ShowSequentialEdges: true,
		ShowLoopEdges:       true,
		LoadPublishEvery:    20,
	}
}

// A PlaceRecognizer proposes loop candidates. DetectLoop must query before inserting the
// keyframe; Add only inserts. A call that fails must not have inserted the keyframe.
type PlaceRecognizer interface {
	DetectLoop(ctx context.Context, kf *keyframe.KeyFrame) (int, bool, error)
	Add(kf *keyframe.KeyFrame) error
}

// Dependencies are the collaborators of a Graph. Every field is optional.
type Dependencies struct {
	Recognizer PlaceRecognizer
	// Verifier defaults to keyframe.RejectAll, so only trusted hints close loops.
	Verifier  keyframe.LoopVerifier
	Publisher trajectory.Publisher
	Metrics   *Metrics
}

// Graph is the keyframe registry and the state around it. It is not safe for concurrent use;
// Engine serializes access to one Graph.
type Graph struct {
	opts       Options
	logger     logging.Logger
	recognizer PlaceRecognizer
	verifier   keyframe.LoopVerifier
	publisher  trajectory.Publisher
	metrics    *Metrics

	keyframes []*keyframe.KeyFrame
	nextIndex int

	session int
	aligned map[int]bool
	// align maps the current session's odometry frame into the world frame.
	align spatialmath.Pose
	// shifts logs every alignment in order, so results solved before one can be moved after it.
	shifts []sessionShift

	horizon int
	drift   Drift
	// pending is the newest index waiting for optimization; older requests are subsumed by it.
	pending int
}

// NewGraph returns an empty graph.
func NewGraph(opts Options, deps Dependencies, logger logging.Logger) *Graph {
	if opts.SequentialEdges < 0 {
		opts.SequentialEdges = 0
	}
	if opts.LoadPublishEvery <= 0 {
		opts.LoadPublishEvery = DefaultOptions().LoadPublishEvery
	}
	verifier := deps.Verifier
	if verifier == nil {
		verifier = keyframe.RejectAll
	}
	return &Graph{
		opts:       opts,
		logger:     logger,
		recognizer: deps.Recognizer,
		verifier:   verifier,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		aligned:    map[int]bool{trajectory.BaseSession: true},
		align:      spatialmath.NewZeroPose(),
		horizon:    keyframe.NoLoop,
		drift:      NewDrift(opts.Mode == Mode4DoF),
		pending:    -1,
	}
}

// Options returns the options the graph was built with.
func (g *Graph) Options() Options { return g.opts }

// Len is the number of registered keyframes.
func (g *Graph) Len() int { return len(g.keyframes) }

// Session is the current session counter.
func (g *Graph) Session() int { return g.session }

// Horizon is the smallest index any verified loop ever linked to, or keyframe.NoLoop.
func (g *Graph) Horizon() int { return g.horizon }

// Drift returns the current drift correction.
func (g *Graph) Drift() Drift { return g.drift }

// Pending returns the index waiting for optimization, if any.
func (g *Graph) Pending() (int, bool) { return g.pending, g.pending >= 0 }

// Aligned reports whether a session has been aligned to the world frame.
func (g *Graph) Aligned(session int) bool { return g.aligned[session] }

// KeyFrames returns the registered keyframes in index order. They are owned by the graph.
func (g *Graph) KeyFrames() []*keyframe.KeyFrame { return g.keyframes }

// Get returns the keyframe with the given index.
func (g *Graph) Get(index int) (*keyframe.KeyFrame, error) {
	i := g.position(index)
	if i < 0 {
		return nil, errors.Wrapf(keyframe.ErrNotFound, "index %d", index)
	}
	return g.keyframes[i], nil
}

func (g *Graph) position(index int) int {
	i := sort.Search(len(g.keyframes), func(i int) bool { return g.keyframes[i].Index >= index })
	if i < len(g.keyframes) && g.keyframes[i].Index == index {
		return i
	}
	return -1
}

// Register adds a keyframe to the graph. Its odometry pose is moved into the world frame of its
// session, it gets the next index, a loop candidate is looked for according to src and verified,
// and its world pose is set from the current drift. The graph takes ownership of kf.
//
// A failure of the place recognizer leaves the graph without kf and its index is handed out
// again. Once the recognizer holds kf it is registered even if verification is cancelled; it then
// has no loop and the context error is returned.
func (g *Graph) Register(ctx context.Context, kf *keyframe.KeyFrame, src LoopSource) error {
	if err := kf.Validate(); err != nil {
		return err
	}
	if err := g.startSession(kf.Sequence); err != nil {
		return err
	}
	kf.Index = g.nextIndex
	kf.SetLoop(keyframe.NoLoop, keyframe.LoopInfo{})

	candidate, found, err := g.findCandidate(ctx, kf, src)
	if err != nil {
		return errors.Wrapf(err, "looking for a loop of keyframe %d", kf.Index)
	}
	g.nextIndex++
	kf.VIO = spatialmath.Compose(g.align, kf.VIO)
	var loopErr error
	if found {
		loopErr = g.closeLoop(ctx, kf, candidate, src)
	}

	kf.World = g.drift.Apply(kf.VIO)
	g.keyframes = append(g.keyframes, kf)
	g.metrics.keyframeRegistered()

	entry := entryOf(kf)
	g.publish(ctx, trajectory.EventRegistered, &entry)
	return loopErr
}

func (g *Graph) startSession(sequence int) error {
	if sequence == g.session {
		return nil
	}
	if sequence < g.session {
		return errors.Errorf("keyframe of session %d registered after session %d started", sequence, g.session)
	}
	g.logger.Infow("new session", "sequence", sequence, "previous", g.session)
	g.session = sequence
	g.drift.Reset()
	g.align = spatialmath.NewZeroPose()
	return nil
}

func (g *Graph) findCandidate(ctx context.Context, kf *keyframe.KeyFrame, src LoopSource) (int, bool, error) {
	if src.Kind == LoopDetect && g.recognizer != nil {
		return g.recognizer.DetectLoop(ctx, kf)
	}
	if g.recognizer != nil {
		if err := g.recognizer.Add(kf); err != nil {
			return keyframe.NoLoop, false, err
		}
	}
	switch src.Kind {
	case LoopHint:
		if src.Index < 0 || src.Index >= kf.Index {
			g.logger.Warnw("ignoring loop hint", "index", kf.Index, "loop_index", src.Index)
			return keyframe.NoLoop, false, nil
		}
		return src.Index, true, nil
	case LoopDetect:
		g.logger.Debugw("no place recognizer, skipping loop detection", "index", kf.Index)
	case LoopNone:
	}
	return keyframe.NoLoop, false, nil
}

// closeLoop verifies a candidate and, on success, links kf to it. A rejection leaves kf
// untouched.
func (g *Graph) closeLoop(ctx context.Context, kf *keyframe.KeyFrame, candidate int, src LoopSource) error {
	old, err := g.Get(candidate)
	if err != nil {
		g.logger.Warnw("loop candidate is not registered", "index", kf.Index, "loop_index", candidate)
		g.metrics.loopRejected()
		return nil
	}

	var relative spatialmath.Pose
	if src.Kind == LoopHint && src.Relative != nil {
		relative = *src.Relative
	} else {
		constraint, ok, err := g.verifier.VerifyLoop(ctx, kf, old)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warnw("loop verification failed", "index", kf.Index, "loop_index", old.Index, "error", err)
			g.metrics.loopRejected()
			return nil
		}
		if !ok {
			g.logger.Debugw("loop rejected", "index", kf.Index, "loop_index", old.Index)
			g.metrics.loopRejected()
			return nil
		}
		relative = constraint.Relative
	}
	relative.Orientation = spatialmath.Normalize(relative.Orientation)

	// The pose kf would have if the loop were exact, expressed in old's odometry frame.
	loopPose := spatialmath.Compose(old.VIO, relative)
	relativeYaw := spatialmath.NormalizeAngleDegrees(spatialmath.RadToDeg(
		spatialmath.Yaw(loopPose.Orientation) - spatialmath.Yaw(old.VIO.Orientation)))
	kf.SetLoop(old.Index, keyframe.NewLoopInfo(relative, relativeYaw))
	if g.horizon == keyframe.NoLoop || old.Index < g.horizon {
		g.horizon = old.Index
	}
	if old.Sequence != kf.Sequence && !g.aligned[kf.Sequence] {
		g.alignSession(kf, loopPose)
	}
	g.enqueue(kf.Index)
	g.metrics.loopAccepted(src.Kind)
	g.logger.Infow("loop closed", "index", kf.Index, "loop_index", old.Index, "source", src.Kind.String(),
		"relative_yaw", relativeYaw)
	return nil
}

// alignSession moves the whole current session so that kf lands on loopPose, once per session.
func (g *Graph) alignSession(kf *keyframe.KeyFrame, loopPose spatialmath.Pose) {
	var rot quat.Number
	if g.opts.Mode == Mode4DoF {
		rot = spatialmath.YawRotation(spatialmath.Yaw(loopPose.Orientation) - spatialmath.Yaw(kf.VIO.Orientation))
	} else {
		rot = spatialmath.Normalize(quat.Mul(loopPose.Orientation, quat.Conj(kf.VIO.Orientation)))
	}
	shift := spatialmath.Pose{
		Point:       loopPose.Point.Sub(spatialmath.QuatRotate(rot, kf.VIO.Point)),
		Orientation: rot,
	}

	g.align = spatialmath.Compose(shift, g.align)
	kf.VIO = spatialmath.Compose(shift, kf.VIO)
	moved := 0
	for _, other := range g.keyframes {
		if other.Sequence != kf.Sequence {
			continue
		}
		other.VIO = spatialmath.Compose(shift, other.VIO)
		other.World = spatialmath.Compose(shift, other.World)
		moved++
	}
	g.drift.Conjugate(shift)
	g.aligned[kf.Sequence] = true
	g.shifts = append(g.shifts, sessionShift{sequence: kf.Sequence, shift: shift})
	g.logger.Infow("session aligned", "sequence", kf.Sequence, "index", kf.Index, "keyframes", moved,
		"shift", shift.String())
}

type sessionShift struct {
	sequence int
	shift    spatialmath.Pose
}

func (g *Graph) enqueue(index int) {
	if index > g.pending {
		g.pending = index
	}
}

// Load adds keyframes read from a saved pose graph to an empty graph. They form the base session,
// keep their indices and loop links, and are inserted into the place recognizer without querying.
// Nothing is queued for optimization.
func (g *Graph) Load(ctx context.Context, kfs []*keyframe.KeyFrame) error {
	if len(g.keyframes) > 0 {
		return errors.New("keyframes can only be loaded into an empty pose graph")
	}
	for n, kf := range kfs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := kf.Validate(); err != nil {
			return errors.Wrapf(err, "loaded keyframe %d", kf.Index)
		}
		if kf.Index < g.nextIndex {
			return errors.Errorf("loaded keyframe index %d is not after %d", kf.Index, g.nextIndex-1)
		}
		kf.Sequence = trajectory.BaseSession
		if kf.HasLoop() && (g.horizon == keyframe.NoLoop || kf.LoopIndex < g.horizon) {
			g.horizon = kf.LoopIndex
		}
		if g.recognizer != nil {
			if err := g.recognizer.Add(kf); err != nil {
				return errors.Wrapf(err, "indexing loaded keyframe %d", kf.Index)
			}
		}
		g.keyframes = append(g.keyframes, kf)
		g.nextIndex = kf.Index + 1
		g.metrics.keyframeRegistered()
		if (n+1)%g.opts.LoadPublishEvery == 0 {
			g.publish(ctx, trajectory.EventLoaded, nil)
		}
	}
	g.publish(ctx, trajectory.EventLoaded, nil)
	g.logger.Infow("pose graph loaded", "keyframes", len(kfs), "horizon", g.horizon)
	return nil
}

func entryOf(kf *keyframe.KeyFrame) trajectory.Entry {
	return trajectory.Entry{Index: kf.Index, Sequence: kf.Sequence, Timestamp: kf.Timestamp, Pose: kf.World}
}

// Snapshot returns the current trajectory and its edges.
func (g *Graph) Snapshot(event trajectory.Event, latest *trajectory.Entry) trajectory.Snapshot {
	snap := trajectory.Snapshot{
		Event:   event,
		Latest:  latest,
		Entries: make([]trajectory.Entry, len(g.keyframes)),
		Shift:   g.opts.Shift,
	}
	for i, kf := range g.keyframes {
		snap.Entries[i] = entryOf(kf)
		if g.opts.ShowSequentialEdges {
			for j := 1; j <= g.opts.SequentialEdges && i-j >= 0; j++ {
				if prev := g.keyframes[i-j]; prev.Sequence == kf.Sequence {
					snap.Edges = append(snap.Edges, trajectory.Edge{From: kf.Index, To: prev.Index, Kind: trajectory.SequentialEdge})
				}
			}
		}
		if g.opts.ShowLoopEdges && kf.HasLoop() && kf.Sequence != trajectory.BaseSession {
			snap.Edges = append(snap.Edges, trajectory.Edge{From: kf.Index, To: kf.LoopIndex, Kind: trajectory.LoopEdge})
		}
	}
	return snap
}

func (g *Graph) publish(ctx context.Context, event trajectory.Event, latest *trajectory.Entry) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(ctx, g.Snapshot(event, latest)); err != nil {
		g.logger.Warnw("publishing trajectory failed", "event", event.String(), "error", err)
	}
}
