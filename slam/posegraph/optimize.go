package posegraph

import (
	"context"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/trajectory"
	"go.viam.com/loopfusion/solver"
	"go.viam.com/loopfusion/spatialmath"
)

// ErrLoopOutsideWindow reports a loop link whose target is not part of the optimization window.
// The edge is left out of that cycle.
var ErrLoopOutsideWindow = errors.New("loop target outside the optimization window")

// Standard deviations of 6-DoF relative pose constraints.
const (
	translationStd = 0.1
	rotationStd    = 0.01
	// loopYawScale down-weights the yaw residual of 4-DoF loop edges.
	loopYawScale = 0.1
)

type windowNode struct {
	index    int
	sequence int
	fixed    bool
	vio      spatialmath.Pose
	world    spatialmath.Pose
	// loopTarget is the window position of the loop target, or -1.
	loopTarget int
	loop       keyframe.LoopInfo
}

// A Window is a private copy of the keyframes one optimization cycle works on: every keyframe
// from the loop horizon up to the requested keyframe, in index order. It can be solved without
// access to the Graph.
type Window struct {
	Requested int
	Horizon   int
	// Dropped counts loop edges left out because of ErrLoopOutsideWindow.
	Dropped int

	mode            Mode
	sequentialEdges int
	solverOpts      solver.Options
	loopLoss        solver.LossFunction
	nodes           []windowNode
	// shiftMark is how many session alignments the copied poses already include.
	shiftMark int
}

// Len is the number of keyframes in the window.
func (w *Window) Len() int { return len(w.nodes) }

// Result holds the optimized world poses of the free keyframes of a window.
type Result struct {
	Requested int
	Indices   []int
	Poses     []spatialmath.Pose
	Summary   solver.Summary
	Window    int

	shiftMark int
}

// TakeWindow consumes the pending optimization request and copies the keyframes it covers. It
// returns nil when nothing is pending.
func (g *Graph) TakeWindow() (*Window, error) {
	requested, ok := g.Pending()
	if !ok {
		return nil, nil
	}
	g.pending = -1
	end := g.position(requested)
	if end < 0 {
		return nil, errors.Wrapf(keyframe.ErrNotFound, "requested keyframe %d", requested)
	}
	start := 0
	if g.horizon != keyframe.NoLoop {
		start = sort.Search(len(g.keyframes), func(i int) bool { return g.keyframes[i].Index >= g.horizon })
	}
	if start > end {
		start = end
	}

	w := &Window{
		Requested:       requested,
		Horizon:         g.horizon,
		mode:            g.opts.Mode,
		sequentialEdges: g.opts.SequentialEdges,
		solverOpts:      g.opts.Solver,
		loopLoss:        g.opts.LoopLoss,
		nodes:           make([]windowNode, 0, end-start+1),
		shiftMark:       len(g.shifts),
	}
	if w.solverOpts.Logger == nil {
		w.solverOpts.Logger = g.logger
	}
	local := make(map[int]int, end-start+1)
	anyFixed := false
	for i, kf := range g.keyframes[start : end+1] {
		node := windowNode{
			index:      kf.Index,
			sequence:   kf.Sequence,
			fixed:      kf.Index == g.horizon || kf.Sequence == trajectory.BaseSession,
			vio:        kf.VIO,
			world:      kf.World,
			loopTarget: -1,
		}
		anyFixed = anyFixed || node.fixed
		if kf.HasLoop() && kf.LoopIndex != kf.Index {
			if target, ok := local[kf.LoopIndex]; ok {
				node.loopTarget = target
				node.loop = kf.Loop
			} else {
				w.Dropped++
				g.metrics.loopEdgeDropped()
				g.logger.Errorw("dropping loop edge", "index", kf.Index, "loop_index", kf.LoopIndex,
					"error", errors.Wrapf(ErrLoopOutsideWindow, "window starts at %d", g.keyframes[start].Index))
			}
		}
		local[kf.Index] = i
		w.nodes = append(w.nodes, node)
	}
	if !anyFixed {
		w.nodes[0].fixed = true
	}
	return w, nil
}

// Solve builds the pose graph problem of the window and minimizes it. Solver non-convergence is
// not an error.
func (w *Window) Solve(ctx context.Context) (*Result, error) {
	var (
		problem *solver.Problem
		extract func(i int) spatialmath.Pose
		err     error
	)
	if w.mode == Mode4DoF {
		problem, extract, err = w.build4DoF()
	} else {
		problem, extract, err = w.build6DoF()
	}
	if err != nil {
		return nil, err
	}
	summary, err := solver.Solve(ctx, problem, w.solverOpts)
	if err != nil {
		return nil, errors.Wrap(err, "solving pose graph")
	}

	res := &Result{Requested: w.Requested, Summary: summary, Window: len(w.nodes), shiftMark: w.shiftMark}
	for i, node := range w.nodes {
		if node.fixed {
			continue
		}
		res.Indices = append(res.Indices, node.index)
		res.Poses = append(res.Poses, extract(i))
	}
	return res, nil
}

// sequentialPredecessors returns the window positions of the predecessors of position i that
// get an odometry edge to it.
func (w *Window) sequentialPredecessors(i int) []int {
	var out []int
	for j := 1; j <= w.sequentialEdges && i-j >= 0; j++ {
		if w.nodes[i-j].sequence == w.nodes[i].sequence {
			out = append(out, i-j)
		}
	}
	return out
}

func (w *Window) build4DoF() (*solver.Problem, func(int) spatialmath.Pose, error) {
	n := len(w.nodes)
	yaw := make([]float64, n)
	pos := make([]float64, 3*n)
	worldYPR := make([]spatialmath.YPR, n)
	vioYPR := make([]spatialmath.YPR, n)
	yawBlock := func(i int) []float64 { return yaw[i : i+1 : i+1] }
	posBlock := func(i int) []float64 { return pos[3*i : 3*i+3 : 3*i+3] }

	p := solver.NewProblem()
	for i, node := range w.nodes {
		worldYPR[i] = spatialmath.QuatToYPR(node.world.Orientation)
		vioYPR[i] = spatialmath.QuatToYPR(node.vio.Orientation)
		yaw[i] = spatialmath.RadToDeg(worldYPR[i].Yaw)
		setPoint(posBlock(i), node.world.Point)
		if err := p.AddParameterBlock(yawBlock(i), solver.AngleManifold{}); err != nil {
			return nil, nil, err
		}
		if err := p.AddParameterBlock(posBlock(i), nil); err != nil {
			return nil, nil, err
		}
		if node.fixed {
			if err := setConstant(p, yawBlock(i), posBlock(i)); err != nil {
				return nil, nil, err
			}
		}

		for _, j := range w.sequentialPredecessors(i) {
			prev := w.nodes[j]
			cost := &fourDoFError{
				translation: spatialmath.QuatRotate(quat.Conj(prev.vio.Orientation), node.vio.Point.Sub(prev.vio.Point)),
				yaw:         spatialmath.NormalizeAngleDegrees(spatialmath.RadToDeg(vioYPR[i].Yaw - vioYPR[j].Yaw)),
				pitch:       vioYPR[j].Pitch,
				roll:        vioYPR[j].Roll,
				yawScale:    1,
			}
			if err := p.AddResidualBlock(cost, nil, yawBlock(j), posBlock(j), yawBlock(i), posBlock(i)); err != nil {
				return nil, nil, err
			}
		}

		if t := node.loopTarget; t >= 0 {
			cost := &fourDoFError{
				translation: node.loop.RelativeTranslation(),
				yaw:         node.loop.RelativeYaw(),
				pitch:       vioYPR[t].Pitch,
				roll:        vioYPR[t].Roll,
				yawScale:    loopYawScale,
			}
			if err := p.AddResidualBlock(cost, w.loopLoss, yawBlock(t), posBlock(t), yawBlock(i), posBlock(i)); err != nil {
				return nil, nil, err
			}
		}
	}

	extract := func(i int) spatialmath.Pose {
		rot := spatialmath.YPR{
			Yaw:   spatialmath.DegToRad(yaw[i]),
			Pitch: worldYPR[i].Pitch,
			Roll:  worldYPR[i].Roll,
		}.Quaternion()
		return spatialmath.NewPose(getPoint(posBlock(i)), rot)
	}
	return p, extract, nil
}

func (w *Window) build6DoF() (*solver.Problem, func(int) spatialmath.Pose, error) {
	n := len(w.nodes)
	rot := make([]float64, 4*n)
	pos := make([]float64, 3*n)
	rotBlock := func(i int) []float64 { return rot[4*i : 4*i+4 : 4*i+4] }
	posBlock := func(i int) []float64 { return pos[3*i : 3*i+3 : 3*i+3] }

	p := solver.NewProblem()
	for i, node := range w.nodes {
		q := spatialmath.Normalize(node.world.Orientation)
		r := rotBlock(i)
		r[0], r[1], r[2], r[3] = q.Real, q.Imag, q.Jmag, q.Kmag
		setPoint(posBlock(i), node.world.Point)
		if err := p.AddParameterBlock(rotBlock(i), solver.QuaternionManifold{}); err != nil {
			return nil, nil, err
		}
		if err := p.AddParameterBlock(posBlock(i), nil); err != nil {
			return nil, nil, err
		}
		if node.fixed {
			if err := setConstant(p, rotBlock(i), posBlock(i)); err != nil {
				return nil, nil, err
			}
		}

		for _, j := range w.sequentialPredecessors(i) {
			relative := spatialmath.PoseBetween(w.nodes[j].vio, node.vio)
			cost := &relativePoseError{
				translation:    relative.Point,
				rotation:       relative.Orientation,
				translationStd: translationStd,
				rotationStd:    rotationStd,
			}
			if err := p.AddResidualBlock(cost, nil, rotBlock(j), posBlock(j), rotBlock(i), posBlock(i)); err != nil {
				return nil, nil, err
			}
		}

		if t := node.loopTarget; t >= 0 {
			cost := &relativePoseError{
				translation:    node.loop.RelativeTranslation(),
				rotation:       node.loop.RelativeRotation(),
				translationStd: translationStd,
				rotationStd:    rotationStd,
			}
			if err := p.AddResidualBlock(cost, w.loopLoss, rotBlock(t), posBlock(t), rotBlock(i), posBlock(i)); err != nil {
				return nil, nil, err
			}
		}
	}

	extract := func(i int) spatialmath.Pose {
		return spatialmath.NewPose(getPoint(posBlock(i)), quatFrom(rotBlock(i)))
	}
	return p, extract, nil
}

func setConstant(p *solver.Problem, blocks ...[]float64) error {
	for _, b := range blocks {
		if err := p.SetParameterBlockConstant(b); err != nil {
			return err
		}
	}
	return nil
}

func setPoint(block []float64, pt r3.Vector) {
	block[0], block[1], block[2] = pt.X, pt.Y, pt.Z
}

func getPoint(block []float64) r3.Vector {
	return r3.Vector{X: block[0], Y: block[1], Z: block[2]}
}

// ApplyResult writes optimized world poses back, re-estimates the drift from the requested
// keyframe and moves the later keyframes of its session by the new drift. Sessions aligned since
// the window was taken have their optimized poses moved by the same shift. The current drift is
// only replaced when the requested keyframe belongs to the current session.
func (g *Graph) ApplyResult(ctx context.Context, res *Result) error {
	cur := g.position(res.Requested)
	if cur < 0 {
		return errors.Wrapf(keyframe.ErrNotFound, "requested keyframe %d", res.Requested)
	}
	if res.shiftMark > len(g.shifts) {
		return errors.Errorf("result was solved on another pose graph (%d alignments, graph has %d)",
			res.shiftMark, len(g.shifts))
	}
	later := g.shifts[res.shiftMark:]
	for k, index := range res.Indices {
		i := g.position(index)
		if i < 0 {
			continue
		}
		pose := res.Poses[k]
		for _, s := range later {
			if s.sequence == g.keyframes[i].Sequence {
				pose = spatialmath.Compose(s.shift, pose)
			}
		}
		g.keyframes[i].World = pose
	}

	requested := g.keyframes[cur]
	drift := g.drift
	drift.Update(requested.World, requested.VIO)
	for _, kf := range g.keyframes[cur+1:] {
		if kf.Sequence == requested.Sequence {
			kf.World = drift.Apply(kf.VIO)
		}
	}
	if requested.Sequence == g.session {
		g.drift = drift
	} else {
		g.logger.Debugw("session changed while optimizing, keeping the current drift",
			"requested", res.Requested, "sequence", requested.Sequence, "session", g.session)
	}
	g.metrics.optimized(res.Summary.Duration.Seconds())
	g.logger.Infow("pose graph optimized",
		"mode", g.opts.Mode.String(),
		"requested", res.Requested,
		"window", res.Window,
		"iterations", res.Summary.Iterations,
		"termination", res.Summary.Termination.String(),
		"initial_cost", res.Summary.InitialCost,
		"final_cost", res.Summary.FinalCost,
		"duration", res.Summary.Duration.String(),
		"drift_yaw", spatialmath.RadToDeg(g.drift.Yaw()),
	)
	g.publish(ctx, trajectory.EventOptimized, nil)
	return nil
}

// Optimize runs one optimization cycle in the calling goroutine. It reports whether a request was
// pending.
func (g *Graph) Optimize(ctx context.Context) (bool, error) {
	w, err := g.TakeWindow()
	if err != nil || w == nil {
		return false, err
	}
	res, err := solveWindow(ctx, w, g.logger)
	if err != nil {
		return true, err
	}
	return true, g.ApplyResult(ctx, res)
}

func solveWindow(ctx context.Context, w *Window, logger logging.Logger) (*Result, error) {
	start := time.Now()
	res, err := w.Solve(ctx)
	if err != nil {
		logger.Errorw("pose graph optimization failed", "requested", w.Requested, "window", w.Len(), "error", err)
		return nil, err
	}
	logger.Debugw("pose graph solved", "requested", w.Requested, "window", w.Len(), "elapsed", time.Since(start).String())
	return res, nil
}
