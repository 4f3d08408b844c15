package posegraph

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/slam/keyframe"
	"go.viam.com/loopfusion/slam/trajectory"
	"go.viam.com/loopfusion/utils"
)

// ErrClosed is returned by an Engine after Close.
var ErrClosed = errors.New("pose graph engine is closed")

// DefaultIdleInterval is how often the optimizer looks for pending requests when nobody kicks it.
const DefaultIdleInterval = 2 * time.Second

// EngineOptions configures an Engine.
type EngineOptions struct {
	IdleInterval time.Duration
	// Clock drives the optimizer's idle ticker. Tests pass a mock.
	Clock clock.Clock
	// DisableKick leaves the optimizer to its idle ticker instead of waking it on every loop.
	DisableKick bool
}

type request struct {
	fn   func(g *Graph)
	done chan struct{}
}

// Engine owns a Graph. One goroutine applies every operation to the graph in arrival order;
// another runs optimization cycles, solving each window outside the owner so registrations
// continue while the solver runs.
type Engine struct {
	graph  *Graph
	logger logging.Logger
	clk    clock.Clock
	opts   EngineOptions

	requests chan request
	kick     chan struct{}
	// cycleMu keeps optimization cycles from overlapping.
	cycleMu sync.Mutex
	workers utils.StoppableWorkers
}

// NewEngine starts the owner and optimizer goroutines for g. The engine owns g from now on.
func NewEngine(g *Graph, opts EngineOptions, logger logging.Logger) *Engine {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	e := &Engine{
		graph:    g,
		logger:   logger,
		clk:      opts.Clock,
		opts:     opts,
		requests: make(chan request),
		kick:     make(chan struct{}, 1),
	}
	e.workers = utils.NewStoppableWorkers()
	e.workers.AddWorkers(e.own, utils.TickerWorker(e.clk, opts.IdleInterval, e.kick, e.background))
	return e
}

func (e *Engine) own(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			req.fn(e.graph)
			close(req.done)
		}
	}
}

func (e *Engine) background(ctx context.Context) {
	if _, err := e.cycle(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
		e.logger.Errorw("optimization cycle failed", "error", err)
	}
}

// do runs fn on the owner goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(g *Graph)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stopped := e.workers.Context().Done()
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-stopped:
		return ErrClosed
	}
	// The owner always finishes a request it has taken, even when stopping.
	<-req.done
	return nil
}

func (e *Engine) wake() {
	if e.opts.DisableKick {
		return
	}
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Register registers kf (see Graph.Register) and returns a copy of it as stored.
func (e *Engine) Register(ctx context.Context, kf *keyframe.KeyFrame, src LoopSource) (*keyframe.KeyFrame, error) {
	var (
		out     *keyframe.KeyFrame
		err     error
		pending bool
	)
	if doErr := e.do(ctx, func(g *Graph) {
		if err = g.Register(ctx, kf, src); err == nil {
			out = kf.Clone()
			_, pending = g.Pending()
		}
	}); doErr != nil {
		return nil, doErr
	}
	if pending {
		e.wake()
	}
	return out, err
}

// Get returns a copy of the keyframe with the given index.
func (e *Engine) Get(ctx context.Context, index int) (*keyframe.KeyFrame, error) {
	var (
		out *keyframe.KeyFrame
		err error
	)
	if doErr := e.do(ctx, func(g *Graph) {
		var kf *keyframe.KeyFrame
		if kf, err = g.Get(index); err == nil {
			out = kf.Clone()
		}
	}); doErr != nil {
		return nil, doErr
	}
	return out, err
}

// KeyFrames returns copies of every registered keyframe in index order.
func (e *Engine) KeyFrames(ctx context.Context) ([]*keyframe.KeyFrame, error) {
	var out []*keyframe.KeyFrame
	err := e.do(ctx, func(g *Graph) {
		out = make([]*keyframe.KeyFrame, len(g.keyframes))
		for i, kf := range g.keyframes {
			out[i] = kf.Clone()
		}
	})
	return out, err
}

// Snapshot returns the current trajectory.
func (e *Engine) Snapshot(ctx context.Context) (trajectory.Snapshot, error) {
	var snap trajectory.Snapshot
	err := e.do(ctx, func(g *Graph) {
		snap = g.Snapshot(trajectory.EventOptimized, nil)
	})
	return snap, err
}

// Drift returns the current drift correction.
func (e *Engine) Drift(ctx context.Context) (Drift, error) {
	var d Drift
	err := e.do(ctx, func(g *Graph) { d = g.Drift() })
	return d, err
}

// Horizon returns the loop horizon of the graph.
func (e *Engine) Horizon(ctx context.Context) (int, error) {
	horizon := keyframe.NoLoop
	err := e.do(ctx, func(g *Graph) { horizon = g.Horizon() })
	return horizon, err
}

// Load adds previously saved keyframes (see Graph.Load).
func (e *Engine) Load(ctx context.Context, kfs []*keyframe.KeyFrame) error {
	var err error
	if doErr := e.do(ctx, func(g *Graph) { err = g.Load(ctx, kfs) }); doErr != nil {
		return doErr
	}
	return err
}

// OptimizeNow runs an optimization cycle in the calling goroutine, after any cycle already in
// progress. It reports whether a request was pending.
func (e *Engine) OptimizeNow(ctx context.Context) (bool, error) {
	return e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) (bool, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	var (
		w   *Window
		err error
	)
	if doErr := e.do(ctx, func(g *Graph) { w, err = g.TakeWindow() }); doErr != nil {
		return false, doErr
	}
	if err != nil || w == nil {
		return false, err
	}

	stopSlowLogger := utils.SlowLogger(ctx, e.clk, "pose graph optimization still running",
		"requested", strconv.Itoa(w.Requested), e.logger)
	res, err := solveWindow(ctx, w, e.logger)
	stopSlowLogger()
	if err != nil {
		return true, err
	}

	var applyErr error
	if doErr := e.do(ctx, func(g *Graph) { applyErr = g.ApplyResult(ctx, res) }); doErr != nil {
		return true, doErr
	}
	return true, applyErr
}

// Close stops the engine's goroutines. Operations after Close return ErrClosed.
func (e *Engine) Close() error {
	e.workers.Stop()
	return nil
}
