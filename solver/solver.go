package solver

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/loopfusion/logging"
	"go.viam.com/loopfusion/utils"
)

// Options controls the minimizer.
type Options struct {
	// MaxIterations bounds the number of trust region iterations, successful or not.
	MaxIterations int
	LinearSolver  LinearSolverType
	// DenseThreshold is the largest tangent dimension solved densely by LinearSolverAuto.
	DenseThreshold int

	FunctionTolerance        float64
	GradientTolerance        float64
	ParameterTolerance       float64
	InitialTrustRegionRadius float64

	Logger logging.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxIterations:            50,
		LinearSolver:             LinearSolverAuto,
		DenseThreshold:           1024,
		FunctionTolerance:        1e-6,
		GradientTolerance:        1e-10,
		ParameterTolerance:       1e-8,
		InitialTrustRegionRadius: 1e4,
	}
}

// TerminationType says why the minimizer stopped.
type TerminationType int

const (
	// NoConvergence means the iteration budget ran out. The parameters still hold the best point found.
	NoConvergence TerminationType = iota
	// Convergence means one of the tolerances was met.
	Convergence
	// Failure means the problem could not be evaluated at the initial point.
	Failure
)

func (t TerminationType) String() string {
	switch t {
	case NoConvergence:
		return "NO_CONVERGENCE"
	case Convergence:
		return "CONVERGENCE"
	case Failure:
		return "FAILURE"
	}
	return "UNKNOWN"
}

// Summary describes a finished solve.
type Summary struct {
	InitialCost     float64
	FinalCost       float64
	Iterations      int
	SuccessfulSteps int
	Termination     TerminationType
	LinearSolver    LinearSolverType

	NumParameterBlocks int
	NumParameters      int
	NumResidualBlocks  int
	NumResiduals       int

	Duration time.Duration
}

// BriefReport is a one line description of the solve.
func (s Summary) BriefReport() string {
	return fmt.Sprintf("LM solve: %s, iterations %d (%d successful), cost %e -> %e, %d parameters, %d residuals, %s",
		s.Termination, s.Iterations, s.SuccessfulSteps, s.InitialCost, s.FinalCost,
		s.NumParameters, s.NumResiduals, s.Duration)
}

const (
	minDiagonal         = 1e-6
	maxDiagonal         = 1e32
	minRelativeDecrease = 1e-3
)

// Solve minimizes the sum of robustified squared residuals of p by Levenberg-Marquardt. The
// optimized values are written back into the caller's parameter blocks. Running out of iterations
// is not an error.
func Solve(ctx context.Context, p *Problem, opts Options) (summary Summary, err error) {
	start := time.Now()
	defaults := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaults.MaxIterations
	}
	if opts.DenseThreshold <= 0 {
		opts.DenseThreshold = defaults.DenseThreshold
	}
	if opts.InitialTrustRegionRadius <= 0 {
		opts.InitialTrustRegionRadius = defaults.InitialTrustRegionRadius
	}

	n := 0
	for _, b := range p.blocks {
		if b.constant {
			b.offset = -1
			continue
		}
		b.offset = n
		n += b.manifold.TangentSize()
	}
	summary = Summary{
		NumParameterBlocks: len(p.blocks),
		NumParameters:      n,
		NumResidualBlocks:  len(p.residuals),
		NumResiduals:       p.NumResiduals(),
		LinearSolver:       opts.LinearSolver,
	}
	if summary.LinearSolver == LinearSolverAuto {
		summary.LinearSolver = DenseNormalCholesky
		if n > opts.DenseThreshold {
			summary.LinearSolver = ConjugateGradient
		}
	}
	defer func() { summary.Duration = time.Since(start) }()

	state := make([][]float64, len(p.blocks))
	for i, b := range p.blocks {
		state[i] = append([]float64(nil), b.values...)
	}

	eval, ok, err := p.evaluate(ctx, state, true)
	if err != nil {
		summary.Termination = Failure
		return summary, err
	}
	if !ok {
		summary.Termination = Failure
		return summary, errors.New("residuals cannot be evaluated at the initial parameters")
	}
	summary.InitialCost = eval.cost
	summary.FinalCost = eval.cost
	if n == 0 {
		summary.Termination = Convergence
		return summary, nil
	}

	radius := opts.InitialTrustRegionRadius
	decreaseFactor := 2.
	candidate := make([][]float64, len(state))
	for i := range state {
		candidate[i] = make([]float64, len(state[i]))
	}

	for summary.Iterations < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			p.writeBack(state)
			summary.FinalCost = eval.cost
			return summary, err
		}
		g := p.gradient(eval, n)
		if maxAbs(g) <= opts.GradientTolerance {
			summary.Termination = Convergence
			break
		}
		summary.Iterations++

		diag := p.jacobianDiagonal(eval, n)
		damping := make([]float64, n)
		rhs := make([]float64, n)
		for i := range diag {
			damping[i] = math.Min(math.Max(diag[i], minDiagonal), maxDiagonal) / radius
			rhs[i] = -g[i]
		}
		var step []float64
		if summary.LinearSolver == ConjugateGradient {
			step, err = p.solveCG(ctx, eval, damping, rhs, n, 1e-9)
		} else {
			step, err = p.solveDense(eval, damping, rhs)
		}
		if err != nil {
			if ctx.Err() != nil {
				p.writeBack(state)
				return summary, ctx.Err()
			}
			p.logDebug(opts, "linear solve failed", "iteration", summary.Iterations, "error", err)
			radius /= decreaseFactor
			decreaseFactor *= 2
			continue
		}

		if norm(step) <= opts.ParameterTolerance*(stateNorm(state)+opts.ParameterTolerance) {
			summary.Termination = Convergence
			break
		}
		modelDecrease := -(dot(g, step) + 0.5*p.jacobianNormSquared(eval, step))

		p.plus(state, step, candidate)
		trial, trialOK, err := p.evaluate(ctx, candidate, false)
		if err != nil {
			p.writeBack(state)
			return summary, err
		}
		if !trialOK || modelDecrease <= 0 {
			radius /= decreaseFactor
			decreaseFactor *= 2
			continue
		}
		ratio := (eval.cost - trial.cost) / modelDecrease
		if ratio <= minRelativeDecrease {
			radius /= decreaseFactor
			decreaseFactor *= 2
			p.logDebug(opts, "step rejected", "iteration", summary.Iterations, "ratio", ratio)
			continue
		}

		converged := math.Abs(eval.cost-trial.cost) <= opts.FunctionTolerance*eval.cost
		for i := range state {
			copy(state[i], candidate[i])
		}
		summary.SuccessfulSteps++
		radius /= math.Max(1.0/3.0, 1-math.Pow(2*ratio-1, 3))
		decreaseFactor = 2
		eval, ok, err = p.evaluate(ctx, state, true)
		if err != nil {
			p.writeBack(state)
			return summary, err
		}
		if !ok {
			// The cost was just evaluated at this point, so only a Jacobian evaluation failed.
			summary.FinalCost = trial.cost
			summary.Termination = Failure
			p.writeBack(state)
			return summary, errors.New("jacobian cannot be evaluated at the accepted parameters")
		}
		p.logDebug(opts, "step accepted", "iteration", summary.Iterations, "cost", eval.cost, "ratio", ratio)
		if converged {
			summary.Termination = Convergence
			break
		}
	}

	summary.FinalCost = eval.cost
	p.writeBack(state)
	return summary, nil
}

func (p *Problem) logDebug(opts Options, msg string, keysAndValues ...interface{}) {
	if opts.Logger != nil {
		opts.Logger.Debugw(msg, keysAndValues...)
	}
}

// evaluate linearizes every residual block at state, in parallel.
func (p *Problem) evaluate(ctx context.Context, state [][]float64, withJacobians bool) (*evaluation, bool, error) {
	eval := &evaluation{
		residuals: make([][]float64, len(p.residuals)),
		jacobians: make([][]*mat.Dense, len(p.residuals)),
	}
	var mu sync.Mutex
	var invalid atomic.Bool
	err := utils.GroupWorkParallel(ctx, len(p.residuals), func(int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			groupCost := 0.
			return func(memberNum, workNum int) {
					cost, residuals, jacobians, ok := p.residuals[workNum].evaluate(state, withJacobians)
					if !ok {
						invalid.Store(true)
						return
					}
					groupCost += cost
					eval.residuals[workNum] = residuals
					eval.jacobians[workNum] = jacobians
				}, func() {
					mu.Lock()
					eval.cost += groupCost
					mu.Unlock()
				}
		})
	if err != nil {
		return nil, false, err
	}
	return eval, !invalid.Load(), nil
}

func (p *Problem) plus(state [][]float64, step []float64, out [][]float64) {
	for i, b := range p.blocks {
		if b.constant {
			copy(out[i], state[i])
			continue
		}
		t := b.manifold.TangentSize()
		b.manifold.Plus(state[i], step[b.offset:b.offset+t], out[i])
	}
}

func (p *Problem) writeBack(state [][]float64) {
	for i, b := range p.blocks {
		if !b.constant {
			copy(b.values, state[i])
		}
	}
}

func stateNorm(state [][]float64) float64 {
	sum := 0.
	for _, block := range state {
		for _, v := range block {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}
