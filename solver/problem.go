// Package solver is a small nonlinear least squares solver in the style of Ceres: parameter blocks
// living in caller memory, residual blocks with robust losses, and a trust region
// Levenberg-Marquardt minimizer.
package solver

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// A CostFunction computes a fixed number of residuals from a fixed list of parameter blocks.
// Evaluate returns false when the residuals cannot be computed at the given parameters.
type CostFunction interface {
	NumResiduals() int
	ParameterBlockSizes() []int
	Evaluate(parameters [][]float64, residuals []float64) bool
}

// ResidualFunc computes residuals from parameter blocks.
type ResidualFunc func(parameters [][]float64, residuals []float64) bool

// NumericCostFunction is a CostFunction whose Jacobian is obtained by central differences in the
// tangent space of each parameter block.
type NumericCostFunction struct {
	numResiduals int
	sizes        []int
	fn           ResidualFunc
}

// NewNumericCostFunction wraps fn.
func NewNumericCostFunction(numResiduals int, sizes []int, fn ResidualFunc) *NumericCostFunction {
	return &NumericCostFunction{numResiduals: numResiduals, sizes: sizes, fn: fn}
}

// NumResiduals implements CostFunction.
func (c *NumericCostFunction) NumResiduals() int { return c.numResiduals }

// ParameterBlockSizes implements CostFunction.
func (c *NumericCostFunction) ParameterBlockSizes() []int { return c.sizes }

// Evaluate implements CostFunction.
func (c *NumericCostFunction) Evaluate(parameters [][]float64, residuals []float64) bool {
	return c.fn(parameters, residuals)
}

type parameterBlock struct {
	values   []float64
	manifold Manifold
	constant bool
	index    int
	// offset into the tangent state vector, -1 for constant blocks.
	offset int
}

type residualBlock struct {
	cost   CostFunction
	loss   LossFunction
	blocks []*parameterBlock
}

// Problem holds parameter and residual blocks. It is not safe for concurrent use.
type Problem struct {
	blocks    []*parameterBlock
	byAddress map[*float64]*parameterBlock
	residuals []*residualBlock
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{byAddress: map[*float64]*parameterBlock{}}
}

// AddParameterBlock registers values as a parameter block updated through m. A nil manifold means
// Euclidean. Adding the same block twice replaces its manifold when m is not nil.
func (p *Problem) AddParameterBlock(values []float64, m Manifold) error {
	if len(values) == 0 {
		return errors.New("parameter block must not be empty")
	}
	if m == nil {
		m = EuclideanManifold{Size: len(values)}
	}
	if m.AmbientSize() != len(values) {
		return errors.Errorf("manifold ambient size %d does not match block size %d", m.AmbientSize(), len(values))
	}
	if b, ok := p.byAddress[&values[0]]; ok {
		if len(b.values) != len(values) {
			return errors.Errorf("parameter block re-added with size %d, was %d", len(values), len(b.values))
		}
		b.manifold = m
		return nil
	}
	b := &parameterBlock{values: values, manifold: m, index: len(p.blocks), offset: -1}
	p.blocks = append(p.blocks, b)
	p.byAddress[&values[0]] = b
	return nil
}

// SetParameterBlockConstant holds a registered block fixed during the solve.
func (p *Problem) SetParameterBlockConstant(values []float64) error {
	b, err := p.lookup(values)
	if err != nil {
		return err
	}
	b.constant = true
	return nil
}

// SetParameterBlockVariable undoes SetParameterBlockConstant.
func (p *Problem) SetParameterBlockVariable(values []float64) error {
	b, err := p.lookup(values)
	if err != nil {
		return err
	}
	b.constant = false
	return nil
}

// IsParameterBlockConstant reports whether a registered block is held fixed.
func (p *Problem) IsParameterBlockConstant(values []float64) bool {
	b, err := p.lookup(values)
	return err == nil && b.constant
}

func (p *Problem) lookup(values []float64) (*parameterBlock, error) {
	if len(values) == 0 {
		return nil, errors.New("parameter block must not be empty")
	}
	b, ok := p.byAddress[&values[0]]
	if !ok {
		return nil, errors.New("parameter block was never added to the problem")
	}
	return b, nil
}

// AddResidualBlock adds a residual term over the given parameter blocks, in the order the cost
// function expects them. Blocks that were not added yet are added as Euclidean blocks. A nil loss
// means plain least squares.
func (p *Problem) AddResidualBlock(cost CostFunction, loss LossFunction, blocks ...[]float64) error {
	sizes := cost.ParameterBlockSizes()
	if len(sizes) != len(blocks) {
		return errors.Errorf("cost function expects %d parameter blocks, got %d", len(sizes), len(blocks))
	}
	rb := &residualBlock{cost: cost, loss: loss, blocks: make([]*parameterBlock, len(blocks))}
	seen := map[*parameterBlock]bool{}
	for i, values := range blocks {
		if len(values) != sizes[i] {
			return errors.Errorf("parameter block %d has size %d, cost function expects %d", i, len(values), sizes[i])
		}
		if !p.has(values) {
			if err := p.AddParameterBlock(values, nil); err != nil {
				return err
			}
		}
		b := p.byAddress[&values[0]]
		if seen[b] {
			return errors.Errorf("parameter block %d appears twice in one residual block", i)
		}
		seen[b] = true
		rb.blocks[i] = b
	}
	p.residuals = append(p.residuals, rb)
	return nil
}

func (p *Problem) has(values []float64) bool {
	if len(values) == 0 {
		return false
	}
	_, ok := p.byAddress[&values[0]]
	return ok
}

// NumParameterBlocks returns the number of parameter blocks.
func (p *Problem) NumParameterBlocks() int { return len(p.blocks) }

// NumResidualBlocks returns the number of residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.residuals) }

// NumResiduals returns the total number of scalar residuals.
func (p *Problem) NumResiduals() int {
	n := 0
	for _, rb := range p.residuals {
		n += rb.cost.NumResiduals()
	}
	return n
}

const numericStep = 1e-6

// evaluate computes the robustified cost and, optionally, the scaled residuals and Jacobians of
// one residual block at the parameters held in state.
func (rb *residualBlock) evaluate(state [][]float64, withJacobians bool) (float64, []float64, []*mat.Dense, bool) {
	params := make([][]float64, len(rb.blocks))
	for k, b := range rb.blocks {
		params[k] = state[b.index]
	}
	m := rb.cost.NumResiduals()
	f := make([]float64, m)
	if !rb.cost.Evaluate(params, f) || !finite(f) {
		return 0, nil, nil, false
	}

	var jacobians []*mat.Dense
	if withJacobians {
		jacobians = make([]*mat.Dense, len(rb.blocks))
		fp := make([]float64, m)
		fm := make([]float64, m)
		for k, b := range rb.blocks {
			if b.constant {
				continue
			}
			x := params[k]
			t := b.manifold.TangentSize()
			h := numericStep * math.Max(1, maxAbs(x))
			delta := make([]float64, t)
			xp := make([]float64, len(x))
			xm := make([]float64, len(x))
			jac := mat.NewDense(m, t, nil)
			for d := 0; d < t; d++ {
				delta[d] = h
				b.manifold.Plus(x, delta, xp)
				delta[d] = -h
				b.manifold.Plus(x, delta, xm)
				delta[d] = 0

				params[k] = xp
				okPlus := rb.cost.Evaluate(params, fp)
				params[k] = xm
				okMinus := rb.cost.Evaluate(params, fm)
				params[k] = x
				if !okPlus || !okMinus {
					return 0, nil, nil, false
				}
				for i := 0; i < m; i++ {
					jac.Set(i, d, (fp[i]-fm[i])/(2*h))
				}
			}
			jacobians[k] = jac
		}
	}

	s := 0.
	for _, v := range f {
		s += v * v
	}
	if rb.loss == nil {
		return 0.5 * s, f, jacobians, true
	}
	rho := rb.loss.Evaluate(s)
	scale := math.Sqrt(rho[1])
	for i := range f {
		f[i] *= scale
	}
	for _, jac := range jacobians {
		if jac != nil {
			jac.Scale(scale, jac)
		}
	}
	return 0.5 * rho[0], f, jacobians, true
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func maxAbs(values []float64) float64 {
	out := 0.
	for _, v := range values {
		out = math.Max(out, math.Abs(v))
	}
	return out
}
