package solver

import (
	"context"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LinearSolverType selects how the damped normal equations are solved at each step.
type LinearSolverType int

const (
	// LinearSolverAuto uses dense Cholesky for small problems and conjugate gradients otherwise.
	LinearSolverAuto LinearSolverType = iota
	// DenseNormalCholesky assembles J^T J densely and factors it.
	DenseNormalCholesky
	// ConjugateGradient runs block-Jacobi preconditioned conjugate gradients without assembling J^T J.
	ConjugateGradient
)

func (t LinearSolverType) String() string {
	switch t {
	case LinearSolverAuto:
		return "auto"
	case DenseNormalCholesky:
		return "dense_normal_cholesky"
	case ConjugateGradient:
		return "conjugate_gradient"
	}
	return "unknown"
}

// LinearSolverFromString parses a linear solver name.
func LinearSolverFromString(name string) (LinearSolverType, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return LinearSolverAuto, nil
	case "dense_normal_cholesky", "dense":
		return DenseNormalCholesky, nil
	case "conjugate_gradient", "cg":
		return ConjugateGradient, nil
	}
	return LinearSolverAuto, errors.Errorf("unknown linear solver %q", name)
}

// evaluation is the state of the problem linearized at one point.
type evaluation struct {
	cost      float64
	residuals [][]float64
	jacobians [][]*mat.Dense
}

// gradient returns J^T r over the tangent state.
func (p *Problem) gradient(eval *evaluation, n int) []float64 {
	g := make([]float64, n)
	for i, rb := range p.residuals {
		r := eval.residuals[i]
		for k, b := range rb.blocks {
			jac := eval.jacobians[i][k]
			if jac == nil {
				continue
			}
			rows, cols := jac.Dims()
			for c := 0; c < cols; c++ {
				sum := 0.
				for row := 0; row < rows; row++ {
					sum += jac.At(row, c) * r[row]
				}
				g[b.offset+c] += sum
			}
		}
	}
	return g
}

// jacobianDiagonal returns the diagonal of J^T J.
func (p *Problem) jacobianDiagonal(eval *evaluation, n int) []float64 {
	d := make([]float64, n)
	for i, rb := range p.residuals {
		for k, b := range rb.blocks {
			jac := eval.jacobians[i][k]
			if jac == nil {
				continue
			}
			rows, cols := jac.Dims()
			for c := 0; c < cols; c++ {
				for row := 0; row < rows; row++ {
					v := jac.At(row, c)
					d[b.offset+c] += v * v
				}
			}
		}
	}
	return d
}

// jacobianNormSquared returns ||J x||^2.
func (p *Problem) jacobianNormSquared(eval *evaluation, x []float64) float64 {
	total := 0.
	for i, rb := range p.residuals {
		v := p.jacobianTimes(eval, i, rb, x)
		for _, e := range v {
			total += e * e
		}
	}
	return total
}

func (p *Problem) jacobianTimes(eval *evaluation, i int, rb *residualBlock, x []float64) []float64 {
	v := make([]float64, rb.cost.NumResiduals())
	for k, b := range rb.blocks {
		jac := eval.jacobians[i][k]
		if jac == nil {
			continue
		}
		rows, cols := jac.Dims()
		for row := 0; row < rows; row++ {
			sum := 0.
			for c := 0; c < cols; c++ {
				sum += jac.At(row, c) * x[b.offset+c]
			}
			v[row] += sum
		}
	}
	return v
}

// solveDense solves (J^T J + diag(damping)) x = rhs by dense Cholesky.
func (p *Problem) solveDense(eval *evaluation, damping, rhs []float64) ([]float64, error) {
	n := len(rhs)
	h := mat.NewSymDense(n, nil)
	for i, rb := range p.residuals {
		jacs := eval.jacobians[i]
		for a, ba := range rb.blocks {
			if jacs[a] == nil {
				continue
			}
			for b := a; b < len(rb.blocks); b++ {
				bb := rb.blocks[b]
				if jacs[b] == nil {
					continue
				}
				var prod mat.Dense
				prod.Mul(jacs[a].T(), jacs[b])
				rows, cols := prod.Dims()
				for r := 0; r < rows; r++ {
					for c := 0; c < cols; c++ {
						if a == b && c < r {
							continue
						}
						row, col := ba.offset+r, bb.offset+c
						h.SetSym(row, col, h.At(row, col)+prod.At(r, c))
					}
				}
			}
		}
	}
	for i, d := range damping {
		h.SetSym(i, i, h.At(i, i)+d)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return nil, errors.New("normal equations are not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, rhs)); err != nil {
		return nil, errors.Wrap(err, "cholesky solve failed")
	}
	return x.RawVector().Data, nil
}

// solveCG solves (J^T J + diag(damping)) x = rhs by conjugate gradients, preconditioned with the
// inverse of the per parameter block diagonal blocks.
func (p *Problem) solveCG(ctx context.Context, eval *evaluation, damping, rhs []float64, maxIterations int, tolerance float64) ([]float64, error) {
	n := len(rhs)
	precond, err := p.blockJacobi(eval, damping)
	if err != nil {
		return nil, err
	}
	apply := func(x []float64) []float64 {
		y := make([]float64, n)
		for i, rb := range p.residuals {
			v := p.jacobianTimes(eval, i, rb, x)
			for k, b := range rb.blocks {
				jac := eval.jacobians[i][k]
				if jac == nil {
					continue
				}
				rows, cols := jac.Dims()
				for c := 0; c < cols; c++ {
					sum := 0.
					for row := 0; row < rows; row++ {
						sum += jac.At(row, c) * v[row]
					}
					y[b.offset+c] += sum
				}
			}
		}
		for i := range y {
			y[i] += damping[i] * x[i]
		}
		return y
	}

	x := make([]float64, n)
	r := append([]float64(nil), rhs...)
	bNorm := norm(rhs)
	if bNorm == 0 {
		return x, nil
	}
	z := precond(r)
	dir := append([]float64(nil), z...)
	rz := dot(r, z)
	for iter := 0; iter < maxIterations; iter++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ad := apply(dir)
		curvature := dot(dir, ad)
		if curvature <= 0 {
			if iter == 0 {
				return nil, errors.New("normal equations are not positive definite")
			}
			break
		}
		alpha := rz / curvature
		for i := range x {
			x[i] += alpha * dir[i]
			r[i] -= alpha * ad[i]
		}
		if norm(r) <= tolerance*bNorm {
			break
		}
		z = precond(r)
		rzNext := dot(r, z)
		beta := rzNext / rz
		rz = rzNext
		for i := range dir {
			dir[i] = z[i] + beta*dir[i]
		}
	}
	return x, nil
}

func (p *Problem) blockJacobi(eval *evaluation, damping []float64) (func([]float64) []float64, error) {
	diag := make(map[*parameterBlock]*mat.SymDense)
	for i, rb := range p.residuals {
		for k, b := range rb.blocks {
			jac := eval.jacobians[i][k]
			if jac == nil {
				continue
			}
			t := b.manifold.TangentSize()
			block, ok := diag[b]
			if !ok {
				block = mat.NewSymDense(t, nil)
				diag[b] = block
			}
			var prod mat.Dense
			prod.Mul(jac.T(), jac)
			for r := 0; r < t; r++ {
				for c := r; c < t; c++ {
					block.SetSym(r, c, block.At(r, c)+prod.At(r, c))
				}
			}
		}
	}
	type factor struct {
		offset int
		chol   mat.Cholesky
	}
	factors := make([]*factor, 0, len(diag))
	for b, block := range diag {
		t := b.manifold.TangentSize()
		for r := 0; r < t; r++ {
			block.SetSym(r, r, block.At(r, r)+damping[b.offset+r])
		}
		f := &factor{offset: b.offset}
		if ok := f.chol.Factorize(block); !ok {
			return nil, errors.New("preconditioner block is not positive definite")
		}
		factors = append(factors, f)
	}
	return func(r []float64) []float64 {
		z := append([]float64(nil), r...)
		for _, f := range factors {
			t := f.chol.SymmetricDim()
			var out mat.VecDense
			if err := f.chol.SolveVecTo(&out, mat.NewVecDense(t, r[f.offset:f.offset+t])); err != nil {
				continue
			}
			copy(z[f.offset:f.offset+t], out.RawVector().Data)
		}
		return z
	}, nil
}

func dot(a, b []float64) float64 {
	out := 0.
	for i := range a {
		out += a[i] * b[i]
	}
	return out
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}
