package solver

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// A LossFunction reduces the influence of large residuals. Evaluate takes the squared norm s of a
// residual block and returns rho(s) and its first and second derivatives.
type LossFunction interface {
	Evaluate(s float64) [3]float64
}

const minLossDerivative = 1e-16

// HuberLoss is quadratic for |r| <= A and linear beyond.
type HuberLoss struct {
	A float64
}

// Evaluate implements LossFunction.
func (l HuberLoss) Evaluate(s float64) [3]float64 {
	b := l.A * l.A
	if s > b {
		r := math.Sqrt(s)
		rho1 := math.Max(minLossDerivative, l.A/r)
		return [3]float64{2*l.A*r - b, rho1, -rho1 / (2 * s)}
	}
	return [3]float64{s, 1, 0}
}

// CauchyLoss is rho(s) = A^2 log(1 + s/A^2).
type CauchyLoss struct {
	A float64
}

// Evaluate implements LossFunction.
func (l CauchyLoss) Evaluate(s float64) [3]float64 {
	b := l.A * l.A
	c := 1 / b
	sum := 1 + s*c
	inv := 1 / sum
	return [3]float64{b * math.Log(sum), math.Max(minLossDerivative, inv), -c * inv * inv}
}

// NewLoss returns the loss function with the given name. "none" and "" return a nil loss, which
// the solver treats as plain least squares.
func NewLoss(name string, scale float64) (LossFunction, error) {
	switch strings.ToLower(name) {
	case "", "none", "trivial":
		return nil, nil
	case "huber":
		if scale <= 0 {
			return nil, errors.Errorf("huber loss scale must be positive, got %v", scale)
		}
		return HuberLoss{A: scale}, nil
	case "cauchy":
		if scale <= 0 {
			return nil, errors.Errorf("cauchy loss scale must be positive, got %v", scale)
		}
		return CauchyLoss{A: scale}, nil
	default:
		return nil, errors.Errorf("unknown loss function %q", name)
	}
}
