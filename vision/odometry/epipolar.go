// Package odometry estimates the two-view epipolar geometry of matched keypoints and separates the
// correspondences that agree with it from the outliers.
package odometry

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// minSample is the number of correspondences the eight-point algorithm needs.
const minSample = 8

// ErrTooFewCorrespondences is returned when fewer than eight point pairs are given.
var ErrTooFewCorrespondences = errors.New("at least 8 correspondences are needed to fit a fundamental matrix")

// RansacConfig contains the parameters of the robust fundamental matrix fit.
type RansacConfig struct {
	// Threshold is the largest Sampson distance of an inlier, in the units of the points.
	Threshold  float64 `json:"threshold"`
	Iterations int     `json:"iterations"`
	Seed       int64   `json:"seed"`
}

// DefaultRansacConfig returns a 3 pixel threshold for normalized coordinates seen through a 460
// pixel focal length.
func DefaultRansacConfig() RansacConfig {
	return RansacConfig{Threshold: 3.0 / 460, Iterations: 200, Seed: 1}
}

// FundamentalMatrix fits the matrix F with x2^T F x1 = 0 to the correspondences by the normalized
// eight-point algorithm. F is returned with unit Frobenius norm and rank 2.
func FundamentalMatrix(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < minSample {
		return nil, ErrTooFewCorrespondences
	}
	points1, t1 := normalizePoints(pts1)
	points2, t2 := normalizePoints(pts2)

	// zero rows pad the system to a square one; they leave its null space unchanged
	rows := len(points1)
	if rows < 9 {
		rows = 9
	}
	m := mat.NewDense(rows, 9, nil)
	for i := range points1 {
		v1, v2 := points1[i], points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil, errors.New("fundamental matrix factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	f := mat.NewDense(3, 3, mat.Col(nil, 8, &v))

	// enforce rank 2
	var fsvd mat.SVD
	if !fsvd.Factorize(f, mat.SVDFull) {
		return nil, errors.New("fundamental matrix rank reduction failed")
	}
	var fu, fv mat.Dense
	fsvd.UTo(&fu)
	fsvd.VTo(&fv)
	values := fsvd.Values(nil)
	values[2] = 0
	var rank2 mat.Dense
	rank2.Product(&fu, mat.NewDiagDense(3, values), fv.T())

	// undo the normalization: T2^T F T1
	var out mat.Dense
	out.Product(t2.T(), &rank2, t1)
	norm := mat.Norm(&out, 2)
	if norm == 0 || math.IsNaN(norm) {
		return nil, errors.New("degenerate correspondences")
	}
	out.Scale(1/norm, &out)
	return &out, nil
}

// normalizePoints moves the centroid of the points to the origin and scales them to an average
// distance of sqrt(2), as in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := float64(len(pts))
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1 / n)
	d := 0.
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / n
	}
	scale := 1.
	if d > 0 {
		scale = math.Sqrt2 / d
	}
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(mu).Mul(scale)
	}
	return out, mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
}

// SampsonDistance is the first order approximation of the distance of a correspondence to the
// epipolar geometry F.
func SampsonDistance(f mat.Matrix, p1, p2 r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p1.X, p1.Y, 1})
	x2 := mat.NewVecDense(3, []float64{p2.X, p2.Y, 1})
	var fx1, ftx2 mat.VecDense
	fx1.MulVec(f, x1)
	ftx2.MulVec(f.T(), x2)
	num := mat.Dot(x2, &fx1)
	den := fx1.AtVec(0)*fx1.AtVec(0) + fx1.AtVec(1)*fx1.AtVec(1) +
		ftx2.AtVec(0)*ftx2.AtVec(0) + ftx2.AtVec(1)*ftx2.AtVec(1)
	if den == 0 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}

// EpipolarInliers fits a fundamental matrix to the correspondences with RANSAC and reports which
// of them lie within cfg.Threshold of it. The model is refit on the inliers of the best sample.
func EpipolarInliers(pts1, pts2 []r2.Point, cfg RansacConfig) ([]bool, *mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < minSample {
		return nil, nil, ErrTooFewCorrespondences
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultRansacConfig().Iterations
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultRansacConfig().Threshold
	}

	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec
	sample1 := make([]r2.Point, minSample)
	sample2 := make([]r2.Point, minSample)
	var (
		best      []bool
		bestCount = -1
		bestModel *mat.Dense
	)
	for it := 0; it < cfg.Iterations && bestCount < len(pts1); it++ {
		for i, idx := range rng.Perm(len(pts1))[:minSample] {
			sample1[i], sample2[i] = pts1[idx], pts2[idx]
		}
		f, err := FundamentalMatrix(sample1, sample2)
		if err != nil {
			continue
		}
		inliers, count := classify(f, pts1, pts2, cfg.Threshold)
		if count > bestCount {
			best, bestCount, bestModel = inliers, count, f
		}
	}
	if bestModel == nil {
		return nil, nil, errors.New("no fundamental matrix could be fit")
	}
	if bestCount < minSample {
		return best, bestModel, nil
	}

	in1 := make([]r2.Point, 0, bestCount)
	in2 := make([]r2.Point, 0, bestCount)
	for i, ok := range best {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}
	refit, err := FundamentalMatrix(in1, in2)
	if err != nil {
		return best, bestModel, nil
	}
	if inliers, count := classify(refit, pts1, pts2, cfg.Threshold); count >= bestCount {
		return inliers, refit, nil
	}
	return best, bestModel, nil
}

// CountInliers is the number of set entries of an inlier mask.
func CountInliers(inliers []bool) int {
	count := 0
	for _, ok := range inliers {
		if ok {
			count++
		}
	}
	return count
}

func classify(f *mat.Dense, pts1, pts2 []r2.Point, threshold float64) ([]bool, int) {
	inliers := make([]bool, len(pts1))
	for i := range pts1 {
		inliers[i] = SampsonDistance(f, pts1[i], pts2[i]) <= threshold
	}
	return inliers, CountInliers(inliers)
}
