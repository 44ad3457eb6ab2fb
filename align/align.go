package align

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Len returns the number of points in the set.
func (ps PointSet) Len() int {
	return len(ps)
}

// Dim returns the dimensionality of the set's points, or 0 if empty.
func (ps PointSet) Dim() int {
	if len(ps) == 0 {
		return 0
	}
	return len(ps[0])
}

// validate checks that the set is non-empty and every point shares the
// set's dimensionality.
func (ps PointSet) validate() error {
	if len(ps) == 0 {
		return fmt.Errorf("%w: empty point set", ErrInvalidInput)
	}
	d := len(ps[0])
	if d == 0 {
		return fmt.Errorf("%w: zero-dimensional point", ErrInvalidInput)
	}
	for i, p := range ps {
		if len(p) != d {
			return fmt.Errorf("%w: point %d has %d coordinates, expected %d",
				ErrInvalidInput, i, len(p), d)
		}
	}
	return nil
}

// Centroid returns the arithmetic mean of the point set.
func Centroid(ps PointSet) (Vector, error) {
	if err := ps.validate(); err != nil {
		return nil, err
	}
	d := ps.Dim()
	c := make(Vector, d)
	for _, p := range ps {
		for j, v := range p {
			c[j] += v
		}
	}
	n := float64(len(ps))
	for j := range c {
		c[j] /= n
	}
	return c, nil
}

// Center returns the centroid and a copy of the set with the centroid
// subtracted from every point.
func Center(ps PointSet) (Vector, PointSet, error) {
	c, err := Centroid(ps)
	if err != nil {
		return nil, nil, err
	}
	centered := make(PointSet, len(ps))
	for i, p := range ps {
		q := make(Vector, len(p))
		for j, v := range p {
			q[j] = v - c[j]
		}
		centered[i] = q
	}
	return c, centered, nil
}

// rmsSpread returns the root-mean-square magnitude of a centered set.
func rmsSpread(centered PointSet) float64 {
	sum := 0.0
	for _, p := range centered {
		for _, v := range p {
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64(len(centered)))
}

// EstimateScale returns the uniform scale factor between two centered,
// correspondence-aligned point sets: the ratio of root-mean-square
// spreads target/source. A zero-spread source leaves the scale undefined
// and a zero-spread target would force it to zero; both are rejected as
// degenerate.
func EstimateScale(centeredSource, centeredTarget PointSet) (float64, error) {
	srcSpread := rmsSpread(centeredSource)
	if srcSpread == 0 {
		return 0, fmt.Errorf("%w: source points coincide, scale is undefined", ErrDegenerateInput)
	}
	tgtSpread := rmsSpread(centeredTarget)
	if tgtSpread == 0 {
		return 0, fmt.Errorf("%w: target points coincide, scale would be zero", ErrDegenerateInput)
	}
	return tgtSpread / srcSpread, nil
}

// EstimateRotation computes the proper rotation that best maps the
// centered source onto the centered target in the least-squares sense.
// It accumulates the cross-covariance H = source^T * target, factors
// H = U * S * V^T, and forms R = V * U^T. When det(R) < 0 the candidate
// is a reflection; the column of V belonging to the smallest singular
// value is negated and R recomputed, so the result is always proper.
//
// For rank-deficient H (collinear points, exact-fit N = D pairs) the
// minimizer is not unique and the returned rotation is one of the
// equally optimal solutions.
func EstimateRotation(centeredSource, centeredTarget PointSet) (Matrix, error) {
	n := centeredSource.Len()
	d := centeredSource.Dim()
	if n < d {
		return nil, fmt.Errorf("%w: %d point pairs cannot constrain a %d-dimensional rotation",
			ErrDegenerateInput, n, d)
	}

	h := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			sum := 0.0
			for k := 0; k < n; k++ {
				sum += centeredSource[k][i] * centeredTarget[k][j]
			}
			h.Set(i, j, sum)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: singular value decomposition did not converge", ErrDegenerateInput)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Singular values come back in descending order, so the last
		// column of V belongs to the smallest one.
		for i := 0; i < d; i++ {
			v.Set(i, d-1, -v.At(i, d-1))
		}
		r.Mul(&v, u.T())
	}

	rotation := make(Matrix, d)
	for i := 0; i < d; i++ {
		row := make([]float64, d)
		for j := 0; j < d; j++ {
			row[j] = r.At(i, j)
		}
		rotation[i] = row
	}
	return rotation, nil
}

// ComposeTransform derives the translation t = targetCentroid -
// scale * (rotation * sourceCentroid) and assembles the full similarity
// map.
func ComposeTransform(scale float64, rotation Matrix, sourceCentroid, targetCentroid Vector) Transform {
	rc := rotation.MulVec(sourceCentroid)
	t := make(Vector, len(targetCentroid))
	for j := range t {
		t[j] = targetCentroid[j] - scale*rc[j]
	}
	return Transform{Scale: scale, Rotation: rotation, Translation: t}
}

// Align estimates the best-fit similarity transform (uniform scale,
// proper rotation, translation) mapping source onto target, minimizing
// the sum of squared residuals over all point pairs. The i-th source
// point corresponds to the i-th target point.
//
// The estimate runs through four stages: centroid removal, RMS scale
// ratio, SVD-based rotation extraction with reflection correction, and
// translation composition. The returned result also carries the source
// points mapped through the transform and the per-point residuals
// against the target.
//
// Align is pure and safe for concurrent use.
func Align(source, target PointSet) (*AlignmentResult, error) {
	if err := source.validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := target.validate(); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if source.Len() != target.Len() {
		return nil, fmt.Errorf("%w: source has %d points, target has %d",
			ErrInvalidInput, source.Len(), target.Len())
	}
	if source.Dim() != target.Dim() {
		return nil, fmt.Errorf("%w: source is %d-dimensional, target is %d-dimensional",
			ErrInvalidInput, source.Dim(), target.Dim())
	}
	if source.Len() < 2 {
		return nil, fmt.Errorf("%w: at least 2 point pairs required, got %d",
			ErrDegenerateInput, source.Len())
	}

	srcCentroid, srcCentered, err := Center(source)
	if err != nil {
		return nil, err
	}
	tgtCentroid, tgtCentered, err := Center(target)
	if err != nil {
		return nil, err
	}

	scale, err := EstimateScale(srcCentered, tgtCentered)
	if err != nil {
		return nil, err
	}

	rotation, err := EstimateRotation(srcCentered, tgtCentered)
	if err != nil {
		return nil, err
	}

	transform := ComposeTransform(scale, rotation, srcCentroid, tgtCentroid)

	transformed := transform.ApplyAll(source)
	residuals := make(PointSet, len(target))
	for i := range target {
		res := make(Vector, len(target[i]))
		for j := range target[i] {
			res[j] = transformed[i][j] - target[i][j]
		}
		residuals[i] = res
	}

	return &AlignmentResult{
		Transform:   transform,
		Transformed: transformed,
		Residuals:   residuals,
	}, nil
}

// RMSE returns the root-mean-square residual magnitude, the headline
// fit-quality number for reporting.
func (r *AlignmentResult) RMSE() float64 {
	if len(r.Residuals) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range r.Residuals {
		for _, v := range p {
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64(len(r.Residuals)))
}
