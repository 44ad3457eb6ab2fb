package align

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// IdentityMatrix returns the dim x dim identity matrix.
func IdentityMatrix(dim int) Matrix {
	m := make(Matrix, dim)
	for i := range m {
		m[i] = make([]float64, dim)
		m[i][i] = 1
	}
	return m
}

// Identity returns the identity transform in dim dimensions.
func Identity(dim int) Transform {
	return Transform{
		Scale:       1,
		Rotation:    IdentityMatrix(dim),
		Translation: make(Vector, dim),
	}
}

// Dim returns the matrix dimension (rows).
func (m Matrix) Dim() int {
	return len(m)
}

// MulVec returns m * v.
func (m Matrix) MulVec(v Vector) Vector {
	out := make(Vector, len(m))
	for i, row := range m {
		sum := 0.0
		for j, mij := range row {
			sum += mij * v[j]
		}
		out[i] = sum
	}
	return out
}

// Mul returns the matrix product m * other.
func (m Matrix) Mul(other Matrix) Matrix {
	d := len(m)
	out := make(Matrix, d)
	for i := 0; i < d; i++ {
		row := make([]float64, d)
		for j := 0; j < d; j++ {
			sum := 0.0
			for k := 0; k < d; k++ {
				sum += m[i][k] * other[k][j]
			}
			row[j] = sum
		}
		out[i] = row
	}
	return out
}

// Transposed returns a copy of the matrix with rows and columns swapped.
// For a rotation this is its inverse.
func (m Matrix) Transposed() Matrix {
	d := len(m)
	out := make(Matrix, d)
	for i := 0; i < d; i++ {
		row := make([]float64, d)
		for j := 0; j < d; j++ {
			row[j] = m[j][i]
		}
		out[i] = row
	}
	return out
}

// Det returns the determinant.
func (m Matrix) Det() float64 {
	d := len(m)
	dense := mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			dense.Set(i, j, m[i][j])
		}
	}
	return mat.Det(dense)
}

// Dim returns the transform's dimensionality.
func (t Transform) Dim() int {
	return len(t.Translation)
}

// Apply maps a single point: p' = scale * (Rotation * p) + Translation.
func (t Transform) Apply(p Vector) Vector {
	rp := t.Rotation.MulVec(p)
	out := make(Vector, len(rp))
	for j := range rp {
		out[j] = t.Scale*rp[j] + t.Translation[j]
	}
	return out
}

// ApplyAll maps every point of the set through the transform.
func (t Transform) ApplyAll(ps PointSet) PointSet {
	out := make(PointSet, len(ps))
	for i, p := range ps {
		out[i] = t.Apply(p)
	}
	return out
}

// AngleDegrees returns the rotation expressed as a single angle in
// degrees for 2D transforms, in (-180, 180]. The matrix stays the
// primary representation; this is a reporting view. ok is false for any
// other dimensionality.
func (t Transform) AngleDegrees() (float64, bool) {
	if t.Dim() != 2 {
		return 0, false
	}
	return math.Atan2(t.Rotation[1][0], t.Rotation[0][0]) * 180 / math.Pi, true
}

// Inverse returns the transform mapping target space back to source
// space: scale 1/s, rotation R^T, translation -(1/s) * R^T * t.
func (t Transform) Inverse() (Transform, error) {
	if !(t.Scale > 0) {
		return Transform{}, fmt.Errorf("%w: non-positive scale %g", ErrInvalidInput, t.Scale)
	}
	rt := t.Rotation.Transposed()
	back := rt.MulVec(t.Translation)
	trans := make(Vector, len(back))
	for j := range back {
		trans[j] = -back[j] / t.Scale
	}
	return Transform{Scale: 1 / t.Scale, Rotation: rt, Translation: trans}, nil
}

// Compose returns the transform equivalent to applying other first and
// then t, so that Compose(t, other).Apply(p) == t.Apply(other.Apply(p)).
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		Scale:       t.Scale * other.Scale,
		Rotation:    t.Rotation.Mul(other.Rotation),
		Translation: t.Apply(other.Translation),
	}
}

// ValidateTransform sanity-checks a transform that did not come from the
// estimator, such as a registry entry loaded from disk. It requires
// finite fields, scale within [scaleMin, scaleMax], a square rotation of
// matching dimension, determinant within 1e-6 of +1, and orthonormal
// rows to the same tolerance.
func ValidateTransform(t Transform, scaleMin, scaleMax float64) error {
	const tol = 1e-6

	d := t.Dim()
	if d == 0 {
		return fmt.Errorf("%w: empty translation", ErrInvalidInput)
	}
	if math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) {
		return fmt.Errorf("%w: scale is not finite", ErrInvalidInput)
	}
	if t.Scale < scaleMin || t.Scale > scaleMax {
		return fmt.Errorf("%w: scale %.4f outside [%.2f, %.2f]", ErrInvalidInput, t.Scale, scaleMin, scaleMax)
	}
	for _, v := range t.Translation {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: translation is not finite", ErrInvalidInput)
		}
	}
	if len(t.Rotation) != d {
		return fmt.Errorf("%w: rotation has %d rows, translation is %d-dimensional", ErrInvalidInput, len(t.Rotation), d)
	}
	for i, row := range t.Rotation {
		if len(row) != d {
			return fmt.Errorf("%w: rotation row %d has %d columns, expected %d", ErrInvalidInput, i, len(row), d)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: rotation is not finite", ErrInvalidInput)
			}
		}
	}

	if det := t.Rotation.Det(); math.Abs(det-1) > tol {
		return fmt.Errorf("%w: rotation determinant %.8f, expected +1", ErrInvalidInput, det)
	}

	// R^T R must be the identity within tolerance.
	gram := t.Rotation.Transposed().Mul(t.Rotation)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(gram[i][j]-want) > tol {
				return fmt.Errorf("%w: rotation columns are not orthonormal (R^T R[%d][%d] = %.8f)",
					ErrInvalidInput, i, j, gram[i][j])
			}
		}
	}

	return nil
}
