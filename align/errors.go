package align

import "errors"

var (
	// ErrInvalidInput reports structurally malformed input: empty point
	// sets, ragged points, or mismatched length/dimensionality between
	// source and target. Matched with errors.Is.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDegenerateInput reports well-formed input that cannot constrain
	// the estimate: fewer than max(2, D) point pairs, or a point set
	// whose points all coincide with their centroid.
	ErrDegenerateInput = errors.New("degenerate input")
)
