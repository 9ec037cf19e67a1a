package tensor

import (
	"fmt"
	"math"
)

// elemCount returns the number of elements a shape describes. The empty
// shape is a scalar and counts as 1.
func elemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d > 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v overflows element count", shape)
		}

		total *= d
	}

	if total > int64(math.MaxInt) {
		return 0, fmt.Errorf("tensor: shape %v exceeds addressable size", shape)
	}

	return int(total), nil
}

// normalizeDim resolves dim against rank, counting negative dims from the
// end the way the model code addresses the time and channel axes.
func normalizeDim(dim, rank int) (int, error) {
	if rank < 0 {
		return 0, fmt.Errorf("invalid rank %d", rank)
	}

	d := dim
	if d < 0 {
		d += rank
	}

	if d < 0 || d >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return d, nil
}

// rowMajorStrides returns the element stride of each dimension for a
// densely packed row-major layout. A nil or empty shape yields nil.
func rowMajorStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))
	acc := int64(1)

	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}

	return strides
}

// unravel writes the multi-index of linear within shape into out,
// peeling dimensions from the innermost outward.
func unravel(linear int64, shape, out []int64) {
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] == 0 {
			out[i] = 0
			continue
		}

		out[i] = linear % shape[i]
		linear /= shape[i]
	}
}

// ravel is the inverse of unravel given the layout's strides.
func ravel(coord, strides []int64) int64 {
	var off int64
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}
