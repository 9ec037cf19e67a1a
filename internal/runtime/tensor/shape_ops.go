package tensor

import (
	"errors"
	"fmt"
)

// RepeatRows expands a [T, D] or [B, T, D] tensor along the row axis by
// repeating row i counts[i] times, preserving order. A count of zero drops
// the row. counts must have one entry per row of the (single) batch.
func (t *Tensor) RepeatRows(counts []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: repeat rows on nil tensor")
	}

	shape := t.shape
	batched := false

	switch len(shape) {
	case 2:
	case 3:
		if shape[0] != 1 {
			return nil, fmt.Errorf("tensor: repeat rows supports batch size 1, got %v", shape)
		}

		batched = true
	default:
		return nil, fmt.Errorf("tensor: repeat rows expects rank 2 or 3, got %v", shape)
	}

	rows := shape[len(shape)-2]
	width := shape[len(shape)-1]

	if int64(len(counts)) != rows {
		return nil, fmt.Errorf("tensor: repeat rows has %d counts for %d rows", len(counts), rows)
	}

	var total int64

	for i, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("tensor: repeat rows count %d is negative (%d)", i, c)
		}

		total += c
	}

	outShape := []int64{total, width}
	if batched {
		outShape = []int64{1, total, width}
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	pos := int64(0)

	for i := range rows {
		src := t.data[i*width : (i+1)*width]
		for range counts[i] {
			copy(out.data[pos*width:(pos+1)*width], src)
			pos++
		}
	}

	return out, nil
}

// Narrow slices the tensor along a single dimension.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := rowMajorStrides(t.shape)
	coord := make([]int64, len(outShape))
	srcCoord := make([]int64, len(t.shape))

	for i := range out.data {
		unravel(int64(i), outShape, coord)
		copy(srcCoord, coord)
		srcCoord[dim] += start
		srcOff := ravel(srcCoord, srcStrides)
		out.data[i] = t.data[srcOff]
	}

	return out, nil
}

// Gather gathers indices along dim.
func (t *Tensor) Gather(dim int, indices []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: gather on nil tensor")
	}

	if len(indices) == 0 {
		return nil, errors.New("tensor: gather requires at least one index")
	}

	dim, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: gather: %w", err)
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[dim] {
			return nil, fmt.Errorf("tensor: gather index %d (%d) out of range for dim %d size %d", i, idx, dim, t.shape[dim])
		}
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = int64(len(indices))

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := rowMajorStrides(t.shape)
	coord := make([]int64, len(outShape))
	srcCoord := make([]int64, len(t.shape))

	for i := range out.data {
		unravel(int64(i), outShape, coord)
		copy(srcCoord, coord)
		srcCoord[dim] = indices[coord[dim]]
		srcOff := ravel(srcCoord, srcStrides)
		out.data[i] = t.data[srcOff]
	}

	return out, nil
}

// Transpose swaps dim1 and dim2.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	rank := len(t.shape)

	d1, err := normalizeDim(dim1, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	if d1 == d2 {
		return t.Clone(), nil
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[d1], outShape[d2] = outShape[d2], outShape[d1]

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	srcStrides := rowMajorStrides(t.shape)
	outCoord := make([]int64, rank)
	srcCoord := make([]int64, rank)

	for i := range out.data {
		unravel(int64(i), outShape, outCoord)
		copy(srcCoord, outCoord)
		srcCoord[d1], srcCoord[d2] = outCoord[d2], outCoord[d1]
		srcOff := ravel(srcCoord, srcStrides)
		out.data[i] = t.data[srcOff]
	}

	return out, nil
}

// Concat concatenates tensors along dim.
//
//nolint:funlen // Keep full shape validation and copy loop together for correctness/readability.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := range rank {
			if d == dim {
				continue
			}

			if t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[dim] += t.shape[dim]
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	inner := int64(1)
	for i := dim + 1; i < rank; i++ {
		inner *= outShape[i]
	}

	outer := int64(1)
	for i := range dim {
		outer *= outShape[i]
	}

	outDim := outShape[dim]

	for o := range outer {
		writePos := int64(0)

		for _, t := range tensors {
			span := t.shape[dim] * inner
			srcBase := o * t.shape[dim] * inner
			dstBase := o*outDim*inner + writePos
			copy(out.data[dstBase:dstBase+span], t.data[srcBase:srcBase+span])
			writePos += span
		}
	}

	return out, nil
}
