package tensor

import (
	"errors"
	"math"
)

// ArgmaxLast returns, for every row of the last dimension, the index of the
// maximum element. The result has one entry per row, laid out in the order of
// the leading dimensions.
func (t *Tensor) ArgmaxLast() ([]int64, error) {
	if t == nil {
		return nil, errors.New("tensor: argmax on nil tensor")
	}

	if len(t.shape) == 0 {
		return nil, errors.New("tensor: argmax requires rank >= 1")
	}

	width := int(t.shape[len(t.shape)-1])
	if width <= 0 {
		return nil, errors.New("tensor: argmax last dimension must be > 0")
	}

	rows := len(t.data) / width
	out := make([]int64, rows)

	for r := range rows {
		base := r * width
		best := 0
		bestV := t.data[base]

		for i := 1; i < width; i++ {
			if t.data[base+i] > bestV {
				bestV = t.data[base+i]
				best = i
			}
		}

		out[r] = int64(best)
	}

	return out, nil
}

// MaxLast reduces the last dimension to its maximum element. The result drops
// the last dimension.
func (t *Tensor) MaxLast() (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: max on nil tensor")
	}

	if len(t.shape) == 0 {
		return nil, errors.New("tensor: max requires rank >= 1")
	}

	width := int(t.shape[len(t.shape)-1])
	if width <= 0 {
		return nil, errors.New("tensor: max last dimension must be > 0")
	}

	rows := len(t.data) / width
	outData := make([]float32, rows)

	for r := range rows {
		base := r * width
		best := float32(math.Inf(-1))

		for i := range width {
			if t.data[base+i] > best {
				best = t.data[base+i]
			}
		}

		outData[r] = best
	}

	outShape := append([]int64(nil), t.shape[:len(t.shape)-1]...)

	return newOwned(outData, outShape), nil
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	if t == nil {
		return 0
	}

	var sum float64
	for _, v := range t.data {
		sum += float64(v)
	}

	return float32(sum)
}

// Mean returns the mean of all elements, or 0 for an empty tensor.
func (t *Tensor) Mean() float32 {
	if t == nil || len(t.data) == 0 {
		return 0
	}

	return t.Sum() / float32(len(t.data))
}
