package tensor

import "fmt"

// BroadcastAdd adds b onto a with NumPy-style broadcasting. The model uses
// this to add positional encodings [1, T, D] and per-channel offsets [C] to
// batched activations.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return applyBroadcast(a, b, "add", func(x, y float32) float32 { return x + y })
}

// BroadcastMul multiplies a by b element-wise with NumPy-style broadcasting.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return applyBroadcast(a, b, "mul", func(x, y float32) float32 { return x * y })
}

func applyBroadcast(a, b *Tensor, op string, fn func(x, y float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", op)
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", op, err)
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	aStrides := broadcastStrides(a.shape, outShape)
	bStrides := broadcastStrides(b.shape, outShape)
	coord := make([]int64, len(outShape))

	var aOff, bOff int64

	for i := range out.data {
		out.data[i] = fn(a.data[aOff], b.data[bOff])

		// Advance the output coordinate like an odometer, carrying both
		// input offsets along their (possibly zero) strides.
		for d := len(coord) - 1; d >= 0; d-- {
			coord[d]++
			aOff += aStrides[d]
			bOff += bStrides[d]

			if coord[d] < outShape[d] {
				break
			}

			coord[d] = 0
			aOff -= aStrides[d] * outShape[d]
			bOff -= bStrides[d] * outShape[d]
		}
	}

	return out, nil
}

// broadcastShape resolves the common shape of a and b, aligning dimensions
// from the right and treating missing leading dimensions as size 1.
func broadcastShape(a, b []int64) ([]int64, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}

	out := make([]int64, rank)

	for i := 1; i <= rank; i++ {
		da, db := int64(1), int64(1)
		if i <= len(a) {
			da = a[len(a)-i]
		}

		if i <= len(b) {
			db = b[len(b)-i]
		}

		switch {
		case da == db, da == 1:
			out[rank-i] = db
		case db == 1:
			out[rank-i] = da
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// broadcastStrides maps an input shape onto outShape, assigning stride zero
// to every dimension the input is repeated along. Walking the output in
// row-major order with these strides visits the right input element without
// materializing the expansion.
func broadcastStrides(in, outShape []int64) []int64 {
	strides := make([]int64, len(outShape))
	pad := len(outShape) - len(in)
	acc := int64(1)

	for i := len(outShape) - 1; i >= pad; i-- {
		if in[i-pad] != 1 || outShape[i] == 1 {
			strides[i] = acc
		}

		acc *= in[i-pad]
	}

	return strides
}
