package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Attention computes scaled dot-product attention with an optional additive
// padding/look-ahead mask.
// q shape: [B, H, Tq, Dh], k/v shape: [B, H, Tk, Dh], mask broadcastable to
// [B, H, Tq, Tk]. Returns the attended output [B, H, Tq, Dh] and the softmax
// attention weights [B, H, Tq, Tk]; the weights feed the training-health
// diagnostics and are returned to callers for visualization.
func Attention(q, k, v, mask *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if q == nil || k == nil || v == nil {
		return nil, nil, errors.New("ops: attention requires non-nil q/k/v")
	}

	qShape := q.Shape()
	kShape := k.Shape()
	vShape := v.Shape()

	if len(qShape) != 4 || len(kShape) != 4 || len(vShape) != 4 {
		return nil, nil, fmt.Errorf("ops: attention expects rank-4 inputs, got %v, %v, %v", qShape, kShape, vShape)
	}

	d := qShape[3]
	if d != kShape[3] {
		return nil, nil, fmt.Errorf("ops: attention q/k depth mismatch %d vs %d", d, kShape[3])
	}

	if kShape[2] != vShape[2] {
		return nil, nil, fmt.Errorf("ops: attention key/value sequence mismatch %d vs %d", kShape[2], vShape[2])
	}

	kT, err := k.Transpose(-1, -2)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention transpose k: %w", err)
	}

	scores, err := tensor.MatMul(q, kT)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention q*k^T: %w", err)
	}

	scores = scores.Scale(float32(1.0 / math.Sqrt(float64(d))))

	scores, err = ApplyAdditiveMask(scores, mask)
	if err != nil {
		return nil, nil, err
	}

	probs, err := tensor.Softmax(scores, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention softmax: %w", err)
	}

	out, err := tensor.MatMul(probs, v)
	if err != nil {
		return nil, nil, fmt.Errorf("ops: attention probs*v: %w", err)
	}

	return out, probs, nil
}

// SplitHeads reshapes [B, T, D] to [B, H, T, D/H].
func SplitHeads(x *tensor.Tensor, heads int64) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: split heads input is nil")
	}

	shape := x.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: split heads expects [B, T, D], got %v", shape)
	}

	b, t, d := shape[0], shape[1], shape[2]
	if heads <= 0 || d%heads != 0 {
		return nil, fmt.Errorf("ops: model dim %d not divisible by %d heads", d, heads)
	}

	r, err := x.Reshape([]int64{b, t, heads, d / heads})
	if err != nil {
		return nil, err
	}

	return r.Transpose(1, 2)
}

// MergeHeads reshapes [B, H, T, Dh] back to [B, T, H*Dh].
func MergeHeads(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: merge heads input is nil")
	}

	shape := x.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("ops: merge heads expects [B, H, T, Dh], got %v", shape)
	}

	t, err := x.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	return t.Reshape([]int64{shape[0], shape[2], shape[1] * shape[3]})
}
