// Package ops provides the attention, masking and convolution primitives
// shared by the autoregressive and forward text-to-mel models.
package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// PadID is the reserved token ID used for right-padding token sequences.
const PadID = 0

// maskScale is the additive penalty applied to masked attention scores.
const maskScale = 1e9

// TokenPaddingMask builds a [B, 1, 1, T] mask from batched token IDs with
// 1.0 at padded positions and 0.0 elsewhere. All sequences must share the
// same padded length.
func TokenPaddingMask(tokens [][]int64) (*tensor.Tensor, error) {
	if len(tokens) == 0 {
		return nil, errors.New("ops: token padding mask requires at least one sequence")
	}

	width := len(tokens[0])
	if width == 0 {
		return nil, errors.New("ops: token padding mask requires non-empty sequences")
	}

	data := make([]float32, len(tokens)*width)

	for b, seq := range tokens {
		if len(seq) != width {
			return nil, fmt.Errorf("ops: token sequence %d has length %d, want %d", b, len(seq), width)
		}

		for i, id := range seq {
			if id == PadID {
				data[b*width+i] = 1
			}
		}
	}

	return tensor.New(data, []int64{int64(len(tokens)), 1, 1, int64(width)})
}

// MelPaddingMask builds a [B, 1, 1, T] mask from a [B, T, C] mel tensor with
// 1.0 at all-zero (padded) frames and 0.0 elsewhere.
func MelPaddingMask(mel *tensor.Tensor) (*tensor.Tensor, error) {
	if mel == nil {
		return nil, errors.New("ops: mel padding mask input is nil")
	}

	shape := mel.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: mel padding mask expects [B, T, C], got %v", shape)
	}

	b, t, c := shape[0], shape[1], shape[2]
	data := make([]float32, b*t)
	raw := mel.RawData()

	for i := range b * t {
		var sum float32

		for j := range c {
			sum += float32(math.Abs(float64(raw[i*c+j])))
		}

		if sum == 0 {
			data[i] = 1
		}
	}

	return tensor.New(data, []int64{b, 1, 1, t})
}

// LookAheadMask builds a [size, size] causal mask with 1.0 strictly above the
// diagonal, so query step i may only attend to keys 0..i.
func LookAheadMask(size int64) (*tensor.Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ops: look-ahead mask size must be > 0, got %d", size)
	}

	data := make([]float32, size*size)

	for i := range size {
		for j := i + 1; j < size; j++ {
			data[i*size+j] = 1
		}
	}

	return tensor.New(data, []int64{size, size})
}

// CombineMasks merges a [B, 1, 1, T] padding mask and a [T, T] look-ahead
// mask into a [B, 1, T, T] decoder self-attention mask by element-wise
// maximum.
func CombineMasks(padding, lookAhead *tensor.Tensor) (*tensor.Tensor, error) {
	if padding == nil || lookAhead == nil {
		return nil, errors.New("ops: combine masks requires non-nil inputs")
	}

	pShape := padding.Shape()
	lShape := lookAhead.Shape()

	if len(pShape) != 4 || pShape[1] != 1 || pShape[2] != 1 {
		return nil, fmt.Errorf("ops: combine masks padding must be [B, 1, 1, T], got %v", pShape)
	}

	if len(lShape) != 2 || lShape[0] != lShape[1] || lShape[0] != pShape[3] {
		return nil, fmt.Errorf("ops: combine masks look-ahead must be [T, T] with T=%d, got %v", pShape[3], lShape)
	}

	b, t := pShape[0], pShape[3]

	out, err := tensor.Zeros([]int64{b, 1, t, t})
	if err != nil {
		return nil, err
	}

	outData := out.RawData()
	pData := padding.RawData()
	lData := lookAhead.RawData()

	for bi := range b {
		for qi := range t {
			for ki := range t {
				v := lData[qi*t+ki]
				if p := pData[bi*t+ki]; p > v {
					v = p
				}

				outData[(bi*t+qi)*t+ki] = v
			}
		}
	}

	return out, nil
}

// AdditivePenalty scales a 0/1 mask into the additive score penalty that
// ApplyAdditiveMask would add, for callers that combine it themselves.
func AdditivePenalty(mask *tensor.Tensor) *tensor.Tensor {
	return mask.Scale(-maskScale)
}

// ApplyAdditiveMask adds -1e9 * mask to scores, broadcasting the mask over
// head and query dimensions. scores is [B, H, Tq, Tk]; mask is
// [B, 1, 1, Tk] or [B, 1, Tq, Tk]. Returns a new tensor.
func ApplyAdditiveMask(scores, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if scores == nil {
		return nil, errors.New("ops: additive mask scores is nil")
	}

	if mask == nil {
		return scores.Clone(), nil
	}

	penalty, err := tensor.BroadcastAdd(scores, mask.Scale(-maskScale))
	if err != nil {
		return nil, fmt.Errorf("ops: apply additive mask: %w", err)
	}

	return penalty, nil
}
