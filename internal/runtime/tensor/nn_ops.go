package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax normalizes along dim. Attention scores call this with dim -1; the
// max-shift keeps the exponentials finite for large logits.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	d, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	n := x.shape[d]
	if n <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", n)
	}

	inner := int64(1)
	for _, s := range x.shape[d+1:] {
		inner *= s
	}

	lanes := int64(len(x.data)) / n

	out := x.Clone()
	lane := make([]float64, n)

	for l := range lanes {
		// Lane l covers elements base, base+inner, ..., base+(n-1)*inner.
		base := (l/inner)*n*inner + l%inner

		hi := math.Inf(-1)

		for k := range n {
			v := float64(out.data[base+k*inner])
			lane[k] = v

			if v > hi {
				hi = v
			}
		}

		var sum float64

		for k := range lane {
			lane[k] = math.Exp(lane[k] - hi)
			sum += lane[k]
		}

		if sum == 0 {
			return nil, errors.New("tensor: softmax normalization sum is zero")
		}

		for k := range n {
			out.data[base+k*inner] = float32(lane[k] / sum)
		}
	}

	return out, nil
}

// LayerNorm normalizes each row of the last dimension to zero mean and unit
// variance, then applies the optional affine weight and bias. Statistics
// accumulate in float64 so long rows do not drift.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: layernorm requires rank >= 1")
	}

	if eps <= 0 {
		return nil, errors.New("tensor: layernorm eps must be > 0")
	}

	d := x.shape[len(x.shape)-1]
	if d <= 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}

	if weight != nil && (weight.Rank() != 1 || weight.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm weight shape %v does not match last dimension %d", weight.shape, d)
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm bias shape %v does not match last dimension %d", bias.shape, d)
	}

	out := x.Clone()
	width := int(d)

	for start := 0; start < len(out.data); start += width {
		row := out.data[start : start+width]

		var sum, sumSq float64

		for _, v := range row {
			f := float64(v)
			sum += f
			sumSq += f * f
		}

		mean := sum / float64(width)
		variance := sumSq/float64(width) - mean*mean

		if variance < 0 {
			variance = 0
		}

		invStd := float32(1.0 / math.Sqrt(variance+float64(eps)))

		for i := range row {
			n := (row[i] - float32(mean)) * invStd
			if weight != nil {
				n *= weight.data[i]
			}

			if bias != nil {
				n += bias.data[i]
			}

			row[i] = n
		}
	}

	return out, nil
}

// MatMul multiplies the trailing [M, K] x [K, N] matrices of a and b. Any
// leading batch dimensions must match exactly; the attention and gradient
// paths always present equal batch shapes.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	aShape := a.shape
	bShape := b.shape

	m := aShape[len(aShape)-2]
	k := aShape[len(aShape)-1]
	n := bShape[len(bShape)-1]

	if k2 := bShape[len(bShape)-2]; k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", aShape, bShape, k, k2)
	}

	batch := aShape[:len(aShape)-2]
	if !sameDims(batch, bShape[:len(bShape)-2]) {
		return nil, fmt.Errorf("tensor: matmul batch dims must match, got %v and %v", aShape, bShape)
	}

	outShape := append(append([]int64(nil), batch...), m, n)

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	batches := int64(1)
	for _, s := range batch {
		batches *= s
	}

	for bi := range batches {
		aMat := a.data[bi*m*k:]
		bMat := b.data[bi*k*n:]
		oMat := out.data[bi*m*n:]

		for i := range m {
			aRow := aMat[i*k : (i+1)*k]
			oRow := oMat[i*n : (i+1)*n]

			for kk, av := range aRow {
				if av == 0 {
					continue
				}

				Axpy(oRow, av, bMat[int64(kk)*n:(int64(kk)+1)*n])
			}
		}
	}

	return out, nil
}

func sameDims(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Linear applies y = x * W^T + b with weight laid out [out, in], treating
// every leading dimension of x as a row of the matmul.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	outDim := weight.shape[0]
	inDim := weight.shape[1]

	if last := x.shape[x.Rank()-1]; last != inDim {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", last, inDim)
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != outDim) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, outDim)
	}

	in := int(inDim)
	width := int(outDim)
	rows := len(x.data) / in
	yData := make([]float32, rows*width)

	for r := range rows {
		xRow := x.data[r*in : (r+1)*in]
		yRow := yData[r*width : (r+1)*width]

		for o := range yRow {
			yRow[o] = dotF32(xRow, weight.data[o*in:(o+1)*in])
			if bias != nil {
				yRow[o] += bias.data[o]
			}
		}
	}

	yShape := append([]int64(nil), x.shape...)
	yShape[len(yShape)-1] = outDim

	return newOwned(yData, yShape), nil
}
