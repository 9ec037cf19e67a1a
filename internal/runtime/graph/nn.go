package graph

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/runtime/ops"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Linear applies y = x * W^T + b with weight shape [out, in].
func (g *Tape) Linear(x, weight, bias *Node) (*Node, error) {
	if err := checkPair("linear", x, weight); err != nil {
		return nil, err
	}

	var biasT *tensor.Tensor
	if bias != nil {
		biasT = bias.Value
	}

	val, err := tensor.Linear(x.Value, weight.Value, biasT)
	if err != nil {
		return nil, fmt.Errorf("graph: linear: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		wShape := weight.Value.Shape()
		outDim, inDim := wShape[0], wShape[1]
		rows := int64(x.Value.ElemCount()) / inDim

		dy, err := tensor.New(out.Grad(), []int64{rows, outDim})
		if err != nil {
			return
		}

		x2, err := tensor.New(x.Value.RawData(), []int64{rows, inDim})
		if err != nil {
			return
		}

		// dX = dY * W
		dx, err := tensor.MatMul(dy, weight.Value)
		if err == nil {
			tensor.Axpy(x.Grad(), 1, dx.RawData())
		}

		// dW = dY^T * X
		dyT, err := dy.Transpose(0, 1)
		if err != nil {
			return
		}

		dw, err := tensor.MatMul(dyT, x2)
		if err == nil {
			tensor.Axpy(weight.Grad(), 1, dw.RawData())
		}

		if bias != nil {
			bg := bias.Grad()
			dyd := dy.RawData()

			for r := range rows {
				tensor.Axpy(bg, 1, dyd[r*outDim:(r+1)*outDim])
			}
		}
	})

	return out, nil
}

// MatMul performs batched matrix multiplication. Batch dimensions of a and b
// must match exactly, which keeps the backward transposes shape-symmetric.
func (g *Tape) MatMul(a, b *Node) (*Node, error) {
	if err := checkPair("matmul", a, b); err != nil {
		return nil, err
	}

	aShape := a.Value.Shape()
	bShape := b.Value.Shape()

	if len(aShape) != len(bShape) || !equalShape(aShape[:len(aShape)-2], bShape[:len(bShape)-2]) {
		return nil, fmt.Errorf("graph: matmul batch dims must match, got %v and %v", aShape, bShape)
	}

	val, err := tensor.MatMul(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("graph: matmul: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		dy, err := tensor.New(out.Grad(), out.Value.Shape())
		if err != nil {
			return
		}

		bT, err := b.Value.Transpose(-1, -2)
		if err != nil {
			return
		}

		da, err := tensor.MatMul(dy, bT)
		if err == nil {
			tensor.Axpy(a.Grad(), 1, da.RawData())
		}

		aT, err := a.Value.Transpose(-1, -2)
		if err != nil {
			return
		}

		db, err := tensor.MatMul(aT, dy)
		if err == nil {
			tensor.Axpy(b.Grad(), 1, db.RawData())
		}
	})

	return out, nil
}

// Embedding gathers rows of table for each token ID, producing [B, T, D].
// All sequences must share the same padded length.
func (g *Tape) Embedding(table *Node, ids [][]int64) (*Node, error) {
	if err := checkOne("embedding", table); err != nil {
		return nil, err
	}

	tShape := table.Value.Shape()
	if len(tShape) != 2 {
		return nil, fmt.Errorf("graph: embedding table must be [vocab, dim], got %v", tShape)
	}

	if len(ids) == 0 || len(ids[0]) == 0 {
		return nil, errors.New("graph: embedding requires a non-empty batch")
	}

	vocab, dim := tShape[0], tShape[1]
	batch := int64(len(ids))
	width := int64(len(ids[0]))

	data := make([]float32, batch*width*dim)
	raw := table.Value.RawData()

	for b, seq := range ids {
		if int64(len(seq)) != width {
			return nil, fmt.Errorf("graph: embedding sequence %d has length %d, want %d", b, len(seq), width)
		}

		for t, id := range seq {
			if id < 0 || id >= vocab {
				return nil, fmt.Errorf("graph: embedding id %d out of range [0, %d)", id, vocab)
			}

			dst := (int64(b)*width + int64(t)) * dim
			copy(data[dst:dst+dim], raw[id*dim:(id+1)*dim])
		}
	}

	out := Constant(newTensor(data, []int64{batch, width, dim}))

	g.record(func() {
		tg := table.Grad()
		og := out.Grad()

		for b, seq := range ids {
			for t, id := range seq {
				src := (int64(b)*width + int64(t)) * dim
				tensor.Axpy(tg[id*dim:(id+1)*dim], 1, og[src:src+dim])
			}
		}
	})

	return out, nil
}

// Softmax normalizes the last dimension.
func (g *Tape) Softmax(x *Node) (*Node, error) {
	if err := checkOne("softmax", x); err != nil {
		return nil, err
	}

	val, err := tensor.Softmax(x.Value, -1)
	if err != nil {
		return nil, fmt.Errorf("graph: softmax: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		shape := out.Value.Shape()
		d := int(shape[len(shape)-1])
		y := out.Value.RawData()
		og := out.Grad()
		xg := x.Grad()

		for base := 0; base < len(y); base += d {
			var dot float32
			for i := range d {
				dot += og[base+i] * y[base+i]
			}

			for i := range d {
				xg[base+i] += y[base+i] * (og[base+i] - dot)
			}
		}
	})

	return out, nil
}

// LayerNorm normalizes the last dimension with learned scale and shift.
func (g *Tape) LayerNorm(x, weight, bias *Node, eps float32) (*Node, error) {
	if err := checkOne("layernorm", x); err != nil {
		return nil, err
	}

	var weightT, biasT *tensor.Tensor
	if weight != nil {
		weightT = weight.Value
	}

	if bias != nil {
		biasT = bias.Value
	}

	val, err := tensor.LayerNorm(x.Value, weightT, biasT, eps)
	if err != nil {
		return nil, fmt.Errorf("graph: layernorm: %w", err)
	}

	shape := x.Value.Shape()
	d := int(shape[len(shape)-1])
	rows := x.Value.ElemCount() / d

	// Per-row statistics recorded for the backward pass.
	means := make([]float32, rows)
	invStds := make([]float32, rows)
	xd := x.Value.RawData()

	for r := range rows {
		slice := xd[r*d : (r+1)*d]

		var mean float64
		for _, v := range slice {
			mean += float64(v)
		}

		mean /= float64(d)

		var variance float64
		for _, v := range slice {
			delta := float64(v) - mean
			variance += delta * delta
		}

		variance /= float64(d)
		means[r] = float32(mean)
		invStds[r] = float32(1.0 / math.Sqrt(variance+float64(eps)))
	}

	out := Constant(val)

	g.record(func() {
		og := out.Grad()
		xg := x.Grad()

		var wd []float32
		if weight != nil {
			wd = weight.Value.RawData()
		}

		for r := range rows {
			base := r * d
			mean := means[r]
			invStd := invStds[r]

			var sumDxhat, sumDxhatXhat float32

			for i := range d {
				xhat := (xd[base+i] - mean) * invStd

				dxhat := og[base+i]
				if wd != nil {
					dxhat *= wd[i]
				}

				sumDxhat += dxhat
				sumDxhatXhat += dxhat * xhat
			}

			nInv := float32(1) / float32(d)

			for i := range d {
				xhat := (xd[base+i] - mean) * invStd

				dxhat := og[base+i]
				if wd != nil {
					dxhat *= wd[i]
				}

				xg[base+i] += invStd * (dxhat - nInv*sumDxhat - xhat*nInv*sumDxhatXhat)

				if weight != nil {
					weight.Grad()[i] += og[base+i] * xhat
				}

				if bias != nil {
					bias.Grad()[i] += og[base+i]
				}
			}
		}
	})

	return out, nil
}

// Conv1D convolves [B, C, L] input with an [OC, IC, K] kernel.
func (g *Tape) Conv1D(x, kernel, bias *Node, stride, padding, dilation int64) (*Node, error) {
	if err := checkPair("conv1d", x, kernel); err != nil {
		return nil, err
	}

	var biasT *tensor.Tensor
	if bias != nil {
		biasT = bias.Value
	}

	val, err := ops.Conv1D(x.Value, kernel.Value, biasT, stride, padding, dilation)
	if err != nil {
		return nil, fmt.Errorf("graph: conv1d: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		inShape := x.Value.Shape()
		kShape := kernel.Value.Shape()
		outShape := out.Value.Shape()

		batch, inChannels, length := inShape[0], inShape[1], inShape[2]
		outChannels, kernelSize := kShape[0], kShape[2]
		outLength := outShape[2]

		xd := x.Value.RawData()
		kd := kernel.Value.RawData()
		og := out.Grad()
		xg := x.Grad()
		kg := kernel.Grad()

		for b := range batch {
			for oc := range outChannels {
				for ox := range outLength {
					gradOut := og[((b*outChannels+oc)*outLength)+ox]
					if gradOut == 0 {
						continue
					}

					for ic := range inChannels {
						for kx := range kernelSize {
							inPos := ox*stride - padding + kx*dilation
							if inPos < 0 || inPos >= length {
								continue
							}

							inIdx := ((b*inChannels + ic) * length) + inPos
							kIdx := ((oc*inChannels + ic) * kernelSize) + kx

							xg[inIdx] += gradOut * kd[kIdx]
							kg[kIdx] += gradOut * xd[inIdx]
						}
					}
				}
			}
		}

		if bias != nil {
			bg := bias.Grad()

			for b := range batch {
				for oc := range outChannels {
					for ox := range outLength {
						bg[oc] += og[((b*outChannels+oc)*outLength)+ox]
					}
				}
			}
		}
	})

	return out, nil
}

func newTensor(data []float32, shape []int64) *tensor.Tensor {
	t, err := tensor.New(data, shape)
	if err != nil {
		panic(fmt.Sprintf("graph: internal shape error: %v", err))
	}

	return t
}
