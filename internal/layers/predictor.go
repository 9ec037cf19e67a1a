package layers

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// VariancePredictor is the small conv head predicting one scalar per token
// (duration or pitch) from the encoder output.
type VariancePredictor struct {
	Conv1 *Conv1D
	Conv2 *Conv1D
	LN1   *LayerNorm
	LN2   *LayerNorm
	Out   *Dense
	Rate  float64
}

func NewVariancePredictor(rng *rand.Rand, dim, filters, kernelSize int64, rate float64) *VariancePredictor {
	return &VariancePredictor{
		Conv1: NewConv1D(rng, dim, filters, kernelSize),
		Conv2: NewConv1D(rng, filters, filters, kernelSize),
		LN1:   NewLayerNorm(filters),
		LN2:   NewLayerNorm(filters),
		Out:   NewDense(rng, filters, 1, true),
		Rate:  rate,
	}
}

// Forward predicts one value per token from x [B, T, D]. keepMask is an
// optional [B, T, 1] tensor with 1 at valid tokens; padded positions are
// zeroed in the prediction.
func (v *VariancePredictor) Forward(g *graph.Tape, x *graph.Node, keepMask *tensor.Tensor) (*graph.Node, error) {
	if v == nil || v.Conv1 == nil {
		return nil, errors.New("layers: variance predictor is not initialized")
	}

	h, err := v.convBlock(g, x, v.Conv1, v.LN1)
	if err != nil {
		return nil, fmt.Errorf("layers: variance predictor block 1: %w", err)
	}

	h, err = v.convBlock(g, h, v.Conv2, v.LN2)
	if err != nil {
		return nil, fmt.Errorf("layers: variance predictor block 2: %w", err)
	}

	out, err := v.Out.Forward(g, h)
	if err != nil {
		return nil, err
	}

	if keepMask != nil {
		out, err = g.MulBroadcast(out, graph.Constant(keepMask))
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (v *VariancePredictor) convBlock(g *graph.Tape, x *graph.Node, conv *Conv1D, ln *LayerNorm) (*graph.Node, error) {
	t, err := g.Transpose(x, 1, 2)
	if err != nil {
		return nil, err
	}

	t, err = conv.Forward(g, t)
	if err != nil {
		return nil, err
	}

	t, err = g.Transpose(t, 1, 2)
	if err != nil {
		return nil, err
	}

	t, err = g.ReLU(t)
	if err != nil {
		return nil, err
	}

	t, err = ln.Forward(g, t)
	if err != nil {
		return nil, err
	}

	return g.Dropout(t, v.Rate)
}

func (v *VariancePredictor) Visit(prefix string, fn VisitFunc) {
	v.Conv1.Visit(prefix+".conv1", fn)
	v.Conv2.Visit(prefix+".conv2", fn)
	v.LN1.Visit(prefix+".ln1", fn)
	v.LN2.Visit(prefix+".ln2", fn)
	v.Out.Visit(prefix+".out", fn)
}
