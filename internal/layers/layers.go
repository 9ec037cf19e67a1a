// Package layers provides the trainable building blocks shared by the
// autoregressive and forward text-to-mel models: dense projections, token
// embeddings with sinusoidal position encoding, multi-head attention with
// stochastic head drop, feed-forward blocks, encoder/decoder stacks, the
// decoder prenet/postnet pair and the variance predictors.
package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// layerNormEps matches the epsilon used by the attention stacks.
const layerNormEps = 1e-6

// VisitFunc receives every trainable parameter with a dotted path name.
type VisitFunc func(name string, p *graph.Node)

// Dense is a learned affine projection y = x*W^T + b.
type Dense struct {
	Weight *graph.Node // [out, in]
	Bias   *graph.Node // optional [out]
}

// NewDense creates a dense layer with Glorot-uniform weights.
func NewDense(rng *rand.Rand, in, out int64, withBias bool) *Dense {
	d := &Dense{Weight: graph.Param(glorot(rng, out, in))}

	if withBias {
		b, _ := tensor.Zeros([]int64{out})
		d.Bias = graph.Param(b)
	}

	return d
}

func (d *Dense) Forward(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	if d == nil || d.Weight == nil {
		return nil, errors.New("layers: dense is not initialized")
	}

	return g.Linear(x, d.Weight, d.Bias)
}

func (d *Dense) Visit(prefix string, fn VisitFunc) {
	fn(prefix+".weight", d.Weight)

	if d.Bias != nil {
		fn(prefix+".bias", d.Bias)
	}
}

// LayerNorm normalizes the last dimension with learned scale and shift.
type LayerNorm struct {
	Weight *graph.Node
	Bias   *graph.Node
	Eps    float32
}

// NewLayerNorm creates a layer norm initialized to the identity transform.
func NewLayerNorm(dim int64) *LayerNorm {
	w, _ := tensor.Full([]int64{dim}, 1)
	b, _ := tensor.Zeros([]int64{dim})

	return &LayerNorm{Weight: graph.Param(w), Bias: graph.Param(b), Eps: layerNormEps}
}

func (ln *LayerNorm) Forward(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	if ln == nil || ln.Weight == nil || ln.Bias == nil {
		return nil, errors.New("layers: layernorm is not initialized")
	}

	return g.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

func (ln *LayerNorm) Visit(prefix string, fn VisitFunc) {
	fn(prefix+".weight", ln.Weight)
	fn(prefix+".bias", ln.Bias)
}

// Conv1D is a learned 1-D convolution over [B, C, L] input.
type Conv1D struct {
	Kernel  *graph.Node // [out, in, k]
	Bias    *graph.Node // [out]
	Padding int64
}

// NewConv1D creates a same-padded convolution with Glorot-uniform weights.
func NewConv1D(rng *rand.Rand, in, out, kernelSize int64) *Conv1D {
	limit := float32(math.Sqrt(6.0 / float64(in*kernelSize+out*kernelSize)))
	data := make([]float32, out*in*kernelSize)

	for i := range data {
		data[i] = uniform(rng, limit)
	}

	k, _ := tensor.New(data, []int64{out, in, kernelSize})
	b, _ := tensor.Zeros([]int64{out})

	return &Conv1D{
		Kernel:  graph.Param(k),
		Bias:    graph.Param(b),
		Padding: (kernelSize - 1) / 2,
	}
}

func (c *Conv1D) Forward(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	if c == nil || c.Kernel == nil {
		return nil, errors.New("layers: conv1d is not initialized")
	}

	return g.Conv1D(x, c.Kernel, c.Bias, 1, c.Padding, 1)
}

func (c *Conv1D) Visit(prefix string, fn VisitFunc) {
	fn(prefix+".kernel", c.Kernel)

	if c.Bias != nil {
		fn(prefix+".bias", c.Bias)
	}
}

func glorot(rng *rand.Rand, out, in int64) *tensor.Tensor {
	limit := float32(math.Sqrt(6.0 / float64(in+out)))
	data := make([]float32, out*in)

	for i := range data {
		data[i] = uniform(rng, limit)
	}

	t, err := tensor.New(data, []int64{out, in})
	if err != nil {
		panic(fmt.Sprintf("layers: glorot init: %v", err))
	}

	return t
}

func uniform(rng *rand.Rand, limit float32) float32 {
	if rng == nil {
		return 0
	}

	return (rng.Float32()*2 - 1) * limit
}

// alwaysDropout applies inverted dropout whenever the tape has a random
// source, independent of whether gradients are being recorded. The decoder
// prenet keeps its dropout active at inference.
func alwaysDropout(g *graph.Tape, x *graph.Node, rate float64) (*graph.Node, error) {
	rng := g.Rand()
	if rng == nil || rate <= 0 {
		return x, nil
	}

	if rate >= 1 {
		return nil, fmt.Errorf("layers: dropout rate must be < 1, got %v", rate)
	}

	keep := float32(1 / (1 - rate))
	data := make([]float32, x.Value.ElemCount())

	for i := range data {
		if rng.Float64() >= rate {
			data[i] = keep
		}
	}

	mask, err := tensor.New(data, x.Value.Shape())
	if err != nil {
		return nil, err
	}

	return g.MulBroadcast(x, graph.Constant(mask))
}
