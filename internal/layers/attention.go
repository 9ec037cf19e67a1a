package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/ops"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// MultiHeadAttention projects queries/keys/values, runs scaled dot-product
// attention per head and merges the heads back. The softmax weights are
// returned alongside the output for the training-health diagnostics.
type MultiHeadAttention struct {
	WQ, WK, WV, WO *Dense
	Heads          int64
	dim            int64
}

// NewMultiHeadAttention creates an attention layer with dim split evenly
// across heads.
func NewMultiHeadAttention(rng *rand.Rand, dim, heads int64) (*MultiHeadAttention, error) {
	if heads <= 0 || dim <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("layers: model dim %d not divisible by %d heads", dim, heads)
	}

	return &MultiHeadAttention{
		WQ:    NewDense(rng, dim, dim, true),
		WK:    NewDense(rng, dim, dim, true),
		WV:    NewDense(rng, dim, dim, true),
		WO:    NewDense(rng, dim, dim, true),
		Heads: heads,
		dim:   dim,
	}, nil
}

// Forward attends q over k/v, all [B, T, D]. mask is an optional 0/1 tensor
// broadcastable to [B, H, Tq, Tk] with 1 marking blocked positions.
// dropHeads > 0 zeroes that many randomly chosen heads when the tape has a
// random source. Returns the output [B, Tq, D] and the attention weights
// [B, H, Tq, Tk].
func (a *MultiHeadAttention) Forward(g *graph.Tape, q, k, v *graph.Node, mask *tensor.Tensor, dropHeads int64) (*graph.Node, *tensor.Tensor, error) {
	if a == nil || a.WQ == nil {
		return nil, nil, errors.New("layers: attention is not initialized")
	}

	qp, err := a.WQ.Forward(g, q)
	if err != nil {
		return nil, nil, err
	}

	kp, err := a.WK.Forward(g, k)
	if err != nil {
		return nil, nil, err
	}

	vp, err := a.WV.Forward(g, v)
	if err != nil {
		return nil, nil, err
	}

	qh, err := a.splitHeads(g, qp)
	if err != nil {
		return nil, nil, err
	}

	kh, err := a.splitHeads(g, kp)
	if err != nil {
		return nil, nil, err
	}

	vh, err := a.splitHeads(g, vp)
	if err != nil {
		return nil, nil, err
	}

	kt, err := g.Transpose(kh, -1, -2)
	if err != nil {
		return nil, nil, err
	}

	scores, err := g.MatMul(qh, kt)
	if err != nil {
		return nil, nil, err
	}

	headDim := a.dim / a.Heads

	scores, err = g.Scale(scores, float32(1.0/math.Sqrt(float64(headDim))))
	if err != nil {
		return nil, nil, err
	}

	if mask != nil {
		scores, err = g.AddBroadcast(scores, graph.Constant(ops.AdditivePenalty(mask)))
		if err != nil {
			return nil, nil, err
		}
	}

	probs, err := g.Softmax(scores)
	if err != nil {
		return nil, nil, err
	}

	attended, err := g.MatMul(probs, vh)
	if err != nil {
		return nil, nil, err
	}

	if dropHeads > 0 {
		attended, err = a.dropHeads(g, attended, dropHeads)
		if err != nil {
			return nil, nil, err
		}
	}

	merged, err := a.mergeHeads(g, attended)
	if err != nil {
		return nil, nil, err
	}

	out, err := a.WO.Forward(g, merged)
	if err != nil {
		return nil, nil, err
	}

	return out, probs.Value, nil
}

func (a *MultiHeadAttention) splitHeads(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	shape := x.Value.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("layers: attention expects [B, T, D] input, got %v", shape)
	}

	r, err := g.Reshape(x, []int64{shape[0], shape[1], a.Heads, a.dim / a.Heads})
	if err != nil {
		return nil, err
	}

	return g.Transpose(r, 1, 2)
}

func (a *MultiHeadAttention) mergeHeads(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	shape := x.Value.Shape()

	t, err := g.Transpose(x, 1, 2)
	if err != nil {
		return nil, err
	}

	return g.Reshape(t, []int64{shape[0], shape[2], a.dim})
}

// dropHeads multiplies randomly chosen heads by zero. The surviving heads
// are not rescaled.
func (a *MultiHeadAttention) dropHeads(g *graph.Tape, x *graph.Node, n int64) (*graph.Node, error) {
	rng := g.Rand()
	if rng == nil {
		return x, nil
	}

	if n >= a.Heads {
		return nil, fmt.Errorf("layers: cannot drop %d of %d heads", n, a.Heads)
	}

	data := make([]float32, a.Heads)
	for i := range data {
		data[i] = 1
	}

	for _, h := range rng.Perm(int(a.Heads))[:n] {
		data[h] = 0
	}

	mask, err := tensor.New(data, []int64{1, a.Heads, 1, 1})
	if err != nil {
		return nil, err
	}

	return g.MulBroadcast(x, graph.Constant(mask))
}

func (a *MultiHeadAttention) Visit(prefix string, fn VisitFunc) {
	a.WQ.Visit(prefix+".wq", fn)
	a.WK.Visit(prefix+".wk", fn)
	a.WV.Visit(prefix+".wv", fn)
	a.WO.Visit(prefix+".wo", fn)
}

// FFN is the position-wise feed-forward block.
type FFN struct {
	In   *Dense
	Out  *Dense
	Rate float64
}

// NewFFN creates a two-layer feed-forward block with a ReLU in between.
func NewFFN(rng *rand.Rand, dim, hidden int64, rate float64) *FFN {
	return &FFN{
		In:   NewDense(rng, dim, hidden, true),
		Out:  NewDense(rng, hidden, dim, true),
		Rate: rate,
	}
}

func (f *FFN) Forward(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	if f == nil || f.In == nil || f.Out == nil {
		return nil, errors.New("layers: ffn is not initialized")
	}

	h, err := f.In.Forward(g, x)
	if err != nil {
		return nil, err
	}

	h, err = g.ReLU(h)
	if err != nil {
		return nil, err
	}

	h, err = g.Dropout(h, f.Rate)
	if err != nil {
		return nil, err
	}

	return f.Out.Forward(g, h)
}

func (f *FFN) Visit(prefix string, fn VisitFunc) {
	f.In.Visit(prefix+".in", fn)
	f.Out.Visit(prefix+".out", fn)
}
