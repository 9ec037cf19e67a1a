// Package graph provides tape-based reverse-mode differentiation over the
// tensor runtime. A Tape records one backward closure per operation while a
// forward pass runs; Backward replays the closures in reverse, accumulating
// gradients into every node created with Param. With recording disabled the
// same ops run as plain forward math, so training and inference share one
// code path.
package graph

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Node couples a tensor value with its gradient accumulator.
type Node struct {
	Value *tensor.Tensor
	grad  []float32
	param bool
}

// Param wraps a tensor as a trainable parameter node.
func Param(t *tensor.Tensor) *Node {
	return &Node{Value: t, param: true}
}

// Constant wraps a tensor as a non-trainable node. Gradients still flow
// through it to upstream nodes but are not accumulated on it.
func Constant(t *tensor.Tensor) *Node {
	return &Node{Value: t}
}

// IsParam reports whether the node was created with Param.
func (n *Node) IsParam() bool { return n != nil && n.param }

// Grad returns the gradient slice, allocating it on first use. It is aligned
// element-for-element with Value's raw data.
func (n *Node) Grad() []float32 {
	if n == nil || n.Value == nil {
		return nil
	}

	if n.grad == nil {
		n.grad = make([]float32, n.Value.ElemCount())
	}

	return n.grad
}

// ZeroGrad resets the gradient accumulator.
func (n *Node) ZeroGrad() {
	for i := range n.grad {
		n.grad[i] = 0
	}
}

// Tape records backward closures during a forward pass.
type Tape struct {
	recording bool
	steps     []func()
	rng       *rand.Rand
}

// NewTape creates a tape. With recording disabled all ops skip gradient
// bookkeeping.
func NewTape(recording bool) *Tape {
	return &Tape{recording: recording}
}

// SetRand sets the random source used by Dropout. A nil source disables
// dropout sampling (Dropout becomes the identity).
func (g *Tape) SetRand(rng *rand.Rand) { g.rng = rng }

// Recording reports whether backward closures are being recorded.
func (g *Tape) Recording() bool { return g != nil && g.recording }

// Rand returns the tape's random source, nil when none was set.
func (g *Tape) Rand() *rand.Rand { return g.rng }

func (g *Tape) record(f func()) {
	if g.recording {
		g.steps = append(g.steps, f)
	}
}

// Backward seeds the loss gradient with 1 and replays the tape in reverse.
// loss must be a scalar (single-element) node produced by ops on this tape.
func (g *Tape) Backward(loss *Node) error {
	if g == nil || !g.recording {
		return errors.New("graph: backward requires a recording tape")
	}

	if loss == nil || loss.Value == nil {
		return errors.New("graph: backward loss is nil")
	}

	if loss.Value.ElemCount() != 1 {
		return fmt.Errorf("graph: backward loss must be scalar, got shape %v", loss.Value.Shape())
	}

	loss.Grad()[0] = 1

	for i := len(g.steps) - 1; i >= 0; i-- {
		g.steps[i]()
	}

	return nil
}

// ---------------------------------------------------------------------------
// Elementwise and shape ops
// ---------------------------------------------------------------------------

// Add performs same-shape element-wise addition.
func (g *Tape) Add(a, b *Node) (*Node, error) {
	if err := checkPair("add", a, b); err != nil {
		return nil, err
	}

	if !equalShape(a.Value.Shape(), b.Value.Shape()) {
		return nil, fmt.Errorf("graph: add shape mismatch %v vs %v", a.Value.Shape(), b.Value.Shape())
	}

	out := Constant(a.Value.Clone())
	od := out.Value.RawData()
	bd := b.Value.RawData()

	for i := range od {
		od[i] += bd[i]
	}

	g.record(func() {
		og := out.Grad()
		tensor.Axpy(a.Grad(), 1, og)
		tensor.Axpy(b.Grad(), 1, og)
	})

	return out, nil
}

// AddBroadcast adds b to a with NumPy-style broadcasting of b up to a's
// shape. Gradients to b are sum-reduced over the broadcast dimensions.
func (g *Tape) AddBroadcast(a, b *Node) (*Node, error) {
	if err := checkPair("add broadcast", a, b); err != nil {
		return nil, err
	}

	val, err := tensor.BroadcastAdd(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("graph: add broadcast: %w", err)
	}

	if !equalShape(val.Shape(), a.Value.Shape()) {
		return nil, fmt.Errorf("graph: add broadcast must not grow a's shape %v to %v", a.Value.Shape(), val.Shape())
	}

	out := Constant(val)

	g.record(func() {
		og := out.Grad()
		tensor.Axpy(a.Grad(), 1, og)
		reduceBroadcast(og, out.Value.Shape(), b.Grad(), b.Value.Shape())
	})

	return out, nil
}

// MulBroadcast multiplies a by b with broadcasting of b up to a's shape.
func (g *Tape) MulBroadcast(a, b *Node) (*Node, error) {
	if err := checkPair("mul broadcast", a, b); err != nil {
		return nil, err
	}

	val, err := tensor.BroadcastMul(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("graph: mul broadcast: %w", err)
	}

	if !equalShape(val.Shape(), a.Value.Shape()) {
		return nil, fmt.Errorf("graph: mul broadcast must not grow a's shape %v to %v", a.Value.Shape(), val.Shape())
	}

	out := Constant(val)

	g.record(func() {
		og := out.Grad()
		outShape := out.Value.Shape()

		scaled, err := tensor.New(og, outShape)
		if err != nil {
			return
		}

		// da = dy * broadcast(b)
		daT, err := tensor.BroadcastMul(scaled, b.Value)
		if err == nil {
			tensor.Axpy(a.Grad(), 1, daT.RawData())
		}

		// db = reduce(dy * a)
		dbFull, err := tensor.BroadcastMul(scaled, a.Value)
		if err == nil {
			reduceBroadcast(dbFull.RawData(), outShape, b.Grad(), b.Value.Shape())
		}
	})

	return out, nil
}

// Scale multiplies every element by s.
func (g *Tape) Scale(x *Node, s float32) (*Node, error) {
	if err := checkOne("scale", x); err != nil {
		return nil, err
	}

	out := Constant(x.Value.Scale(s))

	g.record(func() {
		tensor.Axpy(x.Grad(), s, out.Grad())
	})

	return out, nil
}

// ReLU applies max(0, x) element-wise.
func (g *Tape) ReLU(x *Node) (*Node, error) {
	if err := checkOne("relu", x); err != nil {
		return nil, err
	}

	out := Constant(x.Value.Clone())
	od := out.Value.RawData()

	for i, v := range od {
		if v < 0 {
			od[i] = 0
		}
	}

	g.record(func() {
		xg := x.Grad()
		og := out.Grad()
		xd := x.Value.RawData()

		for i := range xg {
			if xd[i] > 0 {
				xg[i] += og[i]
			}
		}
	})

	return out, nil
}

// Tanh applies the hyperbolic tangent element-wise.
func (g *Tape) Tanh(x *Node) (*Node, error) {
	if err := checkOne("tanh", x); err != nil {
		return nil, err
	}

	out := Constant(x.Value.Clone())
	od := out.Value.RawData()

	for i, v := range od {
		od[i] = float32(math.Tanh(float64(v)))
	}

	g.record(func() {
		xg := x.Grad()
		og := out.Grad()
		yd := out.Value.RawData()

		for i := range xg {
			xg[i] += og[i] * (1 - yd[i]*yd[i])
		}
	})

	return out, nil
}

// Dropout zeroes each element with probability rate during recording and
// rescales the survivors by 1/(1-rate). With recording disabled or a nil
// random source it is the identity.
func (g *Tape) Dropout(x *Node, rate float64) (*Node, error) {
	if err := checkOne("dropout", x); err != nil {
		return nil, err
	}

	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("graph: dropout rate must be in [0, 1), got %v", rate)
	}

	if !g.recording || g.rng == nil || rate == 0 {
		return x, nil
	}

	keep := float32(1 / (1 - rate))
	mask := make([]float32, x.Value.ElemCount())

	for i := range mask {
		if g.rng.Float64() >= rate {
			mask[i] = keep
		}
	}

	out := Constant(x.Value.Clone())
	od := out.Value.RawData()

	for i := range od {
		od[i] *= mask[i]
	}

	g.record(func() {
		xg := x.Grad()
		og := out.Grad()

		for i := range xg {
			xg[i] += og[i] * mask[i]
		}
	})

	return out, nil
}

// Reshape changes the node's shape; gradients pass through unchanged.
func (g *Tape) Reshape(x *Node, shape []int64) (*Node, error) {
	if err := checkOne("reshape", x); err != nil {
		return nil, err
	}

	val, err := x.Value.Reshape(shape)
	if err != nil {
		return nil, fmt.Errorf("graph: reshape: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		tensor.Axpy(x.Grad(), 1, out.Grad())
	})

	return out, nil
}

// Transpose swaps two dimensions; gradients are transposed back.
func (g *Tape) Transpose(x *Node, dim1, dim2 int) (*Node, error) {
	if err := checkOne("transpose", x); err != nil {
		return nil, err
	}

	val, err := x.Value.Transpose(dim1, dim2)
	if err != nil {
		return nil, fmt.Errorf("graph: transpose: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		gradT, err := tensor.New(out.Grad(), out.Value.Shape())
		if err != nil {
			return
		}

		back, err := gradT.Transpose(dim1, dim2)
		if err != nil {
			return
		}

		tensor.Axpy(x.Grad(), 1, back.RawData())
	})

	return out, nil
}

// Narrow slices the node along one dimension; gradients scatter back into
// the source range.
func (g *Tape) Narrow(x *Node, dim int, start, length int64) (*Node, error) {
	if err := checkOne("narrow", x); err != nil {
		return nil, err
	}

	val, err := x.Value.Narrow(dim, start, length)
	if err != nil {
		return nil, fmt.Errorf("graph: narrow: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		scatterNarrow(out.Grad(), out.Value.Shape(), x.Grad(), x.Value.Shape(), dim, start)
	})

	return out, nil
}

// StackPad stacks rank-2 [T_i, D] nodes into a [B, maxT, D] batch, zero
// padding shorter sequences at the end. Gradients route back to each
// sequence's rows; padding rows contribute nothing.
func (g *Tape) StackPad(xs []*Node) (*Node, error) {
	if len(xs) == 0 {
		return nil, errors.New("graph: stack pad requires at least one input")
	}

	var maxRows, width int64

	for i, x := range xs {
		if err := checkOne("stack pad", x); err != nil {
			return nil, err
		}

		shape := x.Value.Shape()
		if len(shape) != 2 {
			return nil, fmt.Errorf("graph: stack pad input %d must be rank 2, got %v", i, shape)
		}

		if i == 0 {
			width = shape[1]
		} else if shape[1] != width {
			return nil, fmt.Errorf("graph: stack pad input %d width %d, want %d", i, shape[1], width)
		}

		if shape[0] > maxRows {
			maxRows = shape[0]
		}
	}

	if maxRows == 0 {
		return nil, errors.New("graph: stack pad inputs are all empty")
	}

	batch := int64(len(xs))
	data := make([]float32, batch*maxRows*width)

	for b, x := range xs {
		copy(data[int64(b)*maxRows*width:], x.Value.RawData())
	}

	out := Constant(newTensor(data, []int64{batch, maxRows, width}))

	g.record(func() {
		og := out.Grad()

		for b, x := range xs {
			n := x.Value.ElemCount()
			tensor.Axpy(x.Grad(), 1, og[int64(b)*maxRows*width:int64(b)*maxRows*width+int64(n)])
		}
	})

	return out, nil
}

// RepeatRows expands rows by per-row counts (duration expansion). The
// backward pass routes each expanded frame's gradient to its source row,
// giving the straight-through behavior duration-based expansion needs.
func (g *Tape) RepeatRows(x *Node, counts []int64) (*Node, error) {
	if err := checkOne("repeat rows", x); err != nil {
		return nil, err
	}

	val, err := x.Value.RepeatRows(counts)
	if err != nil {
		return nil, fmt.Errorf("graph: repeat rows: %w", err)
	}

	out := Constant(val)

	g.record(func() {
		shape := x.Value.Shape()
		width := int(shape[len(shape)-1])
		xg := x.Grad()
		og := out.Grad()
		pos := 0

		for i := range counts {
			row := xg[i*width : (i+1)*width]
			for range counts[i] {
				src := og[pos*width : (pos+1)*width]
				for j := range row {
					row[j] += src[j]
				}

				pos++
			}
		}
	})

	return out, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func checkOne(op string, x *Node) error {
	if x == nil || x.Value == nil {
		return fmt.Errorf("graph: %s input is nil", op)
	}

	return nil
}

func checkPair(op string, a, b *Node) error {
	if a == nil || a.Value == nil || b == nil || b.Value == nil {
		return fmt.Errorf("graph: %s requires non-nil inputs", op)
	}

	return nil
}

func equalShape(a, b []int64) bool {
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

// reduceBroadcast sum-reduces a gradient of outShape into dst laid out as
// dstShape, where dstShape broadcasts to outShape.
func reduceBroadcast(grad []float32, outShape []int64, dst []float32, dstShape []int64) {
	rank := len(outShape)
	padded := make([]int64, rank)
	pad := rank - len(dstShape)

	for i := range pad {
		padded[i] = 1
	}

	copy(padded[pad:], dstShape)

	outStrides := strides(outShape)
	dstStrides := strides(padded)
	coord := make([]int64, rank)

	for i := range grad {
		remaining := int64(i)
		var dstOff int64

		for d := range rank {
			if outShape[d] == 0 {
				coord[d] = 0
			} else {
				coord[d] = (remaining / outStrides[d]) % outShape[d]
			}

			c := coord[d]
			if padded[d] == 1 {
				c = 0
			}

			dstOff += c * dstStrides[d]
		}

		dst[dstOff] += grad[i]
	}
}

func scatterNarrow(grad []float32, narrowShape []int64, dst []float32, fullShape []int64, dim int, start int64) {
	rank := len(fullShape)
	if dim < 0 {
		dim += rank
	}

	narrowStrides := strides(narrowShape)
	fullStrides := strides(fullShape)

	for i := range grad {
		remaining := int64(i)
		var off int64

		for d := range rank {
			var c int64
			if narrowShape[d] != 0 {
				c = (remaining / narrowStrides[d]) % narrowShape[d]
			}

			if d == dim {
				c += start
			}

			off += c * fullStrides[d]
		}

		dst[off] += grad[i]
	}
}

func strides(shape []int64) []int64 {
	out := make([]int64, len(shape))
	s := int64(1)

	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = s
		s *= shape[i]
	}

	return out
}
