package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/ops"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

func testRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func shapeEquals(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}

	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}

	return true
}

func TestDenseForwardShape(t *testing.T) {
	d := NewDense(testRand(), 4, 6, true)

	x, _ := tensor.Zeros([]int64{2, 3, 4})
	g := graph.NewTape(false)

	y, err := d.Forward(g, graph.Constant(x))
	if err != nil {
		t.Fatalf("dense forward: %v", err)
	}

	if got := y.Value.Shape(); !shapeEquals(got, []int64{2, 3, 6}) {
		t.Fatalf("shape = %v, want [2 3 6]", got)
	}
}

func TestPositionalEncodingFirstRow(t *testing.T) {
	pos, err := PositionalEncoding(4, 6)
	if err != nil {
		t.Fatalf("positional encoding: %v", err)
	}

	data := pos.Data()

	// Position 0: sin(0)=0 on even channels, cos(0)=1 on odd channels.
	for i := range 6 {
		want := float32(0)
		if i%2 == 1 {
			want = 1
		}

		if data[i] != want {
			t.Fatalf("pos[0][%d] = %v, want %v", i, data[i], want)
		}
	}
}

func TestEmbeddingRejectsOverlongSequence(t *testing.T) {
	e, err := NewEmbedding(testRand(), 10, 4, 3)
	if err != nil {
		t.Fatalf("new embedding: %v", err)
	}

	g := graph.NewTape(false)
	if _, err := e.Forward(g, [][]int64{{1, 2, 3, 4}}); err == nil {
		t.Fatal("expected error for sequence longer than maxLen")
	}
}

func TestEmbeddingShape(t *testing.T) {
	e, err := NewEmbedding(testRand(), 10, 4, 8)
	if err != nil {
		t.Fatalf("new embedding: %v", err)
	}

	g := graph.NewTape(false)

	y, err := e.Forward(g, [][]int64{{1, 2, 0}, {3, 0, 0}})
	if err != nil {
		t.Fatalf("embedding forward: %v", err)
	}

	if got := y.Value.Shape(); !shapeEquals(got, []int64{2, 3, 4}) {
		t.Fatalf("shape = %v, want [2 3 4]", got)
	}
}

func TestMultiHeadAttentionShapes(t *testing.T) {
	a, err := NewMultiHeadAttention(testRand(), 8, 2)
	if err != nil {
		t.Fatalf("new attention: %v", err)
	}

	x, _ := tensor.Zeros([]int64{1, 5, 8})
	g := graph.NewTape(false)

	out, weights, err := a.Forward(g, graph.Constant(x), graph.Constant(x), graph.Constant(x), nil, 0)
	if err != nil {
		t.Fatalf("attention forward: %v", err)
	}

	if got := out.Value.Shape(); !shapeEquals(got, []int64{1, 5, 8}) {
		t.Fatalf("output shape = %v, want [1 5 8]", got)
	}

	if got := weights.Shape(); !shapeEquals(got, []int64{1, 2, 5, 5}) {
		t.Fatalf("weights shape = %v, want [1 2 5 5]", got)
	}
}

func TestMultiHeadAttentionMaskBlocksKeys(t *testing.T) {
	a, err := NewMultiHeadAttention(testRand(), 4, 1)
	if err != nil {
		t.Fatalf("new attention: %v", err)
	}

	data := make([]float32, 3*4)
	for i := range data {
		data[i] = float32(i%4) * 0.1
	}

	x, _ := tensor.New(data, []int64{1, 3, 4})
	mask, _ := tensor.New([]float32{0, 0, 1}, []int64{1, 1, 1, 3})

	g := graph.NewTape(false)

	_, weights, err := a.Forward(g, graph.Constant(x), graph.Constant(x), graph.Constant(x), mask, 0)
	if err != nil {
		t.Fatalf("attention forward: %v", err)
	}

	wd := weights.Data()
	for q := range 3 {
		if w := wd[q*3+2]; w > 1e-6 {
			t.Fatalf("masked key weight at query %d = %v, want ~0", q, w)
		}
	}
}

func TestMultiHeadAttentionRejectsDroppingAllHeads(t *testing.T) {
	a, err := NewMultiHeadAttention(testRand(), 4, 2)
	if err != nil {
		t.Fatalf("new attention: %v", err)
	}

	x, _ := tensor.Zeros([]int64{1, 2, 4})
	g := graph.NewTape(true)
	g.SetRand(testRand())

	if _, _, err := a.Forward(g, graph.Constant(x), graph.Constant(x), graph.Constant(x), nil, 2); err == nil {
		t.Fatal("expected error when dropping every head")
	}
}

func TestEncoderCollectsAttentionPerLayer(t *testing.T) {
	e, err := NewEncoder(testRand(), 2, 8, 2, 16, 0)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}

	x, _ := tensor.Zeros([]int64{1, 4, 8})
	g := graph.NewTape(false)

	out, attention, err := e.Forward(g, graph.Constant(x), nil, 0)
	if err != nil {
		t.Fatalf("encoder forward: %v", err)
	}

	if got := out.Value.Shape(); !shapeEquals(got, []int64{1, 4, 8}) {
		t.Fatalf("output shape = %v, want [1 4 8]", got)
	}

	for _, key := range []string{"encoder_layer1", "encoder_layer2"} {
		if _, ok := attention[key]; !ok {
			t.Fatalf("missing attention map %q", key)
		}
	}
}

func TestDecoderCollectsSelfAndCrossAttention(t *testing.T) {
	d, err := NewDecoder(testRand(), 2, 8, 2, 16, 0)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}

	x, _ := tensor.Zeros([]int64{1, 3, 8})
	enc, _ := tensor.Zeros([]int64{1, 5, 8})

	lookAhead, err := ops.LookAheadMask(3)
	if err != nil {
		t.Fatalf("look-ahead mask: %v", err)
	}

	padding, _ := tensor.Zeros([]int64{1, 1, 1, 3})

	combined, err := ops.CombineMasks(padding, lookAhead)
	if err != nil {
		t.Fatalf("combine masks: %v", err)
	}

	g := graph.NewTape(false)

	out, attention, err := d.Forward(g, graph.Constant(x), graph.Constant(enc), combined, nil, 0)
	if err != nil {
		t.Fatalf("decoder forward: %v", err)
	}

	if got := out.Value.Shape(); !shapeEquals(got, []int64{1, 3, 8}) {
		t.Fatalf("output shape = %v, want [1 3 8]", got)
	}

	cross, ok := attention["decoder_layer2_block2"]
	if !ok {
		t.Fatal("missing cross-attention map decoder_layer2_block2")
	}

	if got := cross.Shape(); !shapeEquals(got, []int64{1, 2, 3, 5}) {
		t.Fatalf("cross attention shape = %v, want [1 2 3 5]", got)
	}
}

func TestDecoderPostnetShapes(t *testing.T) {
	p, err := NewDecoderPostnet(testRand(), 8, 4, 5, 16, 3, 3, 0)
	if err != nil {
		t.Fatalf("new postnet: %v", err)
	}

	x, _ := tensor.Zeros([]int64{1, 2, 8})
	g := graph.NewTape(false)

	melLinear, final, stop, err := p.Forward(g, graph.Constant(x), 3)
	if err != nil {
		t.Fatalf("postnet forward: %v", err)
	}

	if got := melLinear.Value.Shape(); !shapeEquals(got, []int64{1, 6, 4}) {
		t.Fatalf("mel linear shape = %v, want [1 6 4]", got)
	}

	if got := final.Value.Shape(); !shapeEquals(got, []int64{1, 6, 4}) {
		t.Fatalf("final shape = %v, want [1 6 4]", got)
	}

	if got := stop.Value.Shape(); !shapeEquals(got, []int64{1, 6, 3}) {
		t.Fatalf("stop shape = %v, want [1 6 3]", got)
	}
}

func TestDecoderPostnetRejectsOversizedReduction(t *testing.T) {
	p, err := NewDecoderPostnet(testRand(), 8, 4, 2, 16, 3, 3, 0)
	if err != nil {
		t.Fatalf("new postnet: %v", err)
	}

	x, _ := tensor.Zeros([]int64{1, 2, 8})
	g := graph.NewTape(false)

	if _, _, _, err := p.Forward(g, graph.Constant(x), 3); err == nil {
		t.Fatal("expected error for r > max reduction")
	}
}

func TestVariancePredictorMasksPaddedTokens(t *testing.T) {
	v := NewVariancePredictor(testRand(), 8, 16, 3, 0)

	data := make([]float32, 4*8)
	for i := range data {
		data[i] = float32(i) * 0.01
	}

	x, _ := tensor.New(data, []int64{1, 4, 8})
	keep, _ := tensor.New([]float32{1, 1, 0, 0}, []int64{1, 4, 1})

	g := graph.NewTape(false)

	out, err := v.Forward(g, graph.Constant(x), keep)
	if err != nil {
		t.Fatalf("variance predictor forward: %v", err)
	}

	if got := out.Value.Shape(); !shapeEquals(got, []int64{1, 4, 1}) {
		t.Fatalf("shape = %v, want [1 4 1]", got)
	}

	od := out.Value.Data()
	if od[2] != 0 || od[3] != 0 {
		t.Fatalf("padded predictions = %v, want zeros", od[2:])
	}
}

func TestDecoderPrenetDropoutIdentityWithoutRand(t *testing.T) {
	p := NewDecoderPrenet(testRand(), 4, 6, 8, 0.5)

	x, _ := tensor.Full([]int64{1, 2, 4}, 0.3)

	g1 := graph.NewTape(false)
	y1, err := p.Forward(g1, graph.Constant(x))
	if err != nil {
		t.Fatalf("prenet forward: %v", err)
	}

	g2 := graph.NewTape(false)
	y2, err := p.Forward(g2, graph.Constant(x))
	if err != nil {
		t.Fatalf("prenet forward: %v", err)
	}

	d1 := y1.Value.Data()
	d2 := y2.Value.Data()

	for i := range d1 {
		if d1[i] != d2[i] {
			t.Fatal("prenet without random source must be deterministic")
		}
	}
}

func TestDecoderPrenetDropoutActiveAtInference(t *testing.T) {
	p := NewDecoderPrenet(testRand(), 4, 32, 64, 0.9)

	x, _ := tensor.Full([]int64{1, 1, 4}, 1)

	// Not recording, but a random source is set: dropout must still apply.
	g := graph.NewTape(false)
	g.SetRand(rand.New(rand.NewSource(7)))

	y, err := p.Forward(g, graph.Constant(x))
	if err != nil {
		t.Fatalf("prenet forward: %v", err)
	}

	var zeros int
	for _, v := range y.Value.Data() {
		if v == 0 {
			zeros++
		}
	}

	if zeros == 0 {
		t.Fatal("prenet dropout did not zero any activations at rate 0.9")
	}
}

func TestGlorotInitBounded(t *testing.T) {
	w := glorot(testRand(), 16, 16)
	limit := math.Sqrt(6.0 / 32.0)

	for i, v := range w.Data() {
		if math.Abs(float64(v)) > limit {
			t.Fatalf("weight[%d] = %v outside glorot limit %v", i, v, limit)
		}
	}
}
