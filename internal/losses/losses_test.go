package losses

import (
	"math"
	"testing"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

func TestWeightedSumPreservesIndividualValues(t *testing.T) {
	g := graph.NewTape(false)

	target1, _ := tensor.New([]float32{1, 1}, []int64{1, 1, 2})
	pred1 := graph.Constant(mustTensor(t, []float32{3, 3}, []int64{1, 1, 2}))

	target2, _ := tensor.New([]float32{2, 2}, []int64{1, 1, 2})
	pred2 := graph.Constant(mustTensor(t, []float32{1, 1}, []int64{1, 1, 2}))

	total, values, err := WeightedSum(g,
		[]*tensor.Tensor{target1, target2},
		[]*graph.Node{pred1, pred2},
		[]Func{MaskedMSE, MaskedMAE},
		[]float32{0.5, 2},
	)
	if err != nil {
		t.Fatalf("weighted sum: %v", err)
	}

	if len(values) != 2 {
		t.Fatalf("individual values = %d, want 2", len(values))
	}

	// MSE((3,3),(1,1)) = 4, MAE((1,1),(2,2)) = 1.
	if values[0] != 4 || values[1] != 1 {
		t.Fatalf("values = %v, want [4 1]", values)
	}

	want := 0.5*values[0] + 2*values[1]
	if got := total.Value.RawData()[0]; got != want {
		t.Fatalf("total = %v, want %v", got, want)
	}
}

func TestWeightedSumRejectsMisalignedTriples(t *testing.T) {
	g := graph.NewTape(false)

	target, _ := tensor.Zeros([]int64{1, 1, 2})
	pred := graph.Constant(mustTensor(t, []float32{0, 0}, []int64{1, 1, 2}))

	_, _, err := WeightedSum(g,
		[]*tensor.Tensor{target},
		[]*graph.Node{pred},
		[]Func{MaskedMSE, MaskedMAE},
		[]float32{1},
	)
	if err == nil {
		t.Fatal("expected error for misaligned inputs")
	}
}

func TestMaskedMSEIgnoresPaddedFrames(t *testing.T) {
	g := graph.NewTape(false)

	// Second frame is all-zero padding; the huge prediction error there
	// must not count.
	target, _ := tensor.New([]float32{1, 1, 0, 0}, []int64{1, 2, 2})
	pred := graph.Constant(mustTensor(t, []float32{2, 2, 50, 50}, []int64{1, 2, 2}))

	loss, err := MaskedMSE(g, target, pred)
	if err != nil {
		t.Fatalf("masked mse: %v", err)
	}

	if got := loss.Value.RawData()[0]; got != 1 {
		t.Fatalf("loss = %v, want 1", got)
	}
}

func TestStopLossScalesStopFrames(t *testing.T) {
	// Three frames: continue (1), stop (2), padding (0).
	target, _ := tensor.New([]float32{1, 2, 0}, []int64{1, 3})

	// Uniform logits: per-frame CE is log(3) regardless of label.
	pred := graph.Constant(mustTensor(t, make([]float32, 9), []int64{1, 3, 3}))

	g := graph.NewTape(false)

	loss, err := Stop(4)(g, target, pred)
	if err != nil {
		t.Fatalf("stop loss: %v", err)
	}

	// Weighted mean of log(3) with weights {1, 4, excluded} is log(3).
	want := float32(math.Log(3))
	if got := loss.Value.RawData()[0]; math.Abs(float64(got-want)) > 1e-5 {
		t.Fatalf("loss = %v, want %v", got, want)
	}

	// Gradient check: the padded frame must receive none.
	g2 := graph.NewTape(true)
	pred2 := graph.Param(mustTensor(t, make([]float32, 9), []int64{1, 3, 3}))

	loss2, err := Stop(4)(g2, target, pred2)
	if err != nil {
		t.Fatalf("stop loss: %v", err)
	}

	if err := g2.Backward(loss2); err != nil {
		t.Fatalf("backward: %v", err)
	}

	grad := pred2.Grad()
	for i := 6; i < 9; i++ {
		if grad[i] != 0 {
			t.Fatalf("padded frame gradient = %v, want zeros", grad[6:9])
		}
	}
}

func TestDurationLossExcludesZeroTargets(t *testing.T) {
	g := graph.NewTape(false)

	target, _ := tensor.New([]float32{2, 0, 4}, []int64{1, 3, 1})
	pred := graph.Constant(mustTensor(t, []float32{3, 99, 5}, []int64{1, 3, 1}))

	loss, err := Duration(g, target, pred)
	if err != nil {
		t.Fatalf("duration loss: %v", err)
	}

	// |3-2| and |5-4| averaged; the zero-duration position is excluded.
	if got := loss.Value.RawData()[0]; got != 1 {
		t.Fatalf("loss = %v, want 1", got)
	}
}

func TestPitchLossWeightsLatePositionsMore(t *testing.T) {
	// Same absolute error of 1 at the first and last position.
	target, _ := tensor.New([]float32{1, 1, 1}, []int64{1, 3, 1})

	firstOff := graph.Constant(mustTensor(t, []float32{2, 1, 1}, []int64{1, 3, 1}))
	lastOff := graph.Constant(mustTensor(t, []float32{1, 1, 2}, []int64{1, 3, 1}))

	g := graph.NewTape(false)

	early, err := Pitch(g, target, firstOff)
	if err != nil {
		t.Fatalf("pitch loss: %v", err)
	}

	late, err := Pitch(g, target, lastOff)
	if err != nil {
		t.Fatalf("pitch loss: %v", err)
	}

	if early.Value.RawData()[0] >= late.Value.RawData()[0] {
		t.Fatalf("late error (%v) must cost more than early error (%v)",
			late.Value.RawData()[0], early.Value.RawData()[0])
	}
}

func TestPitchLossExcludesUnvoiced(t *testing.T) {
	g := graph.NewTape(false)

	target, _ := tensor.New([]float32{0, 0, 0}, []int64{1, 3, 1})
	pred := graph.Constant(mustTensor(t, []float32{10, 10, 10}, []int64{1, 3, 1}))

	loss, err := Pitch(g, target, pred)
	if err != nil {
		t.Fatalf("pitch loss: %v", err)
	}

	if got := loss.Value.RawData()[0]; got != 0 {
		t.Fatalf("loss = %v, want 0 for fully unvoiced target", got)
	}
}

func TestPitchWeightCurveEndpoints(t *testing.T) {
	curve := pitchWeightCurve(5)

	if math.Abs(float64(curve[0]-1)) > 1e-6 {
		t.Fatalf("curve[0] = %v, want 1", curve[0])
	}

	if math.Abs(float64(curve[4]-2)) > 1e-5 {
		t.Fatalf("curve[4] = %v, want 2", curve[4])
	}

	for i := 1; i < len(curve); i++ {
		if curve[i] <= curve[i-1] {
			t.Fatalf("curve not strictly increasing at %d: %v", i, curve)
		}
	}
}

func mustTensor(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor: %v", err)
	}

	return out
}
