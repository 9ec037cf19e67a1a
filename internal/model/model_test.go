package model

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/tokenizer"
)

func testModelConfig() config.ModelConfig {
	return config.ModelConfig{
		MelChannels:                 8,
		EncoderModelDimension:       16,
		DecoderModelDimension:       16,
		EncoderNumHeads:             2,
		DecoderNumHeads:             2,
		EncoderFeedForwardDimension: 32,
		DecoderFeedForwardDimension: 32,
		EncoderMaxPositionEncoding:  64,
		DecoderMaxPositionEncoding:  128,
		EncoderLayers:               1,
		DecoderLayers:               1,
		DecoderPrenetDimension:      16,
		PostnetConvFilters:          16,
		PostnetConvLayers:           2,
		PostnetKernelSize:           3,
		PredictorConvFilters:        16,
		PredictorKernelSize:         3,
		DropoutRate:                 0,
		MelStartValue:               -3,
		MelEndValue:                 1,
	}
}

func testTrainConfig() config.TrainConfig {
	return config.TrainConfig{
		LearningRateSchedule:    []config.SchedulePoint{{Step: 0, Value: 1e-4}},
		ReductionFactorSchedule: []config.SchedulePoint{{Step: 0, Value: 3}},
		StopLossScaling:         1,
		DecoderPrenetDropout:    0,
	}
}

func testTokenizer(t *testing.T) *tokenizer.Char {
	t.Helper()

	tok, err := tokenizer.NewChar("ab c")
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}

	return tok
}

func newTestAutoregressive(t *testing.T) *Autoregressive {
	t.Helper()

	m, err := NewAutoregressive(testModelConfig(), testTrainConfig(), testTokenizer(t), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("new autoregressive: %v", err)
	}

	return m
}

type badTokenizer struct{}

func (badTokenizer) Encode(string) ([]int64, error) { return nil, nil }
func (badTokenizer) VocabSize() int64               { return 5 }
func (badTokenizer) StartTokenIndex() int64         { return 7 }
func (badTokenizer) EndTokenIndex() int64           { return 2 }

func TestNewAutoregressiveRejectsBrokenTokenizer(t *testing.T) {
	_, err := NewAutoregressive(testModelConfig(), testTrainConfig(), badTokenizer{}, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected tokenizer contract error")
	}

	if !strings.Contains(err.Error(), "tokenizer") {
		t.Fatalf("error %q does not name the tokenizer", err)
	}
}

func TestAutoregressiveTrainStepProducesLossBreakdown(t *testing.T) {
	m := newTestAutoregressive(t)

	tokens := [][]int64{{1, 3, 4, 2, 0}, {1, 3, 2, 0, 0}}

	frames := int64(7)
	mel, err := tensor.Full([]int64{2, frames, 8}, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	stop := make([]float32, 2*frames)
	for i := range stop {
		stop[i] = 1
	}
	stop[frames-1] = 2
	stop[2*frames-1] = 2

	stopLabels, err := tensor.New(stop, []int64{2, frames})
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.TrainStep(tokens, mel, stopLabels)
	if err != nil {
		t.Fatalf("train step: %v", err)
	}

	if math.IsNaN(float64(out.Loss)) || math.IsInf(float64(out.Loss), 0) {
		t.Fatalf("loss = %v, want finite", out.Loss)
	}

	for _, name := range []string{"output", "stop_prob", "mel_linear"} {
		if _, ok := out.Losses[name]; !ok {
			t.Fatalf("loss breakdown missing %q", name)
		}
	}

	// Teacher forcing shifts by one frame.
	if got := out.Mel.Shape(); got[1] != frames-1 {
		t.Fatalf("mel frames = %d, want %d", got[1], frames-1)
	}

	if _, ok := out.Attention["decoder_layer1_block2"]; !ok {
		t.Fatal("missing cross-attention weights for diagnostics")
	}
}

func TestAutoregressivePredictRespectsLengthCap(t *testing.T) {
	m := newTestAutoregressive(t)

	out, err := m.Predict([]int64{1, 3, 4, 2}, 9)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	shape := out.Mel.Shape()
	if shape[0] != 1 || shape[2] != 8 {
		t.Fatalf("mel shape = %v, want [1 T 8]", shape)
	}

	// r=3 and cap 9: at most ceil(9/3)=3 groups, trimmed to the cap.
	if shape[1] > 9 {
		t.Fatalf("mel frames = %d, want <= 9", shape[1])
	}

	if shape[1]%3 != 0 && shape[1] != 9 {
		t.Fatalf("mel frames = %d, want full reduction groups below the cap", shape[1])
	}
}

func TestAutoregressivePredictRejectsOutOfVocabTokens(t *testing.T) {
	m := newTestAutoregressive(t)

	// Vocab is pad/start/end plus "ab c": 7 symbols.
	if _, err := m.Predict([]int64{1, 42, 2}, 9); err == nil {
		t.Fatal("expected error for token id outside the vocabulary")
	}

	if _, err := m.Predict([]int64{1, -1, 2}, 9); err == nil {
		t.Fatal("expected error for negative token id")
	}
}

func TestSetConstantsBumpsGenerationOnShapeChanges(t *testing.T) {
	m := newTestAutoregressive(t)

	gen := m.Generation()

	lr := 5e-5
	if err := m.SetConstants(Constants{LearningRate: &lr}); err != nil {
		t.Fatalf("set constants: %v", err)
	}

	if m.Generation() != gen {
		t.Fatal("learning rate change must not bump the generation")
	}

	r := int64(2)
	if err := m.SetConstants(Constants{Reduction: &r}); err != nil {
		t.Fatalf("set constants: %v", err)
	}

	if m.Generation() != gen+1 {
		t.Fatalf("generation = %d, want %d after reduction change", m.Generation(), gen+1)
	}

	if m.Reduction() != 2 {
		t.Fatalf("reduction = %d, want 2", m.Reduction())
	}

	// Setting the same value again must not invalidate cached state.
	if err := m.SetConstants(Constants{Reduction: &r}); err != nil {
		t.Fatalf("set constants: %v", err)
	}

	if m.Generation() != gen+1 {
		t.Fatal("unchanged reduction must not bump the generation")
	}
}

func TestSetConstantsRejectsOversizedReduction(t *testing.T) {
	m := newTestAutoregressive(t)

	r := int64(99)
	if err := m.SetConstants(Constants{Reduction: &r}); err == nil {
		t.Fatal("expected error for reduction beyond the postnet's widest projection")
	}
}

func newTestForward(t *testing.T) *Forward {
	t.Helper()

	m, err := NewForward(testModelConfig(), testTrainConfig(), testTokenizer(t), rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("new forward: %v", err)
	}

	return m
}

func TestRoundCountsDropsZeroDurations(t *testing.T) {
	durations, err := tensor.New([]float32{2, 0, 3.4, 0.6, 1}, []int64{1, 5, 1})
	if err != nil {
		t.Fatal(err)
	}

	counts, err := roundCounts(durations, 1)
	if err != nil {
		t.Fatalf("round counts: %v", err)
	}

	want := []int64{2, 0, 3, 1, 1}
	for i, c := range counts[0] {
		if c != want[i] {
			t.Fatalf("counts = %v, want %v", counts[0], want)
		}
	}
}

func TestForwardTrainStepExpandsByDurations(t *testing.T) {
	m := newTestForward(t)

	tokens := [][]int64{{1, 3, 4, 5, 2}}

	// Durations [2, 0, 3, 1, 1] expand to 7 frames.
	durations, err := tensor.New([]float32{2, 0, 3, 1, 1}, []int64{1, 5, 1})
	if err != nil {
		t.Fatal(err)
	}

	pitch, err := tensor.New([]float32{0.5, 0, 1.2, 0.8, 0.3}, []int64{1, 5, 1})
	if err != nil {
		t.Fatal(err)
	}

	// Target: the start frame plus 7 content frames.
	mel, err := tensor.Full([]int64{1, 8, 8}, 0.25)
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.TrainStep(tokens, mel, durations, pitch)
	if err != nil {
		t.Fatalf("train step: %v", err)
	}

	if len(out.FrameLengths) != 1 || out.FrameLengths[0] != 7 {
		t.Fatalf("frame lengths = %v, want [7]", out.FrameLengths)
	}

	if got := out.Mel.Shape(); got[1] != 7 || got[2] != 8 {
		t.Fatalf("mel shape = %v, want [1 7 8]", got)
	}

	for _, name := range []string{"mel", "duration", "pitch"} {
		if _, ok := out.Losses[name]; !ok {
			t.Fatalf("loss breakdown missing %q", name)
		}
	}

	if math.IsNaN(float64(out.Loss)) {
		t.Fatal("loss is NaN")
	}
}

// melWithStartFrame builds a [1, frames, 8] target whose frame 0 carries
// startValue and whose content frames ramp deterministically.
func melWithStartFrame(t *testing.T, frames int64, startValue float32) *tensor.Tensor {
	t.Helper()

	data := make([]float32, frames*8)

	for c := 0; c < 8; c++ {
		data[c] = startValue
	}

	for f := int64(1); f < frames; f++ {
		for c := int64(0); c < 8; c++ {
			data[f*8+c] = float32(f) * 0.1
		}
	}

	mel, err := tensor.New(data, []int64{1, frames, 8})
	if err != nil {
		t.Fatal(err)
	}

	return mel
}

func TestForwardMelLossSkipsStartFrame(t *testing.T) {
	m := newTestForward(t)

	tokens := [][]int64{{1, 3, 4, 5, 2}}

	durations, err := tensor.New([]float32{2, 1, 2, 1, 1}, []int64{1, 5, 1})
	if err != nil {
		t.Fatal(err)
	}

	pitch, err := tensor.New([]float32{0.5, 0.4, 1.2, 0.8, 0.3}, []int64{1, 5, 1})
	if err != nil {
		t.Fatal(err)
	}

	// Two targets differing only in the start frame: the mel loss begins at
	// frame 1, so it must not see the difference.
	base, err := m.ValStep(tokens, melWithStartFrame(t, 8, -3), durations, pitch)
	if err != nil {
		t.Fatalf("val step: %v", err)
	}

	moved, err := m.ValStep(tokens, melWithStartFrame(t, 8, 5), durations, pitch)
	if err != nil {
		t.Fatalf("val step: %v", err)
	}

	if base.Losses["mel"] != moved.Losses["mel"] {
		t.Fatalf("mel loss = %v vs %v, want start-frame changes ignored",
			base.Losses["mel"], moved.Losses["mel"])
	}

	// Sanity: a content-frame change must still move the loss.
	shifted := melWithStartFrame(t, 8, -3)
	shifted.RawData()[8] += 2 // frame 1, channel 0

	content, err := m.ValStep(tokens, shifted, durations, pitch)
	if err != nil {
		t.Fatalf("val step: %v", err)
	}

	if content.Losses["mel"] == base.Losses["mel"] {
		t.Fatal("content-frame change did not move the mel loss")
	}
}

func TestForwardPredictAppliesSpeedAndCaps(t *testing.T) {
	m := newTestForward(t)

	// Bias the duration head so fresh weights predict a few frames per
	// token instead of rounding everything to zero.
	m.duration.Out.Bias.Value.RawData()[0] = 4

	tok := testTokenizer(t)

	ids, err := tok.Encode("a b")
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Predict([][]int64{ids}, PredictOptions{
		Speed:        1,
		MaxDurations: map[string]float64{"any": 2},
	})
	if err != nil {
		t.Fatalf("predict: %v", err)
	}

	for i, d := range out.Durations.RawData() {
		if d > 2 {
			t.Fatalf("duration[%d] = %v, want <= 2 under the cap", i, d)
		}
	}

	if out.Mel.Shape()[2] != 8 {
		t.Fatalf("mel channels = %d, want 8", out.Mel.Shape()[2])
	}

	// Halving speed doubles durations before rounding.
	slow, err := m.Predict([][]int64{ids}, PredictOptions{Speed: 0.5})
	if err != nil {
		t.Fatalf("predict slow: %v", err)
	}

	fast, err := m.Predict([][]int64{ids}, PredictOptions{Speed: 2})
	if err != nil {
		t.Fatalf("predict fast: %v", err)
	}

	if slow.Mel.Shape()[1] <= fast.Mel.Shape()[1] {
		t.Fatalf("slow frames = %d, fast frames = %d, want slow > fast",
			slow.Mel.Shape()[1], fast.Mel.Shape()[1])
	}
}

func TestForwardRejectsMismatchedDimensions(t *testing.T) {
	cfg := testModelConfig()
	cfg.DecoderModelDimension = 32

	_, err := NewForward(cfg, testTrainConfig(), testTokenizer(t), rand.New(rand.NewSource(3)))
	if err == nil {
		t.Fatal("expected error for mismatched encoder/decoder dimensions")
	}
}

func TestFramePaddingMaskMarksTail(t *testing.T) {
	mask, err := framePaddingMask([]int64{2, 4}, 4)
	if err != nil {
		t.Fatalf("frame padding mask: %v", err)
	}

	if got := mask.Shape(); got[0] != 2 || got[3] != 4 {
		t.Fatalf("mask shape = %v, want [2 1 1 4]", got)
	}

	data := mask.RawData()

	want := []float32{0, 0, 1, 1, 0, 0, 0, 0}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("mask = %v, want %v", data, want)
		}
	}
}
