package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/layers"
	"github.com/example/go-mel-transformer/internal/losses"
	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/ops"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/tokenizer"
)

// defaultSpaceCap bounds word-gap durations when no explicit cap map is
// given; uncapped pauses otherwise dominate badly aligned utterances.
const defaultSpaceCap = 3.0

// SymbolLookup is implemented by tokenizers that can map an ID back to its
// text symbol. Per-phoneme duration caps are matched by symbol.
type SymbolLookup interface {
	Symbol(id int64) (string, bool)
}

// Forward is the parallel synthesizer: it predicts per-token durations and
// pitch, expands token representations to frame level in one pass and
// decodes the mel sequence without autoregression.
type Forward struct {
	embed    *layers.Embedding
	encoder  *layers.Encoder
	duration *layers.VariancePredictor
	pitch    *layers.VariancePredictor

	// pitchEmbed lifts the scalar pitch track into the model dimension so
	// it can be added to the token representation before expansion.
	pitchEmbed *layers.Dense

	decPos  *tensor.Tensor
	decoder *layers.Encoder
	melOut  *layers.Dense

	tok tokenizer.Pipeline
	rng *rand.Rand
	opt *graph.Adam

	melChannels int64
	maxFrames   int64

	params []*graph.Node
	names  []string
}

// NewForward builds the forward model. The token encoder output feeds the
// frame decoder unprojected, so both sides must share one model dimension.
func NewForward(cfg config.ModelConfig, train config.TrainConfig, tok tokenizer.Pipeline, rng *rand.Rand) (*Forward, error) {
	if err := tokenizer.Validate(tok); err != nil {
		return nil, fmt.Errorf("model: forward: %w", err)
	}

	if rng == nil {
		return nil, errors.New("model: forward requires a random source")
	}

	if cfg.EncoderModelDimension != cfg.DecoderModelDimension {
		return nil, fmt.Errorf("model: forward needs matching encoder/decoder dimensions, got %d and %d",
			cfg.EncoderModelDimension, cfg.DecoderModelDimension)
	}

	dim := cfg.EncoderModelDimension

	embed, err := layers.NewEmbedding(rng, tok.VocabSize(), dim, cfg.EncoderMaxPositionEncoding)
	if err != nil {
		return nil, fmt.Errorf("model: forward embedding: %w", err)
	}

	encoder, err := layers.NewEncoder(rng, cfg.EncoderLayers, dim, cfg.EncoderNumHeads, cfg.EncoderFeedForwardDimension, cfg.DropoutRate)
	if err != nil {
		return nil, fmt.Errorf("model: forward encoder: %w", err)
	}

	decoder, err := layers.NewEncoder(rng, cfg.DecoderLayers, dim, cfg.DecoderNumHeads, cfg.DecoderFeedForwardDimension, cfg.DropoutRate)
	if err != nil {
		return nil, fmt.Errorf("model: forward decoder: %w", err)
	}

	decPos, err := layers.PositionalEncoding(cfg.DecoderMaxPositionEncoding, dim)
	if err != nil {
		return nil, fmt.Errorf("model: forward position encoding: %w", err)
	}

	lr, err := train.LearningRate()
	if err != nil {
		return nil, fmt.Errorf("model: forward learning rate: %w", err)
	}

	m := &Forward{
		embed:       embed,
		encoder:     encoder,
		duration:    layers.NewVariancePredictor(rng, dim, cfg.PredictorConvFilters, cfg.PredictorKernelSize, cfg.DropoutRate),
		pitch:       layers.NewVariancePredictor(rng, dim, cfg.PredictorConvFilters, cfg.PredictorKernelSize, cfg.DropoutRate),
		pitchEmbed:  layers.NewDense(rng, 1, dim, true),
		decPos:      decPos,
		decoder:     decoder,
		melOut:      layers.NewDense(rng, dim, cfg.MelChannels, true),
		tok:         tok,
		rng:         rng,
		opt:         graph.NewAdam(float32(lr.At(0))),
		melChannels: cfg.MelChannels,
		maxFrames:   cfg.DecoderMaxPositionEncoding,
	}

	m.collectParams()

	return m, nil
}

func (m *Forward) collectParams() {
	visit := func(name string, p *graph.Node) {
		m.names = append(m.names, name)
		m.params = append(m.params, p)
	}

	m.embed.Visit("embedding", visit)
	m.encoder.Visit("encoder", visit)
	m.duration.Visit("duration_predictor", visit)
	m.pitch.Visit("pitch_predictor", visit)
	m.pitchEmbed.Visit("pitch_embedding", visit)
	m.decoder.Visit("decoder", visit)
	m.melOut.Visit("mel_out", visit)
}

// Params returns the trainable parameters in registration order.
func (m *Forward) Params() []*graph.Node { return m.params }

// NamedParams returns the parameter tensors keyed by path for
// checkpointing.
func (m *Forward) NamedParams() map[string]*graph.Node {
	out := make(map[string]*graph.Node, len(m.params))
	for i, name := range m.names {
		out[name] = m.params[i]
	}

	return out
}

// SetConstants applies runtime hyperparameter overrides; the forward model
// only has the learning rate.
func (m *Forward) SetConstants(c Constants) error {
	if c.LearningRate != nil {
		m.opt.LearningRate = float32(*c.LearningRate)
	}

	return nil
}

// encode runs tokens through the encoder and both variance predictors.
// Predicted durations are rectified; padded positions predict zero.
func (m *Forward) encode(g *graph.Tape, tokens [][]int64) (*graph.Node, *graph.Node, *graph.Node, map[string]*tensor.Tensor, error) {
	padMask, err := ops.TokenPaddingMask(tokens)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("model: forward encode: %w", err)
	}

	x, err := m.embed.Forward(g, tokens)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("model: forward encode: %w", err)
	}

	encOut, attention, err := m.encoder.Forward(g, x, padMask, 0)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("model: forward encode: %w", err)
	}

	keep, err := keepMask(tokens)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	durations, err := m.duration.Forward(g, encOut, keep)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("model: duration predictor: %w", err)
	}

	durations, err = g.ReLU(durations)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	pitch, err := m.pitch.Forward(g, encOut, keep)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("model: pitch predictor: %w", err)
	}

	return encOut, durations, pitch, attention, nil
}

// addPitch embeds the scalar pitch track and adds it to the token
// representation. pitch is [B, T, 1]; encOut is [B, T, D].
func (m *Forward) addPitch(g *graph.Tape, encOut, pitch *graph.Node) (*graph.Node, error) {
	embedded, err := m.pitchEmbed.Forward(g, pitch)
	if err != nil {
		return nil, fmt.Errorf("model: pitch embedding: %w", err)
	}

	return g.Add(encOut, embedded)
}

// expand repeats each token representation by its rounded duration and
// stacks the per-example results into a zero-padded batch. Returns the
// frame-level batch and the valid length per example.
func (m *Forward) expand(g *graph.Tape, x *graph.Node, counts [][]int64) (*graph.Node, []int64, error) {
	shape := x.Value.Shape()
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("model: expand input must be [B, T, D], got %v", shape)
	}

	if int64(len(counts)) != shape[0] {
		return nil, nil, fmt.Errorf("model: expand got %d count rows for batch %d", len(counts), shape[0])
	}

	expanded := make([]*graph.Node, shape[0])
	lengths := make([]int64, shape[0])

	for b := range counts {
		if int64(len(counts[b])) != shape[1] {
			return nil, nil, fmt.Errorf("model: expand example %d has %d counts for %d tokens", b, len(counts[b]), shape[1])
		}

		row, err := g.Narrow(x, 0, int64(b), 1)
		if err != nil {
			return nil, nil, err
		}

		row, err = g.Reshape(row, []int64{shape[1], shape[2]})
		if err != nil {
			return nil, nil, err
		}

		row, err = g.RepeatRows(row, counts[b])
		if err != nil {
			return nil, nil, fmt.Errorf("model: expand example %d: %w", b, err)
		}

		expanded[b] = row
		lengths[b] = row.Value.Shape()[0]
	}

	out, err := g.StackPad(expanded)
	if err != nil {
		return nil, nil, err
	}

	return out, lengths, nil
}

// decodeFrames runs the frame-level decoder over the expanded batch.
func (m *Forward) decodeFrames(g *graph.Tape, frames *graph.Node, lengths []int64) (*graph.Node, map[string]*tensor.Tensor, error) {
	steps := frames.Value.Shape()[1]
	if steps > m.maxFrames {
		return nil, nil, fmt.Errorf("model: expanded length %d exceeds position encoding limit %d", steps, m.maxFrames)
	}

	pos, err := m.decPos.Narrow(1, 0, steps)
	if err != nil {
		return nil, nil, err
	}

	x, err := g.AddBroadcast(frames, graph.Constant(pos))
	if err != nil {
		return nil, nil, err
	}

	mask, err := framePaddingMask(lengths, steps)
	if err != nil {
		return nil, nil, err
	}

	decOut, attention, err := m.decoder.Forward(g, x, mask, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("model: frame decoder: %w", err)
	}

	mel, err := m.melOut.Forward(g, decOut)
	if err != nil {
		return nil, nil, err
	}

	return mel, prefixAttention("frame_", attention), nil
}

// TrainStep runs one pass teacher-forced with ground-truth durations and
// pitch, back-propagates the weighted loss and applies one optimizer
// update. targetDurations and targetPitch are [B, T, 1]; targetMel is
// [B, T', C] with the constant start frame at position 0, which the loss
// skips.
func (m *Forward) TrainStep(tokens [][]int64, targetMel, targetDurations, targetPitch *tensor.Tensor) (*Output, error) {
	g := graph.NewTape(true)
	g.SetRand(m.rng)

	out, total, err := m.teacherForced(g, tokens, targetMel, targetDurations, targetPitch)
	if err != nil {
		return nil, err
	}

	if err := g.Backward(total); err != nil {
		return nil, fmt.Errorf("model: forward train step: %w", err)
	}

	m.opt.Step(m.params)

	return out, nil
}

// ValStep runs the same pass without gradients or updates.
func (m *Forward) ValStep(tokens [][]int64, targetMel, targetDurations, targetPitch *tensor.Tensor) (*Output, error) {
	g := graph.NewTape(false)
	g.SetRand(m.rng)

	out, _, err := m.teacherForced(g, tokens, targetMel, targetDurations, targetPitch)

	return out, err
}

func (m *Forward) teacherForced(g *graph.Tape, tokens [][]int64, targetMel, targetDurations, targetPitch *tensor.Tensor) (*Output, *graph.Node, error) {
	if targetMel == nil || targetDurations == nil || targetPitch == nil {
		return nil, nil, errors.New("model: forward teacher forcing requires mel, duration and pitch targets")
	}

	encOut, durations, pitch, encAttention, err := m.encode(g, tokens)
	if err != nil {
		return nil, nil, err
	}

	// Ground truth drives expansion and pitch conditioning; the predictor
	// outputs only feed their losses.
	encOut, err = m.addPitch(g, encOut, graph.Constant(targetPitch))
	if err != nil {
		return nil, nil, err
	}

	counts, err := roundCounts(targetDurations, int64(len(tokens)))
	if err != nil {
		return nil, nil, err
	}

	frames, lengths, err := m.expand(g, encOut, counts)
	if err != nil {
		return nil, nil, err
	}

	mel, frameAttention, err := m.decodeFrames(g, frames, lengths)
	if err != nil {
		return nil, nil, err
	}

	// The target carries the decoder-conditioning start frame at position 0;
	// durations count frames past it, so the first expanded frame aligns with
	// target frame 1.
	melShape := targetMel.Shape()
	if len(melShape) != 3 || melShape[1] < 2 {
		return nil, nil, fmt.Errorf("model: target mel must be [B, T, C] with T >= 2, got %v", melShape)
	}

	melTarget, err := targetMel.Narrow(1, 1, melShape[1]-1)
	if err != nil {
		return nil, nil, err
	}

	// Rounding makes the expanded length drift from the extracted mel's by
	// a few frames; the loss compares the overlap.
	common := min(mel.Value.Shape()[1], melTarget.Shape()[1])

	if mel.Value.Shape()[1] != common {
		mel, err = g.Narrow(mel, 1, 0, common)
		if err != nil {
			return nil, nil, err
		}
	}

	if melTarget.Shape()[1] != common {
		melTarget, err = melTarget.Narrow(1, 0, common)
		if err != nil {
			return nil, nil, err
		}
	}

	total, values, err := losses.WeightedSum(g,
		[]*tensor.Tensor{melTarget, targetDurations, targetPitch},
		[]*graph.Node{mel, durations, pitch},
		[]losses.Func{losses.MaskedMSE, losses.Duration, losses.Pitch},
		[]float32{1, 1, 1},
	)
	if err != nil {
		return nil, nil, err
	}

	out := &Output{
		Mel:          mel.Value,
		Durations:    durations.Value,
		Pitch:        pitch.Value,
		FrameLengths: lengths,
		Attention:    mergeAttention(encAttention, frameAttention),
		Loss:         total.Value.RawData()[0],
		Losses: map[string]float32{
			"mel":      values[0],
			"duration": values[1],
			"pitch":    values[2],
		},
	}

	return out, total, nil
}

// PredictOptions steers forward-model inference. Speed scales all predicted
// durations by 1/Speed; zero means unchanged. MaxDurations caps predicted
// durations per symbol before rounding; the key "any" caps every symbol,
// and a nil map caps only the space symbol at a default.
type PredictOptions struct {
	Speed        float64
	MaxDurations map[string]float64
}

// Predict synthesizes mel frames for token batches using the model's own
// duration and pitch predictions.
func (m *Forward) Predict(tokens [][]int64, opts PredictOptions) (*Output, error) {
	if len(tokens) == 0 {
		return nil, errors.New("model: predict requires tokens")
	}

	g := graph.NewTape(false)
	g.SetRand(m.rng)

	encOut, durations, pitch, encAttention, err := m.encode(g, tokens)
	if err != nil {
		return nil, err
	}

	encOut, err = m.addPitch(g, encOut, pitch)
	if err != nil {
		return nil, err
	}

	scaled := durations.Value.Clone()

	if opts.Speed > 0 && opts.Speed != 1 {
		data := scaled.RawData()
		factor := float32(1 / opts.Speed)

		for i := range data {
			data[i] *= factor
		}
	}

	if err := m.capDurations(scaled, tokens, opts.MaxDurations); err != nil {
		return nil, err
	}

	counts, err := roundCounts(scaled, int64(len(tokens)))
	if err != nil {
		return nil, err
	}

	frames, lengths, err := m.expand(g, encOut, counts)
	if err != nil {
		return nil, err
	}

	mel, frameAttention, err := m.decodeFrames(g, frames, lengths)
	if err != nil {
		return nil, err
	}

	return &Output{
		Mel:          mel.Value,
		Durations:    scaled,
		Pitch:        pitch.Value,
		FrameLengths: lengths,
		Attention:    mergeAttention(encAttention, frameAttention),
	}, nil
}

// capDurations clamps per-token durations in place. Caps match by the
// tokenizer's symbol for each ID; without a SymbolLookup tokenizer the caps
// are skipped entirely.
func (m *Forward) capDurations(durations *tensor.Tensor, tokens [][]int64, caps map[string]float64) error {
	lookup, ok := m.tok.(SymbolLookup)
	if !ok {
		return nil
	}

	if caps == nil {
		caps = map[string]float64{" ": defaultSpaceCap}
	}

	anyCap, hasAny := caps["any"]

	shape := durations.Shape()
	if len(shape) != 3 || int64(len(tokens)) != shape[0] {
		return fmt.Errorf("model: duration cap shape mismatch: %v for batch %d", shape, len(tokens))
	}

	data := durations.RawData()

	for b, seq := range tokens {
		for t, id := range seq {
			if int64(t) >= shape[1] {
				return fmt.Errorf("model: example %d has %d tokens, durations allow %d", b, len(seq), shape[1])
			}

			symbol, ok := lookup.Symbol(id)
			if !ok {
				continue
			}

			limit, capped := caps[symbol]
			if !capped && hasAny {
				limit, capped = anyCap, true
			}

			if !capped {
				continue
			}

			idx := int64(b)*shape[1] + int64(t)
			if data[idx] > float32(limit) {
				data[idx] = float32(limit)
			}
		}
	}

	return nil
}

// roundCounts converts [B, T, 1] durations into per-token frame counts,
// rounding to nearest and flooring negatives at zero.
func roundCounts(durations *tensor.Tensor, batch int64) ([][]int64, error) {
	if durations == nil {
		return nil, errors.New("model: durations are nil")
	}

	shape := durations.Shape()
	if len(shape) != 3 || shape[2] != 1 || shape[0] != batch {
		return nil, fmt.Errorf("model: durations must be [%d, T, 1], got %v", batch, shape)
	}

	data := durations.RawData()
	counts := make([][]int64, shape[0])

	for b := range counts {
		counts[b] = make([]int64, shape[1])

		for t := range counts[b] {
			v := data[int64(b)*shape[1]+int64(t)]
			if v <= 0 {
				continue
			}

			counts[b][t] = int64(math.Round(float64(v)))
		}
	}

	return counts, nil
}

// keepMask is 1 at real tokens and 0 at padding, shaped [B, T, 1] for
// multiplying per-token predictions.
func keepMask(tokens [][]int64) (*tensor.Tensor, error) {
	if len(tokens) == 0 {
		return nil, errors.New("model: keep mask requires tokens")
	}

	width := len(tokens[0])
	data := make([]float32, len(tokens)*width)

	for b, seq := range tokens {
		if len(seq) != width {
			return nil, fmt.Errorf("model: ragged token batch: row %d has %d tokens, want %d", b, len(seq), width)
		}

		for t, id := range seq {
			if id != tokenizer.PadID {
				data[b*width+t] = 1
			}
		}
	}

	return tensor.New(data, []int64{int64(len(tokens)), int64(width), 1})
}

// framePaddingMask marks frames at or past each example's valid length,
// shaped [B, 1, 1, L] for additive attention masking.
func framePaddingMask(lengths []int64, max int64) (*tensor.Tensor, error) {
	if len(lengths) == 0 {
		return nil, errors.New("model: frame padding mask requires lengths")
	}

	data := make([]float32, int64(len(lengths))*max)

	for b, n := range lengths {
		if n > max {
			return nil, fmt.Errorf("model: frame length %d exceeds padded size %d", n, max)
		}

		for t := n; t < max; t++ {
			data[int64(b)*max+t] = 1
		}
	}

	return tensor.New(data, []int64{int64(len(lengths)), 1, 1, max})
}

func prefixAttention(prefix string, m map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(m))
	for k, v := range m {
		out[prefix+k] = v
	}

	return out
}
