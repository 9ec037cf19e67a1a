package model

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/layers"
	"github.com/example/go-mel-transformer/internal/losses"
	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/ops"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/tokenizer"
)

// StopIndex is the class in the 3-way stop distribution that signals
// end-of-sequence.
const StopIndex int64 = 2

// Autoregressive is the attention-based synthesizer: it encodes the token
// sequence once and decodes mel frames one reduction-group at a time,
// teacher-forced during training and self-fed during inference.
type Autoregressive struct {
	embed   *layers.Embedding
	encoder *layers.Encoder
	prenet  *layers.DecoderPrenet
	decPos  *tensor.Tensor
	decoder *layers.Decoder
	postnet *layers.DecoderPostnet

	tok tokenizer.Pipeline
	rng *rand.Rand
	opt *graph.Adam

	startVec *tensor.Tensor // [1, 1, mel]
	endVec   *tensor.Tensor

	melChannels int64
	dropoutRate float64
	maxDecLen   int64
	stopScaling float32

	// Shape-affecting runtime state. generation increments whenever r or
	// the head-drop count changes, invalidating cached decode state.
	r          int64
	dropHeads  int64
	generation uint64

	lookAhead lookAheadCache

	params []*graph.Node
	names  []string
}

// lookAheadCache keeps the causal mask for the latest decode size, stamped
// with the generation it was built under. Any change to shape-affecting
// constants forces a rebuild instead of silently reusing stale state.
type lookAheadCache struct {
	generation uint64
	size       int64
	mask       *tensor.Tensor
}

// NewAutoregressive builds the model from the validated configuration.
// Construction fails when the tokenizer contract is not met.
func NewAutoregressive(cfg config.ModelConfig, train config.TrainConfig, tok tokenizer.Pipeline, rng *rand.Rand) (*Autoregressive, error) {
	if err := tokenizer.Validate(tok); err != nil {
		return nil, fmt.Errorf("model: autoregressive: %w", err)
	}

	if rng == nil {
		return nil, errors.New("model: autoregressive requires a random source")
	}

	embed, err := layers.NewEmbedding(rng, tok.VocabSize(), cfg.EncoderModelDimension, cfg.EncoderMaxPositionEncoding)
	if err != nil {
		return nil, fmt.Errorf("model: autoregressive embedding: %w", err)
	}

	encoder, err := layers.NewEncoder(rng, cfg.EncoderLayers, cfg.EncoderModelDimension, cfg.EncoderNumHeads, cfg.EncoderFeedForwardDimension, cfg.DropoutRate)
	if err != nil {
		return nil, fmt.Errorf("model: autoregressive encoder: %w", err)
	}

	decoder, err := layers.NewDecoder(rng, cfg.DecoderLayers, cfg.DecoderModelDimension, cfg.DecoderNumHeads, cfg.DecoderFeedForwardDimension, cfg.DropoutRate)
	if err != nil {
		return nil, fmt.Errorf("model: autoregressive decoder: %w", err)
	}

	maxR := train.MaxReductionFactor()

	postnet, err := layers.NewDecoderPostnet(rng, cfg.DecoderModelDimension, cfg.MelChannels, maxR,
		cfg.PostnetConvFilters, cfg.PostnetConvLayers, cfg.PostnetKernelSize, cfg.DropoutRate)
	if err != nil {
		return nil, fmt.Errorf("model: autoregressive postnet: %w", err)
	}

	decPos, err := layers.PositionalEncoding(cfg.DecoderMaxPositionEncoding, cfg.DecoderModelDimension)
	if err != nil {
		return nil, fmt.Errorf("model: autoregressive position encoding: %w", err)
	}

	startVec, err := tensor.Full([]int64{1, 1, cfg.MelChannels}, float32(cfg.MelStartValue))
	if err != nil {
		return nil, err
	}

	endVec, err := tensor.Full([]int64{1, 1, cfg.MelChannels}, float32(cfg.MelEndValue))
	if err != nil {
		return nil, err
	}

	lr, err := train.LearningRate()
	if err != nil {
		return nil, fmt.Errorf("model: autoregressive learning rate: %w", err)
	}

	m := &Autoregressive{
		embed:       embed,
		encoder:     encoder,
		prenet:      layers.NewDecoderPrenet(rng, cfg.MelChannels, cfg.DecoderPrenetDimension, cfg.DecoderModelDimension, train.DecoderPrenetDropout),
		decPos:      decPos,
		decoder:     decoder,
		postnet:     postnet,
		tok:         tok,
		rng:         rng,
		opt:         graph.NewAdam(float32(lr.At(0))),
		startVec:    startVec,
		endVec:      endVec,
		melChannels: cfg.MelChannels,
		dropoutRate: cfg.DropoutRate,
		maxDecLen:   cfg.DecoderMaxPositionEncoding,
		stopScaling: train.StopLossScalingOrDefault(),
		r:           maxR,
	}

	m.collectParams()

	return m, nil
}

func (m *Autoregressive) collectParams() {
	visit := func(name string, p *graph.Node) {
		m.names = append(m.names, name)
		m.params = append(m.params, p)
	}

	m.embed.Visit("embedding", visit)
	m.encoder.Visit("encoder", visit)
	m.prenet.Visit("prenet", visit)
	m.decoder.Visit("decoder", visit)
	m.postnet.Visit("postnet", visit)
}

// Params returns the trainable parameters in registration order.
func (m *Autoregressive) Params() []*graph.Node { return m.params }

// NamedParams returns the parameter tensors keyed by path for
// checkpointing.
func (m *Autoregressive) NamedParams() map[string]*graph.Node {
	out := make(map[string]*graph.Node, len(m.params))
	for i, name := range m.names {
		out[name] = m.params[i]
	}

	return out
}

// Reduction returns the current reduction factor.
func (m *Autoregressive) Reduction() int64 { return m.r }

// StartFrame is the constant conditioning frame the decoder starts from;
// target sequences must be prepended with it before teacher forcing.
func (m *Autoregressive) StartFrame() *tensor.Tensor { return m.startVec }

// EndFrame is the constant frame appended to target sequences, aligned with
// the stop label.
func (m *Autoregressive) EndFrame() *tensor.Tensor { return m.endVec }

// Generation returns the shape-state generation counter. Cached decode
// paths record it and rebuild when stale.
func (m *Autoregressive) Generation() uint64 { return m.generation }

// SetConstants applies runtime hyperparameter overrides. Nil fields leave
// the current value untouched. Changing the reduction factor or head-drop
// count bumps the generation counter so cached shape-bound state is rebuilt
// lazily instead of silently producing mismatched shapes.
func (m *Autoregressive) SetConstants(c Constants) error {
	if c.PrenetDropout != nil {
		m.prenet.SetDropoutRate(*c.PrenetDropout)
	}

	if c.LearningRate != nil {
		m.opt.LearningRate = float32(*c.LearningRate)
	}

	if c.Reduction != nil && *c.Reduction != m.r {
		if *c.Reduction <= 0 || *c.Reduction > m.postnet.MaxReduction {
			return fmt.Errorf("model: reduction factor %d outside [1, %d]", *c.Reduction, m.postnet.MaxReduction)
		}

		m.r = *c.Reduction
		m.generation++
	}

	if c.HeadDrop != nil && *c.HeadDrop != m.dropHeads {
		if *c.HeadDrop < 0 {
			return fmt.Errorf("model: head-drop count must be >= 0, got %d", *c.HeadDrop)
		}

		m.dropHeads = *c.HeadDrop
		m.generation++
	}

	return nil
}

// Encode embeds the token batch and runs the encoder stack. Returns the
// encoder output, the token padding mask reused by the decoder's
// cross-attention, and the encoder attention maps.
func (m *Autoregressive) Encode(g *graph.Tape, tokens [][]int64) (*graph.Node, *tensor.Tensor, map[string]*tensor.Tensor, error) {
	padMask, err := ops.TokenPaddingMask(tokens)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("model: encode: %w", err)
	}

	x, err := m.embed.Forward(g, tokens)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("model: encode: %w", err)
	}

	encOut, attention, err := m.encoder.Forward(g, x, padMask, m.dropHeads)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("model: encode: %w", err)
	}

	return encOut, padMask, attention, nil
}

// lookAheadFor returns the causal mask for size decoder steps, rebuilding
// it when the size or the shape-state generation changed.
func (m *Autoregressive) lookAheadFor(size int64) (*tensor.Tensor, error) {
	if m.lookAhead.mask != nil && m.lookAhead.size == size && m.lookAhead.generation == m.generation {
		return m.lookAhead.mask, nil
	}

	mask, err := ops.LookAheadMask(size)
	if err != nil {
		return nil, err
	}

	m.lookAhead = lookAheadCache{generation: m.generation, size: size, mask: mask}

	return mask, nil
}

// Decode runs one teacher-forced (or self-fed) decoder pass over the mel
// frames accumulated so far, producing r frames per decoder step.
func (m *Autoregressive) Decode(g *graph.Tape, encOut *graph.Node, melSoFar *tensor.Tensor, encPadMask *tensor.Tensor) (*decodeResult, error) {
	if melSoFar == nil {
		return nil, errors.New("model: decode requires mel input")
	}

	shape := melSoFar.Shape()
	if len(shape) != 3 || shape[2] != m.melChannels {
		return nil, fmt.Errorf("model: decode mel input must be [B, T, %d], got %v", m.melChannels, shape)
	}

	steps := shape[1]
	if steps > m.maxDecLen {
		return nil, fmt.Errorf("model: decode length %d exceeds position encoding limit %d", steps, m.maxDecLen)
	}

	melPad, err := ops.MelPaddingMask(melSoFar)
	if err != nil {
		return nil, fmt.Errorf("model: decode: %w", err)
	}

	lookAhead, err := m.lookAheadFor(steps)
	if err != nil {
		return nil, fmt.Errorf("model: decode: %w", err)
	}

	combined, err := ops.CombineMasks(melPad, lookAhead)
	if err != nil {
		return nil, fmt.Errorf("model: decode: %w", err)
	}

	x, err := m.prenet.Forward(g, graph.Constant(melSoFar))
	if err != nil {
		return nil, fmt.Errorf("model: decode prenet: %w", err)
	}

	pos, err := m.decPos.Narrow(1, 0, steps)
	if err != nil {
		return nil, err
	}

	x, err = g.AddBroadcast(x, graph.Constant(pos))
	if err != nil {
		return nil, err
	}

	decOut, attention, err := m.decoder.Forward(g, x, encOut, combined, encPadMask, m.dropHeads)
	if err != nil {
		return nil, fmt.Errorf("model: decode: %w", err)
	}

	melLinear, final, stop, err := m.postnet.Forward(g, decOut, m.r)
	if err != nil {
		return nil, fmt.Errorf("model: decode postnet: %w", err)
	}

	return &decodeResult{
		melLinear: melLinear,
		final:     final,
		stop:      stop,
		attention: attention,
	}, nil
}

type decodeResult struct {
	melLinear *graph.Node
	final     *graph.Node
	stop      *graph.Node
	attention map[string]*tensor.Tensor
}

// TrainStep runs one teacher-forced pass, back-propagates the weighted loss
// and applies one optimizer update.
func (m *Autoregressive) TrainStep(tokens [][]int64, targetMel, targetStop *tensor.Tensor) (*Output, error) {
	g := graph.NewTape(true)
	g.SetRand(m.rng)

	out, total, err := m.teacherForced(g, tokens, targetMel, targetStop)
	if err != nil {
		return nil, err
	}

	if err := g.Backward(total); err != nil {
		return nil, fmt.Errorf("model: train step: %w", err)
	}

	m.opt.Step(m.params)

	return out, nil
}

// ValStep runs the same teacher-forced pass without gradients or updates.
func (m *Autoregressive) ValStep(tokens [][]int64, targetMel, targetStop *tensor.Tensor) (*Output, error) {
	g := graph.NewTape(false)
	g.SetRand(m.rng)

	out, _, err := m.teacherForced(g, tokens, targetMel, targetStop)

	return out, err
}

// teacherForced implements the shared train/val pass. The decoder input is
// the target shifted right and subsampled to one frame per reduction group
// (tar[:, :-1][:, 0::r]); the loss targets stay unsampled, truncated to the
// decoder input's pre-subsampling length. That alignment carries the
// reduction-factor curriculum and must not be "fixed".
func (m *Autoregressive) teacherForced(g *graph.Tape, tokens [][]int64, targetMel, targetStop *tensor.Tensor) (*Output, *graph.Node, error) {
	if targetMel == nil || targetStop == nil {
		return nil, nil, errors.New("model: teacher forcing requires target mel and stop labels")
	}

	shape := targetMel.Shape()
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("model: target mel must be [B, T, C], got %v", shape)
	}

	frames := shape[1]
	if frames < 2 {
		return nil, nil, fmt.Errorf("model: target mel needs at least 2 frames, got %d", frames)
	}

	melLen := frames - 1

	tarInp, err := targetMel.Narrow(1, 0, melLen)
	if err != nil {
		return nil, nil, err
	}

	tarReal, err := targetMel.Narrow(1, 1, melLen)
	if err != nil {
		return nil, nil, err
	}

	stopReal, err := targetStop.Narrow(1, 1, melLen)
	if err != nil {
		return nil, nil, err
	}

	// One decoder input frame per reduction group.
	decInp, err := tarInp.Gather(1, strided(melLen, m.r))
	if err != nil {
		return nil, nil, err
	}

	encOut, encPadMask, encAttention, err := m.Encode(g, tokens)
	if err != nil {
		return nil, nil, err
	}

	dec, err := m.Decode(g, encOut, decInp, encPadMask)
	if err != nil {
		return nil, nil, err
	}

	// The decoder produced ceil(melLen/r)*r frames; the loss compares the
	// first melLen against the unsampled targets.
	final, err := g.Narrow(dec.final, 1, 0, melLen)
	if err != nil {
		return nil, nil, err
	}

	melLinear, err := g.Narrow(dec.melLinear, 1, 0, melLen)
	if err != nil {
		return nil, nil, err
	}

	stop, err := g.Narrow(dec.stop, 1, 0, melLen)
	if err != nil {
		return nil, nil, err
	}

	total, values, err := losses.WeightedSum(g,
		[]*tensor.Tensor{tarReal, stopReal, tarReal},
		[]*graph.Node{final, stop, melLinear},
		[]losses.Func{losses.MaskedMSE, losses.Stop(m.stopScaling), losses.MaskedMSE},
		[]float32{1, 1, 1},
	)
	if err != nil {
		return nil, nil, err
	}

	stopProb, err := tensor.Softmax(stop.Value, -1)
	if err != nil {
		return nil, nil, err
	}

	attention := mergeAttention(encAttention, dec.attention)

	out := &Output{
		Mel:       final.Value,
		MelLinear: melLinear.Value,
		StopProb:  stopProb,
		Attention: attention,
		Loss:      total.Value.RawData()[0],
		Losses: map[string]float32{
			"output":     values[0],
			"stop_prob":  values[1],
			"mel_linear": values[2],
		},
	}

	return out, total, nil
}

// Predict generates mel frames for a single token sequence, one reduction
// group per iteration, until the stop head fires or the length cap is hit.
// Only the last frame of each group is fed back as conditioning.
func (m *Autoregressive) Predict(tokens []int64, maxLength int64) (*Output, error) {
	if len(tokens) == 0 {
		return nil, errors.New("model: predict requires tokens")
	}

	if maxLength <= 0 {
		return nil, fmt.Errorf("model: predict max length must be > 0, got %d", maxLength)
	}

	for i, id := range tokens {
		if id < 0 || id >= m.tok.VocabSize() {
			return nil, fmt.Errorf("model: predict token %d has id %d outside vocabulary of %d", i, id, m.tok.VocabSize())
		}
	}

	g := graph.NewTape(false)
	g.SetRand(m.rng)

	encOut, encPadMask, encAttention, err := m.Encode(g, [][]int64{tokens})
	if err != nil {
		return nil, err
	}

	conditioning := m.startVec.Clone()

	var (
		emitted   *tensor.Tensor
		attention map[string]*tensor.Tensor
	)

	iterations := (maxLength + m.r - 1) / m.r

	for range iterations {
		dec, err := m.Decode(g, encOut, conditioning, encPadMask)
		if err != nil {
			return nil, err
		}

		finalShape := dec.final.Value.Shape()

		group, err := dec.final.Value.Narrow(1, finalShape[1]-m.r, m.r)
		if err != nil {
			return nil, err
		}

		if emitted == nil {
			emitted = group
		} else {
			emitted, err = tensor.Concat([]*tensor.Tensor{emitted, group}, 1)
			if err != nil {
				return nil, err
			}
		}

		lastFrame, err := group.Narrow(1, m.r-1, 1)
		if err != nil {
			return nil, err
		}

		conditioning, err = tensor.Concat([]*tensor.Tensor{conditioning, lastFrame}, 1)
		if err != nil {
			return nil, err
		}

		attention = mergeAttention(encAttention, dec.attention)

		stopProb, err := tensor.Softmax(dec.stop.Value, -1)
		if err != nil {
			return nil, err
		}

		lastStop, err := stopProb.Narrow(1, dec.stop.Value.Shape()[1]-1, 1)
		if err != nil {
			return nil, err
		}

		argmax, err := lastStop.ArgmaxLast()
		if err != nil {
			return nil, err
		}

		if argmax[0] == StopIndex {
			break
		}
	}

	// Trailing frames beyond the requested cap are dropped.
	if emitted.Shape()[1] > maxLength {
		emitted, err = emitted.Narrow(1, 0, maxLength)
		if err != nil {
			return nil, err
		}
	}

	return &Output{Mel: emitted, Attention: attention}, nil
}

// strided returns 0, r, 2r, ... below limit.
func strided(limit, r int64) []int64 {
	out := make([]int64, 0, (limit+r-1)/r)
	for i := int64(0); i < limit; i += r {
		out = append(out, i)
	}

	return out
}

func mergeAttention(maps ...map[string]*tensor.Tensor) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)

	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}

	return out
}
