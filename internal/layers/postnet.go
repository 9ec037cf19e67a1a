package layers

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
)

// DecoderPostnet turns decoder states into mel frames. One decoder step
// yields up to MaxReduction frames: a wide linear projection is sliced to
// the current reduction factor and reshaped into consecutive frames, a
// residual convolution stack refines them, and a stop head classifies each
// frame into {continue, pad, stop}. Keeping the projection sized for
// MaxReduction lets the reduction factor change mid-training without
// reallocating parameters.
type DecoderPostnet struct {
	MelLinear    *Dense // [mel*maxR, dim]
	StopLinear   *Dense // [3, mel]
	Convs        []*Conv1D
	MelChannels  int64
	MaxReduction int64
	Rate         float64
}

// StopClasses is the size of the per-frame stop distribution.
const StopClasses = 3

func NewDecoderPostnet(rng *rand.Rand, dim, melChannels, maxReduction, convFilters, convLayers, kernelSize int64, rate float64) (*DecoderPostnet, error) {
	if melChannels <= 0 || maxReduction <= 0 {
		return nil, fmt.Errorf("layers: postnet requires positive mel channels and reduction, got %d/%d", melChannels, maxReduction)
	}

	if convLayers < 2 {
		return nil, fmt.Errorf("layers: postnet requires at least 2 conv layers, got %d", convLayers)
	}

	convs := make([]*Conv1D, convLayers)

	for i := range convs {
		in, out := convFilters, convFilters
		if i == 0 {
			in = melChannels
		}

		if i == int(convLayers)-1 {
			out = melChannels
		}

		convs[i] = NewConv1D(rng, in, out, kernelSize)
	}

	return &DecoderPostnet{
		MelLinear:    NewDense(rng, dim, melChannels*maxReduction, true),
		StopLinear:   NewDense(rng, melChannels, StopClasses, true),
		Convs:        convs,
		MelChannels:  melChannels,
		MaxReduction: maxReduction,
		Rate:         rate,
	}, nil
}

// Forward projects decoder states [B, T, D] into r frames per step.
// Returns the pre-residual mel estimate [B, T*r, mel], the refined final
// mel [B, T*r, mel] and the stop logits [B, T*r, 3].
func (p *DecoderPostnet) Forward(g *graph.Tape, decOut *graph.Node, r int64) (*graph.Node, *graph.Node, *graph.Node, error) {
	if p == nil || p.MelLinear == nil {
		return nil, nil, nil, errors.New("layers: postnet is not initialized")
	}

	if r <= 0 || r > p.MaxReduction {
		return nil, nil, nil, fmt.Errorf("layers: reduction factor %d outside [1, %d]", r, p.MaxReduction)
	}

	shape := decOut.Value.Shape()
	if len(shape) != 3 {
		return nil, nil, nil, fmt.Errorf("layers: postnet expects [B, T, D] input, got %v", shape)
	}

	wide, err := p.MelLinear.Forward(g, decOut)
	if err != nil {
		return nil, nil, nil, err
	}

	sliced, err := g.Narrow(wide, -1, 0, p.MelChannels*r)
	if err != nil {
		return nil, nil, nil, err
	}

	melLinear, err := g.Reshape(sliced, []int64{shape[0], shape[1] * r, p.MelChannels})
	if err != nil {
		return nil, nil, nil, err
	}

	residual, err := p.convStack(g, melLinear)
	if err != nil {
		return nil, nil, nil, err
	}

	final, err := g.Add(melLinear, residual)
	if err != nil {
		return nil, nil, nil, err
	}

	stop, err := p.StopLinear.Forward(g, melLinear)
	if err != nil {
		return nil, nil, nil, err
	}

	return melLinear, final, stop, nil
}

func (p *DecoderPostnet) convStack(g *graph.Tape, mel *graph.Node) (*graph.Node, error) {
	x, err := g.Transpose(mel, 1, 2)
	if err != nil {
		return nil, err
	}

	for i, c := range p.Convs {
		x, err = c.Forward(g, x)
		if err != nil {
			return nil, fmt.Errorf("layers: postnet conv %d: %w", i+1, err)
		}

		if i < len(p.Convs)-1 {
			x, err = g.Tanh(x)
			if err != nil {
				return nil, err
			}

			x, err = g.Dropout(x, p.Rate)
			if err != nil {
				return nil, err
			}
		}
	}

	return g.Transpose(x, 1, 2)
}

func (p *DecoderPostnet) Visit(prefix string, fn VisitFunc) {
	p.MelLinear.Visit(prefix+".mel_linear", fn)
	p.StopLinear.Visit(prefix+".stop_linear", fn)

	for i, c := range p.Convs {
		c.Visit(fmt.Sprintf("%s.conv%d", prefix, i+1), fn)
	}
}
