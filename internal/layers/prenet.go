package layers

import (
	"errors"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
)

// DecoderPrenet projects mel frames into the decoder's model dimension with
// two ReLU dense layers. Its dropout stays active at inference; the rate is
// runtime-settable as part of the model's mutable constants.
type DecoderPrenet struct {
	D1   *Dense
	D2   *Dense
	rate float64
}

func NewDecoderPrenet(rng *rand.Rand, melChannels, hidden, dim int64, rate float64) *DecoderPrenet {
	return &DecoderPrenet{
		D1:   NewDense(rng, melChannels, hidden, true),
		D2:   NewDense(rng, hidden, dim, true),
		rate: rate,
	}
}

// SetDropoutRate changes the always-on dropout rate.
func (p *DecoderPrenet) SetDropoutRate(rate float64) {
	p.rate = rate
}

// DropoutRate returns the current always-on dropout rate.
func (p *DecoderPrenet) DropoutRate() float64 { return p.rate }

func (p *DecoderPrenet) Forward(g *graph.Tape, x *graph.Node) (*graph.Node, error) {
	if p == nil || p.D1 == nil || p.D2 == nil {
		return nil, errors.New("layers: decoder prenet is not initialized")
	}

	h, err := p.D1.Forward(g, x)
	if err != nil {
		return nil, err
	}

	h, err = g.ReLU(h)
	if err != nil {
		return nil, err
	}

	h, err = alwaysDropout(g, h, p.rate)
	if err != nil {
		return nil, err
	}

	h, err = p.D2.Forward(g, h)
	if err != nil {
		return nil, err
	}

	h, err = g.ReLU(h)
	if err != nil {
		return nil, err
	}

	return alwaysDropout(g, h, p.rate)
}

func (p *DecoderPrenet) Visit(prefix string, fn VisitFunc) {
	p.D1.Visit(prefix+".d1", fn)
	p.D2.Visit(prefix+".d2", fn)
}
