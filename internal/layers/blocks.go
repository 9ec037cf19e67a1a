package layers

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// SelfAttentionBlock is one post-norm transformer layer: self-attention and
// feed-forward, each wrapped in dropout, residual add and layer norm.
type SelfAttentionBlock struct {
	Attn *MultiHeadAttention
	FF   *FFN
	LN1  *LayerNorm
	LN2  *LayerNorm
	Rate float64
}

func NewSelfAttentionBlock(rng *rand.Rand, dim, heads, hidden int64, rate float64) (*SelfAttentionBlock, error) {
	attn, err := NewMultiHeadAttention(rng, dim, heads)
	if err != nil {
		return nil, err
	}

	return &SelfAttentionBlock{
		Attn: attn,
		FF:   NewFFN(rng, dim, hidden, rate),
		LN1:  NewLayerNorm(dim),
		LN2:  NewLayerNorm(dim),
		Rate: rate,
	}, nil
}

func (b *SelfAttentionBlock) Forward(g *graph.Tape, x *graph.Node, mask *tensor.Tensor, dropHeads int64) (*graph.Node, *tensor.Tensor, error) {
	if b == nil || b.Attn == nil {
		return nil, nil, errors.New("layers: self-attention block is not initialized")
	}

	attnOut, weights, err := b.Attn.Forward(g, x, x, x, mask, dropHeads)
	if err != nil {
		return nil, nil, err
	}

	attnOut, err = g.Dropout(attnOut, b.Rate)
	if err != nil {
		return nil, nil, err
	}

	sum, err := g.Add(x, attnOut)
	if err != nil {
		return nil, nil, err
	}

	x, err = b.LN1.Forward(g, sum)
	if err != nil {
		return nil, nil, err
	}

	ffOut, err := b.FF.Forward(g, x)
	if err != nil {
		return nil, nil, err
	}

	ffOut, err = g.Dropout(ffOut, b.Rate)
	if err != nil {
		return nil, nil, err
	}

	sum, err = g.Add(x, ffOut)
	if err != nil {
		return nil, nil, err
	}

	out, err := b.LN2.Forward(g, sum)
	if err != nil {
		return nil, nil, err
	}

	return out, weights, nil
}

func (b *SelfAttentionBlock) Visit(prefix string, fn VisitFunc) {
	b.Attn.Visit(prefix+".attn", fn)
	b.FF.Visit(prefix+".ff", fn)
	b.LN1.Visit(prefix+".ln1", fn)
	b.LN2.Visit(prefix+".ln2", fn)
}

// CrossAttentionBlock is one post-norm decoder layer: causal self-attention,
// cross-attention over the encoder output and a feed-forward block.
type CrossAttentionBlock struct {
	SelfAttn  *MultiHeadAttention
	CrossAttn *MultiHeadAttention
	FF        *FFN
	LN1       *LayerNorm
	LN2       *LayerNorm
	LN3       *LayerNorm
	Rate      float64
}

func NewCrossAttentionBlock(rng *rand.Rand, dim, heads, hidden int64, rate float64) (*CrossAttentionBlock, error) {
	selfAttn, err := NewMultiHeadAttention(rng, dim, heads)
	if err != nil {
		return nil, err
	}

	crossAttn, err := NewMultiHeadAttention(rng, dim, heads)
	if err != nil {
		return nil, err
	}

	return &CrossAttentionBlock{
		SelfAttn:  selfAttn,
		CrossAttn: crossAttn,
		FF:        NewFFN(rng, dim, hidden, rate),
		LN1:       NewLayerNorm(dim),
		LN2:       NewLayerNorm(dim),
		LN3:       NewLayerNorm(dim),
		Rate:      rate,
	}, nil
}

// Forward runs one decoder layer. lookAheadMask blocks future (and padded)
// decoder positions; padMask blocks padded encoder positions in the
// cross-attention. Returns the layer output plus the self- and
// cross-attention weights.
func (b *CrossAttentionBlock) Forward(g *graph.Tape, x, encOut *graph.Node, lookAheadMask, padMask *tensor.Tensor, dropHeads int64) (*graph.Node, *tensor.Tensor, *tensor.Tensor, error) {
	if b == nil || b.SelfAttn == nil {
		return nil, nil, nil, errors.New("layers: cross-attention block is not initialized")
	}

	selfOut, selfWeights, err := b.SelfAttn.Forward(g, x, x, x, lookAheadMask, dropHeads)
	if err != nil {
		return nil, nil, nil, err
	}

	selfOut, err = g.Dropout(selfOut, b.Rate)
	if err != nil {
		return nil, nil, nil, err
	}

	sum, err := g.Add(x, selfOut)
	if err != nil {
		return nil, nil, nil, err
	}

	x, err = b.LN1.Forward(g, sum)
	if err != nil {
		return nil, nil, nil, err
	}

	crossOut, crossWeights, err := b.CrossAttn.Forward(g, x, encOut, encOut, padMask, dropHeads)
	if err != nil {
		return nil, nil, nil, err
	}

	crossOut, err = g.Dropout(crossOut, b.Rate)
	if err != nil {
		return nil, nil, nil, err
	}

	sum, err = g.Add(x, crossOut)
	if err != nil {
		return nil, nil, nil, err
	}

	x, err = b.LN2.Forward(g, sum)
	if err != nil {
		return nil, nil, nil, err
	}

	ffOut, err := b.FF.Forward(g, x)
	if err != nil {
		return nil, nil, nil, err
	}

	ffOut, err = g.Dropout(ffOut, b.Rate)
	if err != nil {
		return nil, nil, nil, err
	}

	sum, err = g.Add(x, ffOut)
	if err != nil {
		return nil, nil, nil, err
	}

	out, err := b.LN3.Forward(g, sum)
	if err != nil {
		return nil, nil, nil, err
	}

	return out, selfWeights, crossWeights, nil
}

func (b *CrossAttentionBlock) Visit(prefix string, fn VisitFunc) {
	b.SelfAttn.Visit(prefix+".self_attn", fn)
	b.CrossAttn.Visit(prefix+".cross_attn", fn)
	b.FF.Visit(prefix+".ff", fn)
	b.LN1.Visit(prefix+".ln1", fn)
	b.LN2.Visit(prefix+".ln2", fn)
	b.LN3.Visit(prefix+".ln3", fn)
}

// Encoder is a stack of self-attention blocks.
type Encoder struct {
	Blocks []*SelfAttentionBlock
}

func NewEncoder(rng *rand.Rand, numLayers, dim, heads, hidden int64, rate float64) (*Encoder, error) {
	if numLayers <= 0 {
		return nil, fmt.Errorf("layers: encoder requires at least one layer, got %d", numLayers)
	}

	blocks := make([]*SelfAttentionBlock, numLayers)

	for i := range blocks {
		b, err := NewSelfAttentionBlock(rng, dim, heads, hidden, rate)
		if err != nil {
			return nil, err
		}

		blocks[i] = b
	}

	return &Encoder{Blocks: blocks}, nil
}

// Forward runs the stack and collects per-layer attention weights keyed by
// layer name.
func (e *Encoder) Forward(g *graph.Tape, x *graph.Node, mask *tensor.Tensor, dropHeads int64) (*graph.Node, map[string]*tensor.Tensor, error) {
	if e == nil || len(e.Blocks) == 0 {
		return nil, nil, errors.New("layers: encoder is not initialized")
	}

	attention := make(map[string]*tensor.Tensor, len(e.Blocks))

	for i, b := range e.Blocks {
		out, weights, err := b.Forward(g, x, mask, dropHeads)
		if err != nil {
			return nil, nil, fmt.Errorf("layers: encoder layer %d: %w", i+1, err)
		}

		x = out
		attention[fmt.Sprintf("encoder_layer%d", i+1)] = weights
	}

	return x, attention, nil
}

func (e *Encoder) Visit(prefix string, fn VisitFunc) {
	for i, b := range e.Blocks {
		b.Visit(fmt.Sprintf("%s.layer%d", prefix, i+1), fn)
	}
}

// Decoder is a stack of cross-attention blocks.
type Decoder struct {
	Blocks []*CrossAttentionBlock
}

func NewDecoder(rng *rand.Rand, numLayers, dim, heads, hidden int64, rate float64) (*Decoder, error) {
	if numLayers <= 0 {
		return nil, fmt.Errorf("layers: decoder requires at least one layer, got %d", numLayers)
	}

	blocks := make([]*CrossAttentionBlock, numLayers)

	for i := range blocks {
		b, err := NewCrossAttentionBlock(rng, dim, heads, hidden, rate)
		if err != nil {
			return nil, err
		}

		blocks[i] = b
	}

	return &Decoder{Blocks: blocks}, nil
}

// Forward runs the stack. Attention maps are keyed decoder_layerN_block1
// (self) and decoder_layerN_block2 (cross); block2 of the last layer is
// what the alignment diagnostics consume.
func (d *Decoder) Forward(g *graph.Tape, x, encOut *graph.Node, lookAheadMask, padMask *tensor.Tensor, dropHeads int64) (*graph.Node, map[string]*tensor.Tensor, error) {
	if d == nil || len(d.Blocks) == 0 {
		return nil, nil, errors.New("layers: decoder is not initialized")
	}

	attention := make(map[string]*tensor.Tensor, 2*len(d.Blocks))

	for i, b := range d.Blocks {
		out, selfWeights, crossWeights, err := b.Forward(g, x, encOut, lookAheadMask, padMask, dropHeads)
		if err != nil {
			return nil, nil, fmt.Errorf("layers: decoder layer %d: %w", i+1, err)
		}

		x = out
		attention[fmt.Sprintf("decoder_layer%d_block1", i+1)] = selfWeights
		attention[fmt.Sprintf("decoder_layer%d_block2", i+1)] = crossWeights
	}

	return x, attention, nil
}

func (d *Decoder) Visit(prefix string, fn VisitFunc) {
	for i, b := range d.Blocks {
		b.Visit(fmt.Sprintf("%s.layer%d", prefix, i+1), fn)
	}
}
