package layers

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Embedding maps token IDs to d-dimensional vectors, scales by sqrt(d) and
// adds a fixed sinusoidal position encoding.
type Embedding struct {
	Table  *graph.Node // [vocab, dim]
	posEnc *tensor.Tensor
	dim    int64
	maxLen int64
}

// NewEmbedding creates an embedding table for vocab tokens with position
// encodings precomputed up to maxLen.
func NewEmbedding(rng *rand.Rand, vocab, dim, maxLen int64) (*Embedding, error) {
	if vocab <= 0 || dim <= 0 || maxLen <= 0 {
		return nil, fmt.Errorf("layers: embedding requires positive vocab/dim/maxLen, got %d/%d/%d", vocab, dim, maxLen)
	}

	pos, err := PositionalEncoding(maxLen, dim)
	if err != nil {
		return nil, err
	}

	return &Embedding{
		Table:  graph.Param(glorot(rng, vocab, dim)),
		posEnc: pos,
		dim:    dim,
		maxLen: maxLen,
	}, nil
}

// Forward embeds a padded token batch into [B, T, D].
func (e *Embedding) Forward(g *graph.Tape, ids [][]int64) (*graph.Node, error) {
	if e == nil || e.Table == nil {
		return nil, errors.New("layers: embedding is not initialized")
	}

	if len(ids) == 0 {
		return nil, errors.New("layers: embedding requires a non-empty batch")
	}

	width := int64(len(ids[0]))
	if width > e.maxLen {
		return nil, fmt.Errorf("layers: sequence length %d exceeds position encoding limit %d", width, e.maxLen)
	}

	x, err := g.Embedding(e.Table, ids)
	if err != nil {
		return nil, err
	}

	x, err = g.Scale(x, float32(math.Sqrt(float64(e.dim))))
	if err != nil {
		return nil, err
	}

	pos, err := e.posEnc.Narrow(1, 0, width)
	if err != nil {
		return nil, err
	}

	return g.AddBroadcast(x, graph.Constant(pos))
}

func (e *Embedding) Visit(prefix string, fn VisitFunc) {
	fn(prefix+".table", e.Table)
}

// PositionalEncoding builds the [1, maxLen, dim] sinusoidal encoding with
// sines on even and cosines on odd channels.
func PositionalEncoding(maxLen, dim int64) (*tensor.Tensor, error) {
	if maxLen <= 0 || dim <= 0 {
		return nil, fmt.Errorf("layers: position encoding requires positive maxLen/dim, got %d/%d", maxLen, dim)
	}

	data := make([]float32, maxLen*dim)

	for pos := range maxLen {
		for i := range dim {
			angle := float64(pos) / math.Pow(10000, float64(2*(i/2))/float64(dim))

			if i%2 == 0 {
				data[pos*dim+i] = float32(math.Sin(angle))
			} else {
				data[pos*dim+i] = float32(math.Cos(angle))
			}
		}
	}

	return tensor.New(data, []int64{1, maxLen, dim})
}
