// Package losses provides the training criteria for both text-to-mel models
// and the weighted-sum composer that combines them. Every loss function
// derives its own validity mask from the target tensor, so padded frames
// and silent positions never contribute; the composer stays mask-agnostic.
package losses

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Func computes a scalar loss between a target tensor and a prediction,
// already reduced over batch and padded positions.
type Func func(g *graph.Tape, target *tensor.Tensor, pred *graph.Node) (*graph.Node, error)

// WeightedSum evaluates aligned (target, prediction, loss) triples and
// combines them as Σ w_i * loss_i. The individual loss values are returned
// unaltered for logging.
func WeightedSum(g *graph.Tape, targets []*tensor.Tensor, preds []*graph.Node, fns []Func, weights []float32) (*graph.Node, []float32, error) {
	if len(targets) == 0 {
		return nil, nil, errors.New("losses: weighted sum requires at least one triple")
	}

	if len(preds) != len(targets) || len(fns) != len(targets) || len(weights) != len(targets) {
		return nil, nil, fmt.Errorf("losses: weighted sum got %d targets, %d predictions, %d functions, %d weights",
			len(targets), len(preds), len(fns), len(weights))
	}

	nodes := make([]*graph.Node, len(targets))
	values := make([]float32, len(targets))

	for i := range targets {
		node, err := fns[i](g, targets[i], preds[i])
		if err != nil {
			return nil, nil, fmt.Errorf("losses: term %d: %w", i, err)
		}

		nodes[i] = node
		values[i] = node.Value.RawData()[0]
	}

	total, err := g.WeightedSum(nodes, weights)
	if err != nil {
		return nil, nil, err
	}

	return total, values, nil
}

// MaskedMSE is the mel-reconstruction squared error, masking frames whose
// target vector is entirely zero (right padding).
func MaskedMSE(g *graph.Tape, target *tensor.Tensor, pred *graph.Node) (*graph.Node, error) {
	weight, err := frameWeight(target)
	if err != nil {
		return nil, err
	}

	return g.MaskedMSE(pred, target, weight)
}

// MaskedMAE is the mel-reconstruction absolute error with the same padding
// mask as MaskedMSE.
func MaskedMAE(g *graph.Tape, target *tensor.Tensor, pred *graph.Node) (*graph.Node, error) {
	weight, err := frameWeight(target)
	if err != nil {
		return nil, err
	}

	return g.MaskedMAE(pred, target, weight)
}

// Stop returns the stop-distribution cross-entropy. Label 0 marks padded
// frames and is excluded; frames labeled with the stop class are weighted
// by scaling to counter their rarity.
func Stop(scaling float32) Func {
	return func(g *graph.Tape, target *tensor.Tensor, pred *graph.Node) (*graph.Node, error) {
		if target == nil {
			return nil, errors.New("losses: stop target is nil")
		}

		td := target.RawData()
		labels := make([]int64, len(td))
		weights := make([]float32, len(td))

		for i, v := range td {
			labels[i] = int64(v)

			switch labels[i] {
			case 0:
			case 2:
				weights[i] = scaling
			default:
				weights[i] = 1
			}
		}

		return g.CrossEntropy(pred, labels, weights)
	}
}

// Duration is the per-token duration regression error; positions whose
// target duration is exactly zero (padding) are excluded.
func Duration(g *graph.Tape, target *tensor.Tensor, pred *graph.Node) (*graph.Node, error) {
	if target == nil {
		return nil, errors.New("losses: duration target is nil")
	}

	td := target.RawData()
	wd := make([]float32, len(td))

	for i, v := range td {
		if v != 0 {
			wd[i] = 1
		}
	}

	weight, err := tensor.New(wd, target.Shape())
	if err != nil {
		return nil, err
	}

	return g.MaskedMAE(pred, target, weight)
}

// Pitch is the time-weighted pitch absolute error. Positions with target
// pitch exactly 0 are treated as unvoiced and excluded; the remaining
// positions are weighted along the token axis by a curve rising from 1 to
// 2 (linear ramp to sqrt(2), then squared), so late-trajectory errors cost
// more.
func Pitch(g *graph.Tape, target *tensor.Tensor, pred *graph.Node) (*graph.Node, error) {
	if target == nil {
		return nil, errors.New("losses: pitch target is nil")
	}

	shape := target.Shape()
	if len(shape) != 3 || shape[2] != 1 {
		return nil, fmt.Errorf("losses: pitch target must be [B, T, 1], got %v", shape)
	}

	b, n := shape[0], shape[1]
	curve := pitchWeightCurve(n)
	td := target.RawData()
	wd := make([]float32, len(td))

	for bi := range b {
		for ti := range n {
			i := bi*n + ti
			if td[i] != 0 {
				wd[i] = curve[ti]
			}
		}
	}

	weight, err := tensor.New(wd, shape)
	if err != nil {
		return nil, err
	}

	return g.MaskedMAE(pred, target, weight)
}

// pitchWeightCurve ramps linearly from 1 to sqrt(2) over n positions and
// squares it, yielding weights from 1 to 2.
func pitchWeightCurve(n int64) []float32 {
	out := make([]float32, n)

	for i := range n {
		base := 1.0
		if n > 1 {
			base = 1 + (math.Sqrt2-1)*float64(i)/float64(n-1)
		}

		out[i] = float32(base * base)
	}

	return out
}

// frameWeight builds a per-element weight tensor that is 1 inside frames
// with any non-zero target channel and 0 inside all-zero (padded) frames.
func frameWeight(target *tensor.Tensor) (*tensor.Tensor, error) {
	if target == nil {
		return nil, errors.New("losses: target is nil")
	}

	shape := target.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("losses: target must be [B, T, C], got %v", shape)
	}

	c := int(shape[2])
	td := target.RawData()
	wd := make([]float32, len(td))

	for f := 0; f < len(td); f += c {
		var sum float64
		for j := range c {
			sum += math.Abs(float64(td[f+j]))
		}

		if sum == 0 {
			continue
		}

		for j := range c {
			wd[f+j] = 1
		}
	}

	weight, err := tensor.New(wd, shape)
	if err != nil {
		return nil, err
	}

	return weight, nil
}
