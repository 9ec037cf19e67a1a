// Package model implements the two text-to-mel synthesizers: the
// autoregressive transformer that decodes one reduction-group of frames per
// step with a stop-token head, and the forward transformer that predicts
// per-token durations and pitch and expands to frame level in one parallel
// pass. Both share the layer library, the loss composer and the attention
// diagnostics.
package model

import (
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Output is the result bundle of one forward/training pass. Mel and
// Attention are always present; the remaining fields depend on the model
// variant and on whether the pass computed losses.
type Output struct {
	// Mel is the predicted (final) mel sequence [B, T, C].
	Mel *tensor.Tensor

	// MelLinear is the autoregressive model's pre-postnet mel estimate.
	MelLinear *tensor.Tensor

	// StopProb is the autoregressive model's per-frame stop distribution
	// [B, T, 3] after softmax.
	StopProb *tensor.Tensor

	// Durations and Pitch are the forward model's per-token predictions
	// [B, T, 1].
	Durations *tensor.Tensor
	Pitch     *tensor.Tensor

	// FrameLengths holds the forward model's valid expanded length per
	// batch entry; frames at or past it are padding. This is the dense form
	// of the expansion padding mask: the [B, 1, 1, L] attention mask the
	// frame decoder uses is derived from these lengths.
	FrameLengths []int64

	// Attention maps layer names to attention weight tensors
	// [B, H, Tq, Tk].
	Attention map[string]*tensor.Tensor

	// Loss is the total weighted loss; Losses holds the per-term
	// breakdown. Populated by train/val steps only.
	Loss   float32
	Losses map[string]float32
}

// Constants carries the runtime-mutable hyperparameters. Nil fields are
// left unchanged, so each can be overridden independently.
type Constants struct {
	PrenetDropout *float64
	LearningRate  *float64
	Reduction     *int64
	HeadDrop      *int64
}
