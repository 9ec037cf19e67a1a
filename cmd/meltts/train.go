package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/dataset"
	"github.com/example/go-mel-transformer/internal/diagnostics"
	"github.com/example/go-mel-transformer/internal/model"
	"github.com/example/go-mel-transformer/internal/runtime/graph"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/safetensors"
	"github.com/example/go-mel-transformer/internal/schedule"
	"github.com/example/go-mel-transformer/internal/tokenizer"
	"github.com/spf13/cobra"
)

// logEvery spaces the per-step loss lines; every step would drown the log.
const logEvery = 50

func newTrainCmd() *cobra.Command {
	var modelKind string
	var alphabet string
	var alignerCkpt string
	var resume bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a text-to-mel model on an LJSpeech-layout dataset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			tok, err := tokenizer.NewChar(alphabet)
			if err != nil {
				return err
			}

			ds, err := dataset.Open(cfg.Paths.DataDir, cfg.Model, cfg.Audio, tok)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.Paths.CheckpointDir, 0o755); err != nil {
				return fmt.Errorf("create checkpoint dir: %w", err)
			}

			rng := rand.New(rand.NewSource(cfg.Train.Seed))

			slog.Info("starting training",
				"model", modelKind,
				"examples", ds.Len(),
				"batch_size", cfg.Train.BatchSize,
				"max_steps", cfg.Train.MaxSteps)

			switch modelKind {
			case "autoregressive":
				return trainAutoregressive(cfg, ds, tok, rng, resume)
			case "forward":
				return trainForward(cfg, ds, tok, rng, resume, alignerCkpt)
			default:
				return fmt.Errorf("unsupported model %q (autoregressive|forward)", modelKind)
			}
		},
	}

	cmd.Flags().StringVar(&modelKind, "model", "autoregressive", "Model variant (autoregressive|forward)")
	cmd.Flags().StringVar(&alphabet, "alphabet", defaultAlphabet, "Character tokenizer alphabet")
	cmd.Flags().StringVar(&alignerCkpt, "aligner", "", "Autoregressive checkpoint used to extract forward-model duration targets")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume from the latest checkpoint")

	return cmd
}

func trainAutoregressive(cfg config.Config, ds *dataset.Dataset, tok tokenizer.Pipeline, rng *rand.Rand, resume bool) error {
	m, err := model.NewAutoregressive(cfg.Model, cfg.Train, tok, rng)
	if err != nil {
		return err
	}

	start, err := restoreIfResuming(resume, cfg.Paths.CheckpointDir, m.NamedParams())
	if err != nil {
		return err
	}

	lr, err := cfg.Train.LearningRate()
	if err != nil {
		return err
	}

	rf, err := cfg.Train.ReductionFactor()
	if err != nil {
		return err
	}

	sampler := newSampler(ds.Len(), rng)

	for step := start; step < cfg.Train.MaxSteps; step++ {
		if err := m.SetConstants(scheduleConstants(cfg.Train, lr, rf, step)); err != nil {
			return err
		}

		examples, err := loadExamples(ds, sampler.Next(int(cfg.Train.BatchSize)))
		if err != nil {
			return err
		}

		tokens, mel, stop, err := dataset.Batch(examples)
		if err != nil {
			return err
		}

		out, err := m.TrainStep(tokens, mel, stop)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		if step%logEvery == 0 {
			slog.Info("train step",
				"step", step,
				"loss", out.Loss,
				"output", out.Losses["output"],
				"stop_prob", out.Losses["stop_prob"],
				"mel_linear", out.Losses["mel_linear"],
				"reduction", m.Reduction())
		}

		if cfg.Train.ValidateEvery > 0 && step > start && step%cfg.Train.ValidateEvery == 0 {
			logAttentionHealth(step, out, examples, tokens, m.Reduction(), cfg.Model.DecoderLayers)
		}

		if cfg.Train.CheckpointEvery > 0 && step > start && step%cfg.Train.CheckpointEvery == 0 {
			if err := saveCheckpoint(cfg.Paths.CheckpointDir, step, m.NamedParams()); err != nil {
				return err
			}
		}
	}

	return saveCheckpoint(cfg.Paths.CheckpointDir, cfg.Train.MaxSteps, m.NamedParams())
}

// trainForward trains the parallel model. Duration targets come from a
// trained autoregressive aligner's cross-attention; pitch targets from the
// dataset's per-frame F0 pooled per token along those durations.
func trainForward(cfg config.Config, ds *dataset.Dataset, tok tokenizer.Pipeline, rng *rand.Rand, resume bool, alignerCkpt string) error {
	if alignerCkpt == "" {
		return fmt.Errorf("forward training needs --aligner pointing at an autoregressive checkpoint")
	}

	aligner, err := model.NewAutoregressive(cfg.Model, cfg.Train, tok, rand.New(rand.NewSource(cfg.Train.Seed)))
	if err != nil {
		return err
	}

	if err := safetensors.LoadParams(alignerCkpt, aligner.NamedParams()); err != nil {
		return err
	}

	rf, err := cfg.Train.ReductionFactor()
	if err != nil {
		return err
	}

	// Align at the reduction factor the aligner finished training with.
	alignR := int64(rf.At(cfg.Train.MaxSteps))
	if err := aligner.SetConstants(model.Constants{Reduction: &alignR}); err != nil {
		return err
	}

	m, err := model.NewForward(cfg.Model, cfg.Train, tok, rng)
	if err != nil {
		return err
	}

	start, err := restoreIfResuming(resume, cfg.Paths.CheckpointDir, m.NamedParams())
	if err != nil {
		return err
	}

	lr, err := cfg.Train.LearningRate()
	if err != nil {
		return err
	}

	attKey := attentionKey(cfg.Model.DecoderLayers)
	sampler := newSampler(ds.Len(), rng)

	for step := start; step < cfg.Train.MaxSteps; step++ {
		lrV := lr.At(step)
		if err := m.SetConstants(model.Constants{LearningRate: &lrV}); err != nil {
			return err
		}

		examples, err := loadExamples(ds, sampler.Next(int(cfg.Train.BatchSize)))
		if err != nil {
			return err
		}

		tokens, mel, stop, err := dataset.Batch(examples)
		if err != nil {
			return err
		}

		durations, pitch, err := forwardTargets(aligner, attKey, alignR, examples, tokens, mel, stop)
		if err != nil {
			return fmt.Errorf("step %d targets: %w", step, err)
		}

		out, err := m.TrainStep(tokens, mel, durations, pitch)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		if step%logEvery == 0 {
			slog.Info("train step",
				"step", step,
				"loss", out.Loss,
				"mel", out.Losses["mel"],
				"duration", out.Losses["duration"],
				"pitch", out.Losses["pitch"])
		}

		if cfg.Train.CheckpointEvery > 0 && step > start && step%cfg.Train.CheckpointEvery == 0 {
			if err := saveCheckpoint(cfg.Paths.CheckpointDir, step, m.NamedParams()); err != nil {
				return err
			}
		}
	}

	return saveCheckpoint(cfg.Paths.CheckpointDir, cfg.Train.MaxSteps, m.NamedParams())
}

// forwardTargets extracts per-token duration and pitch target tensors
// [B, T, 1] for one batch from the aligner's cross-attention.
func forwardTargets(aligner *model.Autoregressive, attKey string, alignR int64, examples []*dataset.Example, tokens [][]int64, mel, stop *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	valOut, err := aligner.ValStep(tokens, mel, stop)
	if err != nil {
		return nil, nil, err
	}

	att, ok := valOut.Attention[attKey]
	if !ok {
		return nil, nil, fmt.Errorf("aligner produced no %q attention", attKey)
	}

	melLens, phonLens := validLengths(examples, tokens, att, alignR)

	groups, err := dataset.DurationsFromAttention(att, melLens, phonLens)
	if err != nil {
		return nil, nil, err
	}

	batch := int64(len(examples))
	width := int64(len(tokens[0]))

	durData := make([]float32, batch*width)
	pitchData := make([]float32, batch*width)

	for b, ex := range examples {
		frames := frameDurations(groups[b], alignR)

		// Durations count mel frames past the start frame, so pitch pooling
		// skips the start frame too.
		tokenPitch := dataset.TokenPitch(ex.Pitch[1:], frames)

		copy(durData[int64(b)*width:], frames)
		copy(pitchData[int64(b)*width:], tokenPitch)
	}

	durations, err := tensor.New(durData, []int64{batch, width, 1})
	if err != nil {
		return nil, nil, err
	}

	pitch, err := tensor.New(pitchData, []int64{batch, width, 1})
	if err != nil {
		return nil, nil, err
	}

	return durations, pitch, nil
}

// frameDurations converts per-token decoder-group counts into frame counts.
func frameDurations(groups []float32, r int64) []float32 {
	out := make([]float32, len(groups))
	for i, g := range groups {
		out[i] = g * float32(r)
	}

	return out
}

// validLengths computes per-example valid decoder query steps and token
// counts, clipped to the attention tensor's padded extent.
func validLengths(examples []*dataset.Example, tokens [][]int64, att *tensor.Tensor, r int64) ([]int64, []int64) {
	shape := att.Shape()

	melLens := make([]int64, len(examples))
	phonLens := make([]int64, len(examples))

	for i, ex := range examples {
		steps := (ex.Mel.Shape()[0] - 1 + r - 1) / r
		melLens[i] = min(steps, shape[2])

		phonLens[i] = min(int64(tokenCount(tokens[i])), shape[3])
	}

	return melLens, phonLens
}

// tokenCount is the unpadded token length of one batch row.
func tokenCount(row []int64) int {
	n := len(row)
	for n > 0 && row[n-1] == tokenizer.PadID {
		n--
	}

	return n
}

func attentionKey(decoderLayers int64) string {
	return fmt.Sprintf("decoder_layer%d_block2", decoderLayers)
}

// scheduleConstants resolves the curriculum at one step: learning rate,
// reduction factor, prenet dropout and the warm-up head drop.
func scheduleConstants(train config.TrainConfig, lr, rf *schedule.Piecewise, step int64) model.Constants {
	lrV := lr.At(step)
	r := int64(rf.At(step))

	head := int64(0)
	if step < train.HeadDropSteps {
		head = train.HeadDropCount
	}

	drop := train.DecoderPrenetDropout

	return model.Constants{
		PrenetDropout: &drop,
		LearningRate:  &lrV,
		Reduction:     &r,
		HeadDrop:      &head,
	}
}

func logAttentionHealth(step int64, out *model.Output, examples []*dataset.Example, tokens [][]int64, r, decoderLayers int64) {
	att, ok := out.Attention[attentionKey(decoderLayers)]
	if !ok {
		return
	}

	melLens, phonLens := validLengths(examples, tokens, att, r)

	scores, err := diagnostics.AttentionScore(att, melLens, phonLens, r)
	if err != nil {
		slog.Warn("attention scoring failed", "step", step, "error", err)

		return
	}

	slog.Info("attention health",
		"step", step,
		"jump", meanScore(scores.Jump),
		"peak", meanScore(scores.Peak),
		"diagonality", meanScore(scores.Diagonality))
}

func meanScore(scores [][]float32) float32 {
	var sum float64
	var n int

	for _, row := range scores {
		for _, v := range row {
			sum += float64(v)
			n++
		}
	}

	if n == 0 {
		return 0
	}

	return float32(sum / float64(n))
}

// restoreIfResuming loads the latest checkpoint and returns the step to
// continue from; without --resume training starts fresh at step 0.
func restoreIfResuming(resume bool, dir string, params map[string]*graph.Node) (int64, error) {
	if !resume {
		return 0, nil
	}

	path, step, err := safetensors.LatestCheckpoint(dir)
	if err != nil {
		return 0, err
	}

	if err := safetensors.LoadParams(path, params); err != nil {
		return 0, err
	}

	slog.Info("resumed from checkpoint", "path", path, "step", step)

	return step + 1, nil
}

func loadExamples(ds *dataset.Dataset, indices []int) ([]*dataset.Example, error) {
	out := make([]*dataset.Example, len(indices))

	for i, idx := range indices {
		ex, err := ds.Sample(idx)
		if err != nil {
			return nil, err
		}

		out[i] = ex
	}

	return out, nil
}

func saveCheckpoint(dir string, step int64, params map[string]*graph.Node) error {
	path := safetensors.CheckpointPath(dir, step)

	if err := safetensors.SaveParams(path, params); err != nil {
		return err
	}

	slog.Info("saved checkpoint", "path", path, "step", step)

	return nil
}

// sampler yields dataset indices in epoch-shuffled order.
type sampler struct {
	rng   *rand.Rand
	order []int
	next  int
}

func newSampler(n int, rng *rand.Rand) *sampler {
	s := &sampler{rng: rng, order: make([]int, n)}
	for i := range s.order {
		s.order[i] = i
	}

	s.shuffle()

	return s
}

func (s *sampler) shuffle() {
	s.rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})

	s.next = 0
}

// Next returns count indices, reshuffling at epoch boundaries. Batches never
// span epochs, so a tail shorter than count is skipped.
func (s *sampler) Next(count int) []int {
	if count > len(s.order) {
		count = len(s.order)
	}

	if s.next+count > len(s.order) {
		s.shuffle()
	}

	out := s.order[s.next : s.next+count]
	s.next += count

	return out
}
