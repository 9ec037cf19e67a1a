package main

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/example/go-mel-transformer/internal/model"
	"github.com/example/go-mel-transformer/internal/runtime/tensor"
	"github.com/example/go-mel-transformer/internal/safetensors"
	textpkg "github.com/example/go-mel-transformer/internal/text"
	"github.com/example/go-mel-transformer/internal/tokenizer"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var text string
	var out string
	var modelKind string
	var checkpoint string
	var alphabet string
	var speed float64
	var maxFrames int64

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to a mel spectrogram",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputText, err := readSynthText(text, os.Stdin)
			if err != nil {
				return err
			}

			normalized, err := textpkg.Normalize(inputText)
			if err != nil {
				return err
			}

			// Chunks must fit the encoder's position limit after the
			// tokenizer wraps them in start/end tokens.
			chunks := textpkg.Chunk(normalized, maxChunkRunes(cfg.Model.EncoderMaxPositionEncoding))

			tok, err := tokenizer.NewChar(alphabet)
			if err != nil {
				return err
			}

			ckptPath, err := resolveCheckpoint(checkpoint, cfg.Paths.CheckpointDir)
			if err != nil {
				return err
			}

			frameCap := maxFrames
			if frameCap <= 0 {
				frameCap = cfg.Model.DecoderMaxPositionEncoding
			}

			mel, err := synthesizeChunks(cfg, tok, modelKind, ckptPath, chunks, speed, frameCap)
			if err != nil {
				return err
			}

			payload, err := melPayload(mel)
			if err != nil {
				return err
			}

			return writeSynthOutput(out, payload, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "mel.safetensors", "Output mel path ('-' for stdout)")
	cmd.Flags().StringVar(&modelKind, "model", "autoregressive", "Model variant (autoregressive|forward)")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint path (defaults to the latest in the checkpoint directory)")
	cmd.Flags().StringVar(&alphabet, "alphabet", defaultAlphabet, "Character tokenizer alphabet")
	cmd.Flags().Float64Var(&speed, "speed", 1, "Speech rate multiplier (forward model only)")
	cmd.Flags().Int64Var(&maxFrames, "max-frames", 0, "Frame cap per chunk (autoregressive model; 0 uses the position limit)")

	return cmd
}

// synthesizeChunks builds the requested model, restores the checkpoint and
// predicts one mel segment per chunk, concatenated along time.
func synthesizeChunks(cfg config.Config, tok *tokenizer.Char, modelKind, ckptPath string, chunks []string, speed float64, maxFrames int64) (*tensor.Tensor, error) {
	rng := rand.New(rand.NewSource(cfg.Train.Seed))

	var predict func(tokens []int64) (*tensor.Tensor, error)

	switch modelKind {
	case "autoregressive":
		m, err := model.NewAutoregressive(cfg.Model, cfg.Train, tok, rng)
		if err != nil {
			return nil, err
		}

		if err := safetensors.LoadParams(ckptPath, m.NamedParams()); err != nil {
			return nil, err
		}

		predict = func(tokens []int64) (*tensor.Tensor, error) {
			out, err := m.Predict(tokens, maxFrames)
			if err != nil {
				return nil, err
			}

			return out.Mel, nil
		}
	case "forward":
		m, err := model.NewForward(cfg.Model, cfg.Train, tok, rng)
		if err != nil {
			return nil, err
		}

		if err := safetensors.LoadParams(ckptPath, m.NamedParams()); err != nil {
			return nil, err
		}

		predict = func(tokens []int64) (*tensor.Tensor, error) {
			out, err := m.Predict([][]int64{tokens}, model.PredictOptions{Speed: speed})
			if err != nil {
				return nil, err
			}

			return out.Mel, nil
		}
	default:
		return nil, fmt.Errorf("unsupported model %q (autoregressive|forward)", modelKind)
	}

	segments := make([]*tensor.Tensor, 0, len(chunks))

	for i, chunk := range chunks {
		tokens, err := tok.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("encode chunk %d: %w", i+1, err)
		}

		mel, err := predict(tokens)
		if err != nil {
			return nil, fmt.Errorf("chunk %d synthesis failed: %w", i+1, err)
		}

		slog.Debug("synthesized chunk", "chunk", i+1, "frames", mel.Shape()[1])

		segments = append(segments, mel)
	}

	if len(segments) == 1 {
		return segments[0], nil
	}

	return tensor.Concat(segments, 1)
}

// melPayload serializes a [1, T, C] mel batch as a single-tensor safetensors
// payload with shape [T, C].
func melPayload(mel *tensor.Tensor) ([]byte, error) {
	shape := mel.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("mel output must be [1, T, C], got %v", shape)
	}

	return safetensors.Encode([]safetensors.Tensor{{
		Name:  "mel",
		Shape: []int64{shape[1], shape[2]},
		Data:  mel.RawData(),
	}})
}

// maxChunkRunes leaves room for the start/end tokens inside the encoder's
// position limit.
func maxChunkRunes(maxPositions int64) int {
	n := int(maxPositions) - 2
	if n < 1 {
		n = 1
	}

	return n
}

func resolveCheckpoint(explicit, dir string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	path, step, err := safetensors.LatestCheckpoint(dir)
	if err != nil {
		return "", err
	}

	slog.Info("using latest checkpoint", "path", path, "step", step)

	return path, nil
}

func writeSynthOutput(outPath string, data []byte, stdout io.Writer) error {
	if outPath == "-" {
		if stdout == nil {
			return fmt.Errorf("stdout writer is nil")
		}

		_, err := stdout.Write(data)

		return err
	}

	return os.WriteFile(outPath, data, 0o644)
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}

	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}

	return input, nil
}
