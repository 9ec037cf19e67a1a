package config

import (
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/go-mel-transformer/internal/schedule"
)

// Validate checks the configuration eagerly and reports every missing or
// invalid key in a single error, so a broken config surfaces completely on
// the first run instead of one key at a time.
func Validate(cfg Config) error {
	var missing []string

	required := []struct {
		key string
		ok  bool
	}{
		{"model.mel_channels", cfg.Model.MelChannels > 0},
		{"model.encoder_model_dimension", cfg.Model.EncoderModelDimension > 0},
		{"model.decoder_model_dimension", cfg.Model.DecoderModelDimension > 0},
		{"model.encoder_num_heads", cfg.Model.EncoderNumHeads > 0},
		{"model.decoder_num_heads", cfg.Model.DecoderNumHeads > 0},
		{"model.encoder_feed_forward_dimension", cfg.Model.EncoderFeedForwardDimension > 0},
		{"model.decoder_feed_forward_dimension", cfg.Model.DecoderFeedForwardDimension > 0},
		{"model.encoder_max_position_encoding", cfg.Model.EncoderMaxPositionEncoding > 0},
		{"model.decoder_max_position_encoding", cfg.Model.DecoderMaxPositionEncoding > 0},
		{"model.encoder_layers", cfg.Model.EncoderLayers > 0},
		{"model.decoder_layers", cfg.Model.DecoderLayers > 0},
		{"model.decoder_prenet_dimension", cfg.Model.DecoderPrenetDimension > 0},
		{"model.postnet_conv_filters", cfg.Model.PostnetConvFilters > 0},
		{"model.postnet_conv_layers", cfg.Model.PostnetConvLayers > 0},
		{"model.postnet_kernel_size", cfg.Model.PostnetKernelSize > 0},
		{"model.mel_start_value", cfg.Model.MelStartValue != 0},
		{"model.mel_end_value", cfg.Model.MelEndValue != 0},
		{"train.learning_rate_schedule", len(cfg.Train.LearningRateSchedule) > 0},
		{"train.reduction_factor_schedule", len(cfg.Train.ReductionFactorSchedule) > 0},
	}

	for _, r := range required {
		if !r.ok {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}

	if cfg.Model.DropoutRate < 0 || cfg.Model.DropoutRate >= 1 {
		return fmt.Errorf("config: model.dropout_rate %v outside [0, 1)", cfg.Model.DropoutRate)
	}

	return nil
}

// StopLossScalingOrDefault returns the configured stop-loss class
// weighting, defaulting to 1.
func (c TrainConfig) StopLossScalingOrDefault() float32 {
	if c.StopLossScaling <= 0 {
		return 1
	}

	return float32(c.StopLossScaling)
}

// LearningRate builds the learning-rate schedule.
func (c TrainConfig) LearningRate() (*schedule.Piecewise, error) {
	return toSchedule(c.LearningRateSchedule)
}

// ReductionFactor builds the reduction-factor curriculum schedule.
func (c TrainConfig) ReductionFactor() (*schedule.Piecewise, error) {
	return toSchedule(c.ReductionFactorSchedule)
}

// MaxReductionFactor is the largest scheduled reduction factor, which sizes
// the postnet's widest projection. The curriculum usually descends, but the
// maximum is taken over all points so other shapes cannot undersize it.
func (c TrainConfig) MaxReductionFactor() int64 {
	if len(c.ReductionFactorSchedule) == 0 {
		return 1
	}

	largest := c.ReductionFactorSchedule[0].Value
	for _, p := range c.ReductionFactorSchedule[1:] {
		if p.Value > largest {
			largest = p.Value
		}
	}

	return int64(largest)
}

func toSchedule(points []SchedulePoint) (*schedule.Piecewise, error) {
	converted := make([]schedule.Point, len(points))
	for i, p := range points {
		converted[i] = schedule.Point{Step: p.Step, Value: p.Value}
	}

	return schedule.New(converted)
}

// BuildHash returns the VCS revision baked into the binary, empty when the
// build carries no VCS info.
func BuildHash() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}

	return ""
}

// CheckBuildHash compares the config's recorded build hash against the
// running binary's. A mismatch is advisory: training can legitimately
// resume on a newer build, so this logs and continues.
func CheckBuildHash(cfg Config) {
	current := BuildHash()
	if cfg.BuildHash == "" || current == "" {
		return
	}

	if cfg.BuildHash != current {
		slog.Warn("config was written by a different build",
			"config_hash", cfg.BuildHash,
			"current_hash", current)
	}
}

// Dump writes the resolved configuration as YAML, stamping the current
// build hash.
func Dump(w io.Writer, cfg Config) error {
	cfg.BuildHash = BuildHash()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}

	return enc.Close()
}
