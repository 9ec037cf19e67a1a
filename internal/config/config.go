// Package config loads and validates the flat hyperparameter configuration
// for the text-to-mel models: architecture sizes, training schedules, audio
// front-end settings and paths. Values come from defaults, a YAML file,
// MELTTS_* environment variables and bound command-line flags, in rising
// precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths PathsConfig `mapstructure:"paths" yaml:"paths"`
	Log   LogConfig   `mapstructure:"log" yaml:"log"`
	Model ModelConfig `mapstructure:"model" yaml:"model"`
	Train TrainConfig `mapstructure:"train" yaml:"train"`
	Audio AudioConfig `mapstructure:"audio" yaml:"audio"`

	// BuildHash records the VCS revision the config was written with; a
	// mismatch at load time is advisory only.
	BuildHash string `mapstructure:"build_hash" yaml:"build_hash"`
}

type PathsConfig struct {
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	CheckpointDir string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type ModelConfig struct {
	MelChannels                 int64   `mapstructure:"mel_channels" yaml:"mel_channels"`
	EncoderModelDimension       int64   `mapstructure:"encoder_model_dimension" yaml:"encoder_model_dimension"`
	DecoderModelDimension       int64   `mapstructure:"decoder_model_dimension" yaml:"decoder_model_dimension"`
	EncoderNumHeads             int64   `mapstructure:"encoder_num_heads" yaml:"encoder_num_heads"`
	DecoderNumHeads             int64   `mapstructure:"decoder_num_heads" yaml:"decoder_num_heads"`
	EncoderFeedForwardDimension int64   `mapstructure:"encoder_feed_forward_dimension" yaml:"encoder_feed_forward_dimension"`
	DecoderFeedForwardDimension int64   `mapstructure:"decoder_feed_forward_dimension" yaml:"decoder_feed_forward_dimension"`
	EncoderMaxPositionEncoding  int64   `mapstructure:"encoder_max_position_encoding" yaml:"encoder_max_position_encoding"`
	DecoderMaxPositionEncoding  int64   `mapstructure:"decoder_max_position_encoding" yaml:"decoder_max_position_encoding"`
	EncoderLayers               int64   `mapstructure:"encoder_layers" yaml:"encoder_layers"`
	DecoderLayers               int64   `mapstructure:"decoder_layers" yaml:"decoder_layers"`
	DecoderPrenetDimension      int64   `mapstructure:"decoder_prenet_dimension" yaml:"decoder_prenet_dimension"`
	PostnetConvFilters          int64   `mapstructure:"postnet_conv_filters" yaml:"postnet_conv_filters"`
	PostnetConvLayers           int64   `mapstructure:"postnet_conv_layers" yaml:"postnet_conv_layers"`
	PostnetKernelSize           int64   `mapstructure:"postnet_kernel_size" yaml:"postnet_kernel_size"`
	PredictorConvFilters        int64   `mapstructure:"predictor_conv_filters" yaml:"predictor_conv_filters"`
	PredictorKernelSize         int64   `mapstructure:"predictor_kernel_size" yaml:"predictor_kernel_size"`
	DropoutRate                 float64 `mapstructure:"dropout_rate" yaml:"dropout_rate"`
	MelStartValue               float64 `mapstructure:"mel_start_value" yaml:"mel_start_value"`
	MelEndValue                 float64 `mapstructure:"mel_end_value" yaml:"mel_end_value"`
	Debug                       bool    `mapstructure:"debug" yaml:"debug"`
}

type TrainConfig struct {
	LearningRateSchedule    []SchedulePoint `mapstructure:"learning_rate_schedule" yaml:"learning_rate_schedule"`
	ReductionFactorSchedule []SchedulePoint `mapstructure:"reduction_factor_schedule" yaml:"reduction_factor_schedule"`
	StopLossScaling         float64         `mapstructure:"stop_loss_scaling" yaml:"stop_loss_scaling"`
	DecoderPrenetDropout    float64         `mapstructure:"decoder_prenet_dropout" yaml:"decoder_prenet_dropout"`
	HeadDropSteps           int64           `mapstructure:"head_drop_steps" yaml:"head_drop_steps"`
	HeadDropCount           int64           `mapstructure:"head_drop_count" yaml:"head_drop_count"`
	BatchSize               int64           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxSteps                int64           `mapstructure:"max_steps" yaml:"max_steps"`
	CheckpointEvery         int64           `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	ValidateEvery           int64           `mapstructure:"validate_every" yaml:"validate_every"`
	Seed                    int64           `mapstructure:"seed" yaml:"seed"`
}

type SchedulePoint struct {
	Step  int64   `mapstructure:"step" yaml:"step"`
	Value float64 `mapstructure:"value" yaml:"value"`
}

type AudioConfig struct {
	SampleRate int64   `mapstructure:"sample_rate" yaml:"sample_rate"`
	FFTSize    int64   `mapstructure:"fft_size" yaml:"fft_size"`
	HopLength  int64   `mapstructure:"hop_length" yaml:"hop_length"`
	WinLength  int64   `mapstructure:"win_length" yaml:"win_length"`
	FreqMin    float64 `mapstructure:"freq_min" yaml:"freq_min"`
	FreqMax    float64 `mapstructure:"freq_max" yaml:"freq_max"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			DataDir:       "data",
			CheckpointDir: "checkpoints",
		},
		Log: LogConfig{Level: "info"},
		Model: ModelConfig{
			MelChannels:                 80,
			EncoderModelDimension:       256,
			DecoderModelDimension:       256,
			EncoderNumHeads:             4,
			DecoderNumHeads:             4,
			EncoderFeedForwardDimension: 1024,
			DecoderFeedForwardDimension: 1024,
			EncoderMaxPositionEncoding:  1000,
			DecoderMaxPositionEncoding:  10000,
			EncoderLayers:               4,
			DecoderLayers:               4,
			DecoderPrenetDimension:      256,
			PostnetConvFilters:          256,
			PostnetConvLayers:           5,
			PostnetKernelSize:           5,
			PredictorConvFilters:        256,
			PredictorKernelSize:         3,
			DropoutRate:                 0.1,
			MelStartValue:               -3,
			MelEndValue:                 1,
		},
		Train: TrainConfig{
			LearningRateSchedule:    []SchedulePoint{{Step: 0, Value: 1e-4}},
			ReductionFactorSchedule: []SchedulePoint{{Step: 0, Value: 10}, {Step: 80000, Value: 5}, {Step: 150000, Value: 2}, {Step: 250000, Value: 1}},
			StopLossScaling:         1,
			DecoderPrenetDropout:    0.5,
			BatchSize:               16,
			MaxSteps:                900000,
			CheckpointEvery:         5000,
			ValidateEvery:           1000,
			Seed:                    42,
		},
		Audio: AudioConfig{
			SampleRate: 22050,
			FFTSize:    1024,
			HopLength:  256,
			WinLength:  1024,
			FreqMin:    0,
			FreqMax:    8000,
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-data-dir", defaults.Paths.DataDir, "Dataset directory (metadata.csv + wavs/)")
	fs.String("paths-checkpoint-dir", defaults.Paths.CheckpointDir, "Checkpoint output directory")
	fs.String("log-level", defaults.Log.Level, "Log level (debug|info|warn|error)")
	fs.Int64("train-batch-size", defaults.Train.BatchSize, "Training batch size")
	fs.Int64("train-max-steps", defaults.Train.MaxSteps, "Training step budget")
	fs.Int64("train-seed", defaults.Train.Seed, "Random seed for parameter init and dropout")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	registerAliases(v)

	v.SetEnvPrefix("MELTTS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_", "__", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	} else {
		v.SetConfigName("meltts")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.data_dir", c.Paths.DataDir)
	v.SetDefault("paths.checkpoint_dir", c.Paths.CheckpointDir)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("model.mel_channels", c.Model.MelChannels)
	v.SetDefault("model.encoder_model_dimension", c.Model.EncoderModelDimension)
	v.SetDefault("model.decoder_model_dimension", c.Model.DecoderModelDimension)
	v.SetDefault("model.encoder_num_heads", c.Model.EncoderNumHeads)
	v.SetDefault("model.decoder_num_heads", c.Model.DecoderNumHeads)
	v.SetDefault("model.encoder_feed_forward_dimension", c.Model.EncoderFeedForwardDimension)
	v.SetDefault("model.decoder_feed_forward_dimension", c.Model.DecoderFeedForwardDimension)
	v.SetDefault("model.encoder_max_position_encoding", c.Model.EncoderMaxPositionEncoding)
	v.SetDefault("model.decoder_max_position_encoding", c.Model.DecoderMaxPositionEncoding)
	v.SetDefault("model.encoder_layers", c.Model.EncoderLayers)
	v.SetDefault("model.decoder_layers", c.Model.DecoderLayers)
	v.SetDefault("model.decoder_prenet_dimension", c.Model.DecoderPrenetDimension)
	v.SetDefault("model.postnet_conv_filters", c.Model.PostnetConvFilters)
	v.SetDefault("model.postnet_conv_layers", c.Model.PostnetConvLayers)
	v.SetDefault("model.postnet_kernel_size", c.Model.PostnetKernelSize)
	v.SetDefault("model.predictor_conv_filters", c.Model.PredictorConvFilters)
	v.SetDefault("model.predictor_kernel_size", c.Model.PredictorKernelSize)
	v.SetDefault("model.dropout_rate", c.Model.DropoutRate)
	v.SetDefault("model.mel_start_value", c.Model.MelStartValue)
	v.SetDefault("model.mel_end_value", c.Model.MelEndValue)
	v.SetDefault("model.debug", c.Model.Debug)
	v.SetDefault("train.learning_rate_schedule", c.Train.LearningRateSchedule)
	v.SetDefault("train.reduction_factor_schedule", c.Train.ReductionFactorSchedule)
	v.SetDefault("train.stop_loss_scaling", c.Train.StopLossScaling)
	v.SetDefault("train.decoder_prenet_dropout", c.Train.DecoderPrenetDropout)
	v.SetDefault("train.head_drop_steps", c.Train.HeadDropSteps)
	v.SetDefault("train.head_drop_count", c.Train.HeadDropCount)
	v.SetDefault("train.batch_size", c.Train.BatchSize)
	v.SetDefault("train.max_steps", c.Train.MaxSteps)
	v.SetDefault("train.checkpoint_every", c.Train.CheckpointEvery)
	v.SetDefault("train.validate_every", c.Train.ValidateEvery)
	v.SetDefault("train.seed", c.Train.Seed)
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.fft_size", c.Audio.FFTSize)
	v.SetDefault("audio.hop_length", c.Audio.HopLength)
	v.SetDefault("audio.win_length", c.Audio.WinLength)
	v.SetDefault("audio.freq_min", c.Audio.FreqMin)
	v.SetDefault("audio.freq_max", c.Audio.FreqMax)
	v.SetDefault("build_hash", c.BuildHash)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.data_dir", "paths-data-dir")
	v.RegisterAlias("paths.checkpoint_dir", "paths-checkpoint-dir")
	v.RegisterAlias("log.level", "log-level")
	v.RegisterAlias("train.batch_size", "train-batch-size")
	v.RegisterAlias("train.max_steps", "train-max-steps")
	v.RegisterAlias("train.seed", "train-seed")
}
