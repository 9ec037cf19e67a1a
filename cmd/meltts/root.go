package main

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/example/go-mel-transformer/internal/config"
	"github.com/spf13/cobra"
)

// defaultAlphabet covers the LJSpeech character set the bundled character
// tokenizer is trained on.
const defaultAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789 !\"'(),-.:;?"

var (
	cfgFile   string
	activeCfg config.Config
	cfgLoaded bool
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "meltts",
		Short: "Text-to-mel transformer training and synthesis",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}

			activeCfg = loaded
			cfgLoaded = true

			setupLogger(loaded.Log.Level)
			config.CheckBuildHash(loaded)

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newSynthCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(levelStr)})
	slog.SetDefault(slog.New(h))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func requireConfig() (config.Config, error) {
	if !cfgLoaded {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return activeCfg, nil
}
