package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/rlogreplicant/internal/config"
)

var (
	cfg        config.Config
	logger     zerolog.Logger
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "replicantd",
	Short: "CORE replica daemon",
	Long: `replicantd attaches to one or more core nodes as a replica: it bootstraps
a shard's tables on first attach, then streams committed transactions while
preserving strict per-agent ordering and serving local reads once caught up.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		switch cfg.Logging.Format {
		case "json":
			logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		default:
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		}

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to replicantd.toml (default: ~/.rlogreplicant/config.toml or /etc/rlogreplicant/config.toml)")
}
