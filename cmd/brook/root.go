package main

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/casualjim/brook/config"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "brook",
		Short:         "Run streaming AI agent pipelines",
		Long:          "brook runs agents that consume topics, transform records through steps such as chat completions, and produce the results to other topics.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "brook.yaml", "application configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides runtime.log-level")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newDeployCmd(flags),
		newDeleteCmd(flags),
		newBackendsCmd(),
		newValidateCmd(flags),
		newCompleteCmd(flags),
	)
	return rootCmd
}

// load reads the configuration and installs the logger it asks for.
func (f *globalFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	level := cfg.Runtime.LogLevel
	if f.logLevel != "" {
		level = f.logLevel
	}
	setupLogging(cmd.ErrOrStderr(), level)
	return cfg, nil
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: lvl}),
	))
}
