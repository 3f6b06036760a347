package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/casualjim/brook/config"
	"github.com/casualjim/brook/internal/artifact"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/runner"
	"github.com/casualjim/brook/topics"
	"github.com/fatih/color"
	"github.com/fogfish/opts"
	"github.com/spf13/cobra"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		pluginDir       string
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agents of an application until they finish or are stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if shutdownTimeout == 0 {
				shutdownTimeout = cfg.Runtime.ShutdownTimeout
			}
			return runApplication(cmd.Context(), cmd.OutOrStdout(), cfg, pluginDir, shutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&pluginDir, "plugin-dir", "", "directory holding backend plugins; overrides runtime.plugin-dir")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 0, "how long to wait for agents to stop; overrides runtime.shutdown-timeout")
	return cmd
}

func runApplication(ctx context.Context, out io.Writer, cfg config.Config, pluginDir string, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := slog.Default().With(slogx.LoggerName("brook.cli"))

	loader, err := prepareLoader(ctx, cfg, pluginDir, logger)
	if err != nil {
		return err
	}

	runnerOpts := []opts.Option[runner.Orchestrator]{
		runner.WithLoader(loader),
		runner.WithLogger(logger),
	}
	if shutdownTimeout > 0 {
		runnerOpts = append(runnerOpts, runner.WithShutdownTimeout(shutdownTimeout))
	}
	orchestrator, err := runner.New(runnerOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
			logger.Info("stop requested, finishing in-flight records")
			orchestrator.RequestStop()
		case <-ctx.Done():
			return
		}
		select {
		case <-signals:
			logger.Warn("second signal, cancelling")
			cancel()
		case <-ctx.Done():
		}
	}()

	result, runErr := orchestrator.Run(ctx, cfg.Pods())
	if result != nil {
		printSummary(out, result)
	}
	if err := orchestrator.Close(); err != nil {
		logger.Warn("shutdown", slogx.Error(err))
	}
	return runErr
}

// pluginDirFor is the directory dependencies are downloaded into and
// backends are loaded from. Without an explicit directory, applications that
// declare dependencies use a shared one under the system temp dir.
func pluginDirFor(cfg config.Config, pluginDir string) string {
	if pluginDir == "" {
		pluginDir = cfg.Runtime.PluginDir
	}
	if pluginDir == "" && len(cfg.Runtime.Dependencies) > 0 {
		pluginDir = filepath.Join(os.TempDir(), "brook-plugins")
	}
	return pluginDir
}

// prepareLoader downloads the application's dependencies and returns a
// loader that resolves backends from the same directory.
func prepareLoader(ctx context.Context, cfg config.Config, pluginDir string, logger *slog.Logger) (*topics.Loader, error) {
	dir := pluginDirFor(cfg, pluginDir)
	if err := fetchDependencies(ctx, cfg, dir); err != nil {
		return nil, err
	}
	options := []opts.Option[topics.Loader]{topics.WithLogger(logger)}
	if dir != "" {
		options = append(options, topics.WithPluginDir(dir))
	}
	return topics.NewLoader(options...)
}

func fetchDependencies(ctx context.Context, cfg config.Config, dir string) error {
	if len(cfg.Runtime.Dependencies) == 0 {
		return nil
	}
	d, err := artifact.NewDownloader(dir)
	if err != nil {
		return err
	}
	deps := make([]artifact.Dependency, len(cfg.Runtime.Dependencies))
	for i, dep := range cfg.Runtime.Dependencies {
		deps[i] = artifact.Dependency{Name: dep.Name, URL: dep.URL, SHA512: dep.SHA512}
	}
	if _, err := d.FetchAll(ctx, deps); err != nil {
		return fmt.Errorf("fetching dependencies: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, result *runner.AgentRunResult) {
	for _, p := range result.Pods {
		state := string(p.State)
		switch p.State {
		case runner.PodCompleted:
			state = color.GreenString(state)
		case runner.PodFailed:
			state = color.RedString(state)
		default:
			state = color.YellowString(state)
		}
		fmt.Fprintf(w, "%s %s in=%d out=%d errors=%d skipped=%d dead-lettered=%d\n",
			color.CyanString(p.AgentID), state, p.RecordsIn, p.RecordsOut, p.Errors, p.Skipped, p.DeadLettered)
		if p.Error != "" {
			fmt.Fprintf(w, "  %s\n", p.Error)
		}
	}
}
