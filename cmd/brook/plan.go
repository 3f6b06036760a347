package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casualjim/brook/config"
	"github.com/casualjim/brook/pkg/slogx"
	"github.com/casualjim/brook/topics"
	"github.com/spf13/cobra"
)

func newDeployCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Create the topics of an application",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if err := applyPlan(cmd.Context(), cfg, (*topics.Facade).Deploy); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed %d topics for %s\n", len(cfg.Topics), cfg.Application.ID)
			return nil
		},
	}
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the topics of an application marked for deletion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			if err := applyPlan(cmd.Context(), cfg, (*topics.Facade).Delete); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted topics of %s\n", cfg.Application.ID)
			return nil
		},
	}
}

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the built-in streaming backends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range topics.Backends() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func applyPlan(ctx context.Context, cfg config.Config, apply func(*topics.Facade, context.Context, *topics.ExecutionPlan) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	loader, err := prepareLoader(ctx, cfg, "", slog.Default().With(slogx.LoggerName("brook.cli")))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, loader.ReleaseAll()) }()

	desc, err := loader.Load(cfg.StreamingCluster.Type)
	if err != nil {
		return err
	}
	facade := topics.NewFacade(desc)
	defer func() { err = errors.Join(err, facade.Close()) }()

	if err := facade.Init(ctx, cfg.StreamingCluster); err != nil {
		return err
	}
	return apply(facade, ctx, cfg.Plan())
}
