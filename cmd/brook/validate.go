package main

import (
	"fmt"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check an application configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dump {
				printer := pp.New()
				printer.SetOutput(out)
				printer.SetColoringEnabled(false)
				if _, err := printer.Println(cfg); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "%s: %d agents, %d topics, %d resources\n",
				cfg.Application.ID, len(cfg.Agents), len(cfg.Topics), len(cfg.Resources))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dump, "print", false, "print the resolved configuration")
	return cmd
}
