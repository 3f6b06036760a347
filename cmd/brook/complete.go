package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/casualjim/brook/config"
	"github.com/casualjim/brook/provider"
	"github.com/casualjim/brook/runner"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/go-openapi/swag"
	"github.com/spf13/cobra"
)

type completeFlags struct {
	resource    string
	model       string
	system      string
	maxTokens   int64
	temperature float64
	stream      bool
	raw         bool
}

// newCompleteCmd sends a single prompt to one of the configured AI resources.
// It is the quickest way to check credentials and models before deploying.
func newCompleteCmd(flags *globalFlags) *cobra.Command {
	cf := &completeFlags{}
	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Send a prompt to a configured AI resource",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			return complete(cmd, cfg, cf, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&cf.resource, "resource", "r", "", "resource to use; optional when only one is configured")
	cmd.Flags().StringVarP(&cf.model, "model", "m", "", "model name")
	cmd.Flags().StringVar(&cf.system, "system", "", "system prompt")
	cmd.Flags().Int64Var(&cf.maxTokens, "max-tokens", 0, "maximum tokens to generate")
	cmd.Flags().Float64Var(&cf.temperature, "temperature", -1, "sampling temperature")
	cmd.Flags().BoolVar(&cf.stream, "stream", false, "print chunks as they arrive")
	cmd.Flags().BoolVar(&cf.raw, "raw", false, "print the answer without markdown rendering")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func complete(cmd *cobra.Command, cfg config.Config, cf *completeFlags, prompt string) (err error) {
	res, err := pickResource(cfg.Resources, cf.resource)
	if err != nil {
		return err
	}
	service, err := provider.NewService(res.Type, res.Configuration)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, service.Close()) }()

	var messages []provider.ChatMessage
	if cf.system != "" {
		messages = append(messages, provider.ChatMessage{Role: provider.RoleSystem, Content: cf.system})
	}
	messages = append(messages, provider.ChatMessage{Role: provider.RoleUser, Content: prompt})

	options := provider.Options{
		Model:               cf.model,
		Stream:              cf.stream,
		MinChunksPerMessage: 1,
	}
	if cf.maxTokens > 0 {
		options.MaxTokens = swag.Int64(cf.maxTokens)
	}
	if cf.temperature >= 0 {
		options.Temperature = swag.Float64(cf.temperature)
	}

	out := cmd.OutOrStdout()
	var sink provider.ChunkSink
	if cf.stream {
		sink = func(_ string, _ int, chunk provider.ChatChoice, _ bool) {
			fmt.Fprint(out, chunk.Content)
		}
	}

	ctx := cmd.Context()
	result, err := service.ChatCompletions(ctx, messages, sink, options).Get(ctx)
	if err != nil {
		return err
	}
	if cf.stream {
		fmt.Fprintln(out)
	} else if err := printAnswer(out, result.Text(), cf.raw); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), color.HiBlackString("%s tokens=%d", result.Model, result.Usage.TotalTokens))
	return nil
}

func pickResource(resources map[string]runner.ResourceConfiguration, name string) (runner.ResourceConfiguration, error) {
	if name != "" {
		// keys are lowercased when the configuration is loaded
		res, ok := resources[strings.ToLower(name)]
		if !ok {
			return runner.ResourceConfiguration{}, fmt.Errorf("resource %q is not configured", name)
		}
		return res, nil
	}
	switch len(resources) {
	case 0:
		return runner.ResourceConfiguration{}, errors.New("no resources are configured")
	case 1:
		for _, res := range resources {
			return res, nil
		}
	}
	names := make([]string, 0, len(resources))
	for n := range resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return runner.ResourceConfiguration{}, fmt.Errorf("choose a resource with --resource: %s", strings.Join(names, ", "))
}

func printAnswer(w io.Writer, text string, raw bool) error {
	if raw {
		_, err := fmt.Fprintln(w, text)
		return err
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return err
	}
	rendered, err := r.Render(text)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, rendered)
	return err
}
