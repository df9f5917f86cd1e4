package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

type generateFlags struct {
	system     string
	forceCloud bool
	provider   string
	mode       string
}

func (f *generateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.system, "system", "", "system prompt (overrides personal context)")
	cmd.Flags().BoolVar(&f.forceCloud, "force-cloud", false, "prefer the cloud backend in hybrid mode")
	cmd.Flags().StringVar(&f.provider, "provider", "", "cloud provider for this request (openai, anthropic, openrouter)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "routing mode override for this invocation (local, cloud, hybrid)")
}

func (f *generateFlags) request(prompt string) models.GenerationRequest {
	req := models.GenerationRequest{
		Prompt:     prompt,
		ForceCloud: f.forceCloud,
		Provider:   f.provider,
	}
	if f.system != "" {
		req.System = models.SystemPrompt(f.system)
	}
	return req
}

// applyMode switches the orchestrator mode when --mode was given.
func (f *generateFlags) applyMode(a *app) error {
	if f.mode == "" {
		return nil
	}
	m, err := models.ParseBackendMode(f.mode)
	if err != nil {
		return err
	}
	return a.orch.SetMode(m)
}

func generateCmd() *cobra.Command {
	var flags generateFlags

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate a response for a single prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration(cmd.Context(), &flags, strings.Join(args, " "), false)
		},
	}
	flags.register(cmd)
	return cmd
}

func askCmd() *cobra.Command {
	var flags generateFlags

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question using the knowledge base as context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration(cmd.Context(), &flags, strings.Join(args, " "), true)
		},
	}
	flags.register(cmd)
	return cmd
}

func runGeneration(ctx context.Context, flags *generateFlags, prompt string, withKnowledge bool) error {
	logger := newLogger()
	a, err := newApp(ctx, logger)
	if err != nil {
		return err
	}
	defer closeApp(ctx, a)

	if err := flags.applyMode(a); err != nil {
		return fmt.Errorf("invalid --mode: %w", err)
	}

	req := flags.request(prompt)
	var out string
	if withKnowledge {
		out, err = a.rag.Generate(ctx, req)
	} else {
		out, err = a.orch.Generate(ctx, req)
	}
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
